// Package testsrc is an in-process camera driver that renders color bars.
// It backs the cmd demo mode and every session/pipeline test, and can
// inject the failures a real camera stack produces.
package testsrc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/camnode/internal/camera"
	"github.com/smazurov/camnode/internal/media"
)

// DriverName is reported by Driver.Name.
const DriverName = "testsrc"

// Options configures the driver.
type Options struct {
	// Native is the format preview frames are produced in: FormatYUV420
	// (default) or FormatJPEG.
	Native media.Format
	// StillLatency delays CaptureStill to imitate sensor exposure.
	StillLatency time.Duration
}

// DefaultIdentity is used when New is called without identities.
func DefaultIdentity() camera.Identity {
	return camera.Identity{
		ID:                "test0",
		Name:              "Test Pattern",
		LensFacing:        camera.FacingBack,
		SensorOrientation: 90,
		Resolutions: []media.Size{
			{Width: 320, Height: 240},
			{Width: 640, Height: 480},
			{Width: 1280, Height: 960},
		},
	}
}

// Stats counts hardware-level operations across all cameras.
type Stats struct {
	Opens         int64
	Closes        int64
	Configures    int64
	MaxConcurrent int32
}

type cam struct {
	identity     camera.Identity
	accessErr    error
	openErrs     []error
	configureErr error
	unsupported  map[camera.Control]bool
	dev          *Device
}

// Driver implements camera.Driver.
type Driver struct {
	opts Options

	mu      sync.Mutex
	cameras map[string]*cam
	order   []string

	opens      atomic.Int64
	closes     atomic.Int64
	configures atomic.Int64
	active     atomic.Int32
	maxActive  atomic.Int32
}

// New creates a driver exposing the given cameras.
func New(opts Options, identities ...camera.Identity) *Driver {
	if opts.Native == media.FormatUnknown {
		opts.Native = media.FormatYUV420
	}
	if len(identities) == 0 {
		identities = []camera.Identity{DefaultIdentity()}
	}
	d := &Driver{opts: opts, cameras: make(map[string]*cam)}
	for _, id := range identities {
		id.Driver = DriverName
		d.cameras[id.ID] = &cam{identity: id}
		d.order = append(d.order, id.ID)
	}
	return d
}

// Name implements camera.Driver.
func (d *Driver) Name() string { return DriverName }

// Enumerate implements camera.Driver.
func (d *Driver) Enumerate(ctx context.Context) ([]camera.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]camera.Identity, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.cameras[id].identity)
	}
	return out, nil
}

// CheckAccess implements camera.Driver.
func (d *Driver) CheckAccess(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.cameras[id]
	if !ok {
		return camera.Errorf(camera.ReasonDisconnected, "check access", "no camera %q", id)
	}
	return c.accessErr
}

// Open implements camera.Driver. A second open of the same camera fails
// with InUse, like an exclusive V4L2 node.
func (d *Driver) Open(ctx context.Context, id string) (camera.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.cameras[id]
	if !ok {
		return nil, camera.Errorf(camera.ReasonDisconnected, "open", "no camera %q", id)
	}
	if len(c.openErrs) > 0 {
		err := c.openErrs[0]
		c.openErrs = c.openErrs[1:]
		return nil, err
	}
	if c.dev != nil {
		return nil, camera.Errorf(camera.ReasonInUse, "open", "camera %q already open", id)
	}

	dev := &Device{
		driver: d,
		cam:    c,
		gone:   make(chan struct{}),
	}
	c.dev = dev
	d.opens.Add(1)
	n := d.active.Add(1)
	for {
		m := d.maxActive.Load()
		if n <= m || d.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	return dev, nil
}

func (d *Driver) release(c *cam, dev *Device) {
	d.mu.Lock()
	if c.dev == dev {
		c.dev = nil
	}
	d.mu.Unlock()
	d.closes.Add(1)
	d.active.Add(-1)
}

// SetAccessError makes CheckAccess fail for id until cleared with nil.
func (d *Driver) SetAccessError(id string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.cameras[id]; ok {
		c.accessErr = err
	}
}

// FailOpen queues errors returned by the next Open calls for id.
func (d *Driver) FailOpen(id string, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.cameras[id]; ok {
		c.openErrs = append(c.openErrs, errs...)
	}
}

// FailConfigure makes Configure fail for id until cleared with nil.
func (d *Driver) FailConfigure(id string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.cameras[id]; ok {
		c.configureErr = err
	}
}

// DisableControls makes SetControls on id reject the named controls.
func (d *Driver) DisableControls(id string, names ...camera.Control) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.cameras[id]
	if !ok {
		return
	}
	if c.unsupported == nil {
		c.unsupported = make(map[camera.Control]bool)
	}
	for _, n := range names {
		c.unsupported[n] = true
	}
}

// Disconnect simulates unplugging id. The open device, if any, stops
// producing frames and its Disconnected channel closes.
func (d *Driver) Disconnect(id string) bool {
	d.mu.Lock()
	c, ok := d.cameras[id]
	var dev *Device
	if ok {
		dev = c.dev
	}
	d.mu.Unlock()
	if dev == nil {
		return false
	}
	dev.disconnect()
	return true
}

// Device returns the currently open device for id.
func (d *Driver) Device(id string) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.cameras[id]; ok {
		return c.dev
	}
	return nil
}

// Stats returns a snapshot of operation counters.
func (d *Driver) Stats() Stats {
	return Stats{
		Opens:         d.opens.Load(),
		Closes:        d.closes.Load(),
		Configures:    d.configures.Load(),
		MaxConcurrent: d.maxActive.Load(),
	}
}

// ErrNotConfigured is returned when capture is started before Configure.
var ErrNotConfigured = errors.New("device not configured")

// Device implements camera.Device.
type Device struct {
	driver *Driver
	cam    *cam

	mu         sync.Mutex
	cfg        camera.StreamConfig
	configured bool
	closed     bool
	cancel     context.CancelFunc
	done       chan struct{}
	frames     atomic.Uint64
	controls   camera.Controls

	gone     chan struct{}
	goneOnce sync.Once
}

// Identity implements camera.Device.
func (d *Device) Identity() camera.Identity { return d.cam.identity }

// Config returns the last applied stream configuration.
func (d *Device) Config() camera.StreamConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Frames returns the number of preview frames produced so far.
func (d *Device) Frames() uint64 { return d.frames.Load() }

// Controls returns the control values applied so far.
func (d *Device) Controls() camera.Controls {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.controls.Clone()
}

// SetControls implements camera.Adjustable. Nothing is applied when any
// requested control is disabled.
func (d *Device) SetControls(ctx context.Context, values camera.Controls) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.driver.mu.Lock()
	for name := range values {
		if d.cam.unsupported[name] {
			d.driver.mu.Unlock()
			return fmt.Errorf("%s: %w", name, camera.ErrUnsupportedControl)
		}
	}
	d.driver.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.isGone() {
		return camera.Errorf(camera.ReasonDisconnected, "set controls", "device gone")
	}
	d.controls = d.controls.Merge(values)
	return nil
}

// Configure implements camera.Device.
func (d *Device) Configure(ctx context.Context, cfg camera.StreamConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.driver.mu.Lock()
	cfgErr := d.cam.configureErr
	d.driver.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.isGone() {
		return camera.Errorf(camera.ReasonDisconnected, "configure", "device gone")
	}
	if d.cancel != nil {
		return camera.Errorf(camera.ReasonFatal, "configure", "capture running")
	}
	if cfgErr != nil {
		return cfgErr
	}
	if cfg.Targets == 0 {
		return camera.Errorf(camera.ReasonFatal, "configure", "no targets")
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = media.DefaultPreviewFrameRate
	}
	d.cfg = cfg
	d.configured = true
	d.driver.configures.Add(1)
	return nil
}

// Start implements camera.Device. Still-only sessions start nothing.
func (d *Device) Start(onFrame camera.FrameHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured {
		return ErrNotConfigured
	}
	if d.isGone() {
		return camera.Errorf(camera.ReasonDisconnected, "start", "device gone")
	}
	if d.cancel != nil || !d.cfg.Targets.Has(camera.TargetPreview) {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.generateLoop(ctx, d.cfg, onFrame, d.done)
	return nil
}

func (d *Device) generateLoop(ctx context.Context, cfg camera.StreamConfig, onFrame camera.FrameHandler, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second / time.Duration(cfg.FrameRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.gone:
			return
		case <-ticker.C:
			n := d.frames.Add(1)
			f, err := d.render(cfg.PreviewSize, n)
			if err != nil {
				continue
			}
			onFrame(f)
		}
	}
}

func (d *Device) render(size media.Size, n uint64) (*media.Frame, error) {
	f := &media.Frame{
		Data:      colorBars(size, n*4),
		Format:    media.FormatYUV420,
		Width:     size.Width,
		Height:    size.Height,
		Timestamp: media.Monotonic(),
	}
	if d.driver.opts.Native == media.FormatJPEG {
		return media.EncodeJPEG(f, 85)
	}
	return f, nil
}

// StopCapture implements camera.Device.
func (d *Device) StopCapture() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// CaptureStill implements camera.Device. JPEG-native devices tag the
// orientation themselves; YUV devices leave rotation to the caller.
func (d *Device) CaptureStill(ctx context.Context, req camera.StillRequest) (*camera.Still, error) {
	d.mu.Lock()
	cfg := d.cfg
	configured := d.configured
	d.mu.Unlock()

	if d.isGone() {
		return nil, camera.Errorf(camera.ReasonDisconnected, "capture still", "device gone")
	}
	if !configured || !cfg.Targets.Has(camera.TargetStill) {
		return nil, camera.Errorf(camera.ReasonFatal, "capture still", "still target not configured")
	}
	if lat := d.driver.opts.StillLatency; lat > 0 {
		select {
		case <-time.After(lat):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.gone:
			return nil, camera.Errorf(camera.ReasonDisconnected, "capture still", "device gone")
		}
	}

	size := req.Size
	if size.IsZero() {
		size = cfg.StillSize
	}
	f := &media.Frame{
		Data:      colorBars(size, 0),
		Format:    media.FormatYUV420,
		Width:     size.Width,
		Height:    size.Height,
		Timestamp: media.Monotonic(),
		KeyFrame:  true,
	}
	if d.driver.opts.Native != media.FormatJPEG {
		return &camera.Still{Frame: f}, nil
	}

	jf, err := media.EncodeJPEG(f, req.Quality)
	if err != nil {
		return nil, camera.NewError(camera.ReasonFatal, "capture still", err)
	}
	tagged, err := media.WithOrientation(jf.Data, req.Rotation)
	if err != nil {
		return nil, camera.NewError(camera.ReasonFatal, "capture still", err)
	}
	jf.Data = tagged
	jf.Rotation = req.Rotation
	return &camera.Still{Frame: jf, Rotated: true}, nil
}

// Disconnected implements camera.Device.
func (d *Device) Disconnected() <-chan struct{} { return d.gone }

func (d *Device) isGone() bool {
	select {
	case <-d.gone:
		return true
	default:
		return false
	}
}

func (d *Device) disconnect() {
	d.goneOnce.Do(func() { close(d.gone) })
}

// Close implements camera.Device.
func (d *Device) Close() error {
	if err := d.StopCapture(); err != nil {
		return err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("device %s already closed", d.cam.identity.ID)
	}
	d.closed = true
	d.mu.Unlock()
	d.driver.release(d.cam, d)
	return nil
}
