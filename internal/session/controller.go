// Package session owns the hardware capture session of one camera.
//
// Consumers (preview, streams, recordings, photos) acquire reference
// handles; the controller opens the camera for the first handle, widens
// the configured targets when a later handle needs more, and closes the
// hardware after the last handle is released and an idle grace period
// passes. Every hardware call runs on a single worker goroutine, so opens
// and closes are strictly ordered and never overlap.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/camnode/internal/camera"
	"github.com/smazurov/camnode/internal/logging"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/metrics"
)

// Defaults.
const (
	DefaultIdleGrace      = 500 * time.Millisecond
	DefaultAcquireTimeout = 5 * time.Second
)

// ErrClosed is returned once the controller has been closed.
var ErrClosed = errors.New("session controller closed")

// Opener opens cameras. *camera.Enumerator implements it.
type Opener interface {
	CheckAccess(id string) error
	Open(ctx context.Context, id string) (camera.Device, error)
}

// Options configures a Controller.
type Options struct {
	CameraID string
	Opener   Opener
	// OnFrame receives preview frames on the device's capture goroutine.
	OnFrame camera.FrameHandler
	Config  media.CaptureConfig
	// IdleGrace delays the hardware close after the last release. Zero
	// closes immediately.
	IdleGrace time.Duration
	// AcquireTimeout bounds Acquire and each hardware open/configure.
	AcquireTimeout time.Duration
	Logger         *slog.Logger
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	State     State
	Targets   camera.Target
	Consumers int
	Opens     int64
}

// Controller is the per-camera capture session state machine.
type Controller struct {
	opts   Options
	logger *slog.Logger

	cmds     chan func()
	done     chan struct{}
	submitMu sync.RWMutex
	stopped  bool

	state      atomic.Int32
	cfg        atomic.Pointer[media.CaptureConfig]
	controls   atomic.Pointer[camera.Controls]
	consumers  atomic.Int32
	opens      atomic.Int64
	targetBits atomic.Uint32

	listenersMu sync.RWMutex
	listeners   []func(old, next State)

	// Worker-owned.
	device    camera.Device
	targets   camera.Target
	handles   map[string]*Handle
	idleSeq   uint64
	watchStop chan struct{}
}

// New starts a controller. The camera is not touched until the first
// acquire.
func New(opts Options) *Controller {
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.IdleGrace < 0 {
		opts.IdleGrace = 0
	}
	if opts.OnFrame == nil {
		opts.OnFrame = func(*media.Frame) {}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("session")
	}
	c := &Controller{
		opts:    opts,
		logger:  logger.With("camera_id", opts.CameraID),
		cmds:    make(chan func(), 64),
		done:    make(chan struct{}),
		handles: make(map[string]*Handle),
	}
	cfg := opts.Config.WithDefaults()
	c.cfg.Store(&cfg)
	c.controls.Store(&camera.Controls{})
	metrics.SetSessionState(opts.CameraID, int(StateClosed))
	go c.run()
	return c
}

func (c *Controller) run() {
	defer close(c.done)
	for fn := range c.cmds {
		if fn == nil {
			return
		}
		fn()
	}
}

// submit queues fn for the worker. It reports false once Close has begun.
func (c *Controller) submit(fn func()) bool {
	c.submitMu.RLock()
	defer c.submitMu.RUnlock()
	if c.stopped {
		return false
	}
	c.cmds <- fn
	return true
}

// State returns the current session state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Config returns the current capture configuration snapshot.
func (c *Controller) Config() media.CaptureConfig { return *c.cfg.Load() }

// OnStateChange registers fn to be called on the worker for every state
// transition. fn must not block.
func (c *Controller) OnStateChange(fn func(old, next State)) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

// Stats returns counters for status reporting.
func (c *Controller) Stats() Stats {
	return Stats{
		State:     c.State(),
		Targets:   camera.Target(c.targetBits.Load()),
		Consumers: int(c.consumers.Load()),
		Opens:     c.opens.Load(),
	}
}

// UpdateConfig validates cfg and stores it as the new snapshot once the
// worker has taken it, so Config reflects it on return. It takes effect on
// the next hardware open or reconfigure. It must not be called from a
// state listener.
func (c *Controller) UpdateConfig(cfg media.CaptureConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return camera.NewError(camera.ReasonFatal, "update config", err)
	}
	applied := make(chan struct{})
	if !c.submit(func() {
		c.cfg.Store(&cfg)
		close(applied)
	}) {
		return ErrClosed
	}
	select {
	case <-applied:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Controls returns the last accepted control values.
func (c *Controller) Controls() camera.Controls { return c.controls.Load().Clone() }

// SetControls applies values to the open device and keeps them for later
// opens. With the camera closed they are only stored. A device without
// runtime controls rejects them with camera.ErrUnsupportedControl.
func (c *Controller) SetControls(ctx context.Context, values camera.Controls) error {
	if err := values.Validate(); err != nil {
		return camera.NewError(camera.ReasonFatal, "set controls", err)
	}
	ch := make(chan error, 1)
	ok := c.submit(func() {
		if c.device != nil {
			if err := c.applyControls(ctx, values); err != nil {
				ch <- err
				return
			}
		}
		next := c.controls.Load().Merge(values)
		c.controls.Store(&next)
		ch <- nil
	})
	if !ok {
		return ErrClosed
	}
	select {
	case err := <-ch:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// AcquireAsync queues an acquire. done is called on its own goroutine
// with either a valid handle or a *camera.RecorderError.
func (c *Controller) AcquireAsync(req Request, done func(*Handle, error)) {
	ok := c.submit(func() {
		h, err := c.acquire(req)
		go done(h, err)
	})
	if !ok {
		go done(nil, ErrClosed)
	}
}

// Acquire blocks until the session is active for req, ctx ends or the
// acquire timeout passes. A handle produced after the caller gave up is
// released automatically.
func (c *Controller) Acquire(ctx context.Context, req Request) (*Handle, error) {
	type result struct {
		h   *Handle
		err error
	}
	ch := make(chan result, 1)
	c.AcquireAsync(req, func(h *Handle, err error) { ch <- result{h, err} })

	timer := time.NewTimer(c.opts.AcquireTimeout)
	defer timer.Stop()

	var cause error
	select {
	case r := <-ch:
		return r.h, r.err
	case <-ctx.Done():
		cause = ctx.Err()
	case <-timer.C:
		cause = errors.New("timed out waiting for camera")
	}
	go func() {
		if r := <-ch; r.h != nil {
			c.Release(r.h)
		}
	}()
	return nil, camera.NewError(camera.ReasonFatal, "acquire", cause)
}

// Release returns h. It never blocks on hardware; releasing an already
// released or invalidated handle is a no-op.
func (c *Controller) Release(h *Handle) {
	if !h.Valid() {
		return
	}
	h.invalidate(nil)
	c.submit(func() { c.release(h) })
}

// Device returns the open device while h is valid. Callers may use it for
// CaptureStill only; lifecycle calls stay with the controller.
func (c *Controller) Device(h *Handle) (camera.Device, error) {
	type result struct {
		dev camera.Device
		err error
	}
	ch := make(chan result, 1)
	ok := c.submit(func() {
		if _, held := c.handles[h.ID()]; !held || !h.Valid() || c.device == nil {
			ch <- result{err: camera.Errorf(camera.ReasonDisconnected, "device", "session no longer held")}
			return
		}
		ch <- result{dev: c.device}
	})
	if !ok {
		return nil, ErrClosed
	}
	r := <-ch
	return r.dev, r.err
}

// Close releases every handle, closes the hardware and stops the worker.
func (c *Controller) Close() error {
	c.submitMu.Lock()
	if c.stopped {
		c.submitMu.Unlock()
		<-c.done
		return nil
	}
	c.stopped = true
	c.submitMu.Unlock()

	c.cmds <- func() {
		for id, h := range c.handles {
			delete(c.handles, id)
			h.invalidate(ErrClosed)
		}
		c.consumers.Store(0)
		if c.device != nil {
			c.closeSession()
		}
	}
	c.cmds <- nil
	<-c.done
	metrics.SetSessionConsumers(c.opts.CameraID, 0)
	return nil
}

// Worker-side operations below.

func (c *Controller) setState(next State) {
	old := State(c.state.Swap(int32(next)))
	if old == next {
		return
	}
	metrics.SetSessionState(c.opts.CameraID, int(next))
	c.logger.Debug("Session state", "from", old.String(), "to", next.String())

	c.listenersMu.RLock()
	listeners := c.listeners
	c.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(old, next)
	}
}

func (c *Controller) acquire(req Request) (*Handle, error) {
	// a pending idle close no longer applies
	c.idleSeq++

	need := req.Purpose.Target()
	switch {
	case c.device == nil:
		if err := c.open(need); err != nil {
			return nil, err
		}
	case !c.targets.Has(need):
		if err := c.reconfigure(c.targets | need); err != nil {
			return nil, err
		}
	}

	h := newHandle(req)
	c.handles[h.id] = h
	n := len(c.handles)
	c.consumers.Store(int32(n))
	metrics.SetSessionConsumers(c.opts.CameraID, n)
	c.logger.Debug("Session acquired", "consumer", req.Consumer, "purpose", req.Purpose.String(), "handles", n)
	return h, nil
}

func (c *Controller) streamConfig(targets camera.Target) camera.StreamConfig {
	cfg := c.Config()
	return camera.StreamConfig{
		Targets:     targets,
		PreviewSize: cfg.PreviewSize,
		FrameRate:   cfg.PreviewFrameRate,
		StillSize:   cfg.StillSize,
	}
}

func (c *Controller) open(targets camera.Target) error {
	c.setState(StateOpening)
	if err := c.opts.Opener.CheckAccess(c.opts.CameraID); err != nil {
		err = camera.Wrap("check access", err)
		c.logger.Warn("Camera access denied", "error", err)
		c.setState(StateClosed)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.AcquireTimeout)
	defer cancel()

	dev, err := c.opts.Opener.Open(ctx, c.opts.CameraID)
	if err != nil {
		err = camera.Wrap("open", err)
		c.logger.Warn("Failed to open camera", "error", err)
		c.setState(StateFailed)
		c.setState(StateClosed)
		return err
	}
	c.device = dev
	c.opens.Add(1)
	metrics.IncSessionOpens(c.opts.CameraID)

	c.setState(StateConfiguring)
	if err := c.configure(ctx, targets); err != nil {
		c.fail(err)
		return err
	}

	if saved := *c.controls.Load(); len(saved) > 0 {
		if err := c.applyControls(ctx, saved); err != nil {
			c.logger.Warn("Failed to restore camera controls", "error", err)
		}
	}

	c.watchStop = make(chan struct{})
	go c.watch(dev, c.watchStop)
	c.setState(StateActive)
	c.logger.Info("Camera session opened", "targets", targets.String())
	return nil
}

func (c *Controller) configure(ctx context.Context, targets camera.Target) error {
	if err := c.device.Configure(ctx, c.streamConfig(targets)); err != nil {
		return camera.Wrap("configure", err)
	}
	c.targets = targets
	c.targetBits.Store(uint32(targets))
	if !targets.Has(camera.TargetPreview) {
		return nil
	}
	if err := c.device.Start(c.opts.OnFrame); err != nil {
		return camera.Wrap("start", err)
	}
	return nil
}

func (c *Controller) applyControls(ctx context.Context, values camera.Controls) error {
	adj, ok := c.device.(camera.Adjustable)
	if !ok {
		return camera.NewError(camera.ReasonFatal, "set controls", camera.ErrUnsupportedControl)
	}
	if err := adj.SetControls(ctx, values); err != nil {
		return camera.Wrap("set controls", err)
	}
	c.logger.Debug("Camera controls applied", "controls", len(values))
	return nil
}

func (c *Controller) reconfigure(targets camera.Target) error {
	c.setState(StateConfiguring)
	if err := c.device.StopCapture(); err != nil {
		c.logger.Warn("Failed to stop capture for reconfigure", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.AcquireTimeout)
	defer cancel()

	if err := c.configure(ctx, targets); err != nil {
		c.fail(err)
		return err
	}
	c.setState(StateActive)
	c.logger.Info("Camera session reconfigured", "targets", targets.String())
	return nil
}

// fail tears the session down and notifies every holder with err.
func (c *Controller) fail(err error) {
	c.logger.Error("Camera session failed", "error", err)
	c.setState(StateFailed)
	c.teardown()
	c.setState(StateClosed)
	c.dropHandles(err)
}

func (c *Controller) dropHandles(err error) {
	for id, h := range c.handles {
		delete(c.handles, id)
		h.invalidate(err)
	}
	c.consumers.Store(0)
	metrics.SetSessionConsumers(c.opts.CameraID, 0)
}

func (c *Controller) teardown() {
	if c.watchStop != nil {
		close(c.watchStop)
		c.watchStop = nil
	}
	if c.device == nil {
		return
	}
	if err := c.device.StopCapture(); err != nil {
		c.logger.Debug("Stop capture failed", "error", err)
	}
	if err := c.device.Close(); err != nil {
		c.logger.Warn("Failed to close camera", "error", err)
	}
	c.device = nil
	c.targets = 0
	c.targetBits.Store(0)
}

func (c *Controller) closeSession() {
	c.setState(StateClosing)
	c.teardown()
	c.setState(StateClosed)
	c.logger.Info("Camera session closed")
}

func (c *Controller) release(h *Handle) {
	if _, ok := c.handles[h.id]; !ok {
		return
	}
	delete(c.handles, h.id)
	n := len(c.handles)
	c.consumers.Store(int32(n))
	metrics.SetSessionConsumers(c.opts.CameraID, n)
	c.logger.Debug("Session released", "consumer", h.consumer, "handles", n)

	if n > 0 || c.device == nil {
		return
	}
	if c.opts.IdleGrace == 0 {
		c.closeSession()
		return
	}
	c.idleSeq++
	seq := c.idleSeq
	time.AfterFunc(c.opts.IdleGrace, func() {
		c.submit(func() {
			if c.idleSeq == seq && len(c.handles) == 0 && c.device != nil {
				c.closeSession()
			}
		})
	})
}

func (c *Controller) watch(dev camera.Device, stop <-chan struct{}) {
	select {
	case <-dev.Disconnected():
		c.submit(func() { c.onDisconnect(dev) })
	case <-stop:
	}
}

func (c *Controller) onDisconnect(dev camera.Device) {
	if c.device != dev {
		return
	}
	err := camera.Errorf(camera.ReasonDisconnected, "capture", "camera %s disconnected", c.opts.CameraID)
	c.logger.Warn("Camera disconnected")
	c.setState(StateFailed)
	c.teardown()
	c.setState(StateClosed)
	c.dropHandles(err)
}
