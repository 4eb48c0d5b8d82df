// Package v4l2 is the Video4Linux2 camera driver. Devices are discovered
// through pkg/linuxav and captured by an ffmpeg subprocess that streams
// MJPEG (or raw I420) frames on stdout.
package v4l2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/smazurov/camnode/internal/camera"
	"github.com/smazurov/camnode/internal/ffmpeg"
	"github.com/smazurov/camnode/internal/logging"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/process"
)

// DriverName is reported by Driver.Name.
const DriverName = "v4l2"

const (
	defaultStartTimeout = 5 * time.Second
	defaultMaxRestarts  = 3
)

type probedDevice struct {
	id          string
	name        string
	path        string
	inputFormat string       // ffmpeg -input_format
	output      media.Format // what the capture process writes
	resolutions []media.Size
}

type prober interface {
	probe(ctx context.Context) ([]probedDevice, error)
}

// Options configures the driver.
type Options struct {
	Logger *slog.Logger
	// StartTimeout bounds the wait for the first frame after Start.
	StartTimeout time.Duration
	// MaxRestarts is how often a crashed capture process is restarted
	// before the camera is reported gone.
	MaxRestarts int
	// CaptureArgs and StillArgs override the ffmpeg command builders.
	CaptureArgs func(ffmpeg.CaptureParams) ([]string, error)
	StillArgs   func(ffmpeg.CaptureParams) ([]string, error)
	// ProcessOptions are appended to every subprocess.
	ProcessOptions []process.Option
	// SetControl writes one image control to the node at path. It
	// defaults to V4L2 control ioctls.
	SetControl func(path string, c camera.Control, value int32) error
}

// Driver implements camera.Driver for V4L2 devices.
type Driver struct {
	opts   Options
	logger *slog.Logger
	prober prober

	mu      sync.Mutex
	devices map[string]probedDevice
	open    map[string]*Device
}

// New creates a driver that probes the system's video4linux devices.
func New(opts Options) *Driver {
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("camera").With("driver", DriverName)
	}
	return newDriver(opts, newSystemProber(opts.Logger))
}

func newDriver(opts Options, p prober) *Driver {
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("camera").With("driver", DriverName)
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = defaultMaxRestarts
	}
	if opts.CaptureArgs == nil {
		opts.CaptureArgs = ffmpeg.BuildCaptureArgs
	}
	if opts.StillArgs == nil {
		opts.StillArgs = ffmpeg.BuildStillArgs
	}
	if opts.SetControl == nil {
		opts.SetControl = setDeviceControl
	}
	return &Driver{
		opts:    opts,
		logger:  opts.Logger,
		prober:  p,
		devices: make(map[string]probedDevice),
		open:    make(map[string]*Device),
	}
}

// Name returns DriverName.
func (d *Driver) Name() string { return DriverName }

// Enumerate probes capture devices. USB cameras have no lens-facing or
// mounting information, so they are reported as external with a zero
// sensor orientation; config overrides can correct both.
func (d *Driver) Enumerate(ctx context.Context) ([]camera.Identity, error) {
	found, err := d.prober.probe(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe v4l2 devices: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices = make(map[string]probedDevice, len(found))
	ids := make([]camera.Identity, 0, len(found))
	for _, dev := range found {
		d.devices[dev.id] = dev
		ids = append(ids, camera.Identity{
			ID:          dev.id,
			Name:        dev.name,
			DevicePath:  dev.path,
			Driver:      DriverName,
			LensFacing:  camera.FacingExternal,
			Resolutions: dev.resolutions,
		})
	}
	return ids, nil
}

func (d *Driver) lookup(id string) (probedDevice, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[id]
	return dev, ok
}

// CheckAccess verifies read/write permission on the device node.
func (d *Driver) CheckAccess(id string) error {
	dev, ok := d.lookup(id)
	if !ok {
		return camera.Errorf(camera.ReasonDisconnected, "check access", "unknown camera %q", id)
	}
	if err := syscall.Access(dev.path, 0x6); err != nil {
		return camera.Wrap("check access", fmt.Errorf("%s: %w", dev.path, err))
	}
	return nil
}

// Open claims the camera. The node is opened once to surface permission
// and presence errors early; capture itself runs in ffmpeg.
func (d *Driver) Open(ctx context.Context, id string) (camera.Device, error) {
	dev, ok := d.lookup(id)
	if !ok {
		return nil, camera.Errorf(camera.ReasonDisconnected, "open", "unknown camera %q", id)
	}

	d.mu.Lock()
	if _, busy := d.open[id]; busy {
		d.mu.Unlock()
		return nil, camera.Errorf(camera.ReasonInUse, "open", "camera %q already open", id)
	}
	d.mu.Unlock()

	f, err := os.OpenFile(dev.path, os.O_RDWR, 0)
	if err != nil {
		return nil, camera.Wrap("open", err)
	}
	_ = f.Close()

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.open[id]; busy {
		return nil, camera.Errorf(camera.ReasonInUse, "open", "camera %q already open", id)
	}
	device := newDevice(d, dev)
	d.open[id] = device
	d.logger.Info("Camera opened", "camera_id", id, "path", dev.path)
	return device, nil
}

func (d *Driver) release(id string, dev *Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open[id] == dev {
		delete(d.open, id)
	}
}

// errCaptureExited is the cause reported when ffmpeg exits before the
// first frame without a recognizable system error.
var errCaptureExited = errors.New("capture process exited")
