package v4l2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/smazurov/camnode/internal/camera"
	"github.com/smazurov/camnode/internal/ffmpeg"
	"github.com/smazurov/camnode/internal/logging"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/process"
)

const restartBackoff = 500 * time.Millisecond

type captureRun struct {
	proc *process.Process
	stop chan struct{}
	done chan struct{}
	err  error // set before done closes when capture never produced a frame
}

// Device is an opened V4L2 camera.
type Device struct {
	drv    *Driver
	info   probedDevice
	logger *slog.Logger

	mu         sync.Mutex
	cfg        camera.StreamConfig
	configured bool
	closed     bool
	run        *captureRun
	latest     *media.Frame

	stopWatch context.CancelFunc
	gone      chan struct{}
	goneOnce  sync.Once
}

func newDevice(drv *Driver, info probedDevice) *Device {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		drv:       drv,
		info:      info,
		logger:    drv.logger.With("camera_id", info.id),
		stopWatch: cancel,
		gone:      make(chan struct{}),
	}
	go watchRemoval(ctx, info.path, d.logger, d.disconnect)
	return d
}

// Identity implements camera.Device.
func (d *Device) Identity() camera.Identity {
	return camera.Identity{
		ID:          d.info.id,
		Name:        d.info.name,
		DevicePath:  d.info.path,
		Driver:      DriverName,
		LensFacing:  camera.FacingExternal,
		Resolutions: d.info.resolutions,
	}
}

// SetControls implements camera.Adjustable. Controls are set through the
// node directly and take effect while ffmpeg keeps streaming.
func (d *Device) SetControls(ctx context.Context, values camera.Controls) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed || d.isGone() {
		return camera.Errorf(camera.ReasonDisconnected, "set controls", "device gone")
	}
	for _, name := range values.Ordered() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.drv.opts.SetControl(d.info.path, name, values[name]); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		d.logger.Debug("Control set", "control", string(name), "value", values[name])
	}
	return nil
}

// Configure implements camera.Device.
func (d *Device) Configure(ctx context.Context, cfg camera.StreamConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.isGone() {
		return camera.Errorf(camera.ReasonDisconnected, "configure", "device gone")
	}
	if d.run != nil {
		return camera.Errorf(camera.ReasonFatal, "configure", "capture running")
	}
	if cfg.Targets == 0 {
		return camera.Errorf(camera.ReasonFatal, "configure", "no targets")
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = media.DefaultPreviewFrameRate
	}
	d.cfg = cfg
	d.configured = true
	return nil
}

// Start implements camera.Device. It returns once the first frame has
// arrived, or with the classified ffmpeg failure.
func (d *Device) Start(onFrame camera.FrameHandler) error {
	d.mu.Lock()
	if !d.configured {
		d.mu.Unlock()
		return camera.Errorf(camera.ReasonFatal, "start", "device not configured")
	}
	if d.isGone() {
		d.mu.Unlock()
		return camera.Errorf(camera.ReasonDisconnected, "start", "device gone")
	}
	if d.run != nil || !d.cfg.Targets.Has(camera.TargetPreview) {
		d.mu.Unlock()
		return nil
	}
	cfg := d.cfg
	args, err := d.drv.opts.CaptureArgs(ffmpeg.CaptureParams{
		Device:      d.info.path,
		InputFormat: d.info.inputFormat,
		Size:        cfg.PreviewSize,
		FrameRate:   cfg.FrameRate,
		Output:      d.info.output,
	})
	if err != nil {
		d.mu.Unlock()
		return camera.NewError(camera.ReasonFatal, "start", err)
	}

	first := make(chan struct{})
	var firstOnce sync.Once
	emit := func(data []byte) {
		f := &media.Frame{
			Data:      data,
			Format:    d.info.output,
			Width:     cfg.PreviewSize.Width,
			Height:    cfg.PreviewSize.Height,
			Timestamp: media.Monotonic(),
		}
		d.mu.Lock()
		d.latest = f
		d.mu.Unlock()
		onFrame(f)
		firstOnce.Do(func() { close(first) })
	}

	opts := []process.Option{
		process.WithStdout(d.stdoutHandler(cfg, emit)),
		process.WithLogParser(logging.GetLogger("ffmpeg"), ffmpeg.ParseLogLevel),
	}
	opts = append(opts, d.drv.opts.ProcessOptions...)
	run := &captureRun{
		proc: process.New("capture-"+d.info.id, args, d.logger, opts...),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	d.run = run
	d.mu.Unlock()

	d.logger.Info("Starting capture", "command", ffmpeg.CommandLine(args))
	go d.captureLoop(run, first)

	select {
	case <-first:
		return nil
	case <-run.done:
		d.clearRun(run)
		return run.err
	case <-time.After(d.drv.opts.StartTimeout):
		_ = d.StopCapture()
		return camera.Errorf(camera.ReasonFatal, "start", "no frame within %v", d.drv.opts.StartTimeout)
	}
}

func (d *Device) stdoutHandler(cfg camera.StreamConfig, emit func([]byte)) process.StdoutHandler {
	if d.info.output == media.FormatYUV420 {
		size := media.YUV420Len(cfg.PreviewSize.Width, cfg.PreviewSize.Height)
		return func(r io.Reader) {
			(&rawSplitter{size: size, emit: emit}).Consume(r)
		}
	}
	return func(r io.Reader) {
		(&jpegSplitter{emit: emit}).Consume(r)
	}
}

// captureLoop runs ffmpeg, restarting it after crashes once streaming has
// begun. A device that vanished, or too many crashes, ends in disconnect.
func (d *Device) captureLoop(run *captureRun, first <-chan struct{}) {
	defer close(run.done)
	for attempt := 0; ; attempt++ {
		code := run.proc.Run()
		select {
		case <-run.stop:
			return
		default:
		}

		cause := d.exitCause(run.proc)
		select {
		case <-first:
		default:
			// never streamed: report to Start instead of retrying
			run.err = camera.Wrap("start", cause)
			return
		}

		if camera.Classify(cause) == camera.ReasonDisconnected || attempt >= d.drv.opts.MaxRestarts {
			d.logger.Warn("Capture stopped", "exit_code", code, "error", cause)
			d.disconnect()
			return
		}
		d.logger.Warn("Capture exited, restarting", "exit_code", code, "attempt", attempt+1, "error", cause)
		select {
		case <-run.stop:
			return
		case <-time.After(restartBackoff):
		}
	}
}

func (d *Device) exitCause(proc *process.Process) error {
	if _, err := os.Stat(d.info.path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", d.info.path, err)
	}
	if errno, ok := ffmpeg.StderrErrno(proc.StderrTail()); ok {
		return fmt.Errorf("%s: %w", d.info.path, errno)
	}
	return errCaptureExited
}

func (d *Device) clearRun(run *captureRun) {
	d.mu.Lock()
	if d.run == run {
		d.run = nil
		d.latest = nil
	}
	d.mu.Unlock()
}

// StopCapture implements camera.Device.
func (d *Device) StopCapture() error {
	d.mu.Lock()
	run := d.run
	d.mu.Unlock()
	if run == nil {
		return nil
	}
	select {
	case <-run.stop:
	default:
		close(run.stop)
	}
	run.proc.Shutdown()
	<-run.done
	d.clearRun(run)
	return nil
}

// CaptureStill implements camera.Device. While preview capture runs the
// latest preview frame is returned, since the node cannot be opened twice;
// otherwise a one-shot ffmpeg grabs a frame at the still size. Rotation is
// left to the caller.
func (d *Device) CaptureStill(ctx context.Context, req camera.StillRequest) (*camera.Still, error) {
	d.mu.Lock()
	cfg, configured, running, latest := d.cfg, d.configured, d.run != nil, d.latest
	d.mu.Unlock()

	if d.isGone() {
		return nil, camera.Errorf(camera.ReasonDisconnected, "capture still", "device gone")
	}
	if !configured || !cfg.Targets.Has(camera.TargetStill) {
		return nil, camera.Errorf(camera.ReasonFatal, "capture still", "still target not configured")
	}
	if running {
		if latest == nil {
			return nil, camera.Errorf(camera.ReasonFatal, "capture still", "no preview frame available")
		}
		f := *latest
		f.Timestamp = media.Monotonic()
		return &camera.Still{Frame: &f}, nil
	}

	size := req.Size
	if size.IsZero() {
		size = cfg.StillSize
	}
	args, err := d.drv.opts.StillArgs(ffmpeg.CaptureParams{
		Device:      d.info.path,
		InputFormat: d.info.inputFormat,
		Size:        size,
	})
	if err != nil {
		return nil, camera.NewError(camera.ReasonFatal, "capture still", err)
	}

	var grabbed []byte
	var once sync.Once
	opts := []process.Option{
		process.WithStdout(func(r io.Reader) {
			(&jpegSplitter{emit: func(b []byte) {
				once.Do(func() { grabbed = b })
			}}).Consume(r)
		}),
		process.WithLogParser(logging.GetLogger("ffmpeg"), ffmpeg.ParseLogLevel),
	}
	opts = append(opts, d.drv.opts.ProcessOptions...)
	proc := process.New("still-"+d.info.id, args, d.logger, opts...)

	exited := make(chan int, 1)
	go func() { exited <- proc.Run() }()
	select {
	case <-exited:
	case <-ctx.Done():
		proc.Shutdown()
		<-exited
		return nil, ctx.Err()
	case <-d.gone:
		proc.Shutdown()
		<-exited
		return nil, camera.Errorf(camera.ReasonDisconnected, "capture still", "device gone")
	}

	if grabbed == nil {
		return nil, camera.Wrap("capture still", d.exitCause(proc))
	}
	f := &media.Frame{
		Data:      grabbed,
		Format:    media.FormatJPEG,
		Width:     size.Width,
		Height:    size.Height,
		Timestamp: media.Monotonic(),
		KeyFrame:  true,
	}
	if c, err := jpeg.DecodeConfig(bytes.NewReader(grabbed)); err == nil {
		f.Width, f.Height = c.Width, c.Height
	}
	return &camera.Still{Frame: f}, nil
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
		return fmt.Errorf("device %s already closed", d.info.id)
	}
	d.closed = true
	d.mu.Unlock()
	d.stopWatch()
	d.drv.release(d.info.id, d)
	d.logger.Info("Camera closed")
	return nil
}
