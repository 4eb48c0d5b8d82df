package testsrc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smazurov/camnode/internal/camera"
	"github.com/smazurov/camnode/internal/media"
)

func openDefault(t *testing.T, d *Driver) *Device {
	t.Helper()
	dev, err := d.Open(context.Background(), "test0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return dev.(*Device)
}

func TestDriverExclusiveOpen(t *testing.T) {
	d := New(Options{})
	dev := openDefault(t, d)

	_, err := d.Open(context.Background(), "test0")
	if !errors.Is(err, camera.ErrInUse) {
		t.Fatalf("second Open error = %v, want in use", err)
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	dev2 := openDefault(t, d)
	defer dev2.Close()

	st := d.Stats()
	if st.Opens != 2 || st.Closes != 1 || st.MaxConcurrent != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDriverStreamsFrames(t *testing.T) {
	d := New(Options{})
	dev := openDefault(t, d)
	defer dev.Close()

	cfg := camera.StreamConfig{
		Targets:     camera.TargetPreview,
		PreviewSize: media.Size{Width: 64, Height: 48},
		FrameRate:   100,
	}
	if err := dev.Configure(context.Background(), cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	var got atomic.Int32
	frames := make(chan *media.Frame, 16)
	if err := dev.Start(func(f *media.Frame) {
		if got.Add(1) <= 16 {
			frames <- f
		}
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case f := <-frames:
		if f.Format != media.FormatYUV420 || f.Width != 64 || f.Height != 48 {
			t.Errorf("unexpected frame %v %dx%d", f.Format, f.Width, f.Height)
		}
		if len(f.Data) != media.YUV420Len(64, 48) {
			t.Errorf("len = %d", len(f.Data))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame produced")
	}

	if err := dev.StopCapture(); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	n := got.Load()
	time.Sleep(50 * time.Millisecond)
	if got.Load() != n {
		t.Error("frames produced after StopCapture returned")
	}
}

func TestDriverStillJPEGTagged(t *testing.T) {
	d := New(Options{Native: media.FormatJPEG})
	dev := openDefault(t, d)
	defer dev.Close()

	cfg := camera.StreamConfig{Targets: camera.TargetStill, StillSize: media.Size{Width: 32, Height: 32}}
	if err := dev.Configure(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	still, err := dev.CaptureStill(context.Background(), camera.StillRequest{Rotation: 90, Quality: 90})
	if err != nil {
		t.Fatalf("CaptureStill: %v", err)
	}
	if !still.Rotated || still.Frame.Format != media.FormatJPEG {
		t.Fatalf("still = %+v", still)
	}
	if tag, ok := media.ReadOrientation(still.Frame.Data); !ok || tag != 6 {
		t.Errorf("orientation = %d (ok=%v), want 6", tag, ok)
	}
}

func TestDriverStillRequiresTarget(t *testing.T) {
	d := New(Options{})
	dev := openDefault(t, d)
	defer dev.Close()

	cfg := camera.StreamConfig{Targets: camera.TargetPreview, PreviewSize: media.Size{Width: 32, Height: 32}}
	if err := dev.Configure(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.CaptureStill(context.Background(), camera.StillRequest{}); err == nil {
		t.Error("expected error without still target")
	}
}

func TestDriverDisconnect(t *testing.T) {
	d := New(Options{})
	dev := openDefault(t, d)

	if !d.Disconnect("test0") {
		t.Fatal("Disconnect reported no open device")
	}
	select {
	case <-dev.Disconnected():
	case <-time.After(time.Second):
		t.Fatal("Disconnected channel not closed")
	}
	err := dev.Configure(context.Background(), camera.StreamConfig{Targets: camera.TargetPreview})
	if !errors.Is(err, camera.ErrDisconnected) {
		t.Errorf("Configure after disconnect = %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestDriverInjectedFailures(t *testing.T) {
	d := New(Options{})
	d.SetAccessError("test0", camera.ErrNotAllowed)
	if err := d.CheckAccess("test0"); !errors.Is(err, camera.ErrNotAllowed) {
		t.Errorf("CheckAccess = %v", err)
	}
	d.SetAccessError("test0", nil)

	d.FailOpen("test0", camera.NewError(camera.ReasonTooMany, "open", nil))
	if _, err := d.Open(context.Background(), "test0"); !errors.Is(err, camera.ErrTooMany) {
		t.Errorf("Open = %v", err)
	}
	dev := openDefault(t, d)
	defer dev.Close()

	if _, err := d.Open(context.Background(), "missing"); !errors.Is(err, camera.ErrDisconnected) {
		t.Errorf("Open(missing) = %v", err)
	}
}

func TestDeviceSetControls(t *testing.T) {
	d := New(Options{})
	dev := openDefault(t, d)
	defer dev.Close()

	ctx := context.Background()
	if err := dev.SetControls(ctx, camera.Controls{camera.ControlTorch: 1, camera.ControlZoom: 4}); err != nil {
		t.Fatalf("SetControls: %v", err)
	}
	if err := dev.SetControls(ctx, camera.Controls{camera.ControlZoom: 2}); err != nil {
		t.Fatalf("SetControls: %v", err)
	}
	got := dev.Controls()
	if !got.Torch() || got[camera.ControlZoom] != 2 {
		t.Errorf("controls = %v", got)
	}

	d.DisableControls("test0", camera.ControlFocus)
	err := dev.SetControls(ctx, camera.Controls{camera.ControlFocus: 10, camera.ControlZoom: 8})
	if !errors.Is(err, camera.ErrUnsupportedControl) {
		t.Fatalf("disabled control error = %v", err)
	}
	if z := dev.Controls()[camera.ControlZoom]; z != 2 {
		t.Errorf("zoom = %d after rejected set, want 2", z)
	}
}

func TestColorBarsFresh(t *testing.T) {
	a := colorBars(media.Size{Width: 16, Height: 8}, 0)
	b := colorBars(media.Size{Width: 16, Height: 8}, 0)
	a[0] = 0
	if b[0] == 0 {
		t.Error("buffers share storage")
	}
}
