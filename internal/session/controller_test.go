package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/camnode/internal/camera"
	"github.com/smazurov/camnode/internal/camera/testsrc"
	"github.com/smazurov/camnode/internal/media"
)

const camID = "test0"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newController(t *testing.T, opener Opener, grace time.Duration) *Controller {
	t.Helper()
	c := New(Options{
		CameraID:  camID,
		Opener:    opener,
		Config:    media.CaptureConfig{PreviewSize: media.Size{Width: 64, Height: 48}, PreviewFrameRate: 30},
		IdleGrace: grace,
		Logger:    testLogger(),
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func preview(name string) Request {
	return Request{Purpose: PurposePreview, Consumer: name}
}

func TestSharedHandlesOpenOnce(t *testing.T) {
	d := testsrc.New(testsrc.Options{})
	c := newController(t, d, 0)

	const n = 5
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Acquire(context.Background(), preview("sink"))
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			handles[i] = h
		}()
	}
	wg.Wait()

	if got := c.Stats().Consumers; got != n {
		t.Errorf("Consumers = %d, want %d", got, n)
	}
	for _, h := range handles {
		c.Release(h)
	}
	waitState(t, c, StateClosed)

	st := d.Stats()
	if st.Opens != 1 || st.Closes != 1 {
		t.Errorf("driver stats = %+v, want one open and one close", st)
	}
}

func TestConcurrentAcquireReleaseNeverOverlaps(t *testing.T) {
	d := testsrc.New(testsrc.Options{})
	c := newController(t, d, 0)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				h, err := c.Acquire(context.Background(), preview("churn"))
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				c.Release(h)
			}
		}()
	}
	wg.Wait()
	waitState(t, c, StateClosed)

	st := d.Stats()
	if st.MaxConcurrent != 1 {
		t.Errorf("MaxConcurrent = %d, want 1", st.MaxConcurrent)
	}
	if st.Opens != st.Closes {
		t.Errorf("opens %d != closes %d", st.Opens, st.Closes)
	}
}

func TestInUseThenRetry(t *testing.T) {
	d := testsrc.New(testsrc.Options{})
	d.FailOpen(camID, camera.NewError(camera.ReasonInUse, "open", nil))
	c := newController(t, d, 0)

	if _, err := c.Acquire(context.Background(), preview("a")); !errors.Is(err, camera.ErrInUse) {
		t.Fatalf("first Acquire = %v, want in use", err)
	}
	if c.State() != StateClosed {
		t.Errorf("state after failed open = %s", c.State())
	}

	h, err := c.Acquire(context.Background(), preview("a"))
	if err != nil {
		t.Fatalf("retry Acquire: %v", err)
	}
	if c.State() != StateActive {
		t.Errorf("state = %s, want active", c.State())
	}
	c.Release(h)
}

func TestAccessDeniedNeverOpens(t *testing.T) {
	d := testsrc.New(testsrc.Options{})
	d.SetAccessError(camID, camera.ErrNotAllowed)
	c := newController(t, d, 0)

	if _, err := c.Acquire(context.Background(), preview("a")); !errors.Is(err, camera.ErrNotAllowed) {
		t.Fatalf("Acquire = %v, want not allowed", err)
	}
	if st := d.Stats(); st.Opens != 0 {
		t.Errorf("Opens = %d, want 0", st.Opens)
	}
}

func TestDisconnectNotifiesHolders(t *testing.T) {
	d := testsrc.New(testsrc.Options{})
	c := newController(t, d, 0)

	errs := make(chan error, 1)
	h, err := c.Acquire(context.Background(), Request{
		Purpose:  PurposeStream,
		Consumer: "rtsp",
		OnError:  func(err error) { errs <- err },
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	d.Disconnect(camID)

	select {
	case err := <-errs:
		if !errors.Is(err, camera.ErrDisconnected) {
			t.Errorf("OnError(%v), want disconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not called")
	}
	waitState(t, c, StateClosed)
	if h.Valid() {
		t.Error("handle still valid after disconnect")
	}
	c.Release(h)
	if got := c.Stats().Consumers; got != 0 {
		t.Errorf("Consumers = %d", got)
	}
}

func TestIdleGraceCancelledByAcquire(t *testing.T) {
	d := testsrc.New(testsrc.Options{})
	c := newController(t, d, 150*time.Millisecond)

	h, err := c.Acquire(context.Background(), preview("a"))
	if err != nil {
		t.Fatal(err)
	}
	c.Release(h)
	time.Sleep(20 * time.Millisecond)

	h, err = c.Acquire(context.Background(), preview("b"))
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(250 * time.Millisecond)
	if c.State() != StateActive {
		t.Fatalf("state = %s, want active", c.State())
	}
	if st := d.Stats(); st.Opens != 1 || st.Closes != 0 {
		t.Errorf("driver stats = %+v", st)
	}

	c.Release(h)
	waitState(t, c, StateClosed)
}

func TestPhotoWidensTargets(t *testing.T) {
	d := testsrc.New(testsrc.Options{})
	c := newController(t, d, 0)

	p, err := c.Acquire(context.Background(), preview("preview"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Release(p)
	s, err := c.Acquire(context.Background(), Request{Purpose: PurposePhoto, Consumer: "photo"})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Release(s)

	want := camera.TargetPreview | camera.TargetStill
	if got := c.Stats().Targets; got != want {
		t.Errorf("Targets = %s, want %s", got, want)
	}
	if got := d.Device(camID).Config().Targets; got != want {
		t.Errorf("device targets = %s", got)
	}
	if st := d.Stats(); st.Opens != 1 || st.Configures != 2 {
		t.Errorf("driver stats = %+v", st)
	}

	dev, err := c.Device(s)
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if _, err := dev.CaptureStill(context.Background(), camera.StillRequest{Quality: 90}); err != nil {
		t.Errorf("CaptureStill: %v", err)
	}
}

type slowOpener struct {
	*testsrc.Driver
	delay time.Duration
}

func (o slowOpener) Open(ctx context.Context, id string) (camera.Device, error) {
	time.Sleep(o.delay)
	return o.Driver.Open(ctx, id)
}

func TestCancelledAcquireReleasesLateHandle(t *testing.T) {
	d := testsrc.New(testsrc.Options{})
	c := newController(t, slowOpener{Driver: d, delay: 150 * time.Millisecond}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Acquire(ctx, preview("impatient"))
	if !errors.Is(err, camera.ErrFatal) {
		t.Fatalf("Acquire = %v, want fatal", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && d.Stats().Closes == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if st := d.Stats(); st.Opens != 1 || st.Closes != 1 {
		t.Errorf("driver stats = %+v, want late handle released", st)
	}
	waitState(t, c, StateClosed)
}

func TestCloseInvalidatesHandles(t *testing.T) {
	d := testsrc.New(testsrc.Options{})
	c := New(Options{CameraID: camID, Opener: d, Logger: testLogger()})

	h, err := c.Acquire(context.Background(), preview("a"))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if h.Valid() {
		t.Error("handle valid after Close")
	}
	if st := d.Stats(); st.Closes != 1 {
		t.Errorf("Closes = %d", st.Closes)
	}
	if _, err := c.Acquire(context.Background(), preview("b")); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire after Close = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestUpdateConfigAppliesOnNextOpen(t *testing.T) {
	d := testsrc.New(testsrc.Options{})
	c := newController(t, d, 0)

	if err := c.UpdateConfig(media.CaptureConfig{PreviewSize: media.Size{Width: 321, Height: 240}}); err == nil {
		t.Error("odd preview size accepted")
	}
	if err := c.UpdateConfig(media.CaptureConfig{PreviewSize: media.Size{Width: 320, Height: 240}}); err != nil {
		t.Fatal(err)
	}

	h, err := c.Acquire(context.Background(), preview("a"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Release(h)
	if got := d.Device(camID).Config().PreviewSize; got != (media.Size{Width: 320, Height: 240}) {
		t.Errorf("PreviewSize = %s", got)
	}
	if got := c.Config().PreviewSize; got.Width != 320 {
		t.Errorf("Config().PreviewSize = %s", got)
	}
}

func TestUpdateConfigVisibleOnReturn(t *testing.T) {
	c := newController(t, testsrc.New(testsrc.Options{}), 0)

	for _, fps := range []int{15, 24, 5} {
		if err := c.UpdateConfig(media.CaptureConfig{PreviewSize: media.Size{Width: 64, Height: 48}, PreviewFrameRate: fps}); err != nil {
			t.Fatal(err)
		}
		if got := c.Config().PreviewFrameRate; got != fps {
			t.Fatalf("PreviewFrameRate = %d right after UpdateConfig, want %d", got, fps)
		}
	}

	c.Close()
	if err := c.UpdateConfig(media.CaptureConfig{PreviewSize: media.Size{Width: 64, Height: 48}}); !errors.Is(err, ErrClosed) {
		t.Errorf("UpdateConfig after Close = %v, want ErrClosed", err)
	}
}

func TestControlsAppliedAndRestored(t *testing.T) {
	d := testsrc.New(testsrc.Options{})
	c := newController(t, d, 0)
	ctx := context.Background()

	// stored while closed
	if err := c.SetControls(ctx, camera.Controls{camera.ControlZoom: 3}); err != nil {
		t.Fatalf("SetControls closed: %v", err)
	}
	if st := d.Stats(); st.Opens != 0 {
		t.Fatalf("SetControls opened the camera: %+v", st)
	}

	h, err := c.Acquire(ctx, preview("a"))
	if err != nil {
		t.Fatal(err)
	}
	if z := d.Device(camID).Controls()[camera.ControlZoom]; z != 3 {
		t.Errorf("zoom after open = %d, want 3", z)
	}
	if err := c.SetControls(ctx, camera.Controls{camera.ControlTorch: 1}); err != nil {
		t.Fatalf("SetControls open: %v", err)
	}
	if !d.Device(camID).Controls().Torch() {
		t.Error("torch not applied to open device")
	}
	c.Release(h)

	h, err = c.Acquire(ctx, preview("b"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Release(h)
	if st := d.Stats(); st.Opens != 2 || st.Closes != 1 {
		t.Fatalf("stats = %+v, want reopen", st)
	}
	got := d.Device(camID).Controls()
	if !got.Torch() || got[camera.ControlZoom] != 3 {
		t.Errorf("controls after reopen = %v", got)
	}

	d.DisableControls(camID, camera.ControlFocus)
	if err := c.SetControls(ctx, camera.Controls{camera.ControlFocus: 100}); !errors.Is(err, camera.ErrUnsupportedControl) {
		t.Errorf("unsupported control = %v", err)
	}
	if _, ok := c.Controls()[camera.ControlFocus]; ok {
		t.Error("rejected control kept")
	}
	if err := c.SetControls(ctx, camera.Controls{camera.ControlTorch: 7}); err == nil {
		t.Error("out of range torch accepted")
	}
}

type plainDevice struct{ camera.Device }

type plainOpener struct{ *testsrc.Driver }

func (o plainOpener) Open(ctx context.Context, id string) (camera.Device, error) {
	dev, err := o.Driver.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	return plainDevice{dev}, nil
}

func TestControlsRejectedWithoutAdjustableDevice(t *testing.T) {
	c := newController(t, plainOpener{testsrc.New(testsrc.Options{})}, 0)

	h, err := c.Acquire(context.Background(), preview("a"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Release(h)
	err = c.SetControls(context.Background(), camera.Controls{camera.ControlTorch: 1})
	if !errors.Is(err, camera.ErrUnsupportedControl) {
		t.Fatalf("SetControls = %v, want unsupported", err)
	}
	if c.Controls().Torch() {
		t.Error("torch recorded although nothing applied it")
	}
}

func TestStateChangeSequence(t *testing.T) {
	d := testsrc.New(testsrc.Options{})
	c := newController(t, d, 0)

	var mu sync.Mutex
	var seen []State
	c.OnStateChange(func(_, next State) {
		mu.Lock()
		seen = append(seen, next)
		mu.Unlock()
	})

	h, err := c.Acquire(context.Background(), preview("a"))
	if err != nil {
		t.Fatal(err)
	}
	c.Release(h)
	waitState(t, c, StateClosed)

	want := []State{StateOpening, StateConfiguring, StateActive, StateClosing, StateClosed}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestPurposeTargets(t *testing.T) {
	tests := []struct {
		purpose Purpose
		want    camera.Target
	}{
		{PurposePreview, camera.TargetPreview},
		{PurposeStream, camera.TargetPreview},
		{PurposeRecording, camera.TargetPreview},
		{PurposePhoto, camera.TargetStill},
	}
	for _, tt := range tests {
		if got := tt.purpose.Target(); got != tt.want {
			t.Errorf("%s.Target() = %s, want %s", tt.purpose, got, tt.want)
		}
	}
}
