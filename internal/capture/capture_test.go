package capture

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/camnode/internal/camera/testsrc"
	"github.com/smazurov/camnode/internal/encoder"
	"github.com/smazurov/camnode/internal/events"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/pipeline"
	"github.com/smazurov/camnode/internal/session"
	"github.com/smazurov/camnode/internal/sink"
	"github.com/smazurov/camnode/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var fixedNow = time.Date(2025, 1, 27, 10, 30, 0, 0, time.Local)

func TestNames(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{PhotoName("", fixedNow), "camnode_20250127_103000.jpg"},
		{PhotoName("porch", fixedNow), "porch_20250127_103000.jpg"},
		{VideoName("", fixedNow), "camnode-20250127_103000.mp4"},
		{withSuffix("camnode_20250127_103000.jpg", 0), "camnode_20250127_103000.jpg"},
		{withSuffix("camnode_20250127_103000.jpg", 2), "camnode_20250127_103000_2.jpg"},
		{withSuffix("noext", 1), "noext_1"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

type camHarness struct {
	driver *testsrc.Driver
	ctrl   *session.Controller
	dist   *pipeline.Distributor
	store  *storage.Dir
	bus    *events.Bus
}

func newCamHarness(t *testing.T, opts testsrc.Options) *camHarness {
	t.Helper()
	store, err := storage.NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	driver := testsrc.New(opts)
	dist := pipeline.NewDistributor("test0", pipeline.DistributorOptions{Logger: testLogger()})
	ctrl := session.New(session.Options{
		CameraID: "test0",
		Opener:   driver,
		OnFrame:  dist.Source().OnRaw,
		Config: media.CaptureConfig{
			PreviewSize:      media.Size{Width: 64, Height: 48},
			StillSize:        media.Size{Width: 160, Height: 120},
			PreviewFrameRate: 30,
		},
		Logger: testLogger(),
	})
	t.Cleanup(func() {
		_ = ctrl.Close()
		dist.Close()
	})
	return &camHarness{driver: driver, ctrl: ctrl, dist: dist, store: store, bus: events.New()}
}

func (h *camHarness) env() sink.Env {
	return sink.Env{CameraID: "test0", Session: h.ctrl, Distributor: h.dist, Bus: h.bus, Logger: testLogger()}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Baseline 64x48 SPS and matching PPS.
var (
	h264SPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xda, 0x11, 0xe4}
	h264PPS = []byte{0x68, 0xce, 0x3c, 0x80}
	h264IDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}
	h264P   = []byte{0x41, 0x9a, 0x21, 0x6c, 0x40}
)

// stubEncoder emits one H.264 access unit per fed frame with a key frame
// every keyInterval frames.
type stubEncoder struct {
	keyInterval int

	mu        sync.Mutex
	onEncoded func(*media.Frame)
	fed       int
	stopped   bool
}

func stubFactory(keyInterval int) encoder.Factory {
	return func(string, media.CaptureConfig) (encoder.Encoder, error) {
		return &stubEncoder{keyInterval: keyInterval}, nil
	}
}

func (e *stubEncoder) InputFormat() media.Format { return media.FormatYUV420 }

func (e *stubEncoder) Configure(media.CaptureConfig) error { return nil }

func (e *stubEncoder) Start(onEncoded func(*media.Frame)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEncoded = onEncoded
	return nil
}

func (e *stubEncoder) Feed(f *media.Frame) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	key := e.fed%e.keyInterval == 0
	e.fed++
	out := e.onEncoded
	e.mu.Unlock()

	data := media.JoinAnnexB(h264P)
	if key {
		data = media.JoinAnnexB(h264SPS, h264PPS, h264IDR)
	}
	out(&media.Frame{Data: data, Format: media.FormatH264, Timestamp: f.Timestamp, KeyFrame: key})
}

func (e *stubEncoder) RequestKeyFrame() {}

func (e *stubEncoder) SetBitRate(int) error { return nil }

func (e *stubEncoder) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	return nil
}
