package encoder

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/camnode/internal/ffmpeg"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/process"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newCatEncoder returns an encoder whose subprocess echoes stdin, so fed
// frames must already be Annex-B access units.
func newCatEncoder(t *testing.T) *FFmpeg {
	t.Helper()
	e, err := NewFFmpeg(Options{
		ID:      "test-encoder",
		Encoder: "libx264",
		Input:   media.FormatJPEG,
		Logger:  testLogger(),
		ArgsBuilder: func(ffmpeg.EncoderParams) ([]string, error) {
			return []string{"cat"}, nil
		},
		ProcessOptions: []process.Option{process.WithTimeouts(200*time.Millisecond, 200*time.Millisecond)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Configure(media.DefaultCaptureConfig()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return e
}

type collector struct {
	mu     sync.Mutex
	frames []*media.Frame
}

func (c *collector) add(f *media.Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

func (c *collector) waitFor(t *testing.T, n int) []*media.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.frames) >= n {
			out := append([]*media.Frame(nil), c.frames...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames", n)
	return nil
}

func TestFFmpegEncoderOrderAndTimestamps(t *testing.T) {
	e := newCatEncoder(t)
	var c collector
	if err := e.Start(c.add); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	inputs := [][]byte{
		concat(aud264, sps264, pps264, idr264),
		concat(aud264, p264),
		concat(aud264, idr264),
		aud264,
	}
	for i, data := range inputs {
		e.Feed(&media.Frame{
			Data:      data,
			Format:    media.FormatJPEG,
			Width:     640,
			Height:    480,
			Rotation:  90,
			Timestamp: int64(i+1) * 100,
		})
	}

	frames := c.waitFor(t, 3)
	for i, f := range frames[:3] {
		if f.Timestamp != int64(i+1)*100 {
			t.Errorf("frame %d timestamp = %d, want %d", i, f.Timestamp, (i+1)*100)
		}
		if f.Format != media.FormatH264 || f.Rotation != 90 || f.Width != 640 {
			t.Errorf("frame %d = %v rot %d width %d", i, f.Format, f.Rotation, f.Width)
		}
	}
	if !frames[0].KeyFrame || frames[1].KeyFrame || !frames[2].KeyFrame {
		t.Errorf("key frames = %v %v %v", frames[0].KeyFrame, frames[1].KeyFrame, frames[2].KeyFrame)
	}

	// parameter sets are repeated on later key frames
	ps := media.ExtractParameterSets(media.CodecH264, frames[2].Data)
	if !ps.Complete(media.CodecH264) {
		t.Errorf("key frame without parameter sets: %x", frames[2].Data)
	}
	if !bytes.Equal(media.SplitAnnexB(frames[2].Data)[0], sps264[4:]) {
		t.Errorf("SPS not first: %x", frames[2].Data)
	}
}

func TestFFmpegEncoderIgnoresOtherFormats(t *testing.T) {
	e := newCatEncoder(t)
	var c collector
	if err := e.Start(c.add); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.Feed(&media.Frame{Data: concat(aud264, idr264), Format: media.FormatYUV420})
	e.Feed(nil)
	time.Sleep(50 * time.Millisecond)
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) != 0 {
		t.Errorf("got %d frames for mismatched input", len(c.frames))
	}
}

func TestFFmpegEncoderLifecycleErrors(t *testing.T) {
	if _, err := NewFFmpeg(Options{Encoder: "libx264", Input: media.FormatH264}); err == nil {
		t.Error("expected error for encoded input")
	}

	e, err := NewFFmpeg(Options{Encoder: "libx264", Input: media.FormatJPEG, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(func(*media.Frame) {}); err == nil {
		t.Error("Start before Configure succeeded")
	}
	if err := e.SetBitRate(1000); err != ErrNotStarted {
		t.Errorf("SetBitRate before Configure = %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Errorf("Stop on idle encoder = %v", err)
	}

	bad, _ := NewFFmpeg(Options{
		Encoder: "libx264", Input: media.FormatJPEG, Logger: testLogger(),
		ArgsBuilder: func(ffmpeg.EncoderParams) ([]string, error) {
			return []string{"/nonexistent/ffmpeg"}, nil
		},
	})
	_ = bad.Configure(media.DefaultCaptureConfig())
	if err := bad.Start(func(*media.Frame) {}); err == nil {
		t.Error("Start with missing binary succeeded")
	}
}

func TestFFmpegEncoderSetBitRateRestarts(t *testing.T) {
	var mu sync.Mutex
	var built []int
	e, err := NewFFmpeg(Options{
		ID: "restart-test", Encoder: "libx264", Input: media.FormatJPEG, Logger: testLogger(),
		ArgsBuilder: func(p ffmpeg.EncoderParams) ([]string, error) {
			mu.Lock()
			built = append(built, p.BitRate)
			mu.Unlock()
			return []string{"cat"}, nil
		},
		ProcessOptions: []process.Option{process.WithTimeouts(200*time.Millisecond, 200*time.Millisecond)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Configure(media.DefaultCaptureConfig()); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(func(*media.Frame) {}); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	if err := e.SetBitRate(500_000); err != nil {
		t.Fatalf("SetBitRate: %v", err)
	}
	if err := e.SetBitRate(0); err == nil {
		t.Error("SetBitRate(0) succeeded")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(built) != 2 || built[1] != 500_000 {
		t.Errorf("args built with bitrates %v", built)
	}
}
