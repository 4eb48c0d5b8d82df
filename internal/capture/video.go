package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/camnode/internal/encoder"
	"github.com/smazurov/camnode/internal/events"
	"github.com/smazurov/camnode/internal/logging"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/session"
	"github.com/smazurov/camnode/internal/sink"
	"github.com/smazurov/camnode/internal/storage"
	"github.com/yapingcat/gomedia/go-mp4"
)

// recordingQueueSize is deeper than a network sink's queue.
const recordingQueueSize = 256

// VideoOptions configures a VideoFileRecorder.
type VideoOptions struct {
	Store      storage.Store
	Prefix     string
	NewEncoder encoder.Factory
	Now        func() time.Time
}

// Recording describes the file of the current or last run.
type Recording struct {
	Path      string    `json:"path"`
	StartedAt time.Time `json:"started_at"`
	Frames    int       `json:"frames"`
	Finalized bool      `json:"finalized"`
	Error     string    `json:"error,omitempty"`
}

// VideoFileRecorder is a sink that encodes the camera's frames into an
// MP4 file. Stop drains the queued frames and always writes the trailer,
// also when the run ended on an error.
type VideoFileRecorder struct {
	*sink.EncodedPipeline
	file *mp4Transport
}

// NewVideoFileRecorder creates an idle recorder.
func NewVideoFileRecorder(env sink.Env, opts VideoOptions) *VideoFileRecorder {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := env.Logger
	if logger == nil {
		logger = logging.GetLogger("capture")
	}
	t := &mp4Transport{
		cameraID: env.CameraID,
		store:    opts.Store,
		prefix:   opts.Prefix,
		now:      opts.Now,
		bus:      env.Bus,
		logger:   logger.With("camera_id", env.CameraID, "sink", sink.KindMP4),
	}
	return &VideoFileRecorder{
		EncodedPipeline: sink.NewEncodedPipeline(env, sink.EncodedOptions{
			Kind:        sink.KindMP4,
			Purpose:     session.PurposeRecording,
			NewEncoder:  opts.NewEncoder,
			Transport:   t,
			QueueSize:   recordingQueueSize,
			DrainOnStop: true,
		}),
		file: t,
	}
}

// Recording returns the current or last recording, or nil before the
// first start.
func (r *VideoFileRecorder) Recording() *Recording { return r.file.snapshot() }

// mp4Transport writes encoded frames into an MP4 file through gomedia's
// muxer. Frames before the first key frame are dropped since the avcC/hvcC
// box is built from the parameter sets the key frame carries.
type mp4Transport struct {
	cameraID string
	store    storage.Store
	prefix   string
	now      func() time.Time
	bus      *events.Bus
	logger   *slog.Logger

	mu    sync.Mutex
	rec   *Recording
	file  storage.File
	muxer *mp4.Movmuxer
	track uint32

	// Worker-owned between Open and Close.
	started bool
	baseTS  int64
	lastDTS uint64
}

func (t *mp4Transport) Open(_ context.Context, codec media.Codec) error {
	cid, err := mp4Codec(codec)
	if err != nil {
		return err
	}
	startedAt := t.now()
	file, name, err := createUnique(VideoName(t.prefix, startedAt), t.store.Create)
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	muxer, err := mp4.CreateMp4Muxer(file)
	if err != nil {
		file.Close()
		_ = t.store.Remove(name)
		return fmt.Errorf("create mp4 muxer: %w", err)
	}

	t.mu.Lock()
	t.file = file
	t.muxer = muxer
	t.track = muxer.AddVideoTrack(cid)
	t.rec = &Recording{Path: t.store.Path(name), StartedAt: startedAt}
	t.started = false
	t.baseTS = 0
	t.lastDTS = 0
	path := t.rec.Path
	t.mu.Unlock()

	t.logger.Info("Recording started", "path", path, "codec", codec)
	t.bus.Publish(events.RecordingStarted{CameraID: t.cameraID, Path: path, Timestamp: events.Now()})
	return nil
}

func mp4Codec(codec media.Codec) (mp4.MP4_CODEC_TYPE, error) {
	switch codec {
	case media.CodecH264:
		return mp4.MP4_CODEC_H264, nil
	case media.CodecH265:
		return mp4.MP4_CODEC_H265, nil
	default:
		return 0, fmt.Errorf("mp4: unsupported codec %q", codec)
	}
}

func (t *mp4Transport) Send(f *media.Frame) error {
	if !t.started {
		if !f.KeyFrame {
			return nil
		}
		t.started = true
		t.baseTS = f.Timestamp
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.muxer == nil {
		return errors.New("recording closed")
	}
	ms := uint64(max(f.Timestamp-t.baseTS, 0) / int64(time.Millisecond))
	// the muxer needs strictly increasing decode times
	if t.rec.Frames > 0 && ms <= t.lastDTS {
		ms = t.lastDTS + 1
	}
	if err := t.muxer.Write(t.track, f.Data, ms, ms); err != nil {
		return fmt.Errorf("mp4 write: %w", err)
	}
	t.lastDTS = ms
	t.rec.Frames++
	return nil
}

func (t *mp4Transport) Close() error { return t.CloseWithCause(nil) }

// CloseWithCause writes the trailer and closes the file. cause ends up in
// the RecordingFinalized event.
func (t *mp4Transport) CloseWithCause(cause error) error {
	t.mu.Lock()
	muxer, file, rec := t.muxer, t.file, t.rec
	t.muxer, t.file = nil, nil
	t.mu.Unlock()
	if muxer == nil {
		return nil
	}

	err := muxer.WriteTrailer()
	if err != nil {
		err = fmt.Errorf("write mp4 trailer: %w", err)
	}
	if cerr := file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close recording: %w", cerr)
	}

	t.mu.Lock()
	rec.Finalized = err == nil
	switch {
	case cause != nil:
		rec.Error = cause.Error()
	case err != nil:
		rec.Error = err.Error()
	}
	final := *rec
	t.mu.Unlock()

	if err != nil {
		t.logger.Error("Recording not finalized", "path", final.Path, "error", err)
	} else {
		t.logger.Info("Recording finalized", "path", final.Path, "frames", final.Frames, "cause", cause)
	}
	t.bus.Publish(events.RecordingFinalized{
		CameraID:  t.cameraID,
		Path:      final.Path,
		Frames:    final.Frames,
		Error:     final.Error,
		Timestamp: events.Now(),
	})
	return err
}

func (t *mp4Transport) snapshot() *Recording {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rec == nil {
		return nil
	}
	r := *t.rec
	return &r
}
