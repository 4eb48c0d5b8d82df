// Package recorder ties one camera's session controller, frame
// distributor, sinks, photo worker and MP4 recorder together, and keeps
// the registry of recorders for every enumerated camera.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/camnode/internal/camera"
	"github.com/smazurov/camnode/internal/capture"
	"github.com/smazurov/camnode/internal/encoder"
	"github.com/smazurov/camnode/internal/events"
	"github.com/smazurov/camnode/internal/logging"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/pipeline"
	"github.com/smazurov/camnode/internal/session"
	"github.com/smazurov/camnode/internal/sink"
	"github.com/smazurov/camnode/internal/storage"
	"github.com/smazurov/camnode/internal/streaming"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownSink is returned for a sink kind the recorder does not
	// provide.
	ErrUnknownSink = errors.New("unknown sink")
	// ErrNoTarget is returned when a push sink is started without a URL.
	ErrNoTarget = errors.New("no target url")
)

// SinkKinds lists the sinks StartSink accepts, in display order.
var SinkKinds = []string{sink.KindMJPEG, sink.KindRTSP, sink.KindRTMP, sink.KindSRT}

// Options configures a Recorder.
type Options struct {
	Identity camera.Identity
	Opener   session.Opener
	Config   media.CaptureConfig

	IdleGrace      time.Duration
	AcquireTimeout time.Duration
	MailboxSize    int
	JPEGQuality    int

	Store       storage.Store
	PhotoPrefix string
	VideoPrefix string

	// NewEncoder backs the RTSP, RTMP, SRT and MP4 sinks.
	NewEncoder encoder.Factory
	// Hub publishes the RTSP track. RTSP is unavailable when nil.
	Hub      *streaming.Hub
	RTSPPath string

	MJPEGAddr       string
	MJPEGMaxClients int
	MJPEGOnDemand   bool
	// MJPEGAccept rejects a viewer with 403 when it returns false.
	MJPEGAccept func(r *http.Request) bool

	// Default push targets, overridable per start.
	RTMPURL string
	SRTURL  string

	// AudioCheck validates the audio settings of a configuration. A
	// failing check disables audio for that configuration.
	AudioCheck func(media.CaptureConfig) error

	Bus    *events.Bus
	Logger *slog.Logger
}

// SinkStatus is the externally visible state of one sink.
type SinkStatus struct {
	Kind    string `json:"kind" example:"rtsp" doc:"Sink kind"`
	State   string `json:"state" example:"running" doc:"Lifecycle state"`
	Format  string `json:"format" example:"h264" doc:"Frame format the sink consumes"`
	Target  string `json:"target,omitempty" example:"rtsp://host:8554/test0" doc:"Listen address, path or remote URL"`
	Clients int    `json:"clients,omitempty" example:"1" doc:"Connected MJPEG viewers"`
	Error   string `json:"error,omitempty" doc:"Error of the last failed run"`
}

type sinkSlot struct {
	sink   sink.Sink
	target string
}

// Recorder is the per-camera facade.
type Recorder struct {
	opts   Options
	logger *slog.Logger

	ctrl   *session.Controller
	dist   *pipeline.Distributor
	env    sink.Env
	photos *capture.PhotoCapture
	video  *capture.VideoFileRecorder

	deviceRotation atomic.Int32

	mu     sync.Mutex
	sinks  map[string]*sinkSlot
	closed bool
}

// New creates the recorder of one camera. The camera is not opened until
// something acquires its session.
func New(opts Options) (*Recorder, error) {
	if opts.Identity.ID == "" {
		return nil, errors.New("camera id is required")
	}
	if opts.Opener == nil {
		return nil, errors.New("camera opener is required")
	}
	cfg := opts.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("capture config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("capture")
	}
	id := opts.Identity.ID

	r := &Recorder{
		opts:   opts,
		logger: logger.With("camera_id", id),
		sinks:  make(map[string]*sinkSlot),
	}
	r.dist = pipeline.NewDistributor(id, pipeline.DistributorOptions{
		MailboxSize: opts.MailboxSize,
		JPEGQuality: opts.JPEGQuality,
		Rotation:    r.Rotation,
		Logger:      logging.GetLogger("pipeline"),
	})
	r.ctrl = session.New(session.Options{
		CameraID:       id,
		Opener:         opts.Opener,
		OnFrame:        r.dist.Source().OnRaw,
		Config:         r.fit(cfg),
		IdleGrace:      opts.IdleGrace,
		AcquireTimeout: opts.AcquireTimeout,
		Logger:         logging.GetLogger("session"),
	})
	r.ctrl.OnStateChange(func(old, next session.State) {
		opts.Bus.Publish(events.SessionStateChanged{
			CameraID:  id,
			From:      old.String(),
			To:        next.String(),
			Timestamp: events.Now(),
		})
	})
	r.env = sink.Env{
		CameraID:    id,
		Session:     r.ctrl,
		Distributor: r.dist,
		Bus:         opts.Bus,
		Logger:      logging.GetLogger("sinks"),
	}
	if opts.Store != nil {
		r.photos = capture.NewPhotoCapture(capture.PhotoOptions{
			CameraID: id,
			Session:  r.ctrl,
			Store:    opts.Store,
			Prefix:   opts.PhotoPrefix,
			Rotation: r.Rotation,
			Bus:      opts.Bus,
			Logger:   logger,
		})
		if opts.NewEncoder != nil {
			r.video = capture.NewVideoFileRecorder(r.env, capture.VideoOptions{
				Store:      opts.Store,
				Prefix:     opts.VideoPrefix,
				NewEncoder: opts.NewEncoder,
			})
		}
	}
	return r, nil
}

// ID returns the camera id.
func (r *Recorder) ID() string { return r.opts.Identity.ID }

// Identity returns the enumerated camera.
func (r *Recorder) Identity() camera.Identity { return r.opts.Identity }

// Config returns the current capture configuration.
func (r *Recorder) Config() media.CaptureConfig { return r.ctrl.Config() }

// UpdateConfig validates cfg and stores it for the next (re)configuration
// of the session.
func (r *Recorder) UpdateConfig(cfg media.CaptureConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	return r.ctrl.UpdateConfig(r.fit(cfg))
}

// fit snaps the requested sizes to the closest enumerated resolution and
// drops audio the host cannot capture.
func (r *Recorder) fit(cfg media.CaptureConfig) media.CaptureConfig {
	id := r.opts.Identity
	if !id.Supports(cfg.PreviewSize) {
		closest := id.Closest(cfg.PreviewSize)
		r.logger.Info("Preview size not supported, using closest", "requested", cfg.PreviewSize, "closest", closest)
		cfg.PreviewSize = closest
	}
	if !id.Supports(cfg.StillSize) {
		cfg.StillSize = id.Closest(cfg.StillSize)
	}
	if cfg.AudioEnabled && r.opts.AudioCheck != nil {
		if err := r.opts.AudioCheck(cfg); err != nil {
			r.logger.Warn("Audio configuration not supported, capturing video only", "sample_rate", cfg.AudioSampleRate, "error", err)
			cfg.AudioEnabled = false
		}
	}
	return cfg
}

// Controls returns the image controls set so far.
func (r *Recorder) Controls() camera.Controls { return r.ctrl.Controls() }

// SetControls applies image controls to the open camera and keeps them for
// later sessions.
func (r *Recorder) SetControls(ctx context.Context, values camera.Controls) error {
	if err := r.ctrl.SetControls(ctx, values); err != nil {
		return err
	}
	r.logger.Info("Camera controls updated", "controls", values)
	return nil
}

// SetTorch switches the flash LED to continuous light. It lights while a
// session is open and comes back with the next one.
func (r *Recorder) SetTorch(ctx context.Context, on bool) error {
	var v int32
	if on {
		v = 1
	}
	return r.SetControls(ctx, camera.Controls{camera.ControlTorch: v})
}

// TorchOn reports whether the torch is switched on.
func (r *Recorder) TorchOn() bool { return r.ctrl.Controls().Torch() }

// Session returns the session controller's current stats.
func (r *Recorder) Session() session.Stats { return r.ctrl.Stats() }

// SetDeviceRotation records the display rotation in degrees. It affects
// the rotation hint of subsequent frames and the orientation of the next
// photo.
func (r *Recorder) SetDeviceRotation(deg int) {
	r.deviceRotation.Store(int32(deg))
}

// DeviceRotation returns the last display rotation set.
func (r *Recorder) DeviceRotation() int { return int(r.deviceRotation.Load()) }

// Rotation returns the clockwise rotation that turns the camera's image
// upright for the current device rotation.
func (r *Recorder) Rotation() int {
	id := r.opts.Identity
	return camera.RotationDegrees(id.SensorOrientation, r.DeviceRotation(), id.LensFacing)
}

// StartSink starts the sink of kind. target replaces the configured URL of
// a push sink; it is ignored for MJPEG and RTSP.
func (r *Recorder) StartSink(ctx context.Context, kind, target string) error {
	s, err := r.sinkFor(kind, target)
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

// StopSink stops the sink of kind.
func (r *Recorder) StopSink(kind string) error {
	r.mu.Lock()
	slot, ok := r.sinks[kind]
	r.mu.Unlock()
	if !ok {
		if !validKind(kind) {
			return fmt.Errorf("%w: %s", ErrUnknownSink, kind)
		}
		return sink.ErrNotRunning
	}
	return slot.sink.Stop()
}

// Sink returns the sink of kind if it was ever started.
func (r *Recorder) Sink(kind string) (sink.Sink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.sinks[kind]
	if !ok {
		return nil, false
	}
	return slot.sink, true
}

// Sinks reports every sink kind, started or not.
func (r *Recorder) Sinks() []SinkStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SinkStatus, 0, len(SinkKinds))
	for _, kind := range SinkKinds {
		st := SinkStatus{Kind: kind, State: sink.StateIdle.String()}
		slot, ok := r.sinks[kind]
		if !ok {
			out = append(out, st)
			continue
		}
		st.State = slot.sink.State().String()
		st.Format = slot.sink.RequiredFormat().String()
		st.Target = slot.target
		if m, isMJPEG := slot.sink.(*sink.MJPEG); isMJPEG {
			st.Clients = m.Clients()
			if addr := m.Addr(); addr != "" {
				st.Target = addr
			}
		}
		if e, ok := slot.sink.(interface{ Err() error }); ok && e.Err() != nil {
			st.Error = e.Err().Error()
		}
		out = append(out, st)
	}
	return out
}

func validKind(kind string) bool {
	for _, k := range SinkKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// sinkFor returns the sink to start for kind, creating it on first use.
// Push sinks are rebuilt when an idle sink gets a new target.
func (r *Recorder) sinkFor(kind, target string) (sink.Sink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, session.ErrClosed
	}

	slot, ok := r.sinks[kind]
	if ok && (slot.sink.IsRunning() || kind == sink.KindMJPEG || kind == sink.KindRTSP) {
		return slot.sink, nil
	}

	switch kind {
	case sink.KindMJPEG:
		s := sink.NewMJPEG(r.env, sink.MJPEGOptions{
			Addr:         r.opts.MJPEGAddr,
			MaxClients:   r.opts.MJPEGMaxClients,
			AcceptPolicy: r.opts.MJPEGAccept,
			OnDemand:     r.opts.MJPEGOnDemand,
			OnAccepted:   func(remote string) { r.logger.Info("MJPEG viewer connected", "remote", remote) },
			OnClosed:     func(remote string) { r.logger.Info("MJPEG viewer left", "remote", remote) },
		})
		r.sinks[kind] = &sinkSlot{sink: s, target: r.opts.MJPEGAddr}
		return s, nil

	case sink.KindRTSP:
		if r.opts.Hub == nil || r.opts.NewEncoder == nil {
			return nil, fmt.Errorf("%w: rtsp server not enabled", ErrUnknownSink)
		}
		s := sink.NewRTSP(r.env, sink.RTSPOptions{
			Path:       r.opts.RTSPPath,
			Hub:        r.opts.Hub,
			NewEncoder: r.opts.NewEncoder,
		})
		r.sinks[kind] = &sinkSlot{sink: s, target: s.Path()}
		return s, nil

	case sink.KindRTMP, sink.KindSRT:
		if r.opts.NewEncoder == nil {
			return nil, fmt.Errorf("%w: no encoder for %s", ErrUnknownSink, kind)
		}
		url := target
		if url == "" && ok {
			url = slot.target
		}
		if url == "" {
			url = r.defaultTarget(kind)
		}
		if url == "" {
			return nil, fmt.Errorf("%s: %w", kind, ErrNoTarget)
		}
		if ok && url == slot.target {
			return slot.sink, nil
		}
		s, err := r.newPushSink(kind, url)
		if err != nil {
			return nil, err
		}
		r.sinks[kind] = &sinkSlot{sink: s, target: url}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSink, kind)
}

func (r *Recorder) defaultTarget(kind string) string {
	if kind == sink.KindRTMP {
		return r.opts.RTMPURL
	}
	return r.opts.SRTURL
}

func (r *Recorder) newPushSink(kind, url string) (sink.Sink, error) {
	if kind == sink.KindRTMP {
		return sink.NewRTMP(r.env, sink.RTMPOptions{URL: url, NewEncoder: r.opts.NewEncoder})
	}
	return sink.NewSRT(r.env, sink.SRTOptions{URL: url, NewEncoder: r.opts.NewEncoder})
}

// TakePhoto captures, orients and stores one photo.
func (r *Recorder) TakePhoto(ctx context.Context) (*capture.Photo, error) {
	if r.photos == nil {
		return nil, camera.Errorf(camera.ReasonDisabled, "photo", "no storage configured")
	}
	return r.photos.TakePhoto(ctx)
}

// TakePhotoAsync queues a photo; done runs on the photo worker.
func (r *Recorder) TakePhotoAsync(done func(*capture.Photo, error)) {
	if r.photos == nil {
		go done(nil, camera.Errorf(camera.ReasonDisabled, "photo", "no storage configured"))
		return
	}
	r.photos.TakePhotoAsync(done)
}

// StartRecording starts an MP4 recording.
func (r *Recorder) StartRecording(ctx context.Context) (*capture.Recording, error) {
	if r.video == nil {
		return nil, camera.Errorf(camera.ReasonDisabled, "record", "no storage or encoder configured")
	}
	if err := r.video.Start(ctx); err != nil {
		return nil, err
	}
	return r.video.Recording(), nil
}

// StopRecording stops the MP4 recording and returns the finalized file.
func (r *Recorder) StopRecording() (*capture.Recording, error) {
	if r.video == nil {
		return nil, sink.ErrNotRunning
	}
	if err := r.video.Stop(); err != nil {
		if errors.Is(err, sink.ErrNotRunning) {
			return nil, err
		}
		return r.video.Recording(), err
	}
	return r.video.Recording(), nil
}

// Recording returns the current or last recording, nil if there was none.
func (r *Recorder) Recording() (*capture.Recording, bool) {
	if r.video == nil {
		return nil, false
	}
	return r.video.Recording(), r.video.IsRunning()
}

// Close stops every sink and the recording in parallel, then closes the
// session. The recording is finalized before the camera is released.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	running := make([]sink.Sink, 0, len(r.sinks)+1)
	for _, slot := range r.sinks {
		if slot.sink.IsRunning() {
			running = append(running, slot.sink)
		}
	}
	r.mu.Unlock()
	if r.video != nil && r.video.IsRunning() {
		running = append(running, r.video)
	}

	var g errgroup.Group
	for _, s := range running {
		g.Go(func() error {
			if err := s.Stop(); err != nil && !errors.Is(err, sink.ErrNotRunning) {
				return fmt.Errorf("stop %s: %w", s.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	if r.photos != nil {
		r.photos.Close()
	}
	if cerr := r.ctrl.Close(); cerr != nil && err == nil {
		err = cerr
	}
	r.dist.Close()
	r.logger.Info("Recorder closed")
	return err
}
