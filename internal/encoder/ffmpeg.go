package encoder

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/smazurov/camnode/internal/ffmpeg"
	"github.com/smazurov/camnode/internal/logging"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/metrics"
	"github.com/smazurov/camnode/internal/process"
)

const (
	startTimeout = 5 * time.Second
	// input timestamps waiting for output beyond this are stale
	maxPending = 120
)

// Options configures an FFmpeg encoder.
type Options struct {
	ID      string       // used for logs and metrics
	Encoder string       // ffmpeg encoder name, see Select
	Input   media.Format // FormatJPEG or FormatYUV420
	Logger  logging.Logger
	// ProcessOptions are appended to the subprocess options.
	ProcessOptions []process.Option
	// ArgsBuilder overrides ffmpeg.BuildEncoderArgs.
	ArgsBuilder func(ffmpeg.EncoderParams) ([]string, error)
}

type pendingFrame struct {
	timestamp int64
	rotation  int
	width     int
	height    int
}

// FFmpeg encodes through an ffmpeg subprocess fed on stdin.
type FFmpeg struct {
	opts   Options
	logger logging.Logger

	mu         sync.Mutex
	params     ffmpeg.EncoderParams
	keyFrameIv time.Duration
	proc       *process.Process
	runDone    chan struct{}
	onEncoded  func(*media.Frame)
	pending    []pendingFrame
	paramSets  media.ParameterSets
	lastKeyReq time.Time
}

// NewFFmpeg creates an encoder. Configure must be called before Start.
func NewFFmpeg(opts Options) (*FFmpeg, error) {
	if opts.Input != media.FormatJPEG && opts.Input != media.FormatYUV420 {
		return nil, fmt.Errorf("unsupported encoder input %s", opts.Input)
	}
	if opts.Encoder == "" {
		return nil, errors.New("encoder name is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("encoder")
	}
	if opts.ArgsBuilder == nil {
		opts.ArgsBuilder = ffmpeg.BuildEncoderArgs
	}
	return &FFmpeg{
		opts:   opts,
		logger: opts.Logger,
	}, nil
}

// InputFormat returns the raw format Feed expects.
func (e *FFmpeg) InputFormat() media.Format { return e.opts.Input }

// Name returns the ffmpeg encoder in use.
func (e *FFmpeg) Name() string { return e.opts.Encoder }

// Configure applies cfg, restarting the subprocess when running.
func (e *FFmpeg) Configure(cfg media.CaptureConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = ffmpeg.EncoderParams{
		Encoder:   e.opts.Encoder,
		Codec:     cfg.Codec,
		Input:     e.opts.Input,
		Size:      cfg.PreviewSize,
		FrameRate: cfg.PreviewFrameRate,
		BitRate:   cfg.PreviewBitRate,
		GOP:       cfg.GOP(),
	}
	e.keyFrameIv = time.Duration(cfg.KeyFrameIntervalSeconds) * time.Second
	return e.restartLocked()
}

// SetBitRate changes the target bitrate.
func (e *FFmpeg) SetBitRate(bps int) error {
	if bps <= 0 {
		return fmt.Errorf("invalid bitrate %d", bps)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.params.Encoder == "" {
		return ErrNotStarted
	}
	e.params.BitRate = bps
	return e.restartLocked()
}

// RequestKeyFrame forces a new IDR by restarting the subprocess, at most
// once per key-frame interval.
func (e *FFmpeg) RequestKeyFrame() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc == nil || time.Since(e.lastKeyReq) < e.keyFrameIv {
		return
	}
	e.lastKeyReq = time.Now()
	if err := e.restartLocked(); err != nil {
		e.logger.Warn("Key frame request failed", "id", e.opts.ID, "error", err)
	}
}

func (e *FFmpeg) restartLocked() error {
	if e.proc == nil {
		return nil
	}
	args, err := e.opts.ArgsBuilder(e.params)
	if err != nil {
		return err
	}
	if e.proc.RequestRestart(args) {
		metrics.IncEncoderRestarts(e.opts.ID)
	}
	return nil
}

// Start launches the subprocess and waits until it accepts input.
func (e *FFmpeg) Start(onEncoded func(*media.Frame)) error {
	e.mu.Lock()
	if e.proc != nil {
		e.mu.Unlock()
		return errors.New("encoder already started")
	}
	if e.params.Encoder == "" {
		e.mu.Unlock()
		return errors.New("encoder not configured")
	}
	args, err := e.opts.ArgsBuilder(e.params)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	started := make(chan struct{}, 1)
	opts := []process.Option{
		process.WithStdin(),
		process.WithStdout(func(r io.Reader) {
			newAUSplitter(e.codec(), e.handleUnit).Consume(r)
		}),
		process.WithLogParser(logging.GetLogger("ffmpeg"), ffmpeg.ParseLogLevel),
		process.WithOnStart(func(pid int) {
			e.mu.Lock()
			e.pending = e.pending[:0]
			e.mu.Unlock()
			e.logger.Debug("Encoder started", "id", e.opts.ID, "pid", pid)
			select {
			case started <- struct{}{}:
			default:
			}
		}),
	}
	opts = append(opts, e.opts.ProcessOptions...)

	proc := process.New(e.opts.ID, args, e.logger, opts...)
	runDone := make(chan struct{})
	e.proc = proc
	e.runDone = runDone
	e.onEncoded = onEncoded
	e.mu.Unlock()

	e.logger.Info("Starting encoder", "id", e.opts.ID, "command", ffmpeg.CommandLine(args))
	go func() {
		defer close(runDone)
		code := proc.RunWithRestart()
		e.logger.Debug("Encoder exited", "id", e.opts.ID, "exit_code", code)
	}()

	select {
	case <-started:
		return nil
	case <-runDone:
		e.clear()
		return fmt.Errorf("encoder %s exited during startup: %v", e.opts.Encoder, proc.StderrTail())
	case <-time.After(startTimeout):
		_ = e.Stop()
		return fmt.Errorf("encoder %s did not start within %v", e.opts.Encoder, startTimeout)
	}
}

// Done is closed when the subprocess exits for good. Nil before Start.
func (e *FFmpeg) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runDone
}

// Feed writes one frame to the subprocess stdin.
func (e *FFmpeg) Feed(f *media.Frame) {
	if f == nil || f.Format != e.opts.Input {
		return
	}
	e.mu.Lock()
	proc := e.proc
	if proc == nil {
		e.mu.Unlock()
		return
	}
	if e.opts.Input == media.FormatYUV420 && len(f.Data) != media.YUV420Len(e.params.Size.Width, e.params.Size.Height) {
		e.mu.Unlock()
		metrics.IncEncoderDropped(e.opts.ID)
		e.logger.Debug("Dropping frame with unexpected size", "id", e.opts.ID, "width", f.Width, "height", f.Height)
		return
	}
	if len(e.pending) >= maxPending {
		e.pending = e.pending[1:]
	}
	e.pending = append(e.pending, pendingFrame{timestamp: f.Timestamp, rotation: f.Rotation, width: f.Width, height: f.Height})
	e.mu.Unlock()

	if _, err := proc.Write(f.Data); err != nil {
		e.mu.Lock()
		if n := len(e.pending); n > 0 && e.pending[n-1].timestamp == f.Timestamp {
			e.pending = e.pending[:n-1]
		}
		e.mu.Unlock()
		metrics.IncEncoderDropped(e.opts.ID)
	}
}

func (e *FFmpeg) codec() media.Codec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params.Codec
}

// handleUnit runs on the stdout goroutine for each access unit.
func (e *FFmpeg) handleUnit(au []byte) {
	e.mu.Lock()
	codec := e.params.Codec
	var meta pendingFrame
	if len(e.pending) > 0 {
		meta = e.pending[0]
		e.pending = e.pending[1:]
	} else {
		meta = pendingFrame{timestamp: media.Monotonic(), width: e.params.Size.Width, height: e.params.Size.Height}
	}
	key := media.IsKeyFrame(codec, au)
	if ps := media.ExtractParameterSets(codec, au); ps.Complete(codec) {
		e.paramSets = ps
	} else if key && e.paramSets.Complete(codec) {
		au = prependParameterSets(codec, e.paramSets, au)
	}
	onEncoded := e.onEncoded
	e.mu.Unlock()

	metrics.IncEncoderFrames(e.opts.ID)
	if onEncoded == nil {
		return
	}
	onEncoded(&media.Frame{
		Data:      au,
		Format:    codec.Format(),
		Width:     meta.width,
		Height:    meta.height,
		Rotation:  meta.rotation,
		Timestamp: meta.timestamp,
		KeyFrame:  key,
	})
}

func prependParameterSets(codec media.Codec, ps media.ParameterSets, au []byte) []byte {
	nalus := make([][]byte, 0, 4)
	if codec == media.CodecH265 {
		nalus = append(nalus, ps.VPS)
	}
	nalus = append(nalus, ps.SPS, ps.PPS)
	for _, n := range media.SplitAnnexB(au) {
		if !media.IsParameterSet(codec, n) {
			nalus = append(nalus, n)
		}
	}
	return media.JoinAnnexB(nalus...)
}

// Stop shuts the subprocess down and waits for it to exit.
func (e *FFmpeg) Stop() error {
	e.mu.Lock()
	proc, runDone := e.proc, e.runDone
	e.mu.Unlock()
	if proc == nil {
		return nil
	}
	proc.Shutdown()
	<-runDone
	e.clear()
	return nil
}

func (e *FFmpeg) clear() {
	e.mu.Lock()
	e.proc = nil
	e.onEncoded = nil
	e.pending = nil
	e.mu.Unlock()
}
