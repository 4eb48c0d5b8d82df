package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/smazurov/camnode/internal/encoder"
	"github.com/smazurov/camnode/internal/logging"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/metrics"
	"github.com/smazurov/camnode/internal/session"
)

// DefaultQueueSize is the encoded frame queue depth of a network sink.
const DefaultQueueSize = 64

// Transport is the network or file side of an encoded sink. Send is only
// called from the sink's worker goroutine.
type Transport interface {
	Open(ctx context.Context, codec media.Codec) error
	Send(f *media.Frame) error
	// Close must unblock a Send in progress.
	Close() error
}

// CauseCloser is implemented by transports that report why they were
// closed. The pipeline calls CloseWithCause instead of Close on stop; cause
// is nil for a requested stop.
type CauseCloser interface {
	CloseWithCause(cause error) error
}

// EncodedOptions configures an EncodedPipeline.
type EncodedOptions struct {
	Kind       string
	Purpose    session.Purpose
	NewEncoder encoder.Factory
	Transport  Transport
	QueueSize  int
	// DrainOnStop lets the worker send every queued frame before the
	// transport is closed.
	DrainOnStop bool
}

type encodedRun struct {
	codec  media.Codec
	handle *session.Handle
	enc    encoder.Encoder
	feed   *feeder
	queue  *frameQueue
	done   chan struct{}
}

// EncodedPipeline runs the encoder of one streaming or recording sink and
// moves its output to a Transport on a dedicated worker.
type EncodedPipeline struct {
	env    Env
	opts   EncodedOptions
	lc     *Lifecycle
	logger *slog.Logger

	opMu sync.Mutex
	run  atomic.Pointer[encodedRun]
}

// NewEncodedPipeline creates an idle pipeline.
func NewEncodedPipeline(env Env, opts EncodedOptions) *EncodedPipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := env.Logger
	if logger == nil {
		logger = logging.GetLogger("sinks")
	}
	return &EncodedPipeline{
		env:    env,
		opts:   opts,
		lc:     NewLifecycle(env, opts.Kind),
		logger: logger.With("camera_id", env.CameraID, "sink", opts.Kind),
	}
}

// Name returns the sink kind.
func (p *EncodedPipeline) Name() string { return p.opts.Kind }

// RequiredFormat is the encoded format of the running encoder, or of the
// configured codec while idle.
func (p *EncodedPipeline) RequiredFormat() media.Format {
	if r := p.run.Load(); r != nil {
		return r.codec.Format()
	}
	return p.env.Session.Config().Codec.Format()
}

// State returns the lifecycle state.
func (p *EncodedPipeline) State() State { return p.lc.State() }

// IsRunning reports whether the sink is Running.
func (p *EncodedPipeline) IsRunning() bool { return p.lc.State() == StateRunning }

// Err returns the error of the last failed run.
func (p *EncodedPipeline) Err() error { return p.lc.Err() }

// Start opens the transport, acquires the session, starts the encoder and
// only then attaches the encoder to the camera's frames.
func (p *EncodedPipeline) Start(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if err := p.lc.Begin(); err != nil {
		return err
	}

	cfg := p.env.Session.Config()
	r := &encodedRun{
		codec: cfg.Codec,
		done:  make(chan struct{}),
	}
	r.queue = newFrameQueue(p.opts.QueueSize, func() {
		metrics.IncSinkQueueDropped(p.env.CameraID, p.opts.Kind)
	})

	if err := p.opts.Transport.Open(ctx, r.codec); err != nil {
		err = fmt.Errorf("open %s transport: %w", p.opts.Kind, err)
		p.lc.StartFailed(err)
		return err
	}

	h, err := p.env.Session.Acquire(ctx, session.Request{
		Purpose:  p.opts.Purpose,
		Consumer: p.opts.Kind,
		OnError:  func(err error) { p.fail(err) },
	})
	if err != nil {
		_ = p.opts.Transport.Close()
		p.lc.StartFailed(err)
		return err
	}
	r.handle = h

	if err := p.startEncoder(r, cfg); err != nil {
		_ = p.opts.Transport.Close()
		p.env.Session.Release(h)
		p.lc.StartFailed(err)
		return err
	}

	p.run.Store(r)
	go p.worker(r)

	r.feed = &feeder{name: p.opts.Kind, format: r.enc.InputFormat(), push: r.enc.Feed}
	if err := p.env.Distributor.Register(r.feed); err != nil {
		p.run.Store(nil)
		r.queue.close(false)
		_ = p.opts.Transport.Close()
		<-r.done
		_ = r.enc.Stop()
		p.env.Session.Release(h)
		p.lc.StartFailed(err)
		return err
	}

	p.lc.Started()
	return nil
}

func (p *EncodedPipeline) startEncoder(r *encodedRun, cfg media.CaptureConfig) error {
	enc, err := p.opts.NewEncoder(p.env.CameraID+"-"+p.opts.Kind, cfg)
	if err != nil {
		return fmt.Errorf("create encoder: %w", err)
	}
	if err := enc.Configure(cfg); err != nil {
		return fmt.Errorf("configure encoder: %w", err)
	}
	if err := enc.Start(r.queue.push); err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}
	r.enc = enc
	return nil
}

func (p *EncodedPipeline) worker(r *encodedRun) {
	defer close(r.done)
	for {
		f, ok := r.queue.pop()
		if !ok {
			return
		}
		if err := p.opts.Transport.Send(f); err != nil {
			if p.IsRunning() {
				go p.fail(fmt.Errorf("%s send: %w", p.opts.Kind, err))
			}
			return
		}
		metrics.AddSinkBytes(p.env.CameraID, p.opts.Kind, len(f.Data))
	}
}

func (p *EncodedPipeline) closeTransport(cause error) error {
	if cc, ok := p.opts.Transport.(CauseCloser); ok {
		return cc.CloseWithCause(cause)
	}
	return p.opts.Transport.Close()
}

// Push hands an encoded frame to the network worker. Frames pushed while
// the sink is not running are dropped.
func (p *EncodedPipeline) Push(f *media.Frame) {
	if r := p.run.Load(); r != nil {
		r.queue.push(f)
	}
}

// RequestKeyFrame asks the running encoder for an IDR.
func (p *EncodedPipeline) RequestKeyFrame() {
	if r := p.run.Load(); r != nil && r.enc != nil {
		r.enc.RequestKeyFrame()
	}
}

// SetBitRate changes the running encoder's bitrate.
func (p *EncodedPipeline) SetBitRate(bps int) error {
	r := p.run.Load()
	if r == nil {
		return ErrNotRunning
	}
	return r.enc.SetBitRate(bps)
}

// Stop detaches the encoder from the camera, closes the transport, stops
// the encoder and releases the session.
func (p *EncodedPipeline) Stop() error {
	return p.stop(nil)
}

func (p *EncodedPipeline) fail(err error) {
	if err := p.stop(err); err != nil && !errors.Is(err, ErrNotRunning) {
		p.logger.Debug("Error during failure stop", "error", err)
	}
}

func (p *EncodedPipeline) stop(cause error) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if !p.lc.BeginStop() {
		return ErrNotRunning
	}
	r := p.run.Load()

	p.env.Distributor.Unregister(r.feed)

	var closeErr error
	if p.opts.DrainOnStop {
		r.queue.close(true)
		<-r.done
		closeErr = p.closeTransport(cause)
	} else {
		r.queue.close(false)
		closeErr = p.closeTransport(cause)
		<-r.done
	}
	if closeErr != nil {
		p.logger.Warn("Transport close failed", "error", closeErr)
	}

	if err := r.enc.Stop(); err != nil {
		p.logger.Debug("Encoder stop", "error", err)
	}
	p.run.Store(nil)
	p.env.Session.Release(r.handle)

	p.lc.Stopped(cause)
	if q := r.queue.dropped(); q > 0 {
		p.logger.Debug("Queue drops during run", "dropped", q)
	}
	return closeErr
}
