package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/smazurov/camnode/internal/logging"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/metrics"
)

// DefaultMailboxSize is the per-consumer queue depth.
const DefaultMailboxSize = 4

var (
	// ErrAlreadyRegistered is returned when a consumer registers twice.
	ErrAlreadyRegistered = errors.New("consumer already registered")
	// ErrNotRegistered is returned for operations on unknown consumers.
	ErrNotRegistered = errors.New("consumer not registered")
)

// Consumer receives frames of one raw format. Push is called from the
// consumer's own worker goroutine, one frame at a time, in capture order.
type Consumer interface {
	Name() string
	Format() media.Format
	Push(f *media.Frame)
}

// DistributorOptions configures a Distributor.
type DistributorOptions struct {
	MailboxSize int
	JPEGQuality int
	// Rotation returns the clockwise degrees stamped on every frame.
	Rotation func() int
	Logger   *slog.Logger
}

// Distributor fans frames from one Source out to many consumers. A slow
// consumer only loses its own oldest frames.
type Distributor struct {
	cameraID string
	opts     DistributorOptions
	logger   *slog.Logger
	source   *Source

	mu    sync.RWMutex
	slots map[Consumer]*slot
}

// NewDistributor creates a distributor and its Source.
func NewDistributor(cameraID string, opts DistributorOptions) *Distributor {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("pipeline")
	}
	d := &Distributor{
		cameraID: cameraID,
		opts:     opts,
		logger:   opts.Logger.With("camera_id", cameraID),
		slots:    make(map[Consumer]*slot),
	}
	d.source = NewSource(cameraID, opts.JPEGQuality, d.Dispatch, opts.Logger)
	return d
}

// Source returns the frame source feeding this distributor.
func (d *Distributor) Source() *Source { return d.source }

// Register adds c and starts its worker. The source produces c.Format()
// from the next frame on.
func (d *Distributor) Register(c Consumer) error {
	if !c.Format().Raw() {
		return fmt.Errorf("consumer %s: format %s is not a raw camera format", c.Name(), c.Format())
	}
	d.mu.Lock()
	if _, ok := d.slots[c]; ok {
		d.mu.Unlock()
		return ErrAlreadyRegistered
	}
	s := newSlot(c, d.opts.MailboxSize)
	d.slots[c] = s
	d.mu.Unlock()

	d.source.Require(c.Format())
	go s.run()
	d.logger.Debug("Consumer registered", "consumer", c.Name(), "format", c.Format())
	return nil
}

// Unregister removes c, waits for its worker to return from any Push in
// progress and releases its format.
func (d *Distributor) Unregister(c Consumer) {
	d.mu.Lock()
	s, ok := d.slots[c]
	delete(d.slots, c)
	d.mu.Unlock()
	if !ok {
		return
	}
	d.source.Drop(c.Format())
	s.close()
	<-s.done
	d.logger.Debug("Consumer unregistered", "consumer", c.Name(), "dropped", s.dropped())
}

// SetEnabled pauses or resumes delivery to c without unregistering it.
func (d *Distributor) SetEnabled(c Consumer, enabled bool) error {
	d.mu.RLock()
	s, ok := d.slots[c]
	d.mu.RUnlock()
	if !ok {
		return ErrNotRegistered
	}
	s.setEnabled(enabled)
	return nil
}

// Len returns the number of registered consumers.
func (d *Distributor) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.slots)
}

// Dispatch stamps the rotation on f and offers it to every enabled
// consumer of its format. It never blocks on a consumer.
func (d *Distributor) Dispatch(f *media.Frame) {
	if d.opts.Rotation != nil {
		f.Rotation = d.opts.Rotation()
	}
	metrics.IncFramesDispatched(d.cameraID)

	d.mu.RLock()
	defer d.mu.RUnlock()
	for c, s := range d.slots {
		if c.Format() != f.Format {
			continue
		}
		if s.offer(f) {
			metrics.IncFramesDropped(d.cameraID, c.Name())
		}
	}
}

// Close unregisters every consumer.
func (d *Distributor) Close() {
	d.mu.RLock()
	consumers := make([]Consumer, 0, len(d.slots))
	for c := range d.slots {
		consumers = append(consumers, c)
	}
	d.mu.RUnlock()
	for _, c := range consumers {
		d.Unregister(c)
	}
}

// slot is a bounded drop-oldest mailbox drained by one goroutine.
type slot struct {
	consumer Consumer

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*media.Frame
	limit   int
	enabled bool
	closed  bool
	drops   uint64

	done chan struct{}
}

func newSlot(c Consumer, limit int) *slot {
	s := &slot{
		consumer: c,
		limit:    limit,
		enabled:  true,
		done:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// offer queues f and reports whether an older frame was dropped for it.
func (s *slot) offer(f *media.Frame) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.enabled {
		return false
	}
	if len(s.queue) >= s.limit {
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.drops++
		dropped = true
	}
	s.queue = append(s.queue, f)
	s.cond.Signal()
	return dropped
}

func (s *slot) setEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	if !enabled {
		s.queue = nil
	}
}

func (s *slot) dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

func (s *slot) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *slot) next() *media.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return nil
	}
	f := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return f
}

func (s *slot) run() {
	defer close(s.done)
	for {
		f := s.next()
		if f == nil {
			return
		}
		s.consumer.Push(f)
	}
}
