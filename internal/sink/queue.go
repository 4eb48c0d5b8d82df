package sink

import (
	"sync"

	"github.com/smazurov/camnode/internal/media"
)

// frameQueue carries encoded frames from the encoder to a network worker.
// On overflow it drops frames until the next key frame so the receiver
// never sees a picture that references a lost one.
type frameQueue struct {
	limit  int
	onDrop func()

	mu      sync.Mutex
	frames  []*media.Frame
	waitKey bool
	closed  bool
	drops   uint64
	notify  chan struct{}
}

func newFrameQueue(limit int, onDrop func()) *frameQueue {
	if limit <= 0 {
		limit = 1
	}
	if onDrop == nil {
		onDrop = func() {}
	}
	return &frameQueue{
		limit:   limit,
		onDrop:  onDrop,
		waitKey: true,
		notify:  make(chan struct{}, 1),
	}
}

// push never blocks.
func (q *frameQueue) push(f *media.Frame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.waitKey && !f.KeyFrame {
		q.drops++
		q.mu.Unlock()
		q.onDrop()
		return
	}
	if len(q.frames) >= q.limit {
		q.waitKey = true
		q.drops++
		q.mu.Unlock()
		q.onDrop()
		return
	}
	q.waitKey = false
	q.frames = append(q.frames, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a frame is available. It returns false once the queue
// is closed and empty.
func (q *frameQueue) pop() (*media.Frame, bool) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return f, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.notify
	}
}

// close stops the queue. With drain the worker still receives what was
// queued; otherwise pending frames are discarded.
func (q *frameQueue) close(drain bool) {
	q.mu.Lock()
	q.closed = true
	if !drain {
		q.frames = nil
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *frameQueue) dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drops
}
