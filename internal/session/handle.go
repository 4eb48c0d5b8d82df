package session

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Request asks for the capture session.
type Request struct {
	Purpose  Purpose
	Consumer string
	// OnError is called, on its own goroutine, when the session is lost
	// while the handle is held, for example on Disconnected.
	OnError func(error)
}

// Handle is one acquired reference to the session. It is invalidated by
// Release or by session loss; releasing an invalid handle is a no-op.
type Handle struct {
	id       string
	purpose  Purpose
	consumer string
	onError  func(error)
	valid    atomic.Bool
}

func newHandle(req Request) *Handle {
	h := &Handle{
		id:       uuid.NewString(),
		purpose:  req.Purpose,
		consumer: req.Consumer,
		onError:  req.OnError,
	}
	h.valid.Store(true)
	return h
}

// ID returns the handle's unique id.
func (h *Handle) ID() string { return h.id }

// Purpose returns the purpose the handle was acquired for.
func (h *Handle) Purpose() Purpose { return h.purpose }

// Consumer returns the requesting consumer's name.
func (h *Handle) Consumer() string { return h.consumer }

// Valid reports whether the handle still holds the session.
func (h *Handle) Valid() bool { return h != nil && h.valid.Load() }

func (h *Handle) invalidate(err error) {
	if !h.valid.CompareAndSwap(true, false) {
		return
	}
	if err != nil && h.onError != nil {
		go h.onError(err)
	}
}
