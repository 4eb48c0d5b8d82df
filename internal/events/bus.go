package events

import (
	"time"

	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Now formats the current time the way every event carries it.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Publish publishes an event to all subscribers.
// Usage: bus.Publish(SinkStopped{...})
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case SessionStateChanged:
		event.Publish(b.dispatcher, e)
	case SinkStarted:
		event.Publish(b.dispatcher, e)
	case SinkStopped:
		event.Publish(b.dispatcher, e)
	case PhotoCaptured:
		event.Publish(b.dispatcher, e)
	case PhotoFailed:
		event.Publish(b.dispatcher, e)
	case RecordingStarted:
		event.Publish(b.dispatcher, e)
	case RecordingFinalized:
		event.Publish(b.dispatcher, e)
	case CameraAdded:
		event.Publish(b.dispatcher, e)
	case CameraRemoved:
		event.Publish(b.dispatcher, e)
	case ConfigReloaded:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler type determines which events it receives.
// Returns an unsubscribe function.
// Usage: unsub := bus.Subscribe(func(e SinkStopped) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(SessionStateChanged):
		return event.Subscribe(b.dispatcher, h)
	case func(SinkStarted):
		return event.Subscribe(b.dispatcher, h)
	case func(SinkStopped):
		return event.Subscribe(b.dispatcher, h)
	case func(PhotoCaptured):
		return event.Subscribe(b.dispatcher, h)
	case func(PhotoFailed):
		return event.Subscribe(b.dispatcher, h)
	case func(RecordingStarted):
		return event.Subscribe(b.dispatcher, h)
	case func(RecordingFinalized):
		return event.Subscribe(b.dispatcher, h)
	case func(CameraAdded):
		return event.Subscribe(b.dispatcher, h)
	case func(CameraRemoved):
		return event.Subscribe(b.dispatcher, h)
	case func(ConfigReloaded):
		return event.Subscribe(b.dispatcher, h)
	case func(LogEntryEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}
