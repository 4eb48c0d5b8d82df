package events

import "github.com/kelindar/event"

// SubscribeToChannel bridges kelindar/event callback-based subscriptions to channels.
// This is needed for SSE integration where Huma expects a channel-based select loop.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
			// full: drop
		}
	})
}

// SSETypes maps SSE event names to the payloads published on /api/events.
func SSETypes() map[string]any {
	return map[string]any{
		"session-state-changed": SessionStateChanged{},
		"sink-started":          SinkStarted{},
		"sink-stopped":          SinkStopped{},
		"photo-captured":        PhotoCaptured{},
		"photo-failed":          PhotoFailed{},
		"recording-started":     RecordingStarted{},
		"recording-finalized":   RecordingFinalized{},
		"camera-added":          CameraAdded{},
		"camera-removed":        CameraRemoved{},
		"config-reloaded":       ConfigReloaded{},
	}
}

// SubscribeAll forwards every SSE event type to ch and returns one
// function that removes all subscriptions.
func SubscribeAll(bus *Bus, ch chan<- any) func() {
	unsubs := []func(){
		SubscribeToChannel[SessionStateChanged](bus, ch),
		SubscribeToChannel[SinkStarted](bus, ch),
		SubscribeToChannel[SinkStopped](bus, ch),
		SubscribeToChannel[PhotoCaptured](bus, ch),
		SubscribeToChannel[PhotoFailed](bus, ch),
		SubscribeToChannel[RecordingStarted](bus, ch),
		SubscribeToChannel[RecordingFinalized](bus, ch),
		SubscribeToChannel[CameraAdded](bus, ch),
		SubscribeToChannel[CameraRemoved](bus, ch),
		SubscribeToChannel[ConfigReloaded](bus, ch),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
