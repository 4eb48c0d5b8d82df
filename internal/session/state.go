package session

import "github.com/smazurov/camnode/internal/camera"

// State is the lifecycle state of the hardware capture session.
type State int

// Session states. Failed is transient: teardown follows immediately and
// the session returns to Closed.
const (
	StateClosed State = iota
	StateOpening
	StateConfiguring
	StateActive
	StateClosing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateConfiguring:
		return "configuring"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Purpose says why a consumer needs the session.
type Purpose int

// Session purposes.
const (
	PurposePreview Purpose = iota
	PurposeStream
	PurposeRecording
	PurposePhoto
)

func (p Purpose) String() string {
	switch p {
	case PurposePreview:
		return "preview"
	case PurposeStream:
		return "stream"
	case PurposeRecording:
		return "recording"
	case PurposePhoto:
		return "photo"
	default:
		return "unknown"
	}
}

// Target maps the purpose to the hardware output it needs.
func (p Purpose) Target() camera.Target {
	if p == PurposePhoto {
		return camera.TargetStill
	}
	return camera.TargetPreview
}
