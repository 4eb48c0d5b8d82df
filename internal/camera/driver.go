package camera

import (
	"context"
	"strings"

	"github.com/smazurov/camnode/internal/media"
)

// Target is a bitmask of the hardware outputs a capture session is
// configured with.
type Target uint8

// Hardware targets.
const (
	TargetPreview Target = 1 << iota
	TargetStill
)

// Has reports whether every bit of o is set in t.
func (t Target) Has(o Target) bool { return t&o == o }

func (t Target) String() string {
	if t == 0 {
		return "none"
	}
	var parts []string
	if t.Has(TargetPreview) {
		parts = append(parts, "preview")
	}
	if t.Has(TargetStill) {
		parts = append(parts, "still")
	}
	return strings.Join(parts, "+")
}

// StreamConfig is handed to Device.Configure. It is built by the session
// controller from the CaptureConfig snapshot and the requested targets.
type StreamConfig struct {
	Targets     Target
	PreviewSize media.Size
	FrameRate   int
	StillSize   media.Size
}

// StillRequest describes a one-shot capture.
type StillRequest struct {
	Size     media.Size
	Rotation int
	Quality  int
}

// Still is the result of a one-shot capture. Rotated is true when the
// driver already applied StillRequest.Rotation to the image or its
// metadata.
type Still struct {
	Frame   *media.Frame
	Rotated bool
}

// FrameHandler receives preview frames on the device's capture goroutine.
type FrameHandler func(*media.Frame)

// Device is an opened camera. Its methods are called from a single
// goroutine (the session worker) except Disconnected, which may be read
// from anywhere.
type Device interface {
	Identity() Identity
	Configure(ctx context.Context, cfg StreamConfig) error
	Start(onFrame FrameHandler) error
	StopCapture() error
	CaptureStill(ctx context.Context, req StillRequest) (*Still, error)
	// Disconnected is closed once the camera is gone.
	Disconnected() <-chan struct{}
	Close() error
}

// Driver is a camera backend.
type Driver interface {
	Name() string
	Enumerate(ctx context.Context) ([]Identity, error)
	// CheckAccess verifies the caller may open the camera without
	// opening it.
	CheckAccess(id string) error
	Open(ctx context.Context, id string) (Device, error)
}
