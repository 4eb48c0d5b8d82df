// Package camera describes physical cameras: their identity, the driver
// contract used to open and stream from them, orientation math and the
// error taxonomy every camera failure is mapped onto.
package camera

import (
	"strings"

	"github.com/smazurov/camnode/internal/media"
)

// LensFacing is the direction a camera points relative to the device.
type LensFacing string

// Lens facings.
const (
	FacingBack     LensFacing = "back"
	FacingFront    LensFacing = "front"
	FacingExternal LensFacing = "external"
	FacingUnknown  LensFacing = "unknown"
)

// ParseLensFacing maps free-form config values onto a LensFacing.
func ParseLensFacing(s string) LensFacing {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "back", "rear", "world":
		return FacingBack
	case "front", "user", "selfie":
		return FacingFront
	case "external", "usb":
		return FacingExternal
	default:
		return FacingUnknown
	}
}

// Identity is created at enumeration time and never modified afterwards.
type Identity struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	DevicePath        string       `json:"device_path,omitempty"`
	Driver            string       `json:"driver"`
	LensFacing        LensFacing   `json:"lens_facing"`
	SensorOrientation int          `json:"sensor_orientation"`
	Resolutions       []media.Size `json:"resolutions,omitempty"`
}

// Supports reports whether size is among the enumerated resolutions. A
// camera that reported no resolutions is assumed to accept anything.
func (id Identity) Supports(size media.Size) bool {
	if len(id.Resolutions) == 0 {
		return true
	}
	for _, r := range id.Resolutions {
		if r == size {
			return true
		}
	}
	return false
}

// Closest returns the enumerated resolution nearest to size by area.
func (id Identity) Closest(size media.Size) media.Size {
	if len(id.Resolutions) == 0 || id.Supports(size) {
		return size
	}
	want := size.Width * size.Height
	best := id.Resolutions[0]
	bestDiff := abs(best.Width*best.Height - want)
	for _, r := range id.Resolutions[1:] {
		if d := abs(r.Width*r.Height - want); d < bestDiff {
			best, bestDiff = r, d
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
