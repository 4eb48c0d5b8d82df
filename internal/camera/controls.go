package camera

import (
	"context"
	"errors"
	"fmt"
	"maps"
)

// Control names a runtime image control.
type Control string

// Controls. Switches take 0 or 1.
const (
	ControlTorch            Control = "torch"
	ControlAutoFocus        Control = "auto_focus"
	ControlFocus            Control = "focus"
	ControlAutoWhiteBalance Control = "auto_white_balance"
	// ControlWhiteBalance is the color temperature in kelvin.
	ControlWhiteBalance Control = "white_balance"
	ControlAutoExposure Control = "auto_exposure"
	// ControlExposure is the exposure time in 100 µs units.
	ControlExposure Control = "exposure"
	ControlZoom     Control = "zoom"
)

// controlOrder is the order controls are applied in: an auto mode must be
// switched off before its manual value takes effect.
var controlOrder = []Control{
	ControlTorch,
	ControlAutoFocus,
	ControlFocus,
	ControlAutoWhiteBalance,
	ControlWhiteBalance,
	ControlAutoExposure,
	ControlExposure,
	ControlZoom,
}

var controlRanges = map[Control][2]int32{
	ControlTorch:            {0, 1},
	ControlAutoFocus:        {0, 1},
	ControlFocus:            {0, 1 << 16},
	ControlAutoWhiteBalance: {0, 1},
	ControlWhiteBalance:     {1000, 12000},
	ControlAutoExposure:     {0, 1},
	ControlExposure:         {1, 100000},
	ControlZoom:             {0, 1 << 16},
}

// ErrUnsupportedControl is returned by devices without a requested control.
var ErrUnsupportedControl = errors.New("control not supported")

// Adjustable is implemented by devices with runtime image controls. Like
// the rest of Device it is only called from the session worker.
type Adjustable interface {
	SetControls(ctx context.Context, values Controls) error
}

// Controls maps controls to values.
type Controls map[Control]int32

// Validate rejects unknown controls and out of range values.
func (c Controls) Validate() error {
	for name, v := range c {
		r, ok := controlRanges[name]
		if !ok {
			return fmt.Errorf("unknown control %q", name)
		}
		if v < r[0] || v > r[1] {
			return fmt.Errorf("control %s: %d outside [%d, %d]", name, v, r[0], r[1])
		}
	}
	return nil
}

// Ordered returns the set controls in application order.
func (c Controls) Ordered() []Control {
	out := make([]Control, 0, len(c))
	for _, name := range controlOrder {
		if _, ok := c[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Merge returns a copy of c overlaid with o.
func (c Controls) Merge(o Controls) Controls {
	out := c.Clone()
	maps.Copy(out, o)
	return out
}

// Clone returns a copy of c; a nil set clones to an empty one.
func (c Controls) Clone() Controls {
	out := make(Controls, len(c))
	maps.Copy(out, c)
	return out
}

// Torch reports whether the torch is requested on.
func (c Controls) Torch() bool { return c[ControlTorch] == 1 }
