package camera

import (
	"slices"
	"testing"
)

func TestControlsValidate(t *testing.T) {
	tests := []struct {
		name    string
		values  Controls
		wantErr bool
	}{
		{"empty", nil, false},
		{"torch on", Controls{ControlTorch: 1}, false},
		{"torch out of range", Controls{ControlTorch: 2}, true},
		{"white balance kelvin", Controls{ControlAutoWhiteBalance: 0, ControlWhiteBalance: 5600}, false},
		{"white balance too cold", Controls{ControlWhiteBalance: 500}, true},
		{"zero exposure", Controls{ControlExposure: 0}, true},
		{"unknown", Controls{"iso": 100}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.values.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestControlsOrderedAutoFirst(t *testing.T) {
	c := Controls{
		ControlZoom:             3,
		ControlExposure:         100,
		ControlAutoExposure:     0,
		ControlWhiteBalance:     4000,
		ControlAutoWhiteBalance: 0,
	}
	want := []Control{ControlAutoWhiteBalance, ControlWhiteBalance, ControlAutoExposure, ControlExposure, ControlZoom}
	if got := c.Ordered(); !slices.Equal(got, want) {
		t.Errorf("Ordered() = %v, want %v", got, want)
	}
}

func TestControlsMergeCopies(t *testing.T) {
	base := Controls{ControlTorch: 1, ControlZoom: 2}
	merged := base.Merge(Controls{ControlZoom: 5})
	if base[ControlZoom] != 2 {
		t.Errorf("Merge modified receiver: %v", base)
	}
	if merged[ControlZoom] != 5 || !merged.Torch() {
		t.Errorf("merged = %v", merged)
	}

	var none Controls
	if c := none.Clone(); c == nil || len(c) != 0 {
		t.Errorf("Clone(nil) = %#v", c)
	}
}
