// Package audio checks capture audio settings against the sound devices
// present on the host.
package audio

import (
	"errors"
	"fmt"
	"slices"

	"github.com/smazurov/camnode/internal/media"
)

// ErrNoDevice is returned when audio is enabled but no capture device exists.
var ErrNoDevice = errors.New("no audio capture device")

// Device is one audio capture device and what it can record.
type Device struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	SampleRates []int  `json:"sample_rates,omitempty"`
	MaxChannels int    `json:"max_channels,omitempty"`
}

// Detector lists audio capture devices.
type Detector interface {
	ListDevices() ([]Device, error)
}

// NewDetector returns the detector of the current platform.
func NewDetector() Detector {
	return newPlatformDetector()
}

// Check reports whether cfg can be honoured by at least one of devices. It
// returns nil when audio is disabled. A device that reported no rates is
// assumed to accept any rate.
func Check(cfg media.CaptureConfig, devices []Device) error {
	if !cfg.AudioEnabled {
		return nil
	}
	if len(devices) == 0 {
		return ErrNoDevice
	}
	for _, d := range devices {
		if len(d.SampleRates) == 0 || slices.Contains(d.SampleRates, cfg.AudioSampleRate) {
			return nil
		}
	}
	return fmt.Errorf("sample rate %d Hz not supported by any of %d capture devices", cfg.AudioSampleRate, len(devices))
}

// Checker returns a function checking configurations against the devices
// of detector, listed on every call so plugged-in devices are seen.
func Checker(detector Detector) func(media.CaptureConfig) error {
	return func(cfg media.CaptureConfig) error {
		if !cfg.AudioEnabled {
			return nil
		}
		devices, err := detector.ListDevices()
		if err != nil {
			return fmt.Errorf("list audio devices: %w", err)
		}
		return Check(cfg, devices)
	}
}
