//go:build !linux

package audio

import "errors"

type stubDetector struct{}

func newPlatformDetector() Detector {
	return stubDetector{}
}

// ListDevices returns an error on unsupported platforms.
func (stubDetector) ListDevices() ([]Device, error) {
	return nil, errors.New("audio device enumeration not supported on this platform")
}
