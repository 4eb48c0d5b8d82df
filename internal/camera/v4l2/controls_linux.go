//go:build linux

package v4l2

import (
	"errors"
	"fmt"

	"github.com/smazurov/camnode/internal/camera"
	linuxv4l2 "github.com/smazurov/camnode/pkg/linuxav/v4l2"
)

// ranged controls are clamped to what the device reports.
var rangedControls = map[camera.Control]uint32{
	camera.ControlFocus:        linuxv4l2.CIDFocusAbsolute,
	camera.ControlWhiteBalance: linuxv4l2.CIDWhiteBalanceTemperature,
	camera.ControlExposure:     linuxv4l2.CIDExposureAbsolute,
	camera.ControlZoom:         linuxv4l2.CIDZoomAbsolute,
}

func setDeviceControl(path string, c camera.Control, value int32) error {
	if id, ok := rangedControls[c]; ok {
		info, err := linuxv4l2.QueryControl(path, id)
		if err != nil {
			return controlError(err)
		}
		return controlError(linuxv4l2.SetControl(path, id, info.Clamp(value)))
	}

	switch c {
	case camera.ControlTorch:
		mode := linuxv4l2.FlashLEDModeNone
		if value == 1 {
			mode = linuxv4l2.FlashLEDModeTorch
		}
		return controlError(linuxv4l2.SetControl(path, linuxv4l2.CIDFlashLEDMode, mode))
	case camera.ControlAutoFocus:
		return controlError(linuxv4l2.SetControl(path, linuxv4l2.CIDFocusAuto, value))
	case camera.ControlAutoWhiteBalance:
		return controlError(linuxv4l2.SetControl(path, linuxv4l2.CIDAutoWhiteBalance, value))
	case camera.ControlAutoExposure:
		if value == 0 {
			return controlError(linuxv4l2.SetControl(path, linuxv4l2.CIDExposureAuto, linuxv4l2.ExposureManual))
		}
		// most UVC cameras only offer manual and aperture priority
		err := linuxv4l2.SetControl(path, linuxv4l2.CIDExposureAuto, linuxv4l2.ExposureAperturePriority)
		if errors.Is(err, linuxv4l2.ErrControlUnsupported) {
			err = linuxv4l2.SetControl(path, linuxv4l2.CIDExposureAuto, linuxv4l2.ExposureAuto)
		}
		return controlError(err)
	}
	return fmt.Errorf("%s: %w", c, camera.ErrUnsupportedControl)
}

func controlError(err error) error {
	if errors.Is(err, linuxv4l2.ErrControlUnsupported) {
		return fmt.Errorf("%w: %w", camera.ErrUnsupportedControl, err)
	}
	return err
}
