//go:build !linux

package v4l2

import (
	"fmt"

	"github.com/smazurov/camnode/internal/camera"
)

func setDeviceControl(_ string, c camera.Control, _ int32) error {
	return fmt.Errorf("%s: %w", c, camera.ErrUnsupportedControl)
}
