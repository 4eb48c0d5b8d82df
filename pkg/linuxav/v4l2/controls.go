//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Control IDs from videodev2.h / v4l2-controls.h.
const (
	cidBase       = 0x00980900
	cidCameraBase = 0x009a0900
	cidFlashBase  = 0x009c0900

	CIDAutoWhiteBalance        uint32 = cidBase + 12
	CIDWhiteBalanceTemperature uint32 = cidBase + 26
	CIDExposureAuto            uint32 = cidCameraBase + 1
	CIDExposureAbsolute        uint32 = cidCameraBase + 2
	CIDFocusAbsolute           uint32 = cidCameraBase + 10
	CIDFocusAuto               uint32 = cidCameraBase + 12
	CIDZoomAbsolute            uint32 = cidCameraBase + 13
	CIDFlashLEDMode            uint32 = cidFlashBase + 1
)

// V4L2_CID_EXPOSURE_AUTO menu values.
const (
	ExposureAuto             int32 = 0
	ExposureManual           int32 = 1
	ExposureShutterPriority  int32 = 2
	ExposureAperturePriority int32 = 3
)

// V4L2_CID_FLASH_LED_MODE menu values.
const (
	FlashLEDModeNone  int32 = 0
	FlashLEDModeFlash int32 = 1
	FlashLEDModeTorch int32 = 2
)

const ctrlFlagDisabled = 0x0001

// ErrControlUnsupported is returned for controls the device does not have.
var ErrControlUnsupported = errors.New("control not supported by device")

type control struct {
	id    uint32
	value int32
}

type queryctrl struct {
	id           uint32
	typ          uint32
	name         [32]byte
	minimum      int32
	maximum      int32
	step         int32
	defaultValue int32
	flags        uint32
	reserved     [2]uint32
}

var (
	_ [8]byte  = [unsafe.Sizeof(control{})]byte{}
	_ [68]byte = [unsafe.Sizeof(queryctrl{})]byte{}
)

var (
	vidiocGCtrl     = ioc(iocRead|iocWrite, 27, unsafe.Sizeof(control{}))
	vidiocSCtrl     = ioc(iocRead|iocWrite, 28, unsafe.Sizeof(control{}))
	vidiocQueryctrl = ioc(iocRead|iocWrite, 36, unsafe.Sizeof(queryctrl{}))
)

// ControlInfo describes the range of one control.
type ControlInfo struct {
	ID      uint32
	Name    string
	Min     int32
	Max     int32
	Step    int32
	Default int32
}

// Clamp limits v to the control's range.
func (c ControlInfo) Clamp(v int32) int32 {
	if v < c.Min {
		return c.Min
	}
	if c.Max >= c.Min && v > c.Max {
		return c.Max
	}
	return v
}

func controlErr(op string, id uint32, err error) error {
	if errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("%s %#x: %w", op, id, ErrControlUnsupported)
	}
	return fmt.Errorf("%s %#x: %w", op, id, err)
}

// QueryControl returns the range of control id on the device at path.
func QueryControl(path string, id uint32) (ControlInfo, error) {
	var info ControlInfo
	err := withDevice(path, func(fd int) error {
		q := queryctrl{id: id}
		if err := ioctl(fd, vidiocQueryctrl, unsafe.Pointer(&q)); err != nil {
			return controlErr("query control", id, err)
		}
		if q.flags&ctrlFlagDisabled != 0 {
			return fmt.Errorf("query control %#x: %w", id, ErrControlUnsupported)
		}
		info = ControlInfo{
			ID:      q.id,
			Name:    cstr(q.name[:]),
			Min:     q.minimum,
			Max:     q.maximum,
			Step:    q.step,
			Default: q.defaultValue,
		}
		return nil
	})
	return info, err
}

// GetControl reads the current value of control id.
func GetControl(path string, id uint32) (int32, error) {
	var value int32
	err := withDevice(path, func(fd int) error {
		c := control{id: id}
		if err := ioctl(fd, vidiocGCtrl, unsafe.Pointer(&c)); err != nil {
			return controlErr("get control", id, err)
		}
		value = c.value
		return nil
	})
	return value, err
}

// SetControl writes value to control id. V4L2 allows this on a second
// file handle while another process streams from the node.
func SetControl(path string, id uint32, value int32) error {
	return withDevice(path, func(fd int) error {
		c := control{id: id, value: value}
		if err := ioctl(fd, vidiocSCtrl, unsafe.Pointer(&c)); err != nil {
			return controlErr("set control", id, err)
		}
		return nil
	})
}
