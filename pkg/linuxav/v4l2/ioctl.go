//go:build linux

package v4l2

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	capVideoCapture     = 0x00000001
	capDeviceCaps       = 0x80000000
	fmtFlagEmulated     = 0x0002
	bufTypeVideoCapture = 1
	frmsizeDiscrete     = 1
)

// Layouts of struct v4l2_capability, v4l2_fmtdesc and v4l2_frmsizeenum.
// They contain no pointers or longs, so they match on every architecture.
type capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

type fmtdesc struct {
	index       uint32
	typ         uint32
	flags       uint32
	description [32]byte
	pixelformat uint32
	mbusCode    uint32
	reserved    [3]uint32
}

// frmsizeenum.u holds width and height for discrete sizes, or min width,
// max width, width step, min height, max height and height step.
type frmsizeenum struct {
	index       uint32
	pixelFormat uint32
	typ         uint32
	u           [6]uint32
	reserved    [2]uint32
}

var (
	_ [104]byte = [unsafe.Sizeof(capability{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(fmtdesc{})]byte{}
	_ [44]byte  = [unsafe.Sizeof(frmsizeenum{})]byte{}
)

const (
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | 'V'<<8 | nr
}

var (
	vidiocQuerycap       = ioc(iocRead, 0, unsafe.Sizeof(capability{}))
	vidiocEnumFmt        = ioc(iocRead|iocWrite, 2, unsafe.Sizeof(fmtdesc{}))
	vidiocEnumFramesizes = ioc(iocRead|iocWrite, 74, unsafe.Sizeof(frmsizeenum{}))
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func withDevice(path string, fn func(fd int) error) error {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)
	return fn(fd)
}
