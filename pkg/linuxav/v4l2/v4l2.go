//go:build linux

// Package v4l2 queries Video4Linux2 capture devices without cgo: the
// capture nodes present, their pixel formats and frame sizes.
package v4l2

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Device is a video capture node.
type Device struct {
	Path string // /dev/videoN
	Name string // card name reported by the driver
	// ID is stable across reboots: the /dev/v4l/by-id link name, or the
	// bus info and node index when the device has no such link.
	ID   string
	Caps uint32
}

// Format is a pixel format a device can deliver.
type Format struct {
	FourCC      uint32
	Description string
	// Emulated formats are converted in libv4l and cost CPU.
	Emulated bool
}

func (f Format) String() string { return FourCCString(f.FourCC) }

// Size is a frame size.
type Size struct {
	Width  uint32
	Height uint32
}

var (
	sysClassDir = "/sys/class/video4linux"
	byIDDir     = "/dev/v4l/by-id"
)

// stepwiseSizes are offered for devices that report a size range.
var stepwiseSizes = []Size{
	{320, 240}, {640, 480}, {800, 600}, {1024, 768},
	{1280, 720}, {1280, 960}, {1280, 1024}, {1920, 1080},
	{1920, 1200}, {2560, 1440}, {3840, 2160}, {4096, 2160},
}

// FourCC packs a four character code.
func FourCC(s string) uint32 {
	var b [4]byte
	copy(b[:], s)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// FourCCString unpacks a four character code.
func FourCCString(v uint32) string {
	return string([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

// Devices lists the video capture nodes. Metadata and output nodes are
// skipped. A host without video4linux yields an empty list.
func Devices() ([]Device, error) {
	entries, err := os.ReadDir(sysClassDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", sysClassDir, err)
	}
	var out []Device
	for _, e := range entries {
		node := e.Name()
		dev := Device{Path: "/dev/" + node}
		var c capability
		if err := withDevice(dev.Path, func(fd int) error {
			return ioctl(fd, vidiocQuerycap, unsafe.Pointer(&c))
		}); err != nil {
			continue
		}
		dev.Caps = c.capabilities
		if dev.Caps&capDeviceCaps != 0 {
			dev.Caps = c.deviceCaps
		}
		if dev.Caps&capVideoCapture == 0 {
			continue
		}
		dev.Name = cstr(c.card[:])
		dev.ID = stableID(node, readIndex(node), cstr(c.busInfo[:]))
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Formats lists the capture formats of the device at path.
func Formats(path string) ([]Format, error) {
	var out []Format
	err := withDevice(path, func(fd int) error {
		for i := uint32(0); ; i++ {
			desc := fmtdesc{index: i, typ: bufTypeVideoCapture}
			if err := ioctl(fd, vidiocEnumFmt, unsafe.Pointer(&desc)); err != nil {
				if errors.Is(err, unix.EINVAL) {
					return nil
				}
				return fmt.Errorf("enumerate format %d: %w", i, err)
			}
			out = append(out, Format{
				FourCC:      desc.pixelformat,
				Description: cstr(desc.description[:]),
				Emulated:    desc.flags&fmtFlagEmulated != 0,
			})
		}
	})
	return out, err
}

// FrameSizes lists the frame sizes of fourcc on the device at path. A
// stepwise or continuous range is reported as the common sizes inside it.
func FrameSizes(path string, fourcc uint32) ([]Size, error) {
	var out []Size
	err := withDevice(path, func(fd int) error {
		for i := uint32(0); ; i++ {
			size := frmsizeenum{index: i, pixelFormat: fourcc}
			if err := ioctl(fd, vidiocEnumFramesizes, unsafe.Pointer(&size)); err != nil {
				if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOTTY) {
					return nil
				}
				return fmt.Errorf("enumerate frame size %d: %w", i, err)
			}
			if size.typ == frmsizeDiscrete {
				out = append(out, Size{Width: size.u[0], Height: size.u[1]})
				continue
			}
			out = append(out, sizesWithin(size.u[0], size.u[1], size.u[3], size.u[4])...)
			return nil
		}
	})
	return out, err
}

// sizesWithin filters stepwiseSizes to a min/max width and height range.
func sizesWithin(minW, maxW, minH, maxH uint32) []Size {
	var out []Size
	for _, s := range stepwiseSizes {
		if s.Width >= minW && s.Width <= maxW && s.Height >= minH && s.Height <= maxH {
			out = append(out, s)
		}
	}
	return out
}

func readIndex(node string) int {
	data, err := os.ReadFile(filepath.Join(sysClassDir, node, "index"))
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return n
}

// stableID finds the by-id link of node, falling back to a name built
// from the bus info.
func stableID(node string, index int, busInfo string) string {
	suffix := fmt.Sprintf("-video-index%d", index)
	if entries, err := os.ReadDir(byIDDir); err == nil {
		for _, e := range entries {
			if !strings.HasSuffix(e.Name(), suffix) {
				continue
			}
			target, err := os.Readlink(filepath.Join(byIDDir, e.Name()))
			if err == nil && filepath.Base(target) == node {
				return e.Name()
			}
		}
	}
	if strings.HasPrefix(busInfo, "usb-") {
		return busInfo + suffix
	}
	return "platform-" + busInfo + suffix
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
