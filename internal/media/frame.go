// Package media holds the value types shared by the capture pipeline:
// frames, pixel/bitstream formats, sizes and the capture configuration.
package media

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var epoch = time.Now()

// Monotonic returns nanoseconds on the process monotonic clock. All frame
// timestamps share this origin.
func Monotonic() int64 {
	return int64(time.Since(epoch))
}

// Format identifies the representation carried by a Frame.
type Format int

// Frame formats.
const (
	FormatUnknown Format = iota
	FormatJPEG
	FormatYUV420
	FormatH264
	FormatH265
)

func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatYUV420:
		return "yuv420"
	case FormatH264:
		return "h264"
	case FormatH265:
		return "h265"
	default:
		return "unknown"
	}
}

// Encoded reports whether the format is a compressed elementary stream.
func (f Format) Encoded() bool {
	return f == FormatH264 || f == FormatH265
}

// Raw reports whether the format is produced directly by a camera.
func (f Format) Raw() bool {
	return f == FormatJPEG || f == FormatYUV420
}

// Frame is one unit of video. Data is written once by the producer and
// treated as read-only by every consumer afterwards.
//
// YUV420 frames are planar I420: the Y plane (Width*Height) followed by
// the U and V planes ((Width/2)*(Height/2) each). Encoded frames hold one
// Annex-B access unit.
type Frame struct {
	Data      []byte
	Format    Format
	Width     int
	Height    int
	Rotation  int   // clockwise degrees needed to display upright
	Timestamp int64 // monotonic nanoseconds
	KeyFrame  bool
}

// Size is a width/height pair.
type Size struct {
	Width  int `json:"width" toml:"width"`
	Height int `json:"height" toml:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// IsZero reports whether either dimension is unset.
func (s Size) IsZero() bool {
	return s.Width <= 0 || s.Height <= 0
}

// ParseSize parses "1280x720".
func ParseSize(s string) (Size, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Size{}, fmt.Errorf("invalid size %q", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Size{}, fmt.Errorf("invalid width in %q: %w", s, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Size{}, fmt.Errorf("invalid height in %q: %w", s, err)
	}
	if width <= 0 || height <= 0 {
		return Size{}, fmt.Errorf("invalid size %q", s)
	}
	return Size{Width: width, Height: height}, nil
}

// YUV420Len returns the buffer length of an I420 frame of the given size.
func YUV420Len(width, height int) int {
	cw, ch := (width+1)/2, (height+1)/2
	return width*height + 2*cw*ch
}
