package ffmpeg

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/smazurov/camnode/internal/media"
)

// BuildEncoderArgs returns the argument vector for an encode subprocess.
// B-frames are disabled so output order matches input order, and an access
// unit delimiter is inserted before every frame for the stdout splitter.
func BuildEncoderArgs(p EncoderParams) ([]string, error) {
	if p.Encoder == "" {
		return nil, errors.New("encoder name is required")
	}
	if p.FrameRate <= 0 {
		return nil, fmt.Errorf("invalid frame rate %d", p.FrameRate)
	}
	hw := SettingsFor(p.Encoder)

	args := BaseArgs()
	args = append(args, hw.GlobalArgs...)

	switch p.Input {
	case media.FormatJPEG:
		args = append(args, "-f", "image2pipe", "-c:v", "mjpeg", "-framerate", strconv.Itoa(p.FrameRate))
	case media.FormatYUV420:
		if p.Size.IsZero() {
			return nil, errors.New("raw input requires a frame size")
		}
		args = append(args, "-f", "rawvideo", "-pix_fmt", "yuv420p",
			"-s", p.Size.String(), "-r", strconv.Itoa(p.FrameRate))
	default:
		return nil, fmt.Errorf("unsupported encoder input %s", p.Input)
	}
	args = append(args, "-i", "pipe:0", "-an", "-fps_mode", "passthrough")

	filters := hw.VideoFilters
	if filters == "" && !IsHardwareEncoder(p.Encoder) && p.Input == media.FormatJPEG {
		// mjpeg decodes to yuvj422p on most webcams
		filters = "format=yuv420p"
	}
	if filters != "" {
		args = append(args, "-vf", filters)
	}

	args = append(args, "-c:v", p.Encoder)
	if p.BitRate > 0 {
		rate := strconv.Itoa(p.BitRate)
		args = append(args, "-b:v", rate, "-maxrate", rate, "-bufsize", strconv.Itoa(p.BitRate*2))
	}
	if p.GOP > 0 {
		args = append(args, "-g", strconv.Itoa(p.GOP))
	}
	args = append(args, "-bf", "0")
	args = append(args, hw.OutputArgs...)

	if !IsHardwareEncoder(p.Encoder) {
		args = append(args, "-preset", "ultrafast", "-tune", "zerolatency")
		if p.GOP > 0 {
			args = append(args, "-keyint_min", strconv.Itoa(p.GOP), "-sc_threshold", "0")
		}
	}

	switch p.Codec {
	case media.CodecH265:
		args = append(args, "-bsf:v", "hevc_metadata=aud=insert", "-flush_packets", "1", "-f", "hevc", "pipe:1")
	default:
		args = append(args, "-bsf:v", "h264_metadata=aud=insert", "-flush_packets", "1", "-f", "h264", "pipe:1")
	}
	return args, nil
}

// BuildCaptureArgs returns the argument vector for a V4L2 capture
// subprocess streaming frames to stdout.
func BuildCaptureArgs(p CaptureParams) ([]string, error) {
	if p.Device == "" {
		return nil, errors.New("device path is required")
	}
	args := append(BaseArgs(), "-f", "v4l2", "-thread_queue_size", "1024")
	if p.InputFormat != "" {
		args = append(args, "-input_format", p.InputFormat)
	}
	if !p.Size.IsZero() {
		args = append(args, "-video_size", p.Size.String())
	}
	if p.FrameRate > 0 {
		args = append(args, "-framerate", strconv.Itoa(p.FrameRate))
	}
	args = append(args, "-i", p.Device, "-an")

	switch p.Output {
	case media.FormatJPEG:
		if p.InputFormat == "mjpeg" {
			args = append(args, "-c:v", "copy")
		} else {
			args = append(args, "-c:v", "mjpeg", "-q:v", "3")
		}
		args = append(args, "-f", "mjpeg", "pipe:1")
	case media.FormatYUV420:
		args = append(args, "-pix_fmt", "yuv420p", "-f", "rawvideo", "pipe:1")
	default:
		return nil, fmt.Errorf("unsupported capture output %s", p.Output)
	}
	return args, nil
}

// BuildStillArgs returns the argument vector for a one-shot JPEG grab at
// the given size.
func BuildStillArgs(p CaptureParams) ([]string, error) {
	if p.Device == "" {
		return nil, errors.New("device path is required")
	}
	args := append(BaseArgs(), "-f", "v4l2")
	if p.InputFormat != "" {
		args = append(args, "-input_format", p.InputFormat)
	}
	if !p.Size.IsZero() {
		args = append(args, "-video_size", p.Size.String())
	}
	args = append(args, "-i", p.Device, "-an", "-frames:v", "1")
	if p.InputFormat == "mjpeg" {
		args = append(args, "-c:v", "copy")
	} else {
		args = append(args, "-c:v", "mjpeg", "-q:v", "1")
	}
	return append(args, "-f", "image2pipe", "pipe:1"), nil
}

// CommandLine renders args for logs.
func CommandLine(args []string) string {
	return strings.Join(args, " ")
}
