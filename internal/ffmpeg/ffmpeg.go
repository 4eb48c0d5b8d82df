// Package ffmpeg builds ffmpeg command lines for the capture and encode
// subprocesses and interprets their stderr.
package ffmpeg

import "strings"

// Binary is the ffmpeg executable looked up in PATH.
var Binary = "ffmpeg"

// BaseArgs returns the leading arguments shared by every invocation.
// Log lines are prefixed with their level so ParseLogLevel can route them.
func BaseArgs() []string {
	return []string{Binary, "-hide_banner", "-nostdin", "-loglevel", "level+info"}
}

// EncodersListArgs returns the command that lists compiled-in encoders.
func EncodersListArgs() []string {
	return []string{Binary, "-hide_banner", "-encoders"}
}

// HardwareSettings holds the extra arguments a hardware encoder needs.
type HardwareSettings struct {
	GlobalArgs   []string
	OutputArgs   []string
	VideoFilters string
}

// IsHardwareEncoder reports whether name is a hardware-accelerated encoder.
func IsHardwareEncoder(name string) bool {
	for _, hw := range []string{"vaapi", "nvenc", "qsv", "v4l2m2m", "rkmpp", "amf", "videotoolbox", "vulkan"} {
		if strings.Contains(name, hw) {
			return true
		}
	}
	return false
}

// SettingsFor returns the device and filter arguments for encoder.
// Software encoders get an empty value.
func SettingsFor(encoder string) HardwareSettings {
	switch {
	case strings.Contains(encoder, "vaapi"):
		return HardwareSettings{
			GlobalArgs:   []string{"-vaapi_device", "/dev/dri/renderD128"},
			VideoFilters: "format=nv12,hwupload",
		}
	case strings.Contains(encoder, "qsv"):
		return HardwareSettings{
			GlobalArgs:   []string{"-init_hw_device", "qsv=hw", "-filter_hw_device", "hw"},
			OutputArgs:   []string{"-preset", "medium"},
			VideoFilters: "hwupload=extra_hw_frames=64,format=qsv",
		}
	case strings.Contains(encoder, "nvenc"):
		return HardwareSettings{OutputArgs: []string{"-preset", "fast", "-zerolatency", "1"}}
	case strings.Contains(encoder, "v4l2m2m"):
		return HardwareSettings{
			OutputArgs:   []string{"-num_output_buffers", "32", "-num_capture_buffers", "16"},
			VideoFilters: "format=yuv420p",
		}
	case strings.Contains(encoder, "rkmpp"):
		return HardwareSettings{OutputArgs: []string{"-rc_mode", "CBR"}}
	}
	return HardwareSettings{}
}
