package media

import (
	"errors"
	"fmt"
	"strings"
)

// Codec is the elementary stream profile used by encoding sinks.
type Codec string

// Supported codecs.
const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
)

// ParseCodec accepts h264/avc and h265/hevc.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "h264", "avc":
		return CodecH264, nil
	case "h265", "hevc":
		return CodecH265, nil
	}
	return "", fmt.Errorf("unsupported codec %q", s)
}

// Format returns the frame format produced by an encoder for this codec.
func (c Codec) Format() Format {
	if c == CodecH265 {
		return FormatH265
	}
	return FormatH264
}

// Defaults used when a CaptureConfig field is left unset.
const (
	DefaultPreviewFrameRate = 10
	DefaultPreviewBitRate   = 2_000_000
	DefaultKeyFrameInterval = 1
	DefaultAudioSampleRate  = 44100
	DefaultAudioBitRate     = 64_000
)

// CaptureConfig describes what a camera session should produce. It is a
// value type: the session controller keeps an immutable snapshot per
// (re)configuration, so edits never reach a running session.
type CaptureConfig struct {
	PreviewSize              Size  `json:"preview_size"`
	StillSize                Size  `json:"still_size"`
	PreviewFrameRate         int   `json:"preview_frame_rate"`
	PreviewBitRate           int   `json:"preview_bit_rate"`
	KeyFrameIntervalSeconds  int   `json:"key_frame_interval_seconds"`
	AudioEnabled             bool  `json:"audio_enabled"`
	AudioSampleRate          int   `json:"audio_sample_rate"`
	AudioBitRate             int   `json:"audio_bit_rate"`
	SoftwareEncoderPreferred bool  `json:"software_encoder_preferred"`
	Codec                    Codec `json:"codec"`
}

// DefaultCaptureConfig returns the configuration used when nothing is set.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		PreviewSize:             Size{Width: 640, Height: 480},
		StillSize:               Size{Width: 1280, Height: 960},
		PreviewFrameRate:        DefaultPreviewFrameRate,
		PreviewBitRate:          DefaultPreviewBitRate,
		KeyFrameIntervalSeconds: DefaultKeyFrameInterval,
		AudioSampleRate:         DefaultAudioSampleRate,
		AudioBitRate:            DefaultAudioBitRate,
		Codec:                   CodecH264,
	}
}

// WithDefaults fills zero fields from DefaultCaptureConfig.
func (c CaptureConfig) WithDefaults() CaptureConfig {
	d := DefaultCaptureConfig()
	if c.PreviewSize.IsZero() {
		c.PreviewSize = d.PreviewSize
	}
	if c.StillSize.IsZero() {
		c.StillSize = d.StillSize
	}
	if c.PreviewFrameRate <= 0 {
		c.PreviewFrameRate = d.PreviewFrameRate
	}
	if c.PreviewBitRate <= 0 {
		c.PreviewBitRate = d.PreviewBitRate
	}
	if c.KeyFrameIntervalSeconds <= 0 {
		c.KeyFrameIntervalSeconds = d.KeyFrameIntervalSeconds
	}
	if c.AudioSampleRate <= 0 {
		c.AudioSampleRate = d.AudioSampleRate
	}
	if c.AudioBitRate <= 0 {
		c.AudioBitRate = d.AudioBitRate
	}
	if c.Codec == "" {
		c.Codec = d.Codec
	}
	return c
}

// Validate rejects configurations no encoder or camera can honour.
func (c CaptureConfig) Validate() error {
	var errs []error
	if c.PreviewSize.Width%2 != 0 || c.PreviewSize.Height%2 != 0 {
		errs = append(errs, fmt.Errorf("preview size %s must have even dimensions", c.PreviewSize))
	}
	if c.PreviewFrameRate > 240 {
		errs = append(errs, fmt.Errorf("preview frame rate %d out of range", c.PreviewFrameRate))
	}
	if c.Codec != CodecH264 && c.Codec != CodecH265 {
		errs = append(errs, fmt.Errorf("unsupported codec %q", c.Codec))
	}
	return errors.Join(errs...)
}

// GOP returns the key-frame interval expressed in frames.
func (c CaptureConfig) GOP() int {
	gop := c.PreviewFrameRate * c.KeyFrameIntervalSeconds
	if gop <= 0 {
		return DefaultPreviewFrameRate * DefaultKeyFrameInterval
	}
	return gop
}
