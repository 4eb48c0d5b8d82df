package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/camnode/internal/camera"
	"github.com/smazurov/camnode/internal/media"
)

// CaptureSection is the [capture] table.
type CaptureSection struct {
	PreviewSize      string `toml:"preview_size,omitempty"`
	StillSize        string `toml:"still_size,omitempty"`
	FrameRate        int    `toml:"frame_rate,omitempty"`
	BitRate          int    `toml:"bit_rate,omitempty"`
	KeyFrameInterval int    `toml:"key_frame_interval,omitempty"`
	Codec            string `toml:"codec,omitempty"`
	SoftwareEncoder  bool   `toml:"software_encoder,omitempty"`

	AudioEnabled    bool `toml:"audio_enabled,omitempty"`
	AudioSampleRate int  `toml:"audio_sample_rate,omitempty"`
	AudioBitRate    int  `toml:"audio_bit_rate,omitempty"`
}

// CameraOverride is one [camera.overrides.<id>] table.
type CameraOverride struct {
	Facing            string `toml:"facing,omitempty"`
	SensorOrientation *int   `toml:"sensor_orientation,omitempty"`
}

// CameraSection is the [camera] table.
type CameraSection struct {
	Disabled  []string                  `toml:"disabled,omitempty"`
	Overrides map[string]CameraOverride `toml:"overrides,omitempty"`
}

// File holds the tables of the config file that are not flat CLI options.
type File struct {
	Capture CaptureSection `toml:"capture"`
	Camera  CameraSection  `toml:"camera"`
}

// LoadFile reads path. A missing file yields the zero File.
func LoadFile(path string) (File, error) {
	var f File
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("failed to read config: %w", err)
	}
	if err := toml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to parse TOML config: %w", err)
	}
	return f, nil
}

// LoadCaptureConfig reads the [capture] table of path as a validated
// CaptureConfig. It is the loader of the capture config watcher.
func LoadCaptureConfig(path string) (media.CaptureConfig, error) {
	f, err := LoadFile(path)
	if err != nil {
		return media.CaptureConfig{}, err
	}
	return f.Capture.CaptureConfig()
}

// CaptureConfig converts the table. Unset fields take the defaults.
func (s CaptureSection) CaptureConfig() (media.CaptureConfig, error) {
	cfg := media.CaptureConfig{
		PreviewFrameRate:         s.FrameRate,
		PreviewBitRate:           s.BitRate,
		KeyFrameIntervalSeconds:  s.KeyFrameInterval,
		AudioEnabled:             s.AudioEnabled,
		AudioSampleRate:          s.AudioSampleRate,
		AudioBitRate:             s.AudioBitRate,
		SoftwareEncoderPreferred: s.SoftwareEncoder,
	}
	var err error
	if s.PreviewSize != "" {
		if cfg.PreviewSize, err = media.ParseSize(s.PreviewSize); err != nil {
			return cfg, fmt.Errorf("capture.preview_size: %w", err)
		}
	}
	if s.StillSize != "" {
		if cfg.StillSize, err = media.ParseSize(s.StillSize); err != nil {
			return cfg, fmt.Errorf("capture.still_size: %w", err)
		}
	}
	if cfg.Codec, err = media.ParseCodec(s.Codec); err != nil {
		return cfg, fmt.Errorf("capture.codec: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("capture: %w", err)
	}
	return cfg, nil
}

// EnumeratorOptions converts the table for camera.NewEnumerator.
func (s CameraSection) EnumeratorOptions() camera.EnumeratorOptions {
	opts := camera.EnumeratorOptions{Disabled: s.Disabled}
	if len(s.Overrides) > 0 {
		opts.Overrides = make(map[string]camera.Override, len(s.Overrides))
		for id, o := range s.Overrides {
			ov := camera.Override{SensorOrientation: o.SensorOrientation}
			if o.Facing != "" {
				ov.LensFacing = camera.ParseLensFacing(o.Facing)
			}
			opts.Overrides[id] = ov
		}
	}
	return opts
}
