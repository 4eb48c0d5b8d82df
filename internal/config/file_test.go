package config

import (
	"path/filepath"
	"testing"

	"github.com/smazurov/camnode/internal/camera"
	"github.com/smazurov/camnode/internal/media"
)

func TestLoadFile(t *testing.T) {
	path := newConfigFile(t, `
[capture]
preview_size = "320x240"
still_size = "1920x1080"
frame_rate = 15
key_frame_interval = 2
audio_enabled = true

[camera]
disabled = ["video2"]

[camera.overrides.video0]
facing = "front"
sensor_orientation = 270

[camera.overrides.video1]
facing = "usb"
`)
	f, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := f.Capture.CaptureConfig()
	if err != nil {
		t.Fatal(err)
	}
	want := media.DefaultCaptureConfig()
	want.PreviewSize = media.Size{Width: 320, Height: 240}
	want.StillSize = media.Size{Width: 1920, Height: 1080}
	want.PreviewFrameRate = 15
	want.KeyFrameIntervalSeconds = 2
	want.AudioEnabled = true
	if cfg != want {
		t.Errorf("capture = %+v\nwant      %+v", cfg, want)
	}

	opts := f.Camera.EnumeratorOptions()
	if len(opts.Disabled) != 1 || opts.Disabled[0] != "video2" {
		t.Errorf("disabled = %v", opts.Disabled)
	}
	v0 := opts.Overrides["video0"]
	if v0.LensFacing != camera.FacingFront || v0.SensorOrientation == nil || *v0.SensorOrientation != 270 {
		t.Errorf("video0 override = %+v", v0)
	}
	v1 := opts.Overrides["video1"]
	if v1.LensFacing != camera.FacingExternal || v1.SensorOrientation != nil {
		t.Errorf("video1 override = %+v", v1)
	}
}

func TestLoadFileMissing(t *testing.T) {
	f, err := LoadFile(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := f.Capture.CaptureConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg != media.DefaultCaptureConfig() {
		t.Errorf("empty file gave %+v", cfg)
	}
	if opts := f.Camera.EnumeratorOptions(); opts.Overrides != nil || opts.Disabled != nil {
		t.Errorf("empty camera table = %+v", opts)
	}
}

func TestLoadFileInvalid(t *testing.T) {
	if _, err := LoadFile(newConfigFile(t, "[capture\n")); err == nil {
		t.Error("invalid TOML accepted")
	}
	if _, err := LoadCaptureConfig(newConfigFile(t, "[capture]\nstill_size = \"0x0\"\n")); err == nil {
		t.Error("zero still size accepted")
	}
}
