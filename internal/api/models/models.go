// Package models holds the request and response bodies of the HTTP API.
package models

import (
	"github.com/smazurov/camnode/internal/capture"
	"github.com/smazurov/camnode/internal/recorder"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
	Cameras int    `json:"cameras" example:"1" doc:"Cameras with a recorder"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"dev" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit SHA"`
	BuildDate string `json:"build_date" example:"2024-12-15 14:30" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"a1b2c3d4" doc:"Unique build identifier"`
	Modified  bool   `json:"modified" doc:"Built from a tree with uncommitted changes"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go compiler version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Compiler used"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Platform"`
}

type VersionResponse struct {
	Body VersionData
}

// CameraPath selects one camera.
type CameraPath struct {
	ID string `path:"id" example:"video0" doc:"Camera identifier"`
}

// SessionData is the capture session of one camera.
type SessionData struct {
	State     string `json:"state" example:"active" doc:"Capture session state"`
	Targets   string `json:"targets" example:"preview|still" doc:"Configured hardware targets"`
	Consumers int    `json:"consumers" example:"2" doc:"Registered frame consumers"`
	Opens     int64  `json:"opens" example:"1" doc:"Times the camera was opened"`
}

// CaptureConfigData is the capture configuration in API form. Fields left
// out of a request take their default.
type CaptureConfigData struct {
	PreviewSize              string `json:"preview_size" example:"640x480" doc:"Preview resolution" required:"false"`
	StillSize                string `json:"still_size" example:"1280x960" doc:"Still capture resolution" required:"false"`
	PreviewFrameRate         int    `json:"preview_frame_rate" example:"10" minimum:"0" maximum:"240" doc:"Preview frames per second" required:"false"`
	PreviewBitRate           int    `json:"preview_bit_rate" example:"2000000" minimum:"0" doc:"Encoded preview bitrate in bits per second" required:"false"`
	KeyFrameIntervalSeconds  int    `json:"key_frame_interval_seconds" example:"1" minimum:"0" doc:"Seconds between key frames" required:"false"`
	Codec                    string `json:"codec" enum:"h264,h265" example:"h264" doc:"Encoded video codec" required:"false"`
	SoftwareEncoderPreferred bool   `json:"software_encoder_preferred" doc:"Skip hardware encoders" required:"false"`
	AudioEnabled             bool   `json:"audio_enabled" doc:"Capture audio" required:"false"`
	AudioSampleRate          int    `json:"audio_sample_rate" example:"44100" minimum:"0" doc:"Audio sample rate in Hz" required:"false"`
	AudioBitRate             int    `json:"audio_bit_rate" example:"64000" minimum:"0" doc:"Audio bitrate in bits per second" required:"false"`
}

// RecordingData is the current or last recording of a camera.
type RecordingData struct {
	Active bool `json:"active" doc:"Whether the recording is running"`
	capture.Recording
}

// CameraData describes one camera and its recorder.
type CameraData struct {
	ID                string                `json:"id" example:"video0" doc:"Camera identifier"`
	Name              string                `json:"name" example:"USB Camera" doc:"Camera name"`
	DevicePath        string                `json:"device_path,omitempty" example:"/dev/video0" doc:"Device node"`
	Driver            string                `json:"driver" example:"v4l2" doc:"Camera backend"`
	LensFacing        string                `json:"lens_facing" example:"external" doc:"Lens facing"`
	SensorOrientation int                   `json:"sensor_orientation" example:"90" doc:"Clockwise sensor mounting angle"`
	DeviceRotation    int                   `json:"device_rotation" example:"0" doc:"Current device rotation"`
	Rotation          int                   `json:"rotation" example:"90" doc:"Rotation that turns the image upright"`
	Resolutions       []string              `json:"resolutions,omitempty" doc:"Supported resolutions"`
	Config            CaptureConfigData     `json:"config" doc:"Capture configuration"`
	Session           SessionData           `json:"session" doc:"Capture session"`
	Sinks             []recorder.SinkStatus `json:"sinks" doc:"Delivery sinks"`
	Recording         *RecordingData        `json:"recording,omitempty" doc:"Current or last recording"`
}

type CameraListResponse struct {
	Body struct {
		Cameras []CameraData `json:"cameras" doc:"Enumerated cameras"`
		Count   int          `json:"count" example:"1" doc:"Number of cameras"`
	}
}

type CameraResponse struct {
	Body CameraData
}

type SessionResponse struct {
	Body SessionData
}

type ConfigRequest struct {
	CameraPath
	Body CaptureConfigData
}

type ConfigResponse struct {
	Body CaptureConfigData
}

type RotationRequest struct {
	CameraPath
	Body struct {
		DeviceRotation int `json:"device_rotation" enum:"0,90,180,270" example:"90" doc:"Device rotation in degrees"`
	}
}

// ControlsData holds image controls. Fields left out of a request keep
// their current value.
type ControlsData struct {
	Torch            *bool  `json:"torch,omitempty" doc:"Flash LED as continuous light"`
	AutoFocus        *bool  `json:"auto_focus,omitempty" doc:"Continuous autofocus"`
	Focus            *int32 `json:"focus,omitempty" minimum:"0" doc:"Manual focus position, clamped to the device range"`
	AutoWhiteBalance *bool  `json:"auto_white_balance,omitempty" doc:"Automatic white balance"`
	WhiteBalance     *int32 `json:"white_balance,omitempty" minimum:"1000" maximum:"12000" example:"5600" doc:"Color temperature in kelvin"`
	AutoExposure     *bool  `json:"auto_exposure,omitempty" doc:"Automatic exposure"`
	Exposure         *int32 `json:"exposure,omitempty" minimum:"1" example:"156" doc:"Exposure time in 100 microsecond units"`
	Zoom             *int32 `json:"zoom,omitempty" minimum:"0" doc:"Zoom position, clamped to the device range"`
}

type ControlsRequest struct {
	CameraPath
	Body ControlsData
}

type ControlsResponse struct {
	Body ControlsData
}

type TorchData struct {
	On bool `json:"on" example:"true" doc:"Torch lit"`
}

type TorchRequest struct {
	CameraPath
	Body TorchData
}

type TorchResponse struct {
	Body TorchData
}

// SinkPath selects one sink of a camera.
type SinkPath struct {
	CameraPath
	Kind string `path:"kind" enum:"mjpeg,rtsp,rtmp,srt" example:"rtsp" doc:"Sink kind"`
}

type SinkStartRequest struct {
	SinkPath
	Body *struct {
		Target string `json:"target,omitempty" example:"rtmp://live.example.com/app/key" doc:"Push URL replacing the configured one"`
	} `required:"false"`
}

type SinkResponse struct {
	Body recorder.SinkStatus
}

type PhotoResponse struct {
	Body capture.Photo
}

type RecordingResponse struct {
	Body RecordingData
}
