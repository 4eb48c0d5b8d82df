package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/camnode/internal/api/models"
	"github.com/smazurov/camnode/internal/camera"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/recorder"
	"github.com/smazurov/camnode/internal/session"
)

// Cameras is the recorder registry the API drives.
type Cameras interface {
	Get(id string) (*recorder.Recorder, error)
	List() []*recorder.Recorder
	Rescan(ctx context.Context) error
}

func (s *Server) registerCameraRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-cameras",
		Method:      http.MethodGet,
		Path:        "/api/cameras",
		Summary:     "List Cameras",
		Description: "List every enumerated camera with its session, sinks and recording",
		Tags:        []string{"cameras"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.CameraListResponse, error) {
		out := &models.CameraListResponse{}
		out.Body.Cameras = []models.CameraData{}
		for _, rec := range s.cameras.List() {
			out.Body.Cameras = append(out.Body.Cameras, cameraData(rec))
		}
		out.Body.Count = len(out.Body.Cameras)
		return out, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "rescan-cameras",
		Method:      http.MethodPost,
		Path:        "/api/cameras/rescan",
		Summary:     "Rescan Cameras",
		Description: "Enumerate cameras again, adding new ones and closing unplugged ones",
		Tags:        []string{"cameras"},
		Security:    withAuth(),
		Errors:      []int{401, 500},
	}, func(ctx context.Context, _ *struct{}) (*models.CameraListResponse, error) {
		if err := s.cameras.Rescan(ctx); err != nil {
			return nil, huma.Error500InternalServerError("camera enumeration failed", err)
		}
		out := &models.CameraListResponse{}
		out.Body.Cameras = []models.CameraData{}
		for _, rec := range s.cameras.List() {
			out.Body.Cameras = append(out.Body.Cameras, cameraData(rec))
		}
		out.Body.Count = len(out.Body.Cameras)
		return out, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-camera",
		Method:      http.MethodGet,
		Path:        "/api/cameras/{id}",
		Summary:     "Get Camera",
		Tags:        []string{"cameras"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.CameraPath) (*models.CameraResponse, error) {
		rec, err := s.cameras.Get(input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &models.CameraResponse{Body: cameraData(rec)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-camera-session",
		Method:      http.MethodGet,
		Path:        "/api/cameras/{id}/session",
		Summary:     "Get Capture Session",
		Description: "Current state of the camera's capture session",
		Tags:        []string{"cameras"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.CameraPath) (*models.SessionResponse, error) {
		rec, err := s.cameras.Get(input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &models.SessionResponse{Body: sessionData(rec.Session())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "update-camera-config",
		Method:      http.MethodPut,
		Path:        "/api/cameras/{id}/config",
		Summary:     "Update Capture Config",
		Description: "Replace the capture configuration. Sizes snap to the closest supported resolution. A running session picks it up at its next reconfiguration.",
		Tags:        []string{"cameras"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 422},
	}, func(_ context.Context, input *models.ConfigRequest) (*models.ConfigResponse, error) {
		rec, err := s.cameras.Get(input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		cfg, err := captureConfig(input.Body)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity("invalid capture config", err)
		}
		if err := rec.UpdateConfig(cfg); err != nil {
			if errors.Is(err, session.ErrClosed) {
				return nil, toHumaError(err)
			}
			return nil, huma.Error422UnprocessableEntity("invalid capture config", err)
		}
		s.logger.Info("Capture config updated", "camera_id", rec.ID())
		return &models.ConfigResponse{Body: configData(rec.Config())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-device-rotation",
		Method:      http.MethodPut,
		Path:        "/api/cameras/{id}/rotation",
		Summary:     "Set Device Rotation",
		Description: "Report the display rotation used for preview rotation hints and photo orientation",
		Tags:        []string{"cameras"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.RotationRequest) (*models.CameraResponse, error) {
		rec, err := s.cameras.Get(input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		rec.SetDeviceRotation(input.Body.DeviceRotation)
		return &models.CameraResponse{Body: cameraData(rec)}, nil
	})

	s.registerSinkRoutes()
	s.registerCaptureRoutes()
	s.registerControlRoutes()
}

func (s *Server) registerControlRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-camera-controls",
		Method:      http.MethodGet,
		Path:        "/api/cameras/{id}/controls",
		Summary:     "Get Image Controls",
		Tags:        []string{"controls"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.CameraPath) (*models.ControlsResponse, error) {
		rec, err := s.cameras.Get(input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &models.ControlsResponse{Body: controlsData(rec.Controls())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "update-camera-controls",
		Method:      http.MethodPut,
		Path:        "/api/cameras/{id}/controls",
		Summary:     "Update Image Controls",
		Description: "Set focus, white balance, exposure, zoom and torch. Values apply to the open camera immediately and to every later session.",
		Tags:        []string{"controls"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 410, 422},
	}, func(ctx context.Context, input *models.ControlsRequest) (*models.ControlsResponse, error) {
		rec, err := s.cameras.Get(input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		values := cameraControls(input.Body)
		if err := values.Validate(); err != nil {
			return nil, huma.Error422UnprocessableEntity("invalid controls", err)
		}
		if err := rec.SetControls(ctx, values); err != nil {
			return nil, toHumaError(err)
		}
		return &models.ControlsResponse{Body: controlsData(rec.Controls())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-torch",
		Method:      http.MethodGet,
		Path:        "/api/cameras/{id}/torch",
		Summary:     "Get Torch State",
		Tags:        []string{"controls"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.CameraPath) (*models.TorchResponse, error) {
		rec, err := s.cameras.Get(input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &models.TorchResponse{Body: models.TorchData{On: rec.TorchOn()}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-torch",
		Method:      http.MethodPut,
		Path:        "/api/cameras/{id}/torch",
		Summary:     "Switch Torch",
		Description: "Turn the flash LED on as a continuous light, or off",
		Tags:        []string{"controls"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 410, 422},
	}, func(ctx context.Context, input *models.TorchRequest) (*models.TorchResponse, error) {
		rec, err := s.cameras.Get(input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		if err := rec.SetTorch(ctx, input.Body.On); err != nil {
			return nil, toHumaError(err)
		}
		s.logger.Info("Torch switched", "camera_id", rec.ID(), "on", input.Body.On)
		return &models.TorchResponse{Body: models.TorchData{On: rec.TorchOn()}}, nil
	})
}

func (s *Server) registerSinkRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "start-sink",
		Method:      http.MethodPost,
		Path:        "/api/cameras/{id}/sinks/{kind}/start",
		Summary:     "Start Sink",
		Description: "Start a delivery sink. Push sinks accept a target URL replacing the configured one.",
		Tags:        []string{"sinks"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 403, 404, 409, 410, 423, 500},
	}, func(ctx context.Context, input *models.SinkStartRequest) (*models.SinkResponse, error) {
		rec, err := s.cameras.Get(input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		target := ""
		if input.Body != nil {
			target = input.Body.Target
		}
		if err := rec.StartSink(ctx, input.Kind, target); err != nil {
			s.logger.Warn("Sink start failed", "camera_id", rec.ID(), "sink", input.Kind, "error", err)
			return nil, toHumaError(err)
		}
		return &models.SinkResponse{Body: sinkStatus(rec, input.Kind)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-sink",
		Method:      http.MethodPost,
		Path:        "/api/cameras/{id}/sinks/{kind}/stop",
		Summary:     "Stop Sink",
		Tags:        []string{"sinks"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 409},
	}, func(_ context.Context, input *models.SinkPath) (*models.SinkResponse, error) {
		rec, err := s.cameras.Get(input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		if err := rec.StopSink(input.Kind); err != nil {
			return nil, toHumaError(err)
		}
		return &models.SinkResponse{Body: sinkStatus(rec, input.Kind)}, nil
	})
}

func (s *Server) registerCaptureRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "take-photo",
		Method:      http.MethodPost,
		Path:        "/api/cameras/{id}/photo",
		Summary:     "Take Photo",
		Description: "Capture one still at the configured still size and store it as JPEG",
		Tags:        []string{"capture"},
		Security:    withAuth(),
		Errors:      []int{401, 403, 404, 409, 410, 423, 500, 503},
	}, func(ctx context.Context, input *models.CameraPath) (*models.PhotoResponse, error) {
		rec, err := s.cameras.Get(input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		photo, err := rec.TakePhoto(ctx)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &models.PhotoResponse{Body: *photo}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "start-recording",
		Method:      http.MethodPost,
		Path:        "/api/cameras/{id}/recording/start",
		Summary:     "Start Recording",
		Description: "Start recording the camera to an MP4 file",
		Tags:        []string{"capture"},
		Security:    withAuth(),
		Errors:      []int{401, 403, 404, 409, 410, 423, 500},
	}, func(ctx context.Context, input *models.CameraPath) (*models.RecordingResponse, error) {
		rec, err := s.cameras.Get(input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		recording, err := rec.StartRecording(ctx)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &models.RecordingResponse{Body: models.RecordingData{Active: true, Recording: *recording}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-recording",
		Method:      http.MethodPost,
		Path:        "/api/cameras/{id}/recording/stop",
		Summary:     "Stop Recording",
		Description: "Stop the recording and finalize the MP4 file",
		Tags:        []string{"capture"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 409, 500},
	}, func(_ context.Context, input *models.CameraPath) (*models.RecordingResponse, error) {
		rec, err := s.cameras.Get(input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		recording, err := rec.StopRecording()
		if err != nil && recording == nil {
			return nil, toHumaError(err)
		}
		if err != nil {
			s.logger.Warn("Recording ended with error", "camera_id", rec.ID(), "path", recording.Path, "error", err)
		}
		return &models.RecordingResponse{Body: models.RecordingData{Recording: *recording}}, nil
	})
}

func cameraData(rec *recorder.Recorder) models.CameraData {
	id := rec.Identity()
	data := models.CameraData{
		ID:                id.ID,
		Name:              id.Name,
		DevicePath:        id.DevicePath,
		Driver:            id.Driver,
		LensFacing:        string(id.LensFacing),
		SensorOrientation: id.SensorOrientation,
		DeviceRotation:    rec.DeviceRotation(),
		Rotation:          rec.Rotation(),
		Config:            configData(rec.Config()),
		Session:           sessionData(rec.Session()),
		Sinks:             rec.Sinks(),
	}
	for _, size := range id.Resolutions {
		data.Resolutions = append(data.Resolutions, size.String())
	}
	if recording, active := rec.Recording(); recording != nil {
		data.Recording = &models.RecordingData{Active: active, Recording: *recording}
	}
	return data
}

func boolControl(on bool) int32 {
	if on {
		return 1
	}
	return 0
}

func cameraControls(data models.ControlsData) camera.Controls {
	values := camera.Controls{}
	for name, b := range map[camera.Control]*bool{
		camera.ControlTorch:            data.Torch,
		camera.ControlAutoFocus:        data.AutoFocus,
		camera.ControlAutoWhiteBalance: data.AutoWhiteBalance,
		camera.ControlAutoExposure:     data.AutoExposure,
	} {
		if b != nil {
			values[name] = boolControl(*b)
		}
	}
	for name, v := range map[camera.Control]*int32{
		camera.ControlFocus:        data.Focus,
		camera.ControlWhiteBalance: data.WhiteBalance,
		camera.ControlExposure:     data.Exposure,
		camera.ControlZoom:         data.Zoom,
	} {
		if v != nil {
			values[name] = *v
		}
	}
	return values
}

func controlsData(values camera.Controls) models.ControlsData {
	var data models.ControlsData
	flag := func(name camera.Control) *bool {
		v, ok := values[name]
		if !ok {
			return nil
		}
		on := v == 1
		return &on
	}
	value := func(name camera.Control) *int32 {
		v, ok := values[name]
		if !ok {
			return nil
		}
		return &v
	}
	data.Torch = flag(camera.ControlTorch)
	data.AutoFocus = flag(camera.ControlAutoFocus)
	data.AutoWhiteBalance = flag(camera.ControlAutoWhiteBalance)
	data.AutoExposure = flag(camera.ControlAutoExposure)
	data.Focus = value(camera.ControlFocus)
	data.WhiteBalance = value(camera.ControlWhiteBalance)
	data.Exposure = value(camera.ControlExposure)
	data.Zoom = value(camera.ControlZoom)
	return data
}

func sinkStatus(rec *recorder.Recorder, kind string) recorder.SinkStatus {
	for _, st := range rec.Sinks() {
		if st.Kind == kind {
			return st
		}
	}
	return recorder.SinkStatus{Kind: kind}
}

func sessionData(st session.Stats) models.SessionData {
	return models.SessionData{
		State:     st.State.String(),
		Targets:   st.Targets.String(),
		Consumers: st.Consumers,
		Opens:     st.Opens,
	}
}

func configData(cfg media.CaptureConfig) models.CaptureConfigData {
	return models.CaptureConfigData{
		PreviewSize:              cfg.PreviewSize.String(),
		StillSize:                cfg.StillSize.String(),
		PreviewFrameRate:         cfg.PreviewFrameRate,
		PreviewBitRate:           cfg.PreviewBitRate,
		KeyFrameIntervalSeconds:  cfg.KeyFrameIntervalSeconds,
		Codec:                    string(cfg.Codec),
		SoftwareEncoderPreferred: cfg.SoftwareEncoderPreferred,
		AudioEnabled:             cfg.AudioEnabled,
		AudioSampleRate:          cfg.AudioSampleRate,
		AudioBitRate:             cfg.AudioBitRate,
	}
}

func captureConfig(data models.CaptureConfigData) (media.CaptureConfig, error) {
	cfg := media.CaptureConfig{
		PreviewFrameRate:         data.PreviewFrameRate,
		PreviewBitRate:           data.PreviewBitRate,
		KeyFrameIntervalSeconds:  data.KeyFrameIntervalSeconds,
		SoftwareEncoderPreferred: data.SoftwareEncoderPreferred,
		AudioEnabled:             data.AudioEnabled,
		AudioSampleRate:          data.AudioSampleRate,
		AudioBitRate:             data.AudioBitRate,
	}
	var err error
	if data.PreviewSize != "" {
		if cfg.PreviewSize, err = media.ParseSize(data.PreviewSize); err != nil {
			return cfg, err
		}
	}
	if data.StillSize != "" {
		if cfg.StillSize, err = media.ParseSize(data.StillSize); err != nil {
			return cfg, err
		}
	}
	if cfg.Codec, err = media.ParseCodec(data.Codec); err != nil {
		return cfg, err
	}
	return cfg, nil
}
