package api

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/camnode/internal/camera"
	"github.com/smazurov/camnode/internal/capture"
	"github.com/smazurov/camnode/internal/recorder"
	"github.com/smazurov/camnode/internal/session"
	"github.com/smazurov/camnode/internal/sink"
)

// toHumaError maps recorder errors onto HTTP status codes. Camera failures
// are mapped by reason, everything the recorder reports about the request
// itself gets a 4xx of its own.
func toHumaError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, recorder.ErrNotFound):
		return huma.Error404NotFound("camera not found", err)
	case errors.Is(err, recorder.ErrUnknownSink):
		return huma.Error404NotFound("sink not available", err)
	case errors.Is(err, recorder.ErrNoTarget):
		return huma.Error400BadRequest("no target url configured for sink", err)
	case errors.Is(err, sink.ErrAlreadyRunning):
		return huma.Error409Conflict("already running", err)
	case errors.Is(err, sink.ErrNotRunning):
		return huma.Error409Conflict("not running", err)
	case errors.Is(err, camera.ErrUnsupportedControl):
		return huma.Error422UnprocessableEntity("control not supported by camera", err)
	case errors.Is(err, session.ErrClosed), errors.Is(err, capture.ErrClosed):
		return huma.Error503ServiceUnavailable("camera is shutting down", err)
	}

	switch camera.ReasonOf(err) {
	case camera.ReasonNotAllowed:
		return huma.Error403Forbidden("camera access not allowed", err)
	case camera.ReasonInUse:
		return huma.Error409Conflict("camera in use by another client", err)
	case camera.ReasonTooMany:
		return huma.Error409Conflict("too many cameras open", err)
	case camera.ReasonDisabled:
		return huma.NewError(423, "camera disabled", err)
	case camera.ReasonDisconnected:
		return huma.Error410Gone("camera disconnected", err)
	default:
		return huma.Error500InternalServerError("camera error", err)
	}
}
