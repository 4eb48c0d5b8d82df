package sink

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/smazurov/camnode/internal/camera"
	"github.com/smazurov/camnode/internal/events"
	"github.com/smazurov/camnode/internal/logging"
	"github.com/smazurov/camnode/internal/metrics"
)

// State is a sink's lifecycle state.
type State int32

// Sink states. A sink in StateError may be started again.
const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Lifecycle is the Idle/Starting/Running/Stopping/Error state machine
// shared by every sink. It publishes SinkStarted and SinkStopped.
type Lifecycle struct {
	cameraID string
	kind     string
	bus      *events.Bus
	logger   *slog.Logger

	mu    sync.Mutex
	state State
	err   error
}

// NewLifecycle creates an idle lifecycle for a sink of the given kind.
func NewLifecycle(env Env, kind string) *Lifecycle {
	logger := env.Logger
	if logger == nil {
		logger = logging.GetLogger("sinks")
	}
	return &Lifecycle{
		cameraID: env.CameraID,
		kind:     kind,
		bus:      env.Bus,
		logger:   logger.With("camera_id", env.CameraID, "sink", kind),
	}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the error that put the sink into StateError, if any.
func (l *Lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Begin moves Idle or Error to Starting.
func (l *Lifecycle) Begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateIdle && l.state != StateError {
		return ErrAlreadyRunning
	}
	l.state = StateStarting
	l.err = nil
	return nil
}

// StartFailed moves Starting to Error.
func (l *Lifecycle) StartFailed(err error) {
	l.mu.Lock()
	l.state = StateError
	l.err = err
	l.mu.Unlock()
	l.logger.Warn("Sink failed to start", "error", err)
}

// Started moves Starting to Running.
func (l *Lifecycle) Started() {
	l.mu.Lock()
	l.state = StateRunning
	l.mu.Unlock()

	metrics.SetSinkRunning(l.cameraID, l.kind, true)
	l.logger.Info("Sink started")
	l.bus.Publish(events.SinkStarted{CameraID: l.cameraID, Sink: l.kind, Timestamp: events.Now()})
}

// BeginStop moves Running to Stopping. It reports false when the sink was
// not running, in which case the caller must not tear anything down.
func (l *Lifecycle) BeginStop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateRunning {
		return false
	}
	l.state = StateStopping
	return true
}

// Stopped finishes a stop. A nil cause is a requested stop and returns the
// sink to Idle; anything else leaves it in Error.
func (l *Lifecycle) Stopped(cause error) {
	l.mu.Lock()
	if cause == nil {
		l.state = StateIdle
	} else {
		l.state = StateError
		l.err = cause
	}
	l.mu.Unlock()

	metrics.SetSinkRunning(l.cameraID, l.kind, false)

	ev := events.SinkStopped{
		CameraID:  l.cameraID,
		Sink:      l.kind,
		Requested: cause == nil,
		Timestamp: events.Now(),
	}
	if cause != nil {
		ev.Reason = reasonOf(cause)
		ev.Error = cause.Error()
		l.logger.Warn("Sink stopped on error", "reason", ev.Reason, "error", cause)
	} else {
		l.logger.Info("Sink stopped")
	}
	l.bus.Publish(ev)
}

func reasonOf(err error) string {
	var re *camera.RecorderError
	if errors.As(err, &re) {
		return re.Reason.String()
	}
	return "transport"
}
