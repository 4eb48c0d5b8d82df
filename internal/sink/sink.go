// Package sink delivers camera frames to the outside world. Every sink
// shares the camera's capture session through the session controller and
// takes frames from the camera's distributor.
package sink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/smazurov/camnode/internal/events"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/pipeline"
	"github.com/smazurov/camnode/internal/session"
)

// Sink kinds, also used as consumer names and metric labels.
const (
	KindMJPEG = "mjpeg"
	KindRTSP  = "rtsp"
	KindRTMP  = "rtmp"
	KindSRT   = "srt"
	KindMP4   = "mp4"
)

var (
	// ErrAlreadyRunning is returned by Start on a sink that is not idle.
	ErrAlreadyRunning = errors.New("sink already running")
	// ErrNotRunning is returned by Stop on a sink that is not running.
	ErrNotRunning = errors.New("sink not running")
)

// Sink is one independently started delivery target.
type Sink interface {
	Name() string
	// RequiredFormat is the frame representation Push accepts.
	RequiredFormat() media.Format
	Start(ctx context.Context) error
	Stop() error
	Push(f *media.Frame)
	IsRunning() bool
	State() State
}

// Session is the part of the session controller sinks use.
type Session interface {
	Acquire(ctx context.Context, req session.Request) (*session.Handle, error)
	Release(h *session.Handle)
	Config() media.CaptureConfig
}

// Distributor is the part of the frame distributor sinks use.
type Distributor interface {
	Register(c pipeline.Consumer) error
	Unregister(c pipeline.Consumer)
}

// Env is what every sink of one camera shares.
type Env struct {
	CameraID    string
	Session     Session
	Distributor Distributor
	Bus         *events.Bus
	Logger      *slog.Logger
}

// feeder adapts a push function to pipeline.Consumer.
type feeder struct {
	name   string
	format media.Format
	push   func(*media.Frame)
}

func (f *feeder) Name() string { return f.name }

func (f *feeder) Format() media.Format { return f.format }

func (f *feeder) Push(fr *media.Frame) { f.push(fr) }
