package sink

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/smazurov/camnode/internal/encoder"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/session"
	"github.com/smazurov/camnode/internal/streaming"
)

// RTSPOptions configures an RTSP sink.
type RTSPOptions struct {
	// Path is the stream path on the RTSP server, without leading slash.
	Path       string
	Hub        *streaming.Hub
	NewEncoder encoder.Factory
	QueueSize  int
}

// RTSP publishes the encoded stream as a track on the shared RTSP server.
// Clients play it with DESCRIBE on rtsp://<server>/<path>; WebRTC viewers
// attach to the same track.
type RTSP struct {
	*EncodedPipeline
	transport *rtspTransport
}

// NewRTSP creates an idle RTSP sink.
func NewRTSP(env Env, opts RTSPOptions) *RTSP {
	path := strings.Trim(opts.Path, "/")
	if path == "" {
		path = env.CameraID
	}
	s := &RTSP{transport: &rtspTransport{hub: opts.Hub, path: path}}
	s.EncodedPipeline = NewEncodedPipeline(env, EncodedOptions{
		Kind:       KindRTSP,
		Purpose:    session.PurposeStream,
		NewEncoder: opts.NewEncoder,
		Transport:  s.transport,
		QueueSize:  opts.QueueSize,
	})
	s.transport.onKeyFrame = s.RequestKeyFrame
	return s
}

// Path returns the published stream path.
func (s *RTSP) Path() string { return s.transport.path }

type rtspTransport struct {
	hub        *streaming.Hub
	path       string
	onKeyFrame func()

	mu  sync.Mutex
	pub *streaming.Publisher
}

func (t *rtspTransport) Open(_ context.Context, codec media.Codec) error {
	if t.hub == nil {
		return errors.New("rtsp sink has no stream hub")
	}
	pub, err := t.hub.AddPublisher(t.path, codec, t.onKeyFrame)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.pub = pub
	t.mu.Unlock()
	return nil
}

func (t *rtspTransport) Send(f *media.Frame) error {
	t.mu.Lock()
	pub := t.pub
	t.mu.Unlock()
	if pub == nil {
		return ErrNotRunning
	}
	pub.WriteFrame(f)
	return nil
}

func (t *rtspTransport) Close() error {
	t.mu.Lock()
	pub := t.pub
	t.pub = nil
	t.mu.Unlock()
	if pub != nil {
		t.hub.RemovePublisher(pub)
	}
	return nil
}
