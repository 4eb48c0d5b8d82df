package streaming

import (
	"log/slog"
	"sync"

	"github.com/AlexxIT/go2rtc/pkg/core"
	"github.com/AlexxIT/go2rtc/pkg/webrtc"
	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"

	"github.com/smazurov/camnode/internal/metrics"
)

// WebRTCOptions configures viewer peer connections.
type WebRTCOptions struct {
	// ICEServers lists STUN/TURN servers; empty keeps viewers LAN-only.
	ICEServers []pion.ICEServer
}

// ICEServersFromURLs builds STUN/TURN entries from plain URLs.
func ICEServersFromURLs(urls []string) []pion.ICEServer {
	servers := make([]pion.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u != "" {
			servers = append(servers, pion.ICEServer{URLs: []string{u}})
		}
	}
	return servers
}

// viewer is one browser watching a published path.
type viewer struct {
	id   string
	path string
	conn *webrtc.Conn
	pc   *pion.PeerConnection
}

// WebRTCManager attaches WebRTC viewers to the tracks RTSP sinks publish
// on the hub. A viewer's PLI or FIR asks the publishing encoder for a key
// frame.
type WebRTCManager struct {
	hub    *Hub
	opts   WebRTCOptions
	logger *slog.Logger

	mu     sync.Mutex
	byPath map[string]map[string]*viewer
}

// NewWebRTCManager creates a manager serving viewers of hub's paths.
func NewWebRTCManager(hub *Hub, opts WebRTCOptions, logger *slog.Logger) *WebRTCManager {
	return &WebRTCManager{
		hub:    hub,
		opts:   opts,
		logger: logger,
		byPath: make(map[string]map[string]*viewer),
	}
}

// CreateConsumer answers a viewer's SDP offer for path. It fails with
// ErrStreamNotFound when nothing publishes on path.
func (m *WebRTCManager) CreateConsumer(path, offer string) (string, error) {
	if !m.hub.HasPublisher(path) {
		return "", ErrStreamNotFound
	}

	api, err := NewWebRTCAPI(path, func() { m.hub.RequestKeyFrame(path) })
	if err != nil {
		return "", err
	}
	pc, err := api.NewPeerConnection(pion.Configuration{ICEServers: m.opts.ICEServers})
	if err != nil {
		return "", err
	}

	v := &viewer{id: uuid.NewString()[:8], path: path, pc: pc, conn: webrtc.NewConn(pc)}
	v.conn.Mode = core.ModePassiveConsumer

	answer, err := m.negotiate(v, offer)
	if err != nil {
		_ = pc.Close()
		return "", err
	}

	n := m.add(v)
	m.logger.Debug("WebRTC viewer attached", "path", path, "peer_id", v.id, "viewers", n)

	// a new viewer cannot decode anything before the next IDR
	m.hub.RequestKeyFrame(path)

	v.conn.Listen(func(msg any) {
		state, ok := msg.(pion.PeerConnectionState)
		if !ok {
			return
		}
		switch state {
		case pion.PeerConnectionStateConnected:
			m.drainRTCP(v)
		case pion.PeerConnectionStateDisconnected,
			pion.PeerConnectionStateFailed,
			pion.PeerConnectionStateClosed:
			m.remove(v, state.String())
		}
	})

	return answer, nil
}

func (m *WebRTCManager) negotiate(v *viewer, offer string) (string, error) {
	if err := v.conn.SetOffer(offer); err != nil {
		return "", err
	}
	if err := m.hub.WireConsumer(v.path, v.conn); err != nil {
		return "", err
	}
	answer, err := v.conn.GetCompleteAnswer(nil, nil)
	if err != nil {
		m.hub.UnwireConsumer(v.path, v.conn)
		return "", err
	}
	return answer, nil
}

// drainRTCP reads every sender's RTCP so the interceptors see viewer
// feedback.
func (m *WebRTCManager) drainRTCP(v *viewer) {
	for _, sender := range v.pc.GetSenders() {
		go func(s *pion.RTPSender) {
			for {
				if _, _, err := s.ReadRTCP(); err != nil {
					return
				}
			}
		}(sender)
	}
}

func (m *WebRTCManager) add(v *viewer) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.byPath[v.path]
	if set == nil {
		set = make(map[string]*viewer)
		m.byPath[v.path] = set
	}
	set[v.id] = v
	metrics.SetWebRTCViewers(v.path, len(set))
	return len(set)
}

// remove detaches v once; later calls for the same viewer are no-ops.
func (m *WebRTCManager) remove(v *viewer, reason string) {
	m.mu.Lock()
	set := m.byPath[v.path]
	if _, ok := set[v.id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(set, v.id)
	left := len(set)
	if left == 0 {
		delete(m.byPath, v.path)
	}
	metrics.SetWebRTCViewers(v.path, left)
	m.mu.Unlock()

	// stopping closes the senders, which detaches them from the publisher
	_ = v.conn.Stop()
	m.hub.UnwireConsumer(v.path, v.conn)
	m.logger.Debug("WebRTC viewer detached", "path", v.path, "peer_id", v.id, "reason", reason, "viewers", left)
}

func (m *WebRTCManager) viewersOf(path string) []*viewer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*viewer, 0, len(m.byPath[path]))
	for _, v := range m.byPath[path] {
		out = append(out, v)
	}
	return out
}

// PeerCount returns the number of attached viewers across all paths.
func (m *WebRTCManager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, set := range m.byPath {
		n += len(set)
	}
	return n
}

// Viewers returns the number of viewers of path.
func (m *WebRTCManager) Viewers(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byPath[path])
}

// CloseStreamConsumers detaches every viewer of path. It runs when the
// publisher goes away so viewers reconnect to the next one.
func (m *WebRTCManager) CloseStreamConsumers(path string) {
	viewers := m.viewersOf(path)
	if len(viewers) > 0 {
		m.logger.Info("Closing WebRTC viewers of removed stream", "path", path, "viewers", len(viewers))
	}
	for _, v := range viewers {
		m.remove(v, "publisher removed")
	}
	metrics.DeleteWebRTCMetrics(path)
}

// Stop detaches every viewer.
func (m *WebRTCManager) Stop() {
	m.mu.Lock()
	paths := make([]string, 0, len(m.byPath))
	for path := range m.byPath {
		paths = append(paths, path)
	}
	m.mu.Unlock()

	for _, path := range paths {
		for _, v := range m.viewersOf(path) {
			m.remove(v, "shutdown")
		}
	}
}
