package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smazurov/camnode/internal/logging"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/metrics"
	"github.com/smazurov/camnode/internal/session"
	"github.com/smazurov/camnode/internal/version"
)

// DefaultMJPEGMaxClients limits concurrent MJPEG viewers.
const DefaultMJPEGMaxClients = 8

var errTooManyClients = errors.New("too many mjpeg clients")

// MJPEGOptions configures an MJPEG sink.
type MJPEGOptions struct {
	Addr       string
	MaxClients int
	// AcceptPolicy rejects a request with 403 when it returns false.
	AcceptPolicy func(r *http.Request) bool
	OnAccepted   func(remote string)
	OnClosed     func(remote string)
	// OnDemand holds the camera session only while a client is connected
	// instead of for the whole time the sink runs.
	OnDemand bool
}

// MJPEG serves the preview as multipart/x-mixed-replace JPEG on its own
// HTTP listener.
type MJPEG struct {
	env      Env
	opts     MJPEGOptions
	lc       *Lifecycle
	logger   *slog.Logger
	boundary string
	feed     *feeder

	opMu    sync.Mutex
	srv     *http.Server
	ln      net.Listener
	handle  *session.Handle
	clients sync.WaitGroup

	// attachMu orders feed registration and on-demand acquires.
	attachMu   sync.Mutex
	feedHandle *session.Handle

	mu    sync.RWMutex
	conns map[*mjpegClient]struct{}
	stop  chan struct{}
	// stopping is set before clients.Wait so no request adds to it late.
	stopping bool
}

// NewMJPEG creates an idle MJPEG sink.
func NewMJPEG(env Env, opts MJPEGOptions) *MJPEG {
	if opts.MaxClients <= 0 {
		opts.MaxClients = DefaultMJPEGMaxClients
	}
	logger := env.Logger
	if logger == nil {
		logger = logging.GetLogger("sinks")
	}
	s := &MJPEG{
		env:      env,
		opts:     opts,
		lc:       NewLifecycle(env, KindMJPEG),
		logger:   logger.With("camera_id", env.CameraID, "sink", KindMJPEG),
		boundary: uuid.NewString(),
		conns:    make(map[*mjpegClient]struct{}),
	}
	s.feed = &feeder{name: KindMJPEG, format: media.FormatJPEG, push: s.Push}
	return s
}

// Name returns the sink kind.
func (s *MJPEG) Name() string { return KindMJPEG }

// RequiredFormat is JPEG.
func (s *MJPEG) RequiredFormat() media.Format { return media.FormatJPEG }

// State returns the lifecycle state.
func (s *MJPEG) State() State { return s.lc.State() }

// IsRunning reports whether the sink is Running.
func (s *MJPEG) IsRunning() bool { return s.lc.State() == StateRunning }

// Err returns the error of the last failed run.
func (s *MJPEG) Err() error { return s.lc.Err() }

// Boundary returns the multipart boundary.
func (s *MJPEG) Boundary() string { return s.boundary }

// Clients returns the number of connected viewers.
func (s *MJPEG) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Addr returns the bound listener address while running.
func (s *MJPEG) Addr() string {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener and, unless on demand, acquires the preview
// session.
func (s *MJPEG) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.lc.Begin(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		err = fmt.Errorf("mjpeg listen %s: %w", s.opts.Addr, err)
		s.lc.StartFailed(err)
		return err
	}

	var h *session.Handle
	if !s.opts.OnDemand {
		h, err = s.env.Session.Acquire(ctx, s.request())
		if err != nil {
			_ = ln.Close()
			s.lc.StartFailed(err)
			return err
		}
	}

	s.ln = ln
	s.handle = h
	s.mu.Lock()
	s.stop = make(chan struct{})
	s.stopping = false
	s.mu.Unlock()
	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			go s.fail(fmt.Errorf("mjpeg serve: %w", err))
		}
	}(s.srv)

	s.lc.Started()
	s.logger.Info("MJPEG server listening", "addr", ln.Addr().String())
	return nil
}

func (s *MJPEG) request() session.Request {
	return session.Request{
		Purpose:  session.PurposePreview,
		Consumer: KindMJPEG,
		OnError:  func(err error) { s.fail(err) },
	}
}

// Stop disconnects every client, closes the listener and releases the
// session.
func (s *MJPEG) Stop() error {
	return s.stopWith(nil)
}

func (s *MJPEG) fail(err error) {
	_ = s.stopWith(err)
}

func (s *MJPEG) stopWith(cause error) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if !s.lc.BeginStop() {
		return ErrNotRunning
	}
	s.mu.Lock()
	s.stopping = true
	close(s.stop)
	s.mu.Unlock()
	err := s.srv.Close()
	s.clients.Wait()

	s.attachMu.Lock()
	s.detachLocked()
	s.attachMu.Unlock()

	if s.handle != nil {
		s.env.Session.Release(s.handle)
		s.handle = nil
	}
	s.ln = nil
	s.srv = nil
	s.lc.Stopped(cause)
	return err
}

// Push offers a JPEG frame to every connected client.
func (s *MJPEG) Push(f *media.Frame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.conns {
		c.offer(f)
	}
}

// ServeHTTP streams frames to one client until it disconnects or the sink
// stops.
func (s *MJPEG) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.opts.AcceptPolicy != nil && !s.opts.AcceptPolicy(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if !s.enter() {
		http.Error(w, "mjpeg sink stopping", http.StatusServiceUnavailable)
		return
	}
	defer s.clients.Done()

	c, err := s.addClient(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.removeClient(c)

	remote := r.RemoteAddr
	if s.opts.OnAccepted != nil {
		s.opts.OnAccepted(remote)
	}
	if s.opts.OnClosed != nil {
		defer s.opts.OnClosed(remote)
	}
	s.logger.Debug("MJPEG client connected", "remote", remote)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+s.boundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Connection", "close")
	w.Header().Set("Server", version.UserAgent())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stop := s.stopChan()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-stop:
			return
		case <-c.notify:
			f := c.take()
			if f == nil {
				continue
			}
			n, err := writePart(w, s.boundary, f.Data)
			if err != nil {
				s.logger.Debug("MJPEG client write failed", "remote", remote, "error", err)
				return
			}
			flusher.Flush()
			metrics.AddSinkBytes(s.env.CameraID, KindMJPEG, n)
		}
	}
}

// enter counts a request in clients unless Stop has begun.
func (s *MJPEG) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.clients.Add(1)
	return true
}

func (s *MJPEG) stopChan() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stop
}

func writePart(w http.ResponseWriter, boundary string, jpeg []byte) (int, error) {
	header := "--" + boundary + "\r\n" +
		"Content-Type: image/jpeg\r\n" +
		"Content-Length: " + strconv.Itoa(len(jpeg)) + "\r\n\r\n"
	n, err := w.Write([]byte(header))
	if err != nil {
		return n, err
	}
	m, err := w.Write(jpeg)
	n += m
	if err != nil {
		return n, err
	}
	m, err = w.Write([]byte("\r\n"))
	return n + m, err
}

func (s *MJPEG) addClient(ctx context.Context) (*mjpegClient, error) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	s.mu.Lock()
	if len(s.conns) >= s.opts.MaxClients {
		s.mu.Unlock()
		return nil, errTooManyClients
	}
	c := newMJPEGClient()
	s.conns[c] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()

	if n == 1 {
		if err := s.attachLocked(ctx); err != nil {
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
			return nil, err
		}
	}
	metrics.SetMJPEGClients(s.env.CameraID, n)
	return c, nil
}

func (s *MJPEG) removeClient(c *mjpegClient) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	s.mu.Lock()
	delete(s.conns, c)
	n := len(s.conns)
	s.mu.Unlock()

	if n == 0 {
		s.detachLocked()
	}
	metrics.SetMJPEGClients(s.env.CameraID, n)
}

// attachLocked starts JPEG delivery for the first client.
func (s *MJPEG) attachLocked(ctx context.Context) error {
	if s.opts.OnDemand && s.feedHandle == nil {
		h, err := s.env.Session.Acquire(ctx, s.request())
		if err != nil {
			return err
		}
		s.feedHandle = h
	}
	if err := s.env.Distributor.Register(s.feed); err != nil {
		if s.feedHandle != nil {
			s.env.Session.Release(s.feedHandle)
			s.feedHandle = nil
		}
		return err
	}
	return nil
}

// detachLocked stops JPEG delivery after the last client left.
func (s *MJPEG) detachLocked() {
	s.env.Distributor.Unregister(s.feed)
	if s.feedHandle != nil {
		s.env.Session.Release(s.feedHandle)
		s.feedHandle = nil
	}
}

// mjpegClient holds the newest undelivered frame of one viewer. A slow
// viewer skips frames instead of queueing them.
type mjpegClient struct {
	mu     sync.Mutex
	latest *media.Frame
	notify chan struct{}
}

func newMJPEGClient() *mjpegClient {
	return &mjpegClient{notify: make(chan struct{}, 1)}
}

func (c *mjpegClient) offer(f *media.Frame) {
	c.mu.Lock()
	c.latest = f
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *mjpegClient) take() *media.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.latest
	c.latest = nil
	return f
}
