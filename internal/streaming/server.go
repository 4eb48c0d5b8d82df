package streaming

import (
	"errors"
	"net"
	"sync"

	"github.com/AlexxIT/go2rtc/pkg/rtsp"
	"github.com/smazurov/camnode/internal/logging"
)

// Server is the RTSP listener that plays published tracks to clients.
type Server struct {
	hub      *Hub
	listener net.Listener
	logger   logging.Logger
	wg       sync.WaitGroup
	closed   bool
	mu       sync.Mutex
	conns    map[*rtsp.Conn]struct{}
}

// NewServer creates a new streaming server.
func NewServer(hub *Hub, logger logging.Logger) *Server {
	return &Server{
		hub:    hub,
		logger: logger,
		conns:  make(map[*rtsp.Conn]struct{}),
	}
}

// Start begins listening for RTSP connections on the specified address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.closed = false
	s.mu.Unlock()

	s.logger.Info("RTSP server started", "addr", ln.Addr().String())

	go s.acceptLoop(ln)

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()

			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to accept connection", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn plays a published track to one RTSP client.
func (s *Server) handleConn(conn net.Conn) {
	rtspConn := rtsp.NewServer(conn)
	var streamID string

	s.mu.Lock()
	s.conns[rtspConn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, rtspConn)
		s.mu.Unlock()
	}()

	rtspConn.Listen(func(msg any) {
		switch msg {
		case rtsp.MethodDescribe:
			if rtspConn.URL == nil || len(rtspConn.URL.Path) <= 1 {
				return
			}
			id := rtspConn.URL.Path[1:]
			if err := s.hub.WireConsumer(id, rtspConn); err != nil {
				s.logger.Warn("Failed to wire RTSP consumer", "stream_id", id, "error", err)
				return
			}
			streamID = id
			s.logger.Info("RTSP consumer connected", "stream_id", id, "remote", conn.RemoteAddr())

		case rtsp.MethodAnnounce:
			s.logger.Warn("RTSP publish rejected", "remote", conn.RemoteAddr())
			_ = rtspConn.Stop()
		}
	})

	// OPTIONS, DESCRIBE, SETUP, PLAY
	if err := rtspConn.Accept(); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("RTSP accept error", "error", err)
		}
		_ = rtspConn.Stop()
		return
	}

	if err := rtspConn.Handle(); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("RTSP handle error", "error", err)
		}
	}

	_ = rtspConn.Stop()
	if streamID != "" {
		s.hub.UnwireConsumer(streamID, rtspConn)
		s.logger.Info("RTSP consumer disconnected", "stream_id", streamID)
	}
}

// Stop closes the listener and every client connection.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	conns := make([]*rtsp.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		_ = c.Stop()
	}

	s.wg.Wait()
	s.hub.Stop()

	s.logger.Info("RTSP server stopped")
	return err
}

// Hub returns the server's stream hub.
func (s *Server) Hub() *Hub {
	return s.hub
}
