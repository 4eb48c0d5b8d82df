package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/smazurov/camnode/internal/camera"
	"github.com/smazurov/camnode/internal/events"
	"github.com/smazurov/camnode/internal/logging"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/session"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned for a camera id without a recorder.
var ErrNotFound = errors.New("camera not found")

// Cameras enumerates and opens cameras. *camera.Enumerator implements it.
type Cameras interface {
	session.Opener
	Enumerate(ctx context.Context) ([]camera.Identity, error)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Cameras Cameras
	// Defaults is the template for every recorder. Identity, Opener and
	// Bus are filled in per camera; the MJPEG port is offset by the
	// camera's position so every camera gets its own listener.
	Defaults Options
	Bus      *events.Bus
	Logger   *slog.Logger
}

// Manager is the registry of recorders keyed by camera id.
type Manager struct {
	opts   ManagerOptions
	logger *slog.Logger

	mu        sync.RWMutex
	recorders map[string]*Recorder
	slots     map[string]int
	closed    bool
}

// NewManager creates an empty registry. Call Init to populate it.
func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("capture")
	}
	return &Manager{
		opts:      opts,
		logger:    logger,
		recorders: make(map[string]*Recorder),
		slots:     make(map[string]int),
	}
}

// Init enumerates the cameras and creates a recorder for each.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.Rescan(ctx); err != nil {
		return err
	}
	m.mu.RLock()
	n := len(m.recorders)
	m.mu.RUnlock()
	m.logger.Info("Recorders initialized", "cameras", n)
	return nil
}

// Rescan re-enumerates. New cameras get a recorder; recorders of cameras
// that disappeared are closed.
func (m *Manager) Rescan(ctx context.Context) error {
	ids, err := m.opts.Cameras.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("enumerate cameras: %w", err)
	}

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id.ID] = struct{}{}
		if err := m.add(id); err != nil {
			m.logger.Error("Failed to create recorder", "camera_id", id.ID, "error", err)
		}
	}

	m.mu.RLock()
	var gone []string
	for id := range m.recorders {
		if _, ok := seen[id]; !ok {
			gone = append(gone, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range gone {
		if err := m.Remove(id); err != nil {
			m.logger.Warn("Failed to close recorder", "camera_id", id, "error", err)
		}
	}
	return nil
}

func (m *Manager) add(id camera.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return session.ErrClosed
	}
	if _, ok := m.recorders[id.ID]; ok {
		return nil
	}
	slot, ok := m.slots[id.ID]
	if !ok {
		slot = len(m.slots)
		m.slots[id.ID] = slot
	}

	opts := m.opts.Defaults
	opts.Identity = id
	opts.Opener = m.opts.Cameras
	opts.Bus = m.opts.Bus
	opts.MJPEGAddr = offsetPort(opts.MJPEGAddr, slot)
	if opts.RTSPPath == "" {
		opts.RTSPPath = id.ID
	}
	rec, err := New(opts)
	if err != nil {
		return err
	}
	m.recorders[id.ID] = rec
	m.logger.Info("Camera added", "camera_id", id.ID, "name", id.Name, "facing", id.LensFacing)
	m.opts.Bus.Publish(events.CameraAdded{
		CameraID:   id.ID,
		Name:       id.Name,
		LensFacing: string(id.LensFacing),
		Timestamp:  events.Now(),
	})
	return nil
}

// offsetPort adds n to the port of addr. Port 0 stays 0.
func offsetPort(addr string, n int) string {
	if addr == "" || n == 0 {
		return addr
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port == 0 {
		return addr
	}
	return net.JoinHostPort(host, strconv.Itoa(port+n))
}

// Get returns the recorder of id.
func (m *Manager) Get(id string) (*Recorder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recorders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// List returns every recorder ordered by camera id.
func (m *Manager) List() []*Recorder {
	m.mu.RLock()
	out := make([]*Recorder, 0, len(m.recorders))
	for _, rec := range m.recorders {
		out = append(out, rec)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Recorder) int { return strings.Compare(a.ID(), b.ID()) })
	return out
}

// Remove closes and forgets the recorder of id.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	rec, ok := m.recorders[id]
	delete(m.recorders, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	err := rec.Close()
	m.logger.Info("Camera removed", "camera_id", id)
	m.opts.Bus.Publish(events.CameraRemoved{CameraID: id, Timestamp: events.Now()})
	return err
}

// UpdateConfig pushes cfg to every recorder and returns how many took it.
func (m *Manager) UpdateConfig(cfg media.CaptureConfig) (int, error) {
	var errs []error
	n := 0
	for _, rec := range m.List() {
		if err := rec.UpdateConfig(cfg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.ID(), err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Close closes every recorder in parallel.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	recs := make([]*Recorder, 0, len(m.recorders))
	for _, rec := range m.recorders {
		recs = append(recs, rec)
	}
	m.recorders = make(map[string]*Recorder)
	m.mu.Unlock()

	var g errgroup.Group
	for _, rec := range recs {
		g.Go(func() error {
			if err := rec.Close(); err != nil {
				return fmt.Errorf("close %s: %w", rec.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
