package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/smazurov/camnode/internal/logging"
)

// Override replaces enumerated values that the platform cannot report,
// such as the facing of a USB camera mounted on a robot.
type Override struct {
	LensFacing        LensFacing
	SensorOrientation *int
}

// EnumeratorOptions configures an Enumerator.
type EnumeratorOptions struct {
	Disabled  []string
	Overrides map[string]Override
	Logger    *slog.Logger
}

type entry struct {
	identity Identity
	driver   Driver
}

// Enumerator merges the cameras of several drivers, applies configured
// overrides and enforces the administrative disabled list.
type Enumerator struct {
	drivers   []Driver
	disabled  map[string]struct{}
	overrides map[string]Override
	logger    *slog.Logger

	mu      sync.RWMutex
	cameras map[string]entry
}

// NewEnumerator creates an enumerator over drivers. Camera ids must be
// unique across drivers; the first driver wins on conflict.
func NewEnumerator(opts EnumeratorOptions, drivers ...Driver) *Enumerator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("camera")
	}
	disabled := make(map[string]struct{}, len(opts.Disabled))
	for _, id := range opts.Disabled {
		disabled[id] = struct{}{}
	}
	return &Enumerator{
		drivers:   drivers,
		disabled:  disabled,
		overrides: opts.Overrides,
		logger:    logger,
		cameras:   make(map[string]entry),
	}
}

// Enumerate rescans every driver. A driver that fails is logged and
// skipped so one broken backend does not hide the others.
func (e *Enumerator) Enumerate(ctx context.Context) ([]Identity, error) {
	found := make(map[string]entry)
	var errs []error
	for _, d := range e.drivers {
		ids, err := d.Enumerate(ctx)
		if err != nil {
			e.logger.Warn("Camera enumeration failed", "driver", d.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			continue
		}
		for _, id := range ids {
			if _, dup := found[id.ID]; dup {
				e.logger.Warn("Duplicate camera id", "camera_id", id.ID, "driver", d.Name())
				continue
			}
			id.Driver = d.Name()
			found[id.ID] = entry{identity: e.applyOverride(id), driver: d}
		}
	}

	e.mu.Lock()
	e.cameras = found
	e.mu.Unlock()

	list := make([]Identity, 0, len(found))
	for _, en := range found {
		list = append(list, en.identity)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	if len(list) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return list, nil
}

func (e *Enumerator) applyOverride(id Identity) Identity {
	o, ok := e.overrides[id.ID]
	if !ok {
		return id
	}
	if o.LensFacing != "" {
		id.LensFacing = o.LensFacing
	}
	if o.SensorOrientation != nil {
		id.SensorOrientation = normalizeRightAngle(*o.SensorOrientation)
	}
	return id
}

// Lookup returns the identity from the last enumeration.
func (e *Enumerator) Lookup(id string) (Identity, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.cameras[id]
	return en.identity, ok
}

// Disabled reports whether id is on the administrative disabled list.
func (e *Enumerator) Disabled(id string) bool {
	_, ok := e.disabled[id]
	return ok
}

func (e *Enumerator) driverFor(op, id string) (Driver, error) {
	if e.Disabled(id) {
		return nil, NewError(ReasonDisabled, op, fmt.Errorf("camera %s disabled by configuration", id))
	}
	e.mu.RLock()
	en, ok := e.cameras[id]
	e.mu.RUnlock()
	if !ok {
		return nil, NewError(ReasonDisconnected, op, fmt.Errorf("camera %s not present", id))
	}
	return en.driver, nil
}

// CheckAccess implements the permission step of session open.
func (e *Enumerator) CheckAccess(id string) error {
	d, err := e.driverFor("check access", id)
	if err != nil {
		return err
	}
	return Wrap("check access", d.CheckAccess(id))
}

// Open opens the camera through its driver.
func (e *Enumerator) Open(ctx context.Context, id string) (Device, error) {
	d, err := e.driverFor("open", id)
	if err != nil {
		return nil, err
	}
	dev, err := d.Open(ctx, id)
	if err != nil {
		return nil, Wrap("open", err)
	}
	return dev, nil
}
