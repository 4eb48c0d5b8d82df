package camera_test

import (
	"context"
	"errors"
	"testing"

	"github.com/smazurov/camnode/internal/camera"
	"github.com/smazurov/camnode/internal/camera/testsrc"
)

func TestEnumeratorOverridesAndDisabled(t *testing.T) {
	front := camera.Identity{ID: "cam1", Name: "Front", LensFacing: camera.FacingUnknown}
	orientation := 270
	drv := testsrc.New(testsrc.Options{}, testsrc.DefaultIdentity(), front)

	e := camera.NewEnumerator(camera.EnumeratorOptions{
		Disabled: []string{"test0"},
		Overrides: map[string]camera.Override{
			"cam1": {LensFacing: camera.FacingFront, SensorOrientation: &orientation},
		},
	}, drv)

	ids, err := e.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(ids) != 2 || ids[0].ID != "cam1" || ids[1].ID != "test0" {
		t.Fatalf("unexpected ids: %+v", ids)
	}
	got, ok := e.Lookup("cam1")
	if !ok {
		t.Fatal("cam1 not found")
	}
	if got.LensFacing != camera.FacingFront || got.SensorOrientation != 270 {
		t.Errorf("override not applied: %+v", got)
	}
	if got.Driver != testsrc.DriverName {
		t.Errorf("Driver = %q", got.Driver)
	}

	if err := e.CheckAccess("test0"); !errors.Is(err, camera.ErrDisabled) {
		t.Errorf("CheckAccess(disabled) = %v", err)
	}
	if _, err := e.Open(context.Background(), "test0"); !errors.Is(err, camera.ErrDisabled) {
		t.Errorf("Open(disabled) = %v", err)
	}
	if err := e.CheckAccess("nope"); !errors.Is(err, camera.ErrDisconnected) {
		t.Errorf("CheckAccess(unknown) = %v", err)
	}

	dev, err := e.Open(context.Background(), "cam1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()
	if dev.Identity().ID != "cam1" {
		t.Errorf("opened %q", dev.Identity().ID)
	}
}

type failingDriver struct{}

func (failingDriver) Name() string { return "broken" }
func (failingDriver) Enumerate(context.Context) ([]camera.Identity, error) {
	return nil, errors.New("no bus")
}
func (failingDriver) CheckAccess(string) error { return nil }
func (failingDriver) Open(context.Context, string) (camera.Device, error) {
	return nil, errors.New("unreachable")
}

func TestEnumeratorSkipsBrokenDriver(t *testing.T) {
	e := camera.NewEnumerator(camera.EnumeratorOptions{}, failingDriver{}, testsrc.New(testsrc.Options{}))
	ids, err := e.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("got %d cameras, want 1", len(ids))
	}

	only := camera.NewEnumerator(camera.EnumeratorOptions{}, failingDriver{})
	if _, err := only.Enumerate(context.Background()); err == nil {
		t.Error("expected error when every driver fails")
	}
}
