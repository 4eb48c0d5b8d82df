package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDirSave(t *testing.T) {
	d, err := NewDir(filepath.Join(t.TempDir(), "captures"))
	if err != nil {
		t.Fatal(err)
	}

	path, err := d.Save("a.jpg", []byte("jpeg"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if path != filepath.Join(d.Root(), "a.jpg") {
		t.Errorf("path = %q", path)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "jpeg" {
		t.Errorf("contents = %q, %v", got, err)
	}

	if _, err := d.Save("a.jpg", []byte("other")); !errors.Is(err, ErrExists) {
		t.Errorf("second Save = %v, want ErrExists", err)
	}
	entries, err := d.List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %+v", entries)
	}
}

func TestDirRejectsPaths(t *testing.T) {
	d, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"", "../x.jpg", "sub/x.jpg", ".hidden"} {
		if _, err := d.Save(name, nil); err == nil {
			t.Errorf("Save(%q) succeeded", name)
		}
		if _, err := d.Create(name); err == nil {
			t.Errorf("Create(%q) succeeded", name)
		}
	}
}

func TestDirCreateSeeks(t *testing.T) {
	d, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	f, err := d.Create("v.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("0000moov")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("0008")); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(d.Path("v.mp4"))
	if string(got) != "0008moov" {
		t.Errorf("contents = %q", got)
	}
	if _, err := d.Create("v.mp4"); !errors.Is(err, ErrExists) {
		t.Errorf("Create over existing file = %v", err)
	}
}

func TestDirListNewestFirst(t *testing.T) {
	d, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	for _, name := range []string{"old.jpg", "new.jpg", "clip.mp4"} {
		if _, err := d.Save(name, []byte(name)); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Chtimes(d.Path("old.jpg"), old, old); err != nil {
		t.Fatal(err)
	}

	photos, err := d.List(".jpg")
	if err != nil {
		t.Fatal(err)
	}
	if len(photos) != 2 || photos[0].Name != "new.jpg" || photos[1].Name != "old.jpg" {
		t.Errorf("photos = %+v", photos)
	}
	if photos[0].Size != int64(len("new.jpg")) {
		t.Errorf("size = %d", photos[0].Size)
	}

	if err := d.Remove("clip.mp4"); err != nil {
		t.Fatal(err)
	}
	all, _ := d.List("")
	if len(all) != 2 {
		t.Errorf("entries after remove = %d", len(all))
	}
}
