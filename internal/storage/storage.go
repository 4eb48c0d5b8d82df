// Package storage persists captured photos and recordings.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// ErrExists is returned by Create when name is already taken.
var ErrExists = fs.ErrExist

// File is an open output file. MP4 muxers need to seek back to patch
// box sizes, so plain writers are not enough.
type File interface {
	io.WriteSeeker
	io.Closer
	Name() string
}

// Entry describes a stored file.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Store is where captures end up.
type Store interface {
	// Create opens a new file for writing. It fails with ErrExists rather
	// than truncating an earlier capture.
	Create(name string) (File, error)
	// Save writes data to a new file and returns its path.
	Save(name string, data []byte) (string, error)
	Path(name string) string
	List(ext string) ([]Entry, error)
	Remove(name string) error
}

// Dir is a Store backed by a local directory.
type Dir struct {
	root string
}

// NewDir creates root if needed.
func NewDir(root string) (*Dir, error) {
	if root == "" {
		return nil, errors.New("storage directory not set")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &Dir{root: abs}, nil
}

// Root returns the directory files are written to.
func (d *Dir) Root() string { return d.root }

// Path returns the absolute path for name.
func (d *Dir) Path(name string) string { return filepath.Join(d.root, name) }

func (d *Dir) checkName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}

// Create implements Store.
func (d *Dir) Create(name string) (File, error) {
	if err := d.checkName(name); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(d.Path(name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Save implements Store. Data lands in a temporary file first so readers
// never see a partial photo.
func (d *Dir) Save(name string, data []byte) (string, error) {
	if err := d.checkName(name); err != nil {
		return "", err
	}
	path := d.Path(name)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%s: %w", name, ErrExists)
	}

	tmp, err := os.CreateTemp(d.root, ".tmp-"+name+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%s: %w", name, ErrExists)
		}
		return "", fmt.Errorf("store %s: %w", name, err)
	}
	return path, nil
}

// List returns the stored files with the given extension, newest first.
// An empty ext lists everything.
func (d *Dir) List(ext string) ([]Entry, error) {
	dirents, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("read storage directory: %w", err)
	}
	var out []Entry
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if ext != "" && !strings.EqualFold(filepath.Ext(name), ext) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{Name: name, Path: d.Path(name), Size: info.Size(), ModTime: info.ModTime()})
	}
	slices.SortFunc(out, func(a, b Entry) int {
		if c := b.ModTime.Compare(a.ModTime); c != 0 {
			return c
		}
		return strings.Compare(b.Name, a.Name)
	})
	return out, nil
}

// Remove deletes name.
func (d *Dir) Remove(name string) error {
	if err := d.checkName(name); err != nil {
		return err
	}
	return os.Remove(d.Path(name))
}
