package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/smazurov/camnode/internal/storage"
)

// DefaultPrefix starts every capture file name.
const DefaultPrefix = "camnode"

const stampLayout = "20060102_150405"

// maxNameAttempts bounds the suffixes tried when several captures land in
// the same second.
const maxNameAttempts = 100

// PhotoName returns <prefix>_<yyyyMMdd_HHmmss>.jpg.
func PhotoName(prefix string, t time.Time) string {
	return fmt.Sprintf("%s_%s.jpg", prefixOrDefault(prefix), t.Format(stampLayout))
}

// VideoName returns <prefix>-<yyyyMMdd_HHmmss>.mp4.
func VideoName(prefix string, t time.Time) string {
	return fmt.Sprintf("%s-%s.mp4", prefixOrDefault(prefix), t.Format(stampLayout))
}

func prefixOrDefault(prefix string) string {
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}

// withSuffix turns name.ext into name_n.ext.
func withSuffix(name string, n int) string {
	if n == 0 {
		return name
	}
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return fmt.Sprintf("%s_%d%s", name[:i], n, name[i:])
		}
	}
	return fmt.Sprintf("%s_%d", name, n)
}

// createUnique retries create with a numeric suffix while the name is
// taken.
func createUnique[T any](name string, create func(string) (T, error)) (T, string, error) {
	var zero T
	for n := range maxNameAttempts {
		candidate := withSuffix(name, n)
		v, err := create(candidate)
		if err == nil {
			return v, candidate, nil
		}
		if !errors.Is(err, storage.ErrExists) {
			return zero, "", err
		}
	}
	return zero, "", fmt.Errorf("no free file name for %s", name)
}
