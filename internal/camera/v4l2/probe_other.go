//go:build !linux

package v4l2

import (
	"context"
	"log/slog"
)

type noProber struct{}

func newSystemProber(*slog.Logger) prober { return noProber{} }

func (noProber) probe(context.Context) ([]probedDevice, error) { return nil, nil }

func watchRemoval(context.Context, string, *slog.Logger, func()) {}
