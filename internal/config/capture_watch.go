package config

import (
	"log/slog"

	"github.com/smazurov/camnode/internal/events"
	"github.com/smazurov/camnode/internal/media"
)

// CaptureApplier takes a reloaded capture configuration and reports how
// many cameras accepted it. *recorder.Manager implements it.
type CaptureApplier interface {
	UpdateConfig(cfg media.CaptureConfig) (int, error)
}

// WatchCapture starts a watcher that pushes the [capture] table of path to
// apply on every change and publishes ConfigReloaded. Cameras pick the
// new values up at their next (re)configuration.
func WatchCapture(
	path string,
	apply CaptureApplier,
	bus *events.Bus,
	logger *slog.Logger,
	opts ...WatcherOption[media.CaptureConfig],
) (*Watcher[media.CaptureConfig], error) {
	w := NewConfigWatcher(path, LoadCaptureConfig, logger, opts...)
	w.OnReload(func(cfg media.CaptureConfig) {
		n, err := apply.UpdateConfig(cfg)
		if err != nil {
			logger.Warn("Capture config rejected", "error", err)
		}
		logger.Info("Capture config reloaded",
			"cameras", n,
			"preview", cfg.PreviewSize.String(),
			"fps", cfg.PreviewFrameRate,
			"codec", string(cfg.Codec))
		bus.Publish(events.ConfigReloaded{Cameras: n, Timestamp: events.Now()})
	})
	if err := w.Start(); err != nil {
		return nil, err
	}
	return w, nil
}
