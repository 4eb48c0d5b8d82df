// Package logging provides slog loggers with per-module levels.
//
// Every module gets one logger from GetLogger. Records fan out to stdout
// (text or json), the systemd journal when journald is reachable, and an
// in-memory ring buffer that backs the log stream of the HTTP API.
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"session": "debug",
//			"api":     "warn",
//		},
//	})
//
//	logger := logging.GetLogger("sinks").With("camera_id", id)
//	logger.Info("Sink started", "sink", "rtsp")
//
// Loggers obtained before Initialize stay valid: Initialize swaps their
// output and level in place.
//
// Journal entries carry SYSLOG_IDENTIFIER=camnode and every attribute as
// an upper-case field:
//
//	journalctl -t camnode -f
//	journalctl -t camnode MODULE=session CAMERA_ID=video0
//
// TOML configuration:
//
//	[logging]
//	level = "info"
//	format = "json"
//
//	[logging.modules]
//	session = "debug"
//	webrtc = "warn"
package logging
