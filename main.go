package main

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/camnode/cmd"
	"github.com/smazurov/camnode/internal/api"
	"github.com/smazurov/camnode/internal/audio"
	"github.com/smazurov/camnode/internal/camera"
	"github.com/smazurov/camnode/internal/camera/v4l2"
	"github.com/smazurov/camnode/internal/config"
	"github.com/smazurov/camnode/internal/encoder"
	"github.com/smazurov/camnode/internal/events"
	"github.com/smazurov/camnode/internal/logging"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/metrics"
	"github.com/smazurov/camnode/internal/recorder"
	"github.com/smazurov/camnode/internal/session"
	"github.com/smazurov/camnode/internal/storage"
	"github.com/smazurov/camnode/internal/streaming"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port       string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`
	CORSOrigin string `help:"Allowed CORS origin" default:"*" toml:"server.cors_origin" env:"SERVER_CORS_ORIGIN"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Camera settings
	CameraDriver       string `help:"Camera driver (v4l2, testsrc)" default:"v4l2" toml:"camera.driver" env:"CAMERA_DRIVER"`
	CameraStartTimeout string `help:"Wait for the first frame after start" default:"5s" toml:"camera.start_timeout" env:"CAMERA_START_TIMEOUT"`
	CameraMaxRestarts  int    `help:"Capture process restarts before a camera is reported gone" default:"3" toml:"camera.max_restarts" env:"CAMERA_MAX_RESTARTS"`

	// Session settings
	SessionIdleGrace      string `help:"Keep an unused camera open this long" default:"500ms" toml:"session.idle_grace" env:"SESSION_IDLE_GRACE"`
	SessionAcquireTimeout string `help:"Give up opening a camera after" default:"5s" toml:"session.acquire_timeout" env:"SESSION_ACQUIRE_TIMEOUT"`
	SessionMailboxSize    int    `help:"Frames queued per consumer" default:"4" toml:"session.mailbox_size" env:"SESSION_MAILBOX_SIZE"`
	SessionJPEGQuality    int    `help:"JPEG quality of converted preview frames" default:"85" toml:"session.jpeg_quality" env:"SESSION_JPEG_QUALITY"`

	// MJPEG settings
	MJPEGAddr       string `help:"MJPEG listen address of the first camera" default:":8081" toml:"mjpeg.addr" env:"MJPEG_ADDR"`
	MJPEGMaxClients int    `help:"Max MJPEG viewers per camera" default:"8" toml:"mjpeg.max_clients" env:"MJPEG_MAX_CLIENTS"`
	MJPEGOnDemand   bool   `help:"Open the camera only while a viewer is connected; when false the camera is acquired at sink start, before the first client" default:"false" toml:"mjpeg.on_demand" env:"MJPEG_ON_DEMAND"`

	// RTSP settings
	RTSPEnabled bool   `help:"Enable the RTSP server" default:"true" toml:"rtsp.enabled" env:"RTSP_ENABLED"`
	RTSPAddr    string `help:"RTSP server address" default:":8554" toml:"rtsp.addr" env:"RTSP_ADDR"`

	// Push targets
	RTMPURL string `help:"Default RTMP publish URL" toml:"rtmp.url" env:"RTMP_URL"`
	SRTURL  string `help:"Default SRT publish URL" toml:"srt.url" env:"SRT_URL"`

	// Storage settings
	StorageDir         string `help:"Directory for photos and recordings" default:"captures" toml:"storage.dir" env:"STORAGE_DIR"`
	StoragePhotoPrefix string `help:"Photo file name prefix" default:"IMG" toml:"storage.photo_prefix" env:"STORAGE_PHOTO_PREFIX"`
	StorageVideoPrefix string `help:"Recording file name prefix" default:"VID" toml:"storage.video_prefix" env:"STORAGE_VIDEO_PREFIX"`

	// Audio settings
	AudioCheck bool `help:"Validate audio settings against ALSA capture devices" default:"true" toml:"audio.check" env:"AUDIO_CHECK"`

	// WebRTC settings
	WebRTCICEServers string `help:"Comma separated STUN/TURN URLs" toml:"webrtc.ice_servers" env:"WEBRTC_ICE_SERVERS"`

	// Logging settings
	LoggingLevel     string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat    string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingCamera    string `help:"Camera logging level" toml:"logging.camera" env:"LOGGING_CAMERA"`
	LoggingSession   string `help:"Session logging level" toml:"logging.session" env:"LOGGING_SESSION"`
	LoggingPipeline  string `help:"Pipeline logging level" toml:"logging.pipeline" env:"LOGGING_PIPELINE"`
	LoggingSinks     string `help:"Sinks logging level" toml:"logging.sinks" env:"LOGGING_SINKS"`
	LoggingCapture   string `help:"Capture logging level" toml:"logging.capture" env:"LOGGING_CAPTURE"`
	LoggingEncoder   string `help:"Encoder logging level" toml:"logging.encoder" env:"LOGGING_ENCODER"`
	LoggingStreaming string `help:"Streaming server logging level" toml:"logging.streaming" env:"LOGGING_STREAMING"`
	LoggingWebRTC    string `help:"WebRTC logging level" toml:"logging.webrtc" env:"LOGGING_WEBRTC"`
	LoggingAPI       string `help:"API logging level" toml:"logging.api" env:"LOGGING_API"`
}

// loggingConfig merges the [logging] table with the flat options. Module
// levels left empty keep what the file says.
func (o *Options) loggingConfig() logging.Config {
	cfg := config.LoadLoggingConfig(o.Config)
	cfg.Level = o.LoggingLevel
	cfg.Format = o.LoggingFormat
	for module, level := range map[string]string{
		"camera":    o.LoggingCamera,
		"session":   o.LoggingSession,
		"pipeline":  o.LoggingPipeline,
		"sinks":     o.LoggingSinks,
		"capture":   o.LoggingCapture,
		"encoder":   o.LoggingEncoder,
		"streaming": o.LoggingStreaming,
		"webrtc":    o.LoggingWebRTC,
		"api":       o.LoggingAPI,
	} {
		if level != "" {
			cfg.Modules[module] = level
		}
	}
	return cfg
}

func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	var root *cobra.Command

	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.LoadConfig(opts, root); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(opts.loggingConfig())
		logger := logging.GetLogger("main")

		eventBus := events.New()
		logging.SetLogCallback(api.ForwardLogs(eventBus))

		file, err := config.LoadFile(opts.Config)
		if err != nil {
			logger.Warn("Failed to load camera and capture tables", "error", err)
		}
		captureCfg, err := file.Capture.CaptureConfig()
		if err != nil {
			logger.Warn("Invalid capture config, using defaults", "error", err)
			captureCfg = media.CaptureConfig{}.WithDefaults()
		}

		enumOpts := file.Camera.EnumeratorOptions()
		enumOpts.Logger = logging.GetLogger("camera")
		driver, err := cmd.NewDriver(opts.CameraDriver, v4l2.Options{
			StartTimeout: duration(opts.CameraStartTimeout, 5*time.Second),
			MaxRestarts:  opts.CameraMaxRestarts,
		})
		if err != nil {
			logger.Error("Invalid camera driver", "error", err)
			os.Exit(1)
		}
		cameras := camera.NewEnumerator(enumOpts, driver)

		// Initialize streaming server (RTSP + WebRTC)
		streamingLogger := logging.GetLogger("streaming")
		streamingHub := streaming.NewHub(streamingLogger)
		streamingServer := streaming.NewServer(streamingHub, streamingLogger)
		webrtcManager := streaming.NewWebRTCManager(streamingHub, streaming.WebRTCOptions{
			ICEServers: streaming.ICEServersFromURLs(splitList(opts.WebRTCICEServers)),
		}, logging.GetLogger("webrtc"))

		// Close WebRTC viewers when an RTSP sink stops so they reconnect to the next one.
		streamingHub.SetOnPublisherRemoved(func(streamID string) {
			streamingLogger.Info("Publisher removed, closing WebRTC consumers", "stream_id", streamID)
			webrtcManager.CloseStreamConsumers(streamID)
		})

		defaults := recorder.Options{
			Config:          captureCfg,
			IdleGrace:       duration(opts.SessionIdleGrace, session.DefaultIdleGrace),
			AcquireTimeout:  duration(opts.SessionAcquireTimeout, session.DefaultAcquireTimeout),
			MailboxSize:     opts.SessionMailboxSize,
			JPEGQuality:     opts.SessionJPEGQuality,
			PhotoPrefix:     opts.StoragePhotoPrefix,
			VideoPrefix:     opts.StorageVideoPrefix,
			NewEncoder:      encoder.NewFFmpegFactory(encoder.NewCatalog(), media.FormatYUV420),
			MJPEGAddr:       opts.MJPEGAddr,
			MJPEGMaxClients: opts.MJPEGMaxClients,
			MJPEGOnDemand:   opts.MJPEGOnDemand,
			RTMPURL:         opts.RTMPURL,
			SRTURL:          opts.SRTURL,
		}
		if opts.RTSPEnabled {
			defaults.Hub = streamingHub
		}
		if opts.StorageDir != "" {
			store, storeErr := storage.NewDir(opts.StorageDir)
			if storeErr != nil {
				logger.Warn("Storage unavailable, photos and recordings disabled", "dir", opts.StorageDir, "error", storeErr)
			} else {
				defaults.Store = store
			}
		}
		if opts.AudioCheck {
			defaults.AudioCheck = audio.Checker(audio.NewDetector())
		}

		manager := recorder.NewManager(recorder.ManagerOptions{
			Cameras:  cameras,
			Defaults: defaults,
			Bus:      eventBus,
		})

		server := api.NewServer(&api.Options{
			AuthUsername:      opts.AuthUsername,
			AuthPassword:      opts.AuthPassword,
			AllowOrigin:       opts.CORSOrigin,
			Cameras:           manager,
			EventBus:          eventBus,
			WebRTC:            webrtcManager,
			PrometheusHandler: metrics.Handler(),
		})

		var watcher *config.Watcher[media.CaptureConfig]

		hooks.OnStart(func() {
			// RTSP must listen before any sink publishes to it.
			if opts.RTSPEnabled {
				if startErr := streamingServer.Start(opts.RTSPAddr); startErr != nil {
					logger.Error("Failed to start RTSP server", "error", startErr)
					os.Exit(1)
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if initErr := manager.Init(ctx); initErr != nil {
				logger.Warn("Camera enumeration failed", "error", initErr)
			}
			cancel()
			logger.Info("Cameras ready", "count", len(manager.List()), "driver", driver.Name())

			if opts.Config != "" {
				w, watchErr := config.WatchCapture(opts.Config, manager, eventBus, logging.GetLogger("config"))
				if watchErr != nil {
					logger.Warn("Config file watch disabled", "path", opts.Config, "error", watchErr)
				} else {
					watcher = w
				}
			}

			logger.Info("Starting HTTP server", "port", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if stopErr := server.Stop(ctx); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}

			if watcher != nil {
				if stopErr := watcher.Stop(); stopErr != nil {
					logger.Warn("Error stopping config watcher", "error", stopErr)
				}
			}

			// Sinks stop before the RTSP server so publishers unregister cleanly.
			if closeErr := manager.Close(); closeErr != nil {
				logger.Error("Error closing cameras", "error", closeErr)
			}

			webrtcManager.Stop()
			if opts.RTSPEnabled {
				if stopErr := streamingServer.Stop(); stopErr != nil {
					logger.Error("Error stopping RTSP server", "error", stopErr)
				}
			}
			streamingHub.Stop()
		})
	})

	root = cli.Root()
	root.Use = "camnode"
	root.Short = "Camera capture sessions with MJPEG, RTSP, RTMP and SRT sinks"

	root.AddCommand(cmd.CreateCamerasCmd())
	root.AddCommand(cmd.CreateEncodersCmd())

	cli.Run()
}
