// Package metrics provides Prometheus metrics for the capture pipeline,
// encoders and sinks.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "camnode"

var (
	framesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "frames_dispatched_total",
		Help:      "Frames handed to the distributor",
	}, []string{"camera_id"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped because a consumer mailbox was full",
	}, []string{"camera_id", "consumer"})

	conversionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "conversion_errors_total",
		Help:      "Frames dropped because format conversion failed",
	}, []string{"camera_id", "format"})

	sessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "state",
		Help:      "Capture session state (0 closed, 1 opening, 2 configuring, 3 active, 4 closing, 5 failed)",
	}, []string{"camera_id"})

	sessionOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "opens_total",
		Help:      "Hardware sessions opened",
	}, []string{"camera_id"})

	sessionConsumers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "consumers",
		Help:      "Handles currently holding the session",
	}, []string{"camera_id"})

	encoderFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "encoder",
		Name:      "frames_total",
		Help:      "Encoded frames produced",
	}, []string{"encoder_id"})

	encoderDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "encoder",
		Name:      "dropped_frames_total",
		Help:      "Input frames dropped while the encoder was not accepting input",
	}, []string{"encoder_id"})

	encoderRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "encoder",
		Name:      "restarts_total",
		Help:      "Encoder subprocess restarts",
	}, []string{"encoder_id"})

	sinkRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sink",
		Name:      "running",
		Help:      "Whether the sink is running",
	}, []string{"camera_id", "sink"})

	sinkBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sink",
		Name:      "bytes_sent_total",
		Help:      "Bytes written to the sink transport",
	}, []string{"camera_id", "sink"})

	sinkQueueDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sink",
		Name:      "queue_dropped_total",
		Help:      "Encoded frames dropped while resynchronizing on a key frame",
	}, []string{"camera_id", "sink"})

	mjpegClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "mjpeg",
		Name:      "clients",
		Help:      "Connected MJPEG clients",
	}, []string{"camera_id"})

	photos = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "photos_total",
		Help:      "Photo capture attempts by result",
	}, []string{"camera_id", "result"})

	webrtcViewers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "webrtc",
		Name:      "viewers",
		Help:      "WebRTC viewers attached to a published path",
	}, []string{"path"})

	webrtcSentBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webrtc",
		Name:      "sent_bytes_total",
		Help:      "RTP bytes written to WebRTC viewers",
	}, []string{"path"})

	webrtcSentPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webrtc",
		Name:      "sent_packets_total",
		Help:      "RTP packets written to WebRTC viewers",
	}, []string{"path"})

	webrtcFeedback = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webrtc",
		Name:      "feedback_total",
		Help:      "RTCP feedback received from viewers by kind (rtcp, nack, pli, fir)",
	}, []string{"path", "kind"})

	// Local cache for the session status API.
	cameraCache   = make(map[string]*CameraStats)
	cameraCacheMu sync.RWMutex
)

// CameraStats holds current values for one camera.
type CameraStats struct {
	FramesDispatched uint64            `json:"frames_dispatched"`
	FramesDropped    map[string]uint64 `json:"frames_dropped,omitempty"`
	Opens            uint64            `json:"opens"`
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncFramesDispatched counts one frame handed to the distributor.
func IncFramesDispatched(cameraID string) {
	framesDispatched.WithLabelValues(cameraID).Inc()
	updateCache(cameraID, func(s *CameraStats) { s.FramesDispatched++ })
}

// IncFramesDropped counts one frame dropped for consumer.
func IncFramesDropped(cameraID, consumer string) {
	framesDropped.WithLabelValues(cameraID, consumer).Inc()
	updateCache(cameraID, func(s *CameraStats) {
		if s.FramesDropped == nil {
			s.FramesDropped = make(map[string]uint64)
		}
		s.FramesDropped[consumer]++
	})
}

// IncConversionErrors counts a failed conversion to format.
func IncConversionErrors(cameraID, format string) {
	conversionErrors.WithLabelValues(cameraID, format).Inc()
}

// SetSessionState records the numeric session state.
func SetSessionState(cameraID string, state int) {
	sessionState.WithLabelValues(cameraID).Set(float64(state))
}

// IncSessionOpens counts one hardware open.
func IncSessionOpens(cameraID string) {
	sessionOpens.WithLabelValues(cameraID).Inc()
	updateCache(cameraID, func(s *CameraStats) { s.Opens++ })
}

// SetSessionConsumers records the handle count.
func SetSessionConsumers(cameraID string, n int) {
	sessionConsumers.WithLabelValues(cameraID).Set(float64(n))
}

// IncEncoderFrames counts one encoded frame.
func IncEncoderFrames(encoderID string) {
	encoderFrames.WithLabelValues(encoderID).Inc()
}

// IncEncoderDropped counts one input frame the encoder could not take.
func IncEncoderDropped(encoderID string) {
	encoderDropped.WithLabelValues(encoderID).Inc()
}

// IncEncoderRestarts counts one subprocess restart.
func IncEncoderRestarts(encoderID string) {
	encoderRestarts.WithLabelValues(encoderID).Inc()
}

// SetSinkRunning records whether a sink is running.
func SetSinkRunning(cameraID, sink string, running bool) {
	v := 0.0
	if running {
		v = 1
	}
	sinkRunning.WithLabelValues(cameraID, sink).Set(v)
}

// AddSinkBytes counts bytes written by a sink.
func AddSinkBytes(cameraID, sink string, n int) {
	sinkBytes.WithLabelValues(cameraID, sink).Add(float64(n))
}

// IncSinkQueueDropped counts one encoded frame dropped by a sink queue.
func IncSinkQueueDropped(cameraID, sink string) {
	sinkQueueDropped.WithLabelValues(cameraID, sink).Inc()
}

// SetMJPEGClients records the connected MJPEG client count.
func SetMJPEGClients(cameraID string, n int) {
	mjpegClients.WithLabelValues(cameraID).Set(float64(n))
}

// IncPhotos counts a photo attempt with result "ok" or "error".
func IncPhotos(cameraID, result string) {
	photos.WithLabelValues(cameraID, result).Inc()
}

// RTCP feedback kinds counted by IncWebRTCFeedback.
const (
	FeedbackRTCP = "rtcp"
	FeedbackNACK = "nack"
	FeedbackPLI  = "pli"
	FeedbackFIR  = "fir"
)

// SetWebRTCViewers records the viewer count of a published path.
func SetWebRTCViewers(path string, n int) {
	webrtcViewers.WithLabelValues(path).Set(float64(n))
}

// AddWebRTCSent counts one RTP packet of n bytes sent to a viewer of path.
func AddWebRTCSent(path string, n int) {
	webrtcSentPackets.WithLabelValues(path).Inc()
	webrtcSentBytes.WithLabelValues(path).Add(float64(n))
}

// IncWebRTCFeedback adds n feedback items of kind received on path.
func IncWebRTCFeedback(path, kind string, n int) {
	webrtcFeedback.WithLabelValues(path, kind).Add(float64(n))
}

// DeleteWebRTCMetrics drops the viewer gauge of a path that is no longer
// published.
func DeleteWebRTCMetrics(path string) {
	webrtcViewers.DeleteLabelValues(path)
}

// GetCameraStats returns a copy of the cached values for cameraID.
func GetCameraStats(cameraID string) *CameraStats {
	cameraCacheMu.RLock()
	defer cameraCacheMu.RUnlock()
	s, ok := cameraCache[cameraID]
	if !ok {
		return nil
	}
	dup := *s
	if s.FramesDropped != nil {
		dup.FramesDropped = make(map[string]uint64, len(s.FramesDropped))
		for k, v := range s.FramesDropped {
			dup.FramesDropped[k] = v
		}
	}
	return &dup
}

// DeleteCameraMetrics removes cached values for cameraID.
func DeleteCameraMetrics(cameraID string) {
	sessionState.DeleteLabelValues(cameraID)
	sessionConsumers.DeleteLabelValues(cameraID)
	mjpegClients.DeleteLabelValues(cameraID)

	cameraCacheMu.Lock()
	delete(cameraCache, cameraID)
	cameraCacheMu.Unlock()
}

func updateCache(cameraID string, update func(*CameraStats)) {
	cameraCacheMu.Lock()
	defer cameraCacheMu.Unlock()
	s, ok := cameraCache[cameraID]
	if !ok {
		s = &CameraStats{}
		cameraCache[cameraID] = s
	}
	update(s)
}
