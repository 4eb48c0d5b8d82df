package events

// Event type constants for kelindar/event.
const (
	TypeSessionStateChanged uint32 = iota + 1
	TypeSinkStarted
	TypeSinkStopped
	TypePhotoCaptured
	TypePhotoFailed
	TypeRecordingStarted
	TypeRecordingFinalized
	TypeCameraAdded
	TypeCameraRemoved
	TypeConfigReloaded
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// SessionStateChanged is published on every capture session transition.
type SessionStateChanged struct {
	CameraID  string `json:"camera_id" example:"test0" doc:"Camera identifier"`
	From      string `json:"from" example:"configuring" doc:"Previous session state"`
	To        string `json:"to" example:"active" doc:"New session state"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SessionStateChanged.
func (e SessionStateChanged) Type() uint32 { return TypeSessionStateChanged }

// SinkStarted is published once a sink reaches Running.
type SinkStarted struct {
	CameraID  string `json:"camera_id" example:"test0" doc:"Camera identifier"`
	Sink      string `json:"sink" example:"rtsp" doc:"Sink kind"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SinkStarted.
func (e SinkStarted) Type() uint32 { return TypeSinkStarted }

// SinkStopped is published when a sink leaves Running. Requested is false
// when the stop was caused by an error.
type SinkStopped struct {
	CameraID  string `json:"camera_id" example:"test0" doc:"Camera identifier"`
	Sink      string `json:"sink" example:"rtmp" doc:"Sink kind"`
	Requested bool   `json:"requested" doc:"True when stopped by a caller, false on error"`
	Reason    string `json:"reason,omitempty" example:"disconnected" doc:"Error reason when not requested"`
	Error     string `json:"error,omitempty" doc:"Error description when not requested"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SinkStopped.
func (e SinkStopped) Type() uint32 { return TypeSinkStopped }

// PhotoCaptured is published after a photo was persisted.
type PhotoCaptured struct {
	CameraID  string `json:"camera_id" example:"test0" doc:"Camera identifier"`
	Path      string `json:"path" example:"/var/lib/camnode/camnode_20250127_103000.jpg" doc:"Stored file"`
	Width     int    `json:"width" example:"1280" doc:"Image width"`
	Height    int    `json:"height" example:"960" doc:"Image height"`
	Rotation  int    `json:"rotation" example:"90" doc:"Rotation applied through the EXIF orientation"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for PhotoCaptured.
func (e PhotoCaptured) Type() uint32 { return TypePhotoCaptured }

// PhotoFailed is published when a photo could not be taken or stored.
type PhotoFailed struct {
	CameraID  string `json:"camera_id" example:"test0" doc:"Camera identifier"`
	Reason    string `json:"reason" example:"in_use" doc:"Error reason"`
	Error     string `json:"error" doc:"Error description"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for PhotoFailed.
func (e PhotoFailed) Type() uint32 { return TypePhotoFailed }

// RecordingStarted is published when an MP4 recording begins.
type RecordingStarted struct {
	CameraID  string `json:"camera_id" example:"test0" doc:"Camera identifier"`
	Path      string `json:"path" example:"/var/lib/camnode/camnode-20250127_103000.mp4" doc:"Output file"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for RecordingStarted.
func (e RecordingStarted) Type() uint32 { return TypeRecordingStarted }

// RecordingFinalized is published after the MP4 trailer was written.
type RecordingFinalized struct {
	CameraID  string `json:"camera_id" example:"test0" doc:"Camera identifier"`
	Path      string `json:"path" example:"/var/lib/camnode/camnode-20250127_103000.mp4" doc:"Output file"`
	Frames    int    `json:"frames" example:"300" doc:"Video frames written"`
	Error     string `json:"error,omitempty" doc:"Error that ended the recording, if any"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for RecordingFinalized.
func (e RecordingFinalized) Type() uint32 { return TypeRecordingFinalized }

// CameraAdded is published when a camera recorder is created.
type CameraAdded struct {
	CameraID   string `json:"camera_id" example:"video0" doc:"Camera identifier"`
	Name       string `json:"name" example:"USB Camera" doc:"Camera name"`
	LensFacing string `json:"lens_facing" example:"external" doc:"Lens facing"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for CameraAdded.
func (e CameraAdded) Type() uint32 { return TypeCameraAdded }

// CameraRemoved is published when a camera recorder is closed.
type CameraRemoved struct {
	CameraID  string `json:"camera_id" example:"video0" doc:"Camera identifier"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for CameraRemoved.
func (e CameraRemoved) Type() uint32 { return TypeCameraRemoved }

// ConfigReloaded is published when the capture table was reloaded from disk.
type ConfigReloaded struct {
	Cameras   int    `json:"cameras" example:"1" doc:"Recorders the configuration was pushed to"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ConfigReloaded.
func (e ConfigReloaded) Type() uint32 { return TypeConfigReloaded }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2025-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"api" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
