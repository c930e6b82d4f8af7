package recorder

import (
	"errors"
	"math"
	"time"
)

// CameraID uniquely identifies a configured camera.
type CameraID string

// EventType classifies an external trigger ("motion", "alarm", or any other string).
type EventType string

const (
	EventMotion EventType = "motion"
	EventAlarm  EventType = "alarm"
)

// RecordingKind distinguishes continuous segments from event recordings in
// sidecar metadata and on disk.
type RecordingKind string

const (
	KindContinuous RecordingKind = "continuous"
	KindEvent      RecordingKind = "event"
)

var (
	// ErrCameraExists is returned when adding a camera whose id is already registered.
	ErrCameraExists = errors.New("camera already exists")

	// ErrCameraNotFound is returned for operations naming an unknown camera id.
	ErrCameraNotFound = errors.New("camera not found")

	// ErrInvalidEvent is returned for events missing a camera id or event type.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrInvalidConfig is returned for camera configs missing required fields.
	ErrInvalidConfig = errors.New("invalid camera config")
)

// Packet is one timestamped unit of encoded video. It is produced by the
// Ingestor and shared read-only with all consumers; Data must not be mutated
// after the packet has been published.
type Packet struct {
	Timestamp time.Time
	Data      []byte
	KeyFrame  bool
	StreamIdx int8
}

// Event is a normalized external trigger from either the push monitor or the
// manual API. Events are ephemeral; they are only persisted inside the sidecar
// metadata of the event recording they contribute to.
type Event struct {
	CameraID  CameraID
	Type      EventType
	Timestamp time.Time
	Metadata  map[string]any
}

// CameraConfig describes one camera. This also matches the input JSON payload
// for adding cameras and the cameras file loaded at startup.
type CameraConfig struct {
	ID        CameraID `json:"id"`
	Name      string   `json:"name"`
	StreamURL string   `json:"stream_url"`
	OnvifURL  string   `json:"onvif_url,omitempty"`
	Username  string   `json:"username,omitempty"`
	Password  string   `json:"password,omitempty"`
}

// SegmentMetadata is the sidecar written next to every finalized continuous
// segment. Times are epoch seconds to match the external tooling that consumes
// the recording tree.
type SegmentMetadata struct {
	CameraID   string  `json:"camera_id"`
	Type       string  `json:"type"`
	Start      float64 `json:"start_time"`
	End        float64 `json:"end_time"`
	Duration   float64 `json:"duration"`
	FrameCount int     `json:"frame_count"`
	File       string  `json:"file"`
}

// TriggeringEvent records one external event that contributed to an event
// recording session (the first trigger plus any coalesced extensions).
type TriggeringEvent struct {
	EventType string         `json:"event_type"`
	Timestamp float64        `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventMetadata is the sidecar written next to every finalized event
// recording. Keep marks the recording as exempt from retention sweeps.
type EventMetadata struct {
	CameraID          string            `json:"camera_id"`
	Type              string            `json:"type"`
	SessionID         string            `json:"session_id"`
	EventType         string            `json:"event_type"`
	TriggerTime       float64           `json:"trigger_time"`
	Start             float64           `json:"start_time"`
	End               float64           `json:"end_time"`
	Duration          float64           `json:"duration"`
	PreEventDuration  float64           `json:"pre_event_duration"`
	PostEventDuration float64           `json:"post_event_duration"`
	FrameCount        int               `json:"frame_count"`
	File              string            `json:"file"`
	Keep              bool              `json:"keep"`
	TriggeringEvents  []TriggeringEvent `json:"triggering_events"`
}

// CameraStatus is the per-camera view returned by the Supervisor.
type CameraStatus struct {
	CameraID           CameraID   `json:"camera_id"`
	Connected          bool       `json:"connected"`
	Healthy            bool       `json:"healthy"`
	ActiveSegmentStart *time.Time `json:"active_segment_start,omitempty"`
	EventSessionOpen   bool       `json:"event_session_open"`
	PacketsDropped     uint64     `json:"packets_dropped"`
}

// Status is the aggregate view returned by the Supervisor.
type Status struct {
	Running   bool                      `json:"running"`
	Cameras   int                       `json:"cameras"`
	CameraIDs []string                  `json:"camera_ids"`
	Details   map[CameraID]CameraStatus `json:"details"`
}

// EpochSeconds converts t to floating-point epoch seconds, the timestamp
// representation used on the external JSON boundary.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// TimeFromEpoch converts floating-point epoch seconds to a time.Time.
func TimeFromEpoch(sec float64) time.Time {
	s, frac := math.Modf(sec)
	return time.Unix(int64(s), int64(frac*float64(time.Second)))
}
