package edge

import "soundfleet/pkg/models"

// Inbound events (device to server)
const (
	EventRegister             = "register"
	EventHeartbeat            = "heartbeat"
	EventRecordingStarted     = "recording_started"
	EventRecordingProgress    = "recording_progress"
	EventRecordingCompleted   = "recording_completed"
	EventRecordingFailed      = "recording_failed"
	EventAudioDevicesResponse = "audio_devices_response"
	EventStatusChanged        = "status_changed"
)

// Outbound events (server to device)
const (
	EventRegistered        = "registered"
	EventRecord            = "record"
	EventStop              = "stop"
	EventUpdateConfig      = "update_config"
	EventQueryAudioDevices = "query_audio_devices"
	EventError             = "error"
)

// RegisterPayload is what a device announces on connect. A missing
// device id means the server generates one and the device persists it.
// The capture endpoint list is optional; devices may also report it
// later through audio_devices_response.
type RegisterPayload struct {
	DeviceID     string                   `json:"device_id,omitempty"`
	Name         string                   `json:"device_name"`
	Platform     string                   `json:"platform,omitempty"`
	AudioDevices []models.AudioDeviceInfo `json:"audio_devices,omitempty"`
}

// HeartbeatPayload optionally piggybacks a status report
type HeartbeatPayload struct {
	Status      string `json:"status,omitempty"`
	RecordingID string `json:"recording_id,omitempty"`
}

// RegisteredPayload acknowledges a registration
type RegisteredPayload struct {
	DeviceID string `json:"device_id"`
	IsNew    bool   `json:"is_new"`
}

// RecordingStartedPayload marks the beginning of a capture
type RecordingStartedPayload struct {
	RecordingID string `json:"recording_id"`
}

// RecordingProgressPayload reports capture progress
type RecordingProgressPayload struct {
	RecordingID string  `json:"recording_id"`
	Progress    float64 `json:"progress"`
}

// RecordingCompletedPayload marks a finished, uploaded capture
type RecordingCompletedPayload struct {
	RecordingID string `json:"recording_id"`
}

// RecordingFailedPayload marks an aborted capture
type RecordingFailedPayload struct {
	RecordingID string `json:"recording_id"`
	Error       string `json:"error"`
}

// AudioDevicesPayload lists the capture endpoints a device found
type AudioDevicesPayload struct {
	Devices []models.AudioDeviceInfo `json:"devices"`
}

// StatusChangedPayload reports a device-driven status change
type StatusChangedPayload struct {
	Status      string `json:"status"`
	RecordingID string `json:"recording_id,omitempty"`
}

// RecordCommand asks a device to start capturing
type RecordCommand struct {
	RecordingID     string `json:"recording_id"`
	DurationSeconds int    `json:"duration_seconds"`
}

// ErrorPayload tells a device a request failed
type ErrorPayload struct {
	Message string `json:"message"`
}
