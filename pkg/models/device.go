package models

import "time"

// Device lifecycle statuses
const (
	DeviceStatusIdle      = "IDLE"
	DeviceStatusRecording = "RECORDING"
	DeviceStatusOffline   = "OFFLINE"
	DeviceStatusError     = "ERROR"
)

// Offline reasons, ordered by precedence when reporting
const (
	OfflineReasonNeverConnected   = "never_connected"
	OfflineReasonHeartbeatTimeout = "heartbeat_timeout"
	OfflineReasonConnectionLost   = "connection_lost"
)

// OnlineStatuses are the statuses that count as a live connection
var OnlineStatuses = []string{DeviceStatusIdle, DeviceStatusRecording}

// IsOnlineStatus reports whether the stored status counts as online
func IsOnlineStatus(status string) bool {
	for _, s := range OnlineStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Device is a registered capture device document
type Device struct {
	ID               string           `bson:"_id" json:"device_id"`
	Name             string           `bson:"device_name" json:"device_name"`
	Platform         string           `bson:"platform,omitempty" json:"platform,omitempty"`
	Status           string           `bson:"status" json:"status"`
	OfflineReason    *string          `bson:"offline_reason,omitempty" json:"offline_reason,omitempty"`
	ConnectionInfo   ConnectionInfo   `bson:"connection_info" json:"connection_info"`
	AudioConfig      AudioConfig      `bson:"audio_config" json:"audio_config"`
	ScheduleConfig   ScheduleConfig   `bson:"schedule_config" json:"schedule_config"`
	Statistics       DeviceStatistics `bson:"statistics" json:"statistics"`
	AssignedRouterID []string         `bson:"assigned_router_ids" json:"assigned_router_ids"`
	CreatedAt        time.Time        `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `bson:"updated_at" json:"updated_at"`
}

// ConnectionInfo tracks the device's current transport session
type ConnectionInfo struct {
	SessionID        *string    `bson:"session_id,omitempty" json:"session_id,omitempty"`
	IPAddress        string     `bson:"ip_address,omitempty" json:"ip_address,omitempty"`
	ConnectedAt      *time.Time `bson:"connected_at,omitempty" json:"connected_at,omitempty"`
	LastHeartbeat    *time.Time `bson:"last_heartbeat,omitempty" json:"last_heartbeat,omitempty"`
	CurrentRecording *string    `bson:"current_recording,omitempty" json:"current_recording,omitempty"`
}

// AudioConfig holds the capture parameters pushed to the device
type AudioConfig struct {
	DeviceIndex      int               `bson:"device_index" json:"device_index"`
	SampleRate       int               `bson:"sample_rate" json:"sample_rate"`
	Channels         int               `bson:"channels" json:"channels"`
	BitDepth         int               `bson:"bit_depth" json:"bit_depth"`
	AvailableDevices []AudioDeviceInfo `bson:"available_devices,omitempty" json:"available_devices,omitempty"`
}

// AudioDeviceInfo describes one capture endpoint reported by the device
type AudioDeviceInfo struct {
	Index      int    `bson:"index" json:"index"`
	Name       string `bson:"name" json:"name"`
	Channels   int    `bson:"channels" json:"channels"`
	SampleRate int    `bson:"sample_rate" json:"sample_rate"`
}

// ScheduleConfig drives unattended periodic capture
type ScheduleConfig struct {
	Enabled         bool    `bson:"enabled" json:"enabled"`
	IntervalSeconds int     `bson:"interval_seconds" json:"interval_seconds"`
	DurationSeconds int     `bson:"duration_seconds" json:"duration_seconds"`
	StartTime       *string `bson:"start_time,omitempty" json:"start_time,omitempty"`
	EndTime         *string `bson:"end_time,omitempty" json:"end_time,omitempty"`
	MaxSuccessCount *int    `bson:"max_success_count,omitempty" json:"max_success_count,omitempty"`
}

// DefaultScheduleConfig returns the schedule defaults applied on first registration
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Enabled:         false,
		IntervalSeconds: 3600,
		DurationSeconds: 10,
	}
}

// DeviceStatistics accumulates capture outcomes
type DeviceStatistics struct {
	TotalRecordings int        `bson:"total_recordings" json:"total_recordings"`
	SuccessCount    int        `bson:"success_count" json:"success_count"`
	ErrorCount      int        `bson:"error_count" json:"error_count"`
	LastRecordingAt *time.Time `bson:"last_recording_at,omitempty" json:"last_recording_at,omitempty"`
}
