package edge

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"soundfleet/internal/devices"
	"soundfleet/internal/dispatch"
	"soundfleet/pkg/logging"
	"soundfleet/pkg/models"
)

// DeviceStore is the device persistence the manager drives
type DeviceStore interface {
	Register(ctx context.Context, req devices.RegisterRequest) (*devices.RegisterResult, error)
	Heartbeat(ctx context.Context, deviceID string) error
	SetOffline(ctx context.Context, deviceID, reason string) error
	SetRecording(ctx context.Context, deviceID, recordingID string) error
	ClearRecording(ctx context.Context, deviceID string) error
	GetByID(ctx context.Context, deviceID string) (*models.Device, error)
	GetBySessionID(ctx context.Context, sessionID string) (*models.Device, error)
	IncrementRecordingStats(ctx context.Context, deviceID string, success bool) (bool, error)
	UpdateAvailableDevices(ctx context.Context, deviceID string, available []models.AudioDeviceInfo) error
}

// TaskDispatcher applies router ids to a finished recording
type TaskDispatcher interface {
	DispatchByRouterIDs(ctx context.Context, recordingID string, routerIDs []string, sequential bool) dispatch.Result
}

// Notifier pushes device lifecycle events to UI subscribers
type Notifier interface {
	BroadcastEvent(eventType, channel string, data map[string]interface{})
}

// ScheduleControl lets the manager drop capture timers for devices
// that went offline or hit their success limit
type ScheduleControl interface {
	Drop(deviceID string)
}

// Manager binds the device websocket transport to the device store,
// the dispatcher and the schedule runner
type Manager struct {
	hub       *Hub
	store     DeviceStore
	tasks     TaskDispatcher
	notifier  Notifier
	schedules ScheduleControl
	logger    logging.Logger
}

// NewManager creates the manager and installs its event handlers on
// the hub
func NewManager(hub *Hub, store DeviceStore, tasks TaskDispatcher, notifier Notifier, schedules ScheduleControl, logger logging.Logger) *Manager {
	m := &Manager{
		hub:       hub,
		store:     store,
		tasks:     tasks,
		notifier:  notifier,
		schedules: schedules,
		logger:    logger,
	}

	hub.On(EventRegister, m.handleRegister)
	hub.On(EventHeartbeat, m.handleHeartbeat)
	hub.On(EventRecordingStarted, m.handleRecordingStarted)
	hub.On(EventRecordingProgress, m.handleRecordingProgress)
	hub.On(EventRecordingCompleted, m.handleRecordingCompleted)
	hub.On(EventRecordingFailed, m.handleRecordingFailed)
	hub.On(EventAudioDevicesResponse, m.handleAudioDevices)
	hub.On(EventStatusChanged, m.handleStatusChanged)
	hub.OnDisconnect(m.handleDisconnect)

	return m
}

// handleRegister covers all three registration paths: a known device
// reconnecting, a device bringing its own id the server has never
// seen, and a fresh device that gets a generated id to persist.
func (m *Manager) handleRegister(ctx context.Context, session *Session, data json.RawMessage) {
	var payload RegisterPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		session.Send(EventError, ErrorPayload{Message: "invalid register payload"})
		return
	}
	if payload.DeviceID == "" {
		payload.DeviceID = uuid.New().String()
	}

	result, err := m.store.Register(ctx, devices.RegisterRequest{
		DeviceID:     payload.DeviceID,
		Name:         payload.Name,
		Platform:     payload.Platform,
		SessionID:    session.SessionID(),
		IPAddress:    session.RemoteAddr(),
		AudioDevices: payload.AudioDevices,
	})
	if err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"device_id": payload.DeviceID,
		}).Error("Device registration failed")
		session.Send(EventError, ErrorPayload{Message: "registration failed"})
		return
	}

	m.hub.BindDevice(session, payload.DeviceID)
	session.Send(EventRegistered, RegisteredPayload{
		DeviceID: payload.DeviceID,
		IsNew:    result.IsNew,
	})

	m.broadcast("device_online", map[string]interface{}{
		"device_id": payload.DeviceID,
		"is_new":    result.IsNew,
		"recovered": result.Recovered,
		"status":    result.Device.Status,
	})
}

func (m *Manager) handleHeartbeat(ctx context.Context, session *Session, data json.RawMessage) {
	deviceID := session.DeviceID()
	if deviceID == "" {
		session.Send(EventError, ErrorPayload{Message: "not registered"})
		return
	}
	if err := m.store.Heartbeat(ctx, deviceID); err != nil && !errors.Is(err, devices.ErrDeviceNotFound) {
		m.logger.WithError(err).WithFields(logging.Fields{
			"device_id": deviceID,
		}).Error("Failed to record heartbeat")
	}

	// A heartbeat may piggyback a status report
	var payload HeartbeatPayload
	if len(data) > 0 && json.Unmarshal(data, &payload) == nil && payload.Status != "" {
		m.applyDeviceStatus(ctx, deviceID, payload.Status, payload.RecordingID)
	}
}

func (m *Manager) handleStatusChanged(ctx context.Context, session *Session, data json.RawMessage) {
	deviceID := session.DeviceID()
	if deviceID == "" {
		return
	}

	var payload StatusChangedPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Status == "" {
		return
	}
	m.applyDeviceStatus(ctx, deviceID, payload.Status, payload.RecordingID)
}

func (m *Manager) applyDeviceStatus(ctx context.Context, deviceID, status, recordingID string) {
	var err error
	switch status {
	case models.DeviceStatusRecording:
		if recordingID == "" {
			return
		}
		err = m.store.SetRecording(ctx, deviceID, recordingID)
	case models.DeviceStatusIdle:
		err = m.store.ClearRecording(ctx, deviceID)
	default:
		return
	}
	if err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"device_id": deviceID,
			"status":    status,
		}).Error("Failed to apply reported device status")
	}
}

func (m *Manager) handleRecordingStarted(ctx context.Context, session *Session, data json.RawMessage) {
	deviceID := session.DeviceID()
	if deviceID == "" {
		return
	}

	var payload RecordingStartedPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RecordingID == "" {
		session.Send(EventError, ErrorPayload{Message: "invalid recording_started payload"})
		return
	}

	if err := m.store.SetRecording(ctx, deviceID, payload.RecordingID); err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"device_id":    deviceID,
			"recording_id": payload.RecordingID,
		}).Error("Failed to mark device recording")
		return
	}

	m.broadcast("recording_started", map[string]interface{}{
		"device_id":    deviceID,
		"recording_id": payload.RecordingID,
	})
}

func (m *Manager) handleRecordingProgress(_ context.Context, session *Session, data json.RawMessage) {
	deviceID := session.DeviceID()
	if deviceID == "" {
		return
	}

	var payload RecordingProgressPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	// Progress is transient UI state, never persisted
	m.broadcast("recording_progress", map[string]interface{}{
		"device_id":    deviceID,
		"recording_id": payload.RecordingID,
		"progress":     payload.Progress,
	})
}

// handleRecordingCompleted returns the device to idle, updates its
// counters and hands the recording to the dispatcher through the
// device's assigned router ids, in order.
func (m *Manager) handleRecordingCompleted(ctx context.Context, session *Session, data json.RawMessage) {
	deviceID := session.DeviceID()
	if deviceID == "" {
		return
	}

	var payload RecordingCompletedPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RecordingID == "" {
		session.Send(EventError, ErrorPayload{Message: "invalid recording_completed payload"})
		return
	}

	if err := m.store.ClearRecording(ctx, deviceID); err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"device_id": deviceID,
		}).Error("Failed to clear recording state")
	}

	scheduleDisabled, err := m.store.IncrementRecordingStats(ctx, deviceID, true)
	if err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"device_id": deviceID,
		}).Error("Failed to update recording statistics")
	}
	if scheduleDisabled {
		m.schedules.Drop(deviceID)
	}

	device, err := m.store.GetByID(ctx, deviceID)
	if err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"device_id": deviceID,
		}).Error("Failed to load device for dispatch")
		return
	}

	result := m.tasks.DispatchByRouterIDs(ctx, payload.RecordingID, device.AssignedRouterID, true)

	m.logger.WithFields(logging.Fields{
		"device_id":    deviceID,
		"recording_id": payload.RecordingID,
		"dispatched":   result.Dispatched,
		"skipped":      result.Skipped,
		"failed":       result.Failed,
	}).Info("Recording completed")

	m.broadcast("recording_completed", map[string]interface{}{
		"device_id":    deviceID,
		"recording_id": payload.RecordingID,
		"dispatched":   result.Dispatched,
	})
}

func (m *Manager) handleRecordingFailed(ctx context.Context, session *Session, data json.RawMessage) {
	deviceID := session.DeviceID()
	if deviceID == "" {
		return
	}

	var payload RecordingFailedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	if err := m.store.ClearRecording(ctx, deviceID); err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"device_id": deviceID,
		}).Error("Failed to clear recording state")
	}
	if _, err := m.store.IncrementRecordingStats(ctx, deviceID, false); err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"device_id": deviceID,
		}).Error("Failed to update recording statistics")
	}

	m.logger.WithFields(logging.Fields{
		"device_id":    deviceID,
		"recording_id": payload.RecordingID,
		"error":        payload.Error,
	}).Warn("Recording failed on device")

	m.broadcast("recording_failed", map[string]interface{}{
		"device_id":    deviceID,
		"recording_id": payload.RecordingID,
		"error":        payload.Error,
	})
}

func (m *Manager) handleAudioDevices(ctx context.Context, session *Session, data json.RawMessage) {
	deviceID := session.DeviceID()
	if deviceID == "" {
		return
	}

	var payload AudioDevicesPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	if err := m.store.UpdateAvailableDevices(ctx, deviceID, payload.Devices); err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"device_id": deviceID,
		}).Error("Failed to store available audio devices")
	}
}

// handleDisconnect resolves the device from its session id so a
// superseded session cannot knock a reconnected device offline.
func (m *Manager) handleDisconnect(ctx context.Context, session *Session) {
	device, err := m.store.GetBySessionID(ctx, session.SessionID())
	if err != nil {
		if !errors.Is(err, devices.ErrDeviceNotFound) {
			m.logger.WithError(err).Error("Failed to resolve disconnected session")
		}
		return
	}

	if err := m.store.SetOffline(ctx, device.ID, models.OfflineReasonConnectionLost); err != nil {
		m.logger.WithError(err).WithFields(logging.Fields{
			"device_id": device.ID,
		}).Error("Failed to set device offline")
		return
	}
	m.schedules.Drop(device.ID)

	m.broadcast("device_offline", map[string]interface{}{
		"device_id": device.ID,
		"reason":    models.OfflineReasonConnectionLost,
	})
}

// StartRecording commands a connected device to capture
func (m *Manager) StartRecording(deviceID, recordingID string, durationSeconds int) error {
	if !m.hub.SendToDevice(deviceID, EventRecord, RecordCommand{
		RecordingID:     recordingID,
		DurationSeconds: durationSeconds,
	}) {
		return ErrDeviceNotConnected
	}
	return nil
}

// StopRecording commands a connected device to stop capturing
func (m *Manager) StopRecording(deviceID string) error {
	if !m.hub.SendToDevice(deviceID, EventStop, nil) {
		return ErrDeviceNotConnected
	}
	return nil
}

// PushConfig sends updated capture parameters to a connected device
func (m *Manager) PushConfig(deviceID string, cfg models.AudioConfig) error {
	if !m.hub.SendToDevice(deviceID, EventUpdateConfig, cfg) {
		return ErrDeviceNotConnected
	}
	return nil
}

// QueryAudioDevices asks a connected device to enumerate its capture
// endpoints; the answer arrives as an audio_devices_response event
func (m *Manager) QueryAudioDevices(deviceID string) error {
	if !m.hub.SendToDevice(deviceID, EventQueryAudioDevices, nil) {
		return ErrDeviceNotConnected
	}
	return nil
}

func (m *Manager) broadcast(eventType string, data map[string]interface{}) {
	if m.notifier == nil {
		return
	}
	m.notifier.BroadcastEvent(eventType, "devices", data)
}

// ErrDeviceNotConnected is returned when commanding a device with no
// live session
var ErrDeviceNotConnected = errors.New("device not connected")
