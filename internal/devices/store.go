package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"soundfleet/pkg/database"
	"soundfleet/pkg/logging"
	"soundfleet/pkg/models"
)

var (
	// ErrDeviceNotFound is returned when no device matches the given id
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceOnline is returned when deleting a live device without force
	ErrDeviceOnline = errors.New("device is online")
)

// RegisterRequest carries what a device reports when it connects
type RegisterRequest struct {
	DeviceID     string
	Name         string
	Platform     string
	SessionID    string
	IPAddress    string
	AudioDevices []models.AudioDeviceInfo
}

// RegisterResult describes which registration path was taken
type RegisterResult struct {
	Device    *models.Device
	IsNew     bool
	Recovered bool
}

// Store persists devices and applies read-time status reconciliation
type Store struct {
	devices          *mongo.Collection
	heartbeatTimeout time.Duration
	logger           logging.Logger
}

// NewStore creates a device store
func NewStore(db *database.DB, heartbeatTimeout time.Duration, logger logging.Logger) *Store {
	return &Store{
		devices:          db.Collection(database.CollectionDevices),
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger,
	}
}

// Register connects a device through a single upsert. Three paths share
// it: a reconnect of a live device, a recovery of a known offline device,
// and a first registration which also seeds the default configs. A
// reported capture endpoint list replaces the stored one; the rest of
// the audio config is untouched on reconnect.
func (s *Store) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	now := time.Now().UTC()

	set := bson.M{
		"device_name":                    req.Name,
		"platform":                       req.Platform,
		"status":                         models.DeviceStatusIdle,
		"offline_reason":                 nil,
		"connection_info.session_id":     req.SessionID,
		"connection_info.ip_address":     req.IPAddress,
		"connection_info.connected_at":   now,
		"connection_info.last_heartbeat": now,
		"updated_at":                     now,
	}
	if len(req.AudioDevices) > 0 {
		set["audio_config.available_devices"] = req.AudioDevices
	}

	// Audio defaults are leaf paths so they can coexist with the
	// available_devices $set above in one upsert
	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"created_at":                now,
			"audio_config.device_index": 0,
			"audio_config.sample_rate":  16000,
			"audio_config.channels":     1,
			"audio_config.bit_depth":    16,
			"schedule_config":           models.DefaultScheduleConfig(),
			"statistics":                models.DeviceStatistics{},
			"assigned_router_ids":       []string{},
		},
	}

	var before models.Device
	err := s.devices.FindOneAndUpdate(ctx,
		bson.M{"_id": req.DeviceID},
		update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before)).Decode(&before)

	isNew := false
	recovered := false
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		isNew = true
	case err != nil:
		return nil, fmt.Errorf("failed to register device %s: %w", req.DeviceID, err)
	default:
		recovered = !models.IsOnlineStatus(before.Status)
	}

	device, err := s.GetByID(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logging.Fields{
		"device_id": req.DeviceID,
		"is_new":    isNew,
		"recovered": recovered,
	}).Info("Device registered")

	return &RegisterResult{Device: device, IsNew: isNew, Recovered: recovered}, nil
}

// Heartbeat refreshes the device's liveness stamp. An unknown device is
// reported to the caller but is not an error condition worth failing on.
func (s *Store) Heartbeat(ctx context.Context, deviceID string) error {
	now := time.Now().UTC()
	result, err := s.devices.UpdateOne(ctx,
		bson.M{"_id": deviceID},
		bson.M{"$set": bson.M{
			"connection_info.last_heartbeat": now,
			"updated_at":                     now,
		}})
	if err != nil {
		return fmt.Errorf("failed to record heartbeat for %s: %w", deviceID, err)
	}
	if result.MatchedCount == 0 {
		s.logger.WithFields(logging.Fields{
			"device_id": deviceID,
		}).Warn("Heartbeat from unknown device")
		return ErrDeviceNotFound
	}
	return nil
}

// SetOffline marks a device offline and clears its transport session
func (s *Store) SetOffline(ctx context.Context, deviceID, reason string) error {
	now := time.Now().UTC()
	result, err := s.devices.UpdateOne(ctx,
		bson.M{"_id": deviceID},
		bson.M{"$set": bson.M{
			"status":                            models.DeviceStatusOffline,
			"offline_reason":                    reason,
			"connection_info.session_id":        nil,
			"connection_info.current_recording": nil,
			"updated_at":                        now,
		}})
	if err != nil {
		return fmt.Errorf("failed to set device %s offline: %w", deviceID, err)
	}
	if result.MatchedCount == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// SetRecording marks a device as actively recording
func (s *Store) SetRecording(ctx context.Context, deviceID, recordingID string) error {
	return s.setStatus(ctx, deviceID, models.DeviceStatusRecording, &recordingID)
}

// ClearRecording returns a device to idle after a capture finishes
func (s *Store) ClearRecording(ctx context.Context, deviceID string) error {
	return s.setStatus(ctx, deviceID, models.DeviceStatusIdle, nil)
}

func (s *Store) setStatus(ctx context.Context, deviceID, status string, recordingID *string) error {
	now := time.Now().UTC()
	result, err := s.devices.UpdateOne(ctx,
		bson.M{"_id": deviceID},
		bson.M{"$set": bson.M{
			"status":                            status,
			"connection_info.current_recording": recordingID,
			"updated_at":                        now,
		}})
	if err != nil {
		return fmt.Errorf("failed to set device %s status %s: %w", deviceID, status, err)
	}
	if result.MatchedCount == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// GetByID fetches one device with read-time status reconciliation applied
func (s *Store) GetByID(ctx context.Context, deviceID string) (*models.Device, error) {
	var device models.Device
	err := s.devices.FindOne(ctx, bson.M{"_id": deviceID}).Decode(&device)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device %s: %w", deviceID, err)
	}

	reconciled := reconcile(device, s.heartbeatTimeout, time.Now().UTC())
	return &reconciled, nil
}

// GetBySessionID resolves a device from its transport session
func (s *Store) GetBySessionID(ctx context.Context, sessionID string) (*models.Device, error) {
	var device models.Device
	err := s.devices.FindOne(ctx, bson.M{"connection_info.session_id": sessionID}).Decode(&device)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device by session %s: %w", sessionID, err)
	}
	return &device, nil
}

// GetAll lists devices with read-time status reconciliation applied
func (s *Store) GetAll(ctx context.Context) ([]models.Device, error) {
	cursor, err := s.devices.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	var devices []models.Device
	if err := cursor.All(ctx, &devices); err != nil {
		return nil, fmt.Errorf("failed to decode devices: %w", err)
	}

	now := time.Now().UTC()
	for i := range devices {
		devices[i] = reconcile(devices[i], s.heartbeatTimeout, now)
	}
	return devices, nil
}

// IncrementRecordingStats updates the device counters after a capture.
// On success it also enforces max_success_count in the same atomic
// update: a pipeline update bumps the counters in its first stage and
// the second stage, which sees the incremented count, flips the
// schedule off when the threshold is reached. The caller is told to
// drop any timer it is holding for the device.
func (s *Store) IncrementRecordingStats(ctx context.Context, deviceID string, success bool) (scheduleDisabled bool, err error) {
	now := time.Now().UTC()

	successInc, errorInc := 0, 1
	if success {
		successInc, errorInc = 1, 0
	}

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"statistics.total_recordings": bson.M{"$add": bson.A{
				bson.M{"$ifNull": bson.A{"$statistics.total_recordings", 0}}, 1}},
			"statistics.success_count": bson.M{"$add": bson.A{
				bson.M{"$ifNull": bson.A{"$statistics.success_count", 0}}, successInc}},
			"statistics.error_count": bson.M{"$add": bson.A{
				bson.M{"$ifNull": bson.A{"$statistics.error_count", 0}}, errorInc}},
			"statistics.last_recording_at": now,
			"updated_at":                   now,
		}}},
		{{Key: "$set", Value: bson.M{
			"schedule_config.enabled": bson.M{"$cond": bson.A{
				bson.M{"$and": bson.A{
					bson.M{"$eq": bson.A{"$schedule_config.enabled", true}},
					bson.M{"$ne": bson.A{
						bson.M{"$ifNull": bson.A{"$schedule_config.max_success_count", nil}}, nil}},
					bson.M{"$gte": bson.A{"$statistics.success_count", "$schedule_config.max_success_count"}},
				}},
				false,
				"$schedule_config.enabled",
			}},
		}}},
	}

	var before models.Device
	err = s.devices.FindOneAndUpdate(ctx,
		bson.M{"_id": deviceID},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.Before)).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, ErrDeviceNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to update statistics for %s: %w", deviceID, err)
	}

	if success && crossedSuccessLimit(before) {
		s.logger.WithFields(logging.Fields{
			"device_id":     deviceID,
			"success_count": before.Statistics.SuccessCount + 1,
		}).Info("Schedule disabled after reaching max success count")
		return true, nil
	}
	return false, nil
}

// crossedSuccessLimit reports whether one more successful capture takes
// an enabled schedule to its max_success_count
func crossedSuccessLimit(before models.Device) bool {
	sc := before.ScheduleConfig
	return sc.Enabled && sc.MaxSuccessCount != nil &&
		before.Statistics.SuccessCount+1 >= *sc.MaxSuccessCount
}

// Delete removes a device. A device whose effective status is online is
// refused unless force is set.
func (s *Store) Delete(ctx context.Context, deviceID string, force bool) error {
	device, err := s.GetByID(ctx, deviceID)
	if err != nil {
		return err
	}

	if !force && models.IsOnlineStatus(device.Status) {
		return ErrDeviceOnline
	}

	if _, err := s.devices.DeleteOne(ctx, bson.M{"_id": deviceID}); err != nil {
		return fmt.Errorf("failed to delete device %s: %w", deviceID, err)
	}
	return nil
}

// UpdateAudioConfig replaces the capture parameters
func (s *Store) UpdateAudioConfig(ctx context.Context, deviceID string, cfg models.AudioConfig) error {
	return s.updateField(ctx, deviceID, "audio_config", cfg)
}

// UpdateScheduleConfig replaces the capture schedule
func (s *Store) UpdateScheduleConfig(ctx context.Context, deviceID string, cfg models.ScheduleConfig) error {
	return s.updateField(ctx, deviceID, "schedule_config", cfg)
}

// UpdateRouterIDs replaces the ordered set of router ids applied on upload
func (s *Store) UpdateRouterIDs(ctx context.Context, deviceID string, routerIDs []string) error {
	return s.updateField(ctx, deviceID, "assigned_router_ids", routerIDs)
}

// UpdateAvailableDevices stores the capture endpoints a device reported
func (s *Store) UpdateAvailableDevices(ctx context.Context, deviceID string, available []models.AudioDeviceInfo) error {
	return s.updateField(ctx, deviceID, "audio_config.available_devices", available)
}

func (s *Store) updateField(ctx context.Context, deviceID, field string, value interface{}) error {
	now := time.Now().UTC()
	result, err := s.devices.UpdateOne(ctx,
		bson.M{"_id": deviceID},
		bson.M{"$set": bson.M{field: value, "updated_at": now}})
	if err != nil {
		return fmt.Errorf("failed to update %s for %s: %w", field, deviceID, err)
	}
	if result.MatchedCount == 0 {
		return ErrDeviceNotFound
	}
	return nil
}
