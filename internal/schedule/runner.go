package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"soundfleet/pkg/logging"
	"soundfleet/pkg/models"
)

// DeviceLister supplies the devices whose schedules should run
type DeviceLister interface {
	GetAll(ctx context.Context) ([]models.Device, error)
}

// Commander sends capture commands to connected devices
type Commander interface {
	StartRecording(deviceID, recordingID string, durationSeconds int) error
}

// CommanderFunc adapts a function to the Commander interface
type CommanderFunc func(deviceID, recordingID string, durationSeconds int) error

// StartRecording calls f
func (f CommanderFunc) StartRecording(deviceID, recordingID string, durationSeconds int) error {
	return f(deviceID, recordingID, durationSeconds)
}

const defaultSyncInterval = 30 * time.Second

// Runner keeps one capture timer per device with an enabled schedule.
// Timers are created and torn down by a periodic sync against the
// device store, and dropped immediately when a device goes offline or
// its schedule is disabled.
type Runner struct {
	devices      DeviceLister
	commander    Commander
	syncInterval time.Duration
	logger       logging.Logger

	mu     sync.Mutex
	timers map[string]*deviceTimer
}

type deviceTimer struct {
	config models.ScheduleConfig
	stop   chan struct{}
}

// NewRunner creates a schedule runner
func NewRunner(devices DeviceLister, commander Commander, logger logging.Logger) *Runner {
	return &Runner{
		devices:      devices,
		commander:    commander,
		syncInterval: defaultSyncInterval,
		logger:       logger,
		timers:       make(map[string]*deviceTimer),
	}
}

// Run syncs timers until the context is cancelled
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.syncInterval)
	defer ticker.Stop()

	r.sync(ctx)
	for {
		select {
		case <-ctx.Done():
			r.dropAll()
			return
		case <-ticker.C:
			r.sync(ctx)
		}
	}
}

func (r *Runner) sync(ctx context.Context) {
	devices, err := r.devices.GetAll(ctx)
	if err != nil {
		r.logger.WithError(err).Error("Failed to list devices for schedule sync")
		return
	}

	seen := make(map[string]bool, len(devices))
	for _, device := range devices {
		if models.IsOnlineStatus(device.Status) && device.ScheduleConfig.Enabled {
			seen[device.ID] = true
			r.Ensure(device)
		}
	}

	r.mu.Lock()
	for deviceID, timer := range r.timers {
		if !seen[deviceID] {
			close(timer.stop)
			delete(r.timers, deviceID)
		}
	}
	r.mu.Unlock()
}

// Ensure starts or restarts the timer for one device. A timer whose
// config has not changed is left alone.
func (r *Runner) Ensure(device models.Device) {
	cfg := device.ScheduleConfig
	if !cfg.Enabled || cfg.IntervalSeconds <= 0 {
		r.Drop(device.ID)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.timers[device.ID]; ok {
		if sameConfig(existing.config, cfg) {
			return
		}
		close(existing.stop)
	}

	timer := &deviceTimer{config: cfg, stop: make(chan struct{})}
	r.timers[device.ID] = timer
	go r.runTimer(device.ID, cfg, timer.stop)

	r.logger.WithFields(logging.Fields{
		"device_id":        device.ID,
		"interval_seconds": cfg.IntervalSeconds,
	}).Info("Schedule timer started")
}

// Drop stops and removes the timer for one device, if any
func (r *Runner) Drop(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.timers[deviceID]; ok {
		close(timer.stop)
		delete(r.timers, deviceID)
		r.logger.WithFields(logging.Fields{
			"device_id": deviceID,
		}).Info("Schedule timer dropped")
	}
}

// ActiveTimers reports how many devices currently have a timer
func (r *Runner) ActiveTimers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

func (r *Runner) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for deviceID, timer := range r.timers {
		close(timer.stop)
		delete(r.timers, deviceID)
	}
}

func (r *Runner) runTimer(deviceID string, cfg models.ScheduleConfig, stop chan struct{}) {
	ticker := time.NewTicker(time.Duration(cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.fire(deviceID, cfg)
		}
	}
}

func (r *Runner) fire(deviceID string, cfg models.ScheduleConfig) {
	if !withinWindow(time.Now(), cfg.StartTime, cfg.EndTime) {
		return
	}

	recordingID := uuid.New().String()
	if err := r.commander.StartRecording(deviceID, recordingID, cfg.DurationSeconds); err != nil {
		r.logger.WithError(err).WithFields(logging.Fields{
			"device_id": deviceID,
		}).Warn("Scheduled capture command failed")
		return
	}

	r.logger.WithFields(logging.Fields{
		"device_id":        deviceID,
		"recording_id":     recordingID,
		"duration_seconds": cfg.DurationSeconds,
	}).Info("Scheduled capture started")
}

func sameConfig(a, b models.ScheduleConfig) bool {
	return a.IntervalSeconds == b.IntervalSeconds &&
		a.DurationSeconds == b.DurationSeconds &&
		stringPtrEqual(a.StartTime, b.StartTime) &&
		stringPtrEqual(a.EndTime, b.EndTime)
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// withinWindow reports whether now falls inside the HH:MM capture
// window. A missing or malformed bound means no restriction on that
// side; an end before the start wraps past midnight.
func withinWindow(now time.Time, start, end *string) bool {
	if start == nil && end == nil {
		return true
	}

	minutes := now.Hour()*60 + now.Minute()

	startMin, hasStart := parseClock(start)
	endMin, hasEnd := parseClock(end)

	switch {
	case hasStart && hasEnd:
		if startMin <= endMin {
			return minutes >= startMin && minutes <= endMin
		}
		return minutes >= startMin || minutes <= endMin
	case hasStart:
		return minutes >= startMin
	case hasEnd:
		return minutes <= endMin
	default:
		return true
	}
}

func parseClock(value *string) (int, bool) {
	if value == nil {
		return 0, false
	}
	t, err := time.Parse("15:04", *value)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
