package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"soundfleet/pkg/models"
)

type fakeLister struct {
	devices []models.Device
}

func (f *fakeLister) GetAll(_ context.Context) ([]models.Device, error) {
	return f.devices, nil
}

type fakeCommander struct{}

func (f *fakeCommander) StartRecording(_, _ string, _ int) error { return nil }

func newTestRunner(lister *fakeLister) *Runner {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewRunner(lister, &fakeCommander{}, logger)
}

func scheduledDevice(id string, enabled bool) models.Device {
	return models.Device{
		ID:     id,
		Status: models.DeviceStatusIdle,
		ScheduleConfig: models.ScheduleConfig{
			Enabled:         enabled,
			IntervalSeconds: 3600,
			DurationSeconds: 10,
		},
	}
}

func TestSyncCreatesAndRemovesTimers(t *testing.T) {
	lister := &fakeLister{devices: []models.Device{
		scheduledDevice("dev-1", true),
		scheduledDevice("dev-2", false),
	}}
	r := newTestRunner(lister)
	defer r.dropAll()

	r.sync(context.Background())
	assert.Equal(t, 1, r.ActiveTimers())

	// Disabling the schedule removes the timer on the next sync
	lister.devices[0].ScheduleConfig.Enabled = false
	r.sync(context.Background())
	assert.Equal(t, 0, r.ActiveTimers())
}

func TestSyncIgnoresOfflineDevices(t *testing.T) {
	offline := scheduledDevice("dev-1", true)
	offline.Status = models.DeviceStatusOffline
	lister := &fakeLister{devices: []models.Device{offline}}
	r := newTestRunner(lister)

	r.sync(context.Background())
	assert.Equal(t, 0, r.ActiveTimers())
}

func TestEnsureRestartsOnConfigChange(t *testing.T) {
	r := newTestRunner(&fakeLister{})
	defer r.dropAll()

	device := scheduledDevice("dev-1", true)
	r.Ensure(device)
	assert.Equal(t, 1, r.ActiveTimers())

	// Same config is left alone, changed config is replaced
	r.Ensure(device)
	assert.Equal(t, 1, r.ActiveTimers())

	device.ScheduleConfig.IntervalSeconds = 60
	r.Ensure(device)
	assert.Equal(t, 1, r.ActiveTimers())
}

func TestDropIsIdempotent(t *testing.T) {
	r := newTestRunner(&fakeLister{})
	r.Ensure(scheduledDevice("dev-1", true))

	r.Drop("dev-1")
	r.Drop("dev-1")
	assert.Equal(t, 0, r.ActiveTimers())
}

func TestWithinWindow(t *testing.T) {
	clock := func(value string) *string { return &value }
	at := func(hhmm string) time.Time {
		parsed, _ := time.Parse("15:04", hhmm)
		return time.Date(2026, 3, 1, parsed.Hour(), parsed.Minute(), 0, 0, time.UTC)
	}

	tests := []struct {
		name       string
		now        string
		start, end *string
		want       bool
	}{
		{"no window", "12:00", nil, nil, true},
		{"inside daytime window", "12:00", clock("09:00"), clock("17:00"), true},
		{"before daytime window", "08:59", clock("09:00"), clock("17:00"), false},
		{"after daytime window", "17:01", clock("09:00"), clock("17:00"), false},
		{"window boundary", "17:00", clock("09:00"), clock("17:00"), true},
		{"overnight window late", "23:30", clock("22:00"), clock("06:00"), true},
		{"overnight window early", "05:00", clock("22:00"), clock("06:00"), true},
		{"outside overnight window", "12:00", clock("22:00"), clock("06:00"), false},
		{"start only", "23:00", clock("18:00"), nil, true},
		{"end only", "07:00", nil, clock("06:00"), false},
		{"malformed start ignored", "12:00", clock("not a time"), clock("17:00"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, withinWindow(at(tt.now), tt.start, tt.end))
		})
	}
}
