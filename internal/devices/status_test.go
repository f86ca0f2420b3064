package devices

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"soundfleet/pkg/models"
)

const timeout = 90 * time.Second

func TestEffectiveStatusOnlineWithFreshHeartbeat(t *testing.T) {
	now := time.Now().UTC()
	hb := now.Add(-30 * time.Second)
	d := models.Device{
		Status:         models.DeviceStatusRecording,
		ConnectionInfo: models.ConnectionInfo{LastHeartbeat: &hb},
	}

	status, reason := EffectiveStatus(d, timeout, now)
	assert.Equal(t, models.DeviceStatusRecording, status)
	assert.Nil(t, reason)
}

func TestEffectiveStatusOnlineWithStaleHeartbeat(t *testing.T) {
	now := time.Now().UTC()
	hb := now.Add(-5 * time.Minute)
	d := models.Device{
		Status:         models.DeviceStatusIdle,
		ConnectionInfo: models.ConnectionInfo{LastHeartbeat: &hb},
	}

	status, reason := EffectiveStatus(d, timeout, now)
	assert.Equal(t, models.DeviceStatusOffline, status)
	if assert.NotNil(t, reason) {
		assert.Equal(t, models.OfflineReasonHeartbeatTimeout, *reason)
	}
}

func TestEffectiveStatusHeartbeatBoundary(t *testing.T) {
	now := time.Now().UTC()
	hb := now.Add(-timeout)
	d := models.Device{
		Status:         models.DeviceStatusIdle,
		ConnectionInfo: models.ConnectionInfo{LastHeartbeat: &hb},
	}

	// Exactly at the timeout still counts as alive
	status, reason := EffectiveStatus(d, timeout, now)
	assert.Equal(t, models.DeviceStatusIdle, status)
	assert.Nil(t, reason)
}

func TestEffectiveStatusOnlineWithoutHeartbeat(t *testing.T) {
	now := time.Now().UTC()
	d := models.Device{Status: models.DeviceStatusIdle}

	status, reason := EffectiveStatus(d, timeout, now)
	assert.Equal(t, models.DeviceStatusOffline, status)
	if assert.NotNil(t, reason) {
		assert.Equal(t, models.OfflineReasonHeartbeatTimeout, *reason)
	}
}

func TestOfflineReasonPrecedence(t *testing.T) {
	now := time.Now().UTC()
	hb := now.Add(-time.Hour)
	stored := models.OfflineReasonConnectionLost

	cases := []struct {
		name   string
		device models.Device
		want   string
	}{
		{
			name: "stored reason wins",
			device: models.Device{
				Status:        models.DeviceStatusOffline,
				OfflineReason: &stored,
			},
			want: models.OfflineReasonConnectionLost,
		},
		{
			name:   "no heartbeat means never connected",
			device: models.Device{Status: models.DeviceStatusOffline},
			want:   models.OfflineReasonNeverConnected,
		},
		{
			name: "heartbeat history means connection lost",
			device: models.Device{
				Status:         models.DeviceStatusOffline,
				ConnectionInfo: models.ConnectionInfo{LastHeartbeat: &hb},
			},
			want: models.OfflineReasonConnectionLost,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, reason := EffectiveStatus(tc.device, timeout, now)
			assert.Equal(t, models.DeviceStatusOffline, status)
			if assert.NotNil(t, reason) {
				assert.Equal(t, tc.want, *reason)
			}
		})
	}
}

func TestReconcileDoesNotMutateInput(t *testing.T) {
	now := time.Now().UTC()
	hb := now.Add(-time.Hour)
	d := models.Device{
		Status:         models.DeviceStatusIdle,
		ConnectionInfo: models.ConnectionInfo{LastHeartbeat: &hb},
	}

	out := reconcile(d, timeout, now)
	assert.Equal(t, models.DeviceStatusOffline, out.Status)
	assert.Equal(t, models.DeviceStatusIdle, d.Status)
}
