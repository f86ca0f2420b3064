package devices

import (
	"time"

	"soundfleet/pkg/models"
)

// EffectiveStatus derives the status and offline reason to report for a
// device at read time. A device stored as online whose heartbeat has gone
// stale is reported offline with heartbeat_timeout, but nothing is
// persisted; the stored state stays authoritative for writers.
//
// Offline reason precedence: the stored reason wins, then never_connected
// when the device has no heartbeat on record, then connection_lost.
func EffectiveStatus(d models.Device, timeout time.Duration, now time.Time) (string, *string) {
	if models.IsOnlineStatus(d.Status) {
		if heartbeatAlive(d, timeout, now) {
			return d.Status, nil
		}
		reason := models.OfflineReasonHeartbeatTimeout
		return models.DeviceStatusOffline, &reason
	}

	if d.OfflineReason != nil {
		return d.Status, d.OfflineReason
	}

	var reason string
	if d.ConnectionInfo.LastHeartbeat == nil {
		reason = models.OfflineReasonNeverConnected
	} else {
		reason = models.OfflineReasonConnectionLost
	}
	return d.Status, &reason
}

// heartbeatAlive reports whether the device heartbeat is within the timeout
func heartbeatAlive(d models.Device, timeout time.Duration, now time.Time) bool {
	hb := d.ConnectionInfo.LastHeartbeat
	if hb == nil {
		return false
	}
	return now.Sub(*hb) <= timeout
}

// reconcile returns a copy of the device with the reported status applied
func reconcile(d models.Device, timeout time.Duration, now time.Time) models.Device {
	status, reason := EffectiveStatus(d, timeout, now)
	d.Status = status
	d.OfflineReason = reason
	return d
}
