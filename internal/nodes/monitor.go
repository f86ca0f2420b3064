package nodes

import (
	"context"
	"time"

	"soundfleet/pkg/logging"
	"soundfleet/pkg/models"
)

// Lister enumerates registered nodes
type Lister interface {
	List(ctx context.Context) ([]models.Node, error)
}

// Notifier receives node lifecycle events
type Notifier interface {
	BroadcastEvent(eventType, channel string, data map[string]interface{})
}

// Node lifecycle event types emitted on the "nodes" channel
const (
	EventNodeRegistered = "node_registered"
	EventNodeOnline     = "node_online"
	EventNodeOffline    = "node_offline"
	EventNodeRemoved    = "node_removed"
)

// Monitor periodically derives node liveness from heartbeats and emits
// transition events. It holds only in-memory state; a restart re-emits
// the current picture as registrations.
type Monitor struct {
	lister   Lister
	notifier Notifier
	logger   logging.Logger
	timeout  time.Duration
	interval time.Duration

	// nodeID -> last observed liveness
	known map[string]bool
}

// NewMonitor creates a node monitor
func NewMonitor(lister Lister, notifier Notifier, timeout, interval time.Duration, logger logging.Logger) *Monitor {
	return &Monitor{
		lister:   lister,
		notifier: notifier,
		logger:   logger,
		timeout:  timeout,
		interval: interval,
		known:    make(map[string]bool),
	}
}

// Run checks liveness on a ticker until the context is cancelled
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.check(ctx, time.Now().UTC()); err != nil {
				m.logger.WithError(err).Warn("Node liveness check failed")
			}
		}
	}
}

// check compares the current node set against the previous observation
// and emits registered/online/offline/removed transitions
func (m *Monitor) check(ctx context.Context, now time.Time) error {
	nodes, err := m.lister.List(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		alive := node.IsAlive(m.timeout, now)
		seen[node.ID] = true

		previous, observed := m.known[node.ID]
		switch {
		case !observed:
			m.emit(EventNodeRegistered, node, alive)
		case !previous && alive:
			m.emit(EventNodeOnline, node, alive)
		case previous && !alive:
			m.emit(EventNodeOffline, node, alive)
		}
		m.known[node.ID] = alive
	}

	for nodeID := range m.known {
		if !seen[nodeID] {
			delete(m.known, nodeID)
			m.notifier.BroadcastEvent(EventNodeRemoved, "nodes", map[string]interface{}{
				"node_id": nodeID,
			})
			m.logger.WithFields(logging.Fields{
				"node_id": nodeID,
			}).Info("Node removed")
		}
	}

	return nil
}

func (m *Monitor) emit(eventType string, node models.Node, alive bool) {
	m.notifier.BroadcastEvent(eventType, "nodes", map[string]interface{}{
		"node_id":        node.ID,
		"alive":          alive,
		"current_tasks":  node.CurrentTasks,
		"last_heartbeat": node.LastHeartbeat,
		"hostname":       node.Info.Hostname,
	})
	m.logger.WithFields(logging.Fields{
		"node_id": node.ID,
		"event":   eventType,
		"alive":   alive,
	}).Info("Node transition")
}
