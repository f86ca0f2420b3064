package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundfleet/pkg/models"
)

type fakeLister struct {
	nodes []models.Node
}

func (f *fakeLister) List(_ context.Context) ([]models.Node, error) {
	return f.nodes, nil
}

type recordedEvent struct {
	eventType string
	channel   string
	data      map[string]interface{}
}

type fakeNotifier struct {
	events []recordedEvent
}

func (f *fakeNotifier) BroadcastEvent(eventType, channel string, data map[string]interface{}) {
	f.events = append(f.events, recordedEvent{eventType, channel, data})
}

func (f *fakeNotifier) eventTypes() []string {
	types := make([]string, 0, len(f.events))
	for _, e := range f.events {
		types = append(types, e.eventType)
	}
	return types
}

func newTestMonitor(lister *fakeLister, notifier *fakeNotifier) *Monitor {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewMonitor(lister, notifier, 90*time.Second, time.Second, logger)
}

func TestMonitorEmitsRegisteredOnFirstSight(t *testing.T) {
	now := time.Now().UTC()
	lister := &fakeLister{nodes: []models.Node{
		{ID: "node-1", LastHeartbeat: now.Add(-10 * time.Second)},
	}}
	notifier := &fakeNotifier{}
	m := newTestMonitor(lister, notifier)

	require.NoError(t, m.check(context.Background(), now))
	require.Len(t, notifier.events, 1)
	assert.Equal(t, EventNodeRegistered, notifier.events[0].eventType)
	assert.Equal(t, "nodes", notifier.events[0].channel)
	assert.Equal(t, true, notifier.events[0].data["alive"])
}

func TestMonitorEmitsOfflineThenOnline(t *testing.T) {
	now := time.Now().UTC()
	lister := &fakeLister{nodes: []models.Node{
		{ID: "node-1", LastHeartbeat: now.Add(-10 * time.Second)},
	}}
	notifier := &fakeNotifier{}
	m := newTestMonitor(lister, notifier)

	require.NoError(t, m.check(context.Background(), now))

	// Heartbeat goes stale
	later := now.Add(5 * time.Minute)
	require.NoError(t, m.check(context.Background(), later))

	// Heartbeat recovers
	lister.nodes[0].LastHeartbeat = later
	require.NoError(t, m.check(context.Background(), later.Add(time.Second)))

	assert.Equal(t, []string{EventNodeRegistered, EventNodeOffline, EventNodeOnline}, notifier.eventTypes())
}

func TestMonitorEmitsRemovedWhenNodeVanishes(t *testing.T) {
	now := time.Now().UTC()
	lister := &fakeLister{nodes: []models.Node{
		{ID: "node-1", LastHeartbeat: now},
	}}
	notifier := &fakeNotifier{}
	m := newTestMonitor(lister, notifier)

	require.NoError(t, m.check(context.Background(), now))

	lister.nodes = nil
	require.NoError(t, m.check(context.Background(), now.Add(time.Second)))

	types := notifier.eventTypes()
	require.Len(t, types, 2)
	assert.Equal(t, EventNodeRemoved, types[1])

	// A vanished node does not keep emitting removals
	require.NoError(t, m.check(context.Background(), now.Add(2*time.Second)))
	assert.Len(t, notifier.events, 2)
}

func TestMonitorStableStateEmitsNothing(t *testing.T) {
	now := time.Now().UTC()
	lister := &fakeLister{nodes: []models.Node{
		{ID: "node-1", LastHeartbeat: now},
	}}
	notifier := &fakeNotifier{}
	m := newTestMonitor(lister, notifier)

	require.NoError(t, m.check(context.Background(), now))
	require.NoError(t, m.check(context.Background(), now.Add(time.Second)))
	require.NoError(t, m.check(context.Background(), now.Add(2*time.Second)))

	assert.Len(t, notifier.events, 1)
}
