package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"soundfleet/pkg/models"
)

type fakeRules struct {
	rules map[string]*models.RoutingRule
}

func (f *fakeRules) GetByRouterID(_ context.Context, routerID string) (*models.RoutingRule, error) {
	rule, ok := f.rules[routerID]
	if !ok {
		return nil, errors.New("routing rule not found")
	}
	return rule, nil
}

type fakeConfigs struct {
	configs map[string]*models.AnalysisConfig
}

func (f *fakeConfigs) GetConfig(_ context.Context, configID string) (*models.AnalysisConfig, error) {
	cfg, ok := f.configs[configID]
	if !ok {
		return nil, errors.New("analysis config not found")
	}
	return cfg, nil
}

type fakeRecordings struct {
	recordings map[string]*models.Recording
	routed     []string
	backfill   [][]models.Recording
}

func (f *fakeRecordings) Get(_ context.Context, recordingID string) (*models.Recording, error) {
	rec, ok := f.recordings[recordingID]
	if !ok {
		return nil, errors.New("recording not found")
	}
	return rec, nil
}

func (f *fakeRecordings) MarkRouted(_ context.Context, recordingID, routerID string) error {
	f.routed = append(f.routed, recordingID+":"+routerID)
	return nil
}

func (f *fakeRecordings) FindBackfillCandidates(_ context.Context, _ bson.M, _ string, _ int64) ([]models.Recording, error) {
	if len(f.backfill) == 0 {
		return nil, nil
	}
	page := f.backfill[0]
	f.backfill = f.backfill[1:]
	return page, nil
}

func (f *fakeRecordings) FindMatching(_ context.Context, _ bson.M, limit int64) ([]models.Recording, error) {
	var recs []models.Recording
	for _, rec := range f.recordings {
		if int64(len(recs)) == limit {
			break
		}
		recs = append(recs, *rec)
	}
	return recs, nil
}

func (f *fakeRecordings) CountMatching(_ context.Context, _ bson.M) (int64, error) {
	return int64(len(f.recordings)), nil
}

type fakeLogs struct {
	created []models.TaskMessage
	failed  []string
}

func (f *fakeLogs) Create(_ context.Context, task models.TaskMessage) (*models.TaskExecutionLog, error) {
	f.created = append(f.created, task)
	return &models.TaskExecutionLog{TaskID: task.TaskID}, nil
}

func (f *fakeLogs) MarkFailed(_ context.Context, taskID, _ string) error {
	f.failed = append(f.failed, taskID)
	return nil
}

type fakePublisher struct {
	published []models.TaskMessage
	failures  int
}

func (f *fakePublisher) PublishTask(_ context.Context, task models.TaskMessage) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, task)
	return nil
}

func testRule(routerID string) *models.RoutingRule {
	return &models.RoutingRule{
		RuleID:    "rule-1",
		Name:      "machine room anomalies",
		Enabled:   true,
		RouterIDs: []string{routerID},
		Actions: []models.RuleAction{
			{AnalysisConfigID: "cfg-1", TargetStoreID: "store-a"},
		},
	}
}

func newTestDispatcher(rules *fakeRules, configs *fakeConfigs, recs *fakeRecordings, logs *fakeLogs, pub *fakePublisher) *Dispatcher {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewDispatcher(rules, configs, recs, logs, pub, logger)
}

func TestDispatchByRouterIDPublishesAndMarksRouted(t *testing.T) {
	rules := &fakeRules{rules: map[string]*models.RoutingRule{"router-1": testRule("router-1")}}
	configs := &fakeConfigs{configs: map[string]*models.AnalysisConfig{
		"cfg-1": {ConfigID: "cfg-1", MethodID: "leaf_v1", Enabled: true},
	}}
	recs := &fakeRecordings{recordings: map[string]*models.Recording{
		"rec-1": {ID: "rec-1"},
	}}
	logs := &fakeLogs{}
	pub := &fakePublisher{}
	d := newTestDispatcher(rules, configs, recs, logs, pub)

	result, err := d.DispatchByRouterID(context.Background(), "rec-1", "router-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dispatched)

	require.Len(t, pub.published, 1)
	task := pub.published[0]
	assert.Equal(t, "rec-1", task.RecordingID)
	assert.Equal(t, "cfg-1", task.AnalysisConfigID)
	assert.Equal(t, "leaf_v1", task.MethodID)
	assert.Equal(t, "store-a", task.TargetStoreID)
	assert.Equal(t, "router-1", task.Routing.RouterID)
	assert.Equal(t, 2, task.Routing.SequenceOrder)
	assert.NotEmpty(t, task.TaskID)

	require.Len(t, logs.created, 1)
	assert.Equal(t, task.TaskID, logs.created[0].TaskID)
	assert.Equal(t, []string{"rec-1:router-1"}, recs.routed)
}

func TestDispatchByRouterIDSkipsAlreadyRouted(t *testing.T) {
	rules := &fakeRules{rules: map[string]*models.RoutingRule{"router-1": testRule("router-1")}}
	configs := &fakeConfigs{configs: map[string]*models.AnalysisConfig{}}
	recs := &fakeRecordings{recordings: map[string]*models.Recording{
		"rec-1": {ID: "rec-1", AssignedRouterIDs: []string{"router-1"}},
	}}
	logs := &fakeLogs{}
	pub := &fakePublisher{}
	d := newTestDispatcher(rules, configs, recs, logs, pub)

	result, err := d.DispatchByRouterID(context.Background(), "rec-1", "router-1", 0)
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, result)
	assert.Empty(t, pub.published)
	assert.Empty(t, logs.created)
	assert.Empty(t, recs.routed)
}

func TestDispatchByRouterIDSkipsDisabledRule(t *testing.T) {
	rule := testRule("router-1")
	rule.Enabled = false
	rules := &fakeRules{rules: map[string]*models.RoutingRule{"router-1": rule}}
	d := newTestDispatcher(rules, &fakeConfigs{}, &fakeRecordings{}, &fakeLogs{}, &fakePublisher{})

	result, err := d.DispatchByRouterID(context.Background(), "rec-1", "router-1", 0)
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, result)
}

func TestDispatchPublishFailureMarksLogFailed(t *testing.T) {
	rules := &fakeRules{rules: map[string]*models.RoutingRule{"router-1": testRule("router-1")}}
	configs := &fakeConfigs{configs: map[string]*models.AnalysisConfig{
		"cfg-1": {ConfigID: "cfg-1", MethodID: "leaf_v1", Enabled: true},
	}}
	recs := &fakeRecordings{recordings: map[string]*models.Recording{"rec-1": {ID: "rec-1"}}}
	logs := &fakeLogs{}
	pub := &fakePublisher{failures: 100} // exhaust all retries
	d := newTestDispatcher(rules, configs, recs, logs, pub)

	result, err := d.DispatchByRouterID(context.Background(), "rec-1", "router-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Dispatched)

	require.Len(t, logs.created, 1)
	require.Len(t, logs.failed, 1)
	assert.Equal(t, logs.created[0].TaskID, logs.failed[0])
	// No task made it out, so the recording stays unrouted
	assert.Empty(t, recs.routed)
}

func TestDispatchPublishRetriesTransientFailure(t *testing.T) {
	rules := &fakeRules{rules: map[string]*models.RoutingRule{"router-1": testRule("router-1")}}
	configs := &fakeConfigs{configs: map[string]*models.AnalysisConfig{
		"cfg-1": {ConfigID: "cfg-1", MethodID: "leaf_v1", Enabled: true},
	}}
	recs := &fakeRecordings{recordings: map[string]*models.Recording{"rec-1": {ID: "rec-1"}}}
	logs := &fakeLogs{}
	pub := &fakePublisher{failures: 2} // succeeds on the third attempt
	d := newTestDispatcher(rules, configs, recs, logs, pub)

	result, err := d.DispatchByRouterID(context.Background(), "rec-1", "router-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dispatched)
	assert.Len(t, pub.published, 1)
	assert.Empty(t, logs.failed)
}

func TestDispatchByRouterIDsSequentialOrders(t *testing.T) {
	rules := &fakeRules{rules: map[string]*models.RoutingRule{
		"router-1": testRule("router-1"),
		"router-2": testRule("router-2"),
	}}
	configs := &fakeConfigs{configs: map[string]*models.AnalysisConfig{
		"cfg-1": {ConfigID: "cfg-1", MethodID: "leaf_v1", Enabled: true},
	}}
	recs := &fakeRecordings{recordings: map[string]*models.Recording{"rec-1": {ID: "rec-1"}}}
	d := newTestDispatcher(rules, configs, recs, &fakeLogs{}, &fakePublisher{})

	pub := d.publisher.(*fakePublisher)
	result := d.DispatchByRouterIDs(context.Background(), "rec-1", []string{"router-1", "router-2"}, true)
	assert.Equal(t, 2, result.Dispatched)
	require.Len(t, pub.published, 2)
	assert.Equal(t, 0, pub.published[0].Routing.SequenceOrder)
	assert.Equal(t, 1, pub.published[1].Routing.SequenceOrder)
}

func TestDispatchSkipsDisabledConfig(t *testing.T) {
	rules := &fakeRules{rules: map[string]*models.RoutingRule{"router-1": testRule("router-1")}}
	configs := &fakeConfigs{configs: map[string]*models.AnalysisConfig{
		"cfg-1": {ConfigID: "cfg-1", MethodID: "leaf_v1", Enabled: false},
	}}
	recs := &fakeRecordings{recordings: map[string]*models.Recording{"rec-1": {ID: "rec-1"}}}
	d := newTestDispatcher(rules, configs, recs, &fakeLogs{}, &fakePublisher{})

	result, err := d.DispatchByRouterID(context.Background(), "rec-1", "router-1", 0)
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, result)
}

func TestBackfillDispatchesPages(t *testing.T) {
	rule := testRule("router-1")
	rule.BackfillEnabled = true
	rules := &fakeRules{rules: map[string]*models.RoutingRule{"router-1": rule}}
	configs := &fakeConfigs{configs: map[string]*models.AnalysisConfig{
		"cfg-1": {ConfigID: "cfg-1", MethodID: "leaf_v1", Enabled: true},
	}}
	recs := &fakeRecordings{
		backfill: [][]models.Recording{
			{{ID: "rec-1"}, {ID: "rec-2"}},
			{{ID: "rec-3"}},
		},
	}
	logs := &fakeLogs{}
	pub := &fakePublisher{}
	d := newTestDispatcher(rules, configs, recs, logs, pub)

	result, err := d.Backfill(context.Background(), "router-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Dispatched)
	assert.Len(t, pub.published, 3)
	assert.Len(t, recs.routed, 3)
}

func TestBatchFlushDispatchesBufferedRecordings(t *testing.T) {
	rules := &fakeRules{rules: map[string]*models.RoutingRule{"router-1": testRule("router-1")}}
	configs := &fakeConfigs{configs: map[string]*models.AnalysisConfig{
		"cfg-1": {ConfigID: "cfg-1", MethodID: "leaf_v1", Enabled: true},
	}}
	recs := &fakeRecordings{recordings: map[string]*models.Recording{
		"rec-1": {ID: "rec-1"},
		"rec-2": {ID: "rec-2"},
	}}
	pub := &fakePublisher{}
	d := newTestDispatcher(rules, configs, recs, &fakeLogs{}, pub)

	batch := d.NewBatch()
	batch.Add("rec-1", []models.RoutingRule{*rules.rules["router-1"]})
	batch.Add("rec-2", []models.RoutingRule{*rules.rules["router-1"]})
	batch.Add("rec-3", nil) // no matches, not buffered
	require.Equal(t, 2, batch.Len())

	result := batch.Flush(context.Background())
	assert.Equal(t, 2, result.Dispatched)
	assert.Len(t, pub.published, 2)
	assert.Equal(t, "rec-1", pub.published[0].RecordingID)
	assert.Equal(t, "rec-2", pub.published[1].RecordingID)

	// Flush empties the buffer
	assert.Equal(t, 0, batch.Len())
	assert.Equal(t, Result{}, batch.Flush(context.Background()))
}

func TestBackfillRefusesWhenNotEnabled(t *testing.T) {
	rules := &fakeRules{rules: map[string]*models.RoutingRule{"router-1": testRule("router-1")}}
	d := newTestDispatcher(rules, &fakeConfigs{}, &fakeRecordings{}, &fakeLogs{}, &fakePublisher{})

	_, err := d.Backfill(context.Background(), "router-1", 10)
	assert.Error(t, err)
}
