package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"soundfleet/internal/routing"
	"soundfleet/pkg/logging"
	"soundfleet/pkg/models"
)

// RuleSource resolves routing rules
type RuleSource interface {
	GetByRouterID(ctx context.Context, routerID string) (*models.RoutingRule, error)
}

// ConfigSource resolves analysis configs
type ConfigSource interface {
	GetConfig(ctx context.Context, configID string) (*models.AnalysisConfig, error)
}

// RecordingSource provides the recording reads and routing marks the
// dispatcher needs
type RecordingSource interface {
	Get(ctx context.Context, recordingID string) (*models.Recording, error)
	MarkRouted(ctx context.Context, recordingID, routerID string) error
	FindBackfillCandidates(ctx context.Context, query bson.M, routerID string, limit int64) ([]models.Recording, error)
	FindMatching(ctx context.Context, query bson.M, limit int64) ([]models.Recording, error)
	CountMatching(ctx context.Context, query bson.M) (int64, error)
}

// LogStore records dispatch attempts in the execution log
type LogStore interface {
	Create(ctx context.Context, task models.TaskMessage) (*models.TaskExecutionLog, error)
	MarkFailed(ctx context.Context, taskID, errorMessage string) error
}

// TaskPublisher sends tasks to the broker
type TaskPublisher interface {
	PublishTask(ctx context.Context, task models.TaskMessage) error
}

// Result counts dispatch outcomes for one invocation
type Result struct {
	Dispatched int `json:"dispatched"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

func (r *Result) merge(other Result) {
	r.Dispatched += other.Dispatched
	r.Skipped += other.Skipped
	r.Failed += other.Failed
}

const defaultBackfillBatchSize = 100

// Dispatcher turns matched rules into broker tasks with execution log
// entries. Publishing goes through a bounded retry; a task whose publish
// still fails gets a failed log entry and dispatch moves on.
type Dispatcher struct {
	rules      RuleSource
	configs    ConfigSource
	recordings RecordingSource
	logs       LogStore
	publisher  TaskPublisher
	logger     logging.Logger
	retry      retrypolicy.RetryPolicy[any]
}

// NewDispatcher creates a dispatcher
func NewDispatcher(rules RuleSource, configs ConfigSource, recordings RecordingSource, logs LogStore, publisher TaskPublisher, logger logging.Logger) *Dispatcher {
	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		WithJitterFactor(0.1).
		Build()

	return &Dispatcher{
		rules:      rules,
		configs:    configs,
		recordings: recordings,
		logs:       logs,
		publisher:  publisher,
		logger:     logger,
		retry:      retry,
	}
}

// DispatchByRouterIDs applies a device's router ids to a recording.
// When sequential is set each router carries its position so downstream
// consumers can order the analyses.
func (d *Dispatcher) DispatchByRouterIDs(ctx context.Context, recordingID string, routerIDs []string, sequential bool) Result {
	var total Result
	for i, routerID := range routerIDs {
		sequenceOrder := 0
		if sequential {
			sequenceOrder = i
		}
		result, err := d.DispatchByRouterID(ctx, recordingID, routerID, sequenceOrder)
		if err != nil {
			d.logger.WithError(err).WithFields(logging.Fields{
				"recording_id": recordingID,
				"router_id":    routerID,
			}).Warn("Router dispatch failed")
			total.Failed++
			continue
		}
		total.merge(result)
	}
	return total
}

// DispatchByRouterID applies one router id to a recording. A recording
// that already carries the router id is skipped, which makes redelivered
// upload events idempotent.
func (d *Dispatcher) DispatchByRouterID(ctx context.Context, recordingID, routerID string, sequenceOrder int) (Result, error) {
	rule, err := d.rules.GetByRouterID(ctx, routerID)
	if err != nil {
		return Result{}, fmt.Errorf("router %s: %w", routerID, err)
	}
	if !rule.Enabled {
		d.logger.WithFields(logging.Fields{
			"router_id": routerID,
			"rule_id":   rule.RuleID,
		}).Debug("Rule disabled, skipping dispatch")
		return Result{Skipped: 1}, nil
	}

	rec, err := d.recordings.Get(ctx, recordingID)
	if err != nil {
		return Result{}, fmt.Errorf("recording %s: %w", recordingID, err)
	}

	for _, assigned := range rec.AssignedRouterIDs {
		if assigned == routerID {
			return Result{Skipped: 1}, nil
		}
	}

	result := d.createTasks(ctx, recordingID, *rule, routerID, sequenceOrder)

	if result.Dispatched > 0 {
		if err := d.recordings.MarkRouted(ctx, recordingID, routerID); err != nil {
			d.logger.WithError(err).WithFields(logging.Fields{
				"recording_id": recordingID,
				"router_id":    routerID,
			}).Error("Failed to mark recording routed")
		}
	}

	return result, nil
}

// DispatchMatched dispatches every rule the engine matched for a
// recording, each through its primary router id.
func (d *Dispatcher) DispatchMatched(ctx context.Context, recordingID string, matched []models.RoutingRule) Result {
	var total Result
	for _, rule := range matched {
		routerID := rule.RuleID
		if len(rule.RouterIDs) > 0 {
			routerID = rule.RouterIDs[0]
		}
		result, err := d.DispatchByRouterID(ctx, recordingID, routerID, 0)
		if err != nil {
			d.logger.WithError(err).WithFields(logging.Fields{
				"recording_id": recordingID,
				"rule_id":      rule.RuleID,
			}).Warn("Matched rule dispatch failed")
			total.Failed++
			continue
		}
		total.merge(result)
	}
	return total
}

// createTasks creates and publishes one task per rule action
func (d *Dispatcher) createTasks(ctx context.Context, recordingID string, rule models.RoutingRule, routerID string, sequenceOrder int) Result {
	var result Result

	for _, action := range rule.Actions {
		cfg, err := d.configs.GetConfig(ctx, action.AnalysisConfigID)
		if err != nil {
			d.logger.WithError(err).WithFields(logging.Fields{
				"rule_id":   rule.RuleID,
				"config_id": action.AnalysisConfigID,
			}).Error("Failed to load analysis config")
			result.Failed++
			continue
		}
		if !cfg.Enabled {
			result.Skipped++
			continue
		}

		methodID := action.MethodID
		if methodID == "" {
			methodID = cfg.MethodID
		}

		task := models.TaskMessage{
			TaskID:           uuid.New().String(),
			RecordingID:      recordingID,
			AnalysisConfigID: cfg.ConfigID,
			MethodID:         methodID,
			TargetStoreID:    action.TargetStoreID,
			CreatedAt:        time.Now().UTC(),
			Routing: models.RoutingMetadata{
				RuleID:        rule.RuleID,
				RuleName:      rule.Name,
				RouterID:      routerID,
				SequenceOrder: sequenceOrder,
			},
		}

		if _, err := d.logs.Create(ctx, task); err != nil {
			d.logger.WithError(err).WithFields(logging.Fields{
				"task_id": task.TaskID,
			}).Error("Failed to create execution log")
			result.Failed++
			continue
		}

		if err := d.publish(ctx, task); err != nil {
			d.logger.WithError(err).WithFields(logging.Fields{
				"task_id":      task.TaskID,
				"recording_id": recordingID,
			}).Error("Failed to publish task")
			if markErr := d.logs.MarkFailed(ctx, task.TaskID, fmt.Sprintf("publish failed: %v", err)); markErr != nil {
				d.logger.WithError(markErr).Error("Failed to mark execution log failed")
			}
			result.Failed++
			continue
		}

		result.Dispatched++
		d.logger.WithFields(logging.Fields{
			"task_id":      task.TaskID,
			"recording_id": recordingID,
			"rule_id":      rule.RuleID,
			"config_id":    cfg.ConfigID,
		}).Info("Task dispatched")
	}

	return result
}

func (d *Dispatcher) publish(ctx context.Context, task models.TaskMessage) error {
	_, err := failsafe.With(d.retry).WithContext(ctx).Get(func() (any, error) {
		return nil, d.publisher.PublishTask(ctx, task)
	})
	return err
}

// Backfill dispatches a rule against historical recordings it matches
// but has never been applied to. Pages keep going until no candidates
// remain or the context is cancelled.
func (d *Dispatcher) Backfill(ctx context.Context, routerID string, batchSize int64) (Result, error) {
	var total Result

	rule, err := d.rules.GetByRouterID(ctx, routerID)
	if err != nil {
		return total, fmt.Errorf("router %s: %w", routerID, err)
	}
	if !rule.Enabled || !rule.BackfillEnabled {
		return total, fmt.Errorf("rule %s is not enabled for backfill", rule.RuleID)
	}

	if batchSize <= 0 {
		batchSize = defaultBackfillBatchSize
	}
	query := routing.BuildQuery(*rule)

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		candidates, err := d.recordings.FindBackfillCandidates(ctx, query, routerID, batchSize)
		if err != nil {
			return total, err
		}
		if len(candidates) == 0 {
			return total, nil
		}

		for _, rec := range candidates {
			result := d.createTasks(ctx, rec.ID, *rule, routerID, 0)
			total.merge(result)

			// Mark even fully-skipped recordings so the next page
			// does not return them again.
			if err := d.recordings.MarkRouted(ctx, rec.ID, routerID); err != nil {
				d.logger.WithError(err).WithFields(logging.Fields{
					"recording_id": rec.ID,
				}).Error("Failed to mark backfilled recording routed")
			}
		}
	}
}

// PreviewBackfill counts the recordings a rule's conditions match
func (d *Dispatcher) PreviewBackfill(ctx context.Context, routerID string) (int64, error) {
	rule, err := d.rules.GetByRouterID(ctx, routerID)
	if err != nil {
		return 0, fmt.Errorf("router %s: %w", routerID, err)
	}
	return d.recordings.CountMatching(ctx, routing.BuildQuery(*rule))
}

// PreviewMatches returns the match count for a rule's conditions plus a
// sample of the newest matching recordings
func (d *Dispatcher) PreviewMatches(ctx context.Context, routerID string, sampleSize int64) (int64, []models.Recording, error) {
	rule, err := d.rules.GetByRouterID(ctx, routerID)
	if err != nil {
		return 0, nil, fmt.Errorf("router %s: %w", routerID, err)
	}

	query := routing.BuildQuery(*rule)
	count, err := d.recordings.CountMatching(ctx, query)
	if err != nil {
		return 0, nil, err
	}
	if sampleSize <= 0 {
		sampleSize = 10
	}
	sample, err := d.recordings.FindMatching(ctx, query, sampleSize)
	if err != nil {
		return 0, nil, err
	}
	return count, sample, nil
}
