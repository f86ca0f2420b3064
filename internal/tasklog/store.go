package tasklog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"soundfleet/pkg/database"
	"soundfleet/pkg/models"
)

// ErrLogNotFound is returned when no execution log exists for a task
var ErrLogNotFound = errors.New("task execution log not found")

// Store persists per-task execution logs
type Store struct {
	logs *mongo.Collection
}

// NewStore creates an execution log store
func NewStore(db *database.DB) *Store {
	return &Store{logs: db.Collection(database.CollectionTaskLogs)}
}

// Create writes a pending log entry for a freshly dispatched task
func (s *Store) Create(ctx context.Context, task models.TaskMessage) (*models.TaskExecutionLog, error) {
	now := time.Now().UTC()
	log := models.TaskExecutionLog{
		LogID:            uuid.New().String(),
		TaskID:           task.TaskID,
		RecordingID:      task.RecordingID,
		RouterID:         task.Routing.RouterID,
		RuleID:           task.Routing.RuleID,
		AnalysisConfigID: task.AnalysisConfigID,
		MethodID:         task.MethodID,
		TargetStoreID:    task.TargetStoreID,
		Status:           models.TaskStatusPending,
		CreatedAt:        now,
		Metadata: map[string]interface{}{
			"rule_name":      task.Routing.RuleName,
			"sequence_order": task.Routing.SequenceOrder,
		},
	}

	if _, err := s.logs.InsertOne(ctx, log); err != nil {
		return nil, fmt.Errorf("failed to create execution log for task %s: %w", task.TaskID, err)
	}
	return &log, nil
}

// MarkProcessing transitions a task to processing, attaches the worker
// identity and bumps the attempt counter. started_at is only written on
// the first attempt so redeliveries keep the original start time.
func (s *Store) MarkProcessing(ctx context.Context, taskID, nodeID string, nodeInfo map[string]interface{}) (*models.TaskExecutionLog, error) {
	now := time.Now().UTC()

	_, err := s.logs.UpdateOne(ctx,
		bson.M{"task_id": taskID, "started_at": nil},
		bson.M{"$set": bson.M{"started_at": now}})
	if err != nil {
		return nil, fmt.Errorf("failed to stamp started_at for task %s: %w", taskID, err)
	}

	var log models.TaskExecutionLog
	err = s.logs.FindOneAndUpdate(ctx,
		bson.M{"task_id": taskID},
		bson.M{
			"$set": bson.M{
				"status":    models.TaskStatusProcessing,
				"node_id":   nodeID,
				"node_info": nodeInfo,
			},
			"$inc": bson.M{"attempts": 1},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&log)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrLogNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark task %s processing: %w", taskID, err)
	}
	return &log, nil
}

// MarkCompleted records a successful terminal state
func (s *Store) MarkCompleted(ctx context.Context, taskID string) error {
	return s.finish(ctx, taskID, models.TaskStatusCompleted, "")
}

// MarkFailed records a failed terminal state with its error message
func (s *Store) MarkFailed(ctx context.Context, taskID, errorMessage string) error {
	return s.finish(ctx, taskID, models.TaskStatusFailed, errorMessage)
}

func (s *Store) finish(ctx context.Context, taskID, status, errorMessage string) error {
	now := time.Now().UTC()
	update := bson.M{
		"status":       status,
		"completed_at": now,
	}
	if errorMessage != "" {
		update["error_message"] = errorMessage
	}

	result, err := s.logs.UpdateOne(ctx, bson.M{"task_id": taskID}, bson.M{"$set": update})
	if err != nil {
		return fmt.Errorf("failed to mark task %s %s: %w", taskID, status, err)
	}
	if result.MatchedCount == 0 {
		return ErrLogNotFound
	}
	return nil
}

// GetByTaskID fetches one log entry
func (s *Store) GetByTaskID(ctx context.Context, taskID string) (*models.TaskExecutionLog, error) {
	var log models.TaskExecutionLog
	err := s.logs.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&log)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrLogNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution log for task %s: %w", taskID, err)
	}
	return &log, nil
}

// Stats summarizes execution log state for dashboards
type Stats struct {
	StatusCounts         map[string]int64 `json:"status_counts"`
	AvgProcessingSeconds float64          `json:"avg_processing_seconds"`
}

// Statistics aggregates status counts and the average processing time of
// completed tasks
func (s *Store) Statistics(ctx context.Context) (*Stats, error) {
	cursor, err := s.logs.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate status counts: %w", err)
	}

	var counts []struct {
		Status string `bson:"_id"`
		Count  int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &counts); err != nil {
		return nil, fmt.Errorf("failed to decode status counts: %w", err)
	}

	stats := &Stats{StatusCounts: make(map[string]int64)}
	for _, c := range counts {
		stats.StatusCounts[c.Status] = c.Count
	}

	cursor, err = s.logs.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"status":       models.TaskStatusCompleted,
			"started_at":   bson.M{"$ne": nil},
			"completed_at": bson.M{"$ne": nil},
		}}},
		{{Key: "$project", Value: bson.M{
			"elapsed_ms": bson.M{"$subtract": bson.A{"$completed_at", "$started_at"}},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":            nil,
			"avg_elapsed_ms": bson.M{"$avg": "$elapsed_ms"},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate processing time: %w", err)
	}

	var timing []struct {
		AvgElapsedMS float64 `bson:"avg_elapsed_ms"`
	}
	if err := cursor.All(ctx, &timing); err != nil {
		return nil, fmt.Errorf("failed to decode processing time: %w", err)
	}
	if len(timing) > 0 {
		stats.AvgProcessingSeconds = timing[0].AvgElapsedMS / 1000.0
	}

	return stats, nil
}
