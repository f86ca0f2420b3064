package nodes

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"soundfleet/pkg/database"
	"soundfleet/pkg/logging"
	"soundfleet/pkg/models"
)

// Registry is the worker-side node registration. It upserts the node
// document, keeps the heartbeat fresh from a background loop, and
// deletes the document on shutdown. Liveness itself is derived by
// readers from last_heartbeat, never written here.
type Registry struct {
	nodes     *mongo.Collection
	nodeID    string
	info      models.NodeInfo
	interval  time.Duration
	logger    logging.Logger
	taskCount atomic.Int64
}

// NewRegistry creates a node registry for one worker
func NewRegistry(db *database.DB, nodeID string, info models.NodeInfo, interval time.Duration, logger logging.Logger) *Registry {
	return &Registry{
		nodes:    db.Collection(database.CollectionNodes),
		nodeID:   nodeID,
		info:     info,
		interval: interval,
		logger:   logger,
	}
}

// NodeID returns this worker's node id
func (r *Registry) NodeID() string {
	return r.nodeID
}

// Info returns this worker's static description
func (r *Registry) Info() models.NodeInfo {
	return r.info
}

// Register upserts the node document
func (r *Registry) Register(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := r.nodes.UpdateOne(ctx,
		bson.M{"_id": r.nodeID},
		bson.M{
			"$set": bson.M{
				"info":           r.info,
				"current_tasks":  r.taskCount.Load(),
				"last_heartbeat": now,
				"updated_at":     now,
			},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to register node %s: %w", r.nodeID, err)
	}

	r.logger.WithFields(logging.Fields{
		"node_id": r.nodeID,
	}).Info("Node registered")
	return nil
}

// Unregister removes the node document
func (r *Registry) Unregister(ctx context.Context) error {
	if _, err := r.nodes.DeleteOne(ctx, bson.M{"_id": r.nodeID}); err != nil {
		return fmt.Errorf("failed to unregister node %s: %w", r.nodeID, err)
	}
	r.logger.WithFields(logging.Fields{
		"node_id": r.nodeID,
	}).Info("Node unregistered")
	return nil
}

// RunHeartbeat refreshes the heartbeat until the context is cancelled.
// Start after Register; stop (via context) before Unregister.
func (r *Registry) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.heartbeat(ctx); err != nil {
				r.logger.WithError(err).Warn("Node heartbeat failed")
			}
		}
	}
}

// heartbeat stamps last_heartbeat; a vanished document is re-registered
func (r *Registry) heartbeat(ctx context.Context) error {
	now := time.Now().UTC()
	result, err := r.nodes.UpdateOne(ctx,
		bson.M{"_id": r.nodeID},
		bson.M{"$set": bson.M{
			"last_heartbeat": now,
			"current_tasks":  r.taskCount.Load(),
			"updated_at":     now,
		}})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		r.logger.WithFields(logging.Fields{
			"node_id": r.nodeID,
		}).Warn("Node document missing, re-registering")
		return r.Register(ctx)
	}
	return nil
}

// TaskStarted bumps the in-flight task gauge
func (r *Registry) TaskStarted() {
	r.taskCount.Add(1)
}

// TaskFinished drops the in-flight task gauge
func (r *Registry) TaskFinished() {
	r.taskCount.Add(-1)
}

// CurrentTasks returns the in-flight task count
func (r *Registry) CurrentTasks() int64 {
	return r.taskCount.Load()
}
