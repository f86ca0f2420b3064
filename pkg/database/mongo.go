package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"soundfleet/pkg/logging"
)

// Collection names used across services
const (
	CollectionDevices         = "devices"
	CollectionNodes           = "nodes"
	CollectionRoutingRules    = "routing_rules"
	CollectionAnalysisConfigs = "analysis_configs"
	CollectionRecordings      = "recordings"
	CollectionTaskLogs        = "task_execution_logs"
)

// DB wraps the Mongo client with the database handle services operate on
type DB struct {
	Client   *mongo.Client
	Database *mongo.Database
	logger   logging.Logger
}

// Connect establishes a verified connection to MongoDB
func Connect(ctx context.Context, uri, dbName string, logger logging.Logger) (*DB, error) {
	client, err := mongo.Connect(options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(10 * time.Second).
		SetMaxPoolSize(50))
	if err != nil {
		return nil, fmt.Errorf("failed to create mongo client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	logger.WithFields(logging.Fields{
		"database": dbName,
	}).Info("Connected to MongoDB")

	return &DB{
		Client:   client,
		Database: client.Database(dbName),
		logger:   logger,
	}, nil
}

// Collection returns a handle to a named collection
func (d *DB) Collection(name string) *mongo.Collection {
	return d.Database.Collection(name)
}

// Bucket returns the GridFS bucket backing the blob store
func (d *DB) Bucket() *mongo.GridFSBucket {
	return d.Database.GridFSBucket()
}

// Close disconnects the underlying client
func (d *DB) Close(ctx context.Context) error {
	return d.Client.Disconnect(ctx)
}

// EnsureIndexes creates the indexes the hot paths rely on. Safe to call on
// every startup; existing indexes are no-ops.
func (d *DB) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		CollectionDevices: {
			{Keys: bson.D{{Key: "connection_info.session_id", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		CollectionNodes: {
			{Keys: bson.D{{Key: "last_heartbeat", Value: 1}}},
		},
		CollectionRoutingRules: {
			{Keys: bson.D{{Key: "rule_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "enabled", Value: 1}, {Key: "priority", Value: -1}}},
			{Keys: bson.D{{Key: "router_ids", Value: 1}}},
		},
		CollectionAnalysisConfigs: {
			{Keys: bson.D{{Key: "config_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		CollectionRecordings: {
			{Keys: bson.D{{Key: "recording_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "device_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "analysis.active_run_id", Value: 1}}},
		},
		CollectionTaskLogs: {
			{Keys: bson.D{{Key: "log_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "task_id", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
		},
	}

	for collection, models := range indexes {
		if _, err := d.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes for %s: %w", collection, err)
		}
	}

	return nil
}
