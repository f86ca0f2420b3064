package nodes

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"soundfleet/pkg/database"
	"soundfleet/pkg/models"
)

// Store is the control-plane read side of the node collection
type Store struct {
	nodes *mongo.Collection
}

// NewStore creates a node store
func NewStore(db *database.DB) *Store {
	return &Store{nodes: db.Collection(database.CollectionNodes)}
}

// List returns all registered nodes
func (s *Store) List(ctx context.Context) ([]models.Node, error) {
	cursor, err := s.nodes.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	var nodes []models.Node
	if err := cursor.All(ctx, &nodes); err != nil {
		return nil, fmt.Errorf("failed to decode nodes: %w", err)
	}
	return nodes, nil
}
