package routing

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"soundfleet/pkg/database"
	"soundfleet/pkg/models"
)

// ErrRuleNotFound is returned when no rule matches the given id
var ErrRuleNotFound = errors.New("routing rule not found")

// Store reads routing rules and analysis configs from the document store
type Store struct {
	rules   *mongo.Collection
	configs *mongo.Collection
}

// NewStore creates a rule store over the shared database handle
func NewStore(db *database.DB) *Store {
	return &Store{
		rules:   db.Collection(database.CollectionRoutingRules),
		configs: db.Collection(database.CollectionAnalysisConfigs),
	}
}

// GetByRuleID fetches one rule
func (s *Store) GetByRuleID(ctx context.Context, ruleID string) (*models.RoutingRule, error) {
	var rule models.RoutingRule
	err := s.rules.FindOne(ctx, bson.M{"rule_id": ruleID}).Decode(&rule)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rule %s: %w", ruleID, err)
	}
	return &rule, nil
}

// GetByRouterID fetches the rule owning a router id
func (s *Store) GetByRouterID(ctx context.Context, routerID string) (*models.RoutingRule, error) {
	var rule models.RoutingRule
	err := s.rules.FindOne(ctx, bson.M{"router_ids": routerID}).Decode(&rule)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rule for router %s: %w", routerID, err)
	}
	return &rule, nil
}

// ListEnabled returns all enabled rules ordered by priority descending
func (s *Store) ListEnabled(ctx context.Context) ([]models.RoutingRule, error) {
	cursor, err := s.rules.Find(ctx, bson.M{"enabled": true},
		options.Find().SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled rules: %w", err)
	}

	var rules []models.RoutingRule
	if err := cursor.All(ctx, &rules); err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	return rules, nil
}

// GetConfig fetches one analysis config
func (s *Store) GetConfig(ctx context.Context, configID string) (*models.AnalysisConfig, error) {
	var cfg models.AnalysisConfig
	err := s.configs.FindOne(ctx, bson.M{"config_id": configID}).Decode(&cfg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("analysis config %s not found", configID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load analysis config %s: %w", configID, err)
	}
	return &cfg, nil
}
