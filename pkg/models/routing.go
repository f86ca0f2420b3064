package models

import "time"

// RoutingRule decides which analyses a recording should receive.
// Conditions use a Mongo-style operator tree evaluated against the
// recording's metadata document.
type RoutingRule struct {
	RuleID          string                 `bson:"rule_id" json:"rule_id"`
	Name            string                 `bson:"rule_name" json:"rule_name"`
	Description     string                 `bson:"description,omitempty" json:"description,omitempty"`
	Priority        int                    `bson:"priority" json:"priority"`
	Conditions      map[string]interface{} `bson:"conditions" json:"conditions"`
	Actions         []RuleAction           `bson:"actions" json:"actions"`
	Enabled         bool                   `bson:"enabled" json:"enabled"`
	RouterIDs       []string               `bson:"router_ids" json:"router_ids"`
	BackfillEnabled bool                   `bson:"backfill_enabled" json:"backfill_enabled"`
	CreatedAt       time.Time              `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time              `bson:"updated_at" json:"updated_at"`
}

// RuleAction is one dispatch target of a matched rule
type RuleAction struct {
	AnalysisConfigID string `bson:"analysis_config_id" json:"analysis_config_id"`
	MethodID         string `bson:"analysis_method_id,omitempty" json:"analysis_method_id,omitempty"`
	TargetStoreID    string `bson:"target_store_id" json:"target_store_id"`
}

// AnalysisConfig parameterizes one analysis method
type AnalysisConfig struct {
	ConfigID   string                 `bson:"config_id" json:"config_id"`
	Name       string                 `bson:"name" json:"name"`
	MethodID   string                 `bson:"analysis_method_id" json:"analysis_method_id"`
	Enabled    bool                   `bson:"enabled" json:"enabled"`
	Parameters map[string]interface{} `bson:"parameters,omitempty" json:"parameters,omitempty"`
	ModelFiles map[string]string      `bson:"model_files,omitempty" json:"model_files,omitempty"`
	CreatedAt  time.Time              `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time              `bson:"updated_at" json:"updated_at"`
}
