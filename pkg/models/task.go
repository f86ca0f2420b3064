package models

import "time"

// Execution log statuses
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// TaskMessage is the broker payload for one analysis task
type TaskMessage struct {
	TaskID           string          `json:"task_id"`
	RecordingID      string          `json:"recording_id"`
	AnalysisConfigID string          `json:"analysis_config_id"`
	MethodID         string          `json:"analysis_method_id"`
	TargetStoreID    string          `json:"target_store_id"`
	CreatedAt        time.Time       `json:"created_at"`
	RetryCount       int             `json:"retry_count"`
	Routing          RoutingMetadata `json:"routing_metadata"`
}

// RoutingMetadata carries the provenance of a dispatched task
type RoutingMetadata struct {
	RuleID        string `json:"rule_id"`
	RuleName      string `json:"rule_name,omitempty"`
	RouterID      string `json:"router_id"`
	SequenceOrder int    `json:"sequence_order"`
}

// TaskExecutionLog is the per-task audit document
type TaskExecutionLog struct {
	LogID            string                 `bson:"log_id" json:"log_id"`
	TaskID           string                 `bson:"task_id" json:"task_id"`
	RecordingID      string                 `bson:"recording_id" json:"recording_id"`
	RouterID         string                 `bson:"router_id,omitempty" json:"router_id,omitempty"`
	RuleID           string                 `bson:"rule_id,omitempty" json:"rule_id,omitempty"`
	AnalysisConfigID string                 `bson:"analysis_config_id" json:"analysis_config_id"`
	MethodID         string                 `bson:"analysis_method_id,omitempty" json:"analysis_method_id,omitempty"`
	TargetStoreID    string                 `bson:"target_store_id,omitempty" json:"target_store_id,omitempty"`
	NodeID           *string                `bson:"node_id,omitempty" json:"node_id,omitempty"`
	NodeInfo         map[string]interface{} `bson:"node_info,omitempty" json:"node_info,omitempty"`
	Status           string                 `bson:"status" json:"status"`
	Attempts         int                    `bson:"attempts" json:"attempts"`
	CreatedAt        time.Time              `bson:"created_at" json:"created_at"`
	StartedAt        *time.Time             `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt      *time.Time             `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	ErrorMessage     *string                `bson:"error_message,omitempty" json:"error_message,omitempty"`
	Metadata         map[string]interface{} `bson:"metadata,omitempty" json:"metadata,omitempty"`
}
