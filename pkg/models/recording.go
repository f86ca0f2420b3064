package models

import "time"

// Pipeline step names, in execution order
const (
	StepConversion        = "conversion"
	StepSegmentation      = "segmentation"
	StepFeatureExtraction = "feature_extraction"
	StepClassification    = "classification"
)

// Step result states
const (
	StepStatePending    = "pending"
	StepStateProcessing = "processing"
	StepStateCompleted  = "completed"
	StepStateError      = "error"
	StepStatePass       = "pass"
)

// Recording is one captured audio record plus its analysis history
type Recording struct {
	ID        string                 `bson:"recording_id" json:"recording_id"`
	DeviceID  string                 `bson:"device_id" json:"device_id"`
	Files     RecordingFiles         `bson:"files" json:"files"`
	Metadata  map[string]interface{} `bson:"metadata" json:"metadata"`
	Analysis  AnalysisContainer      `bson:"analysis" json:"analysis"`

	// Router ids already applied to this recording, for dispatch idempotence
	AssignedRouterIDs  []string   `bson:"assigned_router_ids,omitempty" json:"assigned_router_ids,omitempty"`
	LastRouterDispatch *time.Time `bson:"last_router_dispatch,omitempty" json:"last_router_dispatch,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// RecordingFiles references the captured payload in the blob store
type RecordingFiles struct {
	RawFileID  string `bson:"raw_file_id" json:"raw_file_id"`
	Filename   string `bson:"filename" json:"filename"`
	SizeBytes  int64  `bson:"size_bytes" json:"size_bytes"`
	DurationMS int64  `bson:"duration_ms,omitempty" json:"duration_ms,omitempty"`
	SHA256     string `bson:"sha256,omitempty" json:"sha256,omitempty"`
}

// AnalysisContainer embeds the multi-run analysis history in the recording.
// Runs are keyed by run id so a single point update can touch one run
// without rewriting the rest.
type AnalysisContainer struct {
	ActiveRunID     *string                `bson:"active_run_id" json:"active_run_id"`
	LatestRunID     *string                `bson:"latest_run_id,omitempty" json:"latest_run_id,omitempty"`
	TotalRuns       int                    `bson:"total_runs" json:"total_runs"`
	LastRequestedAt *time.Time             `bson:"last_requested_at,omitempty" json:"last_requested_at,omitempty"`
	LastStartedAt   *time.Time             `bson:"last_started_at,omitempty" json:"last_started_at,omitempty"`
	LastCompletedAt *time.Time             `bson:"last_completed_at,omitempty" json:"last_completed_at,omitempty"`
	Runs            map[string]AnalysisRun `bson:"runs" json:"runs"`
}

// AnalysisRun is one attempt at the four-step pipeline
type AnalysisRun struct {
	ID           string                `bson:"run_id" json:"run_id"`
	Context      RunContext            `bson:"context" json:"context"`
	Steps        map[string]StepResult `bson:"steps" json:"steps"`
	Summary      *RunSummary           `bson:"summary,omitempty" json:"summary,omitempty"`
	RequestedAt  time.Time             `bson:"requested_at" json:"requested_at"`
	StartedAt    time.Time             `bson:"started_at" json:"started_at"`
	CompletedAt  *time.Time            `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	ErrorMessage *string               `bson:"error_message,omitempty" json:"error_message,omitempty"`
}

// RunContext records what triggered the run and where results go
type RunContext struct {
	RuleID           string `bson:"rule_id,omitempty" json:"rule_id,omitempty"`
	RouterID         string `bson:"router_id,omitempty" json:"router_id,omitempty"`
	AnalysisConfigID string `bson:"analysis_config_id" json:"analysis_config_id"`
	MethodID         string `bson:"analysis_method_id,omitempty" json:"analysis_method_id,omitempty"`
	TargetStoreID    string `bson:"target_store_id,omitempty" json:"target_store_id,omitempty"`
	NodeID           string `bson:"node_id,omitempty" json:"node_id,omitempty"`
}

// StepResult is the persisted outcome of one pipeline step
type StepResult struct {
	DisplayOrder      int                    `bson:"display_order" json:"display_order"`
	State             string                 `bson:"state" json:"state"`
	Data              interface{}            `bson:"data,omitempty" json:"data,omitempty"`
	ProcessorMetadata map[string]interface{} `bson:"processor_metadata,omitempty" json:"processor_metadata,omitempty"`
	Message           string                 `bson:"message,omitempty" json:"message,omitempty"`
	StartedAt         *time.Time             `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt       *time.Time             `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// RunSummary is the classification roll-up written when a run completes
type RunSummary struct {
	FinalPrediction   string  `bson:"final_prediction" json:"final_prediction"`
	TotalSegments     int     `bson:"total_segments" json:"total_segments"`
	NormalCount       int     `bson:"normal_count" json:"normal_count"`
	AbnormalCount     int     `bson:"abnormal_count" json:"abnormal_count"`
	UnknownCount      int     `bson:"unknown_count" json:"unknown_count"`
	AverageConfidence float64 `bson:"average_confidence" json:"average_confidence"`
	Method            string  `bson:"method" json:"method"`
}
