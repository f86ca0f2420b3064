package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"soundfleet/internal/blob"
	"soundfleet/internal/recordings"
	"soundfleet/pkg/logging"
	"soundfleet/pkg/models"
)

// RunStore is the recording persistence the executor needs
type RunStore interface {
	Get(ctx context.Context, recordingID string) (*models.Recording, error)
	Claim(ctx context.Context, recordingID string, runCtx models.RunContext) (string, error)
	SaveStep(ctx context.Context, recordingID, runID, stepName string, step models.StepResult) error
	CompleteRun(ctx context.Context, recordingID, runID string, summary models.RunSummary) error
	FailRun(ctx context.Context, recordingID, runID, errorMessage string) error
}

// ConfigSource resolves analysis configs
type ConfigSource interface {
	GetConfig(ctx context.Context, configID string) (*models.AnalysisConfig, error)
}

// Executor drives the four-step analysis pipeline over one recording at
// a time. Every step is persisted before the next starts; any failure
// releases the claim via FailRun and surfaces the error to the caller,
// which owns the retry policy.
type Executor struct {
	store      RunStore
	configs    ConfigSource
	blobs      blob.Store
	processors Processors
	nodeID     string
	logger     logging.Logger
}

// NewExecutor creates a pipeline executor
func NewExecutor(store RunStore, configs ConfigSource, blobs blob.Store, processors Processors, nodeID string, logger logging.Logger) *Executor {
	return &Executor{
		store:      store,
		configs:    configs,
		blobs:      blobs,
		processors: processors,
		nodeID:     nodeID,
		logger:     logger,
	}
}

// Process runs the pipeline for one task. A nil return means the task is
// settled: either the run completed, another worker holds the claim, or
// the work was already done. An error means the attempt failed.
func (e *Executor) Process(ctx context.Context, task models.TaskMessage) error {
	rec, err := e.store.Get(ctx, task.RecordingID)
	if err != nil {
		return fmt.Errorf("load recording: %w", err)
	}

	if recordings.HasCompletedRun(rec, task.AnalysisConfigID) {
		e.logger.WithFields(logging.Fields{
			"recording_id": task.RecordingID,
			"config_id":    task.AnalysisConfigID,
		}).Info("Recording already analyzed, skipping")
		return nil
	}

	cfg, err := e.configs.GetConfig(ctx, task.AnalysisConfigID)
	if err != nil {
		return fmt.Errorf("load analysis config: %w", err)
	}

	runCtx := models.RunContext{
		RuleID:           task.Routing.RuleID,
		RouterID:         task.Routing.RouterID,
		AnalysisConfigID: task.AnalysisConfigID,
		MethodID:         task.MethodID,
		TargetStoreID:    task.TargetStoreID,
		NodeID:           e.nodeID,
	}

	runID, err := e.store.Claim(ctx, task.RecordingID, runCtx)
	if errors.Is(err, recordings.ErrRunActive) {
		// Another worker holds the recording; not a failure.
		e.logger.WithFields(logging.Fields{
			"recording_id": task.RecordingID,
		}).Info("Recording claimed elsewhere, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim recording: %w", err)
	}

	log := e.logger.WithFields(logging.Fields{
		"recording_id": task.RecordingID,
		"run_id":       runID,
	})
	log.Info("Analysis run started")

	audio, err := e.blobs.Get(ctx, rec.Files.RawFileID)
	if err != nil {
		return e.abortRun(ctx, task.RecordingID, runID, fmt.Errorf("fetch audio blob: %w", err))
	}

	audio, err = e.runConversion(ctx, task.RecordingID, runID, audio, rec.Files.Filename)
	if err != nil {
		return err
	}

	segments, err := e.runSegmentation(ctx, task.RecordingID, runID, audio, cfg.Parameters)
	if err != nil {
		return err
	}

	features, err := e.runFeatureExtraction(ctx, task.RecordingID, runID, segments, cfg.Parameters)
	if err != nil {
		return err
	}

	summary, err := e.runClassification(ctx, task.RecordingID, runID, features, cfg)
	if err != nil {
		return err
	}

	if err := e.store.CompleteRun(ctx, task.RecordingID, runID, *summary); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}

	log.WithFields(logging.Fields{
		"final_prediction": summary.FinalPrediction,
		"total_segments":   summary.TotalSegments,
	}).Info("Analysis run completed")
	return nil
}

// runConversion is step 0: convert the payload or record a pass-through
func (e *Executor) runConversion(ctx context.Context, recordingID, runID string, audio []byte, filename string) ([]byte, error) {
	started := time.Now().UTC()

	if !e.processors.Converter.NeedsConversion(filename) {
		step := completedStep(0, started)
		step.State = models.StepStatePass
		step.Message = "conversion not required"
		if err := e.store.SaveStep(ctx, recordingID, runID, models.StepConversion, step); err != nil {
			return nil, e.abortRun(ctx, recordingID, runID, fmt.Errorf("save conversion step: %w", err))
		}
		return audio, nil
	}

	e.beginStep(ctx, recordingID, runID, models.StepConversion, 0, started)
	result, err := e.processors.Converter.Convert(ctx, audio, filename)
	if err != nil {
		return nil, e.failStep(ctx, recordingID, runID, models.StepConversion, 0, started, err)
	}

	step := completedStep(0, started)
	step.ProcessorMetadata = result.Metadata
	if err := e.store.SaveStep(ctx, recordingID, runID, models.StepConversion, step); err != nil {
		return nil, e.abortRun(ctx, recordingID, runID, fmt.Errorf("save conversion step: %w", err))
	}
	return result.Audio, nil
}

// runSegmentation is step 1
func (e *Executor) runSegmentation(ctx context.Context, recordingID, runID string, audio []byte, params map[string]interface{}) ([]Segment, error) {
	started := time.Now().UTC()

	e.beginStep(ctx, recordingID, runID, models.StepSegmentation, 1, started)
	segments, meta, err := e.processors.Slicer.Slice(ctx, audio, params)
	if err != nil {
		return nil, e.failStep(ctx, recordingID, runID, models.StepSegmentation, 1, started, err)
	}

	step := completedStep(1, started)
	step.ProcessorMetadata = mergeMetadata(meta, map[string]interface{}{
		"segments_count": len(segments),
	})
	step.Data = segments
	if err := e.store.SaveStep(ctx, recordingID, runID, models.StepSegmentation, step); err != nil {
		return nil, e.abortRun(ctx, recordingID, runID, fmt.Errorf("save segmentation step: %w", err))
	}
	return segments, nil
}

// runFeatureExtraction is step 2. Feature vectors stay out of the
// document; only their shape is recorded.
func (e *Executor) runFeatureExtraction(ctx context.Context, recordingID, runID string, segments []Segment, params map[string]interface{}) ([][]float64, error) {
	started := time.Now().UTC()

	e.beginStep(ctx, recordingID, runID, models.StepFeatureExtraction, 2, started)
	features, meta, err := e.processors.Extractor.Extract(ctx, segments, params)
	if err != nil {
		return nil, e.failStep(ctx, recordingID, runID, models.StepFeatureExtraction, 2, started, err)
	}

	featureDim := 0
	if len(features) > 0 {
		featureDim = len(features[0])
	}
	step := completedStep(2, started)
	step.ProcessorMetadata = mergeMetadata(meta, map[string]interface{}{
		"vectors":     len(features),
		"feature_dim": featureDim,
	})
	if err := e.store.SaveStep(ctx, recordingID, runID, models.StepFeatureExtraction, step); err != nil {
		return nil, e.abortRun(ctx, recordingID, runID, fmt.Errorf("save feature step: %w", err))
	}
	return features, nil
}

// runClassification is step 3 and produces the run summary
func (e *Executor) runClassification(ctx context.Context, recordingID, runID string, features [][]float64, cfg *models.AnalysisConfig) (*models.RunSummary, error) {
	started := time.Now().UTC()

	e.beginStep(ctx, recordingID, runID, models.StepClassification, 3, started)
	predictions, meta, err := e.processors.Classifier.Classify(ctx, features, cfg.Parameters)
	if err != nil {
		return nil, e.failStep(ctx, recordingID, runID, models.StepClassification, 3, started, err)
	}

	summary := Summarize(predictions, cfg.MethodID)

	step := completedStep(3, started)
	step.Data = predictions
	step.ProcessorMetadata = meta
	if err := e.store.SaveStep(ctx, recordingID, runID, models.StepClassification, step); err != nil {
		return nil, e.abortRun(ctx, recordingID, runID, fmt.Errorf("save classification step: %w", err))
	}
	return &summary, nil
}

// beginStep writes the processing marker before the processor runs so a
// worker crash leaves a visibly in-flight step behind. A failed marker
// write does not abort the run.
func (e *Executor) beginStep(ctx context.Context, recordingID, runID, stepName string, order int, started time.Time) {
	step := models.StepResult{
		DisplayOrder: order,
		State:        models.StepStateProcessing,
		StartedAt:    &started,
	}
	if err := e.store.SaveStep(ctx, recordingID, runID, stepName, step); err != nil {
		e.logger.WithError(err).WithFields(logging.Fields{
			"run_id": runID,
			"step":   stepName,
		}).Warn("Failed to mark step processing")
	}
}

// failStep persists the failed step, releases the claim and returns the
// original error
func (e *Executor) failStep(ctx context.Context, recordingID, runID, stepName string, order int, started time.Time, stepErr error) error {
	now := time.Now().UTC()
	step := models.StepResult{
		DisplayOrder: order,
		State:        models.StepStateError,
		Message:      stepErr.Error(),
		StartedAt:    &started,
		CompletedAt:  &now,
	}
	if err := e.store.SaveStep(ctx, recordingID, runID, stepName, step); err != nil {
		e.logger.WithError(err).Error("Failed to persist failed step")
	}
	return e.abortRun(ctx, recordingID, runID, fmt.Errorf("%s: %w", stepName, stepErr))
}

// abortRun releases the claim with the error recorded on the run
func (e *Executor) abortRun(ctx context.Context, recordingID, runID string, cause error) error {
	if err := e.store.FailRun(ctx, recordingID, runID, cause.Error()); err != nil {
		e.logger.WithError(err).WithFields(logging.Fields{
			"run_id": runID,
		}).Error("Failed to release run claim")
	}
	return cause
}

func completedStep(order int, started time.Time) models.StepResult {
	now := time.Now().UTC()
	return models.StepResult{
		DisplayOrder: order,
		State:        models.StepStateCompleted,
		StartedAt:    &started,
		CompletedAt:  &now,
	}
}

func mergeMetadata(base, extra map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
