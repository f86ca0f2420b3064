package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundfleet/internal/recordings"
	"soundfleet/pkg/models"
)

type savedStep struct {
	name string
	step models.StepResult
}

type fakeRunStore struct {
	recording   *models.Recording
	claimErr    error
	steps       []savedStep
	completed   *models.RunSummary
	failedWith  string
	claimedOnce bool
}

func (f *fakeRunStore) Get(_ context.Context, _ string) (*models.Recording, error) {
	if f.recording == nil {
		return nil, recordings.ErrNotFound
	}
	return f.recording, nil
}

func (f *fakeRunStore) Claim(_ context.Context, _ string, _ models.RunContext) (string, error) {
	if f.claimErr != nil {
		return "", f.claimErr
	}
	f.claimedOnce = true
	return "run-1", nil
}

func (f *fakeRunStore) SaveStep(_ context.Context, _, _, stepName string, step models.StepResult) error {
	f.steps = append(f.steps, savedStep{stepName, step})
	return nil
}

func (f *fakeRunStore) CompleteRun(_ context.Context, _, _ string, summary models.RunSummary) error {
	f.completed = &summary
	return nil
}

func (f *fakeRunStore) FailRun(_ context.Context, _, _, errorMessage string) error {
	f.failedWith = errorMessage
	return nil
}

type fakeConfigs struct{}

func (f *fakeConfigs) GetConfig(_ context.Context, configID string) (*models.AnalysisConfig, error) {
	return &models.AnalysisConfig{ConfigID: configID, MethodID: "leaf_v1", Enabled: true}, nil
}

type fakeBlobs struct {
	data map[string][]byte
}

func (f *fakeBlobs) Put(_ context.Context, _ string, _ []byte) (string, error) { return "", nil }
func (f *fakeBlobs) Get(_ context.Context, fileID string) ([]byte, error) {
	data, ok := f.data[fileID]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return data, nil
}
func (f *fakeBlobs) Exists(_ context.Context, _ string) (bool, error) { return true, nil }
func (f *fakeBlobs) Delete(_ context.Context, _ string) error         { return nil }

type failingSlicer struct{}

func (f *failingSlicer) Slice(_ context.Context, _ []byte, _ map[string]interface{}) ([]Segment, map[string]interface{}, error) {
	return nil, nil, errors.New("slicer exploded")
}

func testRecording() *models.Recording {
	return &models.Recording{
		ID:    "rec-1",
		Files: models.RecordingFiles{RawFileID: "blob-1", Filename: "capture.wav"},
		Analysis: models.AnalysisContainer{
			Runs: map[string]models.AnalysisRun{},
		},
	}
}

func testTask() models.TaskMessage {
	return models.TaskMessage{
		TaskID:           "task-1",
		RecordingID:      "rec-1",
		AnalysisConfigID: "cfg-1",
		MethodID:         "leaf_v1",
	}
}

func newTestExecutor(store *fakeRunStore, processors Processors) *Executor {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	blobs := &fakeBlobs{data: map[string][]byte{"blob-1": make([]byte, 64000)}}
	return NewExecutor(store, &fakeConfigs{}, blobs, processors, "node-1", logger)
}

func TestProcessRunsAllStepsAndCompletes(t *testing.T) {
	store := &fakeRunStore{recording: testRecording()}
	e := newTestExecutor(store, DefaultProcessors())

	err := e.Process(context.Background(), testTask())
	require.NoError(t, err)

	terminal := terminalSteps(store.steps)
	require.Len(t, terminal, 4)
	assert.Equal(t, models.StepConversion, terminal[0].name)
	assert.Equal(t, models.StepSegmentation, terminal[1].name)
	assert.Equal(t, models.StepFeatureExtraction, terminal[2].name)
	assert.Equal(t, models.StepClassification, terminal[3].name)

	for i, saved := range terminal {
		assert.Equal(t, i, saved.step.DisplayOrder)
	}

	// wav input skips conversion with a pass marker
	assert.Equal(t, models.StepStatePass, terminal[0].step.State)
	assert.Equal(t, models.StepStateCompleted, terminal[1].step.State)

	require.NotNil(t, store.completed)
	assert.NotEmpty(t, store.completed.FinalPrediction)
	assert.Empty(t, store.failedWith)
}

func terminalSteps(steps []savedStep) []savedStep {
	var terminal []savedStep
	for _, saved := range steps {
		if saved.step.State != models.StepStateProcessing {
			terminal = append(terminal, saved)
		}
	}
	return terminal
}

func TestProcessMarksStepsProcessingBeforeCompletion(t *testing.T) {
	store := &fakeRunStore{recording: testRecording()}
	e := newTestExecutor(store, DefaultProcessors())

	require.NoError(t, e.Process(context.Background(), testTask()))

	states := map[string][]string{}
	for _, saved := range store.steps {
		states[saved.name] = append(states[saved.name], saved.step.State)
	}

	// Skipped conversion records a pass without entering processing
	assert.Equal(t, []string{models.StepStatePass}, states[models.StepConversion])
	assert.Equal(t, []string{models.StepStateProcessing, models.StepStateCompleted}, states[models.StepSegmentation])
	assert.Equal(t, []string{models.StepStateProcessing, models.StepStateCompleted}, states[models.StepFeatureExtraction])
	assert.Equal(t, []string{models.StepStateProcessing, models.StepStateCompleted}, states[models.StepClassification])
}

func TestProcessStepFailureReleasesClaim(t *testing.T) {
	store := &fakeRunStore{recording: testRecording()}
	processors := DefaultProcessors()
	processors.Slicer = &failingSlicer{}
	e := newTestExecutor(store, processors)

	err := e.Process(context.Background(), testTask())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slicer exploded")

	// The failed step was persisted and the claim released
	terminal := terminalSteps(store.steps)
	require.Len(t, terminal, 2)
	assert.Equal(t, models.StepSegmentation, terminal[1].name)
	assert.Equal(t, models.StepStateError, terminal[1].step.State)
	assert.Contains(t, store.failedWith, "slicer exploded")
	assert.Nil(t, store.completed)
}

func TestProcessClaimConflictIsNotAFailure(t *testing.T) {
	store := &fakeRunStore{
		recording: testRecording(),
		claimErr:  recordings.ErrRunActive,
	}
	e := newTestExecutor(store, DefaultProcessors())

	err := e.Process(context.Background(), testTask())
	assert.NoError(t, err)
	assert.Empty(t, store.steps)
	assert.Nil(t, store.completed)
}

func TestProcessSkipsAlreadyAnalyzedRecording(t *testing.T) {
	rec := testRecording()
	done := time.Now().UTC()
	rec.Analysis.Runs["old"] = models.AnalysisRun{
		Context:     models.RunContext{AnalysisConfigID: "cfg-1"},
		CompletedAt: &done,
	}
	store := &fakeRunStore{recording: rec}
	e := newTestExecutor(store, DefaultProcessors())

	err := e.Process(context.Background(), testTask())
	assert.NoError(t, err)
	assert.False(t, store.claimedOnce, "should not claim an already analyzed recording")
}

func TestProcessMissingRecordingFails(t *testing.T) {
	store := &fakeRunStore{}
	e := newTestExecutor(store, DefaultProcessors())

	err := e.Process(context.Background(), testTask())
	assert.Error(t, err)
}
