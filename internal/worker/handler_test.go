package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"soundfleet/pkg/bus"
	"soundfleet/pkg/models"
)

type fakeExecutor struct {
	err      error
	panicMsg string
}

func (f *fakeExecutor) Process(_ context.Context, _ models.TaskMessage) error {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.err
}

type fakeLog struct {
	attempts  int
	completed []string
	failed    []string
}

func (f *fakeLog) MarkProcessing(_ context.Context, taskID, _ string, _ map[string]interface{}) (*models.TaskExecutionLog, error) {
	f.attempts++
	return &models.TaskExecutionLog{
		TaskID:   taskID,
		Status:   models.TaskStatusProcessing,
		Attempts: f.attempts,
	}, nil
}

func (f *fakeLog) MarkCompleted(_ context.Context, taskID string) error {
	f.completed = append(f.completed, taskID)
	return nil
}

func (f *fakeLog) MarkFailed(_ context.Context, taskID, _ string) error {
	f.failed = append(f.failed, taskID)
	return nil
}

type fakeGauge struct {
	started, finished int
}

func (f *fakeGauge) TaskStarted()  { f.started++ }
func (f *fakeGauge) TaskFinished() { f.finished++ }

func newTestHandler(executor *fakeExecutor, logs *fakeLog, gauge *fakeGauge) *Handler {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewHandler(executor, logs, gauge, "node-1", models.NodeInfo{Hostname: "worker-a"}, logger)
}

func TestHandleSuccess(t *testing.T) {
	logs := &fakeLog{}
	gauge := &fakeGauge{}
	h := newTestHandler(&fakeExecutor{}, logs, gauge)

	outcome := h.Handle(context.Background(), models.TaskMessage{TaskID: "t1"})
	assert.Equal(t, bus.Done, outcome)
	assert.Equal(t, []string{"t1"}, logs.completed)
	assert.Empty(t, logs.failed)
	assert.Equal(t, 1, gauge.started)
	assert.Equal(t, 1, gauge.finished)
}

func TestHandleRequeuesUnderAttemptLimit(t *testing.T) {
	logs := &fakeLog{}
	h := newTestHandler(&fakeExecutor{err: errors.New("transient")}, logs, &fakeGauge{})

	outcome := h.Handle(context.Background(), models.TaskMessage{TaskID: "t1"})
	assert.Equal(t, bus.Requeue, outcome)
	assert.Empty(t, logs.failed)
	assert.Empty(t, logs.completed)
}

func TestHandleDropsAtAttemptLimit(t *testing.T) {
	logs := &fakeLog{}
	h := newTestHandler(&fakeExecutor{err: errors.New("persistent")}, logs, &fakeGauge{})

	task := models.TaskMessage{TaskID: "t1"}
	assert.Equal(t, bus.Requeue, h.Handle(context.Background(), task))
	assert.Equal(t, bus.Requeue, h.Handle(context.Background(), task))
	assert.Equal(t, bus.Drop, h.Handle(context.Background(), task))

	// Exactly one failed entry after the final attempt
	assert.Equal(t, []string{"t1"}, logs.failed)
	assert.Empty(t, logs.completed)
}

func TestHandlePanicExhaustsAttemptsAndMarksFailed(t *testing.T) {
	logs := &fakeLog{}
	h := newTestHandler(&fakeExecutor{panicMsg: "corrupt audio header"}, logs, &fakeGauge{})

	task := models.TaskMessage{TaskID: "t1"}
	assert.Equal(t, bus.Requeue, h.Handle(context.Background(), task))
	assert.Equal(t, bus.Requeue, h.Handle(context.Background(), task))
	assert.Equal(t, bus.Drop, h.Handle(context.Background(), task))

	// The run ends with a terminal failed entry, not a stuck processing one
	assert.Equal(t, []string{"t1"}, logs.failed)
	assert.Empty(t, logs.completed)
}

func TestHandleGaugeBalancedOnFailure(t *testing.T) {
	gauge := &fakeGauge{}
	h := newTestHandler(&fakeExecutor{err: errors.New("boom")}, &fakeLog{}, gauge)

	h.Handle(context.Background(), models.TaskMessage{TaskID: "t1"})
	assert.Equal(t, gauge.started, gauge.finished)
}
