package worker

import (
	"context"
	"fmt"

	"soundfleet/pkg/bus"
	"soundfleet/pkg/logging"
	"soundfleet/pkg/models"
)

// RunExecutor processes one task end to end
type RunExecutor interface {
	Process(ctx context.Context, task models.TaskMessage) error
}

// ExecutionLog is the audit trail the handler maintains per attempt
type ExecutionLog interface {
	MarkProcessing(ctx context.Context, taskID, nodeID string, nodeInfo map[string]interface{}) (*models.TaskExecutionLog, error)
	MarkCompleted(ctx context.Context, taskID string) error
	MarkFailed(ctx context.Context, taskID, errorMessage string) error
}

// TaskGauge tracks in-flight work for the node heartbeat
type TaskGauge interface {
	TaskStarted()
	TaskFinished()
}

const defaultMaxAttempts = 3

// Handler adapts the pipeline executor to the broker consumer. It owns
// the bounded-retry decision: a failed attempt under the limit is
// requeued, the attempt at the limit is dropped with a failed log entry.
type Handler struct {
	executor    RunExecutor
	logs        ExecutionLog
	gauge       TaskGauge
	nodeID      string
	nodeInfo    map[string]interface{}
	maxAttempts int
	logger      logging.Logger
}

// NewHandler creates a consume handler for one worker node
func NewHandler(executor RunExecutor, logs ExecutionLog, gauge TaskGauge, nodeID string, nodeInfo models.NodeInfo, logger logging.Logger) *Handler {
	return &Handler{
		executor: executor,
		logs:     logs,
		gauge:    gauge,
		nodeID:   nodeID,
		nodeInfo: map[string]interface{}{
			"hostname": nodeInfo.Hostname,
			"version":  nodeInfo.Version,
		},
		maxAttempts: defaultMaxAttempts,
		logger:      logger,
	}
}

// Handle processes one delivery and reports its fate to the consumer
func (h *Handler) Handle(ctx context.Context, task models.TaskMessage) bus.Outcome {
	h.gauge.TaskStarted()
	defer h.gauge.TaskFinished()

	attempts := 1
	log, err := h.logs.MarkProcessing(ctx, task.TaskID, h.nodeID, h.nodeInfo)
	if err != nil {
		// A task without a log entry is still worth processing; the
		// dispatcher writes the entry before publishing, so this only
		// happens when the log store is unreachable.
		h.logger.WithError(err).WithFields(logging.Fields{
			"task_id": task.TaskID,
		}).Warn("Failed to mark task processing")
	} else {
		attempts = log.Attempts
	}

	if err := h.process(ctx, task); err != nil {
		if attempts >= h.maxAttempts {
			h.logger.WithError(err).WithFields(logging.Fields{
				"task_id":  task.TaskID,
				"attempts": attempts,
			}).Error("Task failed permanently")
			if markErr := h.logs.MarkFailed(ctx, task.TaskID, err.Error()); markErr != nil {
				h.logger.WithError(markErr).Error("Failed to mark task failed")
			}
			return bus.Drop
		}

		h.logger.WithError(err).WithFields(logging.Fields{
			"task_id":  task.TaskID,
			"attempts": attempts,
		}).Warn("Task failed, requeueing")
		return bus.Requeue
	}

	if err := h.logs.MarkCompleted(ctx, task.TaskID); err != nil {
		h.logger.WithError(err).WithFields(logging.Fields{
			"task_id": task.TaskID,
		}).Error("Failed to mark task completed")
	}
	return bus.Done
}

// process converts an executor panic into a failed attempt so the
// attempt limit bounds it and the final attempt still lands a terminal
// failed log entry
func (h *Handler) process(ctx context.Context, task models.TaskMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task execution panic: %v", r)
		}
	}()
	return h.executor.Process(ctx, task)
}
