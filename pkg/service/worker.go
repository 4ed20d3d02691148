package service

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/ignatij/gosched/pkg/models"
	"github.com/ignatij/gosched/pkg/storage"
)

// TaskRun is one claimed task handed to the worker pool.
type TaskRun struct {
	TaskID     string
	Type       string
	DurationMs int64
}

// TaskHandler performs the work for one task type. The default handler sleeps
// for the declared duration; custom handlers exist so tests can induce
// failures deterministically.
type TaskHandler func(run TaskRun) error

// Worker executes a single claimed task and commits the resulting transition.
// It never touches remaining_deps; the store owns all propagation.
type Worker struct {
	store    storage.Store
	handlers map[string]TaskHandler
	logger   Logger
	metrics  Metrics
}

func NewWorker(store storage.Store, logger Logger, metrics Metrics) *Worker {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Worker{
		store:    store,
		handlers: make(map[string]TaskHandler),
		logger:   logger,
		metrics:  metrics,
	}
}

// RegisterHandler overrides execution for a task type.
func (w *Worker) RegisterHandler(taskType string, handler TaskHandler) {
	w.handlers[taskType] = handler
}

// Run executes the task and records the outcome. A panic in the handler is
// treated as a failure. A StateConflict on completion means recovery already
// requeued or failed the task while we were running; the store is
// authoritative, so the result is dropped.
func (w *Worker) Run(run TaskRun) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Errorf("Task %s panicked: %v", run.TaskID, r)
			w.failOrRetry(run.TaskID, fmt.Sprintf("panic: %v", r))
		}
	}()

	w.logger.Debugf("Running task %s for %dms", run.TaskID, run.DurationMs)
	start := nowMs()

	handler, ok := w.handlers[run.Type]
	if !ok {
		handler = sleepHandler
	}

	if err := handler(run); err != nil {
		w.logger.Warnf("Task %s failed after %dms: %v", run.TaskID, nowMs()-start, err)
		w.failOrRetry(run.TaskID, err.Error())
		return
	}

	if err := w.store.MarkCompleted(run.TaskID, nowMs()); err != nil {
		var conflict *storage.StateConflictError
		if errors.As(err, &conflict) {
			// The lease expired mid-run and recovery took over.
			w.logger.Debugf("Task %s completion superseded (now %s); dropping result",
				run.TaskID, conflict.Status)
			return
		}
		w.logger.Errorf("Failed to mark task %s completed: %v", run.TaskID, err)
		w.failOrRetry(run.TaskID, err.Error())
		return
	}

	w.metrics.TaskCompleted()
	w.logger.Infof("Completed task %s in %dms", run.TaskID, nowMs()-start)
}

func (w *Worker) failOrRetry(taskID, errMsg string) {
	status, err := w.store.MarkFailedOrRetry(taskID, nowMs(), errMsg)
	if err != nil {
		var conflict *storage.StateConflictError
		if errors.As(err, &conflict) {
			w.logger.Debugf("Task %s failure superseded (now %s)", taskID, conflict.Status)
			return
		}
		w.logger.Errorf("Failed to record failure of task %s: %v", taskID, err)
		return
	}
	switch status {
	case models.QueuedTaskStatus:
		w.metrics.TaskRequeued()
		w.logger.Infof("Task %s requeued for retry", taskID)
	case models.FailedTaskStatus:
		w.metrics.TaskFailed()
		w.logger.Warnf("Task %s terminally failed: %s", taskID, errMsg)
	}
}

func sleepHandler(run TaskRun) error {
	time.Sleep(time.Duration(run.DurationMs) * time.Millisecond)
	return nil
}
