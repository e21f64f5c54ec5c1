// Package dispatch publishes run requests for RUNNING task executions
// and confirms the handoff on the stored row. Publishing happens after
// the owning state transition is committed; a crash between commit and
// publish leaves an unconfirmed row for the recovery sweep to resend.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskmill/taskmill/pkg/models"
	"github.com/taskmill/taskmill/pkg/observability"
	"github.com/taskmill/taskmill/pkg/queue"
	"github.com/taskmill/taskmill/pkg/resilience"
)

// Publisher is the slice of the broker the dispatcher needs.
type Publisher interface {
	PublishRunRequest(ctx context.Context, req *queue.RunRequest) error
}

// ConfirmStore records that a run request left the process.
type ConfirmStore interface {
	ConfirmDispatch(ctx context.Context, taskExecutionID uuid.UUID, attempt int, dispatchedAt time.Time) error
}

// Dispatcher sends run requests to the executor channel.
type Dispatcher struct {
	publisher Publisher
	store     ConfirmStore
	retrier   *resilience.Retrier
	breaker   *resilience.Breaker
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// NewDispatcher creates a dispatcher. A nil retrier gets the default
// short-backoff policy; nil logger and metrics become no-ops.
func NewDispatcher(publisher Publisher, store ConfirmStore, retrier *resilience.Retrier, logger observability.Logger, metrics observability.MetricsClient) *Dispatcher {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	if retrier == nil {
		retrier = resilience.NewRetrier(resilience.DefaultRetryConfig(), logger)
	}
	return &Dispatcher{
		publisher: publisher,
		store:     store,
		retrier:   retrier,
		breaker:   resilience.NewBreaker("dispatch_publish", resilience.BreakerConfig{}, logger),
		logger:    logger,
		metrics:   metrics,
	}
}

// Dispatch publishes a run request for the given task execution and
// confirms it. The request carries the row's current attempt so the
// executor's result can be matched back against the exact dispatch.
//
// Publish failures are returned without touching the row: the dispatch
// stays unconfirmed and the sweep resends it later. Confirmation
// failures are logged only, since the request is already on the wire
// and a resend is harmless. A sustained run of publish failures trips
// a breaker that rejects further dispatches until the channel recovers;
// those rows reach the sweep unconfirmed too.
func (d *Dispatcher) Dispatch(ctx context.Context, task *models.TaskExecution, action string) error {
	req := &queue.RunRequest{
		TaskExecutionID: task.ID,
		ExecutionID:     task.ExecutionID,
		TaskName:        task.TaskName,
		Action:          action,
		Attempt:         task.Attempt,
		Input:           task.Input,
	}

	err := d.breaker.Run(func() error {
		return d.retrier.Do(ctx, "publish_run_request", func() error {
			return d.publisher.PublishRunRequest(ctx, req)
		})
	})
	if err != nil {
		d.metrics.IncrementCounter("dispatch_failures", 1)
		d.logger.Error("Failed to publish run request", map[string]interface{}{
			"task_execution_id": task.ID.String(),
			"task":              task.TaskName,
			"attempt":           task.Attempt,
			"error":             err.Error(),
		})
		return &models.DispatchError{TaskExecutionID: task.ID.String(), Attempt: task.Attempt, Err: err}
	}
	d.metrics.IncrementCounter("dispatch_published", 1)

	if err := d.store.ConfirmDispatch(ctx, task.ID, task.Attempt, time.Now().UTC()); err != nil {
		d.metrics.IncrementCounter("dispatch_confirm_failures", 1)
		d.logger.Warn("Failed to confirm dispatch", map[string]interface{}{
			"task_execution_id": task.ID.String(),
			"task":              task.TaskName,
			"attempt":           task.Attempt,
			"error":             err.Error(),
		})
	}
	return nil
}
