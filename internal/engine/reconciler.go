package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskmill/taskmill/internal/dispatch"
	"github.com/taskmill/taskmill/pkg/models"
	"github.com/taskmill/taskmill/pkg/observability"
	"github.com/taskmill/taskmill/pkg/queue"
	"github.com/taskmill/taskmill/pkg/redis"
	"github.com/taskmill/taskmill/pkg/repository"
	"github.com/taskmill/taskmill/pkg/workflow"
)

// eventDedupPrefix keys the guard that marks events already applied, so
// a redelivered message after a crashed ack is skipped instead of
// replayed.
const eventDedupPrefix = "taskmill:events:processed:"

// Reconciler processes one engine event end to end: load a snapshot,
// compute the transition, commit it, then dispatch and arm timers.
// Commits are fenced by the execution version; losing the race means
// reloading and computing against what the winner wrote.
type Reconciler struct {
	store      repository.Store
	broker     queue.Broker
	timers     *queue.TimerQueue
	dispatcher *dispatch.Dispatcher
	compiler   *workflow.Compiler
	scheduler  *Scheduler
	dedup      *redis.StreamsClient

	commitRetries   int
	dedupTTL        time.Duration
	dispatchTimeout time.Duration

	logger  observability.Logger
	metrics observability.MetricsClient
}

// ReconcilerConfig bounds the conflict retry loop and the side-effect
// machinery.
type ReconcilerConfig struct {
	CommitRetries   int
	EventDedupTTL   time.Duration
	DispatchTimeout time.Duration
}

// NewReconciler wires a reconciler. The dedup client may be nil, which
// disables the processed-event guard and leans entirely on the
// scheduler's drop rules.
func NewReconciler(
	store repository.Store,
	broker queue.Broker,
	timers *queue.TimerQueue,
	dispatcher *dispatch.Dispatcher,
	compiler *workflow.Compiler,
	dedup *redis.StreamsClient,
	cfg ReconcilerConfig,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Reconciler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	if cfg.CommitRetries <= 0 {
		cfg.CommitRetries = 5
	}
	if cfg.EventDedupTTL <= 0 {
		cfg.EventDedupTTL = 10 * time.Minute
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	return &Reconciler{
		store:           store,
		broker:          broker,
		timers:          timers,
		dispatcher:      dispatcher,
		compiler:        compiler,
		scheduler:       NewScheduler(logger),
		dedup:           dedup,
		commitRetries:   cfg.CommitRetries,
		dedupTTL:        cfg.EventDedupTTL,
		dispatchTimeout: cfg.DispatchTimeout,
		logger:          logger,
		metrics:         metrics,
	}
}

// Process handles one delivery. A nil return means the message was
// acked, whether it advanced an execution or was dropped; an error
// leaves it unacked for redelivery or a stale claim.
func (r *Reconciler) Process(ctx context.Context, delivery *queue.EventDelivery) error {
	event := delivery.Event
	if event == nil || event.ExecutionID == uuid.Nil {
		r.metrics.IncrementCounter("engine_events_malformed", 1)
		return r.ack(ctx, delivery)
	}

	if r.alreadyProcessed(ctx, event) {
		r.metrics.IncrementCounter("engine_events_duplicate", 1)
		return r.ack(ctx, delivery)
	}

	plan, graph, err := r.advance(ctx, event)
	if err != nil {
		return err
	}

	if plan == nil {
		// The execution or its definition is gone; nothing to advance.
		return r.ack(ctx, delivery)
	}
	if plan.Dropped {
		r.metrics.IncrementCounterWithLabels("engine_events_dropped", 1, map[string]string{
			"type": string(event.Type),
		})
		r.logger.Debug("Dropped event", map[string]interface{}{
			"event_id":     event.EventID,
			"type":         string(event.Type),
			"execution_id": event.ExecutionID.String(),
			"reason":       plan.Reason,
		})
		return r.ack(ctx, delivery)
	}

	r.act(ctx, plan, graph)
	r.markProcessed(ctx, event)
	r.metrics.IncrementCounterWithLabels("engine_events_applied", 1, map[string]string{
		"type": string(event.Type),
	})
	return r.ack(ctx, delivery)
}

// advance runs the load-compute-commit loop. A nil plan with nil error
// means the event has no execution to land on and should be acked away.
func (r *Reconciler) advance(ctx context.Context, event *queue.EngineEvent) (*Plan, *workflow.CompiledGraph, error) {
	delay := backoff.NewExponentialBackOff()
	delay.InitialInterval = 25 * time.Millisecond
	delay.MaxInterval = 500 * time.Millisecond
	for attempt := 0; attempt < r.commitRetries; attempt++ {
		snapshot, err := r.store.LoadSnapshot(ctx, event.ExecutionID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				r.logger.Debug("Event for unknown execution", map[string]interface{}{
					"execution_id": event.ExecutionID.String(),
				})
				return nil, nil, nil
			}
			return nil, nil, err
		}

		graph, err := r.graphFor(ctx, snapshot.Execution)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				r.logger.Error("Execution references a missing definition", map[string]interface{}{
					"execution_id":  snapshot.Execution.ID.String(),
					"definition_id": snapshot.Execution.DefinitionID.String(),
				})
				return nil, nil, nil
			}
			return nil, nil, err
		}

		plan, err := r.scheduler.Apply(graph, snapshot, event, time.Now().UTC())
		if err != nil {
			return nil, nil, err
		}
		if plan.Dropped {
			return plan, graph, nil
		}

		err = r.store.Commit(ctx, plan.Delta)
		if err == nil {
			return plan, graph, nil
		}
		if !errors.Is(err, repository.ErrOptimisticLock) {
			return nil, nil, err
		}
		r.metrics.IncrementCounter("engine_commit_conflicts", 1)
		r.logger.Debug("Commit conflicted, recomputing", map[string]interface{}{
			"execution_id": event.ExecutionID.String(),
			"attempt":      attempt + 1,
		})
		if attempt+1 < r.commitRetries {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(delay.NextBackOff()):
			}
		}
	}
	return nil, nil, errors.Errorf("gave up on event %s after %d conflicting commits", event.EventID, r.commitRetries)
}

func (r *Reconciler) graphFor(ctx context.Context, execution *models.Execution) (*workflow.CompiledGraph, error) {
	def, err := r.store.GetDefinition(ctx, execution.DefinitionID)
	if err != nil {
		return nil, err
	}
	return r.compiler.Compile(def)
}

// act runs the plan's side effects. All of them are retried by the
// recovery machinery if they fail or the process dies here, so errors
// are logged and skipped rather than undoing the commit.
func (r *Reconciler) act(ctx context.Context, plan *Plan, graph *workflow.CompiledGraph) {
	for _, task := range plan.Dispatches {
		r.dispatchTask(ctx, task, graph)
	}
	for _, intent := range plan.Timers {
		if err := r.armTimer(ctx, intent); err != nil {
			r.logger.Warn("Failed to arm retry timer", map[string]interface{}{
				"task_execution_id": intent.Task.ID.String(),
				"fire_at":           intent.FireAt,
				"error":             err.Error(),
			})
		}
	}
}

// armTimer uses the broker's native delay when the backend can hold the
// message long enough; everything else lands in the timer queue. Either
// way a lost firing is re-armed by the recovery sweep.
func (r *Reconciler) armTimer(ctx context.Context, intent TimerIntent) error {
	if delayed, ok := r.broker.(queue.DelayedEventPublisher); ok {
		if wait := time.Until(intent.FireAt); wait <= delayed.MaxPublishDelay() {
			event := queue.NewEvent(queue.EventTimerFired, intent.Task.ExecutionID)
			event.TaskExecutionID = intent.Task.ID
			event.Attempt = intent.Task.Attempt
			return delayed.PublishEventAfter(ctx, event, wait)
		}
	}
	return r.timers.Schedule(ctx, queue.TimerEntry{
		TaskExecutionID: intent.Task.ID,
		ExecutionID:     intent.Task.ExecutionID,
		Attempt:         intent.Task.Attempt,
		FireAt:          intent.FireAt,
	})
}

func (r *Reconciler) dispatchTask(ctx context.Context, task *models.TaskExecution, graph *workflow.CompiledGraph) {
	spec, ok := graph.Task(task.TaskName)
	if !ok {
		r.logger.Error("Task row without a graph node", map[string]interface{}{
			"execution_id": task.ExecutionID.String(),
			"task":         task.TaskName,
		})
		return
	}
	dctx, cancel := context.WithTimeout(ctx, r.dispatchTimeout)
	defer cancel()
	if err := r.dispatcher.Dispatch(dctx, task, spec.Action); err != nil {
		r.logger.Warn("Dispatch failed, sweep will resend", map[string]interface{}{
			"task_execution_id": task.ID.String(),
			"task":              task.TaskName,
			"error":             err.Error(),
		})
	}
}

func (r *Reconciler) alreadyProcessed(ctx context.Context, event *queue.EngineEvent) bool {
	if r.dedup == nil || event.EventID == "" {
		return false
	}
	_, found, err := r.dedup.Get(ctx, eventDedupPrefix+event.EventID)
	if err != nil {
		r.logger.Warn("Event dedup check failed", map[string]interface{}{
			"event_id": event.EventID,
			"error":    err.Error(),
		})
		return false
	}
	return found
}

func (r *Reconciler) markProcessed(ctx context.Context, event *queue.EngineEvent) {
	if r.dedup == nil || event.EventID == "" {
		return
	}
	if _, err := r.dedup.SetNX(ctx, eventDedupPrefix+event.EventID, 1, r.dedupTTL); err != nil {
		r.logger.Warn("Failed to mark event processed", map[string]interface{}{
			"event_id": event.EventID,
			"error":    err.Error(),
		})
	}
}

func (r *Reconciler) ack(ctx context.Context, delivery *queue.EventDelivery) error {
	if err := r.broker.AckEvent(ctx, delivery.MessageID); err != nil {
		return errors.Wrapf(err, "failed to ack event %s", delivery.MessageID)
	}
	return nil
}
