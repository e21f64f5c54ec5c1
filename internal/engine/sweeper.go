package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskmill/taskmill/internal/dispatch"
	"github.com/taskmill/taskmill/pkg/observability"
	"github.com/taskmill/taskmill/pkg/queue"
	"github.com/taskmill/taskmill/pkg/repository"
	"github.com/taskmill/taskmill/pkg/workflow"
)

// sweepBatch caps how many rows one sweep pass repairs. Whatever is
// left over is picked up by the next pass.
const sweepBatch = 100

// Sweeper is the recovery loop that makes crash windows heal: it
// resends run requests that were committed but never confirmed, re-arms
// retry timers lost from the index, and nudges executions that stopped
// moving with a reconcile event.
type Sweeper struct {
	store      repository.Store
	broker     queue.Broker
	timers     *queue.TimerQueue
	dispatcher *dispatch.Dispatcher
	compiler   *workflow.Compiler

	interval     time.Duration
	staleAfter   time.Duration
	stalledAfter time.Duration

	logger  observability.Logger
	metrics observability.MetricsClient
}

// SweeperConfig tunes the sweep cadence and staleness cutoffs.
type SweeperConfig struct {
	Interval     time.Duration
	StaleAfter   time.Duration
	StalledAfter time.Duration
}

// NewSweeper creates a sweeper; zero config fields get conservative
// defaults.
func NewSweeper(
	store repository.Store,
	broker queue.Broker,
	timers *queue.TimerQueue,
	dispatcher *dispatch.Dispatcher,
	compiler *workflow.Compiler,
	cfg SweeperConfig,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.StalledAfter <= 0 {
		cfg.StalledAfter = 5 * time.Minute
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &Sweeper{
		store:        store,
		broker:       broker,
		timers:       timers,
		dispatcher:   dispatcher,
		compiler:     compiler,
		interval:     cfg.Interval,
		staleAfter:   cfg.StaleAfter,
		stalledAfter: cfg.StalledAfter,
		logger:       logger,
		metrics:      metrics,
	}
}

// Run sweeps until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one repair pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	s.resendStaleDispatches(ctx, now)
	s.rearmDueRetries(ctx, now)
	s.kickStalledExecutions(ctx, now)
}

// resendStaleDispatches re-publishes run requests for RUNNING rows
// whose dispatch was never confirmed, or confirmed so long ago the
// executor must have lost it. The attempt is unchanged, so a duplicate
// of a request that did arrive is deduplicated executor-side and any
// duplicate result drops against the row.
func (s *Sweeper) resendStaleDispatches(ctx context.Context, now time.Time) {
	rows, err := s.store.FindStaleDispatches(ctx, now.Add(-s.staleAfter), sweepBatch)
	if err != nil {
		s.logger.Warn("Sweep failed to find stale dispatches", map[string]interface{}{"error": err.Error()})
		return
	}
	graphs := make(map[uuid.UUID]*workflow.CompiledGraph)
	for _, task := range rows {
		graph, ok := graphs[task.ExecutionID]
		if !ok {
			graph = s.graphForExecution(ctx, task.ExecutionID)
			graphs[task.ExecutionID] = graph
		}
		if graph == nil {
			continue
		}
		spec, ok := graph.Task(task.TaskName)
		if !ok {
			s.logger.Error("Stale row without a graph node", map[string]interface{}{
				"execution_id": task.ExecutionID.String(),
				"task":         task.TaskName,
			})
			continue
		}
		if err := s.dispatcher.Dispatch(ctx, task, spec.Action); err != nil {
			s.logger.Warn("Sweep re-dispatch failed", map[string]interface{}{
				"task_execution_id": task.ID.String(),
				"error":             err.Error(),
			})
			continue
		}
		s.metrics.IncrementCounter("engine_sweep_redispatched", 1)
		s.logger.Info("Re-dispatched unconfirmed task", map[string]interface{}{
			"task_execution_id": task.ID.String(),
			"task":              task.TaskName,
			"attempt":           task.Attempt,
		})
	}
}

// rearmDueRetries reinserts timers for DELAYED rows that are due but
// never fired, covering timers lost between claim and publish. Arming
// an already indexed timer rewrites the same member.
func (s *Sweeper) rearmDueRetries(ctx context.Context, now time.Time) {
	rows, err := s.store.FindDueRetries(ctx, now, sweepBatch)
	if err != nil {
		s.logger.Warn("Sweep failed to find due retries", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, task := range rows {
		if task.ScheduledAt == nil {
			continue
		}
		entry := queue.TimerEntry{
			TaskExecutionID: task.ID,
			ExecutionID:     task.ExecutionID,
			Attempt:         task.Attempt,
			FireAt:          *task.ScheduledAt,
		}
		if err := s.timers.Schedule(ctx, entry); err != nil {
			s.logger.Warn("Sweep failed to re-arm timer", map[string]interface{}{
				"task_execution_id": task.ID.String(),
				"error":             err.Error(),
			})
			continue
		}
		s.metrics.IncrementCounter("engine_sweep_timers_rearmed", 1)
	}
}

// kickStalledExecutions publishes a reconcile event for RUNNING
// executions with nothing in flight, replaying the scheduling pass a
// lost event should have run.
func (s *Sweeper) kickStalledExecutions(ctx context.Context, now time.Time) {
	ids, err := s.store.FindStalledExecutions(ctx, now.Add(-s.stalledAfter), sweepBatch)
	if err != nil {
		s.logger.Warn("Sweep failed to find stalled executions", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, id := range ids {
		if err := s.broker.PublishEvent(ctx, queue.NewEvent(queue.EventReconcile, id)); err != nil {
			s.logger.Warn("Sweep failed to publish reconcile", map[string]interface{}{
				"execution_id": id.String(),
				"error":        err.Error(),
			})
			continue
		}
		s.metrics.IncrementCounter("engine_sweep_reconciles", 1)
		s.logger.Info("Nudged stalled execution", map[string]interface{}{"execution_id": id.String()})
	}
}

func (s *Sweeper) graphForExecution(ctx context.Context, executionID uuid.UUID) *workflow.CompiledGraph {
	execution, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		s.logger.Warn("Sweep failed to load execution", map[string]interface{}{
			"execution_id": executionID.String(),
			"error":        err.Error(),
		})
		return nil
	}
	def, err := s.store.GetDefinition(ctx, execution.DefinitionID)
	if err != nil {
		s.logger.Warn("Sweep failed to load definition", map[string]interface{}{
			"execution_id": executionID.String(),
			"error":        err.Error(),
		})
		return nil
	}
	graph, err := s.compiler.Compile(def)
	if err != nil {
		s.logger.Error("Sweep failed to compile definition", map[string]interface{}{
			"execution_id": executionID.String(),
			"error":        err.Error(),
		})
		return nil
	}
	return graph
}
