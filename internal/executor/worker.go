package executor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskmill/taskmill/pkg/config"
	"github.com/taskmill/taskmill/pkg/models"
	"github.com/taskmill/taskmill/pkg/observability"
	"github.com/taskmill/taskmill/pkg/queue"
	"github.com/taskmill/taskmill/pkg/redis"
)

// runDedupPrefix keys the guard that marks run requests already executed
// and reported, so a redelivery after a crashed ack does not run the
// action a second time.
const runDedupPrefix = "taskmill:runs:processed:"

// Worker consumes run requests, executes actions, and publishes
// task.completed events. Delivery is at-least-once end to end: a crash
// anywhere before the ack causes a rerun, which the dedup guard or the
// engine's attempt matching absorbs.
type Worker struct {
	broker   queue.Broker
	registry *Registry
	dedup    *redis.StreamsClient

	consumer      string
	workers       int
	receiveBatch  int64
	receiveBlock  time.Duration
	claimInterval time.Duration
	claimMinIdle  time.Duration
	dedupTTL      time.Duration

	logger  observability.Logger
	metrics observability.MetricsClient

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New wires a worker pool over the broker. The dedup client may be nil,
// which disables the executed-run guard and leaves idempotence entirely
// to the engine's attempt matching.
func New(
	broker queue.Broker,
	registry *Registry,
	dedup *redis.StreamsClient,
	cfg config.ExecutorConfig,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Worker {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.ReceiveBatch <= 0 {
		cfg.ReceiveBatch = 10
	}
	if cfg.ReceiveBlock <= 0 {
		cfg.ReceiveBlock = 5 * time.Second
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = time.Minute
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = time.Minute
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = time.Hour
	}
	return &Worker{
		broker:        broker,
		registry:      registry,
		dedup:         dedup,
		consumer:      "executor-" + uuid.NewString()[:8],
		workers:       cfg.Workers,
		receiveBatch:  cfg.ReceiveBatch,
		receiveBlock:  cfg.ReceiveBlock,
		claimInterval: cfg.ClaimInterval,
		claimMinIdle:  cfg.ClaimMinIdle,
		dedupTTL:      cfg.DedupTTL,
		logger:        logger,
		metrics:       metrics,
	}
}

// Start launches the consumer pool and the stale-claim loop. It returns
// immediately; Stop waits for them to drain.
func (w *Worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.logger.Info("Executor starting", map[string]interface{}{
		"consumer": w.consumer,
		"workers":  w.workers,
		"actions":  w.registry.Names(),
	})

	for i := 0; i < w.workers; i++ {
		name := fmt.Sprintf("%s-%d", w.consumer, i)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.consumeLoop(runCtx, name)
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.claimLoop(runCtx)
	}()
}

// Stop cancels the loops and waits for in-flight runs to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("Executor stopped", map[string]interface{}{"consumer": w.consumer})
}

func (w *Worker) consumeLoop(ctx context.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}
		deliveries, err := w.broker.ReceiveRunRequests(ctx, consumer, w.receiveBatch, w.receiveBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("Failed to receive run requests", map[string]interface{}{
				"consumer": consumer,
				"error":    err.Error(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.processBatch(ctx, deliveries)
	}
}

// claimLoop periodically adopts run requests left pending by dead
// consumers and runs them through the same processing path.
func (w *Worker) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.claimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deliveries, err := w.broker.ClaimStaleRunRequests(ctx, w.consumer, w.claimMinIdle, w.receiveBatch)
			if err != nil {
				w.logger.Warn("Failed to claim stale run requests", map[string]interface{}{"error": err.Error()})
				continue
			}
			if len(deliveries) > 0 {
				w.metrics.IncrementCounter("executor_runs_claimed", float64(len(deliveries)))
			}
			w.processBatch(ctx, deliveries)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context, deliveries []*queue.RunDelivery) {
	for _, delivery := range deliveries {
		if ctx.Err() != nil {
			return
		}
		if err := w.Process(ctx, delivery); err != nil {
			w.logger.Error("Failed to process run request, leaving for redelivery", map[string]interface{}{
				"message_id": delivery.MessageID,
				"error":      err.Error(),
			})
		}
	}
}

// Process handles one run request end to end: run the action, publish
// the completion, mark the run executed, ack. A nil return means the
// message was acked; an error leaves it unacked for redelivery.
func (w *Worker) Process(ctx context.Context, delivery *queue.RunDelivery) error {
	req := delivery.Request
	if req == nil || req.TaskExecutionID == uuid.Nil {
		w.metrics.IncrementCounter("executor_runs_malformed", 1)
		return w.ack(ctx, delivery)
	}

	if w.alreadyRan(ctx, req) {
		w.metrics.IncrementCounter("executor_runs_duplicate", 1)
		return w.ack(ctx, delivery)
	}
	if !req.EnqueuedAt.IsZero() {
		w.metrics.RecordDuration("executor_queue_latency", time.Since(req.EnqueuedAt))
	}

	result, runErr := w.run(ctx, req)
	if runErr != nil && ctx.Err() != nil {
		// Shutdown interrupted the attempt; leave it for another
		// consumer instead of reporting a spurious failure.
		return errors.Wrap(ctx.Err(), "run abandoned")
	}

	event := queue.NewEvent(queue.EventTaskCompleted, req.ExecutionID)
	event.TaskExecutionID = req.TaskExecutionID
	event.Attempt = req.Attempt
	if runErr != nil {
		event.Success = false
		event.Error = runErr.Error()
		w.metrics.IncrementCounterWithLabels("executor_runs_failed", 1, map[string]string{"action": req.Action})
		w.logger.Info("Action failed", map[string]interface{}{
			"task_execution_id": req.TaskExecutionID.String(),
			"task":              req.TaskName,
			"action":            req.Action,
			"attempt":           req.Attempt,
			"error":             runErr.Error(),
		})
	} else {
		event.Success = true
		event.Result = result
		w.metrics.IncrementCounterWithLabels("executor_runs_succeeded", 1, map[string]string{"action": req.Action})
		w.logger.Debug("Action succeeded", map[string]interface{}{
			"task_execution_id": req.TaskExecutionID.String(),
			"task":              req.TaskName,
			"action":            req.Action,
			"attempt":           req.Attempt,
		})
	}

	if err := w.broker.PublishEvent(ctx, event); err != nil {
		return errors.Wrap(err, "failed to publish task completion")
	}
	w.markRan(ctx, req)
	return w.ack(ctx, delivery)
}

// run resolves and executes the action, converting resolution failures
// and panics into reported errors so one bad action cannot take the
// worker down.
func (w *Worker) run(ctx context.Context, req *queue.RunRequest) (result models.JSONMap, err error) {
	action, ok := w.registry.Resolve(req.Action)
	if !ok {
		return nil, models.NewActionError(req.Action, errors.New("not registered"))
	}

	stop := w.metrics.StartTimer("executor_run_duration", map[string]string{"action": req.Action})
	defer stop()
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = models.NewActionError(req.Action, errors.Errorf("panic: %v", r))
		}
	}()
	return action.Run(ctx, req.Input)
}

func runKey(req *queue.RunRequest) string {
	return runDedupPrefix + req.TaskExecutionID.String() + ":" + strconv.Itoa(req.Attempt)
}

func (w *Worker) alreadyRan(ctx context.Context, req *queue.RunRequest) bool {
	if w.dedup == nil {
		return false
	}
	_, found, err := w.dedup.Get(ctx, runKey(req))
	if err != nil {
		w.logger.Warn("Run dedup check failed", map[string]interface{}{
			"task_execution_id": req.TaskExecutionID.String(),
			"error":             err.Error(),
		})
		return false
	}
	return found
}

func (w *Worker) markRan(ctx context.Context, req *queue.RunRequest) {
	if w.dedup == nil {
		return
	}
	if _, err := w.dedup.SetNX(ctx, runKey(req), 1, w.dedupTTL); err != nil {
		w.logger.Warn("Failed to mark run executed", map[string]interface{}{
			"task_execution_id": req.TaskExecutionID.String(),
			"error":             err.Error(),
		})
	}
}

func (w *Worker) ack(ctx context.Context, delivery *queue.RunDelivery) error {
	if err := w.broker.AckRunRequest(ctx, delivery.MessageID); err != nil {
		return errors.Wrapf(err, "failed to ack run request %s", delivery.MessageID)
	}
	return nil
}
