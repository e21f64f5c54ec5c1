// Package engine is the scheduling core of the workflow service. It
// consumes engine events from the message channel, advances executions
// by committing versioned state transitions, dispatches runnable tasks
// to executors, and repairs whatever a crash window left behind.
//
// Every decision is computed against a snapshot and committed with an
// optimistic version check, so any number of engine instances can share
// the event stream; the store is the only serialization point.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmill/taskmill/internal/dispatch"
	"github.com/taskmill/taskmill/pkg/config"
	"github.com/taskmill/taskmill/pkg/observability"
	"github.com/taskmill/taskmill/pkg/queue"
	"github.com/taskmill/taskmill/pkg/redis"
	"github.com/taskmill/taskmill/pkg/repository"
	"github.com/taskmill/taskmill/pkg/workflow"
)

// Engine runs the event consumers, the timer poller, and the recovery
// sweep as one unit.
type Engine struct {
	reconciler *Reconciler
	poller     *TimerPoller
	sweeper    *Sweeper
	broker     queue.Broker

	consumer     string
	workers      int
	receiveBatch int64
	receiveBlock time.Duration
	claimMinIdle time.Duration

	logger  observability.Logger
	metrics observability.MetricsClient

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an engine instance from its infrastructure. The redis
// client powers the processed-event guard and may be shared with the
// broker and timer queue.
func New(
	cfg config.EngineConfig,
	store repository.Store,
	broker queue.Broker,
	timers *queue.TimerQueue,
	redisClient *redis.StreamsClient,
	logger observability.Logger,
	metrics observability.MetricsClient,
) (*Engine, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	receiveBatch := cfg.ReceiveBatch
	if receiveBatch <= 0 {
		receiveBatch = 10
	}
	receiveBlock := cfg.ReceiveBlock
	if receiveBlock <= 0 {
		receiveBlock = 5 * time.Second
	}
	claimMinIdle := cfg.ClaimMinIdle
	if claimMinIdle <= 0 {
		claimMinIdle = time.Minute
	}

	compiler, err := workflow.NewCompiler(cfg.GraphCacheSize)
	if err != nil {
		return nil, err
	}
	dispatcher := dispatch.NewDispatcher(broker, store, nil, logger, metrics)
	reconciler := NewReconciler(store, broker, timers, dispatcher, compiler, redisClient, ReconcilerConfig{
		CommitRetries:   cfg.CommitRetries,
		EventDedupTTL:   cfg.EventDedupTTL,
		DispatchTimeout: cfg.DispatchTimeout,
	}, logger, metrics)
	poller := NewTimerPoller(timers, broker, cfg.TimerPoll, receiveBatch*10, logger, metrics)
	sweeper := NewSweeper(store, broker, timers, dispatcher, compiler, SweeperConfig{
		Interval:     cfg.SweepInterval,
		StaleAfter:   cfg.StaleDispatch,
		StalledAfter: cfg.StalledAfter,
	}, logger, metrics)

	return &Engine{
		reconciler:   reconciler,
		poller:       poller,
		sweeper:      sweeper,
		broker:       broker,
		consumer:     "engine-" + uuid.NewString()[:8],
		workers:      workers,
		receiveBatch: receiveBatch,
		receiveBlock: receiveBlock,
		claimMinIdle: claimMinIdle,
		logger:       logger,
		metrics:      metrics,
	}, nil
}

// Start launches the worker pool and background loops. It returns
// immediately; Stop waits for them to drain.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.logger.Info("Engine starting", map[string]interface{}{
		"consumer": e.consumer,
		"workers":  e.workers,
	})

	for i := 0; i < e.workers; i++ {
		name := fmt.Sprintf("%s-%d", e.consumer, i)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.consumeLoop(runCtx, name)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.poller.Run(runCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sweeper.Run(runCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.claimLoop(runCtx)
	}()
}

// Stop cancels the loops and waits for in-flight work to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("Engine stopped", map[string]interface{}{"consumer": e.consumer})
}

func (e *Engine) consumeLoop(ctx context.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}
		deliveries, err := e.broker.ReceiveEvents(ctx, consumer, e.receiveBatch, e.receiveBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("Failed to receive events", map[string]interface{}{
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
		e.processBatch(ctx, deliveries)
	}
}

// claimLoop periodically adopts events left pending by dead consumers
// and runs them through the same processing path.
func (e *Engine) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(e.claimMinIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deliveries, err := e.broker.ClaimStaleEvents(ctx, e.consumer, e.claimMinIdle, e.receiveBatch)
			if err != nil {
				e.logger.Warn("Failed to claim stale events", map[string]interface{}{"error": err.Error()})
				continue
			}
			if len(deliveries) > 0 {
				e.metrics.IncrementCounter("engine_events_claimed", float64(len(deliveries)))
			}
			e.processBatch(ctx, deliveries)
		}
	}
}

func (e *Engine) processBatch(ctx context.Context, deliveries []*queue.EventDelivery) {
	for _, delivery := range deliveries {
		if ctx.Err() != nil {
			return
		}
		if err := e.reconciler.Process(ctx, delivery); err != nil {
			e.logger.Error("Failed to process event, leaving for redelivery", map[string]interface{}{
				"message_id": delivery.MessageID,
				"error":      err.Error(),
			})
		}
	}
}
