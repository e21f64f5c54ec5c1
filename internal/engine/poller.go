package engine

import (
	"context"
	"time"

	"github.com/taskmill/taskmill/pkg/observability"
	"github.com/taskmill/taskmill/pkg/queue"
)

// TimerPoller turns due retry timers into timer.fired events. Any
// number of pollers may run concurrently; the atomic claim picks one
// winner per timer. A firing lost between claim and publish is re-armed
// by the recovery sweep off the DELAYED row.
type TimerPoller struct {
	timers   *queue.TimerQueue
	broker   queue.Broker
	interval time.Duration
	batch    int64
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewTimerPoller creates a poller; zero interval and batch get sane
// defaults.
func NewTimerPoller(timers *queue.TimerQueue, broker queue.Broker, interval time.Duration, batch int64, logger observability.Logger, metrics observability.MetricsClient) *TimerPoller {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &TimerPoller{
		timers:   timers,
		broker:   broker,
		interval: interval,
		batch:    batch,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run polls until the context ends.
func (p *TimerPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *TimerPoller) poll(ctx context.Context) {
	due, err := p.timers.Due(ctx, time.Now().UTC(), p.batch)
	if err != nil {
		p.logger.Warn("Failed to read due timers", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, entry := range due {
		won, err := p.timers.Claim(ctx, entry)
		if err != nil {
			p.logger.Warn("Failed to claim timer", map[string]interface{}{
				"task_execution_id": entry.TaskExecutionID.String(),
				"error":             err.Error(),
			})
			continue
		}
		if !won {
			continue
		}
		event := queue.NewEvent(queue.EventTimerFired, entry.ExecutionID)
		event.TaskExecutionID = entry.TaskExecutionID
		event.Attempt = entry.Attempt
		if err := p.broker.PublishEvent(ctx, event); err != nil {
			p.logger.Warn("Failed to publish timer firing", map[string]interface{}{
				"task_execution_id": entry.TaskExecutionID.String(),
				"error":             err.Error(),
			})
			continue
		}
		p.metrics.IncrementCounter("engine_timers_fired", 1)
	}
}
