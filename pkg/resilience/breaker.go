package resilience

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/taskmill/taskmill/pkg/observability"
)

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultBreakerConfig matches a database that recovers within tens of
// seconds: trip after a clear failure majority, probe sparingly.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  3,
		Interval:     10 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// Breaker guards a downstream dependency with a circuit breaker and
// logs its state transitions.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	logger observability.Logger
}

// NewBreaker creates a named circuit breaker.
func NewBreaker(name string, config BreakerConfig, logger observability.Logger) *Breaker {
	defaults := DefaultBreakerConfig()
	if config.MaxRequests == 0 {
		config.MaxRequests = defaults.MaxRequests
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MinRequests == 0 {
		config.MinRequests = defaults.MinRequests
	}
	if config.FailureRatio <= 0 {
		config.FailureRatio = defaults.FailureRatio
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	b := &Breaker{logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= config.MinRequests && failureRatio >= config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("Circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
	return b
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return b.cb.Execute(fn)
}

// Run is Execute for operations without a result.
func (b *Breaker) Run(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// IsOpen reports whether calls are currently being rejected.
func (b *Breaker) IsOpen() bool { return b.cb.State() == gobreaker.StateOpen }
