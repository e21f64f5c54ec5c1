// Package resilience wraps the transient-failure machinery used around
// the state store and the message channel: bounded exponential backoff
// for publishes and a circuit breaker for the database.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taskmill/taskmill/pkg/observability"
)

// RetryConfig defines configuration for retry behavior.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig suits short transport hiccups: a handful of quick
// attempts, never more than a few seconds in total.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      4,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  10 * time.Second,
	}
}

// Retrier executes operations with exponential backoff.
type Retrier struct {
	config RetryConfig
	logger observability.Logger
}

// NewRetrier creates a retrier, filling zero config fields from the
// defaults.
func NewRetrier(config RetryConfig, logger observability.Logger) *Retrier {
	defaults := DefaultRetryConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = defaults.InitialInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = defaults.MaxInterval
	}
	if config.Multiplier <= 1 {
		config.Multiplier = defaults.Multiplier
	}
	if config.MaxElapsedTime <= 0 {
		config.MaxElapsedTime = defaults.MaxElapsedTime
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Retrier{config: config, logger: logger}
}

// Do runs fn with backoff until it succeeds or the attempts are spent;
// a done context stops it early. Wrap terminal errors in
// backoff.Permanent to skip the remaining attempts.
func (r *Retrier) Do(ctx context.Context, operation string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialInterval
	b.MaxInterval = r.config.MaxInterval
	b.Multiplier = r.config.Multiplier
	b.MaxElapsedTime = r.config.MaxElapsedTime

	attempt := 0
	wrapped := func() error {
		attempt++
		err := fn()
		if err != nil && attempt <= r.config.MaxRetries {
			r.logger.Debug("Operation failed, will retry", map[string]interface{}{
				"operation": operation,
				"attempt":   attempt,
				"error":     err.Error(),
			})
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.config.MaxRetries)), ctx)
	if err := backoff.Retry(wrapped, policy); err != nil {
		r.logger.Warn("Operation exhausted retries", map[string]interface{}{
			"operation": operation,
			"attempts":  attempt,
			"error":     err.Error(),
		})
		return err
	}
	return nil
}

// Permanent marks err as non-retryable for Do.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
