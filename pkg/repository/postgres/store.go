// Package postgres implements the repository contract on PostgreSQL
// with sqlx. All execution-state writes funnel through the versioned
// commit; everything else is conventional CRUD.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/taskmill/taskmill/pkg/observability"
	"github.com/taskmill/taskmill/pkg/repository"
	"github.com/taskmill/taskmill/pkg/resilience"
)

const (
	defaultQueryTimeout = 30 * time.Second
	defaultListLimit    = 100
	maxListLimit        = 1000
)

// Config tunes the store.
type Config struct {
	QueryTimeout time.Duration
	Breaker      resilience.BreakerConfig
}

// Store implements repository.Store on a single PostgreSQL database.
type Store struct {
	db           *sqlx.DB
	logger       observability.Logger
	metrics      observability.MetricsClient
	breaker      *resilience.Breaker
	queryTimeout time.Duration
}

// NewStore wires a store over an open connection pool.
func NewStore(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient, config Config) *Store {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	timeout := config.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &Store{
		db:           db,
		logger:       logger,
		metrics:      metrics,
		breaker:      resilience.NewBreaker("postgres_store", config.Breaker, logger),
		queryTimeout: timeout,
	}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool for migrations and tests.
func (s *Store) DB() *sqlx.DB { return s.db }

// execute runs op through the circuit breaker with a per-query timeout
// and a duration metric.
func (s *Store) execute(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	timer := s.metrics.StartTimer("repository_query_duration", map[string]string{"operation": operation})
	defer timer()

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	err := s.breaker.Run(func() error { return op(ctx) })
	if err != nil {
		s.metrics.IncrementCounterWithLabels("repository_errors", 1, map[string]string{
			"operation":  operation,
			"error_type": classifyError(err),
		})
	}
	return err
}

func classifyError(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, repository.ErrNotFound):
		return "not_found"
	case errors.Is(err, repository.ErrOptimisticLock):
		return "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case isUniqueViolation(err):
		return "unique_violation"
	default:
		return "other"
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
