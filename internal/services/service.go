// Package services is the intake and query surface of the workflow
// engine. Every read reflects committed state only, and every mutation
// either writes committed rows or publishes an engine event; no
// scheduler state lives here.
package services

import (
	"context"

	"github.com/pkg/errors"

	"github.com/taskmill/taskmill/pkg/observability"
	"github.com/taskmill/taskmill/pkg/queue"
	"github.com/taskmill/taskmill/pkg/repository"
	"github.com/taskmill/taskmill/pkg/workflow"
)

// EventPublisher is the slice of the broker the service publishes
// lifecycle events through.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *queue.EngineEvent) error
}

// ErrInvalidState rejects a lifecycle request that does not apply to
// the execution's committed status, such as pausing a finished
// execution. The check is advisory: the scheduler re-validates against
// the snapshot it loads, so a race here cannot corrupt state.
var ErrInvalidState = errors.New("execution state does not allow this operation")

// ExecutionService registers definitions, starts and steers executions,
// and answers queries for the API layer.
type ExecutionService struct {
	store     repository.Store
	publisher EventPublisher
	compiler  *workflow.Compiler
	startSpan observability.StartSpanFunc
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// NewExecutionService wires the service. A nil compiler gets a private
// cache; nil observability hooks become no-ops.
func NewExecutionService(
	store repository.Store,
	publisher EventPublisher,
	compiler *workflow.Compiler,
	startSpan observability.StartSpanFunc,
	logger observability.Logger,
	metrics observability.MetricsClient,
) (*ExecutionService, error) {
	if compiler == nil {
		var err error
		compiler, err = workflow.NewCompiler(0)
		if err != nil {
			return nil, err
		}
	}
	if startSpan == nil {
		startSpan = observability.NoopStartSpan
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &ExecutionService{
		store:     store,
		publisher: publisher,
		compiler:  compiler,
		startSpan: startSpan,
		logger:    logger,
		metrics:   metrics,
	}, nil
}
