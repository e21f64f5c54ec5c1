package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskmill/taskmill/pkg/models"
	"github.com/taskmill/taskmill/pkg/observability"
	"github.com/taskmill/taskmill/pkg/queue"
	"github.com/taskmill/taskmill/pkg/repository"
)

// StartExecution creates a RUNNING execution for a registered
// definition and publishes the start event. The row is the commit; the
// event is the act. If the publish fails the execution still exists,
// and the stalled-execution sweep replays a scheduling pass over it.
func (s *ExecutionService) StartExecution(ctx context.Context, definitionID uuid.UUID, input models.JSONMap) (*models.Execution, error) {
	ctx, span := s.startSpan(ctx, "services.start_execution")
	defer span.End()

	def, err := s.store.GetDefinition(ctx, definitionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s.start(ctx, span, def, input)
}

// StartExecutionByName resolves a definition by name, version 0 meaning
// the latest, and starts an execution of it.
func (s *ExecutionService) StartExecutionByName(ctx context.Context, name string, version int, input models.JSONMap) (*models.Execution, error) {
	ctx, span := s.startSpan(ctx, "services.start_execution_by_name")
	defer span.End()

	def, err := s.store.GetDefinitionByName(ctx, name, version)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s.start(ctx, span, def, input)
}

func (s *ExecutionService) start(ctx context.Context, span observability.Span, def *models.WorkflowDefinition, input models.JSONMap) (*models.Execution, error) {
	// A stored definition compiled at registration; compiling again is a
	// cache hit and shields against rows written around the API.
	if _, err := s.compiler.Compile(def); err != nil {
		return nil, err
	}

	execution := &models.Execution{
		DefinitionID: def.ID,
		Status:       models.ExecutionStatusRunning,
		Input:        input,
	}
	if err := s.store.CreateExecution(ctx, execution); err != nil {
		return nil, err
	}
	span.SetAttribute("execution_id", execution.ID.String())

	if err := s.publisher.PublishEvent(ctx, queue.NewEvent(queue.EventExecutionStart, execution.ID)); err != nil {
		s.metrics.IncrementCounter("execution_start_publish_failures", 1)
		s.logger.Warn("Failed to publish start event, sweep will pick the execution up", map[string]interface{}{
			"execution_id": execution.ID.String(),
			"error":        err.Error(),
		})
	}

	s.metrics.IncrementCounter("executions_started", 1)
	s.logger.Info("Execution started", map[string]interface{}{
		"execution_id":  execution.ID.String(),
		"definition_id": def.ID.String(),
	})
	return execution, nil
}

// GetExecution returns a single execution by id.
func (s *ExecutionService) GetExecution(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	return s.store.GetExecution(ctx, id)
}

// ListExecutions pages through executions, optionally filtered by
// definition and status.
func (s *ExecutionService) ListExecutions(ctx context.Context, filter repository.ExecutionFilter) ([]*models.Execution, error) {
	return s.store.ListExecutions(ctx, filter)
}

// ListTaskExecutions returns every task row of an execution, the
// expanded with-items groups included.
func (s *ExecutionService) ListTaskExecutions(ctx context.Context, executionID uuid.UUID) ([]*models.TaskExecution, error) {
	if _, err := s.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return s.store.ListTaskExecutions(ctx, executionID)
}

// CancelExecution asks the engine to cancel a live execution.
func (s *ExecutionService) CancelExecution(ctx context.Context, id uuid.UUID) error {
	return s.requestTransition(ctx, id, queue.EventExecutionCancel, "executions_cancelled", func(execution *models.Execution) bool {
		return !execution.IsTerminal()
	})
}

// PauseExecution asks the engine to stop spawning new tasks. In-flight
// actions keep running and their results are recorded.
func (s *ExecutionService) PauseExecution(ctx context.Context, id uuid.UUID) error {
	return s.requestTransition(ctx, id, queue.EventExecutionPause, "executions_paused", func(execution *models.Execution) bool {
		return execution.Status == models.ExecutionStatusRunning
	})
}

// ResumeExecution asks the engine to continue a paused execution.
func (s *ExecutionService) ResumeExecution(ctx context.Context, id uuid.UUID) error {
	return s.requestTransition(ctx, id, queue.EventExecutionResume, "executions_resumed", func(execution *models.Execution) bool {
		return execution.Status == models.ExecutionStatusPaused
	})
}

// DeleteExecution removes a terminal execution and its task rows; the
// store rejects deleting a live one.
func (s *ExecutionService) DeleteExecution(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteExecution(ctx, id); err != nil {
		return err
	}
	s.metrics.IncrementCounter("executions_deleted", 1)
	return nil
}

// requestTransition publishes a lifecycle event after an advisory check
// against the committed status. The scheduler is the authority: it
// re-validates on the snapshot it loads, so a stale check here is
// harmless.
func (s *ExecutionService) requestTransition(ctx context.Context, id uuid.UUID, eventType queue.EventType, metric string, allowed func(*models.Execution) bool) error {
	ctx, span := s.startSpan(ctx, "services."+metric)
	defer span.End()
	span.SetAttribute("execution_id", id.String())

	execution, err := s.store.GetExecution(ctx, id)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !allowed(execution) {
		return ErrInvalidState
	}
	if err := s.publisher.PublishEvent(ctx, queue.NewEvent(eventType, id)); err != nil {
		span.RecordError(err)
		return err
	}
	s.metrics.IncrementCounter(metric, 1)
	return nil
}
