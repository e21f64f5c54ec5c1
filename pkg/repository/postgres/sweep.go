package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskmill/taskmill/pkg/models"
	"github.com/taskmill/taskmill/pkg/repository"
)

// FindStaleDispatches returns RUNNING rows whose run request may have
// been lost: never confirmed, or confirmed long enough ago that the
// executor should have answered by now.
func (s *Store) FindStaleDispatches(ctx context.Context, olderThan time.Time, limit int) ([]*models.TaskExecution, error) {
	var tasks []*models.TaskExecution
	err := s.execute(ctx, "sweep_stale_dispatches", func(ctx context.Context) error {
		query := `
			SELECT t.* FROM task_executions t
			JOIN executions e ON e.id = t.execution_id AND e.status = $1
			WHERE t.status = $2
			  AND t.updated_at < $3
			  AND (t.dispatched_at IS NULL OR t.dispatched_at < $3)
			ORDER BY t.updated_at ASC
			LIMIT $4`
		if err := s.db.SelectContext(ctx, &tasks, query,
			models.ExecutionStatusRunning, models.TaskStatusRunning, olderThan, normalizeLimit(limit)); err != nil {
			return errors.Wrap(err, "failed to find stale dispatches")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// FindDueRetries returns DELAYED rows whose retry timer should already
// have fired.
func (s *Store) FindDueRetries(ctx context.Context, dueBy time.Time, limit int) ([]*models.TaskExecution, error) {
	var tasks []*models.TaskExecution
	err := s.execute(ctx, "sweep_due_retries", func(ctx context.Context) error {
		query := `
			SELECT t.* FROM task_executions t
			JOIN executions e ON e.id = t.execution_id AND e.status = $1
			WHERE t.status = $2
			  AND t.scheduled_at IS NOT NULL
			  AND t.scheduled_at <= $3
			ORDER BY t.scheduled_at ASC
			LIMIT $4`
		if err := s.db.SelectContext(ctx, &tasks, query,
			models.ExecutionStatusRunning, models.TaskStatusDelayed, dueBy, normalizeLimit(limit)); err != nil {
			return errors.Wrap(err, "failed to find due retries")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// FindStalledExecutions returns RUNNING executions with nothing in
// flight. A healthy execution always has a RUNNING or DELAYED task, or
// an event on the wire about to produce one; an old execution with
// neither lost an event and needs a replayed scheduling pass.
func (s *Store) FindStalledExecutions(ctx context.Context, olderThan time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.execute(ctx, "sweep_stalled_executions", func(ctx context.Context) error {
		query := `
			SELECT e.id FROM executions e
			WHERE e.status = $1
			  AND e.updated_at < $2
			  AND NOT EXISTS (
				SELECT 1 FROM task_executions t
				WHERE t.execution_id = e.id AND t.status IN ($3, $4)
			  )
			ORDER BY e.updated_at ASC
			LIMIT $5`
		if err := s.db.SelectContext(ctx, &ids, query,
			models.ExecutionStatusRunning, olderThan,
			models.TaskStatusRunning, models.TaskStatusDelayed,
			normalizeLimit(limit)); err != nil {
			return errors.Wrap(err, "failed to find stalled executions")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
