package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskmill/taskmill/pkg/models"
	"github.com/taskmill/taskmill/pkg/repository"
)

const taskInsertQuery = `
	INSERT INTO task_executions (
		id, execution_id, task_name, status, attempt,
		group_id, incarnation, item_index, group_size, item,
		input, result, error, scheduled_at, dispatched_at,
		version, created_at, updated_at
	) VALUES (
		:id, :execution_id, :task_name, :status, :attempt,
		:group_id, :incarnation, :item_index, :group_size, :item,
		:input, :result, :error, :scheduled_at, :dispatched_at,
		:version, :created_at, :updated_at
	)`

const taskUpdateQuery = `
	UPDATE task_executions SET
		status = :status,
		attempt = :attempt,
		input = :input,
		result = :result,
		error = :error,
		scheduled_at = :scheduled_at,
		dispatched_at = :dispatched_at,
		version = :version,
		updated_at = :updated_at
	WHERE id = :id AND version = :expected_version`

// CreateExecution inserts a new execution row at version 1.
func (s *Store) CreateExecution(ctx context.Context, execution *models.Execution) error {
	return s.execute(ctx, "execution_create", func(ctx context.Context) error {
		if execution.ID == uuid.Nil {
			execution.ID = uuid.New()
		}
		now := time.Now().UTC()
		execution.CreatedAt = now
		execution.UpdatedAt = now
		if execution.StartedAt.IsZero() {
			execution.StartedAt = now
		}
		if execution.Status == "" {
			execution.Status = models.ExecutionStatusRunning
		}
		execution.Version = 1

		query := `
			INSERT INTO executions (
				id, definition_id, status, input, output, error,
				version, created_at, updated_at, started_at, completed_at
			) VALUES (
				:id, :definition_id, :status, :input, :output, :error,
				:version, :created_at, :updated_at, :started_at, :completed_at
			)`
		if _, err := s.db.NamedExecContext(ctx, query, execution); err != nil {
			if isUniqueViolation(err) {
				return repository.ErrAlreadyExists.WithCause(err)
			}
			return errors.Wrap(err, "failed to insert execution")
		}
		return nil
	})
}

// GetExecution loads an execution row by ID.
func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	var execution models.Execution
	err := s.execute(ctx, "execution_get", func(ctx context.Context) error {
		if err := s.db.GetContext(ctx, &execution, `SELECT * FROM executions WHERE id = $1`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			return errors.Wrap(err, "failed to get execution")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &execution, nil
}

// ListExecutions pages through executions, newest first.
func (s *Store) ListExecutions(ctx context.Context, filter repository.ExecutionFilter) ([]*models.Execution, error) {
	var executions []*models.Execution
	err := s.execute(ctx, "execution_list", func(ctx context.Context) error {
		var conds []string
		var args []interface{}
		if filter.DefinitionID != uuid.Nil {
			args = append(args, filter.DefinitionID)
			conds = append(conds, fmt.Sprintf("definition_id = $%d", len(args)))
		}
		if filter.Status != "" {
			args = append(args, filter.Status)
			conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
		}
		query := `SELECT * FROM executions`
		if len(conds) > 0 {
			query += " WHERE " + strings.Join(conds, " AND ")
		}
		args = append(args, normalizeLimit(filter.Limit))
		query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))

		if err := s.db.SelectContext(ctx, &executions, query, args...); err != nil {
			return errors.Wrap(err, "failed to list executions")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return executions, nil
}

// DeleteExecution removes a terminal execution; task rows cascade.
func (s *Store) DeleteExecution(ctx context.Context, id uuid.UUID) error {
	return s.execute(ctx, "execution_delete", func(ctx context.Context) error {
		query := `
			DELETE FROM executions
			WHERE id = $1 AND status IN ($2, $3, $4)`
		result, err := s.db.ExecContext(ctx, query, id,
			models.ExecutionStatusSuccess, models.ExecutionStatusError, models.ExecutionStatusCancelled)
		if err != nil {
			return errors.Wrap(err, "failed to delete execution")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if affected > 0 {
			return nil
		}
		var status models.ExecutionStatus
		err = s.db.GetContext(ctx, &status, `SELECT status FROM executions WHERE id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "failed to check execution status")
		}
		return repository.ErrInvalidInput.WithCause(errors.Errorf("execution is %s, only terminal executions can be deleted", status))
	})
}

// LoadSnapshot reads the execution and all of its task rows inside one
// repeatable-read transaction, so the snapshot is internally consistent
// at a single execution version.
func (s *Store) LoadSnapshot(ctx context.Context, executionID uuid.UUID) (*repository.Snapshot, error) {
	snapshot := &repository.Snapshot{}
	err := s.execute(ctx, "snapshot_load", func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
		if err != nil {
			return errors.Wrap(err, "failed to begin snapshot transaction")
		}
		defer func() { _ = tx.Rollback() }()

		var execution models.Execution
		if err := tx.GetContext(ctx, &execution, `SELECT * FROM executions WHERE id = $1`, executionID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			return errors.Wrap(err, "failed to get execution")
		}
		snapshot.Execution = &execution

		query := `
			SELECT * FROM task_executions
			WHERE execution_id = $1
			ORDER BY created_at ASC, incarnation ASC, item_index ASC, id ASC`
		if err := tx.SelectContext(ctx, &snapshot.Tasks, query, executionID); err != nil {
			return errors.Wrap(err, "failed to list task executions")
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

type executionWithExpectedVersion struct {
	*models.Execution
	ExpectedVersion int `db:"expected_version"`
}

type taskWithExpectedVersion struct {
	*models.TaskExecution
	ExpectedVersion int `db:"expected_version"`
}

// Commit applies a delta in one transaction guarded by the execution
// version. On any failure the delta is stale: reload the snapshot and
// recompute rather than retrying the same delta.
func (s *Store) Commit(ctx context.Context, delta *repository.Delta) error {
	if delta == nil || delta.Execution == nil {
		return repository.ErrInvalidInput
	}
	return s.execute(ctx, "execution_commit", func(ctx context.Context) error {
		execution := delta.Execution
		expected := execution.Version
		now := time.Now().UTC()
		execution.Version = expected + 1
		execution.UpdatedAt = now

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "failed to begin commit transaction")
		}
		defer func() { _ = tx.Rollback() }()

		query := `
			UPDATE executions SET
				status = :status,
				output = :output,
				error = :error,
				version = :version,
				updated_at = :updated_at,
				completed_at = :completed_at
			WHERE id = :id AND version = :expected_version`
		result, err := tx.NamedExecContext(ctx, query, &executionWithExpectedVersion{
			Execution:       execution,
			ExpectedVersion: expected,
		})
		if err != nil {
			return errors.Wrap(err, "failed to update execution")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if affected == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM executions WHERE id = $1)`, execution.ID); err != nil {
				return errors.Wrap(err, "failed to check execution existence")
			}
			if !exists {
				return repository.ErrNotFound
			}
			return repository.ErrOptimisticLock
		}

		for _, task := range delta.CreatedTasks {
			if task.ID == uuid.Nil {
				task.ID = uuid.New()
			}
			task.ExecutionID = execution.ID
			task.CreatedAt = now
			task.UpdatedAt = now
			task.Version = 1
			if task.Attempt == 0 {
				task.Attempt = 1
			}
			if _, err := tx.NamedExecContext(ctx, taskInsertQuery, task); err != nil {
				if isUniqueViolation(err) {
					return repository.ErrOptimisticLock.WithCause(err)
				}
				return errors.Wrap(err, "failed to insert task execution")
			}
		}

		for _, task := range delta.UpdatedTasks {
			expectedTask := task.Version
			task.Version = expectedTask + 1
			task.UpdatedAt = now
			result, err := tx.NamedExecContext(ctx, taskUpdateQuery, &taskWithExpectedVersion{
				TaskExecution:   task,
				ExpectedVersion: expectedTask,
			})
			if err != nil {
				return errors.Wrap(err, "failed to update task execution")
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return errors.Wrap(err, "failed to get rows affected")
			}
			if affected == 0 {
				return repository.ErrOptimisticLock
			}
		}

		return tx.Commit()
	})
}

// ConfirmDispatch stamps the dispatch time on a RUNNING row. The match
// on attempt drops confirms from superseded dispatches; a zero row count
// is not an error.
func (s *Store) ConfirmDispatch(ctx context.Context, taskExecutionID uuid.UUID, attempt int, dispatchedAt time.Time) error {
	return s.execute(ctx, "dispatch_confirm", func(ctx context.Context) error {
		query := `
			UPDATE task_executions
			SET dispatched_at = $1, updated_at = $2
			WHERE id = $3 AND attempt = $4 AND status = $5`
		result, err := s.db.ExecContext(ctx, query,
			dispatchedAt, time.Now().UTC(), taskExecutionID, attempt, models.TaskStatusRunning)
		if err != nil {
			return errors.Wrap(err, "failed to confirm dispatch")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if affected == 0 {
			s.logger.Debug("Dispatch confirm matched no row", map[string]interface{}{
				"task_execution_id": taskExecutionID.String(),
				"attempt":           attempt,
			})
		}
		return nil
	})
}

// GetTaskExecution loads a task row by ID.
func (s *Store) GetTaskExecution(ctx context.Context, id uuid.UUID) (*models.TaskExecution, error) {
	var task models.TaskExecution
	err := s.execute(ctx, "task_get", func(ctx context.Context) error {
		if err := s.db.GetContext(ctx, &task, `SELECT * FROM task_executions WHERE id = $1`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			return errors.Wrap(err, "failed to get task execution")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTaskExecutions returns every task row of an execution in creation
// order.
func (s *Store) ListTaskExecutions(ctx context.Context, executionID uuid.UUID) ([]*models.TaskExecution, error) {
	var tasks []*models.TaskExecution
	err := s.execute(ctx, "task_list", func(ctx context.Context) error {
		query := `
			SELECT * FROM task_executions
			WHERE execution_id = $1
			ORDER BY created_at ASC, incarnation ASC, item_index ASC, id ASC`
		if err := s.db.SelectContext(ctx, &tasks, query, executionID); err != nil {
			return errors.Wrap(err, "failed to list task executions")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}
