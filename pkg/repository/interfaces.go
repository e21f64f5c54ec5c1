package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskmill/taskmill/pkg/models"
)

// DefinitionStore persists registered workflow documents. Rows are
// immutable; re-registering a name allocates the next version.
type DefinitionStore interface {
	CreateDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id uuid.UUID) (*models.WorkflowDefinition, error)
	// GetDefinitionByName resolves a name to a version; version 0 means
	// the latest registered one.
	GetDefinitionByName(ctx context.Context, name string, version int) (*models.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, limit, offset int) ([]*models.WorkflowDefinition, error)
	LatestVersion(ctx context.Context, name string) (int, error)
}

// ExecutionStore persists executions and their task rows.
//
// Commit is the only way state advances, and its version guard is the
// only serialization between competing engines: no task row is written
// outside a committed delta, with the single exception of
// ConfirmDispatch, which records transport bookkeeping after the fact
// and never changes status or version.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, execution *models.Execution) error
	GetExecution(ctx context.Context, id uuid.UUID) (*models.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.Execution, error)
	// DeleteExecution removes a terminal execution and its task rows.
	// Deleting a live execution fails with ErrInvalidInput.
	DeleteExecution(ctx context.Context, id uuid.UUID) error

	LoadSnapshot(ctx context.Context, executionID uuid.UUID) (*Snapshot, error)
	// Commit applies a delta if the execution row still carries the
	// snapshot's version, returning ErrOptimisticLock otherwise.
	Commit(ctx context.Context, delta *Delta) error
	// ConfirmDispatch stamps DispatchedAt on a RUNNING row, matched by
	// attempt so a late confirm from a superseded dispatch is ignored.
	ConfirmDispatch(ctx context.Context, taskExecutionID uuid.UUID, attempt int, dispatchedAt time.Time) error

	GetTaskExecution(ctx context.Context, id uuid.UUID) (*models.TaskExecution, error)
	ListTaskExecutions(ctx context.Context, executionID uuid.UUID) ([]*models.TaskExecution, error)

	// FindStaleDispatches returns RUNNING rows whose run request may
	// never have reached the channel: DispatchedAt unset or older than
	// the cutoff.
	FindStaleDispatches(ctx context.Context, olderThan time.Time, limit int) ([]*models.TaskExecution, error)
	// FindDueRetries returns DELAYED rows whose retry timer should have
	// fired by the cutoff.
	FindDueRetries(ctx context.Context, dueBy time.Time, limit int) ([]*models.TaskExecution, error)
	// FindStalledExecutions returns RUNNING executions with nothing in
	// flight (no RUNNING or DELAYED task) that have not moved since the
	// cutoff; the engine replays a scheduling pass over each.
	FindStalledExecutions(ctx context.Context, olderThan time.Time, limit int) ([]uuid.UUID, error)
}

// Store is the full persistence surface the engine and API run on.
type Store interface {
	DefinitionStore
	ExecutionStore
	Ping(ctx context.Context) error
	Close() error
}
