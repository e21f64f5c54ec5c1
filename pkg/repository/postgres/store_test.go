package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmill/taskmill/pkg/models"
	"github.com/taskmill/taskmill/pkg/observability"
	"github.com/taskmill/taskmill/pkg/repository"
)

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(db, "postgres")
	store := NewStore(sqlxDB, observability.NewNoopLogger(), observability.NewNoopMetrics(), Config{})
	t.Cleanup(func() { _ = sqlxDB.Close() })
	return store, mock
}

func executionColumns() []string {
	return []string{
		"id", "definition_id", "status", "input", "output", "error",
		"version", "created_at", "updated_at", "started_at", "completed_at",
	}
}

func taskColumns() []string {
	return []string{
		"id", "execution_id", "task_name", "status", "attempt",
		"group_id", "incarnation", "item_index", "group_size", "item",
		"input", "result", "error", "scheduled_at", "dispatched_at",
		"version", "created_at", "updated_at",
	}
}

func TestCommitBumpsVersionsAndWritesTasks(t *testing.T) {
	store, mock := setupStore(t)

	execution := &models.Execution{
		ID:           uuid.New(),
		DefinitionID: uuid.New(),
		Status:       models.ExecutionStatusRunning,
		Version:      3,
	}
	created := &models.TaskExecution{
		ExecutionID: execution.ID,
		TaskName:    "process",
		Status:      models.TaskStatusRunning,
		GroupID:     uuid.New(),
		GroupSize:   1,
	}
	updated := &models.TaskExecution{
		ID:          uuid.New(),
		ExecutionID: execution.ID,
		TaskName:    "fetch",
		Status:      models.TaskStatusSuccess,
		Attempt:     1,
		Version:     4,
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE executions SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO task_executions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE task_executions SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Commit(context.Background(), &repository.Delta{
		Execution:    execution,
		CreatedTasks: []*models.TaskExecution{created},
		UpdatedTasks: []*models.TaskExecution{updated},
	})
	require.NoError(t, err)

	assert.Equal(t, 4, execution.Version)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, 1, created.Attempt, "attempt defaults to 1 on insert")
	assert.Equal(t, 5, updated.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitVersionConflict(t *testing.T) {
	store, mock := setupStore(t)

	execution := &models.Execution{ID: uuid.New(), Status: models.ExecutionStatusRunning, Version: 3}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE executions SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := store.Commit(context.Background(), &repository.Delta{Execution: execution})
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrOptimisticLock)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitExecutionGone(t *testing.T) {
	store, mock := setupStore(t)

	execution := &models.Execution{ID: uuid.New(), Status: models.ExecutionStatusRunning, Version: 1}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE executions SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := store.Commit(context.Background(), &repository.Delta{Execution: execution})
	assert.ErrorIs(t, err, repository.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitTaskConflictRollsBack(t *testing.T) {
	store, mock := setupStore(t)

	execution := &models.Execution{ID: uuid.New(), Status: models.ExecutionStatusRunning, Version: 2}
	updated := &models.TaskExecution{ID: uuid.New(), TaskName: "fetch", Status: models.TaskStatusSuccess, Version: 1}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE executions SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE task_executions SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Commit(context.Background(), &repository.Delta{
		Execution:    execution,
		UpdatedTasks: []*models.TaskExecution{updated},
	})
	assert.ErrorIs(t, err, repository.ErrOptimisticLock)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitInsertConflictIsOptimisticLock(t *testing.T) {
	store, mock := setupStore(t)

	execution := &models.Execution{ID: uuid.New(), Status: models.ExecutionStatusRunning, Version: 2}
	created := &models.TaskExecution{TaskName: "process", Status: models.TaskStatusWaiting, GroupID: uuid.New()}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE executions SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO task_executions").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := store.Commit(context.Background(), &repository.Delta{
		Execution:    execution,
		CreatedTasks: []*models.TaskExecution{created},
	})
	assert.ErrorIs(t, err, repository.ErrOptimisticLock)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmDispatch(t *testing.T) {
	store, mock := setupStore(t)
	taskID := uuid.New()
	at := time.Now().UTC()

	mock.ExpectExec("UPDATE task_executions").
		WithArgs(at, sqlmock.AnyArg(), taskID, 2, string(models.TaskStatusRunning)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.ConfirmDispatch(context.Background(), taskID, 2, at))

	// A confirm for a superseded attempt matches nothing and is dropped.
	mock.ExpectExec("UPDATE task_executions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, store.ConfirmDispatch(context.Background(), taskID, 1, at))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSnapshot(t *testing.T) {
	store, mock := setupStore(t)
	executionID := uuid.New()
	definitionID := uuid.New()
	groupID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM executions WHERE id").
		WithArgs(executionID).
		WillReturnRows(sqlmock.NewRows(executionColumns()).AddRow(
			executionID.String(), definitionID.String(), "RUNNING",
			[]byte(`{"url":"https://example.test"}`), []byte(`null`), "",
			5, now, now, now, nil,
		))
	mock.ExpectQuery("SELECT (.+) FROM task_executions WHERE execution_id").
		WithArgs(executionID).
		WillReturnRows(sqlmock.NewRows(taskColumns()).
			AddRow(uuid.New().String(), executionID.String(), "fetch", "SUCCESS", 1,
				groupID.String(), 0, 0, 1, []byte(`null`),
				[]byte(`{}`), []byte(`{"status":200}`), "", nil, nil, 2, now, now).
			AddRow(uuid.New().String(), executionID.String(), "process", "RUNNING", 1,
				uuid.New().String(), 0, 0, 1, []byte(`null`),
				[]byte(`{}`), []byte(`null`), "", nil, nil, 1, now, now))
	mock.ExpectCommit()

	snapshot, err := store.LoadSnapshot(context.Background(), executionID)
	require.NoError(t, err)
	assert.Equal(t, 5, snapshot.Execution.Version)
	assert.Equal(t, "https://example.test", snapshot.Execution.Input["url"])
	require.Len(t, snapshot.Tasks, 2)
	assert.Equal(t, "fetch", snapshot.Tasks[0].TaskName)
	assert.Equal(t, float64(200), snapshot.Tasks[0].Result["status"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetExecutionNotFound(t *testing.T) {
	store, mock := setupStore(t)
	mock.ExpectQuery("SELECT (.+) FROM executions WHERE id").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetExecution(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExecutionRequiresTerminal(t *testing.T) {
	store, mock := setupStore(t)
	id := uuid.New()

	mock.ExpectExec("DELETE FROM executions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM executions").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("RUNNING"))

	err := store.DeleteExecution(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrInvalidInput)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDefinitionDuplicate(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectExec("INSERT INTO workflow_definitions").
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.CreateDefinition(context.Background(), &models.WorkflowDefinition{
		Name: "pipeline", Version: 1, Document: []byte(`{}`),
	})
	assert.ErrorIs(t, err, repository.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListExecutionsFilters(t *testing.T) {
	store, mock := setupStore(t)
	definitionID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM executions WHERE definition_id = \\$1 AND status = \\$2").
		WithArgs(definitionID, string(models.ExecutionStatusRunning), 10, 0).
		WillReturnRows(sqlmock.NewRows(executionColumns()).AddRow(
			uuid.New().String(), definitionID.String(), "RUNNING",
			[]byte(`{}`), []byte(`null`), "", 1, now, now, now, nil,
		))

	executions, err := store.ListExecutions(context.Background(), repository.ExecutionFilter{
		DefinitionID: definitionID,
		Status:       models.ExecutionStatusRunning,
		Limit:        10,
	})
	require.NoError(t, err)
	require.Len(t, executions, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindDueRetries(t *testing.T) {
	store, mock := setupStore(t)
	now := time.Now().UTC()
	due := now.Add(-time.Minute)

	mock.ExpectQuery("SELECT (.+) FROM task_executions t JOIN executions e").
		WithArgs(string(models.ExecutionStatusRunning), string(models.TaskStatusDelayed), now, 50).
		WillReturnRows(sqlmock.NewRows(taskColumns()).
			AddRow(uuid.New().String(), uuid.New().String(), "flaky", "DELAYED", 2,
				uuid.New().String(), 0, 0, 1, []byte(`null`),
				[]byte(`{}`), []byte(`null`), "boom", due, nil, 3, now, now))

	tasks, err := store.FindDueRetries(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusDelayed, tasks[0].Status)
	assert.Equal(t, 2, tasks[0].Attempt)
	require.NotNil(t, tasks[0].ScheduledAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
