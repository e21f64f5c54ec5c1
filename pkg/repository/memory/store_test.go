package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	sqlxtypes "github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmill/taskmill/pkg/models"
	"github.com/taskmill/taskmill/pkg/repository"
)

func newDefinition(name string, version int) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		Name:     name,
		Version:  version,
		Document: sqlxtypes.JSONText(`{"name":"` + name + `"}`),
	}
}

func startedExecution(t *testing.T, store *Store) *models.Execution {
	t.Helper()
	execution := &models.Execution{
		DefinitionID: uuid.New(),
		Input:        models.JSONMap{"url": "https://example.test"},
	}
	require.NoError(t, store.CreateExecution(context.Background(), execution))
	return execution
}

func TestDefinitionVersioning(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.CreateDefinition(ctx, newDefinition("deploy", 1)))
	require.NoError(t, store.CreateDefinition(ctx, newDefinition("deploy", 2)))
	require.NoError(t, store.CreateDefinition(ctx, newDefinition("backup", 1)))

	err := store.CreateDefinition(ctx, newDefinition("deploy", 2))
	assert.ErrorIs(t, err, repository.ErrAlreadyExists)

	latest, err := store.LatestVersion(ctx, "deploy")
	require.NoError(t, err)
	assert.Equal(t, 2, latest)

	latest, err = store.LatestVersion(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, 0, latest)

	def, err := store.GetDefinitionByName(ctx, "deploy", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, def.Version)

	def, err = store.GetDefinitionByName(ctx, "deploy", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, def.Version)

	_, err = store.GetDefinitionByName(ctx, "deploy", 9)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	defs, err := store.ListDefinitions(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, "backup", defs[0].Name)
	assert.Equal(t, 2, defs[1].Version)
}

func TestCreateExecutionDefaults(t *testing.T) {
	store := NewStore()
	execution := startedExecution(t, store)

	assert.NotEqual(t, uuid.Nil, execution.ID)
	assert.Equal(t, models.ExecutionStatusRunning, execution.Status)
	assert.Equal(t, 1, execution.Version)
	assert.False(t, execution.StartedAt.IsZero())

	loaded, err := store.GetExecution(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.ID, loaded.ID)

	_, err = store.GetExecution(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCommitAppliesDelta(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	execution := startedExecution(t, store)

	delta := &repository.Delta{
		Execution: execution,
		CreatedTasks: []*models.TaskExecution{{
			TaskName:  "fetch",
			Status:    models.TaskStatusRunning,
			GroupID:   uuid.New(),
			GroupSize: 1,
		}},
	}
	require.NoError(t, store.Commit(ctx, delta))
	assert.Equal(t, 2, execution.Version)
	created := delta.CreatedTasks[0]
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, 1, created.Attempt)

	snapshot, err := store.LoadSnapshot(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snapshot.Execution.Version)
	require.Len(t, snapshot.Tasks, 1)
	assert.Equal(t, "fetch", snapshot.Tasks[0].TaskName)

	// Advance the task and the execution together.
	snapshot.Tasks[0].Status = models.TaskStatusSuccess
	snapshot.Tasks[0].Result = models.JSONMap{"status": float64(200)}
	require.NoError(t, store.Commit(ctx, &repository.Delta{
		Execution:    snapshot.Execution,
		UpdatedTasks: []*models.TaskExecution{snapshot.Tasks[0]},
	}))

	task, err := store.GetTaskExecution(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSuccess, task.Status)
	assert.Equal(t, 2, task.Version)
}

func TestCommitVersionConflictLeavesStoreUntouched(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	execution := startedExecution(t, store)

	first, err := store.LoadSnapshot(ctx, execution.ID)
	require.NoError(t, err)
	second, err := store.LoadSnapshot(ctx, execution.ID)
	require.NoError(t, err)

	require.NoError(t, store.Commit(ctx, &repository.Delta{
		Execution: first.Execution,
		CreatedTasks: []*models.TaskExecution{{
			TaskName: "fetch", Status: models.TaskStatusRunning, GroupID: uuid.New(), GroupSize: 1,
		}},
	}))

	err = store.Commit(ctx, &repository.Delta{
		Execution: second.Execution,
		CreatedTasks: []*models.TaskExecution{{
			TaskName: "other", Status: models.TaskStatusRunning, GroupID: uuid.New(), GroupSize: 1,
		}},
	})
	assert.ErrorIs(t, err, repository.ErrOptimisticLock)

	// Only the first racer's writes are present.
	snapshot, err := store.LoadSnapshot(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, snapshot.Tasks, 1)
	assert.Equal(t, "fetch", snapshot.Tasks[0].TaskName)
	assert.Equal(t, 2, snapshot.Execution.Version)
}

func TestCommitStaleTaskVersionFailsWholeDelta(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	execution := startedExecution(t, store)

	require.NoError(t, store.Commit(ctx, &repository.Delta{
		Execution: execution,
		CreatedTasks: []*models.TaskExecution{{
			TaskName: "fetch", Status: models.TaskStatusRunning, GroupID: uuid.New(), GroupSize: 1,
		}},
	}))

	snapshot, err := store.LoadSnapshot(ctx, execution.ID)
	require.NoError(t, err)
	stale := snapshot.Tasks[0].Clone()
	stale.Version = 9
	stale.Status = models.TaskStatusSuccess

	err = store.Commit(ctx, &repository.Delta{
		Execution:    snapshot.Execution,
		UpdatedTasks: []*models.TaskExecution{stale},
	})
	assert.ErrorIs(t, err, repository.ErrOptimisticLock)

	after, err := store.LoadSnapshot(ctx, execution.ID)
	require.NoError(t, err)
	// The execution version did not advance either.
	assert.Equal(t, snapshot.Execution.Version, after.Execution.Version)
	assert.Equal(t, models.TaskStatusRunning, after.Tasks[0].Status)
}

func TestCommitDuplicateTaskRowConflicts(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	execution := startedExecution(t, store)

	require.NoError(t, store.Commit(ctx, &repository.Delta{
		Execution: execution,
		CreatedTasks: []*models.TaskExecution{{
			TaskName: "fetch", Status: models.TaskStatusRunning, GroupID: uuid.New(), GroupSize: 1,
		}},
	}))

	// Same (task, incarnation, item) materialized again.
	err := store.Commit(ctx, &repository.Delta{
		Execution: execution,
		CreatedTasks: []*models.TaskExecution{{
			TaskName: "fetch", Status: models.TaskStatusRunning, GroupID: uuid.New(), GroupSize: 1,
		}},
	})
	assert.ErrorIs(t, err, repository.ErrOptimisticLock)
}

func TestConfirmDispatchMatchesAttempt(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	execution := startedExecution(t, store)

	delta := &repository.Delta{
		Execution: execution,
		CreatedTasks: []*models.TaskExecution{{
			TaskName: "fetch", Status: models.TaskStatusRunning, GroupID: uuid.New(), GroupSize: 1,
		}},
	}
	require.NoError(t, store.Commit(ctx, delta))
	taskID := delta.CreatedTasks[0].ID

	// Wrong attempt is dropped.
	require.NoError(t, store.ConfirmDispatch(ctx, taskID, 7, time.Now().UTC()))
	task, err := store.GetTaskExecution(ctx, taskID)
	require.NoError(t, err)
	assert.Nil(t, task.DispatchedAt)

	require.NoError(t, store.ConfirmDispatch(ctx, taskID, 1, time.Now().UTC()))
	task, err = store.GetTaskExecution(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, task.DispatchedAt)
	assert.Equal(t, 1, task.Version)
}

func TestDeleteExecutionRequiresTerminal(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	execution := startedExecution(t, store)

	err := store.DeleteExecution(ctx, execution.ID)
	assert.ErrorIs(t, err, repository.ErrInvalidInput)

	execution.Status = models.ExecutionStatusSuccess
	require.NoError(t, store.Commit(ctx, &repository.Delta{Execution: execution}))
	require.NoError(t, store.DeleteExecution(ctx, execution.ID))

	_, err = store.GetExecution(ctx, execution.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, store.DeleteExecution(ctx, execution.ID), repository.ErrNotFound)
}

func TestListExecutionsFilters(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	defID := uuid.New()
	a := &models.Execution{DefinitionID: defID}
	require.NoError(t, store.CreateExecution(ctx, a))
	b := &models.Execution{DefinitionID: uuid.New(), Status: models.ExecutionStatusSuccess}
	require.NoError(t, store.CreateExecution(ctx, b))

	byDef, err := store.ListExecutions(ctx, repository.ExecutionFilter{DefinitionID: defID})
	require.NoError(t, err)
	require.Len(t, byDef, 1)
	assert.Equal(t, a.ID, byDef[0].ID)

	byStatus, err := store.ListExecutions(ctx, repository.ExecutionFilter{Status: models.ExecutionStatusSuccess})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, b.ID, byStatus[0].ID)
}

func TestSweepQueries(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	execution := startedExecution(t, store)

	past := time.Now().UTC().Add(-time.Minute)
	delta := &repository.Delta{
		Execution: execution,
		CreatedTasks: []*models.TaskExecution{
			{TaskName: "undispatched", Status: models.TaskStatusRunning, GroupID: uuid.New(), GroupSize: 1},
			{TaskName: "delayed", Status: models.TaskStatusDelayed, GroupID: uuid.New(), GroupSize: 1, ScheduledAt: &past},
		},
	}
	require.NoError(t, store.Commit(ctx, delta))

	cutoff := time.Now().UTC().Add(time.Minute)
	stale, err := store.FindStaleDispatches(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "undispatched", stale[0].TaskName)

	due, err := store.FindDueRetries(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "delayed", due[0].TaskName)

	// Live tasks keep the execution off the stalled list.
	stalled, err := store.FindStalledExecutions(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Empty(t, stalled)

	snapshot, err := store.LoadSnapshot(ctx, execution.ID)
	require.NoError(t, err)
	for _, task := range snapshot.Tasks {
		task.Status = models.TaskStatusError
	}
	require.NoError(t, store.Commit(ctx, &repository.Delta{
		Execution:    snapshot.Execution,
		UpdatedTasks: snapshot.Tasks,
	}))

	stalled, err = store.FindStalledExecutions(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, execution.ID, stalled[0])
}

func TestSweepIgnoresNonRunningExecutions(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	execution := startedExecution(t, store)

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.Commit(ctx, &repository.Delta{
		Execution: execution,
		CreatedTasks: []*models.TaskExecution{
			{TaskName: "inflight", Status: models.TaskStatusRunning, GroupID: uuid.New(), GroupSize: 1},
			{TaskName: "waiting", Status: models.TaskStatusDelayed, GroupID: uuid.New(), GroupSize: 1, ScheduledAt: &past},
		},
	}))

	snapshot, err := store.LoadSnapshot(ctx, execution.ID)
	require.NoError(t, err)
	snapshot.Execution.Status = models.ExecutionStatusCancelled
	require.NoError(t, store.Commit(ctx, &repository.Delta{Execution: snapshot.Execution}))

	cutoff := time.Now().UTC().Add(time.Minute)
	stale, err := store.FindStaleDispatches(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	due, err := store.FindDueRetries(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSnapshotIsolation(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	execution := startedExecution(t, store)

	snapshot, err := store.LoadSnapshot(ctx, execution.ID)
	require.NoError(t, err)
	snapshot.Execution.Status = models.ExecutionStatusError

	loaded, err := store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, loaded.Status)
}
