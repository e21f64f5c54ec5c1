package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmill/taskmill/pkg/models"
	"github.com/taskmill/taskmill/pkg/queue"
	"github.com/taskmill/taskmill/pkg/repository"
	"github.com/taskmill/taskmill/pkg/repository/memory"
	"github.com/taskmill/taskmill/pkg/workflow"
)

func fixedNow() time.Time {
	return time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)
}

// harness drives the scheduler the way the reconciler does: load a
// snapshot, apply one event, commit the delta.
type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *memory.Store
	graph  *workflow.CompiledGraph
	sched  *Scheduler
	execID uuid.UUID
	now    time.Time
}

func newHarness(t *testing.T, spec *workflow.Spec, input models.JSONMap) *harness {
	t.Helper()
	graph, err := workflow.Compile(spec)
	require.NoError(t, err)
	store := memory.NewStore()
	execution := &models.Execution{DefinitionID: uuid.New(), Input: input}
	require.NoError(t, store.CreateExecution(context.Background(), execution))
	return &harness{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		graph:  graph,
		sched:  NewScheduler(nil),
		execID: execution.ID,
		now:    fixedNow(),
	}
}

func (h *harness) snapshot() *repository.Snapshot {
	h.t.Helper()
	snapshot, err := h.store.LoadSnapshot(h.ctx, h.execID)
	require.NoError(h.t, err)
	return snapshot
}

func (h *harness) apply(event *queue.EngineEvent) *Plan {
	h.t.Helper()
	plan, err := h.sched.Apply(h.graph, h.snapshot(), event, h.now)
	require.NoError(h.t, err)
	if !plan.Dropped {
		require.NoError(h.t, h.store.Commit(h.ctx, plan.Delta))
	}
	return plan
}

func (h *harness) start() *Plan {
	return h.apply(queue.NewEvent(queue.EventExecutionStart, h.execID))
}

func (h *harness) execution() *models.Execution {
	h.t.Helper()
	execution, err := h.store.GetExecution(h.ctx, h.execID)
	require.NoError(h.t, err)
	return execution
}

func (h *harness) rows(name string) []*models.TaskExecution {
	return h.snapshot().TasksFor(name)
}

func (h *harness) row(name string) *models.TaskExecution {
	h.t.Helper()
	rows := h.rows(name)
	require.Len(h.t, rows, 1, "expected a single row for task %s", name)
	return rows[0]
}

func taskDone(task *models.TaskExecution, result models.JSONMap) *queue.EngineEvent {
	event := queue.NewEvent(queue.EventTaskCompleted, task.ExecutionID)
	event.TaskExecutionID = task.ID
	event.Attempt = task.Attempt
	event.Success = true
	event.Result = result
	return event
}

func taskFailed(task *models.TaskExecution, message string) *queue.EngineEvent {
	event := queue.NewEvent(queue.EventTaskCompleted, task.ExecutionID)
	event.TaskExecutionID = task.ID
	event.Attempt = task.Attempt
	event.Error = message
	return event
}

func timerFired(task *models.TaskExecution) *queue.EngineEvent {
	event := queue.NewEvent(queue.EventTimerFired, task.ExecutionID)
	event.TaskExecutionID = task.ID
	event.Attempt = task.Attempt
	return event
}

func dispatchNames(plan *Plan) []string {
	names := make([]string, 0, len(plan.Dispatches))
	for _, task := range plan.Dispatches {
		names = append(names, task.TaskName)
	}
	return names
}

func pipelineSpec() *workflow.Spec {
	return &workflow.Spec{
		Name:    "pipeline",
		Version: 1,
		Tasks: []workflow.TaskSpec{
			{
				Name:      "fetch",
				Action:    "http.request",
				Input:     models.JSONMap{"url": "${input.url}"},
				OnSuccess: []workflow.Transition{{Task: "process"}},
			},
			{
				Name:      "process",
				Action:    "transform",
				Input:     models.JSONMap{"data": "${tasks.fetch.result.data}"},
				OnSuccess: []workflow.Transition{{Task: "store"}},
			},
			{
				Name:   "store",
				Action: "db.write",
				Input:  models.JSONMap{"data": "${tasks.process.result.data}"},
			},
		},
	}
}

func TestStartDispatchesEntryTasksInOrder(t *testing.T) {
	spec := &workflow.Spec{
		Name:    "parallel",
		Version: 1,
		Tasks: []workflow.TaskSpec{
			{Name: "alpha", Action: "echo"},
			{Name: "beta", Action: "echo"},
		},
	}
	h := newHarness(t, spec, nil)

	plan := h.start()
	assert.Equal(t, []string{"alpha", "beta"}, dispatchNames(plan))
	for _, task := range plan.Dispatches {
		assert.Equal(t, models.TaskStatusRunning, task.Status)
		assert.Equal(t, 1, task.Attempt)
		assert.NotEqual(t, uuid.Nil, task.ID, "commit must assign row ids")
	}
	assert.Equal(t, models.ExecutionStatusRunning, h.execution().Status)
}

func TestLinearChainRunsInOrderAndKeepsLastResult(t *testing.T) {
	h := newHarness(t, pipelineSpec(), models.JSONMap{"url": "x"})

	plan := h.start()
	require.Equal(t, []string{"fetch"}, dispatchNames(plan))
	assert.Equal(t, "x", plan.Dispatches[0].Input["url"])

	plan = h.apply(taskDone(h.row("fetch"), models.JSONMap{"data": 1}))
	require.Equal(t, []string{"process"}, dispatchNames(plan))
	assert.Equal(t, 1, plan.Dispatches[0].Input["data"])

	plan = h.apply(taskDone(h.row("process"), models.JSONMap{"data": 2}))
	require.Equal(t, []string{"store"}, dispatchNames(plan))
	assert.Equal(t, 2, plan.Dispatches[0].Input["data"])

	plan = h.apply(taskDone(h.row("store"), models.JSONMap{"ok": true}))
	assert.Empty(t, plan.Dispatches)

	execution := h.execution()
	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, map[string]interface{}{"ok": true}, execution.Output.V)
	require.NotNil(t, execution.CompletedAt)
}

func TestDuplicateCompletionDropped(t *testing.T) {
	h := newHarness(t, pipelineSpec(), models.JSONMap{"url": "x"})
	h.start()

	fetch := h.row("fetch")
	h.apply(taskDone(fetch, models.JSONMap{"data": 1}))

	plan := h.apply(taskDone(fetch, models.JSONMap{"data": 99}))
	assert.True(t, plan.Dropped)
	assert.Contains(t, plan.Reason, "SUCCESS")

	// The recorded result is untouched.
	assert.Equal(t, models.JSONMap{"data": 1}, h.row("fetch").Result)
}

func TestStaleAttemptDropped(t *testing.T) {
	h := newHarness(t, pipelineSpec(), models.JSONMap{"url": "x"})
	h.start()

	fetch := h.row("fetch")
	stale := taskDone(fetch, nil)
	stale.Attempt = fetch.Attempt + 1
	plan := h.apply(stale)
	assert.True(t, plan.Dropped)
	assert.Contains(t, plan.Reason, "stale attempt")
}

func TestCompletionForUnknownTaskDropped(t *testing.T) {
	h := newHarness(t, pipelineSpec(), models.JSONMap{"url": "x"})
	h.start()

	event := queue.NewEvent(queue.EventTaskCompleted, h.execID)
	event.TaskExecutionID = uuid.New()
	event.Attempt = 1
	event.Success = true
	plan := h.apply(event)
	assert.True(t, plan.Dropped)
	assert.Equal(t, "no such task execution", plan.Reason)
}

func retrySpec() *workflow.Spec {
	return &workflow.Spec{
		Name:    "flaky",
		Version: 1,
		Tasks: []workflow.TaskSpec{
			{
				Name:   "fetch",
				Action: "http.request",
				Retry:  &workflow.RetryPolicy{MaxAttempts: 3, DelaySeconds: 1, Backoff: 2},
			},
		},
	}
}

func TestRetryLadderDelaysThenExhausts(t *testing.T) {
	h := newHarness(t, retrySpec(), nil)
	h.start()

	// First failure: one second, then doubling.
	plan := h.apply(taskFailed(h.row("fetch"), "timeout 1"))
	require.Len(t, plan.Timers, 1)
	assert.Equal(t, h.now.Add(time.Second), plan.Timers[0].FireAt)
	fetch := h.row("fetch")
	assert.Equal(t, models.TaskStatusDelayed, fetch.Status)
	assert.Equal(t, 1, fetch.Attempt)
	require.NotNil(t, fetch.ScheduledAt)
	assert.Equal(t, models.ExecutionStatusRunning, h.execution().Status)

	plan = h.apply(timerFired(fetch))
	require.Equal(t, []string{"fetch"}, dispatchNames(plan))
	fetch = h.row("fetch")
	assert.Equal(t, models.TaskStatusRunning, fetch.Status)
	assert.Equal(t, 2, fetch.Attempt)
	assert.Nil(t, fetch.ScheduledAt)

	plan = h.apply(taskFailed(fetch, "timeout 2"))
	require.Len(t, plan.Timers, 1)
	assert.Equal(t, h.now.Add(2*time.Second), plan.Timers[0].FireAt)

	plan = h.apply(timerFired(h.row("fetch")))
	require.Equal(t, []string{"fetch"}, dispatchNames(plan))

	// Third failure exhausts the attempts and fails the execution.
	plan = h.apply(taskFailed(h.row("fetch"), "timeout 3"))
	assert.Empty(t, plan.Timers)
	assert.Empty(t, plan.Dispatches)

	execution := h.execution()
	assert.Equal(t, models.ExecutionStatusError, execution.Status)
	assert.Equal(t, "timeout 3", execution.Error)
	assert.Equal(t, map[string]interface{}{"error": "timeout 3"}, execution.Output.V)
	assert.Equal(t, models.TaskStatusError, h.row("fetch").Status)
}

func TestLateSuccessBeatsRetryTimer(t *testing.T) {
	h := newHarness(t, retrySpec(), nil)
	h.start()

	h.apply(taskFailed(h.row("fetch"), "slow"))
	delayed := h.row("fetch")
	require.Equal(t, models.TaskStatusDelayed, delayed.Status)

	// The executor finished after all; the same attempt reports success.
	plan := h.apply(taskDone(delayed, models.JSONMap{"ok": true}))
	assert.False(t, plan.Dropped)
	assert.Equal(t, models.ExecutionStatusSuccess, h.execution().Status)

	// The timer that was armed for the retry now fires into a terminal
	// execution and drops.
	plan = h.apply(timerFired(delayed))
	assert.True(t, plan.Dropped)
}

func TestDelayedFailureDuplicateDropped(t *testing.T) {
	h := newHarness(t, retrySpec(), nil)
	h.start()

	fetch := h.row("fetch")
	h.apply(taskFailed(fetch, "boom"))
	require.Equal(t, models.TaskStatusDelayed, h.row("fetch").Status)

	plan := h.apply(taskFailed(fetch, "boom again"))
	assert.True(t, plan.Dropped)
	assert.Contains(t, plan.Reason, "already recorded")
	assert.Equal(t, "boom", h.row("fetch").Error)
}

func fanOutSpec(join workflow.JoinPolicy) *workflow.Spec {
	return &workflow.Spec{
		Name:    "scan-fleet",
		Version: 1,
		Tasks: []workflow.TaskSpec{
			{
				Name:      "scan",
				Action:    "probe",
				WithItems: "${input.hosts}",
				Join:      join,
				Input:     models.JSONMap{"host": "${item}", "index": "${item_index}"},
				OnSuccess: []workflow.Transition{{Task: "report"}},
			},
			{
				Name:   "report",
				Action: "notify",
				Input:  models.JSONMap{"results": "${tasks.scan.result}"},
			},
		},
	}
}

func TestWithItemsFanOutAndAllJoin(t *testing.T) {
	input := models.JSONMap{"hosts": []interface{}{"a", "b", "c"}}
	h := newHarness(t, fanOutSpec(workflow.JoinPolicy{}), input)

	plan := h.start()
	require.Equal(t, []string{"scan", "scan", "scan"}, dispatchNames(plan))
	for i, task := range plan.Dispatches {
		assert.Equal(t, i, task.ItemIndex)
		assert.Equal(t, 3, task.GroupSize)
		assert.Equal(t, input["hosts"].([]interface{})[i], task.Input["host"])
		assert.Equal(t, i, task.Input["index"])
	}
	siblings := h.rows("scan")
	assert.Equal(t, siblings[0].GroupID, siblings[1].GroupID)
	assert.Equal(t, siblings[0].GroupID, siblings[2].GroupID)

	// Completions arrive out of item order; the join holds until the
	// last sibling lands.
	plan = h.apply(taskDone(siblings[2], models.JSONMap{"rtt": 30}))
	assert.Empty(t, plan.Dispatches)
	plan = h.apply(taskDone(siblings[0], models.JSONMap{"rtt": 10}))
	assert.Empty(t, plan.Dispatches)

	plan = h.apply(taskDone(siblings[1], models.JSONMap{"rtt": 20}))
	require.Equal(t, []string{"report"}, dispatchNames(plan))

	// The group result is ordered by item index regardless of arrival.
	results, ok := plan.Dispatches[0].Input["results"].([]interface{})
	require.True(t, ok)
	require.Len(t, results, 3)
	assert.Equal(t, map[string]interface{}{"rtt": 10}, results[0])
	assert.Equal(t, map[string]interface{}{"rtt": 20}, results[1])
	assert.Equal(t, map[string]interface{}{"rtt": 30}, results[2])

	h.apply(taskDone(h.row("report"), models.JSONMap{"sent": true}))
	assert.Equal(t, models.ExecutionStatusSuccess, h.execution().Status)
}

func TestWithItemsSiblingFailureFailsGroup(t *testing.T) {
	input := models.JSONMap{"hosts": []interface{}{"a", "b"}}
	h := newHarness(t, fanOutSpec(workflow.JoinPolicy{}), input)
	h.start()

	siblings := h.rows("scan")
	h.apply(taskDone(siblings[0], models.JSONMap{"rtt": 10}))
	plan := h.apply(taskFailed(siblings[1], "unreachable"))
	assert.Empty(t, plan.Dispatches)

	execution := h.execution()
	assert.Equal(t, models.ExecutionStatusError, execution.Status)
	assert.Equal(t, "unreachable", execution.Error)
}

func TestWithItemsOneJoinCompletesOnFirstSuccess(t *testing.T) {
	input := models.JSONMap{"hosts": []interface{}{"a", "b", "c"}}
	h := newHarness(t, fanOutSpec(workflow.JoinPolicy{Kind: workflow.JoinOne}), input)
	h.start()

	siblings := h.rows("scan")
	plan := h.apply(taskDone(siblings[1], models.JSONMap{"rtt": 20}))
	require.Equal(t, []string{"report"}, dispatchNames(plan))

	// The stragglers are still live, so the execution keeps running
	// even after the downstream task finishes.
	h.apply(taskDone(h.row("report"), models.JSONMap{"sent": true}))
	assert.Equal(t, models.ExecutionStatusRunning, h.execution().Status)

	h.apply(taskDone(siblings[0], models.JSONMap{"rtt": 10}))
	h.apply(taskFailed(siblings[2], "unreachable"))
	assert.Equal(t, models.ExecutionStatusSuccess, h.execution().Status)
}

func TestWithItemsEmptyCollection(t *testing.T) {
	input := models.JSONMap{"hosts": []interface{}{}}
	h := newHarness(t, fanOutSpec(workflow.JoinPolicy{}), input)

	// The empty group completes instantly and the transition fires in
	// the same pass.
	plan := h.start()
	require.Equal(t, []string{"report"}, dispatchNames(plan))
	assert.Equal(t, []interface{}{}, plan.Dispatches[0].Input["results"])

	placeholder := h.row("scan")
	assert.Equal(t, models.TaskStatusSuccess, placeholder.Status)
	assert.Equal(t, 0, placeholder.GroupSize)

	h.apply(taskDone(h.row("report"), models.JSONMap{"sent": true}))
	assert.Equal(t, models.ExecutionStatusSuccess, h.execution().Status)
}

func TestGuardedTransitionSkipsBranch(t *testing.T) {
	spec := &workflow.Spec{
		Name:    "conditional",
		Version: 1,
		Tasks: []workflow.TaskSpec{
			{
				Name:   "check",
				Action: "probe",
				OnSuccess: []workflow.Transition{
					{Task: "deploy", When: "${tasks.check.result.ok}"},
				},
			},
			{Name: "deploy", Action: "deploy"},
		},
	}
	h := newHarness(t, spec, nil)
	h.start()

	plan := h.apply(taskDone(h.row("check"), models.JSONMap{"ok": false}))
	assert.Empty(t, plan.Dispatches)
	assert.Empty(t, h.rows("deploy"))

	execution := h.execution()
	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, map[string]interface{}{"ok": false}, execution.Output.V)
}

func TestOnErrorPathRecovers(t *testing.T) {
	spec := &workflow.Spec{
		Name:    "compensated",
		Version: 1,
		Tasks: []workflow.TaskSpec{
			{
				Name:    "charge",
				Action:  "billing.charge",
				OnError: []workflow.Transition{{Task: "rollback"}},
			},
			{
				Name:   "rollback",
				Action: "billing.refund",
				Input:  models.JSONMap{"cause": "${error}"},
			},
		},
	}
	h := newHarness(t, spec, nil)
	h.start()

	plan := h.apply(taskFailed(h.row("charge"), "card declined"))
	require.Equal(t, []string{"rollback"}, dispatchNames(plan))
	assert.Equal(t, "card declined", plan.Dispatches[0].Input["cause"])

	h.apply(taskDone(h.row("rollback"), models.JSONMap{"refunded": true}))
	execution := h.execution()
	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, map[string]interface{}{"refunded": true}, execution.Output.V)
}

func TestUnhandledErrorFailsExecution(t *testing.T) {
	spec := &workflow.Spec{
		Name:    "two-branch",
		Version: 1,
		Tasks: []workflow.TaskSpec{
			{Name: "left", Action: "echo"},
			{Name: "right", Action: "echo"},
		},
	}
	h := newHarness(t, spec, nil)
	h.start()

	h.apply(taskDone(h.row("left"), models.JSONMap{"ok": true}))
	h.apply(taskFailed(h.row("right"), "disk full"))

	execution := h.execution()
	assert.Equal(t, models.ExecutionStatusError, execution.Status)
	assert.Equal(t, "disk full", execution.Error)
	assert.Equal(t, map[string]interface{}{"error": "disk full"}, execution.Output.V)
}

func TestCancelPoisonsLiveRows(t *testing.T) {
	h := newHarness(t, retrySpec(), nil)
	h.start()

	fetch := h.row("fetch")
	plan := h.apply(queue.NewEvent(queue.EventExecutionCancel, h.execID))
	assert.Empty(t, plan.Dispatches)
	assert.Empty(t, plan.Timers)

	execution := h.execution()
	assert.Equal(t, models.ExecutionStatusCancelled, execution.Status)
	assert.Equal(t, "execution cancelled", execution.Error)
	require.NotNil(t, execution.CompletedAt)

	row := h.row("fetch")
	assert.Equal(t, models.TaskStatusError, row.Status)
	assert.Equal(t, "execution cancelled", row.Error)

	// The action may still be running executor-side; its result arrives
	// late and drops.
	plan = h.apply(taskDone(fetch, models.JSONMap{"ok": true}))
	assert.True(t, plan.Dropped)
	assert.Contains(t, plan.Reason, "CANCELLED")
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, retrySpec(), nil)
	h.start()

	h.apply(queue.NewEvent(queue.EventExecutionCancel, h.execID))
	plan := h.apply(queue.NewEvent(queue.EventExecutionCancel, h.execID))
	assert.True(t, plan.Dropped)
}

func TestPauseRecordsResultsWithoutSpawning(t *testing.T) {
	h := newHarness(t, pipelineSpec(), models.JSONMap{"url": "x"})
	h.start()

	plan := h.apply(queue.NewEvent(queue.EventExecutionPause, h.execID))
	assert.False(t, plan.Dropped)
	assert.Equal(t, models.ExecutionStatusPaused, h.execution().Status)

	// The in-flight result is recorded, but nothing new is spawned.
	plan = h.apply(taskDone(h.row("fetch"), models.JSONMap{"data": 1}))
	assert.False(t, plan.Dropped)
	assert.Empty(t, plan.Dispatches)
	assert.Equal(t, models.TaskStatusSuccess, h.row("fetch").Status)
	assert.Empty(t, h.rows("process"))

	// Resume picks up exactly where the pause held the line.
	plan = h.apply(queue.NewEvent(queue.EventExecutionResume, h.execID))
	require.Equal(t, []string{"process"}, dispatchNames(plan))
	assert.Equal(t, models.ExecutionStatusRunning, h.execution().Status)
}

func TestResumeRearmsRetryTimers(t *testing.T) {
	h := newHarness(t, retrySpec(), nil)
	h.start()

	h.apply(taskFailed(h.row("fetch"), "timeout"))
	h.apply(queue.NewEvent(queue.EventExecutionPause, h.execID))

	// A timer that fires mid-pause drops instead of dispatching.
	plan := h.apply(timerFired(h.row("fetch")))
	assert.True(t, plan.Dropped)

	plan = h.apply(queue.NewEvent(queue.EventExecutionResume, h.execID))
	require.Len(t, plan.Timers, 1)
	assert.Equal(t, h.row("fetch").ID, plan.Timers[0].Task.ID)
	assert.Equal(t, models.TaskStatusDelayed, h.row("fetch").Status)
}

func TestLoopReentryBounded(t *testing.T) {
	spec := &workflow.Spec{
		Name:    "poll-until",
		Version: 1,
		Tasks: []workflow.TaskSpec{
			{
				Name:      "kick",
				Action:    "echo",
				OnSuccess: []workflow.Transition{{Task: "poll"}},
			},
			{
				Name:      "poll",
				Action:    "probe",
				Loop:      &workflow.LoopSpec{MaxIterations: 2},
				OnSuccess: []workflow.Transition{{Task: "poll"}},
			},
		},
	}
	h := newHarness(t, spec, nil)
	h.start()

	h.apply(taskDone(h.row("kick"), nil))
	rows := h.rows("poll")
	require.Len(t, rows, 1)
	assert.Equal(t, 0, rows[0].Incarnation)

	plan := h.apply(taskDone(rows[0], models.JSONMap{"round": 1}))
	require.Equal(t, []string{"poll"}, dispatchNames(plan))
	rows = h.rows("poll")
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[1].Incarnation)

	// The bound is spent; the next completion re-enters nothing.
	plan = h.apply(taskDone(rows[1], models.JSONMap{"round": 2}))
	assert.Empty(t, plan.Dispatches)
	assert.Len(t, h.rows("poll"), 2)
	assert.Equal(t, models.ExecutionStatusSuccess, h.execution().Status)
}

func TestJoinAllWaitsForEveryPredecessor(t *testing.T) {
	spec := &workflow.Spec{
		Name:    "fan-in",
		Version: 1,
		Tasks: []workflow.TaskSpec{
			{Name: "build", Action: "echo", OnSuccess: []workflow.Transition{{Task: "release"}}},
			{Name: "test", Action: "echo", OnSuccess: []workflow.Transition{{Task: "release"}}},
			{
				Name:   "release",
				Action: "deploy",
				Join:   workflow.JoinPolicy{Kind: workflow.JoinAll},
			},
		},
	}
	h := newHarness(t, spec, nil)
	h.start()

	plan := h.apply(taskDone(h.row("build"), nil))
	assert.Empty(t, plan.Dispatches, "one edge is not enough for join all")
	assert.Empty(t, h.rows("release"))

	plan = h.apply(taskDone(h.row("test"), nil))
	require.Equal(t, []string{"release"}, dispatchNames(plan))
	assert.Len(t, h.rows("release"), 1)
}

func TestExpressionFailureBecomesTaskError(t *testing.T) {
	spec := &workflow.Spec{
		Name:    "bad-input",
		Version: 1,
		Tasks: []workflow.TaskSpec{
			{
				Name:      "expand",
				Action:    "echo",
				WithItems: "${input.missing}",
			},
		},
	}
	h := newHarness(t, spec, models.JSONMap{})

	plan := h.start()
	assert.Empty(t, plan.Dispatches, "a failed expansion must not dispatch")

	row := h.row("expand")
	assert.Equal(t, models.TaskStatusError, row.Status)
	assert.NotEmpty(t, row.Error)

	execution := h.execution()
	assert.Equal(t, models.ExecutionStatusError, execution.Status)
	assert.Equal(t, row.Error, execution.Error)
}

func TestParallelLeavesProduceMapOutput(t *testing.T) {
	spec := &workflow.Spec{
		Name:    "parallel",
		Version: 1,
		Tasks: []workflow.TaskSpec{
			{Name: "left", Action: "echo"},
			{Name: "right", Action: "echo"},
		},
	}
	h := newHarness(t, spec, nil)
	h.start()

	h.apply(taskDone(h.row("left"), models.JSONMap{"n": 1}))
	h.apply(taskDone(h.row("right"), models.JSONMap{"n": 2}))

	execution := h.execution()
	require.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, map[string]interface{}{
		"left":  map[string]interface{}{"n": 1},
		"right": map[string]interface{}{"n": 2},
	}, execution.Output.V)
}

func TestExplicitOutputExpression(t *testing.T) {
	spec := pipelineSpec()
	spec.Output = "${tasks.process.result.data}"
	h := newHarness(t, spec, models.JSONMap{"url": "x"})
	h.start()

	h.apply(taskDone(h.row("fetch"), models.JSONMap{"data": 1}))
	h.apply(taskDone(h.row("process"), models.JSONMap{"data": 2}))
	h.apply(taskDone(h.row("store"), models.JSONMap{"ok": true}))

	execution := h.execution()
	require.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, 2, execution.Output.V)
}

func TestConflictingCommitLosesAndRecomputes(t *testing.T) {
	h := newHarness(t, pipelineSpec(), models.JSONMap{"url": "x"})
	h.start()

	fetch := h.row("fetch")
	event := taskDone(fetch, models.JSONMap{"data": 1})

	// Two engines race the same event against the same snapshot
	// version. The first commit wins.
	snapA := h.snapshot()
	snapB := h.snapshot()

	planA, err := h.sched.Apply(h.graph, snapA, event, h.now)
	require.NoError(t, err)
	require.NoError(t, h.store.Commit(h.ctx, planA.Delta))

	planB, err := h.sched.Apply(h.graph, snapB, event, h.now)
	require.NoError(t, err)
	err = h.store.Commit(h.ctx, planB.Delta)
	require.ErrorIs(t, err, repository.ErrOptimisticLock)

	// The loser reloads and recomputes: the event is now a duplicate.
	plan, err := h.sched.Apply(h.graph, h.snapshot(), event, h.now)
	require.NoError(t, err)
	assert.True(t, plan.Dropped)

	// Exactly one process row exists.
	assert.Len(t, h.rows("process"), 1)
}
