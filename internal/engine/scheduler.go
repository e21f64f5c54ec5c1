package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	sqlxtypes "github.com/jmoiron/sqlx/types"

	"github.com/taskmill/taskmill/pkg/models"
	"github.com/taskmill/taskmill/pkg/observability"
	"github.com/taskmill/taskmill/pkg/queue"
	"github.com/taskmill/taskmill/pkg/repository"
	"github.com/taskmill/taskmill/pkg/workflow"
)

// cancelReason marks rows and executions stopped by an explicit cancel.
const cancelReason = "execution cancelled"

// TimerIntent arms a retry firing for a DELAYED row once the owning
// delta has committed.
type TimerIntent struct {
	Task   *models.TaskExecution
	FireAt time.Time
}

// Plan is the outcome of one scheduling pass: the state transition to
// commit plus the side effects to run once the commit lands. A dropped
// plan carries no delta; the event is acknowledged and forgotten.
type Plan struct {
	Delta      *repository.Delta
	Dispatches []*models.TaskExecution
	Timers     []TimerIntent
	Dropped    bool
	Reason     string
}

// Scheduler turns one engine event into a plan. It is stateless: every
// decision is a function of the compiled graph, the snapshot, and the
// event, so a conflicting commit is handled by reloading the snapshot
// and computing again.
type Scheduler struct {
	logger observability.Logger
}

// NewScheduler creates a scheduler. A nil logger becomes a no-op.
func NewScheduler(logger observability.Logger) *Scheduler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Scheduler{logger: logger}
}

// Apply advances the snapshot by one event. The snapshot is mutated in
// place and referenced by the returned plan, so callers pass a fresh
// load and discard it if the commit conflicts.
//
// Task events mutate their row first; then, while the execution is
// RUNNING, a scheduling pass spawns every task whose incoming edges are
// satisfied and settles the execution once nothing is left in flight.
func (s *Scheduler) Apply(graph *workflow.CompiledGraph, snapshot *repository.Snapshot, event *queue.EngineEvent, now time.Time) (*Plan, error) {
	execution := snapshot.Execution
	if execution.IsTerminal() {
		return dropPlan("execution already " + string(execution.Status)), nil
	}

	p := &pass{
		graph:    graph,
		snapshot: snapshot,
		now:      now,
		logger:   s.logger,
		plan:     &Plan{},
	}

	switch event.Type {
	case queue.EventExecutionStart, queue.EventReconcile:
		// Nothing to record; the scheduling pass below does the work.
		// Entry tasks spawn on any pass, so a start event lost to a
		// pause or crash costs nothing once another pass runs.
	case queue.EventTaskCompleted:
		if reason := p.recordCompletion(event); reason != "" {
			return dropPlan(reason), nil
		}
	case queue.EventTimerFired:
		if execution.Status != models.ExecutionStatusRunning {
			return dropPlan("timer fired while execution is " + string(execution.Status)), nil
		}
		if reason := p.fireRetry(event); reason != "" {
			return dropPlan(reason), nil
		}
	case queue.EventExecutionCancel:
		p.cancel()
		return p.finish(), nil
	case queue.EventExecutionPause:
		if execution.Status != models.ExecutionStatusRunning {
			return dropPlan("pause while execution is " + string(execution.Status)), nil
		}
		execution.Status = models.ExecutionStatusPaused
		return p.finish(), nil
	case queue.EventExecutionResume:
		if execution.Status != models.ExecutionStatusPaused {
			return dropPlan("resume while execution is " + string(execution.Status)), nil
		}
		execution.Status = models.ExecutionStatusRunning
		p.rearmRetries()
	default:
		return dropPlan(fmt.Sprintf("unknown event type %q", event.Type)), nil
	}

	if execution.Status == models.ExecutionStatusRunning {
		p.schedule()
	}
	return p.finish(), nil
}

func dropPlan(reason string) *Plan {
	return &Plan{Dropped: true, Reason: reason}
}

// pass is the working state of one Apply call.
type pass struct {
	graph    *workflow.CompiledGraph
	snapshot *repository.Snapshot
	now      time.Time
	logger   observability.Logger
	plan     *Plan
	created  []*models.TaskExecution
	updated  []*models.TaskExecution
}

func (p *pass) finish() *Plan {
	p.plan.Delta = &repository.Delta{
		Execution:    p.snapshot.Execution,
		CreatedTasks: p.created,
		UpdatedTasks: p.updated,
	}
	return p.plan
}

// recordCompletion applies an executor report to its row. The returned
// reason is non-empty when the event must be dropped instead: results
// are accepted only for the row's current attempt while it is RUNNING,
// or DELAYED in the one case of a late success beating its own retry
// timer. A late success wins; a late failure is the duplicate of the
// one that made the row DELAYED.
func (p *pass) recordCompletion(event *queue.EngineEvent) string {
	task := p.snapshot.TaskByID(event.TaskExecutionID)
	if task == nil {
		return "no such task execution"
	}
	if task.Status != models.TaskStatusRunning && task.Status != models.TaskStatusDelayed {
		return "task is " + string(task.Status)
	}
	if task.Attempt != event.Attempt {
		return fmt.Sprintf("stale attempt %d, row is at %d", event.Attempt, task.Attempt)
	}
	if task.Status == models.TaskStatusDelayed && !event.Success {
		return "failure already recorded for this attempt"
	}

	if event.Success {
		task.Status = models.TaskStatusSuccess
		task.Result = event.Result
		task.Error = ""
		task.ScheduledAt = nil
	} else {
		p.recordFailure(task, event)
	}
	p.updated = append(p.updated, task)
	return ""
}

// recordFailure moves a failed attempt to DELAYED when attempts
// remain, otherwise to terminal ERROR.
func (p *pass) recordFailure(task *models.TaskExecution, event *queue.EngineEvent) {
	task.Result = event.Result
	task.Error = event.Error
	if task.Error == "" {
		task.Error = "task failed"
	}

	var retry *workflow.RetryPolicy
	if spec, ok := p.graph.Task(task.TaskName); ok {
		retry = spec.Retry
	}
	maxAttempts := 1
	if retry != nil && retry.MaxAttempts > 0 {
		maxAttempts = retry.MaxAttempts
	}
	if task.Attempt < maxAttempts {
		// Millisecond precision so the due time survives the database
		// round trip unchanged and re-armed timers dedupe by member.
		due := p.now.Add(retryDelay(retry, task.Attempt)).Truncate(time.Millisecond)
		task.Status = models.TaskStatusDelayed
		task.ScheduledAt = &due
		task.DispatchedAt = nil
		p.plan.Timers = append(p.plan.Timers, TimerIntent{Task: task, FireAt: due})
	} else {
		task.Status = models.TaskStatusError
		task.ScheduledAt = nil
	}
}

// retryDelay is the wait before re-dispatching attempt+1: the base
// delay grown by the backoff factor once per failure already burned.
func retryDelay(policy *workflow.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.DelaySeconds <= 0 {
		return 0
	}
	factor := policy.Backoff
	if factor <= 0 {
		factor = 1
	}
	seconds := float64(policy.DelaySeconds) * math.Pow(factor, float64(attempt-1))
	return time.Duration(seconds * float64(time.Second))
}

// fireRetry re-dispatches a DELAYED row whose timer came due. The entry
// carries the attempt the row had when it was delayed; anything else is
// a leftover timer from a superseded attempt.
func (p *pass) fireRetry(event *queue.EngineEvent) string {
	task := p.snapshot.TaskByID(event.TaskExecutionID)
	if task == nil {
		return "no such task execution"
	}
	if task.Status != models.TaskStatusDelayed {
		return "task is " + string(task.Status)
	}
	if task.Attempt != event.Attempt {
		return fmt.Sprintf("stale timer for attempt %d, row is at %d", event.Attempt, task.Attempt)
	}

	task.Status = models.TaskStatusRunning
	task.Attempt++
	task.ScheduledAt = nil
	task.DispatchedAt = nil
	p.updated = append(p.updated, task)
	p.plan.Dispatches = append(p.plan.Dispatches, task)
	return ""
}

// cancel terminates the execution and poisons every live row so late
// executor reports land on terminal rows and drop. Running actions are
// not interrupted; their results simply have nowhere to go.
func (p *pass) cancel() {
	execution := p.snapshot.Execution
	execution.Status = models.ExecutionStatusCancelled
	execution.Error = cancelReason
	completed := p.now
	execution.CompletedAt = &completed

	for _, task := range p.snapshot.Tasks {
		if !task.IsLive() {
			continue
		}
		task.Status = models.TaskStatusError
		task.Error = cancelReason
		task.ScheduledAt = nil
		p.updated = append(p.updated, task)
	}
}

// rearmRetries reissues timer intents for every DELAYED row. Timers
// that fired during the pause were dropped, so a resume arms them
// again; re-arming one that still exists is idempotent.
func (p *pass) rearmRetries() {
	for _, task := range p.snapshot.Tasks {
		if task.Status == models.TaskStatusDelayed && task.ScheduledAt != nil {
			p.plan.Timers = append(p.plan.Timers, TimerIntent{Task: task, FireAt: *task.ScheduledAt})
		}
	}
}

// schedule runs the spawn loop to its fixpoint and settles the
// execution. Each round groups the rows, evaluates which edges fired,
// and spawns every task whose join over incoming edges is satisfied;
// spawned rows can complete instantly (failed expansion, empty
// collection), so rounds repeat until nothing new appears. Spawning is
// idempotent across recomputation because existing rows consume the
// firings that created them.
func (p *pass) schedule() {
	for {
		groups := p.buildGroups()
		env := p.buildEnv(groups)
		fired := p.computeFirings(groups, env)
		if !p.spawn(fired, env) {
			p.settle(groups, env)
			return
		}
	}
}

// groupState is the computed view of one task incarnation: its sibling
// rows, whether the group reached a terminal outcome, and what it
// produced.
type groupState struct {
	name        string
	incarnation int
	rows        []*models.TaskExecution
	complete    bool
	outcome     workflow.Outcome
	result      interface{}
	errText     string
	fired       bool
}

func (p *pass) buildGroups() map[string][]*groupState {
	spec := p.graph.Spec()
	out := make(map[string][]*groupState, len(spec.Tasks))
	for i := range spec.Tasks {
		task := &spec.Tasks[i]
		rows := p.snapshot.TasksFor(task.Name)
		if len(rows) == 0 {
			continue
		}
		var states []*groupState
		start := 0
		for start < len(rows) {
			end := start
			for end < len(rows) && rows[end].Incarnation == rows[start].Incarnation {
				end++
			}
			g := &groupState{
				name:        task.Name,
				incarnation: rows[start].Incarnation,
				rows:        rows[start:end],
			}
			p.evaluateGroup(task, g)
			states = append(states, g)
			start = end
		}
		out[task.Name] = states
	}
	return out
}

// evaluateGroup decides whether one incarnation of a task is complete
// and with which outcome. Single rows complete with their own status; a
// with-items group completes per its sibling join policy, all siblings
// by default.
func (p *pass) evaluateGroup(spec *workflow.TaskSpec, g *groupState) {
	if len(g.rows) == 1 && g.rows[0].GroupSize == 0 {
		// Placeholder row: the collection was empty or never expanded.
		row := g.rows[0]
		if !row.IsTerminal() {
			return
		}
		g.complete = true
		if row.Status == models.TaskStatusSuccess {
			g.outcome = workflow.OutcomeSuccess
			g.result = []interface{}{}
		} else {
			g.outcome = workflow.OutcomeError
			g.errText = row.Error
		}
		return
	}

	if spec.WithItems == "" {
		row := g.rows[0]
		if !row.IsTerminal() {
			return
		}
		g.complete = true
		g.outcome = workflow.OutcomeForStatus(row.Status)
		g.result = resultValue(row.Result)
		g.errText = row.Error
		return
	}

	var successes, terminal int
	for _, row := range g.rows {
		if row.IsTerminal() {
			terminal++
		}
		if row.Status == models.TaskStatusSuccess {
			successes++
		}
	}
	all := terminal == len(g.rows)

	switch spec.Join.Kind {
	case workflow.JoinOne:
		if successes >= 1 {
			g.complete = true
			g.outcome = workflow.OutcomeSuccess
		} else if all {
			g.complete = true
			g.outcome = workflow.OutcomeError
		}
	case workflow.JoinCount:
		if successes >= spec.Join.Count {
			g.complete = true
			g.outcome = workflow.OutcomeSuccess
		} else if all {
			g.complete = true
			g.outcome = workflow.OutcomeError
		}
	default:
		// JoinAll, JoinNone, or unset: the whole collection.
		if all {
			g.complete = true
			if successes == len(g.rows) {
				g.outcome = workflow.OutcomeSuccess
			} else {
				g.outcome = workflow.OutcomeError
			}
		}
	}
	if !g.complete {
		return
	}

	list := make([]interface{}, len(g.rows))
	for i, row := range g.rows {
		list[i] = resultValue(row.Result)
	}
	g.result = list
	if g.outcome == workflow.OutcomeError {
		for _, row := range g.rows {
			if row.Status == models.TaskStatusError {
				g.errText = row.Error
				break
			}
		}
	}
}

func resultValue(result models.JSONMap) interface{} {
	if result == nil {
		return nil
	}
	return map[string]interface{}(result)
}

// buildEnv exposes the execution input and every completed task, the
// latest complete incarnation winning the name.
func (p *pass) buildEnv(groups map[string][]*groupState) workflow.Env {
	env := workflow.NewEnv(p.snapshot.Execution.Input)
	spec := p.graph.Spec()
	for i := range spec.Tasks {
		name := spec.Tasks[i].Name
		var latest *groupState
		for _, g := range groups[name] {
			if g.complete {
				latest = g
			}
		}
		if latest == nil {
			continue
		}
		status := models.TaskStatusSuccess
		if latest.outcome == workflow.OutcomeError {
			status = models.TaskStatusError
		}
		env.WithTask(name, latest.result, status)
	}
	return env
}

// firings tallies satisfied incoming edges per target task. errText
// carries the message of the first error-outcome source that fired into
// a target, so error-path tasks can template on ${error}.
type firings struct {
	total   map[string]int
	success map[string]int
	preds   map[string]map[string]bool
	errText map[string]string
}

// computeFirings traverses the outcome transitions of every complete
// group and evaluates their guards. A guard that fails to evaluate does
// not fire; the workflow keeps moving and the miss is logged.
func (p *pass) computeFirings(groups map[string][]*groupState, env workflow.Env) *firings {
	f := &firings{
		total:   make(map[string]int),
		success: make(map[string]int),
		preds:   make(map[string]map[string]bool),
		errText: make(map[string]string),
	}
	spec := p.graph.Spec()
	for i := range spec.Tasks {
		source := &spec.Tasks[i]
		for _, g := range groups[source.Name] {
			if !g.complete {
				continue
			}
			guardEnv := env
			if g.outcome == workflow.OutcomeError {
				guardEnv = env.Clone().WithError(g.errText)
			}
			for _, tr := range p.graph.Successors(source.Name, g.outcome) {
				ok, err := workflow.EvalCondition(tr.When, guardEnv)
				if err != nil {
					p.logger.Warn("Transition guard failed to evaluate", map[string]interface{}{
						"execution_id": p.snapshot.Execution.ID.String(),
						"from":         source.Name,
						"to":           tr.Task,
						"error":        err.Error(),
					})
					continue
				}
				if !ok {
					continue
				}
				g.fired = true
				f.total[tr.Task]++
				if g.outcome == workflow.OutcomeSuccess {
					f.success[tr.Task]++
				} else if _, ok := f.errText[tr.Task]; !ok {
					f.errText[tr.Task] = g.errText
				}
				if f.preds[tr.Task] == nil {
					f.preds[tr.Task] = make(map[string]bool)
				}
				f.preds[tr.Task][source.Name] = true
			}
		}
	}
	return f
}

// spawn creates rows for every task owed more incarnations than it has.
// Tasks are visited in definition order, so simultaneous satisfied
// targets dispatch in document order.
func (p *pass) spawn(fired *firings, env workflow.Env) bool {
	spawned := false
	spec := p.graph.Spec()
	for i := range spec.Tasks {
		target := &spec.Tasks[i]
		have := p.snapshot.Incarnations(target.Name)
		want := p.wantIncarnations(target, fired)
		if have >= want {
			continue
		}
		spawnEnv := env
		if msg, ok := fired.errText[target.Name]; ok {
			spawnEnv = env.Clone().WithError(msg)
		}
		for have < want {
			p.spawnGroup(target, have, spawnEnv)
			have++
			spawned = true
		}
	}
	return spawned
}

// wantIncarnations maps an edge tally to the number of incarnations the
// task should have by now. Entry tasks carry one standing firing. Under
// the default join each firing entitles one incarnation, capped by the
// loop bound; all, one, and count joins gate a single incarnation.
func (p *pass) wantIncarnations(target *workflow.TaskSpec, fired *firings) int {
	entry := p.graph.IsEntry(target.Name)
	total := fired.total[target.Name]
	successes := fired.success[target.Name]
	if entry {
		total++
		successes++
	}

	policy := workflow.JoinPolicy{Kind: workflow.JoinNone}
	if target.WithItems == "" && !target.Join.IsZero() {
		policy = target.Join
	}

	switch policy.Kind {
	case workflow.JoinAll:
		for _, pred := range p.graph.Predecessors(target.Name) {
			if !fired.preds[target.Name][pred] {
				return 0
			}
		}
		return 1
	case workflow.JoinOne:
		if successes >= 1 {
			return 1
		}
		return 0
	case workflow.JoinCount:
		if successes >= policy.Count {
			return 1
		}
		return 0
	default:
		bound := 1
		if target.Loop != nil && target.Loop.MaxIterations > 0 {
			bound = target.Loop.MaxIterations
		}
		if total > bound {
			return bound
		}
		return total
	}
}

// spawnGroup creates the rows of one incarnation: the fan-out of the
// with-items collection, or a single row. Rows whose input cannot be
// produced are created terminal ERROR instead of dispatched, so
// expression failures flow through the graph like any task failure.
func (p *pass) spawnGroup(target *workflow.TaskSpec, incarnation int, env workflow.Env) {
	groupID := uuid.New()
	base := models.TaskExecution{
		ExecutionID: p.snapshot.Execution.ID,
		TaskName:    target.Name,
		Status:      models.TaskStatusRunning,
		Attempt:     1,
		GroupID:     groupID,
		Incarnation: incarnation,
		GroupSize:   1,
	}

	if target.WithItems == "" {
		row := base
		if input, err := workflow.RenderInput(target.Input, env); err != nil {
			row.Status = models.TaskStatusError
			row.Error = err.Error()
		} else {
			row.Input = input
		}
		p.addRow(&row)
		return
	}

	items, err := workflow.EvalCollection(target.WithItems, env)
	if err != nil {
		row := base
		row.Status = models.TaskStatusError
		row.Error = err.Error()
		row.GroupSize = 0
		p.addRow(&row)
		return
	}
	if len(items) == 0 {
		row := base
		row.Status = models.TaskStatusSuccess
		row.GroupSize = 0
		p.addRow(&row)
		return
	}

	for index, item := range items {
		row := base
		row.ItemIndex = index
		row.GroupSize = len(items)
		data, err := json.Marshal(item)
		if err != nil {
			row.Status = models.TaskStatusError
			row.Error = err.Error()
			p.addRow(&row)
			continue
		}
		row.Item = sqlxtypes.JSONText(data)
		itemEnv := env.Clone().WithItem(item, index)
		if input, err := workflow.RenderInput(target.Input, itemEnv); err != nil {
			row.Status = models.TaskStatusError
			row.Error = err.Error()
		} else {
			row.Input = input
		}
		p.addRow(&row)
	}
}

func (p *pass) addRow(row *models.TaskExecution) {
	p.snapshot.Tasks = append(p.snapshot.Tasks, row)
	p.created = append(p.created, row)
	if row.Status == models.TaskStatusRunning {
		p.plan.Dispatches = append(p.plan.Dispatches, row)
	}
}

// settle decides the terminal state once nothing is in flight. A
// complete ERROR group that fired no transition has no recovery path;
// the first such group, in definition order, fails the execution with
// its error. Otherwise the execution succeeds.
func (p *pass) settle(groups map[string][]*groupState, env workflow.Env) {
	if len(p.snapshot.LiveTasks()) > 0 {
		return
	}
	spec := p.graph.Spec()
	for i := range spec.Tasks {
		for _, g := range groups[spec.Tasks[i].Name] {
			if g.complete && g.outcome == workflow.OutcomeError && !g.fired {
				p.fail(g.errText)
				return
			}
		}
	}
	p.succeed(groups, env)
}

func (p *pass) fail(message string) {
	execution := p.snapshot.Execution
	execution.Status = models.ExecutionStatusError
	execution.Error = message
	execution.Output = models.JSONValue{V: map[string]interface{}{"error": message}}
	completed := p.now
	execution.CompletedAt = &completed
}

func (p *pass) succeed(groups map[string][]*groupState, env workflow.Env) {
	output, err := p.buildOutput(groups, env)
	if err != nil {
		p.fail(err.Error())
		return
	}
	execution := p.snapshot.Execution
	execution.Status = models.ExecutionStatusSuccess
	execution.Error = ""
	execution.Output = models.JSONValue{V: output}
	completed := p.now
	execution.CompletedAt = &completed
}

// buildOutput shapes the execution output. An explicit output
// expression wins; otherwise the results of the leaf groups, the
// complete successes that fired no transition: a single leaf yields its
// result bare, several yield a map keyed by task name.
func (p *pass) buildOutput(groups map[string][]*groupState, env workflow.Env) (interface{}, error) {
	spec := p.graph.Spec()
	if spec.Output != "" {
		return workflow.Render(spec.Output, env)
	}

	type leaf struct {
		name   string
		result interface{}
	}
	var leaves []leaf
	for i := range spec.Tasks {
		name := spec.Tasks[i].Name
		var latest *groupState
		for _, g := range groups[name] {
			if g.complete {
				latest = g
			}
		}
		if latest == nil || latest.outcome != workflow.OutcomeSuccess || latest.fired {
			continue
		}
		leaves = append(leaves, leaf{name: name, result: latest.result})
	}

	switch len(leaves) {
	case 0:
		return nil, nil
	case 1:
		return leaves[0].result, nil
	default:
		out := make(map[string]interface{}, len(leaves))
		for _, l := range leaves {
			out[l.name] = l.result
		}
		return out, nil
	}
}
