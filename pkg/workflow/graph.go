package workflow

import (
	"github.com/taskmill/taskmill/pkg/models"
)

// CompiledGraph is the validated, indexed form of a workflow document.
// Compilation runs at registration time so that every structural and
// semantic defect is reported there; the engine only ever schedules
// against graphs that compiled cleanly.
type CompiledGraph struct {
	spec    *Spec
	tasks   map[string]*TaskSpec
	order   map[string]int
	preds   map[string][]string
	entries []*TaskSpec
}

// Compile validates a parsed document and indexes it for scheduling.
func Compile(spec *Spec) (*CompiledGraph, error) {
	if spec.Name == "" {
		return nil, models.NewDefinitionError("", "", "workflow name is required")
	}
	if len(spec.Tasks) == 0 {
		return nil, models.NewDefinitionError(spec.Name, "", "workflow has no tasks")
	}

	g := &CompiledGraph{
		spec:  spec,
		tasks: make(map[string]*TaskSpec, len(spec.Tasks)),
		order: make(map[string]int, len(spec.Tasks)),
		preds: make(map[string][]string, len(spec.Tasks)),
	}
	for i := range spec.Tasks {
		task := &spec.Tasks[i]
		if _, dup := g.tasks[task.Name]; dup {
			return nil, models.NewDefinitionError(spec.Name, task.Name, "duplicate task name")
		}
		g.tasks[task.Name] = task
		g.order[task.Name] = i
	}

	for i := range spec.Tasks {
		task := &spec.Tasks[i]
		if err := g.checkTask(task); err != nil {
			return nil, err
		}
	}
	if spec.Output != "" {
		if err := CheckExpression(spec.Output); err != nil {
			return nil, models.NewDefinitionError(spec.Name, "", "%v", err)
		}
	}

	g.indexPredecessors()

	for i := range spec.Tasks {
		task := &spec.Tasks[i]
		if len(g.preds[task.Name]) == 0 || task.Entry {
			g.entries = append(g.entries, task)
		}
	}
	if len(g.entries) == 0 {
		return nil, models.NewDefinitionError(spec.Name, "",
			"workflow has no entry tasks: every task has an incoming transition and none is marked entry")
	}

	for i := range spec.Tasks {
		task := &spec.Tasks[i]
		if err := g.checkJoin(task); err != nil {
			return nil, err
		}
	}

	if cyclic := g.findUnboundedCycle(); cyclic != "" {
		return nil, models.NewDefinitionError(spec.Name, cyclic,
			"cycle is not bounded by a loop declaration on any task it passes through")
	}

	return g, nil
}

func (g *CompiledGraph) checkTask(task *TaskSpec) error {
	fail := func(format string, args ...interface{}) error {
		return models.NewDefinitionError(g.spec.Name, task.Name, format, args...)
	}

	if task.Action == "" {
		return fail("task action is required")
	}
	if task.Retry != nil {
		if task.Retry.MaxAttempts < 1 {
			return fail("retry max_attempts must be at least 1")
		}
		if task.Retry.DelaySeconds < 0 {
			return fail("retry delay must not be negative")
		}
		if task.Retry.Backoff == 0 {
			task.Retry.Backoff = 1
		}
		if task.Retry.Backoff < 1 {
			return fail("retry backoff multiplier must be at least 1")
		}
	}
	if task.Loop != nil && task.Loop.MaxIterations < 1 {
		return fail("loop max_iterations must be at least 1")
	}
	if task.WithItems != "" {
		if err := CheckExpression(task.WithItems); err != nil {
			return fail("%v", err)
		}
	}
	if err := CheckTemplate(task.Input); err != nil {
		return fail("%v", err)
	}
	for _, transitions := range [][]Transition{task.OnSuccess, task.OnError, task.OnComplete} {
		for _, tr := range transitions {
			if tr.Task == "" {
				return fail("transition target is required")
			}
			if _, ok := g.tasks[tr.Task]; !ok {
				return fail("transition targets unknown task %q", tr.Task)
			}
			if err := CheckExpression(tr.When); err != nil {
				return fail("%v", err)
			}
		}
	}
	return nil
}

func (g *CompiledGraph) indexPredecessors() {
	seen := make(map[string]map[string]bool, len(g.tasks))
	for i := range g.spec.Tasks {
		source := &g.spec.Tasks[i]
		for _, tr := range allTransitions(source) {
			if seen[tr.Task] == nil {
				seen[tr.Task] = make(map[string]bool)
			}
			if seen[tr.Task][source.Name] {
				continue
			}
			seen[tr.Task][source.Name] = true
			g.preds[tr.Task] = append(g.preds[tr.Task], source.Name)
		}
	}
}

// checkJoin rejects join policies that can never be satisfied. For
// with-items tasks the policy governs the sibling group, whose size is
// only known at expansion, so count bounds are enforced there instead.
func (g *CompiledGraph) checkJoin(task *TaskSpec) error {
	fail := func(format string, args ...interface{}) error {
		return models.NewDefinitionError(g.spec.Name, task.Name, format, args...)
	}
	join := task.Join
	if join.IsZero() {
		return nil
	}
	if task.WithItems != "" {
		return nil
	}
	npreds := len(g.preds[task.Name])
	switch join.Kind {
	case JoinNone:
		return nil
	case JoinAll, JoinOne:
		if npreds == 0 {
			return fail("join %q requires at least one incoming transition", join)
		}
	case JoinCount:
		if join.Count > npreds {
			return fail("join count %d exceeds the %d incoming transitions", join.Count, npreds)
		}
	}
	if task.Loop != nil && (join.Kind == JoinAll || join.Kind == JoinCount) {
		return fail("join %q cannot be combined with a loop bound", join)
	}
	return nil
}

// findUnboundedCycle looks for a cycle that passes through no
// loop-bounded task. Edges into loop-bounded tasks are exempt, so any
// cycle that survives their removal has no bound and is rejected.
func (g *CompiledGraph) findUnboundedCycle() string {
	adj := make(map[string][]string, len(g.tasks))
	for i := range g.spec.Tasks {
		source := &g.spec.Tasks[i]
		targets := make(map[string]bool)
		for _, tr := range allTransitions(source) {
			if targets[tr.Task] {
				continue
			}
			targets[tr.Task] = true
			if g.tasks[tr.Task].Loop != nil {
				continue
			}
			adj[source.Name] = append(adj[source.Name], tr.Task)
		}
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(g.tasks))
	var cyclic string
	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = inStack
		for _, next := range adj[name] {
			switch state[next] {
			case inStack:
				cyclic = next
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		state[name] = done
		return false
	}
	for i := range g.spec.Tasks {
		name := g.spec.Tasks[i].Name
		if state[name] == unvisited && visit(name) {
			return cyclic
		}
	}
	return ""
}

func allTransitions(task *TaskSpec) []Transition {
	out := make([]Transition, 0, len(task.OnSuccess)+len(task.OnError)+len(task.OnComplete))
	out = append(out, task.OnSuccess...)
	out = append(out, task.OnError...)
	out = append(out, task.OnComplete...)
	return out
}

// Spec returns the underlying document.
func (g *CompiledGraph) Spec() *Spec { return g.spec }

// Task looks a task up by name.
func (g *CompiledGraph) Task(name string) (*TaskSpec, bool) {
	task, ok := g.tasks[name]
	return task, ok
}

// Entries returns the start set in definition order.
func (g *CompiledGraph) Entries() []*TaskSpec { return g.entries }

// IsEntry reports whether the named task is in the start set.
func (g *CompiledGraph) IsEntry(name string) bool {
	for _, task := range g.entries {
		if task.Name == name {
			return true
		}
	}
	return false
}

// Predecessors returns the names of tasks with a transition into name,
// deduplicated, in definition order.
func (g *CompiledGraph) Predecessors(name string) []string {
	return g.preds[name]
}

// Successors returns the transitions traversed for the given outcome:
// the outcome-specific list followed by on_complete, deduplicated by
// target with the first occurrence keeping its guard.
func (g *CompiledGraph) Successors(name string, outcome Outcome) []Transition {
	task, ok := g.tasks[name]
	if !ok {
		return nil
	}
	var primary []Transition
	if outcome == OutcomeSuccess {
		primary = task.OnSuccess
	} else {
		primary = task.OnError
	}
	out := make([]Transition, 0, len(primary)+len(task.OnComplete))
	seen := make(map[string]bool, len(primary)+len(task.OnComplete))
	for _, list := range [][]Transition{primary, task.OnComplete} {
		for _, tr := range list {
			if seen[tr.Task] {
				continue
			}
			seen[tr.Task] = true
			out = append(out, tr)
		}
	}
	return out
}

// Order returns the definition index of a task, for stable iteration.
func (g *CompiledGraph) Order(name string) int { return g.order[name] }

// Len returns the number of tasks.
func (g *CompiledGraph) Len() int { return len(g.tasks) }
