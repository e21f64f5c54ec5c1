// Package workflow turns registered workflow documents into compiled
// graphs the engine can schedule against: tasks, outcome transitions,
// join policies, with-items fan-out, and bounded loops.
package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/taskmill/taskmill/pkg/models"
)

// Spec is a parsed workflow document.
type Spec struct {
	Name        string     `json:"name"`
	Version     int        `json:"version"`
	Description string     `json:"description,omitempty"`
	// Output is an optional expression evaluated when the execution
	// succeeds; when empty the output is built from the leaf task results.
	Output string     `json:"output,omitempty"`
	Tasks  []TaskSpec `json:"tasks"`
}

// TaskSpec is a single node of the workflow graph.
type TaskSpec struct {
	Name   string         `json:"name"`
	Action string         `json:"action"`
	Input  models.JSONMap `json:"input,omitempty"`

	// Entry marks the task as part of the start set even when it has
	// incoming transitions.
	Entry bool `json:"entry,omitempty"`

	// WithItems fans the task out over the collection the expression
	// yields; one task execution per element.
	WithItems string `json:"with_items,omitempty"`

	// Join is the sibling policy for with-items groups, and the incoming
	// edge policy otherwise.
	Join JoinPolicy `json:"join,omitempty"`

	Retry *RetryPolicy `json:"retry,omitempty"`
	Loop  *LoopSpec    `json:"loop,omitempty"`

	OnSuccess  []Transition `json:"on_success,omitempty"`
	OnError    []Transition `json:"on_error,omitempty"`
	OnComplete []Transition `json:"on_complete,omitempty"`
}

// Transition targets a downstream task, optionally guarded by a condition
// evaluated against the execution environment at traversal time.
type Transition struct {
	Task string `json:"task"`
	When string `json:"when,omitempty"`
}

// UnmarshalJSON accepts both the object form {task: x, when: y} and the
// plain string shorthand "x".
func (t *Transition) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		t.Task = name
		return nil
	}
	type transition Transition
	var full transition
	if err := json.Unmarshal(data, &full); err != nil {
		return err
	}
	*t = Transition(full)
	return nil
}

// RetryPolicy bounds re-dispatch of a failed task.
type RetryPolicy struct {
	MaxAttempts  int     `json:"max_attempts"`
	DelaySeconds int     `json:"delay"`
	Backoff      float64 `json:"backoff,omitempty"`
}

// LoopSpec bounds re-entry of a task reached through a cycle.
type LoopSpec struct {
	MaxIterations int `json:"max_iterations"`
}

// JoinKind enumerates join policies.
type JoinKind string

const (
	// JoinNone fires on any single satisfied incoming edge (the default).
	JoinNone JoinKind = "none"
	// JoinAll waits for every sibling (with-items) or every declared
	// predecessor (incoming edges).
	JoinAll JoinKind = "all"
	// JoinOne waits for a single success.
	JoinOne JoinKind = "one"
	// JoinCount waits for Count successes or satisfied edges.
	JoinCount JoinKind = "count"
)

// JoinPolicy is parsed from "none" | "all" | "one" | <positive integer>.
type JoinPolicy struct {
	Kind  JoinKind
	Count int
}

// IsZero reports whether the policy was left unset.
func (j JoinPolicy) IsZero() bool { return j.Kind == "" }

func (j JoinPolicy) String() string {
	if j.Kind == JoinCount {
		return strconv.Itoa(j.Count)
	}
	if j.Kind == "" {
		return string(JoinNone)
	}
	return string(j.Kind)
}

// MarshalJSON renders the compact document form.
func (j JoinPolicy) MarshalJSON() ([]byte, error) {
	if j.Kind == JoinCount {
		return json.Marshal(j.Count)
	}
	if j.Kind == "" {
		return json.Marshal(string(JoinNone))
	}
	return json.Marshal(string(j.Kind))
}

// UnmarshalJSON accepts "none", "all", "one", or a positive integer.
func (j *JoinPolicy) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if n < 1 {
			return fmt.Errorf("join count must be positive, got %d", n)
		}
		j.Kind = JoinCount
		j.Count = n
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("join must be a string or a positive integer")
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(JoinNone):
		j.Kind = JoinNone
	case string(JoinAll):
		j.Kind = JoinAll
	case string(JoinOne):
		j.Kind = JoinOne
	default:
		return fmt.Errorf("unknown join policy %q", s)
	}
	return nil
}

// Outcome selects which transition list a completed task traverses.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// OutcomeForStatus maps a terminal task status to its outcome.
func OutcomeForStatus(status models.TaskExecutionStatus) Outcome {
	if status == models.TaskStatusSuccess {
		return OutcomeSuccess
	}
	return OutcomeError
}
