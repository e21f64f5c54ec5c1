package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	sqlxtypes "github.com/jmoiron/sqlx/types"
)

// TaskExecutionStatus is the lifecycle state of a single task run.
// Transitions are monotonic: WAITING -> RUNNING -> terminal, with the one
// retry loop RUNNING -> DELAYED -> RUNNING.
type TaskExecutionStatus string

const (
	TaskStatusWaiting TaskExecutionStatus = "WAITING"
	TaskStatusRunning TaskExecutionStatus = "RUNNING"
	TaskStatusDelayed TaskExecutionStatus = "DELAYED"
	TaskStatusSuccess TaskExecutionStatus = "SUCCESS"
	TaskStatusError   TaskExecutionStatus = "ERROR"
)

// TaskExecution is one run of a task instance inside an execution. A
// with-items task spawns one row per collection element; the siblings share
// GroupID and are distinguished by ItemIndex. Loop re-entries of the same
// task bump Incarnation.
type TaskExecution struct {
	ID          uuid.UUID           `json:"id" db:"id"`
	ExecutionID uuid.UUID           `json:"execution_id" db:"execution_id"`
	TaskName    string              `json:"task_name" db:"task_name"`
	Status      TaskExecutionStatus `json:"status" db:"status"`

	// Attempt starts at 1 and increments on each retry re-dispatch. It
	// doubles as the dispatch nonce: results and timer firings carry it,
	// and anything with a stale attempt is dropped.
	Attempt int `json:"attempt" db:"attempt"`

	// Fan-out bookkeeping. GroupSize is the collection length at expansion
	// time; 0 marks the placeholder row of a collection that was empty or
	// failed to expand.
	GroupID     uuid.UUID          `json:"group_id" db:"group_id"`
	Incarnation int                `json:"incarnation" db:"incarnation"`
	ItemIndex   int                `json:"item_index" db:"item_index"`
	GroupSize   int                `json:"group_size" db:"group_size"`
	Item        sqlxtypes.JSONText `json:"item,omitempty" db:"item"`

	Input  JSONMap `json:"input,omitempty" db:"input"`
	Result JSONMap `json:"result,omitempty" db:"result"`
	Error  string  `json:"error,omitempty" db:"error"`

	// ScheduledAt is the retry due time while DELAYED.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`
	// DispatchedAt confirms the run request reached the channel; the
	// recovery sweep re-dispatches RUNNING rows where it is stale or unset.
	DispatchedAt *time.Time `json:"dispatched_at,omitempty" db:"dispatched_at"`

	Version   int       `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ItemValue decodes the fan-out element this row runs over. Nil when
// the task is not part of a with-items group.
func (t *TaskExecution) ItemValue() (interface{}, error) {
	if len(t.Item) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(t.Item, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// IsTerminal reports whether the task run reached a final state.
func (t *TaskExecution) IsTerminal() bool {
	return t.Status == TaskStatusSuccess || t.Status == TaskStatusError
}

// IsLive reports whether the task run still occupies the execution:
// WAITING, RUNNING, or DELAYED.
func (t *TaskExecution) IsLive() bool {
	return !t.IsTerminal()
}

// Clone returns a copy safe to mutate while the original backs a snapshot.
func (t *TaskExecution) Clone() *TaskExecution {
	dup := *t
	dup.Input = t.Input.Clone()
	dup.Result = t.Result.Clone()
	if t.Item != nil {
		dup.Item = append(sqlxtypes.JSONText(nil), t.Item...)
	}
	if t.ScheduledAt != nil {
		ts := *t.ScheduledAt
		dup.ScheduledAt = &ts
	}
	if t.DispatchedAt != nil {
		ts := *t.DispatchedAt
		dup.DispatchedAt = &ts
	}
	return &dup
}
