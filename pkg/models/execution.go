package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusPaused    ExecutionStatus = "PAUSED"
	ExecutionStatusSuccess   ExecutionStatus = "SUCCESS"
	ExecutionStatusError     ExecutionStatus = "ERROR"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// Execution is one run of a workflow definition. It is owned exclusively
// by the engine: created on a start request, mutated only through the
// state store's versioned commit, and removed only by explicit deletion.
type Execution struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	DefinitionID uuid.UUID       `json:"definition_id" db:"definition_id"`
	Status       ExecutionStatus `json:"status" db:"status"`
	Input        JSONMap         `json:"input" db:"input"`
	Output       JSONValue       `json:"output,omitempty" db:"output"`
	Error        string          `json:"error,omitempty" db:"error"`

	// Optimistic locking
	Version int `json:"version" db:"version"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// IsTerminal reports whether the execution reached a final state.
func (e *Execution) IsTerminal() bool {
	switch e.Status {
	case ExecutionStatusSuccess, ExecutionStatusError, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// Clone returns a copy safe to mutate while the original backs a snapshot.
func (e *Execution) Clone() *Execution {
	dup := *e
	dup.Input = e.Input.Clone()
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		dup.CompletedAt = &t
	}
	return &dup
}

// Duration returns how long the execution has been, or was, running.
func (e *Execution) Duration() time.Duration {
	if e.CompletedAt == nil {
		return time.Since(e.StartedAt)
	}
	return e.CompletedAt.Sub(e.StartedAt)
}
