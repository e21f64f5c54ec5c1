// Package queue carries the two message flows of the engine: run
// requests out to executors and events back in, plus the timer index
// that turns retry delays into events. Delivery is at-least-once on
// every backend; consumers dedupe by (task execution, attempt).
package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/taskmill/taskmill/pkg/models"
)

// RunRequest asks an executor to run one attempt of a task execution.
type RunRequest struct {
	TaskExecutionID uuid.UUID      `json:"task_execution_id"`
	ExecutionID     uuid.UUID      `json:"execution_id"`
	TaskName        string         `json:"task_name"`
	Action          string         `json:"action"`
	Attempt         int            `json:"attempt"`
	Input           models.JSONMap `json:"input"`
	EnqueuedAt      time.Time      `json:"enqueued_at"`
}

// EventType discriminates engine events.
type EventType string

const (
	// EventExecutionStart asks the engine to spawn the entry tasks of a
	// freshly created execution.
	EventExecutionStart EventType = "execution.start"
	// EventTaskCompleted reports an executor finishing an attempt,
	// successfully or not.
	EventTaskCompleted EventType = "task.completed"
	// EventTimerFired reports a retry delay elapsing.
	EventTimerFired EventType = "timer.fired"
	// EventExecutionCancel asks the engine to cancel an execution.
	EventExecutionCancel EventType = "execution.cancel"
	// EventExecutionPause asks the engine to pause an execution.
	EventExecutionPause EventType = "execution.pause"
	// EventExecutionResume asks the engine to resume a paused execution.
	EventExecutionResume EventType = "execution.resume"
	// EventReconcile asks the engine to replay a scheduling pass over an
	// execution; emitted by the recovery sweep.
	EventReconcile EventType = "execution.reconcile"
)

// EngineEvent is anything the engine reacts to. Attempt rides along on
// task-scoped events so stale reports from superseded attempts can be
// dropped against the persisted row.
type EngineEvent struct {
	EventID         string         `json:"event_id"`
	Type            EventType      `json:"type"`
	ExecutionID     uuid.UUID      `json:"execution_id"`
	TaskExecutionID uuid.UUID      `json:"task_execution_id,omitempty"`
	Attempt         int            `json:"attempt,omitempty"`
	Success         bool           `json:"success,omitempty"`
	Result          models.JSONMap `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// NewEvent stamps identity and time on an event.
func NewEvent(eventType EventType, executionID uuid.UUID) *EngineEvent {
	return &EngineEvent{
		EventID:     newEventID(),
		Type:        eventType,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
	}
}

func newEventID() string { return uuid.NewString() }

// RunDelivery is a received run request plus the handle to ack it.
type RunDelivery struct {
	MessageID string
	Request   *RunRequest
}

// EventDelivery is a received event plus the handle to ack it.
type EventDelivery struct {
	MessageID string
	Event     *EngineEvent
}
