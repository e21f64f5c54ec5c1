package models

import (
	"errors"
	"fmt"
)

// DefinitionError reports an invalid workflow document. It is raised at
// registration time only; a definition that compiled once never fails at
// runtime.
type DefinitionError struct {
	Workflow string
	Task     string
	Reason   string
}

func (e *DefinitionError) Error() string {
	if e.Task != "" {
		return fmt.Sprintf("invalid workflow %q: task %q: %s", e.Workflow, e.Task, e.Reason)
	}
	return fmt.Sprintf("invalid workflow %q: %s", e.Workflow, e.Reason)
}

// NewDefinitionError builds a DefinitionError scoped to a workflow, and
// optionally to one of its tasks.
func NewDefinitionError(workflow, task, format string, args ...interface{}) *DefinitionError {
	return &DefinitionError{Workflow: workflow, Task: task, Reason: fmt.Sprintf(format, args...)}
}

// IsDefinitionError reports whether err wraps a DefinitionError.
func IsDefinitionError(err error) bool {
	var de *DefinitionError
	return errors.As(err, &de)
}

// ActionError is a failure reported by the action itself rather than by
// the transport around it. Its message is workflow data: it lands in the
// task row's error text and is visible to error transitions.
type ActionError struct {
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// NewActionError wraps an action failure.
func NewActionError(action string, err error) *ActionError {
	return &ActionError{Action: action, Err: err}
}

// DispatchError reports a transport failure while publishing a run
// request. Dispatch retries with backoff; a persistent failure is left to
// the recovery sweep rather than surfaced to callers.
type DispatchError struct {
	TaskExecutionID string
	Attempt         int
	Err             error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch of task execution %s attempt %d failed: %v", e.TaskExecutionID, e.Attempt, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
