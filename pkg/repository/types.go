package repository

import (
	"sort"

	"github.com/google/uuid"

	"github.com/taskmill/taskmill/pkg/models"
)

// Snapshot is a consistent read of one execution and all of its task
// executions, taken at a single version of the execution row. Scheduling
// decisions are computed against a snapshot and written back with Commit;
// a version conflict means another engine moved the execution first, and
// the caller reloads and recomputes.
type Snapshot struct {
	Execution *models.Execution
	Tasks     []*models.TaskExecution
}

// Clone deep-copies the snapshot so a scheduling pass can mutate its
// working set without corrupting a cached read.
func (s *Snapshot) Clone() *Snapshot {
	dup := &Snapshot{Execution: s.Execution.Clone()}
	dup.Tasks = make([]*models.TaskExecution, len(s.Tasks))
	for i, task := range s.Tasks {
		dup.Tasks[i] = task.Clone()
	}
	return dup
}

// TaskByID finds a task execution row, or nil.
func (s *Snapshot) TaskByID(id uuid.UUID) *models.TaskExecution {
	for _, task := range s.Tasks {
		if task.ID == id {
			return task
		}
	}
	return nil
}

// TasksFor returns every row of the named task across incarnations and
// items, ordered by (incarnation, item index).
func (s *Snapshot) TasksFor(name string) []*models.TaskExecution {
	var out []*models.TaskExecution
	for _, task := range s.Tasks {
		if task.TaskName == name {
			out = append(out, task)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Incarnation != out[j].Incarnation {
			return out[i].Incarnation < out[j].Incarnation
		}
		return out[i].ItemIndex < out[j].ItemIndex
	})
	return out
}

// Group returns the sibling rows of one task incarnation, ordered by
// item index.
func (s *Snapshot) Group(name string, incarnation int) []*models.TaskExecution {
	var out []*models.TaskExecution
	for _, task := range s.Tasks {
		if task.TaskName == name && task.Incarnation == incarnation {
			out = append(out, task)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ItemIndex < out[j].ItemIndex
	})
	return out
}

// Incarnations returns how many times the named task has been spawned.
func (s *Snapshot) Incarnations(name string) int {
	max := -1
	for _, task := range s.Tasks {
		if task.TaskName == name && task.Incarnation > max {
			max = task.Incarnation
		}
	}
	return max + 1
}

// LiveTasks returns the rows still occupying the execution.
func (s *Snapshot) LiveTasks() []*models.TaskExecution {
	var out []*models.TaskExecution
	for _, task := range s.Tasks {
		if task.IsLive() {
			out = append(out, task)
		}
	}
	return out
}

// Delta is the write set of one scheduling pass. Commit applies it
// atomically, guarded by Execution.Version: the row is updated only if
// its stored version still equals the snapshot's, and every created or
// updated task rides in the same transaction.
type Delta struct {
	Execution    *models.Execution
	CreatedTasks []*models.TaskExecution
	UpdatedTasks []*models.TaskExecution
}

// Empty reports whether the delta carries no task writes. The execution
// row is still committed, so even an empty delta fences out racers that
// read the same version.
func (d *Delta) Empty() bool {
	return len(d.CreatedTasks) == 0 && len(d.UpdatedTasks) == 0
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	DefinitionID uuid.UUID
	Status       models.ExecutionStatus
	Limit        int
	Offset       int
}
