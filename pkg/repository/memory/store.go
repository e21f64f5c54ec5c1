// Package memory implements the repository contract on in-process maps.
// It backs single-node deployments and tests; the version guard on
// Commit behaves exactly like the postgres implementation so engine
// logic cannot tell the two apart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskmill/taskmill/pkg/models"
	"github.com/taskmill/taskmill/pkg/repository"
)

type taskKey struct {
	executionID uuid.UUID
	taskName    string
	incarnation int
	itemIndex   int
}

// Store keeps all state under one mutex. Commit validates the whole
// delta before applying any of it, so a failed commit leaves no partial
// writes, mirroring the transactional store.
type Store struct {
	mu sync.RWMutex

	definitions map[uuid.UUID]*models.WorkflowDefinition
	executions  map[uuid.UUID]*models.Execution
	tasks       map[uuid.UUID]*models.TaskExecution

	// taskOrder preserves creation order per execution, standing in for
	// the created_at sort of the SQL snapshot query.
	taskOrder map[uuid.UUID][]uuid.UUID
	taskKeys  map[taskKey]uuid.UUID
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		definitions: make(map[uuid.UUID]*models.WorkflowDefinition),
		executions:  make(map[uuid.UUID]*models.Execution),
		tasks:       make(map[uuid.UUID]*models.TaskExecution),
		taskOrder:   make(map[uuid.UUID][]uuid.UUID),
		taskKeys:    make(map[taskKey]uuid.UUID),
	}
}

func cloneDefinition(def *models.WorkflowDefinition) *models.WorkflowDefinition {
	dup := *def
	if def.Document != nil {
		dup.Document = append(dup.Document[:0:0], def.Document...)
	}
	return &dup
}

func keyOf(task *models.TaskExecution) taskKey {
	return taskKey{
		executionID: task.ExecutionID,
		taskName:    task.TaskName,
		incarnation: task.Incarnation,
		itemIndex:   task.ItemIndex,
	}
}

// CreateDefinition stores a new immutable definition row.
func (s *Store) CreateDefinition(_ context.Context, def *models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.definitions {
		if existing.Name == def.Name && existing.Version == def.Version {
			return repository.ErrAlreadyExists
		}
	}
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	s.definitions[def.ID] = cloneDefinition(def)
	return nil
}

// GetDefinition loads a definition by ID.
func (s *Store) GetDefinition(_ context.Context, id uuid.UUID) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneDefinition(def), nil
}

// GetDefinitionByName resolves a name to a version; version 0 means the
// latest registered one.
func (s *Store) GetDefinitionByName(_ context.Context, name string, version int) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.WorkflowDefinition
	for _, def := range s.definitions {
		if def.Name != name {
			continue
		}
		if version > 0 {
			if def.Version == version {
				return cloneDefinition(def), nil
			}
			continue
		}
		if best == nil || def.Version > best.Version {
			best = def
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return cloneDefinition(best), nil
}

// ListDefinitions pages through definitions by name, newest version
// first.
func (s *Store) ListDefinitions(_ context.Context, limit, offset int) ([]*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*models.WorkflowDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		all = append(all, def)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].Version > all[j].Version
	})
	return clonePage(all, limit, offset, cloneDefinition), nil
}

// LatestVersion returns the highest registered version of a name, or 0.
func (s *Store) LatestVersion(_ context.Context, name string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := 0
	for _, def := range s.definitions {
		if def.Name == name && def.Version > latest {
			latest = def.Version
		}
	}
	return latest, nil
}

// CreateExecution inserts a new execution row at version 1.
func (s *Store) CreateExecution(_ context.Context, execution *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if execution.ID == uuid.Nil {
		execution.ID = uuid.New()
	}
	if _, exists := s.executions[execution.ID]; exists {
		return repository.ErrAlreadyExists
	}
	now := time.Now().UTC()
	execution.CreatedAt = now
	execution.UpdatedAt = now
	if execution.StartedAt.IsZero() {
		execution.StartedAt = now
	}
	if execution.Status == "" {
		execution.Status = models.ExecutionStatusRunning
	}
	execution.Version = 1
	s.executions[execution.ID] = execution.Clone()
	return nil
}

// GetExecution loads an execution row by ID.
func (s *Store) GetExecution(_ context.Context, id uuid.UUID) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execution, ok := s.executions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return execution.Clone(), nil
}

// ListExecutions pages through executions, newest first.
func (s *Store) ListExecutions(_ context.Context, filter repository.ExecutionFilter) ([]*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*models.Execution
	for _, execution := range s.executions {
		if filter.DefinitionID != uuid.Nil && execution.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}
		all = append(all, execution)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	clone := func(e *models.Execution) *models.Execution { return e.Clone() }
	return clonePage(all, filter.Limit, filter.Offset, clone), nil
}

// DeleteExecution removes a terminal execution and its task rows.
func (s *Store) DeleteExecution(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	execution, ok := s.executions[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !execution.IsTerminal() {
		return repository.ErrInvalidInput.WithCause(
			errors.Errorf("execution is %s, only terminal executions can be deleted", execution.Status))
	}
	for _, taskID := range s.taskOrder[id] {
		if task, ok := s.tasks[taskID]; ok {
			delete(s.taskKeys, keyOf(task))
			delete(s.tasks, taskID)
		}
	}
	delete(s.taskOrder, id)
	delete(s.executions, id)
	return nil
}

// LoadSnapshot reads the execution and all of its task rows under one
// lock acquisition, so the snapshot is internally consistent.
func (s *Store) LoadSnapshot(_ context.Context, executionID uuid.UUID) (*repository.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execution, ok := s.executions[executionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	snapshot := &repository.Snapshot{Execution: execution.Clone()}
	for _, taskID := range s.taskOrder[executionID] {
		if task, ok := s.tasks[taskID]; ok {
			snapshot.Tasks = append(snapshot.Tasks, task.Clone())
		}
	}
	return snapshot, nil
}

// Commit applies a delta guarded by the execution version. The whole
// delta is validated before anything is written, so a conflict leaves
// the store untouched. On any failure the delta is stale: reload the
// snapshot and recompute rather than retrying the same delta.
func (s *Store) Commit(_ context.Context, delta *repository.Delta) error {
	if delta == nil || delta.Execution == nil {
		return repository.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.executions[delta.Execution.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Version != delta.Execution.Version {
		return repository.ErrOptimisticLock
	}

	seen := make(map[taskKey]bool)
	for _, task := range delta.CreatedTasks {
		key := keyOf(task)
		key.executionID = delta.Execution.ID
		if seen[key] {
			return repository.ErrOptimisticLock.WithCause(errors.Errorf("duplicate task row %s", task.TaskName))
		}
		seen[key] = true
		if _, exists := s.taskKeys[key]; exists {
			return repository.ErrOptimisticLock.WithCause(errors.Errorf("task row %s already materialized", task.TaskName))
		}
	}
	for _, task := range delta.UpdatedTasks {
		existing, ok := s.tasks[task.ID]
		if !ok || existing.Version != task.Version {
			return repository.ErrOptimisticLock
		}
	}

	now := time.Now().UTC()
	execution := delta.Execution
	execution.Version++
	execution.UpdatedAt = now
	s.executions[execution.ID] = execution.Clone()

	for _, task := range delta.CreatedTasks {
		if task.ID == uuid.Nil {
			task.ID = uuid.New()
		}
		task.ExecutionID = execution.ID
		task.CreatedAt = now
		task.UpdatedAt = now
		task.Version = 1
		if task.Attempt == 0 {
			task.Attempt = 1
		}
		s.tasks[task.ID] = task.Clone()
		s.taskOrder[execution.ID] = append(s.taskOrder[execution.ID], task.ID)
		s.taskKeys[keyOf(task)] = task.ID
	}
	for _, task := range delta.UpdatedTasks {
		task.Version++
		task.UpdatedAt = now
		s.tasks[task.ID] = task.Clone()
	}
	return nil
}

// ConfirmDispatch stamps the dispatch time on a RUNNING row. The match
// on attempt drops confirms from superseded dispatches; no match is not
// an error.
func (s *Store) ConfirmDispatch(_ context.Context, taskExecutionID uuid.UUID, attempt int, dispatchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskExecutionID]
	if !ok || task.Attempt != attempt || task.Status != models.TaskStatusRunning {
		return nil
	}
	ts := dispatchedAt
	task.DispatchedAt = &ts
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// GetTaskExecution loads a task row by ID.
func (s *Store) GetTaskExecution(_ context.Context, id uuid.UUID) (*models.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return task.Clone(), nil
}

// ListTaskExecutions returns the task rows of an execution in creation
// order.
func (s *Store) ListTaskExecutions(_ context.Context, executionID uuid.UUID) ([]*models.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.TaskExecution
	for _, taskID := range s.taskOrder[executionID] {
		if task, ok := s.tasks[taskID]; ok {
			out = append(out, task.Clone())
		}
	}
	return out, nil
}

// executionRunning reports whether the owning execution is still
// RUNNING. Callers hold at least a read lock.
func (s *Store) executionRunning(executionID uuid.UUID) bool {
	execution, ok := s.executions[executionID]
	return ok && execution.Status == models.ExecutionStatusRunning
}

// FindStaleDispatches returns RUNNING rows whose run request may have
// been lost.
func (s *Store) FindStaleDispatches(_ context.Context, olderThan time.Time, limit int) ([]*models.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.TaskExecution
	for _, task := range s.tasks {
		if task.Status != models.TaskStatusRunning || !s.executionRunning(task.ExecutionID) {
			continue
		}
		if !task.UpdatedAt.Before(olderThan) {
			continue
		}
		if task.DispatchedAt != nil && !task.DispatchedAt.Before(olderThan) {
			continue
		}
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return capSlice(out, limit), nil
}

// FindDueRetries returns DELAYED rows whose retry timer should already
// have fired.
func (s *Store) FindDueRetries(_ context.Context, dueBy time.Time, limit int) ([]*models.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.TaskExecution
	for _, task := range s.tasks {
		if task.Status != models.TaskStatusDelayed || task.ScheduledAt == nil {
			continue
		}
		if !s.executionRunning(task.ExecutionID) || task.ScheduledAt.After(dueBy) {
			continue
		}
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	return capSlice(out, limit), nil
}

// FindStalledExecutions returns RUNNING executions with nothing in
// flight that have not moved since the cutoff.
func (s *Store) FindStalledExecutions(_ context.Context, olderThan time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type stalled struct {
		id        uuid.UUID
		updatedAt time.Time
	}
	var candidates []stalled
	for id, execution := range s.executions {
		if execution.Status != models.ExecutionStatusRunning || !execution.UpdatedAt.Before(olderThan) {
			continue
		}
		inFlight := false
		for _, taskID := range s.taskOrder[id] {
			task := s.tasks[taskID]
			if task != nil && (task.Status == models.TaskStatusRunning || task.Status == models.TaskStatusDelayed) {
				inFlight = true
				break
			}
		}
		if !inFlight {
			candidates = append(candidates, stalled{id: id, updatedAt: execution.UpdatedAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].updatedAt.Before(candidates[j].updatedAt) })
	ids := make([]uuid.UUID, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.id)
	}
	return capSlice(ids, limit), nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close releases nothing.
func (s *Store) Close() error { return nil }

func clonePage[T any](all []*T, limit, offset int, clone func(*T) *T) []*T {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]*T, 0, end-offset)
	for _, item := range all[offset:end] {
		out = append(out, clone(item))
	}
	return out
}

func capSlice[T any](in []T, limit int) []T {
	if limit <= 0 {
		limit = 100
	}
	if len(in) > limit {
		return in[:limit]
	}
	return in
}
