// Package executor consumes run requests, resolves the requested action
// from a registry, runs it, and reports the outcome back on the event
// channel. It is the reference worker: real deployments register their
// own actions next to the builtins.
package executor

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/taskmill/taskmill/pkg/models"
)

// Action runs one attempt of a task. The returned map becomes the task's
// result and is visible to downstream templating; a returned error marks
// the attempt failed and its message becomes the task's error text.
//
// Run must honor ctx cancellation: a worker shutting down abandons the
// attempt and the broker redelivers it elsewhere.
type Action interface {
	Name() string
	Run(ctx context.Context, input models.JSONMap) (models.JSONMap, error)
}

// ActionFunc adapts a plain function to the Action interface.
type ActionFunc struct {
	ActionName string
	Fn         func(ctx context.Context, input models.JSONMap) (models.JSONMap, error)
}

func (a ActionFunc) Name() string { return a.ActionName }

func (a ActionFunc) Run(ctx context.Context, input models.JSONMap) (models.JSONMap, error) {
	return a.Fn(ctx, input)
}

// Registry maps action names to implementations. Registration happens
// during startup; resolution happens on every run request.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds an action under its name. Registering the same name
// twice is a wiring mistake and fails loudly.
func (r *Registry) Register(action Action) error {
	name := action.Name()
	if name == "" {
		return errors.New("action has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return errors.Errorf("action %q already registered", name)
	}
	r.actions[name] = action
	return nil
}

// Resolve looks up an action by name.
func (r *Registry) Resolve(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	action, ok := r.actions[name]
	return action, ok
}

// Names lists registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
