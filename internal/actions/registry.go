package actions

import (
	"sort"
	"sync"

	"github.com/rendis/flow/pkg/schema"
)

// Registry is the thread-safe lookup table from action kind to executor.
type Registry struct {
	mu      sync.RWMutex
	actions map[schema.ActionKind]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[schema.ActionKind]Action),
	}
}

// Register adds an action to the registry. Returns error on duplicate kind.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	kind := action.Kind()
	if kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "action kind is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", kind)
	}

	r.actions[kind] = action
	return nil
}

// Get retrieves an action by kind.
func (r *Registry) Get(kind schema.ActionKind) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeEngine, "action %q not registered", kind)
	}
	return action, nil
}

// Has checks if an action kind is registered.
func (r *Registry) Has(kind schema.ActionKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[kind]
	return ok
}

// Kinds returns the registered action kinds, sorted.
func (r *Registry) Kinds() []schema.ActionKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]schema.ActionKind, 0, len(r.actions))
	for k := range r.actions {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}
