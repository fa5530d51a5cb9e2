package actors

import (
	"maps"
	"slices"

	"github.com/super-flat/flock/action"
)

// Registry is the immutable table of handlers of a process type. Build it
// once, when the process type is defined, and share it between instances.
type Registry struct {
	handlers map[action.Type]Handler
}

// NewRegistry builds a registry from the given handlers. Lookup is by exact
// action type. When two handlers target the same action type the later one
// replaces the earlier one.
func NewRegistry(handlers ...Handler) *Registry {
	registry := &Registry{
		handlers: make(map[action.Type]Handler, len(handlers)),
	}
	for _, handler := range handlers {
		registry.handlers[handler.actionType] = handler
	}
	return registry
}

// Lookup returns the handler registered for the given action type
func (r *Registry) Lookup(actionType action.Type) (Handler, bool) {
	handler, ok := r.handlers[actionType]
	return handler, ok
}

// Len returns the number of registered action types
func (r *Registry) Len() int {
	return len(r.handlers)
}

// ActionTypes returns the registered action types in sorted order
func (r *Registry) ActionTypes() []action.Type {
	return slices.Sorted(maps.Keys(r.handlers))
}
