package actions

import (
	"sort"
	"strings"
	"sync"

	"github.com/rendis/flowrun/pkg/schema"
)

// Registry is the process-wide action catalog. All methods are safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds an action under its own name. Names must be unique.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.actions[name]; taken {
		return schema.NewErrorf(schema.ErrCodeConflict, "duplicate action %q", name)
	}
	r.actions[name] = action
	return nil
}

// Get retrieves an action by type name. An unknown type is an action-level
// failure of the node that references it.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeAction, "action type %q not registered", name)
	}
	return action, nil
}

// List describes every registered action in name order.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]ActionInfo, len(names))
	for i, name := range names {
		infos[i] = ActionInfo{Name: name, Description: r.actions[name].Schema().Description}
	}
	return infos
}

// RegisterPlugin registers a plugin's actions, each named "prefix.name".
// It stops at the first collision and reports how many made it in.
func (r *Registry) RegisterPlugin(prefix string, acts []Action) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "plugin prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, a := range acts {
		name := prefix + "." + a.Name()
		if _, taken := r.actions[name]; taken {
			return i, schema.NewErrorf(schema.ErrCodeConflict, "plugin action %q conflicts with an existing action", name)
		}
		r.actions[name] = &prefixedAction{Action: a, name: name}
	}
	return len(acts), nil
}

// Unregister removes every action under the given plugin prefix. Used when a
// plugin is stopped or crashes past its restart budget.
func (r *Registry) Unregister(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	dot := prefix + "."
	for name := range r.actions {
		if strings.HasPrefix(name, dot) {
			delete(r.actions, name)
			removed++
		}
	}
	return removed
}

// Has reports whether an action type is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Count reports how many actions are registered, plugin actions included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// prefixedAction surfaces a plugin action under its namespaced name.
// Everything else passes through to the wrapped action.
type prefixedAction struct {
	Action
	name string
}

func (p *prefixedAction) Name() string { return p.name }
