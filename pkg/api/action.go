package api

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ActionResultStatus is the per-action outcome status.
type ActionResultStatus string

const (
	ActionSuccess ActionResultStatus = "SUCCESS"
	ActionFailed  ActionResultStatus = "FAILED"
)

// ActionResult is the recorded outcome of one action run.
type ActionResult struct {
	ActionID   string
	Status     ActionResultStatus
	Output     any
	Error      string
	ExecutedAt time.Time
}

// ActionContext carries everything an Action implementation may need.
// Vars holds the substitution variables built from the execution
// (record_id, from_state, to_state, transition, actor, ...).
type ActionContext struct {
	Execution *TransitionExecution
	Blueprint BlueprintDefinition
	Config    map[string]string
	Vars      map[string]string
}

// Action is the capability interface for one side-effecting action kind.
// Implementations must be safe for concurrent use.
type Action interface {
	Execute(ctx context.Context, actx ActionContext) (any, error)
}

// ActionFunc adapts a plain function to the Action interface.
type ActionFunc func(ctx context.Context, actx ActionContext) (any, error)

func (f ActionFunc) Execute(ctx context.Context, actx ActionContext) (any, error) {
	return f(ctx, actx)
}

// ActionRegistry resolves action kinds to implementations. The set of kinds
// is closed at wiring time; there is no runtime reflection.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Action
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: make(map[string]Action)}
}

// Register binds an action kind to its implementation. Registering an
// already-bound kind returns an error.
func (r *ActionRegistry) Register(kind string, a Action) error {
	if kind == "" {
		return fmt.Errorf("action kind must not be empty")
	}
	if a == nil {
		return fmt.Errorf("action %q has nil implementation", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[kind]; ok {
		return fmt.Errorf("action kind already registered: %s", kind)
	}
	r.handlers[kind] = a
	return nil
}

// MustRegister is like Register but panics on error. Useful for wiring in
// main().
func (r *ActionRegistry) MustRegister(kind string, a Action) {
	if err := r.Register(kind, a); err != nil {
		panic(err)
	}
}

// Resolve returns the implementation for a kind.
func (r *ActionRegistry) Resolve(kind string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.handlers[kind]
	return a, ok
}

// Kinds returns the registered kinds, in no particular order.
func (r *ActionRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}
