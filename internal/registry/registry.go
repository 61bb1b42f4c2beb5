// Package registry stores blueprint definitions and enforces their
// structural consistency at registration time, so the engine can assume any
// definition it reads back is well-formed.
package registry

import (
	"errors"
	"fmt"

	"github.com/nexocrm/blueprint/internal/persistence"
	"github.com/nexocrm/blueprint/pkg/api"
)

// StateRegistry validates and stores blueprint definitions.
type StateRegistry struct {
	store persistence.DefinitionStore
}

// New creates a StateRegistry backed by the given definition store.
func New(store persistence.DefinitionStore) *StateRegistry {
	return &StateRegistry{store: store}
}

// Register validates the definition and saves it. Registering a definition
// with an existing id replaces it.
func (r *StateRegistry) Register(def api.BlueprintDefinition) error {
	if err := Validate(def); err != nil {
		return fmt.Errorf("invalid blueprint %q: %w", def.ID, err)
	}
	return r.store.SaveDefinition(def)
}

// Get returns a registered definition by id.
func (r *StateRegistry) Get(id string) (api.BlueprintDefinition, error) {
	def, err := r.store.GetDefinition(id)
	if err != nil {
		if errors.Is(err, persistence.ErrDefinitionNotFound) {
			return api.BlueprintDefinition{}, api.ErrDefinitionNotFound
		}
		return api.BlueprintDefinition{}, err
	}
	return def, nil
}

// List returns all registered definitions, ordered by id.
func (r *StateRegistry) List() ([]api.BlueprintDefinition, error) {
	return r.store.ListDefinitions()
}

// Validate checks the structural consistency of a definition: every edge
// must connect two known states, ids must be unique, and the initial state
// must exist.
func Validate(def api.BlueprintDefinition) error {
	if def.ID == "" {
		return errors.New("blueprint id is required")
	}
	if len(def.States) == 0 {
		return errors.New("blueprint must have at least one state")
	}

	states := make(map[string]api.State, len(def.States))
	for _, s := range def.States {
		if s.ID == "" {
			return errors.New("state id is required")
		}
		if _, dup := states[s.ID]; dup {
			return fmt.Errorf("duplicate state id %q", s.ID)
		}
		states[s.ID] = s

		if s.SLA != nil && s.SLA.Active {
			if s.SLA.Duration <= 0 {
				return fmt.Errorf("state %q: sla duration must be positive", s.ID)
			}
			seen := make(map[string]bool, len(s.SLA.Escalations))
			for _, esc := range s.SLA.Escalations {
				if esc.ID == "" {
					return fmt.Errorf("state %q: escalation id is required", s.ID)
				}
				if seen[esc.ID] {
					return fmt.Errorf("state %q: duplicate escalation id %q", s.ID, esc.ID)
				}
				seen[esc.ID] = true
				switch esc.Trigger {
				case api.TriggerApproaching, api.TriggerBreached:
				default:
					return fmt.Errorf("state %q: escalation %q has unknown trigger %q", s.ID, esc.ID, esc.Trigger)
				}
				if esc.ThresholdPct < 0 || esc.ThresholdPct > 100 {
					return fmt.Errorf("state %q: escalation %q threshold must be within 0-100", s.ID, esc.ID)
				}
				if esc.Action.Kind == "" {
					return fmt.Errorf("state %q: escalation %q action kind is required", s.ID, esc.ID)
				}
			}
		}
	}

	if def.InitialStateID != "" {
		if _, ok := states[def.InitialStateID]; !ok {
			return fmt.Errorf("initial state %q is not defined", def.InitialStateID)
		}
		if states[def.InitialStateID].Terminal {
			return fmt.Errorf("initial state %q must not be terminal", def.InitialStateID)
		}
	}

	transitions := make(map[string]bool, len(def.Transitions))
	for _, t := range def.Transitions {
		if t.ID == "" {
			return errors.New("transition id is required")
		}
		if transitions[t.ID] {
			return fmt.Errorf("duplicate transition id %q", t.ID)
		}
		transitions[t.ID] = true

		from, ok := states[t.FromStateID]
		if !ok {
			return fmt.Errorf("transition %q: unknown from state %q", t.ID, t.FromStateID)
		}
		if _, ok := states[t.ToStateID]; !ok {
			return fmt.Errorf("transition %q: unknown to state %q", t.ID, t.ToStateID)
		}
		if from.Terminal {
			return fmt.Errorf("transition %q: from state %q is terminal", t.ID, t.FromStateID)
		}
		if t.FromStateID == t.ToStateID {
			return fmt.Errorf("transition %q: from and to state are the same", t.ID)
		}

		for _, a := range t.Actions {
			if a.ID == "" {
				return fmt.Errorf("transition %q: action id is required", t.ID)
			}
			if a.Kind == "" {
				return fmt.Errorf("transition %q: action %q kind is required", t.ID, a.ID)
			}
		}

		if t.Approval != nil {
			if len(t.Approval.Approvers) == 0 {
				return fmt.Errorf("transition %q: approval policy needs at least one approver", t.ID)
			}
			seen := make(map[string]bool, len(t.Approval.Approvers))
			for _, a := range t.Approval.Approvers {
				if a == "" {
					return fmt.Errorf("transition %q: empty approver identity", t.ID)
				}
				if seen[a] {
					return fmt.Errorf("transition %q: duplicate approver %q", t.ID, a)
				}
				seen[a] = true
			}
			if t.Approval.ExpireAfter < 0 {
				return fmt.Errorf("transition %q: expire-after must not be negative", t.ID)
			}
			if t.Approval.RemindAfter < 0 {
				return fmt.Errorf("transition %q: remind-after must not be negative", t.ID)
			}
		}
	}

	return nil
}
