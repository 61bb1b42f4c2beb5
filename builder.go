package blueprint

import (
	"fmt"
	"time"

	"github.com/nexocrm/blueprint/pkg/api"
)

// Builder provides a fluent API for defining blueprints:
//
//	def := blueprint.New("bp-deals", "Deal Pipeline").
//	    ObjectType("deal").
//	    MirrorField("deal_stage").
//	    State("open", "Open").
//	    State("review", "In Review").
//	    TerminalState("won", "Won").
//	    Transition("t-submit", "Submit for review", "open", "review").
//	    Transition("t-close", "Close deal", "review", "won").
//	    RequireApprovalFrom("sales-manager").
//	    Definition()
//
//	if err := engine.RegisterBlueprint(def); err != nil {
//	    log.Fatal(err)
//	}
//
// Builder methods panic on structural misuse (empty ids, modifiers without a
// preceding Transition call); semantic validation happens in
// RegisterBlueprint.
type Builder struct {
	def api.BlueprintDefinition
}

// New creates a blueprint builder. The first state added becomes the initial
// state unless Initial is called.
func New(id, name string) *Builder {
	if id == "" {
		panic("blueprint: blueprint id must not be empty")
	}
	return &Builder{
		def: api.BlueprintDefinition{
			ID:   id,
			Name: name,
		},
	}
}

// ID returns the blueprint id.
func (b *Builder) ID() string {
	return b.def.ID
}

// Definition returns the built BlueprintDefinition.
func (b *Builder) Definition() Definition {
	return b.def
}

// ObjectType sets the business-object type the blueprint governs.
func (b *Builder) ObjectType(objectType string) *Builder {
	b.def.ObjectType = objectType
	return b
}

// MirrorField names the record field that mirrors the current state name on
// every completed transition.
func (b *Builder) MirrorField(fieldAPIName string) *Builder {
	b.def.FieldAPIName = fieldAPIName
	return b
}

// Initial sets the initial state id.
func (b *Builder) Initial(stateID string) *Builder {
	b.def.InitialStateID = stateID
	return b
}

// State appends a non-terminal state.
func (b *Builder) State(id, name string) *Builder {
	return b.addState(api.State{ID: id, Name: name})
}

// TerminalState appends a terminal state. Records in a terminal state cannot
// transition further.
func (b *Builder) TerminalState(id, name string) *Builder {
	return b.addState(api.State{ID: id, Name: name, Terminal: true})
}

func (b *Builder) addState(s api.State) *Builder {
	if s.ID == "" {
		panic("blueprint: state id must not be empty")
	}
	if b.def.InitialStateID == "" && !s.Terminal {
		b.def.InitialStateID = s.ID
	}
	b.def.States = append(b.def.States, s)
	return b
}

// SLA attaches a time budget to the most recently added state.
func (b *Builder) SLA(cfg SLAConfig) *Builder {
	if len(b.def.States) == 0 {
		panic("blueprint: SLA requires a preceding State call")
	}
	cfg.Active = true
	b.def.States[len(b.def.States)-1].SLA = &cfg
	return b
}

// Transition appends a directed edge between two states. Subsequent
// modifiers (Action, RequireApprovalFrom, ...) apply to this transition.
func (b *Builder) Transition(id, name, fromStateID, toStateID string) *Builder {
	if id == "" {
		panic("blueprint: transition id must not be empty")
	}
	b.def.Transitions = append(b.def.Transitions, api.Transition{
		ID:          id,
		Name:        name,
		FromStateID: fromStateID,
		ToStateID:   toStateID,
	})
	return b
}

func (b *Builder) lastTransition(method string) *api.Transition {
	if len(b.def.Transitions) == 0 {
		panic(fmt.Sprintf("blueprint: %s requires a preceding Transition call", method))
	}
	return &b.def.Transitions[len(b.def.Transitions)-1]
}

// Action appends a side-effecting action to the last transition. Config
// values may contain {{var}} placeholders; see pkg/actions.
func (b *Builder) Action(id, kind string, config map[string]string) *Builder {
	if id == "" || kind == "" {
		panic("blueprint: action id and kind must not be empty")
	}
	tr := b.lastTransition("Action")
	tr.Actions = append(tr.Actions, api.ActionSpec{ID: id, Kind: kind, Config: config})
	return b
}

// RequireApprovalFrom gates the last transition behind the given approvers,
// any one of whom can resolve it.
func (b *Builder) RequireApprovalFrom(approvers ...string) *Builder {
	return b.withApproval("RequireApprovalFrom", api.ApprovalPolicy{
		Approvers:        approvers,
		NotifyOnPending:  true,
		NotifyOnComplete: true,
	})
}

// RequireAllApprovalsFrom gates the last transition behind a decision from
// every one of the given approvers.
func (b *Builder) RequireAllApprovalsFrom(approvers ...string) *Builder {
	return b.withApproval("RequireAllApprovalsFrom", api.ApprovalPolicy{
		RequireAll:       true,
		Approvers:        approvers,
		NotifyOnPending:  true,
		NotifyOnComplete: true,
	})
}

// WithApproval gates the last transition behind an explicit policy.
func (b *Builder) WithApproval(policy ApprovalPolicy) *Builder {
	return b.withApproval("WithApproval", policy)
}

func (b *Builder) withApproval(method string, policy api.ApprovalPolicy) *Builder {
	tr := b.lastTransition(method)
	if tr.Approval != nil {
		panic(fmt.Sprintf("blueprint: transition %q already has an approval policy", tr.ID))
	}
	tr.Approval = &policy
	return b
}

// ExpireApprovalAfter sets the approval deadline on the last transition's
// policy. Past the deadline the sweep fails the execution.
func (b *Builder) ExpireApprovalAfter(d time.Duration) *Builder {
	tr := b.lastTransition("ExpireApprovalAfter")
	if tr.Approval == nil {
		panic(fmt.Sprintf("blueprint: transition %q has no approval policy", tr.ID))
	}
	tr.Approval.ExpireAfter = d
	return b
}

// RemindApproversAfter sets the one-time reminder delay on the last
// transition's policy.
func (b *Builder) RemindApproversAfter(d time.Duration) *Builder {
	tr := b.lastTransition("RemindApproversAfter")
	if tr.Approval == nil {
		panic(fmt.Sprintf("blueprint: transition %q has no approval policy", tr.ID))
	}
	tr.Approval.RemindAfter = d
	return b
}

// Register registers the built blueprint with the given engine.
func (b *Builder) Register(eng Engine) error {
	return eng.RegisterBlueprint(b.def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *Builder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
