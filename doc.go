// Package blueprint provides an embeddable transition and approval engine
// for Go.
//
// A blueprint binds a state machine to one business-object type: deals move
// through pipeline stages, tickets through a support lifecycle. The engine
// enforces which transitions a record may take, gates sensitive transitions
// behind human approval, runs side-effecting actions on completion, and
// tracks how long records dwell in a state against an SLA budget. It runs
// fully in-process, supports multiple persistence backends, and integrates
// cleanly into existing codebases.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Engine
//  2. Builder
//  3. Actions
//  4. Approval gates
//  5. SLA tracking and the Sweeper
//
// # Engine
//
// The Engine registers blueprint definitions, keeps the authoritative
// current-state projection per record, and provides APIs to:
//   - request transitions
//   - record approve/reject decisions
//   - inspect executions, approval inboxes and SLA status
//   - run the periodic SLA and approval sweeps
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//
// All engine state lives in the backend, so several processes can share one
// logical engine. Conflict rules (one non-terminal execution per record,
// exactly one resolver per approval gate) are enforced at the store level.
//
// # Builder
//
// Builder provides the declarative API used to define blueprints:
//
//	blueprint.New("bp-deals", "Deal Pipeline").
//	    ObjectType("deal").
//	    State("open", "Open").
//	    State("review", "In Review").
//	    TerminalState("won", "Won").
//	    Transition("t-submit", "Submit for review", "open", "review").
//	    Transition("t-close", "Close deal", "review", "won").
//	    RequireApprovalFrom("sales-manager").
//	    MustRegister(engine)
//
// Definitions are validated on registration: every transition must connect
// known states, terminal states have no outgoing transitions, and approval
// policies need at least one approver.
//
// # Actions
//
// Transitions carry an ordered list of actions that run during completion.
// Action kinds are resolved through an ActionRegistry; pkg/actions ships
// field-update, notify and webhook, and applications register their own
// kinds with custom Action implementations. A failed action is recorded on
// the execution but never rolls back the state change.
//
// # Approval gates
//
// A transition with an ApprovalPolicy suspends in PENDING_APPROVAL and opens
// one request per approver. Any single approval resolves the gate, or every
// approver must respond when RequireAll is set; one rejection resolves the
// gate immediately either way. Policies can carry an expiry deadline and a
// one-time reminder delay, applied by the sweep.
//
// # SLA tracking and the Sweeper
//
// States can carry an SLA budget, optionally counted in business hours or
// excluding weekends. The engine opens an SLA instance when a record enters
// the state and closes it when the record leaves. pkg/sweeper runs the
// periodic pass that marks overdue instances breached and fires each
// escalation at most once.
//
// For examples, see the /examples directory.
package blueprint
