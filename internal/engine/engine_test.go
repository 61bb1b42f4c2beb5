package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nexocrm/blueprint/pkg/api"
)

type fieldUpdate struct {
	RecordID string
	Field    string
	Value    string
}

type captureRecordStore struct {
	mu      sync.Mutex
	updates []fieldUpdate
	err     error
}

func (s *captureRecordStore) UpdateRecordField(ctx context.Context, recordID, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.updates = append(s.updates, fieldUpdate{RecordID: recordID, Field: field, Value: value})
	return nil
}

func (s *captureRecordStore) last() (fieldUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return fieldUpdate{}, false
	}
	return s.updates[len(s.updates)-1], true
}

type captureNotifier struct {
	mu        sync.Mutex
	pending   []string
	reminders []string
	completed []string
	rejected  []string
}

func (n *captureNotifier) NotifyApprovalPending(ctx context.Context, exec *api.TransitionExecution, req *api.ApprovalRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, req.Approver)
	return nil
}

func (n *captureNotifier) NotifyApprovalReminder(ctx context.Context, exec *api.TransitionExecution, req *api.ApprovalRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reminders = append(n.reminders, req.Approver)
	return nil
}

func (n *captureNotifier) NotifyTransitionCompleted(ctx context.Context, exec *api.TransitionExecution) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, exec.ID)
	return nil
}

func (n *captureNotifier) NotifyTransitionRejected(ctx context.Context, exec *api.TransitionExecution, req *api.ApprovalRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejected = append(n.rejected, exec.ID)
	return nil
}

// dealDefinition is the blueprint used by most engine tests:
// open -> review (immediate, with an action), review -> won (approval
// gated), review -> lost (immediate).
func dealDefinition(requireAll bool, approvers ...string) api.BlueprintDefinition {
	if len(approvers) == 0 {
		approvers = []string{"alice", "bob"}
	}
	return api.BlueprintDefinition{
		ID:             "bp-deals",
		Name:           "Deal Pipeline",
		ObjectType:     "deal",
		FieldAPIName:   "deal_stage",
		InitialStateID: "open",
		States: []api.State{
			{ID: "open", Name: "Open"},
			{ID: "review", Name: "In Review"},
			{ID: "won", Name: "Won", Terminal: true},
			{ID: "lost", Name: "Lost", Terminal: true},
		},
		Transitions: []api.Transition{
			{ID: "t-submit", Name: "Submit for review", FromStateID: "open", ToStateID: "review",
				Actions: []api.ActionSpec{{ID: "a-note", Kind: "note", Config: map[string]string{"text": "submitted"}}}},
			{ID: "t-close", Name: "Close deal", FromStateID: "review", ToStateID: "won",
				Approval: &api.ApprovalPolicy{
					RequireAll:       requireAll,
					Approvers:        approvers,
					NotifyOnPending:  true,
					NotifyOnComplete: true,
				}},
			{ID: "t-drop", Name: "Drop deal", FromStateID: "review", ToStateID: "lost"},
		},
	}
}

type testEnv struct {
	engine   api.Engine
	records  *captureRecordStore
	notifier *captureNotifier
	metrics  *api.BasicMetrics
	noteRuns *int32Counter
}

type int32Counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *int32Counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func newTestEnv(t *testing.T, def api.BlueprintDefinition) *testEnv {
	t.Helper()

	env := &testEnv{
		records:  &captureRecordStore{},
		notifier: &captureNotifier{},
		metrics:  &api.BasicMetrics{},
		noteRuns: &int32Counter{},
	}

	actions := api.NewActionRegistry()
	actions.MustRegister("note", api.ActionFunc(func(ctx context.Context, actx api.ActionContext) (any, error) {
		env.noteRuns.inc()
		return map[string]any{"text": actx.Config["text"]}, nil
	}))
	actions.MustRegister("fails", api.ActionFunc(func(ctx context.Context, actx api.ActionContext) (any, error) {
		return nil, errors.New("downstream unavailable")
	}))

	env.engine = NewInMemoryEngine(Config{
		Actions:     actions,
		RecordStore: env.records,
		Notifier:    env.notifier,
		Observer:    env.metrics,
	})
	if err := env.engine.RegisterBlueprint(def); err != nil {
		t.Fatalf("RegisterBlueprint failed: %v", err)
	}
	return env
}

// moveToReview drives a record from the initial state into review.
func moveToReview(t *testing.T, eng api.Engine, recordID string) {
	t.Helper()

	exec, err := eng.RequestTransition(context.Background(), api.TransitionRequest{
		BlueprintID:  "bp-deals",
		RecordID:     recordID,
		TransitionID: "t-submit",
		RequestedBy:  "seller",
	})
	if err != nil {
		t.Fatalf("RequestTransition t-submit failed: %v", err)
	}
	if exec.Status != api.StatusCompleted {
		t.Fatalf("expected submit to complete, got %q: %s", exec.Status, exec.ErrorMessage)
	}
}

func TestEngine_InitializeRecordState(t *testing.T) {
	env := newTestEnv(t, dealDefinition(false))
	ctx := context.Background()

	rs, err := env.engine.InitializeRecordState(ctx, "bp-deals", "deal-1")
	if err != nil {
		t.Fatalf("InitializeRecordState failed: %v", err)
	}
	if rs.CurrentStateID != "open" {
		t.Fatalf("expected initial state open, got %q", rs.CurrentStateID)
	}

	// Initializing again returns the existing projection unchanged.
	again, err := env.engine.InitializeRecordState(ctx, "bp-deals", "deal-1")
	if err != nil {
		t.Fatalf("second InitializeRecordState failed: %v", err)
	}
	if !again.EnteredAt.Equal(rs.EnteredAt) {
		t.Fatalf("expected existing projection, got new EnteredAt %v", again.EnteredAt)
	}
}

func TestEngine_AvailableTransitions(t *testing.T) {
	env := newTestEnv(t, dealDefinition(false))
	ctx := context.Background()

	trs, err := env.engine.AvailableTransitions(ctx, "bp-deals", "deal-1")
	if err != nil {
		t.Fatalf("AvailableTransitions failed: %v", err)
	}
	if len(trs) != 1 || trs[0].ID != "t-submit" {
		t.Fatalf("unexpected transitions from open: %+v", trs)
	}

	moveToReview(t, env.engine, "deal-1")

	trs, err = env.engine.AvailableTransitions(ctx, "bp-deals", "deal-1")
	if err != nil {
		t.Fatalf("AvailableTransitions failed: %v", err)
	}
	if len(trs) != 2 || trs[0].ID != "t-close" || trs[1].ID != "t-drop" {
		t.Fatalf("unexpected transitions from review: %+v", trs)
	}
}

func TestEngine_ImmediateTransition(t *testing.T) {
	env := newTestEnv(t, dealDefinition(false))
	ctx := context.Background()

	exec, err := env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID:  "bp-deals",
		RecordID:     "deal-1",
		TransitionID: "t-submit",
		RequestedBy:  "seller",
	})
	if err != nil {
		t.Fatalf("RequestTransition failed: %v", err)
	}

	if exec.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q", exec.Status)
	}
	if exec.CompletedAt == nil {
		t.Fatalf("expected CompletedAt to be set")
	}
	result, ok := exec.ActionResults["a-note"]
	if !ok || result.Status != api.ActionSuccess {
		t.Fatalf("expected successful action result, got %+v", exec.ActionResults)
	}
	if env.noteRuns.get() != 1 {
		t.Fatalf("expected note action to run once, ran %d times", env.noteRuns.get())
	}

	rs, err := env.engine.RecordState(ctx, "bp-deals", "deal-1")
	if err != nil {
		t.Fatalf("RecordState failed: %v", err)
	}
	if rs.CurrentStateID != "review" || rs.LastTransitionID != "t-submit" {
		t.Fatalf("unexpected record state: %+v", rs)
	}

	// The state mirror field carries the state's display name.
	update, ok := env.records.last()
	if !ok {
		t.Fatalf("expected a record field update")
	}
	if update.Field != "deal_stage" || update.Value != "In Review" {
		t.Fatalf("unexpected field update: %+v", update)
	}
}

func TestEngine_InvalidTransition(t *testing.T) {
	env := newTestEnv(t, dealDefinition(false))
	ctx := context.Background()

	// t-close leaves review, but the record is still in open.
	_, err := env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID:  "bp-deals",
		RecordID:     "deal-1",
		TransitionID: "t-close",
		RequestedBy:  "seller",
	})
	if !errors.Is(err, api.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	_, err = env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID:  "bp-deals",
		RecordID:     "deal-1",
		TransitionID: "t-bogus",
		RequestedBy:  "seller",
	})
	if !errors.Is(err, api.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for unknown id, got %v", err)
	}
}

func TestEngine_ConflictingExecution(t *testing.T) {
	env := newTestEnv(t, dealDefinition(false))
	ctx := context.Background()

	moveToReview(t, env.engine, "deal-1")

	exec, err := env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID:  "bp-deals",
		RecordID:     "deal-1",
		TransitionID: "t-close",
		RequestedBy:  "seller",
	})
	if err != nil {
		t.Fatalf("RequestTransition failed: %v", err)
	}
	if exec.Status != api.StatusPendingApproval {
		t.Fatalf("expected PENDING_APPROVAL, got %q", exec.Status)
	}

	_, err = env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID:  "bp-deals",
		RecordID:     "deal-1",
		TransitionID: "t-drop",
		RequestedBy:  "seller",
	})
	if !errors.Is(err, api.ErrConflictingExecution) {
		t.Fatalf("expected ErrConflictingExecution, got %v", err)
	}
}

func TestEngine_ApprovalAnyOf(t *testing.T) {
	env := newTestEnv(t, dealDefinition(false))
	ctx := context.Background()

	moveToReview(t, env.engine, "deal-1")

	exec, err := env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID:  "bp-deals",
		RecordID:     "deal-1",
		TransitionID: "t-close",
		RequestedBy:  "seller",
	})
	if err != nil {
		t.Fatalf("RequestTransition failed: %v", err)
	}

	reqs, err := env.engine.ApprovalRequests(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ApprovalRequests failed: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("expected one request per approver, got %d", len(reqs))
	}
	if len(env.notifier.pending) != 2 {
		t.Fatalf("expected pending notifications for both approvers, got %v", env.notifier.pending)
	}

	alice, err := env.engine.PendingApprovals(ctx, "alice")
	if err != nil {
		t.Fatalf("PendingApprovals failed: %v", err)
	}
	if len(alice) != 1 {
		t.Fatalf("expected one pending request for alice, got %d", len(alice))
	}

	// Any single approval resolves the gate.
	resolved, err := env.engine.RecordResponse(ctx, alice[0].ID, "alice", api.DecisionApprove, "ship it")
	if err != nil {
		t.Fatalf("RecordResponse failed: %v", err)
	}
	if resolved.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q: %s", resolved.Status, resolved.ErrorMessage)
	}

	rs, err := env.engine.RecordState(ctx, "bp-deals", "deal-1")
	if err != nil {
		t.Fatalf("RecordState failed: %v", err)
	}
	if rs.CurrentStateID != "won" {
		t.Fatalf("expected record in won, got %q", rs.CurrentStateID)
	}

	// Bob's sibling request expired with the gate.
	reqs, err = env.engine.ApprovalRequests(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ApprovalRequests failed: %v", err)
	}
	for _, req := range reqs {
		if req.Approver == "bob" && req.Status != api.RequestExpired {
			t.Fatalf("expected bob's request expired, got %q", req.Status)
		}
	}
	if len(env.notifier.completed) != 1 {
		t.Fatalf("expected one completion notification, got %v", env.notifier.completed)
	}
}

func TestEngine_ApprovalRequireAll(t *testing.T) {
	env := newTestEnv(t, dealDefinition(true))
	ctx := context.Background()

	moveToReview(t, env.engine, "deal-1")
	if _, err := env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID: "bp-deals", RecordID: "deal-1", TransitionID: "t-close", RequestedBy: "seller",
	}); err != nil {
		t.Fatalf("RequestTransition failed: %v", err)
	}

	alice, _ := env.engine.PendingApprovals(ctx, "alice")
	afterAlice, err := env.engine.RecordResponse(ctx, alice[0].ID, "alice", api.DecisionApprove, "")
	if err != nil {
		t.Fatalf("alice's RecordResponse failed: %v", err)
	}
	if afterAlice.Status != api.StatusPendingApproval {
		t.Fatalf("expected gate to stay open after first of two approvals, got %q", afterAlice.Status)
	}

	bob, _ := env.engine.PendingApprovals(ctx, "bob")
	afterBob, err := env.engine.RecordResponse(ctx, bob[0].ID, "bob", api.DecisionApprove, "")
	if err != nil {
		t.Fatalf("bob's RecordResponse failed: %v", err)
	}
	if afterBob.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED after final approval, got %q: %s", afterBob.Status, afterBob.ErrorMessage)
	}
}

func TestEngine_RejectionWins(t *testing.T) {
	env := newTestEnv(t, dealDefinition(true))
	ctx := context.Background()

	moveToReview(t, env.engine, "deal-1")
	if _, err := env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID: "bp-deals", RecordID: "deal-1", TransitionID: "t-close", RequestedBy: "seller",
	}); err != nil {
		t.Fatalf("RequestTransition failed: %v", err)
	}

	alice, _ := env.engine.PendingApprovals(ctx, "alice")
	if _, err := env.engine.RecordResponse(ctx, alice[0].ID, "alice", api.DecisionApprove, ""); err != nil {
		t.Fatalf("alice's RecordResponse failed: %v", err)
	}

	// A rejection resolves the gate regardless of earlier approvals.
	bob, _ := env.engine.PendingApprovals(ctx, "bob")
	rejected, err := env.engine.RecordResponse(ctx, bob[0].ID, "bob", api.DecisionReject, "numbers do not add up")
	if err != nil {
		t.Fatalf("bob's RecordResponse failed: %v", err)
	}
	if rejected.Status != api.StatusRejected {
		t.Fatalf("expected REJECTED, got %q", rejected.Status)
	}
	if rejected.ErrorMessage != "numbers do not add up" {
		t.Fatalf("expected rejection comment on execution, got %q", rejected.ErrorMessage)
	}

	// The record never moved.
	rs, err := env.engine.RecordState(ctx, "bp-deals", "deal-1")
	if err != nil {
		t.Fatalf("RecordState failed: %v", err)
	}
	if rs.CurrentStateID != "review" {
		t.Fatalf("expected record still in review, got %q", rs.CurrentStateID)
	}
	if len(env.notifier.rejected) != 1 {
		t.Fatalf("expected one rejection notification, got %v", env.notifier.rejected)
	}
}

func TestEngine_RejectWithoutCommentGetsDefaultMessage(t *testing.T) {
	env := newTestEnv(t, dealDefinition(false))
	ctx := context.Background()

	moveToReview(t, env.engine, "deal-1")
	if _, err := env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID: "bp-deals", RecordID: "deal-1", TransitionID: "t-close", RequestedBy: "seller",
	}); err != nil {
		t.Fatalf("RequestTransition failed: %v", err)
	}

	alice, _ := env.engine.PendingApprovals(ctx, "alice")
	rejected, err := env.engine.RecordResponse(ctx, alice[0].ID, "alice", api.DecisionReject, "")
	if err != nil {
		t.Fatalf("RecordResponse failed: %v", err)
	}
	if rejected.ErrorMessage != "Approval request rejected" {
		t.Fatalf("expected default rejection message, got %q", rejected.ErrorMessage)
	}
}

func TestEngine_ResponseValidation(t *testing.T) {
	env := newTestEnv(t, dealDefinition(false))
	ctx := context.Background()

	moveToReview(t, env.engine, "deal-1")
	if _, err := env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID: "bp-deals", RecordID: "deal-1", TransitionID: "t-close", RequestedBy: "seller",
	}); err != nil {
		t.Fatalf("RequestTransition failed: %v", err)
	}

	alice, _ := env.engine.PendingApprovals(ctx, "alice")

	// Wrong responder identity.
	if _, err := env.engine.RecordResponse(ctx, alice[0].ID, "mallory", api.DecisionApprove, ""); !errors.Is(err, api.ErrNotEligibleApprover) {
		t.Fatalf("expected ErrNotEligibleApprover, got %v", err)
	}

	// Unknown request id.
	if _, err := env.engine.RecordResponse(ctx, "nope", "alice", api.DecisionApprove, ""); !errors.Is(err, api.ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}

	// Responding twice to the same request.
	if _, err := env.engine.RecordResponse(ctx, alice[0].ID, "alice", api.DecisionApprove, ""); err != nil {
		t.Fatalf("RecordResponse failed: %v", err)
	}
	if _, err := env.engine.RecordResponse(ctx, alice[0].ID, "alice", api.DecisionReject, ""); !errors.Is(err, api.ErrApprovalNotPending) {
		t.Fatalf("expected ErrApprovalNotPending, got %v", err)
	}
}

func TestEngine_ActionFailureDoesNotFailTransition(t *testing.T) {
	def := dealDefinition(false)
	def.Transitions[0].Actions = []api.ActionSpec{
		{ID: "a-fail", Kind: "fails"},
		{ID: "a-note", Kind: "note", Config: map[string]string{"text": "after failure"}},
	}
	env := newTestEnv(t, def)
	ctx := context.Background()

	exec, err := env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID: "bp-deals", RecordID: "deal-1", TransitionID: "t-submit", RequestedBy: "seller",
	})
	if err != nil {
		t.Fatalf("RequestTransition failed: %v", err)
	}

	if exec.Status != api.StatusCompleted {
		t.Fatalf("action failure must not fail the transition, got %q", exec.Status)
	}
	failed := exec.ActionResults["a-fail"]
	if failed.Status != api.ActionFailed || failed.Error == "" {
		t.Fatalf("expected failed action result, got %+v", failed)
	}
	// Later actions still ran.
	if env.noteRuns.get() != 1 {
		t.Fatalf("expected the remaining action to run, ran %d times", env.noteRuns.get())
	}

	rs, _ := env.engine.RecordState(ctx, "bp-deals", "deal-1")
	if rs.CurrentStateID != "review" {
		t.Fatalf("expected record to move despite the failed action, got %q", rs.CurrentStateID)
	}
}

func TestEngine_UnknownActionKindIsSkipped(t *testing.T) {
	def := dealDefinition(false)
	def.Transitions[0].Actions = []api.ActionSpec{{ID: "a-custom", Kind: "not-wired"}}
	env := newTestEnv(t, def)

	exec, err := env.engine.RequestTransition(context.Background(), api.TransitionRequest{
		BlueprintID: "bp-deals", RecordID: "deal-1", TransitionID: "t-submit", RequestedBy: "seller",
	})
	if err != nil {
		t.Fatalf("RequestTransition failed: %v", err)
	}
	if exec.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q", exec.Status)
	}
	result := exec.ActionResults["a-custom"]
	if result.Status != api.ActionSuccess {
		t.Fatalf("unknown kinds are skipped, not failed: %+v", result)
	}
}

func TestEngine_CompletionFailureMarksFailed(t *testing.T) {
	env := newTestEnv(t, dealDefinition(false))
	env.records.err = errors.New("record service down")
	ctx := context.Background()

	exec, err := env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID: "bp-deals", RecordID: "deal-1", TransitionID: "t-submit", RequestedBy: "seller",
	})
	if err != nil {
		t.Fatalf("completion failures must not surface as call errors, got %v", err)
	}
	if exec.Status != api.StatusFailed {
		t.Fatalf("expected FAILED, got %q", exec.Status)
	}
	if exec.ErrorMessage == "" {
		t.Fatalf("expected failure message on execution")
	}

	// The record stayed in its source state.
	rs, err := env.engine.RecordState(ctx, "bp-deals", "deal-1")
	if err != nil {
		t.Fatalf("RecordState failed: %v", err)
	}
	if rs.CurrentStateID != "open" {
		t.Fatalf("expected record unchanged, got %q", rs.CurrentStateID)
	}

	// The terminal FAILED execution does not block a retry.
	env.records.err = nil
	retry, err := env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID: "bp-deals", RecordID: "deal-1", TransitionID: "t-submit", RequestedBy: "seller",
	})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retry.Status != api.StatusCompleted {
		t.Fatalf("expected retry to complete, got %q", retry.Status)
	}
}

func TestEngine_CancelExecution(t *testing.T) {
	env := newTestEnv(t, dealDefinition(false))
	ctx := context.Background()

	moveToReview(t, env.engine, "deal-1")
	exec, err := env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID: "bp-deals", RecordID: "deal-1", TransitionID: "t-close", RequestedBy: "seller",
	})
	if err != nil {
		t.Fatalf("RequestTransition failed: %v", err)
	}

	cancelled, err := env.engine.CancelExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("CancelExecution failed: %v", err)
	}
	if cancelled.Status != api.StatusCancelled || cancelled.CompletedAt == nil {
		t.Fatalf("unexpected cancelled execution: %+v", cancelled)
	}

	reqs, _ := env.engine.ApprovalRequests(ctx, exec.ID)
	for _, req := range reqs {
		if req.Status != api.RequestExpired {
			t.Fatalf("expected pending requests expired on cancel, got %q", req.Status)
		}
	}

	// Cancelling again, or responding to the dead gate, fails cleanly.
	if _, err := env.engine.CancelExecution(ctx, exec.ID); !errors.Is(err, api.ErrExecutionTerminal) {
		t.Fatalf("expected ErrExecutionTerminal, got %v", err)
	}
	if _, err := env.engine.RecordResponse(ctx, reqs[0].ID, reqs[0].Approver, api.DecisionApprove, ""); !errors.Is(err, api.ErrApprovalNotPending) {
		t.Fatalf("expected ErrApprovalNotPending, got %v", err)
	}

	// The record can move again.
	dropped, err := env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID: "bp-deals", RecordID: "deal-1", TransitionID: "t-drop", RequestedBy: "seller",
	})
	if err != nil {
		t.Fatalf("RequestTransition after cancel failed: %v", err)
	}
	if dropped.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q", dropped.Status)
	}
}

func TestEngine_ProcessOverdueApprovals_Expiry(t *testing.T) {
	def := dealDefinition(false)
	def.Transitions[1].Approval.ExpireAfter = time.Millisecond
	env := newTestEnv(t, def)
	ctx := context.Background()

	moveToReview(t, env.engine, "deal-1")
	exec, err := env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID: "bp-deals", RecordID: "deal-1", TransitionID: "t-close", RequestedBy: "seller",
	})
	if err != nil {
		t.Fatalf("RequestTransition failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	result, err := env.engine.ProcessOverdueApprovals(ctx)
	if err != nil {
		t.Fatalf("ProcessOverdueApprovals failed: %v", err)
	}
	if result.Expired != 1 {
		t.Fatalf("expected 1 expired execution, got %+v", result)
	}

	failed, err := env.engine.Execution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Execution failed: %v", err)
	}
	if failed.Status != api.StatusFailed {
		t.Fatalf("expected FAILED, got %q", failed.Status)
	}
	if failed.ErrorMessage != "approval request expired" {
		t.Fatalf("unexpected error message: %q", failed.ErrorMessage)
	}

	reqs, _ := env.engine.ApprovalRequests(ctx, exec.ID)
	for _, req := range reqs {
		if req.Status != api.RequestExpired {
			t.Fatalf("expected requests expired, got %q", req.Status)
		}
	}

	// A second sweep finds nothing.
	result, err = env.engine.ProcessOverdueApprovals(ctx)
	if err != nil {
		t.Fatalf("second ProcessOverdueApprovals failed: %v", err)
	}
	if result.Expired != 0 {
		t.Fatalf("expected nothing left to expire, got %+v", result)
	}
}

func TestEngine_ProcessOverdueApprovals_Reminders(t *testing.T) {
	def := dealDefinition(true)
	def.Transitions[1].Approval.RemindAfter = time.Millisecond
	env := newTestEnv(t, def)
	ctx := context.Background()

	moveToReview(t, env.engine, "deal-1")
	exec, err := env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID: "bp-deals", RecordID: "deal-1", TransitionID: "t-close", RequestedBy: "seller",
	})
	if err != nil {
		t.Fatalf("RequestTransition failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	result, err := env.engine.ProcessOverdueApprovals(ctx)
	if err != nil {
		t.Fatalf("ProcessOverdueApprovals failed: %v", err)
	}
	if result.RemindersSent != 2 {
		t.Fatalf("expected a reminder per approver, got %+v", result)
	}
	if len(env.notifier.reminders) != 2 {
		t.Fatalf("expected reminder notifications, got %v", env.notifier.reminders)
	}

	reqs, _ := env.engine.ApprovalRequests(ctx, exec.ID)
	for _, req := range reqs {
		if req.RemindedAt == nil {
			t.Fatalf("expected RemindedAt set on %q", req.ID)
		}
		if req.Status != api.RequestPending {
			t.Fatalf("reminders must not resolve requests, got %q", req.Status)
		}
	}

	// Reminders are one-time.
	result, err = env.engine.ProcessOverdueApprovals(ctx)
	if err != nil {
		t.Fatalf("second ProcessOverdueApprovals failed: %v", err)
	}
	if result.RemindersSent != 0 {
		t.Fatalf("expected no repeat reminders, got %+v", result)
	}
}

func TestEngine_ConcurrentApproversCompleteOnce(t *testing.T) {
	approvers := make([]string, 8)
	for i := range approvers {
		approvers[i] = fmt.Sprintf("approver-%d", i)
	}
	env := newTestEnv(t, dealDefinition(false, approvers...))
	ctx := context.Background()

	moveToReview(t, env.engine, "deal-1")
	exec, err := env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID: "bp-deals", RecordID: "deal-1", TransitionID: "t-close", RequestedBy: "seller",
	})
	if err != nil {
		t.Fatalf("RequestTransition failed: %v", err)
	}

	reqs, err := env.engine.ApprovalRequests(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ApprovalRequests failed: %v", err)
	}

	var wg sync.WaitGroup
	for _, req := range reqs {
		wg.Add(1)
		go func(id, approver string) {
			defer wg.Done()
			_, err := env.engine.RecordResponse(ctx, id, approver, api.DecisionApprove, "")
			if err != nil && !errors.Is(err, api.ErrApprovalNotPending) {
				t.Errorf("unexpected RecordResponse error: %v", err)
			}
		}(req.ID, req.Approver)
	}
	wg.Wait()

	final, err := env.engine.Execution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Execution failed: %v", err)
	}
	if final.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q: %s", final.Status, final.ErrorMessage)
	}

	// Exactly one responder ran the completion sequence.
	snap := env.metrics.Snapshot()
	if snap.TransitionsCompleted != 2 { // t-submit + t-close
		t.Fatalf("expected exactly one completion of the gated transition, snapshot: %+v", snap)
	}

	rs, _ := env.engine.RecordState(ctx, "bp-deals", "deal-1")
	if rs.CurrentStateID != "won" {
		t.Fatalf("expected record in won, got %q", rs.CurrentStateID)
	}
}

func TestEngine_SLAHandOver(t *testing.T) {
	def := dealDefinition(false)
	def.States[0].SLA = &api.SLAConfig{Active: true, Duration: time.Hour}
	def.States[1].SLA = &api.SLAConfig{Active: true, Duration: 2 * time.Hour}
	env := newTestEnv(t, def)
	ctx := context.Background()

	if _, err := env.engine.InitializeRecordState(ctx, "bp-deals", "deal-1"); err != nil {
		t.Fatalf("InitializeRecordState failed: %v", err)
	}

	inst, err := env.engine.SLAStatus(ctx, "bp-deals", "deal-1")
	if err != nil {
		t.Fatalf("SLAStatus failed: %v", err)
	}
	if inst == nil || inst.StateID != "open" {
		t.Fatalf("expected active SLA for open, got %+v", inst)
	}

	moveToReview(t, env.engine, "deal-1")

	inst, err = env.engine.SLAStatus(ctx, "bp-deals", "deal-1")
	if err != nil {
		t.Fatalf("SLAStatus failed: %v", err)
	}
	if inst == nil || inst.StateID != "review" {
		t.Fatalf("expected SLA hand-over to review, got %+v", inst)
	}
}

func TestEngine_TerminalStateHasNoTransitions(t *testing.T) {
	env := newTestEnv(t, dealDefinition(false))
	ctx := context.Background()

	moveToReview(t, env.engine, "deal-1")
	if _, err := env.engine.RequestTransition(ctx, api.TransitionRequest{
		BlueprintID: "bp-deals", RecordID: "deal-1", TransitionID: "t-drop", RequestedBy: "seller",
	}); err != nil {
		t.Fatalf("RequestTransition failed: %v", err)
	}

	trs, err := env.engine.AvailableTransitions(ctx, "bp-deals", "deal-1")
	if err != nil {
		t.Fatalf("AvailableTransitions failed: %v", err)
	}
	if len(trs) != 0 {
		t.Fatalf("expected no transitions from terminal state, got %+v", trs)
	}
}
