package persistence

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nexocrm/blueprint/pkg/api"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	// The in-memory database lives in a single connection.
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = db.Close()
	})

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

func TestSQLiteStore_ExecutionRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	started := time.Now()
	exec := &api.TransitionExecution{
		ID:           "exec-1",
		BlueprintID:  "bp-deals",
		RecordID:     "deal-42",
		TransitionID: "t-close",
		FromStateID:  "negotiation",
		ToStateID:    "won",
		RequestedBy:  "alice",
		Status:       api.StatusPendingApproval,
		StartedAt:    started,
	}

	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}

	got, err := store.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.TransitionID != "t-close" || got.FromStateID != "negotiation" || got.ToStateID != "won" {
		t.Fatalf("unexpected execution: %+v", got)
	}
	if got.Status != api.StatusPendingApproval {
		t.Fatalf("expected status PENDING_APPROVAL, got %q", got.Status)
	}
	if !got.StartedAt.Equal(started) {
		t.Fatalf("expected StartedAt %v, got %v", started, got.StartedAt)
	}
	if got.CompletedAt != nil {
		t.Fatalf("expected nil CompletedAt, got %v", got.CompletedAt)
	}

	// Complete it with action results.
	done := time.Now()
	exec.Status = api.StatusCompleted
	exec.CompletedAt = &done
	exec.ActionResults = map[string]api.ActionResult{
		"a-notify": {ActionID: "a-notify", Status: api.ActionSuccess, Output: map[string]any{"sent": true}, ExecutedAt: done},
	}
	if err := store.UpdateExecution(ctx, exec); err != nil {
		t.Fatalf("UpdateExecution failed: %v", err)
	}

	got, err = store.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution after update failed: %v", err)
	}
	if got.Status != api.StatusCompleted {
		t.Fatalf("expected status COMPLETED, got %q", got.Status)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Fatalf("expected CompletedAt %v, got %v", done, got.CompletedAt)
	}
	result, ok := got.ActionResults["a-notify"]
	if !ok {
		t.Fatalf("expected action result to round-trip: %+v", got.ActionResults)
	}
	if result.Status != api.ActionSuccess {
		t.Fatalf("expected SUCCESS, got %q", result.Status)
	}
	out, ok := result.Output.(map[string]any)
	if !ok || out["sent"] != true {
		t.Fatalf("unexpected output: %#v", result.Output)
	}
}

func TestSQLiteStore_GetExecutionNotFound(t *testing.T) {
	store := newTestSQLiteStore(t)

	_, err := store.GetExecution(context.Background(), "missing")
	if !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestSQLiteStore_ActiveExecutionUnique(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	first := &api.TransitionExecution{
		ID:          "exec-1",
		BlueprintID: "bp-deals",
		RecordID:    "deal-42",
		Status:      api.StatusApproved,
		StartedAt:   time.Now(),
	}
	if err := store.CreateExecution(ctx, first); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}

	second := &api.TransitionExecution{
		ID:          "exec-2",
		BlueprintID: "bp-deals",
		RecordID:    "deal-42",
		Status:      api.StatusPendingApproval,
		StartedAt:   time.Now(),
	}
	if err := store.CreateExecution(ctx, second); !errors.Is(err, ErrConflictingExecution) {
		t.Fatalf("expected ErrConflictingExecution, got %v", err)
	}

	// Once the first is terminal, a new execution is allowed again.
	done := time.Now()
	first.Status = api.StatusCompleted
	first.CompletedAt = &done
	if err := store.UpdateExecution(ctx, first); err != nil {
		t.Fatalf("UpdateExecution failed: %v", err)
	}
	if err := store.CreateExecution(ctx, second); err != nil {
		t.Fatalf("CreateExecution after terminal failed: %v", err)
	}
}

func TestSQLiteStore_ClaimExecutionStatus(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	exec := &api.TransitionExecution{
		ID:          "exec-1",
		BlueprintID: "bp-deals",
		RecordID:    "deal-42",
		Status:      api.StatusPendingApproval,
		StartedAt:   time.Now(),
	}
	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}

	claimed, err := store.ClaimExecutionStatus(ctx, "exec-1", api.StatusPendingApproval, api.StatusApproved)
	if err != nil {
		t.Fatalf("ClaimExecutionStatus failed: %v", err)
	}
	if !claimed {
		t.Fatalf("expected first claim to win")
	}

	claimed, err = store.ClaimExecutionStatus(ctx, "exec-1", api.StatusPendingApproval, api.StatusRejected)
	if err != nil {
		t.Fatalf("ClaimExecutionStatus failed: %v", err)
	}
	if claimed {
		t.Fatalf("expected second claim to lose")
	}

	if _, err := store.ClaimExecutionStatus(ctx, "missing", api.StatusPendingApproval, api.StatusApproved); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestSQLiteStore_ListExecutionsFilter(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Now()
	done := base
	executions := []*api.TransitionExecution{
		{ID: "exec-1", BlueprintID: "bp-a", RecordID: "r1", Status: api.StatusCompleted, StartedAt: base, CompletedAt: &done},
		{ID: "exec-2", BlueprintID: "bp-a", RecordID: "r1", Status: api.StatusPendingApproval, StartedAt: base.Add(time.Second)},
		{ID: "exec-3", BlueprintID: "bp-b", RecordID: "r2", Status: api.StatusRejected, StartedAt: base.Add(2 * time.Second), CompletedAt: &done},
	}
	for _, exec := range executions {
		if err := store.CreateExecution(ctx, exec); err != nil {
			t.Fatalf("CreateExecution %s failed: %v", exec.ID, err)
		}
	}

	got, err := store.ListExecutions(ctx, ExecutionFilter{BlueprintID: "bp-a", RecordID: "r1"})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(got))
	}
	if got[0].ID != "exec-2" {
		t.Fatalf("expected newest first, got %q", got[0].ID)
	}

	got, err = store.ListExecutions(ctx, ExecutionFilter{Status: api.StatusRejected})
	if err != nil {
		t.Fatalf("ListExecutions by status failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "exec-3" {
		t.Fatalf("unexpected status filter result: %+v", got)
	}
}

func TestSQLiteStore_RequestLifecycle(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now()
	reqs := []*api.ApprovalRequest{
		{ID: "req-1", ExecutionID: "exec-1", Approver: "alice", Status: api.RequestPending, CreatedAt: now},
		{ID: "req-2", ExecutionID: "exec-1", Approver: "bob", Status: api.RequestPending, CreatedAt: now.Add(time.Second)},
	}
	if err := store.CreateRequests(ctx, reqs); err != nil {
		t.Fatalf("CreateRequests failed: %v", err)
	}

	byExec, err := store.ListRequestsByExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListRequestsByExecution failed: %v", err)
	}
	if len(byExec) != 2 || byExec[0].ID != "req-1" {
		t.Fatalf("unexpected requests: %+v", byExec)
	}

	claimed, err := store.ClaimRequest(ctx, "req-1", api.RequestRejected, "not yet", now)
	if err != nil {
		t.Fatalf("ClaimRequest failed: %v", err)
	}
	if !claimed {
		t.Fatalf("expected claim to win")
	}

	got, err := store.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if got.Status != api.RequestRejected || got.Comments != "not yet" || got.RespondedAt == nil {
		t.Fatalf("unexpected request after claim: %+v", got)
	}

	expired, err := store.ExpirePendingSiblings(ctx, "exec-1", "req-1")
	if err != nil {
		t.Fatalf("ExpirePendingSiblings failed: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired, got %d", expired)
	}

	count, err := store.CountPending(ctx, "exec-1")
	if err != nil {
		t.Fatalf("CountPending failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no pending requests, got %d", count)
	}
}

func TestSQLiteStore_RequestReminderPersists(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now()
	req := &api.ApprovalRequest{ID: "req-1", ExecutionID: "exec-1", Approver: "alice", Status: api.RequestPending, CreatedAt: now}
	if err := store.CreateRequests(ctx, []*api.ApprovalRequest{req}); err != nil {
		t.Fatalf("CreateRequests failed: %v", err)
	}

	reminded := now.Add(time.Hour)
	req.RemindedAt = &reminded
	if err := store.UpdateRequest(ctx, req); err != nil {
		t.Fatalf("UpdateRequest failed: %v", err)
	}

	got, err := store.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if got.RemindedAt == nil || !got.RemindedAt.Equal(reminded) {
		t.Fatalf("expected RemindedAt %v, got %v", reminded, got.RemindedAt)
	}
	if got.Status != api.RequestPending {
		t.Fatalf("reminder must not change status, got %q", got.Status)
	}
}

func TestSQLiteStore_RecordStateUpsert(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	entered := time.Now()
	rs := &api.RecordState{
		BlueprintID:    "bp-a",
		RecordID:       "r1",
		CurrentStateID: "open",
		EnteredAt:      entered,
	}
	if err := store.UpsertRecordState(ctx, rs); err != nil {
		t.Fatalf("UpsertRecordState failed: %v", err)
	}

	moved := entered.Add(time.Minute)
	rs.CurrentStateID = "won"
	rs.EnteredAt = moved
	rs.LastTransitionID = "t-close"
	rs.LastTransitionAt = &moved
	if err := store.UpsertRecordState(ctx, rs); err != nil {
		t.Fatalf("UpsertRecordState update failed: %v", err)
	}

	got, err := store.GetRecordState(ctx, "bp-a", "r1")
	if err != nil {
		t.Fatalf("GetRecordState failed: %v", err)
	}
	if got.CurrentStateID != "won" || got.LastTransitionID != "t-close" {
		t.Fatalf("unexpected record state: %+v", got)
	}
	if got.LastTransitionAt == nil || !got.LastTransitionAt.Equal(moved) {
		t.Fatalf("expected LastTransitionAt %v, got %v", moved, got.LastTransitionAt)
	}

	if _, err := store.GetRecordState(ctx, "bp-a", "missing"); !errors.Is(err, ErrRecordStateNotFound) {
		t.Fatalf("expected ErrRecordStateNotFound, got %v", err)
	}
}

func TestSQLiteStore_SLAInstanceLifecycle(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now()
	inst := &api.SLAInstance{
		ID:          "sla-1",
		BlueprintID: "bp-a",
		RecordID:    "r1",
		StateID:     "open",
		Status:      api.SLAActive,
		StartedAt:   now,
		DueAt:       now.Add(time.Hour),
	}
	if err := store.CreateSLAInstance(ctx, inst); err != nil {
		t.Fatalf("CreateSLAInstance failed: %v", err)
	}

	active, err := store.GetActiveSLAInstance(ctx, "bp-a", "r1")
	if err != nil {
		t.Fatalf("GetActiveSLAInstance failed: %v", err)
	}
	if active.ID != "sla-1" || !active.DueAt.Equal(inst.DueAt) {
		t.Fatalf("unexpected active instance: %+v", active)
	}

	// Mark a breach with a triggered escalation and keep it active.
	inst.Status = api.SLABreached
	inst.TriggeredEscalations = []string{"esc-breach"}
	if err := store.UpdateSLAInstance(ctx, inst); err != nil {
		t.Fatalf("UpdateSLAInstance failed: %v", err)
	}

	all, err := store.ListActiveSLAInstances(ctx)
	if err != nil {
		t.Fatalf("ListActiveSLAInstances failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 active instance, got %d", len(all))
	}
	if !all[0].EscalationTriggered("esc-breach") {
		t.Fatalf("expected triggered escalation to round-trip: %+v", all[0])
	}

	done := now.Add(2 * time.Hour)
	inst.CompletedAt = &done
	if err := store.UpdateSLAInstance(ctx, inst); err != nil {
		t.Fatalf("UpdateSLAInstance completion failed: %v", err)
	}

	if _, err := store.GetActiveSLAInstance(ctx, "bp-a", "r1"); !errors.Is(err, ErrSLAInstanceNotFound) {
		t.Fatalf("expected ErrSLAInstanceNotFound after completion, got %v", err)
	}
}

func TestSQLiteStore_ActiveSLAInstanceUnique(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now()
	first := &api.SLAInstance{
		ID:          "sla-1",
		BlueprintID: "bp-a",
		RecordID:    "r1",
		StateID:     "open",
		Status:      api.SLAActive,
		StartedAt:   now,
		DueAt:       now.Add(time.Hour),
	}
	if err := store.CreateSLAInstance(ctx, first); err != nil {
		t.Fatalf("CreateSLAInstance failed: %v", err)
	}

	second := &api.SLAInstance{
		ID:          "sla-2",
		BlueprintID: "bp-a",
		RecordID:    "r1",
		StateID:     "review",
		Status:      api.SLAActive,
		StartedAt:   now,
		DueAt:       now.Add(2 * time.Hour),
	}
	if err := store.CreateSLAInstance(ctx, second); !errors.Is(err, ErrConflictingSLAInstance) {
		t.Fatalf("expected ErrConflictingSLAInstance, got %v", err)
	}

	// Once the first completes, a new instance is allowed again.
	done := now.Add(30 * time.Minute)
	first.Status = api.SLACompleted
	first.CompletedAt = &done
	if err := store.UpdateSLAInstance(ctx, first); err != nil {
		t.Fatalf("UpdateSLAInstance failed: %v", err)
	}
	if err := store.CreateSLAInstance(ctx, second); err != nil {
		t.Fatalf("CreateSLAInstance after completion failed: %v", err)
	}
}
