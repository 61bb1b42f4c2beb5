package api

import "context"

// RecordStore is the boundary to the surrounding application's entity store.
// The engine only ever writes single fields through it (the field-update
// action and the state-mirror field); all other record access stays outside
// the engine.
type RecordStore interface {
	UpdateRecordField(ctx context.Context, recordID, fieldAPIName, value string) error
}

// Notifier is the boundary to the surrounding application's notification
// dispatch. Calls are fire-and-forget from the engine's point of view:
// errors are logged and swallowed, never surfaced to callers.
type Notifier interface {
	// NotifyApprovalPending is sent to each approver when a gate opens
	// with NotifyOnPending set.
	NotifyApprovalPending(ctx context.Context, exec *TransitionExecution, req *ApprovalRequest) error

	// NotifyApprovalReminder is the one-time sweep reminder for a request
	// pending longer than the policy's RemindAfter.
	NotifyApprovalReminder(ctx context.Context, exec *TransitionExecution, req *ApprovalRequest) error

	NotifyTransitionCompleted(ctx context.Context, exec *TransitionExecution) error
	NotifyTransitionRejected(ctx context.Context, exec *TransitionExecution, req *ApprovalRequest) error
}

// NoopRecordStore ignores all field updates. It is the default when no
// record store is wired.
type NoopRecordStore struct{}

func (NoopRecordStore) UpdateRecordField(ctx context.Context, recordID, fieldAPIName, value string) error {
	return nil
}

// NoopNotifier discards all notifications.
type NoopNotifier struct{}

func (NoopNotifier) NotifyApprovalPending(ctx context.Context, exec *TransitionExecution, req *ApprovalRequest) error {
	return nil
}

func (NoopNotifier) NotifyApprovalReminder(ctx context.Context, exec *TransitionExecution, req *ApprovalRequest) error {
	return nil
}

func (NoopNotifier) NotifyTransitionCompleted(ctx context.Context, exec *TransitionExecution) error {
	return nil
}

func (NoopNotifier) NotifyTransitionRejected(ctx context.Context, exec *TransitionExecution, req *ApprovalRequest) error {
	return nil
}
