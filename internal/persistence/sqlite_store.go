package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/nexocrm/blueprint/pkg/api"
)

// SQLiteStore persists executions, approval requests, record states and SLA
// instances in SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the driver,
// e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the runtime stores.
var (
	_ ExecutionStore   = (*SQLiteStore)(nil)
	_ ApprovalStore    = (*SQLiteStore)(nil)
	_ RecordStateStore = (*SQLiteStore)(nil)
	_ SLAStore         = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			blueprint_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			transition_id TEXT NOT NULL,
			from_state_id TEXT NOT NULL,
			to_state_id TEXT NOT NULL,
			requested_by TEXT NOT NULL,
			status TEXT NOT NULL,
			action_results BLOB,
			error TEXT,
			started_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		// At most one non-terminal execution per (blueprint, record).
		`CREATE UNIQUE INDEX IF NOT EXISTS executions_active
			ON executions(blueprint_id, record_id)
			WHERE status IN ('PENDING_APPROVAL', 'IMMEDIATE', 'APPROVED');`,
		`CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			approver TEXT NOT NULL,
			status TEXT NOT NULL,
			comments TEXT,
			created_at INTEGER NOT NULL,
			responded_at INTEGER,
			reminded_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS approval_requests_execution
			ON approval_requests(execution_id);`,
		`CREATE TABLE IF NOT EXISTS record_states (
			blueprint_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			current_state_id TEXT NOT NULL,
			entered_at INTEGER NOT NULL,
			last_transition_id TEXT,
			last_transition_at INTEGER,
			PRIMARY KEY (blueprint_id, record_id)
		);`,
		`CREATE TABLE IF NOT EXISTS sla_instances (
			id TEXT PRIMARY KEY,
			blueprint_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			state_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			due_at INTEGER NOT NULL,
			completed_at INTEGER,
			triggered_escalations BLOB
		);`,
		// At most one active instance per (blueprint, record).
		`CREATE UNIQUE INDEX IF NOT EXISTS sla_instances_active
			ON sla_instances(blueprint_id, record_id)
			WHERE completed_at IS NULL;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

// Executions

func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *api.TransitionExecution) error {
	results, err := encodeResults(exec.ActionResults)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, blueprint_id, record_id, transition_id, from_state_id, to_state_id, requested_by, status, action_results, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.BlueprintID,
		exec.RecordID,
		exec.TransitionID,
		exec.FromStateID,
		exec.ToStateID,
		exec.RequestedBy,
		string(exec.Status),
		results,
		exec.ErrorMessage,
		exec.StartedAt.UnixNano(),
		nullTime(exec.CompletedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrConflictingExecution
	}
	return err
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *api.TransitionExecution) error {
	results, err := encodeResults(exec.ActionResults)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, action_results = ?, error = ?, completed_at = ?
		WHERE id = ?`,
		string(exec.Status),
		results,
		exec.ErrorMessage,
		nullTime(exec.CompletedAt),
		exec.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

const executionColumns = `id, blueprint_id, record_id, transition_id, from_state_id, to_state_id, requested_by, status, action_results, error, started_at, completed_at`

func scanExecution(row interface{ Scan(...any) error }) (*api.TransitionExecution, error) {
	var exec api.TransitionExecution
	var statusStr string
	var results []byte
	var errStr sql.NullString
	var startedAt int64
	var completedAt sql.NullInt64

	if err := row.Scan(
		&exec.ID,
		&exec.BlueprintID,
		&exec.RecordID,
		&exec.TransitionID,
		&exec.FromStateID,
		&exec.ToStateID,
		&exec.RequestedBy,
		&statusStr,
		&results,
		&errStr,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	exec.Status = api.ExecutionStatus(statusStr)
	exec.StartedAt = time.Unix(0, startedAt)
	exec.CompletedAt = timePtr(completedAt)
	if errStr.Valid {
		exec.ErrorMessage = errStr.String
	}

	decoded, err := decodeResults(results)
	if err != nil {
		return nil, err
	}
	exec.ActionResults = decoded

	return &exec, nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*api.TransitionExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE id = ?`,
		id,
	)

	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return exec, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.TransitionExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	var clauses []string

	if filter.BlueprintID != "" {
		clauses = append(clauses, "blueprint_id = ?")
		args = append(args, filter.BlueprintID)
	}
	if filter.RecordID != "" {
		clauses = append(clauses, "record_id = ?")
		args = append(args, filter.RecordID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*api.TransitionExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

func (s *SQLiteStore) ClaimExecutionStatus(ctx context.Context, id string, from, to api.ExecutionStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from),
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	// Distinguish "lost the race" from "no such execution".
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrExecutionNotFound
		}
		return false, err
	}
	return false, nil
}

// Approval requests

func (s *SQLiteStore) CreateRequests(ctx context.Context, reqs []*api.ApprovalRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, req := range reqs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approval_requests (id, execution_id, approver, status, comments, created_at, responded_at, reminded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			req.ID,
			req.ExecutionID,
			req.Approver,
			string(req.Status),
			req.Comments,
			req.CreatedAt.UnixNano(),
			nullTime(req.RespondedAt),
			nullTime(req.RemindedAt),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const requestColumns = `id, execution_id, approver, status, comments, created_at, responded_at, reminded_at`

func scanRequest(row interface{ Scan(...any) error }) (*api.ApprovalRequest, error) {
	var req api.ApprovalRequest
	var statusStr string
	var comments sql.NullString
	var createdAt int64
	var respondedAt, remindedAt sql.NullInt64

	if err := row.Scan(
		&req.ID,
		&req.ExecutionID,
		&req.Approver,
		&statusStr,
		&comments,
		&createdAt,
		&respondedAt,
		&remindedAt,
	); err != nil {
		return nil, err
	}

	req.Status = api.RequestStatus(statusStr)
	req.CreatedAt = time.Unix(0, createdAt)
	req.RespondedAt = timePtr(respondedAt)
	req.RemindedAt = timePtr(remindedAt)
	if comments.Valid {
		req.Comments = comments.String
	}
	return &req, nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*api.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM approval_requests WHERE id = ?`, id)

	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

func (s *SQLiteStore) UpdateRequest(ctx context.Context, req *api.ApprovalRequest) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = ?, comments = ?, responded_at = ?, reminded_at = ?
		WHERE id = ?`,
		string(req.Status),
		req.Comments,
		nullTime(req.RespondedAt),
		nullTime(req.RemindedAt),
		req.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (s *SQLiteStore) listRequests(ctx context.Context, where string, args ...any) ([]*api.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM approval_requests `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*api.ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

func (s *SQLiteStore) ListRequestsByExecution(ctx context.Context, executionID string) ([]*api.ApprovalRequest, error) {
	return s.listRequests(ctx, "WHERE execution_id = ?", executionID)
}

func (s *SQLiteStore) ListPendingRequests(ctx context.Context) ([]*api.ApprovalRequest, error) {
	return s.listRequests(ctx, "WHERE status = ?", string(api.RequestPending))
}

func (s *SQLiteStore) ListPendingByApprover(ctx context.Context, approver string) ([]*api.ApprovalRequest, error) {
	return s.listRequests(ctx, "WHERE status = ? AND approver = ?", string(api.RequestPending), approver)
}

func (s *SQLiteStore) ClaimRequest(ctx context.Context, id string, to api.RequestStatus, comments string, respondedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = ?, comments = ?, responded_at = ?
		WHERE id = ? AND status = ?`,
		string(to), comments, respondedAt.UnixNano(), id, string(api.RequestPending),
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM approval_requests WHERE id = ?`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrRequestNotFound
		}
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) ExpirePendingSiblings(ctx context.Context, executionID, exceptRequestID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = ?
		WHERE execution_id = ? AND id != ? AND status = ?`,
		string(api.RequestExpired), executionID, exceptRequestID, string(api.RequestPending),
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *SQLiteStore) CountPending(ctx context.Context, executionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM approval_requests WHERE execution_id = ? AND status = ?`,
		executionID, string(api.RequestPending),
	).Scan(&count)
	return count, err
}

// Record states

func (s *SQLiteStore) UpsertRecordState(ctx context.Context, rs *api.RecordState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO record_states (blueprint_id, record_id, current_state_id, entered_at, last_transition_id, last_transition_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (blueprint_id, record_id) DO UPDATE SET
			current_state_id = excluded.current_state_id,
			entered_at = excluded.entered_at,
			last_transition_id = excluded.last_transition_id,
			last_transition_at = excluded.last_transition_at`,
		rs.BlueprintID,
		rs.RecordID,
		rs.CurrentStateID,
		rs.EnteredAt.UnixNano(),
		rs.LastTransitionID,
		nullTime(rs.LastTransitionAt),
	)
	return err
}

func (s *SQLiteStore) GetRecordState(ctx context.Context, blueprintID, recordID string) (*api.RecordState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT blueprint_id, record_id, current_state_id, entered_at, last_transition_id, last_transition_at
		FROM record_states
		WHERE blueprint_id = ? AND record_id = ?`,
		blueprintID, recordID,
	)

	var rs api.RecordState
	var enteredAt int64
	var lastTransitionID sql.NullString
	var lastTransitionAt sql.NullInt64

	if err := row.Scan(&rs.BlueprintID, &rs.RecordID, &rs.CurrentStateID, &enteredAt, &lastTransitionID, &lastTransitionAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordStateNotFound
		}
		return nil, err
	}

	rs.EnteredAt = time.Unix(0, enteredAt)
	rs.LastTransitionAt = timePtr(lastTransitionAt)
	if lastTransitionID.Valid {
		rs.LastTransitionID = lastTransitionID.String
	}
	return &rs, nil
}

// SLA instances

func (s *SQLiteStore) CreateSLAInstance(ctx context.Context, inst *api.SLAInstance) error {
	triggered, err := encodeStrings(inst.TriggeredEscalations)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sla_instances (id, blueprint_id, record_id, state_id, status, started_at, due_at, completed_at, triggered_escalations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.BlueprintID,
		inst.RecordID,
		inst.StateID,
		string(inst.Status),
		inst.StartedAt.UnixNano(),
		inst.DueAt.UnixNano(),
		nullTime(inst.CompletedAt),
		triggered,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrConflictingSLAInstance
	}
	return err
}

func (s *SQLiteStore) UpdateSLAInstance(ctx context.Context, inst *api.SLAInstance) error {
	triggered, err := encodeStrings(inst.TriggeredEscalations)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sla_instances
		SET status = ?, completed_at = ?, triggered_escalations = ?
		WHERE id = ?`,
		string(inst.Status),
		nullTime(inst.CompletedAt),
		triggered,
		inst.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSLAInstanceNotFound
	}
	return nil
}

const slaColumns = `id, blueprint_id, record_id, state_id, status, started_at, due_at, completed_at, triggered_escalations`

func scanSLAInstance(row interface{ Scan(...any) error }) (*api.SLAInstance, error) {
	var inst api.SLAInstance
	var statusStr string
	var startedAt, dueAt int64
	var completedAt sql.NullInt64
	var triggered []byte

	if err := row.Scan(
		&inst.ID,
		&inst.BlueprintID,
		&inst.RecordID,
		&inst.StateID,
		&statusStr,
		&startedAt,
		&dueAt,
		&completedAt,
		&triggered,
	); err != nil {
		return nil, err
	}

	inst.Status = api.SLAInstanceStatus(statusStr)
	inst.StartedAt = time.Unix(0, startedAt)
	inst.DueAt = time.Unix(0, dueAt)
	inst.CompletedAt = timePtr(completedAt)

	values, err := decodeStrings(triggered)
	if err != nil {
		return nil, err
	}
	inst.TriggeredEscalations = values
	return &inst, nil
}

func (s *SQLiteStore) GetActiveSLAInstance(ctx context.Context, blueprintID, recordID string) (*api.SLAInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+slaColumns+`
		FROM sla_instances
		WHERE blueprint_id = ? AND record_id = ? AND completed_at IS NULL
		ORDER BY started_at DESC
		LIMIT 1`,
		blueprintID, recordID,
	)

	inst, err := scanSLAInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSLAInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLiteStore) ListActiveSLAInstances(ctx context.Context) ([]*api.SLAInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+slaColumns+`
		FROM sla_instances
		WHERE completed_at IS NULL
		ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.SLAInstance
	for rows.Next() {
		inst, err := scanSLAInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}
