package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/nexocrm/blueprint/pkg/api"
)

// PostgresStore persists executions, approval requests, record states and
// SLA instances in PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib" or "github.com/lib/pq").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements the runtime stores.
var (
	_ ExecutionStore   = (*PostgresStore)(nil)
	_ ApprovalStore    = (*PostgresStore)(nil)
	_ RecordStateStore = (*PostgresStore)(nil)
	_ SLAStore         = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the required schema in the given database and
// returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
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
			action_results BYTEA,
			error TEXT,
			started_at BIGINT NOT NULL,
			completed_at BIGINT
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS executions_active
			ON executions(blueprint_id, record_id)
			WHERE status IN ('PENDING_APPROVAL', 'IMMEDIATE', 'APPROVED');`,
		`CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			approver TEXT NOT NULL,
			status TEXT NOT NULL,
			comments TEXT,
			created_at BIGINT NOT NULL,
			responded_at BIGINT,
			reminded_at BIGINT
		);`,
		`CREATE INDEX IF NOT EXISTS approval_requests_execution
			ON approval_requests(execution_id);`,
		`CREATE TABLE IF NOT EXISTS record_states (
			blueprint_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			current_state_id TEXT NOT NULL,
			entered_at BIGINT NOT NULL,
			last_transition_id TEXT,
			last_transition_at BIGINT,
			PRIMARY KEY (blueprint_id, record_id)
		);`,
		`CREATE TABLE IF NOT EXISTS sla_instances (
			id TEXT PRIMARY KEY,
			blueprint_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			state_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			due_at BIGINT NOT NULL,
			completed_at BIGINT,
			triggered_escalations BYTEA
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

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key value")
}

// Executions

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *api.TransitionExecution) error {
	results, err := encodeResults(exec.ActionResults)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, blueprint_id, record_id, transition_id, from_state_id, to_state_id, requested_by, status, action_results, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
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
	if isUniqueViolation(err) {
		return ErrConflictingExecution
	}
	return err
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *api.TransitionExecution) error {
	results, err := encodeResults(exec.ActionResults)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status       = $1,
		    action_results = $2,
		    error        = $3,
		    completed_at = $4
		WHERE id = $5`,
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

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*api.TransitionExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE id = $1`,
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

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.TransitionExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	var clauses []string

	if filter.BlueprintID != "" {
		args = append(args, filter.BlueprintID)
		clauses = append(clauses, "blueprint_id = $"+strconv.Itoa(len(args)))
	}
	if filter.RecordID != "" {
		args = append(args, filter.RecordID)
		clauses = append(clauses, "record_id = $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, "status = $"+strconv.Itoa(len(args)))
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

func (s *PostgresStore) ClaimExecutionStatus(ctx context.Context, id string, from, to api.ExecutionStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = $1 WHERE id = $2 AND status = $3`,
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

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = $1`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrExecutionNotFound
		}
		return false, err
	}
	return false, nil
}

// Approval requests

func (s *PostgresStore) CreateRequests(ctx context.Context, reqs []*api.ApprovalRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, req := range reqs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approval_requests (id, execution_id, approver, status, comments, created_at, responded_at, reminded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
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

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*api.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM approval_requests WHERE id = $1`, id)

	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

func (s *PostgresStore) UpdateRequest(ctx context.Context, req *api.ApprovalRequest) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = $1, comments = $2, responded_at = $3, reminded_at = $4
		WHERE id = $5`,
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

func (s *PostgresStore) listRequests(ctx context.Context, where string, args ...any) ([]*api.ApprovalRequest, error) {
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

func (s *PostgresStore) ListRequestsByExecution(ctx context.Context, executionID string) ([]*api.ApprovalRequest, error) {
	return s.listRequests(ctx, "WHERE execution_id = $1", executionID)
}

func (s *PostgresStore) ListPendingRequests(ctx context.Context) ([]*api.ApprovalRequest, error) {
	return s.listRequests(ctx, "WHERE status = $1", string(api.RequestPending))
}

func (s *PostgresStore) ListPendingByApprover(ctx context.Context, approver string) ([]*api.ApprovalRequest, error) {
	return s.listRequests(ctx, "WHERE status = $1 AND approver = $2", string(api.RequestPending), approver)
}

func (s *PostgresStore) ClaimRequest(ctx context.Context, id string, to api.RequestStatus, comments string, respondedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = $1, comments = $2, responded_at = $3
		WHERE id = $4 AND status = $5`,
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
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM approval_requests WHERE id = $1`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrRequestNotFound
		}
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) ExpirePendingSiblings(ctx context.Context, executionID, exceptRequestID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = $1
		WHERE execution_id = $2 AND id <> $3 AND status = $4`,
		string(api.RequestExpired), executionID, exceptRequestID, string(api.RequestPending),
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *PostgresStore) CountPending(ctx context.Context, executionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM approval_requests WHERE execution_id = $1 AND status = $2`,
		executionID, string(api.RequestPending),
	).Scan(&count)
	return count, err
}

// Record states

func (s *PostgresStore) UpsertRecordState(ctx context.Context, rs *api.RecordState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO record_states (blueprint_id, record_id, current_state_id, entered_at, last_transition_id, last_transition_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (blueprint_id, record_id) DO UPDATE SET
			current_state_id = EXCLUDED.current_state_id,
			entered_at = EXCLUDED.entered_at,
			last_transition_id = EXCLUDED.last_transition_id,
			last_transition_at = EXCLUDED.last_transition_at`,
		rs.BlueprintID,
		rs.RecordID,
		rs.CurrentStateID,
		rs.EnteredAt.UnixNano(),
		rs.LastTransitionID,
		nullTime(rs.LastTransitionAt),
	)
	return err
}

func (s *PostgresStore) GetRecordState(ctx context.Context, blueprintID, recordID string) (*api.RecordState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT blueprint_id, record_id, current_state_id, entered_at, last_transition_id, last_transition_at
		FROM record_states
		WHERE blueprint_id = $1 AND record_id = $2`,
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

func (s *PostgresStore) CreateSLAInstance(ctx context.Context, inst *api.SLAInstance) error {
	triggered, err := encodeStrings(inst.TriggeredEscalations)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sla_instances (id, blueprint_id, record_id, state_id, status, started_at, due_at, completed_at, triggered_escalations)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
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
	if isUniqueViolation(err) {
		return ErrConflictingSLAInstance
	}
	return err
}

func (s *PostgresStore) UpdateSLAInstance(ctx context.Context, inst *api.SLAInstance) error {
	triggered, err := encodeStrings(inst.TriggeredEscalations)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sla_instances
		SET status = $1, completed_at = $2, triggered_escalations = $3
		WHERE id = $4`,
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

func (s *PostgresStore) GetActiveSLAInstance(ctx context.Context, blueprintID, recordID string) (*api.SLAInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+slaColumns+`
		FROM sla_instances
		WHERE blueprint_id = $1 AND record_id = $2 AND completed_at IS NULL
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

func (s *PostgresStore) ListActiveSLAInstances(ctx context.Context) ([]*api.SLAInstance, error) {
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
