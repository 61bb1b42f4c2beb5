package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexocrm/blueprint/pkg/api"
)

// RedisStore persists executions, approval requests, record states and SLA
// instances in Redis. It uses a simple key structure:
//
//	<prefix>exec:<id>                  => gob-encoded TransitionExecution
//	<prefix>exec:active:<bp>:<record>  => execution ID holding the active slot
//	<prefix>idx:exec:all               => SET of all execution IDs
//	<prefix>req:<id>                   => gob-encoded ApprovalRequest
//	<prefix>idx:req:exec:<execID>      => SET of request IDs for an execution
//	<prefix>idx:req:pending            => SET of pending request IDs
//	<prefix>state:<bp>:<record>        => gob-encoded RecordState
//	<prefix>sla:<id>                   => gob-encoded SLAInstance
//	<prefix>sla:active:<bp>:<record>   => active SLA instance ID
//	<prefix>idx:sla:active             => SET of active SLA instance IDs
//
// The exec:active and sla:active keys are claimed with SETNX on create and
// released when the entity reaches a terminal status; that enforces the
// one-non-terminal-execution-per-record and one-active-sla-per-record rules.
// The Claim* methods run inside WATCH transactions so concurrent responders
// cannot both win.
//
// The idx: sets are best-effort. They are always updated on writes, and
// readers re-check the decoded payload before trusting them.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Ensure RedisStore implements the runtime stores.
var (
	_ ExecutionStore   = (*RedisStore)(nil)
	_ ApprovalStore    = (*RedisStore)(nil)
	_ RecordStateStore = (*RedisStore)(nil)
	_ SLAStore         = (*RedisStore)(nil)
)

// claimRetries bounds the optimistic retry loop of the WATCH transactions.
const claimRetries = 16

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "blueprint:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "blueprint:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keyExecution(id string) string {
	return s.prefix + "exec:" + id
}

func (s *RedisStore) keyActiveExecution(blueprintID, recordID string) string {
	return s.prefix + "exec:active:" + blueprintID + ":" + recordID
}

func (s *RedisStore) keyAllExecutions() string {
	return s.prefix + "idx:exec:all"
}

func (s *RedisStore) keyRequest(id string) string {
	return s.prefix + "req:" + id
}

func (s *RedisStore) keyExecutionRequests(executionID string) string {
	return s.prefix + "idx:req:exec:" + executionID
}

func (s *RedisStore) keyPendingRequests() string {
	return s.prefix + "idx:req:pending"
}

func (s *RedisStore) keyRecordState(blueprintID, recordID string) string {
	return s.prefix + "state:" + blueprintID + ":" + recordID
}

func (s *RedisStore) keySLA(id string) string {
	return s.prefix + "sla:" + id
}

func (s *RedisStore) keyActiveSLA(blueprintID, recordID string) string {
	return s.prefix + "sla:active:" + blueprintID + ":" + recordID
}

func (s *RedisStore) keyActiveSLAs() string {
	return s.prefix + "idx:sla:active"
}

func encodePayload(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePayload(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Executions

func (s *RedisStore) CreateExecution(ctx context.Context, exec *api.TransitionExecution) error {
	data, err := encodePayload(exec)
	if err != nil {
		return err
	}

	if !exec.Status.Terminal() {
		ok, err := s.client.SetNX(ctx, s.keyActiveExecution(exec.BlueprintID, exec.RecordID), exec.ID, 0).Result()
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflictingExecution
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyExecution(exec.ID), data, 0)
	pipe.SAdd(ctx, s.keyAllExecutions(), exec.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) UpdateExecution(ctx context.Context, exec *api.TransitionExecution) error {
	key := s.keyExecution(exec.ID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrExecutionNotFound
	}

	data, err := encodePayload(exec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return err
	}

	if exec.Status.Terminal() {
		return s.releaseActiveSlot(ctx, exec)
	}
	return nil
}

// releaseActiveSlot frees the active-execution key, but only if it still
// belongs to this execution.
func (s *RedisStore) releaseActiveSlot(ctx context.Context, exec *api.TransitionExecution) error {
	key := s.keyActiveExecution(exec.BlueprintID, exec.RecordID)
	holder, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if holder != exec.ID {
		return nil
	}
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) getExecution(ctx context.Context, id string) (*api.TransitionExecution, error) {
	data, err := s.client.Get(ctx, s.keyExecution(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	var exec api.TransitionExecution
	if err := decodePayload(data, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*api.TransitionExecution, error) {
	return s.getExecution(ctx, id)
}

func (s *RedisStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.TransitionExecution, error) {
	ids, err := s.client.SMembers(ctx, s.keyAllExecutions()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyExecution(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var executions []*api.TransitionExecution
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		var exec api.TransitionExecution
		if err := decodePayload(data, &exec); err != nil {
			return nil, err
		}
		if filter.BlueprintID != "" && exec.BlueprintID != filter.BlueprintID {
			continue
		}
		if filter.RecordID != "" && exec.RecordID != filter.RecordID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		executions = append(executions, &exec)
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.After(executions[j].StartedAt)
	})
	return executions, nil
}

func (s *RedisStore) ClaimExecutionStatus(ctx context.Context, id string, from, to api.ExecutionStatus) (bool, error) {
	key := s.keyExecution(id)
	claimed := false

	txf := func(tx *redis.Tx) error {
		claimed = false

		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrExecutionNotFound
			}
			return err
		}
		var exec api.TransitionExecution
		if err := decodePayload(data, &exec); err != nil {
			return err
		}
		if exec.Status != from {
			return nil
		}

		exec.Status = to
		updated, err := encodePayload(&exec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		if err != nil {
			return err
		}
		claimed = true
		return nil
	}

	for i := 0; i < claimRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return claimed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return false, err
	}
	return false, redis.TxFailedErr
}

// Approval requests

func (s *RedisStore) CreateRequests(ctx context.Context, reqs []*api.ApprovalRequest) error {
	pipe := s.client.TxPipeline()
	for _, req := range reqs {
		data, err := encodePayload(req)
		if err != nil {
			return err
		}
		pipe.Set(ctx, s.keyRequest(req.ID), data, 0)
		pipe.SAdd(ctx, s.keyExecutionRequests(req.ExecutionID), req.ID)
		if req.Status == api.RequestPending {
			pipe.SAdd(ctx, s.keyPendingRequests(), req.ID)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) getRequest(ctx context.Context, id string) (*api.ApprovalRequest, error) {
	data, err := s.client.Get(ctx, s.keyRequest(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	var req api.ApprovalRequest
	if err := decodePayload(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *RedisStore) GetRequest(ctx context.Context, id string) (*api.ApprovalRequest, error) {
	return s.getRequest(ctx, id)
}

func (s *RedisStore) UpdateRequest(ctx context.Context, req *api.ApprovalRequest) error {
	key := s.keyRequest(req.ID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrRequestNotFound
	}

	data, err := encodePayload(req)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	if req.Status == api.RequestPending {
		pipe.SAdd(ctx, s.keyPendingRequests(), req.ID)
	} else {
		pipe.SRem(ctx, s.keyPendingRequests(), req.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) requestsByIDs(ctx context.Context, ids []string) ([]*api.ApprovalRequest, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyRequest(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var reqs []*api.ApprovalRequest
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		var req api.ApprovalRequest
		if err := decodePayload(data, &req); err != nil {
			return nil, err
		}
		reqs = append(reqs, &req)
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
	return reqs, nil
}

func (s *RedisStore) ListRequestsByExecution(ctx context.Context, executionID string) ([]*api.ApprovalRequest, error) {
	ids, err := s.client.SMembers(ctx, s.keyExecutionRequests(executionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return s.requestsByIDs(ctx, ids)
}

func (s *RedisStore) ListPendingRequests(ctx context.Context) ([]*api.ApprovalRequest, error) {
	ids, err := s.client.SMembers(ctx, s.keyPendingRequests()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	reqs, err := s.requestsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	// The pending index can lag behind a claim; trust the payload.
	pending := reqs[:0]
	for _, req := range reqs {
		if req.Status == api.RequestPending {
			pending = append(pending, req)
		}
	}
	return pending, nil
}

func (s *RedisStore) ListPendingByApprover(ctx context.Context, approver string) ([]*api.ApprovalRequest, error) {
	reqs, err := s.ListPendingRequests(ctx)
	if err != nil {
		return nil, err
	}

	matched := reqs[:0]
	for _, req := range reqs {
		if req.Approver == approver {
			matched = append(matched, req)
		}
	}
	return matched, nil
}

func (s *RedisStore) ClaimRequest(ctx context.Context, id string, to api.RequestStatus, comments string, respondedAt time.Time) (bool, error) {
	key := s.keyRequest(id)
	claimed := false

	txf := func(tx *redis.Tx) error {
		claimed = false

		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrRequestNotFound
			}
			return err
		}
		var req api.ApprovalRequest
		if err := decodePayload(data, &req); err != nil {
			return err
		}
		if req.Status != api.RequestPending {
			return nil
		}

		req.Status = to
		req.Comments = comments
		t := respondedAt
		req.RespondedAt = &t

		updated, err := encodePayload(&req)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			pipe.SRem(ctx, s.keyPendingRequests(), id)
			return nil
		})
		if err != nil {
			return err
		}
		claimed = true
		return nil
	}

	for i := 0; i < claimRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return claimed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return false, err
	}
	return false, redis.TxFailedErr
}

func (s *RedisStore) ExpirePendingSiblings(ctx context.Context, executionID, exceptRequestID string) (int, error) {
	reqs, err := s.ListRequestsByExecution(ctx, executionID)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, req := range reqs {
		if req.ID == exceptRequestID || req.Status != api.RequestPending {
			continue
		}
		// Reuse the claim so a racing responder keeps its win.
		ok, err := s.ClaimRequest(ctx, req.ID, api.RequestExpired, req.Comments, time.Now())
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (s *RedisStore) CountPending(ctx context.Context, executionID string) (int, error) {
	reqs, err := s.ListRequestsByExecution(ctx, executionID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, req := range reqs {
		if req.Status == api.RequestPending {
			count++
		}
	}
	return count, nil
}

// Record states

func (s *RedisStore) UpsertRecordState(ctx context.Context, rs *api.RecordState) error {
	data, err := encodePayload(rs)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.keyRecordState(rs.BlueprintID, rs.RecordID), data, 0).Err()
}

func (s *RedisStore) GetRecordState(ctx context.Context, blueprintID, recordID string) (*api.RecordState, error) {
	data, err := s.client.Get(ctx, s.keyRecordState(blueprintID, recordID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRecordStateNotFound
		}
		return nil, err
	}
	var rs api.RecordState
	if err := decodePayload(data, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// SLA instances

func (s *RedisStore) CreateSLAInstance(ctx context.Context, inst *api.SLAInstance) error {
	data, err := encodePayload(inst)
	if err != nil {
		return err
	}

	if inst.CompletedAt == nil {
		ok, err := s.client.SetNX(ctx, s.keyActiveSLA(inst.BlueprintID, inst.RecordID), inst.ID, 0).Result()
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflictingSLAInstance
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keySLA(inst.ID), data, 0)
	if inst.CompletedAt == nil {
		pipe.SAdd(ctx, s.keyActiveSLAs(), inst.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) UpdateSLAInstance(ctx context.Context, inst *api.SLAInstance) error {
	key := s.keySLA(inst.ID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrSLAInstanceNotFound
	}

	data, err := encodePayload(inst)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	if inst.CompletedAt != nil {
		pipe.SRem(ctx, s.keyActiveSLAs(), inst.ID)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return err
	}

	if inst.CompletedAt != nil {
		return s.releaseActiveSLASlot(ctx, inst)
	}
	return nil
}

func (s *RedisStore) releaseActiveSLASlot(ctx context.Context, inst *api.SLAInstance) error {
	key := s.keyActiveSLA(inst.BlueprintID, inst.RecordID)
	holder, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if holder != inst.ID {
		return nil
	}
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) getSLAInstance(ctx context.Context, id string) (*api.SLAInstance, error) {
	data, err := s.client.Get(ctx, s.keySLA(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSLAInstanceNotFound
		}
		return nil, err
	}
	var inst api.SLAInstance
	if err := decodePayload(data, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *RedisStore) GetActiveSLAInstance(ctx context.Context, blueprintID, recordID string) (*api.SLAInstance, error) {
	id, err := s.client.Get(ctx, s.keyActiveSLA(blueprintID, recordID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSLAInstanceNotFound
		}
		return nil, err
	}

	inst, err := s.getSLAInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.CompletedAt != nil {
		return nil, ErrSLAInstanceNotFound
	}
	return inst, nil
}

func (s *RedisStore) ListActiveSLAInstances(ctx context.Context) ([]*api.SLAInstance, error) {
	ids, err := s.client.SMembers(ctx, s.keyActiveSLAs()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var instances []*api.SLAInstance
	for _, id := range ids {
		inst, err := s.getSLAInstance(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSLAInstanceNotFound) {
				continue
			}
			return nil, err
		}
		if inst.CompletedAt != nil {
			continue
		}
		instances = append(instances, inst)
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].StartedAt.Before(instances[j].StartedAt)
	})
	return instances, nil
}
