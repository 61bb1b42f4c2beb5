package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nexocrm/blueprint/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of all stores, backed by
// maps. Values are copied on the way in and out so callers can never mutate
// stored state without going through the store; the Claim* methods rely on
// that for their compare-and-swap semantics.
type InMemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]api.BlueprintDefinition
	executions  map[string]*api.TransitionExecution
	requests    map[string]*api.ApprovalRequest
	states      map[string]*api.RecordState // key: blueprintID + "\x00" + recordID
	slas        map[string]*api.SLAInstance
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		definitions: make(map[string]api.BlueprintDefinition),
		executions:  make(map[string]*api.TransitionExecution),
		requests:    make(map[string]*api.ApprovalRequest),
		states:      make(map[string]*api.RecordState),
		slas:        make(map[string]*api.SLAInstance),
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ DefinitionStore  = (*InMemoryStore)(nil)
	_ ExecutionStore   = (*InMemoryStore)(nil)
	_ ApprovalStore    = (*InMemoryStore)(nil)
	_ RecordStateStore = (*InMemoryStore)(nil)
	_ SLAStore         = (*InMemoryStore)(nil)
)

func stateKey(blueprintID, recordID string) string {
	return blueprintID + "\x00" + recordID
}

func copyExecution(exec *api.TransitionExecution) *api.TransitionExecution {
	c := *exec
	if exec.ActionResults != nil {
		c.ActionResults = make(map[string]api.ActionResult, len(exec.ActionResults))
		for k, v := range exec.ActionResults {
			c.ActionResults[k] = v
		}
	}
	if exec.CompletedAt != nil {
		t := *exec.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func copyRequest(req *api.ApprovalRequest) *api.ApprovalRequest {
	c := *req
	if req.RespondedAt != nil {
		t := *req.RespondedAt
		c.RespondedAt = &t
	}
	if req.RemindedAt != nil {
		t := *req.RemindedAt
		c.RemindedAt = &t
	}
	return &c
}

func copyRecordState(rs *api.RecordState) *api.RecordState {
	c := *rs
	if rs.LastTransitionAt != nil {
		t := *rs.LastTransitionAt
		c.LastTransitionAt = &t
	}
	return &c
}

func copySLAInstance(inst *api.SLAInstance) *api.SLAInstance {
	c := *inst
	if inst.CompletedAt != nil {
		t := *inst.CompletedAt
		c.CompletedAt = &t
	}
	c.TriggeredEscalations = append([]string(nil), inst.TriggeredEscalations...)
	return &c
}

// Definitions

func (s *InMemoryStore) SaveDefinition(def api.BlueprintDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.definitions[def.ID] = def
	return nil
}

func (s *InMemoryStore) GetDefinition(id string) (api.BlueprintDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[id]
	if !ok {
		return api.BlueprintDefinition{}, ErrDefinitionNotFound
	}
	return def, nil
}

func (s *InMemoryStore) ListDefinitions() ([]api.BlueprintDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]api.BlueprintDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// Executions

func (s *InMemoryStore) CreateExecution(ctx context.Context, exec *api.TransitionExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.executions {
		if e.BlueprintID == exec.BlueprintID && e.RecordID == exec.RecordID && !e.Status.Terminal() {
			return ErrConflictingExecution
		}
	}

	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

func (s *InMemoryStore) UpdateExecution(ctx context.Context, exec *api.TransitionExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; !ok {
		return ErrExecutionNotFound
	}
	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

func (s *InMemoryStore) GetExecution(ctx context.Context, id string) (*api.TransitionExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return copyExecution(exec), nil
}

func (s *InMemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.TransitionExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.TransitionExecution
	for _, exec := range s.executions {
		if filter.BlueprintID != "" && exec.BlueprintID != filter.BlueprintID {
			continue
		}
		if filter.RecordID != "" && exec.RecordID != filter.RecordID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		result = append(result, copyExecution(exec))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	return result, nil
}

func (s *InMemoryStore) ClaimExecutionStatus(ctx context.Context, id string, from, to api.ExecutionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return false, ErrExecutionNotFound
	}
	if exec.Status != from {
		return false, nil
	}
	exec.Status = to
	return true, nil
}

// Approval requests

func (s *InMemoryStore) CreateRequests(ctx context.Context, reqs []*api.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range reqs {
		s.requests[req.ID] = copyRequest(req)
	}
	return nil
}

func (s *InMemoryStore) GetRequest(ctx context.Context, id string) (*api.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return copyRequest(req), nil
}

func (s *InMemoryStore) UpdateRequest(ctx context.Context, req *api.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[req.ID]; !ok {
		return ErrRequestNotFound
	}
	s.requests[req.ID] = copyRequest(req)
	return nil
}

func (s *InMemoryStore) ListRequestsByExecution(ctx context.Context, executionID string) ([]*api.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.ApprovalRequest
	for _, req := range s.requests {
		if req.ExecutionID == executionID {
			result = append(result, copyRequest(req))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *InMemoryStore) ListPendingRequests(ctx context.Context) ([]*api.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.ApprovalRequest
	for _, req := range s.requests {
		if req.Status == api.RequestPending {
			result = append(result, copyRequest(req))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *InMemoryStore) ListPendingByApprover(ctx context.Context, approver string) ([]*api.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.ApprovalRequest
	for _, req := range s.requests {
		if req.Status == api.RequestPending && req.Approver == approver {
			result = append(result, copyRequest(req))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *InMemoryStore) ClaimRequest(ctx context.Context, id string, to api.RequestStatus, comments string, respondedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return false, ErrRequestNotFound
	}
	if req.Status != api.RequestPending {
		return false, nil
	}
	req.Status = to
	req.Comments = comments
	t := respondedAt
	req.RespondedAt = &t
	return true, nil
}

func (s *InMemoryStore) ExpirePendingSiblings(ctx context.Context, executionID, exceptRequestID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for _, req := range s.requests {
		if req.ExecutionID != executionID || req.ID == exceptRequestID {
			continue
		}
		if req.Status == api.RequestPending {
			req.Status = api.RequestExpired
			expired++
		}
	}
	return expired, nil
}

func (s *InMemoryStore) CountPending(ctx context.Context, executionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, req := range s.requests {
		if req.ExecutionID == executionID && req.Status == api.RequestPending {
			count++
		}
	}
	return count, nil
}

// Record states

func (s *InMemoryStore) UpsertRecordState(ctx context.Context, rs *api.RecordState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[stateKey(rs.BlueprintID, rs.RecordID)] = copyRecordState(rs)
	return nil
}

func (s *InMemoryStore) GetRecordState(ctx context.Context, blueprintID, recordID string) (*api.RecordState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.states[stateKey(blueprintID, recordID)]
	if !ok {
		return nil, ErrRecordStateNotFound
	}
	return copyRecordState(rs), nil
}

// SLA instances

func (s *InMemoryStore) CreateSLAInstance(ctx context.Context, inst *api.SLAInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.slas {
		if existing.BlueprintID == inst.BlueprintID && existing.RecordID == inst.RecordID && existing.CompletedAt == nil {
			return ErrConflictingSLAInstance
		}
	}

	s.slas[inst.ID] = copySLAInstance(inst)
	return nil
}

func (s *InMemoryStore) UpdateSLAInstance(ctx context.Context, inst *api.SLAInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.slas[inst.ID]; !ok {
		return ErrSLAInstanceNotFound
	}
	s.slas[inst.ID] = copySLAInstance(inst)
	return nil
}

func (s *InMemoryStore) GetActiveSLAInstance(ctx context.Context, blueprintID, recordID string) (*api.SLAInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inst := range s.slas {
		if inst.BlueprintID == blueprintID && inst.RecordID == recordID && inst.CompletedAt == nil {
			return copySLAInstance(inst), nil
		}
	}
	return nil, ErrSLAInstanceNotFound
}

func (s *InMemoryStore) ListActiveSLAInstances(ctx context.Context) ([]*api.SLAInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.SLAInstance
	for _, inst := range s.slas {
		if inst.CompletedAt == nil {
			result = append(result, copySLAInstance(inst))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result, nil
}
