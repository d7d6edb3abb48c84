package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/apperror"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// Store persists business contexts, workflow states and stage results.
// Lookups of absent records return an error of kind not_found.
type Store interface {
	LoadBusinessContext(ctx context.Context, businessID string) (map[string]any, error)
	SaveBusinessContext(ctx context.Context, businessID, tenantID string, bc map[string]any) error

	LoadWorkflowState(ctx context.Context, businessID string) (*models.WorkflowState, error)
	// SaveWorkflowState writes st if the stored version equals st.Version
	// (zero for a new state) and then increments st.Version. A mismatch
	// returns ErrVersionConflict.
	SaveWorkflowState(ctx context.Context, st *models.WorkflowState) error

	// SaveStageResult appends a result; results are never overwritten.
	SaveStageResult(ctx context.Context, res *models.StageResult) error
	StageResult(ctx context.Context, id string) (*models.StageResult, error)
	// ListStageResults returns every result of a business, oldest first.
	ListStageResults(ctx context.Context, businessID string) ([]models.StageResult, error)
}

// ErrVersionConflict reports a workflow state written by someone else since
// it was loaded.
var ErrVersionConflict = &apperror.Error{
	Kind:      apperror.KindWorkflowBusy,
	Message:   "workflow state modified concurrently",
	Retryable: true,
}

// CloneState deep-copies a workflow state.
func CloneState(st *models.WorkflowState) *models.WorkflowState {
	if st == nil {
		return nil
	}
	out := *st
	out.StageResults = make(map[models.Stage]models.StageResultRef, len(st.StageResults))
	for k, v := range st.StageResults {
		if v.Completeness != nil {
			c := *v.Completeness
			v.Completeness = &c
		}
		out.StageResults[k] = v
	}
	out.Iterations = make(map[models.Stage]int, len(st.Iterations))
	for k, v := range st.Iterations {
		out.Iterations[k] = v
	}
	if st.LastError != nil {
		le := *st.LastError
		out.LastError = &le
	}
	if st.ArchivedAt != nil {
		at := *st.ArchivedAt
		out.ArchivedAt = &at
	}
	return &out
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	contexts map[string]map[string]any
	states   map[string]*models.WorkflowState
	results  map[string]models.StageResult
	byBiz    map[string][]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contexts: make(map[string]map[string]any),
		states:   make(map[string]*models.WorkflowState),
		results:  make(map[string]models.StageResult),
		byBiz:    make(map[string][]string),
	}
}

// LoadBusinessContext implements Store.
func (m *MemoryStore) LoadBusinessContext(_ context.Context, businessID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bc, ok := m.contexts[businessID]
	if !ok {
		return nil, apperror.New(apperror.KindNotFound, "no business context for "+businessID)
	}
	out := make(map[string]any, len(bc))
	for k, v := range bc {
		out[k] = v
	}
	return out, nil
}

// SaveBusinessContext implements Store.
func (m *MemoryStore) SaveBusinessContext(_ context.Context, businessID, _ string, bc map[string]any) error {
	cp := make(map[string]any, len(bc))
	for k, v := range bc {
		cp[k] = v
	}
	m.mu.Lock()
	m.contexts[businessID] = cp
	m.mu.Unlock()
	return nil
}

// LoadWorkflowState implements Store.
func (m *MemoryStore) LoadWorkflowState(_ context.Context, businessID string) (*models.WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[businessID]
	if !ok {
		return nil, apperror.New(apperror.KindNotFound, "no workflow for business "+businessID)
	}
	return CloneState(st), nil
}

// SaveWorkflowState implements Store.
func (m *MemoryStore) SaveWorkflowState(_ context.Context, st *models.WorkflowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if existing, ok := m.states[st.BusinessID]; ok {
		current = existing.Version
	}
	if current != st.Version {
		return ErrVersionConflict
	}
	st.Version++
	m.states[st.BusinessID] = CloneState(st)
	return nil
}

// SaveStageResult implements Store.
func (m *MemoryStore) SaveStageResult(_ context.Context, res *models.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.results[res.ID]; exists {
		return apperror.New(apperror.KindInvalidState, "stage result "+res.ID+" already written")
	}
	m.results[res.ID] = *res
	m.byBiz[res.BusinessID] = append(m.byBiz[res.BusinessID], res.ID)
	return nil
}

// StageResult implements Store.
func (m *MemoryStore) StageResult(_ context.Context, id string) (*models.StageResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.results[id]
	if !ok {
		return nil, apperror.New(apperror.KindNotFound, "no stage result "+id)
	}
	return &res, nil
}

// ListStageResults implements Store.
func (m *MemoryStore) ListStageResults(_ context.Context, businessID string) ([]models.StageResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.StageResult, 0, len(m.byBiz[businessID]))
	for _, id := range m.byBiz[businessID] {
		out = append(out, m.results[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
