// Package tenant keeps the tenant → subscription mapping the budget
// controller looks up on every admission.
package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/apperror"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// Store reads and writes tenants. Unknown tenants yield not_found.
type Store interface {
	UpsertTenant(ctx context.Context, t *models.Tenant) error
	Tenant(ctx context.Context, id string) (*models.Tenant, error)
	SubscriptionTier(ctx context.Context, tenantID string) (string, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]models.Tenant
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]models.Tenant), now: time.Now}
}

// UpsertTenant implements Store.
func (m *MemoryStore) UpsertTenant(_ context.Context, t *models.Tenant) error {
	if t.ID == "" {
		return apperror.New(apperror.KindValidationFailed, "tenant id is required")
	}
	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tenants[t.ID]; ok {
		t.CreatedAt = existing.CreatedAt
	} else {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	m.tenants[t.ID] = *t
	return nil
}

// Tenant implements Store.
func (m *MemoryStore) Tenant(_ context.Context, id string) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, apperror.New(apperror.KindNotFound, "no tenant "+id)
	}
	return &t, nil
}

// SubscriptionTier implements Store.
func (m *MemoryStore) SubscriptionTier(ctx context.Context, tenantID string) (string, error) {
	t, err := m.Tenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return t.SubscriptionTier, nil
}
