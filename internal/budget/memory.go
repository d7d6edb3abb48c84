package budget

import (
	"context"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// MemoryLedger is an in-process Ledger. Admission is serialized per tenant
// by a mutex; tenants do not contend with each other.
type MemoryLedger struct {
	mu      sync.Mutex
	tenants map[string]*tenantLedger
	byID    map[string]*tenantLedger
}

type tenantLedger struct {
	mu      sync.Mutex
	entries []models.LedgerEntry
	index   map[string]int
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		tenants: make(map[string]*tenantLedger),
		byID:    make(map[string]*tenantLedger),
	}
}

func (m *MemoryLedger) tenant(id string) *tenantLedger {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		t = &tenantLedger{index: make(map[string]int)}
		m.tenants[id] = t
	}
	return t
}

func (t *tenantLedger) totals(at time.Time) Totals {
	var out Totals
	for _, e := range t.entries {
		out.accumulate(e, at)
	}
	return out
}

// Reserve implements Ledger.
func (m *MemoryLedger) Reserve(_ context.Context, entry models.LedgerEntry, limits Limits) (Decision, error) {
	t := m.tenant(entry.TenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	totals := t.totals(entry.Timestamp)
	reason := check(totals, entry.EstimatedCost, limits)
	if reason != "" && limits.Hard {
		return Decision{Allowed: false, Reason: reason, Totals: totals}, nil
	}

	entry.Status = models.LedgerReserved
	entry.ActualCost = nil
	entry.ReconciledAt = nil
	t.index[entry.ID] = len(t.entries)
	t.entries = append(t.entries, entry)

	m.mu.Lock()
	m.byID[entry.ID] = t
	m.mu.Unlock()

	return Decision{Allowed: true, OverLimit: reason, Totals: totals}, nil
}

// Reconcile implements Ledger.
func (m *MemoryLedger) Reconcile(_ context.Context, reservationID string, actualCost *float64, at time.Time) (ReconcileOutcome, error) {
	m.mu.Lock()
	t, ok := m.byID[reservationID]
	m.mu.Unlock()
	if !ok {
		return ReconcileOutcome{}, ErrReservationNotFound
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[t.index[reservationID]]
	if e.Status != models.LedgerReserved {
		return ReconcileOutcome{Entry: *e, Applied: false}, nil
	}

	at = at.UTC()
	e.ReconciledAt = &at
	if actualCost != nil {
		cost := *actualCost
		e.ActualCost = &cost
		e.Status = models.LedgerCommitted
	} else {
		e.Status = models.LedgerReleased
	}
	return ReconcileOutcome{Entry: *e, Applied: true}, nil
}

// Totals implements Ledger.
func (m *MemoryLedger) Totals(_ context.Context, tenantID string, at time.Time) (Totals, error) {
	t := m.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals(at), nil
}

// Entry implements Ledger.
func (m *MemoryLedger) Entry(_ context.Context, reservationID string) (models.LedgerEntry, error) {
	m.mu.Lock()
	t, ok := m.byID[reservationID]
	m.mu.Unlock()
	if !ok {
		return models.LedgerEntry{}, ErrReservationNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[t.index[reservationID]], nil
}

// Entries returns a copy of every entry recorded for a tenant, oldest first.
func (m *MemoryLedger) Entries(tenantID string) []models.LedgerEntry {
	t := m.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.LedgerEntry(nil), t.entries...)
}
