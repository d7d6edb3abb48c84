package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// DefaultLogCapacity bounds the in-memory invocation log.
const DefaultLogCapacity = 50_000

// MemoryLog keeps the most recent invocations in process. It is both the
// recorder handed to the workflow and the Source of the insights engine
// when no database is configured.
type MemoryLog struct {
	mu       sync.RWMutex
	entries  []models.Invocation
	capacity int
}

// NewMemoryLog creates a log keeping at most capacity invocations.
func NewMemoryLog(capacity int) *MemoryLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &MemoryLog{capacity: capacity}
}

// RecordInvocation appends inv, dropping the oldest entry when full.
func (l *MemoryLog) RecordInvocation(_ context.Context, inv models.Invocation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.capacity {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, inv)
	return nil
}

// Invocations implements Source.
func (l *MemoryLog) Invocations(_ context.Context, from, to time.Time) ([]models.Invocation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []models.Invocation
	for _, inv := range l.entries {
		if !inv.Timestamp.Before(from) && inv.Timestamp.Before(to) {
			out = append(out, inv)
		}
	}
	return out, nil
}
