package progress

import (
	"context"
	"sync"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// subscriberBuffer is how many events a slow subscriber may lag before
// events to it are dropped.
const subscriberBuffer = 32

// Broker fans events out to in-process subscribers, keyed by business id.
// It backs the SSE endpoint.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan models.ProgressEvent
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]chan models.ProgressEvent)}
}

// Subscribe returns a channel of events for businessID and a function that
// cancels the subscription and closes the channel.
func (b *Broker) Subscribe(businessID string) (<-chan models.ProgressEvent, func()) {
	ch := make(chan models.ProgressEvent, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[businessID] == nil {
		b.subs[businessID] = make(map[int]chan models.ProgressEvent)
	}
	b.subs[businessID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[businessID], id)
			if len(b.subs[businessID]) == 0 {
				delete(b.subs, businessID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Emit implements Emitter. Delivery never blocks; a full subscriber misses
// the event.
func (b *Broker) Emit(_ context.Context, ev models.ProgressEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[ev.BusinessID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions for businessID.
func (b *Broker) Subscribers(businessID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[businessID])
}
