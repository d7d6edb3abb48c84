package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/apperror"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/cache"
)

// Locker provides single-flight access to a business's workflow state.
// TryLock never waits: a held lock yields a workflow_busy error.
type Locker interface {
	TryLock(ctx context.Context, businessID string) (unlock func(), err error)
}

// MemoryLocker serializes transitions within one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// TryLock implements Locker.
func (l *MemoryLocker) TryLock(_ context.Context, businessID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[businessID]; busy {
		return nil, apperror.WorkflowBusy(businessID)
	}
	l.held[businessID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, businessID)
			l.mu.Unlock()
		})
	}, nil
}

// RedisLocker serializes transitions across replicas with a token-guarded
// Redis key. The key is renewed every third of the TTL while held, so the
// TTL only bounds how long a crashed replica blocks a business.
type RedisLocker struct {
	cache  *cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(c *cache.Cache, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RedisLocker{cache: c, ttl: ttl, logger: logger}
}

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context, businessID string) (func(), error) {
	lock, err := l.cache.TryLock(ctx, "workflow:"+businessID, l.ttl)
	if errors.Is(err, cache.ErrLockHeld) {
		return nil, apperror.WorkflowBusy(businessID)
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "acquiring workflow lock", err)
	}

	bg := context.WithoutCancel(ctx)
	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.renew(bg, businessID, lock, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			uctx, cancel := context.WithTimeout(bg, 5*time.Second)
			defer cancel()
			released, err := l.cache.Unlock(uctx, lock)
			if err != nil {
				l.logger.Error("releasing workflow lock", "business_id", businessID, "error", err)
			} else if !released {
				l.logger.Warn("workflow lock lost before release", "business_id", businessID, "ttl", l.ttl)
			}
		})
	}, nil
}

// renew extends lock until stop is closed or the lock is lost.
func (l *RedisLocker) renew(ctx context.Context, businessID string, lock *cache.Lock, stop <-chan struct{}) {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, interval)
			held, err := l.cache.Extend(rctx, lock, l.ttl)
			cancel()
			switch {
			case err != nil:
				l.logger.Warn("renewing workflow lock", "business_id", businessID, "error", err)
			case !held:
				l.logger.Error("workflow lock lost while held", "business_id", businessID, "ttl", l.ttl)
				return
			}
		}
	}
}
