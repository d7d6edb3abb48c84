//go:build integration

package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisLedger(t *testing.T) {
	ctx := context.Background()
	ledger := NewRedisLedger(setupRedis(t))
	now := time.Now().UTC()

	newEntry := func(tenant string, cost float64) models.LedgerEntry {
		return models.LedgerEntry{
			ID: uuid.NewString(), TenantID: tenant, TaskID: uuid.NewString(),
			TaskType: "market_research", Tier: models.TierMini, Timestamp: now,
			EstimatedCost: cost, Status: models.LedgerReserved,
		}
	}

	t.Run("concurrent reservations never overshoot", func(t *testing.T) {
		limits := Limits{Daily: 5, Monthly: 100, Hard: true}
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			allowed int
		)
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := ledger.Reserve(ctx, newEntry("race", 1), limits)
				if !assert.NoError(t, err) {
					return
				}
				if d.Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 5, allowed)

		totals, err := ledger.Totals(ctx, "race", now)
		require.NoError(t, err)
		assert.InDelta(t, 5.0, totals.SpentToday, 1e-9)

		ids, err := ledger.Entries(ctx, "race")
		require.NoError(t, err)
		assert.Len(t, ids, 5)
	})

	t.Run("reconcile commits and releases once", func(t *testing.T) {
		limits := Limits{Daily: 10, Monthly: 100, Hard: true}
		a, b := newEntry("recon", 2), newEntry("recon", 3)
		for _, e := range []models.LedgerEntry{a, b} {
			d, err := ledger.Reserve(ctx, e, limits)
			require.NoError(t, err)
			require.True(t, d.Allowed)
		}

		actual := 2.5
		out, err := ledger.Reconcile(ctx, a.ID, &actual, now)
		require.NoError(t, err)
		assert.True(t, out.Applied)
		assert.Equal(t, models.LedgerCommitted, out.Entry.Status)
		require.NotNil(t, out.Entry.ActualCost)
		assert.InDelta(t, 2.5, *out.Entry.ActualCost, 1e-9)

		out, err = ledger.Reconcile(ctx, a.ID, nil, now)
		require.NoError(t, err)
		assert.False(t, out.Applied)

		out, err = ledger.Reconcile(ctx, b.ID, nil, now)
		require.NoError(t, err)
		assert.Equal(t, models.LedgerReleased, out.Entry.Status)

		totals, err := ledger.Totals(ctx, "recon", now)
		require.NoError(t, err)
		assert.InDelta(t, 2.5, totals.SpentToday, 1e-9)
		assert.InDelta(t, 2.5, totals.SpentThisMonth, 1e-9)
		assert.InDelta(t, 0, totals.ReservedToday, 1e-9)

		_, err = ledger.Reconcile(ctx, "missing", nil, now)
		assert.ErrorIs(t, err, ErrReservationNotFound)
	})

	t.Run("soft limit admits with warning", func(t *testing.T) {
		d, err := ledger.Reserve(ctx, newEntry("soft", 3), Limits{Daily: 2, Hard: false})
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, ReasonDailyExceeded, d.OverLimit)
	})
}
