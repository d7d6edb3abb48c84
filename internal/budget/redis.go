package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// Spend counters outlive their window by a few days so late reconciliations
// still find them.
const (
	dayCounterTTL   = 3 * 24 * time.Hour
	monthCounterTTL = 35 * 24 * time.Hour
	reservationTTL  = 35 * 24 * time.Hour
)

// RedisLedger keeps running spend counters per tenant and window, plus one
// hash per reservation. Check-and-reserve runs as a single Lua script, so it
// is atomic per tenant without a distributed lock. All keys of one tenant
// share a hash tag and land in the same cluster slot.
type RedisLedger struct {
	client redis.UniversalClient
}

// NewRedisLedger creates a ledger over client.
func NewRedisLedger(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{client: client}
}

func dayKey(tenantID string, at time.Time) string {
	return fmt.Sprintf("meridian:ledger:{%s}:day:%s", tenantID, at.UTC().Format("2006-01-02"))
}

func reservedKey(tenantID string, at time.Time) string {
	return fmt.Sprintf("meridian:ledger:{%s}:reserved:%s", tenantID, at.UTC().Format("2006-01-02"))
}

func monthKey(tenantID string, at time.Time) string {
	return fmt.Sprintf("meridian:ledger:{%s}:month:%s", tenantID, at.UTC().Format("2006-01"))
}

func entriesKey(tenantID string) string {
	return fmt.Sprintf("meridian:ledger:{%s}:entries", tenantID)
}

func reservationKey(tenantID, id string) string {
	return fmt.Sprintf("meridian:ledger:{%s}:reservation:%s", tenantID, id)
}

// reservationIndexKey maps a reservation id to its tenant.
func reservationIndexKey(id string) string {
	return "meridian:reservation:" + id
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 10, 64)
}

// reserveLua atomically checks the day and month counters and, if admitted,
// increments them and writes the reservation.
//
// KEYS: day, month, reserved, reservation hash, entries list, index
// ARGV: estimate, daily limit, monthly limit, hard (1/0), epsilon,
//
//	day ttl, month ttl, reservation ttl, id, tenant, task id, task type,
//	tier, timestamp
var reserveLua = redis.NewScript(`
	local day = tonumber(redis.call('GET', KEYS[1]) or '0')
	local month = tonumber(redis.call('GET', KEYS[2]) or '0')
	local reserved = tonumber(redis.call('GET', KEYS[3]) or '0')
	local est = tonumber(ARGV[1])
	local dl = tonumber(ARGV[2])
	local ml = tonumber(ARGV[3])
	local eps = tonumber(ARGV[5])

	local reason = ''
	if dl > 0 and day + est > dl + eps then
		reason = 'daily_budget_exceeded'
	elseif ml > 0 and month + est > ml + eps then
		reason = 'monthly_budget_exceeded'
	end
	if reason ~= '' and ARGV[4] == '1' then
		return {0, reason, tostring(day), tostring(month), tostring(reserved)}
	end

	redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
	redis.call('INCRBYFLOAT', KEYS[2], ARGV[1])
	redis.call('INCRBYFLOAT', KEYS[3], ARGV[1])
	if redis.call('TTL', KEYS[1]) == -1 then redis.call('EXPIRE', KEYS[1], ARGV[6]) end
	if redis.call('TTL', KEYS[3]) == -1 then redis.call('EXPIRE', KEYS[3], ARGV[6]) end
	if redis.call('TTL', KEYS[2]) == -1 then redis.call('EXPIRE', KEYS[2], ARGV[7]) end

	redis.call('HSET', KEYS[4],
		'id', ARGV[9], 'tenant_id', ARGV[10], 'task_id', ARGV[11], 'task_type', ARGV[12],
		'tier', ARGV[13], 'timestamp', ARGV[14], 'estimated_cost', ARGV[1], 'status', 'reserved')
	redis.call('EXPIRE', KEYS[4], ARGV[8])
	redis.call('RPUSH', KEYS[5], ARGV[9])
	redis.call('EXPIRE', KEYS[5], ARGV[8])
	redis.call('SET', KEYS[6], ARGV[10], 'EX', ARGV[8])

	return {1, reason, tostring(day), tostring(month), tostring(reserved)}
`)

// reconcileLua moves a reservation out of the reserved state exactly once and
// adjusts the counters it was charged to.
//
// KEYS: reservation hash, day, month, reserved
// ARGV: "commit" or "release", actual cost, reconciled-at timestamp
// Returns -1 when missing, 0 when already reconciled, 1 when applied.
var reconcileLua = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	if redis.call('HGET', KEYS[1], 'status') ~= 'reserved' then
		return 0
	end
	local est = tonumber(redis.call('HGET', KEYS[1], 'estimated_cost'))
	redis.call('INCRBYFLOAT', KEYS[4], tostring(-est))
	if ARGV[1] == 'commit' then
		local delta = tonumber(ARGV[2]) - est
		redis.call('INCRBYFLOAT', KEYS[2], tostring(delta))
		redis.call('INCRBYFLOAT', KEYS[3], tostring(delta))
		redis.call('HSET', KEYS[1], 'status', 'committed', 'actual_cost', ARGV[2], 'reconciled_at', ARGV[3])
	else
		redis.call('INCRBYFLOAT', KEYS[2], tostring(-est))
		redis.call('INCRBYFLOAT', KEYS[3], tostring(-est))
		redis.call('HSET', KEYS[1], 'status', 'released', 'reconciled_at', ARGV[3])
	end
	return 1
`)

// Reserve implements Ledger.
func (l *RedisLedger) Reserve(ctx context.Context, entry models.LedgerEntry, limits Limits) (Decision, error) {
	hard := "0"
	if limits.Hard {
		hard = "1"
	}
	ts := entry.Timestamp.UTC()
	keys := []string{
		dayKey(entry.TenantID, ts),
		monthKey(entry.TenantID, ts),
		reservedKey(entry.TenantID, ts),
		reservationKey(entry.TenantID, entry.ID),
		entriesKey(entry.TenantID),
		reservationIndexKey(entry.ID),
	}
	res, err := reserveLua.Run(ctx, l.client, keys,
		formatFloat(entry.EstimatedCost),
		formatFloat(limits.Daily),
		formatFloat(limits.Monthly),
		hard,
		formatFloat(limitEpsilon),
		int(dayCounterTTL/time.Second),
		int(monthCounterTTL/time.Second),
		int(reservationTTL/time.Second),
		entry.ID, entry.TenantID, entry.TaskID, entry.TaskType, string(entry.Tier),
		ts.Format(time.RFC3339Nano),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("budget: reserve for tenant %s: %w", entry.TenantID, err)
	}
	if len(res) != 5 {
		return Decision{}, fmt.Errorf("budget: unexpected reserve reply of %d elements", len(res))
	}

	allowed, _ := res[0].(int64)
	reason, _ := res[1].(string)
	totals := Totals{
		SpentToday:     parseFloat(res[2]),
		SpentThisMonth: parseFloat(res[3]),
		ReservedToday:  parseFloat(res[4]),
	}
	if allowed != 1 {
		return Decision{Allowed: false, Reason: reason, Totals: totals}, nil
	}
	return Decision{Allowed: true, OverLimit: reason, Totals: totals}, nil
}

// Reconcile implements Ledger.
func (l *RedisLedger) Reconcile(ctx context.Context, reservationID string, actualCost *float64, at time.Time) (ReconcileOutcome, error) {
	entry, err := l.Entry(ctx, reservationID)
	if err != nil {
		return ReconcileOutcome{}, err
	}

	mode, actual := "release", "0"
	if actualCost != nil {
		mode, actual = "commit", formatFloat(*actualCost)
	}
	keys := []string{
		reservationKey(entry.TenantID, reservationID),
		dayKey(entry.TenantID, entry.Timestamp),
		monthKey(entry.TenantID, entry.Timestamp),
		reservedKey(entry.TenantID, entry.Timestamp),
	}
	applied, err := reconcileLua.Run(ctx, l.client, keys, mode, actual, at.UTC().Format(time.RFC3339Nano)).Int64()
	if err != nil {
		return ReconcileOutcome{}, fmt.Errorf("budget: reconcile %s: %w", reservationID, err)
	}
	if applied == -1 {
		return ReconcileOutcome{}, ErrReservationNotFound
	}

	updated, err := l.Entry(ctx, reservationID)
	if err != nil {
		return ReconcileOutcome{}, err
	}
	return ReconcileOutcome{Entry: updated, Applied: applied == 1}, nil
}

// Totals implements Ledger.
func (l *RedisLedger) Totals(ctx context.Context, tenantID string, at time.Time) (Totals, error) {
	vals, err := l.client.MGet(ctx, dayKey(tenantID, at), monthKey(tenantID, at), reservedKey(tenantID, at)).Result()
	if err != nil {
		return Totals{}, fmt.Errorf("budget: totals for tenant %s: %w", tenantID, err)
	}
	return Totals{
		SpentToday:     parseFloat(vals[0]),
		SpentThisMonth: parseFloat(vals[1]),
		ReservedToday:  parseFloat(vals[2]),
	}, nil
}

// Entry implements Ledger.
func (l *RedisLedger) Entry(ctx context.Context, reservationID string) (models.LedgerEntry, error) {
	tenantID, err := l.client.Get(ctx, reservationIndexKey(reservationID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.LedgerEntry{}, ErrReservationNotFound
	}
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("budget: lookup reservation %s: %w", reservationID, err)
	}

	fields, err := l.client.HGetAll(ctx, reservationKey(tenantID, reservationID)).Result()
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("budget: load reservation %s: %w", reservationID, err)
	}
	if len(fields) == 0 {
		return models.LedgerEntry{}, ErrReservationNotFound
	}
	return entryFromHash(fields)
}

// Entries returns the tenant's reservation ids, oldest first.
func (l *RedisLedger) Entries(ctx context.Context, tenantID string) ([]string, error) {
	ids, err := l.client.LRange(ctx, entriesKey(tenantID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("budget: list entries for tenant %s: %w", tenantID, err)
	}
	return ids, nil
}

func entryFromHash(f map[string]string) (models.LedgerEntry, error) {
	ts, err := time.Parse(time.RFC3339Nano, f["timestamp"])
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("budget: reservation %s has bad timestamp: %w", f["id"], err)
	}
	e := models.LedgerEntry{
		ID:            f["id"],
		TenantID:      f["tenant_id"],
		TaskID:        f["task_id"],
		TaskType:      f["task_type"],
		Tier:          models.TierName(f["tier"]),
		Timestamp:     ts,
		EstimatedCost: parseFloat(f["estimated_cost"]),
		Status:        models.LedgerStatus(f["status"]),
	}
	if v, ok := f["actual_cost"]; ok {
		cost := parseFloat(v)
		e.ActualCost = &cost
	}
	if v, ok := f["reconciled_at"]; ok {
		if at, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.ReconciledAt = &at
		}
	}
	return e, nil
}

func parseFloat(v any) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
