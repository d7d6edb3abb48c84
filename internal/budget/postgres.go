package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// PostgresLedger stores reservations in the ledger_entries table. Admission
// runs in a transaction holding a per-tenant advisory lock, so concurrent
// reservations for one tenant serialize while other tenants proceed.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a ledger over pool. The schema is created by
// database.DB.Migrate.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

const totalsQuery = `
	SELECT
		COALESCE(SUM(charge) FILTER (WHERE timestamp >= $2 AND timestamp < $3), 0),
		COALESCE(SUM(charge), 0),
		COALESCE(SUM(estimated_cost) FILTER (WHERE status = 'reserved' AND timestamp >= $2 AND timestamp < $3), 0)
	FROM (
		SELECT timestamp, status, estimated_cost,
			CASE status
				WHEN 'reserved' THEN estimated_cost
				WHEN 'committed' THEN COALESCE(actual_cost, estimated_cost)
				ELSE 0
			END AS charge
		FROM ledger_entries
		WHERE tenant_id = $1 AND timestamp >= $4 AND timestamp < $5
	) e`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryTotals(ctx context.Context, q querier, tenantID string, at time.Time) (Totals, error) {
	day, month := DayStart(at), MonthStart(at)
	var t Totals
	err := q.QueryRow(ctx, totalsQuery, tenantID,
		day, day.AddDate(0, 0, 1), month, month.AddDate(0, 1, 0),
	).Scan(&t.SpentToday, &t.SpentThisMonth, &t.ReservedToday)
	if err != nil {
		return Totals{}, fmt.Errorf("summing ledger for tenant %s: %w", tenantID, err)
	}
	return t, nil
}

// Reserve implements Ledger.
func (l *PostgresLedger) Reserve(ctx context.Context, entry models.LedgerEntry, limits Limits) (Decision, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Decision{}, fmt.Errorf("beginning reservation: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", entry.TenantID); err != nil {
		return Decision{}, fmt.Errorf("locking tenant %s: %w", entry.TenantID, err)
	}

	totals, err := queryTotals(ctx, tx, entry.TenantID, entry.Timestamp)
	if err != nil {
		return Decision{}, err
	}
	reason := check(totals, entry.EstimatedCost, limits)
	if reason != "" && limits.Hard {
		return Decision{Allowed: false, Reason: reason, Totals: totals}, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, tenant_id, task_id, task_type, tier, timestamp, estimated_cost, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'reserved')
	`, entry.ID, entry.TenantID, entry.TaskID, entry.TaskType, string(entry.Tier),
		entry.Timestamp.UTC(), entry.EstimatedCost)
	if err != nil {
		return Decision{}, fmt.Errorf("inserting reservation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Decision{}, fmt.Errorf("committing reservation: %w", err)
	}
	return Decision{Allowed: true, OverLimit: reason, Totals: totals}, nil
}

const entryColumns = `id, tenant_id, task_id, task_type, tier, timestamp, estimated_cost, actual_cost, status, reconciled_at`

func scanEntry(row pgx.Row) (models.LedgerEntry, error) {
	var (
		e      models.LedgerEntry
		tier   string
		status string
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.TaskID, &e.TaskType, &tier,
		&e.Timestamp, &e.EstimatedCost, &e.ActualCost, &status, &e.ReconciledAt)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	e.Tier = models.TierName(tier)
	e.Status = models.LedgerStatus(status)
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

// Reconcile implements Ledger. The status guard in the UPDATE makes the
// transition happen at most once.
func (l *PostgresLedger) Reconcile(ctx context.Context, reservationID string, actualCost *float64, at time.Time) (ReconcileOutcome, error) {
	status := models.LedgerReleased
	if actualCost != nil {
		status = models.LedgerCommitted
	}
	e, err := scanEntry(l.pool.QueryRow(ctx, `
		UPDATE ledger_entries
		SET status = $2, actual_cost = $3, reconciled_at = $4
		WHERE id = $1 AND status = 'reserved'
		RETURNING `+entryColumns,
		reservationID, string(status), actualCost, at.UTC()))
	if err == nil {
		return ReconcileOutcome{Entry: e, Applied: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ReconcileOutcome{}, fmt.Errorf("reconciling reservation %s: %w", reservationID, err)
	}

	existing, err := l.Entry(ctx, reservationID)
	if err != nil {
		return ReconcileOutcome{}, err
	}
	return ReconcileOutcome{Entry: existing, Applied: false}, nil
}

// Totals implements Ledger.
func (l *PostgresLedger) Totals(ctx context.Context, tenantID string, at time.Time) (Totals, error) {
	return queryTotals(ctx, l.pool, tenantID, at)
}

// Entry implements Ledger.
func (l *PostgresLedger) Entry(ctx context.Context, reservationID string) (models.LedgerEntry, error) {
	e, err := scanEntry(l.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, reservationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LedgerEntry{}, ErrReservationNotFound
	}
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("loading reservation %s: %w", reservationID, err)
	}
	return e, nil
}

// Entries returns a tenant's entries, oldest first.
func (l *PostgresLedger) Entries(ctx context.Context, tenantID string) ([]models.LedgerEntry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE tenant_id = $1 ORDER BY timestamp, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing ledger for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
