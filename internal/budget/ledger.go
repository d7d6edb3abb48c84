package budget

import (
	"context"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/apperror"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// Refusal reasons returned by Admit.
const (
	ReasonTierRestricted  = "model_tier_restricted"
	ReasonDailyExceeded   = "daily_budget_exceeded"
	ReasonMonthlyExceeded = "monthly_budget_exceeded"
)

// limitEpsilon absorbs float rounding when comparing spend against a limit.
const limitEpsilon = 1e-9

// Limits are the ceilings applied to one admission. Zero means unlimited.
// When Hard is false an admission past a limit is still reserved.
type Limits struct {
	Daily   float64
	Monthly float64
	Hard    bool
}

// Totals are spend sums over the UTC day and month containing a point in time.
// Committed entries count at actual cost, reserved entries at their estimate.
type Totals struct {
	SpentToday     float64
	SpentThisMonth float64
	ReservedToday  float64
}

// Decision is the outcome of an atomic check-and-reserve.
type Decision struct {
	Allowed bool
	// Reason is set when the reservation was refused.
	Reason string
	// OverLimit names the limit a soft-limit reservation went past.
	OverLimit string
	// Totals before the reservation.
	Totals Totals
}

// ReconcileOutcome reports what Reconcile did.
type ReconcileOutcome struct {
	Entry models.LedgerEntry
	// Applied is false when the reservation had already been reconciled.
	Applied bool
}

// Ledger is the append-only store of budget reservations. Implementations
// must make Reserve a single atomic operation per tenant: two concurrent
// reservations may never both pass a check that only has room for one.
type Ledger interface {
	// Reserve checks entry.EstimatedCost against limits and, if admitted,
	// writes entry with status reserved.
	Reserve(ctx context.Context, entry models.LedgerEntry, limits Limits) (Decision, error)
	// Reconcile commits a reservation at actualCost, or releases it when
	// actualCost is nil. A reservation is reconciled at most once.
	Reconcile(ctx context.Context, reservationID string, actualCost *float64, at time.Time) (ReconcileOutcome, error)
	// Totals sums the tenant's entries over the day and month containing at.
	Totals(ctx context.Context, tenantID string, at time.Time) (Totals, error)
	// Entry returns one ledger entry.
	Entry(ctx context.Context, reservationID string) (models.LedgerEntry, error)
}

// ErrReservationNotFound is returned for unknown reservation ids.
var ErrReservationNotFound = apperror.New(apperror.KindNotFound, "reservation not found")

// check returns the reason estimate cannot be admitted on top of t, or "".
func check(t Totals, estimate float64, l Limits) string {
	if exceeds(t.SpentToday, estimate, l.Daily) {
		return ReasonDailyExceeded
	}
	if exceeds(t.SpentThisMonth, estimate, l.Monthly) {
		return ReasonMonthlyExceeded
	}
	return ""
}

func exceeds(spent, add, limit float64) bool {
	return limit > 0 && spent+add > limit+limitEpsilon
}

// DayStart returns the start of the UTC day containing t.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthStart returns the start of the UTC month containing t.
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// accumulate adds one entry's charge to the totals for the window of at.
func (t *Totals) accumulate(e models.LedgerEntry, at time.Time) {
	ts := e.Timestamp.UTC()
	day, month := DayStart(at), MonthStart(at)
	charge := e.Charge()
	if !ts.Before(month) && ts.Before(month.AddDate(0, 1, 0)) {
		t.SpentThisMonth += charge
	}
	if !ts.Before(day) && ts.Before(day.AddDate(0, 0, 1)) {
		t.SpentToday += charge
		if e.Status == models.LedgerReserved {
			t.ReservedToday += e.EstimatedCost
		}
	}
}
