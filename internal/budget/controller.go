// Package budget enforces per-tenant spending ceilings.
//
// Every model call is admitted before dispatch: the Controller estimates the
// cost from the task's tier pricing, then atomically checks it against the
// tenant's daily and monthly limits and writes a reservation to the ledger.
// After the call the reservation is reconciled, committed at actual cost or
// released. Admission is based on an estimate, so a tenant may end up over
// its limit by at most the estimate-to-actual delta of the tasks in flight
// when the limit was crossed; no further admission passes after that.
package budget

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/apperror"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/config"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// Estimator resolves task types to tier pricing.
type Estimator interface {
	Route(taskType string) (router.Route, error)
	Tier(name models.TierName) (models.ModelTier, bool)
}

// SubscriptionLookup resolves a tenant's subscription tier name.
type SubscriptionLookup interface {
	SubscriptionTier(ctx context.Context, tenantID string) (string, error)
}

// Admission is the result of Admit.
type Admission struct {
	Allowed       bool            `json:"allowed"`
	ReservationID string          `json:"reservation_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Warning       string          `json:"warning,omitempty"`
	TaskID        string          `json:"task_id"`
	EstimatedCost float64         `json:"estimated_cost"`
	Tier          models.TierName `json:"tier"`
	Subscription  string          `json:"subscription"`
}

// Controller admits tasks against tenant budgets and reconciles their cost.
type Controller struct {
	estimator Estimator
	catalog   *config.Catalog
	ledger    Ledger
	subs      SubscriptionLookup
	logger    *slog.Logger
	now       func() time.Time

	admissions metric.Int64Counter
}

// NewController creates a Controller. subs may be nil, in which case every
// tenant is on the catalog's default subscription.
func NewController(est Estimator, catalog *config.Catalog, ledger Ledger, subs SubscriptionLookup, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Controller{
		estimator: est,
		catalog:   catalog,
		ledger:    ledger,
		subs:      subs,
		logger:    logger.With("component", "budget"),
		now:       time.Now,
	}
	c.admissions, _ = otel.Meter("meridian/budget").Int64Counter("meridian.budget.admissions",
		metric.WithDescription("Budget admission decisions by outcome"))
	return c
}

// Ledger returns the underlying ledger.
func (c *Controller) Ledger() Ledger {
	return c.ledger
}

// Admit estimates the cost of running taskType for inputSizeEstimate tokens
// and, if the tenant may afford it, reserves that amount.
func (c *Controller) Admit(ctx context.Context, tenantID, taskType string, inputSizeEstimate int64) (Admission, error) {
	return c.AdmitRequest(ctx, models.TaskRequest{
		TaskID:            uuid.NewString(),
		TaskType:          taskType,
		TenantID:          tenantID,
		InputSizeEstimate: inputSizeEstimate,
		CreatedAt:         c.now(),
	})
}

// AdmitRequest is Admit for a caller-built TaskRequest.
//
// Checks run in order: tier restriction, daily limit, monthly limit. A
// refusal is reported in the Admission, not as an error; errors mean the
// decision could not be made. The daily and monthly windows are those of
// the admission time, never of req.CreatedAt.
func (c *Controller) AdmitRequest(ctx context.Context, req models.TaskRequest) (Admission, error) {
	if req.TenantID == "" {
		return Admission{}, apperror.New(apperror.KindValidationFailed, "tenant_id is required")
	}
	if req.InputSizeEstimate < 0 {
		return Admission{}, apperror.New(apperror.KindValidationFailed, "input_size_estimate must not be negative")
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}

	route, err := c.estimator.Route(req.TaskType)
	if err != nil {
		return Admission{}, err
	}
	tier := route.Tier
	sub, err := c.subscription(ctx, req.TenantID)
	if err != nil {
		return Admission{}, err
	}

	adm := Admission{
		TaskID:        req.TaskID,
		EstimatedCost: tier.Cost(req.InputSizeEstimate, tier.EstimatedOutputTokens),
		Tier:          tier.Name,
		Subscription:  sub.Name,
	}

	if !tierAllowed(tier, sub) {
		adm.Reason = ReasonTierRestricted
		c.count(ctx, "refused", adm.Reason)
		c.logger.Info("admission refused",
			"tenant_id", req.TenantID, "task_type", req.TaskType, "tier", tier.Name, "reason", adm.Reason)
		return adm, nil
	}

	entry := models.LedgerEntry{
		ID:            uuid.NewString(),
		TenantID:      req.TenantID,
		TaskID:        req.TaskID,
		TaskType:      req.TaskType,
		Tier:          tier.Name,
		Timestamp:     c.now().UTC(),
		EstimatedCost: adm.EstimatedCost,
		Status:        models.LedgerReserved,
	}
	decision, err := c.ledger.Reserve(ctx, entry, Limits{
		Daily:   sub.DailyLimit,
		Monthly: sub.MonthlyLimit,
		Hard:    sub.HardLimit,
	})
	if err != nil {
		return Admission{}, apperror.Wrap(apperror.KindInternal, "reserving budget", err)
	}

	if !decision.Allowed {
		adm.Reason = decision.Reason
		c.count(ctx, "refused", adm.Reason)
		c.logger.Info("admission refused",
			"tenant_id", req.TenantID, "task_type", req.TaskType, "estimated_cost", adm.EstimatedCost,
			"spent_today", decision.Totals.SpentToday, "spent_this_month", decision.Totals.SpentThisMonth,
			"reason", adm.Reason)
		return adm, nil
	}

	adm.Allowed = true
	adm.ReservationID = entry.ID
	if decision.OverLimit != "" {
		adm.Warning = decision.OverLimit
		c.logger.Warn("soft limit exceeded, admitting",
			"tenant_id", req.TenantID, "subscription", sub.Name, "limit", decision.OverLimit,
			"estimated_cost", adm.EstimatedCost)
	}
	c.count(ctx, "admitted", adm.Warning)
	return adm, nil
}

// Reconcile commits the reservation at actualCost, or releases it when
// actualCost is nil. Reconciling an already reconciled reservation is a no-op.
func (c *Controller) Reconcile(ctx context.Context, reservationID string, actualCost *float64) error {
	if reservationID == "" {
		return apperror.New(apperror.KindValidationFailed, "reservation_id is required")
	}
	if actualCost != nil && *actualCost < 0 {
		return apperror.New(apperror.KindValidationFailed, "actual_cost must not be negative")
	}

	out, err := c.ledger.Reconcile(ctx, reservationID, actualCost, c.now())
	if err != nil {
		if apperror.KindOf(err) == apperror.KindNotFound {
			return err
		}
		return apperror.Wrap(apperror.KindInternal, "reconciling reservation "+reservationID, err)
	}
	if !out.Applied {
		c.logger.Debug("reservation already reconciled", "reservation_id", reservationID, "status", out.Entry.Status)
		return nil
	}

	if actualCost != nil && *actualCost > out.Entry.EstimatedCost {
		c.logger.Info("actual cost above estimate",
			"reservation_id", reservationID, "tenant_id", out.Entry.TenantID,
			"estimated", out.Entry.EstimatedCost, "actual", *actualCost)
	}
	return nil
}

// State derives the tenant's current budget position from the ledger.
func (c *Controller) State(ctx context.Context, tenantID string) (models.TenantBudgetState, error) {
	sub, err := c.subscription(ctx, tenantID)
	if err != nil {
		return models.TenantBudgetState{}, err
	}
	totals, err := c.ledger.Totals(ctx, tenantID, c.now())
	if err != nil {
		return models.TenantBudgetState{}, apperror.Wrap(apperror.KindInternal, "summing ledger", err)
	}
	return models.TenantBudgetState{
		TenantID:         tenantID,
		SubscriptionTier: sub.Name,
		DailyLimit:       sub.DailyLimit,
		MonthlyLimit:     sub.MonthlyLimit,
		SpentToday:       totals.SpentToday,
		SpentThisMonth:   totals.SpentThisMonth,
		ReservedToday:    totals.ReservedToday,
	}, nil
}

// TierAllowed reports whether the tenant's subscription may use tier.
func (c *Controller) TierAllowed(ctx context.Context, tenantID string, tier models.TierName) (bool, error) {
	sub, err := c.subscription(ctx, tenantID)
	if err != nil {
		return false, err
	}
	t, ok := c.estimator.Tier(tier)
	if !ok {
		return false, nil
	}
	return tierAllowed(t, sub), nil
}

func (c *Controller) subscription(ctx context.Context, tenantID string) (models.Subscription, error) {
	name := ""
	if c.subs != nil {
		var err error
		name, err = c.subs.SubscriptionTier(ctx, tenantID)
		if err != nil && apperror.KindOf(err) != apperror.KindNotFound {
			return models.Subscription{}, apperror.Wrap(apperror.KindInternal,
				fmt.Sprintf("looking up subscription for tenant %s", tenantID), err)
		}
	}
	sub := c.catalog.Subscription(name)
	if name != "" && sub.Name != name {
		c.logger.Warn("unknown subscription tier, using default",
			"tenant_id", tenantID, "subscription", name, "default", sub.Name)
	}
	return sub, nil
}

func tierAllowed(tier models.ModelTier, sub models.Subscription) bool {
	if !sub.AllowsTier(tier.Name) {
		return false
	}
	if len(tier.AllowedSubscriptions) == 0 {
		return true
	}
	for _, s := range tier.AllowedSubscriptions {
		if s == sub.Name {
			return true
		}
	}
	return false
}

func (c *Controller) count(ctx context.Context, outcome, reason string) {
	c.admissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("reason", reason)))
}
