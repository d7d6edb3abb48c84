// Package api implements the REST endpoints of Meridian: routing lookups,
// budget admission, tenant subscriptions, the business pipeline, its
// progress stream and cost analytics.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/app"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// Version is reported by the health endpoint.
var Version = "0.1.0"

// sseKeepAlive is how often an idle event stream gets a ping.
const sseKeepAlive = 15 * time.Second

// Handlers provides REST API endpoint handlers.
type Handlers struct {
	svc    *app.Services
	logger *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(svc *app.Services, logger *slog.Logger) *Handlers {
	return &Handlers{svc: svc, logger: logger.With("component", "api")}
}

// HealthCheck returns the service health status and that of each backend.
func (h *Handlers) HealthCheck(c *gin.Context) {
	backends := h.svc.Health(c.Request.Context())
	status, code := "healthy", http.StatusOK
	for _, s := range backends {
		if s != "healthy" {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{
		"status":   status,
		"service":  "meridian",
		"version":  Version,
		"backends": backends,
	})
}

// ListRoutes returns every known task type with its tier.
func (h *Handlers) ListRoutes(c *gin.Context) {
	tasks := h.svc.Catalog.TaskTypes()
	routes := make([]router.Route, 0, len(tasks))
	for _, task := range tasks {
		route, err := h.svc.Router.Route(task)
		if err != nil {
			writeError(c, err)
			return
		}
		routes = append(routes, route)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(routes), "data": routes})
}

// GetRoute resolves one task type. Query param: input_tokens.
func (h *Handlers) GetRoute(c *gin.Context) {
	taskType := c.Param("task_type")
	route, err := h.svc.Router.Route(taskType)
	if err != nil {
		writeError(c, err)
		return
	}
	input, err := strconv.ParseInt(c.DefaultQuery("input_tokens", "0"), 10, 64)
	if err != nil || input < 0 {
		badRequest(c, "input_tokens must be a non-negative integer")
		return
	}
	cost, _, err := h.svc.Router.EstimateCost(taskType, input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"route":          route,
		"estimated_cost": cost,
	})
}

// AdmitRequest is the body of POST /budget/admit. When Prompt is set and
// InputSizeEstimate is not, the estimate is derived from the prompt.
type AdmitRequest struct {
	TenantID          string `json:"tenant_id" binding:"required"`
	TaskType          string `json:"task_type" binding:"required"`
	InputSizeEstimate int64  `json:"input_size_estimate" binding:"gte=0"`
	Prompt            string `json:"prompt"`
}

// Admit reserves budget for one task. A refusal is 402, or 403 when the
// subscription does not include the task's tier.
func (h *Handlers) Admit(c *gin.Context) {
	var req AdmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.InputSizeEstimate == 0 && req.Prompt != "" {
		req.InputSizeEstimate = router.EstimateTokenCount(req.Prompt)
	}

	adm, err := h.svc.Budget.AdmitRequest(c.Request.Context(), models.TaskRequest{
		TenantID:          req.TenantID,
		TaskType:          req.TaskType,
		InputSizeEstimate: req.InputSizeEstimate,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	switch {
	case adm.Allowed:
		c.JSON(http.StatusOK, adm)
	case adm.Reason == budget.ReasonTierRestricted:
		c.JSON(http.StatusForbidden, adm)
	default:
		c.JSON(http.StatusPaymentRequired, adm)
	}
}

// ReconcileRequest is the body of POST /budget/reconcile. A missing
// actual_cost releases the reservation.
type ReconcileRequest struct {
	ReservationID string   `json:"reservation_id" binding:"required"`
	ActualCost    *float64 `json:"actual_cost"`
}

// Reconcile commits or releases a reservation.
func (h *Handlers) Reconcile(c *gin.Context) {
	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.svc.Budget.Reconcile(c.Request.Context(), req.ReservationID, req.ActualCost); err != nil {
		writeError(c, err)
		return
	}
	status := string(models.LedgerCommitted)
	if req.ActualCost == nil {
		status = string(models.LedgerReleased)
	}
	c.JSON(http.StatusOK, gin.H{"reservation_id": req.ReservationID, "status": status})
}

// GetTenantBudget returns the tenant's spend against its limits.
func (h *Handlers) GetTenantBudget(c *gin.Context) {
	state, err := h.svc.Budget.State(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// PutTenantRequest is the body of PUT /tenants/:id.
type PutTenantRequest struct {
	Name             string `json:"name"`
	SubscriptionTier string `json:"subscription_tier" binding:"required"`
}

// PutTenant creates or updates a tenant's subscription.
func (h *Handlers) PutTenant(c *gin.Context) {
	var req PutTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if _, ok := h.svc.Catalog.Subscriptions[req.SubscriptionTier]; !ok {
		badRequest(c, "unknown subscription tier "+strconv.Quote(req.SubscriptionTier))
		return
	}
	t := &models.Tenant{ID: c.Param("id"), Name: req.Name, SubscriptionTier: req.SubscriptionTier}
	if err := h.svc.Tenants.UpsertTenant(c.Request.Context(), t); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// GetTenant returns one tenant.
func (h *Handlers) GetTenant(c *gin.Context) {
	t, err := h.svc.Tenants.Tenant(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// StartWorkflowRequest is the body of POST /workflows.
type StartWorkflowRequest struct {
	BusinessID string         `json:"business_id" binding:"required"`
	TenantID   string         `json:"tenant_id" binding:"required"`
	Context    map[string]any `json:"context"`
}

// StartWorkflow creates the pipeline for a business.
func (h *Handlers) StartWorkflow(c *gin.Context) {
	var req StartWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	st, err := h.svc.Orchestrator.Start(c.Request.Context(), req.BusinessID, req.TenantID, req.Context)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

// GetWorkflow returns the workflow state.
func (h *Handlers) GetWorkflow(c *gin.Context) {
	st, err := h.svc.Orchestrator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// AdvanceWorkflow executes the current stage.
func (h *Handlers) AdvanceWorkflow(c *gin.Context) {
	h.transition(c, h.svc.Orchestrator.Advance)
}

// RetryWorkflow moves a failed workflow back to the stage that failed.
func (h *Handlers) RetryWorkflow(c *gin.Context) {
	h.transition(c, h.svc.Orchestrator.Retry)
}

func (h *Handlers) transition(c *gin.Context, fn func(context.Context, string) (*models.WorkflowState, error)) {
	st, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// RunWorkflow advances until the workflow is done or fails. With
// ?async=true it runs detached from the request and returns 202, once the
// workflow is known to be runnable and its lock is taken.
func (h *Handlers) RunWorkflow(c *gin.Context) {
	id := c.Param("id")
	if c.Query("async") != "true" {
		h.transition(c, h.svc.Orchestrator.Run)
		return
	}

	st, err := h.svc.Orchestrator.RunAsync(c.Request.Context(), id, nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, st)
}

// RouteBackRequest is the body of POST /workflows/:id/route-back.
type RouteBackRequest struct {
	Target models.Stage `json:"target" binding:"required"`
}

// RouteBackWorkflow re-enters an earlier stage.
func (h *Handlers) RouteBackWorkflow(c *gin.Context) {
	var req RouteBackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	st, err := h.svc.Orchestrator.RouteBack(c.Request.Context(), c.Param("id"), req.Target)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ListResults returns every stage result of the business, oldest first.
func (h *Handlers) ListResults(c *gin.Context) {
	results, err := h.svc.Orchestrator.Results(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(results), "data": results})
}

// StreamEvents sends the current state, then every progress event of the
// business as server-sent events until the workflow is done or the client
// disconnects.
func (h *Handlers) StreamEvents(c *gin.Context) {
	id := c.Param("id")
	st, err := h.svc.Orchestrator.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	events, cancel := h.svc.Broker.Subscribe(id)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("state", st)
	if st.CurrentStage == models.StageDone {
		return
	}
	c.Writer.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(ev.Kind, ev)
			return ev.Kind != models.EventWorkflowDone
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
}

// GetInsights returns cost insights, most severe first.
func (h *Handlers) GetInsights(c *gin.Context) {
	insights, err := h.svc.Insights.Insights(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(insights), "data": insights})
}

// GetReport summarizes usage. Query params: from, to (RFC3339); the
// default period is the last 30 days.
func (h *Handlers) GetReport(c *gin.Context) {
	from, to, ok := timeRange(c)
	if !ok {
		return
	}
	report, err := h.svc.Insights.GenerateReport(c.Request.Context(), from, to)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetCostSummary returns aggregated cost data.
// Query params: dimension (tenant|task_type|model|provider), from, to
func (h *Handlers) GetCostSummary(c *gin.Context) {
	if h.svc.Costs == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "unavailable", Message: "cost summaries need the postgres backend"})
		return
	}
	from, to, ok := timeRange(c)
	if !ok {
		return
	}
	dimension := c.DefaultQuery("dimension", "tenant")
	summaries, err := h.svc.Costs.CostSummary(c.Request.Context(), dimension, from, to)
	if err != nil {
		writeError(c, err)
		return
	}
	sort.SliceStable(summaries, func(i, j int) bool { return summaries[i].TotalCostUSD > summaries[j].TotalCostUSD })
	c.JSON(http.StatusOK, gin.H{
		"dimension": dimension,
		"from":      from,
		"to":        to,
		"data":      summaries,
	})
}

func timeRange(c *gin.Context) (from, to time.Time, ok bool) {
	now := time.Now().UTC()
	to, from = now, now.AddDate(0, 0, -30)
	var err error
	if s := c.Query("from"); s != "" {
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			badRequest(c, "invalid 'from' date format, use RFC3339")
			return
		}
	}
	if s := c.Query("to"); s != "" {
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			badRequest(c, "invalid 'to' date format, use RFC3339")
			return
		}
	}
	if !from.Before(to) {
		badRequest(c, "'from' must be before 'to'")
		return
	}
	return from, to, true
}
