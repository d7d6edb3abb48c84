// Package workflow sequences the business pipeline.
//
// Each call to Advance performs exactly one transition for one business:
// check prerequisites, admit the stage's budget, hand the agent an
// invocation handle bound to the reservation, record the result and pick
// the next state. Transitions for one business are single-flight; a second
// caller gets workflow_busy. Failed stages are never retried automatically;
// Retry and RouteBack are explicit operations.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/apperror"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/progress"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// StageInput is what an agent receives.
type StageInput struct {
	BusinessID string
	TenantID   string
	Stage      models.Stage
	TaskType   string
	Iteration  int
	Context    map[string]any
	// Prior holds the current results of the stages this one requires.
	Prior map[models.Stage]models.StageResult
}

// Agent produces a stage's result. It may call models only through h.
// The orchestrator fills in the bookkeeping fields of the returned result;
// agents set Payload, PayloadRef, Completeness and, for analytics,
// RouteBackTo.
type Agent interface {
	Execute(ctx context.Context, in StageInput, h Handle) (*models.StageResult, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, in StageInput, h Handle) (*models.StageResult, error)

// Execute implements Agent.
func (f AgentFunc) Execute(ctx context.Context, in StageInput, h Handle) (*models.StageResult, error) {
	return f(ctx, in, h)
}

// Admitter is the budget surface the orchestrator needs.
type Admitter interface {
	AdmitRequest(ctx context.Context, req models.TaskRequest) (budget.Admission, error)
	Reconcile(ctx context.Context, reservationID string, actualCost *float64) error
}

// Options tune the orchestrator.
type Options struct {
	// RouteBackCap is how many times one stage may be re-entered.
	RouteBackCap int
	// MinCompleteness is the score a prerequisite result needs.
	MinCompleteness float64
	// RouteBackThreshold is the analytics score below which the pipeline
	// routes back.
	RouteBackThreshold float64
	// RouteBackTarget is where analytics routes back to by default.
	RouteBackTarget models.Stage
	// MaxSpendFactor caps what one stage may spend at this multiple of its
	// admitted estimate; further model calls are refused. Zero disables it.
	MaxSpendFactor float64
	InvokeTimeout  time.Duration
	Stages         []StageSpec
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		RouteBackCap:       3,
		MinCompleteness:    0.5,
		RouteBackThreshold: 0.75,
		RouteBackTarget:    models.StagePositioning,
		MaxSpendFactor:     3,
		InvokeTimeout:      60 * time.Second,
		Stages:             DefaultPipeline,
	}
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store       Store
	Locker      Locker
	Budget      Admitter
	Router      Router
	Executor    ChainExecutor
	Agents      map[models.Stage]Agent
	Emitter     progress.Emitter
	Invocations InvocationRecorder
	Logger      *slog.Logger
}

// Orchestrator owns every WorkflowState transition.
type Orchestrator struct {
	store       Store
	locker      Locker
	budget      Admitter
	router      Router
	exec        ChainExecutor
	agents      map[models.Stage]Agent
	emitter     progress.Emitter
	invocations InvocationRecorder
	logger      *slog.Logger
	opts        Options
	stages      pipeline
	now         func() time.Time

	tracer      trace.Tracer
	transitions metric.Int64Counter
}

// New validates the configuration and creates an Orchestrator. Every stage
// needs an agent and a routable task type.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Store == nil || deps.Locker == nil || deps.Budget == nil || deps.Router == nil || deps.Executor == nil {
		return nil, errors.New("workflow: store, locker, budget, router and executor are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if len(opts.Stages) == 0 {
		opts.Stages = DefaultPipeline
	}
	if opts.RouteBackCap < 0 {
		return nil, fmt.Errorf("workflow: route-back cap must not be negative, got %d", opts.RouteBackCap)
	}

	stages := pipeline(opts.Stages)
	for _, def := range stages {
		if _, ok := deps.Agents[def.Stage]; !ok {
			return nil, fmt.Errorf("workflow: no agent for stage %s", def.Stage)
		}
		if _, err := deps.Router.Route(def.TaskType); err != nil {
			return nil, fmt.Errorf("workflow: stage %s: %w", def.Stage, err)
		}
		for _, req := range def.Requires {
			if stages.index(req) < 0 || stages.index(req) >= stages.index(def.Stage) {
				return nil, fmt.Errorf("workflow: stage %s requires %s, which does not run before it", def.Stage, req)
			}
		}
	}
	if i := stages.index(opts.RouteBackTarget); i < 0 || opts.RouteBackTarget == stages.last() {
		return nil, fmt.Errorf("workflow: route-back target %q is not an earlier pipeline stage", opts.RouteBackTarget)
	}

	o := &Orchestrator{
		store:       deps.Store,
		locker:      deps.Locker,
		budget:      deps.Budget,
		router:      deps.Router,
		exec:        deps.Executor,
		agents:      deps.Agents,
		emitter:     deps.Emitter,
		invocations: deps.Invocations,
		logger:      deps.Logger.With("component", "workflow"),
		opts:        opts,
		stages:      stages,
		now:         time.Now,
		tracer:      otel.Tracer("meridian/workflow"),
	}
	o.transitions, _ = otel.Meter("meridian/workflow").Int64Counter("meridian.workflow.transitions",
		metric.WithDescription("Workflow stage transitions by stage and outcome"))
	return o, nil
}

// Start creates the workflow for a business at the intake stage. Starting an
// existing workflow of the same tenant returns it unchanged.
func (o *Orchestrator) Start(ctx context.Context, businessID, tenantID string, businessContext map[string]any) (*models.WorkflowState, error) {
	if businessID == "" || tenantID == "" {
		return nil, apperror.New(apperror.KindValidationFailed, "business_id and tenant_id are required")
	}
	unlock, err := o.locker.TryLock(ctx, businessID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := o.store.LoadWorkflowState(ctx, businessID)
	switch {
	case err == nil:
		if existing.TenantID != tenantID {
			return nil, apperror.New(apperror.KindValidationFailed,
				fmt.Sprintf("business %s belongs to another tenant", businessID))
		}
		return existing, nil
	case apperror.KindOf(err) != apperror.KindNotFound:
		return nil, err
	}

	if businessContext == nil {
		businessContext = map[string]any{}
	}
	if err := o.store.SaveBusinessContext(ctx, businessID, tenantID, businessContext); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "saving business context", err)
	}

	now := o.now().UTC()
	st := &models.WorkflowState{
		BusinessID:   businessID,
		TenantID:     tenantID,
		CurrentStage: o.stages.first(),
		StageResults: map[models.Stage]models.StageResultRef{},
		Iterations:   map[models.Stage]int{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.store.SaveWorkflowState(ctx, st); err != nil {
		return nil, err
	}
	o.logger.Info("workflow started", "business_id", businessID, "tenant_id", tenantID)
	return st, nil
}

// Get returns the current state of a business's workflow.
func (o *Orchestrator) Get(ctx context.Context, businessID string) (*models.WorkflowState, error) {
	return o.store.LoadWorkflowState(ctx, businessID)
}

// Results returns every stage result of a business, stale ones included.
func (o *Orchestrator) Results(ctx context.Context, businessID string) ([]models.StageResult, error) {
	return o.store.ListStageResults(ctx, businessID)
}

// Advance performs one transition. On failure it returns the failed state
// together with the error.
func (o *Orchestrator) Advance(ctx context.Context, businessID string) (*models.WorkflowState, error) {
	unlock, err := o.locker.TryLock(ctx, businessID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := o.store.LoadWorkflowState(ctx, businessID)
	if err != nil {
		return nil, err
	}
	return o.step(ctx, st)
}

// Run advances until the workflow reaches done or failed, or a transition
// errors.
func (o *Orchestrator) Run(ctx context.Context, businessID string) (*models.WorkflowState, error) {
	for {
		st, err := o.Advance(ctx, businessID)
		if err != nil {
			return st, err
		}
		if st.CurrentStage.Terminal() {
			return st, nil
		}
		if ctx.Err() != nil {
			return st, apperror.Wrap(apperror.KindCanceled, "workflow run canceled", ctx.Err())
		}
	}
}

// RunAsync checks that the workflow can run and takes its lock, then runs
// it to completion in the background under that lock. A busy or terminal
// workflow is refused before anything starts. done, if set, receives the
// outcome after the lock is released.
func (o *Orchestrator) RunAsync(ctx context.Context, businessID string, done func(*models.WorkflowState, error)) (*models.WorkflowState, error) {
	unlock, err := o.locker.TryLock(ctx, businessID)
	if err != nil {
		return nil, err
	}
	st, err := o.store.LoadWorkflowState(ctx, businessID)
	if err != nil {
		unlock()
		return nil, err
	}
	if st.CurrentStage.Terminal() {
		unlock()
		return st, apperror.New(apperror.KindInvalidState,
			fmt.Sprintf("workflow %s is %s and cannot run", businessID, st.CurrentStage))
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		final, err := o.runHeld(bg, businessID)
		unlock()
		if err != nil {
			o.logger.Warn("background run stopped", "business_id", businessID, "error", err)
		}
		if done != nil {
			done(final, err)
		}
	}()
	return st, nil
}

// runHeld is Run for a caller that already holds the business lock.
func (o *Orchestrator) runHeld(ctx context.Context, businessID string) (*models.WorkflowState, error) {
	for {
		st, err := o.store.LoadWorkflowState(ctx, businessID)
		if err != nil {
			return nil, err
		}
		if st, err = o.step(ctx, st); err != nil {
			return st, err
		}
		if st.CurrentStage.Terminal() {
			return st, nil
		}
	}
}

// Retry moves a failed workflow back to the stage that failed. It does not
// execute the stage; the next Advance does.
func (o *Orchestrator) Retry(ctx context.Context, businessID string) (*models.WorkflowState, error) {
	unlock, err := o.locker.TryLock(ctx, businessID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := o.store.LoadWorkflowState(ctx, businessID)
	if err != nil {
		return nil, err
	}
	if st.CurrentStage != models.StageFailed || st.LastError == nil {
		return st, apperror.New(apperror.KindInvalidState,
			fmt.Sprintf("workflow %s is %s, only failed workflows can be retried", businessID, st.CurrentStage))
	}
	stage := st.LastError.Stage
	if o.stages.index(stage) < 0 {
		stage = o.stages.first()
	}

	st.CurrentStage = stage
	st.LastError = nil
	st.ArchivedAt = nil
	st.UpdatedAt = o.now().UTC()
	if err := o.store.SaveWorkflowState(ctx, st); err != nil {
		return nil, err
	}
	o.logger.Info("workflow retry requested", "business_id", businessID, "stage", stage)
	o.emit(ctx, st, models.EventRetry, stage, nil)
	return st, nil
}

// RouteBack sends a workflow back to an earlier stage on request. The same
// per-stage cap as automatic route-back applies.
func (o *Orchestrator) RouteBack(ctx context.Context, businessID string, target models.Stage) (*models.WorkflowState, error) {
	unlock, err := o.locker.TryLock(ctx, businessID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := o.store.LoadWorkflowState(ctx, businessID)
	if err != nil {
		return nil, err
	}
	ti := o.stages.index(target)
	if ti < 0 {
		return st, apperror.New(apperror.KindValidationFailed, fmt.Sprintf("%q is not a pipeline stage", target))
	}
	switch st.CurrentStage {
	case models.StageFailed, models.StageRouteBack:
		return st, apperror.New(apperror.KindInvalidState,
			fmt.Sprintf("cannot route back from %s", st.CurrentStage))
	case models.StageDone:
	default:
		if ti >= o.stages.index(st.CurrentStage) {
			return st, apperror.New(apperror.KindValidationFailed,
				fmt.Sprintf("route-back target %s is not before current stage %s", target, st.CurrentStage))
		}
	}

	from := st.CurrentStage
	if err := o.routeBack(st, from, target); err != nil {
		return st, err
	}
	st.ArchivedAt = nil
	if err := o.save(ctx, st); err != nil {
		return nil, err
	}
	o.emit(ctx, st, models.EventRouteBack, target, map[string]any{"from": from, "iteration": st.Iterations[target]})
	return st, nil
}

// step runs one transition on a loaded state. The caller holds the lock.
func (o *Orchestrator) step(ctx context.Context, st *models.WorkflowState) (*models.WorkflowState, error) {
	if st.CurrentStage.Terminal() {
		return st, apperror.New(apperror.KindInvalidState,
			fmt.Sprintf("workflow %s is %s", st.BusinessID, st.CurrentStage))
	}
	if st.CurrentStage == models.StageRouteBack {
		o.reenter(st)
	}

	stage := st.CurrentStage
	def, ok := o.stages.lookup(stage)
	if !ok {
		return o.fail(ctx, st, stage, "", apperror.New(apperror.KindInvalidState, "unknown stage "+string(stage)))
	}
	iteration := st.Iterations[stage]

	ctx, span := o.tracer.Start(ctx, "workflow.advance", trace.WithAttributes(
		attribute.String("business_id", st.BusinessID),
		attribute.String("stage", string(stage)),
		attribute.Int("iteration", iteration)))
	defer span.End()

	// 1. Prerequisites.
	prior := make(map[models.Stage]models.StageResult, len(def.Requires))
	for _, req := range def.Requires {
		ref, ok := st.StageResults[req]
		if !ok {
			return o.failSpan(ctx, span, st, stage, "", apperror.PrerequisiteMissing(stage, req, "no current result"))
		}
		if ref.Completeness != nil && *ref.Completeness < o.opts.MinCompleteness {
			return o.failSpan(ctx, span, st, stage, "", apperror.PrerequisiteMissing(stage, req,
				fmt.Sprintf("completeness %.2f below %.2f", *ref.Completeness, o.opts.MinCompleteness)))
		}
		res, err := o.store.StageResult(ctx, ref.ResultID)
		if err != nil {
			return o.failSpan(ctx, span, st, stage, "", apperror.Wrap(apperror.KindInternal, "loading result of "+string(req), err))
		}
		prior[req] = *res
	}
	bc, err := o.store.LoadBusinessContext(ctx, st.BusinessID)
	if err != nil && apperror.KindOf(err) != apperror.KindNotFound {
		return o.failSpan(ctx, span, st, stage, "", apperror.Wrap(apperror.KindInternal, "loading business context", err))
	}
	if bc == nil {
		bc = map[string]any{}
	}

	// 2. Admission.
	adm, err := o.budget.AdmitRequest(ctx, models.TaskRequest{
		TaskID:            uuid.NewString(),
		TaskType:          def.TaskType,
		TenantID:          st.TenantID,
		InputSizeEstimate: estimateInput(bc, prior),
		CreatedAt:         o.now().UTC(),
	})
	if err != nil {
		return o.failSpan(ctx, span, st, stage, "", err)
	}
	if !adm.Allowed {
		return o.failSpan(ctx, span, st, stage, "", apperror.BudgetExceeded(adm.Reason))
	}
	o.emit(ctx, st, models.EventStageStarted, stage, map[string]any{
		"reservation_id": adm.ReservationID, "iteration": iteration, "estimated_cost": adm.EstimatedCost})

	// 3. Delegate.
	h := &invocationHandle{
		tenantID:      st.TenantID,
		reservationID: adm.ReservationID,
		ceiling:       adm.Tier,
		spendLimit:    o.opts.MaxSpendFactor * adm.EstimatedCost,
		router:        o.router,
		exec:          o.exec,
		timeout:       o.opts.InvokeTimeout,
		recorder:      o.invocations,
		logger:        o.logger,
		now:           o.now,
	}
	in := StageInput{
		BusinessID: st.BusinessID,
		TenantID:   st.TenantID,
		Stage:      stage,
		TaskType:   def.TaskType,
		Iteration:  iteration,
		Context:    bc,
		Prior:      prior,
	}
	result, agentErr := o.delegate(ctx, o.agents[stage], in, h)
	spent, model, calls := h.close()

	// Work from here on must finish even if the caller has gone away.
	rctx := context.WithoutCancel(ctx)

	if agentErr == nil && result == nil {
		agentErr = apperror.New(apperror.KindInternal, "agent returned no result")
	}
	if agentErr != nil {
		o.release(rctx, adm.ReservationID, spent)
		if ctx.Err() != nil && apperror.KindOf(agentErr) != apperror.KindCanceled {
			agentErr = apperror.Wrap(apperror.KindCanceled, "stage canceled", agentErr)
		}
		return o.failSpan(rctx, span, st, stage, adm.ReservationID, agentErr)
	}

	// 4. Record.
	now := o.now().UTC()
	result.ID = uuid.NewString()
	result.Stage = stage
	result.BusinessID = st.BusinessID
	result.ReservationID = adm.ReservationID
	result.Iteration = iteration
	result.ActualCost = spent
	result.CreatedAt = now
	if result.ModelUsed == "" {
		result.ModelUsed = model
	}
	if result.PayloadRef == "" {
		result.PayloadRef = "stage_results/" + result.ID
	}
	if stage != o.stages.last() {
		result.RouteBackTo = ""
	}

	if err := o.store.SaveStageResult(rctx, result); err != nil {
		o.commit(rctx, adm.ReservationID, spent)
		return o.failSpan(rctx, span, st, stage, adm.ReservationID, apperror.Wrap(apperror.KindInternal, "saving stage result", err))
	}
	o.commit(rctx, adm.ReservationID, spent)

	st.StageResults[stage] = models.StageResultRef{
		ResultID:     result.ID,
		Completeness: result.Completeness,
		Iteration:    iteration,
		CreatedAt:    now,
	}

	next := o.stages.next(stage)
	var routeTarget models.Stage
	if stage == o.stages.last() {
		routeTarget = o.routeBackTarget(result)
	}
	if routeTarget != "" {
		if err := o.routeBack(st, stage, routeTarget); err != nil {
			return o.failSpan(rctx, span, st, stage, adm.ReservationID, err)
		}
	} else {
		st.CurrentStage = next
		if next == models.StageDone {
			st.ArchivedAt = &now
		}
	}
	st.UpdatedAt = now
	if err := o.save(rctx, st); err != nil {
		span.RecordError(err)
		return nil, err
	}

	// 5. Emit.
	o.count(rctx, stage, "completed")
	o.logger.Info("stage completed",
		"business_id", st.BusinessID, "stage", stage, "iteration", iteration,
		"model_calls", calls, "actual_cost", spent, "next", st.CurrentStage)
	o.emit(rctx, st, models.EventStageCompleted, stage, map[string]any{
		"result_id": result.ID, "actual_cost": spent, "model_used": result.ModelUsed})
	switch st.CurrentStage {
	case models.StageRouteBack:
		o.emit(rctx, st, models.EventRouteBack, st.RouteBackTarget, map[string]any{
			"from": stage, "iteration": st.Iterations[st.RouteBackTarget]})
	case models.StageDone:
		o.emit(rctx, st, models.EventWorkflowDone, models.StageDone, nil)
	}
	return st, nil
}

// delegate runs the agent, turning a panic into an error.
func (o *Orchestrator) delegate(ctx context.Context, agent Agent, in StageInput, h Handle) (res *models.StageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("agent panicked", "business_id", in.BusinessID, "stage", in.Stage, "panic", r)
			res, err = nil, apperror.New(apperror.KindInternal, fmt.Sprintf("agent for %s panicked: %v", in.Stage, r))
		}
	}()
	return agent.Execute(ctx, in, h)
}

// routeBackTarget decides whether an analytics result sends the pipeline
// back. Only a score below the threshold does; a missing score counts as
// failed validation. The agent may name the stage to revisit.
func (o *Orchestrator) routeBackTarget(res *models.StageResult) models.Stage {
	if res.Completeness != nil && *res.Completeness >= o.opts.RouteBackThreshold {
		if res.RouteBackTo != "" {
			o.logger.Debug("ignoring route-back target of passing result",
				"business_id", res.BusinessID, "target", res.RouteBackTo, "score", *res.Completeness)
		}
		return ""
	}
	if t := res.RouteBackTo; t != "" {
		if o.stages.index(t) >= 0 && t != o.stages.last() {
			return t
		}
		o.logger.Warn("ignoring invalid route-back target from agent",
			"business_id", res.BusinessID, "target", t, "default", o.opts.RouteBackTarget)
	}
	return o.opts.RouteBackTarget
}

// routeBack moves st into route_back toward target and counts the
// re-entry, or refuses when target has been re-entered cap times.
func (o *Orchestrator) routeBack(st *models.WorkflowState, from, target models.Stage) error {
	if st.Iterations[target] >= o.opts.RouteBackCap {
		return &apperror.Error{
			Kind:      apperror.KindIterationCapReached,
			Message:   fmt.Sprintf("stage %s already re-entered %d times", target, st.Iterations[target]),
			Stage:     from,
			Iteration: st.Iterations[target],
		}
	}
	st.Iterations[target]++
	st.CurrentStage = models.StageRouteBack
	st.RouteBackTarget = target
	st.UpdatedAt = o.now().UTC()
	o.logger.Info("routing back",
		"business_id", st.BusinessID, "from", from, "target", target, "iteration", st.Iterations[target])
	return nil
}

// reenter leaves route_back for its target. Results of the target and every
// later stage become stale: they stay in the store but no longer satisfy
// prerequisites.
func (o *Orchestrator) reenter(st *models.WorkflowState) {
	target := st.RouteBackTarget
	ti := o.stages.index(target)
	if ti < 0 {
		target, ti = o.opts.RouteBackTarget, o.stages.index(o.opts.RouteBackTarget)
	}
	for _, def := range o.stages[ti:] {
		delete(st.StageResults, def.Stage)
	}
	st.CurrentStage = target
	st.RouteBackTarget = ""
}

func (o *Orchestrator) failSpan(ctx context.Context, span trace.Span, st *models.WorkflowState, stage models.Stage, reservationID string, err error) (*models.WorkflowState, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(apperror.KindOf(err)))
	return o.fail(ctx, st, stage, reservationID, err)
}

// fail moves st to failed and returns a structured error carrying the stage,
// reservation and iteration.
func (o *Orchestrator) fail(ctx context.Context, st *models.WorkflowState, stage models.Stage, reservationID string, cause error) (*models.WorkflowState, error) {
	ctx = context.WithoutCancel(ctx)
	now := o.now().UTC()
	iteration := st.Iterations[stage]

	var ae *apperror.Error
	if !errors.As(cause, &ae) {
		ae = apperror.Wrap(apperror.KindInternal, "stage "+string(stage)+" failed", cause)
	}
	out := &apperror.Error{
		Kind:          ae.Kind,
		Message:       ae.Message,
		Stage:         stage,
		ReservationID: reservationID,
		Iteration:     iteration,
		Retryable:     apperror.IsRetryable(ae) || ae.Kind == apperror.KindCanceled,
		Cause:         cause,
	}
	if error(ae) == cause {
		out.Cause = ae.Cause
	}

	st.CurrentStage = models.StageFailed
	st.RouteBackTarget = ""
	st.LastError = &models.FailureRecord{
		Kind:          string(out.Kind),
		Message:       out.Message,
		Stage:         stage,
		ReservationID: reservationID,
		Iteration:     iteration,
		Retryable:     out.Retryable,
		At:            now,
	}
	st.UpdatedAt = now
	st.ArchivedAt = &now
	if err := o.save(ctx, st); err != nil {
		o.logger.Error("saving failed workflow state", "business_id", st.BusinessID, "error", err)
	}

	o.count(ctx, stage, string(out.Kind))
	o.logger.Warn("stage failed",
		"business_id", st.BusinessID, "stage", stage, "kind", out.Kind,
		"reservation_id", reservationID, "iteration", iteration, "retryable", out.Retryable, "error", cause)
	o.emit(ctx, st, models.EventStageFailed, stage, map[string]any{
		"kind": out.Kind, "message": out.Message, "retryable": out.Retryable})
	return st, out
}

func (o *Orchestrator) release(ctx context.Context, reservationID string, spent float64) {
	if spent > 0 {
		o.logger.Warn("releasing reservation of failed stage after model spend",
			"reservation_id", reservationID, "spent", spent)
	}
	if err := o.budget.Reconcile(ctx, reservationID, nil); err != nil {
		o.logger.Error("releasing reservation", "reservation_id", reservationID, "error", err)
	}
}

func (o *Orchestrator) commit(ctx context.Context, reservationID string, spent float64) {
	if err := o.budget.Reconcile(ctx, reservationID, &spent); err != nil {
		o.logger.Error("committing reservation", "reservation_id", reservationID, "actual_cost", spent, "error", err)
	}
}

func (o *Orchestrator) save(ctx context.Context, st *models.WorkflowState) error {
	if err := o.store.SaveWorkflowState(ctx, st); err != nil {
		if apperror.KindOf(err) == apperror.KindWorkflowBusy {
			return err
		}
		return apperror.Wrap(apperror.KindInternal, "saving workflow state", err)
	}
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, st *models.WorkflowState, kind string, stage models.Stage, detail map[string]any) {
	if o.emitter == nil {
		return
	}
	ev := models.ProgressEvent{
		BusinessID: st.BusinessID,
		Kind:       kind,
		Stage:      stage,
		Percent:    o.stages.percent(st),
		Detail:     detail,
		Timestamp:  o.now().UTC(),
	}
	if err := progress.Safe(context.WithoutCancel(ctx), o.emitter, ev); err != nil {
		o.logger.Warn("progress emit failed", "business_id", st.BusinessID, "kind", kind, "error", err)
	}
}

func (o *Orchestrator) count(ctx context.Context, stage models.Stage, outcome string) {
	o.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("outcome", outcome)))
}

// estimateInput sizes the prompt an agent will build from its inputs.
func estimateInput(bc map[string]any, prior map[models.Stage]models.StageResult) int64 {
	var n int64
	if b, err := json.Marshal(bc); err == nil {
		n += router.EstimateTokenCount(string(b))
	}
	for _, res := range prior {
		n += router.EstimateTokenCount(string(res.Payload))
	}
	return n
}
