package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/apperror"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/config"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/executor"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/provider"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

const (
	testBusiness = "biz-1"
	testTenant   = "tenant-1"
)

// fakeExec serves every chain from its primary unless fn overrides it.
type fakeExec struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, chain models.FallbackChain) (*executor.InvocationResult, error)
}

func (f *fakeExec) Execute(ctx context.Context, chain models.FallbackChain, _ provider.Request, _ time.Duration) (*executor.InvocationResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, chain.Primary().Model)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, chain)
	}
	c := chain.Primary()
	return &executor.InvocationResult{
		Content:    `{"ok":true}`,
		TokensIn:   100,
		TokensOut:  200,
		ActualCost: 0.01,
		ModelUsed:  c.Model,
		Provider:   c.Provider,
		Tier:       c.Tier,
		Attempts:   1,
	}, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (l *eventLog) Emit(_ context.Context, ev models.ProgressEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) kinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

type memoryInvocations struct {
	mu   sync.Mutex
	logs []models.Invocation
}

func (m *memoryInvocations) RecordInvocation(_ context.Context, inv models.Invocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, inv)
	return nil
}

type fixedSubscription string

func (f fixedSubscription) SubscriptionTier(context.Context, string) (string, error) {
	return string(f), nil
}

type harness struct {
	t           *testing.T
	orch        *Orchestrator
	store       *MemoryStore
	ledger      *budget.MemoryLedger
	exec        *fakeExec
	events      *eventLog
	invocations *memoryInvocations

	mu       sync.Mutex
	behavior map[models.Stage]AgentFunc
	runs     map[models.Stage]int
}

type harnessOption func(*Options, *Deps)

func withSubscription(name string) harnessOption {
	return func(_ *Options, d *Deps) {
		ctrl := d.Budget.(*budget.Controller)
		catalog, _ := config.LoadCatalog("")
		rt := d.Router.(*router.Router)
		d.Budget = budget.NewController(rt, catalog, ctrl.Ledger(), fixedSubscription(name), nil)
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	catalog, err := config.LoadCatalog("")
	require.NoError(t, err)
	rt, err := router.NewRouter(catalog)
	require.NoError(t, err)

	h := &harness{
		t:           t,
		store:       NewMemoryStore(),
		ledger:      budget.NewMemoryLedger(),
		exec:        &fakeExec{},
		events:      &eventLog{},
		invocations: &memoryInvocations{},
		behavior:    make(map[models.Stage]AgentFunc),
		runs:        make(map[models.Stage]int),
	}

	agents := make(map[models.Stage]Agent)
	for _, def := range DefaultPipeline {
		stage := def.Stage
		agents[stage] = AgentFunc(func(ctx context.Context, in StageInput, hd Handle) (*models.StageResult, error) {
			h.mu.Lock()
			h.runs[stage]++
			fn := h.behavior[stage]
			h.mu.Unlock()
			if fn != nil {
				return fn(ctx, in, hd)
			}
			return scored(0.9)(ctx, in, hd)
		})
	}

	o := DefaultOptions()
	d := Deps{
		Store:       h.store,
		Locker:      NewMemoryLocker(),
		Budget:      budget.NewController(rt, catalog, h.ledger, nil, nil),
		Router:      rt,
		Executor:    h.exec,
		Agents:      agents,
		Emitter:     h.events,
		Invocations: h.invocations,
	}
	for _, opt := range opts {
		opt(&o, &d)
	}
	h.orch, err = New(d, o)
	require.NoError(t, err)

	_, err = h.orch.Start(context.Background(), testBusiness, testTenant, map[string]any{"name": "Acme Coffee"})
	require.NoError(t, err)
	return h
}

// scored is an agent that makes one model call and reports score.
func scored(score float64) AgentFunc {
	return func(ctx context.Context, in StageInput, hd Handle) (*models.StageResult, error) {
		if _, err := hd.Call(ctx, in.TaskType, provider.Request{Prompt: "run " + string(in.Stage)}); err != nil {
			return nil, err
		}
		s := score
		return &models.StageResult{Payload: json.RawMessage(`{"stage":"` + string(in.Stage) + `"}`), Completeness: &s}, nil
	}
}

func (h *harness) set(stage models.Stage, fn AgentFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.behavior[stage] = fn
}

func (h *harness) runCount(stage models.Stage) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs[stage]
}

// advanceTo advances until the current stage is target.
func (h *harness) advanceTo(target models.Stage) *models.WorkflowState {
	h.t.Helper()
	st, err := h.orch.Get(context.Background(), testBusiness)
	require.NoError(h.t, err)
	for st.CurrentStage != target {
		require.False(h.t, st.CurrentStage.Terminal(), "reached %s before %s", st.CurrentStage, target)
		st, err = h.orch.Advance(context.Background(), testBusiness)
		require.NoError(h.t, err)
	}
	return st
}

func (h *harness) assertNothingReserved() {
	h.t.Helper()
	for _, e := range h.ledger.Entries(testTenant) {
		assert.NotEqual(h.t, models.LedgerReserved, e.Status, "reservation %s left reserved", e.ID)
	}
}

func TestRun_CompletesPipeline(t *testing.T) {
	h := newHarness(t)

	st, err := h.orch.Run(context.Background(), testBusiness)
	require.NoError(t, err)

	assert.Equal(t, models.StageDone, st.CurrentStage)
	assert.NotNil(t, st.ArchivedAt)
	assert.Len(t, st.StageResults, len(DefaultPipeline))

	results, err := h.orch.Results(context.Background(), testBusiness)
	require.NoError(t, err)
	require.Len(t, results, len(DefaultPipeline))
	for i, res := range results {
		assert.Equal(t, DefaultPipeline[i].Stage, res.Stage)
		assert.NotEmpty(t, res.ReservationID)
		assert.InDelta(t, 0.01, res.ActualCost, 1e-9)
		assert.NotEmpty(t, res.ModelUsed)
		assert.Equal(t, "stage_results/"+res.ID, res.PayloadRef)
	}

	entries := h.ledger.Entries(testTenant)
	require.Len(t, entries, len(DefaultPipeline))
	for _, e := range entries {
		assert.Equal(t, models.LedgerCommitted, e.Status)
		require.NotNil(t, e.ActualCost)
		assert.InDelta(t, 0.01, *e.ActualCost, 1e-9)
	}

	assert.Len(t, h.invocations.logs, len(DefaultPipeline))
	assert.Contains(t, h.events.kinds(), models.EventWorkflowDone)
}

func TestRun_StagesExecuteInOrder(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Run(context.Background(), testBusiness)
	require.NoError(t, err)

	var started []models.Stage
	for _, ev := range h.events.events {
		if ev.Kind == models.EventStageStarted {
			started = append(started, ev.Stage)
		}
	}
	want := make([]models.Stage, 0, len(DefaultPipeline))
	for _, def := range DefaultPipeline {
		want = append(want, def.Stage)
	}
	assert.Equal(t, want, started)
}

func TestAdvance_AnalyticsBelowThresholdRoutesBack(t *testing.T) {
	h := newHarness(t)
	h.advanceTo(models.StageAnalytics)
	h.set(models.StageAnalytics, scored(0.4))

	st, err := h.orch.Advance(context.Background(), testBusiness)
	require.NoError(t, err)

	assert.Equal(t, models.StageRouteBack, st.CurrentStage)
	assert.Equal(t, models.StagePositioning, st.RouteBackTarget)
	assert.Equal(t, 1, st.Iterations[models.StagePositioning])
	assert.Contains(t, h.events.kinds(), models.EventRouteBack)
}

func TestAdvance_RouteBackReentersAndMarksLaterResultsStale(t *testing.T) {
	h := newHarness(t)
	h.advanceTo(models.StageAnalytics)
	h.set(models.StageAnalytics, scored(0.4))
	_, err := h.orch.Advance(context.Background(), testBusiness)
	require.NoError(t, err)

	var seenPrior map[models.Stage]models.StageResult
	h.set(models.StagePositioning, func(ctx context.Context, in StageInput, hd Handle) (*models.StageResult, error) {
		seenPrior = in.Prior
		assert.Equal(t, 1, in.Iteration)
		return scored(0.9)(ctx, in, hd)
	})

	st, err := h.orch.Advance(context.Background(), testBusiness)
	require.NoError(t, err)

	assert.Equal(t, models.StageICP, st.CurrentStage)
	assert.Equal(t, 1, st.StageResults[models.StagePositioning].Iteration)
	for _, stale := range []models.Stage{models.StageICP, models.StageStrategy, models.StageContent, models.StageAnalytics} {
		assert.NotContains(t, st.StageResults, stale)
	}
	assert.Contains(t, seenPrior, models.StageResearch)
	assert.Equal(t, 2, h.runCount(models.StagePositioning))

	// History is kept: the old positioning result is still listed.
	results, err := h.orch.Results(context.Background(), testBusiness)
	require.NoError(t, err)
	var positioning int
	for _, r := range results {
		if r.Stage == models.StagePositioning {
			positioning++
		}
	}
	assert.Equal(t, 2, positioning)
}

func TestRun_RouteBackCapFailsInsteadOfLooping(t *testing.T) {
	h := newHarness(t)
	h.set(models.StageAnalytics, scored(0.4))

	st, err := h.orch.Run(context.Background(), testBusiness)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrIterationCapReached))

	assert.Equal(t, models.StageFailed, st.CurrentStage)
	assert.Equal(t, 3, st.Iterations[models.StagePositioning])
	assert.Equal(t, 4, h.runCount(models.StagePositioning), "initial pass plus three re-entries")
	assert.Equal(t, 4, h.runCount(models.StageAnalytics))
	require.NotNil(t, st.LastError)
	assert.Equal(t, models.StageAnalytics, st.LastError.Stage)
	h.assertNothingReserved()
}

// withTarget scores like scored and names a route-back stage.
func withTarget(score float64, target models.Stage) AgentFunc {
	return func(ctx context.Context, in StageInput, hd Handle) (*models.StageResult, error) {
		res, err := scored(score)(ctx, in, hd)
		if err != nil {
			return nil, err
		}
		res.RouteBackTo = target
		return res, nil
	}
}

func TestAdvance_AgentRouteBackTarget(t *testing.T) {
	tests := []struct {
		name       string
		agent      AgentFunc
		wantStage  models.Stage
		wantTarget models.Stage
	}{
		{"passing score ignores target", withTarget(0.9, models.StageICP), models.StageDone, ""},
		{"low score honours target", withTarget(0.4, models.StageICP), models.StageRouteBack, models.StageICP},
		{"low score with invalid target uses default", withTarget(0.4, models.StageAnalytics), models.StageRouteBack, models.StagePositioning},
		{"low score with unknown target uses default", withTarget(0.4, "nowhere"), models.StageRouteBack, models.StagePositioning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.advanceTo(models.StageAnalytics)
			h.set(models.StageAnalytics, tt.agent)

			st, err := h.orch.Advance(context.Background(), testBusiness)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStage, st.CurrentStage)
			assert.Equal(t, tt.wantTarget, st.RouteBackTarget)
			if tt.wantTarget != "" {
				assert.Equal(t, 1, st.Iterations[tt.wantTarget])
			} else {
				assert.Empty(t, st.Iterations)
			}
		})
	}
}

func TestAdvance_UnscoredAnalyticsRoutesBack(t *testing.T) {
	h := newHarness(t)
	h.advanceTo(models.StageAnalytics)
	h.set(models.StageAnalytics, func(ctx context.Context, in StageInput, hd Handle) (*models.StageResult, error) {
		if _, err := hd.Call(ctx, in.TaskType, provider.Request{Prompt: "x"}); err != nil {
			return nil, err
		}
		return &models.StageResult{Payload: json.RawMessage(`{"text":"not json"}`)}, nil
	})

	st, err := h.orch.Advance(context.Background(), testBusiness)
	require.NoError(t, err)
	assert.Equal(t, models.StageRouteBack, st.CurrentStage)
	assert.Equal(t, models.StagePositioning, st.RouteBackTarget)
}

func TestRunAsync(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.set(models.StageIntake, func(ctx context.Context, in StageInput, hd Handle) (*models.StageResult, error) {
		<-release
		return scored(0.9)(ctx, in, hd)
	})

	type outcome struct {
		st  *models.WorkflowState
		err error
	}
	finished := make(chan outcome, 1)
	st, err := h.orch.RunAsync(context.Background(), testBusiness, func(st *models.WorkflowState, err error) {
		finished <- outcome{st, err}
	})
	require.NoError(t, err)
	assert.Equal(t, models.StageIntake, st.CurrentStage)

	_, err = h.orch.RunAsync(context.Background(), testBusiness, nil)
	assert.ErrorIs(t, err, apperror.ErrWorkflowBusy)

	close(release)
	got := <-finished
	require.NoError(t, got.err)
	assert.Equal(t, models.StageDone, got.st.CurrentStage)

	st, err = h.orch.RunAsync(context.Background(), testBusiness, nil)
	assert.ErrorIs(t, err, apperror.ErrInvalidState)
	assert.Equal(t, models.StageDone, st.CurrentStage)
	assert.Equal(t, 1, h.runCount(models.StageIntake))
}

func TestHandle_RefusesCallsPastSpendLimit(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) { o.MaxSpendFactor = 2 })
	h.exec.fn = func(_ context.Context, chain models.FallbackChain) (*executor.InvocationResult, error) {
		c := chain.Primary()
		return &executor.InvocationResult{Content: "{}", ActualCost: 100, ModelUsed: c.Model, Provider: c.Provider, Attempts: 1}, nil
	}

	var second error
	h.set(models.StageIntake, func(ctx context.Context, in StageInput, hd Handle) (*models.StageResult, error) {
		res, err := scored(0.9)(ctx, in, hd)
		if err != nil {
			return nil, err
		}
		_, second = hd.Call(ctx, in.TaskType, provider.Request{Prompt: "again"})
		return res, nil
	})

	st, err := h.orch.Advance(context.Background(), testBusiness)
	require.NoError(t, err)
	assert.Equal(t, models.StageResearch, st.CurrentStage)
	require.Error(t, second)
	assert.ErrorIs(t, second, apperror.ErrBudgetExceeded)
	assert.Len(t, h.exec.calls, 1)
	h.assertNothingReserved()
}

func TestAdvance_ConcurrentTransitionIsBusy(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.set(models.StageIntake, func(ctx context.Context, in StageInput, hd Handle) (*models.StageResult, error) {
		close(entered)
		<-release
		return scored(0.9)(ctx, in, hd)
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Advance(context.Background(), testBusiness)
		done <- err
	}()
	<-entered

	_, err := h.orch.Advance(context.Background(), testBusiness)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrWorkflowBusy))
	assert.True(t, apperror.IsRetryable(err))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.runCount(models.StageIntake))

	st, err := h.orch.Get(context.Background(), testBusiness)
	require.NoError(t, err)
	assert.Equal(t, models.StageResearch, st.CurrentStage)
}

func TestAdvance_MissingPrerequisiteFailsWithoutAdmission(t *testing.T) {
	h := newHarness(t)
	st, err := h.store.LoadWorkflowState(context.Background(), testBusiness)
	require.NoError(t, err)
	st.CurrentStage = models.StageResearch
	require.NoError(t, h.store.SaveWorkflowState(context.Background(), st))

	st, err = h.orch.Advance(context.Background(), testBusiness)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrPrerequisiteMissing))
	assert.False(t, apperror.IsRetryable(err))

	var ae *apperror.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, models.StageResearch, ae.Stage)

	assert.Equal(t, models.StageFailed, st.CurrentStage)
	assert.Equal(t, 0, h.runCount(models.StageResearch))
	assert.Empty(t, h.ledger.Entries(testTenant))
}

func TestAdvance_PrerequisiteBelowThreshold(t *testing.T) {
	h := newHarness(t)
	h.set(models.StageIntake, scored(0.2))

	_, err := h.orch.Advance(context.Background(), testBusiness)
	require.NoError(t, err)

	st, err := h.orch.Advance(context.Background(), testBusiness)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrPrerequisiteMissing))
	assert.Contains(t, err.Error(), "completeness 0.20")
	assert.Equal(t, models.StageFailed, st.CurrentStage)
	assert.Equal(t, 0, h.runCount(models.StageResearch))
}

func TestAdvance_NilCompletenessSatisfiesPrerequisite(t *testing.T) {
	h := newHarness(t)
	h.set(models.StageIntake, func(ctx context.Context, in StageInput, hd Handle) (*models.StageResult, error) {
		if _, err := hd.Call(ctx, in.TaskType, provider.Request{Prompt: "x"}); err != nil {
			return nil, err
		}
		return &models.StageResult{}, nil
	})

	_, err := h.orch.Advance(context.Background(), testBusiness)
	require.NoError(t, err)
	st, err := h.orch.Advance(context.Background(), testBusiness)
	require.NoError(t, err)
	assert.Equal(t, models.StagePositioning, st.CurrentStage)
}

func TestAdvance_BudgetRefusalFailsStage(t *testing.T) {
	h := newHarness(t, withSubscription("free"))
	h.advanceTo(models.StagePositioning)

	st, err := h.orch.Advance(context.Background(), testBusiness)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrBudgetExceeded))
	assert.Contains(t, err.Error(), budget.ReasonTierRestricted)
	assert.True(t, apperror.IsRetryable(err))
	assert.Equal(t, models.StageFailed, st.CurrentStage)
	assert.Equal(t, 0, h.runCount(models.StagePositioning))
}

func TestAdvance_AgentErrorReleasesReservation(t *testing.T) {
	h := newHarness(t)
	h.set(models.StageIntake, func(ctx context.Context, in StageInput, hd Handle) (*models.StageResult, error) {
		if _, err := hd.Call(ctx, in.TaskType, provider.Request{Prompt: "x"}); err != nil {
			return nil, err
		}
		return nil, apperror.Transient(models.ProviderOpenAI, "upstream error", errors.New("502"))
	})

	st, err := h.orch.Advance(context.Background(), testBusiness)
	require.Error(t, err)
	assert.Equal(t, apperror.KindModelInvocation, apperror.KindOf(err))
	assert.True(t, apperror.IsRetryable(err))

	var ae *apperror.Error
	require.True(t, errors.As(err, &ae))
	assert.NotEmpty(t, ae.ReservationID)
	assert.Equal(t, models.StageIntake, ae.Stage)

	require.NotNil(t, st.LastError)
	assert.Equal(t, ae.ReservationID, st.LastError.ReservationID)

	entry, err := h.ledger.Entry(context.Background(), ae.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerReleased, entry.Status)
}

func TestAdvance_ExhaustedChainReleasesReservation(t *testing.T) {
	h := newHarness(t)
	h.exec.fn = func(context.Context, models.FallbackChain) (*executor.InvocationResult, error) {
		return nil, &apperror.Error{Kind: apperror.KindModelUnavailable, Message: "all candidates failed", Retryable: true}
	}

	st, err := h.orch.Advance(context.Background(), testBusiness)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrModelUnavailable))
	assert.Equal(t, models.StageFailed, st.CurrentStage)
	h.assertNothingReserved()
	require.Len(t, h.ledger.Entries(testTenant), 1)
	assert.Equal(t, models.LedgerReleased, h.ledger.Entries(testTenant)[0].Status)
}

func TestAdvance_CancellationReleasesReservation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.exec.fn = func(callCtx context.Context, _ models.FallbackChain) (*executor.InvocationResult, error) {
		cancel()
		<-callCtx.Done()
		return nil, apperror.Wrap(apperror.KindCanceled, "model invocation aborted", callCtx.Err())
	}

	st, err := h.orch.Advance(ctx, testBusiness)
	require.Error(t, err)
	assert.Equal(t, apperror.KindCanceled, apperror.KindOf(err))
	assert.Equal(t, models.StageFailed, st.CurrentStage)

	entries := h.ledger.Entries(testTenant)
	require.Len(t, entries, 1)
	assert.Equal(t, models.LedgerReleased, entries[0].Status)

	saved, err := h.orch.Get(context.Background(), testBusiness)
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, saved.CurrentStage)
}

func TestAdvance_AgentPanicIsContained(t *testing.T) {
	h := newHarness(t)
	h.set(models.StageIntake, func(context.Context, StageInput, Handle) (*models.StageResult, error) {
		panic("agent bug")
	})

	st, err := h.orch.Advance(context.Background(), testBusiness)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent bug")
	assert.Equal(t, models.StageFailed, st.CurrentStage)
	h.assertNothingReserved()
}

func TestHandle_RefusesTierAboveAdmission(t *testing.T) {
	h := newHarness(t)
	var callErr error
	h.set(models.StageIntake, func(ctx context.Context, in StageInput, hd Handle) (*models.StageResult, error) {
		_, callErr = hd.Call(ctx, "sostac_analysis", provider.Request{Prompt: "x"})
		return scored(0.9)(ctx, in, hd)
	})

	_, err := h.orch.Advance(context.Background(), testBusiness)
	require.NoError(t, err)
	require.Error(t, callErr)
	assert.Equal(t, apperror.KindValidationFailed, apperror.KindOf(callErr))
}

func TestHandle_UnusableAfterStage(t *testing.T) {
	h := newHarness(t)
	var kept Handle
	h.set(models.StageIntake, func(ctx context.Context, in StageInput, hd Handle) (*models.StageResult, error) {
		kept = hd
		return scored(0.9)(ctx, in, hd)
	})
	_, err := h.orch.Advance(context.Background(), testBusiness)
	require.NoError(t, err)

	_, err = kept.Call(context.Background(), "html_sanitization", provider.Request{Prompt: "late"})
	require.Error(t, err)
	assert.Equal(t, apperror.KindInvalidState, apperror.KindOf(err))
}

func TestRetry_ReentersFailedStage(t *testing.T) {
	h := newHarness(t)
	h.set(models.StageIntake, func(context.Context, StageInput, Handle) (*models.StageResult, error) {
		return nil, errors.New("scraper offline")
	})
	_, err := h.orch.Advance(context.Background(), testBusiness)
	require.Error(t, err)

	st, err := h.orch.Retry(context.Background(), testBusiness)
	require.NoError(t, err)
	assert.Equal(t, models.StageIntake, st.CurrentStage)
	assert.Nil(t, st.LastError)
	assert.Nil(t, st.ArchivedAt)

	h.set(models.StageIntake, nil)
	st, err = h.orch.Advance(context.Background(), testBusiness)
	require.NoError(t, err)
	assert.Equal(t, models.StageResearch, st.CurrentStage)
}

func TestRetry_OnlyFromFailed(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Retry(context.Background(), testBusiness)
	require.Error(t, err)
	assert.Equal(t, apperror.KindInvalidState, apperror.KindOf(err))
}

func TestRouteBack_ManualFromDone(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Run(context.Background(), testBusiness)
	require.NoError(t, err)

	st, err := h.orch.RouteBack(context.Background(), testBusiness, models.StageStrategy)
	require.NoError(t, err)
	assert.Equal(t, models.StageRouteBack, st.CurrentStage)
	assert.Equal(t, 1, st.Iterations[models.StageStrategy])
	assert.Nil(t, st.ArchivedAt)

	st, err = h.orch.Run(context.Background(), testBusiness)
	require.NoError(t, err)
	assert.Equal(t, models.StageDone, st.CurrentStage)
	assert.Equal(t, 2, h.runCount(models.StageStrategy))
	assert.Equal(t, 1, h.runCount(models.StagePositioning))
}

func TestRouteBack_Validation(t *testing.T) {
	h := newHarness(t)
	h.advanceTo(models.StagePositioning)

	tests := []struct {
		name   string
		target models.Stage
		kind   apperror.Kind
	}{
		{"not a stage", "pricing", apperror.KindValidationFailed},
		{"current stage", models.StagePositioning, apperror.KindValidationFailed},
		{"later stage", models.StageContent, apperror.KindValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.RouteBack(context.Background(), testBusiness, tt.target)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperror.KindOf(err))
		})
	}
}

func TestRouteBack_ManualRespectsCap(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) { o.RouteBackCap = 1 })
	h.advanceTo(models.StageICP)

	_, err := h.orch.RouteBack(context.Background(), testBusiness, models.StageResearch)
	require.NoError(t, err)
	h.advanceTo(models.StageICP)

	st, err := h.orch.RouteBack(context.Background(), testBusiness, models.StageResearch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrIterationCapReached))
	assert.Equal(t, models.StageICP, st.CurrentStage)
}

func TestAdvance_TerminalStateIsInvalid(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Run(context.Background(), testBusiness)
	require.NoError(t, err)

	_, err = h.orch.Advance(context.Background(), testBusiness)
	require.Error(t, err)
	assert.Equal(t, apperror.KindInvalidState, apperror.KindOf(err))
}

func TestAdvance_EmitterPanicDoesNotFailStage(t *testing.T) {
	h := newHarness(t, func(_ *Options, d *Deps) {
		d.Emitter = progressPanic{}
	})

	st, err := h.orch.Advance(context.Background(), testBusiness)
	require.NoError(t, err)
	assert.Equal(t, models.StageResearch, st.CurrentStage)
}

type progressPanic struct{}

func (progressPanic) Emit(context.Context, models.ProgressEvent) error { panic("stream closed") }

func TestStart_IdempotentPerTenant(t *testing.T) {
	h := newHarness(t)

	st, err := h.orch.Start(context.Background(), testBusiness, testTenant, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StageIntake, st.CurrentStage)

	_, err = h.orch.Start(context.Background(), testBusiness, "other-tenant", nil)
	require.Error(t, err)
	assert.Equal(t, apperror.KindValidationFailed, apperror.KindOf(err))

	_, err = h.orch.Start(context.Background(), "", testTenant, nil)
	assert.Equal(t, apperror.KindValidationFailed, apperror.KindOf(err))
}

func TestAdvance_UnknownBusiness(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Advance(context.Background(), "nobody")
	require.Error(t, err)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestNew_Validation(t *testing.T) {
	catalog, err := config.LoadCatalog("")
	require.NoError(t, err)
	rt, err := router.NewRouter(catalog)
	require.NoError(t, err)
	base := func() Deps {
		agents := make(map[models.Stage]Agent)
		for _, def := range DefaultPipeline {
			agents[def.Stage] = scored(1)
		}
		return Deps{
			Store:    NewMemoryStore(),
			Locker:   NewMemoryLocker(),
			Budget:   budget.NewController(rt, catalog, budget.NewMemoryLedger(), nil, nil),
			Router:   rt,
			Executor: &fakeExec{},
			Agents:   agents,
		}
	}

	t.Run("valid", func(t *testing.T) {
		_, err := New(base(), DefaultOptions())
		assert.NoError(t, err)
	})
	t.Run("missing agent", func(t *testing.T) {
		d := base()
		delete(d.Agents, models.StageContent)
		_, err := New(d, DefaultOptions())
		assert.ErrorContains(t, err, "no agent for stage content")
	})
	t.Run("unroutable task type", func(t *testing.T) {
		o := DefaultOptions()
		o.Stages = append([]StageSpec(nil), DefaultPipeline...)
		o.Stages[0].TaskType = "interpretive_dance"
		_, err := New(base(), o)
		assert.Error(t, err)
	})
	t.Run("route-back target is last stage", func(t *testing.T) {
		o := DefaultOptions()
		o.RouteBackTarget = models.StageAnalytics
		_, err := New(base(), o)
		assert.Error(t, err)
	})
	t.Run("missing store", func(t *testing.T) {
		d := base()
		d.Store = nil
		_, err := New(d, DefaultOptions())
		assert.Error(t, err)
	})
}
