package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/apperror"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/config"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/provider"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// scriptedDispatcher returns queued outcomes per candidate key; once a queue
// is drained the last outcome repeats.
type scriptedDispatcher struct {
	mu      sync.Mutex
	script  map[string][]outcome
	calls   map[string]int
	onCall  func(ctx context.Context, cand models.Candidate) error
	ordered []string
}

type outcome struct {
	resp *provider.Response
	err  error
}

func newScripted() *scriptedDispatcher {
	return &scriptedDispatcher{script: map[string][]outcome{}, calls: map[string]int{}}
}

func (s *scriptedDispatcher) on(key string, outs ...outcome) *scriptedDispatcher {
	s.script[key] = outs
	return s
}

func (s *scriptedDispatcher) Invoke(ctx context.Context, cand models.Candidate, _ provider.Request) (*provider.Response, error) {
	s.mu.Lock()
	key := cand.Key()
	n := s.calls[key]
	s.calls[key] = n + 1
	s.ordered = append(s.ordered, key)
	outs := s.script[key]
	hook := s.onCall
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, cand); err != nil {
			return nil, err
		}
	}
	if len(outs) == 0 {
		return nil, apperror.Permanent(cand.Provider, "unscripted", nil)
	}
	if n >= len(outs) {
		n = len(outs) - 1
	}
	return outs[n].resp, outs[n].err
}

func ok(in, out int64) outcome {
	return outcome{resp: &provider.Response{Content: "done", InputTokens: in, OutputTokens: out}}
}

func transient(p models.LLMProvider) outcome {
	return outcome{err: apperror.Transient(p, "rate limited", nil)}
}

func permanent(p models.LLMProvider) outcome {
	return outcome{err: apperror.Permanent(p, "invalid api key", nil)}
}

type priceTable map[models.TierName]models.ModelTier

func (p priceTable) Tier(name models.TierName) (models.ModelTier, bool) {
	t, ok := p[name]
	return t, ok
}

var prices = priceTable{
	models.TierNano: {Name: models.TierNano, CostPer1KInput: 0.001, CostPer1KOutput: 0.002},
	models.TierMini: {Name: models.TierMini, CostPer1KInput: 0.01, CostPer1KOutput: 0.02},
	models.TierFull: {Name: models.TierFull, CostPer1KInput: 0.1, CostPer1KOutput: 0.2},
}

func fastOptions() Options {
	return Options{MaxAttemptsPerCandidate: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, DefaultTimeout: time.Second}
}

func chainOf(cands ...models.Candidate) models.FallbackChain { return cands }

var (
	primary   = models.Candidate{Provider: models.ProviderAnthropic, Model: "claude-3-opus-20240229", Tier: models.TierFull}
	secondary = models.Candidate{Provider: models.ProviderOpenAI, Model: "gpt-4o", Tier: models.TierMini}
	tertiary  = models.Candidate{Provider: models.ProviderGemini, Model: "gemini-1.5-flash", Tier: models.TierNano}
)

func TestExecute_PrimarySucceeds(t *testing.T) {
	d := newScripted().on(primary.Key(), ok(1000, 500))
	ex := New(d, prices, fastOptions(), nil)

	res, err := ex.Execute(context.Background(), chainOf(primary, secondary), provider.Request{Prompt: "p"}, 0)
	require.NoError(t, err)
	assert.Equal(t, primary.Model, res.ModelUsed)
	assert.False(t, res.FellBack)
	assert.Equal(t, 1, res.Attempts)
	assert.InDelta(t, 0.1+0.1, res.ActualCost, 1e-9)
}

func TestExecute_CostFromCandidateActuallyUsed(t *testing.T) {
	d := newScripted().
		on(primary.Key(), transient(primary.Provider)).
		on(secondary.Key(), transient(secondary.Provider)).
		on(tertiary.Key(), ok(1000, 1000))
	ex := New(d, prices, fastOptions(), nil)

	res, err := ex.Execute(context.Background(), chainOf(primary, secondary, tertiary), provider.Request{}, 0)
	require.NoError(t, err)

	assert.Equal(t, tertiary.Model, res.ModelUsed)
	assert.Equal(t, tertiary.Provider, res.Provider)
	assert.True(t, res.FellBack)
	assert.InDelta(t, prices[models.TierNano].Cost(1000, 1000), res.ActualCost, 1e-12)
	assert.NotEqual(t, prices[models.TierFull].Cost(1000, 1000), res.ActualCost)
	assert.Equal(t, 5, res.Attempts)
}

func TestExecute_TransientRetriedUpToLimit(t *testing.T) {
	d := newScripted().
		on(primary.Key(), transient(primary.Provider)).
		on(secondary.Key(), ok(10, 10))
	ex := New(d, prices, fastOptions(), nil)

	_, err := ex.Execute(context.Background(), chainOf(primary, secondary), provider.Request{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, d.calls[primary.Key()])
	assert.Equal(t, 1, d.calls[secondary.Key()])
}

func TestExecute_TransientThenSuccessOnSameCandidate(t *testing.T) {
	d := newScripted().on(primary.Key(), transient(primary.Provider), ok(10, 10))
	ex := New(d, prices, fastOptions(), nil)

	res, err := ex.Execute(context.Background(), chainOf(primary, secondary), provider.Request{}, 0)
	require.NoError(t, err)
	assert.Equal(t, primary.Model, res.ModelUsed)
	assert.False(t, res.FellBack)
	assert.Equal(t, 2, res.Attempts)
	assert.Zero(t, d.calls[secondary.Key()])
}

func TestExecute_PermanentSkipsWithoutRetry(t *testing.T) {
	d := newScripted().
		on(primary.Key(), permanent(primary.Provider)).
		on(secondary.Key(), ok(10, 10))
	ex := New(d, prices, fastOptions(), nil)

	res, err := ex.Execute(context.Background(), chainOf(primary, secondary), provider.Request{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, d.calls[primary.Key()])
	assert.Equal(t, secondary.Model, res.ModelUsed)
}

func TestExecute_ExhaustedCarriesFailures(t *testing.T) {
	d := newScripted().
		on(primary.Key(), permanent(primary.Provider)).
		on(secondary.Key(), transient(secondary.Provider))
	ex := New(d, prices, fastOptions(), nil)

	_, err := ex.Execute(context.Background(), chainOf(primary, secondary), provider.Request{}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrModelUnavailable)

	failures := Failures(err)
	require.Len(t, failures, 2)
	assert.Equal(t, primary.Model, failures[0].Model)
	assert.Equal(t, 1, failures[0].Attempts)
	assert.Equal(t, secondary.Model, failures[1].Model)
	assert.Equal(t, 2, failures[1].Attempts)
	assert.Contains(t, err.Error(), "gpt-4o")
}

func TestExecute_AttemptTimeoutIsTransient(t *testing.T) {
	d := newScripted().on(secondary.Key(), ok(1, 1))
	d.onCall = func(ctx context.Context, cand models.Candidate) error {
		if cand.Key() == primary.Key() {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	ex := New(d, prices, fastOptions(), nil)

	res, err := ex.Execute(context.Background(), chainOf(primary, secondary), provider.Request{}, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, d.calls[primary.Key()], "timed out attempts are retried")
	assert.Equal(t, secondary.Model, res.ModelUsed)
}

func TestExecute_ParentCancellationAbortsChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := newScripted().on(secondary.Key(), ok(1, 1))
	d.onCall = func(callCtx context.Context, cand models.Candidate) error {
		if cand.Key() == primary.Key() {
			cancel()
			<-callCtx.Done()
			return callCtx.Err()
		}
		return nil
	}
	ex := New(d, prices, fastOptions(), nil)

	_, err := ex.Execute(ctx, chainOf(primary, secondary), provider.Request{}, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, d.calls[secondary.Key()], "no further candidates after cancellation")
	assert.Equal(t, 1, d.calls[primary.Key()])
}

func TestExecute_EmptyChain(t *testing.T) {
	ex := New(newScripted(), prices, fastOptions(), nil)
	_, err := ex.Execute(context.Background(), nil, provider.Request{}, 0)
	assert.ErrorIs(t, err, apperror.ErrModelUnavailable)
}

func TestExecute_MissingPricingIsInternal(t *testing.T) {
	d := newScripted().on(primary.Key(), ok(1, 1))
	ex := New(d, priceTable{}, fastOptions(), nil)

	_, err := ex.Execute(context.Background(), chainOf(primary), provider.Request{}, 0)
	require.Error(t, err)
	assert.Equal(t, apperror.KindInternal, apperror.KindOf(err))
}

func TestExecute_UnclassifiedErrorIsPermanent(t *testing.T) {
	d := newScripted().
		on(primary.Key(), outcome{err: errors.New("weird")}).
		on(secondary.Key(), ok(1, 1))
	ex := New(d, prices, fastOptions(), nil)

	_, err := ex.Execute(context.Background(), chainOf(primary, secondary), provider.Request{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, d.calls[primary.Key()])
}

// html_sanitization routes to nano; with the primary provider forced down the
// configured secondary serves the call.
func TestExecute_HTMLSanitizationFailsOverToSecondary(t *testing.T) {
	catalog, err := config.LoadCatalog("")
	require.NoError(t, err)
	r, err := router.NewRouter(catalog)
	require.NoError(t, err)

	route, err := r.Route("html_sanitization")
	require.NoError(t, err)
	require.Equal(t, models.TierNano, route.Tier.Name)
	first, second := route.Chain[0], route.Chain[1]

	d := newScripted().
		on(first.Key(), outcome{err: apperror.Transient(first.Provider, "upstream error (503)", nil)}).
		on(second.Key(), ok(400, 300))
	ex := New(d, r, fastOptions(), nil)

	res, err := ex.Execute(context.Background(), route.Chain, provider.Request{Prompt: "<p>x</p>"}, 0)
	require.NoError(t, err)
	assert.Equal(t, second.Model, res.ModelUsed)
	assert.Equal(t, second.Provider, res.Provider)
	assert.True(t, res.FellBack)
	assert.InDelta(t, route.Tier.Cost(400, 300), res.ActualCost, 1e-12)
	assert.Equal(t, []string{first.Key(), first.Key(), second.Key()}, d.ordered)
}
