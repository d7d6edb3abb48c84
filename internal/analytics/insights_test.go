package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

var testNow = time.Date(2026, 6, 15, 18, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, invs ...models.Invocation) *InsightsEngine {
	t.Helper()
	log := NewMemoryLog(0)
	for _, inv := range invs {
		require.NoError(t, log.RecordInvocation(context.Background(), inv))
	}
	e := NewInsightsEngine(log, nil)
	e.now = func() time.Time { return testNow }
	return e
}

func call(tenant string, daysAgo int, cost float64) models.Invocation {
	return models.Invocation{
		TenantID:  tenant,
		TaskType:  "market_research",
		Provider:  models.ProviderAnthropic,
		Model:     "claude-3-5-sonnet-20241022",
		CostUSD:   cost,
		Timestamp: testNow.Add(-time.Duration(daysAgo) * 24 * time.Hour),
	}
}

func TestInsightTypeConstants(t *testing.T) {
	types := []InsightType{InsightCostSpike, InsightModelSwitch, InsightFallbackHotspot}

	seen := make(map[InsightType]bool)
	for _, it := range types {
		assert.NotEmpty(t, it)
		assert.False(t, seen[it], "duplicate insight type: %s", it)
		seen[it] = true
	}
}

func TestSpikeThreshold(t *testing.T) {
	assert.Equal(t, 2.0, SpikeThreshold)
}

func TestPremiumModelAlternatives(t *testing.T) {
	expectedMappings := map[string]string{
		"gpt-4-turbo":            "gpt-4o",
		"gpt-4":                  "gpt-4o",
		"o1":                     "gpt-4o",
		"claude-3-opus-20240229": "claude-3-5-sonnet-20241022",
		"gemini-ultra":           "gemini-1.5-pro",
	}
	for premium, want := range expectedMappings {
		assert.Equal(t, want, premiumModelAlternatives[premium], premium)
	}
	for premium, alternative := range premiumModelAlternatives {
		assert.NotEqual(t, premium, alternative)
	}
}

func TestDetectSpikes(t *testing.T) {
	tests := []struct {
		name     string
		invs     []models.Invocation
		wantIDs  []string
		severity Severity
	}{
		{
			name:    "steady spend",
			invs:    []models.Invocation{call("acme", 3, 1), call("acme", 2, 1), call("acme", 1, 1.5), call("acme", 0, 1.9)},
			wantIDs: nil,
		},
		{
			name:     "warning spike",
			invs:     []models.Invocation{call("acme", 3, 1), call("acme", 2, 1), call("acme", 1, 1), call("acme", 0, 3)},
			wantIDs:  []string{"spike-acme-2026-06-15"},
			severity: SeverityWarning,
		},
		{
			name:     "critical spike",
			invs:     []models.Invocation{call("acme", 2, 1), call("acme", 1, 1), call("acme", 0, 4), call("acme", 0, 2)},
			wantIDs:  []string{"spike-acme-2026-06-15"},
			severity: SeverityCritical,
		},
		{
			name:    "first day is never a spike",
			invs:    []models.Invocation{call("acme", 0, 100)},
			wantIDs: nil,
		},
		{
			name:    "outside lookback ignored",
			invs:    []models.Invocation{call("acme", 20, 1), call("acme", 0, 10)},
			wantIDs: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insights, err := newTestEngine(t, tt.invs...).DetectSpikes(context.Background())
			require.NoError(t, err)

			var ids []string
			for _, in := range insights {
				ids = append(ids, in.ID)
				assert.Equal(t, InsightCostSpike, in.Type)
				assert.Equal(t, "acme", in.AffectedEntity)
				assert.Equal(t, tt.severity, in.Severity)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestDetectSpikes_Saving(t *testing.T) {
	e := newTestEngine(t, call("acme", 2, 3), call("acme", 1, 3), call("acme", 0, 10))
	insights, err := e.DetectSpikes(context.Background())
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.InDelta(t, 7.0, insights[0].EstimatedSaving, 1e-9)
	assert.Contains(t, insights[0].Description, "3.3x")
}

func TestDetectFallbackHotspots(t *testing.T) {
	var invs []models.Invocation
	for i := 0; i < 8; i++ {
		inv := call("acme", 1, 0.01)
		inv.TaskType = "sostac_analysis"
		inv.PrimaryModel = "claude-3-opus-20240229"
		inv.FellBack = i < 3
		invs = append(invs, inv)
	}
	for i := 0; i < 8; i++ {
		inv := call("acme", 1, 0.01)
		inv.TaskType = "html_sanitization"
		inv.FellBack = i == 0
		invs = append(invs, inv)
	}
	// Too few calls to judge.
	rare := call("acme", 1, 0.01)
	rare.TaskType = "summarization"
	rare.FellBack = true
	invs = append(invs, rare)

	insights, err := newTestEngine(t, invs...).DetectFallbackHotspots(context.Background())
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, "fallback-sostac_analysis", insights[0].ID)
	assert.Equal(t, SeverityWarning, insights[0].Severity)
	assert.Contains(t, insights[0].Description, "3 of 8")
	assert.Contains(t, insights[0].Description, "claude-3-opus-20240229")
}

func TestRecommendModelSwitches(t *testing.T) {
	opus := call("acme", 1, 3)
	opus.Model = "claude-3-opus-20240229"
	opus.InputTokens = 1200
	cheap := call("acme", 1, 0.5)
	cheap.Model = "o1"
	unknown := call("acme", 1, 50)
	unknown.Model = "claude-3-5-sonnet-20241022"

	insights, err := newTestEngine(t, opus, cheap, unknown).RecommendModelSwitches(context.Background())
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, "switch-anthropic-claude-3-opus-20240229", insights[0].ID)
	assert.Equal(t, InsightModelSwitch, insights[0].Type)
	assert.InDelta(t, 1.8, insights[0].EstimatedSaving, 1e-9)
}

func TestInsights_SortedBySeverity(t *testing.T) {
	opus := call("globex", 1, 3)
	opus.Model = "claude-3-opus-20240229"
	invs := []models.Invocation{opus, call("acme", 2, 1), call("acme", 0, 6)}

	insights, err := newTestEngine(t, invs...).Insights(context.Background())
	require.NoError(t, err)
	require.Len(t, insights, 2)
	assert.Equal(t, InsightCostSpike, insights[0].Type)
	assert.Equal(t, InsightModelSwitch, insights[1].Type)
}

func TestGenerateReport(t *testing.T) {
	a := call("acme", 1, 0.25)
	a.InputTokens, a.OutputTokens, a.LatencyMs = 100, 300, 1000
	b := call("globex", 1, 0.75)
	b.Provider = models.ProviderOpenAI
	b.TaskType = "content_calendar"
	b.InputTokens, b.OutputTokens, b.LatencyMs = 50, 50, 500
	b.FellBack = true
	old := call("acme", 30, 100)

	e := newTestEngine(t, a, b, old)
	report, err := e.GenerateReport(context.Background(), testNow.Add(-7*24*time.Hour), testNow)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, report.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(2), report.TotalRequests)
	assert.Equal(t, int64(500), report.TotalTokens)
	assert.InDelta(t, 750, report.AvgLatencyMs, 1e-9)
	assert.Equal(t, int64(1), report.FallbackCount)
	assert.InDelta(t, 0.75, report.CostByProvider["openai"], 1e-9)
	assert.InDelta(t, 0.25, report.CostByTaskType["market_research"], 1e-9)
}

func TestNilSource(t *testing.T) {
	e := NewInsightsEngine(nil, nil)
	insights, err := e.Insights(context.Background())
	require.NoError(t, err)
	assert.Empty(t, insights)

	report, err := e.GenerateReport(context.Background(), testNow.Add(-time.Hour), testNow)
	require.NoError(t, err)
	assert.Zero(t, report.TotalRequests)
}

type failingSource struct{}

func (failingSource) Invocations(context.Context, time.Time, time.Time) ([]models.Invocation, error) {
	return nil, errors.New("connection refused")
}

func TestSourceError(t *testing.T) {
	e := NewInsightsEngine(failingSource{}, nil)
	_, err := e.Insights(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestMemoryLog_Capacity(t *testing.T) {
	log := NewMemoryLog(2)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, log.RecordInvocation(ctx, models.Invocation{ID: string(rune('a' + i)), Timestamp: testNow}))
	}
	invs, err := log.Invocations(ctx, testNow, testNow.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, invs, 2)
	assert.Equal(t, "b", invs[0].ID)
	assert.Equal(t, "c", invs[1].ID)
}
