// Package analytics turns the invocation log into cost insights.
//
// The engine reads recorded model calls and looks for tenant cost spikes,
// task types whose primary model keeps failing over, and spend on premium
// models that a cheaper tier could likely serve.
package analytics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// InsightType categorizes the kind of insight generated.
type InsightType string

const (
	InsightCostSpike       InsightType = "cost_spike"
	InsightModelSwitch     InsightType = "model_switch"
	InsightFallbackHotspot InsightType = "fallback_hotspot"
)

// Severity indicates the urgency of an insight.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Insight represents an actionable recommendation or alert.
type Insight struct {
	ID              string      `json:"id"`
	Type            InsightType `json:"type"`
	Severity        Severity    `json:"severity"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	EstimatedSaving float64     `json:"estimated_saving"`
	AffectedEntity  string      `json:"affected_entity"`
	CreatedAt       time.Time   `json:"created_at"`
}

const (
	// SpikeThreshold is how many times the rolling average a day's spend
	// must reach to count as a spike.
	SpikeThreshold = 2.0
	// criticalSpike marks a spike as critical.
	criticalSpike = 5.0
	spikeLookback = 14 * 24 * time.Hour
	rollingDays   = 7

	// FallbackHotspotRate is the share of calls served by a fallback above
	// which a task type is reported.
	FallbackHotspotRate = 0.25
	minHotspotCalls     = 4

	// minSwitchSpend is the weekly spend on a model below which no switch is
	// recommended.
	minSwitchSpend = 1.0
	weekly         = 7 * 24 * time.Hour
)

// premiumModelAlternatives maps premium models to a cheaper model that
// handles most simpler work.
var premiumModelAlternatives = map[string]string{
	"gpt-4-turbo":            "gpt-4o",
	"gpt-4":                  "gpt-4o",
	"o1":                     "gpt-4o",
	"gpt-4o":                 "gpt-4o-mini",
	"claude-3-opus-20240229": "claude-3-5-sonnet-20241022",
	"gemini-ultra":           "gemini-1.5-pro",
	"gemini-1.5-pro":         "gemini-1.5-flash",
}

// switchSavingRatio approximates the share of spend saved by moving to the
// alternative model.
const switchSavingRatio = 0.60

// Source returns recorded invocations in [from, to).
type Source interface {
	Invocations(ctx context.Context, from, to time.Time) ([]models.Invocation, error)
}

// InsightsEngine generates cost insights from an invocation source.
type InsightsEngine struct {
	source Source
	logger *slog.Logger
	now    func() time.Time
}

// NewInsightsEngine creates a new InsightsEngine.
func NewInsightsEngine(source Source, logger *slog.Logger) *InsightsEngine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &InsightsEngine{source: source, logger: logger.With("component", "analytics"), now: time.Now}
}

func (e *InsightsEngine) window(ctx context.Context, d time.Duration) ([]models.Invocation, time.Time, error) {
	now := e.now().UTC()
	if e.source == nil {
		return nil, now, nil
	}
	invs, err := e.source.Invocations(ctx, now.Add(-d), now.Add(time.Nanosecond))
	if err != nil {
		return nil, now, fmt.Errorf("loading invocations: %w", err)
	}
	return invs, now, nil
}

// DetectSpikes reports tenant-days whose spend is at least SpikeThreshold
// times the average of the up to seven preceding days with spend.
func (e *InsightsEngine) DetectSpikes(ctx context.Context) ([]Insight, error) {
	invs, now, err := e.window(ctx, spikeLookback)
	if err != nil {
		return nil, err
	}

	daily := make(map[string]map[time.Time]float64)
	for _, inv := range invs {
		day := truncateDay(inv.Timestamp)
		if daily[inv.TenantID] == nil {
			daily[inv.TenantID] = make(map[time.Time]float64)
		}
		daily[inv.TenantID][day] += inv.CostUSD
	}

	var insights []Insight
	for tenantID, byDay := range daily {
		days := make([]time.Time, 0, len(byDay))
		for d := range byDay {
			days = append(days, d)
		}
		sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

		for i, day := range days {
			lo := i - rollingDays
			if lo < 0 {
				lo = 0
			}
			prior := days[lo:i]
			if len(prior) == 0 {
				continue
			}
			var sum float64
			for _, p := range prior {
				sum += byDay[p]
			}
			avg := sum / float64(len(prior))
			cost := byDay[day]
			if avg <= 0 || cost < avg*SpikeThreshold {
				continue
			}

			multiple := cost / avg
			severity := SeverityWarning
			if multiple >= criticalSpike {
				severity = SeverityCritical
			}
			insights = append(insights, Insight{
				ID:       fmt.Sprintf("spike-%s-%s", tenantID, day.Format("2006-01-02")),
				Type:     InsightCostSpike,
				Severity: severity,
				Title:    fmt.Sprintf("Cost spike detected for tenant %s", tenantID),
				Description: fmt.Sprintf(
					"On %s, tenant %s spent $%.4f, which is %.1fx the rolling average of $%.4f.",
					day.Format("Jan 2"), tenantID, cost, multiple, avg),
				EstimatedSaving: roundCents(cost - avg),
				AffectedEntity:  tenantID,
				CreatedAt:       now,
			})
		}
	}
	sortInsights(insights)
	return insights, nil
}

// DetectFallbackHotspots reports task types whose calls over the last week
// were served by a fallback candidate at least FallbackHotspotRate of the time.
func (e *InsightsEngine) DetectFallbackHotspots(ctx context.Context) ([]Insight, error) {
	invs, now, err := e.window(ctx, weekly)
	if err != nil {
		return nil, err
	}

	type tally struct {
		calls, fellBack int
		primary         string
	}
	byTask := make(map[string]*tally)
	for _, inv := range invs {
		t := byTask[inv.TaskType]
		if t == nil {
			t = &tally{primary: inv.PrimaryModel}
			byTask[inv.TaskType] = t
		}
		t.calls++
		if inv.FellBack {
			t.fellBack++
		}
	}

	var insights []Insight
	for taskType, t := range byTask {
		if t.calls < minHotspotCalls {
			continue
		}
		rate := float64(t.fellBack) / float64(t.calls)
		if rate < FallbackHotspotRate {
			continue
		}
		severity := SeverityWarning
		if rate >= 0.75 {
			severity = SeverityCritical
		}
		insights = append(insights, Insight{
			ID:       "fallback-" + taskType,
			Type:     InsightFallbackHotspot,
			Severity: severity,
			Title:    fmt.Sprintf("Primary model for %s is failing over", taskType),
			Description: fmt.Sprintf(
				"%d of %d %s calls in the last 7 days fell back from %s (%.0f%%).",
				t.fellBack, t.calls, taskType, t.primary, rate*100),
			AffectedEntity: taskType,
			CreatedAt:      now,
		})
	}
	sortInsights(insights)
	return insights, nil
}

// RecommendModelSwitches identifies premium models with enough weekly spend
// to be worth moving simpler work to a cheaper one.
func (e *InsightsEngine) RecommendModelSwitches(ctx context.Context) ([]Insight, error) {
	invs, now, err := e.window(ctx, weekly)
	if err != nil {
		return nil, err
	}

	type usage struct {
		provider models.LLMProvider
		calls    int64
		cost     float64
		input    int64
	}
	byModel := make(map[string]*usage)
	for _, inv := range invs {
		u := byModel[inv.Model]
		if u == nil {
			u = &usage{provider: inv.Provider}
			byModel[inv.Model] = u
		}
		u.calls++
		u.cost += inv.CostUSD
		u.input += inv.InputTokens
	}

	var insights []Insight
	for model, u := range byModel {
		cheaper, ok := premiumModelAlternatives[model]
		if !ok || u.cost <= minSwitchSpend {
			continue
		}
		saving := u.cost * switchSavingRatio
		avgInput := float64(u.input) / float64(u.calls)
		insights = append(insights, Insight{
			ID:       fmt.Sprintf("switch-%s-%s", u.provider, model),
			Type:     InsightModelSwitch,
			Severity: SeverityInfo,
			Title:    fmt.Sprintf("Consider switching %s to %s", model, cheaper),
			Description: fmt.Sprintf(
				"You spent $%.2f on %s (%d requests, avg %.0f input tokens). "+
					"Routing simpler tasks to %s could save ~$%.2f/week.",
				u.cost, model, u.calls, avgInput, cheaper, saving),
			EstimatedSaving: roundCents(saving),
			AffectedEntity:  model,
			CreatedAt:       now,
		})
	}
	sortInsights(insights)
	return insights, nil
}

// Insights runs every detector and merges the results, most severe first.
func (e *InsightsEngine) Insights(ctx context.Context) ([]Insight, error) {
	var all []Insight
	for _, detect := range []func(context.Context) ([]Insight, error){
		e.DetectSpikes, e.DetectFallbackHotspots, e.RecommendModelSwitches,
	} {
		found, err := detect(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, found...)
	}
	sortInsights(all)
	e.logger.Debug("insights generated", "count", len(all))
	return all, nil
}

// Report is a summary of usage and costs over a time period.
type Report struct {
	From           time.Time          `json:"from"`
	To             time.Time          `json:"to"`
	TotalCostUSD   float64            `json:"total_cost_usd"`
	TotalRequests  int64              `json:"total_requests"`
	TotalTokens    int64              `json:"total_tokens"`
	AvgLatencyMs   float64            `json:"avg_latency_ms"`
	FallbackCount  int64              `json:"fallback_count"`
	CostByProvider map[string]float64 `json:"cost_by_provider"`
	CostByTaskType map[string]float64 `json:"cost_by_task_type"`
}

// GenerateReport summarizes the invocations recorded in [from, to).
func (e *InsightsEngine) GenerateReport(ctx context.Context, from, to time.Time) (*Report, error) {
	report := &Report{
		From:           from,
		To:             to,
		CostByProvider: map[string]float64{},
		CostByTaskType: map[string]float64{},
	}
	if e.source == nil {
		return report, nil
	}
	invs, err := e.source.Invocations(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("generating report: %w", err)
	}

	var latency int64
	for _, inv := range invs {
		report.TotalCostUSD += inv.CostUSD
		report.TotalRequests++
		report.TotalTokens += inv.InputTokens + inv.OutputTokens
		latency += inv.LatencyMs
		if inv.FellBack {
			report.FallbackCount++
		}
		report.CostByProvider[string(inv.Provider)] += inv.CostUSD
		report.CostByTaskType[inv.TaskType] += inv.CostUSD
	}
	if report.TotalRequests > 0 {
		report.AvgLatencyMs = float64(latency) / float64(report.TotalRequests)
	}
	return report, nil
}

func sortInsights(in []Insight) {
	sort.SliceStable(in, func(i, j int) bool {
		if in[i].Severity.rank() != in[j].Severity.rank() {
			return in[i].Severity.rank() > in[j].Severity.rank()
		}
		return in[i].ID < in[j].ID
	})
}

func truncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
