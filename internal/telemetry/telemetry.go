// Package telemetry wires OpenTelemetry metrics to a Prometheus scrape
// endpoint and records per-invocation model metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// Tenant usage metric names. Per-candidate latency and fallbacks are
// recorded by the executor.
const (
	MetricTenantCalls        = "meridian.tenant.calls"
	MetricTenantTokensInput  = "meridian.tenant.tokens.input"
	MetricTenantTokensOutput = "meridian.tenant.tokens.output"
	MetricTenantCost         = "meridian.tenant.cost"
)

// Metrics owns the process meter provider and its scrape handler.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler
}

// Setup creates a meter provider exporting to a dedicated Prometheus
// registry and installs it as the global provider.
func Setup() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	return &Metrics{
		provider: provider,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, nil
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// MeterProvider returns the SDK provider.
func (m *Metrics) MeterProvider() metric.MeterProvider {
	return m.provider
}

// Shutdown flushes and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// InvocationRecorder persists one model call.
type InvocationRecorder interface {
	RecordInvocation(ctx context.Context, inv models.Invocation) error
}

// Recorder adds each invocation to the tenant usage metrics before passing
// it on to the next recorder, if any.
type Recorder struct {
	next InvocationRecorder

	calls     metric.Int64Counter
	tokensIn  metric.Int64Counter
	tokensOut metric.Int64Counter
	cost      metric.Float64Counter
}

// NewRecorder creates a Recorder on meter.
func NewRecorder(meter metric.Meter, next InvocationRecorder) (*Recorder, error) {
	r := &Recorder{next: next}
	var err error
	if r.calls, err = meter.Int64Counter(MetricTenantCalls,
		metric.WithDescription("Model calls by tenant and task type")); err != nil {
		return nil, err
	}
	if r.tokensIn, err = meter.Int64Counter(MetricTenantTokensInput, metric.WithUnit("{token}")); err != nil {
		return nil, err
	}
	if r.tokensOut, err = meter.Int64Counter(MetricTenantTokensOutput, metric.WithUnit("{token}")); err != nil {
		return nil, err
	}
	if r.cost, err = meter.Float64Counter(MetricTenantCost, metric.WithUnit("USD")); err != nil {
		return nil, err
	}
	return r, nil
}

// RecordInvocation implements workflow.InvocationRecorder.
func (r *Recorder) RecordInvocation(ctx context.Context, inv models.Invocation) error {
	attrs := metric.WithAttributes(
		attribute.String("tenant_id", inv.TenantID),
		attribute.String("task_type", inv.TaskType),
	)
	r.calls.Add(ctx, 1, attrs)
	r.tokensIn.Add(ctx, inv.InputTokens, attrs)
	r.tokensOut.Add(ctx, inv.OutputTokens, attrs)
	r.cost.Add(ctx, inv.CostUSD, attrs)
	if r.next == nil {
		return nil
	}
	return r.next.RecordInvocation(ctx, inv)
}
