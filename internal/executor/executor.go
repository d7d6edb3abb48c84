// Package executor runs a model call across an ordered fallback chain.
//
// Each candidate is tried with a bounded per-attempt timeout. Transient
// failures are retried with exponential backoff up to a per-candidate attempt
// limit before moving on; permanent failures move on immediately. Cancelling
// the parent context aborts the whole chain.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/apperror"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/provider"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// Metric names.
const (
	MetricInvocations = "meridian.executor.invocations"
	MetricFallbacks   = "meridian.executor.fallbacks"
	MetricCost        = "meridian.executor.cost_usd"
	MetricLatency     = "meridian.executor.latency_ms"
)

// Dispatcher performs a single call against one candidate.
type Dispatcher interface {
	Invoke(ctx context.Context, candidate models.Candidate, req provider.Request) (*provider.Response, error)
}

// PriceBook resolves tier pricing.
type PriceBook interface {
	Tier(name models.TierName) (models.ModelTier, bool)
}

// Options tune retry behavior.
type Options struct {
	MaxAttemptsPerCandidate int
	BaseDelay               time.Duration
	MaxDelay                time.Duration
	DefaultTimeout          time.Duration
}

// DefaultOptions returns two attempts per candidate with a 500ms base delay.
func DefaultOptions() Options {
	return Options{
		MaxAttemptsPerCandidate: 2,
		BaseDelay:               500 * time.Millisecond,
		MaxDelay:                8 * time.Second,
		DefaultTimeout:          60 * time.Second,
	}
}

// InvocationResult is the outcome of a successful chain execution.
type InvocationResult struct {
	Content    string             `json:"content"`
	TokensIn   int64              `json:"tokens_in"`
	TokensOut  int64              `json:"tokens_out"`
	ActualCost float64            `json:"actual_cost"`
	ModelUsed  string             `json:"model_used"`
	Provider   models.LLMProvider `json:"provider"`
	Tier       models.TierName    `json:"tier"`
	Attempts   int                `json:"attempts"`
	FellBack   bool               `json:"fell_back"`
	LatencyMs  int64              `json:"latency_ms"`
}

// CandidateFailure records why one candidate was abandoned.
type CandidateFailure struct {
	Provider models.LLMProvider `json:"provider"`
	Model    string             `json:"model"`
	Attempts int                `json:"attempts"`
	Err      error              `json:"-"`
}

// ChainExhaustedError is the cause attached to a model_unavailable error.
type ChainExhaustedError struct {
	Failures []CandidateFailure
}

func (e *ChainExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s:%s after %d attempt(s): %v", f.Provider, f.Model, f.Attempts, f.Err))
	}
	return "all candidates failed: " + strings.Join(parts, "; ")
}

// Failures extracts per-candidate failures from a model_unavailable error.
func Failures(err error) []CandidateFailure {
	var ce *ChainExhaustedError
	if errors.As(err, &ce) {
		return ce.Failures
	}
	return nil
}

// Executor runs fallback chains.
type Executor struct {
	dispatcher Dispatcher
	prices     PriceBook
	opts       Options
	logger     *slog.Logger
	tracer     trace.Tracer

	invocations metric.Int64Counter
	fallbacks   metric.Int64Counter
	cost        metric.Float64Counter
	latency     metric.Int64Histogram
}

// New creates an Executor. A nil logger discards output.
func New(dispatcher Dispatcher, prices PriceBook, opts Options, logger *slog.Logger) *Executor {
	if opts.MaxAttemptsPerCandidate < 1 {
		opts.MaxAttemptsPerCandidate = 1
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultOptions().DefaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	meter := otel.Meter("meridian/executor")
	e := &Executor{
		dispatcher: dispatcher,
		prices:     prices,
		opts:       opts,
		logger:     logger.With("component", "executor"),
		tracer:     otel.Tracer("meridian/executor"),
	}
	// Names are constants; creation cannot fail validation.
	e.invocations, _ = meter.Int64Counter(MetricInvocations, metric.WithDescription("Model invocation attempts by outcome"))
	e.fallbacks, _ = meter.Int64Counter(MetricFallbacks, metric.WithDescription("Chains served by a non-primary candidate"))
	e.cost, _ = meter.Float64Counter(MetricCost, metric.WithDescription("Actual cost of served invocations"), metric.WithUnit("USD"))
	e.latency, _ = meter.Int64Histogram(MetricLatency, metric.WithDescription("Latency of served invocations"), metric.WithUnit("ms"))
	return e
}

// Execute tries chain in order and returns the first successful result.
// timeout bounds each attempt; zero uses the configured default.
func (e *Executor) Execute(ctx context.Context, chain models.FallbackChain, req provider.Request, timeout time.Duration) (*InvocationResult, error) {
	if len(chain) == 0 {
		return nil, apperror.New(apperror.KindModelUnavailable, "empty fallback chain")
	}
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}

	ctx, span := e.tracer.Start(ctx, "executor.Execute",
		trace.WithAttributes(attribute.String("primary", chain.Primary().Key())))
	defer span.End()

	start := time.Now()
	totalAttempts := 0
	var failures []CandidateFailure

	for idx, cand := range chain {
		resp, attempts, err := e.tryCandidate(ctx, cand, req, timeout)
		totalAttempts += attempts

		if err == nil {
			result, costErr := e.result(cand, resp, idx > 0, totalAttempts, time.Since(start))
			if costErr != nil {
				span.RecordError(costErr)
				span.SetStatus(codes.Error, costErr.Error())
				return nil, costErr
			}
			e.record(ctx, cand, "success")
			if result.FellBack {
				e.fallbacks.Add(ctx, 1, metric.WithAttributes(
					attribute.String("primary", chain.Primary().Key()),
					attribute.String("served_by", cand.Key())))
				e.logger.Warn("served by fallback candidate",
					"primary", chain.Primary().Key(), "served_by", cand.Key(), "attempts", totalAttempts)
			}
			e.cost.Add(ctx, result.ActualCost, metric.WithAttributes(attribute.String("provider", string(cand.Provider))))
			e.latency.Record(ctx, result.LatencyMs, metric.WithAttributes(attribute.String("model", cand.Key())))
			span.SetAttributes(
				attribute.String("model_used", cand.Key()),
				attribute.Int("attempts", totalAttempts),
				attribute.Float64("cost_usd", result.ActualCost))
			return result, nil
		}

		if ctx.Err() != nil || apperror.KindOf(err) == apperror.KindCanceled {
			e.record(ctx, cand, "canceled")
			cancelErr := apperror.Wrap(apperror.KindCanceled, "model invocation aborted", ctx.Err())
			if ctx.Err() == nil {
				cancelErr.Cause = err
			}
			span.RecordError(cancelErr)
			span.SetStatus(codes.Error, "canceled")
			return nil, cancelErr
		}

		e.record(ctx, cand, "failure")
		e.logger.Warn("candidate failed",
			"candidate", cand.Key(), "attempts", attempts, "retryable", apperror.IsRetryable(err), "error", err)
		failures = append(failures, CandidateFailure{
			Provider: cand.Provider,
			Model:    cand.Model,
			Attempts: attempts,
			Err:      err,
		})
	}

	exhausted := &apperror.Error{
		Kind:      apperror.KindModelUnavailable,
		Message:   fmt.Sprintf("fallback chain exhausted after %d candidate(s)", len(chain)),
		Retryable: true,
		Cause:     &ChainExhaustedError{Failures: failures},
	}
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, "chain exhausted")
	return nil, exhausted
}

// tryCandidate invokes one candidate, retrying transient failures.
func (e *Executor) tryCandidate(ctx context.Context, cand models.Candidate, req provider.Request, timeout time.Duration) (*provider.Response, int, error) {
	var (
		resp     *provider.Response
		attempts int
	)

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		r, err := e.dispatcher.Invoke(callCtx, cand, req)
		if err == nil {
			resp = r
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if isTransient(err, callCtx) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	if e.opts.MaxDelay > 0 {
		b.MaxInterval = e.opts.MaxDelay
	}
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.opts.MaxAttemptsPerCandidate-1)), ctx)
	err := backoff.Retry(op, policy)
	return resp, attempts, err
}

// isTransient reports whether a failed attempt may succeed if repeated.
// An attempt that ran into its own timeout is transient.
func isTransient(err error, callCtx context.Context) bool {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		if appErr.Kind == apperror.KindCanceled {
			return false
		}
		return appErr.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil
}

func (e *Executor) result(cand models.Candidate, resp *provider.Response, fellBack bool, attempts int, elapsed time.Duration) (*InvocationResult, error) {
	tier, ok := e.prices.Tier(cand.Tier)
	if !ok {
		return nil, apperror.New(apperror.KindInternal,
			fmt.Sprintf("no pricing for tier %q of candidate %s", cand.Tier, cand.Key()))
	}
	return &InvocationResult{
		Content:    resp.Content,
		TokensIn:   resp.InputTokens,
		TokensOut:  resp.OutputTokens,
		ActualCost: tier.Cost(resp.InputTokens, resp.OutputTokens),
		ModelUsed:  cand.Model,
		Provider:   cand.Provider,
		Tier:       tier.Name,
		Attempts:   attempts,
		FellBack:   fellBack,
		LatencyMs:  elapsed.Milliseconds(),
	}, nil
}

func (e *Executor) record(ctx context.Context, cand models.Candidate, outcome string) {
	e.invocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", string(cand.Provider)),
		attribute.String("model", cand.Model),
		attribute.String("outcome", outcome)))
}
