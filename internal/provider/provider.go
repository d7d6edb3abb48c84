// Package provider executes single model calls against the supported LLM
// providers and normalizes their results and failures.
//
// API keys are held in memory only and are never persisted.
package provider

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/apperror"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// defaultMaxTokens bounds output when the caller does not.
const defaultMaxTokens = 4096

// Request is the provider-neutral payload of one model call.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int64
}

func (r Request) maxTokens() int64 {
	if r.MaxTokens <= 0 {
		return defaultMaxTokens
	}
	return r.MaxTokens
}

// Response is the normalized result of one successful model call.
type Response struct {
	Content      string
	InputTokens  int64
	OutputTokens int64
}

// Invoker performs one call against one model of a single provider.
// Failures are returned as *apperror.Error of kind model_invocation,
// with Retryable set for transient causes.
type Invoker interface {
	Provider() models.LLMProvider
	Invoke(ctx context.Context, model string, req Request) (*Response, error)
}

// Registry dispatches calls to the invoker of the candidate's provider,
// applying an optional per-provider client-side rate limit.
type Registry struct {
	mu       sync.RWMutex
	invokers map[models.LLMProvider]Invoker
	limiters map[models.LLMProvider]*rate.Limiter
	rps      float64
}

// NewRegistry creates a Registry. rps <= 0 disables client-side throttling.
func NewRegistry(rps float64, invokers ...Invoker) *Registry {
	r := &Registry{
		invokers: make(map[models.LLMProvider]Invoker),
		limiters: make(map[models.LLMProvider]*rate.Limiter),
		rps:      rps,
	}
	for _, inv := range invokers {
		r.Register(inv)
	}
	return r
}

// Register adds or replaces the invoker for its provider.
func (r *Registry) Register(inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := inv.Provider()
	r.invokers[p] = inv
	if r.rps > 0 {
		burst := int(r.rps)
		if burst < 1 {
			burst = 1
		}
		r.limiters[p] = rate.NewLimiter(rate.Limit(r.rps), burst)
	}
}

// Providers returns the providers that have an invoker registered.
func (r *Registry) Providers() []models.LLMProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.LLMProvider, 0, len(r.invokers))
	for p := range r.invokers {
		out = append(out, p)
	}
	return out
}

// Invoke calls candidate.Model on the candidate's provider.
func (r *Registry) Invoke(ctx context.Context, candidate models.Candidate, req Request) (*Response, error) {
	r.mu.RLock()
	inv, ok := r.invokers[candidate.Provider]
	limiter := r.limiters[candidate.Provider]
	r.mu.RUnlock()

	if !candidate.Provider.Valid() {
		return nil, apperror.Permanent(candidate.Provider, "unsupported provider", nil)
	}
	if !ok {
		return nil, apperror.Permanent(candidate.Provider, "no invoker configured", nil)
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, classifyContext(candidate.Provider, err)
		}
	}

	resp, err := inv.Invoke(ctx, candidate.Model, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, apperror.Permanent(candidate.Provider, fmt.Sprintf("model %s returned no response", candidate.Model), nil)
	}
	return resp, nil
}
