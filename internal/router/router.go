// Package router maps abstract task types to a model tier and the ordered
// fallback chain that serves it.
//
// Routing is a pure lookup against the static catalog: a task type with no
// mapping is an error and is never defaulted to some tier, since a silent
// misassignment defeats cost control.
package router

import (
	"fmt"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/apperror"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/config"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// Route is the routing decision for a task type.
type Route struct {
	TaskType string               `json:"task_type"`
	Tier     models.ModelTier     `json:"tier"`
	Chain    models.FallbackChain `json:"chain"`
}

// Router resolves task types against an immutable catalog.
type Router struct {
	tasks  map[string]models.TierName
	tiers  map[models.TierName]models.ModelTier
	chains map[models.TierName]models.FallbackChain
}

// NewRouter creates a Router over the given catalog. The catalog's tables are
// copied so later mutation of the catalog cannot change routing decisions.
func NewRouter(catalog *config.Catalog) (*Router, error) {
	if catalog == nil {
		return nil, fmt.Errorf("router: catalog is required")
	}
	r := &Router{
		tasks:  make(map[string]models.TierName, len(catalog.Tasks)),
		tiers:  make(map[models.TierName]models.ModelTier, len(catalog.Tiers)),
		chains: make(map[models.TierName]models.FallbackChain, len(catalog.Chains)),
	}
	for task, tier := range catalog.Tasks {
		r.tasks[task] = tier
	}
	for name, tier := range catalog.Tiers {
		r.tiers[name] = tier
	}
	for name, chain := range catalog.Chains {
		if len(chain) == 0 {
			return nil, fmt.Errorf("router: tier %s has an empty fallback chain", name)
		}
		r.chains[name] = append(models.FallbackChain(nil), chain...)
	}
	return r, nil
}

// Route returns the tier and fallback chain for taskType.
func (r *Router) Route(taskType string) (Route, error) {
	tierName, ok := r.tasks[taskType]
	if !ok {
		return Route{}, apperror.UnknownTaskType(taskType)
	}
	tier, ok := r.tiers[tierName]
	if !ok {
		return Route{}, apperror.New(apperror.KindUnknownTaskType,
			fmt.Sprintf("task type %s maps to undefined tier %s", taskType, tierName))
	}
	return Route{
		TaskType: taskType,
		Tier:     tier,
		// Hand out a copy; the executor must not be able to reorder our chain.
		Chain: append(models.FallbackChain(nil), r.chains[tierName]...),
	}, nil
}

// Tier returns the pricing of a tier by name.
func (r *Router) Tier(name models.TierName) (models.ModelTier, bool) {
	t, ok := r.tiers[name]
	return t, ok
}

// EstimateCost returns the expected USD cost of running taskType with the
// given number of input tokens, assuming the tier's typical output length.
func (r *Router) EstimateCost(taskType string, inputTokens int64) (float64, models.ModelTier, error) {
	route, err := r.Route(taskType)
	if err != nil {
		return 0, models.ModelTier{}, err
	}
	if inputTokens < 0 {
		inputTokens = 0
	}
	return route.Tier.Cost(inputTokens, route.Tier.EstimatedOutputTokens), route.Tier, nil
}

// EstimateTokenCount provides a rough token count estimate from text.
// Uses the ~4 characters per token heuristic for English.
func EstimateTokenCount(text string) int64 {
	if len(text) == 0 {
		return 0
	}
	return int64(len(text) / 4)
}
