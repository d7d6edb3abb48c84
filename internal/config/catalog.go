package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog is the static routing configuration: tier pricing, fallback
// chains, the task to tier table and subscription limits. It is loaded
// once at startup and never mutated afterwards.
type Catalog struct {
	Tiers               map[models.TierName]models.ModelTier     `yaml:"tiers" validate:"required,min=1,dive"`
	Chains              map[models.TierName]models.FallbackChain `yaml:"chains" validate:"required,min=1,dive,min=1,dive"`
	Tasks               map[string]models.TierName               `yaml:"tasks" validate:"required,min=1"`
	Subscriptions       map[string]models.Subscription           `yaml:"subscriptions" validate:"required,min=1,dive"`
	DefaultSubscription string                                   `yaml:"default_subscription" validate:"required"`
}

// LoadCatalog reads the catalog at path, or the embedded default when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return ParseCatalog(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// normalize fills names from map keys and defaults candidate pricing tiers
// to the tier of the chain they belong to.
func (c *Catalog) normalize() {
	for name, tier := range c.Tiers {
		tier.Name = name
		c.Tiers[name] = tier
	}
	for name, sub := range c.Subscriptions {
		sub.Name = name
		c.Subscriptions[name] = sub
	}
	for tier, chain := range c.Chains {
		for i := range chain {
			if chain[i].Tier == "" {
				chain[i].Tier = tier
			}
		}
	}
}

var validate = validator.New()

// Validate checks struct constraints and cross references between tables.
func (c *Catalog) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}

	var errs []error
	for name := range c.Tiers {
		if models.TierRank(name) == 0 {
			errs = append(errs, fmt.Errorf("unknown tier %q", name))
		}
		if _, ok := c.Chains[name]; !ok {
			errs = append(errs, fmt.Errorf("tier %q has no fallback chain", name))
		}
		for _, sub := range c.Tiers[name].AllowedSubscriptions {
			if _, ok := c.Subscriptions[sub]; !ok {
				errs = append(errs, fmt.Errorf("tier %q allows unknown subscription %q", name, sub))
			}
		}
	}
	for name, chain := range c.Chains {
		if _, ok := c.Tiers[name]; !ok {
			errs = append(errs, fmt.Errorf("chain for undefined tier %q", name))
		}
		for _, cand := range chain {
			if _, ok := c.Tiers[cand.Tier]; !ok {
				errs = append(errs, fmt.Errorf("chain %q candidate %s priced at undefined tier %q", name, cand.Key(), cand.Tier))
			}
		}
	}
	for task, tier := range c.Tasks {
		if _, ok := c.Tiers[tier]; !ok {
			errs = append(errs, fmt.Errorf("task %q maps to undefined tier %q", task, tier))
		}
	}
	for name, sub := range c.Subscriptions {
		for _, t := range sub.AllowedModelTiers {
			if _, ok := c.Tiers[t]; !ok {
				errs = append(errs, fmt.Errorf("subscription %q allows undefined tier %q", name, t))
			}
		}
	}
	if _, ok := c.Subscriptions[c.DefaultSubscription]; !ok {
		errs = append(errs, fmt.Errorf("default subscription %q is not defined", c.DefaultSubscription))
	}

	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
		return fmt.Errorf("invalid catalog: %w", errors.Join(errs...))
	}
	return nil
}

// Subscription returns the named subscription, falling back to the default
// subscription when name is empty or unknown.
func (c *Catalog) Subscription(name string) models.Subscription {
	if sub, ok := c.Subscriptions[strings.ToLower(name)]; ok {
		return sub
	}
	return c.Subscriptions[c.DefaultSubscription]
}

// TaskTypes returns every configured task type in sorted order.
func (c *Catalog) TaskTypes() []string {
	types := make([]string, 0, len(c.Tasks))
	for t := range c.Tasks {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
