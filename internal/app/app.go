// Package app assembles the Meridian services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/agents"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/analytics"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/config"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/database"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/executor"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/progress"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/provider"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/telemetry"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/tenant"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/workflow"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/cache"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// CostSummarizer aggregates recorded invocation cost by a dimension.
type CostSummarizer interface {
	CostSummary(ctx context.Context, dimension string, from, to time.Time) ([]models.CostSummary, error)
}

// Services is the dependency container shared by the HTTP API and the CLI.
// Fields are nil when the backend they need is not configured.
type Services struct {
	Config       *config.Config
	Catalog      *config.Catalog
	Router       *router.Router
	Budget       *budget.Controller
	Orchestrator *workflow.Orchestrator
	Broker       *progress.Broker
	Tenants      tenant.Store
	Insights     *analytics.InsightsEngine
	Costs        CostSummarizer
	Metrics      *telemetry.Metrics

	DB    *database.DB
	Cache *cache.Cache

	logger *slog.Logger
}

type options struct {
	invokers []provider.Invoker
	agents   map[models.Stage]workflow.Agent
}

// Option customizes New.
type Option func(*options)

// WithInvokers replaces the provider invokers built from API keys.
func WithInvokers(invokers ...provider.Invoker) Option {
	return func(o *options) { o.invokers = invokers }
}

// WithAgents replaces the default stage agents.
func WithAgents(a map[models.Stage]workflow.Agent) Option {
	return func(o *options) { o.agents = a }
}

// New connects the configured backends and wires every service. On error
// anything already opened is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *Services, err error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Services{Config: cfg, logger: logger, Broker: progress.NewBroker()}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()

	if cfg.MetricsEnabled {
		if s.Metrics, err = telemetry.Setup(); err != nil {
			return nil, err
		}
	}

	if s.Catalog, err = config.LoadCatalog(cfg.CatalogPath); err != nil {
		return nil, err
	}
	if s.Router, err = router.NewRouter(s.Catalog); err != nil {
		return nil, err
	}

	if cfg.NeedsDatabase() {
		if s.DB, err = database.New(ctx, cfg.DSN()); err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", cfg.RedactedDSN(), err)
		}
		if err = s.DB.Migrate(ctx); err != nil {
			return nil, err
		}
		logger.Info("database connected", "dsn", cfg.RedactedDSN())
	}
	if cfg.NeedsRedis() {
		if s.Cache, err = cache.NewCache(ctx, cfg.RedisAddr(), cfg.RedisPassword, logger); err != nil {
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr(), err)
		}
		logger.Info("redis connected", "addr", cfg.RedisAddr())
	}

	var (
		ledger   budget.Ledger
		store    workflow.Store
		locker   workflow.Locker
		recorder workflow.InvocationRecorder
		source   analytics.Source
	)
	switch cfg.LedgerBackend {
	case config.BackendRedis:
		ledger = budget.NewRedisLedger(s.Cache.Client())
	case config.BackendPostgres:
		ledger = budget.NewPostgresLedger(s.DB.Pool)
	default:
		ledger = budget.NewMemoryLedger()
	}
	if cfg.LockBackend == config.BackendRedis {
		locker = workflow.NewRedisLocker(s.Cache, cfg.LockTTL, logger)
	} else {
		locker = workflow.NewMemoryLocker()
	}
	if s.DB != nil {
		s.Tenants = s.DB
		s.Costs = s.DB
		recorder, source = s.DB, s.DB
	} else {
		s.Tenants = tenant.NewMemoryStore()
		log := analytics.NewMemoryLog(0)
		recorder, source = log, log
	}
	if cfg.StoreBackend == config.BackendPostgres {
		store = s.DB
	} else {
		store = workflow.NewMemoryStore()
	}
	if s.Metrics != nil {
		if recorder, err = telemetry.NewRecorder(s.Metrics.MeterProvider().Meter("meridian/usage"), recorder); err != nil {
			return nil, err
		}
	}

	s.Budget = budget.NewController(s.Router, s.Catalog, ledger, s.Tenants, logger)
	s.Insights = analytics.NewInsightsEngine(source, logger)

	invokers := o.invokers
	if invokers == nil {
		if invokers, err = invokersFromKeys(ctx, cfg); err != nil {
			return nil, err
		}
	}
	if len(invokers) == 0 {
		logger.Warn("no provider API keys configured; every model call will fail")
	}
	registry := provider.NewRegistry(cfg.ProviderRPS, invokers...)
	exec := executor.New(registry, s.Router, executor.Options{
		MaxAttemptsPerCandidate: cfg.MaxAttemptsPerCandidate,
		BaseDelay:               cfg.RetryBaseDelay,
		MaxDelay:                cfg.RetryMaxDelay,
		DefaultTimeout:          cfg.InvokeTimeout,
	}, logger)

	// With Redis, events reach the local broker through Relay so every
	// replica's subscribers see them.
	var fanout progress.Emitter = s.Broker
	if s.Cache != nil {
		fanout = progress.NewRedisPublisher(s.Cache)
	}

	stageAgents := o.agents
	if stageAgents == nil {
		stageAgents = agents.Defaults()
	}
	wopts := workflow.DefaultOptions()
	wopts.RouteBackCap = cfg.RouteBackCap
	wopts.MinCompleteness = cfg.MinCompleteness
	wopts.RouteBackThreshold = cfg.RouteBackThreshold
	wopts.RouteBackTarget = models.Stage(cfg.RouteBackTarget)
	wopts.MaxSpendFactor = cfg.StageSpendFactor
	wopts.InvokeTimeout = cfg.InvokeTimeout

	s.Orchestrator, err = workflow.New(workflow.Deps{
		Store:       store,
		Locker:      locker,
		Budget:      s.Budget,
		Router:      s.Router,
		Executor:    exec,
		Agents:      stageAgents,
		Emitter:     progress.Multi{progress.NewLogEmitter(logger), fanout},
		Invocations: recorder,
		Logger:      logger,
	}, wopts)
	if err != nil {
		return nil, err
	}

	logger.Info("services ready",
		"ledger", cfg.LedgerBackend, "store", cfg.StoreBackend, "lock", cfg.LockBackend,
		"providers", registry.Providers())
	return s, nil
}

func invokersFromKeys(ctx context.Context, cfg *config.Config) ([]provider.Invoker, error) {
	var out []provider.Invoker
	if cfg.AnthropicKey != "" {
		out = append(out, provider.NewAnthropicInvoker(cfg.AnthropicKey))
	}
	if cfg.OpenAIKey != "" {
		inv, err := provider.NewOpenAIInvoker(cfg.OpenAIKey)
		if err != nil {
			return nil, fmt.Errorf("creating openai client: %w", err)
		}
		out = append(out, inv)
	}
	if cfg.GeminiKey != "" {
		inv, err := provider.NewGeminiInvoker(ctx, cfg.GeminiKey)
		if err != nil {
			return nil, fmt.Errorf("creating gemini client: %w", err)
		}
		out = append(out, inv)
	}
	return out, nil
}

// Background runs the Redis progress relay until ctx is done. Without Redis
// it just waits.
func (s *Services) Background(ctx context.Context) error {
	if s.Cache == nil {
		<-ctx.Done()
		return nil
	}
	return progress.Relay(ctx, s.Cache, s.Broker, s.logger)
}

// Health pings every connected backend.
func (s *Services) Health(ctx context.Context) map[string]string {
	status := map[string]string{}
	if s.DB != nil {
		status["postgres"] = healthOf(s.DB.Ping(ctx))
	}
	if s.Cache != nil {
		status["redis"] = healthOf(s.Cache.Ping(ctx))
	}
	return status
}

func healthOf(err error) string {
	if err != nil {
		return "unhealthy: " + err.Error()
	}
	return "healthy"
}

// Close releases connections and flushes metrics.
func (s *Services) Close(ctx context.Context) error {
	var errs []error
	if s.Cache != nil {
		errs = append(errs, s.Cache.Close())
	}
	if s.DB != nil {
		s.DB.Close()
	}
	if s.Metrics != nil {
		errs = append(errs, s.Metrics.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
