package di

import (
	"context"

	"github.com/kcaldas/tokenopt/pkg/agent"
	"github.com/kcaldas/tokenopt/pkg/cache"
	"github.com/kcaldas/tokenopt/pkg/config"
	"github.com/kcaldas/tokenopt/pkg/events"
	"github.com/kcaldas/tokenopt/pkg/logging"
	"github.com/kcaldas/tokenopt/pkg/metrics"
	"github.com/kcaldas/tokenopt/pkg/optimize"
	"github.com/kcaldas/tokenopt/pkg/orchestrator"
	"github.com/kcaldas/tokenopt/pkg/pipeline"
	"github.com/kcaldas/tokenopt/pkg/provider"
	"github.com/kcaldas/tokenopt/pkg/tokens"
)

// App is the assembled application graph.
type App struct {
	Config       *config.Config
	Counter      tokens.Counter
	Agent        *agent.Ollama
	Bus          *events.InMemoryBus
	Engine       *optimize.Engine
	Layout       *cache.Optimizer
	Tracker      *cache.Tracker
	Metrics      *metrics.Tracker
	Chain        *provider.Chain
	Orchestrator *orchestrator.Orchestrator
	Pipeline     *pipeline.Pipeline
}

// Close stops the event bus workers.
func (a *App) Close() {
	if a.Bus != nil {
		a.Bus.Shutdown()
	}
}

func ProvideCounter() tokens.Counter {
	return tokens.NewTiktoken(logging.NewComponentLogger("tokens"))
}

func ProvideAgent(cfg *config.Config) *agent.Ollama {
	return agent.NewOllama(
		agent.WithBaseURL(cfg.Local.URL),
		agent.WithModel(cfg.Local.Model),
	)
}

func ProvideEventBus() *events.InMemoryBus {
	return events.NewEventBus()
}

func ProvideMetrics() *metrics.Tracker {
	return metrics.NewTracker()
}

// ProvideEngine only hands the agent to the engine when local agent use is
// enabled, so llm_compress degrades to a diagnostic otherwise.
func ProvideEngine(cfg *config.Config, counter tokens.Counter, ollama *agent.Ollama, bus *events.InMemoryBus) *optimize.Engine {
	opts := []optimize.Option{optimize.WithPublisher(bus)}
	if cfg.Local.Enabled && cfg.Optimization.UseLocalLLM {
		opts = append(opts, optimize.WithAgent(ollama))
	}
	return optimize.NewEngine(counter, opts...)
}

func ProvideCacheOptimizer(cfg *config.Config, counter tokens.Counter) *cache.Optimizer {
	return cache.NewOptimizer(cfg.Cache.Config, cache.WithCounter(counter, cfg.Optimization.Model))
}

// ProvideCacheTracker returns nil when tracking is disabled.
func ProvideCacheTracker(cfg *config.Config) *cache.Tracker {
	if !cfg.Cache.TrackCache {
		return nil
	}
	return cache.NewTracker(cfg.Cache.TrackerCapacity, cache.WithDiscountRate(cfg.Cache.DiscountRate))
}

// ProvideChain registers a factory per configured role. Providers are only
// built when the orchestrator first needs them.
func ProvideChain(ctx context.Context, cfg *config.Config, ollama *agent.Ollama, counter tokens.Counter) (*provider.Chain, error) {
	factories := make(map[provider.Role]provider.Factory, 3)
	roles := []struct {
		role provider.Role
		conf config.ProviderConfig
	}{
		{provider.RolePrimary, cfg.Primary},
		{provider.RoleFallback, cfg.Fallback},
	}
	for _, r := range roles {
		if !r.conf.Configured() {
			continue
		}
		settings, err := r.conf.Settings(string(r.role))
		if err != nil {
			return nil, err
		}
		factories[r.role] = provider.NewFactory(ctx, settings)
	}
	if cfg.Local.Enabled {
		model := cfg.Local.Model
		factories[provider.RoleLocal] = func() (provider.Provider, error) {
			return provider.NewLocal(ollama, counter, model), nil
		}
	}
	return provider.NewChain(factories), nil
}

func ProvideOrchestrator(
	cfg *config.Config,
	chain *provider.Chain,
	bus *events.InMemoryBus,
	m *metrics.Tracker,
	tracker *cache.Tracker,
) *orchestrator.Orchestrator {
	return orchestrator.New(chain, cfg.OrchestratorConfig(),
		orchestrator.WithEventBus(bus),
		orchestrator.WithMetrics(m),
		orchestrator.WithCacheTracker(tracker),
	)
}

func ProvidePipeline(
	cfg *config.Config,
	engine *optimize.Engine,
	layout *cache.Optimizer,
	tracker *cache.Tracker,
	orch *orchestrator.Orchestrator,
	m *metrics.Tracker,
) (*pipeline.Pipeline, error) {
	optCfg, err := cfg.OptimizeConfig()
	if err != nil {
		return nil, err
	}
	return pipeline.New(engine, optCfg, layout, tracker, orch, m), nil
}
