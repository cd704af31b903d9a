//go:build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"github.com/kcaldas/tokenopt/pkg/config"
)

var appSet = wire.NewSet(
	ProvideCounter,
	ProvideAgent,
	ProvideEventBus,
	ProvideMetrics,
	ProvideEngine,
	ProvideCacheOptimizer,
	ProvideCacheTracker,
	ProvideChain,
	ProvideOrchestrator,
	ProvidePipeline,
	wire.Struct(new(App), "*"),
)

// InitializeApp builds the application graph from a loaded configuration.
func InitializeApp(ctx context.Context, cfg *config.Config) (*App, error) {
	wire.Build(appSet)
	return nil, nil
}
