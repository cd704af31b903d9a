package di

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcaldas/tokenopt/pkg/config"
	"github.com/kcaldas/tokenopt/pkg/events"
	"github.com/kcaldas/tokenopt/pkg/failure"
	"github.com/kcaldas/tokenopt/pkg/orchestrator"
	"github.com/kcaldas/tokenopt/pkg/provider"
)

func TestInitializeApp_RegistersConfiguredRoles(t *testing.T) {
	cfg := config.Default()
	cfg.Fallback.APIKey = "ck"

	app, err := InitializeApp(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Close()

	assert.False(t, app.Chain.Configured(provider.RolePrimary))
	assert.True(t, app.Chain.Configured(provider.RoleFallback))
	assert.True(t, app.Chain.Configured(provider.RoleLocal))
	assert.False(t, app.Chain.Initialized(provider.RoleFallback))
	assert.NotNil(t, app.Tracker)
	assert.Same(t, app.Orchestrator, app.Pipeline.Orchestrator())

	s := app.Orchestrator.NewSession()
	assert.Equal(t, orchestrator.Primary, s.State())
}

func TestInitializeApp_LocalDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Primary.APIKey = "pk"
	cfg.Local.Enabled = false
	cfg.Cache.TrackCache = false

	app, err := InitializeApp(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Close()

	assert.True(t, app.Chain.Configured(provider.RolePrimary))
	assert.False(t, app.Chain.Configured(provider.RoleLocal))
	assert.Nil(t, app.Tracker)
	assert.False(t, app.Pipeline.OptimizeConfig().UseLocalAgent)
}

func TestInitializeApp_InvalidConfiguration(t *testing.T) {
	cfg := config.Default()
	cfg.Optimization.Strategies = []string{"compress_harder"}

	_, err := InitializeApp(context.Background(), cfg)
	assert.ErrorIs(t, err, failure.ErrConfigurationInvalid)

	cfg = config.Default()
	cfg.Primary.APIKey = "pk"
	cfg.Primary.Provider = "mystery"
	_, err = InitializeApp(context.Background(), cfg)
	assert.ErrorIs(t, err, failure.ErrConfigurationInvalid)
}

func TestApp_CloseDrainsEvents(t *testing.T) {
	app := &App{Bus: ProvideEventBus()}
	delivered := 0
	app.Bus.Subscribe(events.TopicUsage, func(any) { delivered++ })
	for i := 0; i < 3; i++ {
		app.Bus.Publish(events.TopicUsage, events.UsageEvent{Provider: "venice"})
	}

	app.Close()
	assert.Equal(t, 3, delivered)
	assert.NotPanics(t, app.Close)
	assert.NotPanics(t, (&App{}).Close)
}
