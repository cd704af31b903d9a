package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/kcaldas/tokenopt/internal/di"
	"github.com/kcaldas/tokenopt/pkg/config"
	"github.com/kcaldas/tokenopt/pkg/metrics"
	"github.com/kcaldas/tokenopt/pkg/provider"
	"github.com/kcaldas/tokenopt/pkg/request"
	"github.com/kcaldas/tokenopt/pkg/tokens"
)

var wordCounter = tokens.CounterFunc(func(text, _ string) int { return len(strings.Fields(text)) })

// stubProvider replies with a fixed text, or fails with err while err is set.
type stubProvider struct {
	name  string
	reply string
	err   error

	mu       sync.Mutex
	requests []request.Request
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Send(_ context.Context, req request.Request) (*provider.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req.Clone())
	if p.err != nil {
		return nil, p.err
	}
	return &provider.Response{
		Content:  p.reply,
		Provider: p.name,
		Model:    p.name + "-model",
		Usage:    provider.Usage{PromptTokens: 12, CompletionTokens: 3},
	}, nil
}

func (p *stubProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// newTestApp assembles the graph the way InitializeApp does, but over stub
// providers and a word counter so nothing touches the network.
func newTestApp(t *testing.T, providers map[provider.Role]provider.Provider) *di.App {
	t.Helper()
	cfg := config.Default()
	cfg.Primary.APIKey = "pk"
	cfg.Fallback.APIKey = "fk"
	cfg.Local.Enabled = false
	cfg.Optimization.UseLocalLLM = false

	factories := make(map[provider.Role]provider.Factory, len(providers))
	for role, p := range providers {
		p := p
		factories[role] = func() (provider.Provider, error) { return p, nil }
	}

	bus := di.ProvideEventBus()
	t.Cleanup(bus.Shutdown)
	ollama := di.ProvideAgent(cfg)
	engine := di.ProvideEngine(cfg, wordCounter, ollama, bus)
	layout := di.ProvideCacheOptimizer(cfg, wordCounter)
	tracker := di.ProvideCacheTracker(cfg)
	m := metrics.NewTracker()
	chain := provider.NewChain(factories)
	orch := di.ProvideOrchestrator(cfg, chain, bus, m, tracker)
	pipe, err := di.ProvidePipeline(cfg, engine, layout, tracker, orch, m)
	require.NoError(t, err)

	return &di.App{
		Config:       cfg,
		Counter:      wordCounter,
		Agent:        ollama,
		Bus:          bus,
		Engine:       engine,
		Layout:       layout,
		Tracker:      tracker,
		Metrics:      m,
		Chain:        chain,
		Orchestrator: orch,
		Pipeline:     pipe,
	}
}

func appProvider(app *di.App) AppProvider {
	return func(context.Context) (*di.App, error) { return app, nil }
}

// run executes cmd with args and stdin, returning everything it printed.
func run(t *testing.T, cmd *cobra.Command, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
