package optimize

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/kcaldas/tokenopt/pkg/events"
	"github.com/kcaldas/tokenopt/pkg/failure"
	"github.com/kcaldas/tokenopt/pkg/logging"
	"github.com/kcaldas/tokenopt/pkg/request"
	"github.com/kcaldas/tokenopt/pkg/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordCounter counts whitespace separated words, which keeps budgets easy to reason about.
var wordCounter = tokens.CounterFunc(func(text, _ string) int { return len(strings.Fields(text)) })

type fakeAgent struct {
	mu        sync.Mutex
	available bool
	compress  func(text string, ratio float64) (string, error)
	score     func(query, text string) (float64, error)
	calls     int
}

func (f *fakeAgent) Compress(ctx context.Context, text string, ratio float64) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.compress == nil {
		return text, nil
	}
	return f.compress(text, ratio)
}

func (f *fakeAgent) Score(ctx context.Context, query, text string) (float64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.score == nil {
		return 0.5, nil
	}
	return f.score(query, text)
}

func (f *fakeAgent) Generate(ctx context.Context, prompt, system string) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeAgent) Available(ctx context.Context) bool { return f.available }

type recordingPublisher struct {
	mu     sync.Mutex
	events []any
}

func (r *recordingPublisher) Publish(topic string, event any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func newTestEngine(opts ...Option) *Engine {
	opts = append([]Option{WithLogger(logging.NewDisabledLogger())}, opts...)
	return NewEngine(wordCounter, opts...)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no strategies", Config{}},
		{"unknown strategy", Config{Strategies: []StrategyType{"shrink_everything"}}},
		{"truncate without target", Config{Strategies: []StrategyType{TruncateContext}}},
		{"negative target", Config{TargetTokens: -1, Strategies: []StrategyType{Deduplicate}}},
		{"weight above one", Config{Strategies: []StrategyType{Deduplicate}, KeywordWeight: 1.5}},
		{"weight below zero", Config{Strategies: []StrategyType{Deduplicate}, KeywordWeight: -0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.cfg.Validate(), failure.ErrConfigurationInvalid)
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]StrategyType{
		"strip_whitespace":   StripWhitespace,
		"strip-whitespace":   StripWhitespace,
		"StripWhitespace":    StripWhitespace,
		" llm_compress ":     LLMCompress,
		"ExtractSignatures":  ExtractSignatures,
		"relevance-filter":   RelevanceFilter,
		"TRUNCATE_CONTEXT":   TruncateContext,
	} {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseStrategies([]string{"deduplicate", "bogus"})
	assert.ErrorIs(t, err, failure.ErrConfigurationInvalid)
}

func TestEngine_InvalidConfigReturnsError(t *testing.T) {
	_, err := newTestEngine().Optimize(context.Background(), request.Request{Task: "x"}, Config{})
	assert.ErrorIs(t, err, failure.ErrConfigurationInvalid)
}

func TestEngine_RunsStrategiesInOrderAndRecordsStats(t *testing.T) {
	pub := &recordingPublisher{}
	engine := newTestEngine(WithPublisher(pub))

	req := request.Request{
		Task: "explain   the   function",
		Items: []request.ContextItem{
			{Name: "a.go", Content: "x := 1 // set x"},
			{Name: "b.go", Content: "x := 1 // set x"},
		},
	}
	cfg := Config{Strategies: []StrategyType{Deduplicate, RemoveComments, Abbreviate}, KeywordWeight: 0.4}

	res, err := engine.Optimize(context.Background(), req, cfg)
	require.NoError(t, err)

	require.Len(t, res.Stats.Strategies, 3)
	assert.Equal(t, Deduplicate, res.Stats.Strategies[0].Name)
	assert.Equal(t, RemoveComments, res.Stats.Strategies[1].Name)
	assert.Equal(t, Abbreviate, res.Stats.Strategies[2].Name)
	assert.Equal(t, 1, res.Stats.Strategies[0].ItemsDropped)

	for i := 1; i < len(res.Stats.Strategies); i++ {
		assert.Equal(t, res.Stats.Strategies[i-1].TokensAfter, res.Stats.Strategies[i].TokensBefore)
	}
	assert.Equal(t, res.Stats.OriginalTokens, res.Stats.Strategies[0].TokensBefore)
	assert.Equal(t, res.Stats.OptimizedTokens, res.Stats.Strategies[2].TokensAfter)
	assert.Greater(t, res.Stats.TokensSaved(), 0)
	assert.Less(t, res.Stats.CompressionRatio(), 1.0)

	require.Len(t, res.Request.Items, 1)
	assert.Equal(t, "x := 1", res.Request.Items[0].Content)
	assert.Equal(t, "explain   the   fn", res.Request.Task)

	require.Len(t, pub.events, 1)
	evt := pub.events[0].(events.OptimizationEvent)
	assert.Equal(t, []string{"deduplicate", "remove_comments", "abbreviate"}, evt.Strategies)
}

func TestEngine_DoesNotMutateInput(t *testing.T) {
	req := request.Request{
		Task:  "fix   parser",
		Items: []request.ContextItem{{Name: "p.go", Content: "a  b // c"}, {Name: "p2.go", Content: "a  b // c"}},
	}
	snapshot := req.Clone()

	_, err := newTestEngine().Optimize(context.Background(), req, Config{
		Strategies:   []StrategyType{StripWhitespace, RemoveComments, Deduplicate, RelevanceFilter},
		TargetTokens: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, snapshot, req)
}

func TestEngine_StopAtTarget(t *testing.T) {
	req := request.Request{Task: "tiny"}
	res, err := newTestEngine().Optimize(context.Background(), req, Config{
		Strategies:   []StrategyType{StripWhitespace, Abbreviate, Deduplicate},
		TargetTokens: 100,
		StopAtTarget: true,
	})
	require.NoError(t, err)
	assert.Len(t, res.Stats.Strategies, 1)
}

func TestEngine_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestEngine().Optimize(ctx, request.Request{Task: "t"}, Config{Strategies: []StrategyType{Deduplicate}})
	assert.ErrorIs(t, err, failure.ErrCancelled)
}

func TestEngine_AgentStrategiesWithoutAgentAreNoOps(t *testing.T) {
	req := request.Request{
		Task:  "refactor the parser",
		Items: []request.ContextItem{{Name: "parser.go", Content: "func Parse() {}"}},
	}
	res, err := newTestEngine().Optimize(context.Background(), req, Config{
		Strategies:    []StrategyType{LLMCompress},
		UseLocalAgent: true,
	})
	require.NoError(t, err)

	assert.Equal(t, req.Items[0].Content, res.Request.Items[0].Content)
	assert.Equal(t, 0, res.Stats.Strategies[0].Saved())
	diags := res.Diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, DiagAgentUnavailable, diags[0].Kind)
	assert.ErrorIs(t, diags[0].Err(), failure.ErrAgentUnavailable)
}

func TestEngine_UseLocalAgentFalseIgnoresAgent(t *testing.T) {
	agent := &fakeAgent{available: true, compress: func(string, float64) (string, error) { return "short", nil }}
	engine := newTestEngine(WithAgent(agent))

	req := request.Request{Task: "t", Items: []request.ContextItem{{Name: "x", Content: "one two three four"}}}
	res, err := engine.Optimize(context.Background(), req, Config{Strategies: []StrategyType{LLMCompress}})
	require.NoError(t, err)

	assert.Equal(t, "one two three four", res.Request.Items[0].Content)
	assert.Equal(t, 0, agent.calls)
}

func TestOptimize_LogsPerStrategy(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.Config{Level: slog.LevelDebug, Output: &buf})
	e := NewEngine(wordCounter, WithLogger(logger))

	req := request.Request{Task: "t", Items: []request.ContextItem{{Name: "a.go", Content: "x  :=  1 // note"}}}
	_, err := e.Optimize(context.Background(), req, Config{Strategies: []StrategyType{StripWhitespace, RemoveComments}})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "strategy=strip_whitespace")
	assert.Contains(t, out, "strategy=remove_comments")
	assert.Contains(t, out, "strategy applied")
}
