// Package optimize shrinks a request through an ordered pipeline of strategies.
//
// Every strategy receives the previous strategy's output and returns a new
// request; inputs are never mutated. Problems inside a strategy are reported as
// diagnostics and never abort the run. Only invalid configuration and caller
// cancellation produce errors.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kcaldas/tokenopt/pkg/agent"
	"github.com/kcaldas/tokenopt/pkg/events"
	"github.com/kcaldas/tokenopt/pkg/failure"
	"github.com/kcaldas/tokenopt/pkg/logging"
	"github.com/kcaldas/tokenopt/pkg/request"
	"github.com/kcaldas/tokenopt/pkg/tokens"
)

// StrategyType names an optimization strategy.
type StrategyType string

const (
	StripWhitespace   StrategyType = "strip_whitespace"
	RemoveComments    StrategyType = "remove_comments"
	TruncateContext   StrategyType = "truncate_context"
	Abbreviate        StrategyType = "abbreviate"
	LLMCompress       StrategyType = "llm_compress"
	RelevanceFilter   StrategyType = "relevance_filter"
	ExtractSignatures StrategyType = "extract_signatures"
	Deduplicate       StrategyType = "deduplicate"
)

// AllStrategies lists every strategy in a sensible default order.
var AllStrategies = []StrategyType{
	Deduplicate, StripWhitespace, RemoveComments, ExtractSignatures,
	RelevanceFilter, LLMCompress, TruncateContext, Abbreviate,
}

// ParseStrategy accepts snake_case, kebab-case and CamelCase names.
func ParseStrategy(name string) (StrategyType, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	for _, s := range AllStrategies {
		if normalized == string(s) || normalized == strings.ReplaceAll(string(s), "_", "") {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unknown strategy %q", failure.ErrConfigurationInvalid, name)
}

// ParseStrategies parses a list of names, failing on the first unknown one.
func ParseStrategies(names []string) ([]StrategyType, error) {
	out := make([]StrategyType, 0, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		s, err := ParseStrategy(name)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Config drives one optimization run.
type Config struct {
	// TargetTokens is the budget for the whole request. Zero means none.
	TargetTokens int
	Strategies   []StrategyType
	// UseLocalAgent allows strategies to call the preprocessing agent.
	UseLocalAgent      bool
	PreserveCodeBlocks bool
	// KeywordWeight splits relevance scores between keyword coverage and
	// density (or the agent score when one is available).
	KeywordWeight float64
	// Model selects the tokenizer.
	Model string
	// StopAtTarget skips the remaining strategies once the budget is met.
	StopAtTarget bool
	// MinRelevance drops items scoring below it during relevance filtering.
	MinRelevance float64
}

// DefaultConfig mirrors the defaults of the configuration file.
func DefaultConfig() Config {
	return Config{
		TargetTokens:       4000,
		Strategies:         []StrategyType{StripWhitespace, RemoveComments, RelevanceFilter},
		UseLocalAgent:      true,
		PreserveCodeBlocks: true,
		KeywordWeight:      0.4,
		Model:              "gpt-4",
	}
}

// Validate reports configuration the engine refuses to run.
func (c Config) Validate() error {
	if len(c.Strategies) == 0 {
		return fmt.Errorf("%w: no strategies configured", failure.ErrConfigurationInvalid)
	}
	for _, s := range c.Strategies {
		if _, err := ParseStrategy(string(s)); err != nil {
			return err
		}
		if s == TruncateContext && c.TargetTokens <= 0 {
			return fmt.Errorf("%w: %s requires a target token budget", failure.ErrConfigurationInvalid, s)
		}
	}
	if c.TargetTokens < 0 {
		return fmt.Errorf("%w: negative target tokens %d", failure.ErrConfigurationInvalid, c.TargetTokens)
	}
	if c.KeywordWeight < 0 || c.KeywordWeight > 1 {
		return fmt.Errorf("%w: keyword weight %.2f outside [0,1]", failure.ErrConfigurationInvalid, c.KeywordWeight)
	}
	if c.MinRelevance < 0 || c.MinRelevance > 1 {
		return fmt.Errorf("%w: min relevance %.2f outside [0,1]", failure.ErrConfigurationInvalid, c.MinRelevance)
	}
	return nil
}

// DiagnosticKind classifies a non-fatal strategy problem.
type DiagnosticKind string

const (
	DiagBudgetUnmet      DiagnosticKind = "budget_unmet"
	DiagAgentUnavailable DiagnosticKind = "agent_unavailable"
	DiagAgentError       DiagnosticKind = "agent_error"
)

// Diagnostic is attached to strategy stats instead of failing the run.
type Diagnostic struct {
	Kind    DiagnosticKind
	Item    string
	Message string
}

// Err maps the diagnostic onto the shared failure taxonomy.
func (d Diagnostic) Err() error {
	switch d.Kind {
	case DiagBudgetUnmet:
		return fmt.Errorf("%w: %s", failure.ErrBudgetUnmet, d.Message)
	case DiagAgentUnavailable:
		return fmt.Errorf("%w: %s", failure.ErrAgentUnavailable, d.Message)
	default:
		return errors.New(d.Message)
	}
}

func (d Diagnostic) String() string {
	if d.Item == "" {
		return fmt.Sprintf("%s: %s", d.Kind, d.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", d.Kind, d.Item, d.Message)
}

// StrategyStats records what one strategy did.
type StrategyStats struct {
	Name         StrategyType
	TokensBefore int
	TokensAfter  int
	ItemsDropped int
	Duration     time.Duration
	Diagnostics  []Diagnostic
}

// Saved is the number of tokens the strategy removed.
func (s StrategyStats) Saved() int { return s.TokensBefore - s.TokensAfter }

// Stats summarises a whole run.
type Stats struct {
	OriginalTokens  int
	OptimizedTokens int
	Strategies      []StrategyStats
}

// TokensSaved is original minus optimized tokens.
func (s Stats) TokensSaved() int { return s.OriginalTokens - s.OptimizedTokens }

// CompressionRatio is optimized / original; 1 for an empty request.
func (s Stats) CompressionRatio() float64 {
	if s.OriginalTokens == 0 {
		return 1
	}
	return float64(s.OptimizedTokens) / float64(s.OriginalTokens)
}

// SavingsPercent is the share of tokens removed, in percent.
func (s Stats) SavingsPercent() float64 {
	return (1 - s.CompressionRatio()) * 100
}

// Result is an optimized request plus its statistics.
type Result struct {
	Request request.Request
	Stats   Stats
}

// Diagnostics flattens the diagnostics of every strategy.
func (r *Result) Diagnostics() []Diagnostic {
	var out []Diagnostic
	for _, s := range r.Stats.Strategies {
		out = append(out, s.Diagnostics...)
	}
	return out
}

// strategy is one pipeline stage. Apply must not modify its input and only
// returns an error when ctx is done.
type strategy interface {
	Name() StrategyType
	Apply(ctx context.Context, req request.Request) (request.Request, []Diagnostic, error)
}

// Option configures the Engine.
type Option func(*Engine)

// WithAgent wires the preprocessing agent used by llm_compress and relevance_filter.
func WithAgent(a agent.Agent) Option {
	return func(e *Engine) { e.agent = a }
}

// WithLogger injects a custom logger implementation.
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
			e.strategyLogger = func(name string) logging.Logger { return logger.With("strategy", name) }
		}
	}
}

// WithPublisher publishes an OptimizationEvent after every run.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// Engine runs optimization pipelines. It is safe for concurrent use.
type Engine struct {
	counter   tokens.Counter
	agent     agent.Agent
	logger    logging.Logger
	publisher events.Publisher

	strategyLogger func(name string) logging.Logger
}

// NewEngine creates an engine measuring with counter. A nil counter falls back
// to the chars/4 heuristic.
func NewEngine(counter tokens.Counter, opts ...Option) *Engine {
	if counter == nil {
		counter = tokens.NewHeuristic(0.25)
	}
	e := &Engine{
		counter:   counter,
		logger:    logging.NewComponentLogger("optimize"),
		publisher: events.NoOpPublisher{},

		strategyLogger: logging.NewStrategyLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Optimize runs cfg.Strategies over req in order.
func (e *Engine) Optimize(ctx context.Context, req request.Request, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()
	env := e.newRun(cfg)

	current := req.Clone()
	stats := Stats{OriginalTokens: env.measure(current)}
	before := stats.OriginalTokens

	for _, name := range cfg.Strategies {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", failure.ErrCancelled, err)
		}

		s := env.strategy(name)
		log := e.strategyLogger(string(name))
		itemsBefore := len(current.Items)
		t0 := time.Now()

		next, diags, err := s.Apply(ctx, current)
		if err != nil {
			log.Warn("strategy failed", "error", err)
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		after := env.measure(next)
		stats.Strategies = append(stats.Strategies, StrategyStats{
			Name:         name,
			TokensBefore: before,
			TokensAfter:  after,
			ItemsDropped: itemsBefore - len(next.Items),
			Duration:     time.Since(t0),
			Diagnostics:  diags,
		})
		log.Debug("strategy applied", "before", before, "after", after, "diagnostics", len(diags))
		for _, d := range diags {
			log.Debug("diagnostic", "kind", d.Kind, "item", d.Item, "message", d.Message)
		}
		current = next
		before = after

		if cfg.StopAtTarget && cfg.TargetTokens > 0 && after <= cfg.TargetTokens {
			break
		}
	}

	stats.OptimizedTokens = env.measure(current)
	result := &Result{Request: current, Stats: stats}

	names := make([]string, 0, len(stats.Strategies))
	for _, s := range stats.Strategies {
		names = append(names, string(s.Name))
	}
	e.publisher.Publish(events.TopicOptimization, events.OptimizationEvent{
		OriginalTokens:  stats.OriginalTokens,
		OptimizedTokens: stats.OptimizedTokens,
		Strategies:      names,
		Diagnostics:     len(result.Diagnostics()),
		Duration:        time.Since(started),
	})
	e.logger.Info("optimization complete",
		"original_tokens", stats.OriginalTokens,
		"optimized_tokens", stats.OptimizedTokens,
		"saved", stats.TokensSaved())
	return result, nil
}

// run carries per-invocation state shared by the strategies.
type run struct {
	cfg     Config
	counter tokens.Counter
	agent   agent.Agent
	logger  logging.Logger
}

func (e *Engine) newRun(cfg Config) *run {
	r := &run{cfg: cfg, counter: e.counter, logger: e.logger}
	if cfg.UseLocalAgent {
		r.agent = e.agent
	}
	return r
}

func (r *run) count(text string) int { return r.counter.Count(text, r.cfg.Model) }

func (r *run) measure(req request.Request) int {
	return tokens.CountRequest(r.counter, req, r.cfg.Model)
}

// fixedTokens is what the request costs without any context item.
func (r *run) fixedTokens(req request.Request) int {
	fixed := req.Clone()
	fixed.Items = nil
	return r.measure(fixed)
}

// itemBudget is the share of the target left for context items.
func (r *run) itemBudget(req request.Request) int {
	budget := r.cfg.TargetTokens - r.fixedTokens(req)
	if budget < 0 {
		return 0
	}
	return budget
}

func (r *run) strategy(name StrategyType) strategy {
	switch name {
	case StripWhitespace:
		return &whitespaceStrategy{preserveCode: r.cfg.PreserveCodeBlocks}
	case RemoveComments:
		return &commentStrategy{}
	case TruncateContext:
		return &truncateStrategy{run: r}
	case Abbreviate:
		return &abbreviateStrategy{}
	case LLMCompress:
		return &compressStrategy{run: r}
	case RelevanceFilter:
		return &relevanceStrategy{run: r}
	case ExtractSignatures:
		return &signatureStrategy{}
	case Deduplicate:
		return &dedupStrategy{}
	}
	// Validate rejects unknown names before a run starts.
	panic(fmt.Sprintf("optimize: unknown strategy %q", name))
}
