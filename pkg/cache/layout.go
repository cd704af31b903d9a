// Package cache lays requests out so providers can reuse cached prompt
// prefixes, and tracks which prefixes were already sent.
package cache

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kcaldas/tokenopt/pkg/failure"
	"github.com/kcaldas/tokenopt/pkg/logging"
	"github.com/kcaldas/tokenopt/pkg/request"
	"github.com/kcaldas/tokenopt/pkg/tokens"
)

// MinCacheTokens is the smallest prefix Anthropic will cache.
const MinCacheTokens = 1024

// Config controls how requests are laid out for provider-side caching.
type Config struct {
	MinCacheTokens int     `yaml:"min_cache_tokens"`
	MaxBreakpoints int     `yaml:"max_breakpoints"`
	AutoReorder    bool    `yaml:"auto_reorder"`
	PadToMinimum   bool    `yaml:"pad_to_minimum"`
	TokensPerChar  float64 `yaml:"tokens_per_char"`
	// DiscountRate is the share of a cached token's price that caching saves.
	DiscountRate float64 `yaml:"discount_rate"`
}

func DefaultConfig() Config {
	return Config{
		MinCacheTokens: MinCacheTokens,
		MaxBreakpoints: 4,
		AutoReorder:    true,
		PadToMinimum:   false,
		TokensPerChar:  0.25,
		DiscountRate:   0.9,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MinCacheTokens < 0:
		return fmt.Errorf("%w: min_cache_tokens must not be negative", failure.ErrConfigurationInvalid)
	case c.MaxBreakpoints < 0:
		return fmt.Errorf("%w: max_breakpoints must not be negative", failure.ErrConfigurationInvalid)
	case c.TokensPerChar <= 0:
		return fmt.Errorf("%w: tokens_per_char must be positive", failure.ErrConfigurationInvalid)
	case c.DiscountRate < 0 || c.DiscountRate > 1:
		return fmt.Errorf("%w: discount_rate must be within [0, 1]", failure.ErrConfigurationInvalid)
	}
	return nil
}

// BreakpointKind says what a cache breakpoint follows.
type BreakpointKind int

const (
	AfterSystem BreakpointKind = iota
	AfterItem
)

// Breakpoint marks the end of a cacheable prefix.
type Breakpoint struct {
	Kind BreakpointKind
	// Index is the position of the item in the reordered request. Unused for AfterSystem.
	Index int
	// PrefixTokens is the size of everything up to and including the breakpoint.
	PrefixTokens int
}

func (b Breakpoint) String() string {
	if b.Kind == AfterSystem {
		return fmt.Sprintf("after system (%d tokens)", b.PrefixTokens)
	}
	return fmt.Sprintf("after item %d (%d tokens)", b.Index, b.PrefixTokens)
}

// OptimizedRequest is a request laid out for caching, with the numbers behind the layout.
type OptimizedRequest struct {
	Request request.Request
	// Classes holds the stability class of each item in Request.Items.
	Classes []request.Stability
	// Order maps each item in Request.Items to its index in the input.
	Order            []int
	StaticTokens     int
	DynamicTokens    int
	Breakpoints      []Breakpoint
	CacheEligible    bool
	PaddingDeficit   int
	EstimatedSavings int
	Suggestions      []string
}

// Optimizer classifies context items, orders them so stable content forms a
// prefix, and places cache breakpoints.
type Optimizer struct {
	cfg     Config
	counter tokens.Counter
	model   string
	logger  logging.Logger
}

type Option func(*Optimizer)

// WithCounter replaces the chars-based estimate with a real tokenizer.
func WithCounter(c tokens.Counter, model string) Option {
	return func(o *Optimizer) {
		o.counter = c
		o.model = model
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(o *Optimizer) { o.logger = logger }
}

func NewOptimizer(cfg Config, opts ...Option) *Optimizer {
	o := &Optimizer{
		cfg:     cfg,
		counter: tokens.NewHeuristic(cfg.TokensPerChar),
		logger:  logging.NewComponentLogger("cache"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Optimizer) Config() Config { return o.cfg }

func (o *Optimizer) count(text string) int { return o.counter.Count(text, o.model) }

func (o *Optimizer) itemTokens(item request.ContextItem) int {
	return tokens.CountItem(o.counter, item, o.model)
}

// Classify returns the stability class of an item: its explicit tag, then the
// IsStatic flag, then a guess from its content, kind and name.
func (o *Optimizer) Classify(item request.ContextItem) request.Stability {
	if item.Stability != request.StabilityUnset {
		return item.Stability
	}
	if item.IsStatic {
		return request.Static
	}
	if looksLikeSystemPrompt(item.Content) {
		return request.Static
	}
	switch item.Kind {
	case request.KindDocumentation:
		return request.Static
	case request.KindError, request.KindOutput:
		return request.Volatile
	case request.KindFile, request.KindOther:
		if isTypeDefinition(item.Name) || isConfigFile(item.Name) {
			return request.SemiStatic
		}
	}
	return request.Dynamic
}

var systemPromptOpeners = []string{"you are ", "you're ", "your role is", "act as ", "system:", "# system"}

func looksLikeSystemPrompt(content string) bool {
	head := strings.ToLower(strings.TrimSpace(content))
	for _, opener := range systemPromptOpeners {
		if strings.HasPrefix(head, opener) {
			return true
		}
	}
	return false
}

func isTypeDefinition(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range []string{".d.ts", "types.rs", "types.py", "types.go", "schema.prisma", ".proto"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return strings.Contains(lower, "interface")
}

func isConfigFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".toml", ".yaml", ".yml", ".ini", ".cfg":
		return true
	}
	return false
}

// OptimizeRequest lays out req for caching. The input is not modified. Cache
// markers already present on items are replaced by the computed breakpoints.
func (o *Optimizer) OptimizeRequest(req request.Request) *OptimizedRequest {
	out := req.Clone()
	out.SystemCacheable = false

	classes := make([]request.Stability, len(out.Items))
	order := make([]int, len(out.Items))
	for i, item := range out.Items {
		classes[i] = o.Classify(item)
		order[i] = i
		out.Items[i].CacheControl = nil
	}

	if o.cfg.AutoReorder {
		sort.SliceStable(order, func(a, b int) bool { return classes[order[a]] < classes[order[b]] })
		items := make([]request.ContextItem, len(order))
		sorted := make([]request.Stability, len(order))
		for pos, idx := range order {
			items[pos] = out.Items[idx]
			sorted[pos] = classes[idx]
		}
		out.Items, classes = items, sorted
	}

	res := &OptimizedRequest{Classes: classes, Order: order}
	systemTokens := o.count(out.System)
	itemTokens := make([]int, len(out.Items))
	for i, item := range out.Items {
		itemTokens[i] = o.itemTokens(item)
	}

	// The cacheable prefix is the system text plus the leading Static run and
	// the SemiStatic run right after it.
	staticEnd := 0
	for staticEnd < len(classes) && classes[staticEnd] == request.Static {
		staticEnd++
	}
	semiEnd := staticEnd
	for semiEnd < len(classes) && classes[semiEnd] == request.SemiStatic {
		semiEnd++
	}

	res.StaticTokens = systemTokens
	for i, n := range itemTokens {
		if i < semiEnd {
			res.StaticTokens += n
		} else {
			res.DynamicTokens += n
		}
	}
	res.DynamicTokens += o.count(out.Task)
	for _, msg := range out.Messages {
		res.DynamicTokens += o.count(msg.Content)
	}

	res.Breakpoints = o.placeBreakpoints(systemTokens, itemTokens, staticEnd, semiEnd)
	for _, bp := range res.Breakpoints {
		if bp.Kind == AfterSystem {
			out.SystemCacheable = true
			continue
		}
		out.Items[bp.Index].CacheControl = request.Ephemeral()
	}

	res.CacheEligible = res.StaticTokens >= o.cfg.MinCacheTokens
	if res.CacheEligible {
		res.EstimatedSavings = int(float64(res.StaticTokens) * o.cfg.DiscountRate)
	}
	res.Suggestions = o.suggest(res, classes)
	res.Request = out

	o.logger.Debug("cache layout computed",
		"items", len(out.Items),
		"static_tokens", res.StaticTokens,
		"dynamic_tokens", res.DynamicTokens,
		"breakpoints", len(res.Breakpoints),
		"eligible", res.CacheEligible)
	return res
}

// placeBreakpoints collects the candidate boundaries that reach the minimum
// and keeps the MaxBreakpoints candidates covering the most tokens.
func (o *Optimizer) placeBreakpoints(systemTokens int, itemTokens []int, staticEnd, semiEnd int) []Breakpoint {
	var candidates []Breakpoint
	if systemTokens > 0 && systemTokens >= o.cfg.MinCacheTokens {
		candidates = append(candidates, Breakpoint{Kind: AfterSystem, PrefixTokens: systemTokens})
	}

	cumulative := systemTokens
	for i := 0; i < staticEnd; i++ {
		cumulative += itemTokens[i]
	}
	if staticEnd > 0 && cumulative >= o.cfg.MinCacheTokens {
		candidates = append(candidates, Breakpoint{Kind: AfterItem, Index: staticEnd - 1, PrefixTokens: cumulative})
	}
	for i := staticEnd; i < semiEnd; i++ {
		cumulative += itemTokens[i]
	}
	if semiEnd > staticEnd && cumulative >= o.cfg.MinCacheTokens {
		candidates = append(candidates, Breakpoint{Kind: AfterItem, Index: semiEnd - 1, PrefixTokens: cumulative})
	}

	if len(candidates) > o.cfg.MaxBreakpoints {
		sort.SliceStable(candidates, func(a, b int) bool { return candidates[a].PrefixTokens > candidates[b].PrefixTokens })
		candidates = candidates[:o.cfg.MaxBreakpoints]
		sort.SliceStable(candidates, func(a, b int) bool { return candidates[a].PrefixTokens < candidates[b].PrefixTokens })
	}
	return candidates
}

func (o *Optimizer) suggest(res *OptimizedRequest, classes []request.Stability) []string {
	var out []string
	if !res.CacheEligible {
		deficit := o.cfg.MinCacheTokens - res.StaticTokens
		if o.cfg.PadToMinimum {
			res.PaddingDeficit = deficit
			out = append(out, fmt.Sprintf(
				"add about %d tokens of stable content (documentation, type definitions) to reach the %d-token cache minimum",
				deficit, o.cfg.MinCacheTokens))
		} else {
			out = append(out, fmt.Sprintf(
				"cacheable prefix is %d tokens, %d short of the %d-token minimum",
				res.StaticTokens, deficit, o.cfg.MinCacheTokens))
		}
	}

	if !o.cfg.AutoReorder {
		misplaced := 0
		seenDynamic := false
		for _, c := range classes {
			if c >= request.Dynamic {
				seenDynamic = true
			} else if seenDynamic {
				misplaced++
			}
		}
		if misplaced > 0 {
			out = append(out, fmt.Sprintf("%d stable items follow dynamic content; enable auto_reorder to cache them", misplaced))
		}
	}
	return out
}
