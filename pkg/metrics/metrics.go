// Package metrics accounts for tokens, cost and provider switches across a
// process lifetime, both as an in-memory summary and as Prometheus collectors.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ProviderStats is the running total for one provider.
type ProviderStats struct {
	Requests            int
	Failures            int
	PromptTokens        int
	CompletionTokens    int
	CacheCreationTokens int
	CacheReadTokens     int
	CostUSD             float64
	Latency             time.Duration
}

// Snapshot is a point-in-time copy of the accumulated metrics.
type Snapshot struct {
	Providers      map[string]ProviderStats
	Transitions    map[string]int
	OriginalTokens int
	SavedTokens    int
}

// Totals sums every provider.
func (s Snapshot) Totals() ProviderStats {
	var t ProviderStats
	for _, p := range s.Providers {
		t.Requests += p.Requests
		t.Failures += p.Failures
		t.PromptTokens += p.PromptTokens
		t.CompletionTokens += p.CompletionTokens
		t.CacheCreationTokens += p.CacheCreationTokens
		t.CacheReadTokens += p.CacheReadTokens
		t.CostUSD += p.CostUSD
		t.Latency += p.Latency
	}
	return t
}

// SavingsRatio is the share of original tokens the optimizer removed.
func (s Snapshot) SavingsRatio() float64 {
	if s.OriginalTokens == 0 {
		return 0
	}
	return float64(s.SavedTokens) / float64(s.OriginalTokens)
}

func (s Snapshot) String() string {
	var b strings.Builder
	t := s.Totals()
	fmt.Fprintf(&b, "Requests:          %d (%d failed)\n", t.Requests, t.Failures)
	fmt.Fprintf(&b, "Prompt tokens:     %d\n", t.PromptTokens)
	fmt.Fprintf(&b, "Completion tokens: %d\n", t.CompletionTokens)
	fmt.Fprintf(&b, "Cache write/read:  %d / %d\n", t.CacheCreationTokens, t.CacheReadTokens)
	fmt.Fprintf(&b, "Estimated cost:    $%.4f\n", t.CostUSD)
	fmt.Fprintf(&b, "Optimizer saved:   %d tokens (%.1f%%)\n", s.SavedTokens, s.SavingsRatio()*100)

	names := make([]string, 0, len(s.Providers))
	for name := range s.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := s.Providers[name]
		fmt.Fprintf(&b, "  %-10s %d requests, %d tokens, $%.4f\n", name, p.Requests, p.PromptTokens+p.CompletionTokens, p.CostUSD)
	}
	if len(s.Transitions) > 0 {
		keys := make([]string, 0, len(s.Transitions))
		for k := range s.Transitions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Transitions:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s x%d\n", k, s.Transitions[k])
		}
	}
	return b.String()
}

// Tracker bundles the in-memory totals with Prometheus collectors. A nil
// Tracker ignores every call.
type Tracker struct {
	mu       sync.Mutex
	snapshot Snapshot

	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	failures    *prometheus.CounterVec
	tokens      *prometheus.CounterVec
	cost        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	optimized   *prometheus.CounterVec
}

func NewTracker() *Tracker {
	reg := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenopt_provider_requests_total",
		Help: "Completed provider calls",
	}, []string{"provider", "model"})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenopt_provider_failures_total",
		Help: "Failed provider calls by reason",
	}, []string{"provider", "reason"})

	tokens := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenopt_provider_tokens_total",
		Help: "Tokens reported by providers by kind",
	}, []string{"provider", "kind"})

	cost := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenopt_provider_cost_usd_total",
		Help: "Estimated provider cost in USD",
	}, []string{"provider"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tokenopt_provider_duration_seconds",
		Help:    "Provider call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenopt_orchestrator_transitions_total",
		Help: "Provider role transitions",
	}, []string{"from", "to", "reason"})

	optimized := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenopt_optimizer_tokens_total",
		Help: "Tokens seen and removed by the optimizer",
	}, []string{"kind"})

	reg.MustRegister(requests, failures, tokens, cost, duration, transitions, optimized)

	return &Tracker{
		snapshot: Snapshot{
			Providers:   make(map[string]ProviderStats),
			Transitions: make(map[string]int),
		},
		registry:    reg,
		requests:    requests,
		failures:    failures,
		tokens:      tokens,
		cost:        cost,
		duration:    duration,
		transitions: transitions,
		optimized:   optimized,
	}
}

// Usage mirrors provider.Usage so this package stays free of provider imports.
type Usage struct {
	PromptTokens        int
	CompletionTokens    int
	CacheCreationTokens int
	CacheReadTokens     int
	CostUSD             float64
}

// RecordUsage records one successful provider call.
func (t *Tracker) RecordUsage(provider, model string, u Usage, d time.Duration) {
	if t == nil {
		return
	}
	provider, model = orUnknown(provider), orUnknown(model)

	t.mu.Lock()
	s := t.snapshot.Providers[provider]
	s.Requests++
	s.PromptTokens += u.PromptTokens
	s.CompletionTokens += u.CompletionTokens
	s.CacheCreationTokens += u.CacheCreationTokens
	s.CacheReadTokens += u.CacheReadTokens
	s.CostUSD += u.CostUSD
	s.Latency += d
	t.snapshot.Providers[provider] = s
	t.mu.Unlock()

	t.requests.WithLabelValues(provider, model).Inc()
	t.tokens.WithLabelValues(provider, "prompt").Add(float64(u.PromptTokens))
	t.tokens.WithLabelValues(provider, "completion").Add(float64(u.CompletionTokens))
	t.tokens.WithLabelValues(provider, "cache_write").Add(float64(u.CacheCreationTokens))
	t.tokens.WithLabelValues(provider, "cache_read").Add(float64(u.CacheReadTokens))
	t.cost.WithLabelValues(provider).Add(u.CostUSD)
	t.duration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordFailure records a failed provider call.
func (t *Tracker) RecordFailure(provider, reason string) {
	if t == nil {
		return
	}
	provider, reason = orUnknown(provider), orUnknown(reason)

	t.mu.Lock()
	s := t.snapshot.Providers[provider]
	s.Failures++
	t.snapshot.Providers[provider] = s
	t.mu.Unlock()

	t.failures.WithLabelValues(provider, reason).Inc()
}

// RecordTransition counts a provider role change.
func (t *Tracker) RecordTransition(from, to, reason string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.snapshot.Transitions[from+"->"+to]++
	t.mu.Unlock()

	t.transitions.WithLabelValues(from, to, orUnknown(reason)).Inc()
}

// RecordOptimization records an optimizer run's before and after sizes.
func (t *Tracker) RecordOptimization(original, optimized int) {
	if t == nil {
		return
	}
	saved := original - optimized
	if saved < 0 {
		saved = 0
	}
	t.mu.Lock()
	t.snapshot.OriginalTokens += original
	t.snapshot.SavedTokens += saved
	t.mu.Unlock()

	t.optimized.WithLabelValues("original").Add(float64(original))
	t.optimized.WithLabelValues("saved").Add(float64(saved))
}

// Snapshot returns a copy of the running totals.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Snapshot{
		Providers:      make(map[string]ProviderStats, len(t.snapshot.Providers)),
		Transitions:    make(map[string]int, len(t.snapshot.Transitions)),
		OriginalTokens: t.snapshot.OriginalTokens,
		SavedTokens:    t.snapshot.SavedTokens,
	}
	for k, v := range t.snapshot.Providers {
		out.Providers[k] = v
	}
	for k, v := range t.snapshot.Transitions {
		out.Transitions[k] = v
	}
	return out
}

// Registry returns the underlying Prometheus registry.
func (t *Tracker) Registry() *prometheus.Registry {
	return t.registry
}

// Handler serves the collectors in the Prometheus text format.
func (t *Tracker) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
