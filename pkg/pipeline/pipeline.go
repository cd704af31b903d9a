// Package pipeline ties the optimizer, the cache layout and the orchestrator
// together into the path a single turn takes.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/kcaldas/tokenopt/pkg/cache"
	"github.com/kcaldas/tokenopt/pkg/logging"
	"github.com/kcaldas/tokenopt/pkg/metrics"
	"github.com/kcaldas/tokenopt/pkg/optimize"
	"github.com/kcaldas/tokenopt/pkg/orchestrator"
	"github.com/kcaldas/tokenopt/pkg/request"
)

// prefixKey is the cache tracker key of a request's static prefix.
const prefixKey = "static-prefix"

// Options adjust one turn.
type Options struct {
	// SkipOptimize sends the request without running the strategies.
	SkipOptimize bool
	// OnChunk receives streamed output when set.
	OnChunk func(string)
}

// Prepared is a request ready to dispatch.
type Prepared struct {
	Optimization *optimize.Result
	Layout       *cache.OptimizedRequest
	Prefix       cache.CheckResult
}

// Request is the request the provider receives.
func (p *Prepared) Request() request.Request { return p.Layout.Request }

// Outcome is a dispatched turn.
type Outcome struct {
	Prepared *Prepared
	Result   *orchestrator.Result
}

// Pipeline runs optimize, cache layout and dispatch in that order.
type Pipeline struct {
	engine  *optimize.Engine
	optCfg  optimize.Config
	layout  *cache.Optimizer
	tracker *cache.Tracker
	orch    *orchestrator.Orchestrator
	metrics *metrics.Tracker
	logger  logging.Logger
}

func New(
	engine *optimize.Engine,
	optCfg optimize.Config,
	layout *cache.Optimizer,
	tracker *cache.Tracker,
	orch *orchestrator.Orchestrator,
	m *metrics.Tracker,
) *Pipeline {
	return &Pipeline{
		engine:  engine,
		optCfg:  optCfg,
		layout:  layout,
		tracker: tracker,
		orch:    orch,
		metrics: m,
		logger:  logging.NewComponentLogger("pipeline"),
	}
}

func (p *Pipeline) Orchestrator() *orchestrator.Orchestrator { return p.orch }
func (p *Pipeline) CacheTracker() *cache.Tracker { return p.tracker }
func (p *Pipeline) Metrics() *metrics.Tracker { return p.metrics }
func (p *Pipeline) OptimizeConfig() optimize.Config { return p.optCfg }

// Prepare optimizes req and lays it out for caching without sending it.
func (p *Pipeline) Prepare(ctx context.Context, req request.Request, opts Options) (*Prepared, error) {
	prepared := &Prepared{}
	current := req
	if !opts.SkipOptimize {
		res, err := p.engine.Optimize(ctx, req, p.optCfg)
		if err != nil {
			return nil, fmt.Errorf("optimize: %w", err)
		}
		prepared.Optimization = res
		current = res.Request
		p.metrics.RecordOptimization(res.Stats.OriginalTokens, res.Stats.OptimizedTokens)
	}

	prepared.Layout = p.layout.OptimizeRequest(current)
	if p.tracker != nil && prepared.Layout.CacheEligible {
		content, tokens := staticPrefix(prepared.Layout)
		prepared.Prefix = p.tracker.Observe(prefixKey, content, tokens)
		p.logger.Debug("static prefix", "status", prepared.Prefix.Status.String(), "tokens", tokens)
	}
	return prepared, nil
}

// Send prepares req and dispatches it on the session.
func (p *Pipeline) Send(ctx context.Context, s *orchestrator.Session, req request.Request, opts Options) (*Outcome, error) {
	prepared, err := p.Prepare(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	var res *orchestrator.Result
	if opts.OnChunk != nil {
		res, err = p.orch.ExecuteStream(ctx, s, prepared.Request(), opts.OnChunk)
	} else {
		res, err = p.orch.Execute(ctx, s, prepared.Request())
	}
	if err != nil {
		return &Outcome{Prepared: prepared}, err
	}
	return &Outcome{Prepared: prepared, Result: res}, nil
}

// staticPrefix renders the content up to the last breakpoint.
func staticPrefix(layout *cache.OptimizedRequest) (string, int) {
	if len(layout.Breakpoints) == 0 {
		return "", 0
	}
	last := layout.Breakpoints[len(layout.Breakpoints)-1]
	var b strings.Builder
	b.WriteString(layout.Request.System)
	if last.Kind == cache.AfterItem {
		for _, item := range layout.Request.Items[:last.Index+1] {
			b.WriteString("\n\n")
			b.WriteString(item.Render())
		}
	}
	return b.String(), last.PrefixTokens
}
