package optimize

import (
	"context"
	"errors"
	"fmt"

	"github.com/kcaldas/tokenopt/pkg/failure"
	"github.com/kcaldas/tokenopt/pkg/request"
	"golang.org/x/sync/errgroup"
)

// agentConcurrency bounds parallel calls into the preprocessing agent.
const agentConcurrency = 4

// compressStrategy asks the preprocessing agent to rewrite each item shorter.
// Without an agent it changes nothing.
type compressStrategy struct {
	run *run
}

func (s *compressStrategy) Name() StrategyType { return LLMCompress }

func (s *compressStrategy) Apply(ctx context.Context, req request.Request) (request.Request, []Diagnostic, error) {
	out := req.Clone()
	if len(out.Items) == 0 {
		return out, nil, nil
	}
	if s.run.agent == nil || !s.run.agent.Available(ctx) {
		return out, []Diagnostic{{Kind: DiagAgentUnavailable, Message: "llm_compress skipped, no preprocessing agent"}}, nil
	}

	ratio := 0.5
	if s.run.cfg.TargetTokens > 0 {
		current := s.run.measure(out)
		if current <= s.run.cfg.TargetTokens {
			return out, nil, nil
		}
		ratio = clamp(float64(s.run.cfg.TargetTokens)/float64(current), 0.1, 0.9)
	}

	results := make([]string, len(out.Items))
	errs := make([]error, len(out.Items))
	err := forEachItem(ctx, len(out.Items), func(ctx context.Context, i int) error {
		compressed, err := s.run.agent.Compress(ctx, out.Items[i].Content, ratio)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, failure.ErrCancelled) {
				return err
			}
			errs[i] = err
			return nil
		}
		results[i] = compressed
		return nil
	})
	if err != nil {
		return req, nil, fmt.Errorf("%w: %w", failure.ErrCancelled, err)
	}

	var diags []Diagnostic
	for i, item := range out.Items {
		if errs[i] != nil {
			diags = append(diags, Diagnostic{Kind: DiagAgentError, Item: item.Name, Message: errs[i].Error()})
			continue
		}
		if results[i] != "" && s.run.count(results[i]) < s.run.count(item.Content) {
			out.Items[i].Content = results[i]
		}
	}
	return out, diags, nil
}

// forEachItem runs fn for indexes [0,n) with bounded parallelism. Callers store
// results by index so output order never depends on scheduling.
func forEachItem(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(agentConcurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
