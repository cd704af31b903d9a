package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/kcaldas/tokenopt/pkg/failure"
	"github.com/kcaldas/tokenopt/pkg/request"
	"github.com/kcaldas/tokenopt/pkg/tokens"
)

var stopWords = makeSet(
	"the", "a", "an", "is", "are", "was", "were", "be", "been", "being",
	"have", "has", "had", "do", "does", "did", "will", "would", "could",
	"should", "may", "might", "shall", "can", "need", "must",
	"and", "but", "or", "nor", "not", "so", "yet",
	"in", "on", "at", "to", "for", "of", "with", "by", "from", "as",
	"into", "about", "between", "through", "after", "before",
	"this", "that", "these", "those", "it", "its",
	"i", "me", "my", "we", "our", "you", "your", "he", "she", "they",
	"if", "then", "else", "when", "where", "how", "what", "which", "who",
)

// relevanceStrategy scores every item against the task and, when a budget is
// set, removes the lowest scoring items until the rest fit.
type relevanceStrategy struct {
	run *run
}

func (s *relevanceStrategy) Name() StrategyType { return RelevanceFilter }

func (s *relevanceStrategy) Apply(ctx context.Context, req request.Request) (request.Request, []Diagnostic, error) {
	out := req.Clone()
	if len(out.Items) == 0 {
		return out, nil, nil
	}

	terms := extractKeywords(out.Task)
	w := s.run.cfg.KeywordWeight
	scores := make([]float64, len(out.Items))
	coverage := make([]float64, len(out.Items))
	for i, item := range out.Items {
		var kw float64
		coverage[i], kw = keywordScore(terms, item.Name+" "+item.Content, w)
		scores[i] = kw
	}

	diags, err := s.blendAgentScores(ctx, out, terms, coverage, scores)
	if err != nil {
		return req, nil, err
	}

	for i := range out.Items {
		out.Items[i] = out.Items[i].WithRelevance(scores[i])
	}
	out.Items = s.filter(out, scores)
	return out, diags, nil
}

// blendAgentScores overwrites scores with the agent blend when an agent is
// usable. Per-item agent failures keep the keyword score.
func (s *relevanceStrategy) blendAgentScores(ctx context.Context, req request.Request, terms []string, coverage, scores []float64) ([]Diagnostic, error) {
	if s.run.agent == nil {
		return nil, nil
	}
	if !s.run.agent.Available(ctx) {
		return []Diagnostic{{Kind: DiagAgentUnavailable, Message: "relevance_filter using keyword scores only"}}, nil
	}

	agentScores := make([]float64, len(req.Items))
	errs := make([]error, len(req.Items))
	err := forEachItem(ctx, len(req.Items), func(ctx context.Context, i int) error {
		score, err := s.run.agent.Score(ctx, req.Task, req.Items[i].Content)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, failure.ErrCancelled) {
				return err
			}
			errs[i] = err
			return nil
		}
		agentScores[i] = clamp(score, 0, 1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", failure.ErrCancelled, err)
	}

	var diags []Diagnostic
	for i := range req.Items {
		if errs[i] != nil {
			diags = append(diags, Diagnostic{Kind: DiagAgentError, Item: req.Items[i].Name, Message: errs[i].Error()})
			continue
		}
		if len(terms) == 0 {
			scores[i] = agentScores[i]
			continue
		}
		scores[i] = blendScores(scores[i], coverage[i], agentScores[i], s.run.cfg.KeywordWeight)
	}
	return diags, nil
}

// filter drops items below MinRelevance, then removes lowest scores first
// (ties: lower original index first) until the items fit the budget. Survivors
// keep their original order.
func (s *relevanceStrategy) filter(req request.Request, scores []float64) []request.ContextItem {
	keep := make([]bool, len(req.Items))
	for i := range keep {
		keep[i] = s.run.cfg.MinRelevance <= 0 || scores[i] >= s.run.cfg.MinRelevance
	}

	if s.run.cfg.TargetTokens > 0 {
		budget := s.run.itemBudget(req)
		sizes := make([]int, len(req.Items))
		total := 0
		for i, item := range req.Items {
			sizes[i] = tokens.CountItem(s.run.counter, item, s.run.cfg.Model)
			if keep[i] {
				total += sizes[i]
			}
		}

		order := make([]int, len(req.Items))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return scores[order[a]] < scores[order[b]]
		})
		for _, idx := range order {
			if total <= budget {
				break
			}
			if keep[idx] {
				keep[idx] = false
				total -= sizes[idx]
			}
		}
	}

	kept := make([]request.ContextItem, 0, len(req.Items))
	for i, item := range req.Items {
		if keep[i] {
			kept = append(kept, item)
		}
	}
	return kept
}

// keywordScore returns the coverage of terms in text and the keyword score
// w*coverage + (1-w)*density. Density is the log-damped frequency of matched
// terms relative to the log of the word count, capped at 1.
func keywordScore(terms []string, text string, w float64) (coverage, score float64) {
	if len(terms) == 0 {
		return 0, 0
	}
	words := tokenize(text)
	if len(words) == 0 {
		return 0, 0
	}
	freq := make(map[string]int, len(words))
	for _, word := range words {
		freq[word]++
	}

	matched := 0
	density := 0.0
	for _, term := range terms {
		if tf := freq[term]; tf > 0 {
			matched++
			density += math.Log1p(float64(tf))
		}
	}
	coverage = float64(matched) / float64(len(terms))
	density = math.Min(1, density/math.Log1p(float64(len(words))))
	return coverage, w*coverage + (1-w)*density
}

// blendScores replaces the density share with the agent score. The keyword
// weight moves by 0.2 toward whichever signal the keyword score says to trust:
// up for strong keyword matches, down for weak ones.
func blendScores(keyword, coverage, agentScore, base float64) float64 {
	w := base
	switch {
	case keyword > 0.7:
		w = math.Min(1, base+0.2)
	case keyword < 0.4:
		w = math.Max(0, base-0.2)
	}
	return w*coverage + (1-w)*agentScore
}

// extractKeywords returns distinct lowercase task words longer than two
// characters that are not stop words, in order of first appearance.
func extractKeywords(task string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, word := range tokenize(task) {
		if len(word) <= 2 || stopWords[word] || seen[word] {
			continue
		}
		seen[word] = true
		out = append(out, word)
	}
	return out
}

// tokenize splits on anything that is not a letter, digit or underscore.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for i, f := range fields {
		fields[i] = strings.ToLower(f)
	}
	return fields
}

func makeSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
