package optimize

import (
	"context"
	"strings"

	"github.com/kcaldas/tokenopt/pkg/request"
	"github.com/zeebo/xxh3"
)

const (
	similarityThreshold = 0.8
	// lineRatioBound skips the line-set comparison when one item has more than
	// twice the lines of the other.
	lineRatioBound = 2.0
)

// dedupStrategy drops repeated context in three passes of increasing cost:
// exact hash, whitespace-normalized hash, then line-set Jaccard similarity.
// The first occurrence always survives.
type dedupStrategy struct{}

func (s *dedupStrategy) Name() StrategyType { return Deduplicate }

func (s *dedupStrategy) Apply(_ context.Context, req request.Request) (request.Request, []Diagnostic, error) {
	out := req.Clone()
	out.Items = deduplicate(out.Items)
	return out, nil, nil
}

func deduplicate(items []request.ContextItem) []request.ContextItem {
	items = dropRepeatedHashes(items, func(c string) uint64 { return xxh3.HashString(c) })
	items = dropRepeatedHashes(items, func(c string) uint64 { return xxh3.HashString(collapseRuns(c)) })

	type kept struct {
		item  request.ContextItem
		lines map[string]struct{}
	}
	var survivors []kept
	for _, item := range items {
		lines := lineSet(item.Content)
		duplicate := false
		for _, prev := range survivors {
			if similarLineSets(lines, prev.lines) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			survivors = append(survivors, kept{item: item, lines: lines})
		}
	}

	out := make([]request.ContextItem, len(survivors))
	for i, k := range survivors {
		out[i] = k.item
	}
	return out
}

func dropRepeatedHashes(items []request.ContextItem, hash func(string) uint64) []request.ContextItem {
	seen := make(map[uint64]struct{}, len(items))
	out := items[:0:0]
	for _, item := range items {
		h := hash(item.Content)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, item)
	}
	return out
}

// lineSet is the set of trimmed, non-empty lines.
func lineSet(content string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return set
}

func similarLineSets(a, b map[string]struct{}) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	ratio := float64(len(a)) / float64(len(b))
	if ratio > lineRatioBound || ratio < 1/lineRatioBound {
		return false
	}
	return jaccard(a, b) >= similarityThreshold
}

func jaccard(a, b map[string]struct{}) float64 {
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for line := range small {
		if _, ok := large[line]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
