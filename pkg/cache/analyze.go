package cache

import (
	"fmt"
	"sort"
	"strings"
)

// minSectionGap is the smallest distance, in bytes, between two suggested
// breakpoints in a single block of text.
const minSectionGap = 500

var sectionMarkers = []string{"\n## ", "\n# ", "\n---\n", "\n\n\n"}

// Analysis describes the caching potential of a single block of text.
type Analysis struct {
	MeetsMinimum    bool
	EstimatedTokens int
	// Breakpoints are byte offsets of section boundaries that make good
	// cache boundaries.
	Breakpoints []int
	// PotentialSavings is the share of the block's input cost caching would save.
	PotentialSavings float64
	Suggestions      []string
}

// Analyze reports whether content is large enough to cache and where it could
// be split.
func (o *Optimizer) Analyze(content string) Analysis {
	a := Analysis{
		EstimatedTokens: o.count(content),
		Breakpoints:     sectionBreakpoints(content),
	}
	a.MeetsMinimum = a.EstimatedTokens >= o.cfg.MinCacheTokens
	if a.MeetsMinimum {
		a.PotentialSavings = o.cfg.DiscountRate
	} else {
		a.Suggestions = append(a.Suggestions, fmt.Sprintf(
			"content is about %d tokens short of the %d-token cache minimum; combine it with other static content",
			o.cfg.MinCacheTokens-a.EstimatedTokens, o.cfg.MinCacheTokens))
	}
	if a.MeetsMinimum && len(a.Breakpoints) == 0 && a.EstimatedTokens >= 2*o.cfg.MinCacheTokens {
		a.Suggestions = append(a.Suggestions, "no section boundaries found; split the content with headings so it can be cached in parts")
	}
	return a
}

func sectionBreakpoints(content string) []int {
	var candidates []int
	for _, marker := range sectionMarkers {
		offset := 0
		for {
			idx := strings.Index(content[offset:], marker)
			if idx < 0 {
				break
			}
			candidates = append(candidates, offset+idx)
			offset += idx + 1
		}
	}
	sort.Ints(candidates)

	var positions []int
	last := 0
	for _, pos := range candidates {
		if pos > last+minSectionGap {
			positions = append(positions, pos)
			last = pos
		}
	}
	return positions
}
