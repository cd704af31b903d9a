package optimize

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kcaldas/tokenopt/pkg/request"
	"github.com/kcaldas/tokenopt/pkg/tokens"
)

const (
	truncationMarker = "\n...[truncated]"
	// overshootTolerance is how far past its budget a cut may land before retrying.
	overshootTolerance = 1.10
	maxTruncateAttempts = 3
)

// codeBoundary matches a blank line followed by a declaration keyword.
var codeBoundary = regexp.MustCompile(
	`\n\n(?:pub(?:\([a-z]+\))? )?(?:async )?(?:export )?(?:default )?` +
		`(?:fn|func|def|class|impl|struct|enum|trait|mod|interface|type|function|const) `)

// truncateStrategy cuts oversized items at natural boundaries so that the
// context fits the target budget.
type truncateStrategy struct {
	run *run
}

func (s *truncateStrategy) Name() StrategyType { return TruncateContext }

func (s *truncateStrategy) Apply(_ context.Context, req request.Request) (request.Request, []Diagnostic, error) {
	out := req.Clone()
	if len(out.Items) == 0 {
		return out, nil, nil
	}

	sizes := make([]int, len(out.Items))
	for i, item := range out.Items {
		sizes[i] = tokens.CountItem(s.run.counter, item, s.run.cfg.Model)
	}
	allocations := allocateBudget(sizes, s.run.itemBudget(out))

	var diags []Diagnostic
	for i, item := range out.Items {
		if sizes[i] <= allocations[i] {
			continue
		}
		contentBudget := allocations[i] - s.run.count(item.Name)
		if contentBudget < 0 {
			contentBudget = 0
		}
		cut, ok := smartTruncate(item.Content, contentBudget, s.run.count)
		out.Items[i].Content = cut
		if !ok {
			diags = append(diags, Diagnostic{
				Kind:    DiagBudgetUnmet,
				Item:    item.Name,
				Message: fmt.Sprintf("%d tokens after truncation, budget %d", s.run.count(cut), contentBudget),
			})
		}
	}
	return out, diags, nil
}

// allocateBudget shares budget between items by water filling: items smaller
// than an even share keep their size and the surplus goes to the others.
func allocateBudget(sizes []int, budget int) []int {
	alloc := make([]int, len(sizes))
	pending := make([]int, len(sizes))
	for i := range sizes {
		pending[i] = i
	}
	// Smallest first so each pass settles every item that fits.
	sort.SliceStable(pending, func(a, b int) bool { return sizes[pending[a]] < sizes[pending[b]] })

	remaining := budget
	for len(pending) > 0 {
		share := remaining / len(pending)
		idx := pending[0]
		if sizes[idx] > share {
			extra := remaining - share*len(pending)
			for k, p := range pending {
				alloc[p] = share
				if k < extra {
					alloc[p]++
				}
			}
			break
		}
		alloc[idx] = sizes[idx]
		remaining -= sizes[idx]
		pending = pending[1:]
	}
	return alloc
}

// smartTruncate cuts text to roughly budget tokens at the best boundary and
// appends the truncation marker. When the measured result overshoots by more
// than 10% the character limit is tightened proportionally and the cut retried.
// It returns the smallest candidate seen and whether it landed within tolerance.
func smartTruncate(text string, budget int, count func(string) int) (string, bool) {
	current := count(text)
	if current <= budget {
		return text, true
	}

	charsPerToken := float64(len(text)) / float64(current)
	limit := int(float64(budget)*charsPerToken) - len(truncationMarker)

	best, bestTokens := "", math.MaxInt
	for attempt := 0; attempt < maxTruncateAttempts; attempt++ {
		if limit < 0 {
			limit = 0
		}
		cut := findBestBoundary(text, limit)
		candidate := strings.TrimRight(text[:cut], " \t\r\n") + truncationMarker
		got := count(candidate)
		if got < bestTokens {
			best, bestTokens = candidate, got
		}
		if float64(got) <= float64(budget)*overshootTolerance {
			return candidate, true
		}
		if limit == 0 {
			break
		}
		tighter := int(float64(limit) * float64(budget) / float64(got))
		if tighter >= limit {
			tighter = limit - 1
		}
		limit = tighter
	}
	return best, false
}

// findBestBoundary returns a cut position at or before limit. Preference goes
// code structure, paragraph, sentence, line, word, then a rune-safe hard cut.
// The first three only count past a quarter of the limit so a cut never throws
// away most of the allowance.
func findBestBoundary(text string, limit int) int {
	if limit >= len(text) {
		return len(text)
	}
	if limit <= 0 {
		return 0
	}
	window := text[:limit]
	floor := limit / 4

	if pos := lastCodeBoundary(window); pos > floor {
		return pos
	}
	if pos := strings.LastIndex(window, "\n\n"); pos > floor {
		return pos
	}
	sentence := -1
	for _, p := range []string{". ", "? ", "! ", ".\n"} {
		if pos := strings.LastIndex(window, p); pos > sentence {
			sentence = pos
		}
	}
	if sentence > floor {
		return sentence + 1
	}
	if pos := strings.LastIndexByte(window, '\n'); pos > 0 {
		return pos
	}
	if pos := strings.LastIndexByte(window, ' '); pos > 0 {
		return pos
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return cut
}

func lastCodeBoundary(window string) int {
	best := -1
	if matches := codeBoundary.FindAllStringIndex(window, -1); len(matches) > 0 {
		best = matches[len(matches)-1][0]
	}
	if pos := strings.LastIndex(window, "\n}\n"); pos >= 0 && pos+2 > best {
		best = pos + 2
	}
	return best
}
