package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyze_Minimum(t *testing.T) {
	o := NewOptimizer(DefaultConfig())

	small := o.Analyze("fn main() {}")
	assert.False(t, small.MeetsMinimum)
	assert.Zero(t, small.PotentialSavings)
	assert.Len(t, small.Suggestions, 1)

	large := o.Analyze(strings.Repeat("x", 5000))
	assert.True(t, large.MeetsMinimum)
	assert.Equal(t, 1250, large.EstimatedTokens)
	assert.InDelta(t, 0.9, large.PotentialSavings, 1e-9)
}

func TestAnalyze_SectionBreakpointsAreSpacedOut(t *testing.T) {
	pad := strings.Repeat("a", 600)
	content := "intro" + pad + "\n## One\n" + pad + "\n## Two\n" + strings.Repeat("b", 100) + "\n---\nrest"

	first := strings.Index(content, "\n## One")
	second := strings.Index(content, "\n## Two")

	a := NewOptimizer(DefaultConfig()).Analyze(content)
	assert.Equal(t, []int{first, second}, a.Breakpoints)
}

func TestAnalyze_NoMarkers(t *testing.T) {
	assert.Empty(t, sectionBreakpoints(strings.Repeat("plain ", 400)))
}
