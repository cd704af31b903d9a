package optimize

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/kcaldas/tokenopt/pkg/request"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func numberedLines(n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d of the file", i)
	}
	return strings.Join(lines, "\n")
}

func names(items []request.ContextItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Name
	}
	return out
}

func TestDeduplicate_ExactCopiesKeepFirst(t *testing.T) {
	items := []request.ContextItem{
		{Name: "a", Content: "x\ny"},
		{Name: "b", Content: "x\ny"},
		{Name: "c", Content: "z"},
	}
	assert.Equal(t, []string{"a", "c"}, names(deduplicate(items)))
}

func TestDeduplicate_WhitespaceOnlyDifferences(t *testing.T) {
	items := []request.ContextItem{
		{Name: "a", Content: "a  b\nc"},
		{Name: "b", Content: "a b c"},
	}
	assert.Equal(t, []string{"a"}, names(deduplicate(items)))
}

func TestDeduplicate_NearDuplicates(t *testing.T) {
	full := numberedLines(10)

	t.Run("nine of ten lines shared", func(t *testing.T) {
		items := []request.ContextItem{{Name: "full", Content: full}, {Name: "most", Content: numberedLines(9)}}
		assert.Equal(t, []string{"full"}, names(deduplicate(items)))
	})

	t.Run("seven of ten lines shared", func(t *testing.T) {
		items := []request.ContextItem{{Name: "full", Content: full}, {Name: "part", Content: numberedLines(7)}}
		assert.Equal(t, []string{"full", "part"}, names(deduplicate(items)))
	})

	t.Run("very different sizes are never compared", func(t *testing.T) {
		items := []request.ContextItem{{Name: "full", Content: full}, {Name: "few", Content: numberedLines(4)}}
		assert.Equal(t, []string{"full", "few"}, names(deduplicate(items)))
	})
}

func TestDeduplicate_Idempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(t, "n")
		items := make([]request.ContextItem, n)
		for i := range items {
			items[i] = request.ContextItem{
				Name:    fmt.Sprintf("item%d", i),
				Content: rapid.StringMatching(`(?:[abc]{1,2}[ \n]){0,6}`).Draw(t, "content"),
			}
		}

		once := deduplicate(items)
		twice := deduplicate(once)
		if !reflect.DeepEqual(names(once), names(twice)) {
			t.Fatalf("second pass changed result: %v -> %v", names(once), names(twice))
		}
	})
}
