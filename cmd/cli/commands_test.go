package cli

import (
	"bytes"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcaldas/tokenopt/pkg/optimize"
	"github.com/kcaldas/tokenopt/pkg/provider"
	"github.com/kcaldas/tokenopt/pkg/request"
)

func primaryOnly(p provider.Provider) map[provider.Role]provider.Provider {
	return map[provider.Role]provider.Provider{provider.RolePrimary: p}
}

func TestOptimizeCommand_PrintsRequestAndStats(t *testing.T) {
	app := newTestApp(t, primaryOnly(&stubProvider{name: "venice"}))
	ctxFile := writeFile(t, "main.go", "package main\n\n\n\nfunc main()    {}\n")

	out, err := run(t, NewOptimizeCommand(appProvider(app)), "",
		"--task", "explain main", "--context", ctxFile, "--strategies", "strip_whitespace", "--target", "0")
	require.NoError(t, err)

	assert.Contains(t, out, "task: explain main")
	assert.Contains(t, out, "Optimization")
	assert.Contains(t, out, "strip_whitespace")
	assert.Contains(t, out, "Original tokens:")
	assert.Positive(t, app.Metrics.Snapshot().OriginalTokens)
}

func TestOptimizeCommand_WritesOutputFile(t *testing.T) {
	app := newTestApp(t, primaryOnly(&stubProvider{name: "venice"}))
	dest := writeFile(t, "out.yaml", "")

	out, err := run(t, NewOptimizeCommand(appProvider(app)), "summarise the log\n", "-o", dest, "--target", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "Optimized request written to: "+dest)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(data), "task: summarise the log")
}

func TestOptimizeCommand_RejectsUnknownStrategy(t *testing.T) {
	app := newTestApp(t, primaryOnly(&stubProvider{name: "venice"}))
	_, err := run(t, NewOptimizeCommand(appProvider(app)), "", "--task", "x", "--strategies", "squash")
	assert.Error(t, err)
}

func TestWriteDiff(t *testing.T) {
	before := request.Request{Task: "fix", Items: []request.ContextItem{{Name: "a", Content: "old line"}}}
	after := before.Clone()
	after.Items[0].Content = "new line"

	var buf bytes.Buffer
	require.NoError(t, writeDiff(&buf, before, after))
	assert.Contains(t, buf.String(), "--- original")
	assert.Contains(t, buf.String(), "+++ optimized")
	assert.Contains(t, buf.String(), "-old line")
	assert.Contains(t, buf.String(), "+new line")

	buf.Reset()
	require.NoError(t, writeDiff(&buf, before, before))
	assert.Equal(t, "(no changes)\n", buf.String())
}

func TestCacheCommand_ReportsEligibility(t *testing.T) {
	app := newTestApp(t, primaryOnly(&stubProvider{name: "venice"}))
	guide := writeFile(t, "guide.md", strings.Repeat("rule ", 1100))
	code := writeFile(t, "main.go", "func main() {}")

	out, err := run(t, NewCacheCommand(appProvider(app)), "",
		"--task", "review", "--context", code, "--context", guide, "--static", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Cache layout")
	assert.Contains(t, out, "Status: CACHE ELIGIBLE")
	assert.Contains(t, out, guide)

	out, err = run(t, NewCacheCommand(appProvider(app)), "", "--task", "review", "--context", code)
	require.NoError(t, err)
	assert.Contains(t, out, "Status: BELOW MINIMUM")
}

func TestBenchmarkCommand_ListsEveryStrategy(t *testing.T) {
	app := newTestApp(t, primaryOnly(&stubProvider{name: "venice"}))
	code := writeFile(t, "main.go", "// entry point\nfunc main()   {}\n")

	out, err := run(t, NewBenchmarkCommand(appProvider(app)), "", "--task", "explain", "--context", code)
	require.NoError(t, err)
	for _, s := range optimize.AllStrategies {
		assert.Contains(t, out, string(s))
	}
	assert.Contains(t, out, "whitespace+comments")
	assert.Contains(t, out, "needs --target")

	out, err = run(t, NewBenchmarkCommand(appProvider(app)), "", "--task", "explain", "--context", code, "--target", "100")
	require.NoError(t, err)
	assert.NotContains(t, out, "needs --target")
}

func TestBenchmarkCases(t *testing.T) {
	cases := benchmarkCases([]optimize.StrategyType{optimize.Deduplicate, optimize.Abbreviate})
	require.Len(t, cases, len(optimize.AllStrategies)+3)
	last := cases[len(cases)-1]
	assert.Equal(t, "configured (deduplicate,abbreviate)", last.name)
}

func TestSendCommand_PrintsReplyAndUsage(t *testing.T) {
	primary := &stubProvider{name: "venice", reply: "use a mutex"}
	app := newTestApp(t, primaryOnly(primary))

	out, err := run(t, NewSendCommand(appProvider(app)), "", "--task", "how do I guard this map?")
	require.NoError(t, err)
	assert.Contains(t, out, "use a mutex")
	assert.Contains(t, out, "Token usage")
	assert.Contains(t, out, "venice (venice-model)")
	assert.Contains(t, out, "Prompt tokens:     12")
	assert.Equal(t, 1, primary.calls())
}

func TestSendCommand_HandsOverOnQuota(t *testing.T) {
	primary := &stubProvider{name: "venice", err: &provider.Error{
		Provider: "venice", Status: http.StatusTooManyRequests, Message: "Insufficient balance",
	}}
	fallback := &stubProvider{name: "anthropic", reply: "from the fallback"}
	app := newTestApp(t, map[provider.Role]provider.Provider{
		provider.RolePrimary:  primary,
		provider.RoleFallback: fallback,
	})

	out, err := run(t, NewSendCommand(appProvider(app)), "", "--task", "hello", "--stream")
	require.NoError(t, err)
	assert.Contains(t, out, "from the fallback")
	assert.Contains(t, out, "Switched primary -> fallback (quota_exhausted)")
	assert.Equal(t, 1, primary.calls())
	assert.Equal(t, 1, fallback.calls())
}

func TestSendCommand_ForceFallback(t *testing.T) {
	primary := &stubProvider{name: "venice", reply: "primary"}
	fallback := &stubProvider{name: "anthropic", reply: "fallback"}
	app := newTestApp(t, map[provider.Role]provider.Provider{
		provider.RolePrimary:  primary,
		provider.RoleFallback: fallback,
	})

	out, err := run(t, NewSendCommand(appProvider(app)), "", "--task", "hello", "--fallback", "--no-optimize")
	require.NoError(t, err)
	assert.Contains(t, out, "fallback")
	assert.Zero(t, primary.calls())
	assert.Equal(t, 1, fallback.calls())
}

func TestSendCommand_AllProvidersExhausted(t *testing.T) {
	quota := &provider.Error{Provider: "x", Status: http.StatusPaymentRequired, Message: "quota exhausted"}
	app := newTestApp(t, map[provider.Role]provider.Provider{
		provider.RolePrimary:  &stubProvider{name: "venice", err: quota},
		provider.RoleFallback: &stubProvider{name: "anthropic", err: quota},
	})

	_, err := run(t, NewSendCommand(appProvider(app)), "", "--task", "hello")
	assert.Error(t, err)
}
