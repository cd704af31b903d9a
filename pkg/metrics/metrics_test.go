package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_RecordUsage(t *testing.T) {
	tr := NewTracker()
	tr.RecordUsage("venice", "llama", Usage{PromptTokens: 100, CompletionTokens: 20, CostUSD: 0.01}, time.Second)
	tr.RecordUsage("venice", "llama", Usage{PromptTokens: 50, CacheReadTokens: 1000, CostUSD: 0.02}, time.Second)
	tr.RecordUsage("openai", "", Usage{PromptTokens: 10}, 0)
	tr.RecordFailure("venice", "quota_exhausted")

	snap := tr.Snapshot()
	venice := snap.Providers["venice"]
	assert.Equal(t, 2, venice.Requests)
	assert.Equal(t, 1, venice.Failures)
	assert.Equal(t, 150, venice.PromptTokens)
	assert.Equal(t, 1000, venice.CacheReadTokens)
	assert.InDelta(t, 0.03, venice.CostUSD, 1e-9)

	totals := snap.Totals()
	assert.Equal(t, 3, totals.Requests)
	assert.Equal(t, 160, totals.PromptTokens)

	assert.Equal(t, 2.0, testutil.ToFloat64(tr.requests.WithLabelValues("venice", "llama")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tr.requests.WithLabelValues("openai", "unknown")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(tr.tokens.WithLabelValues("venice", "cache_read")))
}

func TestTracker_TransitionsAndOptimization(t *testing.T) {
	tr := NewTracker()
	tr.RecordTransition("primary", "fallback", "quota_exhausted")
	tr.RecordTransition("primary", "fallback", "forced")
	tr.RecordOptimization(1000, 600)
	tr.RecordOptimization(100, 120)

	snap := tr.Snapshot()
	assert.Equal(t, 2, snap.Transitions["primary->fallback"])
	assert.Equal(t, 1100, snap.OriginalTokens)
	assert.Equal(t, 400, snap.SavedTokens)
	assert.InDelta(t, 400.0/1100.0, snap.SavingsRatio(), 1e-9)
	assert.Contains(t, snap.String(), "primary->fallback x2")
}

func TestTracker_SnapshotIsACopy(t *testing.T) {
	tr := NewTracker()
	tr.RecordUsage("venice", "m", Usage{PromptTokens: 1}, 0)
	snap := tr.Snapshot()
	snap.Providers["venice"] = ProviderStats{}
	assert.Equal(t, 1, tr.Snapshot().Providers["venice"].PromptTokens)
}

func TestTracker_NilIsSafe(t *testing.T) {
	var tr *Tracker
	tr.RecordUsage("p", "m", Usage{}, 0)
	tr.RecordFailure("p", "r")
	tr.RecordTransition("a", "b", "c")
	tr.RecordOptimization(1, 0)
	assert.Empty(t, tr.Snapshot().Providers)
}

func TestTracker_Handler(t *testing.T) {
	tr := NewTracker()
	tr.RecordUsage("venice", "llama", Usage{PromptTokens: 3}, time.Millisecond)

	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tokenopt_provider_requests_total")
}
