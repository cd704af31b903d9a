package events

import "time"

// Topics published by the optimizer and the orchestrator.
const (
	TopicTransition   = "orchestrator.transition"
	TopicUsage        = "provider.usage"
	TopicOptimization = "optimize.completed"
)

// TransitionEvent is published whenever a session changes provider role.
type TransitionEvent struct {
	SessionID string
	From      string
	To        string
	Reason    string
	At        time.Time
}

// UsageEvent reports token usage for one provider call.
type UsageEvent struct {
	SessionID           string
	Provider            string
	Model               string
	PromptTokens        int
	CompletionTokens    int
	CacheCreationTokens int
	CacheReadTokens     int
	CostUSD             float64
	Duration            time.Duration
}

// OptimizationEvent summarises one optimization run.
type OptimizationEvent struct {
	OriginalTokens  int
	OptimizedTokens int
	Strategies      []string
	Diagnostics     int
	Duration        time.Duration
}
