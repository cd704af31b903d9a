// Package agent talks to a local model used for preprocessing: compressing
// context, scoring relevance, and answering when every remote provider is gone.
package agent

import "context"

// Agent is the preprocessing agent contract. All calls may block on the network
// and must honour ctx.
type Agent interface {
	// Compress returns a shorter version of text, aiming for roughly ratio of its size.
	Compress(ctx context.Context, text string, ratio float64) (string, error)
	// Score returns how relevant text is to query, in [0,1].
	Score(ctx context.Context, query, text string) (float64, error)
	// Generate answers a free-form prompt.
	Generate(ctx context.Context, prompt, system string) (string, error)
	// Available reports whether the agent can currently serve requests.
	Available(ctx context.Context) bool
}
