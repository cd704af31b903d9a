package provider

import (
	"context"
	"fmt"

	"github.com/kcaldas/tokenopt/pkg/agent"
	"github.com/kcaldas/tokenopt/pkg/failure"
	"github.com/kcaldas/tokenopt/pkg/request"
	"github.com/kcaldas/tokenopt/pkg/tokens"
)

var _ Provider = (*Local)(nil)

// Local answers with the preprocessing agent once every remote provider is
// gone. Usage is estimated since the agent reports none, and it costs nothing.
type Local struct {
	agent   agent.Agent
	counter tokens.Counter
	model   string
}

func NewLocal(a agent.Agent, counter tokens.Counter, model string) *Local {
	if counter == nil {
		counter = tokens.NewHeuristic(0.25)
	}
	return &Local{agent: a, counter: counter, model: model}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Send(ctx context.Context, req request.Request) (*Response, error) {
	if !l.agent.Available(ctx) {
		return nil, &Error{Provider: l.Name(), Message: "local agent is not reachable", Err: failure.ErrAgentUnavailable}
	}
	prompt := flatPrompt(req)
	content, err := l.agent.Generate(ctx, prompt, req.System)
	if err != nil {
		return nil, &Error{Provider: l.Name(), Message: fmt.Sprintf("generate: %v", err), Err: err}
	}
	return &Response{
		Content:  content,
		Model:    l.model,
		Provider: l.Name(),
		Usage: Usage{
			PromptTokens:     l.counter.Count(req.System, l.model) + l.counter.Count(prompt, l.model),
			CompletionTokens: l.counter.Count(content, l.model),
		},
		Metadata: map[string]string{},
	}, nil
}
