// Package tokens measures text in provider tokens.
package tokens

import (
	"math"
	"sync"

	"github.com/kcaldas/tokenopt/pkg/logging"
	"github.com/kcaldas/tokenopt/pkg/request"
	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used for models tiktoken does not know, which covers
// every non-OpenAI provider.
const DefaultEncoding = "cl100k_base"

// Counter is the token oracle: a pure function of text and model name.
type Counter interface {
	Count(text, model string) int
}

// CounterFunc adapts a function to the Counter interface.
type CounterFunc func(text, model string) int

func (f CounterFunc) Count(text, model string) int { return f(text, model) }

// EstimateTokens gives a chars/4 estimate, rounded up.
func EstimateTokens(content string) int {
	if len(content) == 0 {
		return 0
	}
	return (len(content) + 3) / 4
}

// Heuristic counts tokens with a fixed tokens-per-char ratio.
type Heuristic struct {
	TokensPerChar float64
}

// NewHeuristic returns a heuristic counter; a non-positive ratio means 0.25.
func NewHeuristic(tokensPerChar float64) *Heuristic {
	if tokensPerChar <= 0 {
		tokensPerChar = 0.25
	}
	return &Heuristic{TokensPerChar: tokensPerChar}
}

func (h *Heuristic) Count(text, _ string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) * h.TokensPerChar))
}

// Tiktoken counts with the BPE encoding tiktoken associates with the model.
// Encoders are loaded once per model and cached. When no encoding can be loaded
// at all the counter degrades to EstimateTokens.
type Tiktoken struct {
	mu       sync.RWMutex
	encoders map[string]*tiktoken.Tiktoken
	failed   map[string]bool
	logger   logging.Logger
}

// NewTiktoken creates a tiktoken-backed counter.
func NewTiktoken(logger logging.Logger) *Tiktoken {
	if logger == nil {
		logger = logging.NewComponentLogger("tokens")
	}
	return &Tiktoken{
		encoders: make(map[string]*tiktoken.Tiktoken),
		failed:   make(map[string]bool),
		logger:   logger,
	}
}

var _ Counter = (*Tiktoken)(nil)

func (t *Tiktoken) Count(text, model string) int {
	if text == "" {
		return 0
	}
	enc := t.encoderFor(model)
	if enc == nil {
		return EstimateTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (t *Tiktoken) encoderFor(model string) *tiktoken.Tiktoken {
	t.mu.RLock()
	enc, ok := t.encoders[model]
	failed := t.failed[model]
	t.mu.RUnlock()
	if ok {
		return enc
	}
	if failed {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if enc, ok := t.encoders[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(DefaultEncoding)
	}
	if err != nil {
		t.logger.Warn("tiktoken encoding unavailable, using estimate", "model", model, "error", err)
		t.failed[model] = true
		return nil
	}
	t.encoders[model] = enc
	return enc
}

// CountRequest measures everything a request would send: system text, item
// names and contents, and the task. Conversation messages are included too.
func CountRequest(c Counter, req request.Request, model string) int {
	total := c.Count(req.System, model) + c.Count(req.Task, model)
	for _, msg := range req.Messages {
		total += c.Count(msg.Content, model)
	}
	return total + CountItems(c, req.Items, model)
}

// CountItems measures a slice of context items (name + content).
func CountItems(c Counter, items []request.ContextItem, model string) int {
	total := 0
	for _, item := range items {
		total += CountItem(c, item, model)
	}
	return total
}

// CountItem measures a single context item.
func CountItem(c Counter, item request.ContextItem, model string) int {
	return c.Count(item.Name, model) + c.Count(item.Content, model)
}
