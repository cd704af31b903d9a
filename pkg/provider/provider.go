// Package provider sends optimized requests to LLM backends. Each adapter wraps
// one official SDK behind the Provider interface so the orchestrator can move a
// conversation between them without caring which wire format is in use.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/kcaldas/tokenopt/pkg/request"
)

// Metadata keys carrying the Venice account balance.
const (
	HeaderBalanceUSD  = "x-venice-balance-usd"
	HeaderBalanceDiem = "x-venice-balance-diem"
)

const (
	cacheWriteMultiplier = 1.25
	cacheReadMultiplier  = 0.10
)

// ErrNotConfigured is returned for a role that has no provider behind it.
var ErrNotConfigured = errors.New("provider not configured")

var quotaPattern = regexp.MustCompile(`(?i)insufficient|quota|balance|credit|exhausted`)

// Usage is the token accounting for a single call.
type Usage struct {
	PromptTokens        int
	CompletionTokens    int
	CacheCreationTokens int
	CacheReadTokens     int
	CostUSD             float64
}

func (u Usage) TotalTokens() int { return u.PromptTokens + u.CompletionTokens }

// Response is what every provider returns for a completed call.
type Response struct {
	Content  string
	Model    string
	Provider string
	Usage    Usage
	// Metadata holds response headers with lower-cased names.
	Metadata map[string]string
	// Truncated is set when the reply stopped at the output token limit.
	Truncated bool
}

// Provider sends one request and waits for the full reply.
type Provider interface {
	Name() string
	Send(ctx context.Context, req request.Request) (*Response, error)
}

// StreamingProvider additionally forwards the reply as it is generated.
type StreamingProvider interface {
	Provider
	Stream(ctx context.Context, req request.Request, onChunk func(string)) (*Response, error)
}

// Error is a failure reported by a provider backend.
type Error struct {
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// QuotaExhausted reports whether the backend refused the call because the
// account ran out of credit, as opposed to a transient rate limit.
func (e *Error) QuotaExhausted() bool {
	if e.Status != http.StatusTooManyRequests && e.Status != http.StatusPaymentRequired {
		return false
	}
	return quotaPattern.MatchString(e.Message)
}

// RateLimited reports a 429 that is not a quota problem.
func (e *Error) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests && !e.QuotaExhausted()
}

// IsQuotaExhausted reports whether err carries a provider quota failure.
func IsQuotaExhausted(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.QuotaExhausted()
}

// IsRateLimited reports whether err carries a plain provider rate limit.
func IsRateLimited(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.RateLimited()
}

// Balance is the remaining account credit reported by a provider.
type Balance struct {
	USD     float64
	Diem    float64
	HasUSD  bool
	HasDiem bool
}

// Known reports whether any currency was reported.
func (b Balance) Known() bool { return b.HasUSD || b.HasDiem }

// Below reports whether every reported currency is under min. An unknown
// balance is never below.
func (b Balance) Below(min float64) bool {
	if !b.Known() {
		return false
	}
	if b.HasUSD && b.USD >= min {
		return false
	}
	if b.HasDiem && b.Diem >= min {
		return false
	}
	return true
}

func (b Balance) String() string {
	var parts []string
	if b.HasUSD {
		parts = append(parts, fmt.Sprintf("$%.2f", b.USD))
	}
	if b.HasDiem {
		parts = append(parts, fmt.Sprintf("%.2f DIEM", b.Diem))
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, " / ")
}

// ParseBalance reads the balance headers out of response metadata.
func ParseBalance(meta map[string]string) Balance {
	var b Balance
	if v, ok := meta[HeaderBalanceUSD]; ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			b.USD, b.HasUSD = f, true
		}
	}
	if v, ok := meta[HeaderBalanceDiem]; ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			b.Diem, b.HasDiem = f, true
		}
	}
	return b
}

// Pricing is the per-1k-token price of a model in USD.
type Pricing struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// Cost prices a call. Cache writes cost a quarter more than plain input and
// cache reads a tenth of it.
func (p Pricing) Cost(u Usage) float64 {
	in := float64(u.PromptTokens) / 1000 * p.InputPer1K
	out := float64(u.CompletionTokens) / 1000 * p.OutputPer1K
	write := float64(u.CacheCreationTokens) / 1000 * p.InputPer1K * cacheWriteMultiplier
	read := float64(u.CacheReadTokens) / 1000 * p.InputPer1K * cacheReadMultiplier
	return in + out + write + read
}

// headerMetadata flattens response headers into lower-cased metadata.
func headerMetadata(h http.Header) map[string]string {
	meta := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			meta[strings.ToLower(name)] = values[0]
		}
	}
	return meta
}

// history returns the conversation messages that are not system notes.
func history(req request.Request) []request.Message {
	out := make([]request.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == request.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// flatPrompt renders a whole request as one prompt for backends without a
// message API.
func flatPrompt(req request.Request) string {
	var b strings.Builder
	if ctx := req.RenderContext(); ctx != "" {
		b.WriteString("Context:\n")
		b.WriteString(ctx)
		b.WriteString("\n\n")
	}
	for _, m := range history(req) {
		fmt.Fprintf(&b, "%s: %s\n\n", m.Role, m.Content)
	}
	b.WriteString(req.Task)
	return b.String()
}
