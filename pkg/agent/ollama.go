package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kcaldas/tokenopt/pkg/failure"
	"github.com/kcaldas/tokenopt/pkg/logging"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "llama3.2"

	generateEndpoint = "/api/generate"
	tagsEndpoint     = "/api/tags"

	// scorePreviewChars limits how much of an item is shown to the scorer.
	scorePreviewChars = 500
	defaultScore      = 0.5
	availabilityTTL   = 30 * time.Second
	probeTimeout      = 5 * time.Second
)

const (
	compressSystem = "You are a code compression assistant. Output only the compressed code/text, nothing else."
	scoreSystem    = "You are a relevance scoring assistant. Output only a decimal number between 0.0 and 1.0."
)

var (
	errEmptyResponse = errors.New("ollama returned an empty response")

	_ Agent = (*Ollama)(nil)
)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures the Ollama agent.
type Option func(*Ollama)

// WithLogger injects a custom logger implementation.
func WithLogger(logger logging.Logger) Option {
	return func(o *Ollama) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHTTPClient injects a custom HTTP client.
func WithHTTPClient(client httpDoer) Option {
	return func(o *Ollama) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// WithBaseURL overrides the Ollama base URL.
func WithBaseURL(baseURL string) Option {
	return func(o *Ollama) {
		if strings.TrimSpace(baseURL) != "" {
			o.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithModel overrides the model used for every call.
func WithModel(model string) Option {
	return func(o *Ollama) {
		if strings.TrimSpace(model) != "" {
			o.model = model
		}
	}
}

// WithClock replaces time.Now, used by tests to expire the availability cache.
func WithClock(now func() time.Time) Option {
	return func(o *Ollama) {
		if now != nil {
			o.now = now
		}
	}
}

// Ollama implements Agent on top of the Ollama REST API.
type Ollama struct {
	httpClient httpDoer
	baseURL    string
	model      string
	logger     logging.Logger
	now        func() time.Time

	probe       singleflight.Group
	mu          sync.Mutex
	available   bool
	checkedAt   time.Time
	haveChecked bool
}

// NewOllama creates an agent pointed at a local Ollama server.
func NewOllama(opts ...Option) *Ollama {
	o := &Ollama{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		logger:     logging.NewAPILogger("ollama"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Model returns the configured model name.
func (o *Ollama) Model() string { return o.model }

// BaseURL returns the configured server URL.
func (o *Ollama) BaseURL() string { return o.baseURL }

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate sends a single non-streaming completion request.
func (o *Ollama) Generate(ctx context.Context, prompt, system string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:   o.model,
		Prompt:  prompt,
		System:  system,
		Stream:  false,
		Options: generateOptions{Temperature: 0.1, NumPredict: 1024},
	})
	if err != nil {
		return "", fmt.Errorf("encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+generateEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %w", failure.ErrCancelled, ctx.Err())
		}
		return "", fmt.Errorf("%w: %w", failure.ErrAgentUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if strings.TrimSpace(decoded.Response) == "" {
		return "", errEmptyResponse
	}

	o.logger.Debug("ollama generate completed", "model", o.model, "prompt_chars", len(prompt), "response_chars", len(decoded.Response))
	return decoded.Response, nil
}

// Compress asks the model for a shorter rendition of text.
func (o *Ollama) Compress(ctx context.Context, text string, ratio float64) (string, error) {
	percent := int(clamp(ratio, 0.05, 1) * 100)
	prompt := fmt.Sprintf(
		"Compress the following code/text to about %d%% of its length while preserving all essential "+
			"information needed for coding tasks. Keep function signatures, key logic, imports, and "+
			"important comments. Remove redundant whitespace and verbose comments.\n\n"+
			"Content:\n%s\n\nCompressed version:", percent, text)

	out, err := o.Generate(ctx, prompt, compressSystem)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Score asks the model to rate relevance. Unparseable answers become 0.5.
func (o *Ollama) Score(ctx context.Context, query, text string) (float64, error) {
	prompt := fmt.Sprintf(
		"Rate how relevant the following content is for this task on a scale of 0.0 to 1.0.\n\n"+
			"Task: %s\n\nContent:\n%s\n\nOutput only a number between 0.0 and 1.0:",
		query, preview(text, scorePreviewChars))

	out, err := o.Generate(ctx, prompt, scoreSystem)
	if err != nil {
		return 0, err
	}
	return ParseScore(out), nil
}

// Available probes GET /api/tags. Results are cached briefly and concurrent
// probes share a single request. The probe outlives a cancelled caller, so a
// caller giving up never caches the server as down.
func (o *Ollama) Available(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	o.mu.Lock()
	if o.haveChecked && o.now().Sub(o.checkedAt) < availabilityTTL {
		available := o.available
		o.mu.Unlock()
		return available
	}
	o.mu.Unlock()

	ch := o.probe.DoChan("available", func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
		defer cancel()
		ok := o.checkTags(probeCtx)
		o.mu.Lock()
		o.available = ok
		o.checkedAt = o.now()
		o.haveChecked = true
		o.mu.Unlock()
		return ok, nil
	})
	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		return false
	}
}

func (o *Ollama) checkTags(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+tagsEndpoint, nil)
	if err != nil {
		return false
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		o.logger.Debug("ollama not reachable", "url", o.baseURL, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Models lists the models the server has pulled.
func (o *Ollama) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+tagsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build tags request: %w", err)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", failure.ErrAgentUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var decoded tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}
	names := make([]string, 0, len(decoded.Models))
	for _, m := range decoded.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// ParseScore extracts the first number from a model answer and clamps it to [0,1].
func ParseScore(answer string) float64 {
	for _, field := range strings.Fields(answer) {
		field = strings.Trim(field, ".,;:()[]\"'")
		if v, err := strconv.ParseFloat(field, 64); err == nil && !math.IsNaN(v) {
			return clamp(v, 0, 1)
		}
	}
	return defaultScore
}

func preview(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
