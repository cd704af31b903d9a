package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/kcaldas/tokenopt/pkg/logging"
	"github.com/kcaldas/tokenopt/pkg/request"
)

const DefaultGeminiModel = "gemini-2.5-flash"

var _ StreamingProvider = (*Gemini)(nil)

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// GeminiOption configures the Gemini provider.
type GeminiOption func(*Gemini)

// WithContentGenerator injects a pre-built models client (primarily for tests).
func WithContentGenerator(models contentGenerator) GeminiOption {
	return func(g *Gemini) {
		if models != nil {
			g.models = models
		}
	}
}

func WithGeminiLogger(logger logging.Logger) GeminiOption {
	return func(g *Gemini) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Gemini sends requests through the Gemini API. It has no explicit cache
// markers; repeated prefixes are cached implicitly by the backend.
type Gemini struct {
	name     string
	settings Settings
	models   contentGenerator
	logger   logging.Logger
}

func NewGemini(ctx context.Context, settings Settings, opts ...GeminiOption) (*Gemini, error) {
	g := &Gemini{
		name:     settings.nameOr("gemini"),
		settings: settings.withDefaults(DefaultGeminiModel),
		logger:   logging.NewProviderLogger("gemini"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.models != nil {
		return g, nil
	}

	apiKey := strings.TrimSpace(settings.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: %w: missing API key", ErrNotConfigured)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %w", err)
	}
	g.models = client.Models
	return g, nil
}

func (g *Gemini) Name() string { return g.name }

func (g *Gemini) Send(ctx context.Context, req request.Request) (*Response, error) {
	contents, config := g.build(req)
	result, err := g.models.GenerateContent(ctx, g.settings.Model, contents, config)
	if err != nil {
		return nil, g.wrapError(err)
	}
	return g.toResponse(result, joinParts(result))
}

func (g *Gemini) Stream(ctx context.Context, req request.Request, onChunk func(string)) (*Response, error) {
	contents, config := g.build(req)

	var (
		b    strings.Builder
		last *genai.GenerateContentResponse
	)
	for chunk, err := range g.models.GenerateContentStream(ctx, g.settings.Model, contents, config) {
		if err != nil {
			return nil, g.wrapError(err)
		}
		text := joinParts(chunk)
		if text != "" {
			b.WriteString(text)
			if onChunk != nil {
				onChunk(text)
			}
		}
		last = chunk
	}
	if last == nil {
		return nil, &Error{Provider: g.name, Message: "stream ended without content"}
	}
	return g.toResponse(last, b.String())
}

func (g *Gemini) build(req request.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(g.settings.MaxTokens),
	}
	if g.settings.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*g.settings.Temperature))
	}
	if system := strings.TrimSpace(req.System); system != "" {
		config.SystemInstruction = genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(req.System)}, genai.RoleUser)
	}

	var contents []*genai.Content
	if ctx := req.RenderContext(); ctx != "" {
		contents = append(contents, genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText("Context:\n" + ctx)}, genai.RoleUser))
	}
	for _, m := range history(req) {
		role := genai.Role(genai.RoleUser)
		if m.Role == request.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(m.Content)}, role))
	}
	contents = append(contents, genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(req.Task)}, genai.RoleUser))
	return contents, config
}

func (g *Gemini) toResponse(result *genai.GenerateContentResponse, content string) (*Response, error) {
	if result == nil || len(result.Candidates) == 0 {
		return nil, &Error{Provider: g.name, Message: "no candidates returned"}
	}

	var usage Usage
	if meta := result.UsageMetadata; meta != nil {
		cached := int(meta.CachedContentTokenCount)
		usage = Usage{
			PromptTokens:     int(meta.PromptTokenCount) - cached,
			CompletionTokens: int(meta.CandidatesTokenCount),
			CacheReadTokens:  cached,
		}
	}
	usage.CostUSD = g.settings.Pricing.Cost(usage)

	model := result.ModelVersion
	if model == "" {
		model = g.settings.Model
	}
	g.logger.Debug("gemini response", "model", model, "prompt_tokens", usage.PromptTokens, "completion_tokens", usage.CompletionTokens)

	return &Response{
		Content:   content,
		Model:     model,
		Provider:  g.name,
		Usage:     usage,
		Metadata:  map[string]string{},
		Truncated: result.Candidates[0].FinishReason == genai.FinishReasonMaxTokens,
	}, nil
}

func joinParts(result *genai.GenerateContentResponse) string {
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return ""
	}
	var parts []string
	for _, part := range result.Candidates[0].Content.Parts {
		if part == nil || part.Thought || part.Text == "" {
			continue
		}
		parts = append(parts, part.Text)
	}
	return strings.Join(parts, "")
}

func (g *Gemini) wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Provider: g.name, Status: apiErr.Code, Message: apiErr.Message, Err: err}
	}
	return &Error{Provider: g.name, Message: err.Error(), Err: err}
}
