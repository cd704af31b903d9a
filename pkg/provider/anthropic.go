package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropic_sdk "github.com/anthropics/anthropic-sdk-go"
	anthropic_option "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/kcaldas/tokenopt/pkg/logging"
	"github.com/kcaldas/tokenopt/pkg/request"
)

const (
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4096
)

var (
	_ StreamingProvider = (*Anthropic)(nil)
)

type messageClient interface {
	New(ctx context.Context, body anthropic_sdk.MessageNewParams, opts ...anthropic_option.RequestOption) (*anthropic_sdk.Message, error)
}

type messageStreamer interface {
	NewStreaming(ctx context.Context, body anthropic_sdk.MessageNewParams, opts ...anthropic_option.RequestOption) *ssestream.Stream[anthropic_sdk.MessageStreamEventUnion]
}

// AnthropicOption configures the Anthropic provider.
type AnthropicOption func(*Anthropic)

// WithMessageClient injects a pre-built message client (primarily for tests).
func WithMessageClient(client messageClient) AnthropicOption {
	return func(a *Anthropic) {
		if client != nil {
			a.messages = client
			if s, ok := client.(messageStreamer); ok {
				a.streamer = s
			} else {
				a.streamer = nil
			}
		}
	}
}

func WithAnthropicLogger(logger logging.Logger) AnthropicOption {
	return func(a *Anthropic) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Anthropic sends requests through the Messages API, turning cache markers
// on the request into cache_control blocks.
type Anthropic struct {
	name     string
	settings Settings
	messages messageClient
	streamer messageStreamer
	logger   logging.Logger
}

// NewAnthropic builds the provider from settings. The API key is required
// unless a message client is injected.
func NewAnthropic(settings Settings, opts ...AnthropicOption) (*Anthropic, error) {
	a := &Anthropic{
		name:     settings.nameOr("anthropic"),
		settings: settings.withDefaults(DefaultAnthropicModel),
		logger:   logging.NewProviderLogger("anthropic"),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.messages != nil {
		return a, nil
	}

	apiKey := strings.TrimSpace(settings.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: %w: missing API key", ErrNotConfigured)
	}
	clientOpts := []anthropic_option.RequestOption{anthropic_option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(settings.BaseURL); baseURL != "" {
		clientOpts = append(clientOpts, anthropic_option.WithBaseURL(baseURL))
	}
	client := anthropic_sdk.NewClient(clientOpts...)
	service := client.Messages
	a.messages = &service
	a.streamer = &service
	return a, nil
}

func (a *Anthropic) Name() string { return a.name }

func (a *Anthropic) Send(ctx context.Context, req request.Request) (*Response, error) {
	params := a.buildParams(req)

	var raw *http.Response
	msg, err := a.messages.New(ctx, params, anthropic_option.WithResponseInto(&raw))
	if err != nil {
		return nil, a.wrapError(err)
	}
	resp := a.toResponse(msg)
	if raw != nil {
		resp.Metadata = headerMetadata(raw.Header)
	}
	return resp, nil
}

func (a *Anthropic) Stream(ctx context.Context, req request.Request, onChunk func(string)) (*Response, error) {
	if a.streamer == nil {
		return a.Send(ctx, req)
	}

	var raw *http.Response
	stream := a.streamer.NewStreaming(ctx, a.buildParams(req), anthropic_option.WithResponseInto(&raw))
	defer stream.Close()

	message := anthropic_sdk.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, a.wrapError(err)
		}
		if ev, ok := event.AsAny().(anthropic_sdk.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(anthropic_sdk.TextDelta); ok && onChunk != nil {
				onChunk(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, a.wrapError(err)
	}

	resp := a.toResponse(&message)
	if raw != nil {
		resp.Metadata = headerMetadata(raw.Header)
	}
	return resp, nil
}

// buildParams lays the request out as one user message holding the context
// blocks, then the history, then the task.
func (a *Anthropic) buildParams(req request.Request) anthropic_sdk.MessageNewParams {
	params := anthropic_sdk.MessageNewParams{
		Model:     anthropic_sdk.Model(a.settings.Model),
		MaxTokens: int64(a.settings.MaxTokens),
	}
	if a.settings.Temperature != nil {
		params.Temperature = anthropic_sdk.Float(*a.settings.Temperature)
	}

	if system := strings.TrimSpace(req.System); system != "" {
		block := anthropic_sdk.TextBlockParam{Text: req.System}
		if req.SystemCacheable {
			block.CacheControl = anthropic_sdk.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic_sdk.TextBlockParam{block}
	}

	var messages []anthropic_sdk.MessageParam
	if len(req.Items) > 0 {
		blocks := make([]anthropic_sdk.ContentBlockParamUnion, 0, len(req.Items))
		for _, item := range req.Items {
			block := anthropic_sdk.NewTextBlock(item.Render())
			if item.CacheControl != nil && block.OfText != nil {
				block.OfText.CacheControl = anthropic_sdk.NewCacheControlEphemeralParam()
			}
			blocks = append(blocks, block)
		}
		messages = append(messages, anthropic_sdk.NewUserMessage(blocks...))
	}
	for _, m := range history(req) {
		if m.Role == request.RoleAssistant {
			messages = append(messages, anthropic_sdk.NewAssistantMessage(anthropic_sdk.NewTextBlock(m.Content)))
		} else {
			messages = append(messages, anthropic_sdk.NewUserMessage(anthropic_sdk.NewTextBlock(m.Content)))
		}
	}
	messages = append(messages, anthropic_sdk.NewUserMessage(anthropic_sdk.NewTextBlock(req.Task)))
	params.Messages = messages
	return params
}

func (a *Anthropic) toResponse(msg *anthropic_sdk.Message) *Response {
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}

	usage := Usage{
		PromptTokens:        int(msg.Usage.InputTokens),
		CompletionTokens:    int(msg.Usage.OutputTokens),
		CacheCreationTokens: int(msg.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(msg.Usage.CacheReadInputTokens),
	}
	usage.CostUSD = a.settings.Pricing.Cost(usage)

	a.logger.Debug("anthropic response",
		"model", string(msg.Model),
		"input_tokens", usage.PromptTokens,
		"output_tokens", usage.CompletionTokens,
		"cache_read", usage.CacheReadTokens,
		"cache_write", usage.CacheCreationTokens,
	)

	return &Response{
		Content:   strings.Join(parts, ""),
		Model:     string(msg.Model),
		Provider:  a.name,
		Usage:     usage,
		Metadata:  map[string]string{},
		Truncated: msg.StopReason == anthropic_sdk.StopReasonMaxTokens,
	}
}

func (a *Anthropic) wrapError(err error) error {
	var apiErr *anthropic_sdk.Error
	if errors.As(err, &apiErr) {
		return &Error{Provider: a.name, Status: apiErr.StatusCode, Message: apiErr.Error(), Err: err}
	}
	return &Error{Provider: a.name, Message: err.Error(), Err: err}
}
