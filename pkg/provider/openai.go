package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/kcaldas/tokenopt/pkg/logging"
	"github.com/kcaldas/tokenopt/pkg/request"
)

const (
	DefaultVeniceBaseURL = "https://api.venice.ai/api/v1"
	DefaultVeniceModel   = "llama-3.3-70b"
	DefaultOpenAIModel   = string(shared.ChatModelGPT4oMini)

	defaultVeniceTemperature = 0.7
)

var _ StreamingProvider = (*OpenAI)(nil)

type chatCompletionClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

type chatCompletionStreamer interface {
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// OpenAIOption configures the OpenAI-compatible provider.
type OpenAIOption func(*OpenAI)

// WithChatCompletionClient injects a pre-built chat client (primarily for tests).
func WithChatCompletionClient(client chatCompletionClient) OpenAIOption {
	return func(o *OpenAI) {
		if client != nil {
			o.chat = client
			if s, ok := client.(chatCompletionStreamer); ok {
				o.streamer = s
			} else {
				o.streamer = nil
			}
		}
	}
}

func WithOpenAILogger(logger logging.Logger) OpenAIOption {
	return func(o *OpenAI) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// OpenAI talks to any backend speaking the chat completions API. Venice is
// the same adapter pointed at a different base URL.
type OpenAI struct {
	name     string
	settings Settings
	chat     chatCompletionClient
	streamer chatCompletionStreamer
	logger   logging.Logger
}

// NewOpenAI builds an OpenAI provider from settings.
func NewOpenAI(settings Settings, opts ...OpenAIOption) (*OpenAI, error) {
	return newChatProvider(settings.nameOr("openai"), settings.withDefaults(DefaultOpenAIModel), opts...)
}

// NewVenice builds the Venice provider: the chat completions API at the
// Venice base URL with its default model and temperature.
func NewVenice(settings Settings, opts ...OpenAIOption) (*OpenAI, error) {
	if strings.TrimSpace(settings.BaseURL) == "" {
		settings.BaseURL = DefaultVeniceBaseURL
	}
	if settings.Temperature == nil {
		t := defaultVeniceTemperature
		settings.Temperature = &t
	}
	return newChatProvider(settings.nameOr("venice"), settings.withDefaults(DefaultVeniceModel), opts...)
}

func newChatProvider(name string, settings Settings, opts ...OpenAIOption) (*OpenAI, error) {
	o := &OpenAI{
		name:     name,
		settings: settings,
		logger:   logging.NewProviderLogger(name),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.chat != nil {
		return o, nil
	}

	apiKey := strings.TrimSpace(settings.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w: missing API key", name, ErrNotConfigured)
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(settings.BaseURL); baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(clientOpts...)
	service := client.Chat.Completions
	o.chat = &service
	o.streamer = &service
	return o, nil
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Send(ctx context.Context, req request.Request) (*Response, error) {
	var raw *http.Response
	completion, err := o.chat.New(ctx, o.buildParams(req), option.WithResponseInto(&raw))
	if err != nil {
		return nil, o.wrapError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &Error{Provider: o.name, Message: "chat completion returned no choices"}
	}
	resp := o.toResponse(completion)
	if raw != nil {
		resp.Metadata = headerMetadata(raw.Header)
	}
	return resp, nil
}

func (o *OpenAI) Stream(ctx context.Context, req request.Request, onChunk func(string)) (*Response, error) {
	if o.streamer == nil {
		return o.Send(ctx, req)
	}

	params := o.buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	var raw *http.Response
	stream := o.streamer.NewStreaming(ctx, params, option.WithResponseInto(&raw))
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" && onChunk != nil {
			onChunk(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, o.wrapError(err)
	}
	if len(acc.Choices) == 0 {
		return nil, &Error{Provider: o.name, Message: "stream ended without choices"}
	}

	resp := o.toResponse(&acc.ChatCompletion)
	if raw != nil {
		resp.Metadata = headerMetadata(raw.Header)
	}
	return resp, nil
}

// buildParams sends the system prompt, the context as one user message, the
// history and finally the task.
func (o *OpenAI) buildParams(req request.Request) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	if ctx := req.RenderContext(); ctx != "" {
		messages = append(messages, openai.UserMessage("Context:\n"+ctx))
	}
	for _, m := range history(req) {
		if m.Role == request.RoleAssistant {
			messages = append(messages, openai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Task))

	params := openai.ChatCompletionNewParams{
		Model:     shared.ChatModel(o.settings.Model),
		Messages:  messages,
		MaxTokens: openai.Int(int64(o.settings.MaxTokens)),
	}
	if o.settings.Temperature != nil {
		params.Temperature = openai.Float(*o.settings.Temperature)
	}
	return params
}

func (o *OpenAI) toResponse(completion *openai.ChatCompletion) *Response {
	choice := completion.Choices[0]
	cached := int(completion.Usage.PromptTokensDetails.CachedTokens)
	// Prompt tokens here include the cached ones; keep them apart the way
	// Anthropic reports them.
	usage := Usage{
		PromptTokens:     int(completion.Usage.PromptTokens) - cached,
		CompletionTokens: int(completion.Usage.CompletionTokens),
		CacheReadTokens:  cached,
	}
	usage.CostUSD = o.settings.Pricing.Cost(usage)

	o.logger.Debug("chat completion",
		"model", completion.Model,
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
	)

	return &Response{
		Content:   choice.Message.Content,
		Model:     completion.Model,
		Provider:  o.name,
		Usage:     usage,
		Metadata:  map[string]string{},
		Truncated: choice.FinishReason == "length",
	}
}

func (o *OpenAI) wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &Error{Provider: o.name, Status: apiErr.StatusCode, Message: apiErr.Error(), Err: err}
	}
	return &Error{Provider: o.name, Message: err.Error(), Err: err}
}
