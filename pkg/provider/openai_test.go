package provider

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared/constant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcaldas/tokenopt/pkg/logging"
	"github.com/kcaldas/tokenopt/pkg/request"
)

type mockChatCompletions struct {
	t         *testing.T
	mu        sync.Mutex
	requests  []openai.ChatCompletionNewParams
	responses []*openai.ChatCompletion
	err       error
}

func (m *mockChatCompletions) New(ctx context.Context, params openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, params)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		require.FailNow(m.t, "mock chat completions received more calls than configured responses")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func newChatCompletion(content, finish string, usage openai.CompletionUsage) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		ID:     "chatcmpl-1",
		Object: constant.ChatCompletion(""),
		Model:  DefaultVeniceModel,
		Choices: []openai.ChatCompletionChoice{{
			FinishReason: finish,
			Message: openai.ChatCompletionMessage{
				Role:    constant.Assistant(""),
				Content: content,
			},
		}},
		Usage: usage,
	}
}

func TestVenice_SendBuildsChatMessages(t *testing.T) {
	usage := openai.CompletionUsage{PromptTokens: 120, CompletionTokens: 30, TotalTokens: 150}
	usage.PromptTokensDetails.CachedTokens = 20
	mock := &mockChatCompletions{t: t, responses: []*openai.ChatCompletion{newChatCompletion("fixed", "stop", usage)}}

	v, err := NewVenice(Settings{}, WithChatCompletionClient(mock), WithOpenAILogger(logging.NewDisabledLogger()))
	require.NoError(t, err)
	assert.Equal(t, "venice", v.Name())

	req := request.Request{
		System: "Be brief.",
		Task:   "fix it",
		Messages: []request.Message{
			{Role: request.RoleUser, Content: "before"},
			{Role: request.RoleAssistant, Content: "ok"},
		},
		Items: []request.ContextItem{{Name: "a.go", Content: "x"}, {Name: "b.go", Content: "y"}},
	}
	resp, err := v.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "fixed", resp.Content)
	assert.Equal(t, 100, resp.Usage.PromptTokens)
	assert.Equal(t, 20, resp.Usage.CacheReadTokens)
	assert.Equal(t, 130, resp.Usage.TotalTokens())
	assert.False(t, resp.Truncated)

	params := mock.requests[0]
	assert.Equal(t, DefaultVeniceModel, string(params.Model))
	assert.Equal(t, int64(4096), params.MaxTokens.Value)
	assert.InDelta(t, 0.7, params.Temperature.Value, 1e-9)

	require.Len(t, params.Messages, 5)
	require.NotNil(t, params.Messages[0].OfSystem)
	assert.Equal(t, "Be brief.", params.Messages[0].OfSystem.Content.OfString.Value)
	require.NotNil(t, params.Messages[1].OfUser)
	assert.Equal(t, "Context:\n### a.go\nx\n\n### b.go\ny", params.Messages[1].OfUser.Content.OfString.Value)
	require.NotNil(t, params.Messages[2].OfUser)
	require.NotNil(t, params.Messages[3].OfAssistant)
	require.NotNil(t, params.Messages[4].OfUser)
	assert.Equal(t, "fix it", params.Messages[4].OfUser.Content.OfString.Value)
}

func TestOpenAI_Defaults(t *testing.T) {
	mock := &mockChatCompletions{t: t, responses: []*openai.ChatCompletion{newChatCompletion("cut", "length", openai.CompletionUsage{})}}
	o, err := NewOpenAI(Settings{Model: "gpt-4o"}, WithChatCompletionClient(mock), WithOpenAILogger(logging.NewDisabledLogger()))
	require.NoError(t, err)

	resp, err := o.Send(context.Background(), request.Request{Task: "go"})
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Equal(t, "openai", resp.Provider)

	params := mock.requests[0]
	assert.Equal(t, "gpt-4o", string(params.Model))
	assert.False(t, params.Temperature.Valid())
	require.Len(t, params.Messages, 1)
}

func TestOpenAI_NoChoices(t *testing.T) {
	mock := &mockChatCompletions{t: t, responses: []*openai.ChatCompletion{{Model: "m"}}}
	o, err := NewOpenAI(Settings{}, WithChatCompletionClient(mock), WithOpenAILogger(logging.NewDisabledLogger()))
	require.NoError(t, err)

	_, err = o.Send(context.Background(), request.Request{Task: "go"})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Message, "no choices")
}

func TestOpenAI_ErrorKeepsCause(t *testing.T) {
	mock := &mockChatCompletions{t: t, err: context.Canceled}
	o, err := NewOpenAI(Settings{}, WithChatCompletionClient(mock), WithOpenAILogger(logging.NewDisabledLogger()))
	require.NoError(t, err)

	_, err = o.Send(context.Background(), request.Request{Task: "go"})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNewVenice_RequiresKey(t *testing.T) {
	_, err := NewVenice(Settings{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
