package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/kcaldas/tokenopt/pkg/failure"
	"github.com/kcaldas/tokenopt/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHTTPClient struct {
	mu       sync.Mutex
	t        *testing.T
	requests []*http.Request
	bodies   []generateRequest
	handler  func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if req.Body != nil {
		var body generateRequest
		require.NoError(m.t, json.NewDecoder(req.Body).Decode(&body))
		m.bodies = append(m.bodies, body)
	}
	m.mu.Unlock()
	return m.handler(req)
}

func jsonResponse(status int, v any) *http.Response {
	data, _ := json.Marshal(v)
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(data)), Header: http.Header{}}
}

func newTestAgent(t *testing.T, handler func(*http.Request) (*http.Response, error), opts ...Option) (*Ollama, *mockHTTPClient) {
	mock := &mockHTTPClient{t: t, handler: handler}
	opts = append([]Option{
		WithHTTPClient(mock),
		WithBaseURL("http://test.local/"),
		WithLogger(logging.NewDisabledLogger()),
	}, opts...)
	return NewOllama(opts...), mock
}

func TestOllama_Generate(t *testing.T) {
	t.Parallel()

	agent, mock := newTestAgent(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, generateResponse{Response: "done", Done: true}), nil
	}, WithModel("qwen2.5-coder"))

	out, err := agent.Generate(context.Background(), "hello", "be brief")
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	require.Len(t, mock.bodies, 1)
	body := mock.bodies[0]
	assert.Equal(t, "qwen2.5-coder", body.Model)
	assert.Equal(t, "hello", body.Prompt)
	assert.Equal(t, "be brief", body.System)
	assert.False(t, body.Stream)
	assert.Equal(t, 0.1, body.Options.Temperature)
	assert.Equal(t, "http://test.local/api/generate", mock.requests[0].URL.String())
}

func TestOllama_GenerateErrors(t *testing.T) {
	t.Parallel()

	t.Run("non-2xx status", func(t *testing.T) {
		agent, _ := newTestAgent(t, func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusInternalServerError, map[string]string{"error": "model not loaded"}), nil
		})
		_, err := agent.Generate(context.Background(), "p", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
	})

	t.Run("connection refused", func(t *testing.T) {
		agent, _ := newTestAgent(t, func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		})
		_, err := agent.Generate(context.Background(), "p", "")
		assert.ErrorIs(t, err, failure.ErrAgentUnavailable)
	})

	t.Run("empty response", func(t *testing.T) {
		agent, _ := newTestAgent(t, func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, generateResponse{Response: "  "}), nil
		})
		_, err := agent.Generate(context.Background(), "p", "")
		assert.ErrorIs(t, err, errEmptyResponse)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		agent, _ := newTestAgent(t, func(req *http.Request) (*http.Response, error) {
			return nil, req.Context().Err()
		})
		_, err := agent.Generate(ctx, "p", "")
		assert.ErrorIs(t, err, failure.ErrCancelled)
	})
}

func TestOllama_ScoreParsesAnswer(t *testing.T) {
	t.Parallel()

	agent, mock := newTestAgent(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, generateResponse{Response: "Score: 0.82"}), nil
	})

	score, err := agent.Score(context.Background(), "fix parser", string(bytes.Repeat([]byte("x"), 2000)))
	require.NoError(t, err)
	assert.InDelta(t, 0.82, score, 1e-9)
	assert.Equal(t, scoreSystem, mock.bodies[0].System)
	assert.Less(t, len(mock.bodies[0].Prompt), 1000)
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		answer string
		want   float64
	}{
		{"0.7", 0.7},
		{"  1.0\n", 1.0},
		{"relevance (0.25).", 0.25},
		{"3", 1},
		{"-1", 0},
		{"no idea", 0.5},
		{"NaN", 0.5},
		{"", 0.5},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, ParseScore(tt.answer), 1e-9, tt.answer)
	}
}

func TestOllama_CompressTrimsOutput(t *testing.T) {
	t.Parallel()

	agent, mock := newTestAgent(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, generateResponse{Response: "\n short \n"}), nil
	})

	out, err := agent.Compress(context.Background(), "a long text", 0.3)
	require.NoError(t, err)
	assert.Equal(t, "short", out)
	assert.Contains(t, mock.bodies[0].Prompt, "about 30%")
}

func TestOllama_AvailableCachesResult(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	calls := 0
	agent, _ := newTestAgent(t, func(req *http.Request) (*http.Response, error) {
		calls++
		assert.Equal(t, "/api/tags", req.URL.Path)
		return jsonResponse(http.StatusOK, map[string]any{"models": []any{}}), nil
	}, WithClock(func() time.Time { return now }))

	assert.True(t, agent.Available(context.Background()))
	assert.True(t, agent.Available(context.Background()))
	assert.Equal(t, 1, calls)

	now = now.Add(time.Minute)
	assert.True(t, agent.Available(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestOllama_CancelledCallerKeepsAvailability(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	agent, _ := newTestAgent(t, func(req *http.Request) (*http.Response, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		if err := req.Context().Err(); err != nil {
			return nil, err
		}
		return jsonResponse(http.StatusOK, map[string]any{"models": []any{}}), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan bool, 1)
	go func() { result <- agent.Available(ctx) }()

	<-started
	cancel()
	assert.False(t, <-result)

	close(release)
	assert.True(t, agent.Available(context.Background()))

	assert.False(t, agent.Available(ctx), "a cancelled caller gets no answer")
	assert.True(t, agent.Available(context.Background()))
}

func TestOllama_UnavailableWhenUnreachable(t *testing.T) {
	t.Parallel()

	agent, _ := newTestAgent(t, func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	assert.False(t, agent.Available(context.Background()))
}

func TestOllama_Models(t *testing.T) {
	t.Parallel()

	agent, mock := newTestAgent(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, map[string]any{
			"models": []map[string]string{{"name": "llama3.2:latest"}, {"name": "qwen2.5-coder:7b"}},
		}), nil
	})

	models, err := agent.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.2:latest", "qwen2.5-coder:7b"}, models)
	require.Len(t, mock.requests, 1)
	assert.Equal(t, "http://test.local/api/tags", mock.requests[0].URL.String())
}

func TestOllama_ModelsUnreachable(t *testing.T) {
	t.Parallel()

	agent, _ := newTestAgent(t, func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})

	_, err := agent.Models(context.Background())
	assert.ErrorIs(t, err, failure.ErrAgentUnavailable)
}
