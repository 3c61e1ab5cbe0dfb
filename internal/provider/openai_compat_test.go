package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openailib "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sable-systems/sentry/internal/agent"
	"github.com/sable-systems/sentry/internal/breaker"
)

func TestOpenAICompat_Chat_NonStreamingRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		_ = json.NewEncoder(w).Encode(openailib.ChatCompletionResponse{
			Choices: []openailib.ChatCompletionChoice{
				{Message: openailib.ChatCompletionMessage{Role: "assistant", Content: "hi"}},
			},
			Usage: openailib.Usage{TotalTokens: 7},
		})
	}))
	defer srv.Close()

	p := NewOpenAICompat(OpenAICompatConfig{Name: "openai", BaseURL: srv.URL, AuthToken: "key"}, nil, nil, nil)
	bound := p.Bind("gpt-test", ParamOverrides{})

	msg, tokens, err := bound.Chat(context.Background(), []agent.Message{{Role: "user", Content: "hey"}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, 7, tokens)
}

func TestOpenAICompat_Chat_NoChoicesIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openailib.ChatCompletionResponse{})
	}))
	defer srv.Close()

	p := NewOpenAICompat(OpenAICompatConfig{Name: "openai", BaseURL: srv.URL, AuthToken: "key"}, nil, nil, nil)
	bound := p.Bind("gpt-test", ParamOverrides{})

	_, _, err := bound.Chat(context.Background(), nil, nil, nil)
	require.Error(t, err)
	var ae *AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, KindUpstream, ae.Kind)
}

func TestOpenAICompat_Chat_OpenBreakerFailsFastWithoutRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	b := breaker.NewRegistry(nil).Get("provider:openai", breaker.Config{FailureThreshold: 1, Cooldown: time.Minute})
	b.Mark(newAdapterError("openai", KindUpstream, "seed", nil))

	p := NewOpenAICompat(OpenAICompatConfig{Name: "openai", BaseURL: srv.URL, AuthToken: "key"}, nil, b, nil)
	bound := p.Bind("gpt-test", ParamOverrides{})

	_, _, err := bound.Chat(context.Background(), nil, nil, nil)
	require.Error(t, err)
	assert.False(t, called)
}

func TestOpenAICompat_ListModels_DecodesModelList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		_ = json.NewEncoder(w).Encode(openailib.ModelsList{
			Models: []openailib.Model{{ID: "gpt-test", Object: "model", OwnedBy: "org"}},
		})
	}))
	defer srv.Close()

	p := NewOpenAICompat(OpenAICompatConfig{Name: "openai", BaseURL: srv.URL, AuthToken: "key"}, nil, nil, nil)
	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "gpt-test", models[0].ID)
}

func TestApplyOverrides_SetsConfiguredFieldsOnly(t *testing.T) {
	temp := float32(0.5)
	req := openailib.ChatCompletionRequest{}
	applyOverrides(&req, ParamOverrides{Temperature: &temp, MaxTokens: 256})
	assert.Equal(t, temp, req.Temperature)
	assert.Equal(t, 256, req.MaxTokens)
	assert.Equal(t, float32(0), req.TopP)
}

func TestToOpenAIMessages_PreservesToolCalls(t *testing.T) {
	msgs := []agent.Message{
		{Role: "assistant", ToolCalls: []agent.ToolCall{{ID: "1", Function: agent.ToolCallFunc{Name: "f", Arguments: "{}"}}}},
	}
	out := toOpenAIMessages(msgs)
	require.Len(t, out, 1)
	require.Len(t, out[0].ToolCalls, 1)
	assert.Equal(t, "f", out[0].ToolCalls[0].Function.Name)
}

func TestFromOpenAIMessage_PreservesToolCalls(t *testing.T) {
	m := openailib.ChatCompletionMessage{
		Role: "assistant",
		ToolCalls: []openailib.ToolCall{
			{ID: "1", Function: openailib.FunctionCall{Name: "f", Arguments: "{}"}},
		},
	}
	out := fromOpenAIMessage(m)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "f", out.ToolCalls[0].Function.Name)
}

func TestClassifyOpenAIError_MapsAPIErrorStatusToKind(t *testing.T) {
	err := &openailib.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "slow down"}
	ae := classifyOpenAIError("openai", err)
	assert.Equal(t, KindRateLimit, ae.Kind)
}

func TestClassifyOpenAIError_WrapsRequestErrorAsNetwork(t *testing.T) {
	err := &openailib.RequestError{HTTPStatusCode: 0, Err: assertBoom()}
	ae := classifyOpenAIError("openai", err)
	assert.Equal(t, KindNetwork, ae.Kind)
}

func assertBoom() error {
	return &AdapterError{Provider: "openai", Kind: KindNetwork, Message: "boom"}
}
