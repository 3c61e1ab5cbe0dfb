package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sable-systems/sentry/internal/agent"
	"github.com/sable-systems/sentry/internal/breaker"
)

func TestNativeLocal_ListModels_DecodesModelsField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/engine/models", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []ModelInfo{{ID: "local-7b", Object: "model", OwnedBy: "local"}},
		})
	}))
	defer srv.Close()

	p := NewNativeLocal(NativeLocalConfig{Name: "local", BaseURL: srv.URL}, nil, nil, nil)
	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "local-7b", models[0].ID)
}

func TestNativeLocal_ListModels_NonOKStatusClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewNativeLocal(NativeLocalConfig{Name: "local", BaseURL: srv.URL}, nil, nil, nil)
	_, err := p.ListModels(context.Background())
	require.Error(t, err)
	var ae *AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, KindAuth, ae.Kind)
}

func TestNativeLocal_Chat_NonStreamingRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/engine/chat", r.URL.Path)
		var req nativeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "local-7b", req.Model)
		assert.False(t, req.Stream)
		_ = json.NewEncoder(w).Encode(nativeResponse{
			Message:    agent.Message{Role: "assistant", Content: "hi there"},
			TokensUsed: 12,
		})
	}))
	defer srv.Close()

	p := NewNativeLocal(NativeLocalConfig{Name: "local", BaseURL: srv.URL}, nil, nil, nil)
	bound := p.Bind("local-7b", ParamOverrides{})

	msg, tokens, err := bound.Chat(context.Background(), []agent.Message{{Role: "user", Content: "hey"}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi there", msg.Content)
	assert.Equal(t, 12, tokens)
}

func TestNativeLocal_Chat_StreamingAccumulatesDeltasAndEmitsEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []nativeStreamFrame{
			{Delta: "hel"},
			{Delta: "lo", Done: true, TokensUsed: 3},
		}
		for _, f := range frames {
			b, _ := json.Marshal(f)
			w.Write([]byte("data: " + string(b) + "\n\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	p := NewNativeLocal(NativeLocalConfig{Name: "local", BaseURL: srv.URL}, nil, nil, nil)
	bound := p.Bind("local-7b", ParamOverrides{})

	var events []agent.StreamEvent
	msg, tokens, err := bound.Chat(context.Background(), nil, nil, func(e agent.StreamEvent) {
		events = append(events, e)
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, 3, tokens)
	require.Len(t, events, 2)
	assert.Equal(t, "hel", events[0].Content)
}

func TestNativeLocal_Chat_OpenBreakerFailsFastWithoutRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	b := breaker.NewRegistry(nil).Get("provider:local", breaker.Config{FailureThreshold: 1, Cooldown: time.Minute})
	b.Mark(seedFailure())

	p := NewNativeLocal(NativeLocalConfig{Name: "local", BaseURL: srv.URL}, nil, b, nil)
	bound := p.Bind("local-7b", ParamOverrides{})

	_, _, err := bound.Chat(context.Background(), nil, nil, nil)
	require.Error(t, err)
	assert.False(t, called, "an open breaker must prevent the HTTP request entirely")
}

func TestNativeLocal_Embeddings_ForwardsBodyAndDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/engine/embeddings", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["input"])
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{0.1, 0.2}})
	}))
	defer srv.Close()

	p := NewNativeLocal(NativeLocalConfig{Name: "local", BaseURL: srv.URL}, nil, nil, nil)
	out, err := p.Embeddings(context.Background(), map[string]any{"input": "hello"})
	require.NoError(t, err)
	assert.Contains(t, out, "embedding")
}

func TestClassifyHTTPStatus_MapsKnownCodes(t *testing.T) {
	assert.Equal(t, KindAuth, classifyHTTPStatus("p", http.StatusForbidden).Kind)
	assert.Equal(t, KindRateLimit, classifyHTTPStatus("p", http.StatusTooManyRequests).Kind)
	assert.Equal(t, KindNotFound, classifyHTTPStatus("p", http.StatusNotFound).Kind)
	assert.Equal(t, KindTimeout, classifyHTTPStatus("p", http.StatusGatewayTimeout).Kind)
	assert.Equal(t, KindUpstream, classifyHTTPStatus("p", http.StatusInternalServerError).Kind)
}

func seedFailure() error {
	return &AdapterError{Provider: "local", Kind: KindUpstream, Message: "seed failure"}
}
