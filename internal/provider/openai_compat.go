package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	openailib "github.com/sashabaranov/go-openai"

	"github.com/sable-systems/sentry/internal/agent"
	"github.com/sable-systems/sentry/internal/breaker"
	"github.com/sable-systems/sentry/internal/httpclient"
	"github.com/sable-systems/sentry/internal/logging"
)

// OpenAICompatConfig configures one openai_compat provider descriptor
// (§3 "Provider descriptor").
type OpenAICompatConfig struct {
	Name           string
	BaseURL        string
	AuthToken      string
	DefaultHeaders map[string]string
	Overrides      map[string]ParamOverrides // keyed by model id
}

// OpenAICompat is an HTTP proxy adapter that injects Authorization from
// AuthToken. DefaultHeaders is kept in the config but not added to
// outgoing requests, and no inbound request headers are forwarded.
// Grounded directly on
// Jint8888-Pocket-Omega's internal/llm/openai/client.go: the OpenAI
// client construction, non-streaming call, tool-calling call, and
// streaming accumulation are all adapted from that file, generalized
// from one configured model to any model id the router passes in.
type OpenAICompat struct {
	cfg     OpenAICompatConfig
	client  *openailib.Client
	breaker *breaker.Breaker
	logger  logging.Logger
}

func NewOpenAICompat(cfg OpenAICompatConfig, httpClient *http.Client, b *breaker.Breaker, logger logging.Logger) *OpenAICompat {
	clientCfg := openailib.DefaultConfig(cfg.AuthToken)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if httpClient == nil {
		httpClient = httpclient.New(httpclient.DefaultPoolConfig())
	}
	clientCfg.HTTPClient = httpClient
	return &OpenAICompat{
		cfg:     cfg,
		client:  openailib.NewClientWithConfig(clientCfg),
		breaker: b,
		logger:  logging.OrNop(logger).With("provider." + cfg.Name),
	}
}

func (p *OpenAICompat) Name() string { return p.cfg.Name }

// Bind returns an agent.ChatModel pinned to one model id, so the agent
// loop can call Chat without threading the model string through every
// call or letting the adapter guess it from the conversation.
func (p *OpenAICompat) Bind(model string, overrides ParamOverrides) agent.ChatModel {
	return &boundOpenAI{adapter: p, model: model, overrides: overrides}
}

type boundOpenAI struct {
	adapter   *OpenAICompat
	model     string
	overrides ParamOverrides
}

func (b *boundOpenAI) Chat(ctx context.Context, messages []agent.Message, tools []agent.ToolSchema, stream agent.StreamFunc) (agent.Message, int, error) {
	p := b.adapter
	if p.breaker != nil && !p.breaker.Allow() {
		return agent.Message{}, 0, newAdapterError(p.cfg.Name, KindUpstream, "circuit open", nil)
	}

	req := openailib.ChatCompletionRequest{
		Model:    b.model,
		Messages: toOpenAIMessages(messages),
		Tools:    toOpenAITools(tools),
		Stream:   stream != nil,
	}
	applyOverrides(&req, b.overrides)

	var (
		result agent.Message
		tokens int
		err    error
	)
	if req.Stream {
		result, tokens, err = p.chatStream(ctx, req, stream)
	} else {
		result, tokens, err = p.chatOnce(ctx, req)
	}
	if p.breaker != nil {
		p.breaker.Mark(err)
	}
	return result, tokens, err
}

func applyOverrides(req *openailib.ChatCompletionRequest, o ParamOverrides) {
	if o.Temperature != nil {
		req.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		req.TopP = *o.TopP
	}
	if o.MaxTokens > 0 {
		req.MaxTokens = o.MaxTokens
	}
}

func (p *OpenAICompat) chatOnce(ctx context.Context, req openailib.ChatCompletionRequest) (agent.Message, int, error) {
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return agent.Message{}, 0, classifyOpenAIError(p.cfg.Name, err)
	}
	if len(resp.Choices) == 0 {
		return agent.Message{}, 0, newAdapterError(p.cfg.Name, KindUpstream, "no choices returned", nil)
	}
	return fromOpenAIMessage(resp.Choices[0].Message), resp.Usage.TotalTokens, nil
}

func (p *OpenAICompat) chatStream(ctx context.Context, req openailib.ChatCompletionRequest, onChunk agent.StreamFunc) (agent.Message, int, error) {
	s, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return p.chatOnce(ctx, req) // fall back to non-streaming on stream setup failure
	}
	defer s.Close()

	var sb strings.Builder
	var toolCalls []agent.ToolCall
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if sb.Len() > 0 {
				break
			}
			return agent.Message{}, 0, classifyOpenAIError(p.cfg.Name, err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			sb.WriteString(delta.Content)
			if onChunk != nil {
				onChunk(agent.StreamEvent{Type: "token", Content: delta.Content})
			}
		}
		for _, tc := range delta.ToolCalls {
			toolCalls = append(toolCalls, agent.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: agent.ToolCallFunc{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
	}
	return agent.Message{Role: "assistant", Content: sb.String(), ToolCalls: toolCalls}, 0, nil
}

func (p *OpenAICompat) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, classifyOpenAIError(p.cfg.Name, err)
	}
	out := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, ModelInfo{ID: m.ID, Object: m.Object, OwnedBy: m.OwnedBy})
	}
	return out, nil
}

func toOpenAIMessages(messages []agent.Message) []openailib.ChatCompletionMessage {
	out := make([]openailib.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openailib.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		if len(m.ToolCalls) > 0 {
			tcs := make([]openailib.ToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				tcs[j] = openailib.ToolCall{
					ID:   tc.ID,
					Type: openailib.ToolTypeFunction,
					Function: openailib.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
			}
			out[i].ToolCalls = tcs
		}
	}
	return out
}

func toOpenAITools(tools []agent.ToolSchema) []openailib.Tool {
	out := make([]openailib.Tool, len(tools))
	for i, t := range tools {
		out[i] = openailib.Tool{
			Type: openailib.ToolTypeFunction,
			Function: &openailib.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return out
}

func fromOpenAIMessage(m openailib.ChatCompletionMessage) agent.Message {
	out := agent.Message{Role: m.Role, Content: m.Content}
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]agent.ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = agent.ToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: agent.ToolCallFunc{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			}
		}
	}
	return out
}

// classifyOpenAIError maps go-openai's request error into §4.8's
// classification taxonomy (auth, rate_limit, not_found, upstream,
// network, timeout).
func classifyOpenAIError(providerName string, err error) *AdapterError {
	var apiErr *openailib.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return newAdapterError(providerName, KindAuth, apiErr.Message, err)
		case http.StatusTooManyRequests:
			return newAdapterError(providerName, KindRateLimit, apiErr.Message, err)
		case http.StatusNotFound:
			return newAdapterError(providerName, KindNotFound, apiErr.Message, err)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return newAdapterError(providerName, KindTimeout, apiErr.Message, err)
		default:
			return newAdapterError(providerName, KindUpstream, apiErr.Message, err)
		}
	}
	var reqErr *openailib.RequestError
	if errors.As(err, &reqErr) {
		return newAdapterError(providerName, KindNetwork, "request error", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newAdapterError(providerName, KindTimeout, "deadline exceeded", err)
	}
	return newAdapterError(providerName, KindNetwork, "request failed", err)
}
