package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"golang.org/x/sync/errgroup"

	"github.com/sable-systems/sentry/internal/logging"
)

// toolHeartbeatInterval is how often RunStream emits a keep-alive event
// while tool calls are in flight, per §4.7's "tool-call steps stream as
// heartbeat keep-alives so the HTTP connection does not idle."
const toolHeartbeatInterval = 10 * time.Second

// ChatModel is the model-facing surface the loop drives; satisfied by a
// provider adapter's chat method.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSchema, stream StreamFunc) (Message, int, error)
}

// ToolExecutor is the tool-facing surface; satisfied by toolregistry.Registry
// wrapped with argument validation and the mcp per-call protocol.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) (output string, isError bool, err error)
}

// OfflineState reports whether the gateway currently believes it has
// internet access, for the §4.7 "Offline behavior" model/tool rewriting.
type OfflineState interface {
	InternetAvailable() bool
}

// Finalizer, if set, runs an optional extra model pass over the draft
// answer before it is returned (§4.7 step 3's "optionally invoke a
// finalizer model pass if enabled").
type Finalizer func(ctx context.Context, draft string, messages []Message) (string, error)

// Resolver picks the concrete ChatModel for one call given the effective
// model id (post offline-policy rewrite). Installed by process wiring to
// bind a model id's provider prefix to that provider's adapter; Model is
// used as-is when Resolver is nil, which keeps single-provider callers
// (tests, a native-local-only install) simple.
type Resolver func(modelID string) (ChatModel, error)

// Loop drives one tool-calling conversation to completion.
type Loop struct {
	Model         ChatModel
	Resolver      Resolver
	Tools         ToolExecutor
	Offline       OfflineState
	Finalizer     Finalizer
	FallbackModel string // local model id substituted when offline and the requested model is remote
	Caps          Caps
	Logger        logging.Logger
}

// requiresInternetTag marks a ToolSchema as unusable offline: a tool whose
// Parameters map carries this key set to true is dropped from the menu
// while offline. The key is read here only; whoever builds the ToolSchema
// sets it, and the tool registry does not.
const requiresInternetTag = "x-requires-internet"

// Run executes the loop contract from §4.7 against the given model id,
// selected tool menu, and conversation history, with no streaming output.
func (l *Loop) Run(ctx context.Context, modelID string, messages []Message, tools []ToolSchema) Result {
	return l.RunStream(ctx, modelID, messages, tools, nil)
}

// RunStream is Run with an optional emit callback: when non-nil, the
// model's own token deltas (surfaced through ChatModel.Chat's StreamFunc)
// and a periodic tool-call heartbeat are forwarded to it, per §4.7
// "Streaming".
func (l *Loop) RunStream(ctx context.Context, modelID string, messages []Message, tools []ToolSchema, emit StreamFunc) Result {
	caps := l.Caps.withDefaults()
	logger := logging.OrNop(l.Logger).With("agent.loop")

	effectiveModel, effectiveTools := l.applyOfflinePolicy(modelID, tools)

	model, err := l.resolveModel(effectiveModel)
	if err != nil {
		return Result{CapExceeded: "model_error", PartialDraft: ""}
	}

	ctx, cancel := context.WithTimeout(ctx, caps.MaxWallTime)
	defer cancel()

	var (
		steps         int
		toolCalls     int
		totalTokens   int
		outputBytes   int64
		lastAssistant Message
	)

	for {
		if steps >= caps.MaxSteps {
			return capExceededResult("max_steps", lastAssistant.Content, steps, toolCalls, totalTokens)
		}
		select {
		case <-ctx.Done():
			return capExceededResult("max_wall_time", lastAssistant.Content, steps, toolCalls, totalTokens)
		default:
		}

		assistant, tokens, err := model.Chat(ctx, messages, effectiveTools, emit)
		if tokens == 0 && assistant.Content != "" {
			tokens = countTokens(assistant.Content) // provider didn't report usage; estimate locally
		}
		totalTokens += tokens
		steps++
		if err != nil {
			if ctx.Err() != nil {
				return capExceededResult("max_wall_time", lastAssistant.Content, steps, toolCalls, totalTokens)
			}
			return Result{Answer: "", Steps: steps, ToolCalls: toolCalls, TokensUsed: totalTokens, CapExceeded: "model_error", PartialDraft: lastAssistant.Content}
		}
		lastAssistant = assistant
		messages = append(messages, assistant)

		if len(assistant.ToolCalls) == 0 {
			return l.finish(ctx, assistant.Content, messages, steps, toolCalls, totalTokens)
		}

		toolMessages, newBytes, err := l.runToolStep(ctx, assistant.ToolCalls, caps, emit)
		toolCalls += len(assistant.ToolCalls)
		outputBytes += newBytes
		messages = append(messages, toolMessages...)
		if outputBytes > caps.MaxOutputBytes {
			return capExceededResult("max_output_bytes", assistant.Content, steps, toolCalls, totalTokens)
		}
		if err != nil {
			logger.Warn("tool execution error mid-loop: %v", err)
		}
	}
}

// runToolStep wraps executeToolCalls with a periodic heartbeat emission
// while emit is set, so a client streaming the response sees keep-alive
// events instead of an idle connection during a slow tool call.
func (l *Loop) runToolStep(ctx context.Context, calls []ToolCall, caps Caps, emit StreamFunc) ([]Message, int64, error) {
	if emit == nil {
		return l.executeToolCalls(ctx, calls, caps)
	}

	for _, call := range calls {
		emit(StreamEvent{Type: "tool_heartbeat", ToolName: call.Function.Name})
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(toolHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				emit(StreamEvent{Type: "tool_heartbeat"})
			case <-stop:
				return
			}
		}
	}()

	return l.executeToolCalls(ctx, calls, caps)
}

// resolveModel picks the ChatModel for this call: Resolver, when set,
// resolves the effective (post offline-policy) model id to its provider's
// bound model; otherwise the loop's fixed Model is used unchanged.
func (l *Loop) resolveModel(effectiveModel string) (ChatModel, error) {
	if l.Resolver == nil {
		return l.Model, nil
	}
	return l.Resolver(effectiveModel)
}

func (l *Loop) finish(ctx context.Context, draft string, messages []Message, steps, toolCalls, tokens int) Result {
	answer := draft
	if l.Finalizer != nil {
		finalized, err := l.Finalizer(ctx, draft, messages)
		if err == nil {
			answer = finalized
		}
	}
	return Result{Answer: answer, Steps: steps, ToolCalls: toolCalls, TokensUsed: tokens}
}

func capExceededResult(cap, draft string, steps, toolCalls, tokens int) Result {
	return Result{Steps: steps, ToolCalls: toolCalls, TokensUsed: tokens, CapExceeded: cap, PartialDraft: draft}
}

// applyOfflinePolicy implements §4.7's "Offline behavior": rewrite the
// model id to the local fallback and drop internet-requiring tools when
// the gateway believes it is offline.
func (l *Loop) applyOfflinePolicy(modelID string, tools []ToolSchema) (string, []ToolSchema) {
	if l.Offline == nil || l.Offline.InternetAvailable() || isLocalModel(modelID, l.FallbackModel) {
		return modelID, tools
	}
	filtered := make([]ToolSchema, 0, len(tools))
	for _, t := range tools {
		if t.Parameters != nil {
			if flag, ok := t.Parameters[requiresInternetTag].(bool); ok && flag {
				continue
			}
		}
		filtered = append(filtered, t)
	}
	return l.FallbackModel, filtered
}

func isLocalModel(modelID, fallback string) bool {
	return modelID == fallback || strings.HasPrefix(modelID, "native-local:")
}

// executeToolCalls runs every call in assistant.ToolCalls bounded by
// caps.ParallelCalls, appending each as its own tool message in original
// order — order matters for providers that correlate tool_call_id
// sequentially in their own bookkeeping.
func (l *Loop) executeToolCalls(ctx context.Context, calls []ToolCall, caps Caps) ([]Message, int64, error) {
	results := make([]Message, len(calls))
	var totalBytes int64
	var bytesMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(caps.ParallelCalls)

	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			args, err := parseToolArguments(call.Function.Arguments)
			if err != nil {
				results[i] = toolErrorMessage(call, fmt.Sprintf("invalid arguments: %v", err))
				return nil
			}
			output, isError, err := l.Tools.Execute(gctx, call.Function.Name, args)
			if err != nil {
				results[i] = toolErrorMessage(call, err.Error())
				return nil
			}
			bytesMu.Lock()
			totalBytes += int64(len(output))
			bytesMu.Unlock()
			if isError {
				results[i] = toolErrorMessage(call, output)
				return nil
			}
			results[i] = Message{Role: "tool", Content: output, ToolCallID: call.ID, Name: call.Function.Name}
			return nil
		})
	}
	err := g.Wait()
	return results, totalBytes, err
}

// parseToolArguments decodes the model's raw JSON tool arguments,
// attempting a jsonrepair pass on malformed output before giving up —
// models frequently emit near-valid JSON (trailing commas, unescaped
// quotes) for tool calls.
func parseToolArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func toolErrorMessage(call ToolCall, message string) Message {
	return Message{Role: "tool", Content: message, ToolCallID: call.ID, Name: call.Function.Name}
}
