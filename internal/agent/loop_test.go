package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedModel struct {
	calls     int32
	responses []Message
}

func (m *scriptedModel) Chat(ctx context.Context, messages []Message, tools []ToolSchema, stream StreamFunc) (Message, int, error) {
	i := atomic.AddInt32(&m.calls, 1) - 1
	if int(i) >= len(m.responses) {
		return Message{Role: "assistant", Content: "done"}, 1, nil
	}
	return m.responses[i], 1, nil
}

type fakeExecutor struct {
	output string
	isErr  bool
	err    error
}

func (f *fakeExecutor) Execute(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	return f.output, f.isErr, f.err
}

func TestLoop_Run_ReturnsTextAnswerWithNoToolCalls(t *testing.T) {
	model := &scriptedModel{responses: []Message{{Role: "assistant", Content: "hello there"}}}
	l := &Loop{Model: model, Tools: &fakeExecutor{}}

	result := l.Run(context.Background(), "agent:default", nil, nil)
	assert.Equal(t, "hello there", result.Answer)
	assert.Equal(t, 1, result.Steps)
	assert.Empty(t, result.CapExceeded)
}

func TestLoop_Run_ExecutesToolCallThenReturnsFinalAnswer(t *testing.T) {
	model := &scriptedModel{responses: []Message{
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "1", Function: ToolCallFunc{Name: "greet", Arguments: `{}`}}}},
		{Role: "assistant", Content: "hi"},
	}}
	l := &Loop{Model: model, Tools: &fakeExecutor{output: "hi"}}

	result := l.Run(context.Background(), "agent:default", []Message{{Role: "user", Content: "use greet"}}, nil)
	assert.Equal(t, "hi", result.Answer)
	assert.Equal(t, 1, result.ToolCalls)
	assert.Equal(t, 2, result.Steps)
}

func TestLoop_Run_MaxStepsCapReturnsPartialDraft(t *testing.T) {
	model := &scriptedModel{responses: []Message{
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "1", Function: ToolCallFunc{Name: "x", Arguments: `{}`}}}},
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "2", Function: ToolCallFunc{Name: "x", Arguments: `{}`}}}},
	}}
	l := &Loop{Model: model, Tools: &fakeExecutor{output: "x"}, Caps: Caps{MaxSteps: 2}}

	result := l.Run(context.Background(), "agent:default", nil, nil)
	assert.Equal(t, "max_steps", result.CapExceeded)
	assert.Equal(t, 2, result.Steps)
}

func TestLoop_Run_MaxOutputBytesCapStopsLoop(t *testing.T) {
	model := &scriptedModel{responses: []Message{
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "1", Function: ToolCallFunc{Name: "x", Arguments: `{}`}}}},
	}}
	bigOutput := make([]byte, 100)
	l := &Loop{Model: model, Tools: &fakeExecutor{output: string(bigOutput)}, Caps: Caps{MaxOutputBytes: 10}}

	result := l.Run(context.Background(), "agent:default", nil, nil)
	assert.Equal(t, "max_output_bytes", result.CapExceeded)
}

func TestLoop_Run_MaxWallTimeCapStopsLoop(t *testing.T) {
	model := &scriptedModel{}
	l := &Loop{Model: model, Tools: &fakeExecutor{}, Caps: Caps{MaxWallTime: time.Nanosecond}}

	result := l.Run(context.Background(), "agent:default", nil, nil)
	assert.Equal(t, "max_wall_time", result.CapExceeded)
}

func TestLoop_Run_ResolverPicksModelPerCall(t *testing.T) {
	model := &scriptedModel{responses: []Message{{Role: "assistant", Content: "resolved"}}}
	l := &Loop{
		Resolver: func(modelID string) (ChatModel, error) {
			require.Equal(t, "openai:gpt-4", modelID)
			return model, nil
		},
		Tools: &fakeExecutor{},
	}

	result := l.Run(context.Background(), "openai:gpt-4", nil, nil)
	assert.Equal(t, "resolved", result.Answer)
}

type fakeOffline struct{ available bool }

func (f fakeOffline) InternetAvailable() bool { return f.available }

func TestLoop_Run_OfflineRewritesModelAndDropsInternetTools(t *testing.T) {
	model := &scriptedModel{responses: []Message{{Role: "assistant", Content: "local answer"}}}
	var seenTools []ToolSchema
	capturingModel := &capturingChatModel{inner: model, seen: &seenTools}

	l := &Loop{
		Model:         capturingModel,
		Tools:         &fakeExecutor{},
		Offline:       fakeOffline{available: false},
		FallbackModel: "native-local:default",
	}

	tools := []ToolSchema{
		{Name: "web_search", Parameters: map[string]any{"x-requires-internet": true}},
		{Name: "filesystem", Parameters: map[string]any{}},
	}
	result := l.Run(context.Background(), "openai:gpt-4", nil, tools)
	assert.Equal(t, "local answer", result.Answer)
	require.Len(t, seenTools, 1)
	assert.Equal(t, "filesystem", seenTools[0].Name)
}

type capturingChatModel struct {
	inner ChatModel
	seen  *[]ToolSchema
}

func (c *capturingChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSchema, stream StreamFunc) (Message, int, error) {
	*c.seen = tools
	return c.inner.Chat(ctx, messages, tools, stream)
}

func TestLoop_Run_FinalizerOverridesDraft(t *testing.T) {
	model := &scriptedModel{responses: []Message{{Role: "assistant", Content: "draft"}}}
	l := &Loop{
		Model: model,
		Tools: &fakeExecutor{},
		Finalizer: func(ctx context.Context, draft string, messages []Message) (string, error) {
			return draft + " (finalized)", nil
		},
	}

	result := l.Run(context.Background(), "agent:default", nil, nil)
	assert.Equal(t, "draft (finalized)", result.Answer)
}

func TestParseToolArguments_RepairsMalformedJSON(t *testing.T) {
	args, err := parseToolArguments(`{"a": 1,}`)
	require.NoError(t, err)
	assert.Equal(t, float64(1), args["a"])
}

func TestParseToolArguments_EmptyStringYieldsEmptyMap(t *testing.T) {
	args, err := parseToolArguments("")
	require.NoError(t, err)
	assert.Empty(t, args)
}
