package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// scriptedModel replays canned responses and records the conversations it saw.
type scriptedModel struct {
	responses []*llms.ContentResponse
	errs      []error
	calls     [][]llms.MessageContent
}

func (m *scriptedModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	i := len(m.calls)
	m.calls = append(m.calls, msgs)
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.responses) {
		return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "out of script"}}}, nil
	}
	return m.responses[i], nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, opts...)
}

func text(s string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: s}}}
}

func toolCall(id, name, args string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		ToolCalls: []llms.ToolCall{{
			ID:           id,
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: name, Arguments: args},
		}},
	}}}
}

func echoTool(seen *[]Args) Tool {
	return Tool{
		Name:        "lookup",
		Description: "Look something up.",
		Parameters:  Object(map[string]any{"q": Prop("string", "query")}, "q"),
		Call: func(_ context.Context, args Args) (any, error) {
			*seen = append(*seen, args)
			return map[string]any{"answer": strings.ToUpper(args.String("q"))}, nil
		},
	}
}

func TestRunWithoutToolsIsSingleCompletion(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{text("hello")}}
	out, err := New(model).Run(context.Background(), "be brief", "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	require.Len(t, model.calls, 1)
	require.Len(t, model.calls[0], 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.calls[0][0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.calls[0][1].Role)
}

func TestRunWithoutChoicesReturnsEmpty(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{{}}}
	out, err := New(model).Run(context.Background(), "", "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestToolCallingRoundTrip(t *testing.T) {
	var seen []Args
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolCall("c1", "lookup", `{"q":"billing"}`),
		text("final: BILLING"),
	}}
	out, err := New(model, WithStrategies(ToolCalling{MaxRounds: 3})).Run(context.Background(), "sys", "go", []Tool{echoTool(&seen)})
	require.NoError(t, err)
	assert.Equal(t, "final: BILLING", out)
	require.Len(t, seen, 1)
	assert.Equal(t, "billing", seen[0].String("q"))

	second := model.calls[1]
	last := second[len(second)-1]
	assert.Equal(t, llms.ChatMessageTypeTool, last.Role)
	resp, ok := last.Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Equal(t, "c1", resp.ToolCallID)
	assert.JSONEq(t, `{"answer":"BILLING"}`, resp.Content)
}

func TestToolCallingCapReturnsLastText(t *testing.T) {
	var seen []Args
	loop := toolCall("c", "lookup", `{"q":"x"}`)
	loop.Choices[0].Content = "still thinking"
	model := &scriptedModel{responses: []*llms.ContentResponse{loop, loop}}
	out, err := New(model, WithStrategies(ToolCalling{MaxRounds: 2})).Run(context.Background(), "", "go", []Tool{echoTool(&seen)})
	require.NoError(t, err)
	assert.Equal(t, "still thinking", out)
	assert.Len(t, seen, 2)
}

func TestUnknownToolIsReportedToModel(t *testing.T) {
	var seen []Args
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolCall("c1", "nope", `{}`),
		text("done"),
	}}
	out, err := New(model, WithStrategies(ToolCalling{})).Run(context.Background(), "", "go", []Tool{echoTool(&seen)})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Empty(t, seen)
}

func TestToolErrorAbortsWithoutFallback(t *testing.T) {
	boom := errors.New("input closed")
	failing := Tool{Name: "ask", Call: func(context.Context, Args) (any, error) { return nil, boom }}
	model := &scriptedModel{responses: []*llms.ContentResponse{toolCall("c1", "ask", `{}`)}}
	fallback := &countingStrategy{}

	_, err := New(model, WithStrategies(ToolCalling{}, fallback)).Run(context.Background(), "", "go", []Tool{failing})
	require.Error(t, err)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "ask", toolErr.Tool)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, fallback.calls)
}

type countingStrategy struct {
	calls int
	out   string
	err   error
}

func (c *countingStrategy) Name() string { return "counting" }

func (c *countingStrategy) Run(context.Context, llms.Model, Request) (string, error) {
	c.calls++
	return c.out, c.err
}

func TestFallbackAfterStrategyFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	model := &scriptedModel{errs: []error{errors.New("tools unsupported")}}
	fallback := &countingStrategy{out: "from fallback"}
	var seen []Args

	out, err := New(model, WithStrategies(ToolCalling{}, fallback), WithLogger(zap.New(core))).
		Run(context.Background(), "", "go", []Tool{echoTool(&seen)})
	require.NoError(t, err)
	assert.Equal(t, "from fallback", out)
	assert.Equal(t, 1, fallback.calls)
	assert.Equal(t, 1, logs.FilterMessage("agent strategy failed").Len())
}

func TestFailureAfterToolCallDoesNotFallBack(t *testing.T) {
	var seen []Args
	model := &scriptedModel{
		responses: []*llms.ContentResponse{toolCall("c1", "lookup", `{"q":"create"}`)},
		errs:      []error{nil, errors.New("connection reset")},
	}
	fallback := &countingStrategy{out: "from fallback"}

	_, err := New(model, WithStrategies(ToolCalling{}, fallback)).Run(context.Background(), "", "go", []Tool{echoTool(&seen)})
	require.Error(t, err)
	var after *AfterToolsError
	require.ErrorAs(t, err, &after)
	assert.Equal(t, "tool_calling", after.Strategy)
	assert.Equal(t, 1, after.Calls)
	assert.Len(t, seen, 1, "callback ran exactly once")
	assert.Zero(t, fallback.calls)
}

func TestUnknownToolBeforeFailureStillFallsBack(t *testing.T) {
	model := &scriptedModel{
		responses: []*llms.ContentResponse{toolCall("c1", "nope", `{}`)},
		errs:      []error{nil, errors.New("connection reset")},
	}
	fallback := &countingStrategy{out: "from fallback"}
	var seen []Args

	out, err := New(model, WithStrategies(ToolCalling{}, fallback)).Run(context.Background(), "", "go", []Tool{echoTool(&seen)})
	require.NoError(t, err)
	assert.Equal(t, "from fallback", out)
	assert.Empty(t, seen)
}

func TestAllStrategiesFailListsPrimaryFirst(t *testing.T) {
	model := &scriptedModel{errs: []error{errors.New("primary broke")}}
	fallback := &countingStrategy{err: errors.New("fallback broke")}
	var seen []Args

	_, err := New(model, WithStrategies(ToolCalling{}, fallback)).Run(context.Background(), "", "go", []Tool{echoTool(&seen)})
	require.Error(t, err)
	msg := err.Error()
	assert.Less(t, strings.Index(msg, "primary broke"), strings.Index(msg, "fallback broke"))
}

func TestAgentExecutorUsesTools(t *testing.T) {
	var seen []Args
	model := &scriptedModel{responses: []*llms.ContentResponse{
		text("Thought: I should look it up.\nAction: lookup\nAction Input: {\"q\": \"plan\"}"),
		text("Thought: I know it now.\nFinal Answer: PLAN"),
	}}
	out, err := New(model, WithStrategies(AgentExecutor{MaxIterations: 3})).Run(context.Background(), "Use {{braces}} literally.", "go", []Tool{echoTool(&seen)})
	require.NoError(t, err)
	assert.Equal(t, "PLAN", out)
	require.Len(t, seen, 1)
	assert.Equal(t, "plan", seen[0].String("q"))
}

func TestAgentExecutorTrimsFinalAnswer(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		text("Thought: nothing to look up.\nFinal Answer:   iteration_id: it-7\n\n"),
	}}
	var seen []Args
	out, err := AgentExecutor{MaxIterations: 2}.Run(context.Background(), model, Request{Input: "go", Tools: []Tool{echoTool(&seen)}})
	require.NoError(t, err)
	assert.Equal(t, "iteration_id: it-7", out)
}

func TestStrategiesFromNames(t *testing.T) {
	s, err := StrategiesFromNames([]string{"agent_executor", "tool_calling"}, 4)
	require.NoError(t, err)
	require.Len(t, s, 2)
	assert.Equal(t, AgentExecutor{MaxIterations: 4}, s[0])
	assert.Equal(t, ToolCalling{MaxRounds: 4}, s[1])

	_, err = StrategiesFromNames([]string{"magic"}, 1)
	require.Error(t, err)
}

func TestArgsAccessors(t *testing.T) {
	args, ok := decodeArgs("```json\n{\"name\":\" x \",\"n\":3,\"force\":\"true\",\"deps\":[\"a\",\"\",\"b\"]}\n```")
	require.True(t, ok)
	assert.Equal(t, "x", args.String("name"))
	n, ok := args.Int("n")
	assert.True(t, ok)
	assert.Equal(t, 3, n)
	assert.True(t, args.Bool("force"))
	assert.Equal(t, []string{"a", "b"}, args.Strings("deps"))

	_, ok = decodeArgs("not json")
	assert.False(t, ok)
}
