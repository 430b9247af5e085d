package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/agents"
	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/tools"
)

const defaultMaxIterations = 6

// ToolCalling uses the model's native function calling. Reaching MaxRounds
// returns the last assistant text.
type ToolCalling struct {
	MaxRounds int
}

func (ToolCalling) Name() string { return "tool_calling" }

func (s ToolCalling) Run(ctx context.Context, model llms.Model, req Request) (string, error) {
	rounds := s.MaxRounds
	if rounds <= 0 {
		rounds = defaultMaxIterations
	}
	msgs := baseMessages(req)
	opts := []llms.CallOption{llms.WithTools(definitions(req.Tools)), llms.WithTemperature(req.Temperature)}
	last := ""
	ran := 0
	for round := 0; round < rounds; round++ {
		resp, err := model.GenerateContent(ctx, msgs, opts...)
		if err != nil {
			if ran > 0 {
				return "", &AfterToolsError{Strategy: s.Name(), Calls: ran, Err: err}
			}
			return "", err
		}
		if resp == nil || len(resp.Choices) == 0 {
			return last, nil
		}
		choice := resp.Choices[0]
		last = choice.Content
		if len(choice.ToolCalls) == 0 {
			return choice.Content, nil
		}
		assistant := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if choice.Content != "" {
			assistant.Parts = append(assistant.Parts, llms.TextContent{Text: choice.Content})
		}
		for _, call := range choice.ToolCalls {
			assistant.Parts = append(assistant.Parts, call)
		}
		msgs = append(msgs, assistant)
		for _, call := range choice.ToolCalls {
			if call.FunctionCall == nil {
				continue
			}
			observation, ok, err := invoke(ctx, req.Tools, call.FunctionCall.Name, call.FunctionCall.Arguments)
			if err != nil {
				return "", err
			}
			if ok {
				ran++
			}
			msgs = append(msgs, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: call.ID,
					Name:       call.FunctionCall.Name,
					Content:    observation,
				}},
			})
		}
	}
	return last, nil
}

// AgentExecutor drives a ReAct one-shot agent for models without native
// tool calling. Hitting the iteration cap yields "".
type AgentExecutor struct {
	MaxIterations int
}

func (AgentExecutor) Name() string { return "agent_executor" }

func (s AgentExecutor) Run(ctx context.Context, model llms.Model, req Request) (string, error) {
	n := s.MaxIterations
	if n <= 0 {
		n = defaultMaxIterations
	}
	ran := new(int)
	lcTools := make([]tools.Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		lcTools = append(lcTools, executorTool{tool: t, all: req.Tools, ran: ran})
	}
	agent := agents.NewOneShotAgent(model, lcTools,
		agents.WithPromptPrefix(executorPrefix(req.Instructions)),
		agents.WithMaxIterations(n),
	)
	executor := agents.NewExecutor(agent, agents.WithMaxIterations(n))
	out, err := chains.Run(ctx, executor, req.Input, chains.WithTemperature(req.Temperature))
	if errors.Is(err, agents.ErrNotFinished) {
		return "", nil
	}
	if err != nil {
		var toolErr *ToolError
		if *ran > 0 && !errors.As(err, &toolErr) {
			return "", &AfterToolsError{Strategy: s.Name(), Calls: *ran, Err: err}
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// The prefix is rendered as a Go template, so literal braces are escaped.
func executorPrefix(instructions string) string {
	escaped := strings.ReplaceAll(instructions, "{{", `{{"{{"}}`)
	return escaped + "\n\nYou have access to the following tools:\n\n{{.tool_descriptions}}"
}

type executorTool struct {
	tool Tool
	all  []Tool
	ran  *int
}

func (t executorTool) Name() string { return t.tool.Name }

func (t executorTool) Description() string {
	desc := t.tool.Description
	if t.tool.Parameters != nil {
		if schema, err := json.Marshal(t.tool.Parameters); err == nil {
			desc += fmt.Sprintf(" Action Input must be a JSON object matching this schema: %s", schema)
		}
	}
	return desc
}

func (t executorTool) Call(ctx context.Context, input string) (string, error) {
	observation, ok, err := invoke(ctx, t.all, t.tool.Name, input)
	if ok {
		*t.ran++
	}
	return observation, err
}
