// Package agent runs one model phase: a plain completion when no tools are
// offered, otherwise an ordered list of tool-using strategies.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// Request is one phase invocation handed to a strategy.
type Request struct {
	Instructions string
	Input        string
	Tools        []Tool
	Temperature  float64
}

// Strategy is one way of letting the model use tools.
type Strategy interface {
	Name() string
	Run(ctx context.Context, model llms.Model, req Request) (string, error)
}

type Runner struct {
	model       llms.Model
	strategies  []Strategy
	temperature float64
	logger      *zap.Logger
}

type Option func(*Runner)

func WithStrategies(s ...Strategy) Option {
	return func(r *Runner) { r.strategies = s }
}

func WithTemperature(t float64) Option {
	return func(r *Runner) { r.temperature = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// New returns a runner. Without WithStrategies it tries native tool calling
// and then the ReAct executor.
func New(model llms.Model, opts ...Option) *Runner {
	r := &Runner{model: model, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	if len(r.strategies) == 0 {
		r.strategies = []Strategy{ToolCalling{}, AgentExecutor{}}
	}
	return r
}

// Run executes one phase and returns the model's final text.
func (r *Runner) Run(ctx context.Context, instructions, input string, tools []Tool) (string, error) {
	req := Request{Instructions: instructions, Input: input, Tools: tools, Temperature: r.temperature}
	if len(tools) == 0 {
		return r.complete(ctx, req)
	}
	var errs []error
	for _, s := range r.strategies {
		out, err := s.Run(ctx, r.model, req)
		if err == nil {
			return out, nil
		}
		var toolErr *ToolError
		var afterTools *AfterToolsError
		if errors.As(err, &toolErr) || errors.As(err, &afterTools) {
			return "", err
		}
		r.logger.Warn("agent strategy failed", zap.String("strategy", s.Name()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return "", fmt.Errorf("all agent strategies failed: %w", errors.Join(errs...))
}

func (r *Runner) complete(ctx context.Context, req Request) (string, error) {
	resp, err := r.model.GenerateContent(ctx, baseMessages(req), llms.WithTemperature(req.Temperature))
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Content, nil
}

func baseMessages(req Request) []llms.MessageContent {
	msgs := make([]llms.MessageContent, 0, 2)
	if req.Instructions != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, req.Instructions))
	}
	return append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, req.Input))
}

// StrategiesFromNames builds strategies in the given order. maxIterations
// bounds both the tool-calling rounds and the executor iterations.
func StrategiesFromNames(names []string, maxIterations int) ([]Strategy, error) {
	out := make([]Strategy, 0, len(names))
	for _, n := range names {
		switch n {
		case "tool_calling":
			out = append(out, ToolCalling{MaxRounds: maxIterations})
		case "agent_executor":
			out = append(out, AgentExecutor{MaxIterations: maxIterations})
		default:
			return nil, fmt.Errorf("unknown agent strategy %q", n)
		}
	}
	return out, nil
}

// NewOpenAI builds the chat model. An empty apiKey lets the client read
// OPENAI_API_KEY.
func NewOpenAI(model, baseURL, apiKey string) (llms.Model, error) {
	var opts []openai.Option
	if model != "" {
		opts = append(opts, openai.WithModel(model))
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, openai.WithToken(apiKey))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai client: %w", err)
	}
	return llm, nil
}
