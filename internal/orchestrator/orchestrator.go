// Package orchestrator drives the discovery, planning and delivery workflow.
// Every step first checks Workline for prior work so an interrupted run
// resumes where it stopped.
package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"wlagent/internal/agent"
	"wlagent/internal/config"
	"wlagent/internal/domain"
	"wlagent/internal/state"
)

// PhaseRunner runs one model phase.
type PhaseRunner interface {
	Run(ctx context.Context, instructions, input string, tools []agent.Tool) (string, error)
}

// Gate blocks on a human.
type Gate interface {
	AskQuestion(ctx context.Context, itemID, question string, options []string) (string, error)
	AskReview(ctx context.Context, draft string) (string, error)
}

type Orchestrator struct {
	cfg    *config.Config
	state  *state.Accessor
	gate   Gate
	runner PhaseRunner
	logger *zap.Logger

	agentLogReady bool
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func New(cfg *config.Config, st *state.Accessor, gate Gate, runner PhaseRunner, opts ...Option) *Orchestrator {
	o := &Orchestrator{cfg: cfg, state: st, gate: gate, runner: runner, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the workflow once. No partial result is returned on error;
// whatever was persisted before the failure lets the next run resume.
func (o *Orchestrator) Run(ctx context.Context) (domain.Result, error) {
	var res domain.Result

	problem, err := o.problemStatement(ctx)
	if err != nil {
		return res, fmt.Errorf("problem statement: %w", err)
	}
	discovery, err := o.discover(ctx, problem)
	if err != nil {
		return res, fmt.Errorf("discovery: %w", err)
	}
	res.Discovery = discovery
	res.ProblemRefinementTaskID = o.cfg.ProblemItemID()

	draft, err := o.plan(ctx, discovery)
	if err != nil {
		return res, fmt.Errorf("planning: %w", err)
	}
	finalPlan, err := o.review(ctx, draft)
	if err != nil {
		return res, fmt.Errorf("plan review: %w", err)
	}
	res.Plan = finalPlan

	features, err := o.featureWorkshops(ctx, finalPlan)
	if err != nil {
		return res, fmt.Errorf("feature workshops: %w", err)
	}
	res.FeatureWorkshops = features

	specs, err := o.specifications(ctx, discovery, finalPlan)
	if err != nil {
		return res, fmt.Errorf("specifications: %w", err)
	}
	res.PRD, res.Gherkin = specs.PRD, specs.Gherkin

	summary, err := o.deliver(ctx, finalPlan)
	if err != nil {
		return res, fmt.Errorf("delivery: %w", err)
	}
	res.Workline = summary
	return res, nil
}

// run invokes the phase runner with every tool routed through the agent log.
func (o *Orchestrator) run(ctx context.Context, phase, instructions, input string, tools []agent.Tool) (string, error) {
	o.logger.Info("phase started", zap.String("phase", phase), zap.Int("tools", len(tools)))
	out, err := o.runner.Run(ctx, instructions, input, o.logged(tools))
	if err != nil {
		return "", fmt.Errorf("run %s: %w", phase, err)
	}
	o.logger.Info("phase completed", zap.String("phase", phase), zap.Int("chars", len(out)))
	return out, nil
}
