package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wlagent/internal/agent"
	"wlagent/internal/config"
	"wlagent/internal/domain"
	"wlagent/internal/gate"
	"wlagent/internal/orchestrator"
	"wlagent/internal/server/servertest"
	"wlagent/internal/state"
	"wlagent/internal/workline"
)

type call struct {
	instructions string
	input        string
	tools        []string
}

// fakeRunner answers by instructions; respond may invoke the offered tools.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	respond func(ctx context.Context, instructions, input string, tools []agent.Tool) (string, error)
}

func (f *fakeRunner) Run(ctx context.Context, instructions, input string, tools []agent.Tool) (string, error) {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	f.mu.Lock()
	f.calls = append(f.calls, call{instructions: instructions, input: input, tools: names})
	f.mu.Unlock()
	return f.respond(ctx, instructions, input, tools)
}

func (f *fakeRunner) callsWith(instructions string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.instructions == instructions {
			out = append(out, c)
		}
	}
	return out
}

func callTool(t *testing.T, ctx context.Context, tools []agent.Tool, name string, args agent.Args) any {
	t.Helper()
	for _, tool := range tools {
		if tool.Name == name {
			out, err := tool.Call(ctx, args)
			require.NoError(t, err, name)
			return out
		}
	}
	t.Fatalf("tool %s not offered", name)
	return nil
}

const samplePlan = "## Plan\n**Iteration ID:** iter-1\nGoal: ship export"

type harness struct {
	cfg    *config.Config
	acc    *state.Accessor
	runner *fakeRunner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sb := servertest.Start(t)
	return &harness{
		cfg:    config.Default(),
		acc:    state.New(sb.Router()),
		runner: &fakeRunner{},
	}
}

// scripted answers every prompt of the default workflow. deliver, when set,
// plays the delivery phase.
func (h *harness) scripted(t *testing.T, deliver func(ctx context.Context, input string, tools []agent.Tool) string) {
	p := h.cfg.Prompts
	h.runner.respond = func(ctx context.Context, instructions, input string, tools []agent.Tool) (string, error) {
		switch instructions {
		case p.Discovery:
			return "refined problem", nil
		case p.Planner:
			return samplePlan, nil
		case p.Features:
			return "```json\n[{\"title\":\"Invoice Export!\",\"summary\":\"CSV export\"},{\"title\":\"Audit log\"}]\n```", nil
		case p.Specifications:
			return `{"prd":"PRD text","gherkin":"Feature: export"}`, nil
		case p.Delivery:
			if deliver != nil {
				return deliver(ctx, input, tools), nil
			}
			return "delivered", nil
		}
		for _, ph := range domain.DiscoveryPhases() {
			label := h.cfg.Workshop(ph).Label
			if instructions == h.cfg.PhasePrompt(p.DiscoveryPhase, label) {
				return "summary of " + label, nil
			}
			if instructions == h.cfg.PhasePrompt(p.NextSteps, label) {
				return "next for " + label, nil
			}
		}
		t.Errorf("unexpected instructions %q", instructions)
		return "", errors.New("unexpected prompt")
	}
}

func (h *harness) orchestrator(stdin string) *orchestrator.Orchestrator {
	g := gate.New(strings.NewReader(stdin), io.Discard, h.acc, h.cfg.ProblemItemID())
	return orchestrator.New(h.cfg, h.acc, g, h.runner)
}

func TestRunCompletesWorkflow(t *testing.T) {
	h := newHarness(t)
	h.scripted(t, nil)
	ctx := context.Background()

	res, err := h.orchestrator("1\napprove\n").Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, "problem-refinement", res.ProblemRefinementTaskID)
	assert.Equal(t, samplePlan, res.Plan)
	assert.Equal(t, "PRD text", res.PRD)
	assert.Equal(t, "Feature: export", res.Gherkin)
	assert.Equal(t, "delivered", res.Workline)
	assert.Equal(t, "refined problem", res.Discovery[domain.PhaseInitial])
	assert.Equal(t, "summary of Clarification", res.Discovery[domain.PhaseClarify])
	require.Len(t, res.FeatureWorkshops, 2)

	stmt, ok, err := h.acc.GetOutcomeField(ctx, "problem-refinement", domain.ProblemStatementField)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, h.cfg.Problem.Options[0], stmt)

	initial := h.runner.callsWith(h.cfg.Prompts.Discovery)
	require.Len(t, initial, 1)
	assert.Equal(t, stmt, initial[0].input)
	assert.Equal(t, []string{"ask_human_question"}, initial[0].tools)

	clarify := h.runner.callsWith(h.cfg.PhasePrompt(h.cfg.Prompts.DiscoveryPhase, "Clarification"))
	require.Len(t, clarify, 1)
	assert.Contains(t, clarify[0].input, "Problem Statement:\n"+stmt)
	assert.Contains(t, clarify[0].input, "Decision Workshop:\nsummary of Decision Workshop")

	next, ok, err := h.acc.GetOutcomeField(ctx, "workshop-eventstorming", domain.NextStepsField)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "next for Event Storming", next)
	_, ok, err = h.acc.GetOutcomeField(ctx, "problem-refinement", domain.NextStepsField)
	require.NoError(t, err)
	assert.False(t, ok, "initial phase has no next steps")

	feature, err := h.acc.GetWorkItem(ctx, "workshop-feature-invoice-export")
	require.NoError(t, err)
	require.NotNil(t, feature)
	assert.Equal(t, "Feature workshop: Invoice Export!", feature.Title)
	out, _ := feature.Outcome(domain.OutputField)
	assert.Equal(t, "CSV export", out)

	audit, err := h.acc.GetWorkItem(ctx, "workshop-feature-audit-log")
	require.NoError(t, err)
	require.NotNil(t, audit)
	out, _ = audit.Outcome(domain.OutputField)
	assert.Equal(t, h.cfg.Features.DefaultSummary, out)

	prd, ok, err := h.acc.GetOutcomeField(ctx, "problem-refinement", domain.PRDField)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "PRD text", prd)

	problem, err := h.acc.GetWorkItem(ctx, "problem-refinement")
	require.NoError(t, err)
	var questions []string
	for _, e := range problem.Conversation() {
		questions = append(questions, e.Question)
	}
	assert.Contains(t, questions, h.cfg.Problem.Question)
	assert.Contains(t, questions, gate.ReviewQuestion)
}

func TestRunSkipsCompletedPhases(t *testing.T) {
	h := newHarness(t)
	h.scripted(t, nil)
	ctx := context.Background()

	for _, ph := range domain.DiscoveryPhases() {
		w := h.cfg.Workshop(ph)
		_, err := h.acc.EnsureWorkItem(ctx, state.WorkItemSpec{ID: w.ID, Title: w.Title})
		require.NoError(t, err)
		require.NoError(t, h.acc.SetPhaseOutput(ctx, w.ID, "stored "+string(ph)))
	}
	require.NoError(t, h.acc.PutOutcome(ctx, h.cfg.ProblemItemID(), domain.ProblemStatementField, "Track servers"))

	// Only the review answer is on stdin; asking for the problem would consume it.
	res, err := h.orchestrator("approve\n").Run(ctx)
	require.NoError(t, err)

	assert.Empty(t, h.runner.callsWith(h.cfg.Prompts.Discovery))
	for _, ph := range domain.DiscoveryPhases() {
		assert.Equal(t, "stored "+string(ph), res.Discovery[ph])
	}
	planner := h.runner.callsWith(h.cfg.Prompts.Planner)
	require.Len(t, planner, 1)
	assert.Contains(t, planner[0].input, "stored clarify")
}

func TestRunResumesAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.scripted(t, nil)
	ctx := context.Background()

	base := h.runner.respond
	h.runner.respond = func(ctx context.Context, instructions, input string, tools []agent.Tool) (string, error) {
		if instructions == h.cfg.Prompts.Planner {
			return "", errors.New("model unavailable")
		}
		return base(ctx, instructions, input, tools)
	}
	_, err := h.orchestrator("1\n").Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "planning")

	h.runner.respond = base
	_, err = h.orchestrator("approve\n").Run(ctx)
	require.NoError(t, err)
	assert.Len(t, h.runner.callsWith(h.cfg.Prompts.Discovery), 1, "discovery ran once across both runs")
}

func TestReviewFeedbackAnnotatesPlan(t *testing.T) {
	h := newHarness(t)
	h.scripted(t, nil)

	res, err := h.orchestrator("1\nsplit the export task\n").Run(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Plan, samplePlan))
	assert.Contains(t, res.Plan, "Human Review Feedback:\nsplit the export task")
	assert.Len(t, h.runner.callsWith(h.cfg.Prompts.Planner), 1)

	delivery := h.runner.callsWith(h.cfg.Prompts.Delivery)
	require.Len(t, delivery, 1)
	assert.Contains(t, delivery[0].input, "split the export task")
}

func TestUnparseableFeaturesAndSpecs(t *testing.T) {
	h := newHarness(t)
	h.scripted(t, nil)
	base := h.runner.respond
	h.runner.respond = func(ctx context.Context, instructions, input string, tools []agent.Tool) (string, error) {
		switch instructions {
		case h.cfg.Prompts.Features:
			return "no features here", nil
		case h.cfg.Prompts.Specifications:
			return "plain prose spec", nil
		}
		return base(ctx, instructions, input, tools)
	}
	ctx := context.Background()

	res, err := h.orchestrator("1\napprove\n").Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.FeatureWorkshops)
	assert.Equal(t, "plain prose spec", res.PRD)
	assert.Empty(t, res.Gherkin)

	problem, err := h.acc.GetWorkItem(ctx, h.cfg.ProblemItemID())
	require.NoError(t, err)
	assert.NotContains(t, problem.WorkOutcomes, domain.FeatureWorkshopsField)
	prd, _ := problem.Outcome(domain.PRDField)
	assert.Equal(t, "plain prose spec", prd)
}

func TestDeliveryReconcilesBacklogOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.acc.CreateIteration(ctx, "iter-1", "ship export")
	require.NoError(t, err)
	_, _, err = h.acc.FindOrCreateTask(ctx, "iter-1", domain.BacklogItem{Title: "CSV writer"})
	require.NoError(t, err)

	backlog := agent.Args{
		"iteration_id": "iter-1",
		"goal":         "ship export",
		"backlog": []any{
			map[string]any{"title": "Export endpoint", "depends_on": []any{"CSV writer"}},
			map[string]any{"title": "CSV writer"},
		},
	}
	var results []any
	h.scripted(t, func(ctx context.Context, input string, tools []agent.Tool) string {
		results = append(results, callTool(t, ctx, tools, "reconcile_workline_backlog", backlog))
		results = append(results, callTool(t, ctx, tools, "reconcile_workline_backlog", backlog))
		missing := callTool(t, ctx, tools, "create_workline_task_full", agent.Args{"iteration_id": "iter-1"})
		assert.Equal(t, map[string]any{"error": "title is required"}, missing)
		return "reconciled"
	})

	res, err := h.orchestrator("1\napprove\n").Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "reconciled", res.Workline)

	delivery := h.runner.callsWith(h.cfg.Prompts.Delivery)
	require.Len(t, delivery, 1)
	assert.Contains(t, delivery[0].input, "Existing tasks for iteration iter-1:")
	assert.Contains(t, delivery[0].input, `"title": "CSV writer"`)
	assert.Contains(t, delivery[0].tools, "ask_human_question")

	require.Len(t, results, 2)
	first := results[0].(state.ReconcileResult)
	assert.False(t, first.IterationCreated)
	assert.Len(t, first.Created, 1)
	second := results[1].(state.ReconcileResult)
	assert.Empty(t, second.Created)
	assert.Len(t, second.Existing, 2)

	tasks, err := h.acc.ListTasks(ctx, workline.TaskFilter{IterationID: "iter-1"})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestDeliveryWithoutIterationSkipsContext(t *testing.T) {
	h := newHarness(t)
	h.scripted(t, nil)
	base := h.runner.respond
	h.runner.respond = func(ctx context.Context, instructions, input string, tools []agent.Tool) (string, error) {
		if instructions == h.cfg.Prompts.Planner {
			return "a plan with no identifier", nil
		}
		return base(ctx, instructions, input, tools)
	}

	_, err := h.orchestrator("1\napprove\n").Run(context.Background())
	require.NoError(t, err)
	delivery := h.runner.callsWith(h.cfg.Prompts.Delivery)
	require.Len(t, delivery, 1)
	assert.Equal(t, "a plan with no identifier", delivery[0].input)
}

func TestAgentLogRecordsToolCalls(t *testing.T) {
	h := newHarness(t)
	h.cfg.AgentLog.Enabled = true
	ctx := context.Background()

	h.scripted(t, func(ctx context.Context, input string, tools []agent.Tool) string {
		callTool(t, ctx, tools, "create_workline_iteration", agent.Args{"iteration_id": "iter-1", "goal": "ship export"})
		for _, tool := range tools {
			if tool.Name == "set_workline_iteration_status" {
				_, err := tool.Call(ctx, agent.Args{"iteration_id": "iter-1", "status": "validated"})
				assert.Error(t, err, "validation without approval fails")
			}
		}
		return "done"
	})
	_, err := h.orchestrator("1\napprove\n").Run(ctx)
	require.NoError(t, err)

	log, err := h.acc.GetWorkItem(ctx, h.cfg.AgentLog.ItemID)
	require.NoError(t, err)
	require.NotNil(t, log)
	entries := log.Conversation()
	require.Len(t, entries, 2)
	assert.Equal(t, `tool create_workline_iteration {"goal":"ship export","iteration_id":"iter-1"}`, entries[0].Question)
	assert.Contains(t, entries[0].Answer, `"created":true`)
	assert.True(t, strings.HasPrefix(entries[1].Question, "tool set_workline_iteration_status "))
	assert.True(t, strings.HasPrefix(entries[1].Answer, "error: "))
}
