package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"wlagent/internal/agent"
	"wlagent/internal/domain"
	"wlagent/internal/state"
)

// problemStatement reads the stored statement or asks the human for one.
func (o *Orchestrator) problemStatement(ctx context.Context) (string, error) {
	itemID := o.cfg.ProblemItemID()
	if _, err := o.ensureWorkshop(ctx, domain.PhaseInitial); err != nil {
		return "", err
	}
	if stmt, ok, err := o.state.GetOutcomeField(ctx, itemID, domain.ProblemStatementField); err != nil || ok {
		if ok {
			o.logger.Info("phase skipped", zap.String("phase", "problem_statement"))
		}
		return stmt, err
	}
	answer, err := o.gate.AskQuestion(ctx, itemID, o.cfg.Problem.Question, o.cfg.Problem.Options)
	if err != nil {
		return "", err
	}
	if err := o.state.PutOutcome(ctx, itemID, domain.ProblemStatementField, answer); err != nil {
		return "", err
	}
	return answer, nil
}

func (o *Orchestrator) ensureWorkshop(ctx context.Context, p domain.Phase) (*domain.WorkItem, error) {
	w := o.cfg.Workshop(p)
	return o.state.EnsureWorkItem(ctx, state.WorkItemSpec{
		ID:          w.ID,
		Title:       w.Title,
		Type:        state.WorkshopType,
		Description: w.Description,
		Preset:      w.Preset,
	})
}

// discover runs each incomplete discovery phase in order. A phase whose item
// already carries an output is reused as is.
func (o *Orchestrator) discover(ctx context.Context, problem string) (domain.DiscoveryState, error) {
	phases := domain.DiscoveryPhases()
	for _, p := range phases {
		if _, err := o.ensureWorkshop(ctx, p); err != nil {
			return nil, err
		}
	}
	labels := o.cfg.PhaseLabels()
	discovery := domain.DiscoveryState{}
	for _, p := range phases {
		w := o.cfg.Workshop(p)
		item, err := o.state.GetWorkItem(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		if out, complete, err := o.state.RepairPhaseOutput(ctx, item); err != nil {
			return nil, err
		} else if complete {
			discovery[p] = out
			o.logger.Info("phase skipped", zap.String("phase", string(p)), zap.String("item", w.ID))
			continue
		}

		input := discovery.Context(problem, labels)
		instructions := o.cfg.PhasePrompt(o.cfg.Prompts.DiscoveryPhase, w.Label)
		if p == domain.PhaseInitial {
			input, instructions = problem, o.cfg.Prompts.Discovery
		}
		out, err := o.run(ctx, string(p), instructions, input, []agent.Tool{o.askTool(w.ID)})
		if err != nil {
			return nil, err
		}
		if err := o.state.SetPhaseOutput(ctx, w.ID, out); err != nil {
			return nil, err
		}
		discovery[p] = out
		if p == domain.PhaseInitial {
			continue
		}
		next, err := o.run(ctx, string(p)+".next_steps", o.cfg.PhasePrompt(o.cfg.Prompts.NextSteps, w.Label), input, nil)
		if err != nil {
			return nil, err
		}
		if err := o.state.PutOutcome(ctx, w.ID, domain.NextStepsField, next); err != nil {
			return nil, fmt.Errorf("next steps of %s: %w", p, err)
		}
	}
	return discovery, nil
}
