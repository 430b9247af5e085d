package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"wlagent/internal/agent"
	"wlagent/internal/domain"
	"wlagent/internal/extract"
	"wlagent/internal/gate"
	"wlagent/internal/state"
)

const (
	featureNote      = "Auto-generated from plan"
	reviewFeedbackHd = "\n\n---\nHuman Review Feedback:\n"
)

func discoveryJSON(d domain.DiscoveryState) string {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// plan always reruns; questions are recorded on the default item.
func (o *Orchestrator) plan(ctx context.Context, discovery domain.DiscoveryState) (string, error) {
	return o.run(ctx, "planning", o.cfg.Prompts.Planner, discoveryJSON(discovery), []agent.Tool{o.askTool("")})
}

// review returns the plan unchanged on approval, otherwise annotated with the
// reviewer's feedback. Planning is not rerun.
func (o *Orchestrator) review(ctx context.Context, draft string) (string, error) {
	feedback, err := o.gate.AskReview(ctx, draft)
	if err != nil {
		return "", err
	}
	if gate.IsApproval(feedback) {
		o.logger.Info("plan approved")
		return draft, nil
	}
	o.logger.Info("plan changes requested")
	return draft + reviewFeedbackHd + feedback + "\nUpdate the plan to address this feedback.", nil
}

// featureWorkshops extracts the plan's features and opens one workshop item
// per feature. Output that is not a JSON array yields no features.
func (o *Orchestrator) featureWorkshops(ctx context.Context, plan string) ([]domain.Feature, error) {
	out, err := o.run(ctx, "features", o.cfg.Prompts.Features, plan, nil)
	if err != nil {
		return nil, err
	}
	raw, ok := extract.Array(out)
	if !ok {
		o.logger.Warn("feature list not parseable; no feature workshops", zap.Int("chars", len(out)))
		return nil, nil
	}
	var features []domain.Feature
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		f := domain.Feature{
			Title:   strings.TrimSpace(extract.String(m, "title")),
			Summary: strings.TrimSpace(extract.String(m, "summary")),
		}
		if f.Title == "" {
			continue
		}
		features = append(features, f)
	}

	fc := o.cfg.Features
	for _, f := range features {
		id := fc.IDPrefix + extract.Slug(f.Title, fc.FallbackSlug)
		summary := f.Summary
		if summary == "" {
			summary = fc.DefaultSummary
		}
		if _, err := o.state.EnsureWorkItem(ctx, state.WorkItemSpec{
			ID:          id,
			Title:       fc.TitlePrefix + f.Title,
			Type:        state.WorkshopType,
			Description: summary,
			Preset:      fc.Preset,
		}); err != nil {
			return nil, err
		}
		if err := o.state.SetPhaseOutput(ctx, id, summary); err != nil {
			return nil, err
		}
		if err := o.state.AppendConversation(ctx, id, featureNote, summary); err != nil {
			return nil, err
		}
	}
	if len(features) > 0 {
		if err := o.state.PutOutcome(ctx, o.cfg.ProblemItemID(), domain.FeatureWorkshopsField, features); err != nil {
			return nil, err
		}
	}
	return features, nil
}

// specifications asks for {prd, gherkin}. Missing keys become empty; output
// that is not a JSON object is kept whole as the PRD.
func (o *Orchestrator) specifications(ctx context.Context, discovery domain.DiscoveryState, plan string) (domain.Specs, error) {
	input := "Discovery:\n" + discoveryJSON(discovery) + "\n\nPlan:\n" + plan
	out, err := o.run(ctx, "specifications", o.cfg.Prompts.Specifications, input, nil)
	if err != nil {
		return domain.Specs{}, err
	}
	var specs domain.Specs
	if obj, ok := extract.Object(out); ok {
		specs.PRD, specs.Gherkin = extract.String(obj, "prd"), extract.String(obj, "gherkin")
	} else {
		o.logger.Warn("specifications not parseable; keeping raw output as prd")
		specs.PRD = out
	}
	itemID := o.cfg.ProblemItemID()
	if err := o.state.PutOutcome(ctx, itemID, domain.PRDField, specs.PRD); err != nil {
		return specs, err
	}
	if err := o.state.PutOutcome(ctx, itemID, domain.GherkinField, specs.Gherkin); err != nil {
		return specs, fmt.Errorf("store gherkin: %w", err)
	}
	return specs, nil
}
