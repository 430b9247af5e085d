package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"wlagent/internal/domain"
	"wlagent/internal/extract"
	"wlagent/internal/workline"
)

// taskSummary is the view of a task handed to the model.
type taskSummary struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Type        string   `json:"type,omitempty"`
	Status      string   `json:"status"`
	IterationID *string  `json:"iteration_id,omitempty"`
	AssigneeID  *string  `json:"assignee_id,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

func summarizeTask(t domain.WorkItem) taskSummary {
	return taskSummary{
		ID:          t.ID,
		Title:       t.Title,
		Type:        t.Type,
		Status:      t.Status,
		IterationID: t.IterationID,
		AssigneeID:  t.AssigneeID,
		Priority:    t.Priority,
		DependsOn:   t.DependsOn,
	}
}

func summarizeTasks(tasks []domain.WorkItem) []taskSummary {
	out := make([]taskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, summarizeTask(t))
	}
	return out
}

// deliver hands the final plan to the delivery agent. When the plan names an
// iteration, the tasks it already holds are appended as context.
func (o *Orchestrator) deliver(ctx context.Context, plan string) (string, error) {
	input := plan
	if iterationID, ok := extract.IterationID(plan); ok {
		if existing := o.existingTasks(ctx, iterationID); existing != "" {
			input = fmt.Sprintf("%s\n\nExisting tasks for iteration %s:\n%s", plan, iterationID, existing)
		}
	} else {
		o.logger.Warn("plan names no iteration id")
	}
	return o.run(ctx, "delivery", o.cfg.Prompts.Delivery, input, o.deliveryTools())
}

// existingTasks renders the iteration's tasks. A backend failure here only
// costs the context, so it is logged and ignored.
func (o *Orchestrator) existingTasks(ctx context.Context, iterationID string) string {
	tasks, err := o.state.ListTasks(ctx, workline.TaskFilter{IterationID: iterationID, Limit: o.cfg.Delivery.TaskListLimit})
	if err != nil {
		o.logger.Warn("listing iteration tasks failed; continuing without them", zap.String("iteration", iterationID), zap.Error(err))
		return ""
	}
	data, err := json.MarshalIndent(summarizeTasks(tasks), "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}
