package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"wlagent/internal/agent"
	"wlagent/internal/domain"
	"wlagent/internal/state"
	"wlagent/internal/workline"
)

// invalid is returned to the model for malformed calls instead of failing
// the run.
func invalid(format string, args ...any) map[string]any {
	return map[string]any{"error": fmt.Sprintf(format, args...)}
}

// askTool attributes answers to itemID, or to the default item when empty.
func (o *Orchestrator) askTool(itemID string) agent.Tool {
	return agent.Tool{
		Name:        "ask_human_question",
		Description: "Ask a human for a decision or clarification. Provide 3-5 options plus 'Other'.",
		Parameters: agent.Object(map[string]any{
			"question": agent.Prop("string", "The question to ask."),
			"options":  agent.StringList("Numbered choices shown to the human; end with 'Other'."),
		}, "question"),
		Call: func(ctx context.Context, args agent.Args) (any, error) {
			q := args.String("question")
			if q == "" {
				return invalid("question is required"), nil
			}
			return o.gate.AskQuestion(ctx, itemID, q, args.Strings("options"))
		},
	}
}

func (o *Orchestrator) deliveryTools() []agent.Tool {
	return []agent.Tool{
		o.createIterationTool(),
		o.listIterationsTool(),
		o.setIterationStatusTool(),
		o.createTaskTool(),
		o.listTasksTool(),
		o.updatePriorityTool(),
		o.addAttestationTool(),
		o.latestEventsTool(),
		o.reconcileTool(),
		o.askTool(""),
	}
}

func (o *Orchestrator) createIterationTool() agent.Tool {
	return agent.Tool{
		Name:        "create_workline_iteration",
		Description: "Create a Workline iteration (status starts as pending). Returns the existing one when the id is taken.",
		Parameters: agent.Object(map[string]any{
			"iteration_id": agent.Prop("string", "Iteration id from the plan."),
			"goal":         agent.Prop("string", "Sprint goal."),
		}, "iteration_id", "goal"),
		Call: func(ctx context.Context, args agent.Args) (any, error) {
			id, goal := args.String("iteration_id"), args.String("goal")
			if id == "" || goal == "" {
				return invalid("iteration_id and goal are required"), nil
			}
			it, created, err := o.state.FindOrCreateIteration(ctx, id, goal)
			if err != nil {
				return nil, err
			}
			return map[string]any{"id": it.ID, "goal": it.Goal, "status": it.Status, "created": created}, nil
		},
	}
}

func (o *Orchestrator) listIterationsTool() agent.Tool {
	return agent.Tool{
		Name:        "list_workline_iterations",
		Description: "List recent iterations.",
		Parameters:  agent.Object(map[string]any{"limit": agent.Prop("integer", "Maximum number of iterations, default 50.")}),
		Call: func(ctx context.Context, args agent.Args) (any, error) {
			limit, ok := args.Int("limit")
			if !ok || limit <= 0 {
				limit = 50
			}
			items, err := o.state.ListIterations(ctx, limit)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(items))
			for _, it := range items {
				out = append(out, map[string]any{"id": it.ID, "goal": it.Goal, "status": it.Status})
			}
			return out, nil
		},
	}
}

func (o *Orchestrator) setIterationStatusTool() agent.Tool {
	return agent.Tool{
		Name:        "set_workline_iteration_status",
		Description: "Update iteration status (pending -> running -> delivered -> validated). validated needs an iteration.approved attestation.",
		Parameters: agent.Object(map[string]any{
			"iteration_id": agent.Prop("string", "Iteration id."),
			"status":       map[string]any{"type": "string", "enum": []string{domain.IterationRunning, domain.IterationDelivered, domain.IterationValidated, domain.IterationRejected}},
			"force":        agent.Prop("boolean", "Bypass lifecycle checks."),
		}, "iteration_id", "status"),
		Call: func(ctx context.Context, args agent.Args) (any, error) {
			id, status := args.String("iteration_id"), args.String("status")
			if id == "" || status == "" {
				return invalid("iteration_id and status are required"), nil
			}
			it, err := o.state.SetIterationStatus(ctx, id, status, args.Bool("force"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"id": it.ID, "status": it.Status}, nil
		},
	}
}

func backlogProps() map[string]any {
	return map[string]any{
		"id":          agent.Prop("string", "Optional explicit task id."),
		"title":       agent.Prop("string", "Task title."),
		"task_type":   agent.Prop("string", "Task type, default feature."),
		"description": agent.Prop("string", "Task description."),
		"assignee_id": agent.Prop("string", "Owner actor id."),
		"depends_on":  agent.StringList("Ids or titles of tasks this one depends on."),
		"priority":    agent.Prop("integer", "1 is highest."),
	}
}

func backlogItem(args agent.Args) domain.BacklogItem {
	item := domain.BacklogItem{
		ID:          args.String("id"),
		Title:       args.String("title"),
		Type:        args.String("task_type"),
		Description: args.String("description"),
		AssigneeID:  args.String("assignee_id"),
		DependsOn:   args.Strings("depends_on"),
	}
	if item.Type == "" {
		item.Type = args.String("type")
	}
	if p, ok := args.Int("priority"); ok {
		item.Priority = &p
	}
	return item
}

func (o *Orchestrator) createTaskTool() agent.Tool {
	props := backlogProps()
	props["iteration_id"] = agent.Prop("string", "Iteration the task belongs to.")
	return agent.Tool{
		Name:        "create_workline_task_full",
		Description: "Create a Workline task with iteration, dependencies, owner and priority. Within an iteration an existing task with the same id or title is returned instead.",
		Parameters:  agent.Object(props, "title"),
		Call: func(ctx context.Context, args agent.Args) (any, error) {
			item := backlogItem(args)
			if item.Title == "" {
				return invalid("title is required"), nil
			}
			iterationID := args.String("iteration_id")
			if iterationID != "" {
				t, created, err := o.state.FindOrCreateTask(ctx, iterationID, item)
				if err != nil {
					return nil, err
				}
				return map[string]any{"task": summarizeTask(t), "created": created}, nil
			}
			typ := item.Type
			if typ == "" {
				typ = "feature"
			}
			t, err := o.state.CreateTask(ctx, workline.CreateTaskRequest{
				ID:          item.ID,
				Type:        typ,
				Title:       item.Title,
				Description: item.Description,
				AssigneeID:  item.AssigneeID,
				DependsOn:   item.DependsOn,
				Priority:    item.Priority,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"task": summarizeTask(t), "created": true}, nil
		},
	}
}

func (o *Orchestrator) listTasksTool() agent.Tool {
	return agent.Tool{
		Name:        "list_workline_tasks",
		Description: "List tasks, optionally filtered by iteration or status.",
		Parameters: agent.Object(map[string]any{
			"iteration_id": agent.Prop("string", "Iteration filter."),
			"status":       agent.Prop("string", "Status filter."),
			"limit":        agent.Prop("integer", "Maximum number of tasks, default 50."),
		}),
		Call: func(ctx context.Context, args agent.Args) (any, error) {
			limit, ok := args.Int("limit")
			if !ok || limit <= 0 {
				limit = 50
			}
			tasks, err := o.state.ListTasks(ctx, workline.TaskFilter{
				IterationID: args.String("iteration_id"),
				Status:      args.String("status"),
				Limit:       limit,
			})
			if err != nil {
				return nil, err
			}
			return summarizeTasks(tasks), nil
		},
	}
}

func (o *Orchestrator) updatePriorityTool() agent.Tool {
	return agent.Tool{
		Name:        "update_workline_task_priority",
		Description: "Set the priority of a task (1 is highest).",
		Parameters: agent.Object(map[string]any{
			"task_id":  agent.Prop("string", "Task id."),
			"priority": agent.Prop("integer", "New priority."),
		}, "task_id", "priority"),
		Call: func(ctx context.Context, args agent.Args) (any, error) {
			id := args.String("task_id")
			p, ok := args.Int("priority")
			if id == "" || !ok {
				return invalid("task_id and priority are required"), nil
			}
			t, err := o.state.SetTaskPriority(ctx, id, p)
			if err != nil {
				return nil, err
			}
			return map[string]any{"id": t.ID, "priority": t.Priority, "status": t.Status}, nil
		},
	}
}

func (o *Orchestrator) addAttestationTool() agent.Tool {
	return agent.Tool{
		Name:        "add_workline_attestation",
		Description: "Add an attestation (e.g. ci.passed, review.approved, iteration.approved) to a task, iteration or project. The identity allowed to record the kind is picked automatically.",
		Parameters: agent.Object(map[string]any{
			"entity_kind": map[string]any{"type": "string", "enum": []string{"task", "iteration", "project"}},
			"entity_id":   agent.Prop("string", "Id of the attested entity."),
			"kind":        agent.Prop("string", "Attestation kind."),
			"payload":     map[string]any{"type": "object", "description": "Optional details."},
		}, "entity_kind", "entity_id", "kind"),
		Call: func(ctx context.Context, args agent.Args) (any, error) {
			kind, entityKind, entityID := args.String("kind"), args.String("entity_kind"), args.String("entity_id")
			if kind == "" || entityKind == "" || entityID == "" {
				return invalid("entity_kind, entity_id and kind are required"), nil
			}
			payload, _ := args["payload"].(map[string]any)
			att, err := o.state.AddAttestation(ctx, entityKind, entityID, kind, payload)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"id": att.ID, "entity_kind": att.EntityKind, "entity_id": att.EntityID, "kind": att.Kind, "actor_id": att.ActorID,
			}, nil
		},
	}
}

func (o *Orchestrator) latestEventsTool() agent.Tool {
	return agent.Tool{
		Name:        "latest_workline_events",
		Description: "Fetch the latest Workline events for audit.",
		Parameters:  agent.Object(map[string]any{"limit": agent.Prop("integer", "Number of events.")}),
		Call: func(ctx context.Context, args agent.Args) (any, error) {
			limit, ok := args.Int("limit")
			if !ok || limit <= 0 {
				limit = o.cfg.Delivery.EventsLimit
			}
			events, err := o.state.LatestEvents(ctx, limit)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(events))
			for _, e := range events {
				out = append(out, map[string]any{
					"id": e.ID, "type": e.Type, "entity_kind": e.EntityKind, "entity_id": e.EntityID, "actor_id": e.ActorID,
				})
			}
			return out, nil
		},
	}
}

func (o *Orchestrator) reconcileTool() agent.Tool {
	return agent.Tool{
		Name: "reconcile_workline_backlog",
		Description: "Create the iteration and every backlog item that does not exist yet, wire dependencies by id or title " +
			"and give every task a priority. Safe to call repeatedly.",
		Parameters: agent.Object(map[string]any{
			"iteration_id": agent.Prop("string", "Iteration id from the plan."),
			"goal":         agent.Prop("string", "Sprint goal."),
			"backlog": map[string]any{
				"type":  "array",
				"items": agent.Object(backlogProps(), "title"),
			},
		}, "iteration_id", "goal", "backlog"),
		Call: func(ctx context.Context, args agent.Args) (any, error) {
			plan := domain.DeliveryPlan{IterationID: args.String("iteration_id"), Goal: args.String("goal")}
			if plan.IterationID == "" || plan.Goal == "" {
				return invalid("iteration_id and goal are required"), nil
			}
			raw, _ := args["backlog"].([]any)
			for _, entry := range raw {
				m, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				plan.Backlog = append(plan.Backlog, backlogItem(agent.Args(m)))
			}
			return o.state.EnsureIterationAndTasks(ctx, plan)
		},
	}
}

// logged wraps tools so each call is appended to the agent log item when
// the log is enabled.
func (o *Orchestrator) logged(tools []agent.Tool) []agent.Tool {
	if !o.cfg.AgentLog.Enabled || len(tools) == 0 {
		return tools
	}
	out := make([]agent.Tool, len(tools))
	for i, t := range tools {
		inner := t.Call
		name := t.Name
		t.Call = func(ctx context.Context, args agent.Args) (any, error) {
			result, err := inner(ctx, args)
			o.recordToolCall(ctx, name, args, result, err)
			return result, err
		}
		out[i] = t
	}
	return out
}

func (o *Orchestrator) recordToolCall(ctx context.Context, name string, args agent.Args, result any, callErr error) {
	lc := o.cfg.AgentLog
	if !o.agentLogReady {
		if _, err := o.state.EnsureWorkItem(ctx, state.WorkItemSpec{ID: lc.ItemID, Title: lc.Title, Type: "log"}); err != nil {
			o.logger.Warn("agent log unavailable", zap.Error(err))
			return
		}
		o.agentLogReady = true
	}
	question := "tool " + name + " " + compactJSON(args)
	answer := compactJSON(result)
	if callErr != nil {
		answer = "error: " + callErr.Error()
	}
	if err := o.state.AppendConversation(ctx, lc.ItemID, question, answer); err != nil {
		o.logger.Warn("agent log append failed", zap.String("tool", name), zap.Error(err))
	}
	o.logger.Debug("tool call", zap.String("tool", name), zap.Bool("failed", callErr != nil))
}

func compactJSON(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimSpace(string(data))
}
