package server

import (
	"wlagent/internal/domain"
)

// Request payloads

type TaskPolicyRequest struct {
	Preset string `json:"preset,omitempty"`
}

type CreateTaskRequest struct {
	ID           *string            `json:"id,omitempty"`
	IterationID  *string            `json:"iteration_id,omitempty"`
	Type         string             `json:"type"`
	Title        string             `json:"title"`
	Description  *string            `json:"description,omitempty"`
	AssigneeID   *string            `json:"assignee_id,omitempty"`
	DependsOn    []string           `json:"depends_on,omitempty"`
	Priority     *int               `json:"priority,omitempty"`
	Policy       *TaskPolicyRequest `json:"policy,omitempty"`
	WorkOutcomes map[string]any     `json:"work_outcomes,omitempty"`
}

type UpdateTaskRequest struct {
	Status       *string  `json:"status,omitempty" enum:"planned,in_progress,review,done,rejected,canceled"`
	AssigneeID   *string  `json:"assignee_id,omitempty"`
	Priority     *int     `json:"priority,omitempty"`
	AddDependsOn []string `json:"add_depends_on,omitempty"`
}

type WorkOutcomesPutRequest struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

type WorkOutcomesAppendRequest struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

type CreateIterationRequest struct {
	ID   string `json:"id"`
	Goal string `json:"goal"`
}

type SetIterationStatusRequest struct {
	Status string `json:"status" enum:"pending,running,delivered,validated,rejected"`
}

type CreateAttestationRequest struct {
	EntityKind string         `json:"entity_kind" enum:"project,iteration,task"`
	EntityID   string         `json:"entity_id"`
	Kind       string         `json:"kind"`
	TS         *string        `json:"ts,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Response payloads

type WorkOutcomesUpdateResponse struct {
	Path         string         `json:"path"`
	WorkOutcomes map[string]any `json:"work_outcomes,omitempty"`
	Length       *int           `json:"length,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type paginatedTasks struct {
	Items      []domain.WorkItem `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedIterations struct {
	Items      []domain.Iteration `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedAttestations struct {
	Items []domain.Attestation `json:"items"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func taskResponse(t domain.WorkItem) domain.WorkItem {
	t.DependsOn = nonNilSlice(t.DependsOn)
	return t
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
