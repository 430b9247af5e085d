package domain

import "strings"

type Iteration struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Goal      string `json:"goal"`
	Status    string `json:"status" enum:"pending,running,delivered,validated,rejected"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// WorkItem is a Workline task as returned by the API. Workshops and backlog
// entries share the same shape; only Type differs.
type WorkItem struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	IterationID  *string        `json:"iteration_id,omitempty"`
	Type         string         `json:"type"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Status       string         `json:"status"`
	AssigneeID   *string        `json:"assignee_id,omitempty"`
	Priority     *int           `json:"priority,omitempty"`
	WorkOutcomes map[string]any `json:"work_outcomes,omitempty"`
	DependsOn    []string       `json:"depends_on"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	UpdatedAt    string         `json:"updated_at" format:"date-time"`
}

// Outcome returns a named outcome field when it holds a non-blank string.
func (w *WorkItem) Outcome(field string) (string, bool) {
	if w == nil || w.WorkOutcomes == nil {
		return "", false
	}
	s, ok := w.WorkOutcomes[field].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// Conversation decodes the append-only conversation log. Entries that do not
// look like conversation entries are skipped.
func (w *WorkItem) Conversation() []ConversationEntry {
	if w == nil || w.WorkOutcomes == nil {
		return nil
	}
	raw, ok := w.WorkOutcomes[ConversationField].([]any)
	if !ok {
		return nil
	}
	var out []ConversationEntry
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var e ConversationEntry
		e.TS, _ = m["ts"].(string)
		e.Question, _ = m["question"].(string)
		e.Answer, _ = m["answer"].(string)
		out = append(out, e)
	}
	return out
}

type Attestation struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Kind       string         `json:"kind"`
	ActorID    string         `json:"actor_id"`
	TS         string         `json:"ts" format:"date-time"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type ConversationEntry struct {
	TS       string `json:"ts"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Outcome field names used on workshop items.
const (
	OutputField           = "output"
	SummaryField          = "summary"
	ConversationField     = "conversation"
	ProblemStatementField = "problem_statement"
	NextStepsField        = "next_steps"
	PRDField              = "prd"
	GherkinField          = "gherkin"
	FeatureWorkshopsField = "feature_workshops"
)

// Role names a credential-scoped identity.
type Role string

const (
	RolePlanner  Role = "planner"
	RoleExecutor Role = "executor"
	RoleReviewer Role = "reviewer"
	RoleDefault  Role = "default"
)

type Feature struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

type Specs struct {
	PRD     string `json:"prd"`
	Gherkin string `json:"gherkin"`
}

// BacklogItem is one planned task of a delivery plan. DependsOn holds task
// ids or titles; they are resolved against the iteration during reconciliation.
type BacklogItem struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Type        string   `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
	AssigneeID  string   `json:"assignee_id,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
}

type DeliveryPlan struct {
	IterationID string        `json:"iteration_id"`
	Goal        string        `json:"goal"`
	Backlog     []BacklogItem `json:"backlog"`
}

// Result is the aggregated output of one orchestrator run.
type Result struct {
	Discovery               DiscoveryState `json:"discovery"`
	ProblemRefinementTaskID string         `json:"problem_refinement_task_id"`
	Plan                    string         `json:"plan"`
	PRD                     string         `json:"prd"`
	Gherkin                 string         `json:"gherkin"`
	FeatureWorkshops        []Feature      `json:"feature_workshops,omitempty"`
	Workline                string         `json:"workline"`
}
