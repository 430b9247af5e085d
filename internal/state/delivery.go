package state

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"wlagent/internal/domain"
	"wlagent/internal/workline"
)

// maxListPages bounds a full listing against a backend that keeps returning
// a cursor.
const maxListPages = 1000

// ReconcileResult reports what EnsureIterationAndTasks found and changed.
type ReconcileResult struct {
	Iteration        domain.Iteration    `json:"iteration"`
	IterationCreated bool                `json:"iteration_created"`
	Created          []string            `json:"created"`
	Existing         []string            `json:"existing"`
	Reprioritized    []string            `json:"reprioritized,omitempty"`
	Unresolved       map[string][]string `json:"unresolved,omitempty"`
}

func (a *Accessor) ListIterations(ctx context.Context, limit int) ([]domain.Iteration, error) {
	items, err := a.client().ListIterations(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	return items, nil
}

func (a *Accessor) ListTasks(ctx context.Context, f workline.TaskFilter) ([]domain.WorkItem, error) {
	items, err := a.client().ListTasks(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return items, nil
}

// allIterations walks every page of the project's iterations.
func (a *Accessor) allIterations(ctx context.Context) ([]domain.Iteration, error) {
	var (
		out    []domain.Iteration
		cursor string
	)
	for range maxListPages {
		items, next, err := a.client().ListIterationsPage(ctx, a.pageSize, cursor)
		if err != nil {
			return nil, fmt.Errorf("list iterations: %w", err)
		}
		out = append(out, items...)
		if next == "" || next == cursor {
			return out, nil
		}
		cursor = next
	}
	return nil, fmt.Errorf("list iterations: more than %d pages", maxListPages)
}

// allTasks walks every page of the iteration's tasks.
func (a *Accessor) allTasks(ctx context.Context, iterationID string) ([]domain.WorkItem, error) {
	f := workline.TaskFilter{IterationID: iterationID, Limit: a.pageSize}
	var out []domain.WorkItem
	for range maxListPages {
		items, next, err := a.client().ListTasksPage(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		out = append(out, items...)
		if next == "" || next == f.Cursor {
			return out, nil
		}
		f.Cursor = next
	}
	return nil, fmt.Errorf("list tasks of %s: more than %d pages", iterationID, maxListPages)
}

func (a *Accessor) CreateTask(ctx context.Context, req workline.CreateTaskRequest) (domain.WorkItem, error) {
	item, err := a.client().CreateTask(ctx, req)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("create task %q: %w", req.Title, err)
	}
	return item, nil
}

func (a *Accessor) CreateIteration(ctx context.Context, id, goal string) (domain.Iteration, error) {
	it, err := a.client().CreateIteration(ctx, id, goal)
	if err != nil {
		return domain.Iteration{}, fmt.Errorf("create iteration %s: %w", id, err)
	}
	return it, nil
}

func (a *Accessor) SetTaskPriority(ctx context.Context, id string, priority int) (domain.WorkItem, error) {
	item, err := a.client().UpdateTask(ctx, id, workline.UpdateTaskRequest{Priority: &priority})
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("set priority on %s: %w", id, err)
	}
	return item, nil
}

// SetIterationStatus is always issued with the executor identity.
func (a *Accessor) SetIterationStatus(ctx context.Context, id, status string, force bool) (domain.Iteration, error) {
	it, err := a.router.Client(domain.RoleExecutor).SetIterationStatus(ctx, id, status, force)
	if err != nil {
		return domain.Iteration{}, fmt.Errorf("set iteration %s to %s: %w", id, status, err)
	}
	return it, nil
}

// AddAttestation records a proof with the identity allowed to record kind.
func (a *Accessor) AddAttestation(ctx context.Context, entityKind, entityID, kind string, payload map[string]any) (domain.Attestation, error) {
	att, err := a.router.ForAction(kind).AddAttestation(ctx, entityKind, entityID, kind, payload)
	if err != nil {
		return domain.Attestation{}, fmt.Errorf("attest %s on %s %s: %w", kind, entityKind, entityID, err)
	}
	return att, nil
}

func (a *Accessor) LatestEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	events, err := a.client().Events(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// FindOrCreateIteration returns the iteration with id, creating it with goal
// when no iteration of the project matches.
func (a *Accessor) FindOrCreateIteration(ctx context.Context, id, goal string) (domain.Iteration, bool, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Iteration{}, false, fmt.Errorf("iteration id is required")
	}
	existing, err := a.allIterations(ctx)
	if err != nil {
		return domain.Iteration{}, false, err
	}
	for _, it := range existing {
		if it.ID == id {
			return it, false, nil
		}
	}
	it, err := a.CreateIteration(ctx, id, goal)
	if err != nil {
		return domain.Iteration{}, false, err
	}
	a.logger.Info("iteration created", zap.String("iteration", id))
	return it, true, nil
}

// FindOrCreateTask matches item against the iteration's tasks by id, then by
// case-insensitive title, and creates it only when nothing matches.
func (a *Accessor) FindOrCreateTask(ctx context.Context, iterationID string, item domain.BacklogItem) (domain.WorkItem, bool, error) {
	tasks, err := a.allTasks(ctx, iterationID)
	if err != nil {
		return domain.WorkItem{}, false, err
	}
	idx := newTaskIndex(tasks)
	if found, ok := idx.match(item); ok {
		return found, false, nil
	}
	deps, missing := idx.resolve(item.DependsOn, item.ID)
	created, err := a.CreateTask(ctx, createRequest(iterationID, item, deps, item.Priority))
	if err != nil {
		return domain.WorkItem{}, false, err
	}
	if len(missing) > 0 {
		a.logger.Warn("unresolved dependencies", zap.String("task", created.ID), zap.Strings("refs", missing))
	}
	return created, true, nil
}

// EnsureIterationAndTasks reconciles a delivery plan with Workline without
// duplicating anything: the iteration and each backlog item are created only
// when missing, every task of the plan ends up with a priority (1..N in plan
// order unless the plan fixes one), and dependencies given by id or title are
// wired, including references to items later in the backlog.
func (a *Accessor) EnsureIterationAndTasks(ctx context.Context, plan domain.DeliveryPlan) (ReconcileResult, error) {
	var res ReconcileResult
	it, created, err := a.FindOrCreateIteration(ctx, plan.IterationID, plan.Goal)
	if err != nil {
		return res, err
	}
	res.Iteration, res.IterationCreated = it, created

	tasks, err := a.allTasks(ctx, it.ID)
	if err != nil {
		return res, err
	}
	idx := newTaskIndex(tasks)
	pending := map[string][]string{}

	for i, item := range plan.Backlog {
		if strings.TrimSpace(item.Title) == "" && item.ID == "" {
			continue
		}
		priority := i + 1
		if item.Priority != nil {
			priority = *item.Priority
		}
		if found, ok := idx.match(item); ok {
			res.Existing = append(res.Existing, found.ID)
			if found.Priority == nil {
				updated, err := a.SetTaskPriority(ctx, found.ID, priority)
				if err != nil {
					return res, err
				}
				idx.add(updated)
				res.Reprioritized = append(res.Reprioritized, found.ID)
			}
			continue
		}
		deps, missing := idx.resolve(item.DependsOn, item.ID)
		task, err := a.CreateTask(ctx, createRequest(it.ID, item, deps, &priority))
		if err != nil {
			return res, err
		}
		idx.add(task)
		res.Created = append(res.Created, task.ID)
		if len(missing) > 0 {
			pending[task.ID] = missing
		}
		a.logger.Info("backlog item created", zap.String("task", task.ID), zap.Int("priority", priority))
	}

	for taskID, refs := range pending {
		deps, missing := idx.resolve(refs, taskID)
		if len(deps) > 0 {
			if _, err := a.client().UpdateTask(ctx, taskID, workline.UpdateTaskRequest{AddDependsOn: deps}); err != nil {
				return res, fmt.Errorf("wire dependencies of %s: %w", taskID, err)
			}
		}
		if len(missing) > 0 {
			if res.Unresolved == nil {
				res.Unresolved = map[string][]string{}
			}
			res.Unresolved[taskID] = missing
			a.logger.Warn("unresolved dependencies", zap.String("task", taskID), zap.Strings("refs", missing))
		}
	}
	return res, nil
}

func createRequest(iterationID string, item domain.BacklogItem, deps []string, priority *int) workline.CreateTaskRequest {
	typ := item.Type
	if typ == "" {
		typ = "feature"
	}
	return workline.CreateTaskRequest{
		ID:          item.ID,
		IterationID: iterationID,
		Type:        typ,
		Title:       item.Title,
		Description: item.Description,
		AssigneeID:  item.AssigneeID,
		DependsOn:   deps,
		Priority:    priority,
	}
}

type taskIndex struct {
	byID    map[string]domain.WorkItem
	byTitle map[string]domain.WorkItem
}

func newTaskIndex(tasks []domain.WorkItem) *taskIndex {
	idx := &taskIndex{byID: map[string]domain.WorkItem{}, byTitle: map[string]domain.WorkItem{}}
	for _, t := range tasks {
		idx.add(t)
	}
	return idx
}

func titleKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (x *taskIndex) add(t domain.WorkItem) {
	x.byID[t.ID] = t
	if k := titleKey(t.Title); k != "" {
		if _, taken := x.byTitle[k]; !taken {
			x.byTitle[k] = t
		}
	}
}

func (x *taskIndex) lookup(ref string) (domain.WorkItem, bool) {
	if t, ok := x.byID[strings.TrimSpace(ref)]; ok {
		return t, true
	}
	t, ok := x.byTitle[titleKey(ref)]
	return t, ok
}

func (x *taskIndex) match(item domain.BacklogItem) (domain.WorkItem, bool) {
	if item.ID != "" {
		if t, ok := x.byID[item.ID]; ok {
			return t, true
		}
	}
	t, ok := x.byTitle[titleKey(item.Title)]
	return t, ok
}

// resolve maps references to task ids, dropping self references. Unknown
// references are returned separately.
func (x *taskIndex) resolve(refs []string, self string) (ids, missing []string) {
	seen := map[string]bool{}
	for _, ref := range refs {
		if strings.TrimSpace(ref) == "" {
			continue
		}
		t, ok := x.lookup(ref)
		if !ok {
			missing = append(missing, ref)
			continue
		}
		if t.ID == self || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		ids = append(ids, t.ID)
	}
	return ids, missing
}
