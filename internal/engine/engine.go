// Package engine implements the sandbox's Workline semantics on top of repo.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"wlagent/internal/domain"
	"wlagent/internal/engine/auth"
	"wlagent/internal/events"
	"wlagent/internal/repo"
)

// Config holds the policy knobs of the sandbox.
type Config struct {
	// IterationApproval is required on an iteration before it is validated
	// without force.
	IterationApproval string
	Authorities       auth.Authorities
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(repo.TimeFormat)
	}
	return time.Now().UTC().Format(repo.TimeFormat)
}

func (e Engine) append(ctx context.Context, tx *sql.Tx, rec events.Record) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w.Append(ctx, tx, rec)
}

// Actor is the authenticated caller of an engine operation.
type Actor struct {
	ID    string
	Roles []string
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID           string
	ProjectID    string
	IterationID  string
	Type         string
	Title        string
	Description  string
	AssigneeID   string
	DependsOn    []string
	Priority     *int
	PolicyPreset string
	WorkOutcomes map[string]any
	ActorID      string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.WorkItem, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.WorkItem{}, errors.New("title is required")
	}
	if opts.Type == "" {
		return domain.WorkItem{}, errors.New("type is required")
	}
	if opts.ProjectID == "" {
		return domain.WorkItem{}, errors.New("project is required")
	}
	now := e.now()
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ProjectID+"|"+opts.Title+"|"+now)).String()
	}
	t := domain.WorkItem{
		ID:           id,
		ProjectID:    opts.ProjectID,
		IterationID:  optionalString(opts.IterationID),
		Type:         opts.Type,
		Title:        opts.Title,
		Description:  opts.Description,
		Status:       "planned",
		AssigneeID:   optionalString(opts.AssigneeID),
		Priority:     opts.Priority,
		WorkOutcomes: opts.WorkOutcomes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureProject(ctx, tx, opts.ProjectID, now); err != nil {
		return domain.WorkItem{}, fmt.Errorf("ensure project: %w", err)
	}
	if opts.IterationID != "" {
		it, err := e.Repo.GetIteration(ctx, tx, opts.IterationID)
		if err != nil {
			return domain.WorkItem{}, fmt.Errorf("iteration %s: %w", opts.IterationID, err)
		}
		if it.ProjectID != opts.ProjectID {
			return domain.WorkItem{}, fmt.Errorf("invalid iteration %s: not in project %s", opts.IterationID, opts.ProjectID)
		}
	}
	if err := e.checkDependencies(ctx, tx, t.ID, t.ProjectID, opts.DependsOn); err != nil {
		return domain.WorkItem{}, err
	}
	if _, err := e.Repo.GetTask(ctx, tx, t.ID); err == nil {
		return domain.WorkItem{}, fmt.Errorf("task %s already exists", t.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.WorkItem{}, err
	}
	if err := e.Repo.InsertTask(ctx, tx, t, opts.PolicyPreset); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Repo.AddDependencies(ctx, tx, t.ID, opts.DependsOn); err != nil {
		return domain.WorkItem{}, err
	}
	if opts.PolicyPreset != "" {
		if err := e.append(ctx, tx, events.Record{
			Type: events.TaskPolicyApplied, ProjectID: t.ProjectID, EntityKind: "task", EntityID: t.ID, ActorID: opts.ActorID,
			Payload: events.Payload{"preset_name": opts.PolicyPreset},
		}); err != nil {
			return domain.WorkItem{}, err
		}
	}
	if err := e.append(ctx, tx, events.Record{
		Type: events.TaskCreated, ProjectID: t.ProjectID, EntityKind: "task", EntityID: t.ID, ActorID: opts.ActorID,
		Payload: events.Payload{"title": t.Title, "status": t.Status},
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	t.DependsOn = nonNil(opts.DependsOn)
	return t, nil
}

func (e Engine) checkDependencies(ctx context.Context, tx *sql.Tx, taskID, projectID string, deps []string) error {
	for _, d := range deps {
		if d == taskID {
			return fmt.Errorf("invalid depends_on: task %s cannot depend on itself", taskID)
		}
		dep, err := e.Repo.GetTask(ctx, tx, d)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && dep.ProjectID != projectID) {
			return fmt.Errorf("invalid depends_on: task %s not found", d)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// TaskUpdateOptions are parameters for patching a task. Nil fields are left
// unchanged.
type TaskUpdateOptions struct {
	ID        string
	ProjectID string
	ActorID   string
	Status    *string
	Assign    *string
	Priority  *int
	AddDeps   []string
	Force     bool
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	t, err := e.taskInProject(ctx, tx, opts.ProjectID, opts.ID)
	if err != nil {
		return t, err
	}
	from := t.Status
	if opts.Assign != nil {
		t.AssigneeID = optionalString(*opts.Assign)
	}
	if opts.Priority != nil {
		t.Priority = opts.Priority
	}
	if opts.Status != nil && *opts.Status != t.Status {
		if err := ensureTaskTransition(t.Status, *opts.Status, opts.Force); err != nil {
			return t, err
		}
		t.Status = *opts.Status
	}
	if err := e.checkDependencies(ctx, tx, t.ID, t.ProjectID, opts.AddDeps); err != nil {
		return t, err
	}
	t.UpdatedAt = e.now()
	if err := e.Repo.AddDependencies(ctx, tx, t.ID, opts.AddDeps); err != nil {
		return t, err
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	payload := events.Payload{"from_status": from, "to_status": t.Status}
	if opts.Priority != nil {
		payload["priority"] = *opts.Priority
	}
	if len(opts.AddDeps) > 0 {
		payload["add_depends_on"] = opts.AddDeps
	}
	if err := e.append(ctx, tx, events.Record{
		Type: events.TaskUpdated, ProjectID: t.ProjectID, EntityKind: "task", EntityID: t.ID, ActorID: opts.ActorID, Payload: payload,
	}); err != nil {
		return t, err
	}
	if t.DependsOn, err = e.dependencies(ctx, tx, t.ID); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

func (e Engine) dependencies(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	t, err := e.Repo.GetTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return t.DependsOn, nil
}

func ensureTaskTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case "planned":
		if newStatus == "in_progress" || newStatus == "canceled" {
			return nil
		}
	case "in_progress":
		if newStatus == "review" || newStatus == "rejected" || newStatus == "canceled" {
			return nil
		}
	case "review":
		if newStatus == "done" || newStatus == "rejected" {
			return nil
		}
	case "rejected":
		if newStatus == "planned" {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

// MutateWorkOutcomes applies mutate to the task's work_outcomes map and
// persists the result in one transaction. mutate may return a length to
// report back to the caller.
func (e Engine) MutateWorkOutcomes(
	ctx context.Context,
	projectID, taskID, actorID string,
	mutate func(map[string]any) (*int, error),
) (domain.WorkItem, *int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	defer tx.Rollback()

	t, err := e.taskInProject(ctx, tx, projectID, taskID)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	if t.WorkOutcomes == nil {
		t.WorkOutcomes = map[string]any{}
	}
	length, err := mutate(t.WorkOutcomes)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	t.UpdatedAt = e.now()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.WorkItem{}, nil, err
	}
	if err := e.append(ctx, tx, events.Record{
		Type: events.TaskOutcomesUpdated, ProjectID: t.ProjectID, EntityKind: "task", EntityID: t.ID, ActorID: actorID,
	}); err != nil {
		return domain.WorkItem{}, nil, err
	}
	return t, length, tx.Commit()
}

func (e Engine) taskInProject(ctx context.Context, tx *sql.Tx, projectID, id string) (domain.WorkItem, error) {
	t, err := e.Repo.GetTask(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if projectID != "" && t.ProjectID != projectID {
		return domain.WorkItem{}, repo.ErrNotFound
	}
	return t, nil
}

func (e Engine) CreateIteration(ctx context.Context, it domain.Iteration, actorID string) (domain.Iteration, error) {
	if it.ID == "" || it.Goal == "" {
		return it, errors.New("id and goal are required")
	}
	it.Status = domain.IterationPending
	it.CreatedAt = e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return it, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureProject(ctx, tx, it.ProjectID, it.CreatedAt); err != nil {
		return it, fmt.Errorf("ensure project: %w", err)
	}
	if _, err := e.Repo.GetIteration(ctx, tx, it.ID); err == nil {
		return it, fmt.Errorf("iteration %s already exists", it.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return it, err
	}
	if err := e.Repo.InsertIteration(ctx, tx, it); err != nil {
		return it, err
	}
	if err := e.append(ctx, tx, events.Record{
		Type: events.IterationCreated, ProjectID: it.ProjectID, EntityKind: "iteration", EntityID: it.ID, ActorID: actorID,
		Payload: events.Payload{"status": it.Status},
	}); err != nil {
		return it, err
	}
	return it, tx.Commit()
}

// SetIterationStatus moves an iteration along its lifecycle. Without force,
// reaching validated requires the configured approval attestation.
func (e Engine) SetIterationStatus(ctx context.Context, projectID, id, status, actorID string, force bool) (domain.Iteration, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Iteration{}, err
	}
	defer tx.Rollback()
	it, err := e.Repo.GetIteration(ctx, tx, id)
	if err != nil {
		return it, err
	}
	if projectID != "" && it.ProjectID != projectID {
		return domain.Iteration{}, repo.ErrNotFound
	}
	if err := domain.CheckIterationTransition(it.Status, status, force); err != nil {
		return it, err
	}
	required := e.Config.IterationApproval
	if status == domain.IterationValidated {
		result := true
		if !force && required != "" {
			ok, err := e.Repo.HasAttestation(ctx, tx, "iteration", id, required)
			if err != nil {
				return it, err
			}
			if !ok {
				return it, fmt.Errorf("attestation %s required for iteration validation", required)
			}
		}
		if err := e.append(ctx, tx, events.Record{
			Type: events.IterationValidChecked, ProjectID: it.ProjectID, EntityKind: "iteration", EntityID: id, ActorID: actorID,
			Payload: events.Payload{"required_kind": required, "result": result, "forced": force},
		}); err != nil {
			return it, err
		}
	}
	if err := e.Repo.UpdateIterationStatus(ctx, tx, id, status); err != nil {
		return it, err
	}
	if err := e.append(ctx, tx, events.Record{
		Type: events.IterationUpdated, ProjectID: it.ProjectID, EntityKind: "iteration", EntityID: id, ActorID: actorID,
		Payload: events.Payload{"from": it.Status, "to": status},
	}); err != nil {
		return it, err
	}
	if err := tx.Commit(); err != nil {
		return it, err
	}
	it.Status = status
	return it, nil
}

// AddAttestation records a proof after checking the actor's authority for
// its kind and that the attested entity exists.
func (e Engine) AddAttestation(ctx context.Context, att domain.Attestation, actor Actor) (domain.Attestation, error) {
	if att.EntityKind == "" || att.EntityID == "" || att.Kind == "" {
		return att, errors.New("entity_kind, entity_id and kind are required")
	}
	if att.ProjectID == "" {
		return att, errors.New("project required")
	}
	if err := e.Config.Authorities.Check(att.Kind, actor.ID, actor.Roles); err != nil {
		return att, err
	}
	att.ID = uuid.New().String()
	att.ActorID = actor.ID
	if att.TS == "" {
		att.TS = e.now()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return att, err
	}
	defer tx.Rollback()
	switch att.EntityKind {
	case "task":
		if _, err := e.taskInProject(ctx, tx, att.ProjectID, att.EntityID); err != nil {
			return att, fmt.Errorf("task %s: %w", att.EntityID, err)
		}
	case "iteration":
		it, err := e.Repo.GetIteration(ctx, tx, att.EntityID)
		if err == nil && it.ProjectID != att.ProjectID {
			err = repo.ErrNotFound
		}
		if err != nil {
			return att, fmt.Errorf("iteration %s: %w", att.EntityID, err)
		}
	case "project":
	default:
		return att, fmt.Errorf("invalid entity_kind %s", att.EntityKind)
	}
	if err := e.Repo.EnsureProject(ctx, tx, att.ProjectID, att.TS); err != nil {
		return att, fmt.Errorf("ensure project: %w", err)
	}
	if err := e.Repo.InsertAttestation(ctx, tx, att); err != nil {
		return att, err
	}
	if err := e.append(ctx, tx, events.Record{
		Type: events.AttestationAdded, ProjectID: att.ProjectID, EntityKind: "attestation", EntityID: att.ID, ActorID: actor.ID,
		Payload: events.Payload{"kind": att.Kind, "entity_kind": att.EntityKind, "entity": att.EntityID},
	}); err != nil {
		return att, err
	}
	return att, tx.Commit()
}

// SeedActor registers an actor with its roles and, when apiKey is set, binds
// the key to it.
func (e Engine) SeedActor(ctx context.Context, actor Actor, apiKey string) error {
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertActor(ctx, tx, repo.Actor{ID: actor.ID, Roles: actor.Roles, CreatedAt: now}); err != nil {
		return fmt.Errorf("seed actor %s: %w", actor.ID, err)
	}
	if apiKey != "" {
		hash := repo.HashAPIKey(apiKey)
		key := repo.APIKey{
			ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(hash)).String(),
			ActorID:   actor.ID,
			KeyHash:   hash,
			CreatedAt: now,
		}
		if err := e.Repo.UpsertAPIKey(ctx, tx, key); err != nil {
			return fmt.Errorf("seed api key for %s: %w", actor.ID, err)
		}
	}
	return tx.Commit()
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
