package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"wlagent/internal/db"
	"wlagent/internal/domain"
	"wlagent/internal/engine"
	"wlagent/internal/engine/auth"
	"wlagent/internal/migrate"
	"wlagent/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var (
	reviewer = engine.Actor{ID: "rev", Roles: []string{"reviewer"}}
	executor = engine.Actor{ID: "exec", Roles: []string{"executor"}}
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, engine.Config{
		IterationApproval: "iteration.approved",
		Authorities: auth.Authorities{
			"review.*":           {"reviewer"},
			"iteration.approved": {"reviewer"},
			"ci.*":               {"executor"},
		},
	})
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func TestCreateTaskWithIterationAndDependencies(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateIteration(env.Ctx, domain.Iteration{ID: "it-1", ProjectID: "p", Goal: "ship"}, "planner"); err != nil {
		t.Fatalf("create iteration: %v", err)
	}
	p1 := 1
	first, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ID: "t-1", ProjectID: "p", IterationID: "it-1", Type: "feature", Title: "First", Priority: &p1, ActorID: "planner",
	})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "p", IterationID: "it-1", Type: "feature", Title: "Second", DependsOn: []string{first.ID}, ActorID: "planner",
	})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if second.ID == "" || second.Status != "planned" {
		t.Fatalf("unexpected task %+v", second)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, nil, second.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "t-1" {
		t.Fatalf("depends_on = %v", got.DependsOn)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "p", Iteration: "it-1"})
	if err != nil || len(tasks) != 2 {
		t.Fatalf("list: %v %d", err, len(tasks))
	}
	if tasks[0].ID != second.ID {
		t.Fatalf("expected newest first, got %s", tasks[0].ID)
	}

	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "t-1", ProjectID: "p", Type: "feature", Title: "dup"}); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "p", Type: "feature", Title: "x", DependsOn: []string{"ghost"}}); err == nil || !strings.Contains(err.Error(), "invalid depends_on") {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "p", Type: "feature", Title: "x", IterationID: "nope"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected missing iteration, got %v", err)
	}
}

func TestUpdateTaskPriorityAndDependencies(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "a", ProjectID: "p", Type: "feature", Title: "A"})
	b, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "b", ProjectID: "p", Type: "feature", Title: "B"})
	prio := 3
	updated, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, ProjectID: "p", Priority: &prio, AddDeps: []string{b.ID}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Priority == nil || *updated.Priority != 3 {
		t.Fatalf("priority = %v", updated.Priority)
	}
	if len(updated.DependsOn) != 1 || updated.DependsOn[0] != "b" {
		t.Fatalf("depends_on = %v", updated.DependsOn)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, AddDeps: []string{a.ID}}); err == nil {
		t.Fatalf("expected self dependency error")
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, ProjectID: "other"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found across projects, got %v", err)
	}
	done := "done"
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, Status: &done}); err == nil {
		t.Fatalf("expected transition error")
	}
	if task, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, Status: &done, Force: true}); err != nil || task.Status != "done" {
		t.Fatalf("forced transition: %v", err)
	}
}

func TestMutateWorkOutcomes(t *testing.T) {
	env := newTestEnv(t)
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "w", ProjectID: "p", Type: "workshop", Title: "W", PolicyPreset: "workshop.clarify"})
	_, _, err := env.Engine.MutateWorkOutcomes(env.Ctx, "p", task.ID, "planner", func(m map[string]any) (*int, error) {
		m["output"] = "done"
		return nil, nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, nil, task.ID)
	if got.WorkOutcomes["output"] != "done" {
		t.Fatalf("work_outcomes = %v", got.WorkOutcomes)
	}
	_, _, err = env.Engine.MutateWorkOutcomes(env.Ctx, "p", task.ID, "planner", func(map[string]any) (*int, error) {
		return nil, errors.New("invalid work_outcomes.output: must be array")
	})
	if err == nil {
		t.Fatalf("expected mutate error")
	}
	if _, _, err := env.Engine.MutateWorkOutcomes(env.Ctx, "p", "missing", "planner", func(map[string]any) (*int, error) { return nil, nil }); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIterationLifecycleRequiresApproval(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateIteration(env.Ctx, domain.Iteration{ID: "it", ProjectID: "p", Goal: "g"}, "planner"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateIteration(env.Ctx, domain.Iteration{ID: "it", ProjectID: "p", Goal: "g"}, "planner"); err == nil {
		t.Fatalf("expected duplicate iteration error")
	}
	if _, err := env.Engine.SetIterationStatus(env.Ctx, "p", "it", "delivered", "exec", false); err == nil {
		t.Fatalf("expected invalid transition")
	}
	for _, s := range []string{"running", "delivered"} {
		if _, err := env.Engine.SetIterationStatus(env.Ctx, "p", "it", s, "exec", false); err != nil {
			t.Fatalf("to %s: %v", s, err)
		}
	}
	_, err := env.Engine.SetIterationStatus(env.Ctx, "p", "it", "validated", "exec", false)
	if err == nil || !strings.Contains(err.Error(), "required for iteration validation") {
		t.Fatalf("expected approval requirement, got %v", err)
	}
	if _, err := env.Engine.AddAttestation(env.Ctx, domain.Attestation{ProjectID: "p", EntityKind: "iteration", EntityID: "it", Kind: "iteration.approved"}, reviewer); err != nil {
		t.Fatalf("approve: %v", err)
	}
	it, err := env.Engine.SetIterationStatus(env.Ctx, "p", "it", "validated", "exec", false)
	if err != nil || it.Status != "validated" {
		t.Fatalf("validate: %v", err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 3, 0, "p", "", "", "")
	if err != nil || len(evts) != 3 {
		t.Fatalf("events: %v %d", err, len(evts))
	}
	if evts[0].Type != "iteration.updated" || evts[1].Type != "iteration.validation.checked" {
		t.Fatalf("unexpected event order %s, %s", evts[0].Type, evts[1].Type)
	}
}

func TestAttestationAuthority(t *testing.T) {
	env := newTestEnv(t)
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "t", ProjectID: "p", Type: "feature", Title: "T"})

	_, err := env.Engine.AddAttestation(env.Ctx, domain.Attestation{ProjectID: "p", EntityKind: "task", EntityID: task.ID, Kind: "review.approved"}, executor)
	var fe auth.ForbiddenAttestationError
	if !errors.As(err, &fe) || fe.Kind != "review.approved" {
		t.Fatalf("expected forbidden, got %v", err)
	}
	att, err := env.Engine.AddAttestation(env.Ctx, domain.Attestation{ProjectID: "p", EntityKind: "task", EntityID: task.ID, Kind: "ci.passed", Payload: map[string]any{"run": 7.0}}, executor)
	if err != nil {
		t.Fatalf("ci.passed: %v", err)
	}
	if att.ActorID != "exec" || att.ID == "" {
		t.Fatalf("unexpected attestation %+v", att)
	}
	if _, err := env.Engine.AddAttestation(env.Ctx, domain.Attestation{ProjectID: "p", EntityKind: "task", EntityID: task.ID, Kind: "docs.updated"}, executor); err != nil {
		t.Fatalf("uncovered kind should be open: %v", err)
	}
	if _, err := env.Engine.AddAttestation(env.Ctx, domain.Attestation{ProjectID: "p", EntityKind: "task", EntityID: "ghost", Kind: "ci.passed"}, executor); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected missing entity, got %v", err)
	}
	list, err := env.Engine.Repo.ListAttestations(env.Ctx, repo.AttestationFilters{ProjectID: "p", EntityID: task.ID})
	if err != nil || len(list) != 2 {
		t.Fatalf("list: %v %d", err, len(list))
	}
}

func TestAuthoritiesRoles(t *testing.T) {
	a := auth.Authorities{"review.*": {"reviewer"}, "review.security.*": {"security"}, "ci.passed": {"executor"}}
	if roles, ok := a.Roles("review.security.ok"); !ok || roles[0] != "security" {
		t.Fatalf("longest pattern should win, got %v", roles)
	}
	if roles, ok := a.Roles("Review.Approved"); !ok || roles[0] != "reviewer" {
		t.Fatalf("kinds are case-insensitive, got %v", roles)
	}
	if _, ok := a.Roles("ci.failed"); ok {
		t.Fatalf("exact rule must not match other kinds")
	}
}

func TestSeedActorBindsAPIKey(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.SeedActor(env.Ctx, engine.Actor{ID: "planner", Roles: []string{"planner"}}, "planner-key"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := env.Engine.SeedActor(env.Ctx, engine.Actor{ID: "planner", Roles: []string{"planner", "reviewer"}}, "planner-key"); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	key, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey("planner-key"))
	if err != nil || key.ActorID != "planner" {
		t.Fatalf("key: %v %+v", err, key)
	}
	actor, err := env.Engine.Repo.GetActor(env.Ctx, "planner")
	if err != nil || len(actor.Roles) != 2 {
		t.Fatalf("actor: %v %+v", err, actor)
	}
}
