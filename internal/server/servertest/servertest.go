// Package servertest runs an in-process sandbox Workline server for tests.
package servertest

import (
	"context"
	"net/http/httptest"
	"testing"

	"wlagent/internal/credentials"
	"wlagent/internal/db"
	"wlagent/internal/domain"
	"wlagent/internal/engine"
	"wlagent/internal/engine/auth"
	"wlagent/internal/migrate"
	"wlagent/internal/server"
	"wlagent/internal/workline"
)

const (
	ProjectID         = "acme"
	IterationApproval = "iteration.approved"
)

// Keys of the seeded actors, one per role.
var Keys = map[domain.Role]string{
	domain.RolePlanner:  "planner-key",
	domain.RoleExecutor: "executor-key",
	domain.RoleReviewer: "reviewer-key",
}

type Sandbox struct {
	URL    string
	Engine engine.Engine
}

// Start serves a freshly migrated sandbox until the test ends.
func Start(t testing.TB) *Sandbox {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, engine.Config{
		IterationApproval: IterationApproval,
		Authorities: auth.Authorities{
			IterationApproval: {string(domain.RoleReviewer)},
			"review.*":        {string(domain.RoleReviewer)},
			"ci.*":            {string(domain.RoleExecutor)},
		},
	})
	for role, key := range Keys {
		actor := engine.Actor{ID: string(role) + "-bot", Roles: []string{string(role)}}
		if err := e.SeedActor(ctx, actor, key); err != nil {
			t.Fatalf("seed %s: %v", role, err)
		}
	}
	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &Sandbox{URL: srv.URL, Engine: e}
}

// Client returns a project-scoped client authenticated as role.
func (s *Sandbox) Client(role domain.Role) *workline.Client {
	c := workline.New(s.URL, ProjectID)
	c.APIKey = Keys[role]
	return c
}

// Router wires one client per role.
func (s *Sandbox) Router() *credentials.Router {
	return credentials.NewRouter(
		s.Client(domain.RolePlanner),
		s.Client(domain.RoleExecutor),
		s.Client(domain.RoleReviewer),
	)
}
