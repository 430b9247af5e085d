package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"wlagent/internal/domain"
	"wlagent/internal/workline"
)

func TestSelect(t *testing.T) {
	cases := map[string]domain.Role{
		"review.approved":       domain.RoleReviewer,
		"acceptance.passed":     domain.RoleReviewer,
		"security.ok":           domain.RoleReviewer,
		"iteration.approved":    domain.RoleReviewer,
		"  Iteration.Approved ": domain.RoleReviewer,
		"ci.passed":             domain.RoleExecutor,
		"CI.Passed":             domain.RoleExecutor,
		"workshop.clarify":      domain.RolePlanner,
		"unknown.kind":          domain.RoleDefault,
		"iteration.approved.x":  domain.RoleDefault,
		"iteration.validated":   domain.RoleDefault,
		"review":                domain.RoleDefault,
		"":                      domain.RoleDefault,
	}
	for kind, want := range cases {
		assert.Equal(t, want, Select(kind), "kind %q", kind)
	}
}

func TestSelectIsDeterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		assert.Equal(t, domain.RoleReviewer, Select("review.approved"))
	}
}

func TestRouterClients(t *testing.T) {
	planner := workline.New("http://x", "p")
	executor := workline.New("http://x", "p")
	reviewer := workline.New("http://x", "p")
	r := NewRouter(planner, executor, reviewer)

	assert.Same(t, reviewer, r.ForAction("review.approved"))
	assert.Same(t, executor, r.ForAction("ci.passed"))
	assert.Same(t, planner, r.ForAction("workshop.decision"))
	assert.Same(t, planner, r.ForAction("something.else"))
	assert.Same(t, planner, r.Default())
	assert.Same(t, executor, r.Client(domain.RoleExecutor))
}
