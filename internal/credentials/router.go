package credentials

import (
	"strings"

	"wlagent/internal/domain"
	"wlagent/internal/workline"
)

type rule struct {
	prefix string
	exact  bool
	role   domain.Role
}

// First match wins.
var rules = []rule{
	{prefix: "review.", role: domain.RoleReviewer},
	{prefix: "acceptance.", role: domain.RoleReviewer},
	{prefix: "security.", role: domain.RoleReviewer},
	{prefix: "iteration.approved", exact: true, role: domain.RoleReviewer},
	{prefix: "ci.", role: domain.RoleExecutor},
	{prefix: "workshop.", role: domain.RolePlanner},
}

// Select picks the identity that must write a record of the given kind.
// Unmatched kinds resolve to the default identity.
func Select(actionKind string) domain.Role {
	kind := strings.ToLower(strings.TrimSpace(actionKind))
	for _, r := range rules {
		if r.exact && kind == r.prefix {
			return r.role
		}
		if !r.exact && strings.HasPrefix(kind, r.prefix) {
			return r.role
		}
	}
	return domain.RoleDefault
}

// Router holds one client per role. Clients are fixed for the process lifetime.
type Router struct {
	planner  *workline.Client
	executor *workline.Client
	reviewer *workline.Client
}

func NewRouter(planner, executor, reviewer *workline.Client) *Router {
	return &Router{planner: planner, executor: executor, reviewer: reviewer}
}

// Client returns the client for role. The default identity is the planner's.
func (r *Router) Client(role domain.Role) *workline.Client {
	switch role {
	case domain.RoleExecutor:
		return r.executor
	case domain.RoleReviewer:
		return r.reviewer
	default:
		return r.planner
	}
}

// ForAction returns the client authorized for actionKind.
func (r *Router) ForAction(actionKind string) *workline.Client {
	return r.Client(Select(actionKind))
}

// Default is the client used for routine bookkeeping.
func (r *Router) Default() *workline.Client {
	return r.planner
}
