package auth

import (
	"fmt"
	"strings"
)

// ForbiddenAttestationError indicates missing authority for attestation kind.
type ForbiddenAttestationError struct {
	Kind    string
	ActorID string
	Allowed []string
}

func (e ForbiddenAttestationError) Error() string {
	return fmt.Sprintf("attestation authority required for kind %s", e.Kind)
}

// Authorities maps an attestation kind, or a "prefix.*" pattern, to the roles
// allowed to record it. Kinds no rule covers are open to every actor.
type Authorities map[string][]string

// Roles returns the roles allowed to attest kind. An exact rule wins over
// patterns, and the longest matching pattern wins over shorter ones.
func (a Authorities) Roles(kind string) ([]string, bool) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if roles, ok := a[kind]; ok {
		return roles, true
	}
	best, bestLen := []string(nil), -1
	for pattern, roles := range a {
		prefix, ok := strings.CutSuffix(pattern, "*")
		if !ok || !strings.HasPrefix(kind, prefix) {
			continue
		}
		if len(prefix) > bestLen {
			best, bestLen = roles, len(prefix)
		}
	}
	return best, bestLen >= 0
}

// Check fails with ForbiddenAttestationError when none of actorRoles may
// attest kind.
func (a Authorities) Check(kind, actorID string, actorRoles []string) error {
	allowed, covered := a.Roles(kind)
	if !covered {
		return nil
	}
	for _, want := range allowed {
		for _, have := range actorRoles {
			if strings.EqualFold(want, have) {
				return nil
			}
		}
	}
	return ForbiddenAttestationError{Kind: kind, ActorID: actorID, Allowed: allowed}
}
