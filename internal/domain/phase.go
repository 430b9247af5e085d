package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Phase identifies one discovery workshop.
type Phase string

const (
	PhaseInitial          Phase = "initial"
	PhaseEventStorming    Phase = "event_storming"
	PhaseDecisionWorkshop Phase = "decision_workshop"
	PhaseClarify          Phase = "clarify"
)

var discoveryPhases = []Phase{PhaseInitial, PhaseEventStorming, PhaseDecisionWorkshop, PhaseClarify}

// DiscoveryPhases returns the discovery phases in execution order.
func DiscoveryPhases() []Phase {
	out := make([]Phase, len(discoveryPhases))
	copy(out, discoveryPhases)
	return out
}

func (p Phase) Valid() bool {
	for _, known := range discoveryPhases {
		if p == known {
			return true
		}
	}
	return false
}

// DiscoveryState caches phase outputs. It is refreshed from Workline before
// any phase decision.
type DiscoveryState map[Phase]string

// Complete reports whether the phase has non-blank output.
func (s DiscoveryState) Complete(p Phase) bool {
	return strings.TrimSpace(s[p]) != ""
}

// Context renders the problem statement followed by every completed phase in
// order, for use as the input of the next phase.
func (s DiscoveryState) Context(problem string, labels map[Phase]string) string {
	parts := []string{"Problem Statement:\n" + problem}
	for _, p := range discoveryPhases {
		if !s.Complete(p) {
			continue
		}
		label := labels[p]
		if label == "" {
			label = string(p)
		}
		parts = append(parts, label+":\n"+s[p])
	}
	return strings.Join(parts, "\n\n")
}

// MarshalJSON writes completed phases in execution order.
func (s DiscoveryState) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for _, p := range discoveryPhases {
		if !s.Complete(p) {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		key, err := json.Marshal(string(p))
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(s[p])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (s *DiscoveryState) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := DiscoveryState{}
	for k, v := range raw {
		p := Phase(k)
		if !p.Valid() {
			return fmt.Errorf("unknown discovery phase %q", k)
		}
		out[p] = v
	}
	*s = out
	return nil
}
