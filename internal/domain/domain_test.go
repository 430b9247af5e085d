package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryStateCompleteness(t *testing.T) {
	s := DiscoveryState{PhaseInitial: "refined", PhaseEventStorming: "   \n"}
	assert.True(t, s.Complete(PhaseInitial))
	assert.False(t, s.Complete(PhaseEventStorming))
	assert.False(t, s.Complete(PhaseClarify))
}

func TestDiscoveryStateJSONKeepsPhaseOrder(t *testing.T) {
	s := DiscoveryState{
		PhaseClarify:          "c",
		PhaseInitial:          "i",
		PhaseDecisionWorkshop: "d",
		PhaseEventStorming:    "",
	}
	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `{"initial":"i","decision_workshop":"d","clarify":"c"}`, string(b))

	var back DiscoveryState
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, "d", back[PhaseDecisionWorkshop])

	assert.Error(t, json.Unmarshal([]byte(`{"retro":"x"}`), &back))
}

func TestDiscoveryStateContext(t *testing.T) {
	s := DiscoveryState{PhaseInitial: "goals", PhaseDecisionWorkshop: "decisions"}
	got := s.Context("inventory", map[Phase]string{PhaseInitial: "Initial Refinement"})
	assert.Equal(t, "Problem Statement:\ninventory\n\nInitial Refinement:\ngoals\n\ndecision_workshop:\ndecisions", got)
}

func TestWorkItemOutcome(t *testing.T) {
	w := &WorkItem{WorkOutcomes: map[string]any{
		"output":  "done",
		"summary": "  ",
		"count":   3.0,
		"conversation": []any{
			map[string]any{"ts": "2024-01-01T00:00:00Z", "question": "q", "answer": "a"},
			"garbage",
		},
	}}
	v, ok := w.Outcome("output")
	assert.True(t, ok)
	assert.Equal(t, "done", v)
	_, ok = w.Outcome("summary")
	assert.False(t, ok)
	_, ok = w.Outcome("count")
	assert.False(t, ok)
	_, ok = (*WorkItem)(nil).Outcome("output")
	assert.False(t, ok)

	conv := w.Conversation()
	require.Len(t, conv, 1)
	assert.Equal(t, "a", conv[0].Answer)
}

func TestIterationLifecycle(t *testing.T) {
	assert.NoError(t, CheckIterationTransition(IterationPending, IterationRunning, false))
	assert.NoError(t, CheckIterationTransition(IterationRunning, IterationRejected, false))
	assert.Error(t, CheckIterationTransition(IterationPending, IterationValidated, false))
	assert.Error(t, CheckIterationTransition(IterationValidated, IterationRunning, false))
	assert.NoError(t, CheckIterationTransition(IterationValidated, IterationPending, true))
}
