package gate

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type entry struct{ item, question, answer string }

type fakeRecorder struct {
	entries []entry
	err     error
}

func (f *fakeRecorder) AppendConversation(_ context.Context, itemID, question, answer string) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry{itemID, question, answer})
	return nil
}

var menu = []string{"A", "B", "Other (type your own)"}

func newGate(input string, opts ...Option) (*Gate, *fakeRecorder, *bytes.Buffer) {
	rec := &fakeRecorder{}
	out := &bytes.Buffer{}
	return New(strings.NewReader(input), out, rec, "problem-refinement", opts...), rec, out
}

func TestAskQuestionSelectsOption(t *testing.T) {
	g, rec, out := newGate("2\n")
	got, err := g.AskQuestion(context.Background(), "workshop-decision", "Pick one", menu)
	require.NoError(t, err)
	assert.Equal(t, "B", got)
	assert.Equal(t, []entry{{"workshop-decision", "Pick one", "B"}}, rec.entries)
	assert.Contains(t, out.String(), "=== Question ===")
	assert.Contains(t, out.String(), "3. Other (type your own)\n")
}

func TestAskQuestionOtherWithDetail(t *testing.T) {
	g, rec, out := newGate("3\ncustom thing\n")
	got, err := g.AskQuestion(context.Background(), "", "Pick one", menu)
	require.NoError(t, err)
	assert.Equal(t, "custom thing", got)
	assert.Contains(t, out.String(), "Please specify: ")
	require.Len(t, rec.entries, 1)
	assert.Equal(t, "problem-refinement", rec.entries[0].item)
}

// An empty detail after choosing "Other" returns the menu number itself.
func TestAskQuestionOtherWithEmptyDetailReturnsNumber(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	g, rec, _ := newGate("3\n\n", WithLogger(zap.New(core)))
	got, err := g.AskQuestion(context.Background(), "x", "Pick one", menu)
	require.NoError(t, err)
	assert.Equal(t, "3", got)
	assert.Equal(t, "3", rec.entries[0].answer)
	assert.Equal(t, 1, logs.FilterMessage("empty detail for free-text option").Len())
}

func TestAskQuestionBlankReprompts(t *testing.T) {
	g, rec, out := newGate("\n   \nfree text\n")
	got, err := g.AskQuestion(context.Background(), "x", "Why?", nil)
	require.NoError(t, err)
	assert.Equal(t, "free text", got)
	assert.Equal(t, 2, strings.Count(out.String(), "Please enter a non-empty answer."))
	assert.Len(t, rec.entries, 1)
}

func TestAskQuestionOutOfRangeNumberIsFreeText(t *testing.T) {
	g, _, _ := newGate("9\n")
	got, err := g.AskQuestion(context.Background(), "x", "Pick", menu)
	require.NoError(t, err)
	assert.Equal(t, "9", got)
}

func TestAskQuestionInputClosed(t *testing.T) {
	g, rec, _ := newGate("")
	_, err := g.AskQuestion(context.Background(), "x", "Pick", menu)
	assert.ErrorIs(t, err, ErrInputClosed)
	assert.Empty(t, rec.entries)

	g, _, _ = newGate("\n")
	_, err = g.AskQuestion(context.Background(), "x", "Pick", menu)
	assert.ErrorIs(t, err, ErrInputClosed)

	g, _, _ = newGate("3\n")
	_, err = g.AskQuestion(context.Background(), "x", "Pick", menu)
	assert.ErrorIs(t, err, ErrInputClosed)
}

func TestAskQuestionFinalLineWithoutNewline(t *testing.T) {
	g, _, _ := newGate("1")
	got, err := g.AskQuestion(context.Background(), "x", "Pick", menu)
	require.NoError(t, err)
	assert.Equal(t, "A", got)
}

func TestNonInteractive(t *testing.T) {
	g, rec, _ := newGate("1\n", WithInteractive(func() bool { return false }))
	_, err := g.AskQuestion(context.Background(), "x", "Pick", menu)
	assert.ErrorIs(t, err, ErrNonInteractive)
	_, err = g.AskReview(context.Background(), "draft")
	assert.ErrorIs(t, err, ErrNonInteractive)
	assert.Empty(t, rec.entries)

	g, _, _ = newGate("1\n", WithMode("simulate"))
	_, err = g.AskQuestion(context.Background(), "x", "Pick", menu)
	assert.ErrorIs(t, err, ErrNonInteractive)
	assert.Contains(t, err.Error(), `"simulate"`)
}

func TestAskReview(t *testing.T) {
	cases := map[string]string{
		"1\n":                    "approve",
		"2\n":                    "request changes",
		"\nApprove with nits\n":  "Approve with nits",
		"add a rollback story\n": "add a rollback story",
	}
	for input, want := range cases {
		g, rec, out := newGate(input)
		got, err := g.AskReview(context.Background(), "the plan")
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, []entry{{"problem-refinement", ReviewQuestion, want}}, rec.entries)
		assert.Contains(t, out.String(), "=== Draft Plan (for review) ===")
		assert.Contains(t, out.String(), "the plan\n")
	}

	g, _, _ := newGate("   \n")
	_, err := g.AskReview(context.Background(), "the plan")
	assert.ErrorIs(t, err, ErrInputClosed)
}

func TestRecorderFailureIsFatal(t *testing.T) {
	g, rec, _ := newGate("1\n")
	rec.err = errors.New("api error: status=500 body=boom")
	_, err := g.AskQuestion(context.Background(), "x", "Pick", menu)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=500")
}

func TestIsApproval(t *testing.T) {
	assert.True(t, IsApproval("approve"))
	assert.True(t, IsApproval("Approved, ship it"))
	assert.False(t, IsApproval("request changes"))
	assert.False(t, IsApproval("I do not approve"))
}
