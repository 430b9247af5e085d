// Package gate blocks on a human at the console for answers and plan reviews.
package gate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"
)

var (
	ErrNonInteractive = errors.New("stdin is not interactive; run without make or attach a TTY.")
	ErrInputClosed    = errors.New("stdin closed while waiting for input")
)

// ModeInteractive is the only supported human review mode.
const ModeInteractive = "interactive"

const (
	ReviewQuestion = "Plan review"
	approveOption  = "approve"
	changesOption  = "request changes"
)

// Recorder stores answered questions on a work item.
type Recorder interface {
	AppendConversation(ctx context.Context, itemID, question, answer string) error
}

type Gate struct {
	in          *bufio.Reader
	out         io.Writer
	interactive func() bool
	mode        string
	defaultItem string
	recorder    Recorder
	logger      *zap.Logger
}

type Option func(*Gate)

// WithMode sets the human review mode; anything but "interactive" fails every prompt.
func WithMode(mode string) Option {
	return func(g *Gate) { g.mode = mode }
}

// WithInteractive overrides terminal detection.
func WithInteractive(fn func() bool) Option {
	return func(g *Gate) { g.interactive = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New builds a gate over arbitrary streams. Entries without an explicit item
// are recorded on defaultItem.
func New(in io.Reader, out io.Writer, rec Recorder, defaultItem string, opts ...Option) *Gate {
	g := &Gate{
		in:          bufio.NewReader(in),
		out:         out,
		interactive: func() bool { return true },
		mode:        ModeInteractive,
		defaultItem: defaultItem,
		recorder:    rec,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Stdio builds a gate on the process console. Prompts go to stderr so stdout
// carries only the run result.
func Stdio(rec Recorder, defaultItem string, opts ...Option) *Gate {
	base := []Option{WithInteractive(func() bool { return term.IsTerminal(int(os.Stdin.Fd())) })}
	return New(os.Stdin, os.Stderr, rec, defaultItem, append(base, opts...)...)
}

func (g *Gate) ready() error {
	if g.mode != ModeInteractive {
		return fmt.Errorf("%w (human review mode %q; only %q is supported)", ErrNonInteractive, g.mode, ModeInteractive)
	}
	if !g.interactive() {
		return ErrNonInteractive
	}
	return nil
}

// AskQuestion prints question with an optional 1-based menu and blocks until a
// non-blank answer arrives. The answer is recorded on itemID, or on the
// default item when itemID is empty.
func (g *Gate) AskQuestion(ctx context.Context, itemID, question string, options []string) (string, error) {
	if err := g.ready(); err != nil {
		return "", err
	}
	fmt.Fprint(g.out, "\n=== Question ===\n\n")
	fmt.Fprintln(g.out, question)
	for i, opt := range options {
		fmt.Fprintf(g.out, "%d. %s\n", i+1, opt)
	}
	for {
		fmt.Fprint(g.out, "Your answer: ")
		answer, err := g.readLine()
		if err != nil {
			return "", err
		}
		if answer == "" {
			fmt.Fprintln(g.out, "Please enter a non-empty answer.")
			continue
		}
		if selected, ok := pick(options, answer); ok {
			if !isOther(selected) {
				return g.record(ctx, itemID, question, selected)
			}
			fmt.Fprint(g.out, "Please specify: ")
			detail, err := g.readLine()
			if err != nil {
				return "", err
			}
			if detail != "" {
				return g.record(ctx, itemID, question, detail)
			}
			// Empty detail keeps the raw menu number as the answer.
			g.logger.Warn("empty detail for free-text option", zap.String("question", question), zap.String("answer", answer))
		}
		return g.record(ctx, itemID, question, answer)
	}
}

// AskReview shows the draft plan and returns the reviewer's feedback:
// "approve", "request changes" or free text.
func (g *Gate) AskReview(ctx context.Context, draft string) (string, error) {
	if err := g.ready(); err != nil {
		return "", err
	}
	fmt.Fprint(g.out, "\n=== Draft Plan (for review) ===\n\n")
	fmt.Fprintln(g.out, draft)
	fmt.Fprint(g.out, "\n=== Provide edits or approvals ===\n\n")
	fmt.Fprintln(g.out, "1. "+approveOption)
	fmt.Fprintln(g.out, "2. "+changesOption)
	for {
		fmt.Fprint(g.out, "Enter review feedback (or 'approve'): ")
		feedback, err := g.readLine()
		if err != nil {
			return "", err
		}
		switch feedback {
		case "":
			fmt.Fprintln(g.out, "Please enter a response (or type 'approve').")
			continue
		case "1":
			feedback = approveOption
		case "2":
			feedback = changesOption
		}
		return g.record(ctx, "", ReviewQuestion, feedback)
	}
}

// IsApproval reports whether review feedback approves the plan.
func IsApproval(feedback string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(feedback)), approveOption)
}

func (g *Gate) record(ctx context.Context, itemID, question, answer string) (string, error) {
	if itemID == "" {
		itemID = g.defaultItem
	}
	if g.recorder != nil {
		if err := g.recorder.AppendConversation(ctx, itemID, question, answer); err != nil {
			return "", fmt.Errorf("record answer on %s: %w", itemID, err)
		}
	}
	g.logger.Info("human answered", zap.String("item", itemID), zap.String("question", question))
	return answer, nil
}

// readLine returns one trimmed line. A final line without newline is still
// returned; end of input with nothing read is ErrInputClosed.
func (g *Gate) readLine() (string, error) {
	line, err := g.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		if errors.Is(err, io.EOF) {
			return "", ErrInputClosed
		}
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func pick(options []string, answer string) (string, bool) {
	if len(options) == 0 || !isDigits(answer) {
		return "", false
	}
	n, err := strconv.Atoi(answer)
	if err != nil || n < 1 || n > len(options) {
		return "", false
	}
	return options[n-1], true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func isOther(option string) bool {
	return strings.HasPrefix(strings.ToLower(option), "other")
}
