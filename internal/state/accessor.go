// Package state reads and writes orchestrator state held on Workline items.
package state

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wlagent/internal/credentials"
	"wlagent/internal/domain"
	"wlagent/internal/workline"
)

const (
	WorkshopType        = "workshop"
	WorkshopSummaryNote = "Workshop summary"
)

// WorkItemSpec describes an item to find or create.
type WorkItemSpec struct {
	ID          string
	Title       string
	Type        string
	Description string
	Preset      string
}

// Accessor is the only component that talks to Workline. Every call goes
// through the identity the router assigns to it.
type Accessor struct {
	router   *credentials.Router
	logger   *zap.Logger
	now      func() time.Time
	pageSize int
}

type Option func(*Accessor)

func WithLogger(l *zap.Logger) Option {
	return func(a *Accessor) { a.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(a *Accessor) { a.now = now }
}

// WithPageSize sets the page size of the listings walked during
// reconciliation.
func WithPageSize(n int) Option {
	return func(a *Accessor) {
		if n > 0 {
			a.pageSize = n
		}
	}
}

func New(router *credentials.Router, opts ...Option) *Accessor {
	a := &Accessor{
		router:   router,
		logger:   zap.NewNop(),
		now:      time.Now,
		pageSize: 200,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Accessor) client() *workline.Client {
	return a.router.Default()
}

// GetWorkItem returns nil without error when the item does not exist.
func (a *Accessor) GetWorkItem(ctx context.Context, id string) (*domain.WorkItem, error) {
	item, err := a.client().GetTask(ctx, id)
	if err != nil {
		if workline.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get work item %s: %w", id, err)
	}
	return &item, nil
}

// EnsureWorkItem creates the item when absent. An existing item is returned
// untouched.
func (a *Accessor) EnsureWorkItem(ctx context.Context, spec WorkItemSpec) (*domain.WorkItem, error) {
	item, err := a.GetWorkItem(ctx, spec.ID)
	if err != nil || item != nil {
		return item, err
	}
	req := workline.CreateTaskRequest{
		ID:          spec.ID,
		Type:        spec.Type,
		Title:       spec.Title,
		Description: spec.Description,
	}
	if req.Type == "" {
		req.Type = WorkshopType
	}
	if spec.Preset != "" {
		req.Policy = &workline.PolicyRequest{Preset: spec.Preset}
	}
	created, err := a.client().CreateTask(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create work item %s: %w", spec.ID, err)
	}
	a.logger.Info("work item created", zap.String("item", spec.ID), zap.String("preset", spec.Preset))
	return &created, nil
}

// GetOutcomeField returns a non-blank string outcome. Absent items, missing
// fields and non-string values all report false.
func (a *Accessor) GetOutcomeField(ctx context.Context, id, field string) (string, bool, error) {
	item, err := a.GetWorkItem(ctx, id)
	if err != nil {
		return "", false, err
	}
	v, ok := item.Outcome(field)
	return v, ok, nil
}

// PutOutcome sets one named outcome field.
func (a *Accessor) PutOutcome(ctx context.Context, id, field string, value any) error {
	if err := a.client().PutWorkOutcome(ctx, id, field, value); err != nil {
		return fmt.Errorf("put %s on %s: %w", field, id, err)
	}
	return nil
}

// SetPhaseOutput writes output, then summary, then the summary conversation
// entry. The writes are separate calls; RepairPhaseOutput completes an item
// left half-written.
func (a *Accessor) SetPhaseOutput(ctx context.Context, id, text string) error {
	if err := a.PutOutcome(ctx, id, domain.OutputField, text); err != nil {
		return err
	}
	if err := a.PutOutcome(ctx, id, domain.SummaryField, text); err != nil {
		return err
	}
	return a.AppendConversation(ctx, id, WorkshopSummaryNote, text)
}

// AppendConversation appends one entry to the item's conversation log.
func (a *Accessor) AppendConversation(ctx context.Context, id, question, answer string) error {
	entry := domain.ConversationEntry{
		TS:       a.now().UTC().Format(time.RFC3339Nano),
		Question: question,
		Answer:   answer,
	}
	if err := a.client().AppendWorkOutcome(ctx, id, domain.ConversationField, entry); err != nil {
		return fmt.Errorf("append conversation on %s: %w", id, err)
	}
	return nil
}

// RepairPhaseOutput treats output as authoritative: when it is present, a
// missing summary is rewritten from it and a missing summary entry is
// appended. It returns the output and whether the phase is complete.
func (a *Accessor) RepairPhaseOutput(ctx context.Context, item *domain.WorkItem) (string, bool, error) {
	output, ok := item.Outcome(domain.OutputField)
	if !ok {
		return "", false, nil
	}
	if _, has := item.Outcome(domain.SummaryField); !has {
		a.logger.Warn("repairing missing summary", zap.String("item", item.ID))
		if err := a.PutOutcome(ctx, item.ID, domain.SummaryField, output); err != nil {
			return "", false, err
		}
	}
	logged := false
	for _, e := range item.Conversation() {
		if e.Question == WorkshopSummaryNote && e.Answer == output {
			logged = true
			break
		}
	}
	if !logged {
		a.logger.Warn("repairing missing summary entry", zap.String("item", item.ID))
		if err := a.AppendConversation(ctx, item.ID, WorkshopSummaryNote, output); err != nil {
			return "", false, err
		}
	}
	return output, true, nil
}
