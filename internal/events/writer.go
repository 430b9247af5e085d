// Package events records the sandbox audit trail.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the sandbox engine.
const (
	TaskCreated           = "task.created"
	TaskPolicyApplied     = "task.policy.applied"
	TaskUpdated           = "task.updated"
	TaskOutcomesUpdated   = "task.work_outcomes.updated"
	IterationCreated      = "iteration.created"
	IterationUpdated      = "iteration.updated"
	IterationValidChecked = "iteration.validation.checked"
	AttestationAdded      = "attestation.added"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Record is one row to append.
type Record struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

// Append inserts rec inside tx so the event commits with the change it
// describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	payload := rec.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), rec.Type, nullable(rec.ProjectID), rec.EntityKind, nullable(rec.EntityID), rec.ActorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", rec.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
