// Package repo holds the sandbox's SQL queries.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"wlagent/internal/domain"
)

// TimeFormat sorts lexically in time order.
const TimeFormat = "2006-01-02T15:04:05.000000Z07:00"

var ErrNotFound = errors.New("not found")

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB *sql.DB
}

func (r Repo) q(tx *sql.Tx) Querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) EnsureProject(ctx context.Context, tx *sql.Tx, projectID, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO projects(id, created_at) VALUES (?,?)`, projectID, now)
	return err
}

func (r Repo) InsertIteration(ctx context.Context, tx *sql.Tx, it domain.Iteration) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO iterations(id,project_id,goal,status,created_at) VALUES (?,?,?,?,?)`,
		it.ID, it.ProjectID, it.Goal, it.Status, it.CreatedAt)
	return err
}

func (r Repo) GetIteration(ctx context.Context, tx *sql.Tx, id string) (domain.Iteration, error) {
	var it domain.Iteration
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,project_id,goal,status,created_at FROM iterations WHERE id=?`, id).
		Scan(&it.ID, &it.ProjectID, &it.Goal, &it.Status, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

func (r Repo) ListIterations(ctx context.Context, projectID string, limit int, cursorCreatedAt, cursorID string) ([]domain.Iteration, error) {
	clauses := []string{"project_id=?"}
	args := []any{projectID}
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	query := `SELECT id,project_id,goal,status,created_at FROM iterations WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Iteration
	for rows.Next() {
		var it domain.Iteration
		if err := rows.Scan(&it.ID, &it.ProjectID, &it.Goal, &it.Status, &it.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) UpdateIterationStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE iterations SET status=? WHERE id=?`, status, id)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func encodeOutcomes(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("invalid work_outcomes: %w", err)
	}
	return string(b), nil
}

// InsertTask stores t; preset is the policy preset the task was created with.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.WorkItem, preset string) error {
	outcomes, err := encodeOutcomes(t.WorkOutcomes)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO tasks(id,project_id,iteration_id,type,title,description,status,assignee_id,priority,policy_preset,work_outcomes_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.IterationID), t.Type, t.Title, nullable(t.Description),
		t.Status, nullableStringPtr(t.AssigneeID), nullableIntPtr(t.Priority), nullable(preset), outcomes,
		t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.WorkItem) error {
	outcomes, err := encodeOutcomes(t.WorkOutcomes)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `UPDATE tasks SET iteration_id=?, type=?, title=?, description=?, status=?, assignee_id=?, priority=?, work_outcomes_json=?, updated_at=? WHERE id=?`,
		nullableStringPtr(t.IterationID), t.Type, t.Title, nullable(t.Description), t.Status,
		nullableStringPtr(t.AssigneeID), nullableIntPtr(t.Priority), outcomes, t.UpdatedAt, t.ID)
	return err
}

const taskColumns = `id,project_id,iteration_id,type,title,description,status,assignee_id,priority,work_outcomes_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.WorkItem, error) {
	var t domain.WorkItem
	var iterationID, assigneeID, workOutcomes, description sql.NullString
	var priority sql.NullInt64
	if err := row.Scan(&t.ID, &t.ProjectID, &iterationID, &t.Type, &t.Title, &description, &t.Status, &assigneeID, &priority, &workOutcomes, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if iterationID.Valid {
		t.IterationID = &iterationID.String
	}
	if assigneeID.Valid {
		t.AssigneeID = &assigneeID.String
	}
	if priority.Valid {
		p := int(priority.Int64)
		t.Priority = &p
	}
	if workOutcomes.Valid && workOutcomes.String != "" {
		if err := json.Unmarshal([]byte(workOutcomes.String), &t.WorkOutcomes); err != nil {
			return t, fmt.Errorf("invalid work_outcomes on %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	q := r.q(tx)
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.DependsOn, err = listDependencies(ctx, q, t.ID)
	return t, err
}

type TaskFilters struct {
	ProjectID       string
	Status          string
	Iteration       string
	AssigneeID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Iteration != "" {
		clauses = append(clauses, "iteration_id=?")
		args = append(args, f.Iteration)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.WorkItem
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Close before the dependency queries; the pool holds one connection.
	rows.Close()
	for i := range res {
		if res[i].DependsOn, err = listDependencies(ctx, r.DB, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func listDependencies(ctx context.Context, q Querier, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	deps := []string{}
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) InsertAttestation(ctx context.Context, tx *sql.Tx, att domain.Attestation) error {
	var payload any
	if att.Payload != nil {
		b, err := json.Marshal(att.Payload)
		if err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		payload = string(b)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO attestations(id,project_id,entity_kind,entity_id,kind,actor_id,ts,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		att.ID, att.ProjectID, att.EntityKind, att.EntityID, att.Kind, att.ActorID, att.TS, payload)
	return err
}

// HasAttestation reports whether an entity carries an attestation of kind.
func (r Repo) HasAttestation(ctx context.Context, tx *sql.Tx, entityKind, entityID, kind string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM attestations WHERE entity_kind=? AND entity_id=? AND kind=? LIMIT 1`, entityKind, entityID, kind).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

type AttestationFilters struct {
	ProjectID  string
	EntityKind string
	EntityID   string
	Kind       string
	Limit      int
}

func (r Repo) ListAttestations(ctx context.Context, f AttestationFilters) ([]domain.Attestation, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	query := `SELECT id,project_id,entity_kind,entity_id,kind,actor_id,ts,payload_json FROM attestations WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY ts DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attestation
	for rows.Next() {
		var a domain.Attestation
		var payload sql.NullString
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.EntityKind, &a.EntityID, &a.Kind, &a.ActorID, &a.TS, &payload); err != nil {
			return nil, err
		}
		a.Payload = decodeMap(payload)
		res = append(res, a)
	}
	return res, rows.Err()
}

// LatestEvents returns events newest first. A positive cursor returns events
// older than that id.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.Payload = decodeMap(payload)
		res = append(res, e)
	}
	return res, rows.Err()
}

func decodeMap(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil
	}
	return m
}
