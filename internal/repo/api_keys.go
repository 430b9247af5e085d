package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

// Actor is a sandbox identity and the roles it holds.
type Actor struct {
	ID        string
	Roles     []string
	CreatedAt string
}

type APIKey struct {
	ID        string
	ActorID   string
	KeyHash   string
	CreatedAt string
}

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// UpsertActor creates the actor or replaces its roles.
func (r Repo) UpsertActor(ctx context.Context, tx *sql.Tx, a Actor) error {
	if a.ID == "" {
		return errors.New("actor_id required")
	}
	roles := a.Roles
	if roles == nil {
		roles = []string{}
	}
	data, err := json.Marshal(roles)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO actors(id, roles_json, created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET roles_json=excluded.roles_json`, a.ID, string(data), a.CreatedAt)
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (Actor, error) {
	var a Actor
	var roles string
	err := r.DB.QueryRowContext(ctx, `SELECT id, roles_json, created_at FROM actors WHERE id=?`, id).Scan(&a.ID, &roles, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return Actor{}, ErrNotFound
	}
	if err != nil {
		return Actor{}, err
	}
	if err := json.Unmarshal([]byte(roles), &a.Roles); err != nil {
		return Actor{}, err
	}
	return a, nil
}

// UpsertAPIKey stores a hashed API key. KeyHash must already contain the
// hashed value; a key already bound to another actor is rebound.
func (r Repo) UpsertAPIKey(ctx context.Context, tx *sql.Tx, key APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.ActorID == "" {
		return errors.New("actor_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM api_keys WHERE key_hash=? OR id=?`, key.KeyHash, key.ID); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `INSERT INTO api_keys(id, actor_id, key_hash, created_at) VALUES (?,?,?,?)`,
		key.ID, key.ActorID, key.KeyHash, key.CreatedAt)
	return err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (APIKey, error) {
	var key APIKey
	err := r.DB.QueryRowContext(ctx, `SELECT id, actor_id, key_hash, created_at FROM api_keys WHERE key_hash=? LIMIT 1`, hash).
		Scan(&key.ID, &key.ActorID, &key.KeyHash, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return APIKey{}, ErrNotFound
	}
	return key, err
}
