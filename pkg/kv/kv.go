// Package kv wraps the generic (namespace, key, value_json) table described
// in spec §3 with typed codecs per namespace, per the design note in spec §9
// ("define typed codecs per namespace; never cross-decode").
package kv

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/onlyfeng/engram-sub004/internal/dberrors"
)

// Namespace identifies one of the three record shapes stored in kv.
type Namespace string

const (
	NamespaceCursor  Namespace = "scm.sync"
	NamespaceHealth  Namespace = "scm.sync_health"
	NamespacePause   Namespace = "scm.sync_pause"
)

// Store is a thin typed wrapper over the kv table.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Get fetches the raw JSON value for (namespace, key), returning ok=false
// when absent.
func (s *Store) Get(ctx context.Context, ns Namespace, key string) (json.RawMessage, bool, error) {
	var value json.RawMessage
	err := s.db.GetContext(ctx, &value,
		`SELECT value_json FROM kv WHERE namespace = $1 AND key = $2`, ns, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, dberrors.DatabaseError("get kv value", err)
	}
	return value, true, nil
}

// Set upserts the raw JSON value for (namespace, key).
func (s *Store) Set(ctx context.Context, ns Namespace, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (namespace, key, value_json, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, key) DO UPDATE
		SET value_json = EXCLUDED.value_json, updated_at = now()`,
		ns, key, value)
	if err != nil {
		return dberrors.DatabaseError("set kv value", err)
	}
	return nil
}

// Delete removes a (namespace, key) entry if present.
func (s *Store) Delete(ctx context.Context, ns Namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = $1 AND key = $2`, ns, key)
	if err != nil {
		return dberrors.DatabaseError("delete kv value", err)
	}
	return nil
}

// SweepOlderThan deletes rows in ns last updated before cutoff, in bounded
// batches, returning the number removed. Used by the reaper's retention pass
// (SPEC_FULL.md "kv namespace TTL sweep").
func (s *Store) SweepOlderThan(ctx context.Context, ns Namespace, cutoff time.Time, batchSize int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM kv WHERE (namespace, key) IN (
			SELECT namespace, key FROM kv
			WHERE namespace = $1 AND updated_at < $2
			LIMIT $3
		)`, ns, cutoff, batchSize)
	if err != nil {
		return 0, dberrors.DatabaseError("sweep kv namespace", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Cursor is the typed codec for NamespaceCursor values.
type Cursor struct {
	CommitSHA string `json:"commit_sha,omitempty"`
	Rev       *int64 `json:"rev,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func CursorKey(jobType, repoKey string) string {
	return jobType + "_cursor:" + repoKey
}

func (s *Store) GetCursor(ctx context.Context, key string) (Cursor, bool, error) {
	raw, ok, err := s.Get(ctx, NamespaceCursor, key)
	if err != nil || !ok {
		return Cursor{}, ok, err
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, false, dberrors.FailedToWithDetails("decode cursor", "kv", key, err)
	}
	return c, true, nil
}

func (s *Store) SetCursor(ctx context.Context, key string, c Cursor) error {
	c.UpdatedAt = time.Now()
	raw, err := json.Marshal(c)
	if err != nil {
		return dberrors.FailedToWithDetails("encode cursor", "kv", key, err)
	}
	return s.Set(ctx, NamespaceCursor, key, raw)
}
