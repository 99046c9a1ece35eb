// Package postgres provides a keyblock mirror persisted in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"

	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

const schema = `
CREATE TABLE IF NOT EXISTS keyblocks (
	fingerprint  TEXT PRIMARY KEY,
	key_id       TEXT NOT NULL,
	short_key_id TEXT NOT NULL,
	user_ids     TEXT[] NOT NULL DEFAULT '{}',
	disabled     BOOLEAN NOT NULL DEFAULT FALSE,
	data         BYTEA NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS keyblocks_key_id_idx ON keyblocks (key_id);
CREATE INDEX IF NOT EXISTS keyblocks_short_key_id_idx ON keyblocks (short_key_id);
`

const selectColumns = `SELECT fingerprint, key_id, user_ids, disabled, data FROM keyblocks`

// Store is a PostgreSQL-backed implementation of keysearch.MirrorStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore constructs a mirror on db. Call EnsureSchema before use
// on a fresh database.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With("component", "postgres_store"),
	}
}

// EnsureSchema creates the keyblocks table and its indexes if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure keyblocks schema: %w", err)
	}
	return nil
}

// StoreKeyblock upserts the keyblock by fingerprint.
func (s *Store) StoreKeyblock(ctx context.Context, kb keysearch.Keyblock) error {
	query := `
		INSERT INTO keyblocks (fingerprint, key_id, short_key_id, user_ids, disabled, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (fingerprint) DO UPDATE SET
			key_id = EXCLUDED.key_id,
			short_key_id = EXCLUDED.short_key_id,
			user_ids = EXCLUDED.user_ids,
			disabled = EXCLUDED.disabled,
			data = EXCLUDED.data,
			updated_at = now()
	`
	userIDs := kb.UserIDs
	if userIDs == nil {
		userIDs = []string{}
	}
	_, err := s.db.ExecContext(ctx, query,
		kb.Fingerprint, kb.KeyID, shortKeyID(kb.KeyID), pq.Array(userIDs), kb.Disabled, kb.Data)
	if err != nil {
		s.logger.Error("Failed to store keyblock", "fingerprint", kb.Fingerprint, "err", err)
		return fmt.Errorf("store keyblock %s: %w", kb.Fingerprint, err)
	}
	return nil
}

// Lookup translates the pattern into one query. User-id substrings match
// case-insensitively with ILIKE over the unnested array.
func (s *Store) Lookup(ctx context.Context, p keysearch.SearchPattern) ([]keysearch.Keyblock, error) {
	var (
		where string
		args  []any
	)
	switch p.Kind {
	case keysearch.KindFingerprint:
		where, args = ` WHERE fingerprint = $1`, []any{p.Value}
	case keysearch.KindKeyID:
		if len(p.Value) == 8 {
			where, args = ` WHERE short_key_id = $1`, []any{p.Value}
		} else {
			where, args = ` WHERE key_id = $1`, []any{p.Value}
		}
	case keysearch.KindWildcard:
	default:
		where = ` WHERE EXISTS (SELECT 1 FROM unnest(user_ids) AS uid WHERE uid ILIKE $1 ESCAPE '\')`
		args = []any{"%" + escapeLike(p.Value) + "%"}
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+where+` ORDER BY fingerprint`, args...)
	if err != nil {
		s.logger.Warn("Failed to query keyblocks", "pattern", p.String(), "err", err)
		return nil, fmt.Errorf("query keyblocks for %s: %w", p, err)
	}
	defer rows.Close()

	var matches []keysearch.Keyblock
	for rows.Next() {
		var kb keysearch.Keyblock
		if err := rows.Scan(&kb.Fingerprint, &kb.KeyID, pq.Array(&kb.UserIDs), &kb.Disabled, &kb.Data); err != nil {
			return nil, fmt.Errorf("scan keyblock: %w", err)
		}
		matches = append(matches, kb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keyblocks: %w", err)
	}
	return matches, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func shortKeyID(keyID string) string {
	if len(keyID) <= 8 {
		return keyID
	}
	return keyID[len(keyID)-8:]
}
