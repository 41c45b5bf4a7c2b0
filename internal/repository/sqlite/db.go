// Package sqlite is the embedded lead store. It mirrors the postgres
// repositories on a single-file SQLite database so the service can run
// without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle. SQLite serialises writers, so the pool is
// limited to one connection and every transaction is exclusive.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if needed) the database file and applies the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db := &DB{sql: sqlDB}
	if err := db.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.sql.Close()
}

// Ping checks the database handle.
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// InTransaction runs fn in a transaction, committing on nil.
func (db *DB) InTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (db *DB) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id        TEXT PRIMARY KEY,
			name      TEXT NOT NULL,
			role      TEXT NOT NULL,
			office_id TEXT,
			active    INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			office_id       TEXT,
			total_leads     INTEGER NOT NULL DEFAULT 0,
			remaining_leads INTEGER NOT NULL DEFAULT 0,
			assigned_leads  INTEGER NOT NULL DEFAULT 0,
			created_by      TEXT,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS import_batches (
			id          TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL REFERENCES campaigns(id),
			file_name   TEXT NOT NULL,
			row_count   INTEGER NOT NULL DEFAULT 0,
			imported_by TEXT,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS leads (
			id                    TEXT PRIMARY KEY,
			campaign_id           TEXT NOT NULL REFERENCES campaigns(id),
			import_batch_id       TEXT REFERENCES import_batches(id),
			name                  TEXT NOT NULL,
			phone                 TEXT,
			email                 TEXT,
			document              TEXT,
			consultant_id         TEXT,
			owner_id              TEXT,
			office_id             TEXT,
			previous_consultants  TEXT NOT NULL DEFAULT '[]',
			status                TEXT NOT NULL DEFAULT 'NOVO',
			is_worked             INTEGER NOT NULL DEFAULT 0,
			last_status_change_at INTEGER,
			last_activity_at      INTEGER,
			last_interaction_at   INTEGER,
			last_outcome_code     TEXT,
			last_outcome_label    TEXT,
			last_outcome_note     TEXT,
			next_follow_up_at     INTEGER,
			next_step_note        TEXT,
			created_at            INTEGER NOT NULL,
			updated_at            INTEGER NOT NULL,
			CHECK (consultant_id IS NOT NULL OR status = 'NOVO')
		)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_stock ON leads (campaign_id, consultant_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_batch ON leads (import_batch_id)`,
		`CREATE TABLE IF NOT EXISTS lead_history (
			id            TEXT PRIMARY KEY,
			lead_id       TEXT NOT NULL REFERENCES leads(id),
			campaign_id   TEXT NOT NULL,
			action        TEXT NOT NULL,
			from_user_id  TEXT,
			to_user_id    TEXT,
			by_user_id    TEXT NOT NULL,
			note          TEXT,
			status_before TEXT,
			status_after  TEXT,
			created_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lead_history_lead ON lead_history (lead_id, created_at)`,
		`CREATE TRIGGER IF NOT EXISTS lead_history_no_update
			BEFORE UPDATE ON lead_history
			BEGIN
				SELECT RAISE(ABORT, 'lead_history is append-only');
			END`,
	}

	return db.InTransaction(ctx, func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// ── value helpers ─────────────────────────────────────────────────────────────

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func fromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	return string(b), err
}

func decodeIDs(s string) ([]string, error) {
	ids := []string{}
	if s == "" {
		return ids, nil
	}
	err := json.Unmarshal([]byte(s), &ids)
	return ids, err
}

// inClause returns "(?, ?, ...)" and the ids as query arguments.
func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ") + ")", args
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
