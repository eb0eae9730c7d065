package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists call history in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers anyway; a single connection also keeps
	// ":memory:" databases from splitting across connections.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relay_calls (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			persona_id TEXT NOT NULL DEFAULT '',
			voice TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			frames_to_upstream INTEGER NOT NULL DEFAULT 0,
			frames_to_caller INTEGER NOT NULL DEFAULT 0,
			bytes_to_upstream INTEGER NOT NULL DEFAULT 0,
			bytes_to_caller INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_calls_ended ON relay_calls (ended_at DESC);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Mode() string { return "sqlite" }

func (s *SQLiteStore) SaveCall(ctx context.Context, record CallRecord) error {
	record = normalize(record, uuid.NewString)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relay_calls (id, session_id, persona_id, voice, state, reason,
			frames_to_upstream, frames_to_caller, bytes_to_upstream, bytes_to_caller, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.SessionID,
		record.PersonaID,
		record.Voice,
		record.State,
		record.Reason,
		record.FramesToUpstream,
		record.FramesToCaller,
		record.BytesToUpstream,
		record.BytesToCaller,
		record.StartedAt.UnixMilli(),
		record.EndedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save call: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, persona_id, voice, state, reason,
			frames_to_upstream, frames_to_caller, bytes_to_upstream, bytes_to_caller, started_at, ended_at
		 FROM relay_calls ORDER BY ended_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	items := make([]CallRecord, 0, limit)
	for rows.Next() {
		var (
			r                CallRecord
			started, stopped int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.PersonaID, &r.Voice, &r.State, &r.Reason,
			&r.FramesToUpstream, &r.FramesToCaller, &r.BytesToUpstream, &r.BytesToCaller, &started, &stopped); err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		r.EndedAt = time.UnixMilli(stopped).UTC()
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
