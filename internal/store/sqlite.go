package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/bridge/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: in-memory databases are per connection, and the
	// foreign_keys pragma below is too.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_key TEXT PRIMARY KEY,
			source TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			auto_create_pr INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
		`CREATE TABLE IF NOT EXISTS publish_results (
			session_key TEXT NOT NULL,
			kind TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			number INTEGER NOT NULL DEFAULT 0,
			title TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_key, kind),
			FOREIGN KEY (session_key) REFERENCES sessions(session_key) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS change_sets (
			session_key TEXT PRIMARY KEY,
			source TEXT NOT NULL DEFAULT '',
			patch TEXT NOT NULL,
			commit_message TEXT NOT NULL DEFAULT '',
			base_commit_id TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_key) REFERENCES sessions(session_key) ON DELETE CASCADE
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertSession inserts a session or refreshes its mutable fields.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.State == "" {
		session.State = domain.StateQueued
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_key, source, prompt, title, auto_create_pr, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET
			source = CASE WHEN excluded.source != '' THEN excluded.source ELSE sessions.source END,
			prompt = CASE WHEN excluded.prompt != '' THEN excluded.prompt ELSE sessions.prompt END,
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE sessions.title END,
			auto_create_pr = MAX(sessions.auto_create_pr, excluded.auto_create_pr),
			state = excluded.state,
			updated_at = excluded.updated_at`,
		session.Key, session.Source, session.Prompt, session.Title, session.AutoCreatePR,
		string(session.State), session.CreatedAt, session.UpdatedAt)
	return err
}

// GetSession returns nil, nil when the session is unknown.
func (s *SQLiteStore) GetSession(ctx context.Context, key string) (*domain.Session, error) {
	var session domain.Session
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_key, source, prompt, title, auto_create_pr, state, created_at, updated_at
		 FROM sessions WHERE session_key = ?`, key).
		Scan(&session.Key, &session.Source, &session.Prompt, &session.Title, &session.AutoCreatePR,
			&state, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	session.State = domain.SessionState(state)
	return &session, nil
}

// ListSessions returns the most recently updated sessions first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_key, source, prompt, title, auto_create_pr, state, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var session domain.Session
		var state string
		if err := rows.Scan(&session.Key, &session.Source, &session.Prompt, &session.Title,
			&session.AutoCreatePR, &state, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, err
		}
		session.State = domain.SessionState(state)
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// UpdateSessionState records the latest derived state.
func (s *SQLiteStore) UpdateSessionState(ctx context.Context, key string, state domain.SessionState) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, updated_at = ? WHERE session_key = ?`,
		string(state), time.Now().UTC(), key)
	return err
}

// DeleteSession removes a session and everything recorded for it.
func (s *SQLiteStore) DeleteSession(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, key)
	return err
}

// SavePublishResult records a successful publish. It reports false when a
// result of the same kind already exists for the session.
func (s *SQLiteStore) SavePublishResult(ctx context.Context, key string, result *domain.PublishResult) (bool, error) {
	if result.Kind == domain.PublishFailed {
		return false, fmt.Errorf("refusing to record failed publish for %s", key)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO publish_results (session_key, kind, url, branch, number, title, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_key, kind) DO NOTHING`,
		key, string(result.Kind), result.URL, result.Branch, result.Number, result.Title, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListPublishResults returns the session's publish results, oldest first.
func (s *SQLiteStore) ListPublishResults(ctx context.Context, key string) ([]domain.PublishResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, url, branch, number, title FROM publish_results
		 WHERE session_key = ? ORDER BY created_at ASC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.PublishResult
	for rows.Next() {
		var r domain.PublishResult
		var kind string
		if err := rows.Scan(&kind, &r.URL, &r.Branch, &r.Number, &r.Title); err != nil {
			return nil, err
		}
		r.Kind = domain.PublishKind(kind)
		results = append(results, r)
	}
	return results, rows.Err()
}

// SaveChangeSet stores the latest change set of a session.
func (s *SQLiteStore) SaveChangeSet(ctx context.Context, key string, cs *domain.ChangeSet) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO change_sets (session_key, source, patch, commit_message, base_commit_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET
			source = excluded.source,
			patch = excluded.patch,
			commit_message = excluded.commit_message,
			base_commit_id = excluded.base_commit_id,
			updated_at = excluded.updated_at`,
		key, cs.Source, cs.Patch, cs.CommitMessage, cs.BaseCommitID, time.Now().UTC())
	return err
}

// GetChangeSet returns nil, nil when no change set was recorded.
func (s *SQLiteStore) GetChangeSet(ctx context.Context, key string) (*domain.ChangeSet, error) {
	var cs domain.ChangeSet
	err := s.db.QueryRowContext(ctx,
		`SELECT source, patch, commit_message, base_commit_id FROM change_sets WHERE session_key = ?`, key).
		Scan(&cs.Source, &cs.Patch, &cs.CommitMessage, &cs.BaseCommitID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cs, nil
}
