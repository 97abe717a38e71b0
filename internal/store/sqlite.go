// Package store holds the local durable session.Store backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"goal-clarifier/internal/session"
	"goal-clarifier/internal/strategy"
)

// SQLiteStore implements session.Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ session.Store = (*SQLiteStore)(nil)

// NewSQLite opens (creating if needed) the database at dbPath.
func NewSQLite(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("store: database path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("store: create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// Single writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS turns (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		turn_id TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL CHECK (role IN ('user', 'agent')),
		content TEXT NOT NULL,
		strategy TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);

	CREATE TABLE IF NOT EXISTS summaries (
		session_id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns the session's turns in recording order, or session.ErrNotFound.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*session.AgentSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, role, content, strategy, created_at
		FROM turns WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: Load query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []session.Turn
	for rows.Next() {
		var (
			t         session.Turn
			role      string
			strat     sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&t.ID, &role, &t.Content, &strat, &createdAt); err != nil {
			return nil, fmt.Errorf("store: Load scan: %w", err)
		}
		t.Role = session.Role(role)
		t.Timestamp = time.Unix(0, createdAt).UTC()
		if strat.Valid && strat.String != "" {
			parsed, err := strategy.Parse(strat.String)
			if err != nil {
				return nil, fmt.Errorf("store: Load turn %s: %w", t.ID, err)
			}
			t.Strategy = parsed
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: Load rows: %w", err)
	}
	if len(turns) == 0 {
		return nil, session.ErrNotFound
	}
	sess := session.RestoreAgentSession(sessionID, turns)

	var (
		content   string
		updatedAt int64
	)
	err = s.db.QueryRowContext(ctx, `SELECT content, updated_at FROM summaries WHERE session_id = ?`, sessionID).
		Scan(&content, &updatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("store: Load summary: %w", err)
	default:
		sess.SetSummary(session.Summary{Text: content, UpdatedAt: time.Unix(0, updatedAt).UTC()})
	}
	return sess, nil
}

// SaveSummary upserts the session summary.
func (s *SQLiteStore) SaveSummary(ctx context.Context, sessionID string, sum session.Summary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (session_id, content, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			content = excluded.content,
			updated_at = excluded.updated_at`,
		sessionID, sum.Text, sum.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: SaveSummary: %w", err)
	}
	return nil
}

// Append inserts one turn. Turn ids are unique; re-appending one fails.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, t session.Turn) error {
	var strat any
	if t.Strategy.Valid() {
		strat = t.Strategy.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (session_id, turn_id, role, content, strategy, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, t.ID, string(t.Role), t.Content, strat, t.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: Append: %w", err)
	}
	return nil
}
