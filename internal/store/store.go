// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists resumable session pointers in a local SQLite
// database: an index of known session ids plus one record per session.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrDatabaseError   = errors.New("database error")
)

// =============================================================================
// SESSION POINTER
// =============================================================================

// SessionPointer is the durable record identifying a resumable session.
// A pointer is persisted only once a session id is known.
type SessionPointer struct {
	SessionID    string
	ProjectID    string
	ProjectPath  string
	Provider     string
	MessageCount int
	Timestamp    time.Time
}

// =============================================================================
// STORE
// =============================================================================

// Store is the SQLite-backed session pointer store.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the default database location under the user's home
// directory.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".ropcode", "sessions.db"), nil
}

// Open opens (creating if needed) the session database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id    TEXT PRIMARY KEY,
		project_id    TEXT NOT NULL,
		project_path  TEXT NOT NULL,
		provider      TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		updated_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_project
		ON sessions(project_path, provider, updated_at);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// SAVE
// =============================================================================

// Save upserts a session pointer. The caller treats failures as
// best-effort durability: log only, never fatal.
func (s *Store) Save(ctx context.Context, ptr SessionPointer) error {
	if ptr.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrDatabaseError)
	}
	ts := ptr.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, project_id, project_path, provider, message_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			project_id    = excluded.project_id,
			project_path  = excluded.project_path,
			provider      = excluded.provider,
			message_count = excluded.message_count,
			updated_at    = excluded.updated_at`,
		ptr.SessionID, ptr.ProjectID, ptr.ProjectPath, ptr.Provider,
		ptr.MessageCount, ts.UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns the pointer for a session id.
func (s *Store) Get(ctx context.Context, sessionID string) (*SessionPointer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, project_id, project_path, provider, message_count, updated_at
		FROM sessions WHERE session_id = ?`, sessionID)
	return scanPointer(row)
}

// List returns all known session pointers, most recent first.
func (s *Store) List(ctx context.Context) ([]SessionPointer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, project_id, project_path, provider, message_count, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var out []SessionPointer
	for rows.Next() {
		ptr, err := scanPointerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ptr)
	}
	return out, rows.Err()
}

// Latest returns the most recent pointer matching (projectPath, provider),
// or ErrSessionNotFound if none is recorded.
func (s *Store) Latest(ctx context.Context, projectPath, provider string) (*SessionPointer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, project_id, project_path, provider, message_count, updated_at
		FROM sessions
		WHERE project_path = ? AND provider = ?
		ORDER BY updated_at DESC LIMIT 1`, projectPath, provider)
	return scanPointer(row)
}

// Delete removes a session pointer.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPointer(row *sql.Row) (*SessionPointer, error) {
	ptr, err := scanPointerRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return ptr, err
}

func scanPointerRow(row rowScanner) (*SessionPointer, error) {
	var ptr SessionPointer
	var millis int64
	if err := row.Scan(&ptr.SessionID, &ptr.ProjectID, &ptr.ProjectPath,
		&ptr.Provider, &ptr.MessageCount, &millis); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	ptr.Timestamp = time.UnixMilli(millis)
	return &ptr, nil
}
