package session

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Index is the cross-session name index, the one shared resource across
// sessions. It holds the mutable display name keyed by the immutable
// session id, so REST listing never depends on the symlink aliases.
type Index struct {
	db *sql.DB
}

// IndexRow is one session's entry in the index.
type IndexRow struct {
	SessionID      string    `json:"session_id"`
	DisplayName    string    `json:"display_name"`
	State          State     `json:"state"`
	WorkspaceDir   string    `json:"workspace_dir,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	display_name  TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL,
	workspace_dir TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	last_activity TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity);
`

// OpenIndex opens (creating if needed) the session index database at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session index: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent transitions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Upsert inserts or updates the index row for a session.
func (ix *Index) Upsert(meta Metadata) error {
	_, err := ix.db.Exec(`
		INSERT INTO sessions (id, display_name, state, workspace_dir, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name  = excluded.display_name,
			state         = excluded.state,
			workspace_dir = excluded.workspace_dir,
			last_activity = excluded.last_activity`,
		meta.SessionID, meta.DisplayName, string(meta.State), meta.WorkspaceDir,
		meta.CreatedAt.UTC(), meta.LastActivityAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert session index row: %w", err)
	}
	return nil
}

// Touch updates the last-activity timestamp of a session's row.
func (ix *Index) Touch(sessionID string, t time.Time) error {
	_, err := ix.db.Exec(`UPDATE sessions SET last_activity = ? WHERE id = ?`,
		t.UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session index row: %w", err)
	}
	return nil
}

// Get returns one session's index row.
func (ix *Index) Get(sessionID string) (IndexRow, error) {
	row := ix.db.QueryRow(`
		SELECT id, display_name, state, workspace_dir, created_at, last_activity
		FROM sessions WHERE id = ?`, sessionID)

	var r IndexRow
	var state string
	if err := row.Scan(&r.SessionID, &r.DisplayName, &state, &r.WorkspaceDir,
		&r.CreatedAt, &r.LastActivityAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IndexRow{}, ErrSessionNotFound
		}
		return IndexRow{}, fmt.Errorf("failed to read session index row: %w", err)
	}
	r.State = State(state)
	return r, nil
}

// List returns all index rows, most recently active first.
func (ix *Index) List() ([]IndexRow, error) {
	rows, err := ix.db.Query(`
		SELECT id, display_name, state, workspace_dir, created_at, last_activity
		FROM sessions ORDER BY last_activity DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list session index: %w", err)
	}
	defer rows.Close()

	var result []IndexRow
	for rows.Next() {
		var r IndexRow
		var state string
		if err := rows.Scan(&r.SessionID, &r.DisplayName, &state, &r.WorkspaceDir,
			&r.CreatedAt, &r.LastActivityAt); err != nil {
			return nil, fmt.Errorf("failed to scan session index row: %w", err)
		}
		r.State = State(state)
		result = append(result, r)
	}
	return result, rows.Err()
}

// Delete removes a session's index row.
func (ix *Index) Delete(sessionID string) error {
	_, err := ix.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session index row: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	return ix.db.Close()
}
