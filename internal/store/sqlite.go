// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jeranaias/hfp-chat/internal/model"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SQLITE PERSISTER
// =============================================================================

// SQLitePersister stores the state in a SQLite database, one row per
// session plus a metadata row for the envelope version and the
// current-session pointer.
//
// Semantics are identical to the file persister: Save replaces the
// whole state wholesale inside a transaction. The row-per-session
// layout just keeps individual writes small and lets operators inspect
// history with ordinary SQL.
type SQLitePersister struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id       TEXT PRIMARY KEY,
	position INTEGER NOT NULL,
	data     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// NewSQLitePersister opens (or creates) the database at path and
// prepares the schema.
func NewSQLitePersister(path string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Single-writer workload; WAL keeps readers from blocking the
	// persist-on-every-mutation write path.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLitePersister{db: db}, nil
}

// Close releases the database handle.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

// Save implements Persister. The full state is replaced in one
// transaction so a crash can never leave a half-written mix of old and
// new sessions.
func (p *SQLitePersister) Save(state *State) error {
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM sessions"); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}

	for i, sess := range state.Sessions {
		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO sessions (id, position, data) VALUES (?, ?, ?)",
			sess.ID, i, string(data),
		); err != nil {
			return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
		}
	}

	meta := map[string]string{
		"version":            fmt.Sprintf("%d", SchemaVersion),
		"current_session_id": state.CurrentSessionID,
	}
	for key, value := range meta {
		if _, err := tx.Exec(
			"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value",
			key, value,
		); err != nil {
			return fmt.Errorf("failed to write meta %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	return nil
}

// Load implements Persister.
func (p *SQLitePersister) Load() (*State, bool, error) {
	var versionStr string
	err := p.db.QueryRow("SELECT value FROM meta WHERE key = 'version'").Scan(&versionStr)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read state version: %w", err)
	}

	var version int
	if _, err := fmt.Sscanf(versionStr, "%d", &version); err != nil {
		return nil, false, fmt.Errorf("failed to parse state version %q: %w", versionStr, err)
	}
	if version > SchemaVersion {
		return nil, false, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}

	state := &State{Version: version}

	if err := p.db.QueryRow("SELECT value FROM meta WHERE key = 'current_session_id'").
		Scan(&state.CurrentSessionID); err != nil && err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to read current session: %w", err)
	}

	rows, err := p.db.Query("SELECT data FROM sessions ORDER BY position")
	if err != nil {
		return nil, false, fmt.Errorf("failed to read sessions: %w", err)
	}
	defer rows.Close()

	state.Sessions = make([]*model.ChatSession, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, false, fmt.Errorf("failed to scan session row: %w", err)
		}
		var sess model.ChatSession
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, false, fmt.Errorf("failed to decode session row: %w", err)
		}
		state.Sessions = append(state.Sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return state, true, nil
}
