package remoteserver

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrDuplicateKey signals an insert whose (table, id) already exists,
// mirroring the 409 a PostgREST-fronted service returns for a primary-key
// collision (spec §6's "INSERT ... RETURNING id" profile).
var ErrDuplicateKey = errors.New("remoteserver: duplicate key")

// Store is the generic per-table row store backing the reference remote
// service. Unlike the engine's local store, this holds one row table
// shared across every syncable resource, since a reference server has no
// compile-time knowledge of the host application's schema the way the
// engine's registry.Schema does.
type Store struct {
	conn *sql.DB
}

// OpenStore opens (creating if necessary) the reference server's backing
// database, using the same pure-Go driver and WAL pragmas as the
// engine's local store (internal/engine/store.openConn) since both are
// SQLite and both want multi-process-safe defaults.
func OpenStore(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("remoteserver: open: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("remoteserver: wal: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("remoteserver: busy_timeout: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS remote_rows (
	table_name TEXT NOT NULL,
	id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	fields TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (table_name, id)
);
CREATE INDEX IF NOT EXISTS idx_remote_rows_cursor ON remote_rows(table_name, owner_id, updated_at, id);
`
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("remoteserver: migrate: %w", err)
	}
	return &Store{conn: conn}, nil
}

func (s *Store) Close() error { return s.conn.Close() }

// Row is one materialized resource row as the wire profile exposes it.
type Row struct {
	ID        string
	UpdatedAt string
	Deleted   bool
	Fields    map[string]any
}

// Select returns rows for table owned by ownerID with updated_at (or the
// same updated_at and a larger id) strictly after the cursor, ordered by
// (updated_at, id) per spec §6's `ORDER BY updated_at, id`.
func (s *Store) Select(table, ownerID, afterUpdatedAt, afterID string, limit int) ([]Row, error) {
	rows, err := s.conn.Query(`
		SELECT id, owner_id, fields, deleted, updated_at FROM remote_rows
		WHERE table_name = ? AND owner_id = ?
		AND (updated_at > ? OR (updated_at = ? AND id > ?))
		ORDER BY updated_at, id
		LIMIT ?`,
		table, ownerID, afterUpdatedAt, afterUpdatedAt, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("remoteserver: select: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var owner, fieldsJSON string
		var deletedInt int
		if err := rows.Scan(&r.ID, &owner, &fieldsJSON, &deletedInt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("remoteserver: scan row: %w", err)
		}
		r.Deleted = deletedInt != 0
		if err := json.Unmarshal([]byte(fieldsJSON), &r.Fields); err != nil {
			return nil, fmt.Errorf("remoteserver: decode fields: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HasAnyRow reports whether ownerID already has any (non-deleted or
// deleted, it doesn't matter which) row in table, independent of id. A
// singleton table insert consults this first: two devices generating
// different client-side ids for "the same" singleton row is the
// realistic case spec §8's duplicate-create scenario reconciles, and a
// PK collision alone can never detect that since the ids differ.
func (s *Store) HasAnyRow(table, ownerID string) (bool, error) {
	var exists int
	err := s.conn.QueryRow(`SELECT EXISTS(SELECT 1 FROM remote_rows WHERE table_name = ? AND owner_id = ?)`,
		table, ownerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("remoteserver: has any row: %w", err)
	}
	return exists != 0, nil
}

// Insert creates a new row, generalizing `INSERT ... RETURNING id`.
func (s *Store) Insert(table, ownerID, id string, fields map[string]any) (Row, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	buf, err := json.Marshal(fields)
	if err != nil {
		return Row{}, fmt.Errorf("remoteserver: encode fields: %w", err)
	}
	_, err = s.conn.Exec(`
		INSERT INTO remote_rows (table_name, id, owner_id, fields, deleted, updated_at)
		VALUES (?, ?, ?, ?, 0, ?)`, table, id, ownerID, string(buf), now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return Row{}, ErrDuplicateKey
		}
		return Row{}, fmt.Errorf("remoteserver: insert: %w", err)
	}
	return Row{ID: id, UpdatedAt: now, Fields: fields}, nil
}

// incrementEnvelopeKey is the reserved patch field the engine's
// remoteclient.Increment wraps delta values in, so this reference
// server's generic merge-patch Update can tell "set this field to X"
// apart from "add X to whatever this field already holds" (spec §3's
// increment op type, distinct from set).
const incrementEnvelopeKey = "__increments__"

// Update merges fields into the existing row for (table, id) owned by
// ownerID, generalizing `UPDATE ... WHERE id = :id RETURNING id`. It
// returns affected=0 when no row matched the (id, owner) pair — the
// caller treats this as an authorization rejection per spec §6.
// increments holds field->delta pairs applied additively against the
// row's current value (or 0 if absent/non-numeric) after patch has been
// merged in, implementing the increment op type's wire semantics.
func (s *Store) Update(table, ownerID, id string, patch map[string]any, deleted *bool, increments map[string]float64) (affected int, updatedAt string, err error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return 0, "", fmt.Errorf("remoteserver: begin: %w", err)
	}
	defer tx.Rollback()

	var existingJSON string
	var existingDeleted int
	err = tx.QueryRow(`SELECT fields, deleted FROM remote_rows WHERE table_name = ? AND id = ? AND owner_id = ?`,
		table, id, ownerID).Scan(&existingJSON, &existingDeleted)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("remoteserver: lookup: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(existingJSON), &fields); err != nil {
		return 0, "", fmt.Errorf("remoteserver: decode existing: %w", err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	for k, v := range patch {
		fields[k] = v
	}
	for field, delta := range increments {
		current := 0.0
		if v, ok := fields[field]; ok {
			switch n := v.(type) {
			case float64:
				current = n
			case int64:
				current = float64(n)
			}
		}
		fields[field] = current + delta
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	buf, err := json.Marshal(fields)
	if err != nil {
		return 0, "", fmt.Errorf("remoteserver: encode fields: %w", err)
	}

	delInt := existingDeleted
	if deleted != nil {
		if *deleted {
			delInt = 1
		} else {
			delInt = 0
		}
	}

	res, err := tx.Exec(`UPDATE remote_rows SET fields = ?, deleted = ?, updated_at = ? WHERE table_name = ? AND id = ? AND owner_id = ?`,
		string(buf), delInt, now, table, id, ownerID)
	if err != nil {
		return 0, "", fmt.Errorf("remoteserver: update: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, "", fmt.Errorf("remoteserver: commit: %w", err)
	}
	return int(n), now, nil
}
