// Package store is the local structured store the engine reconciles
// against the remote service: a SQLite database holding both the current
// materialized rows for each syncable table and the durable outbox of
// queued operations. It is opened with the same multi-process-safe
// pragmas the teacher's internal/db package uses, via the same pure-Go
// driver, since nothing else in the retrieval pack offers a SQLite driver
// and a cgo-free driver is the right choice for a library embedded in
// other people's CLIs and servers.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the local SQLite connection used for both materialized rows
// and the outbox.
//
// recentWrites is the process-local "recently modified" cache spec §4.D
// step 2 and §5 describe: a write enqueued through this store marks its
// (table, id) pair so the pull pipeline can skip reprocessing a row still
// in flight, swept on the same periodic tick that drives everything else
// (spec: "process-local LRU-ish caches with explicit TTL sweeps each
// periodic tick").
type Store struct {
	conn *sql.DB

	recentMu     sync.Mutex
	recentWrites map[string]time.Time
}

// Open opens (creating if necessary) the local store at path and applies
// the schema and pending migrations. A database that fails to open or
// migrate is deleted and rebuilt from scratch rather than surfaced as a
// hard error — the data recovers on the next pull (spec §7's local-store
// error handling), the same recover-by-rehydrating posture the teacher
// takes toward a missing database.
func Open(path string) (*Store, error) {
	s, err := open(path)
	if err == nil {
		return s, nil
	}
	if path == ":memory:" {
		return nil, err
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		os.Remove(path + suffix)
	}
	s, rerr := open(path)
	if rerr != nil {
		return nil, fmt.Errorf("store: rebuild after open failure (%v): %w", err, rerr)
	}
	return s, nil
}

func open(path string) (*Store, error) {
	conn, err := openConn(path)
	if err != nil {
		return nil, err
	}
	s := &Store{conn: conn, recentWrites: make(map[string]time.Time)}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func openConn(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// A single connection serializes all writers through database/sql's
	// pool, matching SQLite's actual single-writer model and avoiding
	// WAL/SHM corruption from concurrent pooled connections.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: enable foreign_keys: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	return conn, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sync_outbox (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	table_name TEXT NOT NULL,
	record_id TEXT NOT NULL,
	op_type TEXT NOT NULL,
	fields TEXT,
	prior_fields TEXT,
	queued_at TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	server_seq INTEGER,
	last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_outbox_queued_at ON sync_outbox(queued_at);

CREATE TABLE IF NOT EXISTS sync_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_pulled_cursor_updated_at TEXT NOT NULL DEFAULT '',
	last_pulled_cursor_id TEXT NOT NULL DEFAULT '',
	last_pushed_at TEXT,
	last_pulled_at TEXT,
	device_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
	id TEXT PRIMARY KEY,
	table_name TEXT NOT NULL,
	record_id TEXT NOT NULL,
	field TEXT NOT NULL,
	local_value TEXT,
	remote_value TEXT,
	winner TEXT NOT NULL,
	strategy TEXT NOT NULL,
	detected_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	occurred_at TEXT NOT NULL,
	direction TEXT NOT NULL,
	count INTEGER NOT NULL,
	ok INTEGER NOT NULL,
	detail TEXT
);

CREATE TABLE IF NOT EXISTS sync_lock (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	holder TEXT NOT NULL,
	acquired_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_info (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	shape_hash TEXT NOT NULL
);
`

func (s *Store) migrate() error {
	_, err := s.conn.Exec(schema)
	return err
}

// EnsureShape compares the declared store shape's hash against the one
// recorded at last open. On first open the hash is simply recorded. On a
// mismatch the declared shape changed underneath the store: every data
// table in tables is cleared and the pull cursor reset so the next sync
// rehydrates from remote (spec §4.A: "a mismatch between declared and
// actual stores after open triggers a rebuild"). The outbox survives —
// queued intent predates the shape change and still needs to push.
// Returns whether a rebuild happened.
func (s *Store) EnsureShape(hash uint64, tables []string) (bool, error) {
	want := strconv.FormatUint(hash, 16)

	var got string
	err := s.conn.QueryRow(`SELECT shape_hash FROM schema_info WHERE id = 1`).Scan(&got)
	if err == sql.ErrNoRows {
		_, err = s.conn.Exec(`INSERT INTO schema_info (id, shape_hash) VALUES (1, ?)`, want)
		if err != nil {
			return false, fmt.Errorf("store: record shape hash: %w", err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: read shape hash: %w", err)
	}
	if got == want {
		return false, nil
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return false, fmt.Errorf("store: shape rebuild begin: %w", err)
	}
	defer tx.Rollback()
	for _, t := range tables {
		if !validColumnName.MatchString(t) {
			return false, fmt.Errorf("store: invalid table name %q", t)
		}
		if _, err := tx.Exec("DELETE FROM " + t); err != nil {
			return false, fmt.Errorf("store: shape rebuild clear %s: %w", t, err)
		}
	}
	if _, err := tx.Exec(`UPDATE sync_state SET last_pulled_cursor_updated_at = '', last_pulled_cursor_id = '' WHERE id = 1`); err != nil {
		return false, fmt.Errorf("store: shape rebuild reset cursor: %w", err)
	}
	if _, err := tx.Exec(`UPDATE schema_info SET shape_hash = ? WHERE id = 1`, want); err != nil {
		return false, fmt.Errorf("store: shape rebuild record hash: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: shape rebuild commit: %w", err)
	}
	return true, nil
}

// Conn exposes the underlying *sql.DB for table-specific stores built on
// top of this package (spec §4.A's materialized rows live in
// caller-defined tables registered with the schema registry, not here).
func (s *Store) Conn() *sql.DB { return s.conn }

// Close flushes the WAL and closes the connection.
func (s *Store) Close() error {
	s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.conn.Close()
}

func recentKey(table, id string) string { return table + ":" + id }

// MarkLocalWrite records that (table, id) was just written locally, so
// the pull pipeline's recently-modified check (spec §4.D step 2) can
// protect it from being clobbered by a remote row that is already in
// flight to the server.
func (s *Store) MarkLocalWrite(table, id string) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	if s.recentWrites == nil {
		s.recentWrites = make(map[string]time.Time)
	}
	s.recentWrites[recentKey(table, id)] = time.Now()
}

// RecentlyWritten reports whether (table, id) was locally written within
// ttl.
func (s *Store) RecentlyWritten(table, id string, ttl time.Duration) bool {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	t, ok := s.recentWrites[recentKey(table, id)]
	return ok && time.Since(t) < ttl
}

// SweepRecentWrites drops entries older than ttl, called from the
// supervisor's periodic tick to bound the cache's size.
func (s *Store) SweepRecentWrites(ttl time.Duration) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	now := time.Now()
	for k, t := range s.recentWrites {
		if now.Sub(t) > ttl {
			delete(s.recentWrites, k)
		}
	}
}
