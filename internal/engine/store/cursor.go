package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/reconcile/internal/engine/model"
)

func (s *Store) ensureStateRow() error {
	_, err := s.conn.Exec(`INSERT OR IGNORE INTO sync_state (id) VALUES (1)`)
	return err
}

// Cursor returns the last pull cursor, generalizing the teacher's
// sync_state.last_pulled_server_seq into the (updated_at, id) pair the
// remote wire profile's ordering requires (spec §6).
func (s *Store) Cursor() (model.Cursor, error) {
	var c model.Cursor
	err := s.conn.QueryRow(`SELECT last_pulled_cursor_updated_at, last_pulled_cursor_id FROM sync_state WHERE id = 1`).
		Scan(&c.UpdatedAt, &c.ID)
	if err == sql.ErrNoRows {
		return model.Cursor{}, nil
	}
	if err != nil {
		return model.Cursor{}, fmt.Errorf("store: cursor: %w", err)
	}
	return c, nil
}

// AdvanceCursor persists the pull cursor after a successful apply batch.
func (s *Store) AdvanceCursor(c model.Cursor) error {
	if err := s.ensureStateRow(); err != nil {
		return fmt.Errorf("store: ensure state row: %w", err)
	}
	_, err := s.conn.Exec(`
		UPDATE sync_state SET last_pulled_cursor_updated_at = ?, last_pulled_cursor_id = ?, last_pulled_at = ?
		WHERE id = 1`, c.UpdatedAt, c.ID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: advance cursor: %w", err)
	}
	return nil
}

// MarkPushed records the time of the most recent successful push.
func (s *Store) MarkPushed() error {
	if err := s.ensureStateRow(); err != nil {
		return err
	}
	_, err := s.conn.Exec(`UPDATE sync_state SET last_pushed_at = ? WHERE id = 1`, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// DeviceID returns the persisted device identifier, generating and storing
// a new one on first use (teacher's GenerateDeviceID, reimplemented over
// google/uuid instead of crypto/rand+hex since uuid is already pulled in
// by the rest of the pack for identifier generation).
func (s *Store) DeviceID(generate func() string) (string, error) {
	if err := s.ensureStateRow(); err != nil {
		return "", err
	}
	var id string
	err := s.conn.QueryRow(`SELECT device_id FROM sync_state WHERE id = 1`).Scan(&id)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("store: device id: %w", err)
	}
	if id != "" {
		return id, nil
	}
	id = generate()
	if _, err := s.conn.Exec(`UPDATE sync_state SET device_id = ? WHERE id = 1`, id); err != nil {
		return "", fmt.Errorf("store: persist device id: %w", err)
	}
	return id, nil
}

// RecordConflict appends a resolved conflict to the local conflict feed
// (spec §4.I), mirroring db.GetRecentConflicts' backing table.
func (s *Store) RecordConflict(c model.ConflictRecord) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.conn.Exec(`
		INSERT INTO sync_conflicts (id, table_name, record_id, field, local_value, remote_value, winner, strategy, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Table, c.RecordID, c.Field, toText(c.LocalValue), toText(c.RemoteValue), c.Winner, string(c.Strategy),
		c.DetectedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: record conflict: %w", err)
	}
	return nil
}

func toText(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// RecentConflicts returns the most recently detected conflicts, newest
// first, capped at limit.
func (s *Store) RecentConflicts(limit int) ([]model.ConflictRecord, error) {
	rows, err := s.conn.Query(`
		SELECT id, table_name, record_id, field, local_value, remote_value, winner, strategy, detected_at
		FROM sync_conflicts ORDER BY detected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent conflicts: %w", err)
	}
	defer rows.Close()

	var out []model.ConflictRecord
	for rows.Next() {
		var c model.ConflictRecord
		var strategy, detected string
		if err := rows.Scan(&c.ID, &c.Table, &c.RecordID, &c.Field, &c.LocalValue, &c.RemoteValue, &c.Winner, &strategy, &detected); err != nil {
			return nil, fmt.Errorf("store: scan conflict: %w", err)
		}
		c.Strategy = model.ResolutionStrategy(strategy)
		if t, err := time.Parse(time.RFC3339Nano, detected); err == nil {
			c.DetectedAt = t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneConflicts drops conflict-history rows older than maxAge (spec §3:
// conflict history "retained up to 30 days"), called from the
// supervisor's periodic tick alongside the other TTL sweeps.
func (s *Store) PruneConflicts(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339Nano)
	res, err := s.conn.Exec(`DELETE FROM sync_conflicts WHERE detected_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune conflicts: %w", err)
	}
	return res.RowsAffected()
}

// PruneHistory caps the sync-history log at keep rows, dropping the
// oldest beyond that, the same bound the teacher's PruneSyncHistory
// applies to its own append-only log.
func (s *Store) PruneHistory(keep int) error {
	_, err := s.conn.Exec(`
		DELETE FROM sync_history WHERE id NOT IN (
			SELECT id FROM sync_history ORDER BY id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return fmt.Errorf("store: prune history: %w", err)
	}
	return nil
}

// PruneTombstones hard-removes soft-deleted rows whose tombstone is older
// than maxAge (spec glossary: a tombstone is "retained past its logical
// deletion for convergence, hard-removed after the TTL").
func (s *Store) PruneTombstones(table string, maxAge time.Duration) (int64, error) {
	if !validColumnName.MatchString(table) {
		return 0, fmt.Errorf("store: invalid table name %q", table)
	}
	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339Nano)
	res, err := s.conn.Exec(
		fmt.Sprintf("DELETE FROM %s WHERE deleted_at IS NOT NULL AND deleted_at < ?", table), cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune tombstones %s: %w", table, err)
	}
	return res.RowsAffected()
}

// RecordHistory appends one sync cycle's outcome, mirroring the teacher's
// sync_history table (internal/db/sync_history.go).
func (s *Store) RecordHistory(direction string, count int, ok bool, detail string) error {
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := s.conn.Exec(`
		INSERT INTO sync_history (occurred_at, direction, count, ok, detail) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), direction, count, okInt, detail)
	if err != nil {
		return fmt.Errorf("store: record history: %w", err)
	}
	return nil
}
