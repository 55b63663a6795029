package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/marcus/reconcile/internal/engine/model"
)

var validColumnName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// systemColumns are the engine-owned columns every materialized table
// carries regardless of its declared payload columns.
var systemColumns = map[string]bool{
	"id": true, "created_at": true, "updated_at": true,
	"deleted_at": true, "version": true, "device_id": true,
}

// EnsureTable creates the materialized data table for one declared
// syncable table if it doesn't already exist: the engine-owned system
// columns, the declared payload columns (untyped, so SQLite stores each
// value as written), and the owner column for direct-owned tables, plus
// the secondary indexes the pull pipeline and tombstone sweep scan on.
// Pre-existing tables — including ones the host created with its own
// column types — are left untouched.
func (s *Store) EnsureTable(name string, columns []string, ownerColumn string) error {
	if !validColumnName.MatchString(name) {
		return fmt.Errorf("store: invalid table name %q", name)
	}

	defs := []string{"id TEXT PRIMARY KEY"}
	if ownerColumn != "" {
		if !validColumnName.MatchString(ownerColumn) {
			return fmt.Errorf("store: invalid owner column %q", ownerColumn)
		}
		defs = append(defs, ownerColumn+" TEXT")
	}
	for _, c := range columns {
		if systemColumns[c] || c == ownerColumn {
			continue
		}
		if !validColumnName.MatchString(c) {
			return fmt.Errorf("store: invalid column name %q", c)
		}
		defs = append(defs, c)
	}
	defs = append(defs, "created_at TEXT", "updated_at TEXT", "deleted_at TEXT", "version INTEGER", "device_id TEXT")

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", name, strings.Join(defs, ", ")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_updated_at ON %s(updated_at)", name, name),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_deleted_at ON %s(deleted_at)", name, name),
	}
	if ownerColumn != "" {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)", name, ownerColumn, name, ownerColumn))
	}
	for _, stmt := range stmts {
		if _, err := s.conn.Exec(stmt); err != nil {
			return fmt.Errorf("store: ensure table %s: %w", name, err)
		}
	}
	return nil
}

// GetRecord reads the current materialized row for a table/id, returning
// (nil, nil) if no row exists. Generalizes the row-capture half of the
// teacher's upsertEntityWithMode (the "check existing row" branch in
// internal/sync/events.go) into a standalone read.
func (s *Store) GetRecord(table, id string) (*model.Record, error) {
	return getRecordTx(s.conn, table, id)
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func getRecordTx(q querier, table, id string) (*model.Record, error) {
	if !validColumnName.MatchString(table) {
		return nil, fmt.Errorf("store: invalid table name %q", table)
	}
	rows, err := q.Query(fmt.Sprintf("SELECT * FROM %s WHERE id = ?", table), id)
	if err != nil {
		return nil, fmt.Errorf("store: get record: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("store: get record columns: %w", err)
	}
	if !rows.Next() {
		return nil, nil
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("store: scan record: %w", err)
	}

	rec := &model.Record{Table: table, ID: id, Fields: make(map[string]any, len(cols))}
	for i, c := range cols {
		switch c {
		case "id":
			// already set
		case "created_at":
			rec.CreatedAt = asTime(vals[i])
		case "updated_at":
			rec.UpdatedAt = asTime(vals[i])
		case "deleted_at":
			rec.Deleted = vals[i] != nil
		case "version":
			rec.Version = asInt64(vals[i])
		case "device_id":
			if s, ok := vals[i].(string); ok {
				rec.DeviceID = s
			}
		default:
			rec.Fields[c] = vals[i]
		}
	}
	return rec, nil
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// Upsert inserts or replaces a row's known columns from fields, dropping
// any field the table doesn't have (forward-compatibility with a remote
// schema ahead of the local one), the same tolerance as the teacher's
// upsertEntityWithMode.
func (s *Store) Upsert(table, id string, fields map[string]any) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("store: upsert begin: %w", err)
	}
	defer tx.Rollback()

	if err := upsertTx(tx, table, id, fields); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertTx(tx *sql.Tx, table, id string, fields map[string]any) error {
	if !validColumnName.MatchString(table) {
		return fmt.Errorf("store: invalid table name %q", table)
	}
	cols, err := tableColumns(tx, table)
	if err != nil {
		return fmt.Errorf("store: upsert get columns: %w", err)
	}

	merged := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		if !cols[k] || !validColumnName.MatchString(k) {
			continue
		}
		merged[k] = normalizeForDB(v)
	}
	merged["id"] = id

	colList, placeholders, vals := buildInsert(merged)
	q := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)", table, colList, placeholders)
	if _, err := tx.Exec(q, vals...); err != nil {
		return fmt.Errorf("store: upsert %s/%s: %w", table, id, err)
	}
	return nil
}

// ApplyPartial updates only the given fields on an existing row, returning
// rows affected. A zero result with no error means the row doesn't exist
// locally and the caller should fall back to Upsert (spec §4.F partial
// update, grounded on applyPartialUpdate).
func (s *Store) ApplyPartial(table, id string, fields map[string]any) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	tx, err := s.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: partial begin: %w", err)
	}
	defer tx.Rollback()

	n, err := applyPartialTx(tx, table, id, fields)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: partial commit: %w", err)
	}
	return n, nil
}

func applyPartialTx(tx *sql.Tx, table, id string, fields map[string]any) (int64, error) {
	if !validColumnName.MatchString(table) {
		return 0, fmt.Errorf("store: invalid table name %q", table)
	}
	cols, err := tableColumns(tx, table)
	if err != nil {
		return 0, fmt.Errorf("store: partial get columns: %w", err)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "id" || !cols[k] || !validColumnName.MatchString(k) {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	sort.Strings(keys)

	setClauses := make([]string, len(keys))
	vals := make([]any, len(keys)+1)
	for i, k := range keys {
		setClauses[i] = fmt.Sprintf("%s = ?", k)
		vals[i] = normalizeForDB(fields[k])
	}
	vals[len(keys)] = id

	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(setClauses, ", "))
	res, err := tx.Exec(q, vals...)
	if err != nil {
		return 0, fmt.Errorf("store: partial %s/%s: %w", table, id, err)
	}
	return res.RowsAffected()
}

// Delete hard-deletes a row.
func (s *Store) Delete(table, id string) error {
	if !validColumnName.MatchString(table) {
		return fmt.Errorf("store: invalid table name %q", table)
	}
	_, err := s.conn.Exec(fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
	if err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", table, id, err)
	}
	return nil
}

// SoftDelete sets deleted_at on a row for soft-delete tables, advancing
// updated_at alongside so the tombstone isn't misread as stale by the
// pull pipeline's clock comparison.
func (s *Store) SoftDelete(table, id string, at time.Time) error {
	if !validColumnName.MatchString(table) {
		return fmt.Errorf("store: invalid table name %q", table)
	}
	_, err := s.conn.Exec(fmt.Sprintf("UPDATE %s SET deleted_at = ?, updated_at = ? WHERE id = ?", table),
		at.UTC().Format(time.RFC3339Nano), at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("store: soft delete %s/%s: %w", table, id, err)
	}
	return nil
}

// Restore clears deleted_at on a row.
func (s *Store) Restore(table, id string, at time.Time) error {
	if !validColumnName.MatchString(table) {
		return fmt.Errorf("store: invalid table name %q", table)
	}
	_, err := s.conn.Exec(fmt.Sprintf("UPDATE %s SET deleted_at = NULL, updated_at = ? WHERE id = ?", table), at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("store: restore %s/%s: %w", table, id, err)
	}
	return nil
}

// RekeyRecord replaces a local row's id with the remote-assigned id after
// singleton reconciliation (spec §4.C/§8 scenario 3): "engine rewrites
// local id to remote's id". No-op if oldID no longer exists locally.
func (s *Store) RekeyRecord(table, oldID, newID string) error {
	if !validColumnName.MatchString(table) {
		return fmt.Errorf("store: invalid table name %q", table)
	}
	_, err := s.conn.Exec(fmt.Sprintf("UPDATE %s SET id = ? WHERE id = ?", table), newID, oldID)
	if err != nil {
		return fmt.Errorf("store: rekey %s/%s->%s: %w", table, oldID, newID, err)
	}
	return nil
}

func tableColumns(tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func buildInsert(fields map[string]any) (cols, placeholders string, vals []any) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ph := make([]string, len(keys))
	vals = make([]any, len(keys))
	for i, k := range keys {
		ph[i] = "?"
		vals[i] = fields[k]
	}
	return strings.Join(keys, ", "), strings.Join(ph, ", "), vals
}

// normalizeForDB converts non-scalar values to JSON text, the same
// flattening the teacher's normalizeFieldsForDB applies so SQLite's typed
// columns can hold them.
func normalizeForDB(v any) any {
	switch val := v.(type) {
	case []any, map[string]any:
		data, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return string(data)
	case json.RawMessage:
		return string(val)
	default:
		return v
	}
}
