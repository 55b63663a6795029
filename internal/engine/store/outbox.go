package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/reconcile/internal/engine/model"
)

// Enqueue durably records an operation in the outbox, generalizing the
// teacher's action_log insert that GetPendingEvents later reads back
// (internal/sync/client.go). Unlike the teacher's implicit action_log
// (populated by every mutating command as a side effect), this store
// exposes Enqueue directly since the host application's mutation path is
// outside this module.
func (s *Store) Enqueue(op *model.Operation) error {
	fieldsJSON, err := marshalOrNil(op.Fields)
	if err != nil {
		return fmt.Errorf("store: marshal fields: %w", err)
	}
	priorJSON, err := marshalOrNil(op.PriorFields)
	if err != nil {
		return fmt.Errorf("store: marshal prior fields: %w", err)
	}
	_, err = s.conn.Exec(`
		INSERT INTO sync_outbox
			(id, device_id, session_id, table_name, record_id, op_type, fields, prior_fields, queued_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		op.ID, op.DeviceID, op.SessionID, op.Table, op.RecordID, string(op.Type),
		fieldsJSON, priorJSON, op.QueuedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: enqueue: %w", err)
	}
	s.MarkLocalWrite(op.Table, op.RecordID)
	return nil
}

func marshalOrNil(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// PendingOps returns queued outbox operations in FIFO order, capped at
// limit, the same ordering contract as the teacher's GetPendingEvents
// (ORDER BY rowid ASC).
func (s *Store) PendingOps(limit int) ([]*model.Operation, error) {
	rows, err := s.conn.Query(`
		SELECT id, device_id, session_id, table_name, record_id, op_type, fields, prior_fields, queued_at, attempts, server_seq
		FROM sync_outbox
		ORDER BY queued_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: pending ops: %w", err)
	}
	defer rows.Close()

	var ops []*model.Operation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOp(r scanner) (*model.Operation, error) {
	var (
		op                   model.Operation
		opType               string
		fieldsStr, priorStr  sql.NullString
		queuedAt             string
		serverSeq            sql.NullInt64
	)
	if err := r.Scan(&op.ID, &op.DeviceID, &op.SessionID, &op.Table, &op.RecordID, &opType,
		&fieldsStr, &priorStr, &queuedAt, &op.Attempts, &serverSeq); err != nil {
		return nil, fmt.Errorf("store: scan op: %w", err)
	}
	op.Type = model.OpType(opType)
	if fieldsStr.Valid && fieldsStr.String != "" {
		if err := json.Unmarshal([]byte(fieldsStr.String), &op.Fields); err != nil {
			return nil, fmt.Errorf("store: unmarshal fields: %w", err)
		}
	}
	if priorStr.Valid && priorStr.String != "" {
		if err := json.Unmarshal([]byte(priorStr.String), &op.PriorFields); err != nil {
			return nil, fmt.Errorf("store: unmarshal prior fields: %w", err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, queuedAt); err == nil {
		op.QueuedAt = t
	}
	if serverSeq.Valid {
		op.ServerSeq = serverSeq.Int64
	}
	return &op, nil
}

// MarkAcked removes a confirmed operation from the outbox, mirroring
// MarkEventsSynced. serverSeq is accepted but not stored anywhere.
func (s *Store) MarkAcked(opID string, serverSeq int64) error {
	_, err := s.conn.Exec(`DELETE FROM sync_outbox WHERE id = ?`, opID)
	if err != nil {
		return fmt.Errorf("store: mark acked: %w", err)
	}
	_ = serverSeq // not persisted; the pull cursor is (updated_at, id)
	return nil
}

// MarkFailed increments the attempt counter and records the last error for
// an operation that failed to push, so the push pipeline can decide when
// it crosses from transient to permanent (spec §4.E).
func (s *Store) MarkFailed(opID string, errMsg string) error {
	_, err := s.conn.Exec(`UPDATE sync_outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`, errMsg, opID)
	if err != nil {
		return fmt.Errorf("store: mark failed: %w", err)
	}
	return nil
}

// Remove deletes an operation from the outbox without recording a server
// sequence, used when an item is dropped as permanently failed.
func (s *Store) Remove(opID string) error {
	_, err := s.conn.Exec(`DELETE FROM sync_outbox WHERE id = ?`, opID)
	if err != nil {
		return fmt.Errorf("store: remove: %w", err)
	}
	return nil
}

// OpsForRecord returns every queued operation for a single entity, in
// FIFO order, for the pull pipeline's pending-operations check (spec
// §4.D steps 5-6) and the conflict resolver's per-field pending lookup.
func (s *Store) OpsForRecord(table, recordID string) ([]*model.Operation, error) {
	rows, err := s.conn.Query(`
		SELECT id, device_id, session_id, table_name, record_id, op_type, fields, prior_fields, queued_at, attempts, server_seq
		FROM sync_outbox
		WHERE table_name = ? AND record_id = ?
		ORDER BY queued_at ASC`, table, recordID)
	if err != nil {
		return nil, fmt.Errorf("store: ops for record: %w", err)
	}
	defer rows.Close()

	var ops []*model.Operation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Coalesce collapses adjacent mergeable operations for the same entity
// before a push cycle (spec §4.B): adjacent same-field increments sum
// their deltas, adjacent sets on the same entity keep the newest
// per-field value under the oldest seq/timestamp, and create/delete
// never coalesce with anything. "Adjacent" means next to each other in
// the outbox's queued order as PendingOps reads it back (the teacher's
// insertion-ordered action_log): an operation on another entity queued
// in between keeps two operations apart.
func (s *Store) Coalesce() error {
	ops, err := s.PendingOps(1 << 20)
	if err != nil {
		return fmt.Errorf("store: coalesce load: %w", err)
	}
	if len(ops) < 2 {
		return nil
	}

	kept := make([]*model.Operation, 0, len(ops))
	var toDelete []string
	changed := make(map[string]bool)

	for _, op := range ops {
		if len(kept) > 0 {
			prev := kept[len(kept)-1]
			if prev.Table == op.Table && prev.RecordID == op.RecordID && mergeInto(prev, op) {
				toDelete = append(toDelete, op.ID)
				changed[prev.ID] = true
				continue
			}
		}
		kept = append(kept, op)
	}
	if len(toDelete) == 0 {
		return nil
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("store: coalesce begin: %w", err)
	}
	defer tx.Rollback()

	for _, op := range kept {
		if !changed[op.ID] {
			continue
		}
		fieldsJSON, err := marshalOrNil(op.Fields)
		if err != nil {
			return fmt.Errorf("store: coalesce marshal: %w", err)
		}
		if _, err := tx.Exec(`UPDATE sync_outbox SET fields = ? WHERE id = ?`, fieldsJSON, op.ID); err != nil {
			return fmt.Errorf("store: coalesce update: %w", err)
		}
	}
	for _, id := range toDelete {
		if _, err := tx.Exec(`DELETE FROM sync_outbox WHERE id = ?`, id); err != nil {
			return fmt.Errorf("store: coalesce delete: %w", err)
		}
	}
	return tx.Commit()
}

// mergeInto attempts to fold next into prev in place, returning whether
// the merge applied. create and delete ops never merge with anything, so
// intent is never lost (spec §4.B).
func mergeInto(prev, next *model.Operation) bool {
	if prev.Type == model.OpCreate || prev.Type == model.OpDelete ||
		next.Type == model.OpCreate || next.Type == model.OpDelete {
		return false
	}
	if prev.Type == model.OpIncrement && next.Type == model.OpIncrement {
		return mergeIncrements(prev, next)
	}
	if prev.Type == model.OpSet && next.Type == model.OpSet {
		mergeSets(prev, next)
		return true
	}
	return false
}

// mergeIncrements sums deltas for fields both operations increment and
// keeps next's delta for any field only it touches, folding next into
// prev. Returns false (no merge) if the two increments don't share at
// least one field, since an increment on an unrelated field is really an
// independent operation riding the same op type.
func mergeIncrements(prev, next *model.Operation) bool {
	shared := false
	for f := range next.Fields {
		if _, ok := prev.Fields[f]; ok {
			shared = true
			break
		}
	}
	if !shared {
		return false
	}
	if prev.Fields == nil {
		prev.Fields = make(map[string]any)
	}
	for f, v := range next.Fields {
		nf, nok := asFloat(v)
		if !nok {
			prev.Fields[f] = v
			continue
		}
		if pf, pok := asFloat(prev.Fields[f]); pok {
			prev.Fields[f] = pf + nf
		} else {
			prev.Fields[f] = nf
		}
	}
	return true
}

// mergeSets folds next's fields onto prev, newer value winning per field,
// while prev keeps its own seq/timestamp for backoff accounting (spec
// §4.B: "keep oldest seq/timestamp for backoff accounting").
func mergeSets(prev, next *model.Operation) {
	if prev.Fields == nil {
		prev.Fields = make(map[string]any)
	}
	for f, v := range next.Fields {
		prev.Fields[f] = v
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// PurgeOpsForRecord deletes every queued operation bound to a stale local
// id, used after singleton id reconciliation (spec §4.C/§8 scenario 3:
// "purges queued ops for the stale id").
func (s *Store) PurgeOpsForRecord(table, recordID string) error {
	_, err := s.conn.Exec(`DELETE FROM sync_outbox WHERE table_name = ? AND record_id = ?`, table, recordID)
	if err != nil {
		return fmt.Errorf("store: purge ops for record: %w", err)
	}
	return nil
}

// PendingCount returns the number of operations still queued, used by the
// snapshot-bootstrap decision (spec §4.F: snapshot only when the outbox is
// empty) and the status observable's queue depth.
func (s *Store) PendingCount() (int, error) {
	var n int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM sync_outbox`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: pending count: %w", err)
	}
	return n, nil
}
