package crdtdoc

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PersistInterval is the default snapshot cadence (spec: "periodic (order
// 30 s) rather than per keystroke").
const PersistInterval = 30 * time.Second

// Sender ships one outgoing document update over the broadcast
// transport. The engine wires this to the remote client's doc-update
// publish, which rides the same change feed the realtime subscriber
// consumes; nil leaves documents local-only (snapshot persistence still
// runs).
type Sender func(ctx context.Context, docID, origin string, update []byte) error

// Manager owns the lifecycle of open documents: snapshot persistence
// cadence, the pending-update spool, and the broadcast path in both
// directions — Broadcast ships locally-produced diffs out, ApplyIncoming
// applies peer updates with echo suppression (mirroring realtime's echo
// suppression per spec §4.I: "echo suppression mirrors §4.E").
type Manager struct {
	conn   *sql.DB
	logger *slog.Logger

	// Sender, if set, carries outgoing document updates to the owner's
	// other devices.
	Sender Sender

	mu   sync.Mutex
	open map[string]*handle
}

type handle struct {
	doc      Document
	pageID   string
	owner    string
	deviceID string
	state    State
	recent   map[string]time.Time

	// sentVector is the document's state vector as of the last
	// successful Broadcast: what the owner's other devices are known to
	// hold of this device's edits. Nil until the first broadcast, which
	// therefore ships the full state.
	sentVector []byte
}

// NewManager wires the manager to a *sql.DB that already has the crdt
// snapshot/spool tables (see Migrate).
func NewManager(conn *sql.DB, logger *slog.Logger) *Manager {
	return &Manager{conn: conn, logger: logger, open: make(map[string]*handle)}
}

// Migrate creates the snapshot and pending-update tables.
func (m *Manager) Migrate() error {
	_, err := m.conn.Exec(`
CREATE TABLE IF NOT EXISTS crdt_snapshots (
	doc_id TEXT NOT NULL,
	page_id TEXT NOT NULL,
	owner TEXT NOT NULL,
	state BLOB NOT NULL,
	state_vector BLOB NOT NULL,
	size INTEGER NOT NULL,
	device_id TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (page_id, owner)
);

CREATE TABLE IF NOT EXISTS crdt_pending_updates (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	doc_id TEXT NOT NULL,
	update_bytes BLOB NOT NULL,
	applied_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_crdt_pending_doc ON crdt_pending_updates(doc_id);
`)
	if err != nil {
		return fmt.Errorf("crdtdoc: migrate: %w", err)
	}
	return nil
}

// Open registers a document for lifecycle management, transitioning
// open -> hydrating -> live by replaying any spooled updates since the
// last snapshot.
func (m *Manager) Open(docID, pageID, owner, deviceID string, doc Document) error {
	m.mu.Lock()
	m.open[docID] = &handle{doc: doc, pageID: pageID, owner: owner, deviceID: deviceID, state: StateOpen, recent: make(map[string]time.Time)}
	m.mu.Unlock()

	h := m.get(docID)
	h.state = StateHydrating

	snap, err := m.loadSnapshot(pageID, owner)
	if err != nil {
		return fmt.Errorf("crdtdoc: load snapshot: %w", err)
	}
	if snap != nil {
		if err := doc.ApplyUpdate(snap.State); err != nil {
			return fmt.Errorf("crdtdoc: apply snapshot: %w", err)
		}
	}

	pending, err := m.loadPending(docID)
	if err != nil {
		return fmt.Errorf("crdtdoc: load pending: %w", err)
	}
	for _, p := range pending {
		if err := doc.ApplyUpdate(p.Update); err != nil {
			m.log().Warn("crdtdoc: skipping unapplicable pending update", "doc", docID, "err", err)
		}
	}

	h.state = StateLive
	return nil
}

func (m *Manager) get(docID string) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[docID]
}

// ApplyIncoming applies an update received over the broadcast transport,
// spooling it for crash recovery, unless it was just produced locally
// (echo suppression).
func (m *Manager) ApplyIncoming(docID string, update []byte, origin string) error {
	h := m.get(docID)
	if h == nil {
		return fmt.Errorf("crdtdoc: document %s not open", docID)
	}
	m.mu.Lock()
	if t, ok := h.recent[origin]; ok && time.Since(t) < 5*time.Second {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := h.doc.ApplyUpdate(update); err != nil {
		return fmt.Errorf("crdtdoc: apply incoming: %w", err)
	}
	return m.spool(docID, update)
}

// MarkLocalOrigin records that an update with this origin tag was
// produced locally, so a broadcast echo of it is suppressed.
func (m *Manager) MarkLocalOrigin(docID, origin string) {
	h := m.get(docID)
	if h == nil {
		return
	}
	m.mu.Lock()
	h.recent[origin] = time.Now()
	m.mu.Unlock()
}

// Broadcast computes the incremental update the owner's other devices
// are missing — the document's diff against the state vector of the last
// successful broadcast — and ships it through Sender, spooling it first
// so a crash before the next snapshot still replays it on reopen. The
// origin tag marks the bytes as locally produced; the feed's echo of
// them back to this device is suppressed by ApplyIncoming. A peer update
// applied since the last broadcast rides along in the diff, which is
// harmless: CRDT updates are idempotent on every receiver.
func (m *Manager) Broadcast(ctx context.Context, docID string) error {
	h := m.get(docID)
	if h == nil {
		return fmt.Errorf("crdtdoc: document %s not open", docID)
	}
	if m.Sender == nil {
		return nil
	}

	m.mu.Lock()
	sentVector := h.sentVector
	m.mu.Unlock()

	update, err := h.doc.DiffUpdate(sentVector)
	if err != nil {
		return fmt.Errorf("crdtdoc: diff update: %w", err)
	}
	if len(update) == 0 {
		return nil
	}

	origin := fmt.Sprintf("%s-%d", h.deviceID, time.Now().UnixNano())
	m.MarkLocalOrigin(docID, origin)
	if err := m.spool(docID, update); err != nil {
		return err
	}
	if err := m.Sender(ctx, docID, origin, update); err != nil {
		return fmt.Errorf("crdtdoc: broadcast: %w", err)
	}

	vector, err := h.doc.EncodeStateVector()
	if err != nil {
		return fmt.Errorf("crdtdoc: encode state vector: %w", err)
	}
	m.mu.Lock()
	h.sentVector = vector
	m.mu.Unlock()
	return nil
}

func (m *Manager) spool(docID string, update []byte) error {
	_, err := m.conn.Exec(`INSERT INTO crdt_pending_updates (doc_id, update_bytes, applied_at) VALUES (?, ?, ?)`,
		docID, update, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("crdtdoc: spool: %w", err)
	}
	return nil
}

func (m *Manager) loadPending(docID string) ([]PendingUpdate, error) {
	rows, err := m.conn.Query(`SELECT update_bytes, applied_at FROM crdt_pending_updates WHERE doc_id = ? ORDER BY id ASC`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingUpdate
	for rows.Next() {
		var p PendingUpdate
		var at string
		if err := rows.Scan(&p.Update, &at); err != nil {
			return nil, err
		}
		p.DocID = docID
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			p.AppliedAt = t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (m *Manager) loadSnapshot(pageID, owner string) (*Snapshot, error) {
	var s Snapshot
	var updatedAt string
	err := m.conn.QueryRow(`SELECT doc_id, page_id, owner, state, state_vector, size, device_id, updated_at
		FROM crdt_snapshots WHERE page_id = ? AND owner = ?`, pageID, owner).
		Scan(&s.DocID, &s.PageID, &s.Owner, &s.State, &s.StateVector, &s.Size, &s.DeviceID, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		s.UpdatedAt = t
	}
	return &s, nil
}

// PersistLoop periodically snapshots every open document and clears its
// pending-update spool, until ctx is cancelled.
func (m *Manager) PersistLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.persistAll()
		}
	}
}

func (m *Manager) persistAll() {
	m.mu.Lock()
	docIDs := make([]string, 0, len(m.open))
	for id := range m.open {
		docIDs = append(docIDs, id)
	}
	m.mu.Unlock()

	for _, id := range docIDs {
		if err := m.persistOne(id); err != nil {
			m.log().Warn("crdtdoc: persist failed", "doc", id, "err", err)
		}
	}
}

func (m *Manager) persistOne(docID string) error {
	h := m.get(docID)
	if h == nil {
		return nil
	}
	h.state = StatePersisting

	state, err := h.doc.EncodeState()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	vector, err := h.doc.EncodeStateVector()
	if err != nil {
		return fmt.Errorf("encode state vector: %w", err)
	}

	_, err = m.conn.Exec(`
		INSERT INTO crdt_snapshots (doc_id, page_id, owner, state, state_vector, size, device_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(page_id, owner) DO UPDATE SET
			doc_id = excluded.doc_id, state = excluded.state, state_vector = excluded.state_vector,
			size = excluded.size, device_id = excluded.device_id, updated_at = excluded.updated_at`,
		docID, h.pageID, h.owner, state, vector, len(state), h.deviceID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	if _, err := m.conn.Exec(`DELETE FROM crdt_pending_updates WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("clear spool: %w", err)
	}

	h.state = StateLive
	return nil
}

// Destroy removes a document from management, persisting one final
// snapshot first.
func (m *Manager) Destroy(docID string) error {
	if err := m.persistOne(docID); err != nil {
		return err
	}
	m.mu.Lock()
	if h, ok := m.open[docID]; ok {
		h.state = StateDestroyed
	}
	delete(m.open, docID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default()
}
