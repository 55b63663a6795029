package crdtdoc

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

// fakeDoc is a minimal Document stand-in that concatenates applied update
// bytes, just enough state to prove snapshot/spool round trips without
// pulling in a real CRDT library (none exists in the retrieval pack, and
// this package only manages the lifecycle around one — see the package
// doc comment).
type fakeDoc struct {
	applied []string
}

func (d *fakeDoc) EncodeState() ([]byte, error) {
	return []byte(strings.Join(d.applied, ",")), nil
}

func (d *fakeDoc) EncodeStateVector() ([]byte, error) {
	return []byte{byte(len(d.applied))}, nil
}

func (d *fakeDoc) ApplyUpdate(update []byte) error {
	d.applied = append(d.applied, string(update))
	return nil
}

func (d *fakeDoc) DiffUpdate(remoteVector []byte) ([]byte, error) {
	return []byte(strings.Join(d.applied, ",")), nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "crdt.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	m := NewManager(conn, nil)
	if err := m.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return m
}

func TestOpenHydratesFromSnapshotThenPendingSpool(t *testing.T) {
	m := newTestManager(t)

	doc := &fakeDoc{}
	if err := m.Open("doc-1", "page-1", "owner-1", "device-1", doc); err != nil {
		t.Fatalf("open: %v", err)
	}
	doc.ApplyUpdate([]byte("edit-a"))
	if err := m.persistOne("doc-1"); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := m.ApplyIncoming("doc-1", []byte("edit-b"), "peer-origin"); err != nil {
		t.Fatalf("apply incoming: %v", err)
	}

	// Reopen against the same backing tables as a fresh process would
	// after a crash: the snapshot plus the still-spooled "edit-b" should
	// both replay into the new document instance.
	reopened := &fakeDoc{}
	if err := m.Open("doc-1", "page-1", "owner-1", "device-1", reopened); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	joined := strings.Join(reopened.applied, ",")
	if !strings.Contains(joined, "edit-a") || !strings.Contains(joined, "edit-b") {
		t.Fatalf("expected both the snapshot and spooled update to replay, got %q", joined)
	}
}

func TestApplyIncomingSuppressesRecentLocalEcho(t *testing.T) {
	m := newTestManager(t)
	doc := &fakeDoc{}
	if err := m.Open("doc-1", "page-1", "owner-1", "device-1", doc); err != nil {
		t.Fatalf("open: %v", err)
	}

	m.MarkLocalOrigin("doc-1", "local-origin")
	if err := m.ApplyIncoming("doc-1", []byte("should-be-echo-suppressed"), "local-origin"); err != nil {
		t.Fatalf("apply incoming: %v", err)
	}
	if len(doc.applied) != 0 {
		t.Fatalf("expected the echoed update to be suppressed, got %v", doc.applied)
	}

	if err := m.ApplyIncoming("doc-1", []byte("genuine-remote-edit"), "remote-origin"); err != nil {
		t.Fatalf("apply incoming: %v", err)
	}
	if len(doc.applied) != 1 || doc.applied[0] != "genuine-remote-edit" {
		t.Fatalf("expected the non-echo update to apply, got %v", doc.applied)
	}
}

func TestBroadcastShipsDiffAndItsEchoIsSuppressed(t *testing.T) {
	m := newTestManager(t)
	doc := &fakeDoc{}
	if err := m.Open("doc-1", "page-1", "owner-1", "device-1", doc); err != nil {
		t.Fatalf("open: %v", err)
	}
	doc.ApplyUpdate([]byte("local-edit"))

	var sentDoc, sentOrigin string
	var sentUpdate []byte
	m.Sender = func(ctx context.Context, docID, origin string, update []byte) error {
		sentDoc, sentOrigin, sentUpdate = docID, origin, update
		return nil
	}

	if err := m.Broadcast(context.Background(), "doc-1"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if sentDoc != "doc-1" || sentOrigin == "" {
		t.Fatalf("expected the update shipped with an origin tag, got doc=%q origin=%q", sentDoc, sentOrigin)
	}
	if !strings.Contains(string(sentUpdate), "local-edit") {
		t.Fatalf("expected the local edit in the outgoing diff, got %q", sentUpdate)
	}

	// The change feed echoes our own broadcast back to us; the origin tag
	// recorded at send time suppresses reapplying it.
	before := len(doc.applied)
	if err := m.ApplyIncoming("doc-1", sentUpdate, sentOrigin); err != nil {
		t.Fatalf("apply incoming echo: %v", err)
	}
	if len(doc.applied) != before {
		t.Fatalf("expected the echoed broadcast suppressed, got %v", doc.applied)
	}
}

func TestBroadcastSpoolsOutgoingUpdateForCrashRecovery(t *testing.T) {
	m := newTestManager(t)
	doc := &fakeDoc{}
	if err := m.Open("doc-1", "page-1", "owner-1", "device-1", doc); err != nil {
		t.Fatalf("open: %v", err)
	}
	doc.ApplyUpdate([]byte("unsnapshotted-edit"))
	m.Sender = func(ctx context.Context, docID, origin string, update []byte) error { return nil }

	if err := m.Broadcast(context.Background(), "doc-1"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	// A crash before the next periodic snapshot: reopening replays the
	// spooled broadcast into a fresh document instance.
	reopened := &fakeDoc{}
	if err := m.Open("doc-1", "page-1", "owner-1", "device-1", reopened); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !strings.Contains(strings.Join(reopened.applied, ","), "unsnapshotted-edit") {
		t.Fatalf("expected the broadcast edit to survive via the spool, got %v", reopened.applied)
	}
}

func TestBroadcastWithoutSenderIsANoOp(t *testing.T) {
	m := newTestManager(t)
	doc := &fakeDoc{}
	if err := m.Open("doc-1", "page-1", "owner-1", "device-1", doc); err != nil {
		t.Fatalf("open: %v", err)
	}
	doc.ApplyUpdate([]byte("edit"))

	if err := m.Broadcast(context.Background(), "doc-1"); err != nil {
		t.Fatalf("expected a local-only document to broadcast as a no-op, got %v", err)
	}
}

func TestDestroyPersistsFinalSnapshotAndForgetsDocument(t *testing.T) {
	m := newTestManager(t)
	doc := &fakeDoc{}
	if err := m.Open("doc-1", "page-1", "owner-1", "device-1", doc); err != nil {
		t.Fatalf("open: %v", err)
	}
	doc.ApplyUpdate([]byte("final-edit"))

	if err := m.Destroy("doc-1"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if m.get("doc-1") != nil {
		t.Fatal("expected the document to be forgotten after destroy")
	}

	snap, err := m.loadSnapshot("page-1", "owner-1")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if snap == nil || !strings.Contains(string(snap.State), "final-edit") {
		t.Fatalf("expected destroy to persist the final state, got %+v", snap)
	}
}
