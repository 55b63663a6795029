package pull

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marcus/reconcile/internal/engine/model"
	"github.com/marcus/reconcile/internal/engine/registry"
	"github.com/marcus/reconcile/internal/engine/remoteclient"
	"github.com/marcus/reconcile/internal/engine/store"
	"github.com/marcus/reconcile/internal/remoteserver"
)

// newTestPeer wires a reference remoteserver behind an httptest.Server and
// returns a remoteclient.Client already authenticated for one owner, the
// same harness the push package's tests use.
func newTestPeer(t *testing.T) *remoteclient.Client {
	t.Helper()
	srv, err := remoteserver.NewServer(remoteserver.Config{DBPath: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("new remote server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	key, err := srv.IssueKey("owner-1")
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}
	return remoteclient.New(ts.URL, key)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/local.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.Conn().Exec(`
CREATE TABLE notes (
	id TEXT PRIMARY KEY, title TEXT, count REAL,
	created_at TEXT, updated_at TEXT, deleted_at TEXT, version INTEGER, device_id TEXT
)`); err != nil {
		t.Fatalf("create notes table: %v", err)
	}
	return s
}

// TestPullColdStartHydratesAllRowsThenIsIdle covers spec §8 scenario 6: a
// fresh local store pulls every remote row on its first cycle, advances
// its cursor to the max updated_at seen, and a second cycle with nothing
// new on the remote applies (and fetches) nothing.
func TestPullColdStartHydratesAllRowsThenIsIdle(t *testing.T) {
	remote := newTestPeer(t)
	localStore := newTestStore(t)
	schema := registry.NewSchema(registry.TableSchema{Name: "notes"})
	p := &Pipeline{Store: localStore, Remote: remote, Schema: schema}

	ctx := context.Background()
	if _, err := remote.Insert(ctx, "notes", map[string]any{"id": "n1", "title": "first"}); err != nil {
		t.Fatalf("seed n1: %v", err)
	}
	if _, err := remote.Insert(ctx, "notes", map[string]any{"id": "n2", "title": "second"}); err != nil {
		t.Fatalf("seed n2: %v", err)
	}

	res, err := p.Run(ctx, 10)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Fetched != 2 || res.Applied != 2 {
		t.Fatalf("expected both rows hydrated on cold start, got %+v", res)
	}

	rec, err := localStore.GetRecord("notes", "n1")
	if err != nil || rec == nil {
		t.Fatalf("expected n1 to be materialized locally, err=%v rec=%v", err, rec)
	}
	if rec.Fields["title"] != "first" {
		t.Fatalf("expected title to round-trip, got %v", rec.Fields["title"])
	}

	cursor, err := localStore.Cursor()
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor.Zero() {
		t.Fatal("expected cursor to advance past the cold-start hydration")
	}

	res2, err := p.Run(ctx, 10)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res2.Fetched != 0 || res2.Applied != 0 {
		t.Fatalf("expected nothing new on a second pull with no remote changes, got %+v", res2)
	}
}

// TestApplyChangeReconcilesRealtimeDelivery exercises the incremental
// path: a change event delivered over the realtime feed lands in the
// local store through the same resolver precedence a pulled row follows.
func TestApplyChangeReconcilesRealtimeDelivery(t *testing.T) {
	remote := newTestPeer(t)
	localStore := newTestStore(t)
	schema := registry.NewSchema(registry.TableSchema{Name: "notes"})
	p := &Pipeline{Store: localStore, Remote: remote, Schema: schema}

	now := time.Now().UTC()
	applied, err := p.ApplyChange(remoteclient.ChangeEvent{
		Op: "INSERT", Table: "notes", Row: remoteclient.Row{
			ID: "n1", UpdatedAt: now.Format(time.RFC3339Nano), Version: 1, DeviceID: "dev-b",
			Fields: []byte(`{"title":"via realtime"}`),
		},
	})
	if err != nil || !applied {
		t.Fatalf("expected the delivery applied, got applied=%t err=%v", applied, err)
	}

	rec, err := localStore.GetRecord("notes", "n1")
	if err != nil || rec == nil {
		t.Fatalf("expected the row materialized, err=%v rec=%v", err, rec)
	}
	if rec.Fields["title"] != "via realtime" {
		t.Fatalf("expected title applied, got %v", rec.Fields["title"])
	}
	if !rec.UpdatedAt.Equal(now) {
		t.Fatalf("expected the remote clock persisted, got %v want %v", rec.UpdatedAt, now)
	}

	// A stale re-delivery of the same row must be a no-op: the local row
	// already carries an equal-or-newer clock.
	applied, err = p.ApplyChange(remoteclient.ChangeEvent{
		Op: "UPDATE", Table: "notes", Row: remoteclient.Row{
			ID: "n1", UpdatedAt: now.Add(-time.Second).Format(time.RFC3339Nano), Version: 1,
			Fields: []byte(`{"title":"stale"}`),
		},
	})
	if err != nil || applied {
		t.Fatalf("expected the stale delivery skipped, got applied=%t err=%v", applied, err)
	}
	rec, _ = localStore.GetRecord("notes", "n1")
	if rec.Fields["title"] != "via realtime" {
		t.Fatalf("expected the newer value retained, got %v", rec.Fields["title"])
	}
}

// TestPullDeleteWinsOverConcurrentLocalEdit covers spec §8 scenario 2: a
// row deleted remotely while a local edit is still queued resolves to the
// tombstone, with a conflict record noting delete precedence, not a merge
// of the two.
func TestPullDeleteWinsOverConcurrentLocalEdit(t *testing.T) {
	remote := newTestPeer(t)
	localStore := newTestStore(t)
	schema := registry.NewSchema(registry.TableSchema{Name: "notes", SoftDelete: true})
	// A short recent-write window: Enqueue marks the row as just written,
	// and this test wants the remote delete reconciled right away rather
	// than skipped for the full in-flight protection window.
	p := &Pipeline{Store: localStore, Remote: remote, Schema: schema, RecentWriteWindow: time.Millisecond}

	ctx := context.Background()
	created, err := remote.Insert(ctx, "notes", map[string]any{"id": "n1", "title": "first"})
	if err != nil {
		t.Fatalf("seed n1: %v", err)
	}
	if _, err := p.Run(ctx, 10); err != nil {
		t.Fatalf("initial hydrate: %v", err)
	}

	// Local edit still queued, unreconciled against the remote delete.
	if err := localStore.Enqueue(&model.Operation{
		ID: "op-edit", Table: "notes", RecordID: "n1", Type: model.OpSet,
		Fields: map[string]any{"title": "local edit"}, QueuedAt: time.Now(),
	}); err != nil {
		t.Fatalf("enqueue local edit: %v", err)
	}

	time.Sleep(5 * time.Millisecond) // force a distinct, later remote updated_at
	if _, err := remote.Update(ctx, "notes", created.ID, map[string]any{"deleted": true}); err != nil {
		t.Fatalf("delete remotely: %v", err)
	}

	res, err := p.Run(ctx, 10)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Conflicts) == 0 {
		t.Fatalf("expected the delete-vs-edit race to be recorded as a conflict, got %+v", res)
	}

	rec, err := localStore.GetRecord("notes", "n1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec == nil || rec.Deleted == false {
		t.Fatalf("expected the row to be soft-deleted, got %+v", rec)
	}
}
