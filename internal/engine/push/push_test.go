package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/marcus/reconcile/internal/engine/errs"
	"github.com/marcus/reconcile/internal/engine/model"
	"github.com/marcus/reconcile/internal/engine/registry"
	"github.com/marcus/reconcile/internal/engine/remoteclient"
	"github.com/marcus/reconcile/internal/engine/store"
	"github.com/marcus/reconcile/internal/remoteserver"
)

// newTestPeer wires a reference remoteserver behind an httptest.Server and
// returns a remoteclient.Client already authenticated for one owner, the
// same two-sided harness the pull package's tests use to exercise the
// wire profile without a real network hop.
func newTestPeer(t *testing.T, singletonTables ...string) *remoteclient.Client {
	t.Helper()
	srv, err := remoteserver.NewServer(remoteserver.Config{DBPath: ":memory:", SingletonTables: singletonTables}, nil)
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
	if _, err := s.Conn().Exec(`
CREATE TABLE settings (
	id TEXT PRIMARY KEY, theme TEXT,
	created_at TEXT, updated_at TEXT, deleted_at TEXT, version INTEGER, device_id TEXT
)`); err != nil {
		t.Fatalf("create settings table: %v", err)
	}
	return s
}

func enqueueOp(t *testing.T, s *store.Store, op *model.Operation) {
	t.Helper()
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.QueuedAt.IsZero() {
		op.QueuedAt = time.Now()
	}
	if err := s.Enqueue(op); err != nil {
		t.Fatalf("enqueue %s: %v", op.Type, err)
	}
}

func TestPushCreateThenSetRoundTrip(t *testing.T) {
	remote := newTestPeer(t)
	localStore := newTestStore(t)
	schema := registry.NewSchema(registry.TableSchema{Name: "notes"})
	p := &Pipeline{Store: localStore, Remote: remote, Schema: schema}

	enqueueOp(t, localStore, &model.Operation{
		Table: "notes", RecordID: "n1", Type: model.OpCreate,
		Fields: map[string]any{"id": "n1", "title": "first"},
	})
	res, err := p.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Pushed != 1 {
		t.Fatalf("expected one op pushed, got %+v", res)
	}

	enqueueOp(t, localStore, &model.Operation{
		Table: "notes", RecordID: "n1", Type: model.OpSet,
		Fields: map[string]any{"title": "updated"},
	})
	res, err = p.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("run set: %v", err)
	}
	if res.Pushed != 1 {
		t.Fatalf("expected the set op pushed, got %+v", res)
	}

	row, err := remote.LookupSingleton(context.Background(), "notes")
	if err != nil || row == nil {
		t.Fatalf("expected row to exist remotely, err=%v row=%v", err, row)
	}
}

func TestPushDeleteAlreadyGoneIsTreatedAsSuccess(t *testing.T) {
	remote := newTestPeer(t)
	localStore := newTestStore(t)
	schema := registry.NewSchema(registry.TableSchema{Name: "notes"})
	p := &Pipeline{Store: localStore, Remote: remote, Schema: schema}

	// No create ever landed remotely, so the delete targets a row the
	// remote has never heard of: spec §4.C says this still counts as a
	// successful push rather than a permanent failure.
	enqueueOp(t, localStore, &model.Operation{Table: "notes", RecordID: "never-existed", Type: model.OpDelete})
	res, err := p.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Pushed != 1 || res.Permanent != 0 {
		t.Fatalf("expected delete-of-gone-row to count as pushed, got %+v", res)
	}
}

func TestPushZeroRowUpdateIsAuthorizationRejection(t *testing.T) {
	remote := newTestPeer(t)
	localStore := newTestStore(t)
	schema := registry.NewSchema(registry.TableSchema{Name: "notes"})
	p := &Pipeline{Store: localStore, Remote: remote, Schema: schema}

	// Update an id the remote owner has no row for at all (not a
	// singleton table, so there's no id-reconciliation fallback): spec §6
	// treats the resulting zero-rows-affected response as a silent RLS
	// rejection, not a generic failure, and the op must stay queued.
	enqueueOp(t, localStore, &model.Operation{
		ID: "op-blocked", Table: "notes", RecordID: "blocked-row", Type: model.OpSet,
		Fields: map[string]any{"title": "nope"},
	})
	_, err := p.Run(context.Background(), 10)
	if err == nil || !errs.IsAuthorization(err) {
		t.Fatalf("expected an authorization-classified error, got %v", err)
	}

	pending, perr := localStore.PendingOps(10)
	if perr != nil {
		t.Fatalf("pending ops: %v", perr)
	}
	if len(pending) != 1 || pending[0].ID != "op-blocked" {
		t.Fatalf("expected the blocked op to remain queued, got %+v", pending)
	}
}

func TestPushTransientErrorSurfacesOnlyAfterRepeatedFailures(t *testing.T) {
	// A remote that is down hard: every request 503s, which classifies as
	// transient (spec §7).
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(ts.Close)

	localStore := newTestStore(t)
	schema := registry.NewSchema(registry.TableSchema{Name: "notes"})
	p := &Pipeline{
		Store: localStore, Remote: remoteclient.New(ts.URL, "k"), Schema: schema,
		// One attempt per cycle, no waiting, so the test exercises the
		// cross-cycle attempt counter rather than the in-cycle backoff.
		NewBackOff: func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 0) },
	}

	enqueueOp(t, localStore, &model.Operation{
		Table: "notes", RecordID: "n1", Type: model.OpSet,
		Fields: map[string]any{"title": "x"},
	})

	// The first two cycles fail quietly: the item stays queued, its
	// attempt counter climbs, and nothing surfaces to the status layer.
	for cycle := 1; cycle <= SurfaceAfterAttempts-1; cycle++ {
		if _, err := p.Run(context.Background(), 10); err != nil {
			t.Fatalf("cycle %d: expected a quiet transient failure, got %v", cycle, err)
		}
	}

	_, err := p.Run(context.Background(), 10)
	if err == nil || !errs.IsTransient(err) {
		t.Fatalf("expected the transient error surfaced once retries reached the threshold, got %v", err)
	}

	pending, perr := localStore.PendingOps(10)
	if perr != nil || len(pending) != 1 {
		t.Fatalf("expected the item to remain queued for the next cycle, got %+v err=%v", pending, perr)
	}
	if pending[0].Attempts != SurfaceAfterAttempts {
		t.Fatalf("expected %d recorded attempts, got %d", SurfaceAfterAttempts, pending[0].Attempts)
	}
}

func TestPushSingletonDuplicateCreateReconciles(t *testing.T) {
	remote := newTestPeer(t, "settings")
	localStore := newTestStore(t)
	schema := registry.NewSchema(registry.TableSchema{Name: "settings", Singleton: true})
	p := &Pipeline{Store: localStore, Remote: remote, Schema: schema}

	// Another device already created the one allowed settings row under
	// a different id.
	remoteRow, err := remote.Insert(context.Background(), "settings", map[string]any{"id": "remote-id", "theme": "dark"})
	if err != nil {
		t.Fatalf("seed remote row: %v", err)
	}

	if err := localStore.Upsert("settings", "local-id", map[string]any{"theme": "light"}); err != nil {
		t.Fatalf("seed local row: %v", err)
	}
	enqueueOp(t, localStore, &model.Operation{
		Table: "settings", RecordID: "local-id", Type: model.OpCreate,
		Fields: map[string]any{"id": "local-id", "theme": "light"},
	})
	// A stale op still bound to the local id that must be purged once
	// reconciliation rekeys it.
	enqueueOp(t, localStore, &model.Operation{
		Table: "settings", RecordID: "local-id", Type: model.OpSet,
		Fields: map[string]any{"theme": "light"},
	})

	res, err := p.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Permanent != 0 {
		t.Fatalf("expected duplicate-key create to reconcile rather than fail, got %+v", res)
	}

	if rec, _ := localStore.GetRecord("settings", "local-id"); rec != nil {
		t.Fatal("expected the stale local id to be rekeyed away")
	}
	if rec, _ := localStore.GetRecord("settings", remoteRow.ID); rec == nil {
		t.Fatal("expected the row to now live under the remote-assigned id")
	}

	pending, err := localStore.PendingOps(10)
	if err != nil {
		t.Fatalf("pending ops: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected stale ops bound to the old id purged, got %+v", pending)
	}
}
