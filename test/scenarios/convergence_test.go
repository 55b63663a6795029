// Package scenarios exercises the boundary scenarios against two
// independent devices sharing one reference remote service, on top of the
// per-pipeline coverage push_test.go and pull_test.go already give each
// pipeline in isolation. Every device here gets its own local store, push
// pipeline, and pull pipeline; only the remoteserver and the owning
// account's bearer token are shared, the same way two of a user's own
// devices would both authenticate against one account.
package scenarios

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marcus/reconcile/internal/engine/model"
	"github.com/marcus/reconcile/internal/engine/pull"
	"github.com/marcus/reconcile/internal/engine/push"
	"github.com/marcus/reconcile/internal/engine/registry"
	"github.com/marcus/reconcile/internal/engine/remoteclient"
	"github.com/marcus/reconcile/internal/engine/store"
	"github.com/marcus/reconcile/internal/remoteserver"
)

// sharedRemote wires one reference remoteserver and issues every device
// the same owner's bearer token, mirroring how the engine's own
// push/pull _test.go files wire a single-owner httptest peer.
func sharedRemote(t *testing.T, singletonTables ...string) *remoteclient.Client {
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

// device bundles one device's local store and the push/pull pipelines
// that drain and hydrate it against the shared remote.
type device struct {
	id    string
	store *store.Store
	push  *push.Pipeline
	pull  *pull.Pipeline
}

func newDevice(t *testing.T, id string, remoteClient *remoteclient.Client, schema *registry.Schema) *device {
	t.Helper()
	// Re-authenticate with the same bearer token but a fresh http.Client,
	// so each device's requests are independent even though they share
	// one account, matching how two real devices never share a
	// connection.
	client := remoteclient.New(remoteClient.BaseURL, remoteClient.APIKey)

	s, err := store.Open(t.TempDir() + "/" + id + ".db")
	if err != nil {
		t.Fatalf("open store for %s: %v", id, err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.Conn().Exec(`
CREATE TABLE notes (
	id TEXT PRIMARY KEY, title TEXT, count REAL,
	created_at TEXT, updated_at TEXT, deleted_at TEXT, version INTEGER, device_id TEXT
)`); err != nil {
		t.Fatalf("create notes table for %s: %v", id, err)
	}

	return &device{
		id:    id,
		store: s,
		push:  &push.Pipeline{Store: s, Remote: client, Schema: schema},
		pull: &pull.Pipeline{
			Store: s, Remote: client, Schema: schema, DeviceID: id,
			RecentWriteWindow: recentWriteWindow,
		},
	}
}

// recentWriteWindow shrinks the pull pipeline's recently-written
// protection so the decisive pull cycles below don't have to wait out the
// full production window before reconciling the other device's writes.
const recentWriteWindow = 100 * time.Millisecond

func (d *device) enqueueIncrement(t *testing.T, table, recordID string, delta float64) {
	t.Helper()
	if err := d.store.Enqueue(&model.Operation{
		ID: d.id + "-" + table + "-" + recordID + "-incr", Table: table, RecordID: recordID,
		Type: model.OpIncrement, Fields: map[string]any{"count": delta}, QueuedAt: time.Now(),
	}); err != nil {
		t.Fatalf("%s: enqueue increment: %v", d.id, err)
	}
}

// TestNumericRaceConvergesToSumOfBothIncrements covers spec §8 scenario 1:
// two devices each queue a +1 increment on the same field while the other
// is offline, then both sync; the final value must equal start+2 on both
// devices, not start+1 with one increment silently clobbered.
func TestNumericRaceConvergesToSumOfBothIncrements(t *testing.T) {
	remote := sharedRemote(t)
	schema := registry.NewSchema(registry.TableSchema{Name: "notes", MergeableFields: []string{"count"}})

	ctx := context.Background()
	if _, err := remote.Insert(ctx, "notes", map[string]any{"id": "n1", "title": "race", "count": 5.0}); err != nil {
		t.Fatalf("seed n1: %v", err)
	}

	deviceA := newDevice(t, "device-a", remote, schema)
	deviceB := newDevice(t, "device-b", remote, schema)

	// Both devices hydrate the starting value before going "offline".
	if _, err := deviceA.pull.Run(ctx, 10); err != nil {
		t.Fatalf("device a initial pull: %v", err)
	}
	if _, err := deviceB.pull.Run(ctx, 10); err != nil {
		t.Fatalf("device b initial pull: %v", err)
	}

	// Each device applies its own increment optimistically and queues it,
	// unaware of the other device's pending change.
	deviceA.enqueueIncrement(t, "notes", "n1", 1)
	if _, err := deviceA.store.ApplyPartial("notes", "n1", map[string]any{"count": 6.0}); err != nil {
		t.Fatalf("device a optimistic apply: %v", err)
	}
	deviceB.enqueueIncrement(t, "notes", "n1", 1)
	if _, err := deviceB.store.ApplyPartial("notes", "n1", map[string]any{"count": 6.0}); err != nil {
		t.Fatalf("device b optimistic apply: %v", err)
	}

	if _, err := deviceA.push.Run(ctx, 10); err != nil {
		t.Fatalf("device a push: %v", err)
	}
	if _, err := deviceB.push.Run(ctx, 10); err != nil {
		t.Fatalf("device b push: %v", err)
	}

	// Let the recently-written guard lapse on both devices before
	// pulling, so each device's pull actually reconciles the other
	// device's increment instead of skipping the row as its own recent
	// write.
	time.Sleep(recentWriteWindow + 50*time.Millisecond)

	if _, err := deviceA.pull.Run(ctx, 10); err != nil {
		t.Fatalf("device a final pull: %v", err)
	}
	if _, err := deviceB.pull.Run(ctx, 10); err != nil {
		t.Fatalf("device b final pull: %v", err)
	}

	recA, err := deviceA.store.GetRecord("notes", "n1")
	if err != nil || recA == nil {
		t.Fatalf("device a record: err=%v rec=%v", err, recA)
	}
	recB, err := deviceB.store.GetRecord("notes", "n1")
	if err != nil || recB == nil {
		t.Fatalf("device b record: err=%v rec=%v", err, recB)
	}

	if recA.Fields["count"] != 7.0 {
		t.Fatalf("expected device a count to converge to start+2=7, got %v", recA.Fields["count"])
	}
	if recB.Fields["count"] != 7.0 {
		t.Fatalf("expected device b count to converge to start+2=7, got %v", recB.Fields["count"])
	}
}

// TestConcurrentFieldEditsConvergeToSameWinnerOnBothDevices covers
// testable invariant 6: once two devices stop writing, a few sync cycles
// settle both of them on the identical (value, updated_at) pair for a
// concurrently edited field, with the later write winning.
func TestConcurrentFieldEditsConvergeToSameWinnerOnBothDevices(t *testing.T) {
	remote := sharedRemote(t)
	schema := registry.NewSchema(registry.TableSchema{Name: "notes"})

	ctx := context.Background()
	if _, err := remote.Insert(ctx, "notes", map[string]any{"id": "n1", "title": "original", "count": 0.0}); err != nil {
		t.Fatalf("seed n1: %v", err)
	}

	deviceA := newDevice(t, "device-a", remote, schema)
	deviceB := newDevice(t, "device-b", remote, schema)

	if _, err := deviceA.pull.Run(ctx, 10); err != nil {
		t.Fatalf("device a initial pull: %v", err)
	}
	if _, err := deviceB.pull.Run(ctx, 10); err != nil {
		t.Fatalf("device b initial pull: %v", err)
	}

	if err := deviceA.store.Enqueue(&model.Operation{
		ID: "a-edit", Table: "notes", RecordID: "n1", Type: model.OpSet,
		Fields: map[string]any{"title": "edited by a"}, QueuedAt: time.Now(),
	}); err != nil {
		t.Fatalf("device a enqueue: %v", err)
	}
	if _, err := deviceA.store.ApplyPartial("notes", "n1", map[string]any{"title": "edited by a"}); err != nil {
		t.Fatalf("device a optimistic apply: %v", err)
	}
	if _, err := deviceA.push.Run(ctx, 10); err != nil {
		t.Fatalf("device a push: %v", err)
	}

	// Device b edits the same field strictly later, after a has already
	// landed remotely, so b's write is the one that should win LWW.
	time.Sleep(5 * time.Millisecond)
	if err := deviceB.store.Enqueue(&model.Operation{
		ID: "b-edit", Table: "notes", RecordID: "n1", Type: model.OpSet,
		Fields: map[string]any{"title": "edited by b"}, QueuedAt: time.Now(),
	}); err != nil {
		t.Fatalf("device b enqueue: %v", err)
	}
	if _, err := deviceB.store.ApplyPartial("notes", "n1", map[string]any{"title": "edited by b"}); err != nil {
		t.Fatalf("device b optimistic apply: %v", err)
	}
	if _, err := deviceB.push.Run(ctx, 10); err != nil {
		t.Fatalf("device b push: %v", err)
	}

	// Let the recently-written guard lapse before either device's pull
	// cycles begin, for the same reason as the numeric race scenario
	// above.
	time.Sleep(recentWriteWindow + 50*time.Millisecond)

	// A few sync cycles on both sides settle on the shared winner.
	for i := 0; i < 3; i++ {
		if _, err := deviceA.pull.Run(ctx, 10); err != nil {
			t.Fatalf("device a pull cycle %d: %v", i, err)
		}
		if _, err := deviceB.pull.Run(ctx, 10); err != nil {
			t.Fatalf("device b pull cycle %d: %v", i, err)
		}
	}

	recA, err := deviceA.store.GetRecord("notes", "n1")
	if err != nil || recA == nil {
		t.Fatalf("device a record: err=%v rec=%v", err, recA)
	}
	recB, err := deviceB.store.GetRecord("notes", "n1")
	if err != nil || recB == nil {
		t.Fatalf("device b record: err=%v rec=%v", err, recB)
	}

	if recA.Fields["title"] != "edited by b" {
		t.Fatalf("expected device a to converge on b's later edit, got %v", recA.Fields["title"])
	}
	if recB.Fields["title"] != "edited by b" {
		t.Fatalf("expected device b to retain its own later edit, got %v", recB.Fields["title"])
	}
	if !recA.UpdatedAt.Equal(recB.UpdatedAt) {
		t.Fatalf("expected both devices to converge on the same updated_at, got a=%v b=%v", recA.UpdatedAt, recB.UpdatedAt)
	}
}
