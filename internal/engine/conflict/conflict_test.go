package conflict

import (
	"testing"
	"time"

	"github.com/marcus/reconcile/internal/engine/model"
	"github.com/marcus/reconcile/internal/engine/registry"
)

func TestResolve_NoLocalAcceptsRemote(t *testing.T) {
	remote := &model.Record{Fields: map[string]any{"title": "from remote"}, Version: 3, UpdatedAt: time.Now()}
	res := Resolve(nil, "issues", "e1", nil, remote, nil)
	if res.Merged["title"] != "from remote" {
		t.Fatalf("expected remote field, got %v", res.Merged["title"])
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("tier 1 should record no conflicts, got %d", len(res.Conflicts))
	}
}

func TestResolve_LocalPendingDeleteWins(t *testing.T) {
	local := &model.Record{Fields: map[string]any{"title": "a"}, Version: 1, UpdatedAt: time.Now()}
	remote := &model.Record{Fields: map[string]any{"title": "a"}, Version: 1, Deleted: false, UpdatedAt: time.Now()}
	pending := []*model.Operation{{RecordID: "e1", Type: model.OpDelete}}

	res := Resolve(nil, "issues", "e1", local, remote, pending)
	if !res.Deleted {
		t.Fatal("expected delete to win")
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Strategy != model.StrategyDeletePrecedence {
		t.Fatalf("expected one delete_precedence conflict, got %+v", res.Conflicts)
	}
}

func TestResolve_RemoteDeleteWinsWithoutPendingDelete(t *testing.T) {
	local := &model.Record{Fields: map[string]any{"title": "a"}, Version: 1, UpdatedAt: time.Now()}
	remote := &model.Record{Fields: map[string]any{"title": "a"}, Version: 2, Deleted: true, UpdatedAt: time.Now()}

	res := Resolve(nil, "issues", "e1", local, remote, nil)
	if !res.Deleted {
		t.Fatal("expected remote delete to win")
	}
}

func TestResolve_PendingFieldAlwaysWinsLocally(t *testing.T) {
	now := time.Now()
	local := &model.Record{Fields: map[string]any{"title": "local edit"}, Version: 1, UpdatedAt: now}
	remote := &model.Record{Fields: map[string]any{"title": "remote edit"}, Version: 2, UpdatedAt: now.Add(time.Hour)}
	pending := []*model.Operation{{RecordID: "e1", Type: model.OpSet, Fields: map[string]any{"title": "local edit"}}}

	res := Resolve(nil, "issues", "e1", local, remote, pending)
	if res.Merged["title"] != "local edit" {
		t.Fatalf("expected pending local field to win even though remote is newer, got %v", res.Merged["title"])
	}
	if res.Conflicts[0].Strategy != model.StrategyPendingLocalWins {
		t.Fatalf("expected pending_local_wins strategy, got %s", res.Conflicts[0].Strategy)
	}
}

func TestResolve_LWWByUpdatedAt(t *testing.T) {
	now := time.Now()
	local := &model.Record{Fields: map[string]any{"title": "old"}, Version: 1, UpdatedAt: now}
	remote := &model.Record{Fields: map[string]any{"title": "new"}, Version: 1, UpdatedAt: now.Add(time.Minute)}

	res := Resolve(nil, "issues", "e1", local, remote, nil)
	if res.Merged["title"] != "new" {
		t.Fatalf("expected remote (newer) to win, got %v", res.Merged["title"])
	}
	if res.Version != 2 {
		t.Fatalf("expected version bumped to 2, got %d", res.Version)
	}
}

func TestResolve_TieBreakByDeviceID(t *testing.T) {
	now := time.Now()
	local := &model.Record{Fields: map[string]any{"title": "a"}, Version: 1, UpdatedAt: now, DeviceID: "bbb"}
	remote := &model.Record{Fields: map[string]any{"title": "b"}, Version: 1, UpdatedAt: now, DeviceID: "aaa"}

	res := Resolve(nil, "issues", "e1", local, remote, nil)
	if res.Merged["title"] != "b" {
		t.Fatalf("expected remote device 'aaa' < local 'bbb' to win, got %v", res.Merged["title"])
	}
}

func TestResolve_TieBreakFavorsLocalWhenDeviceMissing(t *testing.T) {
	now := time.Now()
	local := &model.Record{Fields: map[string]any{"title": "a"}, Version: 1, UpdatedAt: now, DeviceID: "bbb"}
	remote := &model.Record{Fields: map[string]any{"title": "b"}, Version: 1, UpdatedAt: now}

	res := Resolve(nil, "issues", "e1", local, remote, nil)
	if res.Merged["title"] != "a" {
		t.Fatalf("expected local to win when remote device_id missing, got %v", res.Merged["title"])
	}
}

func TestResolve_NumericMergeFieldResolvesByLWWUnderMergeStrategy(t *testing.T) {
	schema := registry.NewSchema(registry.TableSchema{
		Name:            "counters",
		MergeableFields: []string{"count"},
	})
	now := time.Now()
	local := &model.Record{Fields: map[string]any{"count": float64(5)}, Version: 1, UpdatedAt: now}
	remote := &model.Record{Fields: map[string]any{"count": float64(3)}, Version: 1, UpdatedAt: now.Add(time.Minute)}

	res := Resolve(schema, "counters", "c1", local, remote, nil)
	if res.Merged["count"] != float64(3) {
		t.Fatalf("expected the later write's value without an operation-delta inbox, got %v", res.Merged["count"])
	}
	if res.Conflicts[0].Strategy != model.StrategyNumericMerge {
		t.Fatalf("expected the numeric-merge tier recorded as the deciding strategy, got %s", res.Conflicts[0].Strategy)
	}
}

func TestResolve_EqualFieldsProduceNoConflict(t *testing.T) {
	now := time.Now()
	local := &model.Record{Fields: map[string]any{"title": "same"}, Version: 1, UpdatedAt: now}
	remote := &model.Record{Fields: map[string]any{"title": "same"}, Version: 1, UpdatedAt: now}

	res := Resolve(nil, "issues", "e1", local, remote, nil)
	if res.Merged["title"] != "same" {
		t.Fatalf("expected title preserved, got %v", res.Merged["title"])
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("equal field values should not be recorded as conflicts, got %+v", res.Conflicts)
	}
}

func TestResolve_LocalOnlyFieldSurvivesMerge(t *testing.T) {
	now := time.Now()
	local := &model.Record{Fields: map[string]any{"title": "same", "notes": "keep me"}, Version: 1, UpdatedAt: now}
	remote := &model.Record{Fields: map[string]any{"title": "same"}, Version: 1, UpdatedAt: now}

	res := Resolve(nil, "issues", "e1", local, remote, nil)
	if res.Merged["notes"] != "keep me" {
		t.Fatalf("expected local-only field to survive merge, got %v", res.Merged["notes"])
	}
}
