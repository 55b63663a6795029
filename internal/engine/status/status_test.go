package status

import (
	"errors"
	"testing"
)

func TestSubscribeReceivesCurrentSnapshotImmediately(t *testing.T) {
	o := New()
	var got Snapshot
	calls := 0
	unsub := o.Subscribe(func(s Snapshot) {
		calls++
		got = s
	})
	defer unsub()

	if calls != 1 {
		t.Fatalf("expected immediate callback on subscribe, got %d calls", calls)
	}
	if got.Status != PhaseIdle {
		t.Fatalf("expected initial phase idle, got %s", got.Status)
	}
}

func TestSetSyncingIsIdempotentForSameMessage(t *testing.T) {
	o := New()
	calls := 0
	unsub := o.Subscribe(func(Snapshot) { calls++ })
	defer unsub()

	o.SetSyncing("pushing changes")
	o.SetSyncing("pushing changes")
	if calls != 2 { // 1 for subscribe, 1 for the first transition
		t.Fatalf("expected redundant SetSyncing call to be suppressed, got %d callbacks", calls)
	}
}

func TestSetErrorAppendsToBoundedRing(t *testing.T) {
	o := New()
	for i := 0; i < maxSyncErrors+5; i++ {
		o.SetError("sync failed", errors.New("boom"))
	}
	snap := o.Snapshot()
	if len(snap.SyncErrors) != maxSyncErrors {
		t.Fatalf("expected ring bounded at %d, got %d", maxSyncErrors, len(snap.SyncErrors))
	}
	if snap.LastError == nil || snap.LastError.Friendly != "sync failed" {
		t.Fatalf("expected last error recorded, got %+v", snap.LastError)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	o := New()
	calls := 0
	unsub := o.Subscribe(func(Snapshot) { calls++ })
	unsub()

	o.SetOffline()
	if calls != 1 {
		t.Fatalf("expected no callbacks after unsubscribe, got %d total", calls)
	}
}

func TestSetPendingCountSkipsRedundantNotifications(t *testing.T) {
	o := New()
	calls := 0
	unsub := o.Subscribe(func(Snapshot) { calls++ })
	defer unsub()

	o.SetPendingCount(3)
	o.SetPendingCount(3)
	o.SetPendingCount(4)
	if calls != 3 { // subscribe, 0->3, 3->4 (the repeated 3 is suppressed)
		t.Fatalf("expected only the changed value to notify, got %d calls", calls)
	}
}
