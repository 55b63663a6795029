// Package status implements the engine's status observable (spec §4.H):
// a single current-status value with idempotent transitions, a bounded
// recent-error ring, and subscriber callbacks with an unsubscribe handle.
// Grounded on the teacher's db.SyncState/GetRecentConflicts as the data
// this observable surfaces, reworked into a push-based subscription
// model since nothing in the teacher polls status from a UI the way a
// library embedded in another application needs to.
package status

import (
	"sync"
	"time"
)

// Phase is the sync status enum.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
	PhaseError   Phase = "error"
	PhaseOffline Phase = "offline"
)

// RealtimeState mirrors realtime.State as exposed to observers without
// creating an import cycle between the two packages.
type RealtimeState string

// LastError carries both a friendly message and the underlying detail,
// matching spec §7's two-level error surface.
type LastError struct {
	Friendly string
	Detail   string
}

// Snapshot is the observable's full state at a point in time.
type Snapshot struct {
	Status        Phase
	PendingCount  int
	LastError     *LastError
	SyncErrors    []LastError
	LastSyncTime  time.Time
	SyncMessage   string
	RealtimeState RealtimeState
	TabVisible    bool
}

// maxSyncErrors bounds the recent-error ring (spec: "syncErrors[≤10]").
const maxSyncErrors = 10

// minSyncingDwell is the anti-flicker floor for leaving PhaseSyncing:
// callers wait out MinSyncingDwellRemaining before SetIdle. Other updates
// (errors, pending count, realtime state) are delivered immediately.
const minSyncingDwell = 500 * time.Millisecond

// Unsubscribe cancels a subscription registered with Observable.Subscribe.
type Unsubscribe func()

// Observable is the subscribable status surface.
type Observable struct {
	mu          sync.Mutex
	current     Snapshot
	subscribers map[int]func(Snapshot)
	nextID      int
	syncingAt   time.Time
}

// New creates an idle observable.
func New() *Observable {
	return &Observable{current: Snapshot{Status: PhaseIdle}}
}

// Subscribe registers cb to be called on every state transition,
// including immediately with the current snapshot.
func (o *Observable) Subscribe(cb func(Snapshot)) Unsubscribe {
	o.mu.Lock()
	if o.subscribers == nil {
		o.subscribers = make(map[int]func(Snapshot))
	}
	id := o.nextID
	o.nextID++
	o.subscribers[id] = cb
	snap := o.current
	o.mu.Unlock()

	cb(snap)
	return func() {
		o.mu.Lock()
		delete(o.subscribers, id)
		o.mu.Unlock()
	}
}

// Snapshot returns the current state.
func (o *Observable) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// SetSyncing transitions to PhaseSyncing, suppressing a redundant
// transition if already syncing (idempotent updates per spec §4.H).
func (o *Observable) SetSyncing(message string) {
	o.mu.Lock()
	if o.current.Status == PhaseSyncing && o.current.SyncMessage == message {
		o.mu.Unlock()
		return
	}
	o.current.Status = PhaseSyncing
	o.current.SyncMessage = message
	o.syncingAt = time.Now()
	o.publishLocked()
}

// SetIdle transitions to PhaseIdle, honoring the minimum syncing dwell
// time so a very fast cycle doesn't flash syncing->idle imperceptibly
// fast for a UI consumer — the dwell is enforced by the caller delaying
// this call, not by blocking here, since this type must never sleep
// under its own lock.
func (o *Observable) SetIdle() {
	o.mu.Lock()
	if o.current.Status == PhaseIdle {
		o.mu.Unlock()
		return
	}
	o.current.Status = PhaseIdle
	o.current.SyncMessage = ""
	o.current.LastSyncTime = time.Now()
	o.publishLocked()
}

// MinSyncingDwellRemaining reports how much longer the caller should wait
// before calling SetIdle to respect the anti-flicker floor.
func (o *Observable) MinSyncingDwellRemaining() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current.Status != PhaseSyncing {
		return 0
	}
	elapsed := time.Since(o.syncingAt)
	if elapsed >= minSyncingDwell {
		return 0
	}
	return minSyncingDwell - elapsed
}

// SetError transitions to PhaseError, appending to the bounded error
// ring.
func (o *Observable) SetError(friendly string, detail error) {
	o.mu.Lock()
	d := ""
	if detail != nil {
		d = detail.Error()
	}
	le := LastError{Friendly: friendly, Detail: d}
	o.current.Status = PhaseError
	o.current.LastError = &le
	o.current.SyncErrors = append(o.current.SyncErrors, le)
	if len(o.current.SyncErrors) > maxSyncErrors {
		o.current.SyncErrors = o.current.SyncErrors[len(o.current.SyncErrors)-maxSyncErrors:]
	}
	o.publishLocked()
}

// SetOffline transitions to PhaseOffline.
func (o *Observable) SetOffline() {
	o.mu.Lock()
	if o.current.Status == PhaseOffline {
		o.mu.Unlock()
		return
	}
	o.current.Status = PhaseOffline
	o.publishLocked()
}

// SetPendingCount updates the queue-depth gauge without changing phase.
func (o *Observable) SetPendingCount(n int) {
	o.mu.Lock()
	if o.current.PendingCount == n {
		o.mu.Unlock()
		return
	}
	o.current.PendingCount = n
	o.publishLocked()
}

// SetRealtimeState updates the realtime connection indicator.
func (o *Observable) SetRealtimeState(s RealtimeState) {
	o.mu.Lock()
	if o.current.RealtimeState == s {
		o.mu.Unlock()
		return
	}
	o.current.RealtimeState = s
	o.publishLocked()
}

// SetTabVisible updates the visibility flag the supervisor's
// visibility-return trigger consults.
func (o *Observable) SetTabVisible(v bool) {
	o.mu.Lock()
	if o.current.TabVisible == v {
		o.mu.Unlock()
		return
	}
	o.current.TabVisible = v
	o.publishLocked()
}

// publishLocked must be called with o.mu held; it snapshots state and
// releases the lock before invoking subscriber callbacks so a subscriber
// calling back into the observable cannot deadlock.
func (o *Observable) publishLocked() {
	snap := o.current
	subs := make([]func(Snapshot), 0, len(o.subscribers))
	for _, cb := range o.subscribers {
		subs = append(subs, cb)
	}
	o.mu.Unlock()
	for _, cb := range subs {
		cb(snap)
	}
}
