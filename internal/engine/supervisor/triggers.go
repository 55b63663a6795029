package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/marcus/reconcile/internal/engine/realtime"
)

// LastSyncTime returns the time of the last successful full cycle, the
// zero value if none has completed yet.
func (s *Supervisor) LastSyncTime() time.Time {
	return s.lastSync.get()
}

// DebouncedPush coalesces rapid local writes into a single sync cycle,
// fired Debounce after the most recent call to Notify. The cycle pushes,
// then pulls unless realtime is connected. Call Notify on every local
// mutation; each call restarts the timer, and no goroutine needs to be
// started.
type DebouncedPush struct {
	Supervisor *Supervisor
	Debounce   time.Duration

	mu      sync.Mutex
	pending bool
	timer   *time.Timer
}

// Notify records a local write, (re)starting the debounce window.
func (d *DebouncedPush) Notify(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.Debounce, func() {
		d.mu.Lock()
		d.pending = false
		d.mu.Unlock()
		_ = d.Supervisor.RunFullSync(ctx, Options{Quiet: false})
	})
}

// PeriodicTick fires a full sync every interval, but only when the tab is
// visible, the engine is online, and realtime is not currently healthy —
// when realtime is healthy it already covers incremental correctness
// (spec §4.G).
func (s *Supervisor) PeriodicTick(ctx context.Context, interval time.Duration, tabVisible func() bool, online func() bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runMaintenance()
			if s.Realtime != nil && s.Realtime.State() == realtime.StateConnected {
				continue
			}
			if tabVisible != nil && !tabVisible() {
				continue
			}
			if online != nil && !online() {
				continue
			}
			_ = s.RunFullSync(ctx, Options{Quiet: true})
		}
	}
}

// ConflictHistoryMaxAge bounds the conflict audit trail's retention.
const ConflictHistoryMaxAge = 30 * 24 * time.Hour

// HistoryKeepRows caps the sync-history diagnostic log.
const HistoryKeepRows = 500

// runMaintenance performs the TTL sweeps that ride the periodic tick
// regardless of whether a sync cycle actually runs: the recent-writes
// cache, the conflict history window, the sync-history cap, and
// tombstone hard-removal for soft-delete tables.
func (s *Supervisor) runMaintenance() {
	if s.Store == nil {
		return
	}
	s.Store.SweepRecentWrites(RecentWriteSweepTTL)
	if _, err := s.Store.PruneConflicts(ConflictHistoryMaxAge); err != nil {
		s.log().Warn("supervisor: prune conflicts", "err", err)
	}
	if err := s.Store.PruneHistory(HistoryKeepRows); err != nil {
		s.log().Warn("supervisor: prune history", "err", err)
	}
	if s.Schema == nil || s.TombstoneMaxAge <= 0 {
		return
	}
	for _, table := range s.Schema.Tables() {
		t, ok := s.Schema.Lookup(table)
		if !ok || !t.SoftDelete {
			continue
		}
		if n, err := s.Store.PruneTombstones(table, s.TombstoneMaxAge); err != nil {
			s.log().Warn("supervisor: prune tombstones", "table", table, "err", err)
		} else if n > 0 {
			s.log().Debug("supervisor: pruned tombstones", "table", table, "rows", n)
		}
	}
}

// VisibilityReturn fires a debounced sync when the tab becomes visible
// again after being away at least threshold, unless realtime is healthy.
func (s *Supervisor) VisibilityReturn(ctx context.Context, awayDuration time.Duration, threshold time.Duration, debounce time.Duration) {
	if awayDuration < threshold {
		return
	}
	if s.Realtime != nil && s.Realtime.State() == realtime.StateConnected {
		return
	}
	time.AfterFunc(debounce, func() {
		_ = s.RunFullSync(ctx, Options{Quiet: true})
	})
}

// OnlineReconnect restarts realtime every time connectivity returns,
// starting a new subscription if the previous one has stopped, and fires
// a sync only if the last successful sync predates the cooldown window —
// a flapping connection shouldn't trigger a storm of cycles.
func (s *Supervisor) OnlineReconnect(ctx context.Context, cooldown time.Duration) {
	if s.Realtime != nil {
		s.Realtime.Resume()
		if st := s.Realtime.State(); st == realtime.StateDisconnected || st == realtime.StateError {
			go s.Realtime.Run(ctx)
		}
	}
	last := s.LastSyncTime()
	if !last.IsZero() && time.Since(last) < cooldown {
		return
	}
	_ = s.RunFullSync(ctx, Options{Quiet: false})
}

// AuthStateChanged resumes sync and clears any error state on sign-in or
// token refresh.
func (s *Supervisor) AuthStateChanged(ctx context.Context) {
	s.Status.SetIdle()
	_ = s.RunFullSync(ctx, Options{Quiet: false})
}
