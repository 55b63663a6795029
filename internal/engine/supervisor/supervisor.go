// Package supervisor coordinates every sync trigger into a single
// serialized runFullSync cycle (spec §4.G): debounced push after local
// writes, a periodic tick, tab-visibility return, online reconnect, and
// auth state events all fall through the same entry point, which is
// admitted one at a time by a lock and force-released by a watchdog if
// held too long.
//
// The spec's lock is a JS promise-based mutex; Go's idiomatic analogue is
// a size-1 buffered channel used as a semaphore, paired with a
// time.Ticker-driven watchdog goroutine — the same "ticker polls a
// channel-guarded resource" shape the teacher uses for its own
// multi-process write lock (internal/db/write_lock.go's acquire/release
// pair), generalized here from a file lock to an in-process one since
// this engine coordinates goroutines within a single process rather than
// separate OS processes.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/reconcile/internal/engine/metrics"
	"github.com/marcus/reconcile/internal/engine/pull"
	"github.com/marcus/reconcile/internal/engine/push"
	"github.com/marcus/reconcile/internal/engine/realtime"
	"github.com/marcus/reconcile/internal/engine/registry"
	"github.com/marcus/reconcile/internal/engine/status"
	"github.com/marcus/reconcile/internal/engine/store"
)

// RecentWriteSweepTTL bounds how long the local store's recently-written
// cache retains an entry before the periodic tick sweeps it (spec §5:
// "process-local LRU-ish caches with explicit TTL sweeps each periodic
// tick"). Comfortably larger than pull's own 2s recency window so a slow
// tick cadence never sweeps an entry the pull pipeline still needs.
const RecentWriteSweepTTL = 5 * time.Minute

// Defaults mirror spec §4.G's stated timings.
const (
	DefaultPushDebounce        = 2000 * time.Millisecond
	DefaultPeriodicTick        = 15 * time.Minute
	DefaultVisibilityThreshold = 5 * time.Minute
	DefaultVisibilityDebounce  = 1 * time.Second
	DefaultOnlineCooldown      = 2 * time.Minute
	DefaultPhaseTimeout        = 45 * time.Second
	DefaultWatchdogInterval    = 15 * time.Second
	DefaultLockStaleAfter      = 60 * time.Second
	PushBatchSize              = 500
	PullBatchSize              = 1000
)

// Supervisor owns the single-flight sync lock and wires trigger sources
// to runFullSync.
type Supervisor struct {
	Push     *push.Pipeline
	Pull     *pull.Pipeline
	Realtime *realtime.Subscriber
	Status   *status.Observable
	Store    *store.Store
	Metrics  *metrics.Recorder
	Logger   *slog.Logger

	// Schema and TombstoneMaxAge drive the periodic tombstone sweep for
	// soft-delete tables; either unset disables the sweep.
	Schema          *registry.Schema
	TombstoneMaxAge time.Duration

	lock       chan struct{}
	lockHeldAt timeBox
	lastSync   timeBox

	// lockGen guards against a cross-release race: a holder whose lock
	// the watchdog force-released must not release the lock a newer cycle
	// has since acquired.
	genMu   sync.Mutex
	lockGen uint64

	cbMu       sync.Mutex
	onComplete map[int]func()
	nextCBID   int
}

// timeBox is a small mutex-guarded time.Time holder used for the lock's
// held-since timestamp and the last-successful-sync timestamp.
type timeBox struct {
	mu sync.Mutex
	t  time.Time
}

func (b *timeBox) set(t time.Time) {
	b.mu.Lock()
	b.t = t
	b.mu.Unlock()
}

func (b *timeBox) get() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.t
}

// New builds a Supervisor with its lock released.
func New(p *push.Pipeline, pl *pull.Pipeline, rt *realtime.Subscriber, st *status.Observable, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		Push:     p,
		Pull:     pl,
		Realtime: rt,
		Status:   st,
		Logger:   logger,
		lock:     make(chan struct{}, 1),
	}
}

func (s *Supervisor) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// RunWatchdog runs until ctx is cancelled, force-releasing the sync lock
// if it has been held past staleAfter (spec: "a watchdog running every
// 15 s force-releases the lock if held for > 60 s and re-dispatches").
func (s *Supervisor) RunWatchdog(ctx context.Context, tickEvery, staleAfter time.Duration) {
	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held := s.lockHeldAt.get()
			if held.IsZero() {
				continue
			}
			if time.Since(held) > staleAfter {
				s.log().Warn("supervisor: forcing stale lock release", "held_for", time.Since(held))
				s.forceRelease()
				// Re-dispatch: whatever cycle the stuck holder was
				// running never finished, so its work is still owed.
				go func() {
					_ = s.RunFullSync(ctx, Options{Quiet: true})
				}()
			}
		}
	}
}

func (s *Supervisor) forceRelease() {
	s.genMu.Lock()
	s.lockGen++
	s.genMu.Unlock()
	select {
	case <-s.lock:
	default:
	}
	s.lockHeldAt.set(time.Time{})
}

// tryAcquire attempts to admit this call into the single in-flight
// runFullSync, returning false if another cycle already holds it (spec:
// "scheduled triggers that arrive while held are dropped, not queued").
// The returned generation must be passed back to release: a holder whose
// lock was force-released holds a stale generation and its release is a
// no-op rather than a theft of the next cycle's lock.
func (s *Supervisor) tryAcquire() (uint64, bool) {
	select {
	case s.lock <- struct{}{}:
		s.genMu.Lock()
		s.lockGen++
		gen := s.lockGen
		s.genMu.Unlock()
		s.lockHeldAt.set(time.Now())
		return gen, true
	default:
		return 0, false
	}
}

func (s *Supervisor) release(gen uint64) {
	s.genMu.Lock()
	stale := gen != s.lockGen
	s.genMu.Unlock()
	if stale {
		return
	}
	select {
	case <-s.lock:
	default:
	}
	s.lockHeldAt.set(time.Time{})
}

// Options configures one invocation of RunFullSync.
type Options struct {
	Quiet    bool
	SkipPull bool
}

// RunFullSync is the single entry point every trigger funnels through. It
// pushes, then (unless skipped) pulls, each bounded by
// DefaultPhaseTimeout, and drops the lock if another cycle is already in
// flight rather than queuing behind it.
func (s *Supervisor) RunFullSync(ctx context.Context, opts Options) error {
	if s.Push == nil || s.Pull == nil {
		return fmt.Errorf("supervisor: push/pull pipelines not configured")
	}
	gen, ok := s.tryAcquire()
	if !ok {
		s.log().Debug("supervisor: sync already in flight, dropping trigger")
		return nil
	}
	defer s.release(gen)

	started := time.Now()
	if s.Metrics != nil {
		defer func() {
			s.Metrics.RecordCycle(ctx, time.Since(started).Milliseconds())
		}()
	}

	if !opts.Quiet {
		s.Status.SetSyncing("pushing changes")
	}

	skipPull := opts.SkipPull
	if s.Realtime != nil && s.Realtime.State() == realtime.StateConnected {
		skipPull = true
	}

	pushCtx, cancel := context.WithTimeout(ctx, DefaultPhaseTimeout)
	_, err := s.Push.Run(pushCtx, PushBatchSize)
	cancel()
	if err != nil {
		s.Status.SetError("sync failed while pushing changes", err)
		return err
	}

	if !skipPull {
		if !opts.Quiet {
			s.Status.SetSyncing("pulling changes")
		}
		pullCtx, cancel := context.WithTimeout(ctx, DefaultPhaseTimeout)
		_, err := s.Pull.Run(pullCtx, PullBatchSize)
		cancel()
		if err != nil {
			s.Status.SetError("sync failed while pulling changes", err)
			return err
		}
	}

	s.lastSync.set(time.Now())
	if !opts.Quiet {
		// Anti-flicker floor: hold the syncing phase visible for its
		// minimum dwell before settling back to idle.
		if d := s.Status.MinSyncingDwellRemaining(); d > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		}
		s.Status.SetIdle()
	}
	s.notifyComplete()
	return nil
}

// OnSyncComplete registers cb to run after every successful full cycle,
// returning an unregister func (spec §6's onSyncComplete registration).
func (s *Supervisor) OnSyncComplete(cb func()) func() {
	s.cbMu.Lock()
	if s.onComplete == nil {
		s.onComplete = make(map[int]func())
	}
	id := s.nextCBID
	s.nextCBID++
	s.onComplete[id] = cb
	s.cbMu.Unlock()
	return func() {
		s.cbMu.Lock()
		delete(s.onComplete, id)
		s.cbMu.Unlock()
	}
}

func (s *Supervisor) notifyComplete() {
	s.cbMu.Lock()
	cbs := make([]func(), 0, len(s.onComplete))
	for _, cb := range s.onComplete {
		cbs = append(cbs, cb)
	}
	s.cbMu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}
