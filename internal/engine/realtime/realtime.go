// Package realtime maintains the long-lived change subscription described
// in spec §4.E: one subscription per owner across every table, automatic
// reconnect with bounded backoff, echo suppression so a change this
// device just applied via realtime isn't re-applied a moment later by the
// poll-based pull pipeline, and a degrade-to-polling fallback once the
// reconnect budget is exhausted.
//
// The teacher has no realtime/websocket code to generalize — its sync
// model is pure request/response push-pull — so this package is built in
// the idiom of its retry/reconnect-adjacent code (cmd/autosync.go's
// debounce loop, internal/sync's careful state transitions) using the
// same cenkalti/backoff library the push pipeline uses for retries.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/marcus/reconcile/internal/engine/remoteclient"
)

// State is the subscriber's connection state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EchoTTL is how long an entity recently applied via realtime is
// protected from being reprocessed when the same row arrives through the
// poll-based pull pipeline.
const EchoTTL = 5 * time.Second

// MaxReconnectAttempts bounds the backoff retry budget; once exhausted the
// subscriber settles into StateError and the caller is expected to fall
// back to polling for correctness.
const MaxReconnectAttempts = 6

// Subscriber maintains the change-feed connection and the echo-suppression
// cache the pull pipeline consults.
type Subscriber struct {
	Remote *remoteclient.Client
	Tables []string
	Logger *slog.Logger

	// OnChange is invoked for every change event the feed delivers.
	OnChange func(remoteclient.ChangeEvent)

	// OnState is invoked on every state transition, for the status
	// observable's realtime indicator. Not called for a no-op set.
	OnState func(State)

	mu      sync.Mutex
	state   State
	recent  map[string]time.Time
	paused  bool
	cancel  context.CancelFunc
}

// State returns the current connection state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) setState(st State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed && s.OnState != nil {
		s.OnState(st)
	}
}

// MarkEcho records that entityID was just applied via the realtime path,
// so the pull pipeline's step 1 ("recently processed by realtime") can
// skip reprocessing it.
func (s *Subscriber) MarkEcho(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recent == nil {
		s.recent = make(map[string]time.Time)
	}
	s.recent[entityID] = time.Now()
	sweepStale(s.recent, EchoTTL)
}

// RecentlyEchoed reports whether entityID was applied via realtime within
// EchoTTL.
func (s *Subscriber) RecentlyEchoed(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.recent[entityID]
	return ok && time.Since(t) < EchoTTL
}

func sweepStale(m map[string]time.Time, ttl time.Duration) {
	now := time.Now()
	for k, t := range m {
		if now.Sub(t) > ttl*4 {
			delete(m, k)
		}
	}
}

// Pause stops the subscription without releasing reconnect state,
// matching pauseRealtime() for the offline transition.
func (s *Subscriber) Pause() {
	s.mu.Lock()
	s.paused = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.setState(StateDisconnected)
}

// Resume clears the paused flag; the next Run call reconnects.
func (s *Subscriber) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// Run drives the subscription until ctx is cancelled, reconnecting with
// bounded exponential backoff on drop. It returns only when ctx is done
// or the reconnect budget is exhausted.
func (s *Subscriber) Run(ctx context.Context) error {
	log := s.log()
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return ctx.Err()
		default:
		}

		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if paused {
			s.setState(StateDisconnected)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		s.setState(StateConnecting)
		err := s.Remote.StreamChanges(ctx, s.Tables, func(ev remoteclient.ChangeEvent) error {
			s.setState(StateConnected)
			attempts = 0
			bo.Reset()
			s.MarkEcho(ev.Row.ID)
			if s.OnChange != nil {
				s.OnChange(ev)
			}
			return nil
		})
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return ctx.Err()
		}
		if err != nil {
			log.Warn("realtime: stream dropped", "err", err, "attempt", attempts)
		}

		attempts++
		if attempts >= MaxReconnectAttempts {
			s.setState(StateError)
			log.Warn("realtime: reconnect budget exhausted, falling back to polling")
			return nil
		}

		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Subscriber) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
