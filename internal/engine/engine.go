// Package engine wires the local store, remote client, conflict
// resolver, push/pull pipelines, realtime subscriber, status observable,
// and supervisor into the single construction surface a host application
// embeds. Grounded on the teacher's cmd/root.go, which is the one place
// that wires db.Open, syncconfig.Load, and the various subsystems
// together before handing a ready-to-use set of dependencies to the rest
// of cmd/ — this package is that same wiring, generalized from a CLI's
// root command into a library entry point any host (CLI, server,
// desktop shell) can call.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/marcus/reconcile/internal/engine/authcache"
	"github.com/marcus/reconcile/internal/engine/crdtdoc"
	"github.com/marcus/reconcile/internal/engine/metrics"
	"github.com/marcus/reconcile/internal/engine/pull"
	"github.com/marcus/reconcile/internal/engine/push"
	"github.com/marcus/reconcile/internal/engine/realtime"
	"github.com/marcus/reconcile/internal/engine/registry"
	"github.com/marcus/reconcile/internal/engine/remoteclient"
	"github.com/marcus/reconcile/internal/engine/status"
	"github.com/marcus/reconcile/internal/engine/store"
	"github.com/marcus/reconcile/internal/engine/supervisor"
)

// Options configures a new Engine. Schema and StorePath are required;
// everything else falls back to registry.Load's defaults or a
// slog.Default logger.
type Options struct {
	StorePath string
	Schema    *registry.Schema
	APIKey    string
	Config    *registry.Config
	Logger    *slog.Logger

	// MeterProvider supplies the OpenTelemetry meter metrics are recorded
	// against. Defaults to a no-op provider, so embedding this engine
	// without a metrics backend costs nothing beyond a few counter calls
	// that go nowhere.
	MeterProvider otelmetric.MeterProvider

	// AuthProvider, if set, gates push cycles on an hourly-cached session
	// validity check (spec §6's auth-provider collaborator). Nil disables
	// the check entirely, for host applications with no auth concept.
	AuthProvider authcache.Provider
}

// Engine is the assembled reconciliation engine: one local store, one
// remote client, and the push/pull/realtime/status/supervisor machinery
// built on top of them.
type Engine struct {
	Store      *store.Store
	Remote     *remoteclient.Client
	Schema     *registry.Schema
	Config     *registry.Config
	Push       *push.Pipeline
	Pull       *pull.Pipeline
	Realtime   *realtime.Subscriber
	Status     *status.Observable
	Supervisor *supervisor.Supervisor
	Documents  *crdtdoc.Manager
	Metrics    *metrics.Recorder
	Auth       *authcache.Cache
	DeviceID   string
	Logger     *slog.Logger

	debounced *supervisor.DebouncedPush
	authUnsub func()
}

// New opens the local store, wires every subsystem against it and the
// given options, and returns a ready-to-run Engine. It does not start any
// background loops; call Run for that.
func New(opts Options) (*Engine, error) {
	if opts.Schema == nil {
		return nil, fmt.Errorf("engine: Schema is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := opts.Config
	if cfg == nil {
		loaded, err := registry.Load()
		if err != nil {
			return nil, fmt.Errorf("engine: load config: %w", err)
		}
		cfg = loaded
	}

	if err := opts.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("engine: validate schema: %w", err)
	}

	st, err := store.Open(opts.StorePath)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	for _, table := range opts.Schema.Tables() {
		t, _ := opts.Schema.Lookup(table)
		if err := st.EnsureTable(table, t.Columns, t.Owner.OwnerColumn()); err != nil {
			st.Close()
			return nil, fmt.Errorf("engine: ensure table %s: %w", table, err)
		}
	}

	// A declared-shape change invalidates the materialized rows: they are
	// cleared and the cursor reset, and the next pull rehydrates them.
	rebuilt, err := st.EnsureShape(opts.Schema.ShapeHash(), opts.Schema.Tables())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("engine: ensure store shape: %w", err)
	}
	if rebuilt {
		logger.Warn("engine: store shape changed, cleared local rows for rehydration")
	}

	deviceID, err := st.DeviceID(func() string { return uuid.NewString() })
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("engine: device id: %w", err)
	}

	docs := crdtdoc.NewManager(st.Conn(), logger)
	if err := docs.Migrate(); err != nil {
		st.Close()
		return nil, fmt.Errorf("engine: migrate documents: %w", err)
	}

	remote := remoteclient.New(cfg.RemoteURL, opts.APIKey)
	docs.Sender = remote.PublishDocUpdate

	meterProvider := opts.MeterProvider
	if meterProvider == nil {
		meterProvider = noop.NewMeterProvider()
	}
	recorder, err := metrics.NewRecorder(meterProvider.Meter("reconcile"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("engine: build metrics recorder: %w", err)
	}

	var auth *authcache.Cache
	var authUnsub func()
	if opts.AuthProvider != nil {
		auth = authcache.New(opts.AuthProvider)
		authUnsub = auth.Listen()
	}

	pushPipe := &push.Pipeline{Store: st, Remote: remote, Schema: opts.Schema, Metrics: recorder, Auth: auth, Logger: logger}

	rt := &realtime.Subscriber{
		Remote: remote,
		Tables: opts.Schema.Tables(),
		Logger: logger,
	}

	pullPipe := &pull.Pipeline{
		Store: st, Remote: remote, Schema: opts.Schema, Realtime: rt,
		Metrics: recorder, DeviceID: deviceID, Logger: logger,
	}
	statusObs := status.New()

	sup := supervisor.New(pushPipe, pullPipe, rt, statusObs, logger)
	sup.Store = st
	sup.Metrics = recorder
	sup.Schema = opts.Schema
	sup.TombstoneMaxAge = cfg.TombstoneMaxAge

	e := &Engine{
		Store:      st,
		Remote:     remote,
		Schema:     opts.Schema,
		Config:     cfg,
		Push:       pushPipe,
		Pull:       pullPipe,
		Realtime:   rt,
		Status:     statusObs,
		Supervisor: sup,
		Documents:  docs,
		Metrics:    recorder,
		Auth:       auth,
		DeviceID:   deviceID,
		Logger:     logger,
		debounced: &supervisor.DebouncedPush{
			Supervisor: sup,
			Debounce:   cfg.AutoDebounce,
		},
		authUnsub: authUnsub,
	}

	// Realtime deliveries run through the same resolver-and-apply path a
	// pulled row does, then notify the host's per-table hook. Document
	// broadcasts ride the same feed but bypass the row resolver entirely:
	// CRDT convergence replaces conflict resolution at that layer.
	rt.OnChange = func(ev remoteclient.ChangeEvent) {
		if ev.Op == remoteclient.ChangeOpDocUpdate {
			du, err := remoteclient.DecodeDocUpdate(ev)
			if err != nil {
				logger.Warn("engine: decode document update", "doc", ev.Row.ID, "err", err)
				return
			}
			if err := docs.ApplyIncoming(ev.Row.ID, du.Update, du.Origin); err != nil {
				logger.Debug("engine: apply document update", "doc", ev.Row.ID, "err", err)
			}
			return
		}
		applied, err := pullPipe.ApplyChange(ev)
		if err != nil {
			logger.Warn("engine: apply realtime change", "table", ev.Table, "id", ev.Row.ID, "err", err)
			return
		}
		if applied {
			if t, ok := opts.Schema.Lookup(ev.Table); ok && t.OnRemoteChange != nil {
				t.OnRemoteChange(ev.Row.ID, ev.Op)
			}
		}
		statusObs.SetPendingCount(e.pendingCountOrZero())
	}
	rt.OnState = func(st realtime.State) {
		statusObs.SetRealtimeState(status.RealtimeState(st.String()))
	}

	if auth != nil {
		auth.OnAuthKicked = func(err error) {
			statusObs.SetError("signed out", err)
		}
	}

	return e, nil
}

// Run starts every background loop (realtime subscription, watchdog,
// periodic tick, document persistence) and blocks until ctx is
// cancelled. Intended to be run in its own goroutine by the host
// application.
func (e *Engine) Run(ctx context.Context, tabVisible, online func() bool) {
	tick := e.Config.AutoInterval
	if tick <= 0 {
		tick = supervisor.DefaultPeriodicTick
	}
	go e.Realtime.Run(ctx)
	go e.Supervisor.RunWatchdog(ctx, supervisor.DefaultWatchdogInterval, supervisor.DefaultLockStaleAfter)
	go e.Supervisor.PeriodicTick(ctx, tick, tabVisible, online)
	go e.Documents.PersistLoop(ctx, crdtdoc.PersistInterval)

	if e.Config.AutoOnStart {
		go func() {
			_ = e.Supervisor.RunFullSync(ctx, supervisor.Options{Quiet: true})
		}()
	}

	<-ctx.Done()
}

// NotifyLocalWrite records a local mutation, debouncing a sync cycle that
// pushes and, unless realtime is connected, pulls (spec §4.G's "debounced
// push after local writes").
func (e *Engine) NotifyLocalWrite(ctx context.Context) {
	e.debounced.Notify(ctx)
	e.Status.SetPendingCount(e.pendingCountOrZero())
}

// NotifyVisible tells the engine the host's tab/window just became
// visible after having been hidden for awayDuration.
func (e *Engine) NotifyVisible(ctx context.Context, awayDuration time.Duration) {
	e.Status.SetTabVisible(true)
	threshold := e.Config.VisibilitySyncMinAway
	if threshold == 0 {
		threshold = supervisor.DefaultVisibilityThreshold
	}
	e.Supervisor.VisibilityReturn(ctx, awayDuration, threshold, supervisor.DefaultVisibilityDebounce)
}

// NotifyHidden tells the engine the host's tab/window just became hidden.
func (e *Engine) NotifyHidden() {
	e.Status.SetTabVisible(false)
}

// NotifyOnline tells the engine connectivity just returned.
func (e *Engine) NotifyOnline(ctx context.Context) {
	cooldown := e.Config.OnlineReconnectCooldown
	if cooldown == 0 {
		cooldown = supervisor.DefaultOnlineCooldown
	}
	e.Supervisor.OnlineReconnect(ctx, cooldown)
}

// NotifyOffline tells the engine connectivity was lost, pausing the
// realtime subscription and surfacing the offline status.
func (e *Engine) NotifyOffline() {
	e.Realtime.Pause()
	e.Status.SetOffline()
}

// NotifyAuthChanged tells the engine the host's sign-in state changed
// (sign-in, sign-out, token refresh), triggering an immediate sync.
func (e *Engine) NotifyAuthChanged(ctx context.Context) {
	if e.Auth != nil {
		e.Auth.Invalidate()
	}
	e.Supervisor.AuthStateChanged(ctx)
}

// NotifyDocumentEdit broadcasts a collaborative document's latest local
// edits to the owner's other devices — the low-latency incremental path
// that carries the bytes between periodic snapshot persists (spec §4.I).
// The host calls it after applying local edits to the document, the same
// way NotifyLocalWrite follows a local row write.
func (e *Engine) NotifyDocumentEdit(ctx context.Context, docID string) error {
	return e.Documents.Broadcast(ctx, docID)
}

// OnSyncComplete registers cb to run after every successful full cycle,
// returning an unregister function.
func (e *Engine) OnSyncComplete(cb func()) func() {
	return e.Supervisor.OnSyncComplete(cb)
}

func (e *Engine) pendingCountOrZero() int {
	n, err := e.Store.PendingCount()
	if err != nil {
		return 0
	}
	return n
}

// Close flushes and closes the local store. The caller must have already
// cancelled the context passed to Run.
func (e *Engine) Close() error {
	if e.authUnsub != nil {
		e.authUnsub()
	}
	return e.Store.Close()
}
