// Package pull fetches remote changes and reconciles them into the local
// store, grounded on the teacher's runPull (cmd/sync.go): page through
// the remote in cursor order, apply the fetched rows, and advance the
// cursor only once every table has applied without error (spec §5: "Cursor is
// advanced only on a successful pull"). Unlike the teacher's single
// project-scoped event stream, this pipeline fetches per syncable table
// and fans the per-table fetches out in bounded parallel, since the
// remote wire profile (spec §6) is a plain per-table REST read rather
// than one combined event log.
package pull

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marcus/reconcile/internal/engine/conflict"
	"github.com/marcus/reconcile/internal/engine/metrics"
	"github.com/marcus/reconcile/internal/engine/model"
	"github.com/marcus/reconcile/internal/engine/realtime"
	"github.com/marcus/reconcile/internal/engine/registry"
	"github.com/marcus/reconcile/internal/engine/remoteclient"
	"github.com/marcus/reconcile/internal/engine/store"
)

// maxFanOut bounds how many tables are fetched concurrently, keeping the
// remote service's connection load predictable regardless of schema size.
const maxFanOut = 4

// RecentWriteTTL is how long a row stays protected by the recently-
// modified check after a local write (spec §4.D step 2).
const RecentWriteTTL = 2 * time.Second

// TableFetchTimeout caps one table's entire paginated fetch, not just
// each page request (spec §4.D: "one fetch per table in parallel with a
// wall-clock cap (30s)") — a many-page table would otherwise only be
// bounded per round trip by the HTTP client's own timeout.
const TableFetchTimeout = 30 * time.Second

// Result summarizes one pull cycle.
type Result struct {
	Fetched   int
	Applied   int
	Skipped   int
	Conflicts []model.ConflictRecord
}

// Pipeline pulls and applies remote changes.
type Pipeline struct {
	Store  *store.Store
	Remote *remoteclient.Client
	Schema *registry.Schema

	// Realtime, if set, supplies the echo-suppression cache consulted at
	// spec §4.D step 1. Nil-safe: a pipeline with no realtime path simply
	// never skips on that step.
	Realtime *realtime.Subscriber

	// Metrics, if set, records per-table fetch/apply/conflict counters.
	Metrics *metrics.Recorder

	// DeviceID identifies this pipeline's owning device for conflict
	// tie-breaks.
	DeviceID string
	Logger   *slog.Logger

	// RecentWriteWindow overrides RecentWriteTTL for the recently-
	// modified skip at step 2. Zero means the default.
	RecentWriteWindow time.Duration
}

func (p *Pipeline) recentWindow() time.Duration {
	if p.RecentWriteWindow > 0 {
		return p.RecentWriteWindow
	}
	return RecentWriteTTL
}

type tableFetch struct {
	table string
	pages []remoteclient.Row
}

// Run fetches every registered table since the pull cursor and applies
// each table's rows in turn. Each row is written by its own store call;
// no transaction spans a table. The cursor advances only after every
// table has applied, so a failure partway through leaves the rows already
// written in place and the cursor unmoved.
func (p *Pipeline) Run(ctx context.Context, batchSize int) (Result, error) {
	log := p.log()
	tables := p.Schema.Tables()
	if len(tables) == 0 {
		return Result{}, nil
	}

	cursor, err := p.Store.Cursor()
	if err != nil {
		return Result{}, fmt.Errorf("pull: load cursor: %w", err)
	}

	fetches := make([]tableFetch, len(tables))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFanOut)
	for i, table := range tables {
		i, table := i, table
		g.Go(func() error {
			rows, err := p.fetchTable(gctx, table, cursor, batchSize)
			if err != nil {
				return fmt.Errorf("pull: fetch %s: %w", table, err)
			}
			fetches[i] = tableFetch{table: table, pages: rows}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var res Result
	var latest model.Cursor
	for _, f := range fetches {
		schema, _ := p.Schema.Lookup(f.table)
		applied, skipped, conflicts, err := p.applyTable(f.table, schema, f.pages)
		if err != nil {
			return res, fmt.Errorf("pull: apply %s: %w", f.table, err)
		}
		res.Fetched += len(f.pages)
		res.Applied += applied
		res.Skipped += skipped
		res.Conflicts = append(res.Conflicts, conflicts...)
		for _, c := range conflicts {
			if err := p.Store.RecordConflict(c); err != nil {
				log.Warn("pull: record conflict", "err", err)
			}
		}
		if p.Metrics != nil {
			p.Metrics.RecordPull(ctx, f.table, len(f.pages), applied)
			p.Metrics.RecordConflicts(ctx, f.table, len(conflicts))
		}
		if n := len(f.pages); n > 0 {
			last := f.pages[n-1]
			if last.UpdatedAt > latest.UpdatedAt || (last.UpdatedAt == latest.UpdatedAt && last.ID > latest.ID) {
				latest = model.Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
			}
		}
	}

	if !latest.Zero() {
		if err := p.Store.AdvanceCursor(latest); err != nil {
			return res, fmt.Errorf("pull: advance cursor: %w", err)
		}
	}
	if err := p.Store.RecordHistory("pull", res.Applied, true, ""); err != nil {
		log.Debug("pull: record history", "err", err)
	}
	return res, nil
}

func (p *Pipeline) fetchTable(ctx context.Context, table string, cursor model.Cursor, batchSize int) ([]remoteclient.Row, error) {
	ctx, cancel := context.WithTimeout(ctx, TableFetchTimeout)
	defer cancel()

	var all []remoteclient.Row
	schema, _ := p.Schema.Lookup(table)
	after := cursor
	for {
		page, err := p.Remote.Select(ctx, table, schema.Columns, after.UpdatedAt, after.ID, batchSize, true)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Rows...)
		if len(page.Rows) == 0 || !page.HasMore {
			break
		}
		last := page.Rows[len(page.Rows)-1]
		after = model.Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
	}
	return all, nil
}

// applyTable walks each fetched row through the exact six-step precedence
// spec §4.D describes:
//
//  1. skip if realtime already applied this row within its echo window
//  2. skip if this device wrote the row locally within RecentWriteTTL
//  3. no local record at all: accept remote whole
//  4. local.updated_at >= remote.updated_at: remote is stale, skip
//  5. no pending local operations against the row: accept remote whole
//  6. otherwise: resolve through the three-tier conflict algorithm
func (p *Pipeline) applyTable(table string, schema registry.TableSchema, rows []remoteclient.Row) (applied, skipped int, conflicts []model.ConflictRecord, err error) {
	for _, row := range rows {
		if p.Realtime != nil && p.Realtime.RecentlyEchoed(row.ID) {
			skipped++
			continue
		}
		ok, rowConflicts, err := p.applyRow(table, schema, row)
		if err != nil {
			return applied, skipped, conflicts, err
		}
		conflicts = append(conflicts, rowConflicts...)
		if ok {
			applied++
		} else {
			skipped++
		}
	}
	return applied, skipped, conflicts, nil
}

// applyRow walks one remote row through steps 2-6 of the precedence above
// (the caller owns step 1's echo check, since the realtime path must not
// suppress its own deliveries). Returns whether the row was applied.
func (p *Pipeline) applyRow(table string, schema registry.TableSchema, row remoteclient.Row) (bool, []model.ConflictRecord, error) {
	if p.Store.RecentlyWritten(table, row.ID, p.recentWindow()) {
		return false, nil, nil
	}

	remote, err := decodeRow(table, row)
	if err != nil {
		return false, nil, err
	}

	if len(schema.DependsOn) > 0 && p.wouldCreateCycle(table, remote) {
		return false, nil, nil
	}

	local, err := p.Store.GetRecord(table, row.ID)
	if err != nil {
		return false, nil, fmt.Errorf("get local record: %w", err)
	}

	if local == nil {
		err := p.writeResolved(table, schema, row.ID, conflict.Resolution{
			Merged: remote.Fields, Deleted: remote.Deleted,
			Version: remote.Version, UpdatedAt: remote.UpdatedAt, DeviceID: remote.DeviceID,
		}, nil)
		return err == nil, nil, err
	}

	if !local.UpdatedAt.Before(remote.UpdatedAt) {
		return false, nil, nil
	}

	pending, err := p.Store.OpsForRecord(table, row.ID)
	if err != nil {
		return false, nil, fmt.Errorf("load pending ops: %w", err)
	}
	if len(pending) == 0 {
		err := p.writeResolved(table, schema, row.ID, conflict.Resolution{
			Merged: remote.Fields, Deleted: remote.Deleted,
			Version: remote.Version, UpdatedAt: remote.UpdatedAt, DeviceID: remote.DeviceID,
		}, local)
		return err == nil, nil, err
	}

	res := conflict.Resolve(p.Schema, table, row.ID, local, remote, pending)
	if err := p.writeResolved(table, schema, row.ID, res, local); err != nil {
		return false, res.Conflicts, err
	}
	return true, res.Conflicts, nil
}

// ApplyChange reconciles one realtime-delivered change into the local
// store — the incremental path that keeps the store current between pull
// cycles. The same per-row precedence applies, minus the echo check: a
// realtime delivery is by definition the event being echoed, so only the
// subsequent poll-based pull consults the echo cache. Conflicts resolved
// here land in the same history table as pulled ones.
func (p *Pipeline) ApplyChange(ev remoteclient.ChangeEvent) (bool, error) {
	schema, ok := p.Schema.Lookup(ev.Table)
	if !ok {
		return false, nil
	}
	applied, conflicts, err := p.applyRow(ev.Table, schema, ev.Row)
	if err != nil {
		return false, err
	}
	for _, c := range conflicts {
		if rerr := p.Store.RecordConflict(c); rerr != nil {
			p.log().Warn("pull: record realtime conflict", "err", rerr)
		}
	}
	return applied, nil
}

// writeResolved commits one resolution to the local store, preferring a
// partial column update over a full row replace whenever a prior local
// row exists (spec §4.F, grounded on applyPartialUpdate falling back to
// a full upsert when the targeted row doesn't exist). System columns
// (updated_at, version, device_id) are always written alongside the
// resolved fields so the staleness check at step 4 and the version
// invariant hold on the next cycle.
func (p *Pipeline) writeResolved(table string, schema registry.TableSchema, id string, res conflict.Resolution, local *model.Record) error {
	if res.Deleted {
		if schema.SoftDelete {
			return p.Store.SoftDelete(table, id, res.UpdatedAt)
		}
		return p.Store.Delete(table, id)
	}

	if local == nil {
		return p.Store.Upsert(table, id, withSystemColumns(res, res.Merged))
	}
	changed := model.DiffFields(local.Fields, res.Merged)
	n, err := p.Store.ApplyPartial(table, id, withSystemColumns(res, changed))
	if err != nil {
		return err
	}
	if n == 0 {
		return p.Store.Upsert(table, id, withSystemColumns(res, res.Merged))
	}
	return nil
}

func withSystemColumns(res conflict.Resolution, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		out[k] = v
	}
	if !res.UpdatedAt.IsZero() {
		out["updated_at"] = res.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	if res.Version > 0 {
		out["version"] = res.Version
	}
	if res.DeviceID != "" {
		out["device_id"] = res.DeviceID
	}
	return out
}

// wouldCreateCycle generalizes the teacher's wouldCreateCycleTx/
// hasCyclePathTx pair (internal/sync/events.go) from the task tracker's
// fixed issue_dependencies edge table to any self-referential syncable
// table: it walks the chain of whichever conventional dependency column
// the row carries, looking for a path back to the row's own id.
func (p *Pipeline) wouldCreateCycle(table string, remote *model.Record) bool {
	field := dependencyField(remote.Fields)
	if field == "" {
		return false
	}
	dependsOn, _ := remote.Fields[field].(string)
	if dependsOn == "" {
		return false
	}
	if dependsOn == remote.ID {
		return true
	}
	visited := map[string]bool{remote.ID: true}
	return p.hasCyclePath(table, field, dependsOn, remote.ID, visited)
}

func (p *Pipeline) hasCyclePath(table, field, from, to string, visited map[string]bool) bool {
	if from == to {
		return true
	}
	if visited[from] {
		return false
	}
	visited[from] = true

	rec, err := p.Store.GetRecord(table, from)
	if err != nil || rec == nil {
		return false
	}
	next, _ := rec.Fields[field].(string)
	if next == "" {
		return false
	}
	return p.hasCyclePath(table, field, next, to, visited)
}

func dependencyField(fields map[string]any) string {
	for _, name := range []string{"depends_on_id", "parent_id"} {
		if _, ok := fields[name]; ok {
			return name
		}
	}
	return ""
}

func (p *Pipeline) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
