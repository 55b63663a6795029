// Package metrics exposes the engine's push/pull/conflict counters via
// OpenTelemetry, following the instrumentation style confirmed in
// steveyegge-beads' internal/storage/dolt/access_lock.go
// (metric.WithAttributes + recorder.Record). Nothing in the teacher's own
// tree emits metrics; this is a pure enrichment from the broader
// retrieval pack to give the ambient-observability section of the spec a
// concrete home, the same way the teacher leans on structured logging
// rather than ad hoc fmt.Println for everything else operational.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Recorder wraps the counters and histograms the engine emits during a
// sync cycle.
type Recorder struct {
	pushed      metric.Int64Counter
	pushFailed  metric.Int64Counter
	pulled      metric.Int64Counter
	applied     metric.Int64Counter
	conflicts   metric.Int64Counter
	cycleMillis metric.Int64Histogram
}

// NewRecorder builds a Recorder against the given meter. Pass
// noop.NewMeterProvider().Meter("") in tests or when metrics export is
// disabled.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	var r Recorder
	var err error

	if r.pushed, err = meter.Int64Counter("reconcile.push.operations",
		metric.WithDescription("operations successfully pushed to the remote service")); err != nil {
		return nil, err
	}
	if r.pushFailed, err = meter.Int64Counter("reconcile.push.failures",
		metric.WithDescription("push operations that failed (transient or permanent)")); err != nil {
		return nil, err
	}
	if r.pulled, err = meter.Int64Counter("reconcile.pull.rows_fetched",
		metric.WithDescription("rows fetched from the remote service during pull")); err != nil {
		return nil, err
	}
	if r.applied, err = meter.Int64Counter("reconcile.pull.rows_applied",
		metric.WithDescription("rows applied to the local store during pull")); err != nil {
		return nil, err
	}
	if r.conflicts, err = meter.Int64Counter("reconcile.conflicts.resolved",
		metric.WithDescription("field-level conflicts resolved by the conflict resolver")); err != nil {
		return nil, err
	}
	if r.cycleMillis, err = meter.Int64Histogram("reconcile.sync.cycle_duration_ms",
		metric.WithDescription("wall-clock duration of a full push+pull sync cycle")); err != nil {
		return nil, err
	}
	return &r, nil
}

// RecordPush records the outcome of one push batch.
func (r *Recorder) RecordPush(ctx context.Context, pushed, failed int, table string) {
	attrs := metric.WithAttributes()
	if table != "" {
		attrs = metric.WithAttributes(tableAttr(table))
	}
	r.pushed.Add(ctx, int64(pushed), attrs)
	if failed > 0 {
		r.pushFailed.Add(ctx, int64(failed), attrs)
	}
}

// RecordPull records the outcome of one pull batch for a table.
func (r *Recorder) RecordPull(ctx context.Context, table string, fetched, applied int) {
	attrs := metric.WithAttributes(tableAttr(table))
	r.pulled.Add(ctx, int64(fetched), attrs)
	r.applied.Add(ctx, int64(applied), attrs)
}

// RecordConflicts records how many field-level conflicts a resolve pass
// produced for a table.
func (r *Recorder) RecordConflicts(ctx context.Context, table string, n int) {
	if n == 0 {
		return
	}
	r.conflicts.Add(ctx, int64(n), metric.WithAttributes(tableAttr(table)))
}

// RecordCycle records the wall-clock duration of a full sync cycle.
func (r *Recorder) RecordCycle(ctx context.Context, millis int64) {
	r.cycleMillis.Record(ctx, millis)
}
