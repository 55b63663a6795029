// Package push drains the local outbox against the remote service,
// grounded on the teacher's runPush (cmd/sync.go): batch the pending
// queue, send it, mark acknowledged entries synced, and advance local
// push state only after a successful commit. Where the teacher pushes a
// project-scoped event envelope, this pipeline pushes per-table
// INSERT/UPDATE calls against the generic remote wire profile (spec §6),
// since this module has no project/event-log concept of its own.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"github.com/marcus/reconcile/internal/engine/authcache"
	"github.com/marcus/reconcile/internal/engine/errs"
	"github.com/marcus/reconcile/internal/engine/metrics"
	"github.com/marcus/reconcile/internal/engine/model"
	"github.com/marcus/reconcile/internal/engine/registry"
	"github.com/marcus/reconcile/internal/engine/remoteclient"
	"github.com/marcus/reconcile/internal/engine/store"
)

// MaxAttempts is the retry ceiling after which an operation is dropped as
// permanently failed (spec §3: the abandonment ceiling referenced by
// §7's "permanent per-item" handling).
const MaxAttempts = 10

// MaxDrainPasses bounds the outer drain loop so a pathologically growing
// outbox (the host application enqueuing faster than the network can
// drain it) can't spin forever in one sync cycle (spec §4.C: "drain in a
// bounded loop (cap 10 iterations)").
const MaxDrainPasses = 10

// SurfaceAfterAttempts is how many failed attempts a transiently-failing
// item accumulates before its error is propagated up to the status
// surface instead of being swallowed for a silent retry (spec §4.C: "UI
// surfaces the error only after retries >= 3").
const SurfaceAfterAttempts = 3

// Result summarizes one push cycle.
type Result struct {
	Pushed    int
	Failed    int
	Permanent int
}

// Pipeline pushes queued operations to the remote service.
type Pipeline struct {
	Store   *store.Store
	Remote  *remoteclient.Client
	Schema  *registry.Schema
	Metrics *metrics.Recorder
	// Auth, if set, gates every push cycle on the owner's session still
	// being valid (spec §4.C precondition: "remote session is valid,
	// validated at least hourly; cached otherwise").
	Auth   *authcache.Cache
	Logger *slog.Logger

	// NewBackOff overrides the per-op retry policy; nil means exponential
	// with three retries.
	NewBackOff func() backoff.BackOff
}

func (p *Pipeline) newBackOff() backoff.BackOff {
	if p.NewBackOff != nil {
		return p.NewBackOff()
	}
	return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
}

// Run coalesces the outbox, then drains it in FIFO batches of up to
// batchSize until it is empty or MaxDrainPasses is reached, whichever
// comes first (spec §4.C). A transient failure on one operation stops the
// current batch so the rest of a likely-shared outage doesn't spin
// through its own retries; the next cycle resumes where this one left
// off.
func (p *Pipeline) Run(ctx context.Context, batchSize int) (Result, error) {
	log := p.log()
	if p.Auth != nil && !p.Auth.Valid(ctx) {
		err := errs.Authorization("sync session expired", fmt.Errorf("push: auth cache reports no valid session"))
		p.Auth.HandleAuthError(err)
		return Result{}, err
	}
	if err := p.Store.Coalesce(); err != nil {
		log.Warn("push: coalesce outbox", "err", err)
	}

	var total Result
	for pass := 0; pass < MaxDrainPasses; pass++ {
		ops, err := p.Store.PendingOps(batchSize)
		if err != nil {
			return total, fmt.Errorf("push: load pending ops: %w", err)
		}
		if len(ops) == 0 {
			break
		}

		res, err := p.drainBatch(ctx, ops)
		total.Pushed += res.Pushed
		total.Failed += res.Failed
		total.Permanent += res.Permanent
		if err != nil {
			return total, err
		}
		if res.Pushed == 0 {
			// Nothing advanced this pass (every op either failed
			// transiently and halted the batch, or the batch was
			// entirely permanent failures); another pass won't help
			// until the next cycle.
			break
		}
	}

	if err := p.Store.MarkPushed(); err != nil {
		return total, fmt.Errorf("push: mark pushed: %w", err)
	}
	if err := p.Store.RecordHistory("push", total.Pushed, true, ""); err != nil {
		log.Debug("push: record history", "err", err)
	}
	if p.Metrics != nil {
		p.Metrics.RecordPush(ctx, total.Pushed, total.Failed+total.Permanent, "")
	}
	return total, nil
}

func (p *Pipeline) drainBatch(ctx context.Context, ops []*model.Operation) (Result, error) {
	log := p.log()
	var res Result
	for _, op := range ops {
		err := p.pushOne(ctx, op)
		switch {
		case err == nil:
			if err := p.Store.MarkAcked(op.ID, op.ServerSeq); err != nil {
				return res, fmt.Errorf("push: mark acked: %w", err)
			}
			res.Pushed++

		case errs.IsAuthorization(err):
			if p.Auth != nil {
				p.Auth.HandleAuthError(err)
			}
			return res, err

		case errs.IsTransient(err):
			if markErr := p.Store.MarkFailed(op.ID, err.Error()); markErr != nil {
				log.Warn("push: record transient failure", "op", op.ID, "err", markErr)
			}
			res.Failed++
			if op.Attempts+1 >= MaxAttempts {
				log.Warn("push: dropping operation after max attempts", "op", op.ID, "table", op.Table, "record", op.RecordID)
				if remErr := p.Store.Remove(op.ID); remErr != nil {
					return res, fmt.Errorf("push: remove exhausted op: %w", remErr)
				}
				res.Permanent++
				return res, nil
			}
			// A transient failure on one item stops the batch so later
			// items (likely hitting the same outage) don't all spin
			// through their own retry loops; the next cycle resumes.
			// The error stays out of the status surface until the item
			// has been failing long enough to matter.
			if op.Attempts+1 >= SurfaceAfterAttempts {
				return res, err
			}
			return res, nil

		default:
			log.Warn("push: permanent failure", "op", op.ID, "table", op.Table, "record", op.RecordID, "err", err)
			if remErr := p.Store.Remove(op.ID); remErr != nil {
				return res, fmt.Errorf("push: remove failed op: %w", remErr)
			}
			res.Permanent++
		}
	}
	return res, nil
}

func (p *Pipeline) pushOne(ctx context.Context, op *model.Operation) error {
	var lastErr error
	bo := p.newBackOff()
	err := backoff.Retry(func() error {
		err := p.send(ctx, op)
		if err != nil && errs.IsTransient(err) {
			lastErr = err
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))

	if err != nil {
		var permErr *backoff.PermanentError
		if errors.As(err, &permErr) {
			return permErr.Err
		}
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

// send applies one operation against the remote wire profile, resolving
// the spec §4.C error classifications that count as success rather than
// failure: duplicate-key creates, not-found deletes, and zero-row
// singleton updates all reconcile in place instead of propagating an
// error up to the retry/backoff machinery.
func (p *Pipeline) send(ctx context.Context, op *model.Operation) error {
	switch op.Type {
	case model.OpCreate:
		res, err := p.Remote.Insert(ctx, op.Table, op.Fields)
		if err != nil {
			var dup *remoteclient.DuplicateKeyError
			if errors.As(err, &dup) {
				return p.reconcileDuplicateCreate(ctx, op)
			}
			return err
		}
		op.RecordID = res.ID
		return nil

	case model.OpSet:
		_, err := p.Remote.Update(ctx, op.Table, op.RecordID, op.Fields)
		if err != nil {
			var zr *remoteclient.ZeroRowsError
			if errors.As(err, &zr) {
				if p.isSingleton(op.Table) {
					return p.reconcileSingletonUpdate(ctx, op)
				}
				return errs.Authorization("update blocked", err)
			}
			return err
		}
		return nil

	case model.OpIncrement:
		_, err := p.Remote.Increment(ctx, op.Table, op.RecordID, op.Fields)
		if err != nil {
			var zr *remoteclient.ZeroRowsError
			if errors.As(err, &zr) {
				if p.isSingleton(op.Table) {
					return p.reconcileSingletonUpdate(ctx, op)
				}
				return errs.Authorization("update blocked", err)
			}
			return err
		}
		return nil

	case model.OpDelete:
		_, err := p.Remote.Update(ctx, op.Table, op.RecordID, map[string]any{"deleted": true})
		var nf *remoteclient.NotFoundError
		if errors.As(err, &nf) {
			return nil // already gone: spec §4.C treats this as success
		}
		return err

	default:
		return fmt.Errorf("push: unknown op type %q", op.Type)
	}
}

// reconcileDuplicateCreate handles a 409 on create (spec §4.C): for
// ordinary tables the row already exists as far as the remote is
// concerned, so this is a no-op success. For a singleton table, the
// duplicate means another device already created the one allowed row;
// the local id is rewritten to the remote's id and any queue entries
// still bound to the stale local id are purged so they don't retry
// against an id the remote never heard of.
func (p *Pipeline) reconcileDuplicateCreate(ctx context.Context, op *model.Operation) error {
	if !p.isSingleton(op.Table) {
		return nil
	}
	remote, err := p.Remote.LookupSingleton(ctx, op.Table)
	if err != nil {
		return err
	}
	if remote == nil {
		return fmt.Errorf("push: duplicate key on singleton %s but no existing row found", op.Table)
	}
	if err := p.Store.RekeyRecord(op.Table, op.RecordID, remote.ID); err != nil {
		return err
	}
	if err := p.Store.PurgeOpsForRecord(op.Table, op.RecordID); err != nil {
		return err
	}
	op.RecordID = remote.ID
	return nil
}

// reconcileSingletonUpdate handles a zero-row set/increment against a
// singleton table (spec §4.C): the local id has drifted from the
// remote's, so the fix is the same shape as reconcileDuplicateCreate —
// look up the real row, apply our update there, rekey, and purge.
func (p *Pipeline) reconcileSingletonUpdate(ctx context.Context, op *model.Operation) error {
	remote, err := p.Remote.LookupSingleton(ctx, op.Table)
	if err != nil {
		return err
	}
	if remote == nil {
		return errs.Authorization("update blocked", fmt.Errorf("push: no remote row found for singleton %s", op.Table))
	}
	if op.Type == model.OpIncrement {
		if _, err := p.Remote.Increment(ctx, op.Table, remote.ID, op.Fields); err != nil {
			return err
		}
	} else if _, err := p.Remote.Update(ctx, op.Table, remote.ID, op.Fields); err != nil {
		return err
	}
	if err := p.Store.RekeyRecord(op.Table, op.RecordID, remote.ID); err != nil {
		return err
	}
	if err := p.Store.PurgeOpsForRecord(op.Table, op.RecordID); err != nil {
		return err
	}
	op.RecordID = remote.ID
	return nil
}

func (p *Pipeline) isSingleton(table string) bool {
	if p.Schema == nil {
		return false
	}
	t, ok := p.Schema.Lookup(table)
	return ok && t.Singleton
}

func (p *Pipeline) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
