package pull

import (
	"context"
	"fmt"
)

// ShouldBootstrapSnapshot decides whether the pipeline should download a
// compact snapshot instead of replaying every row from scratch, mirroring
// the teacher's runBootstrap gate in cmd/sync.go: only first-ever sync
// (outbox empty, cursor unset) and only when the remote side has enough
// history that a full replay would be wasteful.
func (p *Pipeline) ShouldBootstrapSnapshot(ctx context.Context, snapshotThreshold int) (bool, error) {
	pending, err := p.Store.PendingCount()
	if err != nil {
		return false, fmt.Errorf("pull: bootstrap check pending: %w", err)
	}
	if pending > 0 {
		return false, nil
	}
	cursor, err := p.Store.Cursor()
	if err != nil {
		return false, fmt.Errorf("pull: bootstrap check cursor: %w", err)
	}
	if !cursor.Zero() {
		return false, nil
	}

	data, ok, err := p.Remote.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	if !ok || len(data) < snapshotThreshold {
		return false, nil
	}
	return true, nil
}

// Bootstrap downloads and returns the raw snapshot bytes for the caller to
// install in place of the local store file. The pipeline itself does not
// know how to swap the underlying SQLite file out from under its own
// *store.Store, since that is a process-lifecycle concern the supervisor
// owns (spec §7: "local store open/upgrade failure: the database is
// deleted and rebuilt").
func (p *Pipeline) Bootstrap(ctx context.Context) ([]byte, error) {
	data, ok, err := p.Remote.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return data, nil
}
