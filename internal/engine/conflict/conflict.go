// Package conflict implements the three-tier field-level merge that
// reconciles a local record, a remote record, and the set of pending
// local operations against that record into a single winning row plus an
// audit trail, grounded on the teacher's delete-then-LWW pattern in
// rohanthewiz-gonotes' models/sync_conflict.go (ResolveConflict) and
// generalized to per-field resolution the way the pull pipeline's
// ApplyRemoteEvents/localModifiedSinceSync pair in
// internal/sync/client.go decides overwrite-vs-conflict.
package conflict

import (
	"sort"
	"time"

	"github.com/marcus/reconcile/internal/engine/model"
	"github.com/marcus/reconcile/internal/engine/registry"
)

// ExcludedFields are system/policy columns tier 3 never diffs, since they
// are owned by the engine (id, timestamps, version) rather than by either
// side's edit.
var ExcludedFields = map[string]bool{
	"id":         true,
	"user_id":    true,
	"created_at": true,
	"updated_at": true,
	"version":    true,
	"deleted":    true,
	"deleted_at": true,
}

// Resolution is the outcome of resolving one entity: the merged record and
// any per-field conflicts worth recording.
type Resolution struct {
	Merged    map[string]any
	Deleted   bool
	Version   int64
	UpdatedAt time.Time
	// DeviceID is the last writer whose clock the merged row carries,
	// persisted into the row's device_id system column.
	DeviceID  string
	Conflicts []model.ConflictRecord
}

// Resolve merges a local record (nil if none), a remote record, and the
// pending local operations queued against entityID, following spec's
// three-tier algorithm. table is consulted against schema for
// mergeable-field eligibility.
func Resolve(schema *registry.Schema, table, entityID string, local, remote *model.Record, pending []*model.Operation) Resolution {
	// Tier 1: no local record at all — accept remote whole, no conflict.
	if local == nil {
		return Resolution{
			Merged:    cloneFields(remote.Fields),
			Deleted:   remote.Deleted,
			Version:   remote.Version,
			UpdatedAt: remote.UpdatedAt,
			DeviceID:  remote.DeviceID,
		}
	}

	pendingDelete := false
	pendingFields := make(map[string]bool)
	for _, op := range pending {
		if op.RecordID != entityID {
			continue
		}
		switch op.Type {
		case model.OpDelete:
			pendingDelete = true
		default:
			for f := range op.Fields {
				pendingFields[f] = true
			}
		}
	}

	// Tier 2: delete precedence.
	if pendingDelete && !remote.Deleted {
		return Resolution{
			Merged:    cloneFields(local.Fields),
			Deleted:   true,
			Version:   maxVersion(local, remote) + 1,
			UpdatedAt: maxTime(local.UpdatedAt, remote.UpdatedAt),
			DeviceID:  local.DeviceID,
			Conflicts: []model.ConflictRecord{{
				Table: table, RecordID: entityID, Field: "deleted",
				LocalValue: true, RemoteValue: false,
				Winner: "local", Strategy: model.StrategyDeletePrecedence,
				DetectedAt: time.Now().UTC(),
			}},
		}
	}
	if remote.Deleted && !pendingDelete {
		return Resolution{
			Merged:    cloneFields(remote.Fields),
			Deleted:   true,
			Version:   maxVersion(local, remote) + 1,
			UpdatedAt: maxTime(local.UpdatedAt, remote.UpdatedAt),
			DeviceID:  remote.DeviceID,
			Conflicts: []model.ConflictRecord{{
				Table: table, RecordID: entityID, Field: "deleted",
				LocalValue: false, RemoteValue: true,
				Winner: "remote", Strategy: model.StrategyDeletePrecedence,
				DetectedAt: time.Now().UTC(),
			}},
		}
	}

	// Tier 3: per-field loop over the union of keys.
	merged := make(map[string]any)
	var conflicts []model.ConflictRecord
	touched := false

	var tableSchema registry.TableSchema
	if schema != nil {
		tableSchema, _ = schema.Lookup(table)
	}
	keys := unionKeys(local.Fields, remote.Fields)
	for _, field := range keys {
		if ExcludedFields[field] || tableSchema.ExcludesField(field) {
			continue
		}
		lv, lok := local.Fields[field]
		rv, rok := remote.Fields[field]
		if lok && rok && equalValue(lv, rv) {
			merged[field] = lv
			continue
		}
		if !lok && !rok {
			continue
		}

		touched = true
		winner, strategy := resolveField(schema, table, field, local, remote, lv, rv, pendingFields[field])

		var val any
		if winner == "local" {
			val = lv
		} else {
			val = rv
		}
		merged[field] = val

		conflicts = append(conflicts, model.ConflictRecord{
			Table: table, RecordID: entityID, Field: field,
			LocalValue: lv, RemoteValue: rv,
			Winner: winner, Strategy: strategy,
			DetectedAt: time.Now().UTC(),
		})
	}

	// Fields present in local but untouched above still need to survive
	// into the merged record (union already covers this via the lok
	// branch, but ensure no key is dropped for equal-value fields).
	for k, v := range local.Fields {
		if _, ok := merged[k]; !ok && !ExcludedFields[k] {
			merged[k] = v
		}
	}

	version := local.Version
	updatedAt := local.UpdatedAt
	deviceID := local.DeviceID
	if touched {
		version = maxVersion(local, remote) + 1
		updatedAt = maxTime(local.UpdatedAt, remote.UpdatedAt)
		if remote.UpdatedAt.After(local.UpdatedAt) {
			deviceID = remote.DeviceID
		}
	}

	return Resolution{
		Merged:    merged,
		Deleted:   false,
		Version:   version,
		UpdatedAt: updatedAt,
		DeviceID:  deviceID,
		Conflicts: conflicts,
	}
}

// resolveField applies tier 3's per-field decision tree.
func resolveField(schema *registry.Schema, table, field string, local, remote *model.Record, lv, rv any, hasPending bool) (winner string, strategy model.ResolutionStrategy) {
	if hasPending {
		return "local", model.StrategyPendingLocalWins
	}

	if schema != nil && schema.IsMergeableField(table, field) {
		if _, lok := asFloat(lv); lok {
			if _, rok := asFloat(rv); rok {
				// A true additive merge needs the per-operation delta
				// inbox; until that exists the winning value is still
				// decided by last-write, recorded under the
				// numeric-merge strategy so the audit trail shows
				// which tier fired.
				winner, _ := lastWriteWins(local, remote)
				return winner, model.StrategyNumericMerge
			}
		}
	}

	return lastWriteWins(local, remote)
}

func lastWriteWins(local, remote *model.Record) (string, model.ResolutionStrategy) {
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return "remote", model.StrategyLWW
	}
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return "local", model.StrategyLWW
	}
	// Tie: compare device_id lexicographically; equal or missing remote
	// device favors local.
	if remote.DeviceID == "" || local.DeviceID == remote.DeviceID {
		return "local", model.StrategyDeviceTieBreak
	}
	if local.DeviceID < remote.DeviceID {
		return "local", model.StrategyDeviceTieBreak
	}
	return "remote", model.StrategyDeviceTieBreak
}

func cloneFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var keys []string
	for k := range a {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range b {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func equalValue(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func maxVersion(local, remote *model.Record) int64 {
	if remote.Version > local.Version {
		return remote.Version
	}
	return local.Version
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
