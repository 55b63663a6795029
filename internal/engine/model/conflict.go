package model

import "time"

// ResolutionStrategy records which tier of the resolver decided a field's
// winning value, grounded on the teacher's db.SyncConflict.Resolution
// column and rohanthewiz-gonotes' delete-wins-then-LWW ResolveConflict.
type ResolutionStrategy string

const (
	// StrategyNoLocal fired because the local device had no competing
	// write for this record at all (tier 1).
	StrategyNoLocal ResolutionStrategy = "no_local_change"
	// StrategyDeletePrecedence fired because either side deleted the
	// record (tier 2).
	StrategyDeletePrecedence ResolutionStrategy = "delete_precedence"
	// StrategyLWW fired because the field timestamps were compared and
	// the later one won (tier 3, default).
	StrategyLWW ResolutionStrategy = "last_write_wins"
	// StrategyNumericMerge fired because the field is declared
	// numeric-merge-eligible and both sides hold numbers. The winning
	// value is currently still the later write's; a true additive merge
	// needs the per-operation delta inbox.
	StrategyNumericMerge ResolutionStrategy = "numeric_merge"
	// StrategyPendingLocalWins fired because the local device still had
	// an unsynced queued write for this field.
	StrategyPendingLocalWins ResolutionStrategy = "pending_local_wins"
	// StrategyDeviceTieBreak fired because two writes had identical
	// timestamps and device_id lexicographic order broke the tie.
	StrategyDeviceTieBreak ResolutionStrategy = "device_id_tie_break"
)

// ConflictRecord is one resolved field-level conflict, kept in the local
// store's conflict history (Store.RecordConflict, read back by
// Store.RecentConflicts) the way the teacher keeps db.SyncConflict rows
// for its TUI.
type ConflictRecord struct {
	ID          string
	Table       string
	RecordID    string
	Field       string
	LocalValue  any
	RemoteValue any
	Winner      string // "local" or "remote"
	Strategy    ResolutionStrategy
	DetectedAt  time.Time
}
