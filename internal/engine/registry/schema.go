package registry

import (
	"fmt"
	"hash/fnv"
	"io"
)

// TableSchema describes one syncable table's shape to the conflict
// resolver and the push/pull pipelines, generalizing the teacher's
// syncableTables/allowedEntityTypes lists (internal/sync/backfill.go,
// internal/api/sync.go) from a fixed task-tracker table set into a
// declarative registry any consumer of this module can extend.
type TableSchema struct {
	// Name is the canonical table name, used as both the local store
	// table and the remote resource name (spec §6).
	Name string

	// Columns lists the synced columns; the pull pipeline requests only
	// these from the remote instead of the full row. Empty means all.
	Columns []string

	// Owner declares how rows of this table map to their owning user:
	// a direct owner column, or inherited through a parent FK.
	Owner Ownership

	// OnRemoteChange, if set, is invoked after a remote change to this
	// table has been reconciled into the local store, with the record id
	// and the feed's op kind (INSERT/UPDATE/DELETE). Runs on the realtime
	// goroutine; keep it cheap.
	OnRemoteChange func(recordID, op string)

	// Singleton marks a table where only one row may exist per user
	// (e.g. a settings row), triggering the id-reconciliation path in
	// the push pipeline (spec §8 scenario "singleton id reconciliation"):
	// a 409/already-exists response on create is resolved by fetching
	// the existing row's id and re-pointing local references to it.
	Singleton bool

	// SoftDelete marks a table where delete sets a deleted flag/column
	// rather than removing the row, mirroring the teacher's
	// HasSoftDelete and softDeleteEntity/restoreEntity pair.
	SoftDelete bool

	// MergeableFields lists numeric fields eligible for the
	// numeric-merge conflict tier, spec §4.D tier 3. The resolver
	// records such conflicts as numeric_merge but picks the value by
	// last-write-wins; it does not sum concurrent increments.
	MergeableFields []string

	// DependsOn names other tables this one references by foreign key,
	// used by the pull pipeline's cyclic-dependency check (spec §4.F)
	// when applying a batch whose rows arrived out of creation order.
	DependsOn []string

	// ExcludeFromConflict lists fields tier 3 never diffs for this table,
	// on top of the package-level defaults in the conflict package (spec
	// §6's per-table `excludeFromConflict[]` config entry) — for columns
	// that are table-specific bookkeeping rather than the engine-owned
	// system columns every table shares.
	ExcludeFromConflict []string
}

// ExcludesField reports whether field is excluded from tier 3 conflict
// resolution for this table.
func (t TableSchema) ExcludesField(field string) bool {
	for _, f := range t.ExcludeFromConflict {
		if f == field {
			return true
		}
	}
	return false
}

// Schema is the engine's in-memory table registry, populated at startup
// from the tables the host application declares as syncable.
type Schema struct {
	tables map[string]TableSchema
	order  []string
}

// NewSchema builds a registry from the given table definitions. Order is
// preserved for callers that need a deterministic iteration order (the
// pull pipeline's per-table fan-out, for one).
func NewSchema(tables ...TableSchema) *Schema {
	s := &Schema{tables: make(map[string]TableSchema, len(tables))}
	for _, t := range tables {
		s.tables[t.Name] = t
		s.order = append(s.order, t.Name)
	}
	return s
}

// Lookup returns the schema for a table name.
func (s *Schema) Lookup(table string) (TableSchema, bool) {
	t, ok := s.tables[table]
	return t, ok
}

// Tables returns every registered table name in registration order.
func (s *Schema) Tables() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// ShapeHash returns a deterministic FNV-1a hash of the declared store
// shape: table names, column lists, and the flags that change on-disk
// layout. The local store compares it against the hash recorded at last
// open; a mismatch means the declaration changed underneath the store
// and a rebuild-then-rehydrate is required (spec §4.A).
func (s *Schema) ShapeHash() uint64 {
	h := fnv.New64a()
	for _, name := range s.order {
		t := s.tables[name]
		io.WriteString(h, name)
		io.WriteString(h, "|")
		for _, c := range t.Columns {
			io.WriteString(h, c)
			io.WriteString(h, ",")
		}
		fmt.Fprintf(h, "|s=%t|d=%t|", t.Singleton, t.SoftDelete)
		io.WriteString(h, t.Owner.OwnerColumn())
		io.WriteString(h, t.Owner.Parent)
		io.WriteString(h, t.Owner.FK)
		io.WriteString(h, ";")
	}
	return h.Sum64()
}

// IsMergeableField reports whether field is eligible for numeric-merge
// conflict resolution on the given table.
func (s *Schema) IsMergeableField(table, field string) bool {
	t, ok := s.tables[table]
	if !ok {
		return false
	}
	for _, f := range t.MergeableFields {
		if f == field {
			return true
		}
	}
	return false
}
