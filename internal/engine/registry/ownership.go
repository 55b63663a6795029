package registry

import "fmt"

// OwnershipKind tags how a table's rows are scoped to an owner. Direct
// ownership carries the owner column on the row itself; inherited
// ownership reaches the owner through a declared parent FK. Tagged
// variants instead of an interface keep ownership a pure property of the
// declaration with no dispatch at runtime — the engine never traverses
// the graph, it only reads the declaration.
type OwnershipKind int

const (
	// OwnDirect means the table carries its own owner column.
	OwnDirect OwnershipKind = iota
	// OwnViaParent means ownership is inherited through a foreign key to
	// a parent table that carries (or itself inherits) the owner column.
	OwnViaParent
)

// Ownership declares how rows of a table map to their owning user.
type Ownership struct {
	Kind OwnershipKind

	// Column is the owner column name for OwnDirect tables. Empty means
	// the default "user_id".
	Column string

	// Parent and FK name the parent table and the local FK column for
	// OwnViaParent tables.
	Parent string
	FK     string
}

// OwnedBy declares direct ownership through column (usually "user_id").
func OwnedBy(column string) Ownership {
	return Ownership{Kind: OwnDirect, Column: column}
}

// OwnedVia declares inherited ownership through fk pointing at parent.
func OwnedVia(parent, fk string) Ownership {
	return Ownership{Kind: OwnViaParent, Parent: parent, FK: fk}
}

// OwnerColumn returns the owner column for a direct-owned table,
// defaulting to "user_id" when the declaration left it blank.
func (o Ownership) OwnerColumn() string {
	if o.Kind != OwnDirect {
		return ""
	}
	if o.Column == "" {
		return "user_id"
	}
	return o.Column
}

// Validate checks every declared ownership against the registry: an
// OwnViaParent table must name a parent that is itself registered, so a
// typo in a declaration fails at startup rather than as a silent
// authorization rejection on the first push.
func (s *Schema) Validate() error {
	for _, name := range s.order {
		t := s.tables[name]
		if t.Owner.Kind != OwnViaParent {
			continue
		}
		if t.Owner.Parent == "" || t.Owner.FK == "" {
			return fmt.Errorf("registry: table %s declares parent ownership without parent/fk", name)
		}
		if _, ok := s.tables[t.Owner.Parent]; !ok {
			return fmt.Errorf("registry: table %s inherits ownership from unregistered table %s", name, t.Owner.Parent)
		}
	}
	return nil
}
