package registry

import "testing"

func TestSchemaLookupAndOrder(t *testing.T) {
	s := NewSchema(
		TableSchema{Name: "notes", MergeableFields: []string{"count"}},
		TableSchema{Name: "settings", Singleton: true},
	)

	if got := s.Tables(); len(got) != 2 || got[0] != "notes" || got[1] != "settings" {
		t.Fatalf("expected registration order preserved, got %v", got)
	}

	notes, ok := s.Lookup("notes")
	if !ok || notes.Singleton {
		t.Fatalf("expected notes to be a non-singleton table, got %+v", notes)
	}

	if _, ok := s.Lookup("missing"); ok {
		t.Fatal("expected lookup of unregistered table to fail")
	}
}

func TestIsMergeableField(t *testing.T) {
	s := NewSchema(TableSchema{Name: "notes", MergeableFields: []string{"count"}})

	if !s.IsMergeableField("notes", "count") {
		t.Fatal("expected count to be mergeable")
	}
	if s.IsMergeableField("notes", "title") {
		t.Fatal("expected title to not be mergeable")
	}
	if s.IsMergeableField("missing", "count") {
		t.Fatal("expected unregistered table to report no mergeable fields")
	}
}

func TestShapeHashTracksDeclaredShape(t *testing.T) {
	base := func() *Schema {
		return NewSchema(
			TableSchema{Name: "notes", Columns: []string{"title"}, Owner: OwnedBy("user_id")},
			TableSchema{Name: "settings", Singleton: true},
		)
	}

	if base().ShapeHash() != base().ShapeHash() {
		t.Fatal("expected the same declaration to hash identically")
	}

	changedColumn := NewSchema(
		TableSchema{Name: "notes", Columns: []string{"title", "body"}, Owner: OwnedBy("user_id")},
		TableSchema{Name: "settings", Singleton: true},
	)
	if changedColumn.ShapeHash() == base().ShapeHash() {
		t.Fatal("expected a column change to change the shape hash")
	}

	changedFlag := NewSchema(
		TableSchema{Name: "notes", Columns: []string{"title"}, Owner: OwnedBy("user_id"), SoftDelete: true},
		TableSchema{Name: "settings", Singleton: true},
	)
	if changedFlag.ShapeHash() == base().ShapeHash() {
		t.Fatal("expected a soft-delete flag change to change the shape hash")
	}
}

func TestValidateRejectsDanglingParentOwnership(t *testing.T) {
	ok := NewSchema(
		TableSchema{Name: "notes", Owner: OwnedBy("user_id")},
		TableSchema{Name: "tags", Owner: OwnedVia("notes", "note_id")},
	)
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid ownership graph, got %v", err)
	}

	dangling := NewSchema(
		TableSchema{Name: "tags", Owner: OwnedVia("missing", "note_id")},
	)
	if err := dangling.Validate(); err == nil {
		t.Fatal("expected a parent-less inheritance declaration to fail validation")
	}
}

func TestOwnershipOwnerColumnDefaults(t *testing.T) {
	if col := OwnedBy("").OwnerColumn(); col != "user_id" {
		t.Fatalf("expected blank direct ownership to default to user_id, got %q", col)
	}
	if col := OwnedVia("notes", "note_id").OwnerColumn(); col != "" {
		t.Fatalf("expected inherited ownership to carry no owner column, got %q", col)
	}
}

func TestTableSchemaExcludesField(t *testing.T) {
	ts := TableSchema{Name: "notes", ExcludeFromConflict: []string{"local_only"}}
	if !ts.ExcludesField("local_only") {
		t.Fatal("expected local_only to be excluded")
	}
	if ts.ExcludesField("title") {
		t.Fatal("expected title to not be excluded")
	}
}
