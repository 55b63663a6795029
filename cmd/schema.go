package cmd

import "github.com/marcus/reconcile/internal/engine/registry"

// defaultSchema is the table registry the CLI wires the engine against
// when the host application doesn't supply its own (embedders of the
// engine package register their own tables instead). It mirrors the
// teacher's fixed project/issue table set closely enough to exercise
// every conflict tier the spec names: "notes" is an ordinary owned
// table with a numeric-merge field, "settings" is a singleton table
// exercising duplicate-key id reconciliation (spec §8 scenario 3), and
// "tags" is a child table owned via a declared parent FK.
func defaultSchema() *registry.Schema {
	return registry.NewSchema(
		registry.TableSchema{
			Name:            "notes",
			Columns:         []string{"title", "body", "view_count"},
			Owner:           registry.OwnedBy("user_id"),
			SoftDelete:      true,
			MergeableFields: []string{"view_count"},
		},
		registry.TableSchema{
			Name:      "settings",
			Columns:   []string{"theme", "locale"},
			Owner:     registry.OwnedBy("user_id"),
			Singleton: true,
		},
		registry.TableSchema{
			Name:                "tags",
			Columns:             []string{"note_id", "label", "color_hint"},
			Owner:               registry.OwnedVia("notes", "note_id"),
			DependsOn:           []string{"notes"},
			ExcludeFromConflict: []string{"color_hint"},
		},
	)
}
