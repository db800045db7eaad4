package unitofwork_test

import (
	"testing"

	"github.com/jacentio/tessera/unitofwork"
)

func TestRegistry_Register(t *testing.T) {
	r := unitofwork.NewRegistry()

	r.Register(unitofwork.Relationship{
		ParentTable: "organizations",
		ChildTable:  "studios",
		ForeignKey:  "organization_id",
	})

	rels := r.AllRelationships()
	if len(rels) != 1 {
		t.Fatalf("expected 1 relationship, got %d", len(rels))
	}
	if rels[0].ParentTable != "organizations" {
		t.Errorf("expected ParentTable 'organizations', got %q", rels[0].ParentTable)
	}
}

func TestRegistry_ChildrenOf(t *testing.T) {
	r := unitofwork.NewRegistry()
	r.Register(unitofwork.Relationship{ParentTable: "organizations", ChildTable: "studios", ForeignKey: "organization_id"})
	r.Register(unitofwork.Relationship{ParentTable: "studios", ChildTable: "titles", ForeignKey: "studio_id"})

	tests := []struct {
		parent string
		want   []string
	}{
		{"organizations", []string{"studios"}},
		{"studios", []string{"titles"}},
		{"titles", nil},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.parent, func(t *testing.T) {
			children := r.ChildrenOf(tt.parent)
			if len(children) != len(tt.want) {
				t.Fatalf("expected %d children, got %d", len(tt.want), len(children))
			}
			for i, rel := range children {
				if rel.ChildTable != tt.want[i] {
					t.Errorf("expected child %q, got %q", tt.want[i], rel.ChildTable)
				}
			}
			if got := r.HasChildren(tt.parent); got != (len(tt.want) > 0) {
				t.Errorf("HasChildren = %v", got)
			}
		})
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r := unitofwork.NewRegistry()
	r.Register(unitofwork.Relationship{ParentTable: "parents", ChildTable: "children", ForeignKey: "parent_id"})

	rel, ok := r.Lookup("parents", "children")
	if !ok {
		t.Fatal("expected relationship")
	}
	if rel.ForeignKey != "parent_id" {
		t.Errorf("expected ForeignKey 'parent_id', got %q", rel.ForeignKey)
	}

	if _, ok := r.Lookup("children", "parents"); ok {
		t.Error("expected no relationship in reverse direction")
	}
}

func TestRegistry_Register_DuplicatePairReplacesLookup(t *testing.T) {
	r := unitofwork.NewRegistry()
	r.Register(unitofwork.Relationship{ParentTable: "parents", ChildTable: "children", ForeignKey: "old_id"})
	r.Register(unitofwork.Relationship{ParentTable: "parents", ChildTable: "children", ForeignKey: "parent_id"})

	rel, _ := r.Lookup("parents", "children")
	if rel.ForeignKey != "parent_id" {
		t.Errorf("expected latest ForeignKey 'parent_id', got %q", rel.ForeignKey)
	}
	if len(r.AllRelationships()) != 2 {
		t.Errorf("expected both registrations to be kept, got %d", len(r.AllRelationships()))
	}
}

func TestRegistry_Empty(t *testing.T) {
	r := unitofwork.NewRegistry()

	if len(r.AllRelationships()) != 0 {
		t.Error("expected no relationships")
	}
	if r.HasChildren("parents") {
		t.Error("expected no children")
	}
}
