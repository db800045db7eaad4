package unitofwork

// Relationship defines a parent-child foreign key between two tables.
type Relationship struct {
	// ParentTable is the referenced table (e.g., "organizations").
	ParentTable string

	// ChildTable is the referencing table (e.g., "studios").
	ChildTable string

	// ForeignKey is the child column holding the parent's identifier (e.g., "organization_id").
	ForeignKey string

	// ParentKey is the context key the parent command publishes. Default: "id".
	ParentKey string

	// Optional lets the child run without a value from the parent; the
	// foreign key column is then left unset.
	Optional bool
}

func (r Relationship) parentKey() string {
	if r.ParentKey == "" {
		return "id"
	}
	return r.ParentKey
}

type tablePair struct {
	parent string
	child  string
}

// Registry holds the known parent-child relationships.
type Registry struct {
	relationships []Relationship
	byParent      map[string][]Relationship
	byPair        map[tablePair]Relationship
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		relationships: []Relationship{},
		byParent:      make(map[string][]Relationship),
		byPair:        make(map[tablePair]Relationship),
	}
}

// Register adds a relationship. Registering the same table pair again
// replaces the earlier definition for lookups.
func (r *Registry) Register(rel Relationship) {
	r.relationships = append(r.relationships, rel)
	r.byParent[rel.ParentTable] = append(r.byParent[rel.ParentTable], rel)
	r.byPair[tablePair{parent: rel.ParentTable, child: rel.ChildTable}] = rel
}

// Lookup returns the relationship between parentTable and childTable.
func (r *Registry) Lookup(parentTable, childTable string) (Relationship, bool) {
	rel, ok := r.byPair[tablePair{parent: parentTable, child: childTable}]
	return rel, ok
}

// ChildrenOf returns all child relationships for a given parent table.
func (r *Registry) ChildrenOf(parentTable string) []Relationship {
	return r.byParent[parentTable]
}

// AllRelationships returns all registered relationships.
func (r *Registry) AllRelationships() []Relationship {
	return r.relationships
}

// HasChildren returns true if the parent table has any registered child relationships.
func (r *Registry) HasChildren(parentTable string) bool {
	return len(r.byParent[parentTable]) > 0
}
