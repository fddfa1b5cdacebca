package schema

import (
	"errors"
	"fmt"
)

// Kind is the navigability of a relationship.
type Kind int

const (
	// O2M is a one-to-many relationship: the parent side of a collection.
	// The foreign key lives on the target (child) table.
	O2M Kind = iota
	// M2O is a many-to-one relationship: the child side pointing at its
	// parent. The foreign key lives on the local table.
	M2O
	// M2M is a many-to-many relationship joined through an association
	// table.
	M2M
)

// String returns the conventional short name of the kind.
func (k Kind) String() string {
	switch k {
	case O2M:
		return "O2M"
	case M2O:
		return "M2O"
	case M2M:
		return "M2M"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Attr describes a scalar attribute mapped to a single column.
type Attr struct {
	// Name is the attribute name used by Entity.GetAttr/SetAttr.
	Name string
	// Column is the mapped column name. Empty means same as Name.
	Column string
	// Generated marks a value produced by the database on insert,
	// typically an auto-increment primary key.
	Generated bool
	// Default, if set, produces a client-side value applied on insert
	// when the attribute is unset. See UUID for key generation.
	Default func() any
}

// ColumnName returns the mapped column, falling back to the attribute name.
func (a *Attr) ColumnName() string {
	if a.Column != "" {
		return a.Column
	}
	return a.Name
}

// Rel describes a relationship attribute: its navigability, join columns
// and cascade policy. Rel values are read-only once the graph is built.
type Rel struct {
	// Name is the attribute under which the referent(s) are held.
	Name string
	// Kind is the relationship navigability.
	Kind Kind
	// To is the target entity type name.
	To string
	// Column is the foreign-key column. For M2O it lives on the local
	// table; for O2M it lives on the target table.
	Column string
	// RefColumn is the referenced primary-key column. Empty means the
	// single primary-key column of the referenced type.
	RefColumn string
	// Cascade is the cascade policy for this relationship.
	Cascade Cascade
	// SingleParent asserts that at most one parent may reference a given
	// child through this relationship. Required for delete-orphan on
	// relationship kinds that otherwise permit multiple parents.
	SingleParent bool
	// PostUpdate defers foreign-key population to a second UPDATE pass,
	// allowing self-referential and mutually-dependent rows.
	PostUpdate bool
	// JoinTable, JoinColumn and JoinRefColumn describe the association
	// table of an M2M relationship. JoinColumn references the local row,
	// JoinRefColumn the target row.
	JoinTable     string
	JoinColumn    string
	JoinRefColumn string
}

// Type describes one mapped entity type: its table, primary key,
// scalar attributes and relationships.
type Type struct {
	// Name is the entity type name as reported by Entity.TypeName.
	Name string
	// Table is the mapped table name.
	Table string
	// ID lists the primary-key attribute names, in key order.
	ID []string
	// Version optionally names an integer attribute used as an
	// optimistic-concurrency counter. Inserts set it to 1; updates and
	// deletes guard on the previous value.
	Version string
	// Attrs are the scalar attributes, including the primary key.
	Attrs []*Attr
	// Rels are the relationship attributes.
	Rels []*Rel

	attrs map[string]*Attr
	rels  map[string]*Rel
}

// Attr returns the scalar attribute with the given name, or nil.
func (t *Type) Attr(name string) *Attr {
	return t.attrs[name]
}

// Rel returns the relationship with the given name, or nil.
func (t *Type) Rel(name string) *Rel {
	return t.rels[name]
}

// HasCompositeID reports whether the primary key spans multiple attributes.
func (t *Type) HasCompositeID() bool {
	return len(t.ID) > 1
}

func (t *Type) index() error {
	if len(t.ID) == 0 {
		return &ConfigurationError{Type: t.Name, Message: "missing primary key"}
	}
	t.attrs = make(map[string]*Attr, len(t.Attrs))
	for _, a := range t.Attrs {
		if _, ok := t.attrs[a.Name]; ok {
			return &ConfigurationError{Type: t.Name, Message: fmt.Sprintf("duplicate attribute %q", a.Name)}
		}
		t.attrs[a.Name] = a
	}
	t.rels = make(map[string]*Rel, len(t.Rels))
	for _, r := range t.Rels {
		if _, ok := t.rels[r.Name]; ok {
			return &ConfigurationError{Type: t.Name, Rel: r.Name, Message: "duplicate relationship"}
		}
		if _, ok := t.attrs[r.Name]; ok {
			return &ConfigurationError{Type: t.Name, Rel: r.Name, Message: "relationship name collides with attribute"}
		}
		t.rels[r.Name] = r
	}
	for _, id := range t.ID {
		if _, ok := t.attrs[id]; !ok {
			return &ConfigurationError{Type: t.Name, Message: fmt.Sprintf("primary-key attribute %q is not declared", id)}
		}
	}
	if t.Version != "" {
		if _, ok := t.attrs[t.Version]; !ok {
			return &ConfigurationError{Type: t.Name, Message: fmt.Sprintf("version attribute %q is not declared", t.Version)}
		}
	}
	return nil
}

// Graph is the read-only relationship metadata consumed by the cascade
// engine and the dependency planner.
type Graph struct {
	types map[string]*Type
	order []string
}

// NewGraph builds and validates a metadata graph from the given types.
func NewGraph(types ...*Type) (*Graph, error) {
	g := &Graph{types: make(map[string]*Type, len(types))}
	for _, t := range types {
		if _, ok := g.types[t.Name]; ok {
			return nil, &ConfigurationError{Type: t.Name, Message: "duplicate type"}
		}
		if err := t.index(); err != nil {
			return nil, err
		}
		g.types[t.Name] = t
		g.order = append(g.order, t.Name)
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Type returns the descriptor for the named entity type.
func (g *Graph) Type(name string) (*Type, error) {
	t, ok := g.types[name]
	if !ok {
		return nil, fmt.Errorf("unison/schema: unknown type %q", name)
	}
	return t, nil
}

// Types returns all descriptors in registration order.
func (g *Graph) Types() []*Type {
	ts := make([]*Type, 0, len(g.order))
	for _, name := range g.order {
		ts = append(ts, g.types[name])
	}
	return ts
}

// validate checks cross-type consistency. Delete-orphan configuration is
// checked eagerly here: the orphan concept is ill-defined when more than
// one parent may reference the same child.
func (g *Graph) validate() error {
	for _, name := range g.order {
		t := g.types[name]
		for _, r := range t.Rels {
			target, ok := g.types[r.To]
			if !ok {
				return &ConfigurationError{Type: t.Name, Rel: r.Name, Message: fmt.Sprintf("unknown target type %q", r.To)}
			}
			switch r.Kind {
			case O2M, M2O:
				if r.Column == "" {
					return &ConfigurationError{Type: t.Name, Rel: r.Name, Message: "missing foreign-key column"}
				}
			case M2M:
				if r.JoinTable == "" || r.JoinColumn == "" || r.JoinRefColumn == "" {
					return &ConfigurationError{Type: t.Name, Rel: r.Name, Message: "incomplete join-table configuration"}
				}
				// Association rows bind one column per endpoint.
				if t.HasCompositeID() || target.HasCompositeID() {
					return &ConfigurationError{Type: t.Name, Rel: r.Name,
						Message: "many-to-many endpoints require single-column keys"}
				}
			}
			if r.Cascade.Has(CascadeDeleteOrphan) {
				switch {
				case r.Kind == M2O:
					return &ConfigurationError{Type: t.Name, Rel: r.Name,
						Message: "delete-orphan is configured on the owning side; move it to the collection side"}
				case r.Kind == M2M && !r.SingleParent:
					return &ConfigurationError{Type: t.Name, Rel: r.Name,
						Message: "delete-orphan on a many-to-many relationship requires SingleParent"}
				}
			}
			if r.PostUpdate && r.Kind == M2M {
				return &ConfigurationError{Type: t.Name, Rel: r.Name, Message: "post-update does not apply to many-to-many relationships"}
			}
			if target.HasCompositeID() && r.Kind != M2M && r.RefColumn == "" {
				return &ConfigurationError{Type: t.Name, Rel: r.Name,
					Message: fmt.Sprintf("target %q has a composite key; RefColumn is required", r.To)}
			}
		}
	}
	return nil
}

// ConfigurationError reports invalid mapping metadata, such as
// delete-orphan on a relationship that permits multiple parents.
type ConfigurationError struct {
	Type    string // entity type
	Rel     string // relationship name, if any
	Message string
}

// Error returns the error string.
func (e *ConfigurationError) Error() string {
	if e.Rel != "" {
		return fmt.Sprintf("unison/schema: %s.%s: %s", e.Type, e.Rel, e.Message)
	}
	return fmt.Sprintf("unison/schema: %s: %s", e.Type, e.Message)
}

// IsConfigurationError returns true if the error is a ConfigurationError.
func IsConfigurationError(err error) bool {
	if err == nil {
		return false
	}
	var e *ConfigurationError
	return errors.As(err, &e)
}
