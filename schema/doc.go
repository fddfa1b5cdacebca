// Package schema holds the mapping metadata consumed by the unison session
// engine: entity type descriptors, scalar attributes, relationships and
// cascade policies.
//
// The session engine treats this package as a read-only metadata provider.
// Metadata is usually produced by the accessor generator (compiler/accessor)
// from a YAML manifest, but can also be assembled by hand:
//
//	users := &schema.Type{
//	    Name:  "User",
//	    Table: "users",
//	    ID:    []string{"id"},
//	    Attrs: []*schema.Attr{
//	        {Name: "id", Generated: true},
//	        {Name: "name"},
//	    },
//	    Rels: []*schema.Rel{{
//	        Name:    "addresses",
//	        Kind:    schema.O2M,
//	        To:      "Address",
//	        Column:  "user_id",
//	        Cascade: schema.CascadeAll | schema.CascadeDeleteOrphan,
//	    }},
//	}
//	g, err := schema.NewGraph(users, addresses)
//
// # Relationships
//
// Three relationship kinds are supported, with exhaustive handling in the
// cascade engine and the dependency planner:
//
//   - O2M (one-to-many): the collection side; the foreign key lives on the
//     target table.
//   - M2O (many-to-one): the owning side; the foreign key lives on the
//     local table.
//   - M2M (many-to-many): joined through an association table.
//
// # Cascade policies
//
// Each relationship carries a Cascade flag set controlling how session
// operations propagate. The conventional string form is accepted by
// ParseCascade:
//
//	c, err := schema.ParseCascade("all, delete-orphan")
//
// Delete-orphan requires single-parent semantics: NewGraph fails with a
// ConfigurationError when it is configured on a relationship that permits
// multiple parents referencing the same child.
//
// # Self-referential rows
//
// Relationships whose rows may form reference cycles (a tree's parent
// pointer, two rows referencing each other) must set PostUpdate, which
// resolves the circular foreign key with a second UPDATE pass during flush.
// Without PostUpdate, a cycle is a planning error.
package schema
