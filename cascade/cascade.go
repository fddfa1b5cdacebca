// Package cascade expands a session operation from its root instances to
// the transitive closure of related instances, honoring the cascade policy
// configured on each relationship.
//
// Traversal is breadth-first with a visited set, so cyclic object graphs
// (self-referential trees, mutually referencing rows) terminate and every
// instance is processed exactly once.
package cascade

import (
	"fmt"

	"github.com/syssam/unison/schema"
)

// Op is a session operation subject to cascade expansion.
type Op int

const (
	// SaveUpdate expands Session.Add.
	SaveUpdate Op = iota
	// Merge expands Session.Merge.
	Merge
	// Delete expands Session.Delete.
	Delete
	// RefreshExpire expands Session.Expire and Session.Refresh.
	RefreshExpire
	// Expunge expands Session.Expunge.
	Expunge
)

// String returns the cascade-flag name of the operation.
func (o Op) String() string {
	switch o {
	case SaveUpdate:
		return "save-update"
	case Merge:
		return "merge"
	case Delete:
		return "delete"
	case RefreshExpire:
		return "refresh-expire"
	case Expunge:
		return "expunge"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// follows reports whether the operation traverses the given relationship.
func (o Op) follows(r *schema.Rel) bool {
	switch o {
	case SaveUpdate:
		return r.Cascade.Has(schema.CascadeSaveUpdate)
	case Merge:
		return r.Cascade.Has(schema.CascadeMerge)
	case Delete:
		// Deleting a parent also deletes children held only through a
		// delete-orphan relationship.
		return r.Cascade.Has(schema.CascadeDelete) || r.Cascade.Has(schema.CascadeDeleteOrphan)
	case RefreshExpire:
		return r.Cascade.Has(schema.CascadeRefreshExpire)
	case Expunge:
		return r.Cascade.Has(schema.CascadeExpunge)
	default:
		return false
	}
}

// Resolver supplies instance-level type and relationship access during
// traversal. Instances are opaque comparable handles owned by the caller.
type Resolver interface {
	// Type returns the metadata descriptor for the instance.
	Type(inst any) (*schema.Type, error)
	// Related returns the instances currently referenced through rel.
	Related(inst any, rel *schema.Rel) []any
	// Removed returns the instances that were referenced through rel at
	// the last flush but no longer are. Used for delete-orphan capture.
	Removed(inst any, rel *schema.Rel) []any
}

// Expand returns the transitive closure of instances affected by applying
// op to roots, in first-visit order beginning with the roots themselves.
func Expand(op Op, roots []any, r Resolver) ([]any, error) {
	var (
		visited = make(map[any]struct{}, len(roots))
		closure []any
		queue   []any
	)
	for _, root := range roots {
		if root == nil {
			continue
		}
		if _, ok := visited[root]; ok {
			continue
		}
		visited[root] = struct{}{}
		closure = append(closure, root)
		queue = append(queue, root)
	}
	for len(queue) > 0 {
		inst := queue[0]
		queue = queue[1:]
		typ, err := r.Type(inst)
		if err != nil {
			return nil, err
		}
		for _, rel := range typ.Rels {
			if !op.follows(rel) {
				continue
			}
			for _, ref := range r.Related(inst, rel) {
				if ref == nil {
					continue
				}
				if _, ok := visited[ref]; ok {
					continue
				}
				visited[ref] = struct{}{}
				closure = append(closure, ref)
				queue = append(queue, ref)
			}
		}
	}
	return closure, nil
}

// Orphans inspects live parents whose relationship state changed and
// returns the children that were removed from a delete-orphan relationship
// and thereby lost their single owning parent. The orphan concept is only
// well defined when at most one parent may reference the child, so a
// delete-orphan relationship that permits multiple parents is a
// configuration error rather than a silent no-op.
func Orphans(parents []any, r Resolver) ([]any, error) {
	var (
		seen    = make(map[any]struct{})
		orphans []any
	)
	for _, parent := range parents {
		typ, err := r.Type(parent)
		if err != nil {
			return nil, err
		}
		for _, rel := range typ.Rels {
			if !rel.Cascade.Has(schema.CascadeDeleteOrphan) {
				continue
			}
			if rel.Kind == schema.M2M && !rel.SingleParent {
				return nil, &schema.ConfigurationError{
					Type:    typ.Name,
					Rel:     rel.Name,
					Message: "delete-orphan requires single-parent semantics",
				}
			}
			for _, child := range r.Removed(parent, rel) {
				if child == nil {
					continue
				}
				if _, ok := seen[child]; ok {
					continue
				}
				seen[child] = struct{}{}
				orphans = append(orphans, child)
			}
		}
	}
	return orphans, nil
}
