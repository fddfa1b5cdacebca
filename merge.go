package unison

import (
	"context"
	"fmt"
	"reflect"

	"github.com/syssam/unison/cascade"
	"github.com/syssam/unison/schema"
)

// Merge reconciles a detached (or transient) instance into the session
// and returns the session-local counterpart; the argument is never
// attached. Instances carrying an identity key merge onto the registered
// representative when one exists, otherwise their committed state is
// loaded by key and the detached values are overlaid as pending
// modifications. Keyless instances merge as new pending copies. The
// merge cascade extends the operation to referents whose relationship
// carries the merge flag, and relationship attributes on the returned
// copies point at merged counterparts.
//
// Merging an unknown key whose row no longer exists is an error: the
// detached state has nothing to reconcile against.
func (s *Session) Merge(ctx context.Context, e Entity) (Entity, error) {
	if err := s.checkActive(); err != nil {
		return nil, err
	}
	closure, err := cascade.Expand(cascade.Merge, []any{e}, s.resolver())
	if err != nil {
		return nil, err
	}
	merged := make(map[Entity]Entity, len(closure))
	var fresh []Entity
	for _, inst := range closure {
		src := inst.(Entity)
		dst, err := s.mergeOne(ctx, src, &fresh)
		if err != nil {
			return nil, err
		}
		merged[src] = dst
	}
	for src, dst := range merged {
		if src == dst {
			continue
		}
		if err := s.remapRefs(src, dst, merged); err != nil {
			return nil, err
		}
	}
	// The remapped relationship values are the best known committed
	// state for freshly merged identities; snapshot them so the next
	// flush does not re-write unchanged memberships.
	for _, dst := range fresh {
		if st, ok := s.states[dst]; ok && st.status == StatusPersistent {
			s.snapshotRefs(st)
		}
	}
	return merged[e], nil
}

// mergeOne reconciles a single instance, without relationship remapping.
// Freshly attached copies are appended to fresh.
func (s *Session) mergeOne(ctx context.Context, src Entity, fresh *[]Entity) (Entity, error) {
	if _, ok := s.states[src]; ok {
		return src, nil
	}
	typ, err := s.graph.Type(src.TypeName())
	if err != nil {
		return nil, err
	}
	key := keyFromEntity(typ, src)
	if key.IsZero() {
		dst, err := s.newInstance(typ, src)
		if err != nil {
			return nil, err
		}
		if _, err := s.attach(dst); err != nil {
			return nil, err
		}
		*fresh = append(*fresh, dst)
		return dst, nil
	}
	if st, ok := s.reg.lookup(key); ok {
		if err := s.overlayScalars(st, src); err != nil {
			return nil, err
		}
		return st.entity, nil
	}
	dst, err := s.newInstance(typ, src)
	if err != nil {
		return nil, err
	}
	if s.loader != nil {
		stmt := selectByKey(typ, key)
		s.observe(stmt)
		row, found, err := s.loader.LoadRow(ctx, s.conn(), stmt)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("unison: merge %s: row no longer exists", key)
		}
		for _, a := range typ.Attrs {
			if v, ok := row[a.ColumnName()]; ok {
				if err := dst.SetAttr(a.Name, v); err != nil {
					return nil, err
				}
			}
		}
	}
	st, err := s.attach(dst)
	if err != nil {
		return nil, err
	}
	if err := s.overlayScalars(st, src); err != nil {
		return nil, err
	}
	*fresh = append(*fresh, dst)
	return dst, nil
}

// newInstance constructs a fresh instance of src's type via the
// configured factory and copies src's scalar attributes onto it.
func (s *Session) newInstance(typ *schema.Type, src Entity) (Entity, error) {
	if s.factory == nil {
		return nil, fmt.Errorf("unison: merge requires a type factory; use WithFactory")
	}
	dst, err := s.factory(typ.Name)
	if err != nil {
		return nil, err
	}
	for _, a := range typ.Attrs {
		if v, ok := src.GetAttr(a.Name); ok && v != nil {
			if err := dst.SetAttr(a.Name, v); err != nil {
				return nil, err
			}
		}
	}
	return dst, nil
}

// overlayScalars copies src's non-key scalar attributes onto the attached
// state, recording a dirty mark for each value that actually changed.
func (s *Session) overlayScalars(st *instanceState, src Entity) error {
	typ := st.typ
	pk := make(map[string]bool, len(typ.ID))
	for _, id := range typ.ID {
		pk[id] = true
	}
	for _, a := range typ.Attrs {
		if pk[a.Name] {
			continue
		}
		v, ok := src.GetAttr(a.Name)
		if !ok {
			continue
		}
		cur, _ := st.entity.GetAttr(a.Name)
		if reflect.DeepEqual(cur, v) {
			continue
		}
		if err := st.entity.SetAttr(a.Name, v); err != nil {
			return err
		}
		s.touch(st, a.Name)
	}
	return nil
}

// remapRefs installs relationship values on a merged copy, substituting
// merged counterparts for the source referents. Referents outside the
// merge closure are dropped rather than smuggling detached instances into
// the session.
func (s *Session) remapRefs(src, dst Entity, merged map[Entity]Entity) error {
	typ, err := s.graph.Type(src.TypeName())
	if err != nil {
		return err
	}
	for _, rel := range typ.Rels {
		v, ok := src.GetAttr(rel.Name)
		if !ok || v == nil {
			continue
		}
		refs := normalizeRefs(v)
		mapped := make([]Entity, 0, len(refs))
		for _, ref := range refs {
			if m, ok := merged[ref.(Entity)]; ok {
				mapped = append(mapped, m)
			}
		}
		if len(mapped) == 0 {
			continue
		}
		var value any
		if rel.Kind == schema.M2O {
			value = mapped[0]
		} else {
			value = mapped
		}
		if err := dst.SetAttr(rel.Name, value); err != nil {
			return err
		}
	}
	return nil
}

// keyFromEntity derives an identity key directly from an instance's
// primary-key attributes, outside any session state.
func keyFromEntity(typ *schema.Type, e Entity) Key {
	values := make([]any, 0, len(typ.ID))
	for _, id := range typ.ID {
		v, ok := e.GetAttr(id)
		if !ok || v == nil || isZeroValue(v) {
			return Key{}
		}
		values = append(values, v)
	}
	return NewKey(typ.Name, values...)
}
