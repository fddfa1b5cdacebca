package unison

import (
	"fmt"

	"github.com/syssam/unison/schema"
)

// Status is the lifecycle state of an instance relative to a session.
type Status uint8

const (
	// StatusTransient marks an instance not associated with any session
	// and without an identity key.
	StatusTransient Status = iota
	// StatusPending marks an instance associated with a session through
	// Add but not yet written, so it has no identity key.
	StatusPending
	// StatusPersistent marks an instance with an identity key whose row
	// exists (or will exist at the next flush).
	StatusPersistent
	// StatusDeleted marks a persistent instance scheduled for deletion.
	// It remains registered until the delete is flushed.
	StatusDeleted
	// StatusDetached marks an instance that was persistent and has been
	// disassociated from its session.
	StatusDetached
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusTransient:
		return "transient"
	case StatusPending:
		return "pending"
	case StatusPersistent:
		return "persistent"
	case StatusDeleted:
		return "deleted"
	case StatusDetached:
		return "detached"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// instanceState is the session-side record for one attached instance: its
// lifecycle status, identity key, dirty attributes and the committed
// snapshot used for rollback restoration and orphan detection.
type instanceState struct {
	entity Entity
	typ    *schema.Type
	status Status
	key    Key
	// seq is the order the instance was first associated with the
	// session. Write ordering ties are broken by it.
	seq     int
	expired bool

	dirty map[string]struct{}
	// committed holds scalar attribute values as of the last successful
	// flush or load.
	committed map[string]any
	// committedRefs holds, per relationship, the identity keys of the
	// referents as of the last successful flush. Orphan detection diffs
	// it against the live relationship value.
	committedRefs map[string][]Key
}

// markDirty records a modified attribute or relationship name.
func (st *instanceState) markDirty(name string) {
	if st.dirty == nil {
		st.dirty = make(map[string]struct{})
	}
	st.dirty[name] = struct{}{}
}

// isDirty reports whether the named attribute was modified.
func (st *instanceState) isDirty(name string) bool {
	_, ok := st.dirty[name]
	return ok
}

// clearDirty forgets all recorded modifications.
func (st *instanceState) clearDirty() {
	st.dirty = nil
}

// snapshotScalars captures the current scalar attribute values as the
// committed state.
func (st *instanceState) snapshotScalars() {
	st.committed = make(map[string]any, len(st.typ.Attrs))
	for _, a := range st.typ.Attrs {
		if v, ok := st.entity.GetAttr(a.Name); ok {
			st.committed[a.Name] = v
		}
	}
}

// restoreScalars writes the committed snapshot back into the entity.
func (st *instanceState) restoreScalars() error {
	for name, v := range st.committed {
		if err := st.entity.SetAttr(name, v); err != nil {
			return err
		}
	}
	return nil
}
