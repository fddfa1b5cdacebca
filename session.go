package unison

import (
	"context"
	"fmt"
	"reflect"

	"github.com/syssam/unison/cascade"
	"github.com/syssam/unison/dialect"
	"github.com/syssam/unison/schema"
)

// Option configures a Session.
type Option func(*Session)

// WithLoader sets the row loader used by Refresh and Merge. The reference
// executor in dialect/sql implements Loader, so passing it to both
// NewSession arguments is typical.
func WithLoader(l Loader) Option {
	return func(s *Session) { s.loader = l }
}

// WithFactory sets the constructor used when the session must materialize
// a new instance of a named type, as Merge does for unknown identities.
// The accessor generator emits a suitable factory.
func WithFactory(f func(typeName string) (Entity, error)) Option {
	return func(s *Session) { s.factory = f }
}

// WithStatementHook registers an observer invoked with every statement
// just before it is executed. Intended for logging and tests.
func WithStatementHook(hook func(*Statement)) Option {
	return func(s *Session) { s.onStmt = hook }
}

// Session is a unit of work: it owns an identity registry, a change
// ledger and a transactional boundary, and translates accumulated object
// changes into ordered write statements on flush.
//
// A Session and everything it owns is not safe for concurrent use by
// multiple goroutines. Independent sessions, each with its own
// transaction, may run concurrently.
type Session struct {
	graph   *schema.Graph
	driver  dialect.Driver
	exec    Executor
	loader  Loader
	factory func(string) (Entity, error)
	onStmt  func(*Statement)

	states map[Entity]*instanceState
	reg    *registry
	led    *ledger

	tx         dialect.Tx
	savepoints []string
	spseq      int

	seq     int
	failure error
	closed  bool
}

// NewSession creates a session bound to the given metadata graph, driver
// and statement executor. If the executor also implements Loader, it is
// used as the row loader unless WithLoader overrides it.
func NewSession(g *schema.Graph, drv dialect.Driver, exec Executor, opts ...Option) *Session {
	s := &Session{
		graph:  g,
		driver: drv,
		exec:   exec,
		states: make(map[Entity]*instanceState),
		reg:    newRegistry(),
		led:    newLedger(),
	}
	if l, ok := exec.(Loader); ok {
		s.loader = l
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// checkActive rejects operations on closed sessions and on sessions whose
// transaction failed and has not been acknowledged.
func (s *Session) checkActive() error {
	if s.closed {
		return ErrClosed
	}
	if s.failure != nil {
		return &InactiveTransactionError{Cause: s.failure}
	}
	return nil
}

// Add associates the instance (and, through save-update cascade, its
// referents) with the session. Instances without a primary key become
// Pending; instances carrying a full key are registered as Persistent.
// Re-adding an instance scheduled for deletion cancels the delete.
func (s *Session) Add(e Entity) error {
	if err := s.checkActive(); err != nil {
		return err
	}
	closure, err := cascade.Expand(cascade.SaveUpdate, []any{e}, s.resolver())
	if err != nil {
		return err
	}
	var attached []*instanceState
	for _, inst := range closure {
		ent := inst.(Entity)
		if st, ok := s.states[ent]; ok {
			if st.status == StatusDeleted {
				st.status = StatusPersistent
				s.led.unmarkDeleted(st)
				s.led.markDirty(st)
			}
			continue
		}
		st, err := s.attach(ent)
		if err != nil {
			return err
		}
		attached = append(attached, st)
	}
	// Snapshot relationship baselines only after the whole closure is
	// attached, so referents resolve to registered identities.
	for _, st := range attached {
		if st.status == StatusPersistent {
			s.snapshotRefs(st)
		}
	}
	return nil
}

// Delete schedules the instance (and its delete-cascaded referents) for
// deletion at the next flush. Deleting a Pending instance discards it,
// returning it to Transient.
func (s *Session) Delete(e Entity) error {
	if err := s.checkActive(); err != nil {
		return err
	}
	if _, ok := s.states[e]; !ok {
		return ErrNotAttached
	}
	closure, err := cascade.Expand(cascade.Delete, []any{e}, s.resolver())
	if err != nil {
		return err
	}
	for _, inst := range closure {
		st, ok := s.states[inst.(Entity)]
		if !ok {
			continue
		}
		switch st.status {
		case StatusPending:
			s.led.remove(st)
			s.detachState(st, StatusTransient)
		case StatusPersistent:
			st.status = StatusDeleted
			s.led.markDeleted(st)
		case StatusDeleted:
			// Already scheduled.
		}
	}
	return nil
}

// Expunge removes the instance (and its expunge-cascaded referents) from
// the session without touching the database. Persistent instances become
// Detached, pending ones return to Transient.
func (s *Session) Expunge(e Entity) error {
	if err := s.checkActive(); err != nil {
		return err
	}
	if _, ok := s.states[e]; !ok {
		return ErrNotAttached
	}
	closure, err := cascade.Expand(cascade.Expunge, []any{e}, s.resolver())
	if err != nil {
		return err
	}
	for _, inst := range closure {
		st, ok := s.states[inst.(Entity)]
		if !ok {
			continue
		}
		s.led.remove(st)
		final := StatusTransient
		if !st.key.IsZero() {
			final = StatusDetached
		}
		s.detachState(st, final)
	}
	return nil
}

// Expire marks the instance (and its refresh-expire cascaded referents)
// as stale: pending attribute modifications are discarded and the next
// Refresh reloads from the database.
func (s *Session) Expire(e Entity) error {
	if err := s.checkActive(); err != nil {
		return err
	}
	if _, ok := s.states[e]; !ok {
		return ErrNotAttached
	}
	closure, err := cascade.Expand(cascade.RefreshExpire, []any{e}, s.resolver())
	if err != nil {
		return err
	}
	for _, inst := range closure {
		st, ok := s.states[inst.(Entity)]
		if !ok || st.status != StatusPersistent {
			continue
		}
		s.expireState(st)
	}
	return nil
}

// ExpireAll expires every persistent instance in the session.
func (s *Session) ExpireAll() {
	for _, st := range s.states {
		if st.status == StatusPersistent {
			s.expireState(st)
		}
	}
}

func (s *Session) expireState(st *instanceState) {
	st.expired = true
	st.clearDirty()
	s.led.unmarkDirty(st)
}

// Refresh reloads the instance's row (and, through refresh-expire
// cascade, its referents' rows) from the database, overwriting in-memory
// attribute state.
func (s *Session) Refresh(ctx context.Context, e Entity) error {
	if err := s.checkActive(); err != nil {
		return err
	}
	if _, ok := s.states[e]; !ok {
		return ErrNotAttached
	}
	if s.loader == nil {
		return fmt.Errorf("unison: no row loader configured")
	}
	closure, err := cascade.Expand(cascade.RefreshExpire, []any{e}, s.resolver())
	if err != nil {
		return err
	}
	for _, inst := range closure {
		st, ok := s.states[inst.(Entity)]
		if !ok || st.key.IsZero() {
			continue
		}
		if err := s.reload(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// reload loads the row for st by key and installs its column values.
func (s *Session) reload(ctx context.Context, st *instanceState) error {
	stmt := selectByKey(st.typ, st.key)
	s.observe(stmt)
	row, found, err := s.loader.LoadRow(ctx, s.conn(), stmt)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("unison: refresh %s: row no longer exists", st.key)
	}
	for _, a := range st.typ.Attrs {
		v, ok := row[a.ColumnName()]
		if !ok {
			continue
		}
		if err := st.entity.SetAttr(a.Name, v); err != nil {
			return err
		}
	}
	st.snapshotScalars()
	st.clearDirty()
	st.expired = false
	s.led.unmarkDirty(st)
	return nil
}

// selectByKey builds the key-lookup statement for a type.
func selectByKey(t *schema.Type, key Key) *Statement {
	cols := make([]string, 0, len(t.Attrs))
	for _, a := range t.Attrs {
		cols = append(cols, a.ColumnName())
	}
	return &Statement{
		Op:         OpSelect,
		Table:      t.Table,
		Columns:    cols,
		KeyColumns: keyColumns(t),
		KeyValues:  append([]any(nil), key.Values...),
	}
}

// keyColumns returns the primary-key column names of a type, in key order.
func keyColumns(t *schema.Type) []string {
	cols := make([]string, 0, len(t.ID))
	for _, id := range t.ID {
		cols = append(cols, t.Attr(id).ColumnName())
	}
	return cols
}

// Savepoint flushes pending state and establishes a named savepoint,
// returning its name. The flush guarantees a consistent expiration point
// for a later RollbackToSavepoint.
func (s *Session) Savepoint(ctx context.Context) (string, error) {
	if err := s.Flush(ctx); err != nil {
		return "", err
	}
	tx, err := s.transaction(ctx)
	if err != nil {
		return "", err
	}
	sp, ok := tx.(dialect.Savepointer)
	if !ok {
		return "", fmt.Errorf("unison: driver transaction does not support savepoints")
	}
	name := fmt.Sprintf("unison_sp_%d", s.spseq)
	s.spseq++
	if err := sp.Savepoint(ctx, name); err != nil {
		return "", err
	}
	s.savepoints = append(s.savepoints, name)
	return name, nil
}

// ReleaseSavepoint releases the named savepoint and every savepoint
// nested inside it.
func (s *Session) ReleaseSavepoint(ctx context.Context, name string) error {
	if err := s.checkActive(); err != nil {
		return err
	}
	idx, sp, err := s.findSavepoint(name)
	if err != nil {
		return err
	}
	if err := sp.ReleaseSavepoint(ctx, name); err != nil {
		return err
	}
	s.savepoints = s.savepoints[:idx]
	return nil
}

// RollbackToSavepoint rolls the transaction back to the named savepoint
// without discarding the outer transaction. Unflushed work is restored
// exactly as Rollback does, and all persistent instance state is expired
// so stale attribute values are not mistaken for database state.
func (s *Session) RollbackToSavepoint(ctx context.Context, name string) error {
	if err := s.checkActive(); err != nil {
		return err
	}
	idx, sp, err := s.findSavepoint(name)
	if err != nil {
		return err
	}
	if err := sp.RollbackToSavepoint(ctx, name); err != nil {
		return err
	}
	// The savepoint itself remains established.
	s.savepoints = s.savepoints[:idx+1]
	if err := s.restorePending(); err != nil {
		return err
	}
	s.ExpireAll()
	return nil
}

func (s *Session) findSavepoint(name string) (int, dialect.Savepointer, error) {
	if s.tx == nil {
		return 0, nil, fmt.Errorf("unison: no active transaction")
	}
	sp, ok := s.tx.(dialect.Savepointer)
	if !ok {
		return 0, nil, fmt.Errorf("unison: driver transaction does not support savepoints")
	}
	for i, n := range s.savepoints {
		if n == name {
			return i, sp, nil
		}
	}
	return 0, nil, fmt.Errorf("unison: unknown savepoint %q", name)
}

// Close detaches all instances, rolls back any active transaction and
// marks the session unusable.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	var err error
	if s.tx != nil {
		err = s.tx.Rollback()
		s.tx = nil
	}
	for _, st := range s.states {
		final := StatusTransient
		if !st.key.IsZero() {
			final = StatusDetached
		}
		s.unbind(st)
		st.status = final
		if tr, ok := st.entity.(trackable); ok {
			tr.tracker().detached = final == StatusDetached
		}
	}
	s.states = make(map[Entity]*instanceState)
	s.reg = newRegistry()
	s.led = newLedger()
	s.closed = true
	return err
}

// Contains reports whether the instance is associated with the session.
func (s *Session) Contains(e Entity) bool {
	_, ok := s.states[e]
	return ok
}

// StatusOf returns the lifecycle status of the instance relative to this
// session. Instances the session does not hold report StatusDetached when
// a previous session detached them, StatusTransient otherwise.
func (s *Session) StatusOf(e Entity) Status {
	if st, ok := s.states[e]; ok {
		return st.status
	}
	if tr, ok := e.(trackable); ok && tr.tracker().detached {
		return StatusDetached
	}
	return StatusTransient
}

// KeyOf returns the identity key of the instance, if it has one.
func (s *Session) KeyOf(e Entity) (Key, bool) {
	if st, ok := s.states[e]; ok && !st.key.IsZero() {
		return st.key, true
	}
	return Key{}, false
}

// Lookup returns the live instance registered under the identity key.
func (s *Session) Lookup(key Key) (Entity, bool) {
	if st, ok := s.reg.lookup(key); ok {
		return st.entity, true
	}
	return nil, false
}

// New returns the pending-new instances in insertion order.
func (s *Session) New() []Entity {
	news, _, _ := s.led.snapshot()
	return entitiesOf(news)
}

// Dirty returns the modified persistent instances in insertion order.
func (s *Session) Dirty() []Entity {
	_, dirties, _ := s.led.snapshot()
	return entitiesOf(dirties)
}

// Deleted returns the pending-delete instances in insertion order.
func (s *Session) Deleted() []Entity {
	_, _, dels := s.led.snapshot()
	return entitiesOf(dels)
}

func entitiesOf(states []*instanceState) []Entity {
	out := make([]Entity, 0, len(states))
	for _, st := range states {
		out = append(out, st.entity)
	}
	return out
}

// attach creates the session-side state for a new instance.
func (s *Session) attach(e Entity) (*instanceState, error) {
	typ, err := s.graph.Type(e.TypeName())
	if err != nil {
		return nil, err
	}
	st := &instanceState{entity: e, typ: typ, seq: s.seq}
	s.seq++
	key := s.computeKey(st)
	if !key.IsZero() {
		if err := s.reg.register(key, st, false); err != nil {
			return nil, err
		}
		st.status = StatusPersistent
		st.snapshotScalars()
	} else {
		st.status = StatusPending
		s.led.markNew(st)
	}
	s.states[e] = st
	s.bind(st)
	return st, nil
}

// detachState disassociates st from the session with the given final
// lifecycle status.
func (s *Session) detachState(st *instanceState, final Status) {
	if !st.key.IsZero() {
		s.reg.forget(st.key)
	}
	s.unbind(st)
	delete(s.states, st.entity)
	st.status = final
	if tr, ok := st.entity.(trackable); ok {
		tr.tracker().detached = final == StatusDetached
	}
}

// bind routes the entity's Tracker notifications into this session.
func (s *Session) bind(st *instanceState) {
	if tr, ok := st.entity.(trackable); ok {
		tr.tracker().notify = func(attr string) { s.touch(st, attr) }
		tr.tracker().detached = false
	}
}

func (s *Session) unbind(st *instanceState) {
	if tr, ok := st.entity.(trackable); ok {
		tr.tracker().notify = nil
	}
}

// touch records an attribute modification reported by the entity.
func (s *Session) touch(st *instanceState, attr string) {
	if s.closed {
		return
	}
	switch st.status {
	case StatusPersistent:
		st.markDirty(attr)
		s.led.markDirty(st)
	case StatusPending:
		st.markDirty(attr)
	default:
		// Deleted or detaching; the modification has no flush effect.
	}
}

// computeKey derives the identity key from the instance's primary-key
// attributes. Any unset or zero component yields the zero key.
func (s *Session) computeKey(st *instanceState) Key {
	return keyFromEntity(st.typ, st.entity)
}

// snapshotRefs captures the identity keys of all current referents as the
// committed relationship state.
func (s *Session) snapshotRefs(st *instanceState) {
	st.committedRefs = make(map[string][]Key, len(st.typ.Rels))
	for _, rel := range st.typ.Rels {
		refs := s.relatedStates(st.entity, rel)
		keys := make([]Key, 0, len(refs))
		for _, rst := range refs {
			if rst != nil && !rst.key.IsZero() {
				keys = append(keys, rst.key)
			}
		}
		st.committedRefs[rel.Name] = keys
	}
}

// relatedStates resolves the current referents of a relationship to
// attached states. Unattached referents yield nil entries.
func (s *Session) relatedStates(e Entity, rel *schema.Rel) []*instanceState {
	v, ok := e.GetAttr(rel.Name)
	if !ok || v == nil {
		return nil
	}
	refs := normalizeRefs(v)
	out := make([]*instanceState, 0, len(refs))
	for _, ref := range refs {
		if st, ok := s.states[ref.(Entity)]; ok {
			out = append(out, st)
		} else {
			out = append(out, nil)
		}
	}
	return out
}

// conn returns the connection statements should run on: the active
// transaction when one exists, the driver otherwise.
func (s *Session) conn() dialect.ExecQuerier {
	if s.tx != nil {
		return s.tx
	}
	return s.driver
}

// transaction returns the active transaction, beginning one if needed.
func (s *Session) transaction(ctx context.Context) (dialect.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.driver.Tx(ctx)
	if err != nil {
		return nil, err
	}
	s.tx = tx
	return tx, nil
}

// observe invokes the statement hook, if any.
func (s *Session) observe(stmt *Statement) {
	if s.onStmt != nil {
		s.onStmt(stmt)
	}
}

// resolver adapts the session to cascade.Resolver.
func (s *Session) resolver() cascade.Resolver {
	return sessionResolver{s: s}
}

type sessionResolver struct {
	s *Session
}

func (r sessionResolver) Type(inst any) (*schema.Type, error) {
	return r.s.graph.Type(inst.(Entity).TypeName())
}

func (r sessionResolver) Related(inst any, rel *schema.Rel) []any {
	v, ok := inst.(Entity).GetAttr(rel.Name)
	if !ok || v == nil {
		return nil
	}
	return normalizeRefs(v)
}

// Removed reports the referents present in the committed relationship
// snapshot but no longer referenced, by this parent or any other attached
// parent through the same relationship. A child re-homed to a new parent
// is not an orphan.
func (r sessionResolver) Removed(inst any, rel *schema.Rel) []any {
	st, ok := r.s.states[inst.(Entity)]
	if !ok || len(st.committedRefs[rel.Name]) == 0 {
		return nil
	}
	current := make(map[string]struct{})
	for _, rst := range r.s.relatedStates(st.entity, rel) {
		if rst != nil && !rst.key.IsZero() {
			current[rst.key.hash()] = struct{}{}
		}
	}
	var removed []any
	for _, key := range st.committedRefs[rel.Name] {
		if _, ok := current[key.hash()]; ok {
			continue
		}
		child, ok := r.s.reg.lookup(key)
		if !ok || child.status != StatusPersistent {
			continue
		}
		if r.s.ownedThrough(child, rel) {
			continue
		}
		removed = append(removed, child.entity)
	}
	return removed
}

// ownedThrough reports whether some attached parent still references the
// child through the given relationship.
func (s *Session) ownedThrough(child *instanceState, rel *schema.Rel) bool {
	for _, pst := range s.states {
		if pst.typ.Rel(rel.Name) != rel {
			continue
		}
		if pst.status == StatusDeleted {
			continue
		}
		for _, rst := range s.relatedStates(pst.entity, rel) {
			if rst == child {
				return true
			}
		}
	}
	return false
}

// normalizeRefs converts a relationship attribute value into a flat slice
// of entities. Accepts a single Entity, a []Entity, or any slice whose
// elements implement Entity.
func normalizeRefs(v any) []any {
	switch vv := v.(type) {
	case Entity:
		return []any{vv}
	case []Entity:
		out := make([]any, 0, len(vv))
		for _, e := range vv {
			if e != nil {
				out = append(out, e)
			}
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil
	}
	out := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		if e, ok := rv.Index(i).Interface().(Entity); ok && e != nil {
			out = append(out, e)
		}
	}
	return out
}

// isZeroValue reports whether v is its type's zero value.
func isZeroValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.IsZero()
}
