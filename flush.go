package unison

import (
	"context"
	"fmt"
	"sort"

	"github.com/syssam/unison/cascade"
	"github.com/syssam/unison/plan"
	"github.com/syssam/unison/schema"
)

// parentLink records that a foreign-key column of a child row must carry
// the key of a parent instance.
type parentLink struct {
	parent *instanceState
	rel    *schema.Rel
}

// assocRow is the plan handle for one association-table row of an M2M
// relationship. target is nil for removals whose referent is identified
// only by its committed key.
type assocRow struct {
	rel       *schema.Rel
	local     *instanceState
	target    *instanceState
	targetKey Key
}

// flushPlan carries the per-flush planning products consumed during
// execution.
type flushPlan struct {
	batches [][]*plan.Mutation
	// deferred marks child columns left null at insert and populated by a
	// fix-up update.
	deferred map[*instanceState]map[string]bool
	// parents maps child states to the foreign-key columns they owe to a
	// parent instance.
	parents map[*instanceState]map[string]parentLink
}

// Flush translates the accumulated changes into ordered statements and
// executes them inside the session transaction, beginning one if needed.
// On statement failure the transaction is rolled back and the session
// refuses further work until Rollback acknowledges the failure; the
// change ledger is preserved so the failed state can be inspected.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.checkActive(); err != nil {
		return err
	}
	if s.led.empty() {
		return nil
	}
	if err := s.prepareFlush(); err != nil {
		return err
	}
	news, dirties, dels := s.led.snapshot()
	fp, err := s.planFlush(news, dirties, dels)
	if err != nil {
		return err
	}
	if _, err := s.transaction(ctx); err != nil {
		return err
	}
	for _, batch := range fp.batches {
		for _, mut := range batch {
			if err := s.executeMutation(ctx, mut, fp); err != nil {
				return s.fail(err)
			}
		}
	}
	s.finishFlush(news, dirties, dels)
	return nil
}

// Commit flushes and commits the session transaction.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Commit(); err != nil {
		s.tx = nil
		s.savepoints = nil
		s.failure = err
		return err
	}
	s.tx = nil
	s.savepoints = nil
	return nil
}

// Rollback rolls back the session transaction, restores unflushed work
// (pending-new instances return to transient, pending deletes are
// resurrected, dirty instances regain their committed values) and clears
// a failed-flush condition. Persistent instances are expired, since any
// flushed-but-uncommitted rows were undone.
func (s *Session) Rollback() error {
	if s.closed {
		return ErrClosed
	}
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	s.savepoints = nil
	if err := s.restorePending(); err != nil {
		return err
	}
	s.ExpireAll()
	s.failure = nil
	return nil
}

// fail records a flush failure: the transaction is rolled back and the
// session becomes inactive until Rollback is called. The ledger is left
// intact.
func (s *Session) fail(err error) error {
	s.failure = err
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	s.savepoints = nil
	return err
}

// restorePending undoes unflushed intent after a rollback: pending-new
// instances detach as transient, pending deletes resurrect, and dirty
// instances are restored from their committed snapshots.
func (s *Session) restorePending() error {
	news, dirties, dels := s.led.snapshot()
	for _, st := range news {
		if !st.key.IsZero() {
			s.reg.forget(st.key)
			st.key = Key{}
		}
		s.detachState(st, StatusTransient)
	}
	for _, st := range dirties {
		if err := st.restoreScalars(); err != nil {
			return err
		}
		st.clearDirty()
	}
	for _, st := range dels {
		st.status = StatusPersistent
		if err := st.restoreScalars(); err != nil {
			return err
		}
	}
	s.led.clear()
	return nil
}

// prepareFlush runs the flush-time cascades: save-update closure over the
// pending sets, then delete-orphan capture.
func (s *Session) prepareFlush() error {
	news, dirties, _ := s.led.snapshot()
	roots := make([]any, 0, len(news)+len(dirties))
	for _, st := range news {
		roots = append(roots, st.entity)
	}
	for _, st := range dirties {
		roots = append(roots, st.entity)
	}
	closure, err := cascade.Expand(cascade.SaveUpdate, roots, s.resolver())
	if err != nil {
		return err
	}
	var attached []*instanceState
	for _, inst := range closure {
		ent := inst.(Entity)
		if _, ok := s.states[ent]; ok {
			continue
		}
		st, err := s.attach(ent)
		if err != nil {
			return err
		}
		attached = append(attached, st)
	}
	for _, st := range attached {
		if st.status == StatusPersistent {
			s.snapshotRefs(st)
		}
	}
	return s.captureOrphans()
}

// captureOrphans diffs committed relationship snapshots against live
// values and schedules de-referenced delete-orphan children for deletion,
// with delete cascade expansion.
func (s *Session) captureOrphans() error {
	var parents []any
	for _, st := range s.states {
		if st.status == StatusPersistent {
			parents = append(parents, st.entity)
		}
	}
	orphans, err := cascade.Orphans(parents, s.resolver())
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}
	closure, err := cascade.Expand(cascade.Delete, orphans, s.resolver())
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
		}
	}
	return nil
}

// planFlush builds the mutation dependency graph and returns the ordered
// batches along with the foreign-key resolution tables used at execution.
func (s *Session) planFlush(news, dirties, dels []*instanceState) (*flushPlan, error) {
	g := plan.NewGraph()
	fp := &flushPlan{
		deferred: make(map[*instanceState]map[string]bool),
		parents:  make(map[*instanceState]map[string]parentLink),
	}
	muts := make(map[*instanceState]*plan.Mutation)
	for _, st := range news {
		muts[st] = g.Add(plan.Insert, st, st.typ.Table, st.seq)
	}
	for _, st := range dirties {
		if s.hasUpdateWork(st) {
			muts[st] = g.Add(plan.Update, st, st.typ.Table, st.seq)
		}
	}
	for _, st := range dels {
		muts[st] = g.Add(plan.Delete, st, st.typ.Table, st.seq)
	}

	s.collectParentLinks(fp)

	// Iterate children and columns in stable order so plan construction,
	// and with it statement order, is reproducible.
	children := make([]*instanceState, 0, len(fp.parents))
	for child := range fp.parents {
		children = append(children, child)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].seq < children[j].seq })
	for _, child := range children {
		cmut := muts[child]
		if cmut == nil {
			continue
		}
		links := fp.parents[child]
		cols := make([]string, 0, len(links))
		for col := range links {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		for _, col := range cols {
			link := links[col]
			var pmut *plan.Mutation
			if link.parent != nil {
				pmut = muts[link.parent]
			}
			switch cmut.Kind {
			case plan.Insert:
				if pmut != nil && pmut.Kind == plan.Insert {
					if link.rel.PostUpdate {
						markDeferred(fp.deferred, child, col)
						g.Deferred(pmut, cmut, col)
					} else {
						g.After(pmut, cmut)
					}
				}
			case plan.Update:
				if pmut == nil {
					continue
				}
				switch pmut.Kind {
				case plan.Insert:
					g.After(pmut, cmut)
				case plan.Delete:
					// Clear or repoint the reference before the
					// referenced row disappears.
					g.After(cmut, pmut)
				}
			case plan.Delete:
				if pmut != nil && pmut.Kind == plan.Delete {
					// Referencing rows go first.
					g.After(cmut, pmut)
				}
			}
		}
	}

	if err := s.planAssociations(g, muts); err != nil {
		return nil, err
	}

	batches, err := g.Batches()
	if err != nil {
		return nil, err
	}
	fp.batches = batches
	return fp, nil
}

func markDeferred(m map[*instanceState]map[string]bool, st *instanceState, col string) {
	if m[st] == nil {
		m[st] = make(map[string]bool)
	}
	m[st][col] = true
}

// collectParentLinks discovers which foreign-key columns each pending row
// owes to which parent, from both directions: the child's own
// many-to-one references and the parents' one-to-many collections.
func (s *Session) collectParentLinks(fp *flushPlan) {
	record := func(child *instanceState, col string, parent *instanceState, rel *schema.Rel) {
		if fp.parents[child] == nil {
			fp.parents[child] = make(map[string]parentLink)
		}
		if existing, ok := fp.parents[child][col]; ok && existing.parent != nil {
			return
		}
		fp.parents[child][col] = parentLink{parent: parent, rel: rel}
	}
	for _, st := range s.states {
		for _, rel := range st.typ.Rels {
			switch rel.Kind {
			case schema.M2O:
				refs := s.relatedStates(st.entity, rel)
				if len(refs) == 0 || refs[0] == nil {
					continue
				}
				record(st, rel.Column, refs[0], rel)
			case schema.O2M:
				// Deleted parents still contribute links: the planner
				// needs them to order child rows before the parent row
				// goes away, even when the child type declares no
				// many-to-one back-reference.
				for _, cst := range s.relatedStates(st.entity, rel) {
					if cst != nil {
						record(cst, rel.Column, st, rel)
					}
				}
			}
		}
	}
}

// planAssociations diffs M2M relationship membership and queues
// association-table rows, ordered after endpoint inserts and before
// endpoint deletes. Mirrored declarations on both endpoint types produce
// a single row per membership change.
func (s *Session) planAssociations(g *plan.Graph, muts map[*instanceState]*plan.Mutation) error {
	seen := make(map[string]bool)
	for _, st := range s.sortedAttached() {
		for _, rel := range st.typ.Rels {
			if rel.Kind != schema.M2M {
				continue
			}
			if err := s.planAssocRel(g, muts, seen, st, rel); err != nil {
				return err
			}
		}
	}
	return nil
}

// sortedAttached returns all attached states in session insertion order.
func (s *Session) sortedAttached() []*instanceState {
	set := make(map[*instanceState]struct{}, len(s.states))
	for _, st := range s.states {
		set[st] = struct{}{}
	}
	return sortedStates(set)
}

func (s *Session) planAssocRel(g *plan.Graph, muts map[*instanceState]*plan.Mutation, seen map[string]bool, st *instanceState, rel *schema.Rel) error {
	prev := make(map[string]Key, len(st.committedRefs[rel.Name]))
	for _, k := range st.committedRefs[rel.Name] {
		prev[k.hash()] = k
	}
	current := s.relatedStates(st.entity, rel)

	if st.status != StatusDeleted {
		for _, tst := range current {
			if tst == nil {
				continue
			}
			if !tst.key.IsZero() {
				if _, ok := prev[tst.key.hash()]; ok {
					continue
				}
			}
			if !markAssoc(seen, rel.JoinTable, st, tst, "insert") {
				continue
			}
			ar := &assocRow{rel: rel, local: st, target: tst}
			am := g.Add(plan.Insert, ar, rel.JoinTable, st.seq)
			if m := muts[st]; m != nil && m.Kind == plan.Insert {
				g.After(m, am)
			}
			if m := muts[tst]; m != nil && m.Kind == plan.Insert {
				g.After(m, am)
			}
		}
	}

	liveKeys := make(map[string]bool)
	if st.status != StatusDeleted {
		for _, tst := range current {
			if tst != nil && !tst.key.IsZero() {
				liveKeys[tst.key.hash()] = true
			}
		}
	}
	for h, key := range prev {
		if liveKeys[h] {
			continue
		}
		var tst *instanceState
		if reg, ok := s.reg.lookup(key); ok {
			tst = reg
		}
		if !markAssoc(seen, rel.JoinTable, st, tst, "delete|"+h) {
			continue
		}
		ar := &assocRow{rel: rel, local: st, target: tst, targetKey: key}
		am := g.Add(plan.Delete, ar, rel.JoinTable, st.seq)
		if m := muts[st]; m != nil && m.Kind == plan.Delete {
			g.After(am, m)
		}
		if tst != nil {
			if m := muts[tst]; m != nil && m.Kind == plan.Delete {
				g.After(am, m)
			}
		}
	}
	return nil
}

// markAssoc dedupes association rows declared from both endpoints. The
// endpoints are normalized so (a, b) and (b, a) collapse.
func markAssoc(seen map[string]bool, table string, a, b *instanceState, op string) bool {
	pa, pb := fmt.Sprintf("%p", a), fmt.Sprintf("%p", b)
	if pb < pa {
		pa, pb = pb, pa
	}
	k := table + "|" + pa + "|" + pb + "|" + op
	if seen[k] {
		return false
	}
	seen[k] = true
	return true
}

// hasUpdateWork reports whether a dirty instance needs an UPDATE of its
// own row, as opposed to relationship-only changes carried by other rows.
func (s *Session) hasUpdateWork(st *instanceState) bool {
	for name := range st.dirty {
		if st.typ.Attr(name) != nil {
			return true
		}
		if rel := st.typ.Rel(name); rel != nil && rel.Kind == schema.M2O {
			return true
		}
	}
	return false
}

// executeMutation dispatches one planned mutation onto the session
// transaction.
func (s *Session) executeMutation(ctx context.Context, mut *plan.Mutation, fp *flushPlan) error {
	switch h := mut.Handle.(type) {
	case *instanceState:
		switch mut.Kind {
		case plan.Insert:
			return s.execInsert(ctx, h, fp)
		case plan.Update:
			if mut.Fixup {
				return s.execFixup(ctx, h, mut.Columns, fp)
			}
			return s.execUpdate(ctx, h)
		case plan.Delete:
			return s.execDelete(ctx, h)
		}
	case *assocRow:
		return s.execAssoc(ctx, h, mut.Kind)
	}
	return fmt.Errorf("unison: unexpected mutation handle %T", mut.Handle)
}

// execInsert writes the row for a pending instance, applying client-side
// defaults, version seeding and resolved foreign keys, then registers the
// resulting identity.
func (s *Session) execInsert(ctx context.Context, st *instanceState, fp *flushPlan) error {
	typ := st.typ
	var (
		cols       []string
		vals       []any
		returnCol  string
		returnAttr string
	)
	pk := make(map[string]bool, len(typ.ID))
	for _, id := range typ.ID {
		pk[id] = true
	}
	for _, a := range typ.Attrs {
		v, ok := st.entity.GetAttr(a.Name)
		zero := !ok || v == nil || isZeroValue(v)
		if a.Name == typ.Version {
			v = int64(1)
			if err := st.entity.SetAttr(a.Name, v); err != nil {
				return err
			}
			zero = false
		} else if zero && a.Default != nil {
			v = a.Default()
			if err := st.entity.SetAttr(a.Name, v); err != nil {
				return err
			}
			zero = false
		}
		if pk[a.Name] && a.Generated && zero {
			if len(typ.ID) == 1 {
				returnCol = a.ColumnName()
				returnAttr = a.Name
			}
			continue
		}
		cols = append(cols, a.ColumnName())
		vals = append(vals, v)
	}
	for col, link := range fp.parents[st] {
		if fp.deferred[st][col] || link.parent == nil || link.parent.status == StatusDeleted {
			continue
		}
		fv := refValue(link.parent, link.rel)
		if fv == nil || containsColumn(cols, col) {
			continue
		}
		cols = append(cols, col)
		vals = append(vals, fv)
	}
	stmt := &Statement{Op: OpInsert, Table: typ.Table, Columns: cols, Values: vals, ReturnColumn: returnCol}
	s.observe(stmt)
	res, err := s.exec.ExecStmt(ctx, s.conn(), stmt)
	if err != nil {
		return &FlushError{Table: typ.Table, Op: OpInsert, Err: err}
	}
	if returnCol != "" {
		if err := st.entity.SetAttr(returnAttr, res.Generated); err != nil {
			return err
		}
	}
	key := s.computeKey(st)
	if key.IsZero() {
		return fmt.Errorf("unison: insert into %s produced no identity key", typ.Table)
	}
	if err := s.reg.register(key, st, false); err != nil {
		return err
	}
	st.status = StatusPersistent
	st.snapshotScalars()
	st.clearDirty()
	return nil
}

// execUpdate rewrites the dirty columns of a persistent row, guarded by
// its key and, when configured, its version counter.
func (s *Session) execUpdate(ctx context.Context, st *instanceState) error {
	typ := st.typ
	var (
		cols []string
		vals []any
	)
	pk := make(map[string]bool, len(typ.ID))
	for _, id := range typ.ID {
		pk[id] = true
	}
	for _, a := range typ.Attrs {
		if pk[a.Name] || a.Name == typ.Version {
			continue
		}
		if !st.isDirty(a.Name) {
			continue
		}
		v, _ := st.entity.GetAttr(a.Name)
		cols = append(cols, a.ColumnName())
		vals = append(vals, v)
	}
	for _, rel := range typ.Rels {
		if rel.Kind != schema.M2O || !st.isDirty(rel.Name) || containsColumn(cols, rel.Column) {
			continue
		}
		var fv any
		if refs := s.relatedStates(st.entity, rel); len(refs) > 0 && refs[0] != nil {
			fv = refValue(refs[0], rel)
		}
		cols = append(cols, rel.Column)
		vals = append(vals, fv)
	}
	if len(cols) == 0 {
		return nil
	}
	return s.guardedUpdate(ctx, st, cols, vals)
}

// execFixup runs the deferred foreign-key pass for post-update
// relationships: the columns left null at insert are populated now that
// the referenced keys exist.
func (s *Session) execFixup(ctx context.Context, st *instanceState, columns []string, fp *flushPlan) error {
	var (
		cols []string
		vals []any
	)
	for _, col := range columns {
		link, ok := fp.parents[st][col]
		if !ok || link.parent == nil {
			continue
		}
		fv := refValue(link.parent, link.rel)
		if fv == nil {
			return fmt.Errorf("unison: deferred key for %s.%s is still unset", st.typ.Table, col)
		}
		cols = append(cols, col)
		vals = append(vals, fv)
	}
	if len(cols) == 0 {
		return nil
	}
	return s.guardedUpdate(ctx, st, cols, vals)
}

// guardedUpdate executes an UPDATE with key (and version) guards, bumping
// the version counter on success.
func (s *Session) guardedUpdate(ctx context.Context, st *instanceState, cols []string, vals []any) error {
	typ := st.typ
	keyCols := keyColumns(typ)
	keyVals := append([]any(nil), st.key.Values...)
	var newVersion int64
	if typ.Version != "" {
		old, _ := st.committed[typ.Version].(int64)
		newVersion = old + 1
		cols = append(cols, typ.Attr(typ.Version).ColumnName())
		vals = append(vals, newVersion)
		keyCols = append(keyCols, typ.Attr(typ.Version).ColumnName())
		keyVals = append(keyVals, old)
	}
	stmt := &Statement{
		Op: OpUpdate, Table: typ.Table,
		Columns: cols, Values: vals,
		KeyColumns: keyCols, KeyValues: keyVals,
		Expect: 1,
	}
	s.observe(stmt)
	res, err := s.exec.ExecStmt(ctx, s.conn(), stmt)
	if err != nil {
		return &FlushError{Table: typ.Table, Op: OpUpdate, Err: err}
	}
	if res.Affected != 1 {
		return &StaleDataError{Table: typ.Table, Expected: 1, Got: res.Affected}
	}
	if typ.Version != "" {
		if err := st.entity.SetAttr(typ.Version, newVersion); err != nil {
			return err
		}
	}
	st.snapshotScalars()
	st.clearDirty()
	return nil
}

// execDelete removes a persistent row, guarded by its key and version.
func (s *Session) execDelete(ctx context.Context, st *instanceState) error {
	typ := st.typ
	keyCols := keyColumns(typ)
	keyVals := append([]any(nil), st.key.Values...)
	if typ.Version != "" {
		old, _ := st.committed[typ.Version].(int64)
		keyCols = append(keyCols, typ.Attr(typ.Version).ColumnName())
		keyVals = append(keyVals, old)
	}
	stmt := &Statement{
		Op: OpDelete, Table: typ.Table,
		KeyColumns: keyCols, KeyValues: keyVals,
		Expect: 1,
	}
	s.observe(stmt)
	res, err := s.exec.ExecStmt(ctx, s.conn(), stmt)
	if err != nil {
		return &FlushError{Table: typ.Table, Op: OpDelete, Err: err}
	}
	if res.Affected != 1 {
		return &StaleDataError{Table: typ.Table, Expected: 1, Got: res.Affected}
	}
	return nil
}

// execAssoc writes or removes one association-table row.
func (s *Session) execAssoc(ctx context.Context, ar *assocRow, kind plan.Kind) error {
	local := ar.local.key
	if local.IsZero() {
		return fmt.Errorf("unison: association on %s: local key unset", ar.rel.JoinTable)
	}
	var targetVal any
	switch {
	case ar.target != nil && !ar.target.key.IsZero():
		targetVal = ar.target.key.Values[0]
	case !ar.targetKey.IsZero():
		targetVal = ar.targetKey.Values[0]
	default:
		return fmt.Errorf("unison: association on %s: target key unset", ar.rel.JoinTable)
	}
	cols := []string{ar.rel.JoinColumn, ar.rel.JoinRefColumn}
	vals := []any{local.Values[0], targetVal}
	var stmt *Statement
	switch kind {
	case plan.Insert:
		stmt = &Statement{Op: OpInsert, Table: ar.rel.JoinTable, Columns: cols, Values: vals}
	case plan.Delete:
		stmt = &Statement{Op: OpDelete, Table: ar.rel.JoinTable, KeyColumns: cols, KeyValues: vals, Expect: 1}
	default:
		return fmt.Errorf("unison: unexpected association mutation %s", kind)
	}
	s.observe(stmt)
	res, err := s.exec.ExecStmt(ctx, s.conn(), stmt)
	if err != nil {
		return &FlushError{Table: ar.rel.JoinTable, Op: stmt.Op, Err: err}
	}
	if stmt.Expect != 0 && res.Affected != stmt.Expect {
		return &StaleDataError{Table: ar.rel.JoinTable, Expected: stmt.Expect, Got: res.Affected}
	}
	return nil
}

// finishFlush finalizes successful flush bookkeeping: deleted instances
// detach, surviving instances refresh their committed relationship
// snapshots, and the ledger empties.
func (s *Session) finishFlush(news, dirties, dels []*instanceState) {
	for _, st := range dels {
		s.detachState(st, StatusDetached)
	}
	for _, st := range news {
		st.expired = false
		s.snapshotRefs(st)
	}
	for _, st := range dirties {
		st.expired = false
		s.snapshotRefs(st)
	}
	s.led.clear()
}

// refValue extracts the referenced key component for a relationship from
// the parent's identity key, honoring an explicit RefColumn on composite
// keys.
func refValue(parent *instanceState, rel *schema.Rel) any {
	if parent.key.IsZero() {
		return nil
	}
	if rel.RefColumn == "" {
		return parent.key.Values[0]
	}
	for i, id := range parent.typ.ID {
		if parent.typ.Attr(id).ColumnName() == rel.RefColumn {
			return parent.key.Values[i]
		}
	}
	return nil
}

func containsColumn(cols []string, col string) bool {
	for _, c := range cols {
		if c == col {
			return true
		}
	}
	return false
}
