package unison

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// findStmt returns the first executed statement matching op and table.
func findStmt(t *testing.T, exec *fakeExec, op Op, table string) *Statement {
	t.Helper()
	for _, s := range exec.stmts {
		if s.Op == op && s.Table == table {
			return s
		}
	}
	t.Fatalf("no %s statement on %s in %v", op, table, exec.ops())
	return nil
}

// columnValue returns the bound value for a column of an insert or
// update statement.
func columnValue(t *testing.T, stmt *Statement, col string) any {
	t.Helper()
	for i, c := range stmt.Columns {
		if c == col {
			return stmt.Values[i]
		}
	}
	t.Fatalf("column %q not in %v", col, stmt.Columns)
	return nil
}

func TestFlushParentBeforeChild(t *testing.T) {
	t.Parallel()
	s, exec, _ := newTestSession(t)
	a := &author{Name: "ann"}
	b := &book{Title: "go", Author: a}
	require.NoError(t, s.Add(b))
	require.NoError(t, s.Flush(context.Background()))

	require.Equal(t, []string{"insert authors", "insert books"}, exec.ops())
	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, int64(2), b.ID)

	ins := findStmt(t, exec, OpInsert, "books")
	assert.Equal(t, int64(1), columnValue(t, ins, "author_id"))

	assert.Equal(t, StatusPersistent, s.StatusOf(a))
	got, ok := s.Lookup(NewKey("Book", int64(2)))
	require.True(t, ok)
	assert.Same(t, b, got.(*book))
	assert.Empty(t, s.New())
}

func TestFlushNothingPending(t *testing.T) {
	t.Parallel()
	s, exec, drv := newTestSession(t)
	require.NoError(t, s.Flush(context.Background()))
	assert.Empty(t, exec.stmts)
	assert.Empty(t, drv.txs, "no transaction should begin for an empty flush")
}

func TestFlushDirtyUpdate(t *testing.T) {
	t.Parallel()
	s, exec, _ := newTestSession(t)
	a := &author{ID: 4, Name: "ann"}
	require.NoError(t, s.Add(a))
	a.SetName("anna")
	require.NoError(t, s.Flush(context.Background()))

	require.Equal(t, []string{"update authors"}, exec.ops())
	upd := exec.stmts[0]
	assert.Equal(t, "anna", columnValue(t, upd, "name"))
	assert.Equal(t, []string{"id"}, upd.KeyColumns)
	assert.Equal(t, []any{int64(4)}, upd.KeyValues)
	assert.Empty(t, s.Dirty())
}

func TestFlushDeleteOrphanSingleDelete(t *testing.T) {
	t.Parallel()
	s, exec, _ := newTestSession(t)
	a := &author{ID: 1, Name: "ann"}
	b := &book{ID: 2, Title: "go", Author: a}
	a.Books = []*book{b}
	require.NoError(t, s.Add(a))

	a.RemoveBook(b)
	require.NoError(t, s.Flush(context.Background()))

	require.Equal(t, []string{"delete books"}, exec.ops())
	assert.Equal(t, []any{int64(2)}, exec.stmts[0].KeyValues)
	assert.False(t, s.Contains(b))
	_, ok := s.Lookup(NewKey("Book", int64(2)))
	assert.False(t, ok)
}

func TestFlushOrphanRehomedIsNotDeleted(t *testing.T) {
	t.Parallel()
	s, exec, _ := newTestSession(t)
	a1 := &author{ID: 1, Name: "ann"}
	a2 := &author{ID: 2, Name: "bob"}
	b := &book{ID: 3, Title: "go", Author: a1}
	a1.Books = []*book{b}
	require.NoError(t, s.Add(a1))
	require.NoError(t, s.Add(a2))

	a1.RemoveBook(b)
	a2.AddBook(b)
	b.SetAuthor(a2)
	require.NoError(t, s.Flush(context.Background()))

	for _, op := range exec.ops() {
		assert.NotEqual(t, "delete books", op)
	}
	assert.Equal(t, StatusPersistent, s.StatusOf(b))
}

func TestFlushPostUpdateCycle(t *testing.T) {
	t.Parallel()
	s, exec, _ := newTestSession(t)
	n1 := &node{Label: "a"}
	n2 := &node{Label: "b"}
	n1.Parent = n2
	n2.Parent = n1
	require.NoError(t, s.Add(n1))
	require.NoError(t, s.Flush(context.Background()))

	require.Equal(t, []string{"insert nodes", "insert nodes", "update nodes", "update nodes"}, exec.ops())
	for _, stmt := range exec.stmts[:2] {
		for _, c := range stmt.Columns {
			assert.NotEqual(t, "parent_id", c, "deferred column must be absent from inserts")
		}
	}
	fix1, fix2 := exec.stmts[2], exec.stmts[3]
	assert.Equal(t, n2.ID, columnValue(t, fix1, "parent_id"))
	assert.Equal(t, []any{n1.ID}, fix1.KeyValues)
	assert.Equal(t, n1.ID, columnValue(t, fix2, "parent_id"))
	assert.Equal(t, []any{n2.ID}, fix2.KeyValues)
}

func TestFlushManyToMany(t *testing.T) {
	t.Parallel()
	s, exec, _ := newTestSession(t)
	b := &book{Title: "go"}
	b.Tags = []*tag{{Name: "lang"}}
	require.NoError(t, s.Add(b))
	require.NoError(t, s.Flush(context.Background()))

	require.Equal(t, []string{"insert books", "insert tags", "insert book_tags"}, exec.ops())
	assoc := exec.stmts[2]
	assert.Equal(t, []string{"book_id", "tag_id"}, assoc.Columns)
	assert.Equal(t, []any{b.ID, b.Tags[0].ID}, assoc.Values)

	// Deleting the book removes the association row first.
	exec.stmts = nil
	require.NoError(t, s.Delete(b))
	require.NoError(t, s.Flush(context.Background()))
	require.Equal(t, []string{"delete book_tags", "delete books"}, exec.ops())
}

func TestFlushDeleteChildBeforeParent(t *testing.T) {
	t.Parallel()
	s, exec, _ := newTestSession(t)
	a := &author{ID: 1, Name: "ann"}
	b := &book{ID: 2, Title: "go", Author: a}
	a.Books = []*book{b}
	require.NoError(t, s.Add(a))
	require.NoError(t, s.Delete(a))
	require.NoError(t, s.Flush(context.Background()))

	require.Equal(t, []string{"delete books", "delete authors"}, exec.ops())
}

func TestFlushDeleteOrderingWithoutBackReference(t *testing.T) {
	t.Parallel()
	s, exec, _ := newTestSession(t)
	f := &folder{ID: 1, Name: "inbox"}
	f.Files = []*file{{ID: 2, Path: "a.txt"}, {ID: 3, Path: "b.txt"}}
	require.NoError(t, s.Add(f))
	require.NoError(t, s.Delete(f))
	require.NoError(t, s.Flush(context.Background()))

	// File declares no many-to-one back-reference; the collection alone
	// must still order the child deletes before the parent delete.
	require.Equal(t, []string{"delete files", "delete files", "delete folders"}, exec.ops())
}

func TestFlushCollectionOnlyInsertOrdering(t *testing.T) {
	t.Parallel()
	s, exec, _ := newTestSession(t)
	f := &folder{Name: "outbox"}
	f.Files = []*file{{Path: "c.txt"}}
	require.NoError(t, s.Add(f))
	require.NoError(t, s.Flush(context.Background()))

	require.Equal(t, []string{"insert folders", "insert files"}, exec.ops())
	ins := findStmt(t, exec, OpInsert, "files")
	assert.Equal(t, f.ID, columnValue(t, ins, "folder_id"))
}

func TestFlushClientDefaultAndVersionSeed(t *testing.T) {
	t.Parallel()
	s, exec, _ := newTestSession(t)
	d := &doc{Body: "hello"}
	require.NoError(t, s.Add(d))
	require.NoError(t, s.Flush(context.Background()))

	require.Equal(t, []string{"insert docs"}, exec.ops())
	assert.NotEmpty(t, d.ID, "uuid default must be applied")
	assert.Equal(t, int64(1), d.Version)
	ins := exec.stmts[0]
	assert.Equal(t, d.ID, columnValue(t, ins, "id"))
	assert.Equal(t, int64(1), columnValue(t, ins, "version"))
	assert.Equal(t, StatusPersistent, s.StatusOf(d))
}

func TestFlushVersionGuard(t *testing.T) {
	t.Parallel()
	s, exec, _ := newTestSession(t)
	d := &doc{ID: "k1", Body: "old", Version: 3}
	require.NoError(t, s.Add(d))
	d.SetBody("new")
	require.NoError(t, s.Flush(context.Background()))

	upd := exec.stmts[0]
	assert.Equal(t, []string{"id", "version"}, upd.KeyColumns)
	assert.Equal(t, []any{"k1", int64(3)}, upd.KeyValues)
	assert.Equal(t, int64(4), columnValue(t, upd, "version"))
	assert.Equal(t, int64(4), d.Version)
}

func TestFlushStaleDataFailsSession(t *testing.T) {
	t.Parallel()
	s, exec, drv := newTestSession(t)
	d := &doc{ID: "k1", Body: "old", Version: 1}
	require.NoError(t, s.Add(d))
	d.SetBody("new")

	exec.affected = func(stmt *Statement) int64 { return 0 }
	err := s.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, IsStaleData(err))
	require.Len(t, drv.txs, 1)
	assert.True(t, drv.txs[0].rolledBack)

	// The session refuses work until the failure is acknowledged.
	addErr := s.Add(&doc{ID: "k2"})
	assert.True(t, IsInactiveTransaction(addErr))
	assert.ErrorIs(t, addErr, ErrInactiveTransaction)

	// The ledger survives the failed flush for inspection.
	assert.Equal(t, []Entity{d}, s.Dirty())

	require.NoError(t, s.Rollback())
	assert.Equal(t, "old", d.Body)
	require.NoError(t, s.Add(&doc{ID: "k2"}))
}

func TestFlushStatementErrorWrapped(t *testing.T) {
	t.Parallel()
	s, exec, _ := newTestSession(t)
	boom := errors.New("duplicate key")
	exec.failOn = func(stmt *Statement) error {
		if stmt.Op == OpInsert {
			return boom
		}
		return nil
	}
	require.NoError(t, s.Add(&author{Name: "ann"}))
	err := s.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, IsFlushError(err))
	assert.ErrorIs(t, err, boom)
}

func TestRollbackRestoresPendingState(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSession(t)
	fresh := &author{Name: "pending"}
	doomed := &author{ID: 2, Name: "doomed"}
	edited := &author{ID: 3, Name: "before"}
	require.NoError(t, s.Add(fresh))
	require.NoError(t, s.Add(doomed))
	require.NoError(t, s.Add(edited))
	require.NoError(t, s.Delete(doomed))
	edited.SetName("after")

	require.NoError(t, s.Rollback())

	assert.False(t, s.Contains(fresh))
	assert.Equal(t, StatusPersistent, s.StatusOf(doomed))
	assert.Equal(t, "before", edited.Name)
	assert.Empty(t, s.New())
	assert.Empty(t, s.Dirty())
	assert.Empty(t, s.Deleted())
}

func TestCommit(t *testing.T) {
	t.Parallel()
	s, exec, drv := newTestSession(t)
	require.NoError(t, s.Add(&author{Name: "ann"}))
	require.NoError(t, s.Commit(context.Background()))

	require.Equal(t, []string{"insert authors"}, exec.ops())
	require.Len(t, drv.txs, 1)
	assert.True(t, drv.txs[0].committed)

	// The next flush opens a fresh transaction.
	require.NoError(t, s.Add(&author{Name: "bob"}))
	require.NoError(t, s.Commit(context.Background()))
	assert.Len(t, drv.txs, 2)
}

func TestSavepointLifecycle(t *testing.T) {
	t.Parallel()
	s, _, drv := newTestSession(t)
	a := &author{ID: 1, Name: "ann"}
	require.NoError(t, s.Add(a))
	a.SetName("anna")

	name, err := s.Savepoint(context.Background())
	require.NoError(t, err)
	require.Len(t, drv.txs, 1)
	assert.Equal(t, []string{name}, drv.txs[0].savepoints)
	assert.Empty(t, s.Dirty(), "savepoint must flush first")

	late := &author{Name: "late"}
	require.NoError(t, s.Add(late))
	require.NoError(t, s.RollbackToSavepoint(context.Background(), name))
	assert.Equal(t, []string{name}, drv.txs[0].rolledTo)
	assert.False(t, s.Contains(late), "work since the savepoint is restored")

	require.NoError(t, s.ReleaseSavepoint(context.Background(), name))
	assert.Equal(t, []string{name}, drv.txs[0].released)
	err = s.ReleaseSavepoint(context.Background(), name)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown savepoint")
}

func TestLedgerSets(t *testing.T) {
	t.Parallel()
	l := newLedger()
	a := &instanceState{seq: 0}
	b := &instanceState{seq: 1}
	l.markNew(a)
	l.markDirty(a)
	assert.Empty(t, l.dirties, "new is never also dirty")

	l.markDeleted(a)
	l.markNew(a)
	assert.NotContains(t, l.news, a, "delete supersedes new")

	l.markDirty(b)
	news, dirties, dels := l.snapshot()
	assert.Empty(t, news)
	assert.Equal(t, []*instanceState{b}, dirties)
	assert.Equal(t, []*instanceState{a}, dels)

	l.clear()
	assert.True(t, l.empty())
}

func TestRegistryConflict(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	key := NewKey("Author", int64(1))
	st1 := &instanceState{}
	st2 := &instanceState{}
	require.NoError(t, r.register(key, st1, false))
	require.NoError(t, r.register(key, st1, false), "re-registering the same state is fine")

	err := r.register(key, st2, false)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	require.NoError(t, r.register(key, st2, true), "reload replaces the representative")
	got, ok := r.lookup(key)
	require.True(t, ok)
	assert.Same(t, st2, got)

	r.forget(key)
	_, ok = r.lookup(key)
	assert.False(t, ok)
}
