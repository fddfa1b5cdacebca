package unison

import (
	"context"
	"fmt"
	"testing"

	"github.com/syssam/unison/dialect"
)

// fakeExec records every statement and synthesizes results, replacing a
// real database for flush-ordering tests.
type fakeExec struct {
	stmts  []*Statement
	nextID int64
	// failOn, when set, can reject a statement.
	failOn func(*Statement) error
	// affected, when set, overrides the reported row count.
	affected func(*Statement) int64
	// rows backs LoadRow, keyed by rowKey.
	rows map[string]map[string]any
}

func newFakeExec() *fakeExec {
	return &fakeExec{rows: make(map[string]map[string]any)}
}

func (f *fakeExec) ExecStmt(_ context.Context, _ dialect.ExecQuerier, stmt *Statement) (*ExecResult, error) {
	f.stmts = append(f.stmts, stmt)
	if f.failOn != nil {
		if err := f.failOn(stmt); err != nil {
			return nil, err
		}
	}
	res := &ExecResult{Affected: 1}
	if f.affected != nil {
		res.Affected = f.affected(stmt)
	}
	if stmt.Op == OpInsert && stmt.ReturnColumn != "" {
		f.nextID++
		res.Generated = f.nextID
	}
	return res, nil
}

func (f *fakeExec) LoadRow(_ context.Context, _ dialect.ExecQuerier, stmt *Statement) (map[string]any, bool, error) {
	row, ok := f.rows[rowKey(stmt.Table, stmt.KeyValues)]
	return row, ok, nil
}

func (f *fakeExec) addRow(table string, keyVals []any, row map[string]any) {
	f.rows[rowKey(table, keyVals)] = row
}

func rowKey(table string, keyVals []any) string {
	return fmt.Sprintf("%s|%v", table, keyVals)
}

// ops summarizes the executed statements as "op table" pairs.
func (f *fakeExec) ops() []string {
	out := make([]string, 0, len(f.stmts))
	for _, s := range f.stmts {
		out = append(out, s.Op.String()+" "+s.Table)
	}
	return out
}

type fakeTx struct {
	committed  bool
	rolledBack bool
	savepoints []string
	released   []string
	rolledTo   []string
}

func (t *fakeTx) Exec(context.Context, string, any, any) error  { return nil }
func (t *fakeTx) Query(context.Context, string, any, any) error { return nil }
func (t *fakeTx) Commit() error                                 { t.committed = true; return nil }
func (t *fakeTx) Rollback() error                               { t.rolledBack = true; return nil }

func (t *fakeTx) Savepoint(_ context.Context, name string) error {
	t.savepoints = append(t.savepoints, name)
	return nil
}

func (t *fakeTx) ReleaseSavepoint(_ context.Context, name string) error {
	t.released = append(t.released, name)
	return nil
}

func (t *fakeTx) RollbackToSavepoint(_ context.Context, name string) error {
	t.rolledTo = append(t.rolledTo, name)
	return nil
}

type fakeDriver struct {
	txs []*fakeTx
}

func (d *fakeDriver) Exec(context.Context, string, any, any) error  { return nil }
func (d *fakeDriver) Query(context.Context, string, any, any) error { return nil }
func (d *fakeDriver) Close() error                                  { return nil }
func (d *fakeDriver) Dialect() string                               { return "fake" }

func (d *fakeDriver) Tx(context.Context) (dialect.Tx, error) {
	tx := &fakeTx{}
	d.txs = append(d.txs, tx)
	return tx, nil
}

var (
	_ dialect.Driver      = (*fakeDriver)(nil)
	_ dialect.Savepointer = (*fakeTx)(nil)
)

func newTestSession(t *testing.T, opts ...Option) (*Session, *fakeExec, *fakeDriver) {
	t.Helper()
	exec := newFakeExec()
	drv := &fakeDriver{}
	opts = append([]Option{WithFactory(entityFactory)}, opts...)
	return NewSession(testGraph(t), drv, exec, opts...), exec, drv
}
