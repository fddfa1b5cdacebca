package sql

import (
	"context"
	"fmt"
	"strings"

	"github.com/syssam/unison"
	"github.com/syssam/unison/dialect"
)

// Executor renders bound statements into dialect-specific SQL and
// executes them. It implements both unison.Executor and unison.Loader,
// so it usually serves as the sole executor argument to
// unison.NewSession.
type Executor struct {
	dialect string
}

// NewExecutor returns an executor for the given dialect. Supported
// dialects are dialect.MySQL, dialect.Postgres and dialect.SQLite.
func NewExecutor(d string) *Executor {
	return &Executor{dialect: d}
}

// Dialect returns the executor dialect.
func (e *Executor) Dialect() string { return e.dialect }

// ExecStmt renders and runs one write statement, returning the affected
// row count and, for inserts requesting one, the database-generated key.
func (e *Executor) ExecStmt(ctx context.Context, conn dialect.ExecQuerier, stmt *unison.Statement) (*unison.ExecResult, error) {
	switch stmt.Op {
	case unison.OpInsert:
		return e.execInsert(ctx, conn, stmt)
	case unison.OpUpdate:
		return e.execUpdate(ctx, conn, stmt)
	case unison.OpDelete:
		return e.execDelete(ctx, conn, stmt)
	default:
		return nil, fmt.Errorf("sql: ExecStmt: unsupported operation %s", stmt.Op)
	}
}

func (e *Executor) execInsert(ctx context.Context, conn dialect.ExecQuerier, stmt *unison.Statement) (*unison.ExecResult, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(e.ident(stmt.Table))
	if len(stmt.Columns) > 0 {
		b.WriteString(" (")
		for i, c := range stmt.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(e.ident(c))
		}
		b.WriteString(") VALUES (")
		for i := range stmt.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(e.placeholder(i))
		}
		b.WriteString(")")
	} else if e.dialect == dialect.MySQL {
		b.WriteString(" () VALUES ()")
	} else {
		b.WriteString(" DEFAULT VALUES")
	}
	if stmt.ReturnColumn != "" && e.dialect == dialect.Postgres {
		b.WriteString(" RETURNING ")
		b.WriteString(e.ident(stmt.ReturnColumn))
		var rows Rows
		if err := conn.Query(ctx, b.String(), stmt.Values, &rows); err != nil {
			return nil, err
		}
		defer rows.Close()
		if !rows.Next() {
			return nil, fmt.Errorf("sql: insert into %s returned no generated key", stmt.Table)
		}
		var generated any
		if err := rows.Scan(&generated); err != nil {
			return nil, err
		}
		return &unison.ExecResult{Generated: generated, Affected: 1}, nil
	}
	var res Result
	if err := conn.Exec(ctx, b.String(), stmt.Values, &res); err != nil {
		return nil, err
	}
	out := &unison.ExecResult{}
	if n, err := res.RowsAffected(); err == nil {
		out.Affected = n
	}
	if stmt.ReturnColumn != "" {
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("sql: insert into %s: generated key unavailable: %w", stmt.Table, err)
		}
		out.Generated = id
	}
	return out, nil
}

func (e *Executor) execUpdate(ctx context.Context, conn dialect.ExecQuerier, stmt *unison.Statement) (*unison.ExecResult, error) {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(e.ident(stmt.Table))
	b.WriteString(" SET ")
	n := 0
	for i, c := range stmt.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.ident(c))
		b.WriteString(" = ")
		b.WriteString(e.placeholder(n))
		n++
	}
	e.where(&b, stmt.KeyColumns, &n)
	args := append(append([]any{}, stmt.Values...), stmt.KeyValues...)
	return e.exec(ctx, conn, b.String(), args)
}

func (e *Executor) execDelete(ctx context.Context, conn dialect.ExecQuerier, stmt *unison.Statement) (*unison.ExecResult, error) {
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(e.ident(stmt.Table))
	n := 0
	e.where(&b, stmt.KeyColumns, &n)
	return e.exec(ctx, conn, b.String(), append([]any{}, stmt.KeyValues...))
}

func (e *Executor) exec(ctx context.Context, conn dialect.ExecQuerier, query string, args []any) (*unison.ExecResult, error) {
	var res Result
	if err := conn.Exec(ctx, query, args, &res); err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	return &unison.ExecResult{Affected: affected}, nil
}

// LoadRow loads a single row by key and returns its columns as a map.
func (e *Executor) LoadRow(ctx context.Context, conn dialect.ExecQuerier, stmt *unison.Statement) (map[string]any, bool, error) {
	if stmt.Op != unison.OpSelect {
		return nil, false, fmt.Errorf("sql: LoadRow: unsupported operation %s", stmt.Op)
	}
	var b strings.Builder
	b.WriteString("SELECT ")
	for i, c := range stmt.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.ident(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(e.ident(stmt.Table))
	n := 0
	e.where(&b, stmt.KeyColumns, &n)
	var rows Rows
	if err := conn.Query(ctx, b.String(), stmt.KeyValues, &rows); err != nil {
		return nil, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	values := make([]any, len(stmt.Columns))
	ptrs := make([]any, len(stmt.Columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, false, err
	}
	row := make(map[string]any, len(stmt.Columns))
	for i, c := range stmt.Columns {
		row[c] = values[i]
	}
	return row, true, rows.Err()
}

// where appends the key predicate. n is the running placeholder index.
func (e *Executor) where(b *strings.Builder, cols []string, n *int) {
	b.WriteString(" WHERE ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(e.ident(c))
		b.WriteString(" = ")
		b.WriteString(e.placeholder(*n))
		*n++
	}
}

// placeholder returns the i-th (zero-based) bind placeholder for the
// dialect.
func (e *Executor) placeholder(i int) string {
	if e.dialect == dialect.Postgres {
		return fmt.Sprintf("$%d", i+1)
	}
	return "?"
}

// ident quotes an identifier for the dialect.
func (e *Executor) ident(name string) string {
	if e.dialect == dialect.MySQL {
		return "`" + name + "`"
	}
	return `"` + name + `"`
}
