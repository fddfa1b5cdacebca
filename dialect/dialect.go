package dialect

import "context"

// Dialect names for the supported database backends.
const (
	// MySQL is the mysql dialect.
	MySQL = "mysql"
	// Postgres is the postgres dialect.
	Postgres = "postgres"
	// SQLite is the sqlite dialect.
	SQLite = "sqlite"
)

// ExecQuerier wraps the two standard database operations.
type ExecQuerier interface {
	// Exec executes a statement that does not return rows. The v argument
	// receives the execution result and its type depends on the driver
	// implementation (for dialect/sql it is *sql.Result or nil).
	Exec(ctx context.Context, query string, args, v any) error
	// Query executes a statement that returns rows. The v argument
	// receives the rows and its type depends on the driver implementation
	// (for dialect/sql it is *sql.Rows).
	Query(ctx context.Context, query string, args, v any) error
}

// Driver is the minimal interface a database backend exposes to the
// session engine: statement execution plus transaction creation.
type Driver interface {
	ExecQuerier
	// Tx starts and returns a new transaction.
	Tx(ctx context.Context) (Tx, error)
	// Close closes the underlying connection.
	Close() error
	// Dialect returns the dialect name of the driver.
	Dialect() string
}

// Tx is the transaction boundary the flush coordinator drives.
type Tx interface {
	ExecQuerier
	Commit() error
	Rollback() error
}

// Savepointer is the optional nested-transaction capability of a Tx.
// Transactions returned by dialect/sql implement it.
type Savepointer interface {
	// Savepoint establishes a named savepoint within the transaction.
	Savepoint(ctx context.Context, name string) error
	// ReleaseSavepoint releases the named savepoint.
	ReleaseSavepoint(ctx context.Context, name string) error
	// RollbackToSavepoint rolls the transaction back to the named
	// savepoint without discarding the outer transaction.
	RollbackToSavepoint(ctx context.Context, name string) error
}
