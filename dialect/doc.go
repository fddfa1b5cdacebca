// Package dialect defines the database abstraction consumed by the unison
// session engine.
//
// The engine drives two narrow interfaces: Driver, which opens
// transactions, and Tx, the transactional boundary a flush executes
// against. Connection pooling, retry policy and wire protocol belong to
// the underlying database/sql driver, not to this package.
//
// # Supported dialects
//
// Each backend is identified by a constant string:
//
//	dialect.Postgres = "postgres"
//	dialect.MySQL    = "mysql"
//	dialect.SQLite   = "sqlite"
//
// # Usage
//
//	drv, err := sql.Open(dialect.SQLite, "file:demo?mode=memory")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer drv.Close()
//	sess := unison.NewSession(graph, drv, sql.NewExecutor(drv.Dialect()))
//
// # Sub-packages
//
//   - dialect/sql: database/sql-backed Driver, savepoint-capable
//     transactions, and the reference statement executor.
package dialect
