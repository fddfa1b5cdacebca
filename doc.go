// Package unison implements a unit-of-work session for relational
// persistence: an identity registry that guarantees at most one live
// instance per database identity, a change ledger that accumulates
// pending inserts, updates and deletes, and a flush coordinator that
// orders the resulting statements by foreign-key dependency and executes
// them inside a transaction.
//
// Entity metadata is declared through the schema package, write ordering
// is computed by the plan package, and relationship traversal policies
// live in the cascade package. The dialect and dialect/sql packages
// bridge sessions to database/sql drivers. The compiler/accessor command
// generates tracked entity types from a YAML manifest.
package unison
