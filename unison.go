package unison

import (
	"context"
	"fmt"
	"strings"

	"github.com/syssam/unison/dialect"
)

// Entity is the contract every mapped object fulfills, typically through
// code generated by compiler/accessor. The session engine reads and writes
// attribute state exclusively through it.
//
// Scalar attributes hold plain Go values. Relationship attributes hold an
// Entity (many-to-one) or a []Entity (one-to-many, many-to-many).
type Entity interface {
	// TypeName returns the entity type name registered in the schema graph.
	TypeName() string
	// GetAttr returns the named attribute value and whether it is set.
	GetAttr(name string) (any, bool)
	// SetAttr assigns the named attribute.
	SetAttr(name string, value any) error
}

// Tracker routes attribute modifications to the owning session's change
// ledger. Generated entity types embed it; generated setters call Touch.
// A Tracker with no session attached is inert, so detached and transient
// instances can be mutated freely.
type Tracker struct {
	notify   func(attr string)
	detached bool
}

// Touch records a modification of the named attribute.
func (t *Tracker) Touch(attr string) {
	if t.notify != nil {
		t.notify(attr)
	}
}

// tracker gives the session access to the embedded Tracker.
func (t *Tracker) tracker() *Tracker { return t }

// trackable is satisfied by entities embedding Tracker.
type trackable interface {
	tracker() *Tracker
}

// Key is the identity key of a persisted row: the entity type plus the
// ordered tuple of its primary-key values.
type Key struct {
	Type   string
	Values []any
}

// NewKey returns the identity key for the given type and key values.
func NewKey(typ string, values ...any) Key {
	return Key{Type: typ, Values: values}
}

// IsZero reports whether the key is unset: no type, no values, or any
// value that is nil.
func (k Key) IsZero() bool {
	if k.Type == "" || len(k.Values) == 0 {
		return true
	}
	for _, v := range k.Values {
		if v == nil {
			return true
		}
	}
	return false
}

// String returns the conventional "Type(v1, v2)" rendering.
func (k Key) String() string {
	parts := make([]string, len(k.Values))
	for i, v := range k.Values {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return fmt.Sprintf("%s(%s)", k.Type, strings.Join(parts, ", "))
}

// hash returns a canonical map key. Values are rendered with their dynamic
// type so that int64(1) and "1" occupy distinct identities.
func (k Key) hash() string {
	var sb strings.Builder
	sb.WriteString(k.Type)
	for _, v := range k.Values {
		fmt.Fprintf(&sb, "|%T:%v", v, v)
	}
	return sb.String()
}

// Equal reports whether two keys identify the same row.
func (k Key) Equal(other Key) bool {
	return k.hash() == other.hash()
}

// Op is the operation of a write statement.
type Op uint8

const (
	// OpInsert inserts a new row.
	OpInsert Op = iota
	// OpUpdate rewrites columns of an existing row.
	OpUpdate
	// OpDelete removes an existing row.
	OpDelete
	// OpSelect loads a row by key. Used by Refresh and Merge.
	OpSelect
)

// String returns the lowercase operation name.
func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpSelect:
		return "select"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Statement is one ordered write (or key lookup) handed to the statement
// executor, fully bound and dialect-independent.
type Statement struct {
	// Op is the statement operation.
	Op Op
	// Table is the target table.
	Table string
	// Columns are the written columns (insert, update) or the columns to
	// load (select).
	Columns []string
	// Values are the bound values for Columns, index-aligned.
	Values []any
	// KeyColumns and KeyValues form the WHERE clause for update, delete
	// and select statements.
	KeyColumns []string
	KeyValues  []any
	// ReturnColumn names the database-generated column whose value the
	// executor must return for an insert. Empty means none.
	ReturnColumn string
	// Expect is the number of rows the statement must affect. Zero means
	// unchecked. A mismatch is reported by the flush as a StaleDataError.
	Expect int64
}

// ExecResult is the outcome of one executed statement.
type ExecResult struct {
	// Generated holds the database-generated value requested through
	// Statement.ReturnColumn, normalized to int64 for integer keys.
	Generated any
	// Affected is the number of rows the statement affected.
	Affected int64
}

// Executor executes a single bound statement against a transactional
// connection. The dialect/sql package provides the reference
// implementation; tests may substitute their own.
type Executor interface {
	ExecStmt(ctx context.Context, conn dialect.ExecQuerier, stmt *Statement) (*ExecResult, error)
}

// Loader loads a single row by key, returning the selected columns as a
// map and whether the row exists. Used by Session.Refresh and Merge.
// The dialect/sql executor implements it.
type Loader interface {
	LoadRow(ctx context.Context, conn dialect.ExecQuerier, stmt *Statement) (map[string]any, bool, error)
}
