package sql

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// Constraint violation classification across the supported dialects.
// MySQL and Postgres report typed driver errors; SQLite drivers expose
// only the message text, so a string check is the fallback.

// IsUniqueConstraintError reports whether err is a unique-key violation.
func IsUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsForeignKeyConstraintError reports whether err is a foreign-key
// violation.
func IsForeignKeyConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1451 || me.Number == 1452
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23503"
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// IsConstraintError reports whether err is any integrity-constraint
// violation (unique, foreign key, not null, check).
func IsConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if IsUniqueConstraintError(err) || IsForeignKeyConstraintError(err) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1048 || me.Number == 3819
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code.Class() == "23"
	}
	return strings.Contains(err.Error(), "constraint failed")
}
