// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteErrorKind groups the SQLite failures the stores react to.
type SQLiteErrorKind int

const (
	SQLiteOther SQLiteErrorKind = iota
	SQLiteBusy
	SQLiteLocked
	SQLiteUnique
)

// ClassifySQLiteError inspects the driver error code, falling back to the
// message text for errors that lost their type on the way up.
func ClassifySQLiteError(err error) SQLiteErrorKind {
	if err == nil {
		return SQLiteOther
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch code := se.Code(); {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return SQLiteUnique
		case code&0xff == sqlite3.SQLITE_BUSY:
			return SQLiteBusy
		case code&0xff == sqlite3.SQLITE_LOCKED:
			return SQLiteLocked
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return SQLiteUnique
	case strings.Contains(msg, "SQLITE_BUSY"):
		return SQLiteBusy
	case strings.Contains(msg, "database is locked"):
		return SQLiteLocked
	}
	return SQLiteOther
}

// IsSQLiteConflictError reports a busy or locked database. Both warrant retry logic.
func IsSQLiteConflictError(err error) bool {
	k := ClassifySQLiteError(err)
	return k == SQLiteBusy || k == SQLiteLocked
}

// IsUniqueConstraintError checks if an insert was rejected by a UNIQUE index.
func IsUniqueConstraintError(err error) bool {
	return ClassifySQLiteError(err) == SQLiteUnique
}
