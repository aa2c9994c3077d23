package db

import (
	"context"
	"errors"
	"strings"

	"github.com/lib/pq"
	"github.com/ncruces/go-sqlite3"
)

// Postgres SQLSTATE codes.
const (
	pqUniqueViolation  = "23505"
	pqLockNotAvailable = "55P03"
	pqQueryCanceled    = "57014"
)

// IsUniqueViolation reports whether err is a unique constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode() == sqlite3.CONSTRAINT_UNIQUE ||
			sqliteErr.ExtendedCode() == sqlite3.CONSTRAINT_PRIMARYKEY
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsTimeout reports whether err means a lock or time budget was exceeded.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.BUSY || sqliteErr.Code() == sqlite3.LOCKED
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqLockNotAvailable || string(pqErr.Code) == pqQueryCanceled
	}
	return false
}
