// Package store holds the relational persistence layer for the billing
// service. Each aggregate gets its own store bound to a DBTX, so the same
// code runs against the pool directly or inside an open transaction.
package store

import (
	"context"
	"database/sql"
	"strings"
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface{ Scan(...any) error }

// isUniqueViolation reports whether err is a uniqueness-constraint failure.
// The sqlite driver surfaces these as plain errors, so this matches on the
// constraint message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
