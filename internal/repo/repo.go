package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ConflictError reports a lost optimistic-concurrency race: the stored row no
// longer matches the state the caller read.
type ConflictError struct {
	Entity   string
	ID       string
	Expected string
	Actual   string
	Reason   string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("%s %s conflict", e.Entity, e.ID)
	if e.Expected != "" || e.Actual != "" {
		msg += fmt.Sprintf(": status is %s, expected %s", e.Actual, e.Expected)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// on returns tx when non-nil. The database is opened with a single
// connection, so reads issued during a transaction must go through it.
func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// Timestamp formats t the way every column in the schema stores time.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
