// Package store persists users and messages in PostgreSQL. Queries use
// database/sql with lib/pq; the schema is managed by embedded
// golang-migrate migrations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/whisper/directchat/internal/apperr"
)

// DB wraps the Postgres connection pool.
type DB struct {
	*sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping db: %w", err)
	}
	return &DB{db}, nil
}

// Postgres error codes the stores translate.
const (
	pgUniqueViolation     = "23505"
	pgInvalidTextEncoding = "22P02" // e.g. a malformed uuid literal
)

func pgCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// notFoundOr maps "no row" style failures to apperr.ErrNotFound and wraps
// everything else with op.
func notFoundOr(err error, what, op string) error {
	if errors.Is(err, sql.ErrNoRows) || pgCode(err) == pgInvalidTextEncoding {
		return apperr.NotFound(what)
	}
	return fmt.Errorf("store: %s: %w", op, err)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
