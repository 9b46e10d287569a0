// Package store implements the orchestrator's durable repositories directly
// on top of pgx: no ORM layer, hand-written queries against the schema in
// pkg/database/migrations.
package store

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cardloop/orchestrator/pkg/models"
)

const pgUniqueViolation = "23505"

// wrapConflict maps a unique-constraint violation to models.ErrStoreConflict
// and a missing row to pgx.ErrNoRows, leaving every other error untouched.
func wrapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return models.ErrStoreConflict
	}
	return err
}

// IsNotFound reports whether err is the "no matching row" sentinel from pgx.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
