// Package postgres implements internal/repository against database/sql with
// the pgx/v5 stdlib driver, following the teacher's query/Scan/fmt.Errorf
// idiom throughout.
package postgres

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"marketpulse/internal/domain/entity"
)

// postgres error codes this adapter distinguishes by class, per
// https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgUniqueViolation     = "23505"
	pgDeadlockDetected    = "40P01"
	pgSerializationFailure = "40001"
	pgConnectionException = "08000"
	pgConnectionFailure   = "08006"
	pgQueryCanceled       = "57014"
)

// classify maps a raw database/sql or pgx error into the Store error
// taxonomy from entity.ConflictError / NotFoundError / TransientStoreError /
// FatalStoreError, so every repository method returns one of those four
// shapes and callers never branch on pgconn.PgError themselves.
func classify(op, resource, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &entity.NotFoundError{Resource: resource, Key: key}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return &entity.ConflictError{Resource: resource, Key: key}
		case pgDeadlockDetected, pgSerializationFailure, pgConnectionException, pgConnectionFailure, pgQueryCanceled:
			return &entity.TransientStoreError{Op: op, Err: err}
		}
	}

	return &entity.FatalStoreError{Op: op, Err: err}
}
