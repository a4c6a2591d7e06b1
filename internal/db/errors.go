package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrUnavailable marks storage or connectivity failures. Callers retry these
// with backoff; they are never validation failures.
var ErrUnavailable = errors.New("storage unavailable")

// UnavailableError carries the failed operation and the driver error.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrUnavailable, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Unavailable wraps err unless it is nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Op: op, Err: err}
}

// Postgres SQLSTATE codes the repositories translate into domain errors.
const (
	CodeUniqueViolation    = "23505"
	CodeExclusionViolation = "23P01"
)

// HasCode reports whether err is a Postgres error with the given SQLSTATE.
func HasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
