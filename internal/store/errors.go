package store

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnreachable is returned when the mirror no longer accepts messages.
	// The operation was not attempted.
	ErrUnreachable = errors.New("store: mirror unreachable")

	// ErrDuplicateUser matches inserts or updates rejected by a unique index.
	ErrDuplicateUser = errors.New("store: duplicate user")

	// ErrPasswordNotStored is returned by UpdatePassword when the mirror keeps
	// no local password copy.
	ErrPasswordNotStored = errors.New("store: local password copy disabled")

	// ErrInvalidMessage is returned for messages missing required fields.
	ErrInvalidMessage = errors.New("store: invalid message")
)

const uniqueViolation = "23505"

// QueryError reports a statement that reached the database and failed.
type QueryError struct {
	Op         string
	Constraint string
	Err        error
}

func (e *QueryError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("store: %s violates %s: %v", e.Op, e.Constraint, e.Err)
	}
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Is lets unique violations match ErrDuplicateUser.
func (e *QueryError) Is(target error) bool {
	return target == ErrDuplicateUser && e.Constraint != ""
}

func newQueryError(op string, err error) *QueryError {
	qe := &QueryError{Op: op, Err: err}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		qe.Constraint = pqErr.Constraint
		if qe.Constraint == "" {
			qe.Constraint = "unique index"
		}
	}
	return qe
}
