package store

import (
	"errors"
	"fmt"
	"strings"
)

// SQLSTATE codes that mean the ON CONFLICT target has no backing unique
// constraint.
const (
	StateInvalidColumnReference = "42P10"
	StateUndefinedObject        = "42704"
)

// ErrConstraintMissing is matched by errors that report a missing uniqueness
// constraint for the event key.
var ErrConstraintMissing = errors.New("store: event key constraint missing")

// StateError is an engine error annotated with a SQLSTATE code. Engines that
// do not report SQLSTATE natively use it to classify their errors.
type StateError struct {
	Code string
	Err  error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("store: sqlstate %s: %v", e.Code, e.Err)
}

// SQLState returns the SQLSTATE code.
func (e *StateError) SQLState() string { return e.Code }

// Unwrap returns the underlying engine error.
func (e *StateError) Unwrap() error { return e.Err }

// Is matches ErrConstraintMissing for constraint-missing codes.
func (e *StateError) Is(target error) bool {
	return target == ErrConstraintMissing && constraintMissingCode(e.Code)
}

type sqlStater interface {
	SQLState() string
}

// IsConstraintMissing reports whether any error in err's chain carries a
// constraint-missing SQLSTATE.
func IsConstraintMissing(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConstraintMissing) {
		return true
	}
	var s sqlStater
	return errors.As(err, &s) && constraintMissingCode(s.SQLState())
}

func constraintMissingCode(code string) bool {
	return code == StateInvalidColumnReference || code == StateUndefinedObject
}

// sqliteNoConflictTarget is how SQLite reports an ON CONFLICT target without
// a matching unique index.
const sqliteNoConflictTarget = "ON CONFLICT clause does not match any PRIMARY KEY or UNIQUE constraint"

// classifySQLite annotates SQLite errors that have a SQLSTATE equivalent.
func classifySQLite(err error) error {
	if err != nil && strings.Contains(err.Error(), sqliteNoConflictTarget) {
		return &StateError{Code: StateInvalidColumnReference, Err: err}
	}
	return err
}
