// Package store provides the deployment ledger: persistence of deployed
// changes, script execution and per-target advisory locks.
package store

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotFound is returned when a ledger record is not found.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateChange is returned when recording a change that is already
	// recorded for the target and project.
	ErrDuplicateChange = errors.New("change is already recorded")

	// ErrConnectionFailed is returned when database connection fails.
	ErrConnectionFailed = errors.New("database connection failed")

	// ErrMigrationFailed is returned when database migration fails.
	ErrMigrationFailed = errors.New("database migration failed")

	// ErrInvalidData is returned when JSON serialization/deserialization fails.
	ErrInvalidData = errors.New("invalid data format")

	// ErrTxFailed is returned when a transaction operation fails.
	ErrTxFailed = errors.New("transaction failed")

	// ErrLockContention is returned when another run holds the target lock
	// and the caller asked not to wait.
	ErrLockContention = errors.New("target is locked by another run")

	// ErrUnsupportedDriver is returned for a driver other than sqlite,
	// postgres or mysql.
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

// StoreError wraps errors with additional context.
type StoreError struct {
	Op      string // Operation that failed (e.g., "InsertChange")
	Entity  string // Entity type (e.g., "change", "lock")
	ID      string // Entity ID if applicable
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError.
func NewStoreError(op, entity, id, message string, err error) *StoreError {
	return &StoreError{
		Op:      op,
		Entity:  entity,
		ID:      id,
		Message: message,
		Err:     err,
	}
}

// =============================================================================
// Driver Error Details
// =============================================================================

// ErrorFields extracts driver specific details from a database error. It
// returns nil for errors that did not come from a known driver.
func ErrorFields(err error) map[string]string {
	fields := make(map[string]string)
	set := func(k, v string) {
		if v != "" {
			fields[k] = v
		}
	}

	var pqErr *pq.Error
	var myErr *mysql.MySQLError
	var liteErr sqlite3.Error

	switch {
	case errors.As(err, &pqErr):
		set("code", string(pqErr.Code))
		set("condition", pqErr.Code.Name())
		set("severity", pqErr.Severity)
		set("message", pqErr.Message)
		set("detail", pqErr.Detail)
		set("hint", pqErr.Hint)
		set("position", pqErr.Position)
		set("where", pqErr.Where)
		set("schema", pqErr.Schema)
		set("table", pqErr.Table)
		set("column", pqErr.Column)
		set("constraint", pqErr.Constraint)
		set("routine", pqErr.Routine)

	case errors.As(err, &myErr):
		set("code", strconv.Itoa(int(myErr.Number)))
		if myErr.SQLState != [5]byte{} {
			set("sqlstate", string(myErr.SQLState[:]))
		}
		set("message", myErr.Message)

	case errors.As(err, &liteErr):
		set("code", strconv.Itoa(int(liteErr.Code)))
		set("extended_code", strconv.Itoa(int(liteErr.ExtendedCode)))
		set("message", liteErr.Error())

	default:
		return nil
	}
	return fields
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	var myErr *mysql.MySQLError
	var liteErr sqlite3.Error

	switch {
	case errors.As(err, &pqErr):
		return pqErr.Code == "23505"
	case errors.As(err, &myErr):
		return myErr.Number == 1062
	case errors.As(err, &liteErr):
		return liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
