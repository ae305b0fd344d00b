package store

import (
	"context"
	"time"

	"github.com/artpar/changeplan/internal/core/deployment"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the deployment ledger of one database.
type Store interface {
	// Ledger records
	ListChanges(ctx context.Context, target, project string) ([]deployment.Record, error)
	ListTargetChanges(ctx context.Context, target string) ([]deployment.Record, error)
	GetChange(ctx context.Context, target, project, change string) (*deployment.Record, error)
	InsertChange(ctx context.Context, rec *deployment.Record) error
	DeleteChange(ctx context.Context, target, project, change string) error

	// ExecScript sends an opaque script body to the database.
	ExecScript(ctx context.Context, script string) error

	// Transaction support. WithRollbackTx always rolls back. Inside a
	// transaction both run fn directly.
	WithTx(ctx context.Context, fn func(Store) error) error
	WithRollbackTx(ctx context.Context, fn func(Store) error) error

	// Lock takes the advisory lock of a target. With wait false it fails
	// with ErrLockContention instead of blocking.
	Lock(ctx context.Context, target string, wait bool) (Lock, error)

	// Unlock force-removes a target lock left behind by a dead run and
	// reports whether there was one.
	Unlock(ctx context.Context, target string) (bool, error)

	// RecentQueries returns the most recent statements, oldest first.
	RecentQueries() []string

	Dialect() Dialect

	// Lifecycle
	Close() error
}

// Lock is a held advisory lock.
type Lock interface {
	Release(ctx context.Context) error
}

// =============================================================================
// Options
// =============================================================================

// Dialect identifies the database behind a store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// Config configures a ledger connection.
type Config struct {
	Driver string // sqlite, postgres or mysql
	DSN    string

	// HistorySize bounds RecentQueries.
	HistorySize int

	// LockPollInterval is how often a waiting sqlite lock retries.
	LockPollInterval time.Duration

	// LockStaleAfter is the age past which a sqlite lock row is taken over.
	// Zero never takes over a lock.
	LockStaleAfter time.Duration
}

// DefaultConfig returns an in-memory sqlite ledger.
func DefaultConfig() Config {
	return Config{
		Driver:           string(DialectSQLite),
		DSN:              ":memory:",
		HistorySize:      10,
		LockPollInterval: 200 * time.Millisecond,
	}
}

// Normalize fills unset values with defaults.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	if c.Driver == "" {
		c.Driver = d.Driver
	}
	if c.DSN == "" && c.Driver == d.Driver {
		c.DSN = d.DSN
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.LockPollInterval <= 0 {
		c.LockPollInterval = d.LockPollInterval
	}
	if c.LockStaleAfter < 0 {
		c.LockStaleAfter = 0
	}
	return c
}
