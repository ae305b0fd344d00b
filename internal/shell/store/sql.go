package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/changeplan/internal/core/deployment"
)

//go:embed migrations
var migrationsFS embed.FS

const migrationsTable = "changeplan_schema_migrations"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Rebind(query string) string
}

// recorder records every statement sent through an executor.
type recorder struct {
	executor
	history *queryHistory
}

func (r recorder) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	r.history.record(query)
	return r.executor.GetContext(ctx, dest, query, args...)
}

func (r recorder) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	r.history.record(query)
	return r.executor.SelectContext(ctx, dest, query, args...)
}

func (r recorder) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	r.history.record(query)
	return r.executor.ExecContext(ctx, query, args...)
}

// =============================================================================
// SQLStore
// =============================================================================

// SQLStore implements Store on sqlite, postgres or mysql.
type SQLStore struct {
	db           *sqlx.DB
	dialect      Dialect
	history      *queryHistory
	pollInterval time.Duration
	staleAfter   time.Duration
	holder       string
}

// Open connects to the ledger database and runs migrations.
func Open(cfg Config) (*SQLStore, error) {
	cfg = cfg.Normalize()

	dialect, driverName, dsn, err := resolveDriver(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, NewStoreError("Open", "", "", "failed to open database", ErrConnectionFailed)
	}
	if dialect == DialectSQLite {
		// One connection keeps ":memory:" databases shared and serialises writers.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("Open", "", "", fmt.Sprintf("failed to ping database: %v", err), ErrConnectionFailed)
	}

	if err := runMigrations(db.DB, dialect); err != nil {
		db.Close()
		return nil, NewStoreError("Open", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLStore{
		db:           db,
		dialect:      dialect,
		history:      newQueryHistory(cfg.HistorySize),
		pollInterval: cfg.LockPollInterval,
		staleAfter:   cfg.LockStaleAfter,
		holder:       uuid.NewString(),
	}, nil
}

func resolveDriver(cfg Config) (Dialect, string, string, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "sqlite3":
		sep := "?"
		if strings.Contains(cfg.DSN, "?") {
			sep = "&"
		}
		return DialectSQLite, "sqlite3", cfg.DSN + sep + "_foreign_keys=on&_busy_timeout=5000", nil

	case "postgres", "postgresql":
		return DialectPostgres, "postgres", cfg.DSN, nil

	case "mysql":
		mc, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return "", "", "", NewStoreError("Open", "", "", fmt.Sprintf("invalid mysql dsn: %v", err), ErrConnectionFailed)
		}
		// Scripts are sent as one multi-statement body.
		mc.MultiStatements = true
		return DialectMySQL, "mysql", mc.FormatDSN(), nil
	}
	return "", "", "", NewStoreError("Open", "", "", cfg.Driver, ErrUnsupportedDriver)
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB, dialect Dialect) error {
	var (
		driver database.Driver
		dir    string
		err    error
	)
	switch dialect {
	case DialectSQLite:
		dir = "sqlite3"
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{MigrationsTable: migrationsTable})
	case DialectPostgres:
		dir = "postgres"
		driver, err = migratepg.WithInstance(db, &migratepg.Config{MigrationsTable: migrationsTable})
	case DialectMySQL:
		dir = "mysql"
		driver, err = migratemysql.WithInstance(db, &migratemysql.Config{MigrationsTable: migrationsTable})
	default:
		return fmt.Errorf("no migrations for dialect %s", dialect)
	}
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations/"+dir)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, dir, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func (s *SQLStore) exec() executor {
	return recorder{executor: s.db, history: s.history}
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Dialect returns the database dialect.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// RecentQueries returns the most recent statements, oldest first.
func (s *SQLStore) RecentQueries() []string {
	return s.history.snapshot()
}

func (s *SQLStore) ListChanges(ctx context.Context, target, project string) ([]deployment.Record, error) {
	return listChanges(ctx, s.exec(), target, project)
}

func (s *SQLStore) ListTargetChanges(ctx context.Context, target string) ([]deployment.Record, error) {
	return listTargetChanges(ctx, s.exec(), target)
}

func (s *SQLStore) GetChange(ctx context.Context, target, project, change string) (*deployment.Record, error) {
	return getChange(ctx, s.exec(), target, project, change)
}

func (s *SQLStore) InsertChange(ctx context.Context, rec *deployment.Record) error {
	return insertChange(ctx, s.exec(), rec)
}

func (s *SQLStore) DeleteChange(ctx context.Context, target, project, change string) error {
	return deleteChange(ctx, s.exec(), target, project, change)
}

func (s *SQLStore) ExecScript(ctx context.Context, script string) error {
	return execScript(ctx, s.exec(), script)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", fmt.Sprintf("failed to begin transaction: %v", err), ErrTxFailed)
	}

	txS := &txStore{tx: tx, parent: s}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", fmt.Sprintf("failed to commit transaction: %v", err), ErrTxFailed)
	}

	return nil
}

func (s *SQLStore) WithRollbackTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithRollbackTx", "", "", fmt.Sprintf("failed to begin transaction: %v", err), ErrTxFailed)
	}

	fnErr := fn(&txStore{tx: tx, parent: s})

	if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) && fnErr == nil {
		return NewStoreError("WithRollbackTx", "", "", fmt.Sprintf("rollback failed: %v", rbErr), ErrTxFailed)
	}
	return fnErr
}

// =============================================================================
// Transaction Store
// =============================================================================

// txStore implements Store within a transaction.
type txStore struct {
	tx     *sqlx.Tx
	parent *SQLStore
}

func (s *txStore) exec() executor {
	return recorder{executor: s.tx, history: s.parent.history}
}

func (s *txStore) ListChanges(ctx context.Context, target, project string) ([]deployment.Record, error) {
	return listChanges(ctx, s.exec(), target, project)
}

func (s *txStore) ListTargetChanges(ctx context.Context, target string) ([]deployment.Record, error) {
	return listTargetChanges(ctx, s.exec(), target)
}

func (s *txStore) GetChange(ctx context.Context, target, project, change string) (*deployment.Record, error) {
	return getChange(ctx, s.exec(), target, project, change)
}

func (s *txStore) InsertChange(ctx context.Context, rec *deployment.Record) error {
	return insertChange(ctx, s.exec(), rec)
}

func (s *txStore) DeleteChange(ctx context.Context, target, project, change string) error {
	return deleteChange(ctx, s.exec(), target, project, change)
}

func (s *txStore) ExecScript(ctx context.Context, script string) error {
	return execScript(ctx, s.exec(), script)
}

func (s *txStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txStore) WithRollbackTx(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}

func (s *txStore) Lock(ctx context.Context, target string, wait bool) (Lock, error) {
	return nil, NewStoreError("Lock", "lock", target, "cannot take a target lock inside a transaction", ErrTxFailed)
}

func (s *txStore) Unlock(ctx context.Context, target string) (bool, error) {
	return false, NewStoreError("Unlock", "lock", target, "cannot remove a target lock inside a transaction", ErrTxFailed)
}

func (s *txStore) RecentQueries() []string {
	return s.parent.RecentQueries()
}

func (s *txStore) Dialect() Dialect {
	return s.parent.dialect
}

func (s *txStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

// changeRow represents a ledger row in the database.
type changeRow struct {
	Target      string `db:"target"`
	Project     string `db:"project"`
	ChangeName  string `db:"change_name"`
	ScriptHash  string `db:"script_hash"`
	Fingerprint string `db:"fingerprint"`
	Tags        string `db:"tags"`
	DeployedAt  string `db:"deployed_at"`
	DeployedBy  string `db:"deployed_by"`
	RunID       string `db:"run_id"`

	// Null on mysql rows written before the column existed.
	Dependencies sql.NullString `db:"dependencies"`
}

const changeColumns = `target, project, change_name, script_hash, fingerprint, tags, deployed_at, deployed_by, run_id, dependencies`

func listChanges(ctx context.Context, exec executor, target, project string) ([]deployment.Record, error) {
	query := exec.Rebind(`SELECT ` + changeColumns + ` FROM changeplan_changes
		WHERE target = ? AND project = ?
		ORDER BY deployed_at, change_name`)

	var rows []changeRow
	if err := exec.SelectContext(ctx, &rows, query, target, project); err != nil {
		return nil, NewStoreError("ListChanges", "change", target, err.Error(), err)
	}
	return rowsToRecords(rows)
}

func listTargetChanges(ctx context.Context, exec executor, target string) ([]deployment.Record, error) {
	query := exec.Rebind(`SELECT ` + changeColumns + ` FROM changeplan_changes
		WHERE target = ?
		ORDER BY project, deployed_at, change_name`)

	var rows []changeRow
	if err := exec.SelectContext(ctx, &rows, query, target); err != nil {
		return nil, NewStoreError("ListTargetChanges", "change", target, err.Error(), err)
	}
	return rowsToRecords(rows)
}

func getChange(ctx context.Context, exec executor, target, project, change string) (*deployment.Record, error) {
	query := exec.Rebind(`SELECT ` + changeColumns + ` FROM changeplan_changes
		WHERE target = ? AND project = ? AND change_name = ?`)

	var row changeRow
	if err := exec.GetContext(ctx, &row, query, target, project, change); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetChange", "change", change, "change not recorded", ErrNotFound)
		}
		return nil, NewStoreError("GetChange", "change", change, err.Error(), err)
	}

	rec, err := rowToRecord(&row)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func insertChange(ctx context.Context, exec executor, rec *deployment.Record) error {
	tagsJSON, err := marshalList(rec.Tags)
	if err != nil {
		return NewStoreError("InsertChange", "change", rec.Change, "failed to serialize tags", ErrInvalidData)
	}
	depsJSON, err := marshalList(rec.Dependencies)
	if err != nil {
		return NewStoreError("InsertChange", "change", rec.Change, "failed to serialize dependencies", ErrInvalidData)
	}

	query := exec.Rebind(`INSERT INTO changeplan_changes (` + changeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = exec.ExecContext(ctx, query,
		rec.Target,
		rec.Project,
		rec.Change,
		rec.ScriptHash,
		rec.Fingerprint,
		tagsJSON,
		rec.DeployedAt.UTC().Format(time.RFC3339Nano),
		rec.DeployedBy,
		rec.RunID,
		depsJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return NewStoreError("InsertChange", "change", rec.Change, "change is already recorded", ErrDuplicateChange)
		}
		return NewStoreError("InsertChange", "change", rec.Change, err.Error(), err)
	}

	return nil
}

func deleteChange(ctx context.Context, exec executor, target, project, change string) error {
	query := exec.Rebind(`DELETE FROM changeplan_changes WHERE target = ? AND project = ? AND change_name = ?`)

	result, err := exec.ExecContext(ctx, query, target, project, change)
	if err != nil {
		return NewStoreError("DeleteChange", "change", change, err.Error(), err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return NewStoreError("DeleteChange", "change", change, err.Error(), err)
	}
	if rows == 0 {
		return NewStoreError("DeleteChange", "change", change, "change not recorded", ErrNotFound)
	}

	return nil
}

// execScript sends the script without arguments so drivers accept several
// statements in one body.
func execScript(ctx context.Context, exec executor, script string) error {
	_, err := exec.ExecContext(ctx, script)
	return err
}

func rowsToRecords(rows []changeRow) ([]deployment.Record, error) {
	records := make([]deployment.Record, 0, len(rows))
	for i := range rows {
		rec, err := rowToRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func rowToRecord(row *changeRow) (deployment.Record, error) {
	tags, err := unmarshalList(row.Tags)
	if err != nil {
		return deployment.Record{}, NewStoreError("rowToRecord", "change", row.ChangeName, "failed to parse tags", ErrInvalidData)
	}
	deps, err := unmarshalList(row.Dependencies.String)
	if err != nil {
		return deployment.Record{}, NewStoreError("rowToRecord", "change", row.ChangeName, "failed to parse dependencies", ErrInvalidData)
	}

	deployedAt, err := time.Parse(time.RFC3339Nano, row.DeployedAt)
	if err != nil {
		return deployment.Record{}, NewStoreError("rowToRecord", "change", row.ChangeName, "failed to parse deployed_at", ErrInvalidData)
	}

	return deployment.Record{
		Target:       row.Target,
		Project:      row.Project,
		Change:       row.ChangeName,
		ScriptHash:   row.ScriptHash,
		Fingerprint:  row.Fingerprint,
		Tags:         tags,
		Dependencies: deps,
		DeployedAt:   deployedAt,
		DeployedBy:   row.DeployedBy,
		RunID:        row.RunID,
	}, nil
}

// marshalList stores a nil list as "[]".
func marshalList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	data, err := json.Marshal(list)
	return string(data), err
}

// unmarshalList reads an empty column or "[]" as nil.
func unmarshalList(column string) ([]string, error) {
	if column == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(column), &list); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list, nil
}
