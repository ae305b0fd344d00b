package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// mysqlLockNameMax is the longest name GET_LOCK accepts.
const mysqlLockNameMax = 64

// lockTimeFormat is fixed width so acquired_at values compare as strings.
const lockTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// Advisory Locks
// =============================================================================

// Lock takes the advisory lock of a target for the duration of a run.
//
// Postgres and mysql use session-level advisory locks on a pinned connection.
// Sqlite has none, so a row in changeplan_locks stands in for one. A row
// outlives a crashed holder: it is taken over once older than LockStaleAfter,
// or removed with Unlock.
func (s *SQLStore) Lock(ctx context.Context, target string, wait bool) (Lock, error) {
	key := LockKey(target)
	switch s.dialect {
	case DialectPostgres:
		return s.lockPostgres(ctx, key, wait)
	case DialectMySQL:
		return s.lockMySQL(ctx, key, wait)
	default:
		return s.lockSQLite(ctx, key, wait)
	}
}

// Unlock removes the sqlite lock row of a target. Postgres and mysql locks
// end with the session that took them, so there is never one to remove.
func (s *SQLStore) Unlock(ctx context.Context, target string) (bool, error) {
	if s.dialect != DialectSQLite {
		return false, nil
	}

	key := LockKey(target)
	exec := s.exec()
	result, err := exec.ExecContext(ctx, exec.Rebind(`DELETE FROM changeplan_locks WHERE lock_key = ?`), key)
	if err != nil {
		return false, NewStoreError("Unlock", "lock", key, err.Error(), err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, NewStoreError("Unlock", "lock", key, err.Error(), err)
	}
	return rows > 0, nil
}

// LockKey returns the advisory lock name of a target.
func LockKey(target string) string {
	return "changeplan:" + target
}

// -----------------------------------------------------------------------------
// Postgres
// -----------------------------------------------------------------------------

type connLock struct {
	conn    *sqlx.Conn
	release string
	key     string
}

func (l *connLock) Release(ctx context.Context) error {
	defer l.conn.Close()
	if _, err := l.conn.ExecContext(ctx, l.release, l.key); err != nil {
		return NewStoreError("Release", "lock", l.key, err.Error(), err)
	}
	return nil
}

func (s *SQLStore) lockPostgres(ctx context.Context, key string, wait bool) (Lock, error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, NewStoreError("Lock", "lock", key, err.Error(), ErrConnectionFailed)
	}

	if wait {
		s.history.record("SELECT pg_advisory_lock(hashtext($1))")
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
			conn.Close()
			return nil, NewStoreError("Lock", "lock", key, err.Error(), err)
		}
	} else {
		var acquired bool
		s.history.record("SELECT pg_try_advisory_lock(hashtext($1))")
		if err := conn.GetContext(ctx, &acquired, `SELECT pg_try_advisory_lock(hashtext($1))`, key); err != nil {
			conn.Close()
			return nil, NewStoreError("Lock", "lock", key, err.Error(), err)
		}
		if !acquired {
			conn.Close()
			return nil, NewStoreError("Lock", "lock", key, "held by another session", ErrLockContention)
		}
	}

	return &connLock{conn: conn, release: `SELECT pg_advisory_unlock(hashtext($1))`, key: key}, nil
}

// -----------------------------------------------------------------------------
// MySQL
// -----------------------------------------------------------------------------

// mysqlLockName fits a lock key into GET_LOCK's name limit.
func mysqlLockName(key string) string {
	if len(key) <= mysqlLockNameMax {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return "changeplan:" + hex.EncodeToString(sum[:])[:40]
}

func (s *SQLStore) lockMySQL(ctx context.Context, key string, wait bool) (Lock, error) {
	name := mysqlLockName(key)

	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, NewStoreError("Lock", "lock", key, err.Error(), ErrConnectionFailed)
	}

	timeout := 0
	if wait {
		timeout = -1
	}

	var acquired sql.NullInt64
	s.history.record("SELECT GET_LOCK(?, ?)")
	if err := conn.GetContext(ctx, &acquired, `SELECT GET_LOCK(?, ?)`, name, timeout); err != nil {
		conn.Close()
		return nil, NewStoreError("Lock", "lock", key, err.Error(), err)
	}
	if !acquired.Valid || acquired.Int64 != 1 {
		conn.Close()
		return nil, NewStoreError("Lock", "lock", key, "held by another session", ErrLockContention)
	}

	return &connLock{conn: conn, release: `SELECT RELEASE_LOCK(?)`, key: name}, nil
}

// -----------------------------------------------------------------------------
// SQLite
// -----------------------------------------------------------------------------

type rowLock struct {
	store  *SQLStore
	key    string
	holder string
}

func (l *rowLock) Release(ctx context.Context) error {
	exec := l.store.exec()
	query := exec.Rebind(`DELETE FROM changeplan_locks WHERE lock_key = ? AND holder = ?`)
	if _, err := exec.ExecContext(ctx, query, l.key, l.holder); err != nil {
		return NewStoreError("Release", "lock", l.key, err.Error(), err)
	}
	return nil
}

func (s *SQLStore) lockSQLite(ctx context.Context, key string, wait bool) (Lock, error) {
	exec := s.exec()
	query := exec.Rebind(`INSERT INTO changeplan_locks (lock_key, holder, acquired_at) VALUES (?, ?, ?)`)

	for {
		_, err := exec.ExecContext(ctx, query, key, s.holder, time.Now().UTC().Format(lockTimeFormat))
		if err == nil {
			return &rowLock{store: s, key: key, holder: s.holder}, nil
		}
		if !isUniqueViolation(err) {
			return nil, NewStoreError("Lock", "lock", key, err.Error(), err)
		}
		if s.staleAfter > 0 {
			cleared, err := s.clearStaleLock(ctx, key)
			if err != nil {
				return nil, err
			}
			if cleared {
				continue
			}
		}
		if !wait {
			return nil, NewStoreError("Lock", "lock", key, fmt.Sprintf("held since %s; unlock the target if that run is gone", s.lockHeldSince(ctx, key)), ErrLockContention)
		}

		select {
		case <-ctx.Done():
			return nil, NewStoreError("Lock", "lock", key, "gave up waiting", ctx.Err())
		case <-time.After(s.pollInterval):
		}
	}
}

// clearStaleLock deletes the lock row of key if it is older than staleAfter.
func (s *SQLStore) clearStaleLock(ctx context.Context, key string) (bool, error) {
	exec := s.exec()
	cutoff := time.Now().Add(-s.staleAfter).UTC().Format(lockTimeFormat)
	result, err := exec.ExecContext(ctx, exec.Rebind(`DELETE FROM changeplan_locks WHERE lock_key = ? AND acquired_at < ?`), key, cutoff)
	if err != nil {
		return false, NewStoreError("Lock", "lock", key, err.Error(), err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, NewStoreError("Lock", "lock", key, err.Error(), err)
	}
	return rows > 0, nil
}

func (s *SQLStore) lockHeldSince(ctx context.Context, key string) string {
	exec := s.exec()
	var since string
	if err := exec.GetContext(ctx, &since, exec.Rebind(`SELECT acquired_at FROM changeplan_locks WHERE lock_key = ?`), key); err != nil {
		return "unknown"
	}
	return since
}
