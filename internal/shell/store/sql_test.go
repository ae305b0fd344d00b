package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/changeplan/internal/core/deployment"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := Open(Config{Driver: "sqlite", DSN: ":memory:", LockPollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func testRecord(project, change string) *deployment.Record {
	return &deployment.Record{
		Target:      "db",
		Project:     project,
		Change:      change,
		ScriptHash:  deployment.ScriptHash("create " + change),
		Fingerprint: deployment.Fingerprint("create "+change, nil),
		DeployedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		DeployedBy:  "tester",
		RunID:       "run-1",
	}
}

// =============================================================================
// Open Tests
// =============================================================================

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle", DSN: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedDriver))
}

func TestOpen_InvalidMySQLDSN(t *testing.T) {
	_, err := Open(Config{Driver: "mysql", DSN: "not a dsn"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionFailed))
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	first, err := Open(Config{Driver: "sqlite3", DSN: path})
	require.NoError(t, err)
	require.NoError(t, first.InsertChange(context.Background(), testRecord("app", "a")))
	require.NoError(t, first.Close())

	second, err := Open(Config{Driver: "sqlite3", DSN: path})
	require.NoError(t, err)
	defer second.Close()

	records, err := second.ListChanges(context.Background(), "db", "app")
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, DialectSQLite, second.Dialect())
}

// =============================================================================
// Ledger Record Tests
// =============================================================================

func TestInsertAndListChanges(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord("app", "schemas/auth/tables/users")
	rec.Tags = []string{"v1"}
	rec.Dependencies = []string{"app:schemas/auth/schema", "core:@base"}
	require.NoError(t, store.InsertChange(ctx, rec))
	require.NoError(t, store.InsertChange(ctx, testRecord("other", "x")))

	records, err := store.ListChanges(ctx, "db", "app")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, *rec, records[0])

	all, err := store.ListTargetChanges(ctx, "db")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := store.ListChanges(ctx, "elsewhere", "app")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetChange(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertChange(ctx, testRecord("app", "a")))

	got, err := store.GetChange(ctx, "db", "app", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Change)
	assert.Nil(t, got.Tags)
	assert.Nil(t, got.Dependencies)

	_, err = store.GetChange(ctx, "db", "app", "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestInsertChange_Duplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertChange(ctx, testRecord("app", "a")))
	err := store.InsertChange(ctx, testRecord("app", "a"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateChange))

	var sErr *StoreError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, "InsertChange", sErr.Op)
}

func TestDeleteChange(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertChange(ctx, testRecord("app", "a")))
	require.NoError(t, store.DeleteChange(ctx, "db", "app", "a"))

	err := store.DeleteChange(ctx, "db", "app", "a")
	assert.True(t, errors.Is(err, ErrNotFound))
}

// =============================================================================
// Script and Transaction Tests
// =============================================================================

func TestExecScript_MultipleStatements(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ExecScript(ctx, `
		CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
		INSERT INTO widgets (name) VALUES ('a');
		INSERT INTO widgets (name) VALUES ('b');
	`))

	var count int
	require.NoError(t, store.db.Get(&count, `SELECT COUNT(*) FROM widgets`))
	assert.Equal(t, 2, count)
}

func TestExecScript_ErrorFields(t *testing.T) {
	store := setupTestStore(t)

	err := store.ExecScript(context.Background(), `SELEC nonsense`)
	require.Error(t, err)

	fields := ErrorFields(err)
	require.NotNil(t, fields)
	assert.NotEmpty(t, fields["code"])
	assert.Contains(t, fields["message"], "syntax error")

	assert.Nil(t, ErrorFields(errors.New("plain")))
}

func TestWithTx_CommitsScriptAndRecordTogether(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx Store) error {
		if err := tx.ExecScript(ctx, `CREATE TABLE t1 (id INTEGER)`); err != nil {
			return err
		}
		return tx.InsertChange(ctx, testRecord("app", "t1"))
	})
	require.NoError(t, err)

	records, err := store.ListChanges(ctx, "db", "app")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx Store) error {
		require.NoError(t, tx.ExecScript(ctx, `CREATE TABLE t2 (id INTEGER)`))
		require.NoError(t, tx.InsertChange(ctx, testRecord("app", "t2")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	records, err := store.ListChanges(ctx, "db", "app")
	require.NoError(t, err)
	assert.Empty(t, records)

	// The table was rolled back with the record.
	require.NoError(t, store.ExecScript(ctx, `CREATE TABLE t2 (id INTEGER)`))
}

func TestWithRollbackTx_NeverCommits(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.WithRollbackTx(ctx, func(tx Store) error {
		return tx.ExecScript(ctx, `CREATE TABLE scratch (id INTEGER)`)
	})
	require.NoError(t, err)

	require.NoError(t, store.ExecScript(ctx, `CREATE TABLE scratch (id INTEGER)`))
}

func TestTxStore_NestedTxRunsInline(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx Store) error {
		return tx.WithTx(ctx, func(inner Store) error {
			return inner.InsertChange(ctx, testRecord("app", "nested"))
		})
	})
	require.NoError(t, err)

	_, err = store.GetChange(ctx, "db", "app", "nested")
	require.NoError(t, err)
}

// =============================================================================
// Lock Tests
// =============================================================================

func TestLock_FailFastOnContention(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	lock, err := store.Lock(ctx, "db", false)
	require.NoError(t, err)

	_, err = store.Lock(ctx, "db", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockContention))

	other, err := store.Lock(ctx, "other-db", false)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lock.Release(ctx))

	again, err := store.Lock(ctx, "db", false)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLock_WaitBlocksUntilReleased(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	lock, err := store.Lock(ctx, "db", true)
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		l, err := store.Lock(ctx, "db", true)
		if err == nil {
			err = l.Release(ctx)
		}
		acquired <- err
	}()

	select {
	case err := <-acquired:
		t.Fatalf("second lock acquired while held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lock.Release(ctx))

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting lock was never acquired")
	}
}

func TestLock_WaitHonoursContext(t *testing.T) {
	store := setupTestStore(t)

	lock, err := store.Lock(context.Background(), "db", true)
	require.NoError(t, err)
	defer lock.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = store.Lock(ctx, "db", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// abandonLock takes the lock of "db" in a file-backed ledger and closes the
// ledger without releasing it, as a crashed run would.
func abandonLock(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")

	crashed, err := Open(Config{Driver: "sqlite", DSN: path})
	require.NoError(t, err)
	_, err = crashed.Lock(context.Background(), "db", false)
	require.NoError(t, err)
	require.NoError(t, crashed.Close())
	return path
}

func TestLock_AbandonedLockRemovedByUnlock(t *testing.T) {
	path := abandonLock(t)
	ctx := context.Background()

	store, err := Open(Config{Driver: "sqlite", DSN: path})
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Lock(ctx, "db", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockContention))

	removed, err := store.Unlock(ctx, "db")
	require.NoError(t, err)
	assert.True(t, removed)

	lock, err := store.Lock(ctx, "db", false)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))

	removed, err = store.Unlock(ctx, "db")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestLock_StaleLockTakenOver(t *testing.T) {
	path := abandonLock(t)
	ctx := context.Background()

	fresh, err := Open(Config{Driver: "sqlite", DSN: path, LockStaleAfter: time.Hour})
	require.NoError(t, err)
	_, err = fresh.Lock(ctx, "db", false)
	assert.True(t, errors.Is(err, ErrLockContention), "a lock younger than the threshold stays held")
	require.NoError(t, fresh.Close())

	time.Sleep(20 * time.Millisecond)

	store, err := Open(Config{Driver: "sqlite", DSN: path, LockStaleAfter: 10 * time.Millisecond, LockPollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	defer store.Close()

	lock, err := store.Lock(ctx, "db", false)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
}

func TestLock_InsideTransactionIsRejected(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx Store) error {
		_, err := tx.Lock(ctx, "db", false)
		return err
	})
	assert.True(t, errors.Is(err, ErrTxFailed))

	err = store.WithTx(ctx, func(tx Store) error {
		_, err := tx.Unlock(ctx, "db")
		return err
	})
	assert.True(t, errors.Is(err, ErrTxFailed))
}

func TestMySQLLockName(t *testing.T) {
	assert.Equal(t, "changeplan:db", mysqlLockName(LockKey("db")))

	long := LockKey(fmt.Sprintf("%080d", 1))
	name := mysqlLockName(long)
	assert.LessOrEqual(t, len(name), mysqlLockNameMax)
	assert.Equal(t, name, mysqlLockName(long))
}

// =============================================================================
// History Tests
// =============================================================================

func TestRecentQueries_Bounded(t *testing.T) {
	store, err := Open(Config{Driver: "sqlite", DSN: ":memory:", HistorySize: 3})
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.ExecScript(ctx, fmt.Sprintf("SELECT %d", i)))
	}

	assert.Equal(t, []string{"SELECT 2", "SELECT 3", "SELECT 4"}, store.RecentQueries())
}

func TestQueryHistory_PartialAndTruncated(t *testing.T) {
	h := newQueryHistory(4)
	assert.Empty(t, h.snapshot())

	h.record("a")
	h.record("b")
	assert.Equal(t, []string{"a", "b"}, h.snapshot())

	long := make([]byte, maxHistoryEntry+10)
	for i := range long {
		long[i] = 'x'
	}
	h.record(string(long))
	snap := h.snapshot()
	assert.Len(t, snap[2], maxHistoryEntry+3)
}
