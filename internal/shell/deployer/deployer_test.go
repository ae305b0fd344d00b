package deployer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/changeplan/internal/core/deployment"
	"github.com/artpar/changeplan/internal/shell/project"
	"github.com/artpar/changeplan/internal/shell/store"
)

// =============================================================================
// Test Helpers
// =============================================================================

const abcPlan = `%project=app
a 2024-01-01T00:00:00Z Dev <dev@example.com>
b [a] 2024-01-01T00:00:00Z Dev <dev@example.com>
@v1 2024-01-01T00:00:00Z Dev <dev@example.com>
c [a b] 2024-01-01T00:00:00Z Dev <dev@example.com>
`

func abcFS() fstest.MapFS {
	fsys := fstest.MapFS{project.PlanFileName: {Data: []byte(abcPlan)}}
	for _, name := range []string{"a", "b", "c"} {
		fsys["deploy/"+name+".sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE " + name + " (id INTEGER);")}
		fsys["revert/"+name+".sql"] = &fstest.MapFile{Data: []byte("DROP TABLE " + name + ";")}
		fsys["verify/"+name+".sql"] = &fstest.MapFile{Data: []byte("SELECT id FROM " + name + ";")}
	}
	return fsys
}

func loadProject(t *testing.T, fsys fstest.MapFS) *project.Project {
	t.Helper()
	p, err := project.Load(fsys, "")
	require.NoError(t, err)
	return p
}

func setupTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.Open(store.Config{Driver: "sqlite", DSN: ":memory:", LockPollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func newTestDeployer(t *testing.T, st store.Store, mutate ...func(*Config)) *Deployer {
	t.Helper()
	cfg := Config{Target: "db", DeployedBy: "tester", LockMode: LockFail}
	for _, m := range mutate {
		m(&cfg)
	}
	return New(st, cfg, nil, nil)
}

func deployedChanges(t *testing.T, st store.Store, projectName string) []string {
	t.Helper()
	records, err := st.ListChanges(context.Background(), "db", projectName)
	require.NoError(t, err)
	var names []string
	for _, r := range records {
		names = append(names, r.Change)
	}
	return names
}

// tableExists checks for a table by creating it inside a rolled back transaction.
func tableExists(t *testing.T, st store.Store, table string) bool {
	t.Helper()
	err := st.WithRollbackTx(context.Background(), func(tx store.Store) error {
		return tx.ExecScript(context.Background(), "CREATE TABLE "+table+" (id INTEGER);")
	})
	return err != nil
}

// hookStore runs onExec before every script, inside transactions too.
type hookStore struct {
	store.Store
	onExec func(ctx context.Context, script string) error
}

func (h *hookStore) ExecScript(ctx context.Context, script string) error {
	if h.onExec != nil {
		if err := h.onExec(ctx, script); err != nil {
			return err
		}
	}
	return h.Store.ExecScript(ctx, script)
}

func (h *hookStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return h.Store.WithTx(ctx, func(tx store.Store) error {
		return fn(&hookStore{Store: tx, onExec: h.onExec})
	})
}

func (h *hookStore) WithRollbackTx(ctx context.Context, fn func(store.Store) error) error {
	return h.Store.WithRollbackTx(ctx, func(tx store.Store) error {
		return fn(&hookStore{Store: tx, onExec: h.onExec})
	})
}

// =============================================================================
// Deploy Tests
// =============================================================================

func TestDeploy_AppliesInDependencyOrder(t *testing.T) {
	st := setupTestStore(t)
	d := newTestDeployer(t, st)

	res, err := d.Deploy(context.Background(), loadProject(t, abcFS()), deployment.Options{OneTxPerChange: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, res.Changes)
	assert.Equal(t, "db", res.Target)
	assert.Equal(t, "app", res.Project)
	assert.NotEmpty(t, res.RunID)

	rec, err := st.GetChange(context.Background(), "db", "app", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, rec.Tags)
	assert.Equal(t, "tester", rec.DeployedBy)
	assert.Equal(t, res.RunID, rec.RunID)
	assert.Equal(t, deployment.ScriptHash("CREATE TABLE b (id INTEGER);"), rec.ScriptHash)

	for _, table := range []string{"a", "b", "c"} {
		assert.True(t, tableExists(t, st, table), table)
	}
}

func TestDeploy_IsIdempotent(t *testing.T) {
	st := setupTestStore(t)
	d := newTestDeployer(t, st)
	proj := loadProject(t, abcFS())

	first, err := d.Deploy(context.Background(), proj, deployment.Options{OneTxPerChange: true})
	require.NoError(t, err)

	second, err := d.Deploy(context.Background(), proj, deployment.Options{OneTxPerChange: true})
	require.NoError(t, err)
	assert.Empty(t, second.Changes)

	records, err := st.ListChanges(context.Background(), "db", "app")
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, first.RunID, r.RunID)
	}
}

func TestDeploy_To(t *testing.T) {
	st := setupTestStore(t)
	d := newTestDeployer(t, st)
	proj := loadProject(t, abcFS())

	res, err := d.Deploy(context.Background(), proj, deployment.Options{To: "@v1", OneTxPerChange: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Changes)

	res, err = d.Deploy(context.Background(), proj, deployment.Options{OneTxPerChange: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, res.Changes)

	_, err = d.Deploy(context.Background(), proj, deployment.Options{To: "nope"})
	assert.True(t, errors.Is(err, deployment.ErrUnknownChange))
}

func TestDeploy_StopsAtFirstFailure(t *testing.T) {
	st := setupTestStore(t)
	d := newTestDeployer(t, st)

	fsys := abcFS()
	fsys["deploy/b.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE broken (")}

	res, err := d.Deploy(context.Background(), loadProject(t, fsys), deployment.Options{OneTxPerChange: true})
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, res.Changes)

	var runErr *deployment.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "b", runErr.Failed)
	assert.Equal(t, []string{"a"}, runErr.Completed)

	assert.True(t, errors.Is(err, deployment.ErrScriptFailed))
	var scriptErr *deployment.ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, "deploy", scriptErr.Kind)
	assert.Equal(t, "b", scriptErr.Change)
	require.NotEmpty(t, scriptErr.History)
	assert.Equal(t, "CREATE TABLE broken (", scriptErr.History[len(scriptErr.History)-1])
	assert.NotEmpty(t, scriptErr.Fields["code"])

	assert.Equal(t, []string{"a"}, deployedChanges(t, st, "app"))
	assert.False(t, tableExists(t, st, "c"))
}

func TestDeploy_SingleTransactionRollsBackEverything(t *testing.T) {
	st := setupTestStore(t)
	d := newTestDeployer(t, st)

	fsys := abcFS()
	fsys["deploy/c.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE broken (")}

	res, err := d.Deploy(context.Background(), loadProject(t, fsys), deployment.Options{OneTxPerChange: false})
	require.Error(t, err)
	assert.Empty(t, res.Changes)

	var runErr *deployment.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "c", runErr.Failed)
	assert.Empty(t, runErr.Completed)

	assert.Empty(t, deployedChanges(t, st, "app"))
	assert.False(t, tableExists(t, st, "a"))
}

func TestDeploy_PreflightFailuresRunNothing(t *testing.T) {
	tests := []struct {
		name    string
		fsys    func() fstest.MapFS
		wantErr error
	}{
		{
			name: "missing deploy script",
			fsys: func() fstest.MapFS {
				fsys := abcFS()
				delete(fsys, "deploy/c.sql")
				return fsys
			},
			wantErr: project.ErrMissingDeployScript,
		},
		{
			name: "unknown dependency",
			fsys: func() fstest.MapFS {
				fsys := abcFS()
				fsys[project.PlanFileName] = &fstest.MapFile{Data: []byte(strings.Replace(abcPlan, "c [a b]", "c [a ghost]", 1))}
				return fsys
			},
			wantErr: deployment.ErrUnknownDependency,
		},
		{
			name: "qualified dependency not deployed",
			fsys: func() fstest.MapFS {
				fsys := abcFS()
				fsys[project.PlanFileName] = &fstest.MapFile{Data: []byte(strings.Replace(abcPlan, "c [a b]", "c [a auth:users]", 1))}
				return fsys
			},
			wantErr: deployment.ErrDependencyNotDeployed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := setupTestStore(t)
			d := newTestDeployer(t, st)

			res, err := d.Deploy(context.Background(), loadProject(t, tt.fsys()), deployment.Options{OneTxPerChange: true})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), err.Error())
			assert.Empty(t, res.Changes)
			assert.Empty(t, deployedChanges(t, st, "app"))
			assert.False(t, tableExists(t, st, "a"))
		})
	}
}

func TestDeploy_CancellationBetweenChanges(t *testing.T) {
	base := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := &hookStore{Store: base, onExec: func(_ context.Context, script string) error {
		if strings.Contains(script, "TABLE b ") {
			cancel()
		}
		return nil
	}}
	d := newTestDeployer(t, st)

	res, err := d.Deploy(ctx, loadProject(t, abcFS()), deployment.Options{OneTxPerChange: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, deployment.ErrCancelled))
	assert.True(t, errors.Is(err, context.Canceled))

	// The change in flight finishes; the next one never starts.
	assert.Equal(t, []string{"a", "b"}, res.Changes)
	var runErr *deployment.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, []string{"a", "b"}, runErr.Completed)
	assert.Empty(t, runErr.Failed)

	assert.Equal(t, []string{"a", "b"}, deployedChanges(t, base, "app"))
	assert.False(t, tableExists(t, base, "c"))
}

func TestDeploy_ChangeTimeoutRollsBack(t *testing.T) {
	base := setupTestStore(t)
	st := &hookStore{Store: base, onExec: func(ctx context.Context, script string) error {
		if strings.Contains(script, "TABLE b ") {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}
	d := newTestDeployer(t, st, func(c *Config) { c.ChangeTimeout = 50 * time.Millisecond })

	res, err := d.Deploy(context.Background(), loadProject(t, abcFS()), deployment.Options{OneTxPerChange: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, deployment.ErrScriptFailed))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, []string{"a"}, res.Changes)

	assert.Equal(t, []string{"a"}, deployedChanges(t, base, "app"))
}

func TestDeploy_LockContention(t *testing.T) {
	st := setupTestStore(t)
	d := newTestDeployer(t, st)

	held, err := st.Lock(context.Background(), "db", false)
	require.NoError(t, err)

	_, err = d.Deploy(context.Background(), loadProject(t, abcFS()), deployment.Options{OneTxPerChange: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrLockContention))
	assert.Empty(t, deployedChanges(t, st, "app"))

	require.NoError(t, held.Release(context.Background()))

	_, err = d.Deploy(context.Background(), loadProject(t, abcFS()), deployment.Options{OneTxPerChange: true})
	require.NoError(t, err)
}

func TestDeploy_ReleasesLockAfterRun(t *testing.T) {
	st := setupTestStore(t)
	d := newTestDeployer(t, st)

	fsys := abcFS()
	fsys["deploy/a.sql"] = &fstest.MapFile{Data: []byte("nonsense")}
	_, err := d.Deploy(context.Background(), loadProject(t, fsys), deployment.Options{OneTxPerChange: true})
	require.Error(t, err)

	lock, err := st.Lock(context.Background(), "db", false)
	require.NoError(t, err)
	require.NoError(t, lock.Release(context.Background()))
}

// =============================================================================
// Revert Tests
// =============================================================================

func TestRevert_RoundTrip(t *testing.T) {
	st := setupTestStore(t)
	d := newTestDeployer(t, st)
	proj := loadProject(t, abcFS())

	_, err := d.Deploy(context.Background(), proj, deployment.Options{OneTxPerChange: true})
	require.NoError(t, err)

	res, err := d.Revert(context.Background(), proj, deployment.Options{OneTxPerChange: true})
	require.NoError(t, err)
	assert.Equal(t, deployment.OpRevert, res.Operation)
	assert.Equal(t, []string{"c", "b", "a"}, res.Changes)

	assert.Empty(t, deployedChanges(t, st, "app"))
	for _, table := range []string{"a", "b", "c"} {
		assert.False(t, tableExists(t, st, table), table)
	}

	// Reverting again has nothing to do.
	res, err = d.Revert(context.Background(), proj, deployment.Options{OneTxPerChange: true})
	require.NoError(t, err)
	assert.Empty(t, res.Changes)
}

func TestRevert_To(t *testing.T) {
	st := setupTestStore(t)
	d := newTestDeployer(t, st)
	proj := loadProject(t, abcFS())

	_, err := d.Deploy(context.Background(), proj, deployment.Options{OneTxPerChange: true})
	require.NoError(t, err)

	res, err := d.Revert(context.Background(), proj, deployment.Options{To: "a", OneTxPerChange: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, res.Changes)
	assert.Equal(t, []string{"a"}, deployedChanges(t, st, "app"))
}

func TestRevert_IrreversibleChangeFailsPreflight(t *testing.T) {
	st := setupTestStore(t)
	d := newTestDeployer(t, st)

	fsys := abcFS()
	_, err := d.Deploy(context.Background(), loadProject(t, fsys), deployment.Options{OneTxPerChange: true})
	require.NoError(t, err)

	delete(fsys, "revert/b.sql")
	res, err := d.Revert(context.Background(), loadProject(t, fsys), deployment.Options{OneTxPerChange: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, deployment.ErrIrreversible))
	assert.Empty(t, res.Changes)
	assert.Len(t, deployedChanges(t, st, "app"), 3)
}

// =============================================================================
// Verify Tests
// =============================================================================

func TestVerify_AggregatesResults(t *testing.T) {
	st := setupTestStore(t)
	d := newTestDeployer(t, st)

	fsys := abcFS()
	_, err := d.Deploy(context.Background(), loadProject(t, fsys), deployment.Options{OneTxPerChange: true})
	require.NoError(t, err)

	fsys["verify/b.sql"] = &fstest.MapFile{Data: []byte("SELECT missing_column FROM b;")}
	delete(fsys, "verify/c.sql")

	report, err := d.Verify(context.Background(), loadProject(t, fsys))
	require.NoError(t, err)

	require.Len(t, report.Results, 3)
	assert.Equal(t, deployment.VerifyPassed, report.Results[0].Status)
	assert.Equal(t, deployment.VerifyFailed, report.Results[1].Status)
	assert.Equal(t, deployment.VerifySkipped, report.Results[2].Status)
	assert.Equal(t, 1, report.Passed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Skipped)

	assert.True(t, errors.Is(report.Results[1].Err, deployment.ErrScriptFailed))
	assert.True(t, errors.Is(report.Err(), deployment.ErrVerificationFailed))
}

func TestVerify_NeverCommits(t *testing.T) {
	st := setupTestStore(t)
	d := newTestDeployer(t, st)

	fsys := abcFS()
	_, err := d.Deploy(context.Background(), loadProject(t, fsys), deployment.Options{OneTxPerChange: true})
	require.NoError(t, err)

	fsys["verify/a.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE scratch (id INTEGER);")}
	report, err := d.Verify(context.Background(), loadProject(t, fsys))
	require.NoError(t, err)
	assert.True(t, report.OK())

	assert.False(t, tableExists(t, st, "scratch"))
}

func TestVerify_DriftAndOrphans(t *testing.T) {
	st := setupTestStore(t)
	d := newTestDeployer(t, st)

	fsys := abcFS()
	_, err := d.Deploy(context.Background(), loadProject(t, fsys), deployment.Options{OneTxPerChange: true})
	require.NoError(t, err)

	orphan := deployment.Record{Target: "db", Project: "app", Change: "gone", DeployedAt: time.Now(), DeployedBy: "tester", RunID: "old"}
	require.NoError(t, st.InsertChange(context.Background(), &orphan))

	fsys["deploy/a.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE a (id INTEGER, name TEXT);")}
	report, err := d.Verify(context.Background(), loadProject(t, fsys))
	require.NoError(t, err)

	assert.Equal(t, []string{"gone"}, report.Orphaned)
	assert.Equal(t, 1, report.Drifted)
	assert.True(t, report.Results[0].Drifted)
	assert.False(t, report.Results[1].Drifted)
	assert.True(t, report.OK())
}

// =============================================================================
// Workspace and Status Tests
// =============================================================================

func packageFS(planText string, tables ...string) fstest.MapFS {
	fsys := fstest.MapFS{project.PlanFileName: {Data: []byte(planText)}}
	for _, table := range tables {
		fsys["deploy/"+table+".sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE " + table + " (id INTEGER);")}
		fsys["revert/"+table+".sql"] = &fstest.MapFile{Data: []byte("DROP TABLE " + table + ";")}
	}
	return fsys
}

func TestDeployWorkspace_RespectsPackageOrder(t *testing.T) {
	st := setupTestStore(t)
	d := newTestDeployer(t, st)

	auth := loadProject(t, packageFS("%project=auth\nusers 2024-01-01T00:00:00Z Dev <dev@example.com>\n", "users"))
	public := loadProject(t, packageFS("%project=public\nprofiles [auth:users] 2024-01-01T00:00:00Z Dev <dev@example.com>\n", "profiles"))

	_, err := d.Deploy(context.Background(), public, deployment.Options{OneTxPerChange: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, deployment.ErrDependencyNotDeployed))

	results, err := d.DeployWorkspace(context.Background(), []*project.Project{auth, public}, deployment.Options{To: "users", OneTxPerChange: true})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []string{"users"}, results[0].Changes)
	assert.Equal(t, []string{"profiles"}, results[1].Changes)

	assert.Equal(t, []string{"users"}, deployedChanges(t, st, "auth"))
	assert.Equal(t, []string{"profiles"}, deployedChanges(t, st, "public"))
}

func TestRevert_BlockedByDependentPackage(t *testing.T) {
	st := setupTestStore(t)
	d := newTestDeployer(t, st)
	ctx := context.Background()
	opts := deployment.Options{OneTxPerChange: true}

	auth := loadProject(t, packageFS("%project=auth\nusers 2024-01-01T00:00:00Z Dev <dev@example.com>\n", "users"))
	public := loadProject(t, packageFS("%project=public\nget_user [auth:users] 2024-01-01T00:00:00Z Dev <dev@example.com>\n", "get_user"))

	_, err := d.DeployWorkspace(ctx, []*project.Project{auth, public}, opts)
	require.NoError(t, err)

	rec, err := st.GetChange(ctx, "db", "public", "get_user")
	require.NoError(t, err)
	assert.Equal(t, []string{"auth:users"}, rec.Dependencies)

	res, err := d.Revert(ctx, auth, opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, deployment.ErrRequiredByDependent))
	var depErr *deployment.DependencyError
	require.True(t, errors.As(err, &depErr))
	assert.Equal(t, "users", depErr.Change)
	assert.Equal(t, "public:get_user", depErr.Dependency)
	assert.Empty(t, res.Changes)
	assert.Equal(t, []string{"users"}, deployedChanges(t, st, "auth"))
	assert.True(t, tableExists(t, st, "users"))

	results, err := d.RevertWorkspace(ctx, []*project.Project{auth, public}, opts)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "public", results[0].Project)
	assert.Equal(t, []string{"get_user"}, results[0].Changes)
	assert.Equal(t, "auth", results[1].Project)
	assert.Equal(t, []string{"users"}, results[1].Changes)
	assert.Empty(t, deployedChanges(t, st, "auth"))
	assert.Empty(t, deployedChanges(t, st, "public"))
	assert.False(t, tableExists(t, st, "users"))
}

func TestRevertWorkspace_StopsAtFirstFailure(t *testing.T) {
	st := setupTestStore(t)
	d := newTestDeployer(t, st)
	ctx := context.Background()
	opts := deployment.Options{OneTxPerChange: true}

	auth := loadProject(t, packageFS("%project=auth\nusers 2024-01-01T00:00:00Z Dev <dev@example.com>\n", "users"))
	publicFS := packageFS("%project=public\nget_user [auth:users] 2024-01-01T00:00:00Z Dev <dev@example.com>\n", "get_user")
	delete(publicFS, "revert/get_user.sql")
	public := loadProject(t, publicFS)

	_, err := d.DeployWorkspace(ctx, []*project.Project{auth, public}, opts)
	require.NoError(t, err)

	results, err := d.RevertWorkspace(ctx, []*project.Project{auth, public}, opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, deployment.ErrIrreversible))
	assert.Contains(t, err.Error(), "package public")
	assert.Len(t, results, 1)
	assert.Equal(t, []string{"users"}, deployedChanges(t, st, "auth"))
}

func TestUnlock_RecoversAbandonedLock(t *testing.T) {
	st := setupTestStore(t)
	d := newTestDeployer(t, st)
	ctx := context.Background()

	// Never released.
	_, err := st.Lock(ctx, "db", false)
	require.NoError(t, err)

	_, err = d.Deploy(ctx, loadProject(t, abcFS()), deployment.Options{OneTxPerChange: true})
	assert.True(t, errors.Is(err, store.ErrLockContention))

	removed, err := d.Unlock(ctx)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = d.Deploy(ctx, loadProject(t, abcFS()), deployment.Options{OneTxPerChange: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, deployedChanges(t, st, "app"))
}

func TestStatus(t *testing.T) {
	st := setupTestStore(t)
	d := newTestDeployer(t, st)
	proj := loadProject(t, abcFS())

	_, err := d.Deploy(context.Background(), proj, deployment.Options{To: "a", OneTxPerChange: true})
	require.NoError(t, err)

	report, err := d.Status(context.Background(), proj)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, report.Pending)
	require.Len(t, report.Changes, 3)
	assert.Equal(t, deployment.StateDeployed, report.Changes[0].State)
	require.NotNil(t, report.Changes[0].Record)
	assert.Equal(t, deployment.StateNotDeployed, report.Changes[1].State)
}

// =============================================================================
// Metrics Tests
// =============================================================================

func TestMetrics(t *testing.T) {
	st := setupTestStore(t)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	d := New(st, Config{Target: "db", LockMode: LockFail}, nil, m)

	fsys := abcFS()
	delete(fsys, "verify/c.sql")
	proj := loadProject(t, fsys)

	_, err := d.Deploy(context.Background(), proj, deployment.Options{OneTxPerChange: true})
	require.NoError(t, err)
	_, err = d.Verify(context.Background(), proj)
	require.NoError(t, err)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.ChangesTotal.WithLabelValues("deploy", OutcomeSuccess)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ChangesTotal.WithLabelValues("verify", OutcomeSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ChangesTotal.WithLabelValues("verify", OutcomeSkipped)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RunsTotal.WithLabelValues("deploy", OutcomeSuccess)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.LockWait))
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observeChange(deployment.OpDeploy, OutcomeSuccess, time.Second)
		m.observeRun(deployment.OpDeploy, OutcomeSuccess)
		m.observeLockWait(time.Second)
	})
}
