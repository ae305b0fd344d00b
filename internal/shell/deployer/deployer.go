// Package deployer runs deploy, revert and verify against a target database.
//
// The deployer owns the imperative side of a run: the per-target advisory
// lock, script loading, transactions, cancellation, per-change timeouts and
// metrics. What to run, and in which order, is decided by the pure
// deployment package.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/changeplan/internal/core/deployment"
	"github.com/artpar/changeplan/internal/shell/store"
)

// =============================================================================
// Configuration
// =============================================================================

// LockMode selects what a run does when another run holds the target lock.
type LockMode string

const (
	// LockWait blocks until the lock is free or the context ends.
	LockWait LockMode = "wait"

	// LockFail returns store.ErrLockContention immediately.
	LockFail LockMode = "fail"
)

// Config configures a Deployer.
type Config struct {
	// Target names the database in the ledger and the advisory lock.
	Target string

	// DeployedBy is recorded on every ledger row.
	DeployedBy string

	LockMode LockMode

	// ChangeTimeout bounds one change's script and ledger write. Zero means
	// no limit.
	ChangeTimeout time.Duration
}

// =============================================================================
// Deployer
// =============================================================================

// Deployer runs plans against one target.
type Deployer struct {
	store   store.Store
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// New creates a deployer. A nil logger means slog.Default(); nil metrics
// record nothing.
func New(st store.Store, cfg Config, logger *slog.Logger, metrics *Metrics) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Target == "" {
		cfg.Target = "default"
	}
	if cfg.DeployedBy == "" {
		cfg.DeployedBy = "changeplan"
	}
	if cfg.LockMode == "" {
		cfg.LockMode = LockWait
	}
	return &Deployer{
		store:   st,
		cfg:     cfg,
		logger:  logger.With("target", cfg.Target),
		metrics: metrics,
		now:     time.Now,
	}
}

// acquireLock takes the target lock according to the configured mode.
func (d *Deployer) acquireLock(ctx context.Context, runID string) (store.Lock, error) {
	start := time.Now()
	lock, err := d.store.Lock(ctx, d.cfg.Target, d.cfg.LockMode == LockWait)
	d.metrics.observeLockWait(time.Since(start))
	if err != nil {
		if errors.Is(err, store.ErrLockContention) {
			d.logger.Warn("target is locked by another run", "run_id", runID)
		}
		return nil, fmt.Errorf("failed to lock target %s: %w", d.cfg.Target, err)
	}
	d.logger.Debug("acquired target lock", "run_id", runID, "waited", time.Since(start))
	return lock, nil
}

// releaseLock releases the lock even when the run's context has ended.
func (d *Deployer) releaseLock(ctx context.Context, lock store.Lock, runID string) {
	if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
		d.logger.Error("failed to release target lock", "run_id", runID, "error", err)
	}
}

// Unlock force-removes the target lock left by a run that died holding it.
// It must not be used while another run is alive.
func (d *Deployer) Unlock(ctx context.Context) (bool, error) {
	removed, err := d.store.Unlock(ctx, d.cfg.Target)
	if err != nil {
		return false, fmt.Errorf("failed to unlock target %s: %w", d.cfg.Target, err)
	}
	if removed {
		d.logger.Warn("removed abandoned target lock")
	}
	return removed, nil
}

// changeContext derives the context one change runs under. Cancelling the
// run does not interrupt a change in flight; only the timeout does.
func (d *Deployer) changeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	cctx := context.WithoutCancel(ctx)
	if d.cfg.ChangeTimeout > 0 {
		return context.WithTimeout(cctx, d.cfg.ChangeTimeout)
	}
	return context.WithCancel(cctx)
}

// scriptError wraps a failed script with the connection's recent statements
// and the driver's error details.
func (d *Deployer) scriptError(ctx context.Context, s store.Store, op deployment.Operation, change string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", context.DeadlineExceeded, d.cfg.ChangeTimeout, err)
	}
	return &deployment.ScriptError{
		Change:  change,
		Kind:    string(op),
		Err:     err,
		History: s.RecentQueries(),
		Fields:  store.ErrorFields(err),
	}
}

func newRunID() string {
	return uuid.NewString()
}
