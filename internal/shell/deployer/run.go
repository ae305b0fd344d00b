package deployer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/changeplan/internal/core/deployment"
	"github.com/artpar/changeplan/internal/shell/project"
	"github.com/artpar/changeplan/internal/shell/store"
)

// step applies one change inside the transaction s.
type step func(ctx context.Context, s store.Store, change, script string) error

// =============================================================================
// Deploy
// =============================================================================

// Deploy applies the pending changes of a project in dependency order.
//
// Everything that can be checked is checked before the first script runs:
// the target lock, the graph, every dependency, and every deploy script. The
// run stops at the first failing change and returns the partial Result along
// with a *deployment.RunError. Deploying a fully deployed project is a no-op.
func (d *Deployer) Deploy(ctx context.Context, proj *project.Project, opts deployment.Options) (*deployment.Result, error) {
	runID := newRunID()
	result := &deployment.Result{RunID: runID, Operation: deployment.OpDeploy, Target: d.cfg.Target, Project: proj.Name}
	log := d.logger.With("project", proj.Name, "run_id", runID)

	lock, err := d.acquireLock(ctx, runID)
	if err != nil {
		d.metrics.observeRun(deployment.OpDeploy, OutcomeFailure)
		return result, err
	}
	defer d.releaseLock(ctx, lock, runID)

	st, err := d.loadState(ctx, proj.Name)
	if err != nil {
		d.metrics.observeRun(deployment.OpDeploy, OutcomeFailure)
		return result, err
	}

	pending, err := deployment.PlanDeploy(proj.Graph, proj.Plan, st, opts.To)
	if err != nil {
		d.metrics.observeRun(deployment.OpDeploy, OutcomeFailure)
		return result, err
	}
	if len(pending) == 0 {
		log.Info("nothing to deploy")
		d.metrics.observeRun(deployment.OpDeploy, OutcomeSuccess)
		return result, nil
	}

	scripts, err := loadScripts(proj, deployment.OpDeploy, pending)
	if err != nil {
		d.metrics.observeRun(deployment.OpDeploy, OutcomeFailure)
		return result, err
	}

	log.Info("deploying changes", "changes", len(pending), "one_tx_per_change", opts.OneTxPerChange)

	apply := func(ctx context.Context, s store.Store, change, script string) error {
		c, _ := proj.Plan.Change(change)
		if err := s.ExecScript(ctx, script); err != nil {
			return d.scriptError(ctx, s, deployment.OpDeploy, change, err)
		}
		rec := deployment.NewRecord(d.cfg.Target, proj.Name, c, script, proj.Plan.TagsFor(change), d.now(), d.cfg.DeployedBy, runID)
		return s.InsertChange(ctx, &rec)
	}

	result.Changes, err = d.run(ctx, deployment.OpDeploy, pending, scripts, opts.OneTxPerChange, apply, runID, proj.Name)
	return result, err
}

// =============================================================================
// Revert
// =============================================================================

// Revert undoes deployed changes in reverse dependency order. With opts.To
// set, that change and everything before it stay deployed.
//
// A change without a revert script fails the run before anything is
// reverted, as does a change another project's deployed change depends on.
func (d *Deployer) Revert(ctx context.Context, proj *project.Project, opts deployment.Options) (*deployment.Result, error) {
	runID := newRunID()
	result := &deployment.Result{RunID: runID, Operation: deployment.OpRevert, Target: d.cfg.Target, Project: proj.Name}
	log := d.logger.With("project", proj.Name, "run_id", runID)

	lock, err := d.acquireLock(ctx, runID)
	if err != nil {
		d.metrics.observeRun(deployment.OpRevert, OutcomeFailure)
		return result, err
	}
	defer d.releaseLock(ctx, lock, runID)

	st, err := d.loadState(ctx, proj.Name)
	if err != nil {
		d.metrics.observeRun(deployment.OpRevert, OutcomeFailure)
		return result, err
	}

	targets, err := deployment.PlanRevert(proj.Graph, proj.Plan, st, opts.To)
	if err != nil {
		d.metrics.observeRun(deployment.OpRevert, OutcomeFailure)
		return result, err
	}
	if len(targets) == 0 {
		log.Info("nothing to revert")
		d.metrics.observeRun(deployment.OpRevert, OutcomeSuccess)
		return result, nil
	}

	scripts, err := loadScripts(proj, deployment.OpRevert, targets)
	if err != nil {
		d.metrics.observeRun(deployment.OpRevert, OutcomeFailure)
		if errors.Is(err, project.ErrScriptNotFound) {
			return result, fmt.Errorf("%w: %w", deployment.ErrIrreversible, err)
		}
		return result, err
	}

	log.Info("reverting changes", "changes", len(targets), "one_tx_per_change", opts.OneTxPerChange)

	undo := func(ctx context.Context, s store.Store, change, script string) error {
		if err := s.ExecScript(ctx, script); err != nil {
			return d.scriptError(ctx, s, deployment.OpRevert, change, err)
		}
		return s.DeleteChange(ctx, d.cfg.Target, proj.Name, change)
	}

	result.Changes, err = d.run(ctx, deployment.OpRevert, targets, scripts, opts.OneTxPerChange, undo, runID, proj.Name)
	return result, err
}

// =============================================================================
// Workspace
// =============================================================================

// DeployWorkspace deploys packages in the order given, which must be the
// workspace deploy order. It stops at the first package that fails. opts.To
// does not apply across packages and is ignored.
func (d *Deployer) DeployWorkspace(ctx context.Context, projects []*project.Project, opts deployment.Options) ([]*deployment.Result, error) {
	opts.To = ""

	results := make([]*deployment.Result, 0, len(projects))
	for _, proj := range projects {
		if err := ctx.Err(); err != nil {
			return results, &deployment.RunError{Op: deployment.OpDeploy, Err: fmt.Errorf("%w: %w", deployment.ErrCancelled, err)}
		}
		res, err := d.Deploy(ctx, proj, opts)
		results = append(results, res)
		if err != nil {
			return results, fmt.Errorf("package %s: %w", proj.Name, err)
		}
	}
	return results, nil
}

// RevertWorkspace reverts packages in the reverse of the order given, which
// must be the workspace deploy order, so dependents go before their
// dependencies. It stops at the first package that fails. opts.To is ignored.
func (d *Deployer) RevertWorkspace(ctx context.Context, projects []*project.Project, opts deployment.Options) ([]*deployment.Result, error) {
	opts.To = ""

	results := make([]*deployment.Result, 0, len(projects))
	for i := len(projects) - 1; i >= 0; i-- {
		proj := projects[i]
		if err := ctx.Err(); err != nil {
			return results, &deployment.RunError{Op: deployment.OpRevert, Err: fmt.Errorf("%w: %w", deployment.ErrCancelled, err)}
		}
		res, err := d.Revert(ctx, proj, opts)
		results = append(results, res)
		if err != nil {
			return results, fmt.Errorf("package %s: %w", proj.Name, err)
		}
	}
	return results, nil
}

// =============================================================================
// Run Loop
// =============================================================================

// run applies fn to each change in order and returns the changes whose
// effects were committed.
//
// Cancellation is checked between changes. With oneTxPerChange each change
// commits on its own; otherwise the whole run is a single transaction and a
// failure leaves nothing committed.
func (d *Deployer) run(ctx context.Context, op deployment.Operation, changes []string, scripts map[string]string, oneTxPerChange bool, fn step, runID, projectName string) ([]string, error) {
	log := d.logger.With("project", projectName, "run_id", runID)
	var completed []string

	loop := func(s store.Store) error {
		for _, change := range changes {
			if err := ctx.Err(); err != nil {
				log.Warn("run cancelled", "completed", len(completed))
				return &deployment.RunError{Op: op, Completed: append([]string(nil), completed...), Err: fmt.Errorf("%w: %w", deployment.ErrCancelled, err)}
			}
			if err := d.runChange(ctx, log, s, op, change, scripts[change], oneTxPerChange, fn); err != nil {
				log.Error("change failed", "change", change, "error", err)
				return &deployment.RunError{Op: op, Completed: append([]string(nil), completed...), Failed: change, Err: err}
			}
			completed = append(completed, change)
		}
		return nil
	}

	var err error
	if oneTxPerChange {
		err = loop(d.store)
	} else {
		err = d.store.WithTx(context.WithoutCancel(ctx), loop)
		if err != nil {
			// The single transaction rolled back.
			completed = nil
			var runErr *deployment.RunError
			if errors.As(err, &runErr) {
				runErr.Completed = nil
			}
		}
	}

	switch {
	case err == nil:
		d.metrics.observeRun(op, OutcomeSuccess)
		log.Info("run complete", "operation", op, "changes", len(completed))
	case errors.Is(err, deployment.ErrCancelled):
		d.metrics.observeRun(op, OutcomeCancelled)
	default:
		d.metrics.observeRun(op, OutcomeFailure)
	}
	return completed, err
}

// runChange applies one change under its own timeout, in its own
// transaction when oneTx is set.
func (d *Deployer) runChange(ctx context.Context, log *slog.Logger, s store.Store, op deployment.Operation, change, script string, oneTx bool, fn step) error {
	cctx, cancel := d.changeContext(ctx)
	defer cancel()

	start := time.Now()
	var err error
	if oneTx {
		err = s.WithTx(cctx, func(tx store.Store) error {
			return fn(cctx, tx, change, script)
		})
	} else {
		err = fn(cctx, s, change, script)
	}
	elapsed := time.Since(start)

	if err != nil {
		d.metrics.observeChange(op, OutcomeFailure, elapsed)
		return err
	}
	d.metrics.observeChange(op, OutcomeSuccess, elapsed)
	log.Info("change applied", "operation", op, "change", change, "duration", elapsed)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func (d *Deployer) loadState(ctx context.Context, projectName string) (deployment.State, error) {
	records, err := d.store.ListTargetChanges(ctx, d.cfg.Target)
	if err != nil {
		return deployment.State{}, fmt.Errorf("failed to load ledger: %w", err)
	}
	return deployment.NewState(projectName, records), nil
}

// loadScripts reads every script of a run up front so a missing file aborts
// the run before anything executes.
func loadScripts(proj *project.Project, op deployment.Operation, changes []string) (map[string]string, error) {
	scripts := make(map[string]string, len(changes))
	for _, change := range changes {
		body, err := proj.Script(op, change)
		if err != nil {
			if op == deployment.OpDeploy && errors.Is(err, project.ErrScriptNotFound) {
				return nil, fmt.Errorf("%w: %w", project.ErrMissingDeployScript, err)
			}
			return nil, err
		}
		scripts[change] = body
	}
	return scripts, nil
}
