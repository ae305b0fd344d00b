package deployer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/changeplan/internal/core/deployment"
	"github.com/artpar/changeplan/internal/shell/project"
	"github.com/artpar/changeplan/internal/shell/store"
)

// =============================================================================
// Verify
// =============================================================================

// Verify runs the verify script of every deployed change in deploy order.
//
// Each script runs in a transaction that is always rolled back. A failing
// script is recorded in the report and the run moves on. Changes without a
// verify script are skipped. Deployed changes whose deploy script or
// dependencies changed since deployment are flagged as drifted.
//
// The returned error is non-nil only when the ledger cannot be read or the
// run is cancelled; use VerifyReport.Err for the verification outcome.
func (d *Deployer) Verify(ctx context.Context, proj *project.Project) (*deployment.VerifyReport, error) {
	runID := newRunID()
	log := d.logger.With("project", proj.Name, "run_id", runID)
	report := &deployment.VerifyReport{RunID: runID, Target: d.cfg.Target, Project: proj.Name}

	st, err := d.loadState(ctx, proj.Name)
	if err != nil {
		d.metrics.observeRun(deployment.OpVerify, OutcomeFailure)
		return report, err
	}

	order, err := deployment.PlanVerify(proj.Graph, st)
	if err != nil {
		d.metrics.observeRun(deployment.OpVerify, OutcomeFailure)
		return report, err
	}
	report.Orphaned = deployment.Orphaned(proj.Plan, st)
	for _, name := range report.Orphaned {
		log.Warn("ledger records a change missing from the plan", "change", name)
	}

	for _, name := range order {
		if err := ctx.Err(); err != nil {
			d.metrics.observeRun(deployment.OpVerify, OutcomeCancelled)
			return report, &deployment.RunError{Op: deployment.OpVerify, Completed: verified(report), Err: fmt.Errorf("%w: %w", deployment.ErrCancelled, err)}
		}
		res := d.verifyChange(ctx, proj, st.Deployed[name])
		if res.Status == deployment.VerifyFailed {
			log.Error("verify failed", "change", name, "error", res.Err)
		}
		if res.Drifted {
			log.Warn("change drifted since deployment", "change", name)
		}
		report.Add(res)
	}

	outcome := OutcomeSuccess
	if !report.OK() {
		outcome = OutcomeFailure
	}
	d.metrics.observeRun(deployment.OpVerify, outcome)
	log.Info("verify complete", "passed", report.Passed, "failed", report.Failed, "skipped", report.Skipped, "drifted", report.Drifted)
	return report, nil
}

func (d *Deployer) verifyChange(ctx context.Context, proj *project.Project, rec deployment.Record) deployment.VerifyResult {
	res := deployment.VerifyResult{Change: rec.Change}

	c, _ := proj.Plan.Change(rec.Change)
	if deploy, err := proj.Script(deployment.OpDeploy, rec.Change); err == nil {
		res.Drifted = deployment.Drifted(rec, deploy, c.Dependencies)
	}

	script, err := proj.Script(deployment.OpVerify, rec.Change)
	if errors.Is(err, project.ErrScriptNotFound) {
		res.Status = deployment.VerifySkipped
		res.Message = "no verify script"
		d.metrics.observeChange(deployment.OpVerify, OutcomeSkipped, 0)
		return res
	}
	if err != nil {
		res.Status = deployment.VerifyFailed
		res.Err = err
		d.metrics.observeChange(deployment.OpVerify, OutcomeFailure, 0)
		return res
	}

	cctx, cancel := d.changeContext(ctx)
	defer cancel()

	start := time.Now()
	err = d.store.WithRollbackTx(cctx, func(tx store.Store) error {
		if err := tx.ExecScript(cctx, script); err != nil {
			return d.scriptError(cctx, tx, deployment.OpVerify, rec.Change, err)
		}
		return nil
	})
	elapsed := time.Since(start)

	if err != nil {
		res.Status = deployment.VerifyFailed
		res.Err = err
		d.metrics.observeChange(deployment.OpVerify, OutcomeFailure, elapsed)
		return res
	}
	res.Status = deployment.VerifyPassed
	d.metrics.observeChange(deployment.OpVerify, OutcomeSuccess, elapsed)
	return res
}

func verified(r *deployment.VerifyReport) []string {
	out := make([]string, 0, len(r.Results))
	for _, res := range r.Results {
		out = append(out, res.Change)
	}
	return out
}

// =============================================================================
// Status
// =============================================================================

// Status reports every change of a project with its ledger state.
func (d *Deployer) Status(ctx context.Context, proj *project.Project) (*deployment.StatusReport, error) {
	st, err := d.loadState(ctx, proj.Name)
	if err != nil {
		return nil, err
	}
	report, err := deployment.Status(proj.Graph, proj.Plan, st, d.cfg.Target)
	if err != nil {
		return nil, err
	}
	return &report, nil
}
