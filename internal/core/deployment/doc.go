// Package deployment provides pure functions for change deployment planning.
//
// This package contains the functional core of the deployment engine: given a
// plan, its dependency graph and the ledger rows already recorded for a
// target, it decides which changes a deploy, revert or verify run touches and
// in which order. All functions are pure (no I/O, no side effects).
//
// # Functions
//
//   - Planning: PlanDeploy, PlanRevert, PlanVerify, Pending
//   - Ledger state: NewState, Orphaned
//   - Fingerprints: ScriptHash, Fingerprint, Drifted
//
// # Usage
//
// The imperative shell (internal/shell/deployer) uses these pure functions to
// plan a run, then executes the scripts inside ledger transactions.
//
//	state := deployment.NewState(project.Project, records)
//	pending, err := deployment.PlanDeploy(g, project, state, opts.To)
//	for _, name := range pending {
//	    // exec deploy script + insert ledger row in one transaction
//	}
package deployment
