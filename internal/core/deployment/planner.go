package deployment

import (
	"fmt"
	"sort"

	"github.com/artpar/changeplan/internal/core/graph"
	"github.com/artpar/changeplan/internal/core/plan"
)

// =============================================================================
// Run Planning
// =============================================================================

// PlanDeploy returns the changes a deploy run must apply, in dependency order.
//
// The full topological order is truncated after to (when set) and filtered to
// changes without a ledger record. Every dependency of a pending change must
// resolve before anything runs: local references through the plan, qualified
// references to other projects through the ledger.
//
// Example:
//
//	// A, B[A], C[A B] with A deployed
//	PlanDeploy(g, p, state, "")  // [B C]
//	PlanDeploy(g, p, state, "B") // [B]
func PlanDeploy(g *graph.Graph, p *plan.Plan, st State, to string) ([]string, error) {
	pending, err := Pending(g, p, st, to)
	if err != nil {
		return nil, err
	}

	resolve := p.Resolver()
	for _, name := range pending {
		c, _ := p.Change(name)
		for _, dep := range c.Dependencies {
			if err := checkDependency(p.Project, name, dep, resolve, st); err != nil {
				return nil, err
			}
		}
	}
	return pending, nil
}

// Pending returns the changes up to and including to that have no ledger
// record, in dependency order. It performs no dependency checks.
func Pending(g *graph.Graph, p *plan.Plan, st State, to string) ([]string, error) {
	order, err := g.TopologicalOrder(nil)
	if err != nil {
		return nil, err
	}

	if to != "" {
		pos, err := position(p, order, to)
		if err != nil {
			return nil, err
		}
		order = order[:pos+1]
	}

	var pending []string
	for _, name := range order {
		if !st.IsDeployed(name) {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

// PlanRevert returns the deployed changes a revert run must undo, in reverse
// dependency order. When to is set, it and everything before it in deploy
// order are kept.
//
// The order is always recomputed from the graph. A change that another
// project's deployed change depends on, by name or through one of its tags,
// fails the plan with a *DependencyError naming the dependent.
//
// Example:
//
//	// A, B[A], C[A B], all deployed
//	PlanRevert(g, p, deployed, "A") // [C B]
//	PlanRevert(g, p, deployed, "")  // [C B A]
func PlanRevert(g *graph.Graph, p *plan.Plan, st State, to string) ([]string, error) {
	order, err := g.TopologicalOrder(nil)
	if err != nil {
		return nil, err
	}

	keep := -1
	if to != "" {
		keep, err = position(p, order, to)
		if err != nil {
			return nil, err
		}
	}

	var subset []string
	for i, name := range order {
		if i > keep && st.IsDeployed(name) {
			subset = append(subset, name)
		}
	}
	if len(subset) == 0 {
		return nil, nil
	}

	reverted, err := g.ReverseTopologicalOrder(subset)
	if err != nil {
		return nil, err
	}
	for _, name := range reverted {
		tags := append(p.TagsFor(name), st.Deployed[name].Tags...)
		if dependents := st.DependentsOf(p.Project, name, tags); len(dependents) > 0 {
			return nil, &DependencyError{Change: name, Dependency: dependents[0], Err: ErrRequiredByDependent}
		}
	}
	return reverted, nil
}

// PlanVerify returns the deployed changes in deploy order.
func PlanVerify(g *graph.Graph, st State) ([]string, error) {
	order, err := g.TopologicalOrder(nil)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, name := range order {
		if st.IsDeployed(name) {
			out = append(out, name)
		}
	}
	return out, nil
}

// Orphaned returns the project's ledger records that name no change of the
// plan, sorted.
func Orphaned(p *plan.Plan, st State) []string {
	var out []string
	for name := range st.Deployed {
		if _, ok := p.Change(name); !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Status builds the status report of a project against its ledger state.
func Status(g *graph.Graph, p *plan.Plan, st State, target string) (StatusReport, error) {
	order, err := g.TopologicalOrder(nil)
	if err != nil {
		return StatusReport{}, err
	}

	report := StatusReport{
		Target:   target,
		Project:  p.Project,
		Changes:  make([]ChangeStatus, 0, len(order)),
		Orphaned: Orphaned(p, st),
	}
	for _, name := range order {
		cs := ChangeStatus{Change: name, State: StateNotDeployed}
		if rec, ok := st.Deployed[name]; ok {
			cs.State = StateDeployed
			cs.Record = &rec
		} else {
			report.Pending = append(report.Pending, name)
		}
		report.Changes = append(report.Changes, cs)
	}
	return report, nil
}

// =============================================================================
// Helpers
// =============================================================================

func position(p *plan.Plan, order []string, to string) (int, error) {
	name, ok := p.ResolveLocal(to)
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrUnknownChange, to)
	}
	for i, n := range order {
		if n == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrUnknownChange, to)
}

func checkDependency(project, change, dep string, resolve func(string) (string, bool), st State) error {
	if _, ok := resolve(dep); ok {
		return nil
	}

	pkg, _, qualified := plan.SplitQualified(dep)
	if !qualified || pkg == project {
		return &DependencyError{Change: change, Dependency: dep, Err: ErrUnknownDependency}
	}
	if !st.Satisfies(dep) {
		return &DependencyError{Change: change, Dependency: dep, Err: ErrDependencyNotDeployed}
	}
	return nil
}
