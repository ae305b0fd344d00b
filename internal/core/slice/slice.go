package slice

import (
	"errors"
	"fmt"

	"github.com/artpar/changeplan/internal/core/graph"
	"github.com/artpar/changeplan/internal/core/plan"
)

// =============================================================================
// Slice Pipeline
// =============================================================================

// Slice partitions a plan into packages.
//
// Only a cycle in the source change graph (ErrSourceCycle) or in the derived
// package graph (ErrPackageCycle) aborts slicing; invalid options are
// rejected before anything runs. Every other condition becomes a Warning.
//
// Slice is pure: the same plan and options always produce the same
// Workspace.
func Slice(p *plan.Plan, opts Options) (*Workspace, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	g, err := graph.Build(p)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceCycle, err)
	}

	assignment, warnings := AssignChangesToPackages(p, opts)
	warnings = append(warnings, emptyPackageWarnings(opts.Strategy, assignment)...)

	d, err := derive(g, assignment)
	if err != nil {
		return nil, err
	}

	if opts.MinChangesPerPackage > 0 {
		merged, mergeWarnings := mergeSmallPackages(d, assignment, opts)
		if len(mergeWarnings) > 0 {
			md, err := derive(g, merged)
			switch {
			case err == nil:
				d, assignment = md, merged
				warnings = append(warnings, mergeWarnings...)
			case errors.Is(err, ErrPackageCycle):
				warnings = append(warnings, Warning{
					Kind:    WarnMergedPackage,
					Message: fmt.Sprintf("merge pass skipped: merging small packages would create a cycle (%v)", err),
				})
			default:
				return nil, err
			}
		}
	}

	return assemble(p, g, assignment, d, warnings, opts), nil
}

// derivation holds everything computed from one assignment.
type derivation struct {
	deps    PackageDependencies
	order   []string
	changes map[string][]string
}

// derive runs the package dependency, cycle, order and per-package sort
// steps for an assignment. It is re-run from scratch after merging.
func derive(g *graph.Graph, assignment Assignment) (*derivation, error) {
	deps := BuildPackageDependencies(g, assignment)

	pg, err := PackageGraph(deps)
	if err != nil {
		return nil, err
	}
	if err := DetectPackageCycle(pg); err != nil {
		return nil, err
	}
	order, err := ComputeDeployOrder(pg)
	if err != nil {
		return nil, err
	}

	d := &derivation{deps: deps, order: order, changes: make(map[string][]string, len(order))}
	for _, pkg := range order {
		changes, err := TopologicalSortWithinPackage(g, assignment, pkg)
		if err != nil {
			return nil, err
		}
		d.changes[pkg] = changes
	}
	return d, nil
}

func assemble(p *plan.Plan, g *graph.Graph, assignment Assignment, d *derivation, warnings []Warning, opts Options) *Workspace {
	ws := &Workspace{
		Packages:     make([]Package, 0, len(d.order)),
		DeployOrder:  append([]string(nil), d.order...),
		Dependencies: make(map[string][]string, len(d.order)),
		Assignment:   assignment,
	}

	r := newRegenerator(p, assignment, d, opts)
	for _, pkg := range d.order {
		deps := append([]string(nil), d.deps.Edges[pkg]...)
		ws.Dependencies[pkg] = deps

		pkgPlan, pkgWarnings := r.regenerate(pkg)
		warnings = append(warnings, pkgWarnings...)

		ws.Packages = append(ws.Packages, Package{
			Name:         pkg,
			Changes:      d.changes[pkg],
			Dependencies: deps,
			Plan:         pkgPlan,
		})
	}

	ws.Stats = Stats{
		TotalChanges:             g.Len(),
		PackagesCreated:          len(d.order),
		InternalDependencies:     d.deps.Internal,
		CrossPackageDependencies: d.deps.Cross,
		CrossPackageRatio:        d.deps.Ratio(),
	}
	if ws.Stats.CrossPackageRatio > opts.MaxCrossPackageRatio {
		warnings = append(warnings, Warning{
			Kind: WarnHighCrossPackage,
			Message: fmt.Sprintf("%d of %d dependencies cross package boundaries (ratio %.2f > %.2f)",
				d.deps.Cross, d.deps.Internal+d.deps.Cross, ws.Stats.CrossPackageRatio, opts.MaxCrossPackageRatio),
		})
	}

	ws.Warnings = warnings
	return ws
}

func emptyPackageWarnings(s Strategy, assignment Assignment) []Warning {
	used := make(map[string]bool)
	for _, pkg := range assignment {
		used[pkg] = true
	}

	var warnings []Warning
	for _, pkg := range declaredPackages(s) {
		if !used[pkg] {
			warnings = append(warnings, Warning{
				Kind:    WarnEmptyPackage,
				Package: pkg,
				Message: fmt.Sprintf("package %s matched no changes", pkg),
			})
		}
	}
	return warnings
}

// =============================================================================
// Merge Pass
// =============================================================================

// mergeSmallPackages folds packages with fewer than MinChangesPerPackage
// changes into their primary dependency, or into the default package when
// they have none. It returns a new assignment and leaves the input intact.
func mergeSmallPackages(d *derivation, assignment Assignment, opts Options) (Assignment, []Warning) {
	small := make(map[string]bool)
	for _, pkg := range d.order {
		if pkg != opts.DefaultPackage && len(d.changes[pkg]) < opts.MinChangesPerPackage {
			small[pkg] = true
		}
	}
	if len(small) == 0 {
		return assignment, nil
	}

	into := make(map[string]string, len(small))
	for pkg := range small {
		into[pkg] = primaryDependency(d.deps, pkg, opts.DefaultPackage)
	}

	final := func(pkg string) string {
		seen := make(map[string]bool)
		for small[pkg] && !seen[pkg] {
			seen[pkg] = true
			pkg = into[pkg]
		}
		if small[pkg] {
			return opts.DefaultPackage
		}
		return pkg
	}

	var warnings []Warning
	target := make(map[string]string, len(small))
	for _, pkg := range d.order {
		if !small[pkg] {
			continue
		}
		target[pkg] = final(pkg)
		warnings = append(warnings, Warning{
			Kind:    WarnMergedPackage,
			Package: pkg,
			Message: fmt.Sprintf("package %s has %d change(s), below the minimum of %d; merged into %s",
				pkg, len(d.changes[pkg]), opts.MinChangesPerPackage, target[pkg]),
		})
	}

	merged := make(Assignment, len(assignment))
	for change, pkg := range assignment {
		if to, ok := target[pkg]; ok {
			pkg = to
		}
		merged[change] = pkg
	}
	return merged, warnings
}

// primaryDependency returns the package that pkg has the most change edges
// into, ties broken alphabetically.
func primaryDependency(deps PackageDependencies, pkg, fallback string) string {
	best, bestWeight := "", 0
	for _, dep := range deps.Edges[pkg] {
		if w := deps.Weights[pkg][dep]; w > bestWeight {
			best, bestWeight = dep, w
		}
	}
	if best == "" {
		return fallback
	}
	return best
}
