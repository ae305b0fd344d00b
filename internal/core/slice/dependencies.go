package slice

import (
	"fmt"
	"sort"

	"github.com/artpar/changeplan/internal/core/graph"
)

// =============================================================================
// Package Dependencies
// =============================================================================

// PackageDependencies is the package-level view of the change graph.
type PackageDependencies struct {
	// Edges maps a package to the packages it depends on, sorted.
	Edges map[string][]string

	// Weights counts change-level edges per package pair, keyed by
	// dependent then dependency.
	Weights map[string]map[string]int

	Internal int
	Cross    int
}

// BuildPackageDependencies lifts every change edge that crosses a package
// boundary to a package edge. Edges to names outside the graph are ignored.
func BuildPackageDependencies(g *graph.Graph, assignment Assignment) PackageDependencies {
	deps := PackageDependencies{
		Edges:   make(map[string][]string),
		Weights: make(map[string]map[string]int),
	}

	for _, name := range g.Nodes() {
		from := assignment[name]
		if _, ok := deps.Edges[from]; !ok {
			deps.Edges[from] = nil
		}
		for _, dep := range g.Dependencies(name) {
			to := assignment[dep]
			if to == from {
				deps.Internal++
				continue
			}
			deps.Cross++
			if deps.Weights[from] == nil {
				deps.Weights[from] = make(map[string]int)
			}
			if deps.Weights[from][to] == 0 {
				deps.Edges[from] = append(deps.Edges[from], to)
			}
			deps.Weights[from][to]++
		}
	}

	for pkg := range deps.Edges {
		sort.Strings(deps.Edges[pkg])
	}
	return deps
}

// Ratio returns cross edges over all resolved edges, or 0 without edges.
func (d PackageDependencies) Ratio() float64 {
	total := d.Internal + d.Cross
	if total == 0 {
		return 0
	}
	return float64(d.Cross) / float64(total)
}

// PackageGraph builds the package graph with nodes in alphabetical order, so
// that index tie-breaks are alphabetical.
func PackageGraph(deps PackageDependencies) (*graph.Graph, error) {
	names := sortedKeys(deps.Edges)
	nodes := make([]graph.Node, len(names))
	for i, name := range names {
		nodes[i] = graph.Node{Name: name, Dependencies: deps.Edges[name]}
	}
	return graph.New(nodes)
}

// DetectPackageCycle fails with the package cycle path if the package graph
// is not a DAG.
func DetectPackageCycle(pg *graph.Graph) error {
	if err := pg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrPackageCycle, err)
	}
	return nil
}

// ComputeDeployOrder orders packages so that every package follows the
// packages it depends on. Ties are broken alphabetically.
func ComputeDeployOrder(pg *graph.Graph) ([]string, error) {
	order, err := pg.TopologicalOrder(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPackageCycle, err)
	}
	return order, nil
}

// TopologicalSortWithinPackage orders the changes of one package using only
// the edges between them. Edges leaving the package do not constrain it.
func TopologicalSortWithinPackage(g *graph.Graph, assignment Assignment, pkg string) ([]string, error) {
	var members []string
	for _, name := range g.Nodes() {
		if assignment[name] == pkg {
			members = append(members, name)
		}
	}
	if len(members) == 0 {
		return nil, nil
	}
	return g.TopologicalOrder(members)
}

// =============================================================================
// Helpers
// =============================================================================

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedValues(m map[string]string) []string {
	seen := make(map[string]bool, len(m))
	var out []string
	for _, v := range m {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
