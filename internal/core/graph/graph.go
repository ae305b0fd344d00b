package graph

import (
	"sort"

	"github.com/artpar/changeplan/internal/core/plan"
)

// =============================================================================
// Graph Types
// =============================================================================

// Node is a named vertex with its declared dependency references.
type Node struct {
	Name         string
	Dependencies []string
}

// Edge is a dependency edge from a node to the thing it depends on.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Resolver maps a dependency reference to a node name.
type Resolver func(dep string) (string, bool)

// Graph is an immutable dependency graph over an arena of nodes.
//
// It is safe for concurrent read access.
type Graph struct {
	names      []string
	index      map[string]int
	deps       [][]int    // node -> dependency indices, ascending
	dependents [][]int    // node -> dependent indices, ascending
	external   [][]string // node -> unresolved references, declaration order
}

// =============================================================================
// Construction
// =============================================================================

// New builds a graph whose dependency references are exact node names.
func New(nodes []Node) (*Graph, error) {
	return NewWithResolver(nodes, nil)
}

// NewWithResolver builds a graph, mapping each dependency reference through
// resolve. A nil resolver matches node names exactly. References that do not
// resolve become external edges.
func NewWithResolver(nodes []Node, resolve Resolver) (*Graph, error) {
	g := &Graph{
		names:      make([]string, len(nodes)),
		index:      make(map[string]int, len(nodes)),
		deps:       make([][]int, len(nodes)),
		dependents: make([][]int, len(nodes)),
		external:   make([][]string, len(nodes)),
	}

	for i, n := range nodes {
		if n.Name == "" {
			return nil, invalidf("node %d has an empty name", i)
		}
		if _, exists := g.index[n.Name]; exists {
			return nil, invalidf("duplicate node name: %q", n.Name)
		}
		g.names[i] = n.Name
		g.index[n.Name] = i
	}

	if resolve == nil {
		resolve = func(dep string) (string, bool) {
			_, ok := g.index[dep]
			return dep, ok
		}
	}

	for i, n := range nodes {
		seen := make(map[int]bool, len(n.Dependencies))
		seenExternal := make(map[string]bool)
		for _, dep := range n.Dependencies {
			name, ok := resolve(dep)
			j, known := g.index[name]
			if !ok || !known {
				if !seenExternal[dep] {
					seenExternal[dep] = true
					g.external[i] = append(g.external[i], dep)
				}
				continue
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
		sort.Ints(g.deps[i])
	}
	for j := range g.dependents {
		sort.Ints(g.dependents[j])
	}

	return g, nil
}

// Build creates the change graph of a plan. Node indices follow plan order and
// references are resolved with the plan's own resolver (tags, own-project
// qualifiers).
func Build(p *plan.Plan) (*Graph, error) {
	nodes := make([]Node, len(p.Changes))
	for i, c := range p.Changes {
		nodes[i] = Node{Name: c.Name, Dependencies: c.Dependencies}
	}
	return NewWithResolver(nodes, p.Resolver())
}

// =============================================================================
// Accessors
// =============================================================================

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.names) }

// Nodes returns node names in index order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.names))
	copy(out, g.names)
	return out
}

// Has reports whether name is a node.
func (g *Graph) Has(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Index returns the arena index of name.
func (g *Graph) Index(name string) (int, bool) {
	i, ok := g.index[name]
	return i, ok
}

// Dependencies returns the resolved dependencies of name in index order.
func (g *Graph) Dependencies(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.namesOf(g.deps[i])
}

// Dependents returns the nodes that depend on name, in index order.
func (g *Graph) Dependents(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.namesOf(g.dependents[i])
}

// External returns every dependency reference that did not resolve to a node,
// ordered by the declaring node's index.
func (g *Graph) External() []Edge {
	var out []Edge
	for i, refs := range g.external {
		for _, ref := range refs {
			out = append(out, Edge{From: g.names[i], To: ref})
		}
	}
	return out
}

// ExternalOf returns the unresolved references declared by name.
func (g *Graph) ExternalOf(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return append([]string(nil), g.external[i]...)
}

func (g *Graph) namesOf(idx []int) []string {
	if len(idx) == 0 {
		return nil
	}
	out := make([]string, len(idx))
	for k, i := range idx {
		out[k] = g.names[i]
	}
	return out
}
