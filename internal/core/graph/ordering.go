package graph

import (
	"container/heap"
	"fmt"
)

// =============================================================================
// Validation
// =============================================================================

// Validate checks that the resolved edges form a DAG. External edges are
// ignored. On failure it returns a *CycleError naming one cycle.
func (g *Graph) Validate() error {
	if path := g.findCycle(nil); path != nil {
		return &CycleError{Path: path}
	}
	return nil
}

// findCycle runs a depth-first search over dependency edges and returns the
// first cycle found, or nil. When member is non-nil only nodes with
// member[i] set are visited.
func (g *Graph) findCycle(member []bool) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make([]int, len(g.names))
	var stack []int
	var cycle []int

	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		stack = append(stack, u)
		for _, v := range g.deps[u] {
			if member != nil && !member[v] {
				continue
			}
			switch color[v] {
			case white:
				if dfs(v) {
					return true
				}
			case gray:
				for k := len(stack) - 1; k >= 0; k-- {
					if stack[k] == v {
						cycle = append(append(cycle, stack[k:]...), v)
						break
					}
				}
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return false
	}

	for i := range g.names {
		if color[i] != white || (member != nil && !member[i]) {
			continue
		}
		if dfs(i) {
			return g.namesOf(cycle)
		}
	}
	return nil
}

// =============================================================================
// Topological Ordering
// =============================================================================

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopologicalOrder returns the nodes with every dependency before its
// dependents, using Kahn's algorithm.
//
// Among ready nodes the one with the lowest index is taken first, so the same
// graph always yields the same order. A nil subset orders the whole graph;
// otherwise only the named nodes are returned and only edges between them
// constrain the order.
//
// Example:
//
//	// A, B[A], C[A B]
//	g.TopologicalOrder(nil) // [A B C]
func (g *Graph) TopologicalOrder(subset []string) ([]string, error) {
	member, err := g.membership(subset)
	if err != nil {
		return nil, err
	}

	indeg := make([]int, len(g.names))
	ready := &intMinHeap{}
	total := 0
	for i := range g.names {
		if member != nil && !member[i] {
			continue
		}
		total++
		for _, d := range g.deps[i] {
			if member == nil || member[d] {
				indeg[i]++
			}
		}
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, total)
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.dependents[n] {
			if member != nil && !member[m] {
				continue
			}
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}

	if len(out) < total {
		return nil, &CycleError{Path: g.findCycle(member)}
	}
	return g.namesOf(out), nil
}

// ReverseTopologicalOrder returns the exact reverse of the full forward
// order, restricted to subset. It is the order in which changes are reverted.
func (g *Graph) ReverseTopologicalOrder(subset []string) ([]string, error) {
	member, err := g.membership(subset)
	if err != nil {
		return nil, err
	}

	forward, err := g.TopologicalOrder(nil)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(forward))
	for k := len(forward) - 1; k >= 0; k-- {
		name := forward[k]
		if member == nil || member[g.index[name]] {
			out = append(out, name)
		}
	}
	return out, nil
}

func (g *Graph) membership(subset []string) ([]bool, error) {
	if subset == nil {
		return nil, nil
	}
	member := make([]bool, len(g.names))
	for _, name := range subset {
		i, ok := g.index[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownNode, name)
		}
		member[i] = true
	}
	return member, nil
}
