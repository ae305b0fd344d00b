package graph

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrInvalidGraph is returned for empty or duplicate node names.
	ErrInvalidGraph = errors.New("invalid graph")

	// ErrCycleDetected is returned when the dependency edges form a cycle.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrUnknownNode is returned when a subset names a node not in the graph.
	ErrUnknownNode = errors.New("unknown node")
)

// CycleError carries one cycle found in the graph.
//
// Path lists the nodes along the cycle in dependency direction and repeats the
// first node at the end, e.g. [a c b a] for a -> c -> b -> a.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return ErrCycleDetected.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// Members returns the distinct nodes of the cycle.
func (e *CycleError) Members() []string {
	if len(e.Path) < 2 {
		return e.Path
	}
	return e.Path[:len(e.Path)-1]
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidGraph, fmt.Sprintf(format, args...))
}
