// Package graph provides the dependency graph used to validate and order
// plans and packages.
//
// This package is part of the Functional Core: building, validating and
// sorting are pure and deterministic. Nodes live in an arena indexed by their
// insertion position; for change graphs that position is the plan index, for
// package graphs callers insert names alphabetically.
//
// # Direction
//
// An edge runs from a node to one of its dependencies. Orderings always place
// a dependency before its dependents.
//
// # Open-World Edges
//
// Dependencies naming something that is not a node are kept as external edges.
// They are reported by External and never take part in cycle detection or
// ordering.
package graph
