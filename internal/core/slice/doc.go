// Package slice partitions a plan into interdependent packages.
//
// Slicing is a pure pipeline over a validated plan:
//
//  1. AssignChangesToPackages: every change gets exactly one package
//     (folder, explicit or pattern strategy).
//  2. BuildPackageDependencies: change edges crossing a package boundary
//     become package edges.
//  3. DetectPackageCycle: a package cycle is fatal.
//  4. ComputeDeployOrder: Kahn over packages, ties broken alphabetically.
//  5. TopologicalSortWithinPackage: stable order of each package's changes.
//  6. Merge pass: packages below MinChangesPerPackage are folded into their
//     primary dependency and steps 2-5 are re-derived.
//  7. Plan regeneration: cross-package references become "pkg:change" (or
//     "pkg:@tag").
//
// Writing the packages to disk is done by project.Materialize.
package slice
