// Package project loads a change plan together with its script files, and
// writes sliced workspaces back to disk.
//
// A project directory looks like:
//
//	changeplan.plan
//	deploy/<change>.sql
//	revert/<change>.sql
//	verify/<change>.sql
//
// Change names may contain slashes; they map to nested directories.
package project

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrPlanNotFound is returned when the plan file does not exist.
	ErrPlanNotFound = errors.New("plan file not found")

	// ErrScriptNotFound is returned when a change has no script of the
	// requested kind.
	ErrScriptNotFound = errors.New("script not found")

	// ErrMissingDeployScript is returned when a change has no deploy script.
	// A deploy script is the only mandatory one.
	ErrMissingDeployScript = errors.New("change has no deploy script")

	// ErrInvalidChangeName is returned when a change name cannot be mapped to
	// a path inside the project.
	ErrInvalidChangeName = errors.New("change name is not a valid script path")

	// ErrUnknownStrategyFormat is returned for a strategy file whose
	// extension is neither json nor yaml.
	ErrUnknownStrategyFormat = errors.New("unknown strategy file format")
)

// ScriptError reports a problem locating or reading one script.
type ScriptError struct {
	Kind   string
	Change string
	Path   string
	Err    error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s script for %s (%s): %v", e.Kind, e.Change, e.Path, e.Err)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}
