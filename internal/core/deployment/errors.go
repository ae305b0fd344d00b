package deployment

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrUnknownChange is returned when a run is bounded by a change the plan
	// does not contain.
	ErrUnknownChange = errors.New("unknown change")

	// ErrUnknownDependency is returned when a pending change depends on a
	// name that resolves nowhere.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrDependencyNotDeployed is returned when a package-qualified
	// dependency is not recorded on the target.
	ErrDependencyNotDeployed = errors.New("dependency not deployed")

	// ErrRequiredByDependent is returned when a change to revert is still a
	// dependency of another project's deployed change.
	ErrRequiredByDependent = errors.New("required by deployed change")

	// ErrIrreversible is returned when a change to revert has no revert script.
	ErrIrreversible = errors.New("change has no revert script")

	// ErrScriptFailed is returned when a deploy, revert or verify script fails.
	ErrScriptFailed = errors.New("script execution failed")

	// ErrVerificationFailed is returned when at least one verify script failed.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrCancelled is returned when a run stops because its context ended
	// between changes.
	ErrCancelled = errors.New("run cancelled")
)

// DependencyError reports a dependency that cannot be satisfied.
type DependencyError struct {
	Change     string
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("change %s: %s: %s", e.Change, e.Err, e.Dependency)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// ScriptError wraps a failed script execution.
type ScriptError struct {
	Change string
	Kind   string // deploy, revert or verify

	// Err is the underlying database or timeout error.
	Err error

	// History holds the most recent statements sent on the connection,
	// oldest first.
	History []string

	// Fields holds database specific error details (code, detail, hint...).
	Fields map[string]string
}

func (e *ScriptError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s script for %s failed: %v", e.Kind, e.Change, e.Err)
	if code := e.Fields["code"]; code != "" {
		fmt.Fprintf(&b, " (code %s)", code)
	}
	return b.String()
}

// Unwrap exposes both ErrScriptFailed and the underlying error.
func (e *ScriptError) Unwrap() []error {
	return []error{ErrScriptFailed, e.Err}
}

// RunError reports an aborted deploy or revert run together with the changes
// that completed before the failure.
type RunError struct {
	Op        Operation
	Completed []string
	Failed    string
	Err       error
}

func (e *RunError) Error() string {
	if e.Failed == "" {
		return fmt.Sprintf("%s aborted after %d change(s): %v", e.Op, len(e.Completed), e.Err)
	}
	return fmt.Sprintf("%s aborted at %s after %d change(s): %v", e.Op, e.Failed, len(e.Completed), e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// VerifyError lists the changes whose verify scripts failed.
type VerifyError struct {
	Failed []string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s: %s", ErrVerificationFailed, strings.Join(e.Failed, ", "))
}

func (e *VerifyError) Unwrap() error { return ErrVerificationFailed }
