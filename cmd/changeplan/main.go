// Package main provides the changeplan binary.
//
// Usage:
//
//	changeplan deploy  [--to change] [--workspace dir]
//	changeplan revert  [--to change]
//	changeplan verify
//	changeplan status
//	changeplan audit
//	changeplan slice   [--strategy folder|explicit|pattern] [--output dir] [--dry-run]
//	changeplan version
//
// Configuration comes from an optional file (--config), CHANGEPLAN_*
// environment variables and flags, in increasing order of precedence.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/artpar/changeplan/internal/core/deployment"
	"github.com/artpar/changeplan/internal/core/graph"
	"github.com/artpar/changeplan/internal/core/plan"
	"github.com/artpar/changeplan/internal/core/slice"
	"github.com/artpar/changeplan/internal/shell/project"
	"github.com/artpar/changeplan/internal/shell/store"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess            = 0
	ExitConfigError        = 1
	ExitDatabaseError      = 2
	ExitPlanError          = 3
	ExitRunFailed          = 4
	ExitVerificationFailed = 5
	ExitLockContention     = 6
	ExitCancelled          = 7
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(os.Stdout)
	err := a.rootCmd().ExecuteContext(ctx)
	a.flushMetrics()

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCode(err)
	}
	return ExitSuccess
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	var cfgErr *configError
	var parseErr *plan.ParseError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &cfgErr):
		return ExitConfigError
	case errors.Is(err, deployment.ErrCancelled):
		return ExitCancelled
	case errors.Is(err, store.ErrLockContention):
		return ExitLockContention
	case errors.Is(err, deployment.ErrVerificationFailed):
		return ExitVerificationFailed
	case errors.Is(err, store.ErrConnectionFailed),
		errors.Is(err, store.ErrMigrationFailed),
		errors.Is(err, store.ErrUnsupportedDriver):
		return ExitDatabaseError
	case errors.As(err, &parseErr),
		errors.Is(err, graph.ErrCycleDetected),
		errors.Is(err, project.ErrPlanNotFound),
		errors.Is(err, slice.ErrSourceCycle),
		errors.Is(err, slice.ErrPackageCycle),
		errors.Is(err, slice.ErrInvalidStrategy):
		return ExitPlanError
	default:
		return ExitRunFailed
	}
}

// configError marks errors raised while loading configuration.
type configError struct {
	err error
}

func (e *configError) Error() string {
	return fmt.Sprintf("configuration error: %v", e.err)
}

func (e *configError) Unwrap() error {
	return e.err
}
