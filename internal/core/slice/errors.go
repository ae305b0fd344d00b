package slice

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidStrategy is returned for a strategy that cannot be applied.
	ErrInvalidStrategy = errors.New("invalid slice strategy")

	// ErrSourceCycle is returned when the source change graph has a cycle.
	ErrSourceCycle = errors.New("source plan has a dependency cycle")

	// ErrPackageCycle is returned when the derived package graph has a cycle.
	ErrPackageCycle = errors.New("package graph has a dependency cycle")
)

func invalidStrategy(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidStrategy, fmt.Sprintf(format, args...))
}
