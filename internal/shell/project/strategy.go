package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/artpar/changeplan/internal/core/slice"
)

// LoadPatternStrategy reads a pattern strategy file. The format follows the
// extension: .json, .yaml or .yml.
func LoadPatternStrategy(file string) (slice.Strategy, error) {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(file)), ".")
	switch format {
	case "json", "yaml", "yml":
	default:
		return slice.Strategy{}, fmt.Errorf("%w: %s", ErrUnknownStrategyFormat, file)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return slice.Strategy{}, fmt.Errorf("failed to read strategy file: %w", err)
	}

	strategy, err := slice.ParsePatternStrategy(data, format)
	if err != nil {
		return slice.Strategy{}, fmt.Errorf("%s: %w", file, err)
	}
	return strategy, nil
}
