package slice

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/artpar/changeplan/internal/core/plan"
)

var (
	validPackageName = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)
	unsafeNameChars  = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
)

// =============================================================================
// Strategy Validation
// =============================================================================

// ValidatePackageName checks that name can be used as a package name and as a
// directory name. ':' is reserved for qualified references.
func ValidatePackageName(name string) error {
	if !validPackageName.MatchString(name) {
		return invalidStrategy("invalid package name %q", name)
	}
	return nil
}

// Validate checks options before slicing begins.
func (o Options) Validate() error {
	if err := ValidatePackageName(o.DefaultPackage); err != nil {
		return err
	}
	if o.MinChangesPerPackage < 0 {
		return invalidStrategy("minChangesPerPackage must not be negative")
	}

	s := o.Strategy
	switch s.Kind {
	case StrategyFolder:
		if s.Depth < 1 {
			return invalidStrategy("folder depth must be at least 1, got %d", s.Depth)
		}

	case StrategyExplicit:
		for change, pkg := range s.Mapping {
			if err := ValidatePackageName(pkg); err != nil {
				return fmt.Errorf("mapping for %s: %w", change, err)
			}
		}

	case StrategyPattern:
		if len(s.Slices) == 0 {
			return invalidStrategy("pattern strategy has no slices")
		}
		for i, sl := range s.Slices {
			if err := ValidatePackageName(sl.PackageName); err != nil {
				return fmt.Errorf("slice %d: %w", i, err)
			}
			if len(sl.Patterns) == 0 {
				return invalidStrategy("slice %s has no patterns", sl.PackageName)
			}
			for _, pattern := range sl.Patterns {
				if !doublestar.ValidatePattern(pattern) {
					return invalidStrategy("slice %s: bad pattern %q", sl.PackageName, pattern)
				}
			}
		}

	default:
		return invalidStrategy("unknown strategy kind %q", s.Kind)
	}
	return nil
}

// =============================================================================
// Assignment
// =============================================================================

// AssignChangesToPackages assigns every change of the plan to exactly one
// package. Changes that no rule matched are reported as warnings.
//
// Example:
//
//	// folder strategy, depth 1, prefix "schemas/"
//	// schemas/auth/tables/users      -> auth
//	// schemas/public/functions/get   -> public
//	// extensions/pgcrypto            -> core
func AssignChangesToPackages(p *plan.Plan, opts Options) (Assignment, []Warning) {
	assignment := make(Assignment, len(p.Changes))
	var warnings []Warning

	for _, c := range p.Changes {
		pkg, matched := assignOne(c.Name, opts)
		assignment[c.Name] = pkg
		if !matched {
			warnings = append(warnings, Warning{
				Kind:    WarnUnmatchedChange,
				Package: pkg,
				Change:  c.Name,
				Message: fmt.Sprintf("change %s matched no rule and was assigned to %s", c.Name, pkg),
			})
		}
	}
	return assignment, warnings
}

func assignOne(name string, opts Options) (string, bool) {
	s := opts.Strategy
	switch s.Kind {
	case StrategyFolder:
		return folderPackage(name, s.Depth, s.PrefixToStrip)

	case StrategyExplicit:
		if pkg, ok := s.Mapping[name]; ok {
			return pkg, true
		}
		return opts.DefaultPackage, false

	case StrategyPattern:
		stripped := strings.TrimPrefix(name, s.PrefixToStrip)
		for _, sl := range s.Slices {
			for _, pattern := range sl.Patterns {
				if ok, _ := doublestar.Match(pattern, stripped); ok {
					return sl.PackageName, true
				}
			}
		}
		return opts.DefaultPackage, false
	}
	return opts.DefaultPackage, false
}

func folderPackage(name string, depth int, prefix string) (string, bool) {
	if prefix != "" && !strings.HasPrefix(name, prefix) {
		return CorePackage, false
	}

	var segments []string
	for _, seg := range strings.Split(strings.TrimPrefix(name, prefix), "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		return CorePackage, false
	}
	if len(segments) > depth {
		segments = segments[:depth]
	}

	pkg := unsafeNameChars.ReplaceAllString(strings.Join(segments, "-"), "_")
	if !validPackageName.MatchString(pkg) {
		pkg = "_" + pkg
	}
	return pkg, true
}

// declaredPackages returns the packages a strategy names up front, in
// declaration order. Folder packages are discovered, not declared.
func declaredPackages(s Strategy) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	switch s.Kind {
	case StrategyPattern:
		for _, sl := range s.Slices {
			add(sl.PackageName)
		}
	case StrategyExplicit:
		for _, pkg := range sortedValues(s.Mapping) {
			add(pkg)
		}
	}
	return out
}
