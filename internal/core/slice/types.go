package slice

import (
	"github.com/artpar/changeplan/internal/core/plan"
)

const (
	// CorePackage receives folder-strategy changes outside the stripped prefix.
	CorePackage = "core"

	// DefaultPrefix is stripped from change names by the folder strategy.
	DefaultPrefix = "schemas/"

	// DefaultDepth is the number of folder segments forming a package name.
	DefaultDepth = 1

	// DefaultMaxCrossPackageRatio is the ratio above which a warning is raised.
	DefaultMaxCrossPackageRatio = 0.5
)

// =============================================================================
// Strategy Types
// =============================================================================

// StrategyKind selects how changes are assigned to packages.
type StrategyKind string

const (
	StrategyFolder   StrategyKind = "folder"
	StrategyExplicit StrategyKind = "explicit"
	StrategyPattern  StrategyKind = "pattern"
)

// PatternSlice maps glob patterns to a package. Slices are evaluated in
// declaration order and the first match wins.
type PatternSlice struct {
	PackageName string   `json:"packageName" yaml:"packageName"`
	Patterns    []string `json:"patterns" yaml:"patterns"`
}

// Strategy is a partition strategy. Only the fields of its Kind are used.
type Strategy struct {
	Kind StrategyKind `json:"kind" yaml:"kind"`

	// Folder
	Depth         int    `json:"depth,omitempty" yaml:"depth,omitempty"`
	PrefixToStrip string `json:"prefixToStrip,omitempty" yaml:"prefixToStrip,omitempty"`

	// Explicit
	Mapping map[string]string `json:"mapping,omitempty" yaml:"mapping,omitempty"`

	// Pattern
	Slices []PatternSlice `json:"slices,omitempty" yaml:"slices,omitempty"`
}

// FolderStrategy partitions by the first depth path segments after prefix.
func FolderStrategy(depth int, prefix string) Strategy {
	return Strategy{Kind: StrategyFolder, Depth: depth, PrefixToStrip: prefix}
}

// ExplicitStrategy partitions by a change name to package name lookup.
func ExplicitStrategy(mapping map[string]string) Strategy {
	return Strategy{Kind: StrategyExplicit, Mapping: mapping}
}

// PatternStrategy partitions by ordered glob slices.
func PatternStrategy(slices []PatternSlice) Strategy {
	return Strategy{Kind: StrategyPattern, Slices: slices}
}

// Options configures a slice run.
type Options struct {
	Strategy Strategy

	// DefaultPackage receives unmatched changes and small merged packages.
	DefaultPackage string

	// MinChangesPerPackage enables the merge pass when greater than zero.
	MinChangesPerPackage int

	// UseTagsForCrossPackageDeps rewrites cross-package references as
	// "pkg:@tag" instead of "pkg:change" where a tag is available.
	UseTagsForCrossPackageDeps bool

	// MaxCrossPackageRatio is the cross-package edge ratio above which a
	// warning is raised.
	MaxCrossPackageRatio float64
}

// DefaultOptions returns folder slicing at depth 1 under "schemas/".
func DefaultOptions() Options {
	return Options{
		Strategy:             FolderStrategy(DefaultDepth, DefaultPrefix),
		DefaultPackage:       CorePackage,
		MaxCrossPackageRatio: DefaultMaxCrossPackageRatio,
	}
}

func (o Options) withDefaults() Options {
	if o.DefaultPackage == "" {
		o.DefaultPackage = CorePackage
	}
	if o.MaxCrossPackageRatio <= 0 {
		o.MaxCrossPackageRatio = DefaultMaxCrossPackageRatio
	}
	if o.Strategy.Kind == StrategyFolder && o.Strategy.Depth <= 0 {
		o.Strategy.Depth = DefaultDepth
	}
	return o
}

// =============================================================================
// Workspace Types
// =============================================================================

// Assignment maps each change name to its package name.
type Assignment map[string]string

// Package is one deployable slice of the source plan.
type Package struct {
	Name string `json:"name" yaml:"name"`

	// Changes are in dependency order within the package.
	Changes []string `json:"changes" yaml:"changes"`

	// Dependencies are the packages this one depends on, sorted.
	Dependencies []string `json:"dependencies" yaml:"dependencies"`

	// Plan is the regenerated plan with cross-package references qualified.
	Plan *plan.Plan `json:"plan" yaml:"plan"`
}

// Stats summarises a slice run.
type Stats struct {
	TotalChanges             int     `json:"totalChanges" yaml:"totalChanges"`
	PackagesCreated          int     `json:"packagesCreated" yaml:"packagesCreated"`
	InternalDependencies     int     `json:"internalDependencies" yaml:"internalDependencies"`
	CrossPackageDependencies int     `json:"crossPackageDependencies" yaml:"crossPackageDependencies"`
	CrossPackageRatio        float64 `json:"crossPackageRatio" yaml:"crossPackageRatio"`
}

// WarningKind classifies a non-fatal slicing condition.
type WarningKind string

const (
	WarnUnmatchedChange      WarningKind = "unmatched_change"
	WarnEmptyPackage         WarningKind = "empty_package"
	WarnHighCrossPackage     WarningKind = "high_cross_package_ratio"
	WarnUnresolvedDependency WarningKind = "unresolved_dependency"
	WarnMergedPackage        WarningKind = "merged_package"
	WarnMissingTag           WarningKind = "missing_tag"
)

// Warning is a non-fatal slicing condition.
type Warning struct {
	Kind    WarningKind `json:"kind" yaml:"kind"`
	Package string      `json:"package,omitempty" yaml:"package,omitempty"`
	Change  string      `json:"change,omitempty" yaml:"change,omitempty"`
	Message string      `json:"message" yaml:"message"`
}

// Workspace is the result of slicing a plan.
type Workspace struct {
	// Packages are listed in deploy order.
	Packages     []Package           `json:"packages" yaml:"packages"`
	DeployOrder  []string            `json:"deployOrder" yaml:"deployOrder"`
	Dependencies map[string][]string `json:"dependencies" yaml:"dependencies"`
	Assignment   Assignment          `json:"assignment" yaml:"assignment"`
	Stats        Stats               `json:"stats" yaml:"stats"`
	Warnings     []Warning           `json:"warnings" yaml:"warnings"`
}

// Package returns the named package.
func (w *Workspace) Package(name string) (*Package, bool) {
	for i := range w.Packages {
		if w.Packages[i].Name == name {
			return &w.Packages[i], true
		}
	}
	return nil, false
}

// WarningsOf returns the warnings of one kind.
func (w *Workspace) WarningsOf(kind WarningKind) []Warning {
	var out []Warning
	for _, warn := range w.Warnings {
		if warn.Kind == kind {
			out = append(out, warn)
		}
	}
	return out
}
