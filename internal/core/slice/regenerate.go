package slice

import (
	"fmt"

	"github.com/artpar/changeplan/internal/core/plan"
)

// =============================================================================
// Plan Regeneration
// =============================================================================

type regenerator struct {
	src        *plan.Plan
	resolve    func(string) (string, bool)
	assignment Assignment
	d          *derivation
	opts       Options

	changes      map[string]plan.Change
	position     map[string]int // change -> index within its package
	tagsByChange map[string][]plan.Tag
}

func newRegenerator(src *plan.Plan, assignment Assignment, d *derivation, opts Options) *regenerator {
	r := &regenerator{
		src:          src,
		resolve:      src.Resolver(),
		assignment:   assignment,
		d:            d,
		opts:         opts,
		changes:      make(map[string]plan.Change, len(src.Changes)),
		position:     make(map[string]int, len(assignment)),
		tagsByChange: make(map[string][]plan.Tag),
	}
	for _, c := range src.Changes {
		r.changes[c.Name] = c
	}
	for _, changes := range d.changes {
		for i, name := range changes {
			r.position[name] = i
		}
	}
	for _, t := range src.Tags {
		r.tagsByChange[t.Change] = append(r.tagsByChange[t.Change], t)
	}
	return r
}

// regenerate builds the plan of one package. Changes follow the package's
// internal order, tags stay attached to their changes, and references to
// other packages are qualified.
func (r *regenerator) regenerate(pkg string) (*plan.Plan, []Warning) {
	out := &plan.Plan{
		SyntaxVersion: r.src.SyntaxVersion,
		Project:       pkg,
		URI:           r.src.URI,
	}
	var warnings []Warning

	for _, name := range r.d.changes[pkg] {
		c := r.changes[name]
		c.Dependencies, warnings = r.rewriteDependencies(pkg, c, warnings)
		out.Changes = append(out.Changes, c)
		out.Tags = append(out.Tags, r.tagsByChange[name]...)
	}
	return out, warnings
}

func (r *regenerator) rewriteDependencies(pkg string, c plan.Change, warnings []Warning) ([]string, []Warning) {
	var deps []string
	seen := make(map[string]bool, len(c.Dependencies))

	for _, dep := range c.Dependencies {
		var ref string
		target, ok := r.resolve(dep)
		switch {
		case !ok:
			ref = dep
			if other, _, qualified := plan.SplitQualified(dep); !qualified || other == r.src.Project {
				warnings = append(warnings, Warning{
					Kind:    WarnUnresolvedDependency,
					Package: pkg,
					Change:  c.Name,
					Message: fmt.Sprintf("change %s depends on %s, which is not in the plan", c.Name, dep),
				})
			}

		case r.assignment[target] == pkg:
			ref = target

		default:
			var w *Warning
			ref, w = r.crossReference(r.assignment[target], target)
			if w != nil {
				w.Package = pkg
				w.Change = c.Name
				warnings = append(warnings, *w)
			}
		}

		if !seen[ref] {
			seen[ref] = true
			deps = append(deps, ref)
		}
	}
	return deps, warnings
}

// crossReference qualifies a reference to a change of another package. In
// tag mode it points at the first tag attached at or after the change within
// that package.
func (r *regenerator) crossReference(owner, target string) (string, *Warning) {
	if !r.opts.UseTagsForCrossPackageDeps {
		return plan.Qualify(owner, target), nil
	}

	changes := r.d.changes[owner]
	for _, name := range changes[r.position[target]:] {
		if tags := r.tagsByChange[name]; len(tags) > 0 {
			return plan.Qualify(owner, "@"+tags[0].Name), nil
		}
	}
	return plan.Qualify(owner, target), &Warning{
		Kind:    WarnMissingTag,
		Message: fmt.Sprintf("no tag at or after %s in package %s; referenced by change name", target, owner),
	}
}
