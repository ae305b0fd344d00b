package plan

import (
	"strings"
	"time"
)

// DefaultSyntaxVersion is written when a plan does not declare one.
const DefaultSyntaxVersion = "1.0.0"

// QualifierSeparator separates a package name from a change or tag reference.
const QualifierSeparator = ":"

// =============================================================================
// Plan Types
// =============================================================================

// Change is one named schema modification with its declared dependencies.
type Change struct {
	Name         string    `json:"name" yaml:"name"`
	Dependencies []string  `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Timestamp    time.Time `json:"timestamp" yaml:"timestamp"`
	Planner      string    `json:"planner" yaml:"planner"`
	Email        string    `json:"email" yaml:"email"`
	Note         string    `json:"note,omitempty" yaml:"note,omitempty"`
}

// Tag names a point in the plan. It is attached to the change preceding it.
type Tag struct {
	Name      string    `json:"name" yaml:"name"`
	Change    string    `json:"change" yaml:"change"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Planner   string    `json:"planner" yaml:"planner"`
	Email     string    `json:"email" yaml:"email"`
	Note      string    `json:"note,omitempty" yaml:"note,omitempty"`
}

// Plan is an ordered, dependency-annotated log of changes.
//
// Insertion order is preserved and used as the tie-break for ordering, but is
// never assumed to satisfy dependency order.
type Plan struct {
	SyntaxVersion string   `json:"syntax_version" yaml:"syntax_version"`
	Project       string   `json:"project" yaml:"project"`
	URI           string   `json:"uri,omitempty" yaml:"uri,omitempty"`
	Changes       []Change `json:"changes" yaml:"changes"`
	Tags          []Tag    `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// =============================================================================
// Lookups
// =============================================================================

// Index returns the position of the named change in the plan.
func (p *Plan) Index(name string) (int, bool) {
	for i := range p.Changes {
		if p.Changes[i].Name == name {
			return i, true
		}
	}
	return -1, false
}

// Change returns the named change.
func (p *Plan) Change(name string) (Change, bool) {
	if i, ok := p.Index(name); ok {
		return p.Changes[i], true
	}
	return Change{}, false
}

// Tag returns the named tag. The leading "@" is optional.
func (p *Plan) Tag(name string) (Tag, bool) {
	name = strings.TrimPrefix(name, "@")
	for _, t := range p.Tags {
		if t.Name == name {
			return t, true
		}
	}
	return Tag{}, false
}

// TagsFor returns the names of the tags attached to a change, in plan order.
func (p *Plan) TagsFor(change string) []string {
	var out []string
	for _, t := range p.Tags {
		if t.Change == change {
			out = append(out, t.Name)
		}
	}
	return out
}

// ResolveLocal maps a dependency reference to a change of this plan.
//
// Accepted forms are "name", "@tag", "name@tag" and "<project>:<ref>" where
// project is this plan's own project. References to other packages, and
// names that do not exist, return false.
func (p *Plan) ResolveLocal(dep string) (string, bool) {
	return p.Resolver()(dep)
}

// Resolver returns a ResolveLocal equivalent backed by lookup maps, for
// resolving many references against an unchanging plan.
func (p *Plan) Resolver() func(dep string) (string, bool) {
	changes := make(map[string]struct{}, len(p.Changes))
	for _, c := range p.Changes {
		changes[c.Name] = struct{}{}
	}
	tags := make(map[string]string, len(p.Tags))
	for _, t := range p.Tags {
		tags[t.Name] = t.Change
	}
	project := p.Project

	return func(dep string) (string, bool) {
		pkg, ref, qualified := SplitQualified(dep)
		if qualified && pkg != project {
			return "", false
		}
		if strings.HasPrefix(ref, "@") {
			change, ok := tags[ref[1:]]
			return change, ok
		}
		if i := strings.Index(ref, "@"); i > 0 {
			ref = ref[:i]
		}
		if _, ok := changes[ref]; ok {
			return ref, true
		}
		return "", false
	}
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	out := &Plan{
		SyntaxVersion: p.SyntaxVersion,
		Project:       p.Project,
		URI:           p.URI,
		Changes:       append([]Change(nil), p.Changes...),
		Tags:          append([]Tag(nil), p.Tags...),
	}
	for i := range out.Changes {
		out.Changes[i].Dependencies = append([]string(nil), out.Changes[i].Dependencies...)
	}
	return out
}

// =============================================================================
// Qualified References
// =============================================================================

// Qualify returns the package-qualified form "<pkg>:<ref>".
func Qualify(pkg, ref string) string {
	return pkg + QualifierSeparator + ref
}

// SplitQualified splits "<pkg>:<ref>". Unqualified references return the
// whole string as ref.
func SplitQualified(dep string) (pkg, ref string, qualified bool) {
	i := strings.Index(dep, QualifierSeparator)
	if i <= 0 {
		return "", dep, false
	}
	return dep[:i], dep[i+1:], true
}
