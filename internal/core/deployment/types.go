package deployment

import (
	"sort"
	"strings"
	"time"

	"github.com/artpar/changeplan/internal/core/plan"
)

// =============================================================================
// Operations
// =============================================================================

// Operation names a kind of run.
type Operation string

const (
	OpDeploy Operation = "deploy"
	OpRevert Operation = "revert"
	OpVerify Operation = "verify"
)

// ChangeState is the lifecycle state of a change on one target.
type ChangeState string

const (
	StateNotDeployed ChangeState = "not_deployed"
	StateDeployed    ChangeState = "deployed"
)

// =============================================================================
// Ledger Record
// =============================================================================

// Record is one deployed change on a target.
//
// A record exists if and only if the change's deploy script committed and has
// not been reverted since.
type Record struct {
	Target      string    `json:"target" yaml:"target"`
	Project     string    `json:"project" yaml:"project"`
	Change      string    `json:"change" yaml:"change"`
	ScriptHash  string    `json:"script_hash" yaml:"script_hash"`
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint"`
	Tags        []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	DeployedAt  time.Time `json:"deployed_at" yaml:"deployed_at"`
	DeployedBy  string    `json:"deployed_by" yaml:"deployed_by"`
	RunID       string    `json:"run_id" yaml:"run_id"`

	// Dependencies are the change's dependencies, package-qualified.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// NewRecord builds the ledger row written after a change's deploy script
// succeeds. Local dependencies are recorded qualified with project.
func NewRecord(target, project string, c plan.Change, script string, tags []string, at time.Time, by, runID string) Record {
	return Record{
		Target:       target,
		Project:      project,
		Change:       c.Name,
		ScriptHash:   ScriptHash(script),
		Fingerprint:  Fingerprint(script, c.Dependencies),
		Tags:         tags,
		Dependencies: QualifyDependencies(project, c.Dependencies),
		DeployedAt:   at.UTC(),
		DeployedBy:   by,
		RunID:        runID,
	}
}

// QualifyDependencies prefixes unqualified references with project and keeps
// qualified ones as written.
func QualifyDependencies(project string, deps []string) []string {
	if len(deps) == 0 {
		return nil
	}
	out := make([]string, len(deps))
	for i, dep := range deps {
		if _, _, qualified := plan.SplitQualified(dep); qualified {
			out[i] = dep
		} else {
			out[i] = plan.Qualify(project, dep)
		}
	}
	return out
}

// =============================================================================
// Ledger State
// =============================================================================

// State is the ledger of one target as seen by a run of one project.
type State struct {
	// Deployed holds the project's own records by change name.
	Deployed map[string]Record

	// External holds the qualified references ("pkg:change", "pkg:@tag")
	// satisfied by other projects deployed on the same target.
	External map[string]bool

	// Dependents maps a qualified reference to the other-project records
	// ("pkg:change") that depend on it. "pkg:name@tag" is keyed as
	// "pkg:name".
	Dependents map[string][]string
}

// NewState splits the records of a target into the project's own deployed
// set and the references other projects satisfy.
func NewState(project string, records []Record) State {
	st := State{
		Deployed:   make(map[string]Record),
		External:   make(map[string]bool),
		Dependents: make(map[string][]string),
	}
	for _, r := range records {
		if r.Project == project {
			st.Deployed[r.Change] = r
			continue
		}
		self := plan.Qualify(r.Project, r.Change)
		st.External[self] = true
		for _, tag := range r.Tags {
			st.External[plan.Qualify(r.Project, "@"+strings.TrimPrefix(tag, "@"))] = true
		}
		for _, dep := range r.Dependencies {
			if key, ok := refKey(dep); ok {
				st.Dependents[key] = append(st.Dependents[key], self)
			}
		}
	}
	return st
}

// IsDeployed reports whether the project's change has a ledger record.
func (s State) IsDeployed(change string) bool {
	_, ok := s.Deployed[change]
	return ok
}

// Satisfies reports whether a qualified reference to another project is
// deployed. "pkg:name@tag" is treated as "pkg:name".
func (s State) Satisfies(dep string) bool {
	key, ok := refKey(dep)
	return ok && s.External[key]
}

// DependentsOf returns the other-project records that depend on a change of
// project, directly or through one of tags, sorted.
func (s State) DependentsOf(project, change string, tags []string) []string {
	seen := make(map[string]bool)
	var out []string
	collect := func(key string) {
		for _, d := range s.Dependents[key] {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	collect(plan.Qualify(project, change))
	for _, tag := range tags {
		collect(plan.Qualify(project, "@"+strings.TrimPrefix(tag, "@")))
	}
	sort.Strings(out)
	return out
}

// refKey normalizes a qualified reference, reducing "pkg:name@tag" to
// "pkg:name".
func refKey(dep string) (string, bool) {
	pkg, ref, qualified := plan.SplitQualified(dep)
	if !qualified {
		return "", false
	}
	if i := strings.Index(ref, "@"); i > 0 {
		ref = ref[:i]
	}
	return plan.Qualify(pkg, ref), true
}

// =============================================================================
// Run Types
// =============================================================================

// Options controls a deploy or revert run.
type Options struct {
	// To bounds the run. Deploy stops after this change; revert keeps it.
	To string

	// OneTxPerChange commits each change on its own. When false the whole
	// run is a single transaction.
	OneTxPerChange bool
}

// Result is the outcome of a deploy or revert run.
type Result struct {
	RunID     string    `json:"run_id"`
	Operation Operation `json:"operation"`
	Target    string    `json:"target"`
	Project   string    `json:"project"`
	Changes   []string  `json:"changes"`
}

// =============================================================================
// Verify Types
// =============================================================================

// VerifyStatus is the outcome of verifying one change.
type VerifyStatus string

const (
	VerifyPassed  VerifyStatus = "passed"
	VerifyFailed  VerifyStatus = "failed"
	VerifySkipped VerifyStatus = "skipped"
)

// VerifyResult is the verify outcome of one deployed change.
type VerifyResult struct {
	Change  string       `json:"change"`
	Status  VerifyStatus `json:"status"`
	Drifted bool         `json:"drifted,omitempty"`
	Message string       `json:"message,omitempty"`
	Err     error        `json:"-"`
}

// VerifyReport aggregates a verify run. It is never cut short by a failure.
type VerifyReport struct {
	RunID    string         `json:"run_id"`
	Target   string         `json:"target"`
	Project  string         `json:"project"`
	Results  []VerifyResult `json:"results"`
	Orphaned []string       `json:"orphaned,omitempty"`
	Passed   int            `json:"passed"`
	Failed   int            `json:"failed"`
	Skipped  int            `json:"skipped"`
	Drifted  int            `json:"drifted"`
}

// Add appends a result and updates the counters.
func (r *VerifyReport) Add(res VerifyResult) {
	if res.Err != nil && res.Message == "" {
		res.Message = res.Err.Error()
	}
	r.Results = append(r.Results, res)
	switch res.Status {
	case VerifyPassed:
		r.Passed++
	case VerifyFailed:
		r.Failed++
	case VerifySkipped:
		r.Skipped++
	}
	if res.Drifted {
		r.Drifted++
	}
}

// OK reports whether no verify script failed.
func (r *VerifyReport) OK() bool {
	return r.Failed == 0
}

// Err returns ErrVerificationFailed wrapped with the failing change names, or
// nil when every verify passed or was skipped.
func (r *VerifyReport) Err() error {
	if r.OK() {
		return nil
	}
	var failed []string
	for _, res := range r.Results {
		if res.Status == VerifyFailed {
			failed = append(failed, res.Change)
		}
	}
	return &VerifyError{Failed: failed}
}

// =============================================================================
// Status Types
// =============================================================================

// ChangeStatus is one line of a status report.
type ChangeStatus struct {
	Change string      `json:"change"`
	State  ChangeState `json:"state"`
	Record *Record     `json:"record,omitempty"`
}

// StatusReport lists every change of a project with its ledger state, in
// deploy order.
type StatusReport struct {
	Target   string         `json:"target"`
	Project  string         `json:"project"`
	Changes  []ChangeStatus `json:"changes"`
	Pending  []string       `json:"pending"`
	Orphaned []string       `json:"orphaned,omitempty"`
}
