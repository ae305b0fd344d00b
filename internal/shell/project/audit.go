package project

import (
	"fmt"
	"strings"

	"github.com/artpar/changeplan/internal/core/deployment"
)

// AuditReport lists the changes whose script set is incomplete.
type AuditReport struct {
	// MissingDeploy changes cannot be deployed at all.
	MissingDeploy []string `json:"missing_deploy,omitempty" yaml:"missing_deploy,omitempty"`

	// Irreversible changes have no revert script.
	Irreversible []string `json:"irreversible,omitempty" yaml:"irreversible,omitempty"`

	// Unverifiable changes have no verify script.
	Unverifiable []string `json:"unverifiable,omitempty" yaml:"unverifiable,omitempty"`
}

// Audit checks every change of the plan for its three scripts, in plan order.
func (p *Project) Audit() AuditReport {
	var r AuditReport
	for _, c := range p.Plan.Changes {
		if !p.HasScript(deployment.OpDeploy, c.Name) {
			r.MissingDeploy = append(r.MissingDeploy, c.Name)
		}
		if !p.HasScript(deployment.OpRevert, c.Name) {
			r.Irreversible = append(r.Irreversible, c.Name)
		}
		if !p.HasScript(deployment.OpVerify, c.Name) {
			r.Unverifiable = append(r.Unverifiable, c.Name)
		}
	}
	return r
}

// Err returns ErrMissingDeployScript naming the offending changes, or nil.
func (r AuditReport) Err() error {
	if len(r.MissingDeploy) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMissingDeployScript, strings.Join(r.MissingDeploy, ", "))
}
