package project

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/artpar/changeplan/internal/core/deployment"
	"github.com/artpar/changeplan/internal/core/graph"
	"github.com/artpar/changeplan/internal/core/plan"
)

// PlanFileName is the plan file looked up when none is given.
const PlanFileName = "changeplan.plan"

// ScriptExt is the extension of every script file.
const ScriptExt = ".sql"

// =============================================================================
// Project
// =============================================================================

// Project is a parsed plan, its validated dependency graph and access to its
// script files.
type Project struct {
	// Name is the ledger project key. It is the plan's %project pragma, or the
	// directory name for plans without one.
	Name string

	Plan  *plan.Plan
	Graph *graph.Graph

	fsys fs.FS
}

// Open loads the project rooted at dir. An empty planFile means
// PlanFileName.
func Open(dir, planFile string) (*Project, error) {
	p, err := Load(os.DirFS(dir), planFile)
	if err != nil {
		return nil, err
	}
	if p.Name == "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve project directory: %w", err)
		}
		p.Name = filepath.Base(abs)
	}
	return p, nil
}

// Load parses the plan file of fsys and validates its dependency graph.
// A cyclic plan is rejected here, before any run can start.
func Load(fsys fs.FS, planFile string) (*Project, error) {
	if planFile == "" {
		planFile = PlanFileName
	}

	f, err := fsys.Open(planFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planFile)
		}
		return nil, fmt.Errorf("failed to open plan: %w", err)
	}
	defer f.Close()

	p, err := plan.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", planFile, err)
	}

	g, err := graph.Build(p)
	if err != nil {
		return nil, fmt.Errorf("failed to build dependency graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	return &Project{
		Name:  p.Project,
		Plan:  p,
		Graph: g,
		fsys:  fsys,
	}, nil
}

// =============================================================================
// Scripts
// =============================================================================

// ScriptPath returns the slash separated path of a change's script relative
// to the project root.
//
// Example:
//
//	ScriptPath(deployment.OpDeploy, "schemas/auth/users") // "deploy/schemas/auth/users.sql"
func ScriptPath(kind deployment.Operation, change string) (string, error) {
	if !fs.ValidPath(change) || change == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidChangeName, change)
	}
	return path.Join(string(kind), change+ScriptExt), nil
}

// Script reads the script of a change. A missing file yields a *ScriptError
// wrapping ErrScriptNotFound.
func (p *Project) Script(kind deployment.Operation, change string) (string, error) {
	rel, err := ScriptPath(kind, change)
	if err != nil {
		return "", &ScriptError{Kind: string(kind), Change: change, Err: err}
	}

	data, err := fs.ReadFile(p.fsys, rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = ErrScriptNotFound
		}
		return "", &ScriptError{Kind: string(kind), Change: change, Path: rel, Err: err}
	}
	return string(data), nil
}

// HasScript reports whether a change has a script of the given kind.
func (p *Project) HasScript(kind deployment.Operation, change string) bool {
	rel, err := ScriptPath(kind, change)
	if err != nil {
		return false
	}
	info, err := fs.Stat(p.fsys, rel)
	return err == nil && !info.IsDir()
}

// FS returns the file system the project was loaded from.
func (p *Project) FS() fs.FS {
	return p.fsys
}
