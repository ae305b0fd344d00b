package project

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/artpar/changeplan/internal/core/deployment"
	"github.com/artpar/changeplan/internal/core/slice"
)

// ManifestFileName is the workspace description written next to the packages.
const ManifestFileName = "workspace.yaml"

var scriptKinds = []deployment.Operation{deployment.OpDeploy, deployment.OpRevert, deployment.OpVerify}

// =============================================================================
// Types
// =============================================================================

// MaterializeOptions controls where and whether a workspace is written.
type MaterializeOptions struct {
	OutputDir string

	// DryRun computes the report without touching the file system.
	DryRun bool

	// Concurrency bounds the packages written at once. Zero means one
	// goroutine per package.
	Concurrency int
}

// File is one file of a materialized workspace.
type File struct {
	// Path is slash separated and relative to the output directory.
	Path    string `json:"path" yaml:"path"`
	Package string `json:"package,omitempty" yaml:"package,omitempty"`
	Kind    string `json:"kind" yaml:"kind"` // plan, deploy, revert, verify or manifest
	Size    int    `json:"size" yaml:"size"`
}

// MissingScript is an optional script absent from the source project.
type MissingScript struct {
	Package string `json:"package" yaml:"package"`
	Change  string `json:"change" yaml:"change"`
	Kind    string `json:"kind" yaml:"kind"`
}

// MaterializeReport describes what Materialize wrote, or would write.
type MaterializeReport struct {
	OutputDir string          `json:"outputDir" yaml:"outputDir"`
	DryRun    bool            `json:"dryRun" yaml:"dryRun"`
	Files     []File          `json:"files" yaml:"files"`
	Missing   []MissingScript `json:"missing,omitempty" yaml:"missing,omitempty"`
}

// WorkspaceManifest is the content of workspace.yaml.
type WorkspaceManifest struct {
	DeployOrder  []string            `json:"deployOrder" yaml:"deployOrder"`
	Dependencies map[string][]string `json:"dependencies" yaml:"dependencies"`
	Packages     []ManifestPackage   `json:"packages" yaml:"packages"`
	Stats        slice.Stats         `json:"stats" yaml:"stats"`
	Warnings     []slice.Warning     `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// ManifestPackage locates one package of a workspace.
type ManifestPackage struct {
	Name    string `json:"name" yaml:"name"`
	Dir     string `json:"dir" yaml:"dir"`
	Changes int    `json:"changes" yaml:"changes"`
}

// pendingFile is a file computed but not yet written.
type pendingFile struct {
	File
	data []byte
}

// =============================================================================
// Materialize
// =============================================================================

// Materialize writes every package of ws as a standalone project under
// opts.OutputDir, copying scripts from src, and writes workspace.yaml.
//
// Packages are processed concurrently; each owns its own directory. A dry run
// reads the source scripts and returns the same report a real run would,
// without creating anything.
func Materialize(ctx context.Context, ws *slice.Workspace, src fs.FS, opts MaterializeOptions) (*MaterializeReport, error) {
	if !opts.DryRun {
		if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	files := make([][]pendingFile, len(ws.Packages))
	missing := make([][]MissingScript, len(ws.Packages))

	g, gctx := errgroup.WithContext(ctx)
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}
	for i := range ws.Packages {
		i := i
		pkg := &ws.Packages[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pf, ms, err := packageFiles(pkg, src)
			if err != nil {
				return err
			}
			files[i], missing[i] = pf, ms
			if opts.DryRun {
				return nil
			}
			return writeFiles(opts.OutputDir, pf)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	manifest, err := manifestFile(ws)
	if err != nil {
		return nil, err
	}
	if !opts.DryRun {
		if err := writeFiles(opts.OutputDir, []pendingFile{manifest}); err != nil {
			return nil, err
		}
	}

	report := &MaterializeReport{OutputDir: opts.OutputDir, DryRun: opts.DryRun}
	for i := range files {
		for _, f := range files[i] {
			report.Files = append(report.Files, f.File)
		}
		report.Missing = append(report.Missing, missing[i]...)
	}
	report.Files = append(report.Files, manifest.File)
	sort.Slice(report.Files, func(a, b int) bool { return report.Files[a].Path < report.Files[b].Path })
	return report, nil
}

// packageFiles renders the plan of a package and reads its scripts.
func packageFiles(pkg *slice.Package, src fs.FS) ([]pendingFile, []MissingScript, error) {
	planData := []byte(pkg.Plan.Format())
	out := []pendingFile{{
		File: File{Path: path.Join(pkg.Name, PlanFileName), Package: pkg.Name, Kind: "plan", Size: len(planData)},
		data: planData,
	}}

	var missing []MissingScript
	for _, change := range pkg.Changes {
		for _, kind := range scriptKinds {
			rel, err := ScriptPath(kind, change)
			if err != nil {
				return nil, nil, &ScriptError{Kind: string(kind), Change: change, Err: err}
			}
			data, err := fs.ReadFile(src, rel)
			if errors.Is(err, fs.ErrNotExist) {
				if kind == deployment.OpDeploy {
					return nil, nil, &ScriptError{Kind: string(kind), Change: change, Path: rel, Err: ErrMissingDeployScript}
				}
				missing = append(missing, MissingScript{Package: pkg.Name, Change: change, Kind: string(kind)})
				continue
			}
			if err != nil {
				return nil, nil, &ScriptError{Kind: string(kind), Change: change, Path: rel, Err: err}
			}
			out = append(out, pendingFile{
				File: File{Path: path.Join(pkg.Name, rel), Package: pkg.Name, Kind: string(kind), Size: len(data)},
				data: data,
			})
		}
	}
	return out, missing, nil
}

func manifestFile(ws *slice.Workspace) (pendingFile, error) {
	m := WorkspaceManifest{
		DeployOrder:  ws.DeployOrder,
		Dependencies: ws.Dependencies,
		Stats:        ws.Stats,
		Warnings:     ws.Warnings,
	}
	for _, pkg := range ws.Packages {
		m.Packages = append(m.Packages, ManifestPackage{Name: pkg.Name, Dir: pkg.Name, Changes: len(pkg.Changes)})
	}

	data, err := yaml.Marshal(&m)
	if err != nil {
		return pendingFile{}, fmt.Errorf("failed to encode workspace manifest: %w", err)
	}
	return pendingFile{File: File{Path: ManifestFileName, Kind: "manifest", Size: len(data)}, data: data}, nil
}

func writeFiles(root string, files []pendingFile) error {
	for _, f := range files {
		target := filepath.Join(root, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(target, f.data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
	}
	return nil
}

// =============================================================================
// Reading a Workspace Back
// =============================================================================

// LoadWorkspace reads workspace.yaml from dir and opens every package in
// deploy order.
func LoadWorkspace(dir string) (*WorkspaceManifest, []*Project, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read workspace manifest: %w", err)
	}

	var m WorkspaceManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, nil, fmt.Errorf("failed to parse workspace manifest: %w", err)
	}

	dirs := make(map[string]string, len(m.Packages))
	for _, pkg := range m.Packages {
		dirs[pkg.Name] = pkg.Dir
	}

	projects := make([]*Project, 0, len(m.DeployOrder))
	for _, name := range m.DeployOrder {
		sub, ok := dirs[name]
		if !ok {
			return nil, nil, fmt.Errorf("workspace manifest: package %s in deploy order is not listed", name)
		}
		p, err := Open(filepath.Join(dir, filepath.FromSlash(sub)), "")
		if err != nil {
			return nil, nil, fmt.Errorf("package %s: %w", name, err)
		}
		projects = append(projects, p)
	}
	return &m, projects, nil
}
