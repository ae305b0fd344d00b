package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/artpar/changeplan/internal/core/deployment"
	"github.com/artpar/changeplan/internal/core/slice"
	"github.com/artpar/changeplan/internal/shell/deployer"
	"github.com/artpar/changeplan/internal/shell/project"
	"github.com/artpar/changeplan/internal/shell/store"
)

// =============================================================================
// App
// =============================================================================

// app carries what every command shares: configuration, logger and the
// metrics registry.
type app struct {
	out        io.Writer
	configPath string

	cfg    *Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *deployer.Metrics
}

func newApp(out io.Writer) *app {
	reg := prometheus.NewRegistry()
	return &app{
		out:      out,
		logger:   slog.Default(),
		registry: reg,
		metrics:  deployer.NewMetrics(reg),
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "changeplan",
		Short:         "Deploy, revert, verify and slice database change plans",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(a.configPath, cmd.Flags())
			if err != nil {
				return &configError{err: err}
			}
			a.cfg = cfg
			a.logger = SetupLogger(cfg)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "path to config file")
	pf.String("dir", "", "project directory")
	pf.String("plan", "", "plan file, relative to the project directory")
	pf.String("driver", "", "ledger database driver: sqlite, postgres or mysql")
	pf.String("dsn", "", "ledger database DSN")
	pf.String("target", "", "target name recorded in the ledger")
	pf.String("lock-mode", "", "when the target is locked: wait or fail")
	pf.Duration("change-timeout", 0, "time limit for one change; 0 means none")
	pf.Duration("lock-stale-after", 0, "sqlite: take over a target lock older than this; 0 never does")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.String("format", "", "output format: text, json or yaml")
	pf.String("metrics-textfile", "", "write Prometheus metrics to this file after the command")

	root.AddCommand(
		a.deployCmd(),
		a.revertCmd(),
		a.verifyCmd(),
		a.statusCmd(),
		a.auditCmd(),
		a.unlockCmd(),
		a.sliceCmd(),
		a.versionCmd(),
	)
	return root
}

// flushMetrics writes the metrics textfile when one is configured.
func (a *app) flushMetrics() {
	if a.cfg == nil || a.cfg.Metrics.Textfile == "" {
		return
	}
	if err := prometheus.WriteToTextfile(a.cfg.Metrics.Textfile, a.registry); err != nil {
		a.logger.Error("failed to write metrics textfile", "path", a.cfg.Metrics.Textfile, "error", err)
	}
}

func (a *app) openProject() (*project.Project, error) {
	return project.Open(a.cfg.Project.Dir, a.cfg.Project.PlanFile)
}

// withDeployer opens the ledger, runs fn and closes the ledger.
func (a *app) withDeployer(fn func(*deployer.Deployer) error) error {
	st, err := store.Open(store.Config{
		Driver:           a.cfg.Database.Driver,
		DSN:              a.cfg.Database.DSN,
		HistorySize:      a.cfg.Database.HistorySize,
		LockPollInterval: a.cfg.Database.LockPollInterval,
		LockStaleAfter:   a.cfg.Database.LockStaleAfter,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	d := deployer.New(st, deployer.Config{
		Target:        a.cfg.Target.Name,
		DeployedBy:    a.cfg.Target.DeployedBy,
		LockMode:      deployer.LockMode(strings.ToLower(a.cfg.Target.LockMode)),
		ChangeTimeout: a.cfg.Target.ChangeTimeout,
	}, a.logger, a.metrics)
	return fn(d)
}

// =============================================================================
// Run Commands
// =============================================================================

func (a *app) deployCmd() *cobra.Command {
	var to, workspace string
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy pending changes in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := deployment.Options{To: to, OneTxPerChange: a.cfg.Deploy.OneTxPerChange}

			if workspace != "" {
				_, projects, err := project.LoadWorkspace(workspace)
				if err != nil {
					return err
				}
				return a.withDeployer(func(d *deployer.Deployer) error {
					results, err := d.DeployWorkspace(cmd.Context(), projects, opts)
					if rerr := a.render(results, func(w io.Writer) {
						for _, r := range results {
							writeResult(w, r)
						}
					}); rerr != nil {
						return rerr
					}
					return err
				})
			}

			proj, err := a.openProject()
			if err != nil {
				return err
			}
			return a.withDeployer(func(d *deployer.Deployer) error {
				res, err := d.Deploy(cmd.Context(), proj, opts)
				if rerr := a.render(res, func(w io.Writer) { writeResult(w, res) }); rerr != nil {
					return rerr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "stop after this change or @tag")
	cmd.Flags().StringVar(&workspace, "workspace", "", "deploy every package of a sliced workspace directory, in deploy order")
	cmd.Flags().Bool("one-tx-per-change", true, "commit each change on its own; false makes the run all-or-nothing")
	return cmd
}

func (a *app) revertCmd() *cobra.Command {
	var to, workspace string
	cmd := &cobra.Command{
		Use:   "revert",
		Short: "Revert deployed changes in reverse dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := deployment.Options{To: to, OneTxPerChange: a.cfg.Deploy.OneTxPerChange}

			if workspace != "" {
				_, projects, err := project.LoadWorkspace(workspace)
				if err != nil {
					return err
				}
				return a.withDeployer(func(d *deployer.Deployer) error {
					results, err := d.RevertWorkspace(cmd.Context(), projects, opts)
					if rerr := a.render(results, func(w io.Writer) {
						for _, r := range results {
							writeResult(w, r)
						}
					}); rerr != nil {
						return rerr
					}
					return err
				})
			}

			proj, err := a.openProject()
			if err != nil {
				return err
			}
			return a.withDeployer(func(d *deployer.Deployer) error {
				res, err := d.Revert(cmd.Context(), proj, opts)
				if rerr := a.render(res, func(w io.Writer) { writeResult(w, res) }); rerr != nil {
					return rerr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "keep this change and everything before it deployed")
	cmd.Flags().StringVar(&workspace, "workspace", "", "revert every package of a sliced workspace directory, dependents first")
	cmd.Flags().Bool("one-tx-per-change", true, "commit each change on its own; false makes the run all-or-nothing")
	return cmd
}

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Run verify scripts of deployed changes without committing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := a.openProject()
			if err != nil {
				return err
			}
			return a.withDeployer(func(d *deployer.Deployer) error {
				report, err := d.Verify(cmd.Context(), proj)
				if rerr := a.render(report, func(w io.Writer) { writeVerify(w, report) }); rerr != nil {
					return rerr
				}
				if err != nil {
					return err
				}
				return report.Err()
			})
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the ledger state of every change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := a.openProject()
			if err != nil {
				return err
			}
			return a.withDeployer(func(d *deployer.Deployer) error {
				report, err := d.Status(cmd.Context(), proj)
				if err != nil {
					return err
				}
				return a.render(report, func(w io.Writer) { writeStatus(w, report) })
			})
		},
	}
}

func (a *app) auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "List changes with missing deploy, revert or verify scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := a.openProject()
			if err != nil {
				return err
			}
			report := proj.Audit()
			if err := a.render(report, func(w io.Writer) { writeAudit(w, report) }); err != nil {
				return err
			}
			return report.Err()
		},
	}
}

func (a *app) unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Remove a target lock left behind by a run that died",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDeployer(func(d *deployer.Deployer) error {
				removed, err := d.Unlock(cmd.Context())
				if err != nil {
					return err
				}
				out := unlockOutput{Target: a.cfg.Target.Name, Removed: removed}
				return a.render(out, func(w io.Writer) {
					if removed {
						fmt.Fprintf(w, "removed lock on %s\n", out.Target)
					} else {
						fmt.Fprintf(w, "%s is not locked\n", out.Target)
					}
				})
			})
		},
	}
}

// unlockOutput is what the unlock command prints.
type unlockOutput struct {
	Target  string `json:"target" yaml:"target"`
	Removed bool   `json:"removed" yaml:"removed"`
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.out, "changeplan %s (built %s)\n", Version, BuildTime)
		},
	}
}

// =============================================================================
// Slice Command
// =============================================================================

// sliceOutput is what the slice command prints.
type sliceOutput struct {
	Workspace    *slice.Workspace           `json:"workspace" yaml:"workspace"`
	Materialized *project.MaterializeReport `json:"materialized,omitempty" yaml:"materialized,omitempty"`
}

func (a *app) sliceCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "slice",
		Short: "Split the plan into interdependent packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := a.openProject()
			if err != nil {
				return err
			}

			opts, err := a.sliceOptions()
			if err != nil {
				return err
			}

			ws, err := slice.Slice(proj.Plan, opts)
			if err != nil {
				return err
			}
			for _, w := range ws.Warnings {
				a.logger.Warn(w.Message, "kind", w.Kind, "package", w.Package, "change", w.Change)
			}

			out := sliceOutput{Workspace: ws}
			if a.cfg.Slice.OutputDir != "" || dryRun {
				out.Materialized, err = project.Materialize(cmd.Context(), ws, proj.FS(), project.MaterializeOptions{
					OutputDir:   a.cfg.Slice.OutputDir,
					DryRun:      dryRun,
					Concurrency: a.cfg.Slice.Concurrency,
				})
				if err != nil {
					return err
				}
				a.logger.Info("workspace materialized", "output", a.cfg.Slice.OutputDir, "files", len(out.Materialized.Files), "dry_run", dryRun)
			}

			return a.render(out, func(w io.Writer) { writeSlice(w, out) })
		},
	}

	f := cmd.Flags()
	f.String("strategy", "", "folder, explicit or pattern")
	f.Int("depth", 0, "folder strategy: path segments that name a package")
	f.String("prefix", "", "folder strategy: prefix stripped before taking segments")
	f.String("patterns", "", "pattern strategy: JSON or YAML slice file")
	f.String("mapping", "", "explicit strategy: JSON or YAML change to package map")
	f.String("default-package", "", "package for unmatched changes")
	f.Int("min-changes", 0, "merge packages with fewer changes into their main dependency")
	f.Bool("use-tags", false, "reference other packages by tag where possible")
	f.Float64("max-cross-ratio", 0, "warn above this cross-package dependency ratio")
	f.String("output", "", "write the workspace to this directory")
	f.BoolVar(&dryRun, "dry-run", false, "report the files without writing them")
	return cmd
}

func (a *app) sliceOptions() (slice.Options, error) {
	sc := a.cfg.Slice
	opts := slice.Options{
		DefaultPackage:             sc.DefaultPackage,
		MinChangesPerPackage:       sc.MinChangesPerPackage,
		UseTagsForCrossPackageDeps: sc.UseTags,
		MaxCrossPackageRatio:       sc.MaxCrossPackageRatio,
	}

	switch slice.StrategyKind(strings.ToLower(sc.Strategy)) {
	case slice.StrategyFolder:
		opts.Strategy = slice.FolderStrategy(sc.Depth, sc.Prefix)
	case slice.StrategyExplicit:
		mapping, err := loadMapping(sc.MappingFile)
		if err != nil {
			return opts, err
		}
		opts.Strategy = slice.ExplicitStrategy(mapping)
	case slice.StrategyPattern:
		if sc.PatternsFile == "" {
			return opts, &configError{err: fmt.Errorf("pattern strategy needs --patterns")}
		}
		s, err := project.LoadPatternStrategy(sc.PatternsFile)
		if err != nil {
			return opts, err
		}
		opts.Strategy = s
	default:
		return opts, &configError{err: fmt.Errorf("unknown slice strategy %q", sc.Strategy)}
	}
	return opts, nil
}

// loadMapping reads an explicit change to package map. YAML is a superset
// of JSON, so one decoder reads both.
func loadMapping(file string) (map[string]string, error) {
	if file == "" {
		return nil, &configError{err: fmt.Errorf("explicit strategy needs --mapping")}
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}
	var mapping map[string]string
	if err := yaml.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(file), err)
	}
	return mapping, nil
}

// =============================================================================
// Output
// =============================================================================

// render prints v in the configured format; text uses the given writer.
func (a *app) render(v any, text func(io.Writer)) error {
	switch strings.ToLower(a.cfg.Output.Format) {
	case "json":
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(a.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(a.out)
		return nil
	}
}

func writeResult(w io.Writer, r *deployment.Result) {
	if r == nil {
		return
	}
	mark := "+"
	if r.Operation == deployment.OpRevert {
		mark = "-"
	}
	fmt.Fprintf(w, "%s %s on %s: %d change(s) (run %s)\n", r.Operation, r.Project, r.Target, len(r.Changes), r.RunID)
	for _, c := range r.Changes {
		fmt.Fprintf(w, "  %s %s\n", mark, c)
	}
}

func writeVerify(w io.Writer, r *deployment.VerifyReport) {
	fmt.Fprintf(w, "verify %s on %s: %d passed, %d failed, %d skipped, %d drifted\n",
		r.Project, r.Target, r.Passed, r.Failed, r.Skipped, r.Drifted)
	for _, res := range r.Results {
		line := fmt.Sprintf("  %-7s %s", res.Status, res.Change)
		if res.Drifted {
			line += " (drifted)"
		}
		if res.Status == deployment.VerifyFailed && res.Message != "" {
			line += ": " + res.Message
		}
		fmt.Fprintln(w, line)
	}
	for _, name := range r.Orphaned {
		fmt.Fprintf(w, "  orphan  %s\n", name)
	}
}

func writeStatus(w io.Writer, r *deployment.StatusReport) {
	fmt.Fprintf(w, "%s on %s: %d change(s), %d pending\n", r.Project, r.Target, len(r.Changes), len(r.Pending))
	for _, cs := range r.Changes {
		if cs.Record != nil {
			fmt.Fprintf(w, "  [x] %s  %s by %s\n", cs.Change, cs.Record.DeployedAt.Format("2006-01-02 15:04:05"), cs.Record.DeployedBy)
			continue
		}
		fmt.Fprintf(w, "  [ ] %s\n", cs.Change)
	}
	for _, name := range r.Orphaned {
		fmt.Fprintf(w, "  [?] %s  not in plan\n", name)
	}
}

func writeAudit(w io.Writer, r project.AuditReport) {
	section := func(title string, names []string) {
		if len(names) == 0 {
			return
		}
		fmt.Fprintf(w, "%s:\n", title)
		for _, n := range names {
			fmt.Fprintf(w, "  %s\n", n)
		}
	}
	section("missing deploy script", r.MissingDeploy)
	section("irreversible (no revert script)", r.Irreversible)
	section("unverifiable (no verify script)", r.Unverifiable)
	if len(r.MissingDeploy)+len(r.Irreversible)+len(r.Unverifiable) == 0 {
		fmt.Fprintln(w, "every change has deploy, revert and verify scripts")
	}
}

func writeSlice(w io.Writer, out sliceOutput) {
	ws := out.Workspace
	fmt.Fprintf(w, "%d change(s) in %d package(s), cross-package ratio %.2f\n",
		ws.Stats.TotalChanges, ws.Stats.PackagesCreated, ws.Stats.CrossPackageRatio)
	for _, pkg := range ws.Packages {
		fmt.Fprintf(w, "  %s: %d change(s)", pkg.Name, len(pkg.Changes))
		if len(pkg.Dependencies) > 0 {
			fmt.Fprintf(w, ", depends on %v", pkg.Dependencies)
		}
		fmt.Fprintln(w)
	}
	for _, warn := range ws.Warnings {
		fmt.Fprintf(w, "  warning [%s] %s\n", warn.Kind, warn.Message)
	}
	if m := out.Materialized; m != nil {
		verb := "wrote"
		if m.DryRun {
			verb = "would write"
		}
		fmt.Fprintf(w, "%s %d file(s) to %s\n", verb, len(m.Files), m.OutputDir)
		for _, f := range m.Files {
			fmt.Fprintf(w, "  %s\n", f.Path)
		}
	}
}
