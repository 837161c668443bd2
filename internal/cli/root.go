// Package cli implements the sem command line: it creates and loads
// campaigns, runs simulations over parameter spaces and inspects, exports
// and uploads their results.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sem/internal/campaign"
	"sem/internal/config"
	"sem/internal/database"
	"sem/internal/runner"
)

// app carries what every command needs once flags are parsed.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	verbose    bool
	resultsDir string

	cfg *config.Config
	log *zap.Logger
}

// Execute runs the sem command with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return ExitCode(err)
}

// NewRootCommand builds the sem command tree writing to stdout and stderr.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr, log: zap.NewNop()}

	root := &cobra.Command{
		Use:   "sem",
		Short: "sem - Simulation Execution Manager",
		Long: `sem runs campaigns of ns-3 simulations.

A campaign is one simulation script studied over a parameter space. sem keeps
every run's parameters and output in a results directory, runs only the
combinations that are still missing, and exports the results for analysis.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.log.Sync()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return invalidInvocationf("unknown command %q for %q", args[0], cmd.CommandPath())
			}
			return cmd.Help()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultFile, "Defaults file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVarP(&a.resultsDir, "results-dir", "d", "", "Campaign directory (default from config, else ./results)")

	root.AddCommand(
		a.newCmd(),
		a.runCmd(),
		a.viewCmd(),
		a.missingCmd(),
		a.resultsCmd(),
		a.exportCmd(),
		a.pushCmd(),
		a.wipeCmd(),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return configErrorf("%v", err)
	}
	if err := cfg.Validate(); err != nil {
		return configErrorf("%s: %v", a.configPath, err)
	}
	a.cfg = cfg
	if a.resultsDir == "" {
		a.resultsDir = cfg.ResultsDir
	}
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}
	if a.resultsDir, err = resolvePath(wd, a.resultsDir); err != nil {
		return err
	}
	a.log, err = newLogger(cfg.Logging, a.verbose, a.stderr)
	return err
}

func newLogger(cfg config.LoggingConfig, verbose bool, w io.Writer) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, configErrorf("invalid log level: %v", err)
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	var enc zapcore.Encoder
	switch cfg.Format {
	case "console":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	default:
		enc = zapcore.NewJSONEncoder(zc.EncoderConfig)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), zc.Level)), nil
}

// campaignFlags are the flags that shape how a campaign is created or
// loaded.
type campaignFlags struct {
	ns3Path      string
	script       string
	executable   string
	runner       string
	parallel     bool
	workers      int
	timeout      string
	skipBuild    bool
	allowNoGit   bool
	requireClean bool
	overwrite    bool
	progress     string
	env          []string
}

func (f *campaignFlags) register(cmd *cobra.Command, creating bool) {
	fl := cmd.Flags()
	fl.StringVar(&f.ns3Path, "ns-3-path", "", "Path to the ns-3 tree")
	fl.StringVar(&f.script, "script", "", "Simulation script to run")
	fl.StringVar(&f.executable, "executable", "", "Run this program instead of the script's ns-3 build (skips building)")
	fl.StringVar(&f.runner, "runner", "", "Runner: SimulationRunner or ParallelRunner")
	fl.BoolVar(&f.parallel, "parallel", false, "Shorthand for --runner=ParallelRunner")
	fl.IntVar(&f.workers, "workers", 0, "Concurrent simulations for ParallelRunner (default: CPU count)")
	fl.StringVar(&f.timeout, "timeout", "", "Per-simulation time limit, e.g. 10m")
	fl.BoolVar(&f.skipBuild, "skip-build", false, "Assume ns-3 is already built")
	fl.BoolVar(&f.allowNoGit, "allow-no-git", false, "Accept an ns-3 tree that is not a git repository")
	fl.BoolVar(&f.requireClean, "require-clean", false, "Refuse to run on a dirty or moved ns-3 tree")
	if creating {
		fl.BoolVar(&f.overwrite, "overwrite", false, "Replace an existing campaign")
	}
	fl.StringVar(&f.progress, "progress", "bar", "Progress display: bar, lines or none")
	fl.StringArrayVar(&f.env, "env", nil, "Extra KEY=VALUE environment entry for every simulation")
}

// options merges flags over the config into campaign options.
func (a *app) options(f *campaignFlags) ([]campaign.Option, error) {
	kind := a.cfg.Runner
	if f.runner != "" {
		kind = runner.Kind(f.runner)
	}
	if f.parallel {
		kind = runner.KindParallel
	}
	if kind != runner.KindSimulation && kind != runner.KindParallel {
		return nil, invalidInvocationf("invalid --runner %q (expected %s or %s)", kind, runner.KindSimulation, runner.KindParallel)
	}

	var ropts []runner.Option
	workers := a.cfg.Workers
	if f.workers != 0 {
		workers = f.workers
	}
	if workers < 0 {
		return nil, invalidInvocationf("--workers must not be negative")
	}
	if workers > 0 {
		ropts = append(ropts, runner.WithWorkers(workers))
	}
	timeout := a.cfg.GetTimeout()
	if f.timeout != "" {
		d, err := time.ParseDuration(f.timeout)
		if err != nil {
			return nil, invalidInvocationf("invalid --timeout %q: %v", f.timeout, err)
		}
		timeout = d
	}
	if timeout > 0 {
		ropts = append(ropts, runner.WithTimeout(timeout))
	}
	exe := a.cfg.Executable
	if f.executable != "" {
		exe = f.executable
	}
	if exe != "" {
		ropts = append(ropts, runner.WithExecutable(exe))
	}
	for _, kv := range f.env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return nil, invalidInvocationf("invalid --env %q (expected KEY=VALUE)", kv)
		}
	}
	if len(f.env) > 0 {
		ropts = append(ropts, runner.WithEnv(f.env...))
	}

	opts := []campaign.Option{
		campaign.WithLogger(a.log),
		campaign.WithRunner(kind),
		campaign.WithRunnerOptions(ropts...),
	}
	if f.skipBuild {
		opts = append(opts, campaign.WithSkipBuild())
	}
	if f.allowNoGit || a.cfg.AllowNoGit {
		opts = append(opts, campaign.WithAllowNoGit())
	}
	if f.requireClean || a.cfg.RequireCleanRepo {
		opts = append(opts, campaign.WithRequireCleanRepo())
	}
	if f.overwrite {
		opts = append(opts, campaign.WithOverwrite())
	}
	switch f.progress {
	case "bar":
		opts = append(opts, campaign.WithProgress(a.stderr, false))
	case "lines":
		opts = append(opts, campaign.WithProgress(a.stderr, true))
	case "none":
	default:
		return nil, invalidInvocationf("invalid --progress %q (expected bar, lines or none)", f.progress)
	}
	return opts, nil
}

// openCampaign loads the campaign in the results dir. When there is none and
// create is set, it is created from --ns-3-path and --script.
func (a *app) openCampaign(ctx context.Context, f *campaignFlags, create bool) (*campaign.Manager, error) {
	opts, err := a.options(f)
	if err != nil {
		return nil, err
	}
	m, err := campaign.Load(ctx, a.resultsDir, opts...)
	if err == nil || !create || !isNoCampaign(err) {
		return m, err
	}
	return a.createCampaign(ctx, f, opts)
}

func (a *app) createCampaign(ctx context.Context, f *campaignFlags, opts []campaign.Option) (*campaign.Manager, error) {
	ns3Path := f.ns3Path
	if ns3Path == "" {
		ns3Path = a.cfg.NS3Path
	}
	script := f.script
	if script == "" {
		script = a.cfg.Script
	}
	if ns3Path == "" || script == "" {
		return nil, invalidInvocationf("no campaign in %s: --ns-3-path and --script are required to create one", a.resultsDir)
	}
	return campaign.New(ctx, ns3Path, script, a.resultsDir, opts...)
}

func isNoCampaign(err error) bool {
	return errors.Is(err, database.ErrNoCampaign)
}
