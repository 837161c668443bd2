package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sem/internal/core"
	"sem/internal/progress"
)

// SimulationRunner runs simulations one after the other.
type SimulationRunner struct {
	Path   string
	Script string

	opts options
}

// NewSimulationRunner returns a sequential runner for script in the
// simulator tree at path.
func NewSimulationRunner(path, script string, opts ...Option) *SimulationRunner {
	return &SimulationRunner{Path: path, Script: script, opts: buildOptions(opts)}
}

// Build configures and compiles the simulator with its own build script,
// preferring ns3 over waf.
func (r *SimulationRunner) Build(ctx context.Context) error {
	if r.opts.executable != "" || r.opts.skipBuild {
		return nil
	}
	var steps [][]string
	switch {
	case isFile(filepath.Join(r.Path, "ns3")):
		steps = [][]string{
			{"./ns3", "configure", "--enable-examples", "--build-profile=optimized"},
			{"./ns3", "build"},
		}
	case isFile(filepath.Join(r.Path, "waf")):
		steps = [][]string{
			{"./waf", "configure", "--enable-examples", "--build-profile=optimized"},
			{"./waf", "build"},
		}
	default:
		return fmt.Errorf("%w in %s", ErrNoBuildSystem, r.Path)
	}

	for _, step := range steps {
		r.opts.logger.Info("building simulator", zap.String("path", r.Path), zap.Strings("cmd", step))
		exe := &Executor{Program: filepath.Join(r.Path, step[0])}
		res, err := exe.Execute(ctx, r.Path, step[1:]...)
		if err != nil {
			return fmt.Errorf("build step %q: %w", strings.Join(step, " "), err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("build step %q exited with code %d:\n%s",
				strings.Join(step, " "), res.ExitCode, lastLines(string(res.Stdout)+string(res.Stderr), 20))
		}
	}
	return nil
}

// AvailableParameters runs the script with --PrintHelp and parses the
// program options it lists.
func (r *SimulationRunner) AvailableParameters(ctx context.Context) (core.Params, error) {
	exe, err := r.executor()
	if err != nil {
		return nil, err
	}
	res, err := exe.Execute(ctx, r.workDir(), "--PrintHelp")
	if err != nil {
		return nil, fmt.Errorf("querying parameters: %w", err)
	}
	// Older ns-3 releases exit non-zero after printing help.
	params := ParseHelp(string(res.Stdout) + string(res.Stderr))
	r.opts.logger.Debug("discovered parameters",
		zap.String("script", r.Script), zap.Strings("params", params.Names()))
	return params, nil
}

// RunSimulations runs each combination in order and reports it before
// starting the next.
func (r *SimulationRunner) RunSimulations(ctx context.Context, list []core.Params, dataDir string, onResult ResultFunc) error {
	exe, err := r.executor()
	if err != nil {
		return err
	}
	for _, p := range list {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := r.runOne(ctx, exe, p, dataDir)
		if err != nil {
			return err
		}
		if err := onResult(res); err != nil {
			return err
		}
	}
	return nil
}

// runOne executes a single combination in a fresh run directory.
func (r *SimulationRunner) runOne(ctx context.Context, exe *Executor, p core.Params, dataDir string) (core.Result, error) {
	id := uuid.NewString()
	dir := core.RunDir(dataDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return core.Result{}, fmt.Errorf("creating run dir: %w", err)
	}

	if r.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.timeout)
		defer cancel()
	}

	progress.SafeRecord(r.opts.sink, progress.Event{Kind: progress.Started, ID: id, Params: p})
	r.opts.logger.Debug("starting simulation", zap.String("id", id), zap.Stringer("params", p))

	start := time.Now()
	out, err := exe.Execute(ctx, dir, p.Args()...)
	elapsed := time.Since(start)
	if err != nil {
		progress.SafeRecord(r.opts.sink, progress.Event{Kind: progress.Failed, ID: id, Params: p, ExitCode: -1})
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			r.opts.logger.Warn("removing run dir", zap.String("dir", dir), zap.Error(rmErr))
		}
		return core.Result{}, fmt.Errorf("simulation %s: %w", id, err)
	}
	if err := core.WriteOutput(dir, out.Stdout, out.Stderr); err != nil {
		return core.Result{}, fmt.Errorf("simulation %s: %w", id, err)
	}

	if out.ExitCode != 0 {
		progress.SafeRecord(r.opts.sink, progress.Event{Kind: progress.Failed, ID: id, Params: p, ExitCode: out.ExitCode})
		r.opts.logger.Warn("simulation failed",
			zap.String("id", id), zap.Int("exitcode", out.ExitCode), zap.Stringer("params", p))
		return core.Result{}, &SimulationError{
			ID:       id,
			Params:   p.Clone(),
			ExitCode: out.ExitCode,
			Stderr:   string(out.Stderr),
			Dir:      dir,
		}
	}

	progress.SafeRecord(r.opts.sink, progress.Event{Kind: progress.Finished, ID: id, Params: p})
	r.opts.logger.Debug("finished simulation", zap.String("id", id), zap.Duration("elapsed", elapsed))
	return core.Result{
		ID:     id,
		Params: p.Clone(),
		Meta: core.Meta{
			ExitCode:    0,
			Elapsed:     elapsed,
			CompletedAt: time.Now().UTC(),
		},
		Stdout: string(out.Stdout),
		Stderr: string(out.Stderr),
	}, nil
}

func (r *SimulationRunner) executor() (*Executor, error) {
	program := r.opts.executable
	if program == "" {
		var err error
		if program, err = FindExecutable(r.Path, r.Script); err != nil {
			return nil, err
		}
	}
	exe := &Executor{Program: program, Env: append([]string(nil), r.opts.env...)}
	if r.Path != "" {
		exe.Env = append(exe.Env, libraryPath(r.Path))
	}
	return exe, nil
}

func (r *SimulationRunner) workDir() string {
	if r.Path != "" {
		return r.Path
	}
	return "."
}

// FindExecutable locates the compiled binary of script under path/build.
//
// ns-3 names binaries after the script with a version prefix and a profile
// suffix (ns3.40-wifi-example-optimized); an exact name match wins over
// those, then the shortest path.
func FindExecutable(path, script string) (string, error) {
	if script == "" {
		return "", fmt.Errorf("%w: script name is empty", ErrExecutableNotFound)
	}
	base := filepath.Base(script)
	root := filepath.Join(path, "build")
	var exact, fuzzy []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Mode()&0o111 == 0 {
			return nil
		}
		name := d.Name()
		switch {
		case name == base:
			exact = append(exact, p)
		case strings.Contains(name, "-"+base+"-") || strings.HasSuffix(name, "-"+base):
			if !strings.HasSuffix(name, ".so") {
				fuzzy = append(fuzzy, p)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("searching %s: %w", root, err)
	}
	for _, candidates := range [][]string{exact, fuzzy} {
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			if len(candidates[i]) != len(candidates[j]) {
				return len(candidates[i]) < len(candidates[j])
			}
			return candidates[i] < candidates[j]
		})
		return candidates[0], nil
	}
	return "", fmt.Errorf("%w: %s under %s", ErrExecutableNotFound, script, root)
}

func libraryPath(path string) string {
	dirs := []string{filepath.Join(path, "build", "lib"), filepath.Join(path, "build")}
	if cur := os.Getenv("LD_LIBRARY_PATH"); cur != "" {
		dirs = append(dirs, cur)
	}
	return "LD_LIBRARY_PATH=" + strings.Join(dirs, string(os.PathListSeparator))
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
