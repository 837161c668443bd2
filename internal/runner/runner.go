// Package runner executes simulations: it builds the simulator, discovers
// the parameters a script accepts, and runs batches of parameter
// combinations either one at a time or on a pool of workers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"sem/internal/core"
	"sem/internal/progress"
)

// Kind names a runner implementation.
type Kind string

const (
	KindSimulation Kind = "SimulationRunner"
	KindParallel   Kind = "ParallelRunner"
)

var (
	ErrUnknownRunner      = errors.New("unknown runner")
	ErrExecutableNotFound = errors.New("simulation executable not found")
	ErrNoBuildSystem      = errors.New("no ns3 or waf build script found")
)

// ResultFunc receives each completed run. Runners call it from a single
// goroutine, one result at a time; a non-nil error stops the batch.
type ResultFunc func(core.Result) error

// Runner executes simulations of one script.
type Runner interface {
	// Build configures and compiles the simulator.
	Build(ctx context.Context) error

	// AvailableParameters returns every parameter the script accepts with
	// its default value.
	AvailableParameters(ctx context.Context) (core.Params, error)

	// RunSimulations runs every combination in list, each in its own
	// directory under dataDir, and hands completed runs to onResult.
	RunSimulations(ctx context.Context, list []core.Params, dataDir string, onResult ResultFunc) error
}

// SimulationError reports a run that exited non-zero.
type SimulationError struct {
	ID       string
	Params   core.Params
	ExitCode int
	Stderr   string
	Dir      string
}

func (e *SimulationError) Error() string {
	msg := fmt.Sprintf("simulation %s exited with code %d (params: %s; output in %s)",
		e.ID, e.ExitCode, e.Params, e.Dir)
	if tail := lastLines(e.Stderr, 5); tail != "" {
		msg += ":\n" + tail
	}
	return msg
}

type options struct {
	executable string
	skipBuild  bool
	workers    int
	timeout    time.Duration
	env        []string
	logger     *zap.Logger
	sink       progress.Sink
}

// Option configures a runner.
type Option func(*options)

// WithExecutable runs the given program instead of locating the script's
// binary in the simulator build tree. Building is skipped.
func WithExecutable(path string) Option {
	return func(o *options) { o.executable = path }
}

// WithSkipBuild assumes the simulator is already built.
func WithSkipBuild() Option {
	return func(o *options) { o.skipBuild = true }
}

// WithWorkers bounds the number of concurrent runs of a ParallelRunner.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithTimeout limits the duration of each single run.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithEnv adds KEY=VALUE entries to the environment of every run.
func WithEnv(env ...string) Option {
	return func(o *options) { o.env = append(o.env, env...) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSink reports run lifecycle events to s.
func WithSink(s progress.Sink) Option {
	return func(o *options) { o.sink = s }
}

func buildOptions(opts []Option) options {
	o := options{
		workers: runtime.NumCPU(),
		logger:  zap.NewNop(),
		sink:    progress.NopSink{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers <= 0 {
		o.workers = 1
	}
	return o
}

// New returns the runner of the given kind for script inside the simulator
// at path.
func New(kind Kind, path, script string, opts ...Option) (Runner, error) {
	switch kind {
	case KindSimulation, "":
		return NewSimulationRunner(path, script, opts...), nil
	case KindParallel:
		return NewParallelRunner(path, script, opts...), nil
	default:
		return nil, fmt.Errorf("%w %q (expected %s or %s)", ErrUnknownRunner, kind, KindSimulation, KindParallel)
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
