// Package campaign manages simulation campaigns: it creates or loads the
// campaign database, works out which runs a parameter space still needs,
// dispatches them to a runner and reads the results back as arrays.
package campaign

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"sem/internal/core"
	"sem/internal/database"
	"sem/internal/progress"
	"sem/internal/runner"
)

// Manager drives one campaign.
type Manager struct {
	db     *database.DB
	runner runner.Runner
	opts   options
	sink   *batchSink
}

type options struct {
	kind         runner.Kind
	runnerOpts   []runner.Option
	logger       *zap.Logger
	sink         progress.Sink
	progressOut  io.Writer
	lineProgress bool
	requireClean bool
	allowNoGit   bool
	overwrite    bool
	skipBuild    bool
	rand         *rand.Rand
}

// Option configures a Manager.
type Option func(*options)

// WithRunner selects the runner implementation.
func WithRunner(kind runner.Kind) Option {
	return func(o *options) { o.kind = kind }
}

// WithRunnerOptions passes options through to the runner.
func WithRunnerOptions(opts ...runner.Option) Option {
	return func(o *options) { o.runnerOpts = append(o.runnerOpts, opts...) }
}

// WithLogger sets the logger for the manager, its database and its runner.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSink reports every run lifecycle event to s.
func WithSink(s progress.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithProgress draws a progress bar on w while simulations run. In line
// mode every update is printed on its own line.
func WithProgress(w io.Writer, lineMode bool) Option {
	return func(o *options) {
		o.progressOut = w
		o.lineProgress = lineMode
	}
}

// WithRequireCleanRepo refuses to create a campaign from, or run
// simulations on, a simulator tree with uncommitted changes or a HEAD other
// than the campaign's commit.
func WithRequireCleanRepo() Option {
	return func(o *options) { o.requireClean = true }
}

// WithAllowNoGit accepts a simulator tree that is not a git repository; the
// campaign commit is left empty.
func WithAllowNoGit() Option {
	return func(o *options) { o.allowNoGit = true }
}

// WithOverwrite replaces an existing campaign in the target directory.
func WithOverwrite() Option {
	return func(o *options) { o.overwrite = true }
}

// WithSkipBuild does not build the simulator before use.
func WithSkipBuild() Option {
	return func(o *options) { o.skipBuild = true }
}

// WithRand sets the source used to shuffle batches.
func WithRand(r *rand.Rand) Option {
	return func(o *options) { o.rand = r }
}

func buildOptions(opts []Option) options {
	o := options{
		kind:   runner.KindSimulation,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rand == nil {
		o.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return o
}

// New creates a campaign for script inside the simulator tree at path and
// stores it in dir.
//
// The simulator is built, the script is asked for the parameters it accepts
// and the commit checked out in path is recorded.
func New(ctx context.Context, path, script, dir string, opts ...Option) (*Manager, error) {
	o := buildOptions(opts)
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving simulator path: %w", err)
	}

	m := &Manager{opts: o, sink: &batchSink{}}
	if m.runner, err = m.newRunner(abs, script); err != nil {
		return nil, err
	}
	if !o.skipBuild {
		if err := m.runner.Build(ctx); err != nil {
			return nil, fmt.Errorf("building simulator: %w", err)
		}
	}

	commit, err := m.checkRepo(ctx, abs, "")
	if err != nil {
		return nil, err
	}
	params, err := m.runner.AvailableParameters(ctx)
	if err != nil {
		return nil, err
	}

	cfg := core.CampaignConfig{
		Script: script,
		Path:   abs,
		Params: params,
		Commit: commit,
	}
	if m.db, err = database.New(ctx, cfg, dir, o.overwrite, database.WithLogger(o.logger)); err != nil {
		return nil, err
	}
	return m, nil
}

// Load opens the campaign stored in dir and rebuilds its runner from the
// stored simulator path and script.
func Load(ctx context.Context, dir string, opts ...Option) (*Manager, error) {
	o := buildOptions(opts)
	db, err := database.Load(ctx, dir, database.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	m := &Manager{db: db, opts: o, sink: &batchSink{}}
	if m.runner, err = m.newRunner(db.Path(), db.Script()); err != nil {
		db.Close()
		return nil, err
	}
	if !o.skipBuild {
		if err := m.runner.Build(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("building simulator: %w", err)
		}
	}
	return m, nil
}

func (m *Manager) newRunner(path, script string) (runner.Runner, error) {
	opts := append([]runner.Option{
		runner.WithLogger(m.opts.logger),
		runner.WithSink(m.sink),
	}, m.opts.runnerOpts...)
	return runner.New(m.opts.kind, path, script, opts...)
}

// checkRepo returns the commit checked out in path. When want is set and
// clean repositories are required, HEAD must equal it.
func (m *Manager) checkRepo(ctx context.Context, path, want string) (string, error) {
	commit, err := headCommit(ctx, path)
	if err != nil {
		if m.opts.allowNoGit && !m.opts.requireClean {
			m.opts.logger.Warn("simulator is not under git, commit not recorded",
				zap.String("path", path), zap.Error(err))
			return "", nil
		}
		return "", err
	}
	if !m.opts.requireClean {
		return commit, nil
	}
	dirty, err := isDirty(ctx, path)
	if err != nil {
		return "", err
	}
	if dirty {
		return "", fmt.Errorf("%w: %s", ErrDirtyRepo, path)
	}
	if want != "" && commit != want {
		return "", fmt.Errorf("%w: HEAD is %s, campaign was created at %s", ErrCommitMismatch, commit, want)
	}
	return commit, nil
}

// DB returns the campaign database.
func (m *Manager) DB() *database.DB { return m.db }

// Runner returns the runner simulations are dispatched to.
func (m *Manager) Runner() runner.Runner { return m.runner }

// Close closes the campaign database.
func (m *Manager) Close() error { return m.db.Close() }

func (m *Manager) String() string {
	return fmt.Sprintf("--- Campaign info ---\n%s\n---------------------", m.db)
}

// batchSink forwards events to whatever sink the running batch installed.
// The runner is built once, while bars are created per batch.
type batchSink struct {
	mu     sync.Mutex
	target progress.Sink
}

func (s *batchSink) set(target progress.Sink) {
	s.mu.Lock()
	s.target = target
	s.mu.Unlock()
}

func (s *batchSink) Record(event progress.Event) {
	s.mu.Lock()
	target := s.target
	s.mu.Unlock()
	progress.SafeRecord(target, event)
}
