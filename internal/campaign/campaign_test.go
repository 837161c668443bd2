package campaign

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sem/internal/core"
	"sem/internal/database"
	"sem/internal/progress"
	"sem/internal/results"
	"sem/internal/runner"
	"sem/internal/simtest"
)

type fixture struct {
	exe  string
	path string
	dir  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	return fixture{
		exe:  simtest.Write(t, t.TempDir()),
		path: t.TempDir(),
		dir:  filepath.Join(t.TempDir(), "campaign"),
	}
}

func (f fixture) opts(extra ...Option) []Option {
	return append([]Option{
		WithAllowNoGit(),
		WithRunnerOptions(runner.WithExecutable(f.exe)),
		WithRand(rand.New(rand.NewSource(1))),
	}, extra...)
}

func (f fixture) create(t *testing.T, extra ...Option) *Manager {
	t.Helper()
	m, err := New(context.Background(), f.path, "fake-sim", f.dir, f.opts(extra...)...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func metric(t *testing.T) results.Parser {
	t.Helper()
	p, err := results.RegexParser(`metric (\S+)`)
	require.NoError(t, err)
	return p
}

func rngRuns(t *testing.T, rs []core.Result) []int64 {
	t.Helper()
	var out []int64
	for _, r := range rs {
		n, ok := r.Params.RngRun()
		require.True(t, ok)
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestNew_DiscoversParameters(t *testing.T) {
	f := newFixture(t)
	m := f.create(t)

	cfg := m.DB().Config()
	assert.Equal(t, "fake-sim", cfg.Script)
	assert.Equal(t, f.path, cfg.Path)
	assert.Empty(t, cfg.Commit)
	assert.Equal(t, core.Params(simtest.Defaults), cfg.Params)
	assert.FileExists(t, filepath.Join(f.dir, database.FileName))

	assert.Contains(t, m.String(), "script: fake-sim")
	assert.Contains(t, m.String(), "results: 0")
}

func TestNew_RefusesExistingCampaign(t *testing.T) {
	f := newFixture(t)
	f.create(t).Close()

	_, err := New(context.Background(), f.path, "fake-sim", f.dir, f.opts()...)
	require.ErrorIs(t, err, database.ErrCampaignExists)

	m, err := New(context.Background(), f.path, "fake-sim", f.dir, f.opts(WithOverwrite())...)
	require.NoError(t, err)
	m.Close()
}

func TestRunSimulations_StoresResults(t *testing.T) {
	f := newFixture(t)
	rec := progress.NewRecorder()
	var bar bytes.Buffer
	m := f.create(t, WithSink(rec), WithProgress(&bar, true))
	ctx := context.Background()

	list := []core.Params{{"nodes": 1}, {"nodes": 2, "mode": "tcp"}, {"nodes": 3}}
	require.NoError(t, m.RunSimulations(ctx, list))

	all, err := m.DB().Results(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{0, 1, 2}, rngRuns(t, all))
	for _, r := range all {
		assert.Equal(t, int64(0), r.Params["fail"], "defaults fill unset parameters")
	}

	tcp, err := m.DB().CompleteResults(ctx, core.Query{"mode": {"tcp"}})
	require.NoError(t, err)
	require.Len(t, tcp, 1)
	assert.Contains(t, tcp[0].Stdout, "--nodes=2")
	assert.Contains(t, tcp[0].Stdout, "--RngRun=1")

	assert.Equal(t, 3, rec.Count(progress.Started))
	assert.Equal(t, 3, rec.Count(progress.Finished))
	assert.Contains(t, bar.String(), "3/3 simulation")

	require.NoError(t, m.RunSimulations(ctx, []core.Params{{"nodes": 1}}))
	all, err = m.DB().Results(ctx, core.Query{"nodes": {1}})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 3}, rngRuns(t, all), "RngRun continues past stored runs")
}

func TestRunSimulations_RejectsUnknownParameter(t *testing.T) {
	m := newFixture(t).create(t)
	err := m.RunSimulations(context.Background(), []core.Params{{"nodez": 1}})
	require.ErrorIs(t, err, database.ErrUnknownParam)
	assert.Contains(t, err.Error(), "nodez")
}

func TestRunSimulations_FailureIsNotStored(t *testing.T) {
	m := newFixture(t).create(t)
	ctx := context.Background()

	err := m.RunSimulations(ctx, []core.Params{{"fail": 1}})
	var simErr *runner.SimulationError
	require.ErrorAs(t, err, &simErr)
	assert.Equal(t, 3, simErr.ExitCode)

	n, err := m.DB().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMissingSimulations(t *testing.T) {
	m := newFixture(t).create(t)
	ctx := context.Background()
	space := core.Space{{Name: "nodes", Values: []any{1, 2}}}

	missing, err := m.MissingSimulations(ctx, space.Combinations(), 2)
	require.NoError(t, err)
	assert.Len(t, missing, 4)
	missing[0]["nodes"] = 99
	assert.Equal(t, 1, missing[1]["nodes"], "copies are independent")

	require.NoError(t, m.RunMissingSimulations(ctx, space, 2))
	missing, err = m.MissingSimulations(ctx, space.Combinations(), 2)
	require.NoError(t, err)
	assert.Empty(t, missing)

	missing, err = m.MissingSimulations(ctx, space.Combinations(), 3)
	require.NoError(t, err)
	assert.Len(t, missing, 2)

	require.NoError(t, m.RunMissingSimulations(ctx, space, 3))
	n, err := m.DB().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	require.NoError(t, m.RunMissingSimulations(ctx, space, 1), "already satisfied")
	n, err = m.DB().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestParallelCampaign(t *testing.T) {
	f := newFixture(t)
	m := f.create(t,
		WithRunner(runner.KindParallel),
		WithRunnerOptions(runner.WithWorkers(3)))
	ctx := context.Background()
	require.IsType(t, &runner.ParallelRunner{}, m.Runner())

	space := core.Space{{Name: "nodes", Values: []any{1, 2, 3}}}
	require.NoError(t, m.RunMissingSimulations(ctx, space, 2))

	all, err := m.DB().Results(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5}, rngRuns(t, all))
}

func TestResultsAsArrays(t *testing.T) {
	m := newFixture(t).create(t)
	ctx := context.Background()
	space := core.Space{
		{Name: "nodes", Values: []any{1, 2}},
		{Name: "mode", Values: []any{"udp"}},
		{Name: "value", Values: []any{1.5, 2.5, 4.0}},
	}
	require.NoError(t, m.RunMissingSimulations(ctx, space, 2))

	labeled, err := m.ResultsAsLabeledArray(ctx, space, metric(t), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"nodes", "value", results.RunsDim}, labeled.Dims)
	assert.Equal(t, []int{2, 3, 2}, labeled.Shape)
	assert.Equal(t, []any{1.5, 2.5, 4.0}, labeled.Coords["value"])
	assert.Equal(t, 2.5, labeled.At(1, 1, 0))
	assert.Equal(t, 4.0, labeled.At(0, 2, 1))

	plain, err := m.ResultsAsArray(ctx, space, metric(t), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 2}, plain.Shape)

	averaged, err := m.ResultsAsLabeledArray(ctx, space, metric(t), results.MeanOverRuns)
	require.NoError(t, err)
	assert.Equal(t, []string{"nodes", "value"}, averaged.Dims)
	assert.Equal(t, 1.5, averaged.At(1, 0))

	one := core.Space{{Name: "nodes", Values: []any{2}}, {Name: "value", Values: []any{4.0}}}
	single, err := m.ResultsAsLabeledArray(ctx, one, metric(t), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{results.RunsDim}, single.Dims, "runs stay labeled")
	squeezed, err := m.ResultsAsArray(ctx, one, metric(t), results.MeanOverRuns)
	require.NoError(t, err)
	assert.Equal(t, 4.0, squeezed.Values())

	sub, err := m.Space(ctx, core.Query{"value": {2.5}}, core.Space{{Name: "nodes", Values: []any{1, 2}}}, metric(t), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, sub.Shape)
}

func TestResultsAsArray_Ragged(t *testing.T) {
	m := newFixture(t).create(t)
	ctx := context.Background()
	require.NoError(t, m.RunSimulations(ctx, []core.Params{{"nodes": 1}, {"nodes": 1}, {"nodes": 2}}))

	_, err := m.ResultsAsArray(ctx, core.Space{{Name: "nodes", Values: []any{1, 2}}}, metric(t), nil)
	require.ErrorIs(t, err, results.ErrRagged)
}

func TestLoad_RestoresCampaign(t *testing.T) {
	f := newFixture(t)
	m := f.create(t)
	ctx := context.Background()
	require.NoError(t, m.RunSimulations(ctx, []core.Params{{"nodes": 4}}))
	require.NoError(t, m.Close())

	loaded, err := Load(ctx, f.dir, f.opts()...)
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, "fake-sim", loaded.DB().Script())
	assert.Contains(t, loaded.String(), "results: 1")

	require.NoError(t, loaded.RunSimulations(ctx, []core.Params{{"nodes": 5}}))
	n, err := loaded.DB().NextRngRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = Load(ctx, t.TempDir(), f.opts()...)
	require.ErrorIs(t, err, database.ErrNoCampaign)
}

func gitRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q"},
		{"-c", "user.email=sem@example.com", "-c", "user.name=sem", "commit", "-q", "--allow-empty", "-m", "init"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	return dir
}

func TestNew_RecordsCommit(t *testing.T) {
	f := newFixture(t)
	f.path = gitRepo(t)
	m, err := New(context.Background(), f.path, "fake-sim", f.dir,
		WithRunnerOptions(runner.WithExecutable(f.exe)), WithRequireCleanRepo())
	require.NoError(t, err)
	defer m.Close()
	assert.Len(t, m.DB().Commit(), 40)
}

func TestNew_DirtyRepo(t *testing.T) {
	f := newFixture(t)
	f.path = gitRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.path, "scratch.cc"), []byte("int main() {}"), 0o644))

	_, err := New(context.Background(), f.path, "fake-sim", f.dir,
		WithRunnerOptions(runner.WithExecutable(f.exe)), WithRequireCleanRepo())
	require.ErrorIs(t, err, ErrDirtyRepo)

	m, err := New(context.Background(), f.path, "fake-sim", f.dir,
		WithRunnerOptions(runner.WithExecutable(f.exe)))
	require.NoError(t, err, "dirty trees are fine unless a clean one is required")
	m.Close()
}

func TestNew_NotAGitRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	f := newFixture(t)
	_, err := New(context.Background(), f.path, "fake-sim", f.dir,
		WithRunnerOptions(runner.WithExecutable(f.exe)))
	require.ErrorIs(t, err, ErrNoGit)
	assert.True(t, strings.Contains(err.Error(), f.path))
}
