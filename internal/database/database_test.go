package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sem/internal/core"
)

func testConfig() core.CampaignConfig {
	return core.CampaignConfig{
		Script: "wifi-example",
		Path:   "/opt/ns-3",
		Params: core.Params{"nodes": 10, "distance": 1.5, "mode": "udp"},
		Commit: "abc123",
	}
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := New(context.Background(), testConfig(), t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func result(id string, rng int, nodes int, mode string) core.Result {
	return core.Result{
		ID: id,
		Params: core.Params{
			"nodes":        nodes,
			"distance":     1.5,
			"mode":         mode,
			core.RngRunKey: rng,
		},
		Meta: core.Meta{ExitCode: 0, Elapsed: 1500 * time.Millisecond},
	}
}

func TestNew_CreatesLayoutAndConfig(t *testing.T) {
	dir := t.TempDir()
	d, err := New(context.Background(), testConfig(), dir, false)
	require.NoError(t, err)
	defer d.Close()

	assert.FileExists(t, filepath.Join(dir, FileName))
	assert.DirExists(t, filepath.Join(dir, DataDir))
	assert.Equal(t, "wifi-example", d.Script())
	assert.Equal(t, "/opt/ns-3", d.Path())
	assert.Equal(t, "abc123", d.Commit())
	assert.Equal(t, filepath.Join(dir, DataDir), d.DataDir())
}

func TestNew_RefusesExistingCampaign(t *testing.T) {
	dir := t.TempDir()
	d, err := New(context.Background(), testConfig(), dir, false)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = New(context.Background(), testConfig(), dir, false)
	require.ErrorIs(t, err, ErrCampaignExists)
}

func TestNew_OverwriteWipesPreviousCampaign(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	d, err := New(ctx, testConfig(), dir, false)
	require.NoError(t, err)
	require.NoError(t, d.InsertResult(ctx, result("r1", 0, 10, "udp")))
	require.NoError(t, core.WriteOutput(core.RunDir(d.DataDir(), "r1"), []byte("1"), nil))
	require.NoError(t, d.Close())

	cfg := testConfig()
	cfg.Script = "other"
	d, err = New(ctx, cfg, dir, true)
	require.NoError(t, err)
	defer d.Close()

	n, err := d.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoDirExists(t, core.RunDir(d.DataDir(), "r1"))
	assert.Equal(t, "other", d.Script())
}

func TestLoad_RoundTripsConfig(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	d, err := New(ctx, testConfig(), dir, false)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	loaded, err := Load(ctx, dir)
	require.NoError(t, err)
	defer loaded.Close()

	cfg := loaded.Config()
	assert.Equal(t, "wifi-example", cfg.Script)
	assert.Equal(t, int64(10), cfg.Params["nodes"])
	assert.Equal(t, 1.5, cfg.Params["distance"])
	assert.Equal(t, "udp", cfg.Params["mode"])
	assert.Equal(t, dir, cfg.CampaignDir)
}

func TestCountMatching_StableAcrossReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := core.CampaignConfig{Script: "big", Path: "/opt/ns-3", Params: core.Params{"rate": 1e15, "scale": 1e19}}
	d, err := New(ctx, cfg, dir, false)
	require.NoError(t, err)
	p := core.Params{"rate": 1e15, "scale": 1e19, core.RngRunKey: 0}
	require.NoError(t, d.InsertResult(ctx, core.Result{ID: "a", Params: p}))
	n, err := d.CountMatching(ctx, d.Config().Params)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, d.Close())

	loaded, err := Load(ctx, dir)
	require.NoError(t, err)
	defer loaded.Close()
	n, err = loaded.CountMatching(ctx, loaded.Config().Params)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, core.Params{"rate": 1e15, "scale": 1e19}.Hash(), loaded.Config().Params.Hash())
}

func TestLoad_MissingCampaign(t *testing.T) {
	_, err := Load(context.Background(), t.TempDir())
	require.ErrorIs(t, err, ErrNoCampaign)
}

func TestNextRngRun(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	next, err := d.NextRngRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), next)

	require.NoError(t, d.InsertResult(ctx, result("a", 3, 10, "udp")))
	require.NoError(t, d.InsertResult(ctx, result("b", 7, 10, "udp")))

	next, err = d.NextRngRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), next)
}

func TestInsertResult_RejectsMismatchedParams(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	r := result("a", 0, 10, "udp")
	delete(r.Params, "mode")
	require.ErrorIs(t, d.InsertResult(ctx, r), ErrParamMismatch)

	r = result("a", 0, 10, "udp")
	r.Params["bogus"] = 1
	require.ErrorIs(t, d.InsertResult(ctx, r), ErrParamMismatch)

	r = result("a", 0, 10, "udp")
	delete(r.Params, core.RngRunKey)
	require.ErrorIs(t, d.InsertResult(ctx, r), ErrParamMismatch)
}

func TestResults_Query(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	require.NoError(t, d.InsertResult(ctx, result("a", 2, 10, "udp")))
	require.NoError(t, d.InsertResult(ctx, result("b", 0, 20, "udp")))
	require.NoError(t, d.InsertResult(ctx, result("c", 1, 10, "tcp")))

	all, err := d.Results(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"b", "c", "a"}, ids(all), "ordered by RngRun")

	got, err := d.Results(ctx, core.Query{"nodes": {10}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(got))

	got, err = d.Results(ctx, core.Query{"nodes": {10, 20}, "mode": {"udp"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(got))

	got, err = d.Results(ctx, core.Query{"nodes": {10.0}, "distance": {1.5}})
	require.NoError(t, err)
	assert.Len(t, got, 2, "numeric values compare by canonical form")

	got, err = d.Results(ctx, core.Query{"mode": {}})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = d.Results(ctx, core.Query{core.RngRunKey: {1}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(got))

	_, err = d.Results(ctx, core.Query{"unknown": {1}})
	require.ErrorIs(t, err, ErrUnknownParam)
}

func TestResults_DecodesMetadata(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	r := result("a", 0, 10, "udp")
	r.Meta.ExitCode = 3
	require.NoError(t, d.InsertResult(ctx, r))

	got, err := d.Result(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Meta.ExitCode)
	assert.Equal(t, 1500*time.Millisecond, got.Meta.Elapsed)
	assert.False(t, got.Meta.CompletedAt.IsZero())
	assert.Equal(t, int64(10), got.Params["nodes"])
	assert.Equal(t, 1.5, got.Params["distance"])

	_, err = d.Result(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCountMatching(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	require.NoError(t, d.InsertResult(ctx, result("a", 0, 10, "udp")))
	require.NoError(t, d.InsertResult(ctx, result("b", 1, 10, "udp")))
	require.NoError(t, d.InsertResult(ctx, result("c", 2, 20, "udp")))

	n, err := d.CountMatching(ctx, core.Params{"nodes": 10, "distance": 1.5, "mode": "udp"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = d.CountMatching(ctx, core.Params{"nodes": 30, "distance": 1.5, "mode": "udp"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutputAndFiles(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	r := result("a", 0, 10, "udp")
	require.NoError(t, d.InsertResult(ctx, r))

	dir := core.RunDir(d.DataDir(), "a")
	require.NoError(t, core.WriteOutput(dir, []byte("42\n"), []byte("warn\n")))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "traces"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "traces", "x.pcap"), []byte{1}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flows.xml"), []byte("<x/>"), 0o644))

	complete, err := d.CompleteResults(ctx, nil)
	require.NoError(t, err)
	require.Len(t, complete, 1)
	assert.Equal(t, "42\n", complete[0].Stdout)
	assert.Equal(t, "warn\n", complete[0].Stderr)

	files, err := d.OutputFiles(r)
	require.NoError(t, err)
	assert.Equal(t, []string{"flows.xml", "traces/x.pcap"}, files)
}

func TestDeleteAndWipe(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	require.NoError(t, d.InsertResult(ctx, result("a", 0, 10, "udp")))
	require.NoError(t, d.InsertResult(ctx, result("b", 1, 10, "udp")))
	require.NoError(t, core.WriteOutput(core.RunDir(d.DataDir(), "a"), []byte("1"), nil))

	require.NoError(t, d.DeleteResult(ctx, "a"))
	assert.NoDirExists(t, core.RunDir(d.DataDir(), "a"))
	require.ErrorIs(t, d.DeleteResult(ctx, "a"), ErrNotFound)

	got, err := d.Results(ctx, core.Query{"nodes": {10}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(got))

	require.NoError(t, d.WipeResults(ctx))
	n, err := d.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.DirExists(t, d.DataDir())

	next, err := d.NextRngRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), next)
}

func TestString(t *testing.T) {
	d := newTestDB(t)
	s := d.String()
	assert.Contains(t, s, "script: wifi-example")
	assert.Contains(t, s, "  nodes: 10")
	assert.Contains(t, s, "results: 0")
}

func ids(rs []core.Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
