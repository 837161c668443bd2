package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"sem/internal/core"
	"sem/internal/results"
)

func sample() []core.Result {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []core.Result{
		{
			ID:     "a",
			Params: core.Params{"nodes": int64(1), "mode": "udp", core.RngRunKey: int64(0)},
			Meta:   core.Meta{Elapsed: 1500 * time.Millisecond, CompletedAt: at},
			Stdout: "metric 1.5\nmetric 2\n",
		},
		{
			ID:     "b",
			Params: core.Params{"nodes": int64(2), "mode": "tcp", core.RngRunKey: int64(1)},
			Meta:   core.Meta{Elapsed: 250 * time.Millisecond, CompletedAt: at},
			Stdout: "metric 3\n",
		},
	}
}

func TestRows(t *testing.T) {
	parse, err := results.RegexParser(`metric (\S+)`)
	require.NoError(t, err)
	rows, err := Rows(sample(), parse)
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[1].RngRun)
	assert.Equal(t, 1500.0, rows[0].ElapsedMS)
	assert.Equal(t, core.Params{"nodes": int64(1), "mode": "udp"}, rows[0].Params)
	assert.Equal(t, []float64{1.5, 2}, rows[0].Metrics)

	rows, err = Rows(sample(), nil)
	require.NoError(t, err)
	assert.Nil(t, rows[0].Metrics)

	boom := errors.New("boom")
	_, err = Rows(sample(), func(core.Result) ([]float64, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
}

func TestWriteParquet(t *testing.T) {
	parse, err := results.RegexParser(`metric (\S+)`)
	require.NoError(t, err)
	rows, err := Rows(sample(), parse)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "results.parquet")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, WriteParquet(f, rows, []string{"mode", "nodes"}))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "PAR1", string(data[:4]))
	assert.Equal(t, "PAR1", string(data[len(data)-4:]))

	pf, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer pf.Close()
	pr, err := reader.NewParquetReader(pf, nil, 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	assert.Equal(t, int64(2), pr.GetNumRows())
	// Root plus five fixed, two parameter and two metric columns.
	assert.Len(t, pr.Footer.Schema, 10)
}

func TestColumns(t *testing.T) {
	assert.Equal(t,
		[]string{"id", "rngrun", "exitcode", "elapsed_ms", "completed_at", "param_ns3__Wifi_rate", "m0"},
		Columns([]string{"ns3::Wifi.rate"}, 1))
}

func TestWriteJSON(t *testing.T) {
	rows, err := Rows(sample(), nil)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, rows))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "b", decoded[1]["id"])
	assert.Equal(t, "tcp", decoded[1]["params"].(map[string]any)["mode"])
	assert.NotContains(t, decoded[0], "metrics")

	buf.Reset()
	require.NoError(t, WriteJSON(&buf, nil))
	assert.Equal(t, "[]\n", buf.String())
}

type memStore struct {
	buckets map[string]map[string][]byte
	failPut bool
}

func (s *memStore) EnsureBucket(_ context.Context, bucket string) error {
	if s.buckets == nil {
		s.buckets = map[string]map[string][]byte{}
	}
	if s.buckets[bucket] == nil {
		s.buckets[bucket] = map[string][]byte{}
	}
	return nil
}

func (s *memStore) PutObject(_ context.Context, bucket, key string, data []byte) error {
	if s.failPut {
		return errors.New("put failed")
	}
	s.buckets[bucket][key] = data
	return nil
}

func TestPush(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "results.parquet")
	b := filepath.Join(dir, "campaign.db")
	require.NoError(t, os.WriteFile(a, []byte("parquet"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("db"), 0o644))

	store := &memStore{}
	keys, err := Push(context.Background(), store, "sims", "/wifi/run1/", []string{a, b}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"wifi/run1/results.parquet", "wifi/run1/campaign.db"}, keys)
	assert.Equal(t, []byte("db"), store.buckets["sims"]["wifi/run1/campaign.db"])

	_, err = Push(context.Background(), store, "", "", []string{a}, nil)
	require.Error(t, err)

	_, err = Push(context.Background(), store, "sims", "", []string{filepath.Join(dir, "missing")}, nil)
	require.Error(t, err)

	keys, err = Push(context.Background(), &memStore{failPut: true}, "sims", "", []string{a}, nil)
	require.Error(t, err)
	assert.Empty(t, keys)
}

func TestLocalStore(t *testing.T) {
	root := t.TempDir()
	dir := t.TempDir()
	file := filepath.Join(dir, "results.json")
	require.NoError(t, os.WriteFile(file, []byte("[]"), 0o644))

	keys, err := Push(context.Background(), LocalStore{Root: root}, "sims", "x", []string{file}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"x/results.json"}, keys)
	assert.FileExists(t, filepath.Join(root, "sims", "x", "results.json"))
}

func TestNewMinioStore(t *testing.T) {
	_, err := NewMinioStore(MinioConfig{})
	require.Error(t, err)
	_, err = NewMinioStore(MinioConfig{Endpoint: "localhost:9000"})
	require.Error(t, err)

	s, err := NewMinioStore(MinioConfig{Endpoint: "https://s3.example.com", AccessKeyID: "k", SecretAccessKey: "s"})
	require.NoError(t, err)
	assert.Equal(t, "s3.example.com", s.client.EndpointURL().Host)
	assert.Equal(t, "https", s.client.EndpointURL().Scheme)
}
