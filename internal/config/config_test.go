package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sem/internal/runner"
)

func write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), DefaultFile))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, runner.KindSimulation, cfg.Runner, "simulations run serially unless asked otherwise")
	require.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	p := write(t, DefaultFile, `
ns3_path: /opt/ns-3-dev
script: wifi-example
runner: ParallelRunner
workers: 4
timeout: 90s
logging:
  level: debug
storage:
  endpoint: http://localhost:9000
  access_key_id: key
  bucket: campaigns
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "/opt/ns-3-dev", cfg.NS3Path)
	assert.Equal(t, runner.KindParallel, cfg.Runner)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 90*time.Second, cfg.GetTimeout())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format, "unset keys keep their defaults")
	assert.Equal(t, "results", cfg.ResultsDir)
	assert.Equal(t, "http://localhost:9000", cfg.Storage.Endpoint)
	assert.Equal(t, "key", cfg.Storage.AccessKeyID)
	assert.Equal(t, "campaigns", cfg.Storage.Bucket)
}

func TestLoad_EnvOverrides(t *testing.T) {
	p := write(t, DefaultFile, "script: from-file\nworkers: 2\n")
	t.Setenv("SEM_SCRIPT", "from-env")
	t.Setenv("SEM_WORKERS", "8")
	t.Setenv("SEM_RUNNER", "ParallelRunner")
	t.Setenv("SEM_S3_SECRET_KEY", "secret")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Script)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, runner.KindParallel, cfg.Runner)
	assert.Equal(t, "secret", cfg.Storage.SecretAccessKey)

	t.Setenv("SEM_WORKERS", "many")
	_, err = Load(p)
	require.Error(t, err)
}

func TestLoad_Malformed(t *testing.T) {
	_, err := Load(write(t, DefaultFile, "workers: [1, 2\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"runner":     func(c *Config) { c.Runner = "GridRunner" },
		"workers":    func(c *Config) { c.Workers = -1 },
		"timeout":    func(c *Config) { c.Timeout = "soon" },
		"log level":  func(c *Config) { c.Logging.Level = "chatty" },
		"log format": func(c *Config) { c.Logging.Format = "xml" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Script = "lte"
	cfg.Storage.Prefix = "lte/"
	p := filepath.Join(t.TempDir(), "nested", DefaultFile)
	require.NoError(t, cfg.Save(p))

	loaded, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadSpace(t *testing.T) {
	p := write(t, "params.yaml", "nodes: [1, 2, 4]\nmode: udp\nrate: [0.5, 1.5]\n")
	space, err := LoadSpace(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"nodes", "mode", "rate"}, space.Names())
	assert.Equal(t, 6, space.Size())

	_, err = LoadSpace(write(t, "bad.yaml", "- 1\n- 2\n"))
	require.Error(t, err)
	_, err = LoadSpace(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
