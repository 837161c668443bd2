// Package database persists a campaign: its configuration and the metadata
// of every simulation result, in a SQLite file inside the campaign
// directory. Simulation output lives next to it under data/<result-id>/.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"sem/internal/core"
)

// File layout of a campaign directory.
const (
	FileName = "campaign.db"
	DataDir  = "data"
)

var (
	ErrCampaignExists = errors.New("campaign already exists")
	ErrNoCampaign     = errors.New("no campaign found")
	ErrParamMismatch  = errors.New("result parameters do not match campaign parameters")
	ErrUnknownParam   = errors.New("unknown parameter")
	ErrNotFound       = errors.New("result not found")
)

// DB is an open campaign database.
type DB struct {
	db     *sql.DB
	dir    string
	config core.CampaignConfig
	log    *zap.Logger
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger used for database events.
func WithLogger(l *zap.Logger) Option {
	return func(d *DB) {
		if l != nil {
			d.log = l
		}
	}
}

// Exists reports whether dir holds a campaign database.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, FileName))
	return err == nil
}

// New creates a campaign in dir and stores cfg.
//
// An existing campaign is an error unless overwrite is set, in which case its
// database and data directory are removed first.
func New(ctx context.Context, cfg core.CampaignConfig, dir string, overwrite bool, opts ...Option) (*DB, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("campaign dir is required")
	}
	if strings.TrimSpace(cfg.Script) == "" {
		return nil, errors.New("campaign script is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving campaign dir: %w", err)
	}
	if Exists(abs) {
		if !overwrite {
			return nil, fmt.Errorf("%w in %s", ErrCampaignExists, abs)
		}
		if err := removeCampaign(abs); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Join(abs, DataDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	cfg.CampaignDir = abs
	if cfg.Params == nil {
		cfg.Params = core.Params{}
	}

	d, err := open(ctx, abs, opts...)
	if err != nil {
		return nil, err
	}
	if err := d.saveConfig(ctx, cfg); err != nil {
		d.Close()
		return nil, err
	}
	d.config = cfg
	d.log.Info("created campaign",
		zap.String("dir", abs),
		zap.String("script", cfg.Script),
		zap.Int("params", len(cfg.Params)))
	return d, nil
}

// Load opens the campaign stored in dir.
func Load(ctx context.Context, dir string, opts ...Option) (*DB, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving campaign dir: %w", err)
	}
	if !Exists(abs) {
		return nil, fmt.Errorf("%w in %s", ErrNoCampaign, abs)
	}
	d, err := open(ctx, abs, opts...)
	if err != nil {
		return nil, err
	}
	cfg, err := d.loadConfig(ctx)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.config = cfg
	d.log.Debug("loaded campaign", zap.String("dir", abs), zap.String("script", cfg.Script))
	return d, nil
}

func open(ctx context.Context, dir string, opts ...Option) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps inserts serial and avoids SQLITE_BUSY between
	// our own goroutines.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	d := &DB{db: sqlDB, dir: dir, log: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			d.log.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}
	if err := d.initialize(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS results (
		id TEXT PRIMARY KEY,
		rng_run INTEGER NOT NULL,
		params_hash TEXT NOT NULL,
		params TEXT NOT NULL,
		exitcode INTEGER NOT NULL,
		elapsed_ns INTEGER NOT NULL,
		completed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_results_params_hash ON results(params_hash);
	CREATE INDEX IF NOT EXISTS idx_results_rng_run ON results(rng_run);
	CREATE TABLE IF NOT EXISTS result_params (
		result_id TEXT NOT NULL REFERENCES results(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY(result_id, name)
	);
	CREATE INDEX IF NOT EXISTS idx_result_params_name_value ON result_params(name, value);
	`
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

func (d *DB) saveConfig(ctx context.Context, cfg core.CampaignConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO config(key, value) VALUES('campaign', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, string(data))
	if err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	return nil
}

func (d *DB) loadConfig(ctx context.Context) (core.CampaignConfig, error) {
	var raw string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = 'campaign'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return core.CampaignConfig{}, fmt.Errorf("%w: missing configuration", ErrNoCampaign)
	}
	if err != nil {
		return core.CampaignConfig{}, fmt.Errorf("loading config: %w", err)
	}
	var cfg core.CampaignConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return core.CampaignConfig{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Params = normalizeParams(cfg.Params)
	// The directory may have moved since creation.
	cfg.CampaignDir = d.dir
	return cfg, nil
}

// Config returns the campaign configuration.
func (d *DB) Config() core.CampaignConfig {
	cfg := d.config
	cfg.Params = d.config.Params.Clone()
	return cfg
}

// Path returns the simulator path the campaign was created from.
func (d *DB) Path() string { return d.config.Path }

// Script returns the simulation script name.
func (d *DB) Script() string { return d.config.Script }

// Commit returns the simulator commit recorded at creation.
func (d *DB) Commit() string { return d.config.Commit }

// Dir returns the campaign directory.
func (d *DB) Dir() string { return d.dir }

// DataDir returns the directory holding per-run output.
func (d *DB) DataDir() string { return filepath.Join(d.dir, DataDir) }

// Close releases the database.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// String summarizes the campaign.
func (d *DB) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "script: %s\n", d.config.Script)
	fmt.Fprintf(&b, "path: %s\n", d.config.Path)
	fmt.Fprintf(&b, "commit: %s\n", d.config.Commit)
	fmt.Fprintf(&b, "campaign dir: %s\n", d.dir)
	fmt.Fprintf(&b, "params:\n")
	for _, k := range d.config.Params.Names() {
		fmt.Fprintf(&b, "  %s: %s\n", k, core.FormatValue(d.config.Params[k]))
	}
	n, err := d.Count(context.Background())
	if err != nil {
		fmt.Fprintf(&b, "results: unavailable (%v)", err)
	} else {
		fmt.Fprintf(&b, "results: %d", n)
	}
	return b.String()
}

func removeCampaign(dir string) error {
	for _, name := range []string{FileName, FileName + "-wal", FileName + "-shm"} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", name, err)
		}
	}
	if err := os.RemoveAll(filepath.Join(dir, DataDir)); err != nil {
		return fmt.Errorf("removing data dir: %w", err)
	}
	return nil
}

// normalizeParams turns JSON-decoded numbers back into integers where they
// are integral, so values read from disk compare like the ones written.
func normalizeParams(p core.Params) core.Params {
	out := make(core.Params, len(p))
	for k, v := range p {
		if f, ok := v.(float64); ok {
			if n, whole := core.IntegralFloat(f); whole {
				out[k] = n
				continue
			}
		}
		out[k] = v
	}
	return out
}
