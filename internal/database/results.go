package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"sem/internal/core"
)

// NextRngRun returns one past the highest RngRun stored, or 0 for an empty
// campaign.
func (d *DB) NextRngRun(ctx context.Context) (int64, error) {
	var maxRun sql.NullInt64
	if err := d.db.QueryRowContext(ctx, `SELECT MAX(rng_run) FROM results`).Scan(&maxRun); err != nil {
		return 0, fmt.Errorf("querying max RngRun: %w", err)
	}
	if !maxRun.Valid {
		return 0, nil
	}
	return maxRun.Int64 + 1, nil
}

// InsertResult stores r. Its parameter names must be exactly the campaign's
// available parameters plus RngRun.
func (d *DB) InsertResult(ctx context.Context, r core.Result) error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("result id is required")
	}
	if err := d.checkParams(r.Params); err != nil {
		return err
	}
	rng, ok := r.Params.RngRun()
	if !ok {
		return fmt.Errorf("%w: %s must be an integer", ErrParamMismatch, core.RngRunKey)
	}
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	completed := r.Meta.CompletedAt
	if completed.IsZero() {
		completed = time.Now().UTC()
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO results(id, rng_run, params_hash, params, exitcode, elapsed_ns, completed_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		r.ID, rng, string(r.Params.Hash()), string(params),
		r.Meta.ExitCode, int64(r.Meta.Elapsed), completed.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting result %s: %w", r.ID, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO result_params(result_id, name, value) VALUES(?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing params insert: %w", err)
	}
	defer stmt.Close()
	for _, name := range r.Params.Names() {
		if _, err := stmt.ExecContext(ctx, r.ID, name, core.FormatValue(r.Params[name])); err != nil {
			return fmt.Errorf("inserting param %s of %s: %w", name, r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	d.log.Debug("inserted result", zap.String("id", r.ID), zap.Int64("rng_run", rng))
	return nil
}

func (d *DB) checkParams(p core.Params) error {
	want := d.config.Params.Without(core.RngRunKey).Names()
	want = append(want, core.RngRunKey)
	sort.Strings(want)
	got := p.Names()
	if len(got) != len(want) {
		return fmt.Errorf("%w: got %v, want %v", ErrParamMismatch, got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			return fmt.Errorf("%w: got %v, want %v", ErrParamMismatch, got, want)
		}
	}
	return nil
}

// Results returns the results matching q, ordered by RngRun.
//
// Every query key must be a campaign parameter or RngRun. A key with an empty
// value list matches nothing.
func (d *DB) Results(ctx context.Context, q core.Query) ([]core.Result, error) {
	keys := make([]string, 0, len(q))
	for k := range q {
		if k != core.RngRunKey {
			if _, ok := d.config.Params[k]; !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownParam, k)
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		where []string
		args  []any
	)
	for _, k := range keys {
		values := q[k]
		if len(values) == 0 {
			return []core.Result{}, nil
		}
		marks := make([]string, len(values))
		args = append(args, k)
		for i, v := range values {
			marks[i] = "?"
			args = append(args, core.FormatValue(v))
		}
		where = append(where, fmt.Sprintf(
			"id IN (SELECT result_id FROM result_params WHERE name = ? AND value IN (%s))",
			strings.Join(marks, ", ")))
	}

	query := `SELECT id, params, exitcode, elapsed_ns, completed_at FROM results`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rng_run, id"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer rows.Close()

	out := []core.Result{}
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating results: %w", err)
	}
	return out, nil
}

// Result returns the result with the given id.
func (d *DB) Result(ctx context.Context, id string) (core.Result, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, params, exitcode, elapsed_ns, completed_at FROM results WHERE id = ?`, id)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Result{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(s scanner) (core.Result, error) {
	var (
		r         core.Result
		params    string
		elapsed   int64
		completed string
	)
	if err := s.Scan(&r.ID, &params, &r.Meta.ExitCode, &elapsed, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Result{}, err
		}
		return core.Result{}, fmt.Errorf("scanning result: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return core.Result{}, fmt.Errorf("parsing params of %s: %w", r.ID, err)
	}
	r.Params = normalizeParams(r.Params)
	r.Meta.Elapsed = time.Duration(elapsed)
	if t, err := time.Parse(time.RFC3339Nano, completed); err == nil {
		r.Meta.CompletedAt = t
	}
	return r, nil
}

// CountMatching returns how many stored results were produced by exactly the
// combination p, ignoring RngRun.
func (d *DB) CountMatching(ctx context.Context, p core.Params) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM results WHERE params_hash = ?`, string(p.Hash())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting results: %w", err)
	}
	return n, nil
}

// Count returns the number of stored results.
func (d *DB) Count(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM results`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting results: %w", err)
	}
	return n, nil
}

// LoadOutput fills r.Stdout and r.Stderr from its run directory.
func (d *DB) LoadOutput(r *core.Result) error {
	stdout, stderr, err := core.ReadOutput(core.RunDir(d.DataDir(), r.ID))
	if err != nil {
		return fmt.Errorf("loading output of %s: %w", r.ID, err)
	}
	r.Stdout, r.Stderr = stdout, stderr
	return nil
}

// CompleteResults is Results with every result's output loaded.
func (d *DB) CompleteResults(ctx context.Context, q core.Query) ([]core.Result, error) {
	results, err := d.Results(ctx, q)
	if err != nil {
		return nil, err
	}
	for i := range results {
		if err := d.LoadOutput(&results[i]); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// OutputFiles lists the files the simulation of r wrote in its run directory.
func (d *DB) OutputFiles(r core.Result) ([]string, error) {
	return core.OutputFiles(core.RunDir(d.DataDir(), r.ID))
}

// DeleteResult removes a result and its run directory.
func (d *DB) DeleteResult(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM results WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting result %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, err := d.db.ExecContext(ctx, `DELETE FROM result_params WHERE result_id = ?`, id); err != nil {
		return fmt.Errorf("deleting params of %s: %w", id, err)
	}
	if err := os.RemoveAll(core.RunDir(d.DataDir(), id)); err != nil {
		return fmt.Errorf("removing run dir of %s: %w", id, err)
	}
	d.log.Info("deleted result", zap.String("id", id))
	return nil
}

// WipeResults removes every result and all run output.
func (d *DB) WipeResults(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM result_params; DELETE FROM results;`); err != nil {
		return fmt.Errorf("wiping results: %w", err)
	}
	if err := os.RemoveAll(d.DataDir()); err != nil {
		return fmt.Errorf("removing data dir: %w", err)
	}
	if err := os.MkdirAll(d.DataDir(), 0o755); err != nil {
		return fmt.Errorf("recreating data dir: %w", err)
	}
	d.log.Info("wiped results", zap.String("dir", d.dir))
	return nil
}
