package campaign

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"sem/internal/core"
	"sem/internal/database"
	"sem/internal/progress"
)

// Complete fills in the defaults of every campaign parameter p leaves out.
// Names the script does not accept are an error.
func (m *Manager) Complete(p core.Params) (core.Params, error) {
	defaults := m.db.Config().Params
	var unknown []string
	for k := range p {
		if _, ok := defaults[k]; !ok && k != core.RngRunKey {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: %s (script %s accepts %s)", database.ErrUnknownParam,
			strings.Join(unknown, ", "), m.db.Script(), strings.Join(defaults.Names(), ", "))
	}
	out := defaults.Clone()
	for k, v := range p {
		out[k] = v
	}
	return out, nil
}

// RunSimulations runs every combination in list once and stores each result
// as soon as it completes.
//
// Combinations get consecutive RngRun values starting past the highest one
// stored, and then run in random order. Duplicates of stored results are not
// checked for; see RunMissingSimulations.
func (m *Manager) RunSimulations(ctx context.Context, list []core.Params) error {
	if len(list) == 0 {
		return nil
	}
	if m.opts.requireClean {
		if _, err := m.checkRepo(ctx, m.db.Path(), m.db.Commit()); err != nil {
			return err
		}
	}

	next, err := m.db.NextRngRun(ctx)
	if err != nil {
		return err
	}
	batch := make([]core.Params, len(list))
	for i, p := range list {
		full, err := m.Complete(p.Without(core.RngRunKey))
		if err != nil {
			return err
		}
		full[core.RngRunKey] = next + int64(i)
		batch[i] = full
	}
	m.opts.rand.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })

	sinks := progress.Multi{}
	if m.opts.sink != nil {
		sinks = append(sinks, m.opts.sink)
	}
	var bar *progress.Bar
	if m.opts.progressOut != nil {
		var barOpts []progress.BarOption
		if m.opts.lineProgress {
			barOpts = append(barOpts, progress.WithLineMode())
		}
		bar = progress.NewBar(m.opts.progressOut, len(batch), "Running simulations", "simulation", barOpts...)
		sinks = append(sinks, bar)
	}
	m.sink.set(sinks)
	defer func() {
		m.sink.set(nil)
		if bar != nil {
			bar.Close()
		}
	}()

	m.opts.logger.Info("running simulations",
		zap.Int("count", len(batch)), zap.Int64("first_rngrun", next))
	stored := 0
	err = m.runner.RunSimulations(ctx, batch, m.db.DataDir(), func(r core.Result) error {
		if err := m.db.InsertResult(ctx, r); err != nil {
			return fmt.Errorf("storing result %s: %w", r.ID, err)
		}
		stored++
		return nil
	})
	m.opts.logger.Info("simulations done", zap.Int("stored", stored), zap.Int("requested", len(batch)))
	return err
}

// MissingSimulations returns, for every combination in list, as many copies
// as are needed to reach runs stored results. Combinations are completed
// with the campaign defaults first.
func (m *Manager) MissingSimulations(ctx context.Context, list []core.Params, runs int) ([]core.Params, error) {
	var missing []core.Params
	for _, p := range list {
		full, err := m.Complete(p.Without(core.RngRunKey))
		if err != nil {
			return nil, err
		}
		have, err := m.db.CountMatching(ctx, full)
		if err != nil {
			return nil, err
		}
		for i := have; i < runs; i++ {
			missing = append(missing, full.Clone())
		}
	}
	return missing, nil
}

// RunMissingSimulations runs whatever space still needs to have runs
// results for every combination.
func (m *Manager) RunMissingSimulations(ctx context.Context, space core.Space, runs int) error {
	if err := space.Validate(); err != nil {
		return err
	}
	return m.RunMissingList(ctx, space.Combinations(), runs)
}

// RunMissingList is RunMissingSimulations over an explicit list of
// combinations.
func (m *Manager) RunMissingList(ctx context.Context, list []core.Params, runs int) error {
	missing, err := m.MissingSimulations(ctx, list, runs)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		m.opts.logger.Info("nothing to run", zap.Int("combinations", len(list)), zap.Int("runs", runs))
		return nil
	}
	return m.RunSimulations(ctx, missing)
}
