package campaign

import (
	"context"
	"fmt"

	"sem/internal/core"
	"sem/internal/results"
)

// Space evaluates every combination of space against the stored results.
//
// Each leaf selects the results matching base and the leaf's values, parses
// their stdout with parse (results.ParseFloats when nil) and, when avg is
// set, folds the runs into a single row. The returned array is not squeezed.
func (m *Manager) Space(ctx context.Context, base core.Query, space core.Space, parse results.Parser, avg results.Averager) (*results.Array, error) {
	if parse == nil {
		parse = results.ParseFloats
	}
	leaf := func(p core.Params) ([][]float64, error) {
		q := core.QueryFromParams(p)
		for k, v := range base {
			if _, ok := q[k]; !ok {
				q[k] = append([]any(nil), v...)
			}
		}
		found, err := m.db.CompleteResults(ctx, q)
		if err != nil {
			return nil, err
		}
		rows := make([][]float64, 0, len(found))
		for _, r := range found {
			row, err := parse(r)
			if err != nil {
				return nil, fmt.Errorf("parsing result %s: %w", r.ID, err)
			}
			rows = append(rows, row)
		}
		if avg != nil {
			if len(rows) == 0 {
				return nil, fmt.Errorf("no results to average for %s", p)
			}
			return [][]float64{avg(rows)}, nil
		}
		return rows, nil
	}
	return results.Build(space, leaf, avg != nil)
}

// ResultsAsArray returns the results over space as a plain array: every
// dimension of size one is dropped, runs and metrics included.
func (m *Manager) ResultsAsArray(ctx context.Context, space core.Space, parse results.Parser, avg results.Averager) (*results.Array, error) {
	a, err := m.Space(ctx, nil, space, parse, avg)
	if err != nil {
		return nil, err
	}
	return a.Squeeze(), nil
}

// ResultsAsLabeledArray returns the results over space with one labeled
// dimension per axis that takes more than one value, then runs unless avg is
// set, then metrics when the parser yields more than one value.
func (m *Manager) ResultsAsLabeledArray(ctx context.Context, space core.Space, parse results.Parser, avg results.Averager) (*results.Array, error) {
	a, err := m.Space(ctx, nil, space, parse, avg)
	if err != nil {
		return nil, err
	}
	return a.Squeeze(results.RunsDim), nil
}
