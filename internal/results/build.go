package results

import (
	"fmt"

	"sem/internal/core"
)

// LeafFunc evaluates one fully specified combination. It returns one row per
// run, each holding the metrics of that run.
type LeafFunc func(p core.Params) ([][]float64, error)

// Build evaluates leaf over every combination of space and stacks the rows
// into an array with one dimension per axis, then runs, then metrics.
//
// The first axis is expanded first and each of its values recursed into with
// the remaining axes, so the last axis varies fastest. When averaged is set,
// every leaf must return exactly one row and the runs dimension is left out.
// Leaves that disagree on the number of runs or metrics yield ErrRagged.
func Build(space core.Space, leaf LeafFunc, averaged bool) (*Array, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}
	b := &builder{leaf: leaf, runs: -1, metrics: -1}
	if err := b.walk(space, core.Params{}); err != nil {
		return nil, err
	}
	if b.runs < 0 {
		b.runs = 0
	}
	if b.metrics < 0 {
		b.metrics = 0
	}
	if averaged && b.runs != 1 && b.leaves > 0 {
		return nil, fmt.Errorf("%w: averaged leaves must yield one row, got %d", ErrRagged, b.runs)
	}

	a := &Array{Coords: map[string][]any{}, Data: b.data}
	for _, ax := range space {
		a.Dims = append(a.Dims, ax.Name)
		a.Shape = append(a.Shape, len(ax.Values))
		a.Coords[ax.Name] = append([]any(nil), ax.Values...)
	}
	if !averaged {
		a.Dims = append(a.Dims, RunsDim)
		a.Shape = append(a.Shape, b.runs)
		a.Coords[RunsDim] = indexCoords(b.runs)
	}
	a.Dims = append(a.Dims, MetricsDim)
	a.Shape = append(a.Shape, b.metrics)
	a.Coords[MetricsDim] = indexCoords(b.metrics)
	return a, nil
}

type builder struct {
	leaf    LeafFunc
	runs    int
	metrics int
	leaves  int
	data    []float64
}

func (b *builder) walk(rest core.Space, p core.Params) error {
	if len(rest) == 0 {
		return b.visit(p)
	}
	ax := rest[0]
	for _, v := range ax.Values {
		next := p.Clone()
		next[ax.Name] = v
		if err := b.walk(rest[1:], next); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) visit(p core.Params) error {
	rows, err := b.leaf(p)
	if err != nil {
		return fmt.Errorf("evaluating %s: %w", p, err)
	}
	metrics := -1
	for _, row := range rows {
		if metrics >= 0 && len(row) != metrics {
			return fmt.Errorf("%w: %s has runs with %d and %d metrics", ErrRagged, p, metrics, len(row))
		}
		metrics = len(row)
	}
	if metrics < 0 {
		metrics = b.metrics
	}
	if b.runs >= 0 && len(rows) != b.runs {
		return fmt.Errorf("%w: %s has %d runs, expected %d", ErrRagged, p, len(rows), b.runs)
	}
	if b.metrics >= 0 && len(rows) > 0 && metrics != b.metrics {
		return fmt.Errorf("%w: %s has %d metrics, expected %d", ErrRagged, p, metrics, b.metrics)
	}
	b.leaves++
	b.runs = len(rows)
	if len(rows) > 0 {
		b.metrics = metrics
	}
	for _, row := range rows {
		b.data = append(b.data, row...)
	}
	return nil
}

func indexCoords(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = i
	}
	return out
}
