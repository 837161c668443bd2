// Package export writes campaign results to columnar and JSON files and
// pushes them to S3-compatible object storage.
package export

import (
	"fmt"
	"time"

	"sem/internal/core"
	"sem/internal/results"
)

// Row is one result flattened for export.
type Row struct {
	ID          string      `json:"id"`
	RngRun      int64       `json:"rngrun"`
	ExitCode    int         `json:"exitcode"`
	ElapsedMS   float64     `json:"elapsed_ms"`
	CompletedAt time.Time   `json:"completed_at"`
	Params      core.Params `json:"params"`
	Metrics     []float64   `json:"metrics,omitempty"`
}

// Rows flattens rs. When parse is set, each result's stdout must already be
// loaded and the parsed values become the row's metrics.
func Rows(rs []core.Result, parse results.Parser) ([]Row, error) {
	out := make([]Row, 0, len(rs))
	for _, r := range rs {
		rng, _ := r.Params.RngRun()
		row := Row{
			ID:          r.ID,
			RngRun:      rng,
			ExitCode:    r.Meta.ExitCode,
			ElapsedMS:   float64(r.Meta.Elapsed) / float64(time.Millisecond),
			CompletedAt: r.Meta.CompletedAt,
			Params:      r.Params.Without(core.RngRunKey),
		}
		if parse != nil {
			m, err := parse(r)
			if err != nil {
				return nil, fmt.Errorf("parsing result %s: %w", r.ID, err)
			}
			row.Metrics = m
		}
		out = append(out, row)
	}
	return out, nil
}
