package results

import (
	"fmt"
	"regexp"
	"strconv"

	"sem/internal/core"
)

// Parser extracts the metrics of one run from its output.
type Parser func(r core.Result) ([]float64, error)

// Averager folds the rows of all runs of a combination into one row.
type Averager func(rows [][]float64) []float64

var numberRe = regexp.MustCompile(`[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`)

// ParseFloats returns every number found in the run's stdout, in order.
func ParseFloats(r core.Result) ([]float64, error) {
	matches := numberRe.FindAllString(r.Stdout, -1)
	out := make([]float64, 0, len(matches))
	for _, m := range matches {
		f, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", m, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// RegexParser returns a Parser that applies expr to stdout. Every match
// contributes its capture groups, or the whole match when expr has none.
func RegexParser(expr string) (Parser, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compiling parser %q: %w", expr, err)
	}
	return func(r core.Result) ([]float64, error) {
		var out []float64
		for _, m := range re.FindAllStringSubmatch(r.Stdout, -1) {
			groups := m[1:]
			if len(groups) == 0 {
				groups = m[:1]
			}
			for _, g := range groups {
				f, err := strconv.ParseFloat(g, 64)
				if err != nil {
					return nil, fmt.Errorf("result %s: %q is not a number: %w", r.ID, g, err)
				}
				out = append(out, f)
			}
		}
		return out, nil
	}, nil
}

// MeanOverRuns averages rows column by column. Rows shorter than the first
// are ignored for the columns they lack.
func MeanOverRuns(rows [][]float64) []float64 {
	if len(rows) == 0 {
		return nil
	}
	sums := make([]float64, len(rows[0]))
	counts := make([]int, len(rows[0]))
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(sums); i++ {
			sums[i] += row[i]
			counts[i]++
		}
	}
	for i := range sums {
		sums[i] /= float64(counts[i])
	}
	return sums
}
