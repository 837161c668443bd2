// Package results shapes simulation output into labeled N-dimensional arrays.
package results

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"sem/internal/core"
)

const (
	// RunsDim indexes the repeated runs of one combination.
	RunsDim = "runs"
	// MetricsDim indexes the values a parser extracts from one run.
	MetricsDim = "metrics"
)

var (
	ErrRagged     = errors.New("results are ragged")
	ErrUnknownDim = errors.New("unknown dimension")
	ErrNoCoord    = errors.New("coordinate not found")
)

// Array is a dense row-major N-dimensional array of float64 with a name and
// coordinate labels per dimension.
type Array struct {
	Dims   []string         `json:"dims"`
	Coords map[string][]any `json:"coords"`
	Shape  []int            `json:"shape"`
	Data   []float64        `json:"data"`
}

// Size is the number of elements.
func (a *Array) Size() int { return len(a.Data) }

// Ndim is the number of dimensions.
func (a *Array) Ndim() int { return len(a.Shape) }

// At returns the element at idx. It panics if idx is out of range, like a
// slice index would.
func (a *Array) At(idx ...int) float64 {
	return a.Data[a.offset(idx)]
}

func (a *Array) offset(idx []int) int {
	if len(idx) != len(a.Shape) {
		panic(fmt.Sprintf("results: %d indices for %d dimensions", len(idx), len(a.Shape)))
	}
	off := 0
	for i, n := range a.Shape {
		if idx[i] < 0 || idx[i] >= n {
			panic(fmt.Sprintf("results: index %d out of range for dimension %s of size %d", idx[i], a.Dims[i], n))
		}
		off = off*n + idx[i]
	}
	return off
}

func (a *Array) strides() []int {
	s := make([]int, len(a.Shape))
	acc := 1
	for i := len(a.Shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= a.Shape[i]
	}
	return s
}

// Axis returns the position of dim.
func (a *Array) Axis(dim string) (int, error) {
	for i, d := range a.Dims {
		if d == dim {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w %q (have %s)", ErrUnknownDim, dim, strings.Join(a.Dims, ", "))
}

// Squeeze drops every dimension of size one except those named in keep.
func (a *Array) Squeeze(keep ...string) *Array {
	kept := make(map[string]bool, len(keep))
	for _, k := range keep {
		kept[k] = true
	}
	out := &Array{Coords: map[string][]any{}, Data: append([]float64(nil), a.Data...)}
	for i, d := range a.Dims {
		if a.Shape[i] == 1 && !kept[d] {
			continue
		}
		out.Dims = append(out.Dims, d)
		out.Shape = append(out.Shape, a.Shape[i])
		if c, ok := a.Coords[d]; ok {
			out.Coords[d] = append([]any(nil), c...)
		}
	}
	return out
}

// Sel selects the slice of dim whose coordinate equals coord and drops dim.
// Coordinates compare by their canonical text, so 10 matches int64(10) and
// 10.0.
func (a *Array) Sel(dim string, coord any) (*Array, error) {
	axis, err := a.Axis(dim)
	if err != nil {
		return nil, err
	}
	want := core.FormatValue(coord)
	pos := -1
	for i, c := range a.Coords[dim] {
		if core.FormatValue(c) == want {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, fmt.Errorf("%w: %s=%s", ErrNoCoord, dim, want)
	}
	return a.reduce(axis, func(get func(int) float64) float64 { return get(pos) }), nil
}

// Mean averages over dim and drops it. The mean over an empty dimension
// is NaN.
func (a *Array) Mean(dim string) (*Array, error) {
	axis, err := a.Axis(dim)
	if err != nil {
		return nil, err
	}
	n := a.Shape[axis]
	return a.reduce(axis, func(get func(int) float64) float64 {
		if n == 0 {
			return math.NaN()
		}
		sum := 0.0
		for i := 0; i < n; i++ {
			sum += get(i)
		}
		return sum / float64(n)
	}), nil
}

// reduce collapses axis with fn, which reads the values along it.
func (a *Array) reduce(axis int, fn func(get func(int) float64) float64) *Array {
	out := &Array{Coords: map[string][]any{}}
	for i, d := range a.Dims {
		if i == axis {
			continue
		}
		out.Dims = append(out.Dims, d)
		out.Shape = append(out.Shape, a.Shape[i])
		if c, ok := a.Coords[d]; ok {
			out.Coords[d] = append([]any(nil), c...)
		}
	}
	strides := a.strides()
	outer := 1
	for _, n := range a.Shape[:axis] {
		outer *= n
	}
	inner := strides[axis]
	n := a.Shape[axis]
	out.Data = make([]float64, 0, outer*inner)
	for o := 0; o < outer; o++ {
		base := o * n * inner
		for in := 0; in < inner; in++ {
			out.Data = append(out.Data, fn(func(k int) float64 {
				return a.Data[base+k*inner+in]
			}))
		}
	}
	return out
}

// Values returns the data as nested slices, one level per dimension. A
// zero-dimensional array yields its single value.
func (a *Array) Values() any {
	if len(a.Shape) == 0 {
		if len(a.Data) == 0 {
			return nil
		}
		return a.Data[0]
	}
	var nest func(dim, off int) any
	nest = func(dim, off int) any {
		n := a.Shape[dim]
		if dim == len(a.Shape)-1 {
			return append([]float64{}, a.Data[off:off+n]...)
		}
		step := 1
		for _, s := range a.Shape[dim+1:] {
			step *= s
		}
		out := make([]any, n)
		for i := range out {
			out[i] = nest(dim+1, off+i*step)
		}
		return out
	}
	return nest(0, 0)
}

func (a *Array) String() string {
	var b strings.Builder
	b.WriteString("<array (")
	for i, d := range a.Dims {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %d", d, a.Shape[i])
	}
	b.WriteString(")>")
	for _, d := range a.Dims {
		if c, ok := a.Coords[d]; ok {
			vals := make([]string, len(c))
			for i, v := range c {
				vals[i] = core.FormatValue(v)
			}
			fmt.Fprintf(&b, "\n  * %s: %s", d, strings.Join(vals, " "))
		}
	}
	return b.String()
}
