// Package core defines the domain models shared by the campaign database,
// the simulation runners and the result readers.
package core

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// RngRunKey is the reserved parameter holding the ns-3 RNG run number.
const RngRunKey = "RngRun"

// Params maps a simulation parameter name to a scalar value.
//
// Values are expected to be string, bool, an integer kind or a float kind.
// They are compared and passed on the command line in their canonical text
// form (see FormatValue), so 3 and 3.0 name the same parameter value.
type Params map[string]any

// Clone returns a copy of p. Scalar values make a shallow copy a deep one.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Without returns a copy of p with the given keys removed.
func (p Params) Without(keys ...string) Params {
	out := p.Clone()
	if out == nil {
		out = Params{}
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Names returns the sorted parameter names.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Args renders p as sorted command line arguments of the form --name=value.
func (p Params) Args() []string {
	names := p.Names()
	args := make([]string, 0, len(names))
	for _, k := range names {
		args = append(args, fmt.Sprintf("--%s=%s", k, FormatValue(p[k])))
	}
	return args
}

// Canonical returns a copy of p with every value replaced by its canonical text.
func (p Params) Canonical() map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = FormatValue(v)
	}
	return out
}

// RngRun returns the RngRun value of p, if present and integral.
func (p Params) RngRun() (int64, bool) {
	v, ok := p[RngRunKey]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(FormatValue(v), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// String renders p as space separated name=value pairs, sorted by name.
func (p Params) String() string {
	names := p.Names()
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, k+"="+FormatValue(p[k]))
	}
	return strings.Join(parts, " ")
}

// FormatValue returns the canonical text of a parameter value.
//
// Floats use the shortest representation that round-trips; integral floats
// print without a fractional part.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return formatFloat(float64(x), 32)
	case float64:
		return formatFloat(x, 64)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}

func formatFloat(f float64, bits int) string {
	if n, ok := IntegralFloat(f); ok {
		return strconv.FormatInt(n, 10)
	}
	return strconv.FormatFloat(f, 'g', -1, bits)
}

// IntegralFloat reports whether f is a whole number that fits an int64, and
// returns it as one. FormatValue and values decoded from storage agree on it.
func IntegralFloat(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < -(1<<63) || f >= 1<<63 {
		return 0, false
	}
	return int64(f), true
}

// ParseValue converts text into the most specific scalar it represents:
// int64, float64, bool, or the string itself.
func ParseValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	return s
}
