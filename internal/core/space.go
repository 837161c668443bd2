package core

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Axis is one dimension of a parameter space: a parameter name and the
// values it takes.
type Axis struct {
	Name   string
	Values []any
}

// Space is an ordered parameter space. Order matters: it fixes the dimension
// order of result arrays and the enumeration order of Combinations.
type Space []Axis

// Names returns the axis names in order.
func (s Space) Names() []string {
	names := make([]string, len(s))
	for i, a := range s {
		names[i] = a.Name
	}
	return names
}

// Varying returns the axes holding more than one value.
func (s Space) Varying() Space {
	out := make(Space, 0, len(s))
	for _, a := range s {
		if len(a.Values) > 1 {
			out = append(out, a)
		}
	}
	return out
}

// Size returns the number of combinations in s.
func (s Space) Size() int {
	n := 1
	for _, a := range s {
		n *= len(a.Values)
	}
	return n
}

// Validate reports empty or duplicate axes.
func (s Space) Validate() error {
	seen := make(map[string]bool, len(s))
	for _, a := range s {
		if a.Name == "" {
			return fmt.Errorf("parameter space: empty axis name")
		}
		if seen[a.Name] {
			return fmt.Errorf("parameter space: duplicate axis %q", a.Name)
		}
		seen[a.Name] = true
		if len(a.Values) == 0 {
			return fmt.Errorf("parameter space: axis %q has no values", a.Name)
		}
	}
	return nil
}

// Combinations returns the cartesian product of s. The last axis varies
// fastest. An empty space yields a single empty combination.
func (s Space) Combinations() []Params {
	out := []Params{{}}
	for _, a := range s {
		next := make([]Params, 0, len(out)*len(a.Values))
		for _, base := range out {
			for _, v := range a.Values {
				p := base.Clone()
				p[a.Name] = v
				next = append(next, p)
			}
		}
		out = next
	}
	return out
}

// Query converts s into a database query accepting any of each axis' values.
func (s Space) Query() Query {
	q := make(Query, len(s))
	for _, a := range s {
		q[a.Name] = append([]any(nil), a.Values...)
	}
	return q
}

// SpaceFromParams builds a single-point space from p, axes sorted by name.
func SpaceFromParams(p Params) Space {
	names := p.Names()
	s := make(Space, 0, len(names))
	for _, k := range names {
		s = append(s, Axis{Name: k, Values: []any{p[k]}})
	}
	return s
}

// UnmarshalYAML decodes a mapping of name to scalar or sequence, keeping the
// document's key order.
func (s *Space) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: parameter space must be a mapping", node.Line)
	}
	out := make(Space, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		axis := Axis{Name: key.Value}
		switch val.Kind {
		case yaml.ScalarNode:
			var v any
			if err := val.Decode(&v); err != nil {
				return fmt.Errorf("line %d: %w", val.Line, err)
			}
			axis.Values = []any{v}
		case yaml.SequenceNode:
			for _, item := range val.Content {
				if item.Kind != yaml.ScalarNode {
					return fmt.Errorf("line %d: values of %q must be scalars", item.Line, key.Value)
				}
				var v any
				if err := item.Decode(&v); err != nil {
					return fmt.Errorf("line %d: %w", item.Line, err)
				}
				axis.Values = append(axis.Values, v)
			}
		default:
			return fmt.Errorf("line %d: values of %q must be a scalar or a list", val.Line, key.Value)
		}
		out = append(out, axis)
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*s = out
	return nil
}

// MarshalYAML encodes s as an ordered mapping.
func (s Space) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, a := range s {
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: a.Name}
		val := &yaml.Node{}
		var err error
		if len(a.Values) == 1 {
			err = val.Encode(a.Values[0])
		} else {
			err = val.Encode(a.Values)
		}
		if err != nil {
			return nil, err
		}
		node.Content = append(node.Content, key, val)
	}
	return node, nil
}

// Query selects results by parameter value. Each key accepts any of its
// values; all keys must match. A nil or empty Query matches everything.
type Query map[string][]any

// QueryFromParams builds a query matching p exactly.
func QueryFromParams(p Params) Query {
	q := make(Query, len(p))
	for k, v := range p {
		q[k] = []any{v}
	}
	return q
}
