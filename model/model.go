package model

import (
	"slices"

	"github.com/pkg/errors"
)

// Model is a finished IR graph: the Result nodes that must be computed and
// the Parameter nodes that feed them, plus every node needed in between in
// topological order.
//
// Parameter and Result order is significant: it fixes the input and output
// slot positions of the compiled model.
type Model struct {
	name       string
	parameters []*Node
	results    []*Node
	nodes      []*Node
}

// NewModel assembles a model from its results and parameters.
//
// It returns an error if a result is not a Result node, a parameter is not a
// Parameter node or is listed twice, or a result depends on a Parameter that
// is not listed.
func NewModel(name string, results []*Node, parameters []*Node) (*Model, error) {
	m := &Model{
		name:       name,
		parameters: slices.Clone(parameters),
		results:    slices.Clone(results),
	}
	listed := make(map[*Node]bool, len(parameters))
	for i, p := range parameters {
		if p == nil || p.opType != OpParameter {
			return nil, errors.Errorf("model %q: parameter #%d is not a %s node: %v", name, i, OpParameter, p)
		}
		if listed[p] {
			return nil, errors.Errorf("model %q: parameter %q listed twice", name, p.name)
		}
		listed[p] = true
	}

	// Parameters come first so unused ones still get a slot, then every
	// node reachable from the results in post-order.
	m.nodes = append(m.nodes, m.parameters...)
	visited := make(map[*Node]bool, len(listed))
	for p := range listed {
		visited[p] = true
	}
	var visit func(n *Node) error
	visit = func(n *Node) error {
		if visited[n] {
			return nil
		}
		visited[n] = true
		if n.opType == OpParameter {
			return errors.Errorf("model %q: node depends on parameter %q which is not a model parameter", name, n.name)
		}
		for _, in := range n.inputs {
			if err := visit(in.node); err != nil {
				return err
			}
		}
		m.nodes = append(m.nodes, n)
		return nil
	}
	for i, r := range results {
		if r == nil || r.opType != OpResult {
			return nil, errors.Errorf("model %q: result #%d is not a %s node: %v", name, i, OpResult, r)
		}
		if err := visit(r); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Name returns the model's name.
func (m *Model) Name() string {
	return m.name
}

// Parameters returns the Parameter nodes in input slot order.
func (m *Model) Parameters() []*Node {
	return m.parameters
}

// Results returns the Result nodes in output slot order.
func (m *Model) Results() []*Node {
	return m.results
}

// Nodes returns every node of the model in topological order.
func (m *Model) Nodes() []*Node {
	return m.nodes
}
