package host

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Graph is an in-memory executor implementing Context.
//
// Nodes run in the order they were added. After ModifyGraphWithDelegate,
// each run of consecutive claimed nodes is replaced by one delegate node;
// the remaining nodes run on the fallback kernels (see fallback.go).
type Graph struct {
	tensors       []*Tensor
	nodes         []*Node
	registrations []*Registration
	kernels       map[int]*KernelRegistration
	fallbacks     map[int]*graph.Exec
	plan          []int
	inputs        []int
	outputs       []int
	closed        bool
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{kernels: make(map[int]*KernelRegistration)}
}

// AddTensor adds t and returns its index. A zero Bytes is set to the size
// implied by Type and Dims, and non read-only tensors without Data get a
// zeroed buffer of that size.
func (g *Graph) AddTensor(t *Tensor) int {
	if t.Bytes == 0 {
		t.Bytes = t.NumElements() * t.Type.Size()
	}
	if t.Data == nil && !t.IsConstant() {
		t.Data = make([]byte, t.Bytes)
	}
	g.tensors = append(g.tensors, t)
	return len(g.tensors) - 1
}

// AddNode appends a builtin node to the execution plan and returns its index.
// Omitted optional inputs are given as OptionalTensor.
func (g *Graph) AddNode(op BuiltinOperator, inputs, outputs []int, builtinData any) (int, error) {
	for _, idx := range inputs {
		if idx != OptionalTensor && (idx < 0 || idx >= len(g.tensors)) {
			return 0, errors.Errorf("add %s node: input tensor index %d out of range [0, %d)", op, idx, len(g.tensors))
		}
	}
	if err := g.checkTensors(outputs); err != nil {
		return 0, errors.WithMessagef(err, "add %s node outputs", op)
	}
	g.nodes = append(g.nodes, &Node{
		Inputs:      slices.Clone(inputs),
		Outputs:     slices.Clone(outputs),
		BuiltinData: builtinData,
	})
	g.registrations = append(g.registrations, &Registration{BuiltinCode: op, Version: 1})
	index := len(g.nodes) - 1
	g.plan = append(g.plan, index)
	return index, nil
}

// SetInputs declares the graph's input tensors.
func (g *Graph) SetInputs(indices ...int) error {
	if err := g.checkTensors(indices); err != nil {
		return errors.WithMessage(err, "set inputs")
	}
	g.inputs = slices.Clone(indices)
	return nil
}

// SetOutputs declares the graph's output tensors.
func (g *Graph) SetOutputs(indices ...int) error {
	if err := g.checkTensors(indices); err != nil {
		return errors.WithMessage(err, "set outputs")
	}
	g.outputs = slices.Clone(indices)
	return nil
}

func (g *Graph) checkTensors(indices []int) error {
	for _, idx := range indices {
		if idx < 0 || idx >= len(g.tensors) {
			return errors.Errorf("tensor index %d out of range [0, %d)", idx, len(g.tensors))
		}
	}
	return nil
}

// Inputs returns the graph's input tensor indices.
func (g *Graph) Inputs() []int {
	return g.inputs
}

// Outputs returns the graph's output tensor indices.
func (g *Graph) Outputs() []int {
	return g.outputs
}

// ExecutionPlan implements Context.
func (g *Graph) ExecutionPlan() ([]int, error) {
	if g.closed {
		return nil, errors.New("graph is closed")
	}
	return slices.Clone(g.plan), nil
}

// NodeAndRegistration implements Context.
func (g *Graph) NodeAndRegistration(nodeIndex int) (*Node, *Registration, error) {
	if nodeIndex < 0 || nodeIndex >= len(g.nodes) {
		return nil, nil, errors.Errorf("node index %d out of range [0, %d)", nodeIndex, len(g.nodes))
	}
	return g.nodes[nodeIndex], g.registrations[nodeIndex], nil
}

// Tensor implements Context.
func (g *Graph) Tensor(index int) *Tensor {
	if index < 0 || index >= len(g.tensors) {
		return nil
	}
	return g.tensors[index]
}

// NumTensors implements Context.
func (g *Graph) NumTensors() int {
	return len(g.tensors)
}

// ReplaceNodeSubsetsWithDelegateKernels implements Context.
//
// nodes must be sorted, unique and part of the execution plan. They are
// split into runs of consecutive plan entries; each run becomes one
// delegate node whose state comes from reg.Init. An Init failure fails the
// whole replacement and leaves the plan unchanged.
func (g *Graph) ReplaceNodeSubsetsWithDelegateKernels(reg KernelRegistration, nodes []int) error {
	if reg.Init == nil || reg.Invoke == nil {
		return errors.Errorf("delegate kernel %q: Init and Invoke are required", reg.CustomName)
	}
	if !slices.IsSorted(nodes) || len(slices.Compact(slices.Clone(nodes))) != len(nodes) {
		return errors.Errorf("delegate kernel %q: node indices %v are not sorted and unique", reg.CustomName, nodes)
	}
	claimed := make(map[int]bool, len(nodes))
	for _, n := range nodes {
		claimed[n] = true
	}
	for _, n := range nodes {
		if !slices.Contains(g.plan, n) {
			return errors.Errorf("delegate kernel %q: node %d is not in the execution plan", reg.CustomName, n)
		}
	}

	// Group claimed nodes into runs of the current plan.
	var runs [][]int
	var current []int
	for _, n := range g.plan {
		if claimed[n] {
			current = append(current, n)
			continue
		}
		if len(current) > 0 {
			runs = append(runs, current)
			current = nil
		}
	}
	if len(current) > 0 {
		runs = append(runs, current)
	}

	type replacement struct {
		run  []int
		node *Node
	}
	var replacements []replacement
	for _, run := range runs {
		params := g.delegateParams(run)
		data, err := reg.Init(g, params)
		if err != nil {
			for _, r := range replacements {
				if reg.Free != nil {
					reg.Free(r.node.UserData)
				}
			}
			return errors.WithMessagef(err, "delegate kernel %q for nodes %v", reg.CustomName, run)
		}
		replacements = append(replacements, replacement{run: run, node: &Node{
			Inputs:   params.InputTensors,
			Outputs:  params.OutputTensors,
			UserData: data,
		}})
	}

	kernel := reg
	for _, r := range replacements {
		g.nodes = append(g.nodes, r.node)
		g.registrations = append(g.registrations, &Registration{
			BuiltinCode: BuiltinDelegate,
			CustomName:  reg.CustomName,
			Version:     reg.Version,
		})
		index := len(g.nodes) - 1
		g.kernels[index] = &kernel

		start := slices.Index(g.plan, r.run[0])
		g.plan = slices.Replace(g.plan, start, start+len(r.run), index)
		klog.V(1).Infof("Replaced nodes %v by delegate kernel %q (node %d)", r.run, reg.CustomName, index)
	}
	return nil
}

// delegateParams computes the boundary tensors of a run of nodes.
func (g *Graph) delegateParams(run []int) *DelegateParams {
	params := &DelegateParams{NodesToReplace: slices.Clone(run)}
	inRun := make(map[int]bool, len(run))
	for _, n := range run {
		inRun[n] = true
	}
	produced := make(map[int]bool)
	seen := make(map[int]bool)
	for _, n := range run {
		node := g.nodes[n]
		for _, t := range node.Inputs {
			if t < 0 || produced[t] || seen[t] {
				continue
			}
			seen[t] = true
			params.InputTensors = append(params.InputTensors, t)
		}
		for _, t := range node.Outputs {
			produced[t] = true
		}
	}

	// A produced tensor leaves the run if a node outside it or the graph
	// outputs read it, or if nothing reads it at all.
	consumedOutside := make(map[int]bool)
	consumed := make(map[int]bool)
	for _, n := range g.plan {
		for _, t := range g.nodes[n].Inputs {
			consumed[t] = true
			if !inRun[n] {
				consumedOutside[t] = true
			}
		}
	}
	for _, t := range g.outputs {
		consumedOutside[t] = true
	}
	for _, n := range run {
		for _, t := range g.nodes[n].Outputs {
			leaves := consumedOutside[t] || !consumed[t]
			if leaves && !slices.Contains(params.OutputTensors, t) {
				params.OutputTensors = append(params.OutputTensors, t)
			}
		}
	}
	return params
}

// ModifyGraphWithDelegate lets d claim nodes, then prepares every delegate
// kernel. The graph is unusable after a failure.
func (g *Graph) ModifyGraphWithDelegate(d Delegate) error {
	if g.closed {
		return errors.New("graph is closed")
	}
	if err := d.Prepare(g); err != nil {
		return errors.WithMessage(err, "delegate failed to prepare the graph")
	}
	for _, n := range g.plan {
		kernel, ok := g.kernels[n]
		if !ok || kernel.Prepare == nil {
			continue
		}
		if err := kernel.Prepare(g, g.nodes[n]); err != nil {
			return errors.WithMessagef(err, "prepare delegate kernel %q (node %d)", kernel.CustomName, n)
		}
	}
	return nil
}

// Invoke runs the execution plan once.
func (g *Graph) Invoke() error {
	if g.closed {
		return errors.New("graph is closed")
	}
	for _, n := range g.plan {
		node := g.nodes[n]
		if kernel, ok := g.kernels[n]; ok {
			if err := kernel.Invoke(g, node); err != nil {
				return errors.WithMessagef(err, "delegate kernel %q (node %d)", kernel.CustomName, n)
			}
			continue
		}
		if err := g.runFallback(n); err != nil {
			return errors.WithMessagef(err, "node %d (%s)", n, g.registrations[n].BuiltinCode)
		}
	}
	return nil
}

// Close frees the delegate kernels.
func (g *Graph) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	for n, kernel := range g.kernels {
		if kernel.Free != nil {
			kernel.Free(g.nodes[n].UserData)
		}
		g.nodes[n].UserData = nil
	}
	for _, exec := range g.fallbacks {
		exec.Finalize()
	}
	g.fallbacks = nil
	return nil
}
