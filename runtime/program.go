package runtime

import (
	"slices"

	"github.com/gomlx/go-openvino/internal/xgraph"
	"github.com/gomlx/go-openvino/model"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// slot is an input or output position of a compiled model.
type slot struct {
	name  string
	shape shapes.Shape
}

// lowering builds the graph nodes of one IR node from the nodes of its inputs.
type lowering func(ins []*Node) []*Node

// step is one IR node in execution order.
type step struct {
	name    string
	inputs  []*model.Value
	outputs []*model.Value
	lower   lowering
}

// program is a model lowered to a gomlx graph. The graph is built and
// compiled once by newProgram and executed by every InferRequest.
type program struct {
	precision dtypes.DType
	inputs    []slot
	outputs   []slot
	params    []*model.Value
	results   []*model.Value
	constants map[*model.Value]*tensors.Tensor
	steps     []step
	exec      *Exec
}

// newProgram lowers m and compiles it on backend. Operators, attributes and
// element types are validated here so execution cannot fail on a malformed
// graph.
func newProgram(backend backends.Backend, m *model.Model, precision dtypes.DType) (*program, error) {
	p := &program{
		precision: precision,
		constants: make(map[*model.Value]*tensors.Tensor),
	}
	defined := make(map[*model.Value]bool)
	define := func(v *model.Value) error {
		switch v.DType() {
		case dtypes.Float32, dtypes.Float16, dtypes.Int8, dtypes.Uint8, dtypes.Int32:
		default:
			return errors.Errorf("value %q has unsupported element type %s", v.Name(), v.DType())
		}
		defined[v] = true
		return nil
	}

	for _, n := range m.Nodes() {
		switch n.Type() {
		case model.OpParameter:
			v := n.Output(0)
			if err := define(v); err != nil {
				return nil, err
			}
			p.params = append(p.params, v)
			p.inputs = append(p.inputs, slot{name: n.Name(), shape: v.Shape()})
			continue

		case model.OpConstant:
			v := n.Output(0)
			if err := define(v); err != nil {
				return nil, err
			}
			t, err := xgraph.FromBytes(v.Shape(), n.Data())
			if err != nil {
				return nil, errors.WithMessagef(err, "constant %q", n.Name())
			}
			p.constants[v] = t
			continue

		case model.OpResult:
			in := n.Inputs()[0]
			if !defined[in] {
				return nil, errors.Errorf("result %q: input %q is not computed before it", n.Name(), in.Name())
			}
			p.results = append(p.results, in)
			p.outputs = append(p.outputs, slot{name: n.Name(), shape: in.Shape()})
			continue
		}

		s := step{name: n.Name(), inputs: n.Inputs(), outputs: n.Outputs()}
		for _, in := range s.inputs {
			if !defined[in] {
				return nil, errors.Errorf("node %s: input %q is not computed before it", n, in.Name())
			}
		}
		for _, out := range s.outputs {
			if err := define(out); err != nil {
				return nil, errors.WithMessagef(err, "node %s", n)
			}
		}
		lower, err := lowerNode(n)
		if err != nil {
			return nil, errors.WithMessagef(err, "node %s", n)
		}
		s.lower = lower
		p.steps = append(p.steps, s)
	}

	exec, err := NewExec(backend, p.build)
	if err != nil {
		return nil, err
	}
	exec = exec.WithName(m.Name())
	zeros := make([]any, len(p.inputs))
	for i, in := range p.inputs {
		zeros[i] = tensors.FromShape(in.shape)
	}
	err = exec.PreCompile(zeros...)
	for _, z := range zeros {
		_ = z.(*tensors.Tensor).FinalizeAll()
	}
	if err != nil {
		exec.Finalize()
		return nil, errors.WithMessage(err, "building graph")
	}
	p.exec = exec
	return p, nil
}

// build is the graph function of the program: it maps the parameters to
// the results, rounding every float value to half precision when the
// program runs in Float16.
func (p *program) build(params []*Node) []*Node {
	g := params[0].Graph()
	values := make(map[*model.Value]*Node, len(p.params)+len(p.constants))
	for i, v := range p.params {
		values[v] = p.round(params[i])
	}
	for v, t := range p.constants {
		values[v] = ConstTensor(g, t)
	}
	for _, s := range p.steps {
		ins := make([]*Node, len(s.inputs))
		for i, v := range s.inputs {
			ins[i] = values[v]
		}
		outs := s.lower(ins)
		if len(outs) != len(s.outputs) {
			panic(errors.Errorf("node %q: lowered to %d outputs, want %d", s.name, len(outs), len(s.outputs)))
		}
		for i, v := range s.outputs {
			if !outs[i].Shape().Equal(v.Shape()) {
				panic(errors.Errorf("node %q: output #%d lowered to shape %s, want %s",
					s.name, i, outs[i].Shape(), v.Shape()))
			}
			values[v] = p.round(outs[i])
		}
	}
	results := make([]*Node, len(p.results))
	for i, v := range p.results {
		results[i] = values[v]
	}
	return results
}

func (p *program) round(x *Node) *Node {
	if p.precision == dtypes.Float16 {
		return xgraph.RoundToHalf(x)
	}
	return x
}

// run executes the program on native input buffers and copies the results
// into the native output buffers.
func (p *program) run(inputs, outputs []*Tensor) error {
	args := make([]any, len(inputs))
	defer func() {
		for _, arg := range args {
			if t, ok := arg.(*tensors.Tensor); ok {
				_ = t.FinalizeAll()
			}
		}
	}()
	for i, in := range inputs {
		t, err := xgraph.FromBytes(p.inputs[i].shape, in.data)
		if err != nil {
			return errors.WithMessagef(err, "input %q", p.inputs[i].name)
		}
		args[i] = t
	}
	results, err := p.exec.Exec(args...)
	if err != nil {
		return err
	}
	defer func() {
		for _, t := range results {
			_ = t.FinalizeAll()
		}
	}()
	for i, t := range results {
		if err := xgraph.CopyBytes(outputs[i].data, t); err != nil {
			return errors.WithMessagef(err, "output %q", p.outputs[i].name)
		}
	}
	return nil
}

// lowerNode returns the lowering of n to graph operations.
func lowerNode(n *model.Node) (lowering, error) {
	outDims := n.Output(0).Shape().Dimensions
	switch n.Type() {
	case model.OpAdd, model.OpSubtract, model.OpMultiply, model.OpDivide:
		op := map[string]func(lhs, rhs *Node) *Node{
			model.OpAdd:      Add,
			model.OpSubtract: Sub,
			model.OpMultiply: Mul,
			model.OpDivide:   Div,
		}[n.Type()]
		return func(ins []*Node) []*Node {
			return []*Node{op(xgraph.BroadcastTo(ins[0], outDims), xgraph.BroadcastTo(ins[1], outDims))}
		}, nil

	case model.OpRelu:
		return unary(func(x *Node) *Node { return MaxScalar(x, 0) }), nil
	case model.OpTanh:
		return unary(Tanh), nil
	case model.OpSigmoid:
		return unary(Sigmoid), nil
	case model.OpClamp:
		minVal, err := attrFloat(n, "min")
		if err != nil {
			return nil, err
		}
		maxVal, err := attrFloat(n, "max")
		if err != nil {
			return nil, err
		}
		return unary(func(x *Node) *Node { return ClipScalar(x, minVal, maxVal) }), nil

	case model.OpReduceMean:
		axes, err := attrInts(n, "axes")
		if err != nil {
			return nil, err
		}
		return unary(func(x *Node) *Node {
			if len(axes) > 0 {
				x = ReduceMean(x, axes...)
			}
			return Reshape(x, outDims...)
		}), nil

	case model.OpReshape:
		return unary(func(x *Node) *Node { return Reshape(x, outDims...) }), nil

	case model.OpPad:
		before, err := attrInts(n, "pads_begin")
		if err != nil {
			return nil, err
		}
		after, err := attrInts(n, "pads_end")
		if err != nil {
			return nil, err
		}
		value, err := attrFloat(n, "pad_value")
		if err != nil {
			return nil, err
		}
		return unary(func(x *Node) *Node { return padConstant(x, before, after, value) }), nil

	case model.OpConcat:
		axis, err := attrInt(n, "axis")
		if err != nil {
			return nil, err
		}
		return func(ins []*Node) []*Node {
			return []*Node{Concatenate(ins, axis)}
		}, nil

	case model.OpSoftmax:
		axis, err := attrInt(n, "axis")
		if err != nil {
			return nil, err
		}
		return unary(func(x *Node) *Node { return Softmax(x, axis) }), nil

	case model.OpSplit:
		axis, err := attrInt(n, "axis")
		if err != nil {
			return nil, err
		}
		numSplits := len(n.Outputs())
		return func(ins []*Node) []*Node {
			return Split(ins[0], axis, numSplits)
		}, nil

	case model.OpConvert:
		dtype := n.Output(0).DType()
		return unary(func(x *Node) *Node { return xgraph.ConvertSaturating(x, dtype) }), nil
	}
	return nil, errors.Errorf("operator %q is not implemented", n.Type())
}

func unary(fn func(x *Node) *Node) lowering {
	return func(ins []*Node) []*Node {
		return []*Node{fn(ins[0])}
	}
}

// padConstant pads x with value by concatenating filled blocks on each axis.
func padConstant(x *Node, before, after []int, value float64) *Node {
	block := func(x *Node, axis, size int) *Node {
		dims := slices.Clone(x.Shape().Dimensions)
		dims[axis] = size
		return BroadcastToDims(Scalar(x.Graph(), x.DType(), value), dims...)
	}
	for axis := range before {
		parts := make([]*Node, 0, 3)
		if before[axis] > 0 {
			parts = append(parts, block(x, axis, before[axis]))
		}
		parts = append(parts, x)
		if after[axis] > 0 {
			parts = append(parts, block(x, axis, after[axis]))
		}
		if len(parts) > 1 {
			x = Concatenate(parts, axis)
		}
	}
	return x
}

func attrInts(n *model.Node, name string) ([]int, error) {
	v, ok := n.Attr(name)
	if !ok {
		return nil, errors.Errorf("missing attribute %q", name)
	}
	ints, ok := v.([]int)
	if !ok {
		return nil, errors.Errorf("attribute %q: expected []int, got %T", name, v)
	}
	return slices.Clone(ints), nil
}

func attrInt(n *model.Node, name string) (int, error) {
	v, ok := n.Attr(name)
	if !ok {
		return 0, errors.Errorf("missing attribute %q", name)
	}
	i, ok := v.(int)
	if !ok {
		return 0, errors.Errorf("attribute %q: expected int, got %T", name, v)
	}
	return i, nil
}

func attrFloat(n *model.Node, name string) (float64, error) {
	v, ok := n.Attr(name)
	if !ok {
		return 0, errors.Errorf("missing attribute %q", name)
	}
	switch f := v.(type) {
	case float64:
		return f, nil
	case float32:
		return float64(f), nil
	}
	return 0, errors.Errorf("attribute %q: expected a float, got %T", name, v)
}
