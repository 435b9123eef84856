package host

import (
	"github.com/gomlx/go-openvino/internal/xgraph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// runFallback executes a node the delegate did not claim. Only Float32
// elementwise operators, activations and reshapes have fallback kernels.
// Each node's kernel is compiled on first use.
func (g *Graph) runFallback(n int) error {
	node, reg := g.nodes[n], g.registrations[n]
	if len(node.Outputs) != 1 {
		return errors.Errorf("no fallback kernel for %d outputs", len(node.Outputs))
	}
	out := g.tensors[node.Outputs[0]]
	if out.Type != dtypes.Float32 {
		return errors.Errorf("no fallback kernel for output type %s", out.Type)
	}
	inputs := node.Inputs
	if reg.BuiltinCode == BuiltinReshape && len(inputs) > 1 {
		// The target shape is the output tensor's.
		inputs = inputs[:1]
	}

	args := make([]any, 0, len(inputs))
	defer func() {
		for _, arg := range args {
			_ = arg.(*tensors.Tensor).FinalizeAll()
		}
	}()
	for _, idx := range inputs {
		if idx == OptionalTensor {
			return errors.New("no fallback kernel with optional inputs")
		}
		t := g.tensors[idx]
		if t.Type != dtypes.Float32 {
			return errors.Errorf("no fallback kernel for input type %s", t.Type)
		}
		x, err := xgraph.FromBytes(shapes.Make(t.Type, t.Dims...), t.Data)
		if err != nil {
			return errors.WithMessagef(err, "tensor %d (%q)", idx, t.Name)
		}
		args = append(args, x)
	}

	exec, err := g.fallbackExec(n, len(inputs), out.Dims)
	if err != nil {
		return err
	}
	results, err := exec.Exec(args...)
	if err != nil {
		return err
	}
	defer func() {
		for _, r := range results {
			_ = r.FinalizeAll()
		}
	}()
	return xgraph.CopyBytes(out.Data, results[0])
}

// fallbackExec returns the cached executable of node n.
func (g *Graph) fallbackExec(n, numInputs int, outDims []int) (*graph.Exec, error) {
	if exec, ok := g.fallbacks[n]; ok {
		return exec, nil
	}
	kernel, err := fallbackKernel(g.registrations[n].BuiltinCode, g.nodes[n].BuiltinData, numInputs, outDims)
	if err != nil {
		return nil, err
	}
	backend, err := xgraph.Backend()
	if err != nil {
		return nil, err
	}
	exec, err := graph.NewExec(backend, kernel)
	if err != nil {
		return nil, err
	}
	if g.fallbacks == nil {
		g.fallbacks = make(map[int]*graph.Exec)
	}
	g.fallbacks[n] = exec
	return exec, nil
}

// fallbackKernel returns the graph function computing op.
func fallbackKernel(op BuiltinOperator, data any, numInputs int, outDims []int) (func([]*graph.Node) *graph.Node, error) {
	var kernel func(ins []*graph.Node) *graph.Node
	activation := ActNone
	switch op {
	case BuiltinAdd, BuiltinSub, BuiltinMul, BuiltinDiv:
		if numInputs != 2 {
			return nil, errors.Errorf("expected 2 inputs, got %d", numInputs)
		}
		fn, act, err := binaryFallback(op, data)
		if err != nil {
			return nil, err
		}
		activation = act
		kernel = func(ins []*graph.Node) *graph.Node {
			return fn(xgraph.BroadcastTo(ins[0], outDims), xgraph.BroadcastTo(ins[1], outDims))
		}
	case BuiltinRelu:
		kernel = func(ins []*graph.Node) *graph.Node { return graph.MaxScalar(ins[0], 0) }
	case BuiltinRelu6:
		kernel = func(ins []*graph.Node) *graph.Node { return graph.ClipScalar(ins[0], 0, 6) }
	case BuiltinTanh:
		kernel = func(ins []*graph.Node) *graph.Node { return graph.Tanh(ins[0]) }
	case BuiltinLogistic:
		kernel = func(ins []*graph.Node) *graph.Node { return graph.Sigmoid(ins[0]) }
	case BuiltinReshape:
		kernel = func(ins []*graph.Node) *graph.Node { return graph.Reshape(ins[0], outDims...) }
	default:
		return nil, errors.Errorf("no fallback kernel for %s", op)
	}
	activate, err := activationFn(activation)
	if err != nil {
		return nil, err
	}
	return func(ins []*graph.Node) *graph.Node {
		return activate(kernel(ins))
	}, nil
}

func binaryFallback(op BuiltinOperator, data any) (func(lhs, rhs *graph.Node) *graph.Node, FusedActivation, error) {
	ops := map[BuiltinOperator]func(lhs, rhs *graph.Node) *graph.Node{
		BuiltinAdd: graph.Add, BuiltinSub: graph.Sub,
		BuiltinMul: graph.Mul, BuiltinDiv: graph.Div,
	}
	switch p := data.(type) {
	case *AddParams:
		return graph.Add, p.Activation, nil
	case *SubParams:
		return graph.Sub, p.Activation, nil
	case *MulParams:
		return graph.Mul, p.Activation, nil
	case *DivParams:
		return graph.Div, p.Activation, nil
	case nil:
		return ops[op], ActNone, nil
	}
	return nil, 0, errors.Errorf("%s: unexpected parameters %T", op, data)
}

// activationFn returns the graph function applying a fused activation.
func activationFn(act FusedActivation) (func(x *graph.Node) *graph.Node, error) {
	switch act {
	case ActNone:
		return func(x *graph.Node) *graph.Node { return x }, nil
	case ActRelu:
		return func(x *graph.Node) *graph.Node { return graph.MaxScalar(x, 0) }, nil
	case ActReluN1To1:
		return func(x *graph.Node) *graph.Node { return graph.ClipScalar(x, -1, 1) }, nil
	case ActRelu6:
		return func(x *graph.Node) *graph.Node { return graph.ClipScalar(x, 0, 6) }, nil
	case ActTanh:
		return graph.Tanh, nil
	case ActSigmoid:
		return graph.Sigmoid, nil
	case ActSignBit:
		// 1/x keeps the sign of zeros: 1/-0 is -Inf.
		return func(x *graph.Node) *graph.Node {
			negative := graph.LessThan(graph.Min(x, graph.Div(graph.OnesLike(x), x)), graph.ZerosLike(x))
			return graph.ConvertDType(negative, x.DType())
		}, nil
	}
	return nil, errors.Errorf("unknown fused activation %s", act)
}
