package delegate

import (
	"encoding/binary"
	"slices"

	"github.com/gomlx/go-openvino/host"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// rule is the translation rule of one operator kind.
type rule struct {
	// minInputs and maxInputs bound the input count; maxInputs < 0 means
	// unbounded.
	minInputs, maxInputs int
	// outputs is the exact output count; < 0 means it is checked by decode.
	outputs int
	decode  func(ctx host.Context, node *host.Node) (operation, error)
	// optional lists the input positions that may be host.OptionalTensor.
	optional []int
}

// rules is the closed allow-list of offloadable operators.
var rules = map[host.BuiltinOperator]rule{
	host.BuiltinAdd:           {minInputs: 2, maxInputs: 2, outputs: 1, decode: decodeBinary(host.BuiltinAdd)},
	host.BuiltinSub:           {minInputs: 2, maxInputs: 2, outputs: 1, decode: decodeBinary(host.BuiltinSub)},
	host.BuiltinMul:           {minInputs: 2, maxInputs: 2, outputs: 1, decode: decodeBinary(host.BuiltinMul)},
	host.BuiltinDiv:           {minInputs: 2, maxInputs: 2, outputs: 1, decode: decodeBinary(host.BuiltinDiv)},
	host.BuiltinRelu:          {minInputs: 1, maxInputs: 1, outputs: 1, decode: decodeActivation(host.ActRelu)},
	host.BuiltinRelu6:         {minInputs: 1, maxInputs: 1, outputs: 1, decode: decodeActivation(host.ActRelu6)},
	host.BuiltinTanh:          {minInputs: 1, maxInputs: 1, outputs: 1, decode: decodeActivation(host.ActTanh)},
	host.BuiltinLogistic:      {minInputs: 1, maxInputs: 1, outputs: 1, decode: decodeActivation(host.ActSigmoid)},
	host.BuiltinMean:          {minInputs: 2, maxInputs: 2, outputs: 1, decode: decodeMean},
	host.BuiltinReshape:       {minInputs: 1, maxInputs: 2, outputs: 1, decode: decodeReshape, optional: []int{1}},
	host.BuiltinPad:           {minInputs: 2, maxInputs: 2, outputs: 1, decode: decodePad},
	host.BuiltinConcatenation: {minInputs: 1, maxInputs: -1, outputs: 1, decode: decodeConcat},
	host.BuiltinSoftmax:       {minInputs: 1, maxInputs: 1, outputs: 1, decode: decodeSoftmax},
	host.BuiltinSplit:         {minInputs: 2, maxInputs: 2, outputs: -1, decode: decodeSplit},
}

// acceptNode decides whether a node can be offloaded and decodes it.
//
// Checks run in order and stop at the first failure: operator kind, arity,
// tensor allocation, tensor type and quantization, operator attributes.
// acceptNode has no side effects and returns the same answer for the same
// node; report only controls whether a rejection is logged.
func acceptNode(opts Options, ctx host.Context, reg *host.Registration, node *host.Node, nodeIndex int, report bool) (operation, error) {
	op, err := accept(opts, ctx, reg, node)
	if err != nil {
		err = errors.WithMessagef(err, "node %d (%s)", nodeIndex, reg.BuiltinCode)
		if report {
			klog.Warningf("OpenVINO delegate: %v", err)
		}
		return nil, err
	}
	return op, nil
}

func accept(opts Options, ctx host.Context, reg *host.Registration, node *host.Node) (operation, error) {
	r, ok := rules[reg.BuiltinCode]
	if !ok {
		return nil, errors.WithStack(ErrUnsupportedOperator)
	}

	// Arity.
	n := len(node.Inputs)
	if n < r.minInputs || (r.maxInputs >= 0 && n > r.maxInputs) {
		if r.minInputs == r.maxInputs {
			return nil, errors.Wrapf(ErrArity, "got %d inputs, expected %d", n, r.minInputs)
		}
		return nil, errors.Wrapf(ErrArity, "got %d inputs, expected at least %d", n, r.minInputs)
	}
	if r.outputs >= 0 && len(node.Outputs) != r.outputs {
		return nil, errors.Wrapf(ErrArity, "got %d outputs, expected %d", len(node.Outputs), r.outputs)
	}
	for i, idx := range node.Inputs {
		if idx < 0 && (idx != host.OptionalTensor || !slices.Contains(r.optional, i)) {
			return nil, errors.Wrapf(ErrArity, "input #%d of the node is missing", i)
		}
	}
	for i, idx := range node.Outputs {
		if idx < 0 {
			return nil, errors.Wrapf(ErrArity, "output #%d of the node is missing", i)
		}
	}

	// Allocation, for every present tensor including attribute tensors.
	for _, idx := range slices.Concat(node.Inputs, node.Outputs) {
		if idx == host.OptionalTensor {
			continue
		}
		t := ctx.Tensor(idx)
		if t == nil {
			return nil, errors.Wrapf(ErrArity, "tensor %d does not exist", idx)
		}
		if t.Allocation == host.AllocDynamic {
			return nil, errors.Wrapf(ErrUnsupportedAllocation, "tensor %d (%q) is dynamically allocated", idx, t.Name)
		}
	}

	// Type and quantization of the data tensors.
	for _, idx := range slices.Concat(dataInputs(reg.BuiltinCode, node.Inputs), node.Outputs) {
		if err := checkType(opts.Flags, ctx.Tensor(idx)); err != nil {
			return nil, errors.WithMessagef(err, "tensor %d", idx)
		}
	}

	return r.decode(ctx, node)
}

// checkType accepts Float32, and 8-bit integers with a per-tensor affine
// quantization when the matching flag is set.
func checkType(flags Flags, t *host.Tensor) error {
	switch t.Type {
	case dtypes.Float32:
		return nil
	case dtypes.Int8:
		if !flags.Has(FlagQS8) {
			return errors.Wrapf(ErrUnsupportedType, "%s requires signed 8-bit support", t.Type)
		}
		q := t.Quantization
		if q.Type != host.AffineQuantization || q.Affine == nil || q.Affine.QuantizedDimension != 0 ||
			len(q.Affine.Scale) != 1 || len(q.Affine.ZeroPoint) > 1 {
			return errors.Wrapf(ErrUnsupportedType, "%s requires per-tensor affine quantization", t.Type)
		}
		return nil
	case dtypes.Uint8:
		if !flags.Has(FlagQU8) {
			return errors.Wrapf(ErrUnsupportedType, "%s requires unsigned 8-bit support", t.Type)
		}
		q := t.Quantization
		if q.Type != host.AffineQuantization || q.Affine == nil || q.Affine.QuantizedDimension != 0 ||
			len(q.Affine.Scale) != 1 || len(q.Affine.ZeroPoint) != 1 {
			return errors.Wrapf(ErrUnsupportedType, "%s requires per-tensor affine quantization", t.Type)
		}
		return nil
	}
	return errors.Wrapf(ErrUnsupportedType, "element type %s", t.Type)
}

func decodeBinary(code host.BuiltinOperator) func(host.Context, *host.Node) (operation, error) {
	return func(_ host.Context, node *host.Node) (operation, error) {
		act, ok := fusedActivation(node.BuiltinData)
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedAttribute, "unexpected parameters %T", node.BuiltinData)
		}
		if err := checkActivation(act); err != nil {
			return nil, err
		}
		return &binaryOp{code: code, activation: act}, nil
	}
}

// fusedActivation extracts the activation of an elementwise parameter blob.
func fusedActivation(data any) (host.FusedActivation, bool) {
	switch p := data.(type) {
	case *host.AddParams:
		if p != nil {
			return p.Activation, true
		}
	case *host.SubParams:
		if p != nil {
			return p.Activation, true
		}
	case *host.MulParams:
		if p != nil {
			return p.Activation, true
		}
	case *host.DivParams:
		if p != nil {
			return p.Activation, true
		}
	}
	return host.ActNone, false
}

func decodeActivation(act host.FusedActivation) func(host.Context, *host.Node) (operation, error) {
	return func(host.Context, *host.Node) (operation, error) {
		return &activationOp{activation: act}, nil
	}
}

func decodeMean(ctx host.Context, node *host.Node) (operation, error) {
	p, ok := node.BuiltinData.(*host.ReducerParams)
	if !ok || p == nil {
		return nil, errors.Wrapf(ErrUnsupportedAttribute, "unexpected parameters %T", node.BuiltinData)
	}
	axes, err := intAttribute(ctx, node.Inputs[1], "axes")
	if err != nil {
		return nil, err
	}
	rank := len(ctx.Tensor(node.Inputs[0]).Dims)
	seen := make(map[int]bool, len(axes))
	for i, a := range axes {
		if a < -rank || a >= rank {
			return nil, errors.Wrapf(ErrUnsupportedAttribute, "axis %d out of range for rank %d", a, rank)
		}
		if a < 0 {
			a += rank
		}
		if seen[a] {
			return nil, errors.Wrapf(ErrUnsupportedAttribute, "axis %d repeated", a)
		}
		seen[a] = true
		axes[i] = a
	}
	return &meanOp{axes: axes, keepDims: p.KeepDims}, nil
}

func decodeReshape(ctx host.Context, node *host.Node) (operation, error) {
	var shape []int
	if len(node.Inputs) == 2 && node.Inputs[1] >= 0 {
		var err error
		if shape, err = intAttribute(ctx, node.Inputs[1], "shape"); err != nil {
			return nil, err
		}
	} else if p, ok := node.BuiltinData.(*host.ReshapeParams); ok && p != nil {
		shape = slices.Clone(p.NewShape)
	} else {
		return nil, errors.Wrap(ErrUnsupportedAttribute, "reshape without a shape tensor or parameters")
	}
	// The output tensor's static shape is authoritative for -1 entries.
	out := ctx.Tensor(node.Outputs[0])
	if len(shape) != len(out.Dims) {
		return nil, errors.Wrapf(ErrUnsupportedAttribute, "shape %v does not match output shape %v", shape, out.Dims)
	}
	for i, d := range shape {
		if d != -1 && d != out.Dims[i] {
			return nil, errors.Wrapf(ErrUnsupportedAttribute, "shape %v does not match output shape %v", shape, out.Dims)
		}
	}
	if out.NumElements() != ctx.Tensor(node.Inputs[0]).NumElements() {
		return nil, errors.Wrapf(ErrUnsupportedAttribute, "reshape changes the number of elements")
	}
	return &reshapeOp{shape: slices.Clone(out.Dims)}, nil
}

func decodePad(ctx host.Context, node *host.Node) (operation, error) {
	pads, err := intAttribute(ctx, node.Inputs[1], "paddings")
	if err != nil {
		return nil, err
	}
	rank := len(ctx.Tensor(node.Inputs[0]).Dims)
	if len(pads) != 2*rank {
		return nil, errors.Wrapf(ErrUnsupportedAttribute, "%d paddings for rank %d", len(pads), rank)
	}
	op := &padOp{before: make([]int, rank), after: make([]int, rank)}
	for i := range rank {
		op.before[i], op.after[i] = pads[2*i], pads[2*i+1]
		if op.before[i] < 0 || op.after[i] < 0 {
			return nil, errors.Wrapf(ErrUnsupportedAttribute, "negative padding on axis %d", i)
		}
	}
	return op, nil
}

func decodeConcat(ctx host.Context, node *host.Node) (operation, error) {
	p, ok := node.BuiltinData.(*host.ConcatenationParams)
	if !ok || p == nil {
		return nil, errors.Wrapf(ErrUnsupportedAttribute, "unexpected parameters %T", node.BuiltinData)
	}
	if err := checkActivation(p.Activation); err != nil {
		return nil, err
	}
	rank := len(ctx.Tensor(node.Outputs[0]).Dims)
	axis := p.Axis
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, errors.Wrapf(ErrUnsupportedAttribute, "axis %d out of range for rank %d", p.Axis, rank)
	}
	return &concatOp{axis: axis, activation: p.Activation}, nil
}

func decodeSoftmax(_ host.Context, node *host.Node) (operation, error) {
	p, ok := node.BuiltinData.(*host.SoftmaxParams)
	if !ok || p == nil {
		return nil, errors.Wrapf(ErrUnsupportedAttribute, "unexpected parameters %T", node.BuiltinData)
	}
	if p.Beta <= 0 {
		return nil, errors.Wrapf(ErrUnsupportedAttribute, "beta %g", p.Beta)
	}
	return &softmaxOp{beta: p.Beta}, nil
}

func decodeSplit(ctx host.Context, node *host.Node) (operation, error) {
	p, ok := node.BuiltinData.(*host.SplitParams)
	if !ok || p == nil {
		return nil, errors.Wrapf(ErrUnsupportedAttribute, "unexpected parameters %T", node.BuiltinData)
	}
	if p.NumSplits <= 0 || len(node.Outputs) != p.NumSplits {
		return nil, errors.Wrapf(ErrArity, "got %d outputs for %d splits", len(node.Outputs), p.NumSplits)
	}
	axes, err := intAttribute(ctx, node.Inputs[0], "split dimension")
	if err != nil {
		return nil, err
	}
	if len(axes) != 1 {
		return nil, errors.Wrapf(ErrUnsupportedAttribute, "split dimension has %d values", len(axes))
	}
	dims := ctx.Tensor(node.Inputs[1]).Dims
	axis := axes[0]
	if axis < 0 {
		axis += len(dims)
	}
	if axis < 0 || axis >= len(dims) {
		return nil, errors.Wrapf(ErrUnsupportedAttribute, "axis %d out of range for rank %d", axes[0], len(dims))
	}
	if dims[axis]%p.NumSplits != 0 {
		return nil, errors.Wrapf(ErrUnsupportedAttribute, "dimension %d not divisible into %d splits", dims[axis], p.NumSplits)
	}
	return &splitOp{axis: axis, numSplits: p.NumSplits}, nil
}

// intAttribute reads a read-only Int32 tensor holding operator attributes.
func intAttribute(ctx host.Context, idx int, what string) ([]int, error) {
	t := ctx.Tensor(idx)
	if t == nil {
		return nil, errors.Wrapf(ErrUnsupportedAttribute, "%s tensor %d does not exist", what, idx)
	}
	if !t.IsConstant() {
		return nil, errors.Wrapf(ErrUnsupportedAttribute, "%s tensor %d is not constant", what, idx)
	}
	if t.Type != dtypes.Int32 {
		return nil, errors.Wrapf(ErrUnsupportedAttribute, "%s tensor %d has type %s, expected %s", what, idx, t.Type, dtypes.Int32)
	}
	n := t.NumElements()
	if len(t.Data) < 4*n {
		return nil, errors.Wrapf(ErrUnsupportedAttribute, "%s tensor %d holds %d bytes for %d values", what, idx, len(t.Data), n)
	}
	values := make([]int, n)
	for i := range values {
		values[i] = int(int32(binary.LittleEndian.Uint32(t.Data[4*i:])))
	}
	return values, nil
}
