package delegate

import (
	"github.com/gomlx/go-openvino/host"
	"github.com/gomlx/go-openvino/model"
	"github.com/pkg/errors"
)

// operation is a decoded host node: one variant per operator family, with
// its parameters already validated and strongly typed.
type operation interface {
	// build emits the IR of the operation from its data inputs and returns
	// one value per node output.
	build(b *model.Builder, ins []*model.Value) []*model.Value
}

type binaryOp struct {
	code       host.BuiltinOperator
	activation host.FusedActivation
}

func (op *binaryOp) build(b *model.Builder, ins []*model.Value) []*model.Value {
	var y *model.Value
	switch op.code {
	case host.BuiltinAdd:
		y = b.Add(ins[0], ins[1])
	case host.BuiltinSub:
		y = b.Subtract(ins[0], ins[1])
	case host.BuiltinMul:
		y = b.Multiply(ins[0], ins[1])
	case host.BuiltinDiv:
		y = b.Divide(ins[0], ins[1])
	}
	return []*model.Value{activate(b, y, op.activation)}
}

// activationOp is a standalone activation (RELU, RELU6, TANH, LOGISTIC).
type activationOp struct {
	activation host.FusedActivation
}

func (op *activationOp) build(b *model.Builder, ins []*model.Value) []*model.Value {
	return []*model.Value{activate(b, ins[0], op.activation)}
}

type meanOp struct {
	axes     []int
	keepDims bool
}

func (op *meanOp) build(b *model.Builder, ins []*model.Value) []*model.Value {
	return []*model.Value{b.ReduceMean(ins[0], op.axes, op.keepDims)}
}

type reshapeOp struct {
	shape []int
}

func (op *reshapeOp) build(b *model.Builder, ins []*model.Value) []*model.Value {
	return []*model.Value{b.Reshape(ins[0], op.shape)}
}

type padOp struct {
	before, after []int
}

func (op *padOp) build(b *model.Builder, ins []*model.Value) []*model.Value {
	return []*model.Value{b.Pad(ins[0], op.before, op.after, 0)}
}

type concatOp struct {
	axis       int
	activation host.FusedActivation
}

func (op *concatOp) build(b *model.Builder, ins []*model.Value) []*model.Value {
	return []*model.Value{activate(b, b.Concat(ins, op.axis), op.activation)}
}

type softmaxOp struct {
	beta float32
}

func (op *softmaxOp) build(b *model.Builder, ins []*model.Value) []*model.Value {
	x := ins[0]
	if op.beta != 1 {
		x = b.Multiply(x, b.ConstantFloat32([]float32{op.beta}))
	}
	return []*model.Value{b.Softmax(x, -1)}
}

type splitOp struct {
	axis      int
	numSplits int
}

func (op *splitOp) build(b *model.Builder, ins []*model.Value) []*model.Value {
	return b.Split(ins[0], op.axis, op.numSplits)
}

// activate wraps x in the IR node of a fused activation.
func activate(b *model.Builder, x *model.Value, act host.FusedActivation) *model.Value {
	switch act {
	case host.ActRelu:
		return b.Relu(x)
	case host.ActReluN1To1:
		return b.Clamp(x, -1, 1)
	case host.ActRelu6:
		return b.Clamp(x, 0, 6)
	case host.ActTanh:
		return b.Tanh(x)
	case host.ActSigmoid:
		return b.Sigmoid(x)
	}
	return x
}

func checkActivation(act host.FusedActivation) error {
	switch act {
	case host.ActNone, host.ActRelu, host.ActReluN1To1, host.ActRelu6, host.ActTanh, host.ActSigmoid:
		return nil
	}
	return errors.Wrapf(ErrUnsupportedAttribute, "fused activation %s", act)
}

// inputFilter selects which node inputs are graph edges. The others carry
// shapes, axes or sizes that the IR encodes as operator attributes, and
// never become IR parameters or constants.
type inputFilter int

const (
	keepAll inputFilter = iota
	keepFirst
	keepSecond
	dropFirst
)

// attributeInputs is the per-operator positional input filter.
var attributeInputs = map[host.BuiltinOperator]inputFilter{
	host.BuiltinMean:           keepFirst,
	host.BuiltinPad:            keepFirst,
	host.BuiltinReshape:        keepFirst,
	host.BuiltinResizeBilinear: keepFirst,
	host.BuiltinSplit:          keepSecond,
	host.BuiltinTransposeConv:  dropFirst,
}

// dataInputs returns the inputs of a node of kind code that are graph
// edges, skipping optional (negative) indices.
func dataInputs(code host.BuiltinOperator, inputs []int) []int {
	var out []int
	for i, t := range inputs {
		if t < 0 {
			continue
		}
		switch attributeInputs[code] {
		case keepFirst:
			if i != 0 {
				continue
			}
		case keepSecond:
			if i != 1 {
				continue
			}
		case dropFirst:
			if i == 0 {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}
