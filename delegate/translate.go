package delegate

import (
	"fmt"
	"slices"

	"github.com/gomlx/go-openvino/host"
	"github.com/gomlx/go-openvino/model"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// partition is the node subset handed to one delegate kernel, with the
// tensors crossing its boundary. Input and output order fixes the slot
// order of the compiled model.
type partition struct {
	nodes []int
	// inputs are the external, non-constant tensors the nodes read.
	inputs  []int
	outputs []int
	// used holds every tensor the nodes read or write as graph edges.
	used map[int]bool
}

// newPartition computes the partition of params. Attribute inputs (see
// attributeInputs) are not used tensors, and constants are not inputs:
// they become IR constants when first read.
func newPartition(ctx host.Context, params *host.DelegateParams) (*partition, error) {
	p := &partition{
		nodes:   slices.Clone(params.NodesToReplace),
		outputs: slices.Clone(params.OutputTensors),
		used:    make(map[int]bool),
	}
	for _, n := range p.nodes {
		node, reg, err := ctx.NodeAndRegistration(n)
		if err != nil {
			return nil, errors.WithMessagef(err, "partition node %d", n)
		}
		for _, t := range dataInputs(reg.BuiltinCode, node.Inputs) {
			p.used[t] = true
		}
		for _, t := range node.Outputs {
			p.used[t] = true
		}
	}
	for _, t := range params.InputTensors {
		if t < 0 || !p.used[t] {
			continue
		}
		tensor := ctx.Tensor(t)
		if tensor == nil {
			return nil, errors.Errorf("partition input tensor %d does not exist", t)
		}
		if tensor.IsConstant() {
			continue
		}
		p.inputs = append(p.inputs, t)
	}
	return p, nil
}

// valueTable maps host tensor indices to the IR value holding them.
type valueTable map[int]*model.Value

// translation is the state of translating one partition. It lives for a
// single call to translate.
type translation struct {
	ctx        host.Context
	opts       Options
	b          *model.Builder
	values     valueTable
	parameters []*model.Node
	results    []*model.Node
}

// translate builds the IR model of p. Nodes are translated in partition
// order, which is the host's execution order.
func translate(ctx host.Context, opts Options, p *partition, name string) (*model.Model, error) {
	tr := &translation{
		ctx:    ctx,
		opts:   opts,
		b:      model.NewBuilder(name),
		values: make(valueTable),
	}

	for _, t := range p.inputs {
		tensor := ctx.Tensor(t)
		param := tr.b.Parameter(tensorName(t, tensor), shapes.Make(tensor.Type, tensor.Dims...))
		if param == nil {
			return nil, errors.WithMessagef(tr.b.Err(), "input tensor %d", t)
		}
		tr.parameters = append(tr.parameters, param.Node())
		tr.values[t] = tr.dequantize(param, tensor)
	}

	for _, n := range p.nodes {
		if err := tr.translateNode(n); err != nil {
			return nil, err
		}
	}

	for _, t := range p.outputs {
		v, ok := tr.values[t]
		if !ok {
			return nil, errors.Wrapf(ErrOrderingViolation, "output tensor %d is not produced by the partition", t)
		}
		tensor := ctx.Tensor(t)
		v = tr.quantize(v, tensor)
		if v != nil && v.DType() != tensor.Type {
			return nil, errors.Errorf("output tensor %d has type %s, IR value has %s", t, tensor.Type, v.DType())
		}
		tr.results = append(tr.results, tr.b.Result(v))
	}
	if err := tr.b.Err(); err != nil {
		return nil, errors.WithMessage(err, "building IR results")
	}
	return model.NewModel(name, tr.results, tr.parameters)
}

// translateNode re-checks node n with diagnostics on and emits its IR.
func (tr *translation) translateNode(n int) error {
	node, reg, err := tr.ctx.NodeAndRegistration(n)
	if err != nil {
		return errors.WithMessagef(err, "translating node %d", n)
	}
	op, err := acceptNode(tr.opts, tr.ctx, reg, node, n, true)
	if err != nil {
		return errors.WithMessage(err, "node accepted for offload failed translation")
	}

	var ins []*model.Value
	for _, t := range dataInputs(reg.BuiltinCode, node.Inputs) {
		v, err := tr.resolve(t)
		if err != nil {
			return errors.WithMessagef(err, "node %d (%s)", n, reg.BuiltinCode)
		}
		ins = append(ins, v)
	}

	outs := op.build(tr.b, ins)
	if err := tr.b.Err(); err != nil {
		return errors.WithMessagef(err, "node %d (%s)", n, reg.BuiltinCode)
	}
	if len(outs) != len(node.Outputs) {
		return errors.Errorf("node %d (%s): IR has %d outputs, node has %d", n, reg.BuiltinCode, len(outs), len(node.Outputs))
	}
	for i, t := range node.Outputs {
		if got, want := outs[i].Shape().Dimensions, tr.ctx.Tensor(t).Dims; !slices.Equal(got, want) {
			return errors.Errorf("node %d (%s): IR output %d has shape %v, tensor %d has %v",
				n, reg.BuiltinCode, i, got, t, want)
		}
		tr.values[t] = outs[i]
	}
	return nil
}

// resolve returns the IR value of tensor t. Read-only tensors are
// materialized as constants on first use; any other tensor must have been
// produced already.
func (tr *translation) resolve(t int) (*model.Value, error) {
	if v, ok := tr.values[t]; ok {
		return v, nil
	}
	tensor := tr.ctx.Tensor(t)
	if tensor == nil || !tensor.IsConstant() {
		return nil, errors.Wrapf(ErrOrderingViolation, "tensor %d is read before it is produced", t)
	}
	c := tr.b.Constant(shapes.Make(tensor.Type, tensor.Dims...), tensor.Data)
	if c == nil {
		return nil, errors.WithMessagef(tr.b.Err(), "constant tensor %d", t)
	}
	v := tr.dequantize(c, tensor)
	tr.values[t] = v
	return v, nil
}

// dequantize converts a quantized value to Float32: (q - zeroPoint) * scale.
func (tr *translation) dequantize(v *model.Value, tensor *host.Tensor) *model.Value {
	if tensor.Type == dtypes.Float32 {
		return v
	}
	scale, zeroPoint, _ := tensor.Quantization.PerTensor()
	f := tr.b.Convert(v, dtypes.Float32)
	if zeroPoint != 0 {
		f = tr.b.Subtract(f, tr.b.ConstantFloat32([]float32{float32(zeroPoint)}))
	}
	return tr.b.Multiply(f, tr.b.ConstantFloat32([]float32{scale}))
}

// quantize converts a Float32 value back to tensor's quantized type:
// round(v / scale + zeroPoint), saturated. The runtime's Convert rounds
// ties away from zero, as TFLite's reference kernels do.
func (tr *translation) quantize(v *model.Value, tensor *host.Tensor) *model.Value {
	if tensor.Type == dtypes.Float32 {
		return v
	}
	scale, zeroPoint, _ := tensor.Quantization.PerTensor()
	q := tr.b.Divide(v, tr.b.ConstantFloat32([]float32{scale}))
	if zeroPoint != 0 {
		q = tr.b.Add(q, tr.b.ConstantFloat32([]float32{float32(zeroPoint)}))
	}
	return tr.b.Convert(q, tensor.Type)
}

func tensorName(t int, tensor *host.Tensor) string {
	if tensor.Name != "" {
		return fmt.Sprintf("%s_%d", tensor.Name, t)
	}
	return fmt.Sprintf("tensor_%d", t)
}
