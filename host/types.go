// Package host defines the contract between a graph executor and the
// delegates that take over some of its nodes: tensors, nodes, operator
// registrations, the execution plan and the delegate kernel lifecycle.
//
// It also provides Graph, a small in-memory executor implementing Context,
// used to drive delegates end to end.
package host

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// AllocationType classifies how a tensor's buffer is managed.
type AllocationType int

const (
	AllocNone AllocationType = iota
	// AllocMmapRO is read-only data baked into the model (weights, constants).
	AllocMmapRO
	AllocArenaRW
	AllocArenaRWPersistent
	// AllocDynamic tensors are resized at run time; their shape is unknown
	// when the graph is prepared.
	AllocDynamic
	AllocCustom
)

var allocationNames = [...]string{"None", "MmapRO", "ArenaRW", "ArenaRWPersistent", "Dynamic", "Custom"}

func (a AllocationType) String() string {
	if a >= 0 && int(a) < len(allocationNames) {
		return allocationNames[a]
	}
	return fmt.Sprintf("AllocationType(%d)", int(a))
}

// QuantizationType tags the content of Quantization.
type QuantizationType int

const (
	NoQuantization QuantizationType = iota
	AffineQuantization
)

// Affine holds affine quantization parameters: real = Scale * (q - ZeroPoint).
// A single scale and zero point means per-tensor quantization; more means
// per-channel along QuantizedDimension.
type Affine struct {
	Scale              []float32
	ZeroPoint          []int64
	QuantizedDimension int
}

// Quantization describes how a tensor's integer values map to reals.
type Quantization struct {
	Type   QuantizationType
	Affine *Affine
}

// PerTensor returns the scale and zero point of a per-tensor affine
// quantization. ok is false for anything else.
func (q Quantization) PerTensor() (scale float32, zeroPoint int64, ok bool) {
	if q.Type != AffineQuantization || q.Affine == nil || len(q.Affine.Scale) != 1 {
		return 0, 0, false
	}
	if len(q.Affine.ZeroPoint) > 1 {
		return 0, 0, false
	}
	if len(q.Affine.ZeroPoint) == 1 {
		zeroPoint = q.Affine.ZeroPoint[0]
	}
	return q.Affine.Scale[0], zeroPoint, true
}

// Tensor is the host's view of one tensor of the graph.
type Tensor struct {
	Name         string
	Type         dtypes.DType
	Dims         []int
	Allocation   AllocationType
	Quantization Quantization
	// Data is the raw little-endian buffer.
	Data []byte
	// Bytes is the declared byte size of the buffer.
	Bytes int
}

// NumElements returns the product of Dims.
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// IsConstant reports whether the tensor is read-only model data.
func (t *Tensor) IsConstant() bool {
	return t.Allocation == AllocMmapRO
}

// BuiltinOperator enumerates the builtin operator kinds.
type BuiltinOperator int

const (
	BuiltinAdd BuiltinOperator = iota
	BuiltinConcatenation
	BuiltinConv2D
	BuiltinDiv
	BuiltinFullyConnected
	BuiltinLogistic
	BuiltinMean
	BuiltinMul
	BuiltinPad
	BuiltinRelu
	BuiltinRelu6
	BuiltinReshape
	BuiltinResizeBilinear
	BuiltinSoftmax
	BuiltinSplit
	BuiltinSub
	BuiltinTanh
	BuiltinTransposeConv
	// BuiltinDelegate marks nodes created by ReplaceNodeSubsetsWithDelegateKernels.
	BuiltinDelegate
)

var builtinNames = [...]string{
	"ADD", "CONCATENATION", "CONV_2D", "DIV", "FULLY_CONNECTED", "LOGISTIC",
	"MEAN", "MUL", "PAD", "RELU", "RELU6", "RESHAPE", "RESIZE_BILINEAR",
	"SOFTMAX", "SPLIT", "SUB", "TANH", "TRANSPOSE_CONV", "DELEGATE",
}

func (op BuiltinOperator) String() string {
	if op >= 0 && int(op) < len(builtinNames) {
		return builtinNames[op]
	}
	return fmt.Sprintf("BuiltinOperator(%d)", int(op))
}

// FusedActivation is applied to an operator's primary output.
type FusedActivation int

const (
	ActNone FusedActivation = iota
	ActRelu
	ActReluN1To1
	ActRelu6
	ActTanh
	ActSignBit
	ActSigmoid
)

var activationNames = [...]string{"NONE", "RELU", "RELU_N1_TO_1", "RELU6", "TANH", "SIGN_BIT", "SIGMOID"}

func (a FusedActivation) String() string {
	if a >= 0 && int(a) < len(activationNames) {
		return activationNames[a]
	}
	return fmt.Sprintf("FusedActivation(%d)", int(a))
}

// Builtin parameter blobs, stored in Node.BuiltinData.
type (
	AddParams struct{ Activation FusedActivation }
	SubParams struct{ Activation FusedActivation }
	MulParams struct{ Activation FusedActivation }
	DivParams struct{ Activation FusedActivation }

	ConcatenationParams struct {
		Axis       int
		Activation FusedActivation
	}

	ReducerParams struct{ KeepDims bool }

	// ReshapeParams carries the target shape when the node has no shape tensor.
	ReshapeParams struct{ NewShape []int }

	SoftmaxParams struct{ Beta float32 }

	SplitParams struct{ NumSplits int }
)

// OptionalTensor is the input index of an omitted optional input.
const OptionalTensor = -1

// Node is one operator instance of the graph.
type Node struct {
	Inputs  []int
	Outputs []int
	// BuiltinData is the operator's parameter blob, e.g. *AddParams.
	BuiltinData any
	// UserData is the value returned by KernelRegistration.Init for
	// delegate nodes.
	UserData any
}

// Registration identifies the operator a node runs.
type Registration struct {
	BuiltinCode BuiltinOperator
	CustomName  string
	Version     int
}

// DelegateParams describes one node subset replaced by a delegate kernel.
type DelegateParams struct {
	NodesToReplace []int
	// InputTensors are the tensors the subset reads but does not produce,
	// constants included.
	InputTensors []int
	// OutputTensors are the tensors the subset produces that are read
	// outside of it or are graph outputs.
	OutputTensors []int
}

// KernelRegistration is the lifecycle of a delegate kernel.
//
// Init is called once per replaced subset and returns the kernel's state,
// stored in Node.UserData. Prepare and Invoke receive the delegate node.
// Free releases the state.
type KernelRegistration struct {
	CustomName string
	Version    int
	Init       func(ctx Context, params *DelegateParams) (any, error)
	Free       func(data any)
	Prepare    func(ctx Context, node *Node) error
	Invoke     func(ctx Context, node *Node) error
}

// Context is the executor interface offered to delegates.
type Context interface {
	// ExecutionPlan returns the node indices in execution order.
	ExecutionPlan() ([]int, error)
	NodeAndRegistration(nodeIndex int) (*Node, *Registration, error)
	// Tensor returns the tensor with the given index, or nil.
	Tensor(index int) *Tensor
	NumTensors() int
	// ReplaceNodeSubsetsWithDelegateKernels replaces the given sorted node
	// indices by delegate kernels.
	ReplaceNodeSubsetsWithDelegateKernels(reg KernelRegistration, nodes []int) error
}

// Delegate claims nodes of a graph.
type Delegate interface {
	Prepare(ctx Context) error
}
