// Package model provides a fluent API for constructing OpenVINO-style IR graphs.
//
// The IR is a directed acyclic graph of typed nodes (Parameter, Const, Add,
// Relu, ...). Every node produces zero or more output values with a static
// shape and element type, and consumes the values produced by earlier nodes.
// A Model is assembled from the set of Result nodes the graph must keep alive
// and the Parameter nodes fed at execution time.
//
// Example usage:
//
//	b := model.NewBuilder("main")
//	x := b.Parameter("x", shapes.Make(model.Float32, 1, 4))
//	y := b.Parameter("y", shapes.Make(model.Float32, 4))
//	z := b.Relu(b.Add(x, y))
//	if err := b.Err(); err != nil { ... }
//	m, err := model.NewModel("main", []*model.Node{b.Result(z)}, []*model.Node{x.Node(), y.Node()})
package model

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// DType represents the element type of IR values.
type DType = dtypes.DType

// Element types understood by the IR.
const (
	Float16 = dtypes.Float16
	Float32 = dtypes.Float32
	Int8    = dtypes.Int8
	Uint8   = dtypes.Uint8
	Int32   = dtypes.Int32
)

// IR operator type names, as they appear in the serialized XML.
const (
	OpParameter  = "Parameter"
	OpConstant   = "Const"
	OpResult     = "Result"
	OpAdd        = "Add"
	OpSubtract   = "Subtract"
	OpMultiply   = "Multiply"
	OpDivide     = "Divide"
	OpRelu       = "Relu"
	OpClamp      = "Clamp"
	OpTanh       = "Tanh"
	OpSigmoid    = "Sigmoid"
	OpReduceMean = "ReduceMean"
	OpReshape    = "Reshape"
	OpPad        = "Pad"
	OpConcat     = "Concat"
	OpSoftmax    = "Softmax"
	OpSplit      = "Split"
	OpConvert    = "Convert"
)

// Value is one output of a Node: an edge source in the IR graph.
type Value struct {
	node  *Node
	index int
	shape shapes.Shape
}

// Node returns the node producing the value.
func (v *Value) Node() *Node {
	return v.node
}

// Index returns the output port of the producing node.
func (v *Value) Index() int {
	return v.index
}

// Shape returns the value's static shape, including its element type.
func (v *Value) Shape() shapes.Shape {
	return v.shape
}

// DType returns the value's element type.
func (v *Value) DType() DType {
	return v.shape.DType
}

// Name returns a unique name for the value.
// Single-output nodes name their value after the node.
func (v *Value) Name() string {
	if len(v.node.outputs) == 1 {
		return v.node.name
	}
	return fmt.Sprintf("%s:%d", v.node.name, v.index)
}

// IsConst returns true if the value is produced by a Const node.
func (v *Value) IsConst() bool {
	return v.node.opType == OpConstant
}

// Node is one operation of the IR graph.
type Node struct {
	id      int
	name    string
	opType  string
	inputs  []*Value
	outputs []*Value
	attrs   map[string]any

	// data holds the raw little-endian payload of Const nodes.
	data []byte
}

// ID returns the creation index of the node, unique within its Builder.
func (n *Node) ID() int {
	return n.id
}

// Name returns the node's name.
func (n *Node) Name() string {
	return n.name
}

// Type returns the IR operator type (e.g. OpAdd).
func (n *Node) Type() string {
	return n.opType
}

// Inputs returns the values consumed by the node, in port order.
func (n *Node) Inputs() []*Value {
	return n.inputs
}

// Outputs returns the values produced by the node, in port order.
func (n *Node) Outputs() []*Value {
	return n.outputs
}

// Output returns the i-th output value.
func (n *Node) Output(i int) *Value {
	return n.outputs[i]
}

// Attr returns the attribute with the given name.
func (n *Node) Attr(name string) (any, bool) {
	v, ok := n.attrs[name]
	return v, ok
}

// AttrNames returns the names of the node's attributes.
func (n *Node) AttrNames() []string {
	names := make([]string, 0, len(n.attrs))
	for name := range n.attrs {
		names = append(names, name)
	}
	return names
}

// Data returns the raw payload of a Const node, nil for any other node.
func (n *Node) Data() []byte {
	return n.data
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)#%d", n.opType, n.name, n.id)
}

// Builder constructs IR graphs.
//
// Builder methods never return errors: the first error encountered is
// recorded and returned by Err, and operations fed with a nil Value (the
// result of an earlier failure) return nil.
type Builder struct {
	name   string
	nodes  []*Node
	nextID int
	err    error // first error encountered during building
}

// NewBuilder creates a new IR graph builder.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Name returns the builder's name.
func (b *Builder) Name() string {
	return b.name
}

// Err returns the first error encountered during building, if any.
// Callers should check this after constructing a graph to ensure
// all operations were valid.
func (b *Builder) Err() error {
	return b.err
}

// setErr records the first error encountered.
func (b *Builder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Nodes returns all nodes created so far, in creation order.
func (b *Builder) Nodes() []*Node {
	return b.nodes
}

// genName generates a unique name for nodes.
func (b *Builder) genName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, b.nextID)
}

// addNode appends a node with one output per element of outShapes.
// It returns nil if any input is nil.
func (b *Builder) addNode(opType, name string, inputs []*Value, attrs map[string]any, outShapes ...shapes.Shape) *Node {
	for i, in := range inputs {
		if in == nil {
			b.setErr(errors.Errorf("%s: input #%d is nil", opType, i))
			return nil
		}
	}
	if name == "" {
		name = b.genName(opType)
	}
	n := &Node{
		id:     b.nextID,
		name:   name,
		opType: opType,
		inputs: inputs,
		attrs:  attrs,
	}
	b.nextID++
	n.outputs = make([]*Value, len(outShapes))
	for i, s := range outShapes {
		n.outputs[i] = &Value{node: n, index: i, shape: s}
	}
	b.nodes = append(b.nodes, n)
	return n
}

// addOp adds a single-output operation and returns its value.
func (b *Builder) addOp(opType string, inputs []*Value, attrs map[string]any, outShape shapes.Shape) *Value {
	n := b.addNode(opType, "", inputs, attrs, outShape)
	if n == nil {
		return nil
	}
	return n.outputs[0]
}

// Parameter adds an input of the graph, fed at execution time.
func (b *Builder) Parameter(name string, shape shapes.Shape) *Value {
	if !isSupportedDType(shape.DType) {
		b.setErr(errors.Errorf("Parameter %q: unsupported element type %s", name, shape.DType))
		return nil
	}
	n := b.addNode(OpParameter, name, nil, map[string]any{
		"shape":        shape.Dimensions,
		"element_type": shape.DType,
	}, shape.Clone())
	return n.outputs[0]
}

// Constant creates a constant from its raw little-endian payload.
// The payload length must match the shape exactly.
func (b *Builder) Constant(shape shapes.Shape, data []byte) *Value {
	if !isSupportedDType(shape.DType) {
		b.setErr(errors.Errorf("Const: unsupported element type %s", shape.DType))
		return nil
	}
	want := shape.Size() * shape.DType.Size()
	if len(data) != want {
		b.setErr(errors.Errorf("Const: payload has %d bytes, shape %s requires %d", len(data), shape, want))
		return nil
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	n := b.addNode(OpConstant, "", nil, map[string]any{
		"shape":        shape.Dimensions,
		"element_type": shape.DType,
	}, shape.Clone())
	n.data = payload
	return n.outputs[0]
}

// ConstantFloat32 creates a Float32 constant with the given dimensions.
// With no dimensions the constant is a scalar.
func (b *Builder) ConstantFloat32(values []float32, dims ...int) *Value {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return b.Constant(shapes.Make(Float32, dims...), data)
}

// Result marks v as an output the compiled graph must keep alive and expose.
func (b *Builder) Result(v *Value) *Node {
	if v == nil {
		b.setErr(errors.New("Result: value is nil"))
		return nil
	}
	return b.addNode(OpResult, "", []*Value{v}, nil)
}

// isSupportedDType reports whether the IR can hold values of dtype.
func isSupportedDType(dtype DType) bool {
	switch dtype {
	case Float16, Float32, Int8, Uint8, Int32:
		return true
	}
	return false
}

// ElementTypeName returns the IR spelling of an element type ("f32", "i8", ...).
func ElementTypeName(dtype DType) string {
	switch dtype {
	case Float16:
		return "f16"
	case Float32:
		return "f32"
	case Int8:
		return "i8"
	case Uint8:
		return "u8"
	case Int32:
		return "i32"
	default:
		return "undefined"
	}
}
