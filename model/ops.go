package model

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// This file contains the IR operation builders.
// Operator semantics follow the OpenVINO opset documentation:
// https://docs.openvino.ai/latest/documentation/openvino-ir-format/operation-sets.html

// Add performs element-wise addition with numpy broadcasting: z = x + y.
func (b *Builder) Add(x, y *Value) *Value {
	return b.binaryOp(OpAdd, x, y)
}

// Subtract performs element-wise subtraction with numpy broadcasting: z = x - y.
func (b *Builder) Subtract(x, y *Value) *Value {
	return b.binaryOp(OpSubtract, x, y)
}

// Multiply performs element-wise multiplication with numpy broadcasting: z = x * y.
func (b *Builder) Multiply(x, y *Value) *Value {
	return b.binaryOp(OpMultiply, x, y)
}

// Divide performs element-wise division with numpy broadcasting: z = x / y.
func (b *Builder) Divide(x, y *Value) *Value {
	return b.binaryOp(OpDivide, x, y)
}

func (b *Builder) binaryOp(opType string, x, y *Value) *Value {
	if x == nil || y == nil {
		b.setErr(errors.Errorf("%s: operand is nil", opType))
		return nil
	}
	if x.DType() != y.DType() {
		b.setErr(errors.Errorf("%s: element types differ (%s vs %s)", opType, x.DType(), y.DType()))
		return nil
	}
	dims, err := broadcastShape(x.shape.Dimensions, y.shape.Dimensions)
	if err != nil {
		b.setErr(errors.WithMessagef(err, "%s(%s, %s)", opType, x.shape, y.shape))
		return nil
	}
	return b.addOp(opType, []*Value{x, y}, map[string]any{
		"auto_broadcast": "numpy",
	}, shapes.Make(x.DType(), dims...))
}

// Relu applies rectified linear unit: z = max(x, 0).
func (b *Builder) Relu(x *Value) *Value {
	return b.unaryOp(OpRelu, x, nil)
}

// Tanh applies hyperbolic tangent: z = tanh(x).
func (b *Builder) Tanh(x *Value) *Value {
	return b.unaryOp(OpTanh, x, nil)
}

// Sigmoid applies the logistic function: z = 1 / (1 + exp(-x)).
func (b *Builder) Sigmoid(x *Value) *Value {
	return b.unaryOp(OpSigmoid, x, nil)
}

// Clamp limits values to the range [minVal, maxVal].
func (b *Builder) Clamp(x *Value, minVal, maxVal float64) *Value {
	if minVal > maxVal {
		b.setErr(errors.Errorf("Clamp: min %g > max %g", minVal, maxVal))
		return nil
	}
	return b.unaryOp(OpClamp, x, map[string]any{"min": minVal, "max": maxVal})
}

func (b *Builder) unaryOp(opType string, x *Value, attrs map[string]any) *Value {
	if x == nil {
		b.setErr(errors.Errorf("%s: operand is nil", opType))
		return nil
	}
	return b.addOp(opType, []*Value{x}, attrs, x.shape.Clone())
}

// ReduceMean computes the mean along the given axes.
// Negative axes count from the end. With keepDims the reduced axes are kept
// with dimension 1.
func (b *Builder) ReduceMean(x *Value, axes []int, keepDims bool) *Value {
	if x == nil {
		b.setErr(errors.New("ReduceMean: operand is nil"))
		return nil
	}
	normalized, err := normalizeAxes(axes, x.shape.Rank())
	if err != nil {
		b.setErr(errors.WithMessage(err, "ReduceMean"))
		return nil
	}
	dims := computeReduceShape(x.shape.Dimensions, normalized, keepDims)
	return b.addOp(OpReduceMean, []*Value{x}, map[string]any{
		"axes":      normalized,
		"keep_dims": keepDims,
	}, shapes.Make(x.DType(), dims...))
}

// Reshape changes the shape of a tensor, keeping its elements in order.
// At most one dimension may be -1, in which case it is inferred.
func (b *Builder) Reshape(x *Value, dims []int) *Value {
	if x == nil {
		b.setErr(errors.New("Reshape: operand is nil"))
		return nil
	}
	outDims, err := resolveReshape(x.shape.Size(), dims)
	if err != nil {
		b.setErr(errors.WithMessagef(err, "Reshape(%s, %v)", x.shape, dims))
		return nil
	}
	return b.addOp(OpReshape, []*Value{x}, map[string]any{
		"shape": outDims,
	}, shapes.Make(x.DType(), outDims...))
}

// Pad adds constant padding to a tensor.
// padBefore/padAfter give the number of elements added before/after each axis.
// Output shape: [x.shape[i] + padBefore[i] + padAfter[i] for i in range(rank)]
func (b *Builder) Pad(x *Value, padBefore, padAfter []int, padValue float32) *Value {
	if x == nil {
		b.setErr(errors.New("Pad: operand is nil"))
		return nil
	}
	rank := x.shape.Rank()
	if len(padBefore) != rank || len(padAfter) != rank {
		b.setErr(errors.Errorf("Pad: %d/%d paddings for rank %d", len(padBefore), len(padAfter), rank))
		return nil
	}
	dims := make([]int, rank)
	for i := range dims {
		if padBefore[i] < 0 || padAfter[i] < 0 {
			b.setErr(errors.Errorf("Pad: negative padding on axis %d", i))
			return nil
		}
		dims[i] = x.shape.Dimensions[i] + padBefore[i] + padAfter[i]
	}
	return b.addOp(OpPad, []*Value{x}, map[string]any{
		"pads_begin": slices.Clone(padBefore),
		"pads_end":   slices.Clone(padAfter),
		"pad_mode":   "constant",
		"pad_value":  padValue,
	}, shapes.Make(x.DType(), dims...))
}

// Concat joins values along axis. All values must share element type, rank
// and every dimension except axis.
func (b *Builder) Concat(values []*Value, axis int) *Value {
	if len(values) == 0 {
		b.setErr(errors.New("Concat requires at least one input tensor"))
		return nil
	}
	for i, v := range values {
		if v == nil {
			b.setErr(errors.Errorf("Concat: input #%d is nil", i))
			return nil
		}
	}
	first := values[0]
	rank := first.shape.Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		b.setErr(errors.Errorf("Concat: axis %d out of range for rank %d", axis, rank))
		return nil
	}
	dims := slices.Clone(first.shape.Dimensions)
	dims[axis] = 0
	for i, v := range values {
		if v.DType() != first.DType() || v.shape.Rank() != rank {
			b.setErr(errors.Errorf("Concat: input #%d %s incompatible with %s", i, v.shape, first.shape))
			return nil
		}
		for d := 0; d < rank; d++ {
			if d != axis && v.shape.Dimensions[d] != first.shape.Dimensions[d] {
				b.setErr(errors.Errorf("Concat: input #%d %s incompatible with %s on axis %d", i, v.shape, first.shape, d))
				return nil
			}
		}
		dims[axis] += v.shape.Dimensions[axis]
	}
	return b.addOp(OpConcat, slices.Clone(values), map[string]any{
		"axis": axis,
	}, shapes.Make(first.DType(), dims...))
}

// Softmax applies softmax along axis.
func (b *Builder) Softmax(x *Value, axis int) *Value {
	if x == nil {
		b.setErr(errors.New("Softmax: operand is nil"))
		return nil
	}
	rank := x.shape.Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		b.setErr(errors.Errorf("Softmax: axis %d out of range for rank %d", axis, rank))
		return nil
	}
	return b.addOp(OpSoftmax, []*Value{x}, map[string]any{"axis": axis}, x.shape.Clone())
}

// Split divides x into numSplits equal parts along axis.
func (b *Builder) Split(x *Value, axis, numSplits int) []*Value {
	if x == nil {
		b.setErr(errors.New("Split: operand is nil"))
		return nil
	}
	rank := x.shape.Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		b.setErr(errors.Errorf("Split: axis %d out of range for rank %d", axis, rank))
		return nil
	}
	if numSplits <= 0 || x.shape.Dimensions[axis]%numSplits != 0 {
		b.setErr(errors.Errorf("Split: dimension %d of axis %d is not divisible into %d splits",
			x.shape.Dimensions[axis], axis, numSplits))
		return nil
	}
	dims := slices.Clone(x.shape.Dimensions)
	dims[axis] /= numSplits
	outShapes := make([]shapes.Shape, numSplits)
	for i := range outShapes {
		outShapes[i] = shapes.Make(x.DType(), dims...)
	}
	n := b.addNode(OpSplit, "", []*Value{x}, map[string]any{
		"axis":       axis,
		"num_splits": numSplits,
	}, outShapes...)
	if n == nil {
		return nil
	}
	return n.outputs
}

// Convert changes the element type of x.
// Conversion to an integer type rounds to nearest (ties away from zero) and
// saturates.
func (b *Builder) Convert(x *Value, dtype DType) *Value {
	if x == nil {
		b.setErr(errors.New("Convert: operand is nil"))
		return nil
	}
	if !isSupportedDType(dtype) {
		b.setErr(errors.Errorf("Convert: unsupported destination type %s", dtype))
		return nil
	}
	return b.addOp(OpConvert, []*Value{x}, map[string]any{
		"destination_type": dtype,
	}, shapes.Make(dtype, x.shape.Dimensions...))
}

// broadcastShape computes the numpy-style broadcast of two shapes: dimensions
// are aligned right-to-left and size-1 dimensions stretch to match.
func broadcastShape(a, b []int) ([]int, error) {
	maxLen := max(len(a), len(b))
	result := make([]int, maxLen)
	for i := 0; i < maxLen; i++ {
		ai, bi := 1, 1
		if i < len(a) {
			ai = a[len(a)-1-i]
		}
		if i < len(b) {
			bi = b[len(b)-1-i]
		}
		switch {
		case ai == bi:
			result[maxLen-1-i] = ai
		case ai == 1:
			result[maxLen-1-i] = bi
		case bi == 1:
			result[maxLen-1-i] = ai
		default:
			return nil, errors.Errorf("shapes %v and %v are not broadcastable", a, b)
		}
	}
	return result, nil
}

// normalizeAxes resolves negative axes and rejects duplicates and out of
// range values. The result is sorted.
func normalizeAxes(axes []int, rank int) ([]int, error) {
	normalized := make([]int, 0, len(axes))
	for _, a := range axes {
		if a < 0 {
			a += rank
		}
		if a < 0 || a >= rank {
			return nil, errors.Errorf("axis %d out of range for rank %d", a, rank)
		}
		if slices.Contains(normalized, a) {
			return nil, errors.Errorf("duplicate axis %d", a)
		}
		normalized = append(normalized, a)
	}
	slices.Sort(normalized)
	return normalized, nil
}

func computeReduceShape(dims []int, axes []int, keepDims bool) []int {
	result := make([]int, 0, len(dims))
	for i, dim := range dims {
		if slices.Contains(axes, i) {
			if keepDims {
				result = append(result, 1)
			}
			continue
		}
		result = append(result, dim)
	}
	return result
}

// resolveReshape infers a -1 dimension and checks the element count.
func resolveReshape(size int, dims []int) ([]int, error) {
	out := slices.Clone(dims)
	inferred := -1
	known := 1
	for i, d := range out {
		switch {
		case d == -1:
			if inferred >= 0 {
				return nil, errors.New("more than one -1 dimension")
			}
			inferred = i
		case d < 0:
			return nil, errors.Errorf("invalid dimension %d", d)
		default:
			known *= d
		}
	}
	if inferred >= 0 {
		if known == 0 || size%known != 0 {
			return nil, errors.Errorf("cannot infer dimension for %d elements", size)
		}
		out[inferred] = size / known
		known *= out[inferred]
	}
	if known != size {
		return nil, errors.Errorf("element count mismatch (%d != %d)", known, size)
	}
	return out, nil
}
