// Package xgraph holds the gomlx graph helpers shared by the compiled models
// and the host fallback kernels. Graphs run on the pure Go SimpleGo backend.
package xgraph

import (
	"math"
	"slices"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Backend returns the process wide SimpleGo backend.
var Backend = sync.OnceValues(func() (backends.Backend, error) {
	backend, err := simplego.New("")
	if err != nil {
		return nil, errors.WithMessage(err, "creating SimpleGo backend")
	}
	return backend, nil
})

// BroadcastTo expands x to dims with numpy rules: missing leading axes are
// inserted and axes of dimension 1 are repeated.
func BroadcastTo(x *Node, dims []int) *Node {
	if slices.Equal(x.Shape().Dimensions, dims) {
		return x
	}
	if x.Rank() < len(dims) {
		x = ExpandLeftToRank(x, len(dims))
	}
	return BroadcastToDims(x, dims...)
}

// RoundHalfAwayFromZero rounds float values to the nearest integer, ties away
// from zero.
func RoundHalfAwayFromZero(x *Node) *Node {
	g, dtype := x.Graph(), x.DType()
	a := Abs(x)
	whole := Floor(a)
	up := GreaterOrEqual(Sub(a, whole), Scalar(g, dtype, 0.5))
	rounded := Where(up, AddScalar(whole, 1), whole)
	return Mul(Sign(x), rounded)
}

// ConvertSaturating converts x to dtype. Float to integer conversions round
// half away from zero, map NaN to 0 and saturate at the integer range.
func ConvertSaturating(x *Node, dtype dtypes.DType) *Node {
	if x.DType() == dtype {
		return x
	}
	if !x.DType().IsFloat() || dtype.IsFloat() {
		return ConvertDType(x, dtype)
	}
	if x.DType() != dtypes.Float32 {
		x = ConvertDType(x, dtypes.Float32)
	}
	x = Where(IsNaN(x), ZerosLike(x), x)
	x = RoundHalfAwayFromZero(x)
	if lo, hi, ok := integerRange(dtype); ok {
		x = ClipScalar(x, lo, hi)
	}
	return ConvertDType(x, dtype)
}

// integerRange returns the bounds of dtype that survive a float32 round trip.
func integerRange(dtype dtypes.DType) (lo, hi float64, ok bool) {
	switch dtype {
	case dtypes.Int8:
		return math.MinInt8, math.MaxInt8, true
	case dtypes.Uint8:
		return 0, math.MaxUint8, true
	case dtypes.Int16:
		return math.MinInt16, math.MaxInt16, true
	case dtypes.Uint16:
		return 0, math.MaxUint16, true
	case dtypes.Int32:
		// float32(MaxInt32) rounds up to 2^31.
		return math.MinInt32, float64(math.Nextafter32(1<<31, 0)), true
	}
	return 0, 0, false
}

// RoundToHalf rounds Float32 values to the nearest Float16 value, keeping
// the Float32 element type. Other types are returned unchanged.
func RoundToHalf(x *Node) *Node {
	if x.DType() != dtypes.Float32 {
		return x
	}
	return ConvertDType(ConvertDType(x, dtypes.Float16), dtypes.Float32)
}

// FromBytes creates a tensor of shape holding a copy of the native
// little-endian buffer data.
func FromBytes(shape shapes.Shape, data []byte) (*tensors.Tensor, error) {
	if want := int(shape.Memory()); len(data) != want {
		return nil, errors.Errorf("tensor %s needs %d bytes, got %d", shape, want, len(data))
	}
	t := tensors.FromShape(shape)
	if err := t.MutableBytes(func(b []byte) { copy(b, data) }); err != nil {
		return nil, err
	}
	return t, nil
}

// CopyBytes copies the native buffer of t into dst.
func CopyBytes(dst []byte, t *tensors.Tensor) error {
	if want := int(t.Shape().Memory()); len(dst) != want {
		return errors.Errorf("tensor %s has %d bytes, destination has %d", t.Shape(), want, len(dst))
	}
	return t.ConstBytes(func(b []byte) { copy(dst, b) })
}
