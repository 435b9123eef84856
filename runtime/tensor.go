package runtime

import (
	"github.com/gomlx/go-openvino/internal/codec"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// Tensor is a native, little-endian buffer with a static shape.
type Tensor struct {
	shape shapes.Shape
	data  []byte
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(shape shapes.Shape) *Tensor {
	return &Tensor{
		shape: shape.Clone(),
		data:  make([]byte, shape.Size()*shape.DType.Size()),
	}
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() shapes.Shape {
	return t.shape
}

// DType returns the element type.
func (t *Tensor) DType() dtypes.DType {
	return t.shape.DType
}

// Data returns the underlying buffer. Writes are visible to the next inference.
func (t *Tensor) Data() []byte {
	return t.data
}

// ByteSize returns len(Data()).
func (t *Tensor) ByteSize() int {
	return len(t.data)
}

// Float32s decodes the tensor into float32 values.
func (t *Tensor) Float32s() ([]float32, error) {
	values := make([]float32, t.shape.Size())
	if err := codec.Decode(t.shape.DType, values, t.data); err != nil {
		return nil, err
	}
	return values, nil
}

// SetFloat32s encodes values into the tensor, converting to its element type.
func (t *Tensor) SetFloat32s(values []float32) error {
	return codec.Encode(t.shape.DType, t.data, values)
}
