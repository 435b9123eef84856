// Package codec converts between little-endian native buffers and float32
// values.
package codec

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Decode widens a little-endian native buffer of dtype into dst.
func Decode(dtype dtypes.DType, dst []float32, src []byte) error {
	if len(src) != len(dst)*dtype.Size() {
		return errors.Errorf("decode %s: %d bytes for %d elements", dtype, len(src), len(dst))
	}
	switch dtype {
	case dtypes.Float32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
		}
	case dtypes.Float16:
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(src[2*i:])).Float32()
		}
	case dtypes.Int8:
		for i := range dst {
			dst[i] = float32(int8(src[i]))
		}
	case dtypes.Uint8:
		for i := range dst {
			dst[i] = float32(src[i])
		}
	case dtypes.Int32:
		for i := range dst {
			dst[i] = float32(int32(binary.LittleEndian.Uint32(src[4*i:])))
		}
	default:
		return errors.Errorf("decode: unsupported element type %s", dtype)
	}
	return nil
}

// Encode narrows src into a little-endian native buffer of dtype.
// Integer types round half away from zero and saturate.
func Encode(dtype dtypes.DType, dst []byte, src []float32) error {
	if len(dst) != len(src)*dtype.Size() {
		return errors.Errorf("encode %s: %d bytes for %d elements", dtype, len(dst), len(src))
	}
	switch dtype {
	case dtypes.Float32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(v))
		}
	case dtypes.Float16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(dst[2*i:], float16.Fromfloat32(v).Bits())
		}
	case dtypes.Int8:
		for i, v := range src {
			dst[i] = byte(int8(saturate(v, math.MinInt8, math.MaxInt8)))
		}
	case dtypes.Uint8:
		for i, v := range src {
			dst[i] = byte(saturate(v, 0, math.MaxUint8))
		}
	case dtypes.Int32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[4*i:], uint32(int32(saturate(v, math.MinInt32, math.MaxInt32))))
		}
	default:
		return errors.Errorf("encode: unsupported element type %s", dtype)
	}
	return nil
}

func saturate(v float32, lo, hi float64) float64 {
	r := math.Round(float64(v))
	if math.IsNaN(r) {
		return 0
	}
	return min(max(r, lo), hi)
}
