// Package blob implements the weights file that accompanies a serialized IR
// graph (the ".bin" next to the ".xml").
//
// Unlike a self-describing container, the weights file is a flat sequence of
// raw constant payloads. Each payload is located by the (offset, size) pair
// recorded on the matching Const layer of the XML, so the file itself carries
// no header:
//
//	[data_0 (64B aligned)] [padding] [data_1 (64B aligned)] [padding] ...
//
// Payloads are aligned so the file can be memory-mapped and each constant
// viewed in place.
package blob

import (
	"io"

	"github.com/pkg/errors"
)

const (
	// DefaultAlignment is the byte alignment of every payload in the file.
	DefaultAlignment = 64

	// DefaultExtension is the conventional extension of a weights file.
	DefaultExtension = ".bin"
)

// Entry locates one payload inside the weights file.
type Entry struct {
	Offset uint64 // Absolute file offset of the payload.
	Size   uint64 // Payload size in bytes.
}

// alignTo returns the smallest multiple of alignment >= offset.
func alignTo(offset uint64, alignment uint64) uint64 {
	if alignment == 0 {
		return offset
	}
	remainder := offset % alignment
	if remainder == 0 {
		return offset
	}
	return offset + (alignment - remainder)
}

// Read returns the payload described by e.
func Read(r io.ReaderAt, e Entry) ([]byte, error) {
	data := make([]byte, e.Size)
	if e.Size == 0 {
		return data, nil
	}
	n, err := r.ReadAt(data, int64(e.Offset))
	if err != nil && !(err == io.EOF && uint64(n) == e.Size) {
		return nil, errors.Wrapf(err, "read blob at offset %d (%d bytes)", e.Offset, e.Size)
	}
	return data, nil
}
