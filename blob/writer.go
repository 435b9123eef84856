package blob

import (
	"os"

	"github.com/pkg/errors"
)

// Writer writes constant payloads to a weights file.
//
// Usage:
//
//	w, err := blob.NewWriter("model.bin")
//	if err != nil { ... }
//	defer w.Close()
//
//	entry, err := w.AddBlob(constData)
//	// Record entry.Offset and entry.Size on the Const layer.
type Writer struct {
	file    *os.File
	offset  uint64 // Next aligned write position.
	entries []blobEntry
}

type blobEntry struct {
	Entry
	data []byte
}

// NewWriter creates a new blob writer that writes to the specified path.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create blob file")
	}
	return &Writer{file: f}, nil
}

// NewNullWriter creates a writer that computes offsets without writing to disk.
// It is used to lay out a graph (e.g. to report the weights size) without
// producing files.
func NewNullWriter() *Writer {
	return &Writer{}
}

// AddBlob schedules data to be written and returns where it will be found.
// Payloads are written when Close is called, so data must not be modified
// until then.
func (w *Writer) AddBlob(data []byte) (Entry, error) {
	e := Entry{
		Offset: alignTo(w.offset, DefaultAlignment),
		Size:   uint64(len(data)),
	}
	w.entries = append(w.entries, blobEntry{Entry: e, data: data})
	w.offset = e.Offset + e.Size
	return e, nil
}

// Close writes all scheduled payloads and closes the file.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	for _, entry := range w.entries {
		if _, err := w.file.WriteAt(entry.data, int64(entry.Offset)); err != nil {
			w.file.Close()
			return errors.Wrapf(err, "write data at offset %d", entry.Offset)
		}
	}
	// Pad the tail so the file length is the laid out size, even when the
	// last payload is empty.
	if err := w.file.Truncate(int64(w.offset)); err != nil {
		w.file.Close()
		return errors.Wrap(err, "truncate blob file")
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// EntryCount returns the number of payloads added.
func (w *Writer) EntryCount() int {
	return len(w.entries)
}

// Size returns the size in bytes the weights file will have once closed.
func (w *Writer) Size() uint64 {
	return w.offset
}
