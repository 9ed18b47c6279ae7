package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"
)

const metadataKey = "__metadata__"

// headerAlignment pads the header so tensor data starts 8-byte aligned.
const headerAlignment = 8

// Tensor is a tensor to be written: dtype, shape and contiguous bytes.
type Tensor struct {
	DType DType
	Shape []int64
	Data  []byte
}

// TensorInfo describes a tensor in the header.
type TensorInfo struct {
	DType       DType    `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end)
}

// NumElements returns the product of the shape.
func (t TensorInfo) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Writer writes SafeTensors files.
type Writer struct {
	file   *os.File
	path   string
	closed bool
}

// NewWriter creates a new SafeTensors file writer.
func NewWriter(path string) (*Writer, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model saving
	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", path)
	}
	return &Writer{file: file, path: path}, nil
}

// WriteFile writes tensors and metadata to path. Tensors are laid out in
// alphabetical order by name. On failure the file is removed.
func WriteFile(path string, tensors map[string]Tensor, metadata map[string]string) error {
	w, err := NewWriter(path)
	if err != nil {
		return err
	}
	if err := w.WriteStateDict(tensors, metadata); err != nil {
		_ = w.Close() // Best effort close on error
		_ = os.Remove(path)
		return err
	}
	if err := w.Close(); err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}

// WriteStateDict writes the header and tensor data.
func (w *Writer) WriteStateDict(tensors map[string]Tensor, metadata map[string]string) error {
	if w.closed {
		return errors.New("writer is closed")
	}

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header, err := buildHeader(names, tensors, metadata)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w.file)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(header))); err != nil {
		return errors.Wrap(err, "failed to write header size")
	}
	if _, err := bw.Write(header); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	for _, name := range names {
		if _, err := bw.Write(tensors[name].Data); err != nil {
			return errors.Wrapf(err, "failed to write tensor %s", name)
		}
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrapf(err, "failed to flush %s", w.path)
	}
	return nil
}

func buildHeader(names []string, tensors map[string]Tensor, metadata map[string]string) ([]byte, error) {
	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var offset int64
	for _, name := range names {
		if err := ValidateTensorName(name); err != nil {
			return nil, err
		}
		t := tensors[name]
		size, err := t.DType.Size()
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %s", name)
		}
		info := TensorInfo{DType: t.DType, Shape: t.Shape}
		if info.Shape == nil {
			info.Shape = []int64{}
		}
		if want := info.NumElements() * int64(size); want != int64(len(t.Data)) {
			return nil, errors.Wrapf(ErrSizeMismatch, "tensor %s: shape %v needs %d bytes, got %d",
				name, t.Shape, want, len(t.Data))
		}
		info.DataOffsets = [2]int64{offset, offset + int64(len(t.Data))}
		header[name] = info
		offset += int64(len(t.Data))
	}

	raw, err := json.Marshal(header)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal header")
	}
	if pad := (headerAlignment - len(raw)%headerAlignment) % headerAlignment; pad > 0 {
		raw = append(raw, bytes.Repeat([]byte{' '}, pad)...)
	}
	return raw, nil
}

// Close closes the writer and the underlying file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}
