package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// MaxHeaderSize bounds the JSON header accepted by Open.
const MaxHeaderSize = 100 * 1024 * 1024

// Header is the parsed JSON header.
type Header struct {
	Metadata map[string]string
	Tensors  map[string]TensorInfo
}

// UnmarshalJSON splits "__metadata__" from the tensor entries.
func (h *Header) UnmarshalJSON(data []byte) error {
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawMap); err != nil {
		return err
	}

	if metadataRaw, ok := rawMap[metadataKey]; ok {
		if err := json.Unmarshal(metadataRaw, &h.Metadata); err != nil {
			return errors.Wrap(err, "failed to unmarshal metadata")
		}
	}

	h.Tensors = make(map[string]TensorInfo, len(rawMap))
	for key, value := range rawMap {
		if key == metadataKey {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return errors.Wrapf(err, "failed to unmarshal tensor %s", key)
		}
		h.Tensors[key] = info
	}
	return nil
}

// Reader reads SafeTensors files.
type Reader struct {
	file       *os.File
	header     Header
	dataOffset int64 // where tensor data starts
	dataSize   int64
}

// Open opens path and validates its header.
func Open(path string) (*Reader, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	r, err := newReader(file)
	if err != nil {
		_ = file.Close() // Best effort close on error
		return nil, errors.WithMessagef(err, "failed to read %s", path)
	}
	return r, nil
}

func newReader(file *os.File) (*Reader, error) {
	var headerSize uint64
	if err := binary.Read(file, binary.LittleEndian, &headerSize); err != nil {
		return nil, errors.Wrap(err, "failed to read header size")
	}
	if headerSize > MaxHeaderSize {
		return nil, errors.Wrapf(ErrHeaderTooLarge, "%d bytes", headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(file, headerBytes); err != nil {
		return nil, errors.Wrap(err, "failed to read header")
	}
	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, errors.Wrapf(ErrInvalidHeader, "%v", err)
	}

	st, err := file.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat file")
	}
	dataOffset := int64(8 + headerSize) //nolint:gosec // G115: bounded by MaxHeaderSize
	r := &Reader{
		file:       file,
		header:     header,
		dataOffset: dataOffset,
		dataSize:   st.Size() - dataOffset,
	}
	if err := ValidateHeader(&r.header, r.dataSize); err != nil {
		return nil, err
	}
	return r, nil
}

// Close closes the file.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Metadata returns the "__metadata__" map, possibly nil.
func (r *Reader) Metadata() map[string]string {
	return r.header.Metadata
}

// TensorNames returns tensor names in data order.
func (r *Reader) TensorNames() []string {
	names := make([]string, 0, len(r.header.Tensors))
	for name := range r.header.Tensors {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := r.header.Tensors[names[i]], r.header.Tensors[names[j]]
		if a.DataOffsets[0] != b.DataOffsets[0] {
			return a.DataOffsets[0] < b.DataOffsets[0]
		}
		return names[i] < names[j]
	})
	return names
}

// TensorInfo returns the header entry of a tensor.
func (r *Reader) TensorInfo(name string) (*TensorInfo, error) {
	info, ok := r.header.Tensors[name]
	if !ok {
		return nil, errors.Wrapf(ErrTensorNotFound, "%s", name)
	}
	return &info, nil
}

// ReadTensorData reads the raw bytes of a tensor.
func (r *Reader) ReadTensorData(name string) ([]byte, error) {
	info, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}
	data := make([]byte, info.DataOffsets[1]-info.DataOffsets[0])
	if _, err := r.file.ReadAt(data, r.dataOffset+info.DataOffsets[0]); err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor %s", name)
	}
	return data, nil
}
