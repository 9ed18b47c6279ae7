package torch

import (
	"archive/zip"
	"bytes"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"

	"github.com/born-ml/emaclean/internal/pickle"
)

// DType describes a typed storage class.
type DType struct {
	Storage     string // torch storage class name, e.g. "FloatStorage"
	Size        int    // element size in bytes
	SafeTensors string // SafeTensors dtype, empty when it has none
}

// Storage dtypes.
var (
	Float32  = DType{Storage: "FloatStorage", Size: 4, SafeTensors: "F32"}
	Float64  = DType{Storage: "DoubleStorage", Size: 8, SafeTensors: "F64"}
	Float16  = DType{Storage: "HalfStorage", Size: 2, SafeTensors: "F16"}
	BFloat16 = DType{Storage: "BFloat16Storage", Size: 2, SafeTensors: "BF16"}
	Int64    = DType{Storage: "LongStorage", Size: 8, SafeTensors: "I64"}
	Int32    = DType{Storage: "IntStorage", Size: 4, SafeTensors: "I32"}
	Int16    = DType{Storage: "ShortStorage", Size: 2, SafeTensors: "I16"}
	Int8     = DType{Storage: "CharStorage", Size: 1, SafeTensors: "I8"}
	Uint8    = DType{Storage: "ByteStorage", Size: 1, SafeTensors: "U8"}
	Bool     = DType{Storage: "BoolStorage", Size: 1, SafeTensors: "BOOL"}

	Complex64    = DType{Storage: "ComplexFloatStorage", Size: 8}
	Complex128   = DType{Storage: "ComplexDoubleStorage", Size: 16}
	Float8E4M3FN = DType{Storage: "Float8_e4m3fnStorage", Size: 1, SafeTensors: "F8_E4M3"}
	Float8E5M2   = DType{Storage: "Float8_e5m2Storage", Size: 1, SafeTensors: "F8_E5M2"}
)

var dtypesByStorage = func() map[string]DType {
	m := make(map[string]DType)
	for _, dt := range []DType{
		Float32, Float64, Float16, BFloat16, Int64, Int32, Int16, Int8, Uint8, Bool,
		Complex64, Complex128, Float8E4M3FN, Float8E5M2,
	} {
		m[dt.Storage] = dt
	}
	return m
}()

// LookupDType returns the dtype of a storage class name.
func LookupDType(storage string) (DType, bool) {
	dt, ok := dtypesByStorage[storage]
	return dt, ok
}

// LookupSafeTensorsDType returns the dtype with the given SafeTensors name.
func LookupSafeTensorsDType(name string) (DType, bool) {
	for _, dt := range dtypesByStorage {
		if dt.SafeTensors != "" && dt.SafeTensors == name {
			return dt, true
		}
	}
	return DType{}, false
}

// storageModule is the module torch pickles storage classes under.
const storageModule = "torch"

// Storage is a flat typed buffer referenced by tensors.
//
// Storages loaded from an archive keep a handle on their zip record and
// read it on demand; storages built in memory carry their bytes.
type Storage struct {
	Key         string
	Class       pickle.Global
	Location    string
	NumElements int64

	record *zip.File
	data   []byte
	loaded bool
}

// NewStorage creates an in-memory storage.
func NewStorage(key string, dtype DType, location string, data []byte) *Storage {
	numel := int64(0)
	if dtype.Size > 0 {
		numel = int64(len(data) / dtype.Size)
	}
	return &Storage{
		Key:         key,
		Class:       pickle.Global{Module: storageModule, Name: dtype.Storage},
		Location:    location,
		NumElements: numel,
		data:        data,
		loaded:      true,
	}
}

// DType returns the storage dtype.
func (s *Storage) DType() (DType, error) {
	dt, ok := LookupDType(s.Class.Name)
	if !ok {
		return DType{}, errors.Wrapf(ErrUnknownDType, "%s", s.Class)
	}
	return dt, nil
}

// Size returns the storage size in bytes.
func (s *Storage) Size() int64 {
	if s.loaded {
		return int64(len(s.data))
	}
	if s.record != nil {
		return int64(s.record.UncompressedSize64) //nolint:gosec // G115: record sizes fit in int64
	}
	return 0
}

// Bytes returns the storage contents, reading them from the archive on first use.
func (s *Storage) Bytes() ([]byte, error) {
	if s.loaded {
		return s.data, nil
	}
	if s.record == nil {
		return nil, errors.Wrapf(ErrMissingRecord, "storage %s", s.Key)
	}
	rc, err := s.record.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open storage %s", s.Key)
	}
	defer func() {
		_ = rc.Close()
	}()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read storage %s", s.Key)
	}
	s.data = data
	s.loaded = true
	return data, nil
}

// pid returns the persistent id torch writes for this storage.
func (s *Storage) pid() pickle.Tuple {
	return pickle.Tuple{"storage", s.Class, s.Key, s.Location, s.NumElements}
}

// source returns a reader over the storage bytes together with their CRC-32,
// streaming uncompressed archive records without buffering them.
func (s *Storage) source() (io.ReadCloser, int64, uint32, error) {
	if !s.loaded && s.record != nil && s.record.Method == zip.Store {
		r, err := s.record.OpenRaw()
		if err != nil {
			return nil, 0, 0, errors.Wrapf(err, "failed to open storage %s", s.Key)
		}
		return io.NopCloser(r), s.Size(), s.record.CRC32, nil
	}
	data, err := s.Bytes()
	if err != nil {
		return nil, 0, 0, err
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), crc32.ChecksumIEEE(data), nil
}

// parseStorageID resolves a persistent id tuple to a storage, reusing
// storages already seen under the same key.
func parseStorageID(pid any, seen map[string]*Storage) (*Storage, error) {
	t, ok := pid.(pickle.Tuple)
	if !ok || len(t) != 5 {
		return nil, &PersistentIDError{Pid: pid, Details: "expected a 5-tuple"}
	}
	if tag, _ := t[0].(string); tag != "storage" {
		return nil, &PersistentIDError{Pid: pid, Details: "tag is not 'storage'"}
	}
	class, ok := t[1].(pickle.Global)
	if !ok {
		return nil, &PersistentIDError{Pid: pid, Details: "storage type is not a global"}
	}
	key, ok := t[2].(string)
	if !ok {
		return nil, &PersistentIDError{Pid: pid, Details: "key is not a string"}
	}
	location, ok := t[3].(string)
	if !ok {
		return nil, &PersistentIDError{Pid: pid, Details: "location is not a string"}
	}
	numel, ok := t[4].(int64)
	if !ok {
		return nil, &PersistentIDError{Pid: pid, Details: "numel is not an int"}
	}

	if s, ok := seen[key]; ok {
		return s, nil
	}
	s := &Storage{Key: key, Class: class, Location: location, NumElements: numel}
	seen[key] = s
	return s, nil
}
