package safetensors

import (
	"github.com/pkg/errors"
)

// DType is a SafeTensors element type name.
type DType string

// Supported dtypes.
const (
	F64    DType = "F64"
	F32    DType = "F32"
	F16    DType = "F16"
	BF16   DType = "BF16"
	F8E4M3 DType = "F8_E4M3"
	F8E5M2 DType = "F8_E5M2"
	I64    DType = "I64"
	I32    DType = "I32"
	I16    DType = "I16"
	I8     DType = "I8"
	U8     DType = "U8"
	Bool   DType = "BOOL"
)

var dtypeSizes = map[DType]int{
	F64: 8, F32: 4, F16: 2, BF16: 2, F8E4M3: 1, F8E5M2: 1,
	I64: 8, I32: 4, I16: 2, I8: 1, U8: 1, Bool: 1,
}

// Size returns the element size in bytes.
func (d DType) Size() (int, error) {
	n, ok := dtypeSizes[d]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownDType, "%q", string(d))
	}
	return n, nil
}

// ParseDType validates a dtype name.
func ParseDType(s string) (DType, error) {
	d := DType(s)
	if _, err := d.Size(); err != nil {
		return "", err
	}
	return d, nil
}
