package torch

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/born-ml/emaclean/internal/pickle"
)

var (
	rebuildTensorV2  = pickle.Global{Module: "torch._utils", Name: "_rebuild_tensor_v2"}
	rebuildParameter = pickle.Global{Module: "torch._utils", Name: "_rebuild_parameter"}
	orderedDict      = pickle.Global{Module: "collections", Name: "OrderedDict"}
)

// Tensor is a strided view into a storage.
type Tensor struct {
	Storage      *Storage
	Offset       int64 // in elements
	Shape        []int64
	Stride       []int64
	RequiresGrad bool
	Parameter    bool // wrapped in torch.nn.Parameter
}

// String returns a short description like "FloatStorage[2 3]@cpu".
func (t *Tensor) String() string {
	return fmt.Sprintf("%s%v@%s", t.Storage.Class.Name, t.Shape, t.Storage.Location)
}

// NumElements returns the number of elements in the view.
func (t *Tensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// DType returns the dtype of the underlying storage.
func (t *Tensor) DType() (DType, error) {
	return t.Storage.DType()
}

// IsContiguous reports whether the view is row-major contiguous.
func (t *Tensor) IsContiguous() bool {
	expected := int64(1)
	for i := len(t.Shape) - 1; i >= 0; i-- {
		if t.Shape[i] != 1 && t.Stride[i] != expected {
			return false
		}
		expected *= t.Shape[i]
	}
	return true
}

// ParseTensor interprets a decoded value as a tensor.
// It accepts _rebuild_tensor_v2 calls and nn.Parameter wrappers around them.
func ParseTensor(v any) (*Tensor, bool) {
	obj, ok := v.(*pickle.Object)
	if !ok {
		return nil, false
	}
	g, ok := obj.Class()
	if !ok {
		return nil, false
	}
	switch g {
	case rebuildParameter:
		if len(obj.Args) < 1 {
			return nil, false
		}
		t, ok := ParseTensor(obj.Args[0])
		if !ok {
			return nil, false
		}
		t.Parameter = true
		if len(obj.Args) > 1 {
			t.RequiresGrad, _ = obj.Args[1].(bool)
		}
		return t, true
	case rebuildTensorV2:
	default:
		return nil, false
	}

	if len(obj.Args) < 5 {
		return nil, false
	}
	storage, ok := obj.Args[0].(*Storage)
	if !ok {
		return nil, false
	}
	offset, ok := obj.Args[1].(int64)
	if !ok {
		return nil, false
	}
	shape, ok := intTuple(obj.Args[2])
	if !ok {
		return nil, false
	}
	stride, ok := intTuple(obj.Args[3])
	if !ok || len(stride) != len(shape) {
		return nil, false
	}
	requiresGrad, _ := obj.Args[4].(bool)
	return &Tensor{
		Storage:      storage,
		Offset:       offset,
		Shape:        shape,
		Stride:       stride,
		RequiresGrad: requiresGrad,
	}, true
}

func intTuple(v any) ([]int64, bool) {
	t, ok := v.(pickle.Tuple)
	if !ok {
		return nil, false
	}
	out := make([]int64, len(t))
	for i, x := range t {
		n, ok := x.(int64)
		if !ok {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

// ContiguousStrides returns row-major strides for shape.
func ContiguousStrides(shape []int64) []int64 {
	stride := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}
	return stride
}

// NewTensorObject builds the pickled form of a contiguous tensor over storage,
// exactly as torch.save writes it.
func NewTensorObject(storage *Storage, offset int64, shape ...int64) *pickle.Object {
	size := make(pickle.Tuple, len(shape))
	stride := make(pickle.Tuple, len(shape))
	for i, s := range ContiguousStrides(shape) {
		size[i] = shape[i]
		stride[i] = s
	}
	return pickle.NewObject(rebuildTensorV2,
		storage, offset, size, stride, false, pickle.NewObject(orderedDict))
}

// Bytes returns the view's elements as contiguous little-endian bytes.
func (t *Tensor) Bytes() ([]byte, error) {
	dt, err := t.DType()
	if err != nil {
		return nil, err
	}
	data, err := t.Storage.Bytes()
	if err != nil {
		return nil, err
	}
	numel := t.NumElements()
	if numel == 0 {
		return []byte{}, nil
	}
	if err := t.checkBounds(int64(len(data) / dt.Size)); err != nil {
		return nil, err
	}

	el := int64(dt.Size)
	if t.IsContiguous() {
		start := t.Offset * el
		return data[start : start+numel*el], nil
	}

	out := make([]byte, 0, numel*el)
	index := make([]int64, len(t.Shape))
	for n := int64(0); n < numel; n++ {
		pos := t.Offset
		for i, idx := range index {
			pos += idx * t.Stride[i]
		}
		out = append(out, data[pos*el:(pos+1)*el]...)
		for i := len(index) - 1; i >= 0; i-- {
			index[i]++
			if index[i] < t.Shape[i] {
				break
			}
			index[i] = 0
		}
	}
	return out, nil
}

// checkBounds verifies every element of the view lies inside the storage.
func (t *Tensor) checkBounds(storageElems int64) error {
	if t.Offset < 0 {
		return errors.Wrapf(ErrStorageBounds, "negative offset %d", t.Offset)
	}
	last := t.Offset
	for i, d := range t.Shape {
		if d < 0 || t.Stride[i] < 0 {
			return errors.Wrapf(ErrStorageBounds, "shape %v stride %v", t.Shape, t.Stride)
		}
		last += (d - 1) * t.Stride[i]
	}
	if last >= storageElems {
		return errors.Wrapf(ErrStorageBounds, "element %d of storage %s with %d elements",
			last, t.Storage.Key, storageElems)
	}
	return nil
}

// Float32s decodes the view's elements to float32.
func (t *Tensor) Float32s() ([]float32, error) {
	dt, err := t.DType()
	if err != nil {
		return nil, err
	}
	raw, err := t.Bytes()
	if err != nil {
		return nil, err
	}
	return DecodeFloat32s(dt, raw)
}

// DecodeFloat32s decodes little-endian elements of type dt to float32.
func DecodeFloat32s(dt DType, raw []byte) ([]float32, error) {
	if dt.Size == 0 || len(raw)%dt.Size != 0 {
		return nil, errors.Wrapf(ErrStorageBounds, "%d bytes of %s", len(raw), dt.Storage)
	}
	n := len(raw) / dt.Size
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		b := raw[i*dt.Size : (i+1)*dt.Size]
		switch dt {
		case Float32:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b))
		case Float64:
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		case Float16:
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
		case BFloat16:
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(b)) << 16)
		case Int64:
			out[i] = float32(int64(binary.LittleEndian.Uint64(b))) //nolint:gosec // G115: two's complement reinterpretation
		case Int32:
			out[i] = float32(int32(binary.LittleEndian.Uint32(b))) //nolint:gosec // G115: two's complement reinterpretation
		case Int16:
			out[i] = float32(int16(binary.LittleEndian.Uint16(b))) //nolint:gosec // G115: two's complement reinterpretation
		case Int8:
			out[i] = float32(int8(b[0]))
		case Uint8, Bool:
			out[i] = float32(b[0])
		default:
			return nil, errors.Wrapf(ErrUnknownDType, "cannot decode %s to float32", dt.Storage)
		}
	}
	return out, nil
}
