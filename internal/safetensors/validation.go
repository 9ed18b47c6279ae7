package safetensors

import (
	"fmt"
	"sort"
	"strings"
)

// Limits on header contents.
const (
	MaxTensorCount   = 100_000
	MaxTensorNameLen = 4096
)

// ValidateTensorName rejects empty, oversized and NUL-containing names.
// Dots and slashes are allowed: state dict keys are dotted paths.
func ValidateTensorName(name string) error {
	switch {
	case name == "":
		return &ValidationError{Err: ErrInvalidTensorName, Details: "empty name"}
	case name == metadataKey:
		return &ValidationError{Err: ErrInvalidTensorName, Tensor: name, Details: "reserved name"}
	case len(name) > MaxTensorNameLen:
		return &ValidationError{
			Err:     ErrInvalidTensorName,
			Tensor:  name[:64] + "...",
			Details: fmt.Sprintf("length %d > max %d", len(name), MaxTensorNameLen),
		}
	case strings.Contains(name, "\x00"):
		return &ValidationError{Err: ErrInvalidTensorName, Tensor: name, Details: "contains null byte"}
	}
	return nil
}

type span struct {
	name       string
	start, end int64
}

// ValidateHeader checks dtypes, sizes and that tensor byte ranges lie inside
// the data section without overlapping.
func ValidateHeader(h *Header, dataSize int64) error {
	if len(h.Tensors) > MaxTensorCount {
		return &ValidationError{
			Err:     ErrInvalidHeader,
			Details: fmt.Sprintf("%d tensors, max %d", len(h.Tensors), MaxTensorCount),
		}
	}

	spans := make([]span, 0, len(h.Tensors))
	for name, info := range h.Tensors {
		if err := ValidateTensorName(name); err != nil {
			return err
		}
		size, err := info.DType.Size()
		if err != nil {
			return &ValidationError{Err: ErrUnknownDType, Tensor: name, Details: string(info.DType)}
		}
		start, end := info.DataOffsets[0], info.DataOffsets[1]
		if start < 0 || end < start {
			return &ValidationError{
				Err:     ErrOutOfBounds,
				Tensor:  name,
				Details: fmt.Sprintf("invalid offsets [%d, %d)", start, end),
			}
		}
		if want := info.NumElements() * int64(size); want != end-start {
			return &ValidationError{
				Err:     ErrSizeMismatch,
				Tensor:  name,
				Details: fmt.Sprintf("shape %v needs %d bytes, offsets span %d", info.Shape, want, end-start),
			}
		}
		if end > dataSize {
			return &ValidationError{
				Err:     ErrOutOfBounds,
				Tensor:  name,
				Details: fmt.Sprintf("end %d > data size %d", end, dataSize),
			}
		}
		spans = append(spans, span{name: name, start: start, end: end})
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end < spans[j].end
	})
	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]
		if prev.end > cur.start {
			return &ValidationError{
				Err:     ErrOffsetOverlap,
				Tensor:  prev.name,
				Tensor2: cur.name,
				Details: fmt.Sprintf("[%d, %d) and [%d, %d)", prev.start, prev.end, cur.start, cur.end),
			}
		}
	}
	return nil
}
