package safetensors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Common errors.
var (
	ErrHeaderTooLarge    = errors.New("header exceeds maximum size")
	ErrInvalidHeader     = errors.New("invalid header")
	ErrTensorNotFound    = errors.New("tensor not found")
	ErrUnknownDType      = errors.New("unknown dtype")
	ErrOutOfBounds       = errors.New("tensor extends beyond data section")
	ErrOffsetOverlap     = errors.New("tensor offsets overlap")
	ErrSizeMismatch      = errors.New("tensor data size does not match shape")
	ErrInvalidTensorName = errors.New("invalid tensor name")
)

// ValidationError provides detailed information about a malformed header.
type ValidationError struct {
	Err     error  // one of the sentinel errors above
	Tensor  string // primary tensor name involved
	Tensor2 string // secondary tensor name (for overlap errors)
	Details string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Tensor2 != "" {
		return fmt.Sprintf("%v: tensors %q and %q: %s", e.Err, e.Tensor, e.Tensor2, e.Details)
	}
	if e.Tensor != "" {
		return fmt.Sprintf("%v: tensor %q: %s", e.Err, e.Tensor, e.Details)
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Details)
}

// Unwrap returns the sentinel error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}
