package pickle

import (
	"fmt"

	"github.com/pkg/errors"
)

// Common errors.
var (
	ErrUnknownOpcode     = errors.New("unknown opcode")
	ErrUnsupportedOpcode = errors.New("unsupported opcode")
	ErrStackUnderflow    = errors.New("stack underflow")
	ErrMarkNotFound      = errors.New("mark not found")
	ErrMemoMissing       = errors.New("memo key not found")
	ErrTruncated         = errors.New("truncated pickle stream")
	ErrUnsupportedProto  = errors.New("unsupported pickle protocol")
	ErrUnsupportedType   = errors.New("value cannot be pickled")
	ErrBadOperand        = errors.New("bad opcode operand")
)

// OpError records the opcode and stream offset at which decoding failed.
type OpError struct {
	Op     byte
	Offset int64
	Err    error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	return fmt.Sprintf("pickle: opcode 0x%02x at offset %d: %v", e.Op, e.Offset, e.Err)
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error {
	return e.Err
}
