package torch

import (
	"fmt"

	"github.com/pkg/errors"
)

// Common errors.
var (
	ErrUnsupportedFormat = errors.New("unsupported checkpoint format")
	ErrLegacyFormat      = errors.New("legacy (non-zip) torch.save format is not supported")
	ErrMissingRecord     = errors.New("archive record not found")
	ErrNotMapping        = errors.New("checkpoint root is not a mapping")
	ErrKeyNotFound       = errors.New("key not found in checkpoint")
	ErrUnknownDType      = errors.New("unknown storage dtype")
	ErrStorageBounds     = errors.New("tensor view exceeds its storage")
	ErrNotTensor         = errors.New("value is not a tensor")
)

// PersistentIDError reports a persistent id that is not a storage reference.
type PersistentIDError struct {
	Pid     any
	Details string
}

// Error implements the error interface.
func (e *PersistentIDError) Error() string {
	return fmt.Sprintf("invalid storage persistent id %v: %s", e.Pid, e.Details)
}
