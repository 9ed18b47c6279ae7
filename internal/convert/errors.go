package convert

import (
	"github.com/pkg/errors"
)

// Common errors.
var (
	// ErrMissingStateDict means the checkpoint has no "state_dict"; nothing is written.
	ErrMissingStateDict = errors.New("'state_dict' not found in checkpoint")
	ErrUnknownFormat    = errors.New("unknown output format")
	ErrInvalidOptions   = errors.New("invalid options")
	ErrUnsupportedDType = errors.New("dtype has no SafeTensors equivalent")
)
