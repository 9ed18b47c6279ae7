package convert

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/emaclean/internal/device"
	"github.com/born-ml/emaclean/internal/rekey"
)

// Format is the output file format.
type Format string

// Output formats.
const (
	// FormatPT writes the full checkpoint as a torch.save zip archive.
	FormatPT Format = "pt"
	// FormatSafeTensors writes only the renamed state dict tensors.
	FormatSafeTensors Format = "safetensors"
)

// ParseFormat parses "pt" or "safetensors".
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatPT, FormatSafeTensors:
		return f, nil
	case "":
		return FormatPT, nil
	default:
		return "", errors.Wrapf(ErrUnknownFormat, "%q", s)
	}
}

// Options configures Run.
type Options struct {
	Input  string
	Output string

	// Device relocates storages like torch.load's map_location.
	// The zero value keeps the locations recorded in the input.
	Device device.Device

	FromPrefix string // default rekey.DefaultFrom
	ToPrefix   string // default rekey.DefaultTo
	Format     Format // default FormatPT

	// KeepStorages copies storages no tensor references any more.
	KeepStorages bool

	// Stdout receives the progress lines; defaults to os.Stdout.
	Stdout io.Writer
}

func (o *Options) setDefaults() {
	if o.FromPrefix == "" {
		o.FromPrefix = rekey.DefaultFrom
	}
	if o.ToPrefix == "" {
		o.ToPrefix = rekey.DefaultTo
	}
	if o.Format == "" {
		o.Format = FormatPT
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
}

func (o *Options) validate() error {
	if o.Input == "" {
		return errors.Wrap(ErrInvalidOptions, "input path is empty")
	}
	if o.Output == "" {
		return errors.Wrap(ErrInvalidOptions, "output path is empty")
	}
	if _, err := ParseFormat(string(o.Format)); err != nil {
		return err
	}
	return nil
}
