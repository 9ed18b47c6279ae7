// Package convert turns a training checkpoint into an inference checkpoint
// by promoting its EMA weights.
//
// This package wraps the internal implementation and exports a small public
// API for use from other programs.
//
// Example usage:
//
//	import "github.com/born-ml/emaclean/convert"
//
//	res, err := convert.Run(ctx, convert.Options{
//	    Input:  "last.ckpt",
//	    Output: "model.pt",
//	})
//	if errors.Is(err, convert.ErrMissingStateDict) {
//	    // nothing was written
//	}
//	fmt.Printf("kept %d EMA tensors\n", res.Kept)
package convert

import (
	"context"

	"github.com/born-ml/emaclean/internal/convert"
	"github.com/born-ml/emaclean/internal/device"
)

// Options configures Run. See the field docs on the internal type.
type Options = convert.Options

// Result describes a finished conversion.
type Result = convert.Result

// Format is the output file format.
type Format = convert.Format

// Output formats.
const (
	FormatPT          Format = convert.FormatPT
	FormatSafeTensors Format = convert.FormatSafeTensors
)

// Device is a torch device such as "cpu" or "cuda:0".
type Device = device.Device

// ErrMissingStateDict is returned when the checkpoint has no "state_dict".
var ErrMissingStateDict = convert.ErrMissingStateDict

// Run loads opts.Input, keeps the state_dict entries under the EMA prefix,
// renames them to the model prefix and writes opts.Output.
//
// Example:
//
//	res, err := convert.Run(ctx, convert.Options{
//	    Input:  "epoch=99.ckpt",
//	    Output: "ema.pt",
//	    Device: convert.MustParseDevice("cpu"),
//	})
func Run(ctx context.Context, opts Options) (*Result, error) {
	return convert.Run(ctx, opts)
}

// ParseFormat parses "pt" or "safetensors".
func ParseFormat(s string) (Format, error) {
	return convert.ParseFormat(s)
}

// ParseDevice parses a torch device name.
func ParseDevice(s string) (Device, error) {
	return device.Parse(s)
}

// MustParseDevice is like ParseDevice but panics on error.
func MustParseDevice(s string) Device {
	return device.MustParse(s)
}

// DefaultDevice returns cuda when an NVIDIA GPU adapter is available, otherwise cpu.
func DefaultDevice() Device {
	return device.Default()
}
