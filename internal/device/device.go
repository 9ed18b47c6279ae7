// Package device parses torch device names and picks a default device for
// relocating checkpoint storages.
package device

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Type is a torch device type.
type Type string

// Device types understood in storage location tags.
const (
	CPU  Type = "cpu"
	CUDA Type = "cuda"
	MPS  Type = "mps"
	XPU  Type = "xpu"
	Meta Type = "meta"
)

// ErrInvalidDevice is returned by Parse for malformed device names.
var ErrInvalidDevice = errors.New("invalid device")

// Device is a device type with an optional index.
type Device struct {
	Type  Type
	Index int // -1 when the name carried no index
}

// Parse parses names like "cpu", "cuda", "cuda:1" or "mps".
func Parse(s string) (Device, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	typ, idx, hasIndex := strings.Cut(name, ":")

	d := Device{Type: Type(typ), Index: -1}
	switch d.Type {
	case CPU, MPS, Meta:
		if hasIndex && idx != "0" {
			return Device{}, errors.Wrapf(ErrInvalidDevice, "%q takes no index", s)
		}
	case CUDA, XPU:
		if hasIndex {
			n, err := strconv.Atoi(idx)
			if err != nil || n < 0 {
				return Device{}, errors.Wrapf(ErrInvalidDevice, "bad index in %q", s)
			}
			d.Index = n
		}
	default:
		return Device{}, errors.Wrapf(ErrInvalidDevice, "unknown device type in %q", s)
	}
	return d, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Device {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String returns the device name as it was given, e.g. "cuda" or "cuda:1".
func (d Device) String() string {
	if d.Index < 0 {
		return string(d.Type)
	}
	return string(d.Type) + ":" + strconv.Itoa(d.Index)
}

// Location returns the storage location tag torch writes for this device.
// Indexed device types always carry an index ("cuda" becomes "cuda:0").
func (d Device) Location() string {
	switch d.Type {
	case CUDA, XPU:
		idx := d.Index
		if idx < 0 {
			idx = 0
		}
		return string(d.Type) + ":" + strconv.Itoa(idx)
	default:
		return string(d.Type)
	}
}

// IsAccelerator reports whether the device is not the host CPU.
func (d Device) IsAccelerator() bool {
	return d.Type != CPU && d.Type != Meta
}

// cudaAvailable is the NVIDIA adapter probe; tests replace it.
var cudaAvailable = probeCUDA

// Default returns cuda when an NVIDIA GPU adapter is present and cpu
// otherwise. Other accelerators fall back to cpu.
func Default() Device {
	if cudaAvailable() {
		klog.V(1).Info("device: NVIDIA adapter found, defaulting to cuda")
		return Device{Type: CUDA, Index: -1}
	}
	klog.V(1).Info("device: no NVIDIA adapter, defaulting to cpu")
	return Device{Type: CPU, Index: -1}
}
