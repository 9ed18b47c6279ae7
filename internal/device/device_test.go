package device

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in       string
		want     Device
		location string
	}{
		{"cpu", Device{Type: CPU, Index: -1}, "cpu"},
		{"CPU", Device{Type: CPU, Index: -1}, "cpu"},
		{"cpu:0", Device{Type: CPU, Index: -1}, "cpu"},
		{"cuda", Device{Type: CUDA, Index: -1}, "cuda:0"},
		{"cuda:0", Device{Type: CUDA, Index: 0}, "cuda:0"},
		{" cuda:3 ", Device{Type: CUDA, Index: 3}, "cuda:3"},
		{"mps", Device{Type: MPS, Index: -1}, "mps"},
		{"xpu:1", Device{Type: XPU, Index: 1}, "xpu:1"},
		{"meta", Device{Type: Meta, Index: -1}, "meta"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
			assert.Equal(t, tt.location, d.Location())
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "gpu", "cuda:", "cuda:-1", "cuda:x", "cpu:1", "tpu:0"} {
		_, err := Parse(in)
		assert.True(t, errors.Is(err, ErrInvalidDevice), "Parse(%q) = %v", in, err)
	}
	assert.Panics(t, func() { MustParse("gpu") })
}

func TestDeviceString(t *testing.T) {
	assert.Equal(t, "cuda", MustParse("cuda").String())
	assert.Equal(t, "cuda:2", MustParse("cuda:2").String())
	assert.True(t, MustParse("mps").IsAccelerator())
	assert.False(t, MustParse("cpu").IsAccelerator())
}

func TestDefault(t *testing.T) {
	orig := cudaAvailable
	t.Cleanup(func() { cudaAvailable = orig })

	cudaAvailable = func() bool { return true }
	assert.Equal(t, "cuda:0", Default().Location())

	cudaAvailable = func() bool { return false }
	assert.Equal(t, "cpu", Default().Location())
}

func TestCUDACapable(t *testing.T) {
	tests := []struct {
		name     string
		vendorID uint32
		cpu      bool
		want     bool
	}{
		{"nvidia discrete", 0x10DE, false, true},
		{"nvidia software", 0x10DE, true, false},
		{"amd", 0x1002, false, false},
		{"intel", 0x8086, false, false},
		{"apple", 0x106B, false, false},
		{"lavapipe", 0x10005, true, false},
		{"unknown", 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cudaCapable(tt.vendorID, tt.cpu))
		})
	}
}
