package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRaw(t *testing.T, header map[string]any, data []byte) string {
	t.Helper()
	raw, err := json.Marshal(header)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "raw.safetensors")
	buf := make([]byte, 8, 8+len(raw)+len(data))
	binary.LittleEndian.PutUint64(buf, uint64(len(raw)))
	buf = append(buf, raw...)
	buf = append(buf, data...)
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	return path
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	tensors := map[string]Tensor{
		"model.model.fc.weight": {DType: F32, Shape: []int64{2, 2}, Data: make([]byte, 16)},
		"model.model.fc.bias":   {DType: F16, Shape: []int64{2}, Data: []byte{1, 2, 3, 4}},
		"model.model.scale":     {DType: F64, Shape: nil, Data: []byte{0, 0, 0, 0, 0, 0, 0xf0, 0x3f}},
	}
	tensors["model.model.fc.weight"].Data[0] = 0xAB
	metadata := map[string]string{"format": "pt", "epoch": "5"}

	require.NoError(t, WriteFile(path, tensors, metadata))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, metadata, r.Metadata())
	// Alphabetical layout.
	assert.Equal(t, []string{"model.model.fc.bias", "model.model.fc.weight", "model.model.scale"}, r.TensorNames())
	assert.Zero(t, r.dataOffset%headerAlignment)

	for name, want := range tensors {
		info, err := r.TensorInfo(name)
		require.NoError(t, err)
		assert.Equal(t, want.DType, info.DType, name)
		data, err := r.ReadTensorData(name)
		require.NoError(t, err)
		assert.Equal(t, want.Data, data, name)
	}

	scale, err := r.TensorInfo("model.model.scale")
	require.NoError(t, err)
	assert.Empty(t, scale.Shape)
	assert.Equal(t, int64(1), scale.NumElements())

	_, err = r.TensorInfo("missing")
	assert.True(t, errors.Is(err, ErrTensorNotFound))
}

func TestWriteEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.safetensors")
	require.NoError(t, WriteFile(path, map[string]Tensor{}, nil))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Empty(t, r.TensorNames())
	assert.Nil(t, r.Metadata())
}

func TestWriteRejectsBadTensors(t *testing.T) {
	tests := []struct {
		name    string
		tensors map[string]Tensor
		want    error
	}{
		{"size mismatch", map[string]Tensor{"w": {DType: F32, Shape: []int64{3}, Data: make([]byte, 8)}}, ErrSizeMismatch},
		{"unknown dtype", map[string]Tensor{"w": {DType: "C64", Shape: []int64{1}, Data: make([]byte, 8)}}, ErrUnknownDType},
		{"reserved name", map[string]Tensor{metadataKey: {DType: U8, Shape: []int64{1}, Data: []byte{1}}}, ErrInvalidTensorName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.safetensors")
			err := WriteFile(path, tt.tensors, nil)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.NoFileExists(t, path)
		})
	}
}

func TestOpenValidation(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]any
		data   []byte
		want   error
	}{
		{
			name: "out of bounds",
			header: map[string]any{
				"a": map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int{0, 16}},
			},
			data: make([]byte, 8),
			want: ErrOutOfBounds,
		},
		{
			name: "overlap",
			header: map[string]any{
				"a": map[string]any{"dtype": "F32", "shape": []int{2}, "data_offsets": []int{0, 8}},
				"b": map[string]any{"dtype": "F32", "shape": []int{2}, "data_offsets": []int{4, 12}},
			},
			data: make([]byte, 12),
			want: ErrOffsetOverlap,
		},
		{
			name: "shape mismatch",
			header: map[string]any{
				"a": map[string]any{"dtype": "F32", "shape": []int{3}, "data_offsets": []int{0, 8}},
			},
			data: make([]byte, 8),
			want: ErrSizeMismatch,
		},
		{
			name: "unknown dtype",
			header: map[string]any{
				"a": map[string]any{"dtype": "Q4", "shape": []int{1}, "data_offsets": []int{0, 1}},
			},
			data: make([]byte, 1),
			want: ErrUnknownDType,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(writeRaw(t, tt.header, tt.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			var verr *ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}
}

func TestOpenBadHeader(t *testing.T) {
	dir := t.TempDir()

	huge := filepath.Join(dir, "huge.safetensors")
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf, MaxHeaderSize+1)
	require.NoError(t, os.WriteFile(huge, buf, 0o600))
	_, err := Open(huge)
	assert.True(t, errors.Is(err, ErrHeaderTooLarge), "got %v", err)

	garbage := filepath.Join(dir, "garbage.safetensors")
	buf = make([]byte, 8, 12)
	binary.LittleEndian.PutUint64(buf, 4)
	buf = append(buf, "nope"...)
	require.NoError(t, os.WriteFile(garbage, buf, 0o600))
	_, err = Open(garbage)
	assert.True(t, errors.Is(err, ErrInvalidHeader), "got %v", err)

	_, err = Open(filepath.Join(dir, "missing.safetensors"))
	assert.Error(t, err)
}

func TestParseDType(t *testing.T) {
	d, err := ParseDType("BF16")
	require.NoError(t, err)
	size, _ := d.Size()
	assert.Equal(t, 2, size)

	_, err = ParseDType("F128")
	assert.True(t, errors.Is(err, ErrUnknownDType))
}
