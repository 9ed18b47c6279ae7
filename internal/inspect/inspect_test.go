package inspect

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/xxh3"

	"github.com/born-ml/emaclean/internal/pickle"
	"github.com/born-ml/emaclean/internal/safetensors"
	"github.com/born-ml/emaclean/internal/torch"
)

func f32Bytes(values ...float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func writeCheckpoint(t *testing.T) string {
	t.Helper()
	w := torch.NewStorage("0", torch.Float32, "cpu", f32Bytes(-1, 0, 1, 4))
	ema := torch.NewStorage("1", torch.Float32, "cpu", f32Bytes(2, 2, 2, 2))

	sd := pickle.NewDict()
	sd.Set("model.model.w", torch.NewTensorObject(w, 0, 2, 2))
	sd.Set("ema.model.w", torch.NewTensorObject(ema, 0, 4))
	sd.Set("ema.num_updates", int64(10))

	root := pickle.NewDict()
	root.Set("epoch", int64(3))
	root.Set("state_dict", sd)
	root.Set("callbacks", pickle.NewDict())
	root.Set("loops", pickle.NewList(int64(1), int64(2)))

	path := filepath.Join(t.TempDir(), "model.ckpt")
	_, err := torch.New(root).Save(context.Background(), path)
	require.NoError(t, err)
	return path
}

func TestInspectTorch(t *testing.T) {
	path := writeCheckpoint(t)

	rep, err := Inspect(path, Options{Tensors: true, Hash: true, Stats: true})
	require.NoError(t, err)

	assert.Equal(t, torch.FormatTorchZip, rep.Format)
	assert.Equal(t, []string{"epoch", "state_dict", "callbacks", "loops"}, rep.Keys)
	assert.Equal(t, []Field{
		{Key: "epoch", Value: "3"},
		{Key: "callbacks", Value: "dict[0]"},
		{Key: "loops", Value: "list[2]"},
	}, rep.Fields)
	assert.True(t, rep.HasStateDict)
	assert.Equal(t, 2, rep.NumTensors)
	assert.Equal(t, int64(32), rep.TensorBytes)
	assert.Equal(t, []PrefixCount{{Prefix: "ema.model", Count: 1}, {Prefix: "model.model", Count: 1}}, rep.Prefixes)

	require.Len(t, rep.Tensors, 2)
	first := rep.Tensors[0]
	assert.Equal(t, "model.model.w", first.Name)
	assert.Equal(t, "F32", first.DType)
	assert.Equal(t, []int64{2, 2}, first.Shape)
	assert.Equal(t, "cpu", first.Location)
	assert.Equal(t, xxh3.Hash(f32Bytes(-1, 0, 1, 4)), first.Hash)
	require.NotNil(t, first.Stats)
	assert.Equal(t, Stats{Min: -1, Max: 4, Mean: 1}, *first.Stats)

	var out bytes.Buffer
	rep.Print(&out)
	assert.Contains(t, out.String(), "Format: PyTorch (zip)")
	assert.Contains(t, out.String(), "state_dict  2 tensors")
	assert.Contains(t, out.String(), "ema.model*: 1")
	assert.Contains(t, out.String(), "xxh3=")
}

func TestInspectFilterAndLimit(t *testing.T) {
	path := writeCheckpoint(t)

	rep, err := Inspect(path, Options{Tensors: true, Filter: "ema"})
	require.NoError(t, err)
	require.Len(t, rep.Tensors, 1)
	assert.Equal(t, "ema.model.w", rep.Tensors[0].Name)
	assert.Zero(t, rep.Tensors[0].Hash)
	assert.Nil(t, rep.Tensors[0].Stats)

	rep, err = Inspect(path, Options{Tensors: true, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, rep.Tensors, 1)
	assert.Equal(t, 2, rep.TotalMatches)

	var out bytes.Buffer
	rep.Print(&out)
	assert.Contains(t, out.String(), "... 1 more")

	rep, err = Inspect(path, Options{})
	require.NoError(t, err)
	assert.Empty(t, rep.Tensors)
	assert.Equal(t, 2, rep.NumTensors)
}

func TestInspectNoStateDict(t *testing.T) {
	root := pickle.NewDict()
	root.Set("epoch", int64(1))
	path := filepath.Join(t.TempDir(), "bare.ckpt")
	_, err := torch.New(root).Save(context.Background(), path)
	require.NoError(t, err)

	rep, err := Inspect(path, Options{Tensors: true})
	require.NoError(t, err)
	assert.False(t, rep.HasStateDict)
	assert.Zero(t, rep.NumTensors)

	var out bytes.Buffer
	rep.Print(&out)
	assert.Contains(t, out.String(), "(no state_dict)")
}

func TestInspectSafeTensors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, safetensors.WriteFile(path, map[string]safetensors.Tensor{
		"model.model.b": {DType: safetensors.F32, Shape: []int64{2}, Data: f32Bytes(1, 3)},
		"model.model.a": {DType: safetensors.U8, Shape: []int64{3}, Data: []byte{1, 2, 3}},
	}, map[string]string{"format": "pt"}))

	rep, err := Inspect(path, Options{Tensors: true, Stats: true})
	require.NoError(t, err)
	assert.Equal(t, torch.FormatSafeTensors, rep.Format)
	assert.Equal(t, map[string]string{"format": "pt"}, rep.Metadata)
	assert.Equal(t, 2, rep.NumTensors)
	assert.Equal(t, int64(11), rep.TensorBytes)

	require.Len(t, rep.Tensors, 2)
	assert.Equal(t, "model.model.a", rep.Tensors[0].Name)
	assert.Equal(t, Stats{Min: 1, Max: 3, Mean: 2}, *rep.Tensors[0].Stats)
	assert.Equal(t, Stats{Min: 1, Max: 3, Mean: 2}, *rep.Tensors[1].Stats)
	assert.Equal(t, []PrefixCount{{Prefix: "ema.model"}, {Prefix: "model.model", Count: 2}}, rep.Prefixes)

	var out bytes.Buffer
	rep.Print(&out)
	assert.Contains(t, out.String(), "format = pt")
}

func TestInspectUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o600))
	_, err := Inspect(path, Options{})
	assert.True(t, errors.Is(err, torch.ErrUnsupportedFormat))
}

func TestComputeStatsNaN(t *testing.T) {
	s := computeStats([]float32{float32(math.NaN()), 2})
	assert.Equal(t, 1, s.NaNs)
	assert.Equal(t, 2.0, s.Mean)

	s = computeStats(nil)
	assert.True(t, math.IsNaN(s.Mean))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 MiB", formatBytes(2*1024*1024))
}
