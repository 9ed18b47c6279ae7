package torch

import (
	"archive/zip"
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/emaclean/internal/pickle"
	"github.com/born-ml/emaclean/internal/torch/torchtest"
)

func readZipRecord(t *testing.T, path, name string) []byte {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		return data
	}
	t.Fatalf("%s: no record %s", path, name)
	return nil
}

// decodeRaw decodes a pickle leaving persistent ids unresolved.
func decodeRaw(t *testing.T, data []byte) any {
	t.Helper()
	v, err := pickle.NewDecoder(bytes.NewReader(data)).Decode()
	require.NoError(t, err)
	return v
}

func TestLoadTorchSaveArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ema.ckpt")
	torchtest.WriteEMA(t, path)

	c := loadTemp(t, path)
	assert.Equal(t, "archive", c.ArchiveName())

	keys, err := c.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"epoch", "state_dict"}, keys)
	epoch, _ := c.Get("epoch")
	assert.Equal(t, int64(5), epoch)

	sd, err := c.StateDict()
	require.NoError(t, err)
	assert.Equal(t, []string{"ema.model.w1", "other.w2"}, sd.StringKeys())

	tensors := Tensors(sd)
	require.Len(t, tensors, 2)
	w1 := tensors["ema.model.w1"]
	assert.Equal(t, "FloatStorage[2]@cpu", w1.String())
	assert.Equal(t, []int64{1}, w1.Stride)
	assert.False(t, w1.RequiresGrad)
	values, err := w1.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2}, values)

	values, err = tensors["other.w2"].Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{3}, values)

	storages := c.Storages()
	require.Len(t, storages, 2)
	assert.Equal(t, "0", storages[0].Key)
	assert.Equal(t, int64(2), storages[0].NumElements)
	assert.Equal(t, pickle.Global{Module: "torch", Name: "FloatStorage"}, storages[0].Class)

	// _metadata arrives as BUILD state on the reduced OrderedDict.
	raw, _ := c.Get("state_dict")
	obj, ok := raw.(*pickle.Object)
	require.True(t, ok, "state_dict is %T", raw)
	require.True(t, obj.Built)
	state, ok := obj.State.(*pickle.Dict)
	require.True(t, ok, "state is %T", obj.State)
	meta, ok := state.Get("_metadata")
	require.True(t, ok)
	metaDict, ok := pickle.AsDict(meta)
	require.True(t, ok)
	version, ok := metaDict.Get("")
	require.True(t, ok)
	assert.Equal(t, "{'version': 1}", pickle.Repr(version))
}

func TestSaveReencodesTorchSavePickle(t *testing.T) {
	in := filepath.Join(t.TempDir(), "ema.ckpt")
	torchtest.WriteEMA(t, in)

	c := loadTemp(t, in)
	out, stats := saveTemp(t, c)
	assert.Equal(t, 2, stats.Storages)
	assert.Equal(t, 0, stats.Dropped)

	want := decodeRaw(t, []byte(torchtest.EMAPickle))
	got := decodeRaw(t, readZipRecord(t, out, "archive/data.pkl"))
	assert.True(t, pickle.Equal(want, got), "got %s\nwant %s", pickle.Repr(got), pickle.Repr(want))

	for key, data := range torchtest.EMAStorages() {
		assert.Equal(t, data, readZipRecord(t, out, "archive/data/"+key), key)
	}
	assert.Equal(t, []byte("3\n"), readZipRecord(t, out, "archive/.data/version"))
	assert.NotEqual(t, "1234567890123456789012345678901234567890",
		string(readZipRecord(t, out, "archive/.data/serialization_id")))
}
