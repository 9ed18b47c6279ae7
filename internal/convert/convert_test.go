package convert

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/emaclean/internal/device"
	"github.com/born-ml/emaclean/internal/pickle"
	"github.com/born-ml/emaclean/internal/safetensors"
	"github.com/born-ml/emaclean/internal/torch"
	"github.com/born-ml/emaclean/internal/torch/torchtest"
)

func f32Bytes(values ...float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// writeCheckpoint saves root as a torch archive in a temp dir.
func writeCheckpoint(t *testing.T, root *pickle.Dict) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.ckpt")
	_, err := torch.New(root).Save(context.Background(), path)
	require.NoError(t, err)
	return path
}

func loadRoot(t *testing.T, path string) (*torch.Checkpoint, *pickle.Dict) {
	t.Helper()
	c, err := torch.Load(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	root, err := c.Mapping()
	require.NoError(t, err)
	return c, root
}

// emaCheckpoint mirrors a Lightning checkpoint with model and EMA weights.
func emaCheckpoint(location string) *pickle.Dict {
	w := torch.NewStorage("0", torch.Float32, location, f32Bytes(1, 2, 3, 4))
	b := torch.NewStorage("1", torch.Float32, location, f32Bytes(9, 8))
	emaW := torch.NewStorage("2", torch.Float32, location, f32Bytes(1.5, 2.5, 3.5, 4.5))
	emaB := torch.NewStorage("3", torch.Float32, location, f32Bytes(0.25, 0.75))

	sd := pickle.NewObject(pickle.Global{Module: "collections", Name: "OrderedDict"})
	sd.Items = pickle.NewDict()
	sd.Items.Set("model.model.fc.weight", torch.NewTensorObject(w, 0, 2, 2))
	sd.Items.Set("model.model.fc.bias", torch.NewTensorObject(b, 0, 2))
	sd.Items.Set("ema.model.fc.weight", torch.NewTensorObject(emaW, 0, 2, 2))
	sd.Items.Set("ema.model.fc.bias", torch.NewTensorObject(emaB, 0, 2))
	sd.Items.Set("ema.decay", float64(0.999))

	hp := pickle.NewDict()
	hp.Set("lr", float64(3e-4))
	hp.Set("name", "unet")

	root := pickle.NewDict()
	root.Set("epoch", int64(5))
	root.Set("global_step", int64(1200))
	root.Set("pytorch-lightning_version", "2.1.0")
	root.Set("state_dict", sd)
	root.Set("hyper_parameters", hp)
	root.Set("optimizer_states", pickle.NewList())
	return root
}

func run(t *testing.T, opts Options) (*Result, string, error) {
	t.Helper()
	var out bytes.Buffer
	opts.Stdout = &out
	res, err := Run(context.Background(), opts)
	return res, out.String(), err
}

func TestRunRenamesEMAWeights(t *testing.T) {
	in := writeCheckpoint(t, emaCheckpoint("cpu"))
	outPath := filepath.Join(t.TempDir(), "out.pt")

	res, stdout, err := run(t, Options{Input: in, Output: outPath})
	require.NoError(t, err)

	assert.Equal(t, "Loading checkpoint: "+in+"\n"+
		"dict_keys(['epoch', 'global_step', 'pytorch-lightning_version', 'state_dict', 'hyper_parameters', 'optimizer_states'])\n"+
		"✅ Cleaned and converted .ckpt to .pt: "+outPath+"\n", stdout)
	assert.Equal(t, 2, res.Kept)
	assert.Equal(t, 3, res.Dropped)
	assert.Equal(t, 2, res.Storages)
	assert.Equal(t, 2, res.PrunedStorages)
	assert.Positive(t, res.Bytes)

	c, root := loadRoot(t, outPath)
	sd, err := c.StateDict()
	require.NoError(t, err)
	assert.Equal(t, []string{"model.model.fc.weight", "model.model.fc.bias"}, sd.StringKeys())

	tensors := torch.Tensors(sd)
	values, err := tensors["model.model.fc.weight"].Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2.5, 3.5, 4.5}, values)
	values, err = tensors["model.model.fc.bias"].Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, 0.75}, values)

	// Everything but state_dict passes through.
	orig := emaCheckpoint("cpu")
	for _, key := range []string{"epoch", "global_step", "pytorch-lightning_version", "hyper_parameters", "optimizer_states"} {
		want, _ := orig.Get(key)
		got, ok := root.Get(key)
		require.True(t, ok, key)
		assert.True(t, pickle.Equal(want, got), "%s: %s != %s", key, pickle.Repr(got), pickle.Repr(want))
	}
	assert.Equal(t, orig.StringKeys(), root.StringKeys())
}

func TestRunMissingStateDict(t *testing.T) {
	root := pickle.NewDict()
	root.Set("epoch", int64(1))
	root.Set("model", pickle.NewDict())
	in := writeCheckpoint(t, root)
	outPath := filepath.Join(t.TempDir(), "out.pt")

	res, stdout, err := run(t, Options{Input: in, Output: outPath})
	assert.True(t, errors.Is(err, ErrMissingStateDict))
	require.NotNil(t, res)
	assert.Equal(t, []string{"epoch", "model"}, res.Keys)
	assert.Contains(t, stdout, "dict_keys(['epoch', 'model'])\n")
	assert.Contains(t, stdout, "Error: 'state_dict' not found in checkpoint. Cannot proceed with cleaning and conversion.\n")
	assert.NotContains(t, stdout, "✅")
	assert.NoFileExists(t, outPath)
}

func TestRunEmptyStateDict(t *testing.T) {
	root := pickle.NewDict()
	root.Set("state_dict", pickle.NewDict())
	in := writeCheckpoint(t, root)
	outPath := filepath.Join(t.TempDir(), "out.pt")

	res, _, err := run(t, Options{Input: in, Output: outPath})
	require.NoError(t, err)
	assert.Zero(t, res.Kept)
	assert.FileExists(t, outPath)

	c, _ := loadRoot(t, outPath)
	sd, err := c.StateDict()
	require.NoError(t, err)
	assert.Zero(t, sd.Len())
}

func TestRunExampleScenario(t *testing.T) {
	t1 := torch.NewStorage("0", torch.Float32, "cpu", f32Bytes(1))
	t2 := torch.NewStorage("1", torch.Float32, "cpu", f32Bytes(2))
	sd := pickle.NewDict()
	sd.Set("ema.model.w1", torch.NewTensorObject(t1, 0, 1))
	sd.Set("other.w2", torch.NewTensorObject(t2, 0, 1))
	root := pickle.NewDict()
	root.Set("state_dict", sd)
	root.Set("epoch", int64(5))

	in := writeCheckpoint(t, root)
	outPath := filepath.Join(t.TempDir(), "out.pt")
	_, _, err := run(t, Options{Input: in, Output: outPath})
	require.NoError(t, err)

	c, got := loadRoot(t, outPath)
	assert.Equal(t, []string{"state_dict", "epoch"}, got.StringKeys())
	epoch, _ := got.Get("epoch")
	assert.Equal(t, int64(5), epoch)
	outSD, err := c.StateDict()
	require.NoError(t, err)
	assert.Equal(t, []string{"model.model.w1"}, outSD.StringKeys())
	assert.Len(t, c.Storages(), 1)
}

func TestRunTorchSaveArchive(t *testing.T) {
	in := filepath.Join(t.TempDir(), "ema.ckpt")
	torchtest.WriteEMA(t, in)
	outPath := filepath.Join(t.TempDir(), "out.pt")

	res, stdout, err := run(t, Options{Input: in, Output: outPath, Device: device.MustParse("cpu")})
	require.NoError(t, err)
	assert.Equal(t, "Loading checkpoint: "+in+"\n"+
		"dict_keys(['epoch', 'state_dict'])\n"+
		"✅ Cleaned and converted .ckpt to .pt: "+outPath+"\n", stdout)
	assert.Equal(t, 1, res.Kept)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Storages)
	assert.Equal(t, 1, res.PrunedStorages)

	c, root := loadRoot(t, outPath)
	assert.Equal(t, []string{"epoch", "state_dict"}, root.StringKeys())
	epoch, _ := root.Get("epoch")
	assert.Equal(t, int64(5), epoch)

	sd, err := c.StateDict()
	require.NoError(t, err)
	assert.Equal(t, []string{"model.model.w1"}, sd.StringKeys())
	values, err := torch.Tensors(sd)["model.model.w1"].Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2}, values)
	require.Len(t, c.Storages(), 1)
	assert.Equal(t, "0", c.Storages()[0].Key)
}

func TestRunIsNotIdempotent(t *testing.T) {
	in := writeCheckpoint(t, emaCheckpoint("cpu"))
	dir := t.TempDir()
	first := filepath.Join(dir, "first.pt")
	second := filepath.Join(dir, "second.pt")

	_, _, err := run(t, Options{Input: first, Output: second})
	require.Error(t, err, "input does not exist yet")

	_, _, err = run(t, Options{Input: in, Output: first})
	require.NoError(t, err)
	res, _, err := run(t, Options{Input: first, Output: second})
	require.NoError(t, err)
	assert.Zero(t, res.Kept)

	c, _ := loadRoot(t, second)
	sd, err := c.StateDict()
	require.NoError(t, err)
	assert.Zero(t, sd.Len())
}

func TestRunRelocatesDevice(t *testing.T) {
	in := writeCheckpoint(t, emaCheckpoint("cuda:0"))
	outPath := filepath.Join(t.TempDir(), "out.pt")

	_, _, err := run(t, Options{Input: in, Output: outPath, Device: device.MustParse("cpu")})
	require.NoError(t, err)

	c, _ := loadRoot(t, outPath)
	for _, s := range c.Storages() {
		assert.Equal(t, "cpu", s.Location)
	}
}

func TestRunKeepStoragesAndCustomPrefixes(t *testing.T) {
	in := writeCheckpoint(t, emaCheckpoint("cpu"))
	outPath := filepath.Join(t.TempDir(), "out.pt")

	res, _, err := run(t, Options{
		Input:        in,
		Output:       outPath,
		FromPrefix:   "model.model",
		ToPrefix:     "net",
		KeepStorages: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Kept)
	assert.Equal(t, 4, res.Storages)
	assert.Zero(t, res.PrunedStorages)

	c, _ := loadRoot(t, outPath)
	sd, err := c.StateDict()
	require.NoError(t, err)
	assert.Equal(t, []string{"net.fc.weight", "net.fc.bias"}, sd.StringKeys())
}

func TestRunInPlace(t *testing.T) {
	in := writeCheckpoint(t, emaCheckpoint("cpu"))

	_, _, err := run(t, Options{Input: in, Output: in})
	require.NoError(t, err)

	c, _ := loadRoot(t, in)
	sd, err := c.StateDict()
	require.NoError(t, err)
	values, err := torch.Tensors(sd)["model.model.fc.weight"].Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2.5, 3.5, 4.5}, values)
}

func TestRunSafeTensorsExport(t *testing.T) {
	in := writeCheckpoint(t, emaCheckpoint("cpu"))
	outPath := filepath.Join(t.TempDir(), "out.safetensors")

	res, _, err := run(t, Options{Input: in, Output: outPath, Format: FormatSafeTensors})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Storages)

	r, err := safetensors.Open(outPath)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"model.model.fc.bias", "model.model.fc.weight"}, r.TensorNames())
	assert.Equal(t, map[string]string{
		"format":                    "pt",
		"epoch":                     "5",
		"global_step":               "1200",
		"pytorch-lightning_version": "2.1.0",
	}, r.Metadata())

	info, err := r.TensorInfo("model.model.fc.weight")
	require.NoError(t, err)
	assert.Equal(t, safetensors.F32, info.DType)
	assert.Equal(t, []int64{2, 2}, info.Shape)
	data, err := r.ReadTensorData("model.model.fc.weight")
	require.NoError(t, err)
	assert.Equal(t, f32Bytes(1.5, 2.5, 3.5, 4.5), data)
}

func TestRunErrors(t *testing.T) {
	dir := t.TempDir()

	_, _, err := run(t, Options{Input: filepath.Join(dir, "missing.ckpt"), Output: filepath.Join(dir, "out.pt")})
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "out.pt"))

	_, _, err = run(t, Options{Output: "x"})
	assert.True(t, errors.Is(err, ErrInvalidOptions))

	_, _, err = run(t, Options{Input: "a", Output: "b", Format: "onnx"})
	assert.True(t, errors.Is(err, ErrUnknownFormat))

	root := pickle.NewDict()
	root.Set("state_dict", pickle.NewList())
	in := writeCheckpoint(t, root)
	_, _, err = run(t, Options{Input: in, Output: filepath.Join(dir, "out.pt")})
	assert.True(t, errors.Is(err, torch.ErrNotMapping))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("SafeTensors")
	require.NoError(t, err)
	assert.Equal(t, FormatSafeTensors, f)
	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatPT, f)
}

func TestFormatKeys(t *testing.T) {
	d := pickle.NewDict()
	d.Set("it's", int64(1))
	d.Set(int64(3), int64(2))
	d.Set("a\\b\n", int64(3))
	d.Set(pickle.Tuple{"x", int64(1)}, int64(4))
	assert.Equal(t, `dict_keys(["it's", 3, 'a\\b\n', ('x', 1)])`, formatKeys(d))
}
