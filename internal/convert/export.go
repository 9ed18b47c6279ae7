package convert

import (
	"context"
	"math/big"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/emaclean/internal/pickle"
	"github.com/born-ml/emaclean/internal/safetensors"
	"github.com/born-ml/emaclean/internal/torch"
)

// exportSafeTensors writes the renamed state dict as a SafeTensors file.
// Scalar top-level fields (epoch, global_step, ...) go into the metadata.
func exportSafeTensors(ctx context.Context, ckpt *torch.Checkpoint, stateDict *pickle.Dict, path string, res *Result) error {
	tensors := make(map[string]safetensors.Tensor, stateDict.Len())
	for name, t := range torch.Tensors(stateDict) {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "export interrupted")
		}
		dt, err := t.DType()
		if err != nil {
			return errors.WithMessagef(err, "tensor %s", name)
		}
		if dt.SafeTensors == "" {
			return errors.Wrapf(ErrUnsupportedDType, "tensor %s has %s", name, dt.Storage)
		}
		data, err := t.Bytes()
		if err != nil {
			return errors.WithMessagef(err, "tensor %s", name)
		}
		tensors[name] = safetensors.Tensor{
			DType: safetensors.DType(dt.SafeTensors),
			Shape: t.Shape,
			Data:  data,
		}
	}
	if skipped := stateDict.Len() - len(tensors); skipped > 0 {
		klog.Warningf("convert: %d state_dict entries are not tensors and are left out of %s", skipped, path)
	}

	if err := safetensors.WriteFile(path, tensors, scalarMetadata(ckpt)); err != nil {
		return err
	}
	res.Storages = len(tensors)
	if st, err := os.Stat(path); err == nil {
		res.Bytes = st.Size()
	}
	return nil
}

func scalarMetadata(ckpt *torch.Checkpoint) map[string]string {
	meta := map[string]string{"format": "pt"}
	root, err := ckpt.Mapping()
	if err != nil {
		return meta
	}
	for k, v := range root.All() {
		key, ok := k.(string)
		if !ok || key == torch.StateDictKey {
			continue
		}
		switch x := v.(type) {
		case string:
			meta[key] = x
		case int64:
			meta[key] = strconv.FormatInt(x, 10)
		case *big.Int:
			meta[key] = x.String()
		case float64:
			meta[key] = strconv.FormatFloat(x, 'g', -1, 64)
		case bool:
			meta[key] = strconv.FormatBool(x)
		}
	}
	return meta
}
