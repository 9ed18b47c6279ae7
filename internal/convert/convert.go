package convert

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/emaclean/internal/pickle"
	"github.com/born-ml/emaclean/internal/rekey"
	"github.com/born-ml/emaclean/internal/torch"
)

// Result describes a finished conversion.
type Result struct {
	Input  string
	Output string
	Format Format

	Keys    []string // top-level checkpoint keys, in order
	Kept    int      // state_dict entries renamed into the output
	Dropped int      // state_dict entries left out

	Storages       int   // storage records (or tensors) written
	PrunedStorages int   // storages dropped because nothing referenced them
	Bytes          int64 // output size on disk
}

// Run converts opts.Input into opts.Output.
//
// A checkpoint without "state_dict" prints an error line and returns
// ErrMissingStateDict without creating the output. Load and save failures
// are returned wrapped.
func Run(ctx context.Context, opts Options) (*Result, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	out := opts.Stdout

	fmt.Fprintf(out, "Loading checkpoint: %s\n", opts.Input)
	var loadOpts []torch.LoadOption
	if opts.Device.Type != "" {
		loadOpts = append(loadOpts, torch.WithDevice(opts.Device.Location()))
	}
	ckpt, err := torch.Load(opts.Input, loadOpts...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = ckpt.Close()
	}()

	root, err := ckpt.Mapping()
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", opts.Input)
	}
	keys, err := ckpt.Keys()
	if err != nil {
		return nil, err
	}
	fmt.Fprintln(out, formatKeys(root))

	res := &Result{Input: opts.Input, Output: opts.Output, Format: opts.Format, Keys: keys}

	value, ok := ckpt.Get(torch.StateDictKey)
	if !ok {
		fmt.Fprintln(out, "Error: 'state_dict' not found in checkpoint. Cannot proceed with cleaning and conversion.")
		return res, ErrMissingStateDict
	}
	stateDict, ok := pickle.AsDict(value)
	if !ok {
		return nil, errors.Wrapf(torch.ErrNotMapping, "%q is %s", torch.StateDictKey, pickle.Repr(value))
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "conversion interrupted")
	}

	renamed, stats := rekey.Apply(stateDict, rekey.NewPrefixMapper(opts.FromPrefix, opts.ToPrefix))
	res.Kept, res.Dropped = stats.Kept, stats.Dropped+stats.Skipped
	if err := ckpt.Set(torch.StateDictKey, renamed); err != nil {
		return nil, err
	}

	switch opts.Format {
	case FormatSafeTensors:
		err = exportSafeTensors(ctx, ckpt, renamed, opts.Output, res)
	default:
		err = savePT(ctx, ckpt, opts, res)
	}
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(out, "✅ Cleaned and converted .ckpt to .pt: %s\n", opts.Output)
	klog.V(1).Infof("convert: kept %d, dropped %d, wrote %d storages (%d pruned), %d bytes",
		res.Kept, res.Dropped, res.Storages, res.PrunedStorages, res.Bytes)
	return res, nil
}

func savePT(ctx context.Context, ckpt *torch.Checkpoint, opts Options, res *Result) error {
	if samePath(opts.Input, opts.Output) {
		klog.V(1).Infof("convert: output overwrites input, reading %s into memory", opts.Input)
		if err := ckpt.Materialize(); err != nil {
			return err
		}
	}
	stats, err := ckpt.Save(ctx, opts.Output, torch.WithUnreferencedStorages(opts.KeepStorages))
	if err != nil {
		return err
	}
	res.Storages = stats.Storages
	res.PrunedStorages = stats.Dropped
	res.Bytes = stats.Bytes
	return nil
}

// samePath reports whether a and b name the same existing file.
func samePath(a, b string) bool {
	sa, err := os.Stat(a)
	if err != nil {
		return false
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(sa, sb)
}

// formatKeys renders top-level keys the way Python prints dict.keys().
func formatKeys(d *pickle.Dict) string {
	parts := make([]string, 0, d.Len())
	for k := range d.All() {
		if s, ok := k.(string); ok {
			parts = append(parts, pickle.QuoteString(s))
			continue
		}
		parts = append(parts, pickle.Repr(k))
	}
	return "dict_keys([" + strings.Join(parts, ", ") + "])"
}
