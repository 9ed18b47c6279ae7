// Package inspect summarizes torch checkpoints and SafeTensors files.
package inspect

import (
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"

	"github.com/born-ml/emaclean/internal/pickle"
	"github.com/born-ml/emaclean/internal/rekey"
	"github.com/born-ml/emaclean/internal/safetensors"
	"github.com/born-ml/emaclean/internal/torch"
)

// Options selects what Inspect computes.
type Options struct {
	Tensors bool   // list tensors
	Limit   int    // max tensors listed, 0 for all
	Filter  string // substring filter on tensor names
	Hash    bool   // xxh3 hash of each tensor's bytes
	Stats   bool   // min/max/mean of each tensor

	// Prefixes are counted among state dict keys; defaults to the EMA and
	// model prefixes.
	Prefixes []string
}

// TensorEntry describes one tensor.
type TensorEntry struct {
	Name     string
	DType    string
	Shape    []int64
	Bytes    int64
	Location string // torch only
	Hash     uint64
	Stats    *Stats
}

// Stats are summary statistics of a tensor's values.
type Stats struct {
	Min, Max, Mean float64
	NaNs           int
}

// Field is a summarized top-level checkpoint value.
type Field struct {
	Key   string
	Value string
}

// PrefixCount is the number of state dict keys with a prefix.
type PrefixCount struct {
	Prefix string
	Count  int
}

// Report is the result of Inspect.
type Report struct {
	Path   string
	Format torch.Format
	Size   int64

	Keys         []string          // top-level keys (torch only)
	Fields       []Field           // top-level values other than state_dict (torch only)
	HasStateDict bool              // torch only
	Metadata     map[string]string // SafeTensors only

	NumTensors   int
	TensorBytes  int64
	Prefixes     []PrefixCount
	Tensors      []TensorEntry // filtered and limited listing
	TotalMatches int           // tensors matching Filter before Limit
}

// Inspect reads the file at path and builds a report.
func Inspect(path string, opts Options) (*Report, error) {
	if len(opts.Prefixes) == 0 {
		opts.Prefixes = []string{rekey.DefaultFrom, rekey.DefaultTo}
	}
	format, err := torch.DetectFormat(path)
	if err != nil {
		return nil, err
	}
	rep := &Report{Path: path, Format: format}
	if st, err := os.Stat(path); err == nil {
		rep.Size = st.Size()
	}

	switch format {
	case torch.FormatTorchZip:
		err = inspectTorch(rep, path, opts)
	case torch.FormatSafeTensors:
		err = inspectSafeTensors(rep, path, opts)
	case torch.FormatTorchLegacy:
		err = errors.Wrapf(torch.ErrLegacyFormat, "%s", path)
	default:
		err = errors.Wrapf(torch.ErrUnsupportedFormat, "%s", path)
	}
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// tensorSource yields tensor entries with a way to read their bytes and values.
type tensorSource struct {
	entry  TensorEntry
	bytes  func() ([]byte, error)
	floats func([]byte) ([]float32, error)
}

func inspectTorch(rep *Report, path string, opts Options) error {
	ckpt, err := torch.Load(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = ckpt.Close()
	}()

	if rep.Keys, err = ckpt.Keys(); err != nil {
		return err
	}
	root, err := ckpt.Mapping()
	if err != nil {
		return err
	}
	i := 0
	for _, v := range root.All() {
		if key := rep.Keys[i]; key != torch.StateDictKey {
			rep.Fields = append(rep.Fields, Field{Key: key, Value: fieldSummary(v)})
		}
		i++
	}
	sd, err := ckpt.StateDict()
	if errors.Is(err, torch.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rep.HasStateDict = true

	var names []string
	for k := range sd.All() {
		if name, ok := k.(string); ok {
			names = append(names, name)
		}
	}
	rep.Prefixes = countPrefixes(names, opts.Prefixes)

	tensors := torch.Tensors(sd)
	var sources []tensorSource
	for _, name := range names {
		t, ok := tensors[name]
		if !ok {
			continue
		}
		dt, err := t.DType()
		if err != nil {
			return errors.WithMessagef(err, "tensor %s", name)
		}
		entry := TensorEntry{
			Name:     name,
			DType:    dtypeName(dt),
			Shape:    t.Shape,
			Bytes:    t.NumElements() * int64(dt.Size),
			Location: t.Storage.Location,
		}
		sources = append(sources, tensorSource{
			entry:  entry,
			bytes:  t.Bytes,
			floats: func(raw []byte) ([]float32, error) { return torch.DecodeFloat32s(dt, raw) },
		})
	}
	return collect(rep, sources, opts)
}

func inspectSafeTensors(rep *Report, path string, opts Options) error {
	r, err := safetensors.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = r.Close()
	}()

	rep.Metadata = r.Metadata()
	names := r.TensorNames()
	sort.Strings(names)
	rep.Prefixes = countPrefixes(names, opts.Prefixes)

	sources := make([]tensorSource, 0, len(names))
	for _, name := range names {
		info, err := r.TensorInfo(name)
		if err != nil {
			return err
		}
		dtype := string(info.DType)
		sources = append(sources, tensorSource{
			entry: TensorEntry{
				Name:  name,
				DType: dtype,
				Shape: info.Shape,
				Bytes: info.DataOffsets[1] - info.DataOffsets[0],
			},
			bytes: func() ([]byte, error) { return r.ReadTensorData(name) },
			floats: func(raw []byte) ([]float32, error) {
				dt, ok := torch.LookupSafeTensorsDType(dtype)
				if !ok {
					return nil, errors.Wrapf(torch.ErrUnknownDType, "%s", dtype)
				}
				return torch.DecodeFloat32s(dt, raw)
			},
		})
	}
	return collect(rep, sources, opts)
}

// collect totals every tensor and fills in the filtered listing.
func collect(rep *Report, sources []tensorSource, opts Options) error {
	for _, src := range sources {
		rep.NumTensors++
		rep.TensorBytes += src.entry.Bytes
		if !opts.Tensors || !strings.Contains(src.entry.Name, opts.Filter) {
			continue
		}
		rep.TotalMatches++
		if opts.Limit > 0 && len(rep.Tensors) >= opts.Limit {
			continue
		}

		entry := src.entry
		if opts.Hash || opts.Stats {
			raw, err := src.bytes()
			if err != nil {
				return errors.WithMessagef(err, "tensor %s", entry.Name)
			}
			if opts.Hash {
				entry.Hash = xxh3.Hash(raw)
			}
			if opts.Stats {
				values, err := src.floats(raw)
				if err != nil {
					return errors.WithMessagef(err, "tensor %s", entry.Name)
				}
				entry.Stats = computeStats(values)
			}
		}
		rep.Tensors = append(rep.Tensors, entry)
	}
	return nil
}

func countPrefixes(names, prefixes []string) []PrefixCount {
	out := make([]PrefixCount, len(prefixes))
	for i, p := range prefixes {
		out[i].Prefix = p
		for _, name := range names {
			if strings.HasPrefix(name, p) {
				out[i].Count++
			}
		}
	}
	return out
}

func computeStats(values []float32) *Stats {
	s := &Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	n := 0
	for _, v := range values {
		f := float64(v)
		if math.IsNaN(f) {
			s.NaNs++
			continue
		}
		s.Min = math.Min(s.Min, f)
		s.Max = math.Max(s.Max, f)
		sum += f
		n++
	}
	if n == 0 {
		s.Min, s.Max, s.Mean = math.NaN(), math.NaN(), math.NaN()
		return s
	}
	s.Mean = sum / float64(n)
	return s
}

func dtypeName(dt torch.DType) string {
	if dt.SafeTensors != "" {
		return dt.SafeTensors
	}
	return strings.TrimSuffix(dt.Storage, "Storage")
}

// fieldSummary describes a top-level value: scalars in full, containers by
// type and size.
func fieldSummary(v any) string {
	switch t := v.(type) {
	case *pickle.List:
		return "list[" + strconv.Itoa(len(t.Items)) + "]"
	case pickle.Tuple:
		return "tuple[" + strconv.Itoa(len(t)) + "]"
	case *pickle.Dict:
		return "dict[" + strconv.Itoa(t.Len()) + "]"
	case *pickle.Object:
		if d, ok := pickle.AsDict(t); ok {
			g, _ := t.Class()
			return g.Name + "[" + strconv.Itoa(d.Len()) + "]"
		}
	}
	return pickle.Repr(v)
}
