package torch

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/emaclean/internal/pickle"
)

// Well-known record names, relative to the archive directory.
const (
	recordPickle          = "data.pkl"
	recordByteOrder       = "byteorder"
	recordVersion         = "version"
	recordDataVersion     = ".data/version"
	recordSerializationID = ".data/serialization_id"
	dataDir               = "data/"

	// DefaultArchiveName is the archive directory torch.save uses.
	DefaultArchiveName = "archive"
)

// StateDictKey is the top-level key holding model weights.
const StateDictKey = "state_dict"

// LoadOption configures Load.
type LoadOption func(*loadConfig)

type loadConfig struct {
	location string
}

// WithDevice relocates every storage to location (for example "cpu" or
// "cuda:0"), the way torch.load's map_location does. The new location is
// what Save writes.
func WithDevice(location string) LoadOption {
	return func(c *loadConfig) {
		c.location = location
	}
}

// Checkpoint is a decoded torch.save archive.
type Checkpoint struct {
	Root any

	archiveName string
	records     map[string]*zip.File // extra records copied through on save, by relative name
	storages    map[string]*Storage
	cached      map[string][]byte // record contents read by Materialize
	closer      io.Closer
}

// New wraps an in-memory object graph as a checkpoint.
func New(root any) *Checkpoint {
	c := &Checkpoint{
		Root:        root,
		archiveName: DefaultArchiveName,
		records:     make(map[string]*zip.File),
		storages:    make(map[string]*Storage),
	}
	c.collectStorages()
	return c
}

// Load opens and decodes the checkpoint at path.
// Storage bytes stay in the archive until read; call Close when done.
func Load(path string, opts ...LoadOption) (*Checkpoint, error) {
	cfg := loadConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatTorchZip:
	case FormatTorchLegacy:
		return nil, errors.Wrapf(ErrLegacyFormat, "%s", path)
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%s (detected %s)", path, format)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open archive %s", path)
	}
	c, err := fromZip(&zr.Reader, cfg)
	if err != nil {
		_ = zr.Close() // Best effort close on error
		return nil, errors.WithMessagef(err, "failed to load %s", path)
	}
	c.closer = zr
	return c, nil
}

func fromZip(zr *zip.Reader, cfg loadConfig) (*Checkpoint, error) {
	archiveName, err := findArchiveName(zr)
	if err != nil {
		return nil, err
	}
	prefix := archiveName + "/"

	c := &Checkpoint{
		archiveName: archiveName,
		records:     make(map[string]*zip.File),
		storages:    make(map[string]*Storage),
	}
	var pkl *zip.File
	dataRecords := make(map[string]*zip.File)
	for _, f := range zr.File {
		rel, ok := strings.CutPrefix(f.Name, prefix)
		if !ok || strings.HasSuffix(f.Name, "/") {
			continue
		}
		switch {
		case rel == recordPickle:
			pkl = f
		case strings.HasPrefix(rel, dataDir):
			dataRecords[strings.TrimPrefix(rel, dataDir)] = f
		default:
			c.records[rel] = f
		}
	}
	if pkl == nil {
		return nil, errors.Wrapf(ErrMissingRecord, "%s%s", prefix, recordPickle)
	}

	rc, err := pkl.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", pkl.Name)
	}
	defer func() {
		_ = rc.Close()
	}()

	dec := pickle.NewDecoder(rc, pickle.WithPersistentLoad(func(pid any) (any, error) {
		s, err := parseStorageID(pid, c.storages)
		if err != nil {
			return nil, err
		}
		if s.record == nil {
			rec, ok := dataRecords[s.Key]
			if !ok {
				return nil, errors.Wrapf(ErrMissingRecord, "%s%s%s", prefix, dataDir, s.Key)
			}
			s.record = rec
		}
		if cfg.location != "" {
			s.Location = cfg.location
		}
		return s, nil
	}))
	root, err := dec.Decode()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", pkl.Name)
	}
	c.Root = root

	if klog.V(2).Enabled() {
		klog.Infof("torch: archive %q, pickle protocol %d, %d storages, %d extra records",
			archiveName, dec.Protocol(), len(c.storages), len(c.records))
	}
	return c, nil
}

// findArchiveName returns the directory holding data.pkl.
func findArchiveName(zr *zip.Reader) (string, error) {
	for _, f := range zr.File {
		dir, base := path.Split(f.Name)
		if base == recordPickle && strings.Count(dir, "/") == 1 {
			return strings.TrimSuffix(dir, "/"), nil
		}
	}
	return "", errors.Wrapf(ErrMissingRecord, "*/%s", recordPickle)
}

// Close releases the underlying archive.
func (c *Checkpoint) Close() error {
	if c.closer == nil {
		return nil
	}
	err := c.closer.Close()
	c.closer = nil
	return err
}

// ArchiveName returns the archive directory name.
func (c *Checkpoint) ArchiveName() string {
	return c.archiveName
}

// Mapping returns the top-level mapping of the checkpoint.
func (c *Checkpoint) Mapping() (*pickle.Dict, error) {
	d, ok := pickle.AsDict(c.Root)
	if !ok {
		return nil, errors.Wrapf(ErrNotMapping, "root is %T", c.Root)
	}
	return d, nil
}

// Keys returns the top-level keys in order, formatted as strings.
func (c *Checkpoint) Keys() ([]string, error) {
	d, err := c.Mapping()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, d.Len())
	for k := range d.All() {
		keys = append(keys, formatKey(k))
	}
	return keys, nil
}

func formatKey(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	return pickle.Repr(k)
}

// Get returns a top-level value.
func (c *Checkpoint) Get(key string) (any, bool) {
	d, err := c.Mapping()
	if err != nil {
		return nil, false
	}
	return d.Get(key)
}

// Set replaces or adds a top-level value.
func (c *Checkpoint) Set(key string, value any) error {
	d, err := c.Mapping()
	if err != nil {
		return err
	}
	d.Set(key, value)
	return nil
}

// StateDict returns the mapping stored under "state_dict".
func (c *Checkpoint) StateDict() (*pickle.Dict, error) {
	v, ok := c.Get(StateDictKey)
	if !ok {
		return nil, errors.Wrapf(ErrKeyNotFound, "%q", StateDictKey)
	}
	d, ok := pickle.AsDict(v)
	if !ok {
		return nil, errors.Wrapf(ErrNotMapping, "%q is %T", StateDictKey, v)
	}
	return d, nil
}

// Storages returns the storages referenced when the checkpoint was loaded,
// ordered by key.
func (c *Checkpoint) Storages() []*Storage {
	out := make([]*Storage, 0, len(c.storages))
	for _, s := range c.storages {
		out = append(out, s)
	}
	sortStorages(out)
	return out
}

// collectStorages indexes storages reachable from Root.
func (c *Checkpoint) collectStorages() {
	Walk(c.Root, func(v any) bool {
		if s, ok := v.(*Storage); ok {
			c.storages[s.Key] = s
		}
		return true
	})
}

// sortStorages orders storages by key, numerically when keys are numbers.
func sortStorages(s []*Storage) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := s[i].Key, s[j].Key
		if len(a) != len(b) && isDigits(a) && isDigits(b) {
			return len(a) < len(b)
		}
		return a < b
	})
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Tensors returns the tensors of a mapping keyed by their string keys.
// Non-tensor values and non-string keys are skipped.
func Tensors(m pickle.Mapping) map[string]*Tensor {
	out := make(map[string]*Tensor, m.Len())
	for k, v := range m.All() {
		name, ok := k.(string)
		if !ok {
			continue
		}
		if t, ok := ParseTensor(v); ok {
			out[name] = t
		}
	}
	return out
}

// Walk visits v and every value reachable from it, depth first. Shared
// containers are visited once. Returning false from fn skips children.
func Walk(v any, fn func(any) bool) {
	seen := make(map[any]bool)
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case *pickle.List, *pickle.Dict, *pickle.Set, *pickle.Object, *Storage:
			if seen[t] {
				return
			}
			seen[t] = true
		}
		if !fn(v) {
			return
		}
		switch t := v.(type) {
		case pickle.Tuple:
			for _, x := range t {
				walk(x)
			}
		case *pickle.List:
			for _, x := range t.Items {
				walk(x)
			}
		case *pickle.Set:
			for _, x := range t.Items {
				walk(x)
			}
		case *pickle.Dict:
			for k, x := range t.All() {
				walk(k)
				walk(x)
			}
		case *pickle.Object:
			walk(t.Callable)
			walk(t.Args)
			if t.Kwargs != nil {
				walk(t.Kwargs)
			}
			if t.Items != nil {
				walk(t.Items)
			}
			for _, x := range t.Elems {
				walk(x)
			}
			if t.Built {
				walk(t.State)
			}
		case pickle.PersistentID:
			walk(t.Pid)
		}
	}
	walk(v)
}

// sizeOnDisk reports the byte size of a file, or 0 when it cannot be stat'ed.
func sizeOnDisk(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.Size()
}
