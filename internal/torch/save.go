package torch

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"math/big"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/emaclean/internal/pickle"
)

const (
	defaultByteOrder = "little"
	defaultVersion   = "3\n"
)

// SaveOption configures Save.
type SaveOption func(*saveConfig)

type saveConfig struct {
	keepUnreferenced bool
	protocol         int
}

// WithUnreferencedStorages keeps storages the saved object graph no longer
// references. By default they are pruned from the archive.
func WithUnreferencedStorages(keep bool) SaveOption {
	return func(c *saveConfig) {
		c.keepUnreferenced = keep
	}
}

// WithPickleProtocol sets the pickle protocol of data.pkl (default 2, as
// torch.save writes).
func WithPickleProtocol(protocol int) SaveOption {
	return func(c *saveConfig) {
		c.protocol = protocol
	}
}

// SaveStats summarizes a saved archive.
type SaveStats struct {
	Storages int   // storage records written
	Dropped  int   // storages pruned because nothing referenced them
	Bytes    int64 // archive size on disk
}

// Save writes the checkpoint to path in torch.save's zip layout.
//
// On failure the partially written file is removed.
func (c *Checkpoint) Save(ctx context.Context, path string, opts ...SaveOption) (*SaveStats, error) {
	cfg := saveConfig{protocol: pickle.DefaultProtocol}
	for _, opt := range opts {
		opt(&cfg)
	}

	pkl, referenced, err := c.encode(cfg.protocol)
	if err != nil {
		return nil, err
	}

	stats := &SaveStats{}
	storages := referenced
	if cfg.keepUnreferenced {
		for key, s := range c.storages {
			if _, ok := referenced[key]; !ok {
				storages[key] = s
			}
		}
	} else {
		for key := range c.storages {
			if _, ok := referenced[key]; !ok {
				stats.Dropped++
			}
		}
	}
	ordered := make([]*Storage, 0, len(storages))
	for _, s := range storages {
		ordered = append(ordered, s)
	}
	sortStorages(ordered)

	f, err := os.Create(path) //nolint:gosec // G304: output path is provided by the caller
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", path)
	}
	bw := bufio.NewWriter(f)
	if err := c.writeArchive(ctx, bw, pkl, ordered); err != nil {
		_ = f.Close() // Best effort close on error
		_ = os.Remove(path)
		return nil, errors.WithMessagef(err, "failed to save %s", path)
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, errors.Wrapf(err, "failed to flush %s", path)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, errors.Wrapf(err, "failed to close %s", path)
	}

	stats.Storages = len(ordered)
	stats.Bytes = sizeOnDisk(path)
	klog.V(1).Infof("torch: saved %s (%d storages, %d pruned, %d bytes)",
		path, stats.Storages, stats.Dropped, stats.Bytes)
	return stats, nil
}

// encode pickles Root, returning data.pkl and the storages it references.
func (c *Checkpoint) encode(protocol int) ([]byte, map[string]*Storage, error) {
	referenced := make(map[string]*Storage)
	var collision error
	var buf bytes.Buffer
	enc := pickle.NewEncoder(&buf,
		pickle.WithProtocol(protocol),
		pickle.WithPersistentRef(func(v any) (any, bool) {
			s, ok := v.(*Storage)
			if !ok {
				return nil, false
			}
			if prev, ok := referenced[s.Key]; ok && prev != s && collision == nil {
				collision = errors.Errorf("two distinct storages share key %q", s.Key)
			}
			referenced[s.Key] = s
			return s.pid(), true
		}))
	if err := enc.Encode(c.Root); err != nil {
		return nil, nil, errors.Wrap(err, "failed to encode data.pkl")
	}
	if collision != nil {
		return nil, nil, collision
	}
	return buf.Bytes(), referenced, nil
}

func (c *Checkpoint) writeArchive(ctx context.Context, w io.Writer, pkl []byte, storages []*Storage) error {
	name := c.archiveName
	if name == "" {
		name = DefaultArchiveName
	}
	aw := newArchiveWriter(w, name)

	if err := aw.writeBytes(recordPickle, pkl); err != nil {
		return err
	}
	byteOrder, err := c.recordOr(recordByteOrder, defaultByteOrder)
	if err != nil {
		return err
	}
	if err := aw.writeBytes(recordByteOrder, byteOrder); err != nil {
		return err
	}

	for _, s := range storages {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "save interrupted")
		}
		if err := writeStorage(aw, s); err != nil {
			return err
		}
	}

	// Remaining records are copied through; version and serialization_id
	// always come last.
	extra := make([]string, 0, len(c.records))
	for rel := range c.records {
		switch rel {
		case recordByteOrder, recordVersion, recordSerializationID:
			continue
		}
		extra = append(extra, rel)
	}
	sort.Strings(extra)
	for _, rel := range extra {
		data, err := c.readRecord(rel)
		if err != nil {
			return err
		}
		if err := aw.writeBytes(rel, data); err != nil {
			return err
		}
	}

	version, err := c.recordOr(recordVersion, defaultVersion)
	if err != nil {
		return err
	}
	if err := aw.writeBytes(recordVersion, version); err != nil {
		return err
	}
	if _, ok := c.records[recordDataVersion]; !ok {
		if err := aw.writeBytes(recordDataVersion, []byte(defaultVersion)); err != nil {
			return err
		}
	}
	if err := aw.writeBytes(recordSerializationID, newSerializationID()); err != nil {
		return err
	}
	return aw.Close()
}

func writeStorage(aw *archiveWriter, s *Storage) error {
	r, size, crc, err := s.source()
	if err != nil {
		return err
	}
	defer func() {
		_ = r.Close()
	}()
	return aw.writeRecord(dataDir+s.Key, r, size, crc)
}

// recordOr returns the contents of an input record, or fallback when the
// checkpoint did not come with one.
func (c *Checkpoint) recordOr(rel, fallback string) ([]byte, error) {
	if _, ok := c.records[rel]; !ok {
		return []byte(fallback), nil
	}
	return c.readRecord(rel)
}

func (c *Checkpoint) readRecord(rel string) ([]byte, error) {
	if data, ok := c.cached[rel]; ok {
		return data, nil
	}
	f := c.records[rel]
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open record %s", f.Name)
	}
	defer func() {
		_ = rc.Close()
	}()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read record %s", f.Name)
	}
	return data, nil
}

// Materialize reads every storage and record into memory, detaching the
// checkpoint from its archive. Call it before saving over the loaded file.
func (c *Checkpoint) Materialize() error {
	for _, s := range c.Storages() {
		if _, err := s.Bytes(); err != nil {
			return err
		}
	}
	if c.cached == nil {
		c.cached = make(map[string][]byte, len(c.records))
	}
	for rel := range c.records {
		data, err := c.readRecord(rel)
		if err != nil {
			return err
		}
		c.cached[rel] = data
	}
	return nil
}

// newSerializationID returns a fresh archive id as a decimal string.
func newSerializationID() []byte {
	id := uuid.New()
	return []byte(new(big.Int).SetBytes(id[:]).String())
}
