package torch

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// Record layout constants. PyTorch aligns record data to 64 bytes so
// storages can be memory mapped; the padding goes into a local-header
// extra field with id "FB".
const (
	recordAlignment = 64
	paddingExtraID  = 0x4246 // "FB"
	localHeaderLen  = 30
	extraHeaderLen  = 4
	zipVersion20    = 20
)

// archiveWriter writes uncompressed, aligned records under one directory.
type archiveWriter struct {
	zw     *zip.Writer
	prefix string
	offset int64 // bytes written so far; zip.Writer buffers, so it is tracked here
}

func newArchiveWriter(w io.Writer, archiveName string) *archiveWriter {
	return &archiveWriter{
		zw:     zip.NewWriter(w),
		prefix: archiveName + "/",
	}
}

// writeBytes writes a record held in memory.
func (w *archiveWriter) writeBytes(name string, data []byte) error {
	return w.writeRecord(name, bytes.NewReader(data), int64(len(data)), crc32.ChecksumIEEE(data))
}

// writeRecord writes size bytes from r as record name. crc must be the
// CRC-32 of those bytes: records are written raw, without data descriptors,
// which is what keeps the offset arithmetic exact.
func (w *archiveWriter) writeRecord(name string, r io.Reader, size int64, crc uint32) error {
	fullName := w.prefix + name
	headerLen := int64(localHeaderLen + len(fullName) + extraHeaderLen)
	pad := (recordAlignment - (w.offset+headerLen)%recordAlignment) % recordAlignment

	extra := make([]byte, extraHeaderLen+pad)
	binary.LittleEndian.PutUint16(extra[0:2], paddingExtraID)
	binary.LittleEndian.PutUint16(extra[2:4], uint16(pad)) //nolint:gosec // G115: pad < 64
	for i := extraHeaderLen; i < len(extra); i++ {
		extra[i] = 'Z'
	}

	fh := &zip.FileHeader{
		Name:               fullName,
		Method:             zip.Store,
		CreatorVersion:     zipVersion20,
		ReaderVersion:      zipVersion20,
		CRC32:              crc,
		CompressedSize64:   uint64(size), //nolint:gosec // G115: size is non-negative
		UncompressedSize64: uint64(size), //nolint:gosec // G115: size is non-negative
		Extra:              extra,
	}
	dst, err := w.zw.CreateRaw(fh)
	if err != nil {
		return errors.Wrapf(err, "failed to create record %s", fullName)
	}
	n, err := io.Copy(dst, r)
	if err != nil {
		return errors.Wrapf(err, "failed to write record %s", fullName)
	}
	if n != size {
		return errors.Errorf("record %s: wrote %d bytes, expected %d", fullName, n, size)
	}
	w.offset += headerLen + pad + size
	return nil
}

// Close writes the central directory.
func (w *archiveWriter) Close() error {
	if err := w.zw.Close(); err != nil {
		return errors.Wrap(err, "failed to finalize archive")
	}
	return nil
}
