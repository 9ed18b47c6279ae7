package torch

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Format is a weight file format.
type Format int

// Supported formats.
const (
	FormatUnknown Format = iota
	FormatTorchZip
	FormatTorchLegacy
	FormatSafeTensors
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatTorchZip:
		return "PyTorch (zip)"
	case FormatTorchLegacy:
		return "PyTorch (legacy)"
	case FormatSafeTensors:
		return "SafeTensors"
	default:
		return "Unknown"
	}
}

var zipMagic = []byte("PK\x03\x04")

// maxSafeTensorsHeader bounds the header length accepted when sniffing.
const maxSafeTensorsHeader = 100 * 1024 * 1024

// DetectFormat sniffs the format of the file at path from its first bytes.
func DetectFormat(path string) (Format, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, errors.Wrapf(err, "failed to open %s", path)
	}
	defer func() {
		_ = f.Close() // Best effort close
	}()

	head := make([]byte, 16)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FormatUnknown, errors.Wrapf(err, "failed to read %s", path)
	}
	return sniff(head[:n]), nil
}

func sniff(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, zipMagic):
		return FormatTorchZip
	case len(head) >= 2 && head[0] == 0x80 && head[1] >= 2:
		return FormatTorchLegacy
	case len(head) >= 9:
		size := binary.LittleEndian.Uint64(head[:8])
		if size > 0 && size <= maxSafeTensorsHeader && head[8] == '{' {
			return FormatSafeTensors
		}
	}
	return FormatUnknown
}
