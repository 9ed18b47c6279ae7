// Package torchtest provides torch.save archives produced outside this
// module, for interoperability tests.
package torchtest

import (
	"archive/zip"
	"encoding/binary"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// EMAPickle is data.pkl as CPython's pickler writes it under torch.save
// (protocol 2) for
//
//	sd = OrderedDict()
//	sd["ema.model.w1"] = torch.tensor([1.5, -2.0])
//	sd["other.w2"] = torch.tensor([3.0])
//	sd._metadata = OrderedDict([("", {"version": 1})])
//	torch.save({"epoch": 5, "state_dict": sd}, path)
//
// It exercises memo PUT/GET of globals, strings and tuples, BINPERSID
// storage ids, empty-args OrderedDict REDUCEs for backward hooks, SETITEMS
// on a reduced OrderedDict and a BUILD carrying _metadata.
const EMAPickle = "\x80\x02}q\x00(X\x05\x00\x00\x00epochq\x01K\x05" +
	"X\n\x00\x00\x00state_dictq\x02ccollections\nOrderedDict\nq\x03)Rq\x04(" +
	"X\x0c\x00\x00\x00ema.model.w1q\x05ctorch._utils\n_rebuild_tensor_v2\nq\x06((" +
	"X\x07\x00\x00\x00storageq\x07ctorch\nFloatStorage\nq\x08" +
	"X\x01\x00\x00\x000q\tX\x03\x00\x00\x00cpuq\nK\x02tq\x0bQ" +
	"K\x00K\x02\x85q\x0cK\x01\x85q\r\x89h\x03)Rq\x0etq\x0fRq\x10" +
	"X\x08\x00\x00\x00other.w2q\x11h\x06((h\x07h\x08X\x01\x00\x00\x001q\x12h\nK\x01tq\x13Q" +
	"K\x00h\rh\r\x89h\x03)Rq\x14tq\x15Rq\x16u" +
	"}q\x17X\t\x00\x00\x00_metadataq\x18h\x03)Rq\x19X\x00\x00\x00\x00q\x1a" +
	"}q\x1bX\x07\x00\x00\x00versionq\x1cK\x01sssbu."

// EMAStorages holds the storage records referenced by EMAPickle, keyed by
// storage key.
func EMAStorages() map[string][]byte {
	return map[string][]byte{
		"0": Float32s(1.5, -2.0),
		"1": Float32s(3.0),
	}
}

// Float32s encodes values little endian.
func Float32s(values ...float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// WriteArchive writes a zip in torch.save's record order: data.pkl,
// byteorder, data/<key>..., version, .data/version, .data/serialization_id.
// Records are stored without alignment padding, as older torch writers and
// third-party tools emit them.
func WriteArchive(t testing.TB, path, archiveName, pkl string, storages map[string][]byte, keys ...string) {
	t.Helper()

	f, err := os.Create(path) //nolint:gosec // G304: test path
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()

	zw := zip.NewWriter(f)
	write := func(name string, data []byte) {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: archiveName + "/" + name, Method: zip.Store})
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}

	write("data.pkl", []byte(pkl))
	write("byteorder", []byte("little"))
	for _, key := range keys {
		data, ok := storages[key]
		require.True(t, ok, "storage %s", key)
		write("data/"+key, data)
	}
	write("version", []byte("3\n"))
	write(".data/version", []byte("3\n"))
	write(".data/serialization_id", []byte("1234567890123456789012345678901234567890"))
	require.NoError(t, zw.Close())
}

// WriteEMA writes the EMAPickle checkpoint to path under archive "archive".
func WriteEMA(t testing.TB, path string) {
	t.Helper()
	WriteArchive(t, path, "archive", EMAPickle, EMAStorages(), "0", "1")
}
