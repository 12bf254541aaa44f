package record

import (
	"github.com/DataDog/zstd"
	"github.com/pkg/errors"
)

// compressedMagic distinguishes a zstd-compressed blob from a plain one so
// the journal can read files written under either setting of
// ChunkManagerConfig.CompressJournal without a separate out-of-band flag.
var compressedMagic = []byte{0xAF, 0x5D}

// Compress prefixes data's zstd-compressed form with compressedMagic,
// grounded on the teacher's use of DataDog/zstd as its chunk compression
// codec (pkg/chunk, via AveFS's CacheSize/compress config knobs).
func Compress(data []byte) ([]byte, error) {
	body, err := zstd.Compress(nil, data)
	if err != nil {
		return nil, errors.Wrap(err, "zstd compress")
	}
	out := make([]byte, 0, len(compressedMagic)+len(body))
	out = append(out, compressedMagic...)
	out = append(out, body...)
	return out, nil
}

// MaybeDecompress strips and reverses Compress's framing if present,
// otherwise returns data unchanged. This lets the journal read a mix of
// compressed and uncompressed chunks, which happens whenever
// CompressJournal is toggled between epochs.
func MaybeDecompress(data []byte) ([]byte, error) {
	if len(data) < len(compressedMagic) || data[0] != compressedMagic[0] || data[1] != compressedMagic[1] {
		return data, nil
	}
	out, err := zstd.Decompress(nil, data[len(compressedMagic):])
	if err != nil {
		return nil, errors.Wrap(err, "zstd decompress")
	}
	return out, nil
}
