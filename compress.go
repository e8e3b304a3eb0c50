// Compression for chunk payloads.
//
// When Config.Compress is set, document records and tree nodes larger than
// compressMin bytes are Zstd-compressed before framing. The chunk flags
// record whether a payload is compressed, so files may mix both forms and
// a handle opened without Compress still reads compressed chunks.
package couchfile

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// compressMin is the smallest payload worth compressing. Below this the
// zstd frame overhead outweighs any saving.
const compressMin = 64

// Shared encoder/decoder, both documented as safe for concurrent use.
// Construction is expensive, so they are built once.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// compress returns the zstd encoding of data and whether it is smaller
// than the input. Callers store the original when it is not.
func compress(data []byte) ([]byte, bool) {
	if len(data) < compressMin {
		return data, false
	}
	out := zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	if len(out) >= len(data) {
		return data, false
	}
	return out, true
}

// decompress reverses compress. Output larger than limit is rejected as
// corrupt, matching the limit uncompressed chunks are held to.
func decompress(data []byte, limit int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %w", ErrCorrupt, err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: decompressed size %d exceeds %d", ErrCorrupt, len(out), limit)
	}
	return out, nil
}
