// Chunk framing and low-level read primitives.
//
// Everything in the file (document records, tree nodes, headers) is written
// as a self-describing chunk:
//
//	kind(1) flags(1) length(4) checksum(8) payload(length)
//
// The checksum covers the first six bytes and the stored payload, so a
// chunk read back from the wrong offset or with a damaged length fails
// validation instead of decoding garbage. All reads go through ReadAt so
// concurrent readers sharing one *os.File never disturb each other.
package couchfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Chunk kinds.
const (
	kindRecord = 'D' // Document record
	kindNode   = 'N' // B+tree node
	kindHeader = 'H' // Commit header
)

// Chunk flags.
const (
	flagZstd = 1 << 0 // Payload is zstd-compressed
)

// chunkHeaderSize is the size of the fixed chunk prefix.
const chunkHeaderSize = 14

// frame prefixes payload with a chunk header. The checksum is computed over
// the kind, flags, length and payload using alg.
func frame(kind, flags byte, payload []byte, alg int) []byte {
	buf := make([]byte, chunkHeaderSize, chunkHeaderSize+len(payload))
	buf[0] = kind
	buf[1] = flags
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	sum := checksum(alg, buf[:6], payload)
	binary.BigEndian.PutUint64(buf[6:14], sum)
	return append(buf, payload...)
}

// readChunk reads and validates the chunk of the given kind at off. end is
// the exclusive upper bound the chunk must lie within; limit caps the
// payload size. The returned payload is decompressed when flagged.
//
// Errors: ErrCorrupt when the frame does not fit or has the wrong kind,
// ErrChecksumFail when the checksum does not match, ErrIO on read failure.
func readChunk(r io.ReaderAt, off, end int64, kind byte, alg, limit int) ([]byte, error) {
	hdr, payload, err := readFrame(r, off, end, kind, limit)
	if err != nil {
		return nil, err
	}
	if checksum(alg, hdr[:6], payload) != binary.BigEndian.Uint64(hdr[6:14]) {
		return nil, fmt.Errorf("%w: chunk at %d", ErrChecksumFail, off)
	}

	if hdr[1]&flagZstd != 0 {
		return decompress(payload, limit)
	}
	return payload, nil
}

// readFrame reads the prefix and stored payload of the chunk at off without
// verifying the checksum.
func readFrame(r io.ReaderAt, off, end int64, kind byte, limit int) ([chunkHeaderSize]byte, []byte, error) {
	var hdr [chunkHeaderSize]byte
	if off < 0 || off+chunkHeaderSize > end {
		return hdr, nil, fmt.Errorf("%w: chunk at %d outside file bounds", ErrCorrupt, off)
	}

	if _, err := r.ReadAt(hdr[:], off); err != nil {
		return hdr, nil, ioErr(err)
	}
	if hdr[0] != kind {
		return hdr, nil, fmt.Errorf("%w: chunk at %d has kind %q, want %q", ErrCorrupt, off, hdr[0], kind)
	}

	n := int64(binary.BigEndian.Uint32(hdr[2:6]))
	if n > int64(limit) || off+chunkHeaderSize+n > end {
		return hdr, nil, fmt.Errorf("%w: chunk at %d declares length %d", ErrCorrupt, off, n)
	}

	payload := make([]byte, n)
	if _, err := r.ReadAt(payload, off+chunkHeaderSize); err != nil {
		return hdr, nil, ioErr(err)
	}
	return hdr, payload, nil
}

// ioErr wraps an OS error as ErrIO. A short read at EOF means a referenced
// chunk is missing from the file, which is corruption rather than I/O.
func ioErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: unexpected end of file", ErrCorrupt)
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

func size(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat: %w", ErrIO, err)
	}
	return info.Size(), nil
}
