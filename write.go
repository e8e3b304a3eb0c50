// Write primitives for the append-only file.
//
// New chunks are always appended at db.tail (the current end of file).
// Nothing written here becomes visible until a header referencing it has
// been appended and synced by commit, so a failed or torn write is simply
// left behind as unreachable bytes.
package couchfile

import (
	"fmt"
	"os"
)

// syncFile flushes f to stable storage. Tests replace it to fail syncs.
var syncFile = (*os.File).Sync

// raw appends bytes at db.tail and advances the tail. The tail only moves
// when the write succeeds; a failed write leaves garbage that the next
// append overwrites.
func (db *DB) raw(data []byte) (int64, error) {
	offset := db.tail
	if _, err := db.writer.WriteAt(data, offset); err != nil {
		return 0, fmt.Errorf("%w: write at %d: %w", ErrIO, offset, err)
	}
	db.tail += int64(len(data))
	return offset, nil
}

// appendChunk frames payload as a chunk of the given kind, compressing it
// first when the handle is configured to, and appends it. Returns the
// chunk's offset and its total size on disk.
func (db *DB) appendChunk(kind byte, payload []byte) (int64, int, error) {
	buf := encodeChunk(kind, payload, db.alg, db.config.Compress)
	off, err := db.raw(buf)
	if err != nil {
		return 0, 0, err
	}
	return off, len(buf), nil
}

// sync flushes the writer to stable storage.
func (db *DB) sync() error {
	if err := syncFile(db.writer); err != nil {
		return fmt.Errorf("%w: sync: %w", ErrIO, err)
	}
	return nil
}

// encodeChunk frames payload, zstd-compressing it first when zstd is set
// and compression pays off.
func encodeChunk(kind byte, payload []byte, alg int, zstd bool) []byte {
	var flags byte
	if zstd {
		if c, ok := compress(payload); ok {
			payload = c
			flags |= flagZstd
		}
	}
	return frame(kind, flags, payload, alg)
}
