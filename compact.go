// Compaction rewrites the database file keeping only what the current
// header can reach.
//
// Every commit leaves superseded records, tree nodes and headers behind.
// Compact walks the by-seq tree of the published header, copies the record
// of each document's latest version into a new file in sequence order, and
// builds fresh trees and a single header over them. Superseded versions
// are dropped, so afterwards the change feed yields one entry per document.
// The sequence counter is carried over and numbers are never reused.
//
// The new file is written beside the old one as <path>.compact, synced and
// renamed over it, so the original stays intact until the rename succeeds.
// A crash while writing at worst leaves the .compact file behind, which the
// next read-write Open removes.
//
// The rebuild runs in two phases:
//
//   - Phase 1 (writer lock plus read lock): write the new file. Readers
//     keep using the old file; stores wait.
//   - Phase 2 (exclusive lock): swap the file handles.
package couchfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
)

// compactSuffix names the file a compaction writes before renaming.
const compactSuffix = ".compact"

// CompactOptions controls what compaction keeps.
type CompactOptions struct {
	PurgeTombstones bool // Drop deleted documents entirely
	Checksum        int  // Re-checksum with this algorithm (0 keeps the current one)
}

// Compact rewrites the file, optionally under a different checksum
// algorithm. Documents must be committed first; a handle with staged
// documents returns ErrInvalid.
func (db *DB) Compact(opts *CompactOptions) error {
	if opts == nil {
		opts = &CompactOptions{}
	}
	if opts.Checksum != 0 && !validAlg(opts.Checksum) {
		return fmt.Errorf("compact: %w: checksum algorithm %d", ErrInvalid, opts.Checksum)
	}
	if err := db.blockWrite(); err != nil {
		return err
	}
	defer db.wmu.Unlock()

	if !db.staged.empty() {
		db.mu.RUnlock()
		return fmt.Errorf("compact: %w: uncommitted documents", ErrInvalid)
	}

	before, err := size(db.reader)
	if err != nil {
		db.log.Warn("compact: size before unknown", "err", err)
		before = -1
	}
	tmpPath := db.path + compactSuffix

	// Phase 1: write the new file while readers continue on the old one.
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		db.mu.RUnlock()
		return fmt.Errorf("compact: %w: create: %w", ErrOpenFile, err)
	}
	stats, err := db.rebuild(tmp, opts)
	if err != nil {
		db.mu.RUnlock()
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("compact: %w", err)
	}

	// Phase 2: swap file handles under the exclusive lock.
	db.mu.RUnlock()
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed.Load() {
		os.Remove(tmpPath)
		return ErrClosed
	}

	// Drain in-flight flock calls before closing the fd (see lock.go)
	db.lock.setFile(nil)
	db.reader.Close()
	db.writer.Close()

	if err := os.Rename(tmpPath, db.path); err != nil {
		return db.fail(fmt.Errorf("compact: %w: rename: %w", ErrIO, err))
	}

	reader, err := os.Open(db.path)
	if err != nil {
		return db.fail(fmt.Errorf("compact: reopen reader: %w", openErr(err)))
	}
	writer, err := os.OpenFile(db.path, os.O_RDWR, 0644)
	if err != nil {
		reader.Close()
		return db.fail(fmt.Errorf("compact: reopen writer: %w", openErr(err)))
	}
	sz, err := size(reader)
	if err != nil {
		reader.Close()
		writer.Close()
		return db.fail(fmt.Errorf("compact: %w", err))
	}
	hdr, err := header(reader, sz, db.log)
	if err != nil {
		reader.Close()
		writer.Close()
		return db.fail(fmt.Errorf("compact: read header: %w", err))
	}

	db.reader = reader
	db.writer = writer
	db.lock.setFile(writer)
	db.alg = hdr.Algorithm
	db.tail = sz
	db.header.Store(hdr)
	db.staged = newPending(hdr.Seq)

	attrs := []any{"after", sz, "alg", hdr.Algorithm, "kept", stats.kept, "dropped", stats.dropped}
	if before >= 0 {
		attrs = append(attrs, "before", before)
	}
	db.log.Info("compacted database", attrs...)
	return nil
}

// fail marks the handle closed after compaction lost its file handles.
func (db *DB) fail(err error) error {
	db.closed.Store(true)
	db.staged = nil
	db.log.Error("compaction left handle unusable", "err", err)
	return err
}

type compactStats struct {
	kept, dropped int
}

// rebuild writes the compacted file to tmp, syncs and closes it. Called
// with the writer lock and a read lock held.
func (db *DB) rebuild(tmp *os.File, opts *CompactOptions) (compactStats, error) {
	var stats compactStats
	h, t := db.snapshot()
	alg := h.Algorithm
	if opts.Checksum != 0 {
		alg = opts.Checksum
	}
	ow := &offsetWriter{w: tmp, alg: alg, zstd: db.config.Compress}

	// The new file starts with an empty header like any fresh file, so
	// offset 0 never holds a node. It gets a salt of its own.
	initial := &Header{Version: HeaderVersion, Algorithm: alg, Timestamp: now(), Salt: newSalt()}
	buf, err := initial.encode(0)
	if err != nil {
		return stats, err
	}
	if _, err := ow.Write(buf); err != nil {
		return stats, fmt.Errorf("%w: write header: %w", ErrIO, err)
	}

	var ids, seqs []kv
	err = t.fold(h.BySeq, nil, func(key, val []byte) (bool, error) {
		seq, err := decodeSeqKey(key)
		if err != nil {
			return false, err
		}
		se, err := decodeSeqEntry(val)
		if err != nil {
			return false, err
		}

		current, err := db.current(t, h.ByID, se.id, seq)
		if err != nil {
			return false, err
		}
		if !current || (se.deleted && opts.PurgeTombstones) {
			stats.dropped++
			return true, nil
		}

		payload, err := readChunk(db.reader, se.ptr, h.offset, kindRecord, h.Algorithm, db.config.MaxRecordSize)
		if err != nil {
			return false, fmt.Errorf("record at %d: %w", se.ptr, err)
		}
		ptr, _, err := ow.appendChunk(kindRecord, payload)
		if err != nil {
			return false, err
		}

		id := bytes.Clone(se.id)
		ids = append(ids, kv{key: id, val: idEntry{ptr: ptr, seq: seq, deleted: se.deleted}.encode()})
		seqs = append(seqs, kv{key: bytes.Clone(key), val: seqEntry{ptr: ptr, deleted: se.deleted, id: id}.encode()})
		stats.kept++
		return true, nil
	})
	if err != nil {
		return stats, err
	}

	slices.SortFunc(ids, func(a, b kv) int { return bytes.Compare(a.key, b.key) })

	// Both trees start empty, so modify only writes and never reads tmp.
	empty := &tree{}
	byID, err := empty.modify(Root{}, ids, ow, db.config.NodeSize)
	if err != nil {
		return stats, fmt.Errorf("by-id: %w", err)
	}
	bySeq, err := empty.modify(Root{}, seqs, ow, db.config.NodeSize)
	if err != nil {
		return stats, fmt.Errorf("by-seq: %w", err)
	}

	final := &Header{
		Version:   HeaderVersion,
		Algorithm: alg,
		Timestamp: now(),
		Seq:       h.Seq,
		ByID:      byID,
		BySeq:     bySeq,
		Salt:      initial.Salt,
	}
	if buf, err = final.encode(ow.off); err != nil {
		return stats, err
	}
	if _, err := ow.Write(buf); err != nil {
		return stats, fmt.Errorf("%w: write header: %w", ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		return stats, fmt.Errorf("%w: sync: %w", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return stats, fmt.Errorf("%w: close: %w", ErrIO, err)
	}
	return stats, nil
}

// current reports whether seq is the latest version of id.
func (db *DB) current(t *tree, root Root, id []byte, seq uint64) (bool, error) {
	val, ok, err := t.lookup(root, id)
	if err != nil || !ok {
		return false, err
	}
	e, err := decodeIDEntry(val)
	if err != nil {
		return false, err
	}
	return e.seq == seq, nil
}

// offsetWriter adapts WriterAt to sequential appends and frames chunks for
// a file other than the handle's own.
type offsetWriter struct {
	w    io.WriterAt
	off  int64
	alg  int
	zstd bool
}

func (ow *offsetWriter) Write(p []byte) (int, error) {
	n, err := ow.w.WriteAt(p, ow.off)
	ow.off += int64(n)
	return n, err
}

func (ow *offsetWriter) appendChunk(kind byte, payload []byte) (int64, int, error) {
	buf := encodeChunk(kind, payload, ow.alg, ow.zstd)
	off := ow.off
	if _, err := ow.Write(buf); err != nil {
		return 0, 0, fmt.Errorf("%w: write at %d: %w", ErrIO, off, err)
	}
	return off, len(buf), nil
}

// removeStale deletes a compaction file left by a crash. Its presence means
// the rename never happened, so the original file is authoritative.
func removeStale(path string, log *slog.Logger) {
	err := os.Remove(path + compactSuffix)
	switch {
	case err == nil:
		log.Warn("removed stale compaction file", "file", path+compactSuffix)
	case !errors.Is(err, os.ErrNotExist):
		log.Warn("could not remove stale compaction file", "file", path+compactSuffix, "err", err)
	}
}
