// Core database type and lifecycle operations.
//
// DB owns the open file, the current header and the staged updates of the
// next commit. Readers work from the header published by the last
// successful commit and never see staged data. Writers are serialised by
// wmu; mu guards the handle's lifetime so Close waits for in-flight calls.
// Lock order is wmu before mu.
//
// A file must have a single owner. Two handles writing the same file, in
// one process or several, race on the header chain and can corrupt it. The
// OS lock taken around header writes narrows but does not close that race.
package couchfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Mode selects how Open treats the file.
type Mode int

const (
	ModeReadOnly  Mode = iota // Retrieval only
	ModeReadWrite             // Read and write an existing file
	ModeCreate                // Read and write, creating the file if needed
)

// Durability selects when stored documents become durable and visible.
type Durability int

const (
	// DurabilityDeferred stages stores until Commit is called.
	DurabilityDeferred Durability = iota
	// DurabilityWriteThrough commits at the end of every store call.
	DurabilityWriteThrough
)

// Config holds database configuration options. Zero values select the
// defaults documented on each field.
type Config struct {
	Checksum        int          // Algorithm for new files (default AlgXXHash3)
	Durability      Durability   // Commit posture (default DurabilityDeferred)
	Compress        bool         // Zstd-compress records and nodes
	NodeSize        int          // Target tree node size (default 4KB)
	MaxRecordSize   int          // Maximum record or node size (default 16MB)
	MaxPendingBytes int64        // Staged bytes allowed before Commit (default 256MB)
	Logger          *slog.Logger // Diagnostics (default discards)
}

// DB represents an open database file.
type DB struct {
	path   string
	mode   Mode
	reader *os.File  // Read handle (O_RDONLY)
	writer *os.File  // Write handle (O_RDWR), nil when read-only
	lock   *fileLock // OS-level file lock
	header atomic.Pointer[Header]
	staged *pending
	pool   *docPool
	config Config
	log    *slog.Logger
	alg    int   // Checksum algorithm of this file
	tail   int64 // Append offset (end of file)
	closed atomic.Bool
	mu     sync.RWMutex
	wmu    sync.Mutex
}

func (c *Config) defaults() {
	if c.Checksum == 0 {
		c.Checksum = AlgXXHash3
	}
	if c.NodeSize == 0 {
		c.NodeSize = DefaultNodeSize
	}
	if c.MaxRecordSize == 0 {
		c.MaxRecordSize = 16 * 1024 * 1024
	}
	if c.MaxPendingBytes == 0 {
		c.MaxPendingBytes = 256 * 1024 * 1024
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Open opens the database at path. ModeCreate creates the file if it does
// not exist and writes its initial header.
func Open(path string, mode Mode, config Config) (*DB, error) {
	config.defaults()
	if !validAlg(config.Checksum) {
		return nil, fmt.Errorf("open: %w: checksum algorithm %d", ErrInvalid, config.Checksum)
	}
	if mode < ModeReadOnly || mode > ModeCreate {
		return nil, fmt.Errorf("open: %w: mode %d", ErrInvalid, mode)
	}
	log := config.Logger.With("path", path)

	var writer *os.File
	if mode != ModeReadOnly {
		removeStale(path, log)

		flag := os.O_RDWR
		if mode == ModeCreate {
			flag |= os.O_CREATE
		}
		w, err := os.OpenFile(path, flag, 0644)
		if err != nil {
			return nil, openErr(err)
		}
		writer = w
	}

	reader, err := os.Open(path)
	if err != nil {
		if writer != nil {
			writer.Close()
		}
		return nil, openErr(err)
	}

	lockFile := reader
	if writer != nil {
		lockFile = writer
	}

	db := &DB{
		path:   path,
		mode:   mode,
		reader: reader,
		writer: writer,
		lock:   &fileLock{f: lockFile},
		pool:   newDocPool(),
		config: config,
		log:    log,
	}

	if err := db.recover(); err != nil {
		db.lock.setFile(nil)
		reader.Close()
		if writer != nil {
			writer.Close()
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

// recover loads the newest valid header, first writing the initial header
// when a create-mode open finds an empty file.
func (db *DB) recover() error {
	sz, err := size(db.reader)
	if err != nil {
		return err
	}

	if sz == 0 && db.mode == ModeCreate {
		if err := db.lock.Lock(LockExclusive); err != nil {
			return fmt.Errorf("%w: lock: %w", ErrIO, err)
		}
		defer db.lock.Unlock()

		db.alg = db.config.Checksum
		hdr := &Header{Version: HeaderVersion, Algorithm: db.alg, Timestamp: now(), Salt: newSalt()}
		if _, err := db.writeHeader(hdr); err != nil {
			return err
		}
		db.header.Store(hdr)
		db.staged = newPending(0)
		db.log.Debug("created database", "alg", db.alg)
		return nil
	}

	if err := db.lock.Lock(LockShared); err != nil {
		return fmt.Errorf("%w: lock: %w", ErrIO, err)
	}
	hdr, err := header(db.reader, sz, db.log)
	db.lock.Unlock()
	if err != nil {
		return err
	}
	db.log.Debug("opened database", "header", hdr.offset, "seq", hdr.Seq, "size", sz)

	db.alg = hdr.Algorithm
	db.tail = sz
	db.header.Store(hdr)
	db.staged = newPending(hdr.Seq)
	return nil
}

// openErr classifies a failure to open the file.
func openErr(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("open: %w: %w", ErrNotFound, err)
	}
	return fmt.Errorf("open: %w: %w", ErrOpenFile, err)
}

// Close releases the handle. Everything is released even when closing a
// file fails; the error only reports that failure. Documents staged but
// not committed are discarded. Closing twice is a no-op.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed.Swap(true) {
		return nil
	}
	if db.staged != nil && !db.staged.empty() {
		db.log.Warn("discarding uncommitted documents", "count", db.staged.bySeq.Len())
	}
	db.staged = nil

	// Drain in-flight flock calls before closing the fd (see lock.go)
	db.lock.setFile(nil)

	var errs []error
	if err := db.reader.Close(); err != nil {
		errs = append(errs, err)
	}
	if db.writer != nil {
		if err := db.writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close: %w: %w", ErrIO, errs[0])
	}
	return nil
}

// HeaderPosition returns the file offset of the header that anchors the
// handle's visible state.
func (db *DB) HeaderPosition() int64 {
	return db.header.Load().offset
}

// Info summarises the committed state of the database.
type Info struct {
	Path           string `json:"path"`
	UpdateSeq      uint64 `json:"update_seq"`      // Highest committed sequence
	DocCount       uint64 `json:"doc_count"`       // Live documents
	DeletedCount   uint64 `json:"deleted_count"`   // Tombstones
	HeaderPosition int64  `json:"header_position"` // Offset of the current header
	FileSize       int64  `json:"file_size"`       // Bytes on disk, including garbage
	Algorithm      int    `json:"algorithm"`       // Checksum algorithm
}

// Info reports document counts and positions for the committed state.
func (db *DB) Info() (Info, error) {
	if err := db.blockRead(); err != nil {
		return Info{}, err
	}
	defer db.mu.RUnlock()

	h := db.header.Load()
	sz, err := size(db.reader)
	if err != nil {
		return Info{}, fmt.Errorf("info: %w", err)
	}
	return Info{
		Path:           db.path,
		UpdateSeq:      h.Seq,
		DocCount:       h.ByID.Count - h.ByID.Deleted,
		DeletedCount:   h.ByID.Deleted,
		HeaderPosition: h.offset,
		FileSize:       sz,
		Algorithm:      h.Algorithm,
	}, nil
}

// Blocking methods for concurrency control

// blockRead takes the shared lifetime lock. The caller must RUnlock mu.
func (db *DB) blockRead() error {
	db.mu.RLock()
	if db.closed.Load() {
		db.mu.RUnlock()
		return ErrClosed
	}
	return nil
}

// blockWrite takes the writer lock and then the shared lifetime lock. The
// caller must call unblockWrite.
func (db *DB) blockWrite() error {
	if db.mode == ModeReadOnly {
		return fmt.Errorf("%w: database is read-only", ErrInvalid)
	}
	db.wmu.Lock()
	if err := db.blockRead(); err != nil {
		db.wmu.Unlock()
		return err
	}
	return nil
}

func (db *DB) unblockWrite() {
	db.mu.RUnlock()
	db.wmu.Unlock()
}

// snapshot returns the published header and a tree reader bound to it.
func (db *DB) snapshot() (*Header, *tree) {
	h := db.header.Load()
	return h, &tree{r: db.reader, end: h.offset, alg: h.Algorithm, limit: db.config.MaxRecordSize}
}
