// Header chain and recovery.
//
// A header is a JSON object framed as an ordinary chunk, always checksummed
// with xxHash3, and followed by a fixed trailer:
//
//	chunk(kindHeader, json) | chunkLength(4) | headerMagic(8)
//
// Headers are appended after the records and nodes of each commit, so the
// file holds a chain of them with the newest last. Open walks backward from
// the end of the file looking for the trailer magic and takes the first
// header that validates. Anything after that header (records of a batch
// that never committed, a torn header) is ignored.
//
// Document values are stored verbatim and may contain bytes shaped exactly
// like a header. Each file therefore gets a random salt, recorded in the
// initial header at offset 0, and every later header's checksum is keyed
// with it. The initial header is located by position, not by scanning, so
// it alone is checksummed without the salt.
package couchfile

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
)

// HeaderVersion is the only header format this engine reads and writes.
const HeaderVersion = 1

// headerMagic terminates every header so it can be found scanning backward.
var headerMagic = []byte("cfHEADR\n")

// headerTrailerSize is the chunk length field plus the magic.
const headerTrailerSize = 4 + 8

// maxHeaderSize bounds the JSON payload of a header.
const maxHeaderSize = 4096

// scanWindow is how many bytes recovery reads per backward step.
const scanWindow = 64 * 1024

// Root anchors one B+tree. Pointer is the offset of the root node, 0 for an
// empty tree (offset 0 always holds the initial header, never a node).
type Root struct {
	Pointer int64  `json:"p"` // Byte offset of the root node
	Count   uint64 `json:"n"` // Entries in the tree
	Deleted uint64 `json:"d"` // Entries flagged deleted
}

// before reports whether the root is empty or its node precedes off.
func (r Root) before(off int64) bool {
	return r.Pointer == 0 || (r.Pointer > 0 && r.Pointer < off)
}

// Header is the durable anchor of one commit.
type Header struct {
	Version   int    `json:"_v"`    // Format version, must equal HeaderVersion
	Algorithm int    `json:"_alg"`  // Checksum algorithm for records and nodes
	Timestamp int64  `json:"_ts"`   // Unix milliseconds when written
	Seq       uint64 `json:"_seq"`  // Highest committed sequence number
	ByID      Root   `json:"_id"`   // By-id tree
	BySeq     Root   `json:"_sq"`   // By-sequence tree
	Salt      uint64 `json:"_salt"` // Key for header checksums, fixed per file

	offset int64 // Position of this header in the file
}

// newSalt returns a random header salt for a new file.
func newSalt() uint64 {
	var b [8]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// headerSum checksums a header chunk written at off.
func headerSum(off int64, salt uint64, prefix, payload []byte) uint64 {
	if off == 0 {
		return checksum(AlgXXHash3, prefix, payload)
	}
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], salt)
	return checksum(AlgXXHash3, key[:], prefix, payload)
}

// encode serialises the header as a framed chunk plus trailer, to be
// written at off.
func (h *Header) encode(off int64) ([]byte, error) {
	payload, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("%w: encode header: %w", ErrInternal, err)
	}
	if len(payload) > maxHeaderSize {
		return nil, fmt.Errorf("%w: header too large", ErrInternal)
	}

	chunk := frame(kindHeader, 0, payload, AlgXXHash3)
	binary.BigEndian.PutUint64(chunk[6:14], headerSum(off, h.Salt, chunk[:6], payload))
	buf := make([]byte, 0, len(chunk)+headerTrailerSize)
	buf = append(buf, chunk...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(chunk)))
	return append(buf, headerMagic...), nil
}

// decodeHeader parses a header payload. The version is checked before the
// full decode so a future format with different fields still reports
// ErrHeaderVersion rather than ErrCorrupt.
func decodeHeader(payload []byte) (*Header, error) {
	var v struct {
		Version int `json:"_v"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorrupt, err)
	}
	if v.Version != HeaderVersion {
		return nil, fmt.Errorf("%w: version %d", ErrHeaderVersion, v.Version)
	}

	var h Header
	if err := json.Unmarshal(payload, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorrupt, err)
	}
	if !validAlg(h.Algorithm) {
		return nil, fmt.Errorf("%w: header algorithm %d", ErrCorrupt, h.Algorithm)
	}
	return &h, nil
}

// header locates the newest valid header in a file of the given size.
//
// Candidates whose checksum fails are skipped; they are the remains of an
// interrupted commit. The first candidate that validates decides the
// outcome: it is returned, or ErrHeaderVersion is reported if its version
// is unknown. When nothing validates the most specific failure seen is
// returned: ErrChecksumFail, then ErrCorrupt, then ErrNoHeader. A damaged
// initial header leaves no salt to validate the others with and fails the
// scan outright.
func header(r io.ReaderAt, fileSize int64, log *slog.Logger) (*Header, error) {
	var sawChecksum, sawCorrupt bool
	salt := &fileSalt{r: r, size: fileSize}

	end := fileSize
	before := fileSize // candidates must start before this offset
	for end > 0 {
		start := max(end-scanWindow, 0)
		buf := make([]byte, end-start)
		if _, err := r.ReadAt(buf, start); err != nil && err != io.EOF {
			return nil, fmt.Errorf("%w: read at %d: %w", ErrIO, start, err)
		}

		for {
			lim := min(len(buf), int(before-start)+len(headerMagic)-1)
			if lim < len(headerMagic) {
				break
			}
			i := bytes.LastIndex(buf[:lim], headerMagic)
			if i < 0 {
				break
			}
			before = start + int64(i)

			hdr, err := candidate(r, before, salt)
			switch {
			case err == nil:
				return hdr, nil
			case salt.err != nil:
				return nil, fmt.Errorf("initial header: %w", salt.err)
			case errors.Is(err, ErrHeaderVersion), errors.Is(err, ErrIO):
				return nil, err
			case errors.Is(err, ErrChecksumFail):
				sawChecksum = true
				log.Warn("skipping header with bad checksum", "magic", before)
			default:
				sawCorrupt = true
				log.Warn("skipping malformed header", "magic", before, "err", err)
			}
		}

		if start == 0 {
			break
		}
		end = start + int64(len(headerMagic)) - 1
	}

	switch {
	case sawChecksum:
		return nil, fmt.Errorf("%w: no header validates", ErrChecksumFail)
	case sawCorrupt:
		return nil, fmt.Errorf("%w: no well-formed header", ErrCorrupt)
	default:
		return nil, ErrNoHeader
	}
}

// fileSalt loads the salt from the initial header on first use.
type fileSalt struct {
	r      io.ReaderAt
	size   int64
	loaded bool
	salt   uint64
	err    error
}

func (s *fileSalt) get() (uint64, error) {
	if !s.loaded {
		s.loaded = true
		s.salt, s.err = initialSalt(s.r, s.size)
	}
	return s.salt, s.err
}

// initialSalt reads the salt recorded in the header at offset 0.
func initialSalt(r io.ReaderAt, fileSize int64) (uint64, error) {
	payload, err := readChunk(r, 0, fileSize, kindHeader, AlgXXHash3, maxHeaderSize)
	if err != nil {
		return 0, err
	}
	h, err := decodeHeader(payload)
	if err != nil {
		return 0, err
	}
	return h.Salt, nil
}

// candidate validates the header whose trailer magic starts at moff.
func candidate(r io.ReaderAt, moff int64, salt *fileSalt) (*Header, error) {
	if moff < 4+chunkHeaderSize {
		return nil, fmt.Errorf("%w: header trailer at %d", ErrCorrupt, moff)
	}
	var lenBuf [4]byte
	if _, err := r.ReadAt(lenBuf[:], moff-4); err != nil {
		return nil, ioErr(err)
	}
	clen := int64(binary.BigEndian.Uint32(lenBuf[:]))
	off := moff - 4 - clen
	if clen < chunkHeaderSize || off < 0 {
		return nil, fmt.Errorf("%w: header length %d at %d", ErrCorrupt, clen, moff)
	}

	var key uint64
	if off > 0 {
		k, err := salt.get()
		if err != nil {
			return nil, err
		}
		key = k
	}

	prefix, payload, err := readFrame(r, off, moff-4, kindHeader, maxHeaderSize)
	if err != nil {
		return nil, err
	}
	if headerSum(off, key, prefix[:6], payload) != binary.BigEndian.Uint64(prefix[6:14]) {
		return nil, fmt.Errorf("%w: header at %d", ErrChecksumFail, off)
	}
	if int64(len(payload))+chunkHeaderSize != clen {
		return nil, fmt.Errorf("%w: header length mismatch at %d", ErrCorrupt, off)
	}

	h, err := decodeHeader(payload)
	if err != nil {
		return nil, err
	}
	if off > 0 && h.Salt != key {
		return nil, fmt.Errorf("%w: header at %d has foreign salt", ErrCorrupt, off)
	}
	if !h.ByID.before(off) || !h.BySeq.before(off) {
		return nil, fmt.Errorf("%w: header at %d references later offsets", ErrCorrupt, off)
	}
	h.offset = off
	return h, nil
}

// now returns the current time in unix milliseconds.
func now() int64 {
	return time.Now().UnixMilli()
}
