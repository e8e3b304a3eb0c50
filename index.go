// By-id and by-sequence index entries, and the staging area for updates
// that have been appended but not yet committed.
//
// by-id:  key = raw id,                value = flags | uvarint(record) | uvarint(seq)
// by-seq: key = big-endian uint64 seq, value = flags | uvarint(record) | id
//
// Staged updates are kept in ordered skip lists so commit can hand them to
// the tree already sorted. Within one commit a later store of the same id
// replaces the earlier by-id entry, while every store keeps its own by-seq
// entry.
package couchfile

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/zhangyunhao116/skipmap"
)

// idEntry is a by-id value: where the latest version of a document lives.
type idEntry struct {
	ptr     int64
	seq     uint64
	deleted bool
}

func (e idEntry) encode() []byte {
	buf := make([]byte, 1, 1+2*binary.MaxVarintLen64)
	if e.deleted {
		buf[0] |= recDeleted
	}
	buf = binary.AppendUvarint(buf, uint64(e.ptr))
	return binary.AppendUvarint(buf, e.seq)
}

func decodeIDEntry(val []byte) (idEntry, error) {
	if len(val) < 1 {
		return idEntry{}, fmt.Errorf("%w: empty by-id value", ErrCorrupt)
	}
	r := &nodeReader{b: val[1:]}
	e := idEntry{
		deleted: val[0]&recDeleted != 0,
		ptr:     int64(r.uvarint()),
		seq:     r.uvarint(),
	}
	if r.err != nil {
		return idEntry{}, r.err
	}
	if e.ptr <= 0 || len(r.b) != 0 {
		return idEntry{}, fmt.Errorf("%w: by-id value", ErrCorrupt)
	}
	return e, nil
}

// seqEntry is a by-seq value: one historical version of a document.
type seqEntry struct {
	ptr     int64
	deleted bool
	id      []byte
}

func (e seqEntry) encode() []byte {
	buf := make([]byte, 1, 1+binary.MaxVarintLen64+len(e.id))
	if e.deleted {
		buf[0] |= recDeleted
	}
	buf = binary.AppendUvarint(buf, uint64(e.ptr))
	return append(buf, e.id...)
}

func decodeSeqEntry(val []byte) (seqEntry, error) {
	if len(val) < 1 {
		return seqEntry{}, fmt.Errorf("%w: empty by-seq value", ErrCorrupt)
	}
	r := &nodeReader{b: val[1:]}
	e := seqEntry{deleted: val[0]&recDeleted != 0, ptr: int64(r.uvarint())}
	if r.err != nil {
		return seqEntry{}, r.err
	}
	if e.ptr <= 0 {
		return seqEntry{}, fmt.Errorf("%w: by-seq value", ErrCorrupt)
	}
	e.id = r.b
	return e, nil
}

// seqKey encodes a sequence number so byte order equals numeric order.
func seqKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), seq)
}

func decodeSeqKey(key []byte) (uint64, error) {
	if len(key) != 8 {
		return 0, fmt.Errorf("%w: by-seq key of %d bytes", ErrCorrupt, len(key))
	}
	return binary.BigEndian.Uint64(key), nil
}

// pending holds index updates staged since the last commit.
type pending struct {
	byID  *skipmap.FuncMap[[]byte, idEntry]
	bySeq *skipmap.FuncMap[uint64, seqEntry]
	size  int64  // bytes appended for staged records
	seq   uint64 // last sequence number assigned
}

func newPending(seq uint64) *pending {
	return &pending{
		byID: skipmap.NewFunc[[]byte, idEntry](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
		bySeq: skipmap.NewFunc[uint64, seqEntry](func(a, b uint64) bool {
			return a < b
		}),
		seq: seq,
	}
}

// stage records that the document id now lives at ptr under seq. id is
// copied; the caller's buffer may be reused once stage returns.
func (p *pending) stage(id []byte, seq uint64, ptr int64, deleted bool, n int) {
	key := bytes.Clone(id)
	p.byID.Store(key, idEntry{ptr: ptr, seq: seq, deleted: deleted})
	p.bySeq.Store(seq, seqEntry{ptr: ptr, deleted: deleted, id: key})
	p.size += int64(n)
	p.seq = seq
}

func (p *pending) empty() bool {
	return p.bySeq.Len() == 0
}

// idUpdates returns the staged by-id updates sorted by id.
func (p *pending) idUpdates() []kv {
	out := make([]kv, 0, p.byID.Len())
	p.byID.Range(func(id []byte, e idEntry) bool {
		out = append(out, kv{key: id, val: e.encode()})
		return true
	})
	return out
}

// seqUpdates returns the staged by-seq updates in sequence order.
func (p *pending) seqUpdates() []kv {
	out := make([]kv, 0, p.bySeq.Len())
	p.bySeq.Range(func(seq uint64, e seqEntry) bool {
		out = append(out, kv{key: seqKey(seq), val: e.encode()})
		return true
	})
	return out
}
