// Document record codec.
//
// A record is the payload of a kindRecord chunk:
//
//	seq(8) rev(8) flags(1) contentType(1)
//	uvarint(len id) id  uvarint(len meta) meta  uvarint(len value) value
//
// The chunk frame supplies the checksum and the compression flag. The
// sequence number is stored in the record so the change feed and
// compaction can verify that the by-seq tree and the record agree.
package couchfile

import (
	"encoding/binary"
	"fmt"
)

// Record flag bits.
const (
	recDeleted = 1 << 0
)

// recordFixedSize is the size of the fixed-width record prefix.
const recordFixedSize = 8 + 8 + 1 + 1

// MaxIDSize is the maximum length of a document id in bytes.
const MaxIDSize = 64 * 1024

// encodeRecord serialises d under sequence number seq. The id must be set;
// unset meta and value are stored empty, and unset scalar fields as zero.
func encodeRecord(d *Document, seq uint64) ([]byte, error) {
	id, err := d.id.get()
	if err != nil || len(id) == 0 {
		return nil, fmt.Errorf("%w: document has no id", ErrInvalid)
	}
	if len(id) > MaxIDSize {
		return nil, fmt.Errorf("%w: id of %d bytes exceeds %d", ErrInvalid, len(id), MaxIDSize)
	}
	meta, value := d.meta.data, d.value.data

	n := recordFixedSize + 3*binary.MaxVarintLen64 + len(id) + len(meta) + len(value)
	buf := make([]byte, recordFixedSize, n)
	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint64(buf[8:16], d.rev)
	if d.deleted {
		buf[16] |= recDeleted
	}
	buf[17] = byte(d.ctype)

	for _, b := range [][]byte{id, meta, value} {
		buf = binary.AppendUvarint(buf, uint64(len(b)))
		buf = append(buf, b...)
	}
	return buf, nil
}

// decodeRecord fills d from a record payload. Every field becomes owned by
// d and aliases payload, each capped so reuse of one field's buffer can
// never overwrite another's.
func decodeRecord(payload []byte, d *Document) error {
	if len(payload) < recordFixedSize {
		return fmt.Errorf("%w: record of %d bytes", ErrCorrupt, len(payload))
	}
	seq := binary.BigEndian.Uint64(payload[0:8])
	rev := binary.BigEndian.Uint64(payload[8:16])
	flags := payload[16]
	ctype := ContentType(payload[17])

	var parts [3][]byte
	pos := recordFixedSize
	for i := range parts {
		n, w := binary.Uvarint(payload[pos:])
		if w <= 0 {
			return fmt.Errorf("%w: record length prefix", ErrCorrupt)
		}
		pos += w
		if n > uint64(len(payload)-pos) {
			return fmt.Errorf("%w: record section of %d bytes overruns payload", ErrCorrupt, n)
		}
		end := pos + int(n)
		parts[i] = payload[pos:end:end]
		pos = end
	}
	if pos != len(payload) {
		return fmt.Errorf("%w: %d trailing bytes in record", ErrCorrupt, len(payload)-pos)
	}
	if len(parts[0]) == 0 {
		return fmt.Errorf("%w: record has empty id", ErrCorrupt)
	}

	d.clear()
	for i, f := range []*field{&d.id, &d.meta, &d.value} {
		f.data = parts[i]
		f.own = owned
		f.spare = nil
	}
	d.seq = seq
	d.rev = rev
	d.deleted = flags&recDeleted != 0
	d.ctype = ctype
	d.bits = hasRev | hasDeleted | hasContentType | hasSeq
	return nil
}

// load reads the record at ptr into a Retrieved document from the pool.
// end bounds the read; for committed data it is the header offset.
func (db *DB) load(ptr, end int64, alg int) (*Document, error) {
	payload, err := readChunk(db.reader, ptr, end, kindRecord, alg, db.config.MaxRecordSize)
	if err != nil {
		return nil, err
	}
	d := db.pool.get(retrieved)
	if err := decodeRecord(payload, d); err != nil {
		d.Release()
		return nil, err
	}
	return d, nil
}
