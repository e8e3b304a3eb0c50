// Commit coordinator.
//
// A commit applies the staged by-id and by-seq updates to the trees of the
// published header, appending the rewritten nodes after the staged records,
// then appends a new header and syncs. Only after the sync does the new
// header replace the published one, so readers either see the whole batch
// or none of it. A failure anywhere before that leaves the previous header
// in charge; the bytes written so far are garbage that recovery skips.
package couchfile

import (
	"fmt"
)

// Commit makes every staged document durable and visible. It returns only
// once the new header has been synced. Committing with nothing staged still
// appends a header, which refreshes its timestamp.
//
// When the sync of the new header fails, the header is truncated away and
// the documents stay staged for another attempt. If the truncation itself
// does not reach the disk before a crash, the next open may still find the
// header and show the batch.
func (db *DB) Commit() error {
	if err := db.blockWrite(); err != nil {
		return err
	}
	defer db.unblockWrite()
	return db.commit()
}

// commit does the work of Commit. The caller holds the writer lock.
func (db *DB) commit() error {
	prev, t := db.snapshot()
	p := db.staged
	if p.seq < prev.Seq {
		return fmt.Errorf("commit: %w: staged seq %d behind committed seq %d", ErrInternal, p.seq, prev.Seq)
	}

	byID, err := t.modify(prev.ByID, p.idUpdates(), db, db.config.NodeSize)
	if err != nil {
		return fmt.Errorf("commit: by-id: %w", err)
	}
	bySeq, err := t.modify(prev.BySeq, p.seqUpdates(), db, db.config.NodeSize)
	if err != nil {
		return fmt.Errorf("commit: by-seq: %w", err)
	}

	hdr := &Header{
		Version:   HeaderVersion,
		Algorithm: db.alg,
		Timestamp: now(),
		Seq:       p.seq,
		ByID:      byID,
		BySeq:     bySeq,
		Salt:      prev.Salt,
	}

	if err := db.lock.Lock(LockExclusive); err != nil {
		return fmt.Errorf("commit: %w: lock: %w", ErrIO, err)
	}
	defer db.lock.Unlock()

	// Records and nodes must be durable before the header that points at
	// them, or a crash could leave a valid header over torn data.
	if err := db.sync(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if _, err := db.writeHeader(hdr); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	db.header.Store(hdr)
	db.staged = newPending(hdr.Seq)
	db.log.Debug("committed",
		"header", hdr.offset,
		"seq", hdr.Seq,
		"docs", hdr.ByID.Count-hdr.ByID.Deleted,
		"staged", p.bySeq.Len())
	return nil
}

// writeHeader appends h and syncs it. On success h.offset records where it
// landed.
func (db *DB) writeHeader(h *Header) (int64, error) {
	buf, err := h.encode(db.tail)
	if err != nil {
		return 0, err
	}
	off, err := db.raw(buf)
	if err != nil {
		return 0, err
	}
	if err := db.sync(); err != nil {
		// Cut the unsynced header off so it cannot surface on the next open.
		if terr := db.writer.Truncate(off); terr != nil {
			db.log.Error("truncating unsynced header", "header", off, "err", terr)
		} else {
			db.tail = off
		}
		return 0, err
	}
	h.offset = off
	return off, nil
}
