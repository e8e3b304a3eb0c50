// Document storage.
//
// A store appends one record per document at the tail and stages the
// matching by-id and by-seq updates. Sequence numbers are assigned here, in
// argument order, continuing from the last one assigned on this handle.
// Nothing stored becomes visible until commit writes a header; with
// DurabilityWriteThrough the store call does that itself.
//
// All documents of a call are validated before anything is written, so a
// bad argument never leaves a partial batch staged.
package couchfile

import "fmt"

// StoreDocument stores a single document.
func (db *DB) StoreDocument(doc *Document) error {
	return db.StoreDocuments(doc)
}

// StoreDocuments stores a batch of documents. Each document must have an
// id. The documents are only read; the caller keeps ownership and may
// release or reuse them once the call returns.
func (db *DB) StoreDocuments(docs ...*Document) error {
	if err := db.blockWrite(); err != nil {
		return err
	}
	defer db.unblockWrite()

	records := make([][]byte, len(docs))
	seq := db.staged.seq
	for i, d := range docs {
		if err := d.readable(); err != nil {
			return fmt.Errorf("store: document %d: %w", i, err)
		}
		rec, err := encodeRecord(d, seq+uint64(i)+1)
		if err != nil {
			return fmt.Errorf("store: document %d: %w", i, err)
		}
		if len(rec) > db.config.MaxRecordSize {
			return fmt.Errorf("store: document %d: %w: record of %d bytes exceeds %d",
				i, ErrInvalid, len(rec), db.config.MaxRecordSize)
		}
		records[i] = rec
	}

	var total int64
	for _, rec := range records {
		total += int64(len(rec)) + chunkHeaderSize
	}
	if db.staged.size+total > db.config.MaxPendingBytes {
		return fmt.Errorf("store: %w: %d staged bytes exceed limit of %d, commit first",
			ErrNoMem, db.staged.size+total, db.config.MaxPendingBytes)
	}

	// Stage only once every record is written. Records appended before a
	// failure are unreferenced garbage.
	offs := make([]int64, len(docs))
	sizes := make([]int, len(docs))
	for i := range docs {
		off, n, err := db.appendChunk(kindRecord, records[i])
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		offs[i], sizes[i] = off, n
	}
	for i, d := range docs {
		db.staged.stage(d.id.data, seq+uint64(i)+1, offs[i], d.deleted, sizes[i])
	}

	if db.config.Durability == DurabilityWriteThrough {
		return db.commit()
	}
	return nil
}
