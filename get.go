// Document retrieval operations.
//
// Lookups read the by-id tree of the published header, so they see exactly
// the last committed state: staged documents and anything after the header
// are invisible. Every result is a Retrieved document drawn from the
// handle's pool; the caller must Release it.
package couchfile

import "fmt"

// GetDocument returns the current version of the document with the given
// id. Tombstones are not returned: a deleted document reports ErrNotFound.
func (db *DB) GetDocument(id []byte) (*Document, error) {
	return db.get(id, false)
}

// GetDocumentEx is GetDocument including tombstones. A deleted document is
// returned with Deleted reporting true.
func (db *DB) GetDocumentEx(id []byte) (*Document, error) {
	return db.get(id, true)
}

func (db *DB) get(id []byte, withDeleted bool) (*Document, error) {
	if len(id) == 0 {
		return nil, fmt.Errorf("get: %w: empty id", ErrInvalid)
	}
	if err := db.blockRead(); err != nil {
		return nil, err
	}
	defer db.mu.RUnlock()

	h, t := db.snapshot()
	val, ok, err := t.lookup(h.ByID, id)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	e, err := decodeIDEntry(val)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	if e.deleted && !withDeleted {
		return nil, ErrNotFound
	}

	d, err := db.load(e.ptr, h.offset, h.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	if d.seq != e.seq {
		d.Release()
		return nil, fmt.Errorf("get: %w: record seq %d, index seq %d", ErrCorrupt, d.seq, e.seq)
	}
	return d, nil
}
