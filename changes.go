// Change feed over the by-sequence index.
//
// Changes walks the by-seq tree of the published header in ascending order
// starting after a given sequence number. Each entry is one historical
// version: a document updated three times appears under three sequence
// numbers, the older ones pointing at superseded records. Because the
// iteration is bound to one header, a commit running concurrently is never
// observed mid-way, and resuming from the last sequence seen yields no gap
// and no duplicate.
package couchfile

import (
	"fmt"
	"iter"
	"math"
)

// ChangesOptions controls which entries the change feed yields.
type ChangesOptions struct {
	SkipDeleted bool // Omit tombstones
}

// Change is one entry of the change feed. The document is valid until the
// iteration advances unless the caller takes it.
type Change struct {
	seq   uint64
	doc   *Document
	taken bool
}

// Seq returns the sequence number of the change.
func (c *Change) Seq() uint64 {
	return c.seq
}

// Document returns the document version recorded under Seq. It is released
// when the iteration advances; call Take to keep it.
func (c *Change) Document() *Document {
	return c.doc
}

// Take transfers ownership of the document to the caller, who must Release
// it.
func (c *Change) Take() *Document {
	c.taken = true
	return c.doc
}

// Changes returns an iterator over every committed change with a sequence
// number greater than since, in ascending order. The iteration stops at the
// first error, which is yielded with a nil Change.
//
// The handle's read lock is held while iterating, so Close and Compact wait
// for the loop to finish and deadlock if called from inside it. Stores and
// commits made inside the loop are not seen by it. They take the read lock
// again, which deadlocks if another goroutine is already waiting in Close
// or Compact, so writers that may race with those should collect changes
// first and write after the loop.
func (db *DB) Changes(since uint64, opts *ChangesOptions) iter.Seq2[*Change, error] {
	if opts == nil {
		opts = &ChangesOptions{}
	}
	return func(yield func(*Change, error) bool) {
		if since == math.MaxUint64 {
			return
		}
		if err := db.blockRead(); err != nil {
			yield(nil, err)
			return
		}
		defer db.mu.RUnlock()

		h, t := db.snapshot()
		var last uint64
		err := t.fold(h.BySeq, seqKey(since+1), func(key, val []byte) (bool, error) {
			seq, err := decodeSeqKey(key)
			if err != nil {
				return false, err
			}
			if seq <= last {
				return false, fmt.Errorf("%w: by-seq key %d after %d", ErrCorrupt, seq, last)
			}
			last = seq

			e, err := decodeSeqEntry(val)
			if err != nil {
				return false, err
			}
			if e.deleted && opts.SkipDeleted {
				return true, nil
			}

			d, err := db.load(e.ptr, h.offset, h.Algorithm)
			if err != nil {
				return false, err
			}
			if d.seq != seq {
				d.Release()
				return false, fmt.Errorf("%w: record seq %d under by-seq key %d", ErrCorrupt, d.seq, seq)
			}

			c := &Change{seq: seq, doc: d}
			more := yield(c, nil)
			if !c.taken {
				d.Release()
			}
			return more, nil
		})
		if err != nil {
			yield(nil, fmt.Errorf("changes: %w", err))
		}
	}
}

// ChangesSince calls fn for every committed change after since, tombstones
// included. fn returns true to keep the document (the caller must then
// Release it) or false to have it released as soon as fn returns. The
// feed cannot be stopped early; use Changes for that.
func (db *DB) ChangesSince(since uint64, fn func(*Document) bool) error {
	for c, err := range db.Changes(since, nil) {
		if err != nil {
			return err
		}
		if fn(c.Document()) {
			c.Take()
		}
	}
	return nil
}
