// Per-handle document pool.
//
// Lookups and the change feed materialise a Document per result, and
// callers that store many documents tend to build one per write. The pool
// recycles those values, together with the owned buffers they kept, so a
// steady workload stops allocating. Each DB has its own pool; documents
// from NewDocument are never pooled.
package couchfile

import "sync"

type docPool struct {
	p sync.Pool
}

func newDocPool() *docPool {
	dp := &docPool{}
	dp.p.New = func() any { return &Document{pool: dp} }
	return dp
}

// get returns an empty document in the given provenance state.
func (dp *docPool) get(state provenance) *Document {
	d := dp.p.Get().(*Document)
	d.state = state
	d.live = true
	return d
}

func (dp *docPool) put(d *Document) {
	dp.p.Put(d)
}

// NewDocument returns an empty Fresh document drawn from the handle's pool.
// Release returns it to the pool.
func (db *DB) NewDocument() *Document {
	return db.pool.get(fresh)
}
