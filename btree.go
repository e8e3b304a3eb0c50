// Append-only B+tree shared by the by-id and by-sequence indexes.
//
// Nodes are immutable chunks. An update rewrites the path from each changed
// leaf to the root and appends the new nodes; the old ones stay in the file
// and remain reachable from older headers. Keys compare with bytes.Compare,
// so binary ids of any length and 8-byte big-endian sequence numbers share
// one implementation.
//
// Node payload:
//
//	type(1) uvarint(count) entries...
//	leaf entry:     uvarint(len key) key uvarint(len value) value
//	interior entry: uvarint(len key) key uvarint(pointer) uvarint(count) uvarint(deleted)
//
// An interior entry's key is the largest key in its subtree. Leaf values
// begin with a flags byte whose low bit marks a deleted document, which is
// what lets every interior entry carry a deleted count alongside its
// entry count.
package couchfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Node types.
const (
	nodeLeaf     = 0
	nodeInterior = 1
)

// DefaultNodeSize is the target encoded size of a tree node.
const DefaultNodeSize = 4096

// entry is one slot of a node. Leaves use val, interior nodes use child.
type entry struct {
	key   []byte
	val   []byte
	child Root
}

type node struct {
	typ     byte
	entries []entry
}

// kv is one staged leaf update.
type kv struct {
	key []byte
	val []byte
}

// chunkWriter appends a chunk and reports where it landed.
type chunkWriter interface {
	appendChunk(kind byte, payload []byte) (int64, int, error)
}

// tree reads nodes from a fixed snapshot of the file.
type tree struct {
	r     io.ReaderAt
	end   int64 // nodes must lie before this offset
	alg   int
	limit int
}

func (t *tree) readNode(ptr int64) (*node, error) {
	payload, err := readChunk(t.r, ptr, t.end, kindNode, t.alg, t.limit)
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(payload)
	if err != nil {
		return nil, fmt.Errorf("node at %d: %w", ptr, err)
	}
	// Children are always written before their parent.
	if n.typ == nodeInterior {
		for i := range n.entries {
			if n.entries[i].child.Pointer >= ptr {
				return nil, fmt.Errorf("%w: node at %d points forward to %d", ErrCorrupt, ptr, n.entries[i].child.Pointer)
			}
		}
	}
	return n, nil
}

// lookup returns the value stored under key.
func (t *tree) lookup(root Root, key []byte) ([]byte, bool, error) {
	ptr := root.Pointer
	for ptr != 0 {
		n, err := t.readNode(ptr)
		if err != nil {
			return nil, false, err
		}
		i := sort.Search(len(n.entries), func(i int) bool {
			return bytes.Compare(n.entries[i].key, key) >= 0
		})
		if n.typ == nodeLeaf {
			if i < len(n.entries) && bytes.Equal(n.entries[i].key, key) {
				return n.entries[i].val, true, nil
			}
			return nil, false, nil
		}
		if i == len(n.entries) {
			return nil, false, nil
		}
		ptr = n.entries[i].child.Pointer
	}
	return nil, false, nil
}

// fold calls fn for every leaf entry with key >= start, in key order. A nil
// start visits everything. fn returns false to stop.
func (t *tree) fold(root Root, start []byte, fn func(key, val []byte) (bool, error)) error {
	if root.Pointer == 0 {
		return nil
	}
	_, err := t.foldNode(root.Pointer, start, fn)
	return err
}

func (t *tree) foldNode(ptr int64, start []byte, fn func(key, val []byte) (bool, error)) (bool, error) {
	n, err := t.readNode(ptr)
	if err != nil {
		return false, err
	}
	i := 0
	if start != nil {
		i = sort.Search(len(n.entries), func(i int) bool {
			return bytes.Compare(n.entries[i].key, start) >= 0
		})
	}
	for ; i < len(n.entries); i++ {
		e := &n.entries[i]
		var more bool
		if n.typ == nodeLeaf {
			more, err = fn(e.key, e.val)
		} else {
			more, err = t.foldNode(e.child.Pointer, start, fn)
		}
		if err != nil || !more {
			return false, err
		}
	}
	return true, nil
}

// modify upserts kvs, which must be sorted by key without duplicates, and
// returns the new root. Only the nodes on paths to changed leaves are
// rewritten.
func (t *tree) modify(root Root, kvs []kv, w chunkWriter, nodeSize int) (Root, error) {
	if len(kvs) == 0 {
		return root, nil
	}

	var refs []entry
	var err error
	if root.Pointer == 0 {
		leaf := make([]entry, len(kvs))
		for i, u := range kvs {
			leaf[i] = entry{key: u.key, val: u.val}
		}
		refs, err = writeNodes(nodeLeaf, leaf, w, nodeSize)
	} else {
		refs, err = t.modifyNode(root.Pointer, kvs, w, nodeSize)
	}
	if err != nil {
		return Root{}, err
	}

	for len(refs) > 1 {
		if refs, err = writeNodes(nodeInterior, refs, w, nodeSize); err != nil {
			return Root{}, err
		}
	}
	if len(refs) == 0 {
		return Root{}, fmt.Errorf("%w: tree modify produced no root", ErrInternal)
	}
	return refs[0].child, nil
}

// modifyNode applies kvs to the subtree at ptr and returns the entries that
// replace it in its parent (more than one if it split).
func (t *tree) modifyNode(ptr int64, kvs []kv, w chunkWriter, nodeSize int) ([]entry, error) {
	n, err := t.readNode(ptr)
	if err != nil {
		return nil, err
	}
	if n.typ == nodeLeaf {
		return writeNodes(nodeLeaf, mergeLeaf(n.entries, kvs), w, nodeSize)
	}

	out := make([]entry, 0, len(n.entries)+1)
	i := 0
	for ci, c := range n.entries {
		j := i
		if ci == len(n.entries)-1 {
			j = len(kvs) // last child absorbs keys beyond the current maximum
		} else {
			for j < len(kvs) && bytes.Compare(kvs[j].key, c.key) <= 0 {
				j++
			}
		}
		if j == i {
			out = append(out, c)
			continue
		}
		sub, err := t.modifyNode(c.child.Pointer, kvs[i:j], w, nodeSize)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
		i = j
	}
	return writeNodes(nodeInterior, out, w, nodeSize)
}

// mergeLeaf merges sorted updates into sorted leaf entries. An update with
// an existing key replaces the entry.
func mergeLeaf(entries []entry, kvs []kv) []entry {
	out := make([]entry, 0, len(entries)+len(kvs))
	i, j := 0, 0
	for i < len(entries) && j < len(kvs) {
		switch c := bytes.Compare(entries[i].key, kvs[j].key); {
		case c < 0:
			out = append(out, entries[i])
			i++
		case c > 0:
			out = append(out, entry{key: kvs[j].key, val: kvs[j].val})
			j++
		default:
			out = append(out, entry{key: kvs[j].key, val: kvs[j].val})
			i++
			j++
		}
	}
	out = append(out, entries[i:]...)
	for ; j < len(kvs); j++ {
		out = append(out, entry{key: kvs[j].key, val: kvs[j].val})
	}
	return out
}

// writeNodes packs entries into as many nodes of the given type as needed
// to keep each near nodeSize, appends them, and returns one parent entry
// per node written.
func writeNodes(typ byte, entries []entry, w chunkWriter, nodeSize int) ([]entry, error) {
	// Interior nodes take at least two entries so every level shrinks.
	least := 1
	if typ == nodeInterior {
		least = 2
	}
	var refs []entry
	for len(entries) > 0 {
		n, sz := 0, 1+binary.MaxVarintLen64
		for n < len(entries) {
			esz := entrySize(typ, &entries[n])
			if n >= least && sz+esz > nodeSize {
				break
			}
			sz += esz
			n++
		}

		chunk := entries[:n]
		entries = entries[n:]

		off, _, err := w.appendChunk(kindNode, encodeNode(typ, chunk))
		if err != nil {
			return nil, err
		}
		ref := entry{key: chunk[len(chunk)-1].key, child: Root{Pointer: off}}
		for i := range chunk {
			if typ == nodeLeaf {
				ref.child.Count++
				if leafDeleted(chunk[i].val) {
					ref.child.Deleted++
				}
			} else {
				ref.child.Count += chunk[i].child.Count
				ref.child.Deleted += chunk[i].child.Deleted
			}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func entrySize(typ byte, e *entry) int {
	sz := binary.MaxVarintLen32 + len(e.key)
	if typ == nodeLeaf {
		return sz + binary.MaxVarintLen32 + len(e.val)
	}
	return sz + 3*binary.MaxVarintLen64
}

func leafDeleted(val []byte) bool {
	return len(val) > 0 && val[0]&recDeleted != 0
}

func encodeNode(typ byte, entries []entry) []byte {
	sz := 1 + binary.MaxVarintLen64
	for i := range entries {
		sz += entrySize(typ, &entries[i])
	}
	buf := make([]byte, 0, sz)
	buf = append(buf, typ)
	buf = binary.AppendUvarint(buf, uint64(len(entries)))
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, uint64(len(e.key)))
		buf = append(buf, e.key...)
		if typ == nodeLeaf {
			buf = binary.AppendUvarint(buf, uint64(len(e.val)))
			buf = append(buf, e.val...)
		} else {
			buf = binary.AppendUvarint(buf, uint64(e.child.Pointer))
			buf = binary.AppendUvarint(buf, e.child.Count)
			buf = binary.AppendUvarint(buf, e.child.Deleted)
		}
	}
	return buf
}

// nodeReader walks a node payload, recording the first decode failure.
type nodeReader struct {
	b   []byte
	err error
}

func (r *nodeReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.b)
	if n <= 0 {
		r.err = fmt.Errorf("%w: node varint", ErrCorrupt)
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *nodeReader) bytes() []byte {
	n := r.uvarint()
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.b)) {
		r.err = fmt.Errorf("%w: node section of %d bytes overruns payload", ErrCorrupt, n)
		return nil
	}
	out := r.b[:n:n]
	r.b = r.b[n:]
	return out
}

func decodeNode(payload []byte) (*node, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: node of %d bytes", ErrCorrupt, len(payload))
	}
	typ := payload[0]
	if typ != nodeLeaf && typ != nodeInterior {
		return nil, fmt.Errorf("%w: node type %d", ErrCorrupt, typ)
	}
	r := &nodeReader{b: payload[1:]}
	count := r.uvarint()
	if r.err != nil {
		return nil, r.err
	}
	if count == 0 || count > uint64(len(r.b)) {
		return nil, fmt.Errorf("%w: node entry count %d", ErrCorrupt, count)
	}

	n := &node{typ: typ, entries: make([]entry, count)}
	for i := range n.entries {
		e := &n.entries[i]
		e.key = r.bytes()
		if typ == nodeLeaf {
			e.val = r.bytes()
		} else {
			e.child.Pointer = int64(r.uvarint())
			e.child.Count = r.uvarint()
			e.child.Deleted = r.uvarint()
			if r.err == nil && e.child.Pointer <= 0 {
				return nil, fmt.Errorf("%w: child pointer %d", ErrCorrupt, e.child.Pointer)
			}
		}
		if r.err != nil {
			return nil, r.err
		}
		if i > 0 && bytes.Compare(n.entries[i-1].key, e.key) >= 0 {
			return nil, fmt.Errorf("%w: node keys out of order", ErrCorrupt)
		}
	}
	if len(r.b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in node", ErrCorrupt, len(r.b))
	}
	return n, nil
}
