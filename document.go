// Document values and their buffer ownership rules.
//
// A Document is either Fresh (built by the caller, may be cleared and
// reused) or Retrieved (materialised by a lookup or the change feed,
// read-only). Each buffer field records whether it borrows the caller's
// slice or owns a private copy. Borrowed slices must stay unmodified until
// the document has been stored or released; owned copies are dropped on
// Release or Reinitialize.
package couchfile

import "fmt"

// ContentType describes the encoding of a document's value. The engine
// never interprets it; any byte value round-trips.
type ContentType uint8

// Named content types. Compressed is a flag that may be combined with the
// others.
const (
	ContentJSON           ContentType = 0    // Value is valid JSON
	ContentInvalidJSON    ContentType = 1    // Value was checked and is not JSON
	ContentInvalidJSONKey ContentType = 2    // Value is JSON but uses reserved keys
	ContentNonJSONMode    ContentType = 3    // Value was not checked
	ContentCompressed     ContentType = 0x80 // Value is compressed by the client
)

// provenance of a Document.
type provenance uint8

const (
	fresh provenance = iota
	retrieved
)

// ownership of a buffer field.
type ownership uint8

const (
	unset    ownership = iota // Field not set
	borrowed                  // Holds the caller's slice
	owned                     // Holds a private copy
)

// field is one id/meta/value slot.
type field struct {
	data  []byte
	own   ownership
	spare []byte // capacity kept from a previous owned copy
}

func (f *field) set(b []byte, copyBytes bool) {
	if !copyBytes {
		f.keep()
		f.data = b
		f.own = borrowed
		return
	}
	buf := f.spare
	if f.own == owned {
		buf = f.data
	}
	f.spare = nil
	if cap(buf) < len(b) || buf == nil {
		buf = make([]byte, len(b))
	}
	buf = buf[:len(b)]
	copy(buf, b)
	f.data = buf
	f.own = owned
}

// keep moves an owned buffer to spare so a later copy can reuse it.
func (f *field) keep() {
	if f.own == owned {
		f.spare = f.data[:0]
	}
}

func (f *field) reset() {
	f.keep()
	f.data = nil
	f.own = unset
}

func (f *field) get() ([]byte, error) {
	if f.own == unset {
		return nil, ErrInvalid
	}
	return f.data, nil
}

// Scalar field bits.
const (
	hasRev = 1 << iota
	hasDeleted
	hasContentType
	hasSeq
)

// Document is a key/meta/value triple with a revision, deletion flag and
// content type. The zero value is not usable; create documents with
// NewDocument or DB.NewDocument.
type Document struct {
	id, meta, value field

	rev     uint64
	deleted bool
	ctype   ContentType
	seq     uint64
	bits    uint8

	state provenance
	pool  *docPool // nil when not pooled
	live  bool     // false once released
}

// NewDocument returns an empty Fresh document that does not belong to any
// handle's pool.
func NewDocument() *Document {
	return &Document{live: true}
}

func (d *Document) writable() error {
	if d == nil || !d.live {
		return ErrInvalid
	}
	if d.state != fresh {
		return fmt.Errorf("%w: document is read-only", ErrInvalid)
	}
	return nil
}

func (d *Document) readable() error {
	if d == nil || !d.live {
		return ErrInvalid
	}
	return nil
}

// SetID sets the document id. With copy false the document borrows id;
// with copy true it stores a private copy.
func (d *Document) SetID(id []byte, copy bool) error {
	if err := d.writable(); err != nil {
		return err
	}
	d.id.set(id, copy)
	return nil
}

// SetMeta sets the document's meta data. See SetID for copy.
func (d *Document) SetMeta(meta []byte, copy bool) error {
	if err := d.writable(); err != nil {
		return err
	}
	d.meta.set(meta, copy)
	return nil
}

// SetValue sets the document's value. See SetID for copy.
func (d *Document) SetValue(value []byte, copy bool) error {
	if err := d.writable(); err != nil {
		return err
	}
	d.value.set(value, copy)
	return nil
}

// SetRevision sets the caller-defined revision number.
func (d *Document) SetRevision(rev uint64) error {
	if err := d.writable(); err != nil {
		return err
	}
	d.rev = rev
	d.bits |= hasRev
	return nil
}

// SetDeleted marks the document as a tombstone or live document.
func (d *Document) SetDeleted(deleted bool) error {
	if err := d.writable(); err != nil {
		return err
	}
	d.deleted = deleted
	d.bits |= hasDeleted
	return nil
}

// SetContentType sets the content type tag.
func (d *Document) SetContentType(ct ContentType) error {
	if err := d.writable(); err != nil {
		return err
	}
	d.ctype = ct
	d.bits |= hasContentType
	return nil
}

// ID returns the document id. The slice is the caller's original buffer
// for a borrowed id and document-owned memory otherwise; it is invalid once
// the document is released or reinitialized.
func (d *Document) ID() ([]byte, error) {
	if err := d.readable(); err != nil {
		return nil, err
	}
	return d.id.get()
}

// Meta returns the document's meta data. See ID for lifetime rules.
func (d *Document) Meta() ([]byte, error) {
	if err := d.readable(); err != nil {
		return nil, err
	}
	return d.meta.get()
}

// Value returns the document's value. See ID for lifetime rules.
func (d *Document) Value() ([]byte, error) {
	if err := d.readable(); err != nil {
		return nil, err
	}
	return d.value.get()
}

func (d *Document) Revision() (uint64, error) {
	if err := d.readable(); err != nil {
		return 0, err
	}
	if d.bits&hasRev == 0 {
		return 0, ErrInvalid
	}
	return d.rev, nil
}

func (d *Document) Deleted() (bool, error) {
	if err := d.readable(); err != nil {
		return false, err
	}
	if d.bits&hasDeleted == 0 {
		return false, ErrInvalid
	}
	return d.deleted, nil
}

func (d *Document) ContentType() (ContentType, error) {
	if err := d.readable(); err != nil {
		return 0, err
	}
	if d.bits&hasContentType == 0 {
		return 0, ErrInvalid
	}
	return d.ctype, nil
}

// Sequence returns the sequence number the document was committed under.
// Only Retrieved documents have one.
func (d *Document) Sequence() (uint64, error) {
	if err := d.readable(); err != nil {
		return 0, err
	}
	if d.bits&hasSeq == 0 {
		return 0, ErrInvalid
	}
	return d.seq, nil
}

// Reinitialize resets every field to unset so the document can be reused.
// Only Fresh documents may be reinitialized; a Retrieved document returns
// ErrInvalid and is left untouched.
func (d *Document) Reinitialize() error {
	if err := d.writable(); err != nil {
		return err
	}
	d.clear()
	return nil
}

func (d *Document) clear() {
	d.id.reset()
	d.meta.reset()
	d.value.reset()
	d.rev, d.deleted, d.ctype, d.seq, d.bits = 0, false, 0, 0, 0
}

// Release hands the document back to the engine. Owned buffers are
// dropped; a pooled document returns to its handle's pool. The document
// must not be used afterwards. Releasing twice is a no-op.
func (d *Document) Release() {
	if d == nil || !d.live {
		return
	}
	d.clear()
	d.live = false
	if d.pool != nil {
		d.pool.put(d)
	}
}
