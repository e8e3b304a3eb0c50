// Commit and crash-safety tests.
//
// A crash is simulated by closing the handle with documents staged, or by
// truncating or damaging the file after a commit. In every case the next
// open must land on the last header that was fully written and show none
// of the later batch.
package couchfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestStoreInvisibleUntilCommit(t *testing.T) {
	db := openTestDB(t)
	store(t, db, "doc", "content")

	if _, err := db.GetDocument([]byte("doc")); !errors.Is(err, ErrNotFound) {
		t.Errorf("staged document visible: %v", err)
	}
	commit(t, db)
	if got := value(t, db, "doc"); got != "content" {
		t.Errorf("value = %q", got)
	}
}

func TestWriteThrough(t *testing.T) {
	db := openTestDBConfig(t, Config{Durability: DurabilityWriteThrough})
	pos := db.HeaderPosition()

	store(t, db, "doc", "content")
	if got := value(t, db, "doc"); got != "content" {
		t.Errorf("value = %q", got)
	}
	if db.HeaderPosition() == pos {
		t.Error("store did not write a header")
	}

	db = reopen(t, db, ModeReadOnly)
	if got := value(t, db, "doc"); got != "content" {
		t.Errorf("value after reopen = %q", got)
	}
}

func TestStoreBatchSequence(t *testing.T) {
	db := openTestDB(t)
	docs := []*Document{doc(t, "c", "1"), doc(t, "a", "2"), doc(t, "b", "3")}
	if err := db.StoreDocuments(docs...); err != nil {
		t.Fatalf("StoreDocuments: %v", err)
	}
	for _, d := range docs {
		d.Release()
	}
	commit(t, db)

	// Sequence numbers follow batch order, not id order.
	for id, want := range map[string]uint64{"c": 1, "a": 2, "b": 3} {
		d, err := db.GetDocument([]byte(id))
		if err != nil {
			t.Fatal(err)
		}
		if seq, _ := d.Sequence(); seq != want {
			t.Errorf("%s: seq = %d, want %d", id, seq, want)
		}
		d.Release()
	}
}

func TestStoreSameIDTwiceInBatch(t *testing.T) {
	db := openTestDB(t)
	if err := db.StoreDocuments(doc(t, "a", "first"), doc(t, "a", "second")); err != nil {
		t.Fatal(err)
	}
	commit(t, db)

	if got := value(t, db, "a"); got != "second" {
		t.Errorf("value = %q, want second", got)
	}
	info, _ := db.Info()
	if info.DocCount != 1 || info.UpdateSeq != 2 {
		t.Errorf("info = %+v", info)
	}
}

func TestStoreRejectsInvalidBatch(t *testing.T) {
	db := openTestDB(t)

	noID := NewDocument()
	noID.SetValue([]byte("v"), true)
	if err := db.StoreDocuments(doc(t, "ok", "v"), noID); !errors.Is(err, ErrInvalid) {
		t.Errorf("missing id: %v, want ErrInvalid", err)
	}
	if err := db.StoreDocuments(doc(t, "ok", "v"), nil); !errors.Is(err, ErrInvalid) {
		t.Errorf("nil document: %v, want ErrInvalid", err)
	}

	// Nothing from the rejected batches was staged.
	commit(t, db)
	if _, err := db.GetDocument([]byte("ok")); !errors.Is(err, ErrNotFound) {
		t.Errorf("partial batch visible: %v", err)
	}
	if info, _ := db.Info(); info.UpdateSeq != 0 {
		t.Errorf("UpdateSeq = %d, want 0", info.UpdateSeq)
	}
}

func TestStoreRecordTooLarge(t *testing.T) {
	db := openTestDBConfig(t, Config{MaxRecordSize: 1024})
	if err := db.StoreDocument(doc(t, "big", string(make([]byte, 2048)))); !errors.Is(err, ErrInvalid) {
		t.Errorf("oversized record: %v, want ErrInvalid", err)
	}
}

func TestStorePendingLimit(t *testing.T) {
	db := openTestDBConfig(t, Config{MaxPendingBytes: 4096})
	big := string(make([]byte, 1500))
	store(t, db, "a", big)
	store(t, db, "b", big)

	err := db.StoreDocument(doc(t, "c", big))
	if !errors.Is(err, ErrNoMem) {
		t.Fatalf("over limit: %v, want ErrNoMem", err)
	}

	// Committing frees the budget.
	commit(t, db)
	store(t, db, "c", big)
	commit(t, db)
	if info, _ := db.Info(); info.DocCount != 3 {
		t.Errorf("DocCount = %d, want 3", info.DocCount)
	}
}

func TestStoreDoesNotTakeOwnership(t *testing.T) {
	db := openTestDB(t)
	buf := []byte("borrowed")
	d := NewDocument()
	d.SetID([]byte("doc"), false)
	d.SetValue(buf, false)
	if err := db.StoreDocument(d); err != nil {
		t.Fatal(err)
	}

	// The caller may reuse the document and its buffers after the call.
	copy(buf, "XXXXXXXX")
	d.Reinitialize()
	commit(t, db)

	if got := value(t, db, "doc"); got != "borrowed" {
		t.Errorf("value = %q, want borrowed", got)
	}
}

func TestUncommittedBatchLostOnClose(t *testing.T) {
	db := openTestDB(t)
	store(t, db, "a", "1")
	commit(t, db)
	pos := db.HeaderPosition()

	store(t, db, "b", "2")
	store(t, db, "c", "3")
	db = reopen(t, db, ModeReadWrite)

	if got := db.HeaderPosition(); got != pos {
		t.Errorf("HeaderPosition = %d, want %d", got, pos)
	}
	for _, id := range []string{"b", "c"} {
		if _, err := db.GetDocumentEx([]byte(id)); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s visible after crash: %v", id, err)
		}
	}
	if got := value(t, db, "a"); got != "1" {
		t.Errorf("a = %q", got)
	}
}

// A staged value holding bytes shaped like a header, whether forged or
// copied out of another database, must not be taken for a header on reopen.
func TestHeaderShapedValueIgnored(t *testing.T) {
	other := openTestDB(t)
	store(t, other, "x", "1")
	commit(t, other)
	data, err := os.ReadFile(other.path)
	if err != nil {
		t.Fatal(err)
	}
	copied := data[other.HeaderPosition():]

	forged := &Header{Version: HeaderVersion, Algorithm: AlgXXHash3, Seq: 7}
	unkeyed, err := forged.encode(0)
	if err != nil {
		t.Fatal(err)
	}
	keyed, err := forged.encode(1)
	if err != nil {
		t.Fatal(err)
	}

	for name, blob := range map[string][]byte{"unkeyed": unkeyed, "keyed": keyed, "copied": copied} {
		t.Run(name, func(t *testing.T) {
			db := openTestDB(t)
			store(t, db, "a", "1")
			commit(t, db)
			pos := db.HeaderPosition()

			store(t, db, "blob", string(blob))
			db = reopen(t, db, ModeReadWrite)

			if got := db.HeaderPosition(); got != pos {
				t.Errorf("HeaderPosition = %d, want %d", got, pos)
			}
			if got := value(t, db, "a"); got != "1" {
				t.Errorf("a = %q", got)
			}

			// The chain carries on past the stray bytes.
			store(t, db, "b", "2")
			commit(t, db)
			db = reopen(t, db, ModeReadOnly)
			if got := value(t, db, "b"); got != "2" {
				t.Errorf("b = %q", got)
			}
			if info, _ := db.Info(); info.UpdateSeq != 2 {
				t.Errorf("UpdateSeq = %d, want 2", info.UpdateSeq)
			}
		})
	}
}

func TestHeaderSyncFailure(t *testing.T) {
	db := openTestDB(t)
	store(t, db, "a", "1")
	commit(t, db)
	pos := db.HeaderPosition()

	// The first sync covers records and nodes, the second the header.
	calls := 0
	syncFile = func(f *os.File) error {
		calls++
		if calls == 2 {
			return errors.New("device lost")
		}
		return f.Sync()
	}
	t.Cleanup(func() { syncFile = (*os.File).Sync })

	store(t, db, "b", "2")
	if err := db.Commit(); !errors.Is(err, ErrIO) {
		t.Fatalf("Commit = %v, want ErrIO", err)
	}
	syncFile = (*os.File).Sync

	if got := db.HeaderPosition(); got != pos {
		t.Errorf("HeaderPosition = %d, want %d", got, pos)
	}
	data, err := os.ReadFile(db.path)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(data)) != db.tail {
		t.Errorf("file size %d, tail %d", len(data), db.tail)
	}
	if bytes.HasSuffix(data, headerMagic) {
		t.Error("unsynced header left at end of file")
	}

	// The batch is still staged and commits on retry.
	commit(t, db)
	db = reopen(t, db, ModeReadOnly)
	if got := value(t, db, "b"); got != "2" {
		t.Errorf("b = %q", got)
	}
}

func TestTornHeaderRecovers(t *testing.T) {
	db := openTestDB(t)
	store(t, db, "a", "1")
	commit(t, db)
	pos := db.HeaderPosition()

	store(t, db, "b", "2")
	commit(t, db)
	end := db.tail
	path := db.path
	db.Close()

	// Cut the file at every point inside the last header.
	for cut := end - 1; cut > end-headerTrailerSize-chunkHeaderSize-20; cut-- {
		if err := os.Truncate(path, cut); err != nil {
			t.Fatal(err)
		}
		db2, err := Open(path, ModeReadOnly, Config{})
		if err != nil {
			t.Fatalf("cut at %d: %v", cut, err)
		}
		if got := db2.HeaderPosition(); got != pos {
			t.Errorf("cut at %d: HeaderPosition = %d, want %d", cut, got, pos)
		}
		if _, err := db2.GetDocument([]byte("b")); !errors.Is(err, ErrNotFound) {
			t.Errorf("cut at %d: b visible: %v", cut, err)
		}
		db2.Close()
	}
}

func TestCommitAfterGarbage(t *testing.T) {
	db := openTestDB(t)
	store(t, db, "a", "1")
	commit(t, db)

	// Leave a torn batch behind, then keep writing.
	store(t, db, "lost", "x")
	db = reopen(t, db, ModeReadWrite)
	f, _ := os.OpenFile(db.path, os.O_WRONLY|os.O_APPEND, 0644)
	f.Write([]byte("partial header bytes"))
	f.Close()

	db = reopen(t, db, ModeReadWrite)
	store(t, db, "b", "2")
	commit(t, db)

	db = reopen(t, db, ModeReadOnly)
	if got := value(t, db, "b"); got != "2" {
		t.Errorf("b = %q", got)
	}
	if _, err := db.GetDocumentEx([]byte("lost")); !errors.Is(err, ErrNotFound) {
		t.Errorf("lost visible: %v", err)
	}
	if info, _ := db.Info(); info.UpdateSeq != 2 {
		t.Errorf("UpdateSeq = %d, want 2", info.UpdateSeq)
	}
}

func TestEmptyCommit(t *testing.T) {
	db := openTestDB(t)
	pos := db.HeaderPosition()
	commit(t, db)
	if db.HeaderPosition() <= pos {
		t.Error("empty commit did not append a header")
	}
	if info, _ := db.Info(); info.UpdateSeq != 0 || info.DocCount != 0 {
		t.Errorf("info = %+v", info)
	}
}

func TestManyCommits(t *testing.T) {
	db := openTestDBConfig(t, Config{NodeSize: 512})
	for round := range 40 {
		for i := range 25 {
			store(t, db, fmt.Sprintf("doc-%03d", (round*7+i)%300), fmt.Sprint(round))
		}
		commit(t, db)
	}

	db = reopen(t, db, ModeReadOnly)
	info, err := db.Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.UpdateSeq != 1000 {
		t.Errorf("UpdateSeq = %d, want 1000", info.UpdateSeq)
	}
	if got := len(feed(t, db, 0, nil)); got != 1000 {
		t.Errorf("feed length = %d, want 1000", got)
	}
}
