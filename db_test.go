package couchfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	return openTestDBConfig(t, Config{})
}

func openTestDBConfig(t *testing.T, cfg Config) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.couch"), ModeCreate, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// reopen closes db and opens the same file again in mode.
func reopen(t *testing.T, db *DB, mode Mode) *DB {
	t.Helper()
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	db2, err := Open(db.path, mode, db.config)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { db2.Close() })
	return db2
}

// doc builds a Fresh document with copied id and value.
func doc(t *testing.T, id, value string) *Document {
	t.Helper()
	d := NewDocument()
	if err := d.SetID([]byte(id), true); err != nil {
		t.Fatalf("SetID: %v", err)
	}
	if err := d.SetValue([]byte(value), true); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	return d
}

func store(t *testing.T, db *DB, id, value string) {
	t.Helper()
	d := doc(t, id, value)
	defer d.Release()
	if err := db.StoreDocument(d); err != nil {
		t.Fatalf("StoreDocument(%q): %v", id, err)
	}
}

func commit(t *testing.T, db *DB) {
	t.Helper()
	if err := db.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// value fetches id and returns its value as a string.
func value(t *testing.T, db *DB, id string) string {
	t.Helper()
	d, err := db.GetDocument([]byte(id))
	if err != nil {
		t.Fatalf("GetDocument(%q): %v", id, err)
	}
	defer d.Release()
	v, err := d.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	return string(v)
}

func TestOpenCreateNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.couch")
	db, err := Open(path, ModeCreate, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not created: %v", err)
	}
	if pos := db.HeaderPosition(); pos != 0 {
		t.Errorf("HeaderPosition = %d, want 0", pos)
	}
}

func TestOpenExisting(t *testing.T) {
	db := openTestDB(t)
	store(t, db, "doc", "content")
	commit(t, db)

	for _, mode := range []Mode{ModeReadOnly, ModeReadWrite, ModeCreate} {
		db = reopen(t, db, mode)
		if got := value(t, db, "doc"); got != "content" {
			t.Errorf("mode %d: value = %q, want %q", mode, got, "content")
		}
	}
}

func TestOpenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.couch")
	for _, mode := range []Mode{ModeReadOnly, ModeReadWrite} {
		_, err := Open(path, mode, Config{})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("mode %d: err = %v, want ErrNotFound", mode, err)
		}
		if CodeOf(err) != CodeNotFound {
			t.Errorf("mode %d: CodeOf = %v, want %v", mode, CodeOf(err), CodeNotFound)
		}
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file should not exist after failed opens")
	}
}

func TestOpenEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.couch")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}

	for _, mode := range []Mode{ModeReadOnly, ModeReadWrite} {
		_, err := Open(path, mode, Config{})
		if !errors.Is(err, ErrNoHeader) {
			t.Errorf("mode %d: err = %v, want ErrNoHeader", mode, err)
		}
	}

	// Create mode initialises an empty file.
	db, err := Open(path, ModeCreate, Config{})
	if err != nil {
		t.Fatalf("Open(ModeCreate): %v", err)
	}
	db.Close()
}

func TestOpenInvalidArguments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.couch")
	if _, err := Open(path, Mode(9), Config{}); !errors.Is(err, ErrInvalid) {
		t.Errorf("bad mode: err = %v, want ErrInvalid", err)
	}
	if _, err := Open(path, ModeCreate, Config{Checksum: 99}); !errors.Is(err, ErrInvalid) {
		t.Errorf("bad checksum: err = %v, want ErrInvalid", err)
	}
}

func TestOpenDefaultConfig(t *testing.T) {
	db := openTestDB(t)

	if db.config.Checksum != AlgXXHash3 {
		t.Errorf("Checksum = %d, want %d", db.config.Checksum, AlgXXHash3)
	}
	if db.config.NodeSize != DefaultNodeSize {
		t.Errorf("NodeSize = %d, want %d", db.config.NodeSize, DefaultNodeSize)
	}
	if db.config.MaxRecordSize != 16*1024*1024 {
		t.Errorf("MaxRecordSize = %d, want %d", db.config.MaxRecordSize, 16*1024*1024)
	}
	if db.config.Durability != DurabilityDeferred {
		t.Errorf("Durability = %d, want deferred", db.config.Durability)
	}
	if db.config.Logger == nil {
		t.Error("Logger is nil")
	}
}

func TestAlgorithmRecordedInHeader(t *testing.T) {
	for _, alg := range []int{AlgXXHash3, AlgFNV1a, AlgBlake2b} {
		db := openTestDBConfig(t, Config{Checksum: alg})
		store(t, db, "doc", "content")
		commit(t, db)

		// The file's algorithm wins over the config on reopen.
		db.config.Checksum = AlgXXHash3
		db = reopen(t, db, ModeReadOnly)
		if db.alg != alg {
			t.Errorf("alg = %d, want %d", db.alg, alg)
		}
		if got := value(t, db, "doc"); got != "content" {
			t.Errorf("alg %d: value = %q", alg, got)
		}
	}
}

func TestClose(t *testing.T) {
	db := openTestDB(t)
	store(t, db, "doc", "content")
	commit(t, db)

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if _, err := db.GetDocument([]byte("doc")); !errors.Is(err, ErrClosed) {
		t.Errorf("GetDocument after close: %v, want ErrClosed", err)
	}
	if err := db.StoreDocument(doc(t, "x", "y")); !errors.Is(err, ErrClosed) {
		t.Errorf("StoreDocument after close: %v, want ErrClosed", err)
	}
	if err := db.Commit(); !errors.Is(err, ErrClosed) {
		t.Errorf("Commit after close: %v, want ErrClosed", err)
	}
	if _, err := db.Info(); !errors.Is(err, ErrClosed) {
		t.Errorf("Info after close: %v, want ErrClosed", err)
	}
	if err := db.ChangesSince(0, func(*Document) bool { return false }); !errors.Is(err, ErrClosed) {
		t.Errorf("ChangesSince after close: %v, want ErrClosed", err)
	}
	if !errors.Is(ErrClosed, ErrInvalid) {
		t.Error("ErrClosed should wrap ErrInvalid")
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	db := openTestDB(t)
	commit(t, db)
	db = reopen(t, db, ModeReadOnly)

	if err := db.StoreDocument(doc(t, "doc", "content")); !errors.Is(err, ErrInvalid) {
		t.Errorf("StoreDocument: %v, want ErrInvalid", err)
	}
	if err := db.Commit(); !errors.Is(err, ErrInvalid) {
		t.Errorf("Commit: %v, want ErrInvalid", err)
	}
	if err := db.Compact(nil); !errors.Is(err, ErrInvalid) {
		t.Errorf("Compact: %v, want ErrInvalid", err)
	}
}

func TestInfo(t *testing.T) {
	db := openTestDB(t)
	store(t, db, "a", "1")
	store(t, db, "b", "2")
	store(t, db, "c", "3")
	commit(t, db)

	tomb := doc(t, "b", "")
	tomb.SetDeleted(true)
	if err := db.StoreDocument(tomb); err != nil {
		t.Fatalf("StoreDocument: %v", err)
	}
	commit(t, db)

	info, err := db.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.UpdateSeq != 4 {
		t.Errorf("UpdateSeq = %d, want 4", info.UpdateSeq)
	}
	if info.DocCount != 2 {
		t.Errorf("DocCount = %d, want 2", info.DocCount)
	}
	if info.DeletedCount != 1 {
		t.Errorf("DeletedCount = %d, want 1", info.DeletedCount)
	}
	if info.HeaderPosition != db.HeaderPosition() {
		t.Errorf("HeaderPosition = %d, want %d", info.HeaderPosition, db.HeaderPosition())
	}
	if info.FileSize <= info.HeaderPosition {
		t.Errorf("FileSize %d not past header at %d", info.FileSize, info.HeaderPosition)
	}
	if info.Algorithm != AlgXXHash3 {
		t.Errorf("Algorithm = %d", info.Algorithm)
	}
}

func TestHeaderPositionAdvances(t *testing.T) {
	db := openTestDB(t)
	prev := db.HeaderPosition()
	for i := range 3 {
		store(t, db, "doc", "v")
		commit(t, db)
		pos := db.HeaderPosition()
		if pos <= prev {
			t.Fatalf("commit %d: HeaderPosition %d did not advance past %d", i, pos, prev)
		}
		prev = pos
	}

	db = reopen(t, db, ModeReadOnly)
	if got := db.HeaderPosition(); got != prev {
		t.Errorf("HeaderPosition after reopen = %d, want %d", got, prev)
	}
}
