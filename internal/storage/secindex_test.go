package storage

import (
	"testing"

	"github.com/sjpalmer/relstore/internal/storage/pager"
)

type noopPageLogger struct{}

func (noopPageLogger) LogPageWrite(file pager.FileID, page pager.PageID, before, after []byte) error {
	return nil
}

func newTestIndex(t *testing.T, unique bool) *Index {
	t.Helper()
	fm, err := pager.NewFileManager(t.TempDir(), 4096)
	if err != nil {
		t.Fatalf("NewFileManager: %v", err)
	}
	t.Cleanup(func() { _ = fm.Close() })
	fileID, err := fm.CreateFile("ix.tbl")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	pool := pager.NewBufferPool(fm, testWALForcer{}, 64)
	desc := &IndexDescriptor{Name: "ix", Table: "t", Columns: []string{"c"}, FileID: fileID, Unique: unique}
	ix, err := OpenIndex(pool, desc, 4096)
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	return ix
}

type testWALForcer struct{}

func (testWALForcer) LastDurableLSN() uint64 { return ^uint64(0) }

// TestNonUniqueIndexMergesPostings models the repro from the review:
// two rows sharing the same indexed value both succeed, and the
// postings list under that key accumulates both RowIDs instead of the
// second insert failing with a unique-violation.
func TestNonUniqueIndexMergesPostings(t *testing.T) {
	ix := newTestIndex(t, false)
	logger := noopPageLogger{}
	key := EncodeIndexKey([]any{int64(5)})

	if err := ix.Insert(logger, key, RowID(1)); err != nil {
		t.Fatalf("insert row 1: %v", err)
	}
	if err := ix.Insert(logger, key, RowID(2)); err != nil {
		t.Fatalf("insert row 2 (duplicate indexed value): %v", err)
	}

	ids, err := ix.Lookup(key)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("postings = %v, want [1 2]", ids)
	}
}

// TestNonUniqueIndexRemovePartial removes one RowID from a postings
// list with multiple members and checks the remaining member is still
// looked up correctly (the Remove path that previously re-Inserted
// against an existing key and failed).
func TestNonUniqueIndexRemovePartial(t *testing.T) {
	ix := newTestIndex(t, false)
	logger := noopPageLogger{}
	key := EncodeIndexKey([]any{int64(5)})

	if err := ix.Insert(logger, key, RowID(1)); err != nil {
		t.Fatalf("insert row 1: %v", err)
	}
	if err := ix.Insert(logger, key, RowID(2)); err != nil {
		t.Fatalf("insert row 2: %v", err)
	}
	if err := ix.Remove(logger, key, RowID(1)); err != nil {
		t.Fatalf("remove row 1: %v", err)
	}

	ids, err := ix.Lookup(key)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("postings = %v, want [2]", ids)
	}

	if err := ix.Remove(logger, key, RowID(2)); err != nil {
		t.Fatalf("remove row 2: %v", err)
	}
	ids, err = ix.Lookup(key)
	if err != nil {
		t.Fatalf("lookup after emptying: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("postings = %v, want empty", ids)
	}
}

// TestUniqueIndexRejectsDuplicate confirms the unique case is
// unaffected by the non-unique update-in-place path.
func TestUniqueIndexRejectsDuplicate(t *testing.T) {
	ix := newTestIndex(t, true)
	logger := noopPageLogger{}
	key := EncodeIndexKey([]any{int64(5)})

	if err := ix.Insert(logger, key, RowID(1)); err != nil {
		t.Fatalf("insert row 1: %v", err)
	}
	if err := ix.Insert(logger, key, RowID(2)); err == nil {
		t.Fatal("expected unique index to reject a second row under the same key")
	}
}
