package pager

import (
	"math/rand"
	"testing"
)

// alwaysDurable satisfies WALForcer for tests that never care about the
// write-ahead ordering guarantee, only the tree's own correctness.
type alwaysDurable struct{}

func (alwaysDurable) LastDurableLSN() uint64 { return ^uint64(0) }

// noopLogger satisfies walLogger for tests that exercise the tree
// directly, outside of any real transaction/WAL.
type noopLogger struct{}

func (noopLogger) LogPageWrite(file FileID, page PageID, before, after []byte) error { return nil }

func newTestBTree(t *testing.T) *BTree {
	t.Helper()
	return newTestBTreeMode(t, true)
}

func newTestBTreeMode(t *testing.T, unique bool) *BTree {
	t.Helper()
	fm, err := NewFileManager(t.TempDir(), 4096)
	if err != nil {
		t.Fatalf("NewFileManager: %v", err)
	}
	t.Cleanup(func() { _ = fm.Close() })
	fileID, err := fm.CreateFile("idx.tbl")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	pool := NewBufferPool(fm, alwaysDurable{}, 64)
	bt, err := OpenBTree(pool, fileID, noopLogger{}, ByteCompare, DefaultMinDegree, 0, 0, unique, 4096)
	if err != nil {
		t.Fatalf("OpenBTree: %v", err)
	}
	return bt
}

// TestBTreeSearchAfterRandomInserts models spec scenario 6: insert keys
// 1..1000 in random order, then verify every key searches successfully
// and that keys outside the inserted range miss.
func TestBTreeSearchAfterRandomInserts(t *testing.T) {
	bt := newTestBTree(t)
	logger := noopLogger{}

	keys := make([]int64, 1000)
	for i := range keys {
		keys[i] = int64(i + 1)
	}
	rand.New(rand.NewSource(1)).Shuffle(len(keys), func(i, j int) {
		keys[i], keys[j] = keys[j], keys[i]
	})

	for _, k := range keys {
		val := EncodeIntKey(k)
		if err := bt.Insert(logger, EncodeIntKey(k), val); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}

	for k := int64(1); k <= 1000; k++ {
		val, ok, err := bt.Search(EncodeIntKey(k))
		if err != nil {
			t.Fatalf("search %d: %v", k, err)
		}
		if !ok {
			t.Fatalf("search %d: not found", k)
		}
		want := EncodeIntKey(k)
		if string(val) != string(want) {
			t.Fatalf("search %d: value = %x, want %x", k, val, want)
		}
	}

	if _, ok, err := bt.Search(EncodeIntKey(0)); err != nil || ok {
		t.Fatalf("search 0: ok=%v err=%v, want ok=false", ok, err)
	}
	if _, ok, err := bt.Search(EncodeIntKey(1001)); err != nil || ok {
		t.Fatalf("search 1001: ok=%v err=%v, want ok=false", ok, err)
	}
}

// TestBTreeDuplicateKeyRejected exercises the unique-index path used by
// primary key enforcement.
func TestBTreeDuplicateKeyRejected(t *testing.T) {
	bt := newTestBTree(t)
	logger := noopLogger{}
	key := EncodeIntKey(42)
	if err := bt.Insert(logger, key, []byte("v1")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := bt.Insert(logger, key, []byte("v2")); err == nil {
		t.Fatal("expected duplicate key insert to fail")
	}
}

// TestBTreeNonUniqueInsertUpdatesInPlace models the secondary-index
// case: a non-unique tree accepts repeated inserts of the same key,
// overwriting its value rather than rejecting as a duplicate (the
// postings-list merge itself is Index's job, not BTree's).
func TestBTreeNonUniqueInsertUpdatesInPlace(t *testing.T) {
	bt := newTestBTreeMode(t, false)
	logger := noopLogger{}
	key := EncodeIntKey(5)

	if err := bt.Insert(logger, key, []byte("v1")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := bt.Insert(logger, key, []byte("v2")); err != nil {
		t.Fatalf("second insert of same key should update, not fail: %v", err)
	}

	val, ok, err := bt.Search(key)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !ok {
		t.Fatal("expected key to be found")
	}
	if string(val) != "v2" {
		t.Fatalf("value = %q, want v2 (overwritten)", val)
	}
}

// TestBTreeUpdateInPlace exercises Update directly: it overwrites an
// existing key's value without error, and reports not-found for an
// absent key rather than inserting it.
func TestBTreeUpdateInPlace(t *testing.T) {
	bt := newTestBTreeMode(t, false)
	logger := noopLogger{}
	key := EncodeIntKey(7)

	if err := bt.Insert(logger, key, []byte("v1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	found, err := bt.Update(logger, key, []byte("v2"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !found {
		t.Fatal("expected Update to find the existing key")
	}
	val, ok, err := bt.Search(key)
	if err != nil || !ok || string(val) != "v2" {
		t.Fatalf("search after update = (%q, %v, %v), want (v2, true, nil)", val, ok, err)
	}

	found, err = bt.Update(logger, EncodeIntKey(999), []byte("x"))
	if err != nil {
		t.Fatalf("update of absent key: %v", err)
	}
	if found {
		t.Fatal("Update should not report found for a key never inserted")
	}
	if _, ok, _ := bt.Search(EncodeIntKey(999)); ok {
		t.Fatal("Update must not insert a new key")
	}
}

// TestBTreeNonUniqueManyDuplicatesAcrossSplits inserts the same key
// repeatedly across enough other keys to force several node splits,
// checking that update-in-place at an internal-node separator (not
// just at a leaf) still finds and overwrites the right entry.
func TestBTreeNonUniqueManyDuplicatesAcrossSplits(t *testing.T) {
	bt := newTestBTreeMode(t, false)
	logger := noopLogger{}
	dup := EncodeIntKey(500)

	for i := int64(1); i <= 1000; i++ {
		if i == 500 {
			continue
		}
		if err := bt.Insert(logger, EncodeIntKey(i), EncodeIntKey(i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := bt.Insert(logger, dup, []byte("first")); err != nil {
		t.Fatalf("insert dup first: %v", err)
	}
	if err := bt.Insert(logger, dup, []byte("second")); err != nil {
		t.Fatalf("insert dup second: %v", err)
	}
	val, ok, err := bt.Search(dup)
	if err != nil {
		t.Fatalf("search dup: %v", err)
	}
	if !ok {
		t.Fatal("expected dup key to be found")
	}
	if string(val) != "second" {
		t.Fatalf("value = %q, want second (most recent update)", val)
	}
}

// TestBTreeNodeInvariant checks the node fan-out bound D-1 <= len(keys)
// <= 2D-1 holds for every node reachable from root after a batch of
// inserts, and that every leaf is at the tree's recorded height.
func TestBTreeNodeInvariant(t *testing.T) {
	bt := newTestBTree(t)
	logger := noopLogger{}
	for i := int64(1); i <= 300; i++ {
		if err := bt.Insert(logger, EncodeIntKey(i), EncodeIntKey(i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	d := bt.minDeg
	var walk func(pageID PageID, depth int) int
	walk = func(pageID PageID, depth int) int {
		pp, err := bt.pool.Fetch(bt.file, pageID)
		if err != nil {
			t.Fatalf("fetch page %d: %v", pageID, err)
		}
		defer pp.Release()
		n, err := bt.readNode(pp.Page())
		if err != nil {
			t.Fatalf("read node %d: %v", pageID, err)
		}
		if pageID != bt.root {
			if len(n.keys) < d-1 || len(n.keys) > 2*d-1 {
				t.Fatalf("node %d has %d keys, want between %d and %d", pageID, len(n.keys), d-1, 2*d-1)
			}
		}
		if n.isLeaf {
			return depth
		}
		leafDepth := -1
		for _, child := range n.children {
			got := walk(child, depth+1)
			if leafDepth == -1 {
				leafDepth = got
			} else if got != leafDepth {
				t.Fatalf("unequal leaf depth: %d vs %d", got, leafDepth)
			}
		}
		return leafDepth
	}
	if depth := walk(bt.root, 1); depth != bt.height {
		t.Fatalf("leaf depth = %d, want recorded height %d", depth, bt.height)
	}
}
