package storage

import (
	"encoding/json"
	"fmt"

	"github.com/sjpalmer/relstore/internal/dberrors"
	"github.com/sjpalmer/relstore/internal/storage/pager"
)

// RowID is the internal identity every stored row carries, independent
// of any user-declared PRIMARY KEY. It is the key under which the row
// is stored in the table's primary B-tree.
type RowID int64

// Row is one materialized table row: column name to scalar value
// (int64, float64, string, bool, or nil).
type Row map[string]any

// Table is the on-disk row store for one table: a B-tree keyed by
// RowID, values are JSON-encoded rows. Secondary indexes are
// maintained separately (see Index) and keyed by column value instead.
type Table struct {
	desc *TableDescriptor
	tree *pager.BTree
	next int64 // next RowID to allocate
}

// OpenTable attaches a Table to the descriptor's file, opening (or
// creating, on first use) its primary B-tree at the given root/height,
// which callers take from the TableDescriptor's Root and Height.
func OpenTable(pool *pager.BufferPool, desc *TableDescriptor, root pager.PageID, height int, pageSize int) (*Table, error) {
	tree, err := pager.OpenBTree(pool, desc.FileID, nil, pager.ByteCompare, pager.DefaultMinDegree, root, height, true, pageSize)
	if err != nil {
		return nil, fmt.Errorf("open table %q: %w", desc.Name, err)
	}
	t := &Table{desc: desc, tree: tree}
	if err := t.scanMaxRowID(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) Root() pager.PageID { return t.tree.Root() }
func (t *Table) Height() int        { return t.tree.Height() }

func (t *Table) scanMaxRowID() error {
	all, err := t.tree.All()
	if err != nil {
		return fmt.Errorf("scan table %q: %w", t.desc.Name, err)
	}
	var max int64
	for _, kv := range all {
		id := decodeRowID(kv[0])
		if int64(id) >= max {
			max = int64(id) + 1
		}
	}
	t.next = max
	return nil
}

func decodeRowID(key []byte) RowID {
	// EncodeIntKey's inverse: big-endian, sign bit flipped back.
	var v uint64
	for _, b := range key {
		v = v<<8 | uint64(b)
	}
	return RowID(int64(v ^ (1 << 63)))
}

// NextRowID allocates the next identity without inserting a row.
func (t *Table) NextRowID() RowID {
	id := RowID(t.next)
	t.next++
	return id
}

// Insert stores row under id.
func (t *Table) Insert(logger pageLogger, id RowID, row Row) error {
	blob, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	key := pager.EncodeIntKey(int64(id))
	if err := t.tree.Insert(logger, key, blob); err != nil {
		return fmt.Errorf("insert row into %q: %w", t.desc.Name, err)
	}
	return nil
}

// Delete removes the row stored under id.
func (t *Table) Delete(logger pageLogger, id RowID) error {
	key := pager.EncodeIntKey(int64(id))
	if err := t.tree.Delete(logger, key); err != nil {
		return fmt.Errorf("delete row from %q: %w", t.desc.Name, err)
	}
	return nil
}

// Get returns the row stored under id.
func (t *Table) Get(id RowID) (Row, bool, error) {
	key := pager.EncodeIntKey(int64(id))
	val, ok, err := t.tree.Search(key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var row Row
	if err := json.Unmarshal(val, &row); err != nil {
		return nil, false, fmt.Errorf("decode row in %q: %w", t.desc.Name, dberrors.Wrap(err.Error(), dberrors.ErrCorruption))
	}
	t.normalizeInts(row)
	return row, true, nil
}

// normalizeInts turns the float64 that JSON decoding yields for an INT
// column back into int64.
func (t *Table) normalizeInts(row Row) {
	for _, col := range t.desc.Columns {
		if f, ok := row[col.Name].(float64); ok && col.Type == TypeInt {
			row[col.Name] = int64(f)
		}
	}
}

// Scan returns every (RowID, Row) pair in primary-key order.
func (t *Table) Scan() ([]RowID, []Row, error) {
	all, err := t.tree.All()
	if err != nil {
		return nil, nil, fmt.Errorf("scan table %q: %w", t.desc.Name, err)
	}
	ids := make([]RowID, 0, len(all))
	rows := make([]Row, 0, len(all))
	for _, kv := range all {
		var row Row
		if err := json.Unmarshal(kv[1], &row); err != nil {
			return nil, nil, fmt.Errorf("decode row in %q: %w", t.desc.Name, dberrors.Wrap(err.Error(), dberrors.ErrCorruption))
		}
		t.normalizeInts(row)
		ids = append(ids, decodeRowID(kv[0]))
		rows = append(rows, row)
	}
	return ids, rows, nil
}
