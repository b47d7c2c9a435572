package storage

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/sjpalmer/relstore/internal/dberrors"
	"github.com/sjpalmer/relstore/internal/storage/pager"
)

// Index is a secondary B-tree over one or more column values, mapping
// an encoded key to its postings: the matching RowIDs as concatenated
// 8-byte EncodeIntKey values (always a single entry in a unique index).
type Index struct {
	desc *IndexDescriptor
	tree *pager.BTree
}

// OpenIndex attaches an Index to its descriptor's file.
func OpenIndex(pool *pager.BufferPool, desc *IndexDescriptor, pageSize int) (*Index, error) {
	tree, err := pager.OpenBTree(pool, desc.FileID, nil, pager.ByteCompare, pager.DefaultMinDegree, desc.Root, desc.Height, desc.Unique, pageSize)
	if err != nil {
		return nil, fmt.Errorf("open index %q: %w", desc.Name, err)
	}
	return &Index{desc: desc, tree: tree}, nil
}

func (ix *Index) Root() pager.PageID { return ix.tree.Root() }
func (ix *Index) Height() int        { return ix.tree.Height() }

// EncodeIndexKey renders a row's indexed column values into a single
// key, joining per-value encodings with a "\x00" separator. A NUL
// inside a string value is not escaped, and numbers are written as
// decimal text, so byte order is not numeric order.
func EncodeIndexKey(values []any) []byte {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = encodeValuePart(v)
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\x00"
		}
		out += p
	}
	return []byte(out)
}

func encodeValuePart(v any) string {
	switch x := v.(type) {
	case nil:
		return "\x01null"
	case string:
		return "s:" + x
	case bool:
		if x {
			return "b:1"
		}
		return "b:0"
	case int64:
		return "n:" + strconv.FormatInt(x, 10)
	case float64:
		return "n:" + strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Insert adds id under key, merging into the existing postings list for
// a non-unique index, or failing with ErrUniqueViolation if key is
// already present in a unique index.
func (ix *Index) Insert(logger pageLogger, key []byte, id RowID) error {
	existing, ok, err := ix.tree.Search(key)
	if err != nil {
		return err
	}
	if ok {
		if ix.desc.Unique {
			return fmt.Errorf("index %q: %w", ix.desc.Name, dberrors.ErrUniqueViolation)
		}
		ids := decodePostings(existing)
		ids = append(ids, id)
		_, err := ix.tree.Update(logger, key, encodePostings(ids))
		return err
	}
	return ix.tree.Insert(logger, key, encodePostings([]RowID{id}))
}

// Remove drops id from key's postings list, deleting the key entirely
// if it becomes empty.
func (ix *Index) Remove(logger pageLogger, key []byte, id RowID) error {
	existing, ok, err := ix.tree.Search(key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	ids := decodePostings(existing)
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	if len(out) == 0 {
		return ix.tree.Delete(logger, key)
	}
	_, err = ix.tree.Update(logger, key, encodePostings(out))
	return err
}

// Lookup returns every RowID stored under key.
func (ix *Index) Lookup(key []byte) ([]RowID, error) {
	val, ok, err := ix.tree.Search(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return decodePostings(val), nil
}

func encodePostings(ids []RowID) []byte {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]byte, 0, len(ids)*8)
	for _, id := range ids {
		out = append(out, pager.EncodeIntKey(int64(id))...)
	}
	return out
}

func decodePostings(buf []byte) []RowID {
	out := make([]RowID, 0, len(buf)/8)
	for i := 0; i+8 <= len(buf); i += 8 {
		out = append(out, decodeRowID(buf[i:i+8]))
	}
	return out
}
