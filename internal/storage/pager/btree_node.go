package pager

import (
	"encoding/binary"
	"fmt"

	"github.com/sjpalmer/relstore/internal/dberrors"
)

// Node page layout (spec §4.4 — "a node's serialized representation
// fits in one page"):
//
//	[0]     isLeaf   (1 byte, 0 or 1)
//	[1:5]   numKeys  (uint32 LE)
//	then numKeys entries of (keyLen uint32, key bytes[, for leaves: valLen uint32, value bytes])
//	then, for internal nodes, numKeys+1 children (PageID uint32 each)
const nodeHeaderSize = 5

func (t *BTree) readNode(p *Page) (*node, error) {
	buf := p.Bytes()
	if len(buf) < nodeHeaderSize {
		return nil, fmt.Errorf("page %d: %w", p.ID(), dberrors.ErrCorruption)
	}
	n := &node{self: p.ID(), isLeaf: buf[0] == 1}
	numKeys := int(binary.LittleEndian.Uint32(buf[1:5]))
	off := nodeHeaderSize

	readBlob := func() ([]byte, error) {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("page %d: %w", p.ID(), dberrors.ErrCorruption)
		}
		l := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if l < 0 || off+l > len(buf) {
			return nil, fmt.Errorf("page %d: %w", p.ID(), dberrors.ErrCorruption)
		}
		out := make([]byte, l)
		copy(out, buf[off:off+l])
		off += l
		return out, nil
	}

	for i := 0; i < numKeys; i++ {
		k, err := readBlob()
		if err != nil {
			return nil, err
		}
		n.keys = append(n.keys, k)
		if n.isLeaf {
			v, err := readBlob()
			if err != nil {
				return nil, err
			}
			n.values = append(n.values, v)
		}
	}
	if !n.isLeaf {
		for i := 0; i < numKeys+1; i++ {
			if off+4 > len(buf) {
				return nil, fmt.Errorf("page %d: %w", p.ID(), dberrors.ErrCorruption)
			}
			child := PageID(binary.LittleEndian.Uint32(buf[off : off+4]))
			off += 4
			n.children = append(n.children, child)
		}
	}
	return n, nil
}

func encodeNode(n *node, pageSize int) ([]byte, error) {
	buf := make([]byte, pageSize)
	if n.isLeaf {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(n.keys)))
	off := nodeHeaderSize

	writeBlob := func(b []byte) error {
		if off+4+len(b) > pageSize {
			return fmt.Errorf("node for page %d exceeds page size %d: %w", n.self, pageSize, dberrors.ErrIO)
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(b)))
		off += 4
		copy(buf[off:], b)
		off += len(b)
		return nil
	}

	for i, k := range n.keys {
		if err := writeBlob(k); err != nil {
			return nil, err
		}
		if n.isLeaf {
			if err := writeBlob(n.values[i]); err != nil {
				return nil, err
			}
		}
	}
	if !n.isLeaf {
		for _, c := range n.children {
			if off+4 > pageSize {
				return nil, fmt.Errorf("node for page %d exceeds page size %d: %w", n.self, pageSize, dberrors.ErrIO)
			}
			binary.LittleEndian.PutUint32(buf[off:off+4], uint32(c))
			off += 4
		}
	}
	return buf, nil
}

// writeNode serializes n into pp's page, logging the page's
// before/after images through logger (when non-nil — OpenBTree's very
// first root page has no active transaction to log under, since
// index creation is itself what starts the implicit DDL transaction
// that will log it).
func (t *BTree) writeNode(pp *PinnedPage, n *node, logger walLogger) error {
	after, err := encodeNode(n, t.pageSize)
	if err != nil {
		return err
	}
	before := append([]byte(nil), pp.Page().Bytes()...)
	if logger != nil {
		if err := logger.LogPageWrite(t.file, pp.Page().ID(), before, after); err != nil {
			return err
		}
	}
	pp.Page().WriteAt(0, after)
	return nil
}
