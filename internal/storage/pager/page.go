// Package pager implements the paged file substrate: fixed-size pages,
// per-file I/O, and the LRU buffer pool that caches them. Higher layers
// (the B-tree, the schema catalog) interpret page bytes; the pager only
// moves them between disk and memory under the write-ahead rule.
package pager

import "sync"

// PageID is a dense, 0-based index of a page within one file.
type PageID uint32

// FileID identifies one open table or index file.
type FileID uint32

// Page is a fixed-size byte container with a dirty flag and pin count.
// It is pinned while any caller holds a reference; only unpinned pages
// may be evicted from the buffer pool.
type Page struct {
	mu     sync.Mutex
	file   FileID
	id     PageID
	buf    []byte
	dirty  bool
	pinned int
}

func newPage(file FileID, id PageID, size int) *Page {
	return &Page{file: file, id: id, buf: make([]byte, size)}
}

// Bytes returns the page's backing buffer. Callers must not retain it
// past the PinnedPage's Release.
func (p *Page) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf
}

// WriteAt overwrites buf[offset:offset+len(data)] and marks the page
// dirty.
func (p *Page) WriteAt(offset int, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copy(p.buf[offset:], data)
	p.dirty = true
}

// IsDirty reports whether the page has unflushed modifications.
func (p *Page) IsDirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

// MarkDirty flags the page as modified without touching its bytes
// (used after a caller mutates Bytes() directly).
func (p *Page) MarkDirty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty = true
}

func (p *Page) markClean() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty = false
}

func (p *Page) pin() {
	p.mu.Lock()
	p.pinned++
	p.mu.Unlock()
}

func (p *Page) unpin() {
	p.mu.Lock()
	if p.pinned > 0 {
		p.pinned--
	}
	p.mu.Unlock()
}

func (p *Page) pinCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinned
}

// File identifies which file the page belongs to.
func (p *Page) File() FileID { return p.file }

// ID is the page's dense index within its file.
func (p *Page) ID() PageID { return p.id }

// PinnedPage is a scoped acquisition of a Page: pinned on acquire,
// unpinned on Release on every exit path. Callers should always
// `defer pp.Release()` immediately after a successful fetch.
type PinnedPage struct {
	page     *Page
	pool     *BufferPool
	released bool
}

// Page returns the underlying Page for reads/writes.
func (pp *PinnedPage) Page() *Page { return pp.page }

// Release unpins the page. Safe to call more than once.
func (pp *PinnedPage) Release() {
	if pp.released {
		return
	}
	pp.released = true
	pp.page.unpin()
	pp.pool.touch(pp.page)
}
