package pager

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/sjpalmer/relstore/internal/dberrors"
)

// frameKey identifies one resident page across every open file.
type frameKey struct {
	file FileID
	id   PageID
}

// WALForcer is the write-ahead log's durability boundary as seen by the
// buffer pool: before a dirty page may be written back to disk, the
// pool confirms that page's last-logging LSN is already durable. Every
// WAL.Append call in this module flushes before returning, so this is
// a structural check rather than an active wait, but it is the named
// hook the write-ahead rule (spec §4.3) requires at eviction time.
type WALForcer interface {
	LastDurableLSN() uint64
}

// BufferPool is a bounded, LRU in-memory page cache with dirty
// write-back. At most MaxPages pages are resident; a pinned page is
// never evicted.
type BufferPool struct {
	mu       sync.Mutex
	files    *FileManager
	wal      WALForcer
	maxPages int

	frames map[frameKey]*list.Element // key -> element in lru
	lru    *list.List                 // front = most recently used

	pageLSN map[frameKey]uint64

	hits      uint64
	misses    uint64
	evictions uint64
}

type lruEntry struct {
	key  frameKey
	page *Page
}

// Stats is the observable state of the buffer pool.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	DirtyPages int
	HitRate    float64
}

// NewBufferPool creates a pool bounded at maxPages resident pages.
func NewBufferPool(files *FileManager, wal WALForcer, maxPages int) *BufferPool {
	if maxPages <= 0 {
		maxPages = 100
	}
	return &BufferPool{
		files:    files,
		wal:      wal,
		maxPages: maxPages,
		frames:   make(map[frameKey]*list.Element),
		lru:      list.New(),
		pageLSN:  make(map[frameKey]uint64),
	}
}

// Fetch returns a pinned handle to (file, id), reading it from disk on
// a cache miss. Returns ErrBufferFull if the pool is at capacity and
// every resident page is pinned.
func (bp *BufferPool) Fetch(file FileID, id PageID) (*PinnedPage, error) {
	bp.mu.Lock()
	key := frameKey{file, id}
	if el, ok := bp.frames[key]; ok {
		bp.hits++
		bp.lru.MoveToFront(el)
		pg := el.Value.(*lruEntry).page
		pg.pin()
		bp.mu.Unlock()
		return &PinnedPage{page: pg, pool: bp}, nil
	}
	bp.misses++
	bp.mu.Unlock()

	data, err := bp.files.ReadPage(file, id)
	if err != nil {
		return nil, err
	}
	pg := newPage(file, id, len(data))
	copy(pg.buf, data)

	if err := bp.admit(key, pg); err != nil {
		return nil, err
	}
	pg.pin()
	return &PinnedPage{page: pg, pool: bp}, nil
}

// NewPage allocates a fresh page in file and returns it pinned and
// resident (not yet durable — the caller must dirty and eventually
// flush it).
func (bp *BufferPool) NewPage(file FileID) (*PinnedPage, error) {
	id, err := bp.files.AllocatePage(file)
	if err != nil {
		return nil, err
	}
	pageSize := bp.files.PageSize()
	pg := newPage(file, id, pageSize)
	key := frameKey{file, id}
	if err := bp.admit(key, pg); err != nil {
		return nil, err
	}
	pg.pin()
	return &PinnedPage{page: pg, pool: bp}, nil
}

// admit inserts pg into the cache, evicting if at capacity. Must be
// called without bp.mu held.
func (bp *BufferPool) admit(key frameKey, pg *Page) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if len(bp.frames) >= bp.maxPages {
		if !bp.evictLocked() {
			return fmt.Errorf("buffer pool at capacity (%d pages): %w", bp.maxPages, dberrors.ErrBufferFull)
		}
	}
	el := bp.lru.PushFront(&lruEntry{key: key, page: pg})
	bp.frames[key] = el
	return nil
}

// evictLocked evicts the least-recently-used unpinned page. Caller
// holds bp.mu.
func (bp *BufferPool) evictLocked() bool {
	for el := bp.lru.Back(); el != nil; el = el.Prev() {
		entry := el.Value.(*lruEntry)
		if entry.page.pinCount() > 0 {
			continue
		}
		if entry.page.IsDirty() {
			if err := bp.flushLocked(entry.key, entry.page); err != nil {
				continue
			}
		}
		bp.lru.Remove(el)
		delete(bp.frames, entry.key)
		delete(bp.pageLSN, entry.key)
		bp.evictions++
		return true
	}
	return false
}

// touch is called by PinnedPage.Release; it exists so the LRU position
// can later be extended to reflect unpin time, kept as a no-op hook
// today since MoveToFront already happens on Fetch.
func (bp *BufferPool) touch(*Page) {}

// NotePageLSN records the LSN of the WAL record that logged a page's
// current post-image, consulted by the write-ahead rule at flush time.
func (bp *BufferPool) NotePageLSN(file FileID, id PageID, lsn uint64) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.pageLSN[frameKey{file, id}] = lsn
}

func (bp *BufferPool) flushLocked(key frameKey, pg *Page) error {
	if lsn, ok := bp.pageLSN[key]; ok && bp.wal != nil {
		if bp.wal.LastDurableLSN() < lsn {
			return fmt.Errorf("flush page (file %d page %d): post-image not yet durable: %w", key.file, key.id, dberrors.ErrIO)
		}
	}
	if err := bp.files.WritePage(key.file, key.id, pg.Bytes()); err != nil {
		return err
	}
	pg.markClean()
	return nil
}

// FlushAll writes every dirty resident page back to disk, honoring the
// write-ahead rule for each.
func (bp *BufferPool) FlushAll() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for el := bp.lru.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*lruEntry)
		if entry.page.IsDirty() {
			if err := bp.flushLocked(entry.key, entry.page); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats reports the pool's observable counters.
func (bp *BufferPool) Stats() Stats {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	dirty := 0
	for el := bp.lru.Front(); el != nil; el = el.Next() {
		if el.Value.(*lruEntry).page.IsDirty() {
			dirty++
		}
	}
	total := bp.hits + bp.misses
	rate := 0.0
	if total > 0 {
		rate = float64(bp.hits) / float64(total)
	}
	return Stats{
		Hits:       bp.hits,
		Misses:     bp.misses,
		Evictions:  bp.evictions,
		DirtyPages: dirty,
		HitRate:    rate,
	}
}

// Residency is the current number of cached pages, for tests asserting
// residency <= N.
func (bp *BufferPool) Residency() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.frames)
}
