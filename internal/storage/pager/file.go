package pager

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sjpalmer/relstore/internal/dberrors"
)

// FileManager is the per-file paged I/O layer: it opens, allocates,
// reads, writes, syncs and deletes fixed-size pages across every table
// and index file in one database root. It maintains the in-memory map
// file_id -> (path, page_count, open_handle).
//
// file_id assignment must survive a crash: WAL PAGE_WRITE records name
// a file only by its id, so recovery must be able to re-open the same
// file under the same id it had before the crash. A small append-only
// manifest (_files.manifest, "id<TAB>name" per line) persists that
// mapping; it is written synchronously whenever a file is created and
// reloaded before WAL recovery runs.
type FileManager struct {
	mu       sync.Mutex
	root     string
	pageSize int
	nextID   FileID
	byID     map[FileID]*fileEntry
	byName   map[string]FileID
}

type fileEntry struct {
	name   string
	path   string
	handle *os.File
	pages  uint32 // page_count
}

const manifestName = "_files.manifest"

// NewFileManager opens (creating if needed) the database root directory
// and reopens every file listed in its manifest under its original
// file id, so WAL recovery can address them correctly.
func NewFileManager(root string, pageSize int) (*FileManager, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("page_size: %w", dberrors.ErrIO)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", root, dberrors.Wrap(err.Error(), dberrors.ErrIO))
	}
	fm := &FileManager{
		root:     root,
		pageSize: pageSize,
		nextID:   1,
		byID:     make(map[FileID]*fileEntry),
		byName:   make(map[string]FileID),
	}
	if err := fm.loadManifest(); err != nil {
		return nil, err
	}
	return fm, nil
}

func (fm *FileManager) manifestPath() string {
	return filepath.Join(fm.root, manifestName)
}

// loadManifest reopens every previously-created file under its
// persisted id. Called once, from NewFileManager, before any other
// access.
func (fm *FileManager) loadManifest() error {
	f, err := os.Open(fm.manifestPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read manifest: %w", dberrors.ErrIO)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		id64, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			continue
		}
		id := FileID(id64)
		name := parts[1]
		path := filepath.Join(fm.root, name)
		handle, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("reopen %q (file %d): %w", name, id, dberrors.ErrIO)
		}
		fi, err := handle.Stat()
		if err != nil {
			handle.Close()
			return fmt.Errorf("stat %q: %w", name, dberrors.ErrIO)
		}
		fm.byID[id] = &fileEntry{
			name:   name,
			path:   path,
			handle: handle,
			pages:  uint32(fi.Size() / int64(fm.pageSize)),
		}
		fm.byName[name] = id
		if id >= fm.nextID {
			fm.nextID = id + 1
		}
	}
	return nil
}

// appendManifest durably records a new id/name pair. Called with fm.mu
// held.
func (fm *FileManager) appendManifest(id FileID, name string) error {
	f, err := os.OpenFile(fm.manifestPath(), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("append manifest: %w", dberrors.ErrIO)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d\t%s\n", id, name); err != nil {
		return fmt.Errorf("append manifest: %w", dberrors.ErrIO)
	}
	return f.Sync()
}

// PageSize is the fixed page size P used by every file this manager owns.
func (fm *FileManager) PageSize() int { return fm.pageSize }

// CreateFile creates a new, empty file named `name` (e.g. "t.tbl") and
// returns its file id. Creating a file that already exists reopens it.
// The id/name pair is durably recorded in the manifest before this
// returns, so a crash immediately afterward still lets recovery find
// the file by id.
func (fm *FileManager) CreateFile(name string) (FileID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if id, ok := fm.byName[name]; ok {
		return id, nil
	}
	path := filepath.Join(fm.root, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create file %q: %w", name, dberrors.ErrIO)
	}
	id, err := fm.register(name, path, f)
	if err != nil {
		return 0, err
	}
	if err := fm.appendManifest(id, name); err != nil {
		return 0, err
	}
	return id, nil
}

// OpenFile opens an existing file and returns its file id.
func (fm *FileManager) OpenFile(name string) (FileID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if id, ok := fm.byName[name]; ok {
		return id, nil
	}
	path := filepath.Join(fm.root, name)
	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("open file %q: %w", name, dberrors.ErrFileNotFound)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open file %q: %w", name, dberrors.ErrIO)
	}
	return fm.register(name, path, f)
}

// register must be called with fm.mu held.
func (fm *FileManager) register(name, path string, f *os.File) (FileID, error) {
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("stat %q: %w", name, dberrors.ErrIO)
	}
	pages := uint32(fi.Size() / int64(fm.pageSize))
	id := fm.nextID
	fm.nextID++
	fm.byID[id] = &fileEntry{name: name, path: path, handle: f, pages: pages}
	fm.byName[name] = id
	return id, nil
}

// DeleteFile closes and removes the file from disk.
func (fm *FileManager) DeleteFile(name string) error {
	fm.mu.Lock()
	id, ok := fm.byName[name]
	if !ok {
		fm.mu.Unlock()
		return fmt.Errorf("delete file %q: %w", name, dberrors.ErrFileNotFound)
	}
	entry := fm.byID[id]
	delete(fm.byID, id)
	delete(fm.byName, name)
	fm.mu.Unlock()

	if entry.handle != nil {
		entry.handle.Close()
	}
	if err := os.Remove(entry.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file %q: %w", name, dberrors.ErrIO)
	}

	fm.mu.Lock()
	err := fm.rewriteManifestLocked()
	fm.mu.Unlock()
	return err
}

// rewriteManifestLocked regenerates the manifest from the current
// byID map. Called with fm.mu held.
func (fm *FileManager) rewriteManifestLocked() error {
	f, err := os.Create(fm.manifestPath())
	if err != nil {
		return fmt.Errorf("rewrite manifest: %w", dberrors.ErrIO)
	}
	defer f.Close()
	for id, entry := range fm.byID {
		if _, err := fmt.Fprintf(f, "%d\t%s\n", id, entry.name); err != nil {
			return fmt.Errorf("rewrite manifest: %w", dberrors.ErrIO)
		}
	}
	return f.Sync()
}

// AllocatePage returns the next dense page id for file_id and increments
// the file's page count. It does not zero-fill the page on disk.
func (fm *FileManager) AllocatePage(file FileID) (PageID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	entry, ok := fm.byID[file]
	if !ok {
		return 0, fmt.Errorf("allocate page: file %d: %w", file, dberrors.ErrFileNotFound)
	}
	id := PageID(entry.pages)
	entry.pages++
	return id, nil
}

// PageCount reports how many pages file_id currently has.
func (fm *FileManager) PageCount(file FileID) (uint32, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	entry, ok := fm.byID[file]
	if !ok {
		return 0, fmt.Errorf("page count: file %d: %w", file, dberrors.ErrFileNotFound)
	}
	return entry.pages, nil
}

// ReadPage reads page_id's bytes. A page id past end-of-file fails with
// ErrPageNotFound; a page id within the file but never written returns
// zeros (short reads are padded to P).
func (fm *FileManager) ReadPage(file FileID, id PageID) ([]byte, error) {
	fm.mu.Lock()
	entry, ok := fm.byID[file]
	fm.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("read page: file %d: %w", file, dberrors.ErrFileNotFound)
	}
	if uint32(id) >= entry.pages {
		return nil, fmt.Errorf("read page %d: %w", id, dberrors.ErrPageNotFound)
	}
	buf := make([]byte, fm.pageSize)
	n, err := entry.handle.ReadAt(buf, int64(id)*int64(fm.pageSize))
	if err != nil && n == 0 {
		// Allocated-but-never-written page: treat as a short read of zeros.
		return buf, nil
	}
	return buf, nil
}

// WritePage writes exactly P bytes at page_id, extending the file if
// needed. Idempotent for identical bytes.
func (fm *FileManager) WritePage(file FileID, id PageID, data []byte) error {
	fm.mu.Lock()
	entry, ok := fm.byID[file]
	fm.mu.Unlock()
	if !ok {
		return fmt.Errorf("write page: file %d: %w", file, dberrors.ErrFileNotFound)
	}
	if len(data) != fm.pageSize {
		return fmt.Errorf("write page %d: payload is %d bytes, want %d: %w", id, len(data), fm.pageSize, dberrors.ErrIO)
	}
	if _, err := entry.handle.WriteAt(data, int64(id)*int64(fm.pageSize)); err != nil {
		return fmt.Errorf("write page %d: %w", id, dberrors.ErrIO)
	}
	fm.mu.Lock()
	if uint32(id) >= entry.pages {
		entry.pages = uint32(id) + 1
	}
	fm.mu.Unlock()
	return nil
}

// Sync guarantees durability of all prior WritePage calls for open files.
func (fm *FileManager) Sync() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for id, entry := range fm.byID {
		if entry.handle == nil {
			continue
		}
		if err := entry.handle.Sync(); err != nil {
			return fmt.Errorf("sync file %d: %w", id, dberrors.ErrIO)
		}
	}
	return nil
}

// Close closes every open file handle.
func (fm *FileManager) Close() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	var first error
	for _, entry := range fm.byID {
		if entry.handle == nil {
			continue
		}
		if err := entry.handle.Close(); err != nil && first == nil {
			first = fmt.Errorf("close file %q: %w", entry.name, dberrors.ErrIO)
		}
		entry.handle = nil
	}
	if first != nil {
		return first
	}
	return nil
}

// Name returns the on-disk filename for a file id, used by recovery and
// diagnostics.
func (fm *FileManager) Name(file FileID) (string, bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	entry, ok := fm.byID[file]
	if !ok {
		return "", false
	}
	return entry.name, true
}

// FileIDFor returns the id assigned to an already-open file name.
func (fm *FileManager) FileIDFor(name string) (FileID, bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	id, ok := fm.byName[name]
	return id, ok
}
