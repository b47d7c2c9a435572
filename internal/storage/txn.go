package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sjpalmer/relstore/internal/dberrors"
	"github.com/sjpalmer/relstore/internal/storage/pager"
)

// TxnState is a transaction's lifecycle state.
type TxnState int

const (
	TxnActive TxnState = iota
	TxnCommitted
	TxnAborted
)

// pageWrite records one page mutation a transaction logged, kept so
// Rollback can restore the before-image directly in the buffer pool —
// recovery only redoes committed writes (spec §4.3), so an aborted
// transaction's in-memory changes must be undone by the transaction
// manager itself, not by crash recovery.
type pageWrite struct {
	file   pager.FileID
	page   pager.PageID
	before []byte
}

// Txn is one in-flight transaction. Its LogPageWrite method
// implements the pager.walLogger / storage.pageLogger interfaces the
// B-tree and catalog use to log their page mutations.
type Txn struct {
	id    uint64
	trace string
	mgr   *TxnManager
	mu    sync.Mutex
	state TxnState
	undo  []pageWrite
}

// ID is the transaction's WAL-visible identifier.
func (t *Txn) ID() uint64 { return t.id }

// Trace is a process-lifetime-independent identifier for correlating
// this transaction's log lines across restarts, unlike ID which
// restarts from 1 every time the engine opens.
func (t *Txn) Trace() string { return t.trace }

// State reports the transaction's current lifecycle state.
func (t *Txn) State() TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LogPageWrite appends a PAGE_WRITE record under this transaction,
// notes the page's new LSN with the buffer pool (so the write-ahead
// rule can be enforced on eviction), and records the before-image for
// a possible rollback.
func (t *Txn) LogPageWrite(file pager.FileID, page pager.PageID, before, after []byte) error {
	t.mu.Lock()
	if t.state != TxnActive {
		t.mu.Unlock()
		return fmt.Errorf("txn %d: %w", t.id, dberrors.ErrTxnAborted)
	}
	t.mu.Unlock()

	rec := pager.Record{
		Type:        pager.RecordPageWrite,
		TxnID:       t.id,
		FileID:      file,
		PageID:      page,
		BeforeImage: hex.EncodeToString(before),
		AfterImage:  hex.EncodeToString(after),
	}
	lsn, err := t.mgr.wal.Append(rec)
	if err != nil {
		return fmt.Errorf("txn %d: log page write: %w", t.id, dberrors.ErrFatal)
	}
	t.mgr.pool.NotePageLSN(file, page, lsn)

	t.mu.Lock()
	t.undo = append(t.undo, pageWrite{file: file, page: page, before: before})
	t.mu.Unlock()
	return nil
}

// Lock acquires a resource lock under this transaction's id. The lock
// manager tracks it internally for release by Commit/Rollback's call
// to ReleaseAll.
func (t *Txn) Lock(ctx context.Context, res ResourceID, mode LockMode) error {
	return t.mgr.locks.Acquire(ctx, t.id, res, mode)
}

// Commit appends a COMMIT record (making the transaction's page
// writes visible to crash recovery's redo pass) and releases its
// locks.
func (t *Txn) Commit() error {
	t.mu.Lock()
	if t.state != TxnActive {
		t.mu.Unlock()
		return fmt.Errorf("txn %d: %w", t.id, dberrors.ErrTxnInactive)
	}
	t.state = TxnCommitted
	t.mu.Unlock()

	if _, err := t.mgr.wal.Append(pager.Record{
		Type:      pager.RecordTransaction,
		TxnID:     t.id,
		Operation: pager.OpCommit,
	}); err != nil {
		return fmt.Errorf("txn %d: commit: %w", t.id, dberrors.ErrFatal)
	}
	t.mgr.locks.ReleaseAll(t.id)
	t.mgr.forget(t.id)
	return nil
}

// Rollback restores every page this transaction wrote to its
// before-image (undoing the in-memory mutation, since recovery never
// replays an uncommitted write), appends a ROLLBACK record for the
// WAL's own record, and releases locks.
func (t *Txn) Rollback() error {
	t.mu.Lock()
	if t.state != TxnActive {
		t.mu.Unlock()
		return fmt.Errorf("txn %d: %w", t.id, dberrors.ErrTxnInactive)
	}
	t.state = TxnAborted
	undo := t.undo
	t.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		w := undo[i]
		pp, err := t.mgr.pool.Fetch(w.file, w.page)
		if err != nil {
			continue // page no longer reachable; nothing to undo
		}
		pp.Page().WriteAt(0, w.before)
		pp.Release()
	}

	if _, err := t.mgr.wal.Append(pager.Record{
		Type:      pager.RecordTransaction,
		TxnID:     t.id,
		Operation: pager.OpRollback,
	}); err != nil {
		return fmt.Errorf("txn %d: rollback: %w", t.id, dberrors.ErrFatal)
	}
	t.mgr.locks.ReleaseAll(t.id)
	t.mgr.forget(t.id)
	return nil
}

// TxnManager begins, tracks and ends transactions, coordinating the
// WAL, lock manager and buffer pool.
type TxnManager struct {
	wal    *pager.WAL
	pool   *pager.BufferPool
	locks  *LockManager
	nextID uint64 // atomic

	mu     sync.Mutex
	active map[uint64]*Txn
}

// NewTxnManager wires a transaction manager to the storage engine's
// WAL, buffer pool and lock manager.
func NewTxnManager(wal *pager.WAL, pool *pager.BufferPool, locks *LockManager) *TxnManager {
	return &TxnManager{
		wal:    wal,
		pool:   pool,
		locks:  locks,
		active: make(map[uint64]*Txn),
	}
}

// Begin starts a new transaction and logs its BEGIN record.
func (m *TxnManager) Begin() (*Txn, error) {
	id := atomic.AddUint64(&m.nextID, 1)
	if _, err := m.wal.Append(pager.Record{
		Type:      pager.RecordTransaction,
		TxnID:     id,
		Operation: pager.OpBegin,
	}); err != nil {
		return nil, fmt.Errorf("begin txn: %w", dberrors.ErrFatal)
	}
	t := &Txn{id: id, trace: NewTraceID(), mgr: m, state: TxnActive}
	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()
	return t, nil
}

func (m *TxnManager) forget(id uint64) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// Active returns every currently-active transaction.
func (m *TxnManager) Active() []*Txn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Txn, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, t)
	}
	return out
}

// CloseAll rolls back every transaction still active (e.g. at engine
// shutdown) and leaves already-committed/aborted transactions alone —
// resolving the Open Question in favor of touching only the active
// set, never replaying history.
func (m *TxnManager) CloseAll() error {
	for _, t := range m.Active() {
		if err := t.Rollback(); err != nil {
			return err
		}
	}
	return nil
}
