package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/sjpalmer/relstore/internal/dberrors"
)

// LockMode is the mode a transaction holds a resource lock in.
type LockMode int

const (
	Shared LockMode = iota
	Exclusive
)

func (m LockMode) String() string {
	if m == Exclusive {
		return "EXCLUSIVE"
	}
	return "SHARED"
}

// ResourceID names a lockable resource: a table, or a single row
// within a table (row-level granularity uses the row's primary key
// encoding as Key).
type ResourceID struct {
	Table string
	Key   string // empty for table-level locks
}

func (r ResourceID) String() string {
	if r.Key == "" {
		return r.Table
	}
	return fmt.Sprintf("%s/%s", r.Table, r.Key)
}

// waiter is one entry in a resource's FIFO wait queue.
type waiter struct {
	txn     uint64
	mode    LockMode
	granted chan struct{} // closed once the lock is granted
}

type lockState struct {
	res     ResourceID
	holders map[uint64]LockMode // txn -> mode currently held
	queue   []*waiter
}

// LockManager grants shared/exclusive locks on resources to
// transactions, queuing conflicting requests FIFO and supporting
// cancellable waits via the passed context.
type LockManager struct {
	mu        sync.Mutex
	resources map[ResourceID]*lockState
	held      map[uint64]map[ResourceID]bool // txn -> resources it holds, for ReleaseAll
}

// NewLockManager returns an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{
		resources: make(map[ResourceID]*lockState),
		held:      make(map[uint64]map[ResourceID]bool),
	}
}

// Acquire blocks until txn holds mode on res, or ctx is cancelled
// (returning ErrLockCancelled) or the wait exceeds a deadline set on
// ctx (returning ErrLockTimeout, detected via ctx.Err() ==
// context.DeadlineExceeded).
//
// Lock upgrade: a txn already holding Shared that requests Exclusive
// is queued like any other waiter once other shared holders exist;
// if it is the sole holder, it upgrades in place.
func (lm *LockManager) Acquire(ctx context.Context, txn uint64, res ResourceID, mode LockMode) error {
	lm.mu.Lock()
	st, ok := lm.resources[res]
	if !ok {
		st = &lockState{res: res, holders: make(map[uint64]LockMode)}
		lm.resources[res] = st
	}

	if lm.canGrantLocked(st, txn, mode) {
		st.holders[txn] = mode
		lm.recordHeldLocked(txn, res)
		lm.mu.Unlock()
		return nil
	}

	w := &waiter{txn: txn, mode: mode, granted: make(chan struct{})}
	st.queue = append(st.queue, w)
	lm.mu.Unlock()

	select {
	case <-w.granted:
		return nil
	case <-ctx.Done():
		lm.mu.Lock()
		defer lm.mu.Unlock()
		select {
		case <-w.granted:
			// Granted in the race window between ctx firing and us
			// taking the lock; honor the grant.
			return nil
		default:
		}
		lm.removeWaiterLocked(st, w)
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("acquire %s: %w", res, dberrors.ErrLockTimeout)
		}
		return fmt.Errorf("acquire %s: %w", res, dberrors.ErrLockCancelled)
	}
}

// canGrantLocked reports whether txn can be granted mode on res right
// now, given current holders and queue. Must hold lm.mu.
func (lm *LockManager) canGrantLocked(st *lockState, txn uint64, mode LockMode) bool {
	if len(st.queue) > 0 {
		// FIFO: don't jump ahead of waiters unless we're already a
		// holder upgrading.
		if _, already := st.holders[txn]; !already {
			return false
		}
	}
	if len(st.holders) == 0 {
		return true
	}
	if _, already := st.holders[txn]; already && len(st.holders) == 1 {
		return true // sole holder, upgrade or re-grant in place
	}
	if mode == Shared {
		for holder, hm := range st.holders {
			if holder != txn && hm == Exclusive {
				return false
			}
		}
		return true
	}
	// Exclusive requested: only grantable if txn is the only holder.
	_, already := st.holders[txn]
	return already && len(st.holders) == 1
}

func (lm *LockManager) removeWaiterLocked(st *lockState, w *waiter) {
	for i, q := range st.queue {
		if q == w {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			return
		}
	}
}

func (lm *LockManager) recordHeldLocked(txn uint64, res ResourceID) {
	set, ok := lm.held[txn]
	if !ok {
		set = make(map[ResourceID]bool)
		lm.held[txn] = set
	}
	set[res] = true
}

// Release drops txn's lock on res and wakes the next eligible waiters.
func (lm *LockManager) Release(txn uint64, res ResourceID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	st, ok := lm.resources[res]
	if !ok {
		return
	}
	delete(st.holders, txn)
	if set := lm.held[txn]; set != nil {
		delete(set, res)
	}
	lm.wakeQueueLocked(st)
	if len(st.holders) == 0 && len(st.queue) == 0 {
		delete(lm.resources, res)
	}
}

// wakeQueueLocked grants the lock to every waiter at the front of the
// queue compatible with the current holder set, in FIFO order: once a
// waiter can't be granted, later waiters (even if compatible with the
// holders) still wait behind it, preserving fairness.
func (lm *LockManager) wakeQueueLocked(st *lockState) {
	for len(st.queue) > 0 {
		w := st.queue[0]
		if !compatibleWithHolders(st, w.txn, w.mode) {
			break
		}
		st.queue = st.queue[1:]
		st.holders[w.txn] = w.mode
		lm.recordHeldLocked(w.txn, st.res)
		close(w.granted)
	}
}

func compatibleWithHolders(st *lockState, txn uint64, mode LockMode) bool {
	if len(st.holders) == 0 {
		return true
	}
	if mode == Shared {
		for holder, hm := range st.holders {
			if holder != txn && hm == Exclusive {
				return false
			}
		}
		return true
	}
	for holder := range st.holders {
		if holder != txn {
			return false
		}
	}
	return true
}

// ReleaseAll drops every lock txn holds, e.g. at transaction
// commit/rollback.
func (lm *LockManager) ReleaseAll(txn uint64) {
	lm.mu.Lock()
	resources := make([]ResourceID, 0, len(lm.held[txn]))
	for res := range lm.held[txn] {
		resources = append(resources, res)
	}
	delete(lm.held, txn)
	lm.mu.Unlock()

	for _, res := range resources {
		lm.Release(txn, res)
	}
}

// Holds reports whether txn currently holds any lock on res, and
// which mode.
func (lm *LockManager) Holds(txn uint64, res ResourceID) (LockMode, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	st, ok := lm.resources[res]
	if !ok {
		return 0, false
	}
	mode, ok := st.holders[txn]
	return mode, ok
}
