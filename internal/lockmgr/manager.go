package lockmgr

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tuannm99/duskdb/internal/kernel"
)

// DefaultTimeout is the instructional lock-wait timeout from spec section
// 4.4. It only seeds Manager.Timeout; the timeout actually used is that
// per-instance field, so tests can shrink it (spec section 9).
const DefaultTimeout = 2 * time.Second

// Manager is the global 2PL lock manager (spec section 4.4): one
// frameLockManager per page, a per-txn set of held pages, and a waits-for
// graph used for cycle-based deadlock detection.
type Manager struct {
	mu        sync.Mutex
	pageLocks map[kernel.PageID]*frameLockManager
	txnLocks  map[kernel.TxnID]map[kernel.PageID]struct{}
	waitFor   map[kernel.TxnID]map[kernel.TxnID]struct{}

	// Timeout bounds every lock wait. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// NewManager creates an empty global lock manager.
func NewManager() *Manager {
	return &Manager{
		pageLocks: make(map[kernel.PageID]*frameLockManager),
		txnLocks:  make(map[kernel.TxnID]map[kernel.PageID]struct{}),
		waitFor:   make(map[kernel.TxnID]map[kernel.TxnID]struct{}),
		Timeout:   DefaultTimeout,
	}
}

func (m *Manager) frameLockFor(page kernel.PageID) *frameLockManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.pageLocks[page]
	if !ok {
		f = newFrameLockManager()
		m.pageLocks[page] = f
	}
	return f
}

// Acquire implements spec section 4.4's acquire_lock(txn, page, mode):
// the conflict scan runs under the per-page mutex, waits-for edge insertion
// + cycle detection happen under m.mu; the actual (possibly blocking) grant happens on the per-page lock
// with m.mu NOT held (spec section 5, "never hold the global lock-manager
// mutex while waiting on a per-page condvar").
func (m *Manager) Acquire(txn kernel.TxnID, page kernel.PageID, mode kernel.LockMode) error {
	fl := m.frameLockFor(page)

	conflicts := fl.conflictingHolders(txn, mode)
	if len(conflicts) > 0 {
		if err := m.recordWaitAndCheckCycle(txn, conflicts); err != nil {
			return err
		}
	}

	if err := fl.grant(txn, mode, m.Timeout); err != nil {
		slog.Debug("lockmgr: grant timed out", "txn", txn, "page", page, "mode", mode)
		m.mu.Lock()
		m.clearWaitEdgesLocked(txn)
		m.mu.Unlock()
		return ErrTxnAbort
	}

	m.mu.Lock()
	if m.txnLocks[txn] == nil {
		m.txnLocks[txn] = make(map[kernel.PageID]struct{})
	}
	m.txnLocks[txn][page] = struct{}{}
	m.clearWaitEdgesLocked(txn)
	m.mu.Unlock()
	return nil
}

// recordWaitAndCheckCycle inserts a waits-for edge txn -> holder for every
// conflict holder, then runs DFS cycle detection from txn (spec section
// 4.4 step 4). On a cycle it erases all of txn's out-edges, prunes empty
// nodes, and returns ErrTxnAbort.
func (m *Manager) recordWaitAndCheckCycle(txn kernel.TxnID, holders []kernel.TxnID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.waitFor[txn] == nil {
		m.waitFor[txn] = make(map[kernel.TxnID]struct{})
	}
	for _, h := range holders {
		if h == txn {
			continue
		}
		m.waitFor[txn][h] = struct{}{}
	}

	if m.hasCycleLocked(txn) {
		delete(m.waitFor, txn)
		m.pruneDanglingLocked()
		slog.Debug("lockmgr: deadlock detected", "txn", txn)
		return ErrTxnAbort
	}
	return nil
}

// hasCycleLocked runs DFS from start looking for a back-edge to start.
// Caller holds m.mu.
func (m *Manager) hasCycleLocked(start kernel.TxnID) bool {
	visited := make(map[kernel.TxnID]bool)
	var dfs func(kernel.TxnID) bool
	dfs = func(node kernel.TxnID) bool {
		if node == start && visited[node] {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for next := range m.waitFor[node] {
			if next == start {
				return true
			}
			if dfs(next) {
				return true
			}
		}
		return false
	}
	for next := range m.waitFor[start] {
		if next == start || dfs(next) {
			return true
		}
	}
	return false
}

// pruneDanglingLocked removes empty out-edge sets so the graph doesn't grow
// unbounded with stale nodes. Caller holds m.mu.
func (m *Manager) pruneDanglingLocked() {
	for txn, edges := range m.waitFor {
		if len(edges) == 0 {
			delete(m.waitFor, txn)
		}
	}
}

func (m *Manager) clearWaitEdgesLocked(txn kernel.TxnID) {
	delete(m.waitFor, txn)
	for _, edges := range m.waitFor {
		delete(edges, txn)
	}
}

// ReleaseAll implements spec section 4.4's release_all_locks(txn): releases
// every page lock held by txn and removes it from the waits-for graph.
func (m *Manager) ReleaseAll(txn kernel.TxnID) {
	m.mu.Lock()
	pages := m.txnLocks[txn]
	delete(m.txnLocks, txn)
	m.clearWaitEdgesLocked(txn)
	m.mu.Unlock()

	for page := range pages {
		if fl := m.frameLockFor(page); fl != nil {
			fl.release(txn)
		}
	}
}

// HeldPages returns a snapshot of pages currently locked by txn.
func (m *Manager) HeldPages(txn kernel.TxnID) []kernel.PageID {
	m.mu.Lock()
	defer m.mu.Unlock()
	pages := make([]kernel.PageID, 0, len(m.txnLocks[txn]))
	for p := range m.txnLocks[txn] {
		pages = append(pages, p)
	}
	return pages
}
