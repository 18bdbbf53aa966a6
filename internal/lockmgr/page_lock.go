package lockmgr

import (
	"sync"
	"time"

	"github.com/tuannm99/duskdb/internal/kernel"
)

// lock is one granted or waiting request against a single page.
type lock struct {
	txn  kernel.TxnID
	mode kernel.LockMode
}

// frameLockManager owns the lock state of exactly one page: its granted set,
// its wait queue, and the mutex/condvar pair that serializes both (spec
// section 4.3). It never reaches back into the owning global Manager — the
// Manager passes in everything it needs (spec section 9, "avoid
// back-references from lock to manager; pass context explicitly").
type frameLockManager struct {
	mu      sync.Mutex
	cond    *sync.Cond
	granted []lock
	waiting []lock
}

func newFrameLockManager() *frameLockManager {
	f := &frameLockManager{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// holds reports whether txn already holds at least mode on this page.
// Caller must hold f.mu.
func (f *frameLockManager) holds(txn kernel.TxnID, mode kernel.LockMode) bool {
	for _, l := range f.granted {
		if l.txn != txn {
			continue
		}
		if l.mode == kernel.Exclusive || l.mode == mode {
			return true
		}
	}
	return false
}

// soleHolder reports whether txn is the only granted holder (any mode).
// Caller must hold f.mu.
func (f *frameLockManager) soleHolder(txn kernel.TxnID) bool {
	if len(f.granted) == 0 {
		return false
	}
	for _, l := range f.granted {
		if l.txn != txn {
			return false
		}
	}
	return true
}

// compatibleWithOthers reports whether mode is compatible with every granted lock held
// by a transaction other than txn. Caller must hold f.mu.
func (f *frameLockManager) compatibleWithOthers(txn kernel.TxnID, mode kernel.LockMode) bool {
	for _, l := range f.granted {
		if l.txn == txn {
			continue
		}
		if mode == kernel.Exclusive || l.mode == kernel.Exclusive {
			return false
		}
	}
	return true
}

// grant implements spec section 4.3's grant_lock(txn, mode, timeout):
//  1. same-or-stronger already held -> success.
//  2. sole S holder requesting X -> in-place upgrade.
//  3. S holder requesting X, not sole -> wait for "granted shrinks to just
//     this txn's S", then upgrade; timeout -> failure.
//  4. compatible with all other holders -> grant immediately.
//  5. else enqueue and wait for "no incompatible holder from another txn
//     remains"; timeout -> failure.
func (f *frameLockManager) grant(txn kernel.TxnID, mode kernel.LockMode, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.holds(txn, mode) {
		return nil
	}

	holdsShared := false
	for _, l := range f.granted {
		if l.txn == txn && l.mode == kernel.Shared {
			holdsShared = true
			break
		}
	}

	if holdsShared && mode == kernel.Exclusive {
		if f.soleHolder(txn) {
			f.upgradeLocked(txn)
			return nil
		}
		return f.waitForLocked(txn, mode, timeout, func() bool {
			return f.soleHolder(txn)
		}, true)
	}

	if f.compatibleWithOthers(txn, mode) {
		f.granted = append(f.granted, lock{txn: txn, mode: mode})
		return nil
	}

	return f.waitForLocked(txn, mode, timeout, func() bool {
		return f.compatibleWithOthers(txn, mode)
	}, false)
}

// upgradeLocked replaces txn's shared lock with exclusive. Caller holds f.mu.
func (f *frameLockManager) upgradeLocked(txn kernel.TxnID) {
	for i := range f.granted {
		if f.granted[i].txn == txn {
			f.granted[i].mode = kernel.Exclusive
		}
	}
}

// waitForLocked enqueues txn as a waiter and blocks on the condvar until
// predicate holds or timeout elapses. If upgrade is true, on success the
// existing shared entry is upgraded in place rather than appending a new
// grant. Caller holds f.mu; the lock is released while waiting (sync.Cond
// semantics) and reacquired before returning.
func (f *frameLockManager) waitForLocked(txn kernel.TxnID, mode kernel.LockMode, timeout time.Duration, predicate func() bool, upgrade bool) error {
	w := lock{txn: txn, mode: mode}
	f.waiting = append(f.waiting, w)

	deadline := time.Now().Add(timeout)
	done := make(chan struct{})
	timedOut := false

	// sync.Cond has no native timeout; a watcher goroutine broadcasts once
	// the deadline passes so the waiter's Wait() loop re-checks and bails.
	go func() {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-timer.C:
			f.mu.Lock()
			timedOut = true
			f.mu.Unlock()
			f.cond.Broadcast()
		case <-done:
		}
	}()
	defer close(done)

	for !predicate() && !timedOut {
		f.cond.Wait()
	}

	f.removeWaitingLocked(txn, mode)

	if !predicate() {
		return ErrTxnAbort
	}

	if upgrade {
		f.upgradeLocked(txn)
	} else {
		f.granted = append(f.granted, lock{txn: txn, mode: mode})
	}
	return nil
}

func (f *frameLockManager) removeWaitingLocked(txn kernel.TxnID, mode kernel.LockMode) {
	out := f.waiting[:0]
	for _, l := range f.waiting {
		if l.txn == txn && l.mode == mode {
			continue
		}
		out = append(out, l)
	}
	f.waiting = out
}

// release removes every granted entry belonging to txn and wakes all
// waiters so they can re-evaluate their predicates (spec section 4.3).
func (f *frameLockManager) release(txn kernel.TxnID) {
	f.mu.Lock()
	out := f.granted[:0]
	for _, l := range f.granted {
		if l.txn != txn {
			out = append(out, l)
		}
	}
	f.granted = out
	f.mu.Unlock()
	f.cond.Broadcast()
}

// conflictingHolders returns the set of distinct transactions holding a granted lock
// incompatible with (txn, mode) — used by the global Manager to build
// waits-for edges before calling grant. Caller must NOT hold f.mu.
func (f *frameLockManager) conflictingHolders(txn kernel.TxnID, mode kernel.LockMode) []kernel.TxnID {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.holds(txn, mode) {
		return nil
	}

	var out []kernel.TxnID
	seen := map[kernel.TxnID]struct{}{}
	for _, l := range f.granted {
		if l.txn == txn {
			continue
		}
		if mode != kernel.Exclusive && l.mode != kernel.Exclusive {
			continue
		}
		if _, ok := seen[l.txn]; ok {
			continue
		}
		seen[l.txn] = struct{}{}
		out = append(out, l.txn)
	}
	return out
}
