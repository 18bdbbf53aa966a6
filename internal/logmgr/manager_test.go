package logmgr

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/duskdb/internal/bufferpool"
	"github.com/tuannm99/duskdb/internal/kernel"
	"github.com/tuannm99/duskdb/internal/lockmgr"
	"github.com/tuannm99/duskdb/internal/storage"
)

func newTestRig(t *testing.T) (*Manager, *bufferpool.Pool) {
	t.Helper()
	dir := t.TempDir()
	fm, err := storage.NewFileManager(dir)
	require.NoError(t, err)
	pool := bufferpool.New(8, 4, fm, lockmgr.NewManager())

	lm, err := Open(filepath.Join(dir, "wal.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lm.Close() })
	return lm, pool
}

// TestBasicCommit is spec section 8, scenario 2: begin, one update, commit;
// the after-image must be durable.
func TestBasicCommit(t *testing.T) {
	lm, pool := newTestRig(t)
	txn := kernel.TxnID(1)
	page := kernel.NewPageID(0, 0)

	require.NoError(t, lm.LogBegin(txn))

	f, err := pool.FixPage(txn, page, true)
	require.NoError(t, err)
	before := append([]byte(nil), f.Buf...)
	f.Buf[0] = 0x42
	after := append([]byte(nil), f.Buf...)
	pool.UnfixPage(f, true)

	require.NoError(t, lm.LogUpdate(txn, page, 0, before, after))
	require.NoError(t, lm.LogCommit(txn))
	require.NoError(t, pool.TransactionComplete(txn))

	f2, err := pool.FixPage(kernel.InvalidTxnID, page, false)
	require.NoError(t, err)
	require.Equal(t, byte(0x42), f2.Buf[0])
}

// TestAbortRollsBack is spec section 8, scenario 3: begin, update, abort —
// the page must revert to its before-image.
func TestAbortRollsBack(t *testing.T) {
	lm, pool := newTestRig(t)
	txn := kernel.TxnID(1)
	page := kernel.NewPageID(0, 0)

	require.NoError(t, lm.LogBegin(txn))

	f, err := pool.FixPage(txn, page, true)
	require.NoError(t, err)
	before := append([]byte(nil), f.Buf...)
	f.Buf[0] = 0x99
	after := append([]byte(nil), f.Buf...)
	pool.UnfixPage(f, true)
	require.NoError(t, lm.LogUpdate(txn, page, 0, before, after))

	require.NoError(t, lm.LogAbort(pool, txn))
	pool.TransactionAbort(txn)

	f2, err := pool.FixPage(kernel.InvalidTxnID, page, false)
	require.NoError(t, err)
	require.Equal(t, before, f2.Buf)
}

// TestRecoverRedoesCommittedAndUndoesActive is spec section 8, scenario 6:
// one committed and one never-committed transaction are both in the log
// when the process "crashes" (ColdStart); Recover must redo the committed
// write and undo the uncommitted one.
func TestRecoverRedoesCommittedAndUndoesActive(t *testing.T) {
	lm, pool := newTestRig(t)
	committed := kernel.TxnID(1)
	uncommitted := kernel.TxnID(2)
	pageA := kernel.NewPageID(0, 0)
	pageB := kernel.NewPageID(0, 1)

	require.NoError(t, lm.LogBegin(committed))
	fa, err := pool.FixPage(committed, pageA, true)
	require.NoError(t, err)
	beforeA := append([]byte(nil), fa.Buf...)
	fa.Buf[0] = 0x11
	afterA := append([]byte(nil), fa.Buf...)
	pool.UnfixPage(fa, true)
	require.NoError(t, lm.LogUpdate(committed, pageA, 0, beforeA, afterA))
	require.NoError(t, lm.LogCommit(committed))
	require.NoError(t, pool.TransactionComplete(committed))

	require.NoError(t, lm.LogBegin(uncommitted))
	fb, err := pool.FixPage(uncommitted, pageB, true)
	require.NoError(t, err)
	beforeB := append([]byte(nil), fb.Buf...)
	fb.Buf[0] = 0x22
	afterB := append([]byte(nil), fb.Buf...)
	pool.UnfixPage(fb, true)
	require.NoError(t, lm.LogUpdate(uncommitted, pageB, 0, beforeB, afterB))
	// No commit, no abort: simulate a crash.

	// pool still reflects in-memory dirty state; discard it the way a real
	// restart would (fresh frames, nothing resident) before recovering.
	lm.ColdStart()
	pool.DiscardPages(committed)
	pool.DiscardPages(uncommitted)

	require.NoError(t, lm.Recover(pool))

	fa2, err := pool.FixPage(kernel.InvalidTxnID, pageA, false)
	require.NoError(t, err)
	require.Equal(t, byte(0x11), fa2.Buf[0], "committed write must be redone")

	fb2, err := pool.FixPage(kernel.InvalidTxnID, pageB, false)
	require.NoError(t, err)
	require.Equal(t, beforeB, fb2.Buf, "uncommitted write must be undone")
}

func TestCheckpointRecordsActiveTxns(t *testing.T) {
	lm, pool := newTestRig(t)
	txn := kernel.TxnID(7)
	require.NoError(t, lm.LogBegin(txn))
	require.NoError(t, lm.LogCheckpoint(pool))
	require.Contains(t, lm.ActiveTxns(), txn)

	var recorded []CheckpointEntry
	require.NoError(t, lm.scan(0, lm.CurrentOffset(), func(_ uint64, rec Record) error {
		if rec.Type == RecCheckpoint {
			recorded = rec.ActiveTxns
		}
		return nil
	}))
	require.Equal(t, []CheckpointEntry{{TxnID: txn, FirstLogOffset: 0}}, recorded)
}

func TestResetPreservesInMemoryState(t *testing.T) {
	lm, _ := newTestRig(t)
	txn := kernel.TxnID(3)
	require.NoError(t, lm.LogBegin(txn))

	offsetBefore := lm.CurrentOffset()
	lm.Reset()
	require.Contains(t, lm.ActiveTxns(), txn, "Reset must not clear active-txn bookkeeping")
	require.Equal(t, offsetBefore, lm.CurrentOffset())
}

func TestColdStartClearsActiveTxns(t *testing.T) {
	lm, _ := newTestRig(t)
	txn := kernel.TxnID(3)
	require.NoError(t, lm.LogBegin(txn))

	lm.ColdStart()
	require.Empty(t, lm.ActiveTxns())
}
