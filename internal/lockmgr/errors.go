package lockmgr

import "errors"

// ErrTxnAbort is returned when lock acquisition detects a waits-for cycle or
// times out; spec section 4.4 treats both as "presumed deadlock" and the
// caller must abort the transaction.
var ErrTxnAbort = errors.New("lockmgr: transaction must abort (deadlock or timeout)")
