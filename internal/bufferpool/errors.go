package bufferpool

import "errors"

// ErrBufferFull is returned by FixPage when no free frame is available and
// the requested page is not already resident (spec section 4.2, "Eviction").
// The instructional default has no eviction policy: it fails closed.
var ErrBufferFull = errors.New("bufferpool: no free frame available for a fresh page")
