package bufferpool

import "github.com/tuannm99/duskdb/internal/kernel"

// Frame owns a fixed-size byte buffer plus the metadata the pool needs to
// track it (spec section 3). Frames are allocated once at pool construction
// and never reallocated — FrameID is a stable index into the pool for the
// frame's entire lifetime.
type Frame struct {
	PageID  kernel.PageID
	FrameID int
	Buf     []byte
	Dirty   bool
}

func newFrame(id int, pageSize int) *Frame {
	return &Frame{
		PageID:  kernel.InvalidPageID,
		FrameID: id,
		Buf:     make([]byte, pageSize),
		Dirty:   false,
	}
}
