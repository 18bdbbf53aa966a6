package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tuannm99/duskdb/internal/kernel"
)

// FileManager opens segment files by decimal segment id and vends temporary
// files for the external sort (spec section 6 "External interfaces").
type FileManager struct {
	dir string
}

// NewFileManager roots all segment and temp files under dir, creating it if
// necessary.
func NewFileManager(dir string) (*FileManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create segment dir: %w", err)
	}
	return &FileManager{dir: dir}, nil
}

// SegmentPath returns the decimal-named path for a segment id.
func (fm *FileManager) SegmentPath(segment uint16) string {
	return filepath.Join(fm.dir, strconv.FormatUint(uint64(segment), 10))
}

// OpenSegment opens (creating if absent) the backing file for a segment id in
// read/write mode, per spec section 6: "filename = decimal segment id".
func (fm *FileManager) OpenSegment(segment uint16) (BlockFile, error) {
	f, err := os.OpenFile(fm.SegmentPath(segment), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open segment %d: %w", segment, err)
	}
	return newOSBlockFile(f, false), nil
}

// TempFile creates a new temporary BlockFile, used by extsort for chunk runs.
// Callers are responsible for removing it via RemoveTempFile once done.
func (fm *FileManager) TempFile() (BlockFile, string, error) {
	f, err := os.CreateTemp(fm.dir, "tmp-chunk-*")
	if err != nil {
		return nil, "", fmt.Errorf("storage: create temp file: %w", err)
	}
	return newOSBlockFile(f, false), f.Name(), nil
}

// RemoveTempFile deletes a temp file created by TempFile, ignoring a missing
// file (it may have already been cleaned up).
func RemoveTempFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove temp file: %w", err)
	}
	return nil
}

// PageOffset returns the byte offset of a page's in-segment index within its
// segment file, given a fixed page size.
func PageOffset(p kernel.PageID, pageSize int) int64 {
	return int64(p.Index()) * int64(pageSize)
}
