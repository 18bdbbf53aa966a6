// Package extsort implements a two-pass external merge sort over
// fixed-width 64-bit unsigned integers (spec section 4.1).
package extsort

import (
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/sourcegraph/conc"

	"github.com/tuannm99/duskdb/internal/storage"
)

// ErrMemBudgetTooSmall is returned when memBudget cannot even hold one
// 8-byte value (spec section 4.1, "Edge cases").
var ErrMemBudgetTooSmall = errors.New("extsort: mem_budget must hold at least one value")

// ErrShortInput is returned when input is shorter than nValues*8 bytes.
var ErrShortInput = errors.New("extsort: input file shorter than n_values*8 bytes")

const valueSize = 8

// TempFileFactory vends the chunk files used by the partition pass, matching
// spec section 6's "make_temporary_file" collaborator. Sort removes them
// itself through storage.RemoveTempFile and the returned path.
type TempFileFactory interface {
	TempFile() (storage.BlockFile, string, error)
}

// Sort reads nValues little-endian uint64s from input starting at byte 0,
// writes them in ascending order to output starting at byte 0 (resizing
// output to nValues*8 first), and removes every temporary chunk file it
// created along the way (spec section 4.1).
func Sort(input storage.BlockFile, nValues int, output storage.BlockFile, memBudget int, tmp TempFileFactory) error {
	if memBudget < valueSize {
		return ErrMemBudgetTooSmall
	}
	if err := output.Resize(int64(nValues) * valueSize); err != nil {
		return fmt.Errorf("extsort: resize output: %w", err)
	}
	if nValues == 0 {
		return nil
	}

	size, err := input.Size()
	if err != nil {
		return fmt.Errorf("extsort: input size: %w", err)
	}
	if size < int64(nValues)*valueSize {
		return ErrShortInput
	}

	chunkValues := memBudget / valueSize
	chunks, cleanup, err := partition(input, nValues, chunkValues, tmp)
	defer cleanup()
	if err != nil {
		return err
	}

	return merge(chunks, output)
}

type chunkFile struct {
	bf     storage.BlockFile
	path   string
	nItems int
}

// partition splits the input into ascending-sorted runs of at most
// chunkValues values each, written to temp files (spec section 4.1, step 1).
// Runs are sorted concurrently, one goroutine per chunk through a
// conc.WaitGroup, since the chunks are independent of one another and of I/O
// ordering.
func partition(input storage.BlockFile, nValues, chunkValues int, tmp TempFileFactory) ([]*chunkFile, func(), error) {
	nChunks := (nValues + chunkValues - 1) / chunkValues
	chunks := make([]*chunkFile, nChunks)

	cleanup := func() {
		for _, c := range chunks {
			if c == nil {
				continue
			}
			_ = c.bf.Close()
			_ = storage.RemoveTempFile(c.path)
		}
	}

	var wg conc.WaitGroup
	errs := make([]error, nChunks)

	for i := 0; i < nChunks; i++ {
		i := i
		start := i * chunkValues
		n := chunkValues
		if start+n > nValues {
			n = nValues - start
		}

		wg.Go(func() {
			c, err := sortChunk(input, start, n, tmp)
			if err != nil {
				errs[i] = err
				return
			}
			chunks[i] = c
		})
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return chunks, cleanup, err
		}
	}
	return chunks, cleanup, nil
}

func sortChunk(input storage.BlockFile, startValue, n int, tmp TempFileFactory) (*chunkFile, error) {
	buf := make([]byte, n*valueSize)
	if err := input.ReadBlock(int64(startValue)*valueSize, int64(len(buf)), buf); err != nil {
		return nil, fmt.Errorf("extsort: read chunk: %w", err)
	}

	values := make([]uint64, n)
	for i := range values {
		values[i] = binary.LittleEndian.Uint64(buf[i*valueSize:])
	}
	slices.Sort(values)

	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*valueSize:], v)
	}

	bf, path, err := tmp.TempFile()
	if err != nil {
		return nil, fmt.Errorf("extsort: create chunk file: %w", err)
	}
	if err := bf.Resize(int64(len(buf))); err != nil {
		_ = bf.Close()
		_ = storage.RemoveTempFile(path)
		return nil, fmt.Errorf("extsort: resize chunk file: %w", err)
	}
	if err := bf.WriteBlock(buf, 0); err != nil {
		_ = bf.Close()
		_ = storage.RemoveTempFile(path)
		return nil, fmt.Errorf("extsort: write chunk file: %w", err)
	}
	return &chunkFile{bf: bf, path: path, nItems: n}, nil
}

// heapItem is one candidate in the k-way merge's min-heap, keyed on
// (value, chunkID) so ties break on the lower chunk id for a stable merge
// (spec section 4.1, step 2).
type heapItem struct {
	value   uint64
	chunkID int
}

type minHeap []heapItem

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].value != h[j].value {
		return h[i].value < h[j].value
	}
	return h[i].chunkID < h[j].chunkID
}
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// merge runs the k-way min-heap merge over the sorted chunk runs, appending
// to output in ascending order (spec section 4.1, step 2).
func merge(chunks []*chunkFile, output storage.BlockFile) error {
	cursors := make([]int, len(chunks))
	h := make(minHeap, 0, len(chunks))

	readValue := func(chunkID, idx int) (uint64, error) {
		c := chunks[chunkID]
		buf := make([]byte, valueSize)
		if err := c.bf.ReadBlock(int64(idx)*valueSize, valueSize, buf); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(buf), nil
	}

	for id, c := range chunks {
		if c.nItems == 0 {
			continue
		}
		v, err := readValue(id, 0)
		if err != nil {
			return fmt.Errorf("extsort: seed heap: %w", err)
		}
		h = append(h, heapItem{value: v, chunkID: id})
		cursors[id] = 1
	}
	heap.Init(&h)

	outOffset := int64(0)
	outBuf := make([]byte, valueSize)
	for h.Len() > 0 {
		item := heap.Pop(&h).(heapItem)
		binary.LittleEndian.PutUint64(outBuf, item.value)
		if err := output.WriteBlock(outBuf, outOffset); err != nil {
			return fmt.Errorf("extsort: write output: %w", err)
		}
		outOffset += valueSize

		c := chunks[item.chunkID]
		if cursors[item.chunkID] < c.nItems {
			v, err := readValue(item.chunkID, cursors[item.chunkID])
			if err != nil {
				return fmt.Errorf("extsort: read next: %w", err)
			}
			cursors[item.chunkID]++
			heap.Push(&h, heapItem{value: v, chunkID: item.chunkID})
		}
	}
	return nil
}
