package logmgr

import (
	"errors"
	"hash/crc32"

	"github.com/tuannm99/duskdb/internal/kernel"
	"github.com/tuannm99/duskdb/pkg/bx"
)

// RecordType tags the log record union (spec section 4.5: "the log record
// is represented as a tagged union").
type RecordType uint32

const (
	_ RecordType = iota
	RecBegin
	RecUpdate
	RecCommit
	RecAbort
	RecCheckpoint
)

var (
	ErrBadCRC    = errors.New("logmgr: record failed crc check")
	ErrBadRecord = errors.New("logmgr: malformed record")
	ErrShortRead = errors.New("logmgr: torn tail record")
)

// CheckpointEntry is one (txn_id, first_log_offset) pair carried by a
// CHECKPOINT record (spec section 4.5).
type CheckpointEntry struct {
	TxnID          kernel.TxnID
	FirstLogOffset uint64
}

// Record is the tagged union of spec section 4.5. Only the fields relevant
// to Type are populated; UPDATE-only fields are never conflated with the
// common header (spec section 9).
type Record struct {
	Type  RecordType
	TxnID kernel.TxnID

	// UPDATE only.
	PageID kernel.PageID
	Offset uint64
	Before []byte
	After  []byte

	// CHECKPOINT only.
	ActiveTxns []CheckpointEntry
}

// headerFixedSize is length(4) + crc(4) + type(4) + txn_id(8).
const headerFixedSize = 4 + 4 + 4 + 8

// encode serializes r to its on-disk form. The leading length+crc framing is
// an implementation detail that lets Recover detect a torn tail record
// (spec section 4.5, "Failure semantics") without changing the semantic
// field layout spec section 4.5 describes.
func (r Record) encode() []byte {
	payload := r.encodePayload()
	total := headerFixedSize + len(payload)

	buf := make([]byte, total)
	off := 4 // length written last
	bx.PutU32At(buf, off, uint32(0))
	off += 4 // crc written last
	bx.PutU32At(buf, off, uint32(r.Type))
	off += 4
	bx.PutU64At(buf, off, uint64(r.TxnID))
	off += 8
	copy(buf[off:], payload)

	bx.PutU32At(buf, 0, uint32(total))
	crc := crc32.ChecksumIEEE(buf[8:])
	bx.PutU32At(buf, 4, crc)
	return buf
}

func (r Record) encodePayload() []byte {
	switch r.Type {
	case RecUpdate:
		length := len(r.Before)
		buf := make([]byte, 8+8+8+length+length)
		off := 0
		bx.PutU64At(buf, off, uint64(r.PageID))
		off += 8
		bx.PutU64At(buf, off, uint64(length))
		off += 8
		bx.PutU64At(buf, off, r.Offset)
		off += 8
		copy(buf[off:], r.Before)
		off += length
		copy(buf[off:], r.After)
		return buf
	case RecCheckpoint:
		buf := make([]byte, 8+len(r.ActiveTxns)*16)
		bx.PutU64At(buf, 0, uint64(len(r.ActiveTxns)))
		off := 8
		for _, e := range r.ActiveTxns {
			bx.PutU64At(buf, off, uint64(e.TxnID))
			bx.PutU64At(buf, off+8, e.FirstLogOffset)
			off += 16
		}
		return buf
	default:
		return nil
	}
}

// decodeRecord parses one record out of buf (buf must hold exactly one
// record's worth of bytes, including the length+crc framing).
func decodeRecord(buf []byte) (Record, error) {
	if len(buf) < headerFixedSize {
		return Record{}, ErrBadRecord
	}
	wantCRC := bx.U32At(buf, 4)
	gotCRC := crc32.ChecksumIEEE(buf[8:])
	if gotCRC != wantCRC {
		return Record{}, ErrBadCRC
	}

	rec := Record{
		Type:  RecordType(bx.U32At(buf, 8)),
		TxnID: kernel.TxnID(bx.U64At(buf, 12)),
	}
	payload := buf[headerFixedSize:]

	switch rec.Type {
	case RecUpdate:
		if len(payload) < 24 {
			return Record{}, ErrBadRecord
		}
		rec.PageID = kernel.PageID(bx.U64At(payload, 0))
		length := bx.U64At(payload, 8)
		rec.Offset = bx.U64At(payload, 16)
		if uint64(len(payload)) < 24+length+length {
			return Record{}, ErrBadRecord
		}
		rec.Before = append([]byte(nil), payload[24:24+length]...)
		rec.After = append([]byte(nil), payload[24+length:24+length+length]...)
	case RecCheckpoint:
		if len(payload) < 8 {
			return Record{}, ErrBadRecord
		}
		count := bx.U64At(payload, 0)
		if uint64(len(payload)) < 8+count*16 {
			return Record{}, ErrBadRecord
		}
		rec.ActiveTxns = make([]CheckpointEntry, count)
		off := 8
		for i := range rec.ActiveTxns {
			rec.ActiveTxns[i] = CheckpointEntry{
				TxnID:          kernel.TxnID(bx.U64At(payload, off)),
				FirstLogOffset: bx.U64At(payload, off+8),
			}
			off += 16
		}
	}
	return rec, nil
}
