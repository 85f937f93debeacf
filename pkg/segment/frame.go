package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/cuemby/ravel/pkg/types"
)

// A segment file is per-group, so its record framing drops the
// group_hash carried in WAL records: [u32 length][u64 index][u64 term]
// [u8 kind][bytes payload][u32 crc32c] (spec.md §3 "Segment file").
const entryHeaderSize = 4 + 8 + 8 + 1

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type errPartialEntry struct{ reason string }

func (e errPartialEntry) Error() string { return "segment: partial entry: " + e.reason }

type errChecksumMismatch struct{ want, got uint32 }

func (e errChecksumMismatch) Error() string {
	return fmt.Sprintf("segment: checksum mismatch: want %08x got %08x", e.want, e.got)
}

// frameEntry writes entry to w and returns the number of bytes written.
func frameEntry(w io.Writer, entry types.Entry) (int, error) {
	buf := make([]byte, entryHeaderSize+len(entry.Payload)+4)

	length := uint32(8 + 8 + 1 + len(entry.Payload))
	binary.BigEndian.PutUint32(buf[0:4], length)
	binary.BigEndian.PutUint64(buf[4:12], entry.Index)
	binary.BigEndian.PutUint64(buf[12:20], entry.Term)
	buf[20] = byte(entry.Kind)
	copy(buf[21:21+len(entry.Payload)], entry.Payload)

	crc := crc32.Checksum(buf[4:21+len(entry.Payload)], crcTable)
	binary.BigEndian.PutUint32(buf[21+len(entry.Payload):], crc)

	n, err := w.Write(buf)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, errPartialEntry{reason: "torn write"}
	}
	return n, nil
}

// deframeEntry reads a single entry from r.
func deframeEntry(r io.Reader) (types.Entry, int, error) {
	var lenBuf [4]byte
	n, err := io.ReadFull(r, lenBuf[:])
	if err != nil {
		if err == io.EOF {
			return types.Entry{}, n, io.EOF
		}
		return types.Entry{}, n, errPartialEntry{reason: "length"}
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 8+8+1 {
		return types.Entry{}, n, errPartialEntry{reason: "length field too small"}
	}

	body := make([]byte, length)
	bn, err := io.ReadFull(r, body)
	n += bn
	if err != nil {
		return types.Entry{}, n, errPartialEntry{reason: "body"}
	}

	var crcBuf [4]byte
	cn, err := io.ReadFull(r, crcBuf[:])
	n += cn
	if err != nil {
		return types.Entry{}, n, errPartialEntry{reason: "checksum"}
	}
	wantCRC := binary.BigEndian.Uint32(crcBuf[:])
	gotCRC := crc32.Checksum(body, crcTable)
	if gotCRC != wantCRC {
		return types.Entry{}, n, errChecksumMismatch{want: wantCRC, got: gotCRC}
	}

	index := binary.BigEndian.Uint64(body[0:8])
	term := binary.BigEndian.Uint64(body[8:16])
	kind := types.EntryKind(body[16])
	payload := append([]byte(nil), body[17:]...)

	return types.Entry{Index: index, Term: term, Kind: kind, Payload: payload}, n, nil
}
