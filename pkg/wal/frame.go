package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/cuemby/ravel/pkg/types"
)

// recordVersion is the current WAL record format version (spec.md §6's
// framing `[u32 length][u8 version][u64 group_hash][u64 index][u64 term]
// [u8 kind][bytes payload][u32 crc32c]`).
const recordVersion = 1

// headerSize is everything before the variable-length payload:
// length(4) + version(1) + group_hash(8) + index(8) + term(8) + kind(1).
const headerSize = 4 + 1 + 8 + 8 + 8 + 1

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// errPartialFrame marks a frame that could not be fully read — the
// caller (crash recovery) truncates the file at this point rather than
// treating it as corruption (spec.md §4.1, "tail is truncated at the
// first corrupt or partial record").
type errPartialFrame struct {
	reason string
}

func (e errPartialFrame) Error() string { return "wal: partial frame: " + e.reason }

// errChecksumMismatch marks a fully-read frame whose crc32c does not
// match its payload.
type errChecksumMismatch struct {
	want, got uint32
}

func (e errChecksumMismatch) Error() string {
	return fmt.Sprintf("wal: checksum mismatch: want %08x got %08x", e.want, e.got)
}

// frameRecord encodes rec into the on-disk WAL record format and writes
// it to w. It returns the number of bytes written.
func frameRecord(w io.Writer, groupHash uint64, rec types.Entry) (int, error) {
	buf := make([]byte, headerSize+len(rec.Payload)+4)

	length := uint32(1 + 8 + 8 + 8 + 1 + len(rec.Payload)) // everything crc32c covers
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = recordVersion
	binary.BigEndian.PutUint64(buf[5:13], groupHash)
	binary.BigEndian.PutUint64(buf[13:21], rec.Index)
	binary.BigEndian.PutUint64(buf[21:29], rec.Term)
	buf[29] = byte(rec.Kind)
	copy(buf[30:30+len(rec.Payload)], rec.Payload)

	crc := crc32.Checksum(buf[4:30+len(rec.Payload)], crcTable)
	binary.BigEndian.PutUint32(buf[30+len(rec.Payload):], crc)

	n, err := w.Write(buf)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, errPartialFrame{reason: "torn write"}
	}
	return n, nil
}

// decodedRecord is a frame read back off disk, plus the raw group hash
// (the reader doesn't necessarily know the GroupId string behind it —
// that resolution happens via the generation's manifest).
type decodedRecord struct {
	GroupHash uint64
	Entry     types.Entry
}

// deframeRecord reads and validates a single record from r.
func deframeRecord(r io.Reader) (decodedRecord, int, error) {
	var lenBuf [4]byte
	n, err := io.ReadFull(r, lenBuf[:])
	if err != nil {
		if err == io.EOF {
			return decodedRecord{}, n, io.EOF
		}
		return decodedRecord{}, n, errPartialFrame{reason: "length"}
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 1+8+8+8+1 {
		return decodedRecord{}, n, errPartialFrame{reason: "length field too small"}
	}

	body := make([]byte, length)
	bn, err := io.ReadFull(r, body)
	n += bn
	if err != nil {
		return decodedRecord{}, n, errPartialFrame{reason: "body"}
	}

	var crcBuf [4]byte
	cn, err := io.ReadFull(r, crcBuf[:])
	n += cn
	if err != nil {
		return decodedRecord{}, n, errPartialFrame{reason: "checksum"}
	}
	wantCRC := binary.BigEndian.Uint32(crcBuf[:])

	gotCRC := crc32.Checksum(body, crcTable)
	if gotCRC != wantCRC {
		return decodedRecord{}, n, errChecksumMismatch{want: wantCRC, got: gotCRC}
	}

	version := body[0]
	if version != recordVersion {
		return decodedRecord{}, n, fmt.Errorf("wal: unsupported record version %d", version)
	}
	groupHash := binary.BigEndian.Uint64(body[1:9])
	index := binary.BigEndian.Uint64(body[9:17])
	term := binary.BigEndian.Uint64(body[17:25])
	kind := types.EntryKind(body[25])
	payload := append([]byte(nil), body[26:]...)

	return decodedRecord{
		GroupHash: groupHash,
		Entry: types.Entry{
			Index:   index,
			Term:    term,
			Kind:    kind,
			Payload: payload,
		},
	}, n, nil
}
