package wal

import (
	"io"
	"os"

	"github.com/cuemby/ravel/pkg/types"
)

// SealedReader reads the framed records of a sealed WAL file back out in
// append order, for the segment writer (C2) to demultiplex by group.
type SealedReader struct {
	f *os.File
}

// OpenSealedReader opens a sealed WAL file for sequential replay. The
// segment writer must process WAL files strictly in seal order but may
// read one file at a time with this reader (spec.md §4.2).
func OpenSealedReader(path string) (*SealedReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &SealedReader{f: f}, nil
}

// Next returns the next record in the file, or io.EOF once exhausted.
// A sealed file was fsynced in full before being handed off, so any
// decode error here (other than EOF) indicates on-disk corruption of
// data that was already supposed to be durable — fatal to the node.
func (r *SealedReader) Next() (groupHash uint64, entry types.Entry, err error) {
	rec, _, err := deframeRecord(r.f)
	if err != nil {
		if err == io.EOF {
			return 0, types.Entry{}, io.EOF
		}
		return 0, types.Entry{}, types.NewError(types.ErrLogCorrupt, err)
	}
	return rec.GroupHash, rec.Entry, nil
}

// Close releases the underlying file handle.
func (r *SealedReader) Close() error {
	return r.f.Close()
}
