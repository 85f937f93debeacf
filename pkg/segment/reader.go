package segment

import (
	"fmt"
	"os"

	"github.com/cuemby/ravel/pkg/types"
)

// Reader provides random-access reads of a sealed segment file via its
// companion offset index, for the per-group log (C3) to resolve reads
// that have fallen out of the hot cache.
type Reader struct {
	f    *os.File
	meta Meta
}

// OpenReader opens a sealed segment and its companion index file.
func OpenReader(segmentFile string) (*Reader, error) {
	meta, err := ReadMeta(segmentFile)
	if err != nil {
		return nil, fmt.Errorf("segment: read meta: %w", err)
	}
	f, err := os.Open(segmentFile)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", segmentFile, err)
	}
	return &Reader{f: f, meta: meta}, nil
}

// Meta returns the segment's index range and group.
func (r *Reader) Meta() Meta {
	return r.meta
}

// Fetch returns the entry at index, or false if index falls outside
// this segment's range.
func (r *Reader) Fetch(index uint64) (types.Entry, bool, error) {
	offset, ok := r.offsetFor(index)
	if !ok {
		return types.Entry{}, false, nil
	}
	if _, err := r.f.Seek(offset, 0); err != nil {
		return types.Entry{}, false, fmt.Errorf("segment: seek: %w", err)
	}
	entry, _, err := deframeEntry(r.f)
	if err != nil {
		return types.Entry{}, false, types.NewError(types.ErrLogCorrupt, err)
	}
	return entry, true, nil
}

// offsetFor binary-searches the entry-offset index.
func (r *Reader) offsetFor(index uint64) (int64, bool) {
	lo, hi := 0, len(r.meta.Offsets)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch {
		case r.meta.Offsets[mid].Index == index:
			return r.meta.Offsets[mid].Offset, true
		case r.meta.Offsets[mid].Index < index:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return 0, false
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}
