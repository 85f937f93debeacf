package grouplog

import (
	"github.com/benbjohnson/immutable"

	"github.com/cuemby/ravel/pkg/types"
)

// segmentRange is the per-group log's entry in its sealed-segment index
// (spec.md §4.3 tier 2), keyed by FirstIndex in the segments map. Seq is
// the state's segSeq counter value at the moment this segment was
// absorbed, letting a truncation shadow only the segments that existed
// at truncation time rather than every segment that will ever cover the
// truncated index range (see state.truncatedAtSeq).
type segmentRange struct {
	FirstIndex uint64
	LastIndex  uint64
	Path       string
	Seq        uint64
}

// state is the immutable snapshot swapped under writeMu on every
// mutation, and loaded without locking by readers (spec.md §5: "concurrent
// readers on behalf of the owning group ... see a consistent snapshot per
// event").
type state struct {
	hot      *immutable.SortedMap[uint64, types.Entry]
	segments *immutable.SortedMap[uint64, segmentRange]

	nextIndex uint64

	// snapshotLastIndex/Term mark the boundary below which entries are
	// unreadable except via the snapshot (spec.md §4.3 tier 3).
	snapshotLastIndex uint64
	snapshotLastTerm  uint64

	// segSeq counts segments absorbed into this log's segment index
	// (incremented in absorbSegment), stamping each segmentRange with the
	// sequence it was sealed at.
	segSeq uint64

	// truncatedFrom is the low-water mark of a truncate_from(i) call: any
	// segment that already existed at truncation time (Seq <=
	// truncatedAtSeq) is logically dead from truncatedFrom upward, even
	// though the bytes may still be on disk until the segment is itself
	// released (spec.md §4.3 "readers must consult the group's current
	// (index -> location) mapping, not the raw WAL"). A segment absorbed
	// *after* the truncation (Seq > truncatedAtSeq) covers committed,
	// post-truncation entries and is never shadowed — otherwise a fresh
	// append that lands on a previously-truncated index would become
	// permanently unreadable once it fell out of the hot cache (spec.md
	// §8 scenario 4).
	truncatedFrom  uint64
	truncatedAtSeq uint64
}

func newState() *state {
	return &state{
		hot:       &immutable.SortedMap[uint64, types.Entry]{},
		segments:  &immutable.SortedMap[uint64, segmentRange]{},
		nextIndex: 1,
	}
}

// segmentFor returns the sealed segment covering index, if any, honoring
// the truncation marker. Segments are keyed by FirstIndex and the map is
// small per group (sealed every MaxSegmentBytes/MaxSegmentIndexRange), so
// a linear scan in index order is cheap and avoids relying on iterator
// seek semantics.
func (s *state) segmentFor(index uint64) (segmentRange, bool) {
	it := s.segments.Iterator()
	for !it.Done() {
		_, v, _ := it.Next()
		if v.FirstIndex <= index && index <= v.LastIndex {
			if s.truncatedFrom != 0 && index >= s.truncatedFrom && v.Seq <= s.truncatedAtSeq {
				return segmentRange{}, false
			}
			return v, true
		}
	}
	return segmentRange{}, false
}
