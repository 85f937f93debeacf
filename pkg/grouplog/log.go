package grouplog

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"

	"github.com/cuemby/ravel/pkg/segment"
	"github.com/cuemby/ravel/pkg/types"
	"github.com/cuemby/ravel/pkg/wal"
)

// FetchStatus is the tri-state result of Fetch/FetchTerm (spec.md §4.3:
// "fetch_term(index) -> term|missing|compacted").
type FetchStatus int

const (
	StatusFound FetchStatus = iota
	StatusMissing
	StatusCompacted
)

// SnapshotBoundary is the (index, term) pair a promoted or installed
// snapshot establishes as the new read floor.
type SnapshotBoundary struct {
	LastIndex uint64
	LastTerm  uint64
}

// Log is the per-group log façade (C3). A Log is owned by exactly one
// group's event loop (spec.md §5 "single-consumer state machine"): only
// that goroutine calls the mutating methods (Append, TruncateFrom,
// InstallSnapshot, UpdateReleaseCursor). Fetch/FetchTerm/LastIndexTerm/
// NextIndex may be called concurrently by any reader acting on behalf of
// the owning group, and always observe a consistent snapshot.
type Log struct {
	groupID types.GroupId
	wal     *wal.Writer

	writeMu sync.Mutex
	st      atomic.Pointer[state]

	segNotify <-chan segment.Notice
	closeCh   chan struct{}
	doneCh    chan struct{}

	readersMu sync.Mutex
	readers   map[string]*segment.Reader // segment path -> open reader, released on Close
}

// InitialState seeds a Log at Open time, e.g. from a recovered snapshot
// or from the hot-cache entries the WAL writer replayed at startup
// (wal.Writer.Recovered).
type InitialState struct {
	Snapshot SnapshotBoundary
	Replayed []types.Entry
}

// Open constructs the log for one group. segNotify is the group's private
// view of the node-wide segment writer's notification stream, filtered to
// this group's notices by the caller (pkg/engine demultiplexes the shared
// segment.Writer.Notices() channel per group).
func Open(groupID types.GroupId, w *wal.Writer, segNotify <-chan segment.Notice, initial InitialState) *Log {
	s := newState()
	s.snapshotLastIndex = initial.Snapshot.LastIndex
	s.snapshotLastTerm = initial.Snapshot.LastTerm
	s.nextIndex = initial.Snapshot.LastIndex + 1

	sort.Slice(initial.Replayed, func(i, j int) bool { return initial.Replayed[i].Index < initial.Replayed[j].Index })
	for _, e := range initial.Replayed {
		if e.Index <= s.snapshotLastIndex {
			continue
		}
		s.hot = s.hot.Set(e.Index, e)
		if e.Index >= s.nextIndex {
			s.nextIndex = e.Index + 1
		}
	}

	l := &Log{
		groupID:   groupID,
		wal:       w,
		segNotify: segNotify,
		closeCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
		readers:   make(map[string]*segment.Reader),
	}
	l.st.Store(s)

	go l.run()
	return l
}

func (l *Log) run() {
	defer close(l.doneCh)
	for {
		select {
		case n, ok := <-l.segNotify:
			if !ok {
				return
			}
			if n.GroupID != l.groupID {
				continue
			}
			l.absorbSegment(n)
		case <-l.closeCh:
			return
		}
	}
}

// absorbSegment releases hot-cache entries now durably present in a
// sealed segment and adds the segment to the log's segment index
// (spec.md §4.3: "Released when the segment writer reports the index is
// now in a segment").
func (l *Log) absorbSegment(n segment.Notice) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	old := l.st.Load()
	newHot := old.hot
	it := old.hot.Iterator()
	for !it.Done() {
		k, _, _ := it.Next()
		if k >= n.FirstIndex && k <= n.LastIndex {
			newHot = newHot.Delete(k)
		}
	}

	nextSeq := old.segSeq + 1
	newSegments := old.segments.Set(n.FirstIndex, segmentRange{
		FirstIndex: n.FirstIndex,
		LastIndex:  n.LastIndex,
		Path:       n.Path,
		Seq:        nextSeq,
	})

	next := *old
	next.hot = newHot
	next.segments = newSegments
	next.segSeq = nextSeq
	l.st.Store(&next)
}

// Append writes entry to the hot cache and forwards it to the node-wide
// WAL writer for durable, fsync-disciplined persistence (spec.md §4.1,
// §4.3). It returns once the entry is enqueued with the WAL writer, not
// once it is durable; durability is observed separately via the WAL
// writer's own subscription channel (owned by pkg/raft, which must see
// it before acknowledging I3).
func (l *Log) Append(entry types.Entry) error {
	l.writeMu.Lock()
	old := l.st.Load()
	if entry.Index != old.nextIndex {
		l.writeMu.Unlock()
		return types.NewError(types.ErrIndexGap, fmt.Errorf(
			"group %s: append index %d, expected %d", l.groupID, entry.Index, old.nextIndex))
	}

	next := *old
	next.hot = old.hot.Set(entry.Index, entry)
	next.nextIndex = entry.Index + 1
	l.st.Store(&next)
	l.writeMu.Unlock()

	return l.wal.Append(l.groupID, entry)
}

// Fetch resolves index from the hot cache, then the segment index, per
// spec.md §4.3's three-tier lookup order.
func (l *Log) Fetch(index uint64) (types.Entry, FetchStatus) {
	s := l.st.Load()
	if index <= s.snapshotLastIndex {
		return types.Entry{}, StatusCompacted
	}
	if e, ok := s.hot.Get(index); ok {
		return e, StatusFound
	}
	seg, ok := s.segmentFor(index)
	if !ok {
		return types.Entry{}, StatusMissing
	}
	e, found, err := l.fetchFromSegment(seg, index)
	if err != nil || !found {
		return types.Entry{}, StatusMissing
	}
	return e, StatusFound
}

// FetchTerm is Fetch narrowed to just the entry's term, per spec.md §4.3.
func (l *Log) FetchTerm(index uint64) (uint64, FetchStatus) {
	s := l.st.Load()
	if index == s.snapshotLastIndex {
		return s.snapshotLastTerm, StatusFound
	}
	if index < s.snapshotLastIndex {
		return 0, StatusCompacted
	}
	e, status := l.Fetch(index)
	if status != StatusFound {
		return 0, status
	}
	return e.Term, StatusFound
}

// LastIndexTerm returns the index and term of the most recent entry this
// log knows about, falling back to the snapshot boundary if the log is
// otherwise empty.
func (l *Log) LastIndexTerm() (uint64, uint64) {
	s := l.st.Load()
	if maxIdx, e, ok := maxHot(s.hot); ok {
		return maxIdx, e.Term
	}
	if maxIdx, seg, ok := maxSegment(s.segments); ok {
		e, found, err := l.fetchFromSegment(seg, maxIdx)
		if err == nil && found {
			return maxIdx, e.Term
		}
	}
	return s.snapshotLastIndex, s.snapshotLastTerm
}

// NextIndex returns the index the next Append call must use.
func (l *Log) NextIndex() uint64 {
	return l.st.Load().nextIndex
}

// Durability returns a channel of WAL durability notifications for this
// group, so the Raft server (C5) can satisfy I3 — acknowledging a
// proposer only once the WAL writer has fsynced a batch containing its
// entry — without depending on pkg/wal directly.
func (l *Log) Durability() <-chan wal.DurabilityNotice {
	return l.wal.Subscribe(l.groupID)
}

// TruncateFrom removes every hot-cache entry at or above index and marks
// any sealed-segment data at or above index as logically dead, for a
// follower overwriting a conflicting suffix (spec.md §4.3).
func (l *Log) TruncateFrom(index uint64) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	old := l.st.Load()
	newHot := &immutable.SortedMap[uint64, types.Entry]{}
	it := old.hot.Iterator()
	for !it.Done() {
		k, v, _ := it.Next()
		if k < index {
			newHot = newHot.Set(k, v)
		}
	}

	next := *old
	next.hot = newHot
	next.nextIndex = index
	if next.truncatedFrom == 0 || index < next.truncatedFrom {
		next.truncatedFrom = index
	}
	// Every segment absorbed up to and including this moment is subject
	// to shadowing; segments absorbed afterward hold entries this
	// truncation cannot have written (they don't exist yet), so they
	// must never be shadowed by it.
	if old.segSeq > next.truncatedAtSeq {
		next.truncatedAtSeq = old.segSeq
	}
	l.st.Store(&next)
}

// InstallSnapshot applies a receiver-side installed snapshot (spec.md
// §4.3/§4.4): everything at or below the snapshot's last index becomes
// unreadable except via the snapshot itself, and the log resumes
// appending right after it.
func (l *Log) InstallSnapshot(boundary SnapshotBoundary) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	next := newState()
	next.snapshotLastIndex = boundary.LastIndex
	next.snapshotLastTerm = boundary.LastTerm
	next.nextIndex = boundary.LastIndex + 1
	l.st.Store(next)
}

// UpdateReleaseCursor is the sole mechanism that physically frees
// segments (spec.md §4.3): every sealed segment whose LastIndex is below
// index is dropped from the segment index and unlinked from disk, and the
// read boundary advances to cover it. Callers are expected to have
// already durably persisted a snapshot at or past index (spec.md §4.4).
func (l *Log) UpdateReleaseCursor(index uint64) error {
	l.writeMu.Lock()
	old := l.st.Load()
	var toDelete []segmentRange
	newSegments := old.segments
	it := old.segments.Iterator()
	for !it.Done() {
		k, v, _ := it.Next()
		if v.LastIndex < index {
			toDelete = append(toDelete, v)
			newSegments = newSegments.Delete(k)
		}
	}

	newHot := old.hot
	hit := old.hot.Iterator()
	for !hit.Done() {
		k, _, _ := hit.Next()
		if k < index {
			newHot = newHot.Delete(k)
		}
	}

	next := *old
	next.hot = newHot
	next.segments = newSegments
	if index > next.snapshotLastIndex {
		// FetchTerm keeps answering for the boundary entry itself, so carry
		// its real term over; old still holds it (only entries below index
		// were dropped above).
		if t, st := l.FetchTerm(index); st == StatusFound {
			next.snapshotLastTerm = t
		}
		next.snapshotLastIndex = index
	}
	l.st.Store(&next)
	l.writeMu.Unlock()

	l.readersMu.Lock()
	for _, seg := range toDelete {
		if r, ok := l.readers[seg.Path]; ok {
			r.Close()
			delete(l.readers, seg.Path)
		}
	}
	l.readersMu.Unlock()

	for _, seg := range toDelete {
		if err := segment.Remove(seg.Path); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) fetchFromSegment(seg segmentRange, index uint64) (types.Entry, bool, error) {
	l.readersMu.Lock()
	r, ok := l.readers[seg.Path]
	if !ok {
		var err error
		r, err = segment.OpenReader(seg.Path)
		if err != nil {
			l.readersMu.Unlock()
			return types.Entry{}, false, err
		}
		l.readers[seg.Path] = r
	}
	l.readersMu.Unlock()
	return r.Fetch(index)
}

// Close stops the log's background segment-notice consumer and releases
// any open segment readers.
func (l *Log) Close() {
	close(l.closeCh)
	<-l.doneCh
	l.readersMu.Lock()
	for path, r := range l.readers {
		r.Close()
		delete(l.readers, path)
	}
	l.readersMu.Unlock()
}

func maxHot(m *immutable.SortedMap[uint64, types.Entry]) (uint64, types.Entry, bool) {
	if m.Len() == 0 {
		return 0, types.Entry{}, false
	}
	it := m.Iterator()
	it.Last()
	k, v, ok := it.Next()
	return k, v, ok
}

// maxSegment returns the segment whose FirstIndex sorts last — since
// segments never overlap, that is also the segment with the highest
// LastIndex.
func maxSegment(m *immutable.SortedMap[uint64, segmentRange]) (uint64, segmentRange, bool) {
	if m.Len() == 0 {
		return 0, segmentRange{}, false
	}
	it := m.Iterator()
	it.Last()
	_, v, ok := it.Next()
	return v.LastIndex, v, ok
}
