package grouplog

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ravel/pkg/config"
	"github.com/cuemby/ravel/pkg/metrics"
	"github.com/cuemby/ravel/pkg/segment"
	"github.com/cuemby/ravel/pkg/types"
	"github.com/cuemby/ravel/pkg/wal"
)

// harness wires a real wal.Writer + segment.Writer for one group, the
// same way pkg/engine will, so the log's absorbSegment path exercises
// actual sealed segments rather than a fake notice.
type harness struct {
	w  *wal.Writer
	sw *segment.Writer
	l  *Log
}

func newHarness(t *testing.T, groupID types.GroupId, segBytes int64) *harness {
	t.Helper()
	walDir, segDir := t.TempDir(), t.TempDir()

	walCfg := config.DefaultWALConfig(walDir)
	walCfg.MaxBatchDelay = 2 * time.Millisecond
	walCfg.RolloverSize = 1 // force rollover after every batch, so segments fill fast

	segCfg := config.DefaultSegmentConfig(segDir)
	segCfg.MaxSegmentBytes = segBytes

	w, err := wal.Open(walCfg, metrics.NewWALMetrics(metrics.NewRegistry()), []types.GroupId{groupID})
	require.NoError(t, err)

	sw, err := segment.Open(segCfg, metrics.NewSegmentMetrics(metrics.NewRegistry()), w.Sealed())
	require.NoError(t, err)

	// A single-group harness can hand the segment writer's shared
	// notices channel straight to the log: Log.run already skips notices
	// for other groups, and pkg/engine is what demultiplexes it across groups
	// in the real multi-group node.
	l := Open(groupID, w, sw.Notices(), InitialState{})

	h := &harness{w: w, sw: sw, l: l}
	t.Cleanup(func() {
		l.Close()
		_ = sw.Close()
		_ = w.Close()
	})
	return h
}

func TestAppendFetchRoundTripsThroughHotCache(t *testing.T) {
	h := newHarness(t, "g1", 1<<20) // large enough that nothing seals mid-test

	entry := types.Entry{Index: 1, Term: 1, Kind: types.EntryUserCommand, Payload: []byte("hello")}
	require.NoError(t, h.l.Append(entry))

	got, status := h.l.Fetch(1)
	require.Equal(t, StatusFound, status)
	assert.Equal(t, entry.Payload, got.Payload)

	idx, term := h.l.LastIndexTerm()
	assert.Equal(t, uint64(1), idx)
	assert.Equal(t, uint64(1), term)
	assert.Equal(t, uint64(2), h.l.NextIndex())
}

func TestAppendRejectsIndexGap(t *testing.T) {
	h := newHarness(t, "g1", 1<<20)
	require.NoError(t, h.l.Append(types.Entry{Index: 1, Term: 1, Kind: types.EntryNoop}))

	err := h.l.Append(types.Entry{Index: 3, Term: 1, Kind: types.EntryNoop})
	require.Error(t, err)
	var ravelErr *types.Error
	require.ErrorAs(t, err, &ravelErr)
	assert.Equal(t, types.ErrIndexGap, ravelErr.Kind)
}

func TestFetchResolvesFromSealedSegmentAfterHotCacheRelease(t *testing.T) {
	h := newHarness(t, "g1", 1) // seal after every entry

	require.NoError(t, h.l.Append(types.Entry{Index: 1, Term: 1, Kind: types.EntryUserCommand, Payload: []byte("a")}))

	require.Eventually(t, func() bool {
		_, inHot := h.l.st.Load().hot.Get(1)
		return !inHot
	}, 2*time.Second, 5*time.Millisecond, "entry 1 must be released from the hot cache once sealed")

	got, status := h.l.Fetch(1)
	require.Equal(t, StatusFound, status)
	assert.Equal(t, []byte("a"), got.Payload)
}

func TestTruncateFromRemovesHotCacheSuffix(t *testing.T) {
	h := newHarness(t, "g1", 1<<20)
	require.NoError(t, h.l.Append(types.Entry{Index: 1, Term: 1, Kind: types.EntryNoop}))
	require.NoError(t, h.l.Append(types.Entry{Index: 2, Term: 1, Kind: types.EntryNoop}))
	require.NoError(t, h.l.Append(types.Entry{Index: 3, Term: 1, Kind: types.EntryNoop}))

	h.l.TruncateFrom(2)

	_, status := h.l.Fetch(1)
	assert.Equal(t, StatusFound, status)
	_, status = h.l.Fetch(2)
	assert.Equal(t, StatusMissing, status)
	assert.Equal(t, uint64(2), h.l.NextIndex())

	// The log accepts a fresh entry at the truncated index, as a follower
	// overwriting a conflicting suffix would.
	require.NoError(t, h.l.Append(types.Entry{Index: 2, Term: 2, Kind: types.EntryNoop}))
	got, status := h.l.Fetch(2)
	require.Equal(t, StatusFound, status)
	assert.Equal(t, uint64(2), got.Term)
}

func TestFetchResolvesPostTruncationEntryAfterItIsSealed(t *testing.T) {
	h := newHarness(t, "g1", 1) // seal after every entry

	require.NoError(t, h.l.Append(types.Entry{Index: 1, Term: 1, Kind: types.EntryUserCommand, Payload: []byte("a")}))
	require.Eventually(t, func() bool {
		_, status := h.l.Fetch(1)
		return status == StatusFound
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.l.Append(types.Entry{Index: 2, Term: 1, Kind: types.EntryUserCommand, Payload: []byte("b")}))
	require.Eventually(t, func() bool {
		_, status := h.l.Fetch(2)
		_, inHot := h.l.st.Load().hot.Get(2)
		return status == StatusFound && !inHot
	}, 2*time.Second, 5*time.Millisecond)

	// A follower discovers a conflicting suffix and truncates from index 2,
	// discarding the now-sealed entry above even though its bytes still sit
	// in a segment on disk.
	h.l.TruncateFrom(2)
	_, status := h.l.Fetch(2)
	require.Equal(t, StatusMissing, status)

	// The leader resends a different entry at index 2. It is appended,
	// observed from the hot cache, then sealed into a brand-new segment —
	// this must stay fetchable forever after, not just until it falls out
	// of the hot cache (spec.md §8 scenario 4).
	require.NoError(t, h.l.Append(types.Entry{Index: 2, Term: 2, Kind: types.EntryUserCommand, Payload: []byte("c")}))
	got, status := h.l.Fetch(2)
	require.Equal(t, StatusFound, status)
	assert.Equal(t, []byte("c"), got.Payload)

	require.Eventually(t, func() bool {
		e, status := h.l.Fetch(2)
		_, inHot := h.l.st.Load().hot.Get(2)
		return status == StatusFound && e.Term == 2 && !inHot
	}, 2*time.Second, 5*time.Millisecond)

	got, status = h.l.Fetch(2)
	require.Equal(t, StatusFound, status)
	assert.Equal(t, uint64(2), got.Term)
	assert.Equal(t, []byte("c"), got.Payload)
}

func TestInstallSnapshotResetsBoundary(t *testing.T) {
	h := newHarness(t, "g1", 1<<20)
	require.NoError(t, h.l.Append(types.Entry{Index: 1, Term: 1, Kind: types.EntryNoop}))

	h.l.InstallSnapshot(SnapshotBoundary{LastIndex: 10, LastTerm: 3})

	_, status := h.l.Fetch(1)
	assert.Equal(t, StatusCompacted, status)
	_, status = h.l.Fetch(10)
	assert.Equal(t, StatusCompacted, status)
	assert.Equal(t, uint64(11), h.l.NextIndex())

	idx, term := h.l.LastIndexTerm()
	assert.Equal(t, uint64(10), idx)
	assert.Equal(t, uint64(3), term)
}

func TestUpdateReleaseCursorDeletesSealedSegmentsBelowCursor(t *testing.T) {
	h := newHarness(t, "g1", 1) // seal after every entry

	require.NoError(t, h.l.Append(types.Entry{Index: 1, Term: 1, Kind: types.EntryUserCommand, Payload: []byte("a")}))
	var segPath string
	require.Eventually(t, func() bool {
		_, status := h.l.Fetch(1)
		seg, sealed := h.l.st.Load().segmentFor(1)
		segPath = seg.Path
		return status == StatusFound && sealed
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.l.UpdateReleaseCursor(2))

	_, status := h.l.Fetch(1)
	assert.Equal(t, StatusCompacted, status)
	_, err := os.Stat(segPath)
	assert.True(t, os.IsNotExist(err), "the sealed segment below the cursor must be unlinked")
}
