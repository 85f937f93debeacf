package segment

import (
	"os"
	"testing"
	"time"

	"github.com/cuemby/ravel/pkg/config"
	"github.com/cuemby/ravel/pkg/metrics"
	"github.com/cuemby/ravel/pkg/types"
	"github.com/cuemby/ravel/pkg/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryFrameRoundTrip(t *testing.T) {
	var entries = []types.Entry{
		{Index: 1, Term: 1, Kind: types.EntryNoop},
		{Index: 2, Term: 1, Kind: types.EntryUserCommand, Payload: []byte("hello")},
	}

	dir := t.TempDir()
	path := dir + "/test.segment"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	require.NoError(t, err)

	for _, e := range entries {
		_, err := frameEntry(f, e)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	rf, err := os.Open(path)
	require.NoError(t, err)
	defer rf.Close()

	for _, want := range entries {
		got, _, err := deframeEntry(rf)
		require.NoError(t, err)
		assert.Equal(t, want.Index, got.Index)
		assert.Equal(t, want.Payload, got.Payload)
	}
}

func TestWriterDemultiplexesAndSealsSegments(t *testing.T) {
	walDir := t.TempDir()
	segDir := t.TempDir()

	walCfg := config.DefaultWALConfig(walDir)
	walCfg.MaxBatchDelay = 2 * time.Millisecond
	walCfg.RolloverSize = 1 // force rollover after the first batch

	segCfg := config.DefaultSegmentConfig(segDir)
	segCfg.MaxSegmentBytes = 1 // force a seal after the first entry

	w, err := wal.Open(walCfg, metrics.NewWALMetrics(metrics.NewRegistry()), []types.GroupId{"g1"})
	require.NoError(t, err)
	defer w.Close()

	sw, err := Open(segCfg, metrics.NewSegmentMetrics(metrics.NewRegistry()), w.Sealed())
	require.NoError(t, err)
	defer sw.Close()

	require.NoError(t, w.Append("g1", types.Entry{Index: 1, Term: 1, Kind: types.EntryNoop}))

	select {
	case n := <-sw.Notices():
		assert.Equal(t, types.GroupId("g1"), n.GroupID)
		assert.Equal(t, uint64(1), n.FirstIndex)
		assert.Equal(t, uint64(1), n.LastIndex)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for segment notice")
	}
}
