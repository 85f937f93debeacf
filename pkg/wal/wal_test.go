package wal

import (
	"bytes"
	"testing"
	"time"

	"github.com/cuemby/ravel/pkg/config"
	"github.com/cuemby/ravel/pkg/metrics"
	"github.com/cuemby/ravel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		entry types.Entry
	}{
		{"empty payload", types.Entry{Index: 1, Term: 1, Kind: types.EntryNoop}},
		{"user command", types.Entry{Index: 42, Term: 3, Kind: types.EntryUserCommand, Payload: []byte("put k v")}},
		{"cluster config", types.Entry{Index: 7, Term: 2, Kind: types.EntryClusterConfig, Payload: []byte(`{"servers":[]}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			_, err := frameRecord(&buf, 0xDEADBEEF, tt.entry)
			require.NoError(t, err)

			rec, _, err := deframeRecord(&buf)
			require.NoError(t, err)
			assert.Equal(t, uint64(0xDEADBEEF), rec.GroupHash)
			assert.Equal(t, tt.entry.Index, rec.Entry.Index)
			assert.Equal(t, tt.entry.Term, rec.Entry.Term)
			assert.Equal(t, tt.entry.Kind, rec.Entry.Kind)
			assert.Equal(t, tt.entry.Payload, rec.Entry.Payload)
		})
	}
}

func TestFrameDetectsChecksumCorruption(t *testing.T) {
	var buf bytes.Buffer
	_, err := frameRecord(&buf, 1, types.Entry{Index: 1, Term: 1, Kind: types.EntryNoop, Payload: []byte("x")})
	require.NoError(t, err)

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF // flip a bit in the checksum

	_, _, err = deframeRecord(bytes.NewReader(raw))
	var mismatch errChecksumMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func newTestWriter(t *testing.T, groups ...types.GroupId) *Writer {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultWALConfig(dir)
	cfg.MaxBatchDelay = 5 * time.Millisecond
	cfg.MaxBatchRecords = 4
	cfg.RolloverSize = 1 << 20

	reg := metrics.NewRegistry()
	w, err := Open(cfg, metrics.NewWALMetrics(reg), groups)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestAppendRejectsIndexGap(t *testing.T) {
	w := newTestWriter(t, "g1")

	err := w.Append("g1", types.Entry{Index: 1, Term: 1, Kind: types.EntryNoop})
	require.NoError(t, err)

	err = w.Append("g1", types.Entry{Index: 3, Term: 1, Kind: types.EntryNoop})
	require.Error(t, err)
	var ravelErr *types.Error
	require.ErrorAs(t, err, &ravelErr)
	assert.Equal(t, types.ErrIndexGap, ravelErr.Kind)
}

func TestAppendPublishesDurabilityNotice(t *testing.T) {
	w := newTestWriter(t, "g1")
	sub := w.Subscribe("g1")

	require.NoError(t, w.Append("g1", types.Entry{Index: 1, Term: 1, Kind: types.EntryNoop}))

	select {
	case n := <-sub:
		assert.Equal(t, types.GroupId("g1"), n.GroupID)
		assert.Equal(t, uint64(1), n.UpToIndex)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for durability notice")
	}
}

func TestRecoversNextIndexAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultWALConfig(dir)
	cfg.MaxBatchDelay = 5 * time.Millisecond
	reg := metrics.NewRegistry()

	w, err := Open(cfg, metrics.NewWALMetrics(reg), []types.GroupId{"g1"})
	require.NoError(t, err)

	require.NoError(t, w.Append("g1", types.Entry{Index: 1, Term: 1, Kind: types.EntryNoop}))
	sub := w.Subscribe("g1")
	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for durability")
	}
	require.NoError(t, w.Close())

	w2, err := Open(cfg, metrics.NewWALMetrics(metrics.NewRegistry()), []types.GroupId{"g1"})
	require.NoError(t, err)
	defer w2.Close()

	// index 1 was already durable, so the writer must now expect index 2.
	err = w2.Append("g1", types.Entry{Index: 1, Term: 1, Kind: types.EntryNoop})
	require.Error(t, err)

	require.NoError(t, w2.Append("g1", types.Entry{Index: 2, Term: 1, Kind: types.EntryNoop}))
}
