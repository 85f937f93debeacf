package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
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

// captureStdout runs fn with os.Stdout redirected to a pipe and returns
// whatever it wrote.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fn()

	require.NoError(t, w.Close())
	os.Stdout = orig
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestInspectWALAndSegment(t *testing.T) {
	walDir := t.TempDir()
	segDir := t.TempDir()

	walCfg := config.DefaultWALConfig(walDir)
	walCfg.MaxBatchDelay = 2 * time.Millisecond
	walCfg.RolloverSize = 1

	segCfg := config.DefaultSegmentConfig(segDir)
	segCfg.MaxSegmentBytes = 1

	w, err := wal.Open(walCfg, metrics.NewWALMetrics(metrics.NewRegistry()), []types.GroupId{"g1"})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append("g1", types.Entry{Index: 1, Term: 1, Kind: types.EntryNoop, Payload: []byte("hi")}))

	// The segment writer deletes a sealed WAL file once its records are in
	// segments, so inspect the sealed file before starting the writer.
	require.Eventually(t, func() bool {
		manifests, _ := filepath.Glob(filepath.Join(walDir, "*.wal.manifest"))
		return len(manifests) > 0
	}, 2*time.Second, 5*time.Millisecond, "timed out waiting for the WAL file to seal")

	walFiles, err := filepath.Glob(filepath.Join(walDir, "*.wal"))
	require.NoError(t, err)
	require.NotEmpty(t, walFiles)

	out := captureStdout(t, func() {
		require.NoError(t, inspectWAL(walDir))
	})
	assert.Contains(t, out, "group=g1")
	assert.Contains(t, out, "1 record(s)")

	sw, err := segment.Open(segCfg, metrics.NewSegmentMetrics(metrics.NewRegistry()), w.Sealed())
	require.NoError(t, err)
	defer sw.Close()

	var segPath string
	select {
	case n := <-sw.Notices():
		segPath = n.Path
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for segment notice")
	}

	out = captureStdout(t, func() {
		require.NoError(t, inspectSegment(segPath))
	})
	assert.Contains(t, out, "group=g1")
	assert.Contains(t, out, "first_index=1")
}

func TestInspectSnapshotDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("snapshot-%020d-%020d.bin", 5, 2)), []byte("state"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("checkpoint-%020d-%020d.bin", 9, 3)), []byte("more-state"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not-a-snapshot.txt"), []byte("ignore me"), 0o600))

	out := captureStdout(t, func() {
		require.NoError(t, inspectSnapshotDir(dir))
	})
	assert.Contains(t, out, "snapshot")
	assert.Contains(t, out, "checkpoint")
	assert.Contains(t, out, "5")
	assert.Contains(t, out, "9")
}
