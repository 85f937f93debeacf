package snapshot

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ravel/pkg/config"
	"github.com/cuemby/ravel/pkg/storage"
	"github.com/cuemby/ravel/pkg/types"
)

func newTestStore(t *testing.T) (*Store, storage.Store) {
	t.Helper()
	dir := t.TempDir()
	meta, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	s, err := Open(config.DefaultSnapshotConfig(dir), "g1", meta)
	require.NoError(t, err)
	return s, meta
}

func TestWritePromoteRecoverRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	meta := Meta{LastIndex: 10, LastTerm: 2, Config: types.ClusterConfig{Servers: []types.ServerId{{Group: "g1", Node: "n1"}}}}
	handle, err := s.Write(meta, []byte("state-v1"))
	require.NoError(t, err)

	_, _, ok, err := s.Recover()
	require.NoError(t, err)
	assert.False(t, ok, "unpromoted write must not be recoverable yet")

	require.NoError(t, s.Promote(handle))

	gotMeta, gotBytes, ok, err := s.Recover()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(10), gotMeta.LastIndex)
	assert.Equal(t, []byte("state-v1"), gotBytes)
}

func TestPromoteDeletesPriorSnapshotFile(t *testing.T) {
	s, _ := newTestStore(t)

	h1, err := s.Write(Meta{LastIndex: 5, LastTerm: 1}, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, s.Promote(h1))

	h2, err := s.Write(Meta{LastIndex: 20, LastTerm: 1}, []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, s.Promote(h2))

	_, err = os.ReadFile(h1.Path)
	assert.Error(t, err, "prior snapshot file should have been removed on promote")

	gotMeta, gotBytes, ok, err := s.Recover()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(20), gotMeta.LastIndex)
	assert.Equal(t, []byte("v2"), gotBytes)
}

func TestCheckpointIsIndependentOfSnapshot(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.WriteCheckpoint(Meta{LastIndex: 7, LastTerm: 1}, []byte("checkpoint-state")))

	_, _, snapOK, err := s.Recover()
	require.NoError(t, err)
	assert.False(t, snapOK, "a checkpoint must not itself promote a snapshot")

	gotMeta, gotBytes, ok, err := s.RecoverCheckpoint()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), gotMeta.LastIndex)
	assert.Equal(t, []byte("checkpoint-state"), gotBytes)
}

func TestInstallRejectsOutOfOrderChunk(t *testing.T) {
	s, _ := newTestStore(t)

	in, err := s.BeginInstall(Meta{LastIndex: 30, LastTerm: 2})
	require.NoError(t, err)

	require.NoError(t, in.WriteChunk(0, []byte("hello "), false))
	err = in.WriteChunk(100, []byte("world"), false)
	assert.ErrorIs(t, err, ErrOutOfOrderChunk)

	require.NoError(t, in.WriteChunk(6, []byte("world"), true))

	gotMeta, gotBytes, ok, err := s.Recover()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(30), gotMeta.LastIndex)
	assert.Equal(t, []byte("hello world"), gotBytes)
}
