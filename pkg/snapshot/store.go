package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cuemby/ravel/pkg/config"
	"github.com/cuemby/ravel/pkg/storage"
	"github.com/cuemby/ravel/pkg/types"
)

// Meta is the (last_index, last_term, cluster_config) a snapshot or
// checkpoint was taken at (spec.md §4.4).
type Meta struct {
	LastIndex uint64
	LastTerm  uint64
	Config    types.ClusterConfig
}

// Handle identifies a snapshot written to disk but not yet necessarily
// promoted.
type Handle struct {
	Path string
	Meta Meta
}

// Store is the per-group snapshot store. It shares a single node-wide
// storage.Store (bbolt) for metadata the same way every group shares the
// node-wide WAL writer for data (spec.md §5's shared-singleton pattern,
// applied to metadata instead of the append log).
type Store struct {
	groupID types.GroupId
	dir     string
	retain  int
	meta    storage.Store
}

// Open prepares the per-group snapshot directory under cfg.Dir.
func Open(cfg config.SnapshotConfig, groupID types.GroupId, meta storage.Store) (*Store, error) {
	dir := filepath.Join(cfg.Dir, string(groupID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}
	retain := cfg.RetainCount
	if retain < 1 {
		retain = 1
	}
	return &Store{groupID: groupID, dir: dir, retain: retain, meta: meta}, nil
}

func snapshotFileName(index, term uint64) string {
	return fmt.Sprintf("snapshot-%020d-%020d.bin", index, term)
}

func checkpointFileName(index, term uint64) string {
	return fmt.Sprintf("checkpoint-%020d-%020d.bin", index, term)
}

// Write persists state bytes for meta to a new file under the group's
// directory, fsyncing before returning — "Snapshots are fsynced before
// promotion" (spec.md §4.4). The snapshot is not yet the group's live
// one; call Promote to make it so.
func (s *Store) Write(meta Meta, stateBytes []byte) (Handle, error) {
	path := filepath.Join(s.dir, snapshotFileName(meta.LastIndex, meta.LastTerm))
	if err := writeFileFsync(path, stateBytes); err != nil {
		return Handle{}, fmt.Errorf("snapshot: write: %w", err)
	}
	return Handle{Path: path, Meta: meta}, nil
}

// Promote records handle as the group's live snapshot, then deletes the
// previously-live snapshot file — in that order, so a crash mid-promote
// never leaves the group without a recoverable snapshot ("segment
// deletion follows promotion", spec.md §4.4, applied here to the old
// snapshot file itself).
func (s *Store) Promote(handle Handle) error {
	prior, hadPrior, err := s.meta.LoadSnapshotMeta(string(s.groupID))
	if err != nil {
		return fmt.Errorf("snapshot: load prior meta: %w", err)
	}

	if err := s.meta.SaveSnapshotMeta(string(s.groupID), storage.SnapshotMeta{
		LastIndex: handle.Meta.LastIndex,
		LastTerm:  handle.Meta.LastTerm,
		Config:    handle.Meta.Config,
		Path:      handle.Path,
	}); err != nil {
		return fmt.Errorf("snapshot: save meta: %w", err)
	}

	if hadPrior && prior.Path != handle.Path {
		_ = os.Remove(prior.Path)
	}
	return s.pruneExcess(handle.Path)
}

// pruneExcess keeps at most RetainCount snapshot files on disk (spec.md
// §4.4: "at most two snapshots"), deleting the oldest beyond that,
// excluding the freshly-promoted file.
func (s *Store) pruneExcess(keep string) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".bin" && len(e.Name()) > 9 && e.Name()[:9] == "snapshot-" {
			files = append(files, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Strings(files)
	excess := len(files) - s.retain
	for i := 0; i < excess; i++ {
		if files[i] == keep {
			continue
		}
		_ = os.Remove(files[i])
	}
	return nil
}

// Recover returns the group's live snapshot, if one has been promoted.
func (s *Store) Recover() (Meta, []byte, bool, error) {
	m, ok, err := s.meta.LoadSnapshotMeta(string(s.groupID))
	if err != nil {
		return Meta{}, nil, false, fmt.Errorf("snapshot: load meta: %w", err)
	}
	if !ok {
		return Meta{}, nil, false, nil
	}
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return Meta{}, nil, false, fmt.Errorf("snapshot: read %s: %w", m.Path, err)
	}
	return Meta{LastIndex: m.LastIndex, LastTerm: m.LastTerm, Config: m.Config}, data, true, nil
}

// WriteCheckpoint persists a checkpoint: a snapshot not yet promoted,
// used to bound apply-side buffering without authorizing log/segment
// deletion (spec.md §9, §4.4 — resolved as a distinct type from a
// promoted snapshot per SPEC_FULL.md §10).
func (s *Store) WriteCheckpoint(meta Meta, stateBytes []byte) error {
	path := filepath.Join(s.dir, checkpointFileName(meta.LastIndex, meta.LastTerm))
	if err := writeFileFsync(path, stateBytes); err != nil {
		return fmt.Errorf("snapshot: write checkpoint: %w", err)
	}

	prior, hadPrior, err := s.meta.LoadCheckpointMeta(string(s.groupID))
	if err != nil {
		return fmt.Errorf("snapshot: load prior checkpoint meta: %w", err)
	}
	if err := s.meta.SaveCheckpointMeta(string(s.groupID), storage.CheckpointMeta{
		LastIndex: meta.LastIndex,
		LastTerm:  meta.LastTerm,
		Config:    meta.Config,
		Path:      path,
	}); err != nil {
		return fmt.Errorf("snapshot: save checkpoint meta: %w", err)
	}
	if hadPrior && prior.Path != path {
		_ = os.Remove(prior.Path)
	}
	return nil
}

// RecoverCheckpoint returns the group's checkpoint, if any.
func (s *Store) RecoverCheckpoint() (Meta, []byte, bool, error) {
	m, ok, err := s.meta.LoadCheckpointMeta(string(s.groupID))
	if err != nil {
		return Meta{}, nil, false, fmt.Errorf("snapshot: load checkpoint meta: %w", err)
	}
	if !ok {
		return Meta{}, nil, false, nil
	}
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return Meta{}, nil, false, fmt.Errorf("snapshot: read checkpoint %s: %w", m.Path, err)
	}
	return Meta{LastIndex: m.LastIndex, LastTerm: m.LastTerm, Config: m.Config}, data, true, nil
}

func writeFileFsync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
