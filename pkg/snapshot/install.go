package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrOutOfOrderChunk is returned by Installer.WriteChunk when a chunk's
// offset does not match the installer's expected next offset (SPEC_FULL.md
// §10, "Snapshot chunk transfer accounting": install_snapshot{offset,
// data, done} in spec.md §6 made concrete).
var ErrOutOfOrderChunk = errors.New("snapshot: out-of-order install chunk")

// Installer receives a peer-streamed snapshot install (spec.md §4.4
// "install(meta, stream) for receiver-side snapshot transfer"), tracking
// received byte offsets so a retried or reordered chunk is rejected
// rather than silently corrupting the file.
type Installer struct {
	store      *Store
	meta       Meta
	f          *os.File
	tmpPath    string
	nextOffset uint64
	done       bool
}

// BeginInstall opens a temporary file to receive a snapshot's bytes for
// meta. While installing, the owning Raft server rejects normal appends
// (spec.md §4.5 role "receive_snapshot").
func (s *Store) BeginInstall(meta Meta) (*Installer, error) {
	tmp := snapshotFileName(meta.LastIndex, meta.LastTerm) + ".install"
	path := filepath.Join(s.dir, tmp)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("snapshot: begin install: %w", err)
	}
	return &Installer{store: s, meta: meta, f: f, tmpPath: path}, nil
}

// WriteChunk appends one chunk of the install_snapshot stream at offset.
// On the chunk marked done, the file is fsynced, renamed into place and
// promoted as the group's live snapshot.
func (in *Installer) WriteChunk(offset uint64, data []byte, done bool) error {
	if in.done {
		return fmt.Errorf("snapshot: install already finished")
	}
	if offset != in.nextOffset {
		return ErrOutOfOrderChunk
	}
	if len(data) > 0 {
		if _, err := in.f.WriteAt(data, int64(offset)); err != nil {
			return fmt.Errorf("snapshot: write chunk at %d: %w", offset, err)
		}
		in.nextOffset += uint64(len(data))
	}
	if !done {
		return nil
	}

	if err := in.f.Sync(); err != nil {
		return fmt.Errorf("snapshot: fsync install: %w", err)
	}
	if err := in.f.Close(); err != nil {
		return fmt.Errorf("snapshot: close install: %w", err)
	}
	final := filepath.Join(in.store.dir, snapshotFileName(in.meta.LastIndex, in.meta.LastTerm))
	if err := os.Rename(in.tmpPath, final); err != nil {
		return fmt.Errorf("snapshot: finalize install: %w", err)
	}
	in.done = true

	return in.store.Promote(Handle{Path: final, Meta: in.meta})
}

// Abort discards a partially-received install, e.g. because the leader
// restarted the transfer from offset zero.
func (in *Installer) Abort() error {
	if in.done {
		return nil
	}
	in.f.Close()
	return os.Remove(in.tmpPath)
}

// ReceivedBytes reports how many bytes of the snapshot have been written
// so far, for progress reporting.
func (in *Installer) ReceivedBytes() uint64 {
	return in.nextOffset
}
