// Package segment implements the node-wide segment writer (C2): it
// consumes sealed WAL files strictly in seal order, demultiplexes their
// records by group into per-group immutable segment files, and deletes
// the WAL file only once every record has been flushed to a segment and
// fsynced (spec.md §4.2).
package segment

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cuemby/ravel/pkg/config"
	"github.com/cuemby/ravel/pkg/log"
	"github.com/cuemby/ravel/pkg/metrics"
	"github.com/cuemby/ravel/pkg/types"
	"github.com/cuemby/ravel/pkg/wal"
)

// Notice is published whenever a group's segment seals, giving the
// group's log (C3) a new, durable segment to read from and eventually
// release its hot-cache entries for.
type Notice struct {
	GroupID    types.GroupId
	Path       string
	FirstIndex uint64
	LastIndex  uint64
}

type groupState struct {
	generation uint64
	file       *os.File
	size       int64
	firstIndex uint64
	lastIndex  uint64
	offsets    []EntryOffset
}

// Writer is the node-wide singleton segment writer.
type Writer struct {
	cfg     config.SegmentConfig
	metrics *metrics.SegmentMetrics
	sealed  <-chan wal.SealedFile

	notices chan Notice
	closeCh chan struct{}
	doneCh  chan struct{}

	mu       sync.Mutex
	fatalErr error

	groups         map[types.GroupId]*groupState
	nextGeneration map[types.GroupId]uint64
}

// Open starts the segment writer, consuming sealed WAL files from
// sealed as they arrive. It processes files strictly in the order they
// are received, which is the order the WAL writer seals them in
// (spec.md §4.2, "must process WAL files strictly in seal order").
func Open(cfg config.SegmentConfig, m *metrics.SegmentMetrics, sealed <-chan wal.SealedFile) (*Writer, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("segment: create dir: %w", err)
	}

	w := &Writer{
		cfg:            cfg,
		metrics:        m,
		sealed:         sealed,
		notices:        make(chan Notice, 64),
		closeCh:        make(chan struct{}),
		doneCh:         make(chan struct{}),
		groups:         make(map[types.GroupId]*groupState),
		nextGeneration: make(map[types.GroupId]uint64),
	}

	go w.run()
	return w, nil
}

// Notices returns the channel of segment-sealed notifications.
func (w *Writer) Notices() <-chan Notice {
	return w.notices
}

// Close stops the segment writer. Any WAL file already being processed
// is allowed to finish before the writer exits.
func (w *Writer) Close() error {
	close(w.closeCh)
	<-w.doneCh
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatalErr
}

func (w *Writer) run() {
	defer close(w.doneCh)
	for {
		select {
		case sf, ok := <-w.sealed:
			if !ok {
				return
			}
			if err := w.processSealedFile(sf); err != nil {
				w.mu.Lock()
				w.fatalErr = err
				w.mu.Unlock()
				log.Error(fmt.Sprintf("segment: fatal error processing %s: %v", sf.Manifest.Path, err))
				return
			}
		case <-w.closeCh:
			return
		}
	}
}

// processSealedFile demultiplexes one sealed WAL file into per-group
// segments, fsyncs every segment it touched, and deletes the WAL file
// and its manifest once that durability is established.
func (w *Writer) processSealedFile(sf wal.SealedFile) error {
	reader, err := wal.OpenSealedReader(sf.Manifest.Path)
	if err != nil {
		return fmt.Errorf("segment: open sealed file: %w", err)
	}
	defer reader.Close()

	hashToGroup := make(map[uint64]types.GroupId, len(sf.Manifest.Groups))
	for _, gr := range sf.Manifest.Groups {
		hashToGroup[wal.GroupHash(gr.GroupID)] = gr.GroupID
	}

	touched := make(map[types.GroupId]bool)

	for {
		hash, entry, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("segment: demux %s: %w", sf.Manifest.Path, err)
		}

		groupID, ok := hashToGroup[hash]
		if !ok {
			log.Error(fmt.Sprintf("segment: record for unknown group hash %x in %s; dropping", hash, sf.Manifest.Path))
			continue
		}

		if err := w.appendToGroupSegment(groupID, entry); err != nil {
			return err
		}
		touched[groupID] = true
		if w.metrics != nil {
			w.metrics.RecordsDemuxed.Inc()
		}
	}

	for groupID := range touched {
		gs := w.groups[groupID]
		if gs == nil {
			continue // already sealed mid-stream, already fsynced
		}
		start := time.Now()
		if err := gs.file.Sync(); err != nil {
			return fmt.Errorf("segment: fsync open segment for %s: %w", groupID, err)
		}
		if w.metrics != nil {
			w.metrics.FlushSeconds.Observe(time.Since(start).Seconds())
		}
	}

	if err := os.Remove(sf.Manifest.Path); err != nil {
		return fmt.Errorf("segment: delete wal file: %w", err)
	}
	_ = os.Remove(sf.Manifest.Path + ".manifest")
	if w.metrics != nil {
		w.metrics.WALFilesDeleted.Inc()
	}
	return nil
}

func (w *Writer) appendToGroupSegment(groupID types.GroupId, entry types.Entry) error {
	gs, ok := w.groups[groupID]
	if !ok {
		generation := w.nextGeneration[groupID]
		var err error
		gs, err = w.openNewSegment(groupID, generation)
		if err != nil {
			return err
		}
		w.groups[groupID] = gs
		w.nextGeneration[groupID] = generation + 1
	}

	offset := gs.size
	n, err := frameEntry(gs.file, entry)
	if err != nil {
		return fmt.Errorf("segment: write entry for %s: %w", groupID, err)
	}
	gs.offsets = append(gs.offsets, EntryOffset{Index: entry.Index, Offset: offset})
	gs.size += int64(n)
	if gs.firstIndex == 0 {
		gs.firstIndex = entry.Index
	}
	gs.lastIndex = entry.Index

	indexRange := gs.lastIndex - gs.firstIndex + 1
	if gs.size >= w.cfg.MaxSegmentBytes || indexRange >= w.cfg.MaxSegmentIndexRange {
		if err := w.sealSegment(groupID, gs); err != nil {
			return err
		}
		delete(w.groups, groupID)
	}
	return nil
}

func (w *Writer) openNewSegment(groupID types.GroupId, generation uint64) (*groupState, error) {
	dir := groupDir(w.cfg.Dir, groupID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("segment: create group dir: %w", err)
	}
	path := segmentPath(w.cfg.Dir, groupID, generation)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("segment: create %s: %w", path, err)
	}
	return &groupState{generation: generation, file: f}, nil
}

func (w *Writer) sealSegment(groupID types.GroupId, gs *groupState) error {
	start := time.Now()
	if err := gs.file.Sync(); err != nil {
		return fmt.Errorf("segment: fsync %s: %w", gs.file.Name(), err)
	}
	path := gs.file.Name()
	if err := gs.file.Close(); err != nil {
		return fmt.Errorf("segment: close %s: %w", path, err)
	}

	meta := Meta{
		GroupID:    groupID,
		Path:       path,
		FirstIndex: gs.firstIndex,
		LastIndex:  gs.lastIndex,
		Offsets:    gs.offsets,
	}
	if err := writeMeta(path, meta); err != nil {
		return fmt.Errorf("segment: write meta for %s: %w", path, err)
	}

	if w.metrics != nil {
		w.metrics.FlushSeconds.Observe(time.Since(start).Seconds())
		w.metrics.SegmentsSealed.Inc()
	}

	select {
	case w.notices <- Notice{GroupID: groupID, Path: path, FirstIndex: gs.firstIndex, LastIndex: gs.lastIndex}:
	case <-w.closeCh:
	}
	return nil
}
