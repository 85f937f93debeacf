package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/ravel/pkg/config"
	"github.com/cuemby/ravel/pkg/log"
	"github.com/cuemby/ravel/pkg/metrics"
	"github.com/cuemby/ravel/pkg/types"
)

// DurabilityNotice is published to a group once a batch containing its
// entries up to UpToIndex has been fsynced (spec.md §4.1).
type DurabilityNotice struct {
	GroupID   types.GroupId
	UpToIndex uint64
}

// RecoveredEntry is a hot-cache entry rebuilt from the tail WAL file at
// startup, re-offered to the owning group so it can reconstruct its
// in-memory cache (spec.md §4.1 "Entries beyond a group's current
// snapshot index are re-offered to each group's log").
type RecoveredEntry struct {
	GroupID types.GroupId
	Entry   types.Entry
}

type pendingAppend struct {
	groupID types.GroupId
	entry   types.Entry
}

// SealedFile is handed to the segment writer (C2) once a WAL file has
// been fsynced and closed.
type SealedFile struct {
	Manifest Manifest
}

// Writer is the node-wide singleton WAL writer (C1): one open
// append-only file, an internal batcher, and durability fan-out to
// every contributing group (spec.md §4.1, §5).
type Writer struct {
	cfg     config.WALConfig
	metrics *metrics.WALMetrics

	appendCh chan *pendingAppend
	sealedCh chan SealedFile
	closeCh  chan struct{}
	closeWg  sync.WaitGroup
	closeErr error

	mu        sync.Mutex
	nextIndex map[types.GroupId]uint64
	subs      map[types.GroupId][]chan DurabilityNotice
	hashIndex map[uint64]types.GroupId

	file         *os.File
	generation   uint64
	fileSize     int64
	groupsInFile map[uint64]*GroupRange

	recovered []RecoveredEntry
}

// Open opens (or creates) the WAL under cfg.Dir, performing crash
// recovery of the tail file. knownGroups resolves the group_hash values
// recovered from the tail back to their GroupId — groups created and
// appended to for the first time within the lost tail cannot be resolved
// and are skipped with a logged warning (an accepted limitation: the
// group itself will re-propose its initial entries once reattached).
func Open(cfg config.WALConfig, m *metrics.WALMetrics, knownGroups []types.GroupId) (*Writer, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	w := &Writer{
		cfg:          cfg,
		metrics:      m,
		appendCh:     make(chan *pendingAppend, cfg.QueueHighWaterMark),
		sealedCh:     make(chan SealedFile, 4),
		closeCh:      make(chan struct{}),
		nextIndex:    make(map[types.GroupId]uint64),
		subs:         make(map[types.GroupId][]chan DurabilityNotice),
		hashIndex:    make(map[uint64]types.GroupId),
		groupsInFile: make(map[uint64]*GroupRange),
	}
	for _, g := range knownGroups {
		w.hashIndex[groupHash(g)] = g
	}

	generations, err := listGenerations(cfg.Dir)
	if err != nil {
		return nil, err
	}

	if len(generations) == 0 {
		if err := w.openNewFile(0); err != nil {
			return nil, err
		}
	} else {
		tail := generations[len(generations)-1]
		for _, gen := range generations[:len(generations)-1] {
			if err := w.absorbSealedManifest(gen); err != nil {
				return nil, err
			}
		}
		if err := w.recoverTail(tail); err != nil {
			return nil, err
		}
	}

	w.closeWg.Add(1)
	go w.run()

	return w, nil
}

// Recovered returns the hot-cache entries rebuilt from the tail file at
// Open time. Callers (pkg/engine) consume this once at startup.
func (w *Writer) Recovered() []RecoveredEntry {
	return w.recovered
}

// Sealed returns the channel the segment writer (C2) consumes sealed
// WAL file manifests from.
func (w *Writer) Sealed() <-chan SealedFile {
	return w.sealedCh
}

// Append enqueues entry for groupID and returns once the record has been
// handed to the batcher — not once it is durable (spec.md §4.1). The
// caller must declare indexes in strict per-group order; a gap is a
// caller error and is fatal for the group, never silently dropped.
func (w *Writer) Append(groupID types.GroupId, entry types.Entry) error {
	w.mu.Lock()
	expected := w.nextIndex[groupID]
	if expected == 0 {
		expected = 1
	}
	if entry.Index != expected {
		w.mu.Unlock()
		return types.NewError(types.ErrIndexGap, fmt.Errorf(
			"group %s: append index %d, expected %d", groupID, entry.Index, expected))
	}
	w.nextIndex[groupID] = entry.Index + 1
	w.hashIndex[groupHash(groupID)] = groupID
	w.mu.Unlock()

	select {
	case w.appendCh <- &pendingAppend{groupID: groupID, entry: entry}:
		return nil
	case <-w.closeCh:
		return types.NewError(types.ErrWALUnavailable, errors.New("wal writer is closed"))
	}
}

// Subscribe returns a channel of durability notifications for groupID.
// The channel is buffered; a sufficiently backed-up subscriber is the
// caller's problem to drain, not the writer's to block on.
func (w *Writer) Subscribe(groupID types.GroupId) <-chan DurabilityNotice {
	ch := make(chan DurabilityNotice, 64)
	w.mu.Lock()
	w.subs[groupID] = append(w.subs[groupID], ch)
	w.mu.Unlock()
	return ch
}

// Close drains any buffered batch, fsyncs and closes the current file,
// and stops the writer. In-flight appends already enqueued are still
// fsynced (spec.md §5, "Cancellation"). The file is not sealed: no
// manifest is written and nothing is handed to the segment writer; the
// next Open recovers it as the tail.
func (w *Writer) Close() error {
	close(w.closeCh)
	w.closeWg.Wait()
	return w.closeErr
}

func (w *Writer) run() {
	defer w.closeWg.Done()

	var batch []*pendingAppend
	var batchBytes int
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	timerActive := false

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.flushBatch(batch); err != nil {
			w.closeErr = err
			log.Error(fmt.Sprintf("wal: flush failed: %v", err))
		}
		batch = nil
		batchBytes = 0
	}

	for {
		select {
		case pa := <-w.appendCh:
			batch = append(batch, pa)
			batchBytes += headerSize + 4 + len(pa.entry.Payload)
			if !timerActive {
				timer.Reset(w.cfg.MaxBatchDelay)
				timerActive = true
			}
			if len(batch) >= w.cfg.MaxBatchRecords || batchBytes >= w.cfg.MaxBatchBytes {
				if timerActive && !timer.Stop() {
					<-timer.C
				}
				timerActive = false
				flush()
			}
		case <-timer.C:
			timerActive = false
			flush()
		case <-w.closeCh:
			// Drain whatever is already enqueued before exiting.
			for {
				select {
				case pa := <-w.appendCh:
					batch = append(batch, pa)
				default:
					flush()
					if w.file != nil {
						_ = w.file.Sync()
						_ = w.file.Close()
					}
					return
				}
			}
		}
	}
}

func (w *Writer) flushBatch(batch []*pendingAppend) error {
	lastIndexInBatch := make(map[types.GroupId]uint64, len(batch))

	for _, pa := range batch {
		h := groupHash(pa.groupID)
		if _, err := frameRecord(w.file, h, pa.entry); err != nil {
			return types.NewError(types.ErrWALUnavailable, fmt.Errorf("wal: write: %w", err))
		}
		w.fileSize += int64(headerSize + 4 + len(pa.entry.Payload))
		lastIndexInBatch[pa.groupID] = pa.entry.Index

		gr, ok := w.groupsInFile[h]
		if !ok {
			gr = &GroupRange{GroupID: pa.groupID, FirstIndex: pa.entry.Index}
			w.groupsInFile[h] = gr
		}
		gr.LastIndex = pa.entry.Index
	}

	start := time.Now()
	if err := w.file.Sync(); err != nil {
		return types.NewError(types.ErrWALUnavailable, fmt.Errorf("wal: fsync: %w", err))
	}
	if w.metrics != nil {
		w.metrics.FsyncSeconds.Observe(time.Since(start).Seconds())
		w.metrics.BatchesFlushed.Inc()
		w.metrics.RecordsWritten.Add(float64(len(batch)))
	}

	for groupID, upTo := range lastIndexInBatch {
		w.mu.Lock()
		subs := append([]chan DurabilityNotice(nil), w.subs[groupID]...)
		w.mu.Unlock()
		for _, sub := range subs {
			select {
			case sub <- DurabilityNotice{GroupID: groupID, UpToIndex: upTo}:
			default:
				// Slow subscriber: it will catch up via its own next
				// fetch from the group log; durability notices are a
				// liveliness signal, not the source of truth.
			}
		}
	}

	if w.fileSize >= w.cfg.RolloverSize {
		return w.rollover()
	}
	return nil
}

func (w *Writer) rollover() error {
	if w.metrics != nil {
		w.metrics.Rollovers.Inc()
	}

	ranges := make([]GroupRange, 0, len(w.groupsInFile))
	for _, gr := range w.groupsInFile {
		ranges = append(ranges, *gr)
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].GroupID < ranges[j].GroupID })

	path := w.file.Name()
	if err := w.file.Sync(); err != nil {
		return types.NewError(types.ErrWALUnavailable, err)
	}
	if err := w.file.Close(); err != nil {
		return types.NewError(types.ErrWALUnavailable, err)
	}

	m := Manifest{Generation: w.generation, Path: path, Groups: ranges}
	if err := writeManifest(path, m); err != nil {
		return types.NewError(types.ErrWALUnavailable, fmt.Errorf("wal: write manifest: %w", err))
	}

	select {
	case w.sealedCh <- SealedFile{Manifest: m}:
	case <-w.closeCh:
	}

	return w.openNewFile(w.generation + 1)
}

func (w *Writer) openNewFile(generation uint64) error {
	path := generationPath(w.cfg.Dir, generation)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return types.NewError(types.ErrWALUnavailable, fmt.Errorf("wal: create %s: %w", path, err))
	}
	w.file = f
	w.generation = generation
	w.fileSize = 0
	w.groupsInFile = make(map[uint64]*GroupRange)
	return nil
}

// absorbSealedManifest folds a previously-sealed generation's manifest
// into nextIndex bookkeeping without re-reading the file's payload.
func (w *Writer) absorbSealedManifest(generation uint64) error {
	path := generationPath(w.cfg.Dir, generation)
	m, err := readManifest(path)
	if err != nil {
		// A sealed file with no manifest (writer crashed between close
		// and manifest write) is logically still the tail; treat it as
		// such by refusing to skip past it silently.
		return types.NewError(types.ErrLogCorrupt, fmt.Errorf("wal: missing manifest for sealed file %s: %w", path, err))
	}
	for _, gr := range m.Groups {
		if w.nextIndex[gr.GroupID] <= gr.LastIndex {
			w.nextIndex[gr.GroupID] = gr.LastIndex + 1
		}
	}
	return nil
}

// recoverTail reopens the newest WAL file for append, replaying its
// records to rebuild nextIndex and the hot-cache recovery set, and
// truncating at the first corrupt or partial record (spec.md §4.1).
func (w *Writer) recoverTail(generation uint64) error {
	path := generationPath(w.cfg.Dir, generation)

	// A manifest for the "tail" generation means it was actually sealed
	// right before the process exited; the true tail is the next,
	// not-yet-created generation.
	if _, err := os.Stat(manifestPath(path)); err == nil {
		if err := w.absorbSealedManifest(generation); err != nil {
			return err
		}
		return w.openNewFile(generation + 1)
	}

	rf, err := os.Open(path)
	if err != nil {
		return types.NewError(types.ErrWALUnavailable, fmt.Errorf("wal: open tail %s: %w", path, err))
	}

	var validBytes int64
	groupsSeen := make(map[uint64]*GroupRange)
	for {
		rec, n, err := deframeRecord(rf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			var partial errPartialFrame
			var checksum errChecksumMismatch
			if errors.As(err, &partial) {
				// io.ReadFull hit EOF before the frame's length, body or
				// crc could be fully read: the file genuinely ends here,
				// so there is nothing further to scan for.
				if w.metrics != nil {
					w.metrics.RecoveryTruncate.Inc()
				}
				break
			}
			if errors.As(err, &checksum) {
				// Unlike a partial frame, this one was fully read — its
				// length, body and crc fields were all present, only the
				// crc didn't match. A torn write can only ever leave a
				// partial frame at the very end of the file, so if a
				// further well-formed record follows, this isn't a torn
				// tail write at all: it's mid-file corruption, and
				// truncating here would silently drop already-committed
				// entries (spec.md §4.1 only sanctions truncating the
				// tail). rf's position already sits at the next record's
				// start, since the failed read consumed every byte of
				// this one.
				if _, _, peekErr := deframeRecord(rf); peekErr == nil {
					rf.Close()
					return types.NewError(types.ErrLogCorrupt, fmt.Errorf(
						"wal: checksum mismatch at offset %d in %s is followed by a well-formed record; refusing to truncate mid-file corruption", validBytes, path))
				}
				if w.metrics != nil {
					w.metrics.RecoveryTruncate.Inc()
				}
				break
			}
			rf.Close()
			return types.NewError(types.ErrLogCorrupt, fmt.Errorf("wal: recover tail %s: %w", path, err))
		}
		validBytes += int64(n)

		gr, ok := groupsSeen[rec.GroupHash]
		if !ok {
			gr = &GroupRange{FirstIndex: rec.Entry.Index}
			groupsSeen[rec.GroupHash] = gr
		}
		gr.LastIndex = rec.Entry.Index

		if gid, known := w.hashIndex[rec.GroupHash]; known {
			gr.GroupID = gid
			if w.nextIndex[gid] <= rec.Entry.Index {
				w.nextIndex[gid] = rec.Entry.Index + 1
			}
			w.recovered = append(w.recovered, RecoveredEntry{GroupID: gid, Entry: rec.Entry})
		} else {
			log.Error(fmt.Sprintf("wal: recovered record for unknown group hash %x at index %d; dropping from replay", rec.GroupHash, rec.Entry.Index))
		}
	}
	rf.Close()

	if err := os.Truncate(path, validBytes); err != nil {
		return types.NewError(types.ErrWALUnavailable, fmt.Errorf("wal: truncate tail %s: %w", path, err))
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return types.NewError(types.ErrWALUnavailable, fmt.Errorf("wal: reopen tail %s: %w", path, err))
	}
	w.file = f
	w.generation = generation
	w.fileSize = validBytes
	for h, gr := range groupsSeen {
		if gr.GroupID != "" {
			w.groupsInFile[h] = gr
		}
	}
	return nil
}

func listGenerations(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: list dir: %w", err)
	}
	var gens []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".wal") {
			continue
		}
		gen, err := strconv.ParseUint(strings.TrimSuffix(filepath.Base(name), ".wal"), 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, gen)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}
