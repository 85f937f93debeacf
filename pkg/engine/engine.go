package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuemby/ravel/pkg/config"
	"github.com/cuemby/ravel/pkg/log"
	"github.com/cuemby/ravel/pkg/metrics"
	"github.com/cuemby/ravel/pkg/raft"
	"github.com/cuemby/ravel/pkg/segment"
	"github.com/cuemby/ravel/pkg/storage"
	"github.com/cuemby/ravel/pkg/types"
	"github.com/cuemby/ravel/pkg/wal"
)

// GroupTransport names what the engine's groups need to exchange peer
// messages; liveness probing is the separate Options.Oracle. pkg/transport
// supplies the default
// implementation; tests use in-memory fakes.
type GroupTransport interface {
	raft.PeerChannel
}

// Options configures one node's Engine.
type Options struct {
	DataDir string
	NodeID  types.NodeAddr

	Peers  GroupTransport
	Oracle raft.LivenessOracle // optional

	// There is no application router option: an EffectSendMsg payload that
	// names a group hosted on this node goes to that group's mailbox
	// (groupSink.SendMsg). Cross-node send_msg targets are logged and
	// dropped — see DESIGN.md on why this module stops short of a full
	// cross-node application message bus.
}

// Engine owns the node-wide singletons (C1 WAL writer, C2 segment writer,
// shared metadata store, private metrics registry) and the registry of
// groups hosted on this node. One Engine per process, grounded on
// cuemby-warren's one-Manager-per-process shape in pkg/manager.
type Engine struct {
	dataDir string
	nodeID  types.NodeAddr

	peers  GroupTransport
	oracle raft.LivenessOracle

	registry *prometheus.Registry
	walM     *metrics.WALMetrics
	segM     *metrics.SegmentMetrics

	meta storage.Store
	wal  *wal.Writer
	seg  *segment.Writer

	groupsReg *groupRegistry

	mu     sync.Mutex
	groups map[types.GroupId]*Group

	demuxCloseCh chan struct{}
	demuxDoneCh  chan struct{}
}

// New opens every node-wide singleton and starts the segment-notice
// demultiplexer. It does not start any group — call OpenGroup once per
// group the host process wants running, including every group that was
// open at last shutdown (the host is the source of truth for each
// group's StateMachine and bootstrap configuration; only the set of
// group ids survives a restart on disk, via groupRegistry).
func New(opts Options) (*Engine, error) {
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data dir: %w", err)
	}

	groupsReg, err := openGroupRegistry(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("engine: load group registry: %w", err)
	}

	metaDir := filepath.Join(opts.DataDir, "meta")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create meta dir: %w", err)
	}
	metaStore, err := storage.NewBoltStore(metaDir)
	if err != nil {
		return nil, fmt.Errorf("engine: open metadata store: %w", err)
	}

	reg := metrics.NewRegistry()
	walM := metrics.NewWALMetrics(reg)
	segM := metrics.NewSegmentMetrics(reg)

	walCfg := config.DefaultWALConfig(filepath.Join(opts.DataDir, "wal"))
	w, err := wal.Open(walCfg, walM, groupsReg.list())
	if err != nil {
		_ = metaStore.Close()
		return nil, fmt.Errorf("engine: open wal: %w", err)
	}

	segCfg := config.DefaultSegmentConfig(filepath.Join(opts.DataDir, "segments"))
	sw, err := segment.Open(segCfg, segM, w.Sealed())
	if err != nil {
		_ = metaStore.Close()
		_ = w.Close()
		return nil, fmt.Errorf("engine: open segment writer: %w", err)
	}

	e := &Engine{
		dataDir:      opts.DataDir,
		nodeID:       opts.NodeID,
		peers:        opts.Peers,
		oracle:       opts.Oracle,
		registry:     reg,
		walM:         walM,
		segM:         segM,
		meta:         metaStore,
		wal:          w,
		seg:          sw,
		groupsReg:    groupsReg,
		groups:       make(map[types.GroupId]*Group),
		demuxCloseCh: make(chan struct{}),
		demuxDoneCh:  make(chan struct{}),
	}
	go e.demux()
	return e, nil
}

// Registry returns the engine's private metrics registry, so a host
// process may choose to wire its own exporter (spec.md §1: emission
// itself is out of scope, the registry is not).
func (e *Engine) Registry() *prometheus.Registry { return e.registry }

// Stop closes every open group, then every node-wide singleton.
func (e *Engine) Stop() {
	e.mu.Lock()
	groups := make([]*Group, 0, len(e.groups))
	for _, g := range e.groups {
		groups = append(groups, g)
	}
	e.mu.Unlock()

	for _, g := range groups {
		e.closeGroupHandle(g)
	}

	close(e.demuxCloseCh)
	<-e.demuxDoneCh

	if err := e.seg.Close(); err != nil {
		log.Error("engine: close segment writer: " + err.Error())
	}
	if err := e.wal.Close(); err != nil {
		log.Error("engine: close wal: " + err.Error())
	}
	if err := e.meta.Close(); err != nil {
		log.Error("engine: close metadata store: " + err.Error())
	}
}

// demux fans the node-wide segment writer's single Notices() channel out
// to each group's private grouplog.Log, the way pkg/grouplog.Open's doc
// comment describes this package's responsibility.
func (e *Engine) demux() {
	defer close(e.demuxDoneCh)
	for {
		select {
		case n, ok := <-e.seg.Notices():
			if !ok {
				return
			}
			e.mu.Lock()
			g, found := e.groups[n.GroupID]
			e.mu.Unlock()
			if !found {
				continue
			}
			select {
			case g.segCh <- n:
			case <-e.demuxCloseCh:
				return
			}
		case <-e.demuxCloseCh:
			return
		}
	}
}
