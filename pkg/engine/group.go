package engine

import (
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuemby/ravel/pkg/apply"
	"github.com/cuemby/ravel/pkg/config"
	"github.com/cuemby/ravel/pkg/events"
	"github.com/cuemby/ravel/pkg/grouplog"
	"github.com/cuemby/ravel/pkg/log"
	"github.com/cuemby/ravel/pkg/metrics"
	"github.com/cuemby/ravel/pkg/raft"
	"github.com/cuemby/ravel/pkg/segment"
	"github.com/cuemby/ravel/pkg/snapshot"
	"github.com/cuemby/ravel/pkg/types"
)

// GroupSpec names everything the host process must supply to open one
// group: it is the part of a group's identity that cannot be recovered
// from disk alone (spec.md leaves the state machine and bootstrap
// configuration entirely to the host).
type GroupSpec struct {
	ID   types.GroupId
	Self types.ServerId

	// Bootstrap is used when the group has neither a promoted snapshot nor
	// a cluster-config entry among the entries the WAL replays at startup,
	// as for a brand-new group. Config entries already moved into
	// segments are not consulted.
	Bootstrap types.ClusterConfig

	StateMachine types.StateMachine
	InitConfig   any

	RaftConfig       *config.RaftConfig
	MembershipConfig *config.MembershipConfig
}

// Group is one running group's handle: its Raft server, log, snapshot
// store and apply loop, plus the plumbing the engine uses to route
// segment notices and mailbox sends to it.
type Group struct {
	id   types.GroupId
	self types.ServerId

	srv  *raft.Server
	log  *grouplog.Log
	snap *snapshot.Store
	loop *apply.Loop

	segCh   chan segment.Notice
	mailbox chan []byte
}

// OpenGroup starts a group on this node: fresh, if spec.ID has never
// been seen before, or recovered from its on-disk log/snapshot otherwise.
func (e *Engine) OpenGroup(spec GroupSpec) (*Group, error) {
	e.mu.Lock()
	if _, exists := e.groups[spec.ID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine: group %s already open", spec.ID)
	}
	e.mu.Unlock()

	segCh := make(chan segment.Notice, 64)

	recovered := make([]types.Entry, 0)
	for _, r := range e.wal.Recovered() {
		if r.GroupID == spec.ID {
			recovered = append(recovered, r.Entry)
		}
	}

	snapMeta, hasSnap, err := e.meta.LoadSnapshotMeta(string(spec.ID))
	if err != nil {
		return nil, fmt.Errorf("engine: load snapshot meta for %s: %w", spec.ID, err)
	}

	boundary := grouplog.SnapshotBoundary{}
	initialConfig := spec.Bootstrap
	if hasSnap {
		boundary = grouplog.SnapshotBoundary{LastIndex: snapMeta.LastIndex, LastTerm: snapMeta.LastTerm}
		initialConfig = snapMeta.Config
	}
	if cfg, ok := lastClusterConfig(recovered); ok {
		initialConfig = cfg
	}

	snapCfg := config.DefaultSnapshotConfig(filepath.Join(e.dataDir, "snapshots", string(spec.ID)))
	snapStore, err := snapshot.Open(snapCfg, spec.ID, e.meta)
	if err != nil {
		return nil, fmt.Errorf("engine: open snapshot store for %s: %w", spec.ID, err)
	}

	gl := grouplog.Open(spec.ID, e.wal, segCh, grouplog.InitialState{Snapshot: boundary, Replayed: recovered})

	groupReg := prometheus.WrapRegistererWith(prometheus.Labels{"group": string(spec.ID)}, e.registry)
	raftMetrics := metrics.NewRaftMetrics(groupReg)
	applyMetrics := metrics.NewApplyMetrics(groupReg)

	raftCfg := config.DefaultRaftConfig()
	if spec.RaftConfig != nil {
		raftCfg = *spec.RaftConfig
	}
	memberCfg := config.DefaultMembershipConfig()
	if spec.MembershipConfig != nil {
		memberCfg = *spec.MembershipConfig
	}

	broker := events.NewBroker()
	broker.Start()

	srv := raft.New(spec.Self, initialConfig, raft.Options{
		Cfg:       raftCfg,
		MemberCfg: memberCfg,
		Log:       gl,
		Snap:      snapStore,
		Meta:      e.meta,
		Peers:     e.peers,
		Oracle:    e.oracle,
		Notify:    broker,
		Metrics:   raftMetrics,
	})

	g := &Group{
		id:      spec.ID,
		self:    spec.Self,
		srv:     srv,
		log:     gl,
		snap:    snapStore,
		segCh:   segCh,
		mailbox: make(chan []byte, 32),
	}

	loop, err := apply.New(apply.Options{
		ID:           spec.Self,
		Srv:          srv,
		Log:          gl,
		Snap:         snapStore,
		StateMachine: spec.StateMachine,
		InitConfig:   spec.InitConfig,
		Sink:         &groupSink{e: e, group: g},
		Metrics:      applyMetrics,
		RaftStats:    raftMetrics,
	})
	if err != nil {
		srv.Stop()
		gl.Close()
		return nil, fmt.Errorf("engine: start apply loop for %s: %w", spec.ID, err)
	}
	g.loop = loop

	e.mu.Lock()
	e.groups[spec.ID] = g
	e.mu.Unlock()

	if err := e.groupsReg.add(spec.ID); err != nil {
		log.Error("engine: persist group registry: " + err.Error())
	}

	return g, nil
}

// CloseGroup stops a running group without erasing its on-disk state —
// use DeleteGroup to additionally reclaim storage.
func (e *Engine) CloseGroup(id types.GroupId) error {
	e.mu.Lock()
	g, ok := e.groups[id]
	if ok {
		delete(e.groups, id)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: group %s not open", id)
	}
	e.closeGroupHandle(g)
	return nil
}

// DeleteGroup stops a group, deletes its metadata records (raft state,
// snapshot and checkpoint metadata, via pkg/storage.BoltStore.DeleteGroup)
// and drops it from the group registry. Its segment files and snapshot
// files are left on disk.
func (e *Engine) DeleteGroup(id types.GroupId) error {
	if err := e.CloseGroup(id); err != nil {
		return err
	}
	if err := e.meta.DeleteGroup(string(id)); err != nil {
		return fmt.Errorf("engine: delete group metadata for %s: %w", id, err)
	}
	if err := e.groupsReg.remove(id); err != nil {
		log.Error("engine: persist group registry: " + err.Error())
	}
	return nil
}

func (e *Engine) closeGroupHandle(g *Group) {
	g.loop.Stop()
	g.srv.Stop()
	g.log.Close()
}

// lastClusterConfig returns the newest EntryClusterConfig payload found
// in entries, if any — entries recovered from the WAL's hot cache may be
// ahead of the last promoted snapshot.
func lastClusterConfig(entries []types.Entry) (types.ClusterConfig, bool) {
	var (
		found bool
		best  types.Entry
		cfg   types.ClusterConfig
	)
	for _, e := range entries {
		if e.Kind != types.EntryClusterConfig {
			continue
		}
		if !found || e.Index > best.Index {
			best = e
			found = true
		}
	}
	if !found {
		return types.ClusterConfig{}, false
	}
	decoded, err := raft.DecodeClusterConfig(best.Payload)
	if err != nil {
		return types.ClusterConfig{}, false
	}
	cfg = decoded
	return cfg, true
}
