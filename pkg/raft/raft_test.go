package raft

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ravel/pkg/config"
	"github.com/cuemby/ravel/pkg/events"
	"github.com/cuemby/ravel/pkg/grouplog"
	"github.com/cuemby/ravel/pkg/metrics"
	"github.com/cuemby/ravel/pkg/segment"
	"github.com/cuemby/ravel/pkg/snapshot"
	"github.com/cuemby/ravel/pkg/storage"
	"github.com/cuemby/ravel/pkg/types"
	"github.com/cuemby/ravel/pkg/wal"
)

// memNetwork is an in-memory PeerChannel fabric for scenario tests:
// message delivery is just a Deliver call on the destination server, with
// optional per-server partitioning to simulate scenario 3/4/6's network
// splits (spec.md §8).
type memNetwork struct {
	mu      sync.Mutex
	servers map[types.ServerId]*Server
	cut     map[types.ServerId]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{servers: map[types.ServerId]*Server{}, cut: map[types.ServerId]bool{}}
}

func (n *memNetwork) register(id types.ServerId, s *Server) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[id] = s
}

func (n *memNetwork) partition(id types.ServerId, cut bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[id] = cut
}

type fakePeerChannel struct{ net *memNetwork }

func (p *fakePeerChannel) Send(ctx context.Context, msg types.PeerMessage) error {
	p.net.mu.Lock()
	if p.net.cut[msg.From] || p.net.cut[msg.To] {
		p.net.mu.Unlock()
		return nil
	}
	target := p.net.servers[msg.To]
	p.net.mu.Unlock()
	if target == nil {
		return nil
	}
	go target.Deliver(msg)
	return nil
}

type testNode struct {
	id   types.ServerId
	srv  *Server
	log  *grouplog.Log
	wal  *wal.Writer
	seg  *segment.Writer
	snap *snapshot.Store
	meta storage.Store
}

// newTestCluster wires up a group of n servers sharing a memNetwork, each
// with its own real WAL/segment/snapshot/storage stack (the same way
// pkg/grouplog's own tests do), seeded with a deterministic RNG so the
// election winner is reproducible (spec.md §8 "seed").
func newTestCluster(t *testing.T, n int, seed int64) (*memNetwork, []*testNode, types.ClusterConfig) {
	t.Helper()
	net := newMemNetwork()

	servers := make([]types.ServerId, n)
	for i := 0; i < n; i++ {
		servers[i] = types.ServerId{Group: "g1", Node: types.NodeAddr(string(rune('A' + i)))}
	}
	clusterCfg := types.ClusterConfig{Servers: append([]types.ServerId(nil), servers...)}

	nodes := make([]*testNode, n)
	for i, id := range servers {
		walDir, segDir := t.TempDir(), t.TempDir()
		walCfg := config.DefaultWALConfig(walDir)
		walCfg.MaxBatchDelay = 2 * time.Millisecond
		segCfg := config.DefaultSegmentConfig(segDir)

		reg := metrics.NewRegistry()
		w, err := wal.Open(walCfg, metrics.NewWALMetrics(reg), []types.GroupId{"g1"})
		require.NoError(t, err)
		sw, err := segment.Open(segCfg, metrics.NewSegmentMetrics(reg), w.Sealed())
		require.NoError(t, err)

		metaStore, err := storage.NewBoltStore(t.TempDir())
		require.NoError(t, err)
		snapStore, err := snapshot.Open(config.DefaultSnapshotConfig(t.TempDir()), "g1", metaStore)
		require.NoError(t, err)

		gl := grouplog.Open("g1", w, sw.Notices(), grouplog.InitialState{})

		raftCfg := config.DefaultRaftConfig()
		raftCfg.HeartbeatInterval = 20 * time.Millisecond
		raftCfg.ElectionTimeoutMin = 60 * time.Millisecond
		raftCfg.ElectionTimeoutMax = 120 * time.Millisecond

		srv := New(id, clusterCfg, Options{
			Cfg:       raftCfg,
			MemberCfg: config.MembershipConfig{VerificationTick: 20 * time.Millisecond, VerificationTimeout: 150 * time.Millisecond},
			Log:       gl,
			Snap:      snapStore,
			Meta:      metaStore,
			Peers:     &fakePeerChannel{net: net},
			Notify:    events.NewBroker(),
			Metrics:   metrics.NewRaftMetrics(reg),
			Rand:      rand.New(rand.NewSource(seed + int64(i))),
		})
		net.register(id, srv)

		nodes[i] = &testNode{id: id, srv: srv, log: gl, wal: w, seg: sw, snap: snapStore, meta: metaStore}
	}

	t.Cleanup(func() {
		for _, n := range nodes {
			n.srv.Stop()
			n.log.Close()
			_ = n.seg.Close()
			_ = n.wal.Close()
			_ = n.meta.Close()
		}
	})

	return net, nodes, clusterCfg
}

// addJoiningNode constructs one more server sharing net's fabric, for
// scenario tests that bring a peer in after the group is already running
// (spec.md §8 scenarios 5 and 6).
func addJoiningNode(t *testing.T, net *memNetwork, clusterCfg types.ClusterConfig, id types.ServerId, seed int64) *testNode {
	t.Helper()
	walDir, segDir := t.TempDir(), t.TempDir()
	walCfg := config.DefaultWALConfig(walDir)
	walCfg.MaxBatchDelay = 2 * time.Millisecond
	segCfg := config.DefaultSegmentConfig(segDir)

	reg := metrics.NewRegistry()
	w, err := wal.Open(walCfg, metrics.NewWALMetrics(reg), []types.GroupId{"g1"})
	require.NoError(t, err)
	sw, err := segment.Open(segCfg, metrics.NewSegmentMetrics(reg), w.Sealed())
	require.NoError(t, err)

	metaStore, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	snapStore, err := snapshot.Open(config.DefaultSnapshotConfig(t.TempDir()), "g1", metaStore)
	require.NoError(t, err)

	gl := grouplog.Open("g1", w, sw.Notices(), grouplog.InitialState{})

	raftCfg := config.DefaultRaftConfig()
	raftCfg.HeartbeatInterval = 20 * time.Millisecond
	raftCfg.ElectionTimeoutMin = 60 * time.Millisecond
	raftCfg.ElectionTimeoutMax = 120 * time.Millisecond

	srv := New(id, clusterCfg, Options{
		Cfg:       raftCfg,
		MemberCfg: config.MembershipConfig{VerificationTick: 20 * time.Millisecond, VerificationTimeout: 150 * time.Millisecond},
		Log:       gl,
		Snap:      snapStore,
		Meta:      metaStore,
		Peers:     &fakePeerChannel{net: net},
		Notify:    events.NewBroker(),
		Metrics:   metrics.NewRaftMetrics(reg),
		Rand:      rand.New(rand.NewSource(seed)),
	})
	net.register(id, srv)

	n := &testNode{id: id, srv: srv, log: gl, wal: w, seg: sw, snap: snapStore, meta: metaStore}
	t.Cleanup(func() {
		n.srv.Stop()
		n.log.Close()
		_ = n.seg.Close()
		_ = n.wal.Close()
		_ = n.meta.Close()
	})
	return n
}

func waitForLeader(t *testing.T, nodes []*testNode, timeout time.Duration) *testNode {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			select {
			case ev := <-n.srv.Events():
				if ev.Kind == EventRoleChanged && ev.Role == types.RoleLeader {
					return n
				}
			default:
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no leader elected before timeout")
	return nil
}
