package apply

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/ravel/pkg/grouplog"
	"github.com/cuemby/ravel/pkg/log"
	"github.com/cuemby/ravel/pkg/metrics"
	"github.com/cuemby/ravel/pkg/raft"
	"github.com/cuemby/ravel/pkg/snapshot"
	"github.com/cuemby/ravel/pkg/types"
	"github.com/google/uuid"
)

// Options bundles everything a Loop needs to drive one group's apply
// side of the pipeline.
type Options struct {
	ID   types.ServerId
	Srv  *raft.Server
	Log  *grouplog.Log
	Snap *snapshot.Store

	StateMachine types.StateMachine
	InitConfig   any

	Sink      EffectSink // optional
	Marshal   Marshaler  // optional, defaults to JSON
	Metrics   *metrics.ApplyMetrics
	RaftStats *metrics.RaftMetrics // optional, shares the LastApplied gauge raft.Server leaves unset
}

// Loop owns last_applied for one group and is the only component that
// ever calls the user state machine (spec.md §4.6). Exactly one goroutine
// (run) ever touches state/lastApplied/role; Propose-side callers only
// ever interact through ProposeAndWait and the waiters map, guarded by mu.
type Loop struct {
	id   types.ServerId
	srv  *raft.Server
	log  *grouplog.Log
	snap *snapshot.Store
	sm   types.StateMachine
	sink EffectSink
	mar  Marshaler
	met  *metrics.ApplyMetrics
	rm   *metrics.RaftMetrics

	state         any
	lastApplied   uint64
	role          types.Role
	clusterConfig types.ClusterConfig

	mu      sync.Mutex
	waiters map[string]chan replyEnvelope

	closeCh chan struct{}
	doneCh  chan struct{}
}

type replyEnvelope struct {
	Reply any
	Err   error
}

// New starts a group's apply loop. It calls StateMachine.Init once,
// synchronously, before returning.
func New(opts Options) (*Loop, error) {
	state, err := opts.StateMachine.Init(opts.InitConfig)
	if err != nil {
		return nil, err
	}

	mar := opts.Marshal
	if mar == nil {
		mar = jsonMarshaler{}
	}

	l := &Loop{
		id:      opts.ID,
		srv:     opts.Srv,
		log:     opts.Log,
		snap:    opts.Snap,
		sm:      opts.StateMachine,
		sink:    opts.Sink,
		mar:     mar,
		met:     opts.Metrics,
		rm:      opts.RaftStats,
		state:   state,
		role:    types.RoleFollower,
		waiters: make(map[string]chan replyEnvelope),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Stop terminates the apply loop's goroutine.
func (l *Loop) Stop() {
	close(l.closeCh)
	<-l.doneCh
}

// ProposeAndWait proposes a command to the group's leader and blocks
// until the apply loop delivers the corresponding reply — or ctx is
// done, in which case the waiter is unregistered and ctx.Err() is
// returned (spec.md §7: "timeout is returned to the caller, command may
// or may not have been applied").
func (l *Loop) ProposeAndWait(ctx context.Context, op string, data []byte) (any, error) {
	correlator := uuid.NewString()
	ch := make(chan replyEnvelope, 1)

	l.mu.Lock()
	l.waiters[correlator] = ch
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.waiters, correlator)
		l.mu.Unlock()
	}()

	res := l.srv.Propose(op, data, correlator)
	if res.Err != nil {
		return nil, res.Err
	}

	select {
	case env := <-ch:
		return env.Reply, env.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Loop) run() {
	defer close(l.doneCh)
	events := l.srv.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// The raft server finished terminating and closed its
				// event queue (spec.md §5); nothing more will ever arrive.
				return
			}
			l.handleEvent(ev)
		case <-l.closeCh:
			return
		}
	}
}

func (l *Loop) handleEvent(ev raft.ServerEvent) {
	switch ev.Kind {
	case raft.EventRoleChanged:
		l.role = ev.Role
	case raft.EventCommitAdvanced:
		l.applyThrough(ev.CommitIndex)
	case raft.EventSnapshotInstalled:
		l.handleSnapshotInstalled(ev.SnapshotBoundary)
	case raft.EventEffects:
		l.executeEffects(ev.Effects)
	}
}

// applyThrough drives last_applied forward one entry at a time up to
// commitIndex (I6: "last_applied advances strictly and never exceeds
// commit_index"). A fetch miss means the entry was folded into a
// snapshot that raced ahead of this notification; the loop stops and
// waits for the matching EventSnapshotInstalled to reset lastApplied
// instead of spinning.
func (l *Loop) applyThrough(commitIndex uint64) {
	for l.lastApplied < commitIndex {
		idx := l.lastApplied + 1
		entry, status := l.log.Fetch(idx)
		if status != grouplog.StatusFound {
			return
		}
		l.applyEntry(entry)
		l.lastApplied = idx
		if l.met != nil {
			l.met.EntriesApplied.Inc()
		}
		if l.rm != nil {
			l.rm.LastApplied.Set(float64(l.lastApplied))
		}
	}
}

func (l *Loop) applyEntry(e types.Entry) {
	if e.Kind == types.EntryClusterConfig {
		// The state machine never sees config entries (spec.md §4.6 only
		// names user commands as apply's input), but the loop still
		// tracks the latest configuration so a snapshot/checkpoint effect
		// has one to persist alongside the state bytes.
		if cfg, err := raft.DecodeClusterConfig(e.Payload); err == nil {
			l.clusterConfig = cfg
		}
		return
	}
	if e.Kind != types.EntryUserCommand {
		return
	}

	cmd, from, err := raft.DecodeCommand(e.Payload)
	if err != nil {
		log.Error("apply: decode command payload: " + err.Error())
		return
	}

	meta := types.Meta{Index: e.Index, Term: e.Term, SystemTime: time.Now(), From: from}

	start := time.Now()
	newState, reply, effects := l.sm.Apply(meta, cmd, l.state)
	if l.met != nil {
		l.met.ApplySeconds.Observe(time.Since(start).Seconds())
	}
	l.state = newState

	l.deliverReply(from, reply, nil)

	if l.role == types.RoleLeader {
		l.executeEffects(effects)
	} else if l.met != nil && len(effects) > 0 {
		l.met.EffectsDropped.Add(float64(len(effects)))
	}
}

// deliverReply routes reply to whichever local ProposeAndWait call is
// still waiting on correlator, if any. On every replica other than the
// one that actually served the client's Propose, this is a no-op lookup
// miss — apply still runs there to keep state consistent (P3: "apply is
// invoked exactly once per (group, index)" on every member, not just the
// leader).
func (l *Loop) deliverReply(correlator string, reply any, err error) {
	if correlator == "" {
		return
	}
	l.mu.Lock()
	ch, ok := l.waiters[correlator]
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- replyEnvelope{Reply: reply, Err: err}:
	default:
	}
}

// handleSnapshotInstalled resets local apply state after a receiver-side
// snapshot install completes (spec.md §8 scenario 6: "D recovers the
// snapshot, sets last_applied=1000"). The state machine is rebuilt from
// the snapshot bytes rather than replayed entry by entry.
func (l *Loop) handleSnapshotInstalled(boundary grouplog.SnapshotBoundary) {
	meta, data, ok, err := l.snap.Recover()
	if err != nil || !ok {
		log.Error("apply: recover installed snapshot: state unavailable")
		return
	}
	state, err := l.mar.Unmarshal(data)
	if err != nil {
		log.Error("apply: unmarshal installed snapshot state: " + err.Error())
		return
	}
	l.state = state
	l.lastApplied = meta.LastIndex
	if l.rm != nil {
		l.rm.LastApplied.Set(float64(l.lastApplied))
	}
}
