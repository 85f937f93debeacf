package raft

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/cuemby/ravel/pkg/config"
	"github.com/cuemby/ravel/pkg/events"
	"github.com/cuemby/ravel/pkg/grouplog"
	"github.com/cuemby/ravel/pkg/log"
	"github.com/cuemby/ravel/pkg/metrics"
	"github.com/cuemby/ravel/pkg/snapshot"
	"github.com/cuemby/ravel/pkg/storage"
	"github.com/cuemby/ravel/pkg/types"
	"github.com/cuemby/ravel/pkg/wal"
	"github.com/rs/zerolog"
)

// Options bundles everything a Server needs beyond its own id and
// initial cluster configuration.
type Options struct {
	Cfg       config.RaftConfig
	MemberCfg config.MembershipConfig

	Log     *grouplog.Log
	Snap    *snapshot.Store
	Meta    storage.Store
	Peers   PeerChannel
	Oracle  LivenessOracle // optional, may be nil
	Notify  *events.Broker // optional, may be nil
	Metrics *metrics.RaftMetrics

	// Rand seeds election timeout jitter. Nil means time-seeded, for
	// production use; scenario tests pass a fixed-seed *rand.Rand for
	// reproducible winners (spec.md §8).
	Rand *rand.Rand
}

type inboxPeerMessage struct{ msg types.PeerMessage }

type inboxPropose struct {
	op     string
	data   []byte
	from   string
	result chan ProposeResult
}

type inboxLiveness struct {
	node types.NodeAddr
	up   bool
}

// Server is the per-group consensus engine (C5). All fields below this
// point are touched only by the run goroutine; external callers only
// ever write to inbox or read from buffered output channels.
type Server struct {
	id  types.ServerId
	cfg config.RaftConfig
	mem config.MembershipConfig

	log     *grouplog.Log
	snap    *snapshot.Store
	meta    storage.Store
	peers   PeerChannel
	oracle  LivenessOracle
	notify  *events.Broker
	metrics *metrics.RaftMetrics
	rng     *rand.Rand

	inbox      chan any
	durability <-chan wal.DurabilityNotice
	liveness   chan inboxLiveness
	events     chan ServerEvent
	closeCh    chan struct{}
	doneCh     chan struct{}

	timer        *time.Timer
	verifyTicker *time.Ticker

	role          types.Role
	currentTerm   uint64
	votedFor      types.ServerId
	hasVotedFor   bool
	leaderID      types.ServerId
	hasLeader     bool
	clusterConfig types.ClusterConfig
	commitIndex   uint64

	peerState map[types.ServerId]*types.PeerState
	preVotes  map[types.ServerId]bool
	votes     map[types.ServerId]bool

	pendingChange *types.PendingMembershipChange

	installer *snapshot.Installer

	lastQuorumAck time.Time

	watchedLeader types.NodeAddr
	watchingLive  bool

	// logger is this group's scoped logger, re-derived with log.WithRole
	// on every role transition so every subsequent log line carries the
	// current role without the caller having to thread it through.
	logger zerolog.Logger
}

// New constructs a group's Raft server. initialConfig is the cluster
// configuration in effect at startup — pkg/engine passes the newest
// EntryClusterConfig entry the WAL replays, else the promoted snapshot's
// configuration, else the bootstrap configuration for a brand new group.
func New(id types.ServerId, initialConfig types.ClusterConfig, opts Options) *Server {
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	state, err := opts.Meta.LoadRaftState(string(id.Group))
	if err != nil {
		state = storage.RaftState{}
	}

	s := &Server{
		id:            id,
		cfg:           opts.Cfg,
		mem:           opts.MemberCfg,
		log:           opts.Log,
		snap:          opts.Snap,
		meta:          opts.Meta,
		peers:         opts.Peers,
		oracle:        opts.Oracle,
		notify:        opts.Notify,
		metrics:       opts.Metrics,
		rng:           rng,
		inbox:         make(chan any, 256),
		durability:    opts.Log.Durability(),
		liveness:      make(chan inboxLiveness, 16),
		events:        make(chan ServerEvent, 64),
		closeCh:       make(chan struct{}),
		doneCh:        make(chan struct{}),
		role:          types.RoleFollower,
		currentTerm:   state.CurrentTerm,
		votedFor:      state.VotedFor,
		hasVotedFor:   state.HasVotedFor,
		clusterConfig: initialConfig,
		peerState:     make(map[types.ServerId]*types.PeerState),
		timer:         time.NewTimer(time.Hour),
		verifyTicker:  time.NewTicker(opts.MemberCfg.VerificationTick),
	}
	s.logger = log.WithRole(log.WithServer(string(id.Group), string(id.Node)), s.role.String())

	go s.run()
	return s
}

// Deliver hands an inbound peer message to the server's event loop.
// Called by pkg/transport's receive path.
func (s *Server) Deliver(msg types.PeerMessage) {
	select {
	case s.inbox <- inboxPeerMessage{msg: msg}:
	case <-s.closeCh:
	}
}

// Propose appends a client command. For the reserved join/leave ops the
// core interprets it as a membership change instead of an opaque command
// (spec.md §6). Returns once the entry is appended to the log, not once
// it commits.
func (s *Server) Propose(op string, data []byte, from string) ProposeResult {
	result := make(chan ProposeResult, 1)
	select {
	case s.inbox <- inboxPropose{op: op, data: data, from: from, result: result}:
	case <-s.closeCh:
		return ProposeResult{Err: types.NewError(types.ErrNotLeader, nil)}
	}
	select {
	case r := <-result:
		return r
	case <-s.closeCh:
		return ProposeResult{Err: types.NewError(types.ErrNotLeader, nil)}
	}
}

// Events returns the channel of commit/snapshot/role/effect notifications
// pkg/apply and pkg/engine consume.
func (s *Server) Events() <-chan ServerEvent {
	return s.events
}

// NotifyLiveness forwards a liveness transition from the oracle for node
// into the event loop. The server's own oracle watcher (watchLiveness)
// calls it for the subscription it holds on its current leader's node.
func (s *Server) NotifyLiveness(node types.NodeAddr, up bool) {
	select {
	case s.liveness <- inboxLiveness{node: node, up: up}:
	case <-s.closeCh:
	}
}

// isLeading reports whether this server is acting as leader for ordinary
// purposes (replication, commit advancement, proposals, reads): the bare
// leader role plus its await_condition sub-state, entered while a
// membership change is pending verification (spec.md §4.5 "behaves as
// follower but suppresses elections" — from every caller's perspective
// other than the election timer, it still behaves as leader).
func (s *Server) isLeading() bool {
	return s.role == types.RoleLeader || s.role == types.RoleAwaitCondition
}

type inboxStop struct{}

// Stop requests the server's event loop to terminate. It blocks until the
// loop has transitioned to its terminating_* role, drained whatever work
// was already queued ahead of the request, and exited (spec.md §5: "the
// event queue drains and is closed").
//
// The stop request travels through the same inbox channel as ordinary
// messages rather than racing them as a separate select case: since inbox
// is a single FIFO channel with one consumer, every proposal or peer
// message enqueued before this call is guaranteed to be handled by
// handleInbox before terminate ever runs. A select between an inbox send
// and a closed signal channel cannot make that guarantee, since Go picks
// pseudo-randomly among ready cases.
func (s *Server) Stop() {
	close(s.closeCh)
	select {
	case s.inbox <- inboxStop{}:
	case <-s.doneCh:
	}
	<-s.doneCh
}

func (s *Server) run() {
	defer close(s.doneCh)
	defer s.verifyTicker.Stop()
	defer s.timer.Stop()

	s.resetElectionTimer()

	for {
		select {
		case raw := <-s.inbox:
			if _, ok := raw.(inboxStop); ok {
				s.terminate()
				return
			}
			s.handleInbox(raw)
		case <-s.timer.C:
			s.handleTimer()
		case n, ok := <-s.durability:
			if ok {
				s.handleDurability(n)
			}
		case lv := <-s.liveness:
			s.handleLiveness(lv)
		case <-s.verifyTicker.C:
			s.checkPendingMembership()
		}
	}
}

// terminate transitions the server into its terminating role, then drains
// every message already queued on inbox/durability/liveness before closing
// the event-output channel, per spec.md §5's group-termination contract.
// No new command is accepted once here: handlePropose already rejects
// every op once isLeading() is false, which is always the case for both
// terminating roles.
func (s *Server) terminate() {
	if s.isLeading() {
		s.role = types.RoleTerminatingLeader
	} else {
		s.role = types.RoleTerminatingFollower
	}
	s.emitRoleChanged()

	for {
		select {
		case raw := <-s.inbox:
			s.handleInbox(raw)
		case n, ok := <-s.durability:
			if ok {
				s.handleDurability(n)
			}
		case lv := <-s.liveness:
			s.handleLiveness(lv)
		default:
			close(s.events)
			return
		}
	}
}

func (s *Server) handleInbox(raw any) {
	switch ev := raw.(type) {
	case inboxPeerMessage:
		s.handlePeerMessage(ev.msg)
	case inboxPropose:
		s.handlePropose(ev)
	case inboxReadIndex:
		s.handleReadIndex(ev)
	}
}

func (s *Server) handlePeerMessage(msg types.PeerMessage) {
	switch {
	case msg.AppendEntries != nil:
		s.handleAppendEntries(msg.From, msg.AppendEntries)
	case msg.AppendEntriesReply != nil:
		s.handleAppendEntriesReply(msg.From, msg.AppendEntriesReply)
	case msg.RequestVote != nil:
		s.handleRequestVote(msg.From, msg.RequestVote)
	case msg.RequestVoteReply != nil:
		s.handleRequestVoteReply(msg.From, msg.RequestVoteReply)
	case msg.InstallSnapshot != nil:
		s.handleInstallSnapshot(msg.From, msg.InstallSnapshot)
	case msg.InstallSnapReply != nil:
		s.handleInstallSnapshotReply(msg.From, msg.InstallSnapReply)
	}
}

func (s *Server) handlePropose(p inboxPropose) {
	if !s.isLeading() {
		hint := types.ServerId{}
		hasHint := false
		if s.hasLeader {
			hint = s.leaderID
			hasHint = true
		}
		err := &types.Error{Kind: types.ErrNotLeader, Hint: hint, HasHint: hasHint}
		if !hasHint {
			err.Kind = types.ErrLeaderUnknown
		}
		p.result <- ProposeResult{Err: err}
		return
	}

	switch p.op {
	case types.OpJoin, types.OpLeave:
		idx, term, err := s.proposeMembershipChange(p.op, p.data)
		p.result <- ProposeResult{Index: idx, Term: term, Err: err}
	default:
		idx := s.log.NextIndex()
		entry := types.Entry{Index: idx, Term: s.currentTerm, Kind: types.EntryUserCommand, Payload: encodeCommand(types.Command{Op: p.op, Data: p.data}, p.from)}
		if err := s.log.Append(entry); err != nil {
			p.result <- ProposeResult{Err: err}
			return
		}
		s.replicateAll()
		p.result <- ProposeResult{Index: idx, Term: s.currentTerm}
	}
}

func (s *Server) send(to types.ServerId, payload any) {
	msg := types.PeerMessage{From: s.id, To: to}
	switch p := payload.(type) {
	case *types.AppendEntries:
		msg.AppendEntries = p
	case *types.AppendEntriesReply:
		msg.AppendEntriesReply = p
	case *types.RequestVote:
		msg.RequestVote = p
	case *types.RequestVoteReply:
		msg.RequestVoteReply = p
	case *types.InstallSnapshot:
		msg.InstallSnapshot = p
	case *types.InstallSnapshotReply:
		msg.InstallSnapReply = p
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.peers.Send(ctx, msg); err != nil {
		s.logger.Debug().Str("to", to.String()).Msg("send failed")
	}
}

func (s *Server) emit(ev ServerEvent) {
	select {
	case s.events <- ev:
	default:
		// Slow consumer: never block the group's single-writer loop
		// over event delivery (mirrors pkg/events.Broker's drop-on-full
		// policy for the same reason).
	}
}

func (s *Server) emitRoleChanged() {
	s.logger = log.WithRole(log.WithServer(string(s.id.Group), string(s.id.Node)), s.role.String())
	s.logger.Info().Uint64("term", s.currentTerm).Msg("role changed")
	s.emit(ServerEvent{Kind: EventRoleChanged, Role: s.role})
	if s.notify != nil {
		s.notify.Publish(&events.Event{
			Type:    events.EventRoleChanged,
			GroupID: string(s.id.Group),
			Message: "role changed to " + s.role.String(),
		})
	}
}

func (s *Server) persistRaftState() {
	_ = s.meta.SaveRaftState(string(s.id.Group), storage.RaftState{
		CurrentTerm: s.currentTerm,
		VotedFor:    s.votedFor,
		HasVotedFor: s.hasVotedFor,
	})
}

// advanceCommitIndex recomputes commit_index from the leader's view of
// peer match indices (spec.md §4.5). Only entries from the leader's
// current term are committed directly (P2): earlier-term entries commit
// as a side effect once a current-term entry past them does.
func (s *Server) advanceCommitIndex() {
	if !s.isLeading() {
		return
	}
	matches := make([]uint64, 0, len(s.clusterConfig.Servers))
	selfIdx, _ := s.log.LastIndexTerm()
	for _, srv := range s.clusterConfig.Servers {
		if srv == s.id {
			matches = append(matches, selfIdx)
			continue
		}
		if ps, ok := s.peerState[srv]; ok {
			matches = append(matches, ps.MatchIndex)
		} else {
			matches = append(matches, 0)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	quorum := s.clusterConfig.Quorum()
	if quorum > len(matches) {
		return
	}
	candidate := matches[quorum-1]
	if candidate <= s.commitIndex {
		return
	}
	term, status := s.log.FetchTerm(candidate)
	if status != grouplog.StatusFound || term != s.currentTerm {
		return
	}
	s.commitIndex = candidate
	s.lastQuorumAck = time.Now()
	if s.metrics != nil {
		s.metrics.CommitIndex.Set(float64(candidate))
	}
	s.emit(ServerEvent{Kind: EventCommitAdvanced, CommitIndex: candidate})
}

func (s *Server) resetElectionTimer() {
	s.armTimer(s.randomizedElectionTimeout())
}

func (s *Server) randomizedElectionTimeout() time.Duration {
	lo, hi := s.cfg.ElectionTimeoutMin, s.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	jitter := time.Duration(s.rng.Int63n(int64(hi - lo)))
	return lo + jitter
}

func (s *Server) armTimer(d time.Duration) {
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
	s.timer.Reset(d)
}
