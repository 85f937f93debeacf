package raft

import (
	"fmt"
	"time"

	"github.com/cuemby/ravel/pkg/events"
	"github.com/cuemby/ravel/pkg/types"
)

// handleTimer fires on election timeout (follower/pre_vote/candidate) or
// on the heartbeat interval (leader). Reusing one timer for both purposes
// mirrors yusong-yan-MultiRaft's ticker() goroutine, collapsed into this
// server's single event loop instead of a dedicated goroutine.
func (s *Server) handleTimer() {
	switch s.role {
	case types.RoleLeader, types.RoleAwaitCondition:
		s.sendHeartbeats()
		s.armTimer(s.cfg.HeartbeatInterval)
	case types.RoleReceiveSnapshot:
		s.resetElectionTimer()
	case types.RoleTerminatingLeader, types.RoleTerminatingFollower:
		// Draining or already gone; no elections, no heartbeats.
	default:
		s.startPreVote()
	}
}

// startPreVote polls peers without bumping current_term (spec.md §8: "a
// pre-vote failure must not bump current_term").
func (s *Server) startPreVote() {
	s.role = types.RolePreVote
	s.preVotes = make(map[types.ServerId]bool)
	if s.metrics != nil {
		s.metrics.ElectionsStarted.Inc()
	}
	s.emitRoleChanged()

	if len(s.clusterConfig.Servers) <= 1 {
		s.becomeCandidate()
		return
	}

	lastIdx, lastTerm := s.log.LastIndexTerm()
	for _, peer := range s.clusterConfig.Servers {
		if peer == s.id {
			continue
		}
		s.send(peer, &types.RequestVote{
			Term:        s.currentTerm + 1,
			CandidateID: s.id,
			LastIndex:   lastIdx,
			LastTerm:    lastTerm,
			PreVote:     true,
		})
	}
	s.resetElectionTimer()
}

// becomeCandidate bumps current_term, votes for itself, and requests
// real votes — only reached after a pre-vote round won a quorum.
func (s *Server) becomeCandidate() {
	s.role = types.RoleCandidate
	s.currentTerm++
	s.votedFor = s.id
	s.hasVotedFor = true
	s.persistRaftState()
	if s.metrics != nil {
		s.metrics.TermChanges.Inc()
	}
	s.votes = map[types.ServerId]bool{s.id: true}
	s.emitRoleChanged()

	if len(s.clusterConfig.Servers) <= 1 {
		s.becomeLeader()
		return
	}

	lastIdx, lastTerm := s.log.LastIndexTerm()
	for _, peer := range s.clusterConfig.Servers {
		if peer == s.id {
			continue
		}
		s.send(peer, &types.RequestVote{
			Term:        s.currentTerm,
			CandidateID: s.id,
			LastIndex:   lastIdx,
			LastTerm:    lastTerm,
		})
	}
	s.resetElectionTimer()
}

func (s *Server) becomeLeader() {
	s.role = types.RoleLeader
	s.hasLeader = true
	s.leaderID = s.id
	if s.metrics != nil {
		s.metrics.ElectionsWon.Inc()
	}

	lastIdx, _ := s.log.LastIndexTerm()
	s.peerState = make(map[types.ServerId]*types.PeerState)
	for _, peer := range s.clusterConfig.Servers {
		if peer == s.id {
			continue
		}
		s.peerState[peer] = &types.PeerState{NextIndex: lastIdx + 1}
	}
	s.lastQuorumAck = time.Now()
	s.emitRoleChanged()
	if s.notify != nil {
		s.notify.Publish(&events.Event{
			Type:    events.EventLeaderElected,
			GroupID: string(s.id.Group),
			Message: fmt.Sprintf("elected leader at term %d", s.currentTerm),
		})
	}

	// A noop entry at the new term anchors commitment: once it commits,
	// every earlier-term entry beneath it commits too (spec.md §8
	// scenario 1).
	idx := s.log.NextIndex()
	_ = s.log.Append(types.Entry{Index: idx, Term: s.currentTerm, Kind: types.EntryNoop})

	s.armTimer(s.cfg.HeartbeatInterval)
	s.replicateAll()
}

// becomeFollower steps down to follower. term > currentTerm advances the
// term and clears the vote record (spec.md §7 "bad_term triggers internal
// role transition and is invisible to callers"); hasLeader/leader record
// who the new leader is, if known, for not_leader redirect hints.
func (s *Server) becomeFollower(term uint64, leader types.ServerId, hasLeader bool) {
	wasLeader := s.role == types.RoleLeader || s.role == types.RoleAwaitCondition
	if term > s.currentTerm {
		s.currentTerm = term
		s.votedFor = types.ServerId{}
		s.hasVotedFor = false
		s.persistRaftState()
		if s.metrics != nil {
			s.metrics.TermChanges.Inc()
		}
	}
	s.role = types.RoleFollower
	s.hasLeader = hasLeader
	if hasLeader {
		s.leaderID = leader
		s.watchLiveness(leader.Node)
	}
	if wasLeader {
		// A demoted leader's in-flight membership verification no
		// longer has anyone driving it; the new leader re-proposes if
		// the change is still wanted.
		s.pendingChange = nil
	}
	s.emitRoleChanged()
	s.resetElectionTimer()
}

func (s *Server) handleRequestVote(from types.ServerId, rv *types.RequestVote) {
	if rv.Term < s.currentTerm {
		s.send(from, &types.RequestVoteReply{Term: s.currentTerm, Granted: false, PreVote: rv.PreVote})
		return
	}
	if !rv.PreVote && rv.Term > s.currentTerm {
		s.becomeFollower(rv.Term, types.ServerId{}, false)
	}

	lastIdx, lastTerm := s.log.LastIndexTerm()
	upToDate := isLogUpToDate(rv.LastTerm, rv.LastIndex, lastTerm, lastIdx)
	canVote := rv.PreVote || !s.hasVotedFor || s.votedFor == rv.CandidateID

	granted := upToDate && canVote && rv.Term >= s.currentTerm
	if granted && !rv.PreVote {
		s.votedFor = rv.CandidateID
		s.hasVotedFor = true
		s.persistRaftState()
		s.resetElectionTimer()
	}
	s.send(from, &types.RequestVoteReply{Term: s.currentTerm, Granted: granted, PreVote: rv.PreVote})
}

func (s *Server) handleRequestVoteReply(from types.ServerId, r *types.RequestVoteReply) {
	if r.Term > s.currentTerm {
		s.becomeFollower(r.Term, types.ServerId{}, false)
		return
	}
	if r.PreVote {
		if s.role != types.RolePreVote || !r.Granted {
			return
		}
		s.preVotes[from] = true
		if len(s.preVotes)+1 >= s.clusterConfig.Quorum() {
			s.becomeCandidate()
		}
		return
	}
	if s.role != types.RoleCandidate || !r.Granted {
		return
	}
	s.votes[from] = true
	if len(s.votes) >= s.clusterConfig.Quorum() {
		s.becomeLeader()
	}
}

// isLogUpToDate implements the standard Raft comparison: higher term
// wins outright, equal term favors the longer log.
func isLogUpToDate(candTerm, candIdx, ownTerm, ownIdx uint64) bool {
	if candTerm != ownTerm {
		return candTerm > ownTerm
	}
	return candIdx >= ownIdx
}
