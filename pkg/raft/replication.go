package raft

import (
	"time"

	"github.com/cuemby/ravel/pkg/grouplog"
	"github.com/cuemby/ravel/pkg/types"
)

const maxEntriesPerAppend = 64

// sendHeartbeats drives one replication round to every peer, called on
// the leader's heartbeat tick and whenever a new entry is appended.
func (s *Server) sendHeartbeats() {
	s.replicateAll()
}

func (s *Server) replicateAll() {
	if !s.isLeading() {
		return
	}
	for _, peer := range s.clusterConfig.Servers {
		if peer == s.id {
			continue
		}
		s.replicateToPeer(peer)
	}
}

// replicateToPeer sends the next batch of entries (or, if the peer has
// fallen behind the group's release cursor, begins a snapshot install
// instead) and advances commit_index afterward in case self is the only
// voter needed.
func (s *Server) replicateToPeer(peer types.ServerId) {
	if !s.isLeading() {
		return
	}
	ps := s.peerState[peer]
	if ps == nil {
		return
	}
	if ps.InFlight >= s.cfg.MaxInFlightAppends {
		return
	}

	nextIdx := ps.NextIndex
	if nextIdx == 0 {
		nextIdx = 1
	}

	var prevTerm uint64
	if nextIdx > 1 {
		t, status := s.log.FetchTerm(nextIdx - 1)
		if status == grouplog.StatusCompacted {
			s.beginInstallSnapshotTo(peer)
			return
		}
		if status != grouplog.StatusFound {
			// prev entry not yet visible locally (shouldn't happen for a
			// leader); wait for the next tick.
			return
		}
		prevTerm = t
	}

	entries := make([]types.Entry, 0, maxEntriesPerAppend)
	for idx := nextIdx; len(entries) < maxEntriesPerAppend; idx++ {
		e, status := s.log.Fetch(idx)
		if status != grouplog.StatusFound {
			break
		}
		entries = append(entries, e)
	}

	ps.InFlight++
	if s.metrics != nil {
		s.metrics.AppendsSent.Inc()
	}
	s.send(peer, &types.AppendEntries{
		Term:         s.currentTerm,
		LeaderID:     s.id,
		PrevIndex:    nextIdx - 1,
		PrevTerm:     prevTerm,
		Entries:      entries,
		LeaderCommit: s.commitIndex,
	})
}

// beginInstallSnapshotTo streams the group's live snapshot to peer in
// chunks (spec.md §6 install_snapshot{offset, data, done}), used when a
// peer's next_index falls at or below the group's snapshot boundary.
// Boundary behaviour: next_index == snapshot_last_index + 1 must NOT
// trigger this path — that case is handled by the prevTerm lookup above
// finding a StatusFound entry at snapshot_last_index instead (the
// snapshot boundary entry itself is addressable via FetchTerm).
func (s *Server) beginInstallSnapshotTo(peer types.ServerId) {
	meta, data, ok, err := s.snap.Recover()
	if err != nil || !ok {
		return
	}
	ps := s.peerState[peer]
	if ps == nil {
		return
	}

	const chunkSize = 1 << 16
	offset := 0
	for {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		done := end >= len(data)
		s.send(peer, &types.InstallSnapshot{
			Term:      s.currentTerm,
			LeaderID:  s.id,
			LastIndex: meta.LastIndex,
			LastTerm:  meta.LastTerm,
			Config:    meta.Config,
			Offset:    uint64(offset),
			Data:      data[offset:end],
			Done:      done,
		})
		if done {
			break
		}
		offset = end
	}
	ps.NextIndex = meta.LastIndex + 1
}

// handleAppendEntries is the follower side of replication (spec.md §4.5).
func (s *Server) handleAppendEntries(from types.ServerId, ae *types.AppendEntries) {
	if ae.Term < s.currentTerm {
		s.send(from, &types.AppendEntriesReply{Term: s.currentTerm, Success: false})
		return
	}
	if ae.Term > s.currentTerm || s.role != types.RoleFollower {
		s.becomeFollower(ae.Term, ae.LeaderID, true)
	} else {
		s.leaderID = ae.LeaderID
		s.hasLeader = true
	}
	s.resetElectionTimer()

	if ae.PrevIndex > 0 {
		t, status := s.log.FetchTerm(ae.PrevIndex)
		switch status {
		case grouplog.StatusMissing:
			lastIdx, _ := s.log.LastIndexTerm()
			s.send(from, &types.AppendEntriesReply{Term: s.currentTerm, Success: false, MismatchHintIdx: lastIdx + 1})
			return
		case grouplog.StatusFound:
			if t != ae.PrevTerm {
				hintTerm, hintIdx := s.findConflictHint(ae.PrevIndex)
				s.send(from, &types.AppendEntriesReply{Term: s.currentTerm, Success: false, MismatchHintTerm: hintTerm, MismatchHintIdx: hintIdx})
				return
			}
		case grouplog.StatusCompacted:
			// prev_index already folded into a snapshot; treat as
			// matching and proceed to append what follows it.
		}
	}

	for _, e := range ae.Entries {
		existingTerm, status := s.log.FetchTerm(e.Index)
		if status == grouplog.StatusFound && existingTerm == e.Term {
			continue
		}
		if status == grouplog.StatusFound {
			// Conflicting suffix: truncate exactly at the first
			// mismatching index (spec.md §8 boundary behaviour).
			s.log.TruncateFrom(e.Index)
		}
		if err := s.log.Append(e); err != nil {
			s.send(from, &types.AppendEntriesReply{Term: s.currentTerm, Success: false})
			return
		}
		if e.Kind == types.EntryClusterConfig {
			// A config entry takes effect once appended, not once committed.
			if cfg, err := decodeClusterConfig(e.Payload); err == nil {
				s.clusterConfig = cfg
			}
		}
	}

	if ae.LeaderCommit > s.commitIndex {
		lastIdx, _ := s.log.LastIndexTerm()
		newCommit := ae.LeaderCommit
		if lastIdx < newCommit {
			newCommit = lastIdx
		}
		if newCommit > s.commitIndex {
			s.commitIndex = newCommit
			if s.metrics != nil {
				s.metrics.CommitIndex.Set(float64(newCommit))
			}
			s.emit(ServerEvent{Kind: EventCommitAdvanced, CommitIndex: newCommit})
		}
	}

	lastIdx, _ := s.log.LastIndexTerm()
	s.send(from, &types.AppendEntriesReply{Term: s.currentTerm, Success: true, LastIndex: lastIdx})
}

// findConflictHint walks backward from index to the first entry sharing
// its term, giving the leader a fast-rollback target instead of
// decrementing next_index one at a time.
func (s *Server) findConflictHint(index uint64) (hintTerm, hintIdx uint64) {
	term, status := s.log.FetchTerm(index)
	if status != grouplog.StatusFound {
		return 0, 0
	}
	first := index
	for first > 1 {
		t, st := s.log.FetchTerm(first - 1)
		if st != grouplog.StatusFound || t != term {
			break
		}
		first--
	}
	return term, first
}

func (s *Server) handleAppendEntriesReply(from types.ServerId, r *types.AppendEntriesReply) {
	if r.Term > s.currentTerm {
		s.becomeFollower(r.Term, types.ServerId{}, false)
		return
	}
	if !s.isLeading() {
		return
	}
	ps := s.peerState[from]
	if ps == nil {
		return
	}
	if ps.InFlight > 0 {
		ps.InFlight--
	}
	ps.LastAckTime = time.Now()

	if r.Success {
		if r.LastIndex > ps.MatchIndex {
			ps.MatchIndex = r.LastIndex
			ps.NextIndex = r.LastIndex + 1
		}
		s.advanceCommitIndex()
		s.replicateToPeer(from)
		return
	}

	if s.metrics != nil {
		s.metrics.AppendsRejected.Inc()
	}
	switch {
	case r.MismatchHintIdx > 0:
		ps.NextIndex = r.MismatchHintIdx
	case ps.NextIndex > 1:
		ps.NextIndex--
	}
	s.replicateToPeer(from)
}
