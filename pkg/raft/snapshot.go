package raft

import (
	"time"

	"github.com/cuemby/ravel/pkg/grouplog"
	"github.com/cuemby/ravel/pkg/snapshot"
	"github.com/cuemby/ravel/pkg/types"
)

// handleInstallSnapshot is the receiver side of a chunked snapshot
// transfer (spec.md §8 scenario 6). The server occupies
// RoleReceiveSnapshot for the duration: normal appends are not
// meaningful until the transfer either completes or is abandoned for a
// fresher one.
func (s *Server) handleInstallSnapshot(from types.ServerId, m *types.InstallSnapshot) {
	if m.Term < s.currentTerm {
		s.send(from, &types.InstallSnapshotReply{Term: s.currentTerm})
		return
	}
	if m.Term > s.currentTerm || s.role != types.RoleReceiveSnapshot {
		if s.installer != nil {
			_ = s.installer.Abort()
			s.installer = nil
		}
		s.becomeFollower(m.Term, m.LeaderID, true)
		s.role = types.RoleReceiveSnapshot
		s.emitRoleChanged()
	}
	s.resetElectionTimer()

	if s.installer == nil {
		in, err := s.snap.BeginInstall(snapshot.Meta{LastIndex: m.LastIndex, LastTerm: m.LastTerm, Config: m.Config})
		if err != nil {
			s.send(from, &types.InstallSnapshotReply{Term: s.currentTerm})
			return
		}
		s.installer = in
	}

	if err := s.installer.WriteChunk(m.Offset, m.Data, m.Done); err != nil {
		s.send(from, &types.InstallSnapshotReply{Term: s.currentTerm})
		return
	}

	if m.Done {
		boundary := grouplog.SnapshotBoundary{LastIndex: m.LastIndex, LastTerm: m.LastTerm}
		s.log.InstallSnapshot(boundary)
		s.clusterConfig = m.Config
		if m.LastIndex > s.commitIndex {
			s.commitIndex = m.LastIndex
		}
		s.installer = nil
		s.role = types.RoleFollower
		s.emit(ServerEvent{Kind: EventSnapshotInstalled, SnapshotBoundary: boundary})
		s.emitRoleChanged()
	}

	s.send(from, &types.InstallSnapshotReply{Term: s.currentTerm, LastIndex: m.LastIndex})
}

// handleInstallSnapshotReply is the leader side: once a follower
// acknowledges the final chunk, its match/next index jump straight past
// the snapshot boundary and ordinary replication resumes from there.
func (s *Server) handleInstallSnapshotReply(from types.ServerId, r *types.InstallSnapshotReply) {
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
	if r.LastIndex >= ps.MatchIndex {
		ps.MatchIndex = r.LastIndex
		ps.NextIndex = r.LastIndex + 1
	}
	ps.LastAckTime = time.Now()
	s.replicateToPeer(from)
}
