package raft

import (
	"fmt"
	"time"

	"github.com/cuemby/ravel/pkg/types"
)

// proposeMembershipChange appends a new EntryClusterConfig entry adding
// or removing one server (spec.md §4.5: "single-server membership
// change"), rejecting a second change while one is already pending (P5:
// "at most one pending_membership_change per group at any time").
func (s *Server) proposeMembershipChange(op string, data []byte) (uint64, uint64, error) {
	if s.pendingChange != nil {
		return 0, 0, types.NewError(types.ErrClusterChangeProgress, nil)
	}

	var target types.ServerId
	var changeType types.MembershipChangeType
	newConfig := s.clusterConfig

	switch op {
	case types.OpJoin:
		var args types.JoinArgs
		if err := decodeJoinArgs(data, &args); err != nil {
			return 0, 0, err
		}
		target = args.Server
		changeType = types.MembershipJoin
		if !newConfig.Contains(target) {
			newConfig.Servers = append(append([]types.ServerId(nil), newConfig.Servers...), target)
		}
	case types.OpLeave:
		var args types.LeaveArgs
		if err := decodeLeaveArgs(data, &args); err != nil {
			return 0, 0, err
		}
		target = args.Server
		changeType = types.MembershipLeave
		filtered := make([]types.ServerId, 0, len(newConfig.Servers))
		for _, srv := range newConfig.Servers {
			if srv != target {
				filtered = append(filtered, srv)
			}
		}
		newConfig.Servers = filtered
	default:
		return 0, 0, fmt.Errorf("raft: unknown membership op %q", op)
	}

	idx := s.log.NextIndex()
	entry := types.Entry{Index: idx, Term: s.currentTerm, Kind: types.EntryClusterConfig, Payload: encodeClusterConfig(newConfig)}
	if err := s.log.Append(entry); err != nil {
		return 0, 0, err
	}

	prior := s.clusterConfig
	s.clusterConfig = newConfig
	s.pendingChange = &types.PendingMembershipChange{
		Type:        changeType,
		Server:      target,
		StartedAt:   time.Now(),
		TimeoutMS:   s.mem.VerificationTimeout.Milliseconds(),
		ConfigIndex: idx,
		PriorConfig: prior,
	}
	if changeType == types.MembershipJoin {
		s.peerState[target] = &types.PeerState{NextIndex: idx + 1}
	} else {
		delete(s.peerState, target)
	}

	// A pending change suspends elections but keeps this server acting as
	// leader (spec.md §4.5 "await_condition: transient wait (used for
	// membership verification); behaves as follower but suppresses
	// elections") until checkPendingMembership/revertMembership resolves it.
	s.role = types.RoleAwaitCondition
	s.emitRoleChanged()

	s.replicateAll()
	return idx, s.currentTerm, nil
}

// checkPendingMembership runs on the membership verification tick
// (spec.md §9's configurable verification timer). A join is verified
// once the joining server has acknowledged at least one append; a leave
// needs no verification since removing a server cannot make the cluster
// worse off. Anything else that outlives VerificationTimeout reverts.
func (s *Server) checkPendingMembership() {
	if !s.isLeading() || s.pendingChange == nil {
		return
	}
	pc := s.pendingChange

	switch pc.Type {
	case types.MembershipJoin:
		if ps, ok := s.peerState[pc.Server]; ok && !ps.LastAckTime.IsZero() {
			s.pendingChange = nil
			s.resumeLeading()
			return
		}
	case types.MembershipLeave:
		s.pendingChange = nil
		s.resumeLeading()
		return
	}

	if time.Since(pc.StartedAt) < time.Duration(pc.TimeoutMS)*time.Millisecond {
		return
	}
	s.revertMembership(types.RevertVerificationTimeout)
}

// resumeLeading drops the await_condition sub-state once a pending
// membership change resolves, either verified or reverted. A no-op if the
// server stepped down to follower (or began terminating) while the change
// was outstanding.
func (s *Server) resumeLeading() {
	if s.role == types.RoleAwaitCondition {
		s.role = types.RoleLeader
		s.emitRoleChanged()
	}
}

// revertMembership appends a config entry restoring the prior cluster
// configuration and emits the user-visible MembershipReverted effect
// (spec.md §7, §8 scenario 5).
func (s *Server) revertMembership(reason types.RevertReason) {
	pc := s.pendingChange
	if pc == nil {
		return
	}

	idx := s.log.NextIndex()
	entry := types.Entry{Index: idx, Term: s.currentTerm, Kind: types.EntryClusterConfig, Payload: encodeClusterConfig(pc.PriorConfig)}
	if err := s.log.Append(entry); err != nil {
		return
	}
	s.clusterConfig = pc.PriorConfig
	delete(s.peerState, pc.Server)
	s.pendingChange = nil
	s.resumeLeading()

	if s.metrics != nil {
		s.metrics.MembershipReverted.Inc()
	}
	if s.notify != nil {
		s.notify.PublishMembershipReverted(string(s.id.Group), pc.Server.String(), string(reason))
	}
	s.emit(ServerEvent{Kind: EventEffects, Effects: []types.Effect{{
		Kind:  types.EffectNotify,
		Reply: types.MembershipReverted{CommandRef: fmt.Sprintf("config@%d", pc.ConfigIndex), Server: pc.Server, Reason: reason},
	}}})

	s.replicateAll()
}
