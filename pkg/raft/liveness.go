package raft

import (
	"github.com/cuemby/ravel/pkg/types"
	"github.com/cuemby/ravel/pkg/wal"
)

// watchLiveness subscribes to the oracle's up/down stream for node, if
// not already watching it, forwarding transitions into the server's own
// inbox so they're processed on the single event-loop goroutine like
// everything else.
func (s *Server) watchLiveness(node types.NodeAddr) {
	if s.oracle == nil || (s.watchingLive && s.watchedLeader == node) {
		return
	}
	s.watchingLive = true
	s.watchedLeader = node

	ch := s.oracle.Subscribe(node)
	go func() {
		for {
			select {
			case up, ok := <-ch:
				if !ok {
					return
				}
				s.NotifyLiveness(node, up)
			case <-s.closeCh:
				return
			}
		}
	}()
}

// handleLiveness reacts to an advisory up/down transition for the
// currently-known leader's node. A "down" report only shortens this
// follower's election timer; it never skips the vote itself, so a lying
// oracle can at worst cause a spurious election, never a safety
// violation (spec.md §9).
func (s *Server) handleLiveness(lv inboxLiveness) {
	if lv.up {
		return
	}
	if s.isLeading() || !s.hasLeader || s.leaderID.Node != lv.node {
		return
	}
	s.armTimer(s.cfg.AcceleratedElectionTimeout)
}

// handleDurability observes the WAL writer's fsync progress for this
// group (spec.md §7 invariant P4: "no entry is acknowledged to its
// proposer before its WAL fsync completes"). pkg/apply is the component
// that actually withholds a reply until it sees this, but the server
// tracks it too since a leader must not count an entry toward its own
// match index until it is durable, not merely appended.
func (s *Server) handleDurability(n wal.DurabilityNotice) {
	if !s.isLeading() {
		return
	}
	s.advanceCommitIndex()
}
