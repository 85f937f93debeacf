/*
Package types defines the shared vocabulary of the ravel consensus engine:
group/server identity, log entries and cluster configuration, the volatile
role state machine, peer message shapes, the closed effect set, and the
error kinds returned across package boundaries.

Every other package imports this one rather than defining its own copies of
these shapes, the same way the rest of the module's packages all sit on top
of a single shared data-model package.

# Core Types

Identity:
  - GroupId, NodeAddr, ServerId

Log:
  - Entry, EntryKind, ClusterConfig

Role state machine:
  - Role (follower, pre_vote, candidate, leader, await_condition,
    receive_snapshot, terminating_leader, terminating_follower)
  - PeerState, PendingMembershipChange

State machine contract:
  - StateMachine, StateEnterHook, TickHook, VersionedModule
  - Meta, Command, Effect, EffectKind

Transport:
  - AppendEntries / RequestVote / InstallSnapshot and their replies
  - PeerMessage

Errors:
  - Error, ErrorKind

# Determinism

Nothing in this package carries a mutex or other synchronization primitive:
values are meant to be copied and passed across goroutine/channel
boundaries freely, consistent with the one-event-at-a-time processing model
described for pkg/raft and pkg/engine.
*/
package types
