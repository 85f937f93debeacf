package raft

import (
	"context"

	"github.com/cuemby/ravel/pkg/grouplog"
	"github.com/cuemby/ravel/pkg/types"
)

// PeerChannel sends one peer message, best-effort. Send returns once the
// message has been handed over (for pkg/transport, once the Deliver RPC
// completes or ctx expires) and never waits for the peer's reply, since
// replies arrive later as independent messages delivered back through
// Deliver (spec.md §9 "event-driven process", applied to transport). pkg/transport supplies the production gRPC implementation;
// tests use an in-memory fake.
type PeerChannel interface {
	Send(ctx context.Context, msg types.PeerMessage) error
}

// LivenessOracle is the injected, advisory node-liveness service
// (spec.md §9 "Liveness oracle"). A Server subscribes to its current
// leader's node once it knows who that is; a reported "down" transition
// only accelerates the follower's election timeout, it never skips an
// actual vote — so a lying oracle cannot violate safety, only liveness.
type LivenessOracle interface {
	Subscribe(node types.NodeAddr) <-chan bool
}

// ServerEventKind enumerates what a Server reports to its host (typically
// pkg/apply and pkg/engine) over Events().
type ServerEventKind uint8

const (
	// EventCommitAdvanced fires whenever commit_index increases; the
	// apply loop (C6) uses this to know how far it may advance
	// last_applied.
	EventCommitAdvanced ServerEventKind = iota

	// EventSnapshotInstalled fires once a receiver-side snapshot install
	// completes, telling the apply loop to reset last_applied to the
	// snapshot's last_index rather than replaying from the log.
	EventSnapshotInstalled

	// EventRoleChanged fires on every role transition.
	EventRoleChanged

	// EventEffects carries effects the current leader must execute
	// (spec.md §4.6's closed effect set) — currently only the
	// membership-revert notification effect originates directly from
	// this package; user-command effects come back from pkg/apply's
	// StateMachine.Apply instead and are not routed through here.
	EventEffects
)

// ServerEvent is one notification a Server emits while running.
type ServerEvent struct {
	Kind ServerEventKind

	CommitIndex      uint64
	SnapshotBoundary grouplog.SnapshotBoundary
	Role             types.Role
	Effects          []types.Effect
}

// ProposeResult is returned once a Propose call's entry has been handed
// to the log, not once it has committed — callers observing commitment
// do so via Events() or pkg/apply's reply correlation (spec.md §7:
// "timeout is returned to the caller, command may or may not have been
// applied").
type ProposeResult struct {
	Index uint64
	Term  uint64
	Err   error
}
