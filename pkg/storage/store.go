package storage

import (
	"github.com/cuemby/ravel/pkg/types"
)

// RaftState is the durable per-group voting record every server must
// persist before replying to a vote or append (spec.md §4.2/§7): the
// current term and, if any, the candidate voted for in that term.
type RaftState struct {
	CurrentTerm uint64
	VotedFor    types.ServerId
	HasVotedFor bool
}

// SnapshotMeta describes a promoted, authoritative snapshot for a group:
// the prefix of the log it replaces and the cluster configuration in
// effect at that point (spec.md §4.4).
type SnapshotMeta struct {
	LastIndex uint64
	LastTerm  uint64
	Config    types.ClusterConfig
	Path      string
}

// CheckpointMeta describes a snapshot that has been written to disk but
// not yet promoted: it does not yet authorize segment or WAL deletion
// (spec.md §9, resolving the checkpoint-vs-snapshot distinction).
type CheckpointMeta struct {
	LastIndex uint64
	LastTerm  uint64
	Config    types.ClusterConfig
	Path      string
}

// Store is the node-wide metadata store backing pkg/raft's persistent
// voting record and pkg/snapshot's promoted/checkpoint bookkeeping. One
// Store instance is shared by every group hosted on a node, the same way
// a single WAL writer is shared (spec.md §5); each group's records are
// keyed by group id within shared buckets.
type Store interface {
	SaveRaftState(groupID string, state RaftState) error
	LoadRaftState(groupID string) (RaftState, error)

	SaveSnapshotMeta(groupID string, meta SnapshotMeta) error
	LoadSnapshotMeta(groupID string) (SnapshotMeta, bool, error)
	DeleteSnapshotMeta(groupID string) error

	SaveCheckpointMeta(groupID string, meta CheckpointMeta) error
	LoadCheckpointMeta(groupID string) (CheckpointMeta, bool, error)
	DeleteCheckpointMeta(groupID string) error

	DeleteGroup(groupID string) error

	Close() error
}
