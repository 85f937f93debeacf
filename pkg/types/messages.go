package types

// Peer message types (spec.md §6). Encoding is left to pkg/transport; these
// are the logical shapes pkg/raft operates on.

type AppendEntries struct {
	Term         uint64
	LeaderID     ServerId
	PrevIndex    uint64
	PrevTerm     uint64
	Entries      []Entry
	LeaderCommit uint64
}

type AppendEntriesReply struct {
	Term             uint64
	Success          bool
	LastIndex        uint64
	MismatchHintTerm uint64
	MismatchHintIdx  uint64
}

type RequestVote struct {
	Term        uint64
	CandidateID ServerId
	LastIndex   uint64
	LastTerm    uint64
	PreVote     bool
}

type RequestVoteReply struct {
	Term    uint64
	Granted bool
	PreVote bool
}

type InstallSnapshot struct {
	Term      uint64
	LeaderID  ServerId
	LastIndex uint64
	LastTerm  uint64
	Config    ClusterConfig
	Offset    uint64
	Data      []byte
	Done      bool
}

type InstallSnapshotReply struct {
	Term      uint64
	LastIndex uint64
}

// PeerMessage wraps exactly one of the message types above for transport
// across a single channel/stream. Exactly one field is set.
type PeerMessage struct {
	From ServerId
	To   ServerId

	AppendEntries      *AppendEntries
	AppendEntriesReply *AppendEntriesReply
	RequestVote        *RequestVote
	RequestVoteReply   *RequestVoteReply
	InstallSnapshot    *InstallSnapshot
	InstallSnapReply   *InstallSnapshotReply
}
