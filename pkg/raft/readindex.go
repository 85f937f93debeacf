package raft

import (
	"time"

	"github.com/cuemby/ravel/pkg/types"
)

type inboxReadIndex struct {
	result chan readIndexResult
}

type readIndexResult struct {
	Index uint64
	Err   error
}

// ReadIndex serves a linearizable read without appending a log entry,
// using the leader-lease variant of the read-index protocol (SPEC_FULL.md
// §10, opt-in): if commit_index last advanced (which takes a quorum of
// acknowledgements) within ReadIndexLeaseTimeout, the current
// commit_index is returned without a fresh round-trip. Heartbeat
// acknowledgements that do not advance commit_index do not renew this
// lease, so a multi-server leader with no new commits rejects with a
// timeout once the window has passed, and the caller retries — this package never
// blocks the group's event loop to confirm leadership synchronously.
func (s *Server) ReadIndex() (uint64, error) {
	result := make(chan readIndexResult, 1)
	select {
	case s.inbox <- inboxReadIndex{result: result}:
	case <-s.closeCh:
		return 0, types.NewError(types.ErrNotLeader, nil)
	}
	r := <-result
	return r.Index, r.Err
}

func (s *Server) handleReadIndex(req inboxReadIndex) {
	if !s.isLeading() {
		req.result <- readIndexResult{Err: types.NewError(types.ErrNotLeader, nil)}
		return
	}
	if len(s.clusterConfig.Servers) > 1 && time.Since(s.lastQuorumAck) > s.cfg.ReadIndexLeaseTimeout {
		req.result <- readIndexResult{Err: types.NewError(types.ErrTimeout, nil)}
		return
	}
	req.result <- readIndexResult{Index: s.commitIndex}
}
