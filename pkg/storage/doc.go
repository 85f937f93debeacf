/*
Package storage provides the node-wide metadata store backing pkg/raft's
persistent voting record and pkg/snapshot's promoted/checkpoint
bookkeeping, using go.etcd.io/bbolt as the embedded database.

One BoltStore is opened per node and shared by every group it hosts:
records in each bucket are keyed by group id, the same sharing model the
WAL writer and segment writer use for the log itself (spec.md §5).

# Buckets

  - raft_state: RaftState{CurrentTerm, VotedFor} per group
  - snapshot_meta: SnapshotMeta per group, the last promoted snapshot
  - checkpoint_meta: CheckpointMeta per group, a written-but-unpromoted
    snapshot that does not yet authorize segment or WAL deletion

# Usage

	store, err := storage.NewBoltStore(dataDir)
	...
	defer store.Close()

	state, err := store.LoadRaftState(groupID)
	err = store.SaveRaftState(groupID, storage.RaftState{CurrentTerm: 4})
*/
package storage
