package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRaftState  = []byte("raft_state")
	bucketSnapshots  = []byte("snapshot_meta")
	bucketCheckpoint = []byte("checkpoint_meta")
)

// BoltStore implements Store using a single node-wide bbolt file. Each
// bucket holds one JSON record per group, keyed by group id, mirroring
// the on-disk layout in spec.md §6 (meta/<group_id>/{current_term,
// voted_for} and snapshots/<group_id>/<index>-<term>/meta).
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the node's metadata database
// under dataDir/ravel.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "ravel.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRaftState, bucketSnapshots, bucketCheckpoint} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) SaveRaftState(groupID string, state RaftState) error {
	return s.put(bucketRaftState, groupID, state)
}

func (s *BoltStore) LoadRaftState(groupID string) (RaftState, error) {
	var state RaftState
	ok, err := s.get(bucketRaftState, groupID, &state)
	if err != nil {
		return RaftState{}, err
	}
	if !ok {
		// No prior vote on disk for this group: a fresh server starts at
		// term zero with no recorded vote, never an error.
		return RaftState{}, nil
	}
	return state, nil
}

func (s *BoltStore) SaveSnapshotMeta(groupID string, meta SnapshotMeta) error {
	return s.put(bucketSnapshots, groupID, meta)
}

func (s *BoltStore) LoadSnapshotMeta(groupID string) (SnapshotMeta, bool, error) {
	var meta SnapshotMeta
	ok, err := s.get(bucketSnapshots, groupID, &meta)
	return meta, ok, err
}

func (s *BoltStore) DeleteSnapshotMeta(groupID string) error {
	return s.delete(bucketSnapshots, groupID)
}

func (s *BoltStore) SaveCheckpointMeta(groupID string, meta CheckpointMeta) error {
	return s.put(bucketCheckpoint, groupID, meta)
}

func (s *BoltStore) LoadCheckpointMeta(groupID string) (CheckpointMeta, bool, error) {
	var meta CheckpointMeta
	ok, err := s.get(bucketCheckpoint, groupID, &meta)
	return meta, ok, err
}

func (s *BoltStore) DeleteCheckpointMeta(groupID string) error {
	return s.delete(bucketCheckpoint, groupID)
}

// DeleteGroup removes every record associated with a group across all
// buckets, used when a group is decommissioned from a node.
func (s *BoltStore) DeleteGroup(groupID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRaftState, bucketSnapshots, bucketCheckpoint} {
			if err := tx.Bucket(bucket).Delete([]byte(groupID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v any) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	return found, err
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}
