package wal

import (
	"hash/fnv"

	"github.com/cuemby/ravel/pkg/types"
)

// GroupHash derives the u64 group_hash carried in every WAL record
// (spec.md §6 framing) from a GroupId's stable opaque bytes. The
// generation manifest records the full GroupId string behind each hash
// it has seen, keyed by that hash, so two GroupIds whose hashes collide
// are not told apart. Exported so the segment
// writer (C2) can resolve a sealed file's manifest entries to the same
// hash values without re-deriving its own hashing scheme.
func GroupHash(id types.GroupId) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}

func groupHash(id types.GroupId) uint64 { return GroupHash(id) }
