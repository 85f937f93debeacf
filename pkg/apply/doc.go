// Package apply drives one group's apply loop (C6): it advances
// last_applied toward commit_index, invokes the user-supplied state
// machine, and dispatches the resulting effects exclusively while the
// group's Raft server is the current leader (spec.md §4.6).
//
// A Loop subscribes to a single *raft.Server's Events() channel and does
// nothing else — no direct access to peer messages, no knowledge of
// elections. This mirrors cuemby-warren's pkg/manager.WarrenFSM, which
// likewise only ever sees committed log.Apply calls from hashicorp/raft,
// generalized here to the effects/reply-correlation contract spec.md §6
// requires instead of warren's fixed cluster-object command set.
package apply
