// Package engine owns everything node-wide: the WAL writer and segment
// writer singletons (C1/C2), the shared metadata store, and the registry
// of groups hosted on this node. Grounded on cuemby-warren's pkg/manager
// as "the thing cmd/* constructs one of per process" — generalized here
// from one embedded hashicorp/raft instance to many independent groups,
// each with its own goroutine (spec.md §5).
package engine
