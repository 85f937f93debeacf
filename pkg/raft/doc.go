/*
Package raft implements the per-group consensus server (C5): the role
state machine, pipelined replication with fast-rollback, the pre-vote
protocol, single-server membership change with verification-timer-driven
revert, and the liveness-oracle-driven accelerated election timeout
described in spec.md §4.5.

A Server owns one group. Every mutation to its volatile state happens on
a single goroutine draining an inbound event channel — peer messages,
timers, liveness transitions and WAL durability notices are all funneled
through the same inbox and handled one at a time (spec.md §5: "all
events for a group are serialised into one queue per group and processed
one at a time. This removes intra-group locking"). Concurrency that the
source expressed as a per-peer replication task or a dedicated applier
goroutine is expressed here as branches inside that single loop instead,
the same simplification the engine lifecycle docs make for the
event-loop-per-group model generally.

Determinism for seeded scenario testing comes from an explicit *rand.Rand
field rather than any package-level randomness: election timeout jitter
is the only place randomness enters the decision process, and a fixed
seed reproduces a fixed winner across runs (spec.md §8's "seed").

Grounded on cuemby-warren's pkg/manager Bootstrap timeout tuning (this
package supplies the equivalent of hashicorp/raft's Config, generalized
to pre-vote/pipelined replication) and on yusong-yan-MultiRaft's
ticker/appendThread/applier goroutine shapes, adapted into the single
consumer loop rather than copied as separate goroutines per peer.
*/
package raft
