/*
Package snapshot implements the per-group snapshot store (C4): write,
promote, recover and receiver-side chunked install of state-machine
snapshots, plus the checkpoint variant that bounds apply-side work
without committing to log/segment deletion (spec.md §4.4, §9).

Each group gets its own directory under the store's root holding at
most two snapshot files (the live one and the one currently being
written) and an optional checkpoint file; bbolt-backed metadata (via
pkg/storage) records which snapshot is live. Grounded on pkg/segment's
"write to a temp path, fsync, rename into place, only then record and
only then delete the old one" discipline, applied here to snapshot
promotion instead of segment sealing.
*/
package snapshot
