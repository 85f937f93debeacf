/*
Package segment implements the node-wide segment writer (C2): it
consumes sealed WAL files strictly in seal order, demultiplexes their
records by group into per-group immutable segment files with a
companion entry-offset index for random reads, and deletes each WAL
file only after every segment it touched has been fsynced (spec.md
§4.2, §6 on-disk layout "segments/<group_id>/NNNNN.segment").

Grounded on the same dreamsxin-wal (hashicorp/raft-wal fork) rotation
shape as pkg/wal, adapted from a single-stream log to a demultiplexing
fan-out keyed by group.
*/
package segment
