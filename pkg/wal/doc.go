/*
Package wal implements the node-wide write-ahead log writer (C1):
a single append-only file shared by every consensus group on the node,
framed records carrying a crc32c checksum (spec.md §6), internal
batching with a size/count/delay trigger, and crash recovery that
truncates a corrupt or partial tail record rather than failing startup.

Grounded on github.com/ulysseses/wal's framer/deframer (crc32.Castagnoli,
torn-write detection) and the dreamsxin-wal fork of hashicorp/raft-wal
for the rotation/manifest-handoff shape, adapted to the fixed record
layout and multi-group demultiplexing this spec requires.
*/
package wal
