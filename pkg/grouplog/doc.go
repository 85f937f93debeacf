/*
Package grouplog implements the per-group log façade (C3): a logical,
append-only sequence of (index, term, command) backed by three tiers —
an in-memory hot cache of entries not yet in a sealed segment, an
ordered index of sealed segments, and a snapshot boundary below which
entries are only reachable via a snapshot (spec.md §4.3).

Grounded on dreamsxin-wal's atomic.Value-held immutable state + single
writeMu pattern: readers load a *state snapshot without locking, and
the sole writer goroutine (the owning group's event loop, spec.md §5)
swaps in a new *state under writeMu. The hot cache and segment index
are both github.com/benbjohnson/immutable SortedMaps for exactly that
reason (spec.md §9.3).
*/
package grouplog
