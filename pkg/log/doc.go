/*
Package log provides structured logging for ravel using zerolog.

A single global zerolog.Logger is configured once via Init. Other packages
log through it, either with the package-level helpers (Info, Warn, Error,
Errorf) or through a scoped child logger derived from it (WithGroup,
WithServer, WithComponent), rather than holding their own handle on
os.Stdout. WithRole composes onto an existing scoped logger instead of
the global one, so a long-lived caller (pkg/raft.Server keeps one per
group) can re-derive a role-scoped variant on every role transition
without losing its group_id/node fields. Output is either human-readable
console text (development) or newline-delimited JSON (production),
selected by Config.JSONOutput.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	serverLog := log.WithServer("g-7f3a", "n1")
	serverLog.Info().Uint64("term", 4).Msg("became leader")
	serverLog = log.WithRole(serverLog, "leader")

	log.Error("wal fsync failed")
	log.Errorf("segment rotate failed", err)
*/
package log
