// Package metrics provides internal-only prometheus instrumentation for
// the WAL writer and segment writer singletons. Emission — an HTTP or
// gRPC exporter — is explicitly out of scope (spec.md §1 Non-goals); this
// package exists so the counters are real, inspectable objects that a
// host process may choose to register with its own exporter, mirroring
// the teacher's pkg/metrics collector and dreamsxin-wal's walMetrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WALMetrics instruments the node-wide WAL writer (C1).
type WALMetrics struct {
	BytesWritten     prometheus.Counter
	RecordsWritten   prometheus.Counter
	BatchesFlushed   prometheus.Counter
	FsyncSeconds     prometheus.Histogram
	Rollovers        prometheus.Counter
	RecoveryTruncate prometheus.Counter
}

// NewWALMetrics registers WAL counters/histograms on reg.
func NewWALMetrics(reg prometheus.Registerer) *WALMetrics {
	return &WALMetrics{
		BytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ravel_wal_bytes_written_total",
			Help: "Total bytes of framed records written to the WAL.",
		}),
		RecordsWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ravel_wal_records_written_total",
			Help: "Total number of records appended across all groups.",
		}),
		BatchesFlushed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ravel_wal_batches_flushed_total",
			Help: "Total number of write+fsync batches performed.",
		}),
		FsyncSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "ravel_wal_fsync_seconds",
			Help:    "Latency of the batch fsync call.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		Rollovers: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ravel_wal_rollovers_total",
			Help: "Total number of times the active WAL file was sealed and rolled over.",
		}),
		RecoveryTruncate: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ravel_wal_recovery_truncations_total",
			Help: "Total number of corrupt/partial tail records truncated during crash recovery.",
		}),
	}
}

// SegmentMetrics instruments the node-wide segment writer (C2).
type SegmentMetrics struct {
	RecordsDemuxed  prometheus.Counter
	SegmentsSealed  prometheus.Counter
	WALFilesDeleted prometheus.Counter
	FlushSeconds    prometheus.Histogram
}

// NewSegmentMetrics registers segment-writer counters/histograms on reg.
func NewSegmentMetrics(reg prometheus.Registerer) *SegmentMetrics {
	return &SegmentMetrics{
		RecordsDemuxed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ravel_segment_records_demuxed_total",
			Help: "Total number of WAL records demultiplexed into per-group segments.",
		}),
		SegmentsSealed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ravel_segment_sealed_total",
			Help: "Total number of segment files sealed across all groups.",
		}),
		WALFilesDeleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ravel_segment_wal_files_deleted_total",
			Help: "Total number of WAL files deleted after full demultiplexing.",
		}),
		FlushSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "ravel_segment_flush_seconds",
			Help:    "Latency of a segment flush+fsync.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
	}
}

// RaftMetrics instruments one group's Raft server (C5).
type RaftMetrics struct {
	TermChanges        prometheus.Counter
	ElectionsStarted   prometheus.Counter
	ElectionsWon       prometheus.Counter
	AppendsSent        prometheus.Counter
	AppendsRejected    prometheus.Counter
	CommitIndex        prometheus.Gauge
	LastApplied        prometheus.Gauge
	MembershipReverted prometheus.Counter
}

// NewRaftMetrics registers Raft counters/gauges on reg, labeled by the
// caller's choice of registerer (pkg/engine gives each group its own
// child registry so metric names stay group-scoped via labels applied at
// the wrapping registerer, not here).
func NewRaftMetrics(reg prometheus.Registerer) *RaftMetrics {
	return &RaftMetrics{
		TermChanges: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ravel_raft_term_changes_total",
			Help: "Total number of times current_term advanced.",
		}),
		ElectionsStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ravel_raft_elections_started_total",
			Help: "Total number of candidacies started, pre-vote or real.",
		}),
		ElectionsWon: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ravel_raft_elections_won_total",
			Help: "Total number of elections this server won.",
		}),
		AppendsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ravel_raft_append_entries_sent_total",
			Help: "Total number of append_entries messages sent as leader.",
		}),
		AppendsRejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ravel_raft_append_entries_rejected_total",
			Help: "Total number of append_entries replies with success=false.",
		}),
		CommitIndex: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ravel_raft_commit_index",
			Help: "The group's current commit index.",
		}),
		LastApplied: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ravel_raft_last_applied",
			Help: "The group's current last_applied index.",
		}),
		MembershipReverted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ravel_raft_membership_reverted_total",
			Help: "Total number of pending membership changes rolled back.",
		}),
	}
}

// ApplyMetrics instruments one group's apply loop (C6).
type ApplyMetrics struct {
	EntriesApplied    prometheus.Counter
	ApplySeconds      prometheus.Histogram
	EffectsDispatched prometheus.Counter
	EffectsDropped    prometheus.Counter
	SnapshotsTaken    prometheus.Counter
}

// NewApplyMetrics registers apply-loop counters/histograms on reg.
func NewApplyMetrics(reg prometheus.Registerer) *ApplyMetrics {
	return &ApplyMetrics{
		EntriesApplied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ravel_apply_entries_applied_total",
			Help: "Total number of log entries passed to the user state machine's apply function.",
		}),
		ApplySeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "ravel_apply_seconds",
			Help:    "Latency of one state machine apply call.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16),
		}),
		EffectsDispatched: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ravel_apply_effects_dispatched_total",
			Help: "Total number of effects executed because the server was leader at apply time.",
		}),
		EffectsDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ravel_apply_effects_dropped_total",
			Help: "Total number of effects discarded because the server was not leader at apply time.",
		}),
		SnapshotsTaken: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ravel_apply_snapshots_taken_total",
			Help: "Total number of snapshot effects turned into a promoted snapshot.",
		}),
	}
}

// Registry is a private prometheus registry owned by pkg/engine; it is
// never exposed over HTTP, only held so counters are real objects a host
// process can choose to scrape by wiring its own exporter.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}
