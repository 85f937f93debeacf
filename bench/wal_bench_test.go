package main

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ravel/pkg/config"
	"github.com/cuemby/ravel/pkg/metrics"
	"github.com/cuemby/ravel/pkg/types"
	"github.com/cuemby/ravel/pkg/wal"
)

// BenchmarkAppendLatency records append-to-fsync latency percentiles for
// the node-wide WAL writer (C1) across a few payload sizes and batch
// delays, the same shape as dreamsxin-wal's own bench/bench_test.go
// but against pkg/wal.Writer.Append instead of raft.LogStore.StoreLogs.
func BenchmarkAppendLatency(b *testing.B) {
	sizes := []int{64, 1024, 16 * 1024}
	delays := []time.Duration{0, 5 * time.Millisecond}

	for _, size := range sizes {
		for _, delay := range delays {
			name := fmt.Sprintf("payload=%dB/batchDelay=%s", size, delay)
			b.Run(name, func(b *testing.B) {
				runAppendLatencyBench(b, size, delay)
			})
		}
	}
}

func runAppendLatencyBench(b *testing.B, payloadSize int, batchDelay time.Duration) {
	dir, err := os.MkdirTemp("", "ravel-wal-bench-*")
	require.NoError(b, err)
	defer os.RemoveAll(dir)

	cfg := config.DefaultWALConfig(dir)
	cfg.MaxBatchDelay = batchDelay

	w, err := wal.Open(cfg, metrics.NewWALMetrics(metrics.NewRegistry()), []types.GroupId{"bench"})
	require.NoError(b, err)
	defer w.Close()

	payload := make([]byte, payloadSize)
	hist := hdrhistogram.New(1, 10_000_000, 3) // nanoseconds, up to 10ms
	durable := w.Subscribe("bench")

	b.ResetTimer()
	var idx uint64 = 1
	for i := 0; i < b.N; i++ {
		entry := types.Entry{Index: idx, Term: 1, Kind: types.EntryUserCommand, Payload: payload}
		idx++

		start := time.Now()
		if err := w.Append("bench", entry); err != nil {
			b.Fatalf("append: %v", err)
		}
		// Append returns on enqueue; wait for the fsync that covers entry.
		for n := range durable {
			if n.UpToIndex >= entry.Index {
				break
			}
		}
		_ = hist.RecordValue(time.Since(start).Nanoseconds())
	}
	b.StopTimer()

	b.ReportMetric(float64(hist.ValueAtQuantile(50))/1e6, "p50-ms")
	b.ReportMetric(float64(hist.ValueAtQuantile(99))/1e6, "p99-ms")
	b.ReportMetric(float64(hist.ValueAtQuantile(99.9))/1e6, "p999-ms")
}
