package transport

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/ravel/pkg/log"
	"github.com/cuemby/ravel/pkg/types"
)

// Pinger is the liveness probe a LivenessOracle polls with. *Client
// satisfies it; tests substitute a fake.
type Pinger interface {
	Ping(ctx context.Context, node types.NodeAddr) error
}

// Oracle implements raft.LivenessOracle by polling every subscribed node
// on a fixed interval and reporting a "down" transition after a run of
// consecutive failures (spec.md §9: advisory only, never gates an
// election). One goroutine per subscribed node, torn down on Close.
type Oracle struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	downAt   int

	mu   sync.Mutex
	subs map[types.NodeAddr]*oracleSub

	closeCh chan struct{}
}

type oracleSub struct {
	ch       chan bool
	cancel   func()
	failures int
	up       bool
}

// NewOracle builds an Oracle polling every node at interval, declaring a
// node down after downAt consecutive failed pings.
func NewOracle(pinger Pinger, interval, timeout time.Duration, downAt int) *Oracle {
	if downAt < 1 {
		downAt = 1
	}
	return &Oracle{
		pinger:   pinger,
		interval: interval,
		timeout:  timeout,
		downAt:   downAt,
		subs:     make(map[types.NodeAddr]*oracleSub),
		closeCh:  make(chan struct{}),
	}
}

// Subscribe returns a channel reporting true/false liveness transitions
// for node, starting a polling goroutine on first subscription.
func (o *Oracle) Subscribe(node types.NodeAddr) <-chan bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if sub, ok := o.subs[node]; ok {
		return sub.ch
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &oracleSub{ch: make(chan bool, 1), cancel: cancel, up: true}
	o.subs[node] = sub
	go o.poll(ctx, node, sub)
	return sub.ch
}

// Close stops every polling goroutine.
func (o *Oracle) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, sub := range o.subs {
		sub.cancel()
	}
	close(o.closeCh)
}

func (o *Oracle) poll(ctx context.Context, node types.NodeAddr, sub *oracleSub) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.probe(ctx, node, sub)
		}
	}
}

func (o *Oracle) probe(ctx context.Context, node types.NodeAddr, sub *oracleSub) {
	pingCtx, cancel := context.WithTimeout(ctx, o.timeout)
	err := o.pinger.Ping(pingCtx, node)
	cancel()

	if err == nil {
		sub.failures = 0
		if !sub.up {
			sub.up = true
			o.report(sub, true)
		}
		return
	}

	sub.failures++
	if sub.failures >= o.downAt && sub.up {
		sub.up = false
		log.Warn("transport: liveness oracle marking " + string(node) + " down")
		o.report(sub, false)
	}
}

func (o *Oracle) report(sub *oracleSub, up bool) {
	select {
	case sub.ch <- up:
	default:
		// drain a stale pending value so the latest transition always wins
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- up
	}
}
