package mediator

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"encproxy/internal/bufpool"
)

// Runtime owns the connection registry and process-local pools, the Go
// analogue of spec §5's "global mutable pools... owned by a Runtime
// value passed through handlers" (Design Notes). Each Listener shares
// the Runtime passed to it; tests construct their own.
type Runtime struct {
	mu    sync.Mutex
	pairs map[*Pair]struct{}

	pool bufpool.Pool

	Stats Stats

	stopStatsOnce sync.Once
	stopStats     chan struct{}
}

// Stats is a small atomic-counter struct tracking aggregate traffic,
// grounded on R2Northstar-Atlas's pkg/metricsx counter style but kept
// log-only: spec.md excludes metrics pages as a Non-goal.
type Stats struct {
	ActivePairs int64
	TotalPairs  int64
	BytesIn     int64
	BytesOut    int64
}

// NewRuntime returns an empty Runtime ready to register connection pairs.
func NewRuntime() *Runtime {
	return &Runtime{pairs: make(map[*Pair]struct{}), stopStats: make(chan struct{})}
}

// Register adds pair to the shutdown-walk registry (spec §4.5.1).
func (r *Runtime) Register(p *Pair) {
	r.mu.Lock()
	r.pairs[p] = struct{}{}
	r.mu.Unlock()
	atomic.AddInt64(&r.Stats.ActivePairs, 1)
	atomic.AddInt64(&r.Stats.TotalPairs, 1)
}

// Unregister removes pair from the registry. It must only be called
// once both of the pair's sockets are closed (spec §3 invariant 6,
// §4.5.5 "Memory discipline").
func (r *Runtime) Unregister(p *Pair) {
	r.mu.Lock()
	_, existed := r.pairs[p]
	delete(r.pairs, p)
	r.mu.Unlock()
	if existed {
		atomic.AddInt64(&r.Stats.ActivePairs, -1)
	}
}

// DrainPool reclaims pooled buffer chunks wholesale, exposed on the ACL
// reload path (spec §4.2).
func (r *Runtime) DrainPool() { r.pool.Drain() }

// LogStatsPeriodically logs r.Stats every interval until Shutdown is
// called, grounded on R2Northstar-Atlas's pkg/metricsx counters
// surfaced through periodic log lines rather than an HTTP exposition
// (metrics pages are a spec.md Non-goal). Callers run this in its own
// goroutine.
func (r *Runtime) LogStatsPeriodically(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.logStats()
		case <-r.stopStats:
			return
		}
	}
}

func (r *Runtime) logStats() {
	log.Printf("[mediator] stats: active=%d total=%d bytes_in=%d bytes_out=%d",
		atomic.LoadInt64(&r.Stats.ActivePairs),
		atomic.LoadInt64(&r.Stats.TotalPairs),
		atomic.LoadInt64(&r.Stats.BytesIn),
		atomic.LoadInt64(&r.Stats.BytesOut))
}

// Shutdown closes every active pair, satisfying spec §6.4's "SIGINT/
// SIGTERM cause a graceful shutdown that closes every active pair".
func (r *Runtime) Shutdown(ctx context.Context) {
	r.stopStatsOnce.Do(func() { close(r.stopStats) })

	r.mu.Lock()
	snapshot := make([]*Pair, 0, len(r.pairs))
	for p := range r.pairs {
		snapshot = append(snapshot, p)
	}
	r.mu.Unlock()

	log.Printf("[mediator] shutting down %d active pair(s)", len(snapshot))
	r.logStats()
	var wg sync.WaitGroup
	for _, p := range snapshot {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.closeNow()
			r.Unregister(p)
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[mediator] shutdown context expired with pairs still closing")
	}
}
