package monitor

import (
	"context"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/uber-go/tally"

	"tarun-kavipurapu/p2p-share/pkg/logger"
)

// Metrics holds the transfer counters for one peer. Every counter is also
// mirrored into a tally scope so it can be reported elsewhere.
type Metrics struct {
	scope tally.Scope

	// Total payload bytes received in verified blocks
	TransferBytes int64
	// Number of completed downloads
	TransferCount int64
	// Server start time
	ServerStart time.Time
}

// New wraps scope. A nil scope reports nowhere.
func New(scope tally.Scope) *Metrics {
	if scope == nil {
		scope = tally.NoopScope
	}
	return &Metrics{
		scope:       scope,
		ServerStart: time.Now(),
	}
}

// NewRootScope builds a tally root scope flushed every interval. Callers close
// the returned closer on shutdown.
func NewRootScope(prefix string, interval time.Duration) (tally.Scope, io.Closer) {
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix: prefix,
	}, interval)
}

func (m *Metrics) Scope() tally.Scope {
	return m.scope
}

// RequestServed counts one inbound exchange by message kind.
func (m *Metrics) RequestServed(kind string) {
	m.scope.Tagged(map[string]string{"kind": kind}).Counter("requests_served").Inc(1)
}

// PeerError counts an absorbed per-peer failure during a fan-out operation.
func (m *Metrics) PeerError(op string) {
	m.scope.Tagged(map[string]string{"op": op}).Counter("peer_errors").Inc(1)
}

func (m *Metrics) BlockFetched(bytes int) {
	m.scope.Counter("blocks_fetched").Inc(1)
	m.scope.Counter("bytes_received").Inc(int64(bytes))
	atomic.AddInt64(&m.TransferBytes, int64(bytes))
}

func (m *Metrics) BlockDropped() {
	m.scope.Counter("blocks_dropped").Inc(1)
}

// RecordTransfer records a completed download
func (m *Metrics) RecordTransfer(bytes int64, elapsed time.Duration) {
	atomic.AddInt64(&m.TransferCount, 1)
	m.scope.Counter("downloads_completed").Inc(1)
	m.scope.Timer("download_latency").Record(elapsed)

	var speed float64
	if elapsed > 0 {
		speed = float64(bytes) / elapsed.Seconds() / 1024 / 1024
	}

	logger.Sugar.Infof("[Transfer] Size=%dKB | Duration=%.2fs | Speed=%.2fMB/s",
		bytes/1024, elapsed.Seconds(), speed)
}

// RecordFailure counts a failed download by reason.
func (m *Metrics) RecordFailure(reason string) {
	m.scope.Tagged(map[string]string{"reason": reason}).Counter("downloads_failed").Inc(1)
}

// LogPeriodic logs runtime metrics at the specified interval until ctx is done.
func (m *Metrics) LogPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		elapsed := time.Since(m.ServerStart).Seconds()
		var throughput float64
		if elapsed > 0 {
			throughput = float64(atomic.LoadInt64(&m.TransferBytes)) / elapsed / 1024 / 1024
		}

		m.scope.Gauge("goroutines").Update(float64(runtime.NumGoroutine()))
		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | HeapSys=%dMB | Throughput=%.2fMB/s | Transfers=%d",
			runtime.NumGoroutine(),
			ms.HeapAlloc/1024/1024,
			ms.HeapSys/1024/1024,
			throughput,
			atomic.LoadInt64(&m.TransferCount),
		)
	}
}
