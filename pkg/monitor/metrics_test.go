package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/uber-go/tally"
)

func counterValue(scope tally.TestScope, name string, tags map[string]string) int64 {
	var total int64
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() != name {
			continue
		}
		match := true
		for k, v := range tags {
			if c.Tags()[k] != v {
				match = false
				break
			}
		}
		if match {
			total += c.Value()
		}
	}
	return total
}

func TestCounters(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	m := New(scope)

	m.BlockFetched(10240)
	m.BlockFetched(5120)
	m.BlockDropped()
	m.PeerError("search")
	m.PeerError("search")
	m.RequestServed("hello")
	m.RecordFailure("incomplete")
	m.RecordTransfer(15360, 20*time.Millisecond)

	assert.Equal(t, int64(2), counterValue(scope, "blocks_fetched", nil))
	assert.Equal(t, int64(15360), counterValue(scope, "bytes_received", nil))
	assert.Equal(t, int64(1), counterValue(scope, "blocks_dropped", nil))
	assert.Equal(t, int64(2), counterValue(scope, "peer_errors", map[string]string{"op": "search"}))
	assert.Equal(t, int64(1), counterValue(scope, "requests_served", map[string]string{"kind": "hello"}))
	assert.Equal(t, int64(1), counterValue(scope, "downloads_failed", map[string]string{"reason": "incomplete"}))
	assert.Equal(t, int64(1), counterValue(scope, "downloads_completed", nil))

	assert.Equal(t, int64(15360), m.TransferBytes)
	assert.Equal(t, int64(1), m.TransferCount)
}

func TestNilScopeIsNoop(t *testing.T) {
	m := New(nil)
	m.BlockFetched(1)
	m.PeerError("download")
	assert.Equal(t, int64(1), m.TransferBytes)
}

func TestLogPeriodicStops(t *testing.T) {
	m := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.LogPeriodic(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LogPeriodic did not return after cancel")
	}
}
