package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchgate/searchgate/internal/metrics"
	"github.com/searchgate/searchgate/internal/ratelimit"
	"github.com/searchgate/searchgate/pkg/logger"
)

// mockSink is a mock implementation of the Sink interface.
type mockSink struct {
	mu     sync.Mutex
	events map[string]int
	calls  int
	err    error
	block  chan struct{}
}

func newMockSink() *mockSink {
	return &mockSink{events: make(map[string]int)}
}

func (m *mockSink) Append(ctx context.Context, events []Event) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return m.err
	}
	for _, ev := range events {
		m.events[ev.Identifier]++
	}
	return nil
}

func (m *mockSink) getCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.events))
	for k, v := range m.events {
		out[k] = v
	}
	return out
}

func (m *mockSink) getCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func entry(allowed bool) ratelimit.UsageEntry {
	return ratelimit.UsageEntry{
		Timestamp:     time.Now(),
		OperationType: "search",
		Allowed:       allowed,
	}
}

func TestRecorder_Record(t *testing.T) {
	t.Run("writes events on interval", func(t *testing.T) {
		sink := newMockSink()
		r := NewRecorder(Config{FlushInterval: 20 * time.Millisecond, BatchSize: 100}, sink, nil, logger.Discard())
		defer r.Stop()

		r.Record("ip:1.1.1.1", entry(true))
		r.Record("ip:1.1.1.1", entry(false))
		r.Record("user:u1", entry(true))

		assert.Eventually(t, func() bool {
			counts := sink.getCounts()
			return counts["ip:1.1.1.1"] == 2 && counts["user:u1"] == 1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("flushes when batch size reached", func(t *testing.T) {
		sink := newMockSink()
		r := NewRecorder(Config{FlushInterval: 10 * time.Second, BatchSize: 10}, sink, nil, logger.Discard())
		defer r.Stop()

		for i := 0; i < 15; i++ {
			r.Record("ip:1.1.1.1", entry(true))
		}

		assert.Eventually(t, func() bool {
			return sink.getCounts()["ip:1.1.1.1"] >= 10
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("sink errors are swallowed", func(t *testing.T) {
		sink := newMockSink()
		sink.err = errors.New("store down")
		r := NewRecorder(Config{FlushInterval: 10 * time.Millisecond, BatchSize: 1}, sink, nil, logger.Discard())
		defer r.Stop()

		r.Record("ip:1.1.1.1", entry(true))

		assert.Eventually(t, func() bool {
			return sink.getCallCount() >= 1
		}, time.Second, 5*time.Millisecond)
	})
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	sink := newMockSink()
	sink.block = make(chan struct{})

	r := NewRecorder(Config{FlushInterval: time.Hour, BatchSize: 1, Buffer: 2}, sink, nil, logger.Discard())

	before := testutil.ToFloat64(metrics.UsageDroppedTotal)

	// The first event is taken by the loop, which then blocks in the sink.
	r.Record("ip:1.1.1.1", entry(true))
	require.Eventually(t, func() bool { return len(r.events) == 0 }, time.Second, time.Millisecond)

	for i := 0; i < 10; i++ {
		r.Record("ip:1.1.1.1", entry(true))
	}

	assert.Equal(t, float64(8), testutil.ToFloat64(metrics.UsageDroppedTotal)-before)

	close(sink.block)
	r.Stop()
	assert.Equal(t, 3, sink.getCounts()["ip:1.1.1.1"])
}

func TestRecorder_Stop(t *testing.T) {
	t.Run("flushes remaining events on stop", func(t *testing.T) {
		sink := newMockSink()
		r := NewRecorder(Config{FlushInterval: 10 * time.Second, BatchSize: 1000}, sink, nil, logger.Discard())

		r.Record("ip:1.1.1.1", entry(true))
		r.Record("ip:1.1.1.1", entry(true))
		r.Record("session:s1", entry(false))

		r.Stop()

		counts := sink.getCounts()
		assert.Equal(t, 2, counts["ip:1.1.1.1"])
		assert.Equal(t, 1, counts["session:s1"])
	})

	t.Run("is safe to call stop multiple times", func(t *testing.T) {
		r := NewRecorder(Config{}, newMockSink(), nil, logger.Discard())
		r.Stop()
		r.Stop()
	})

	t.Run("record after stop is ignored", func(t *testing.T) {
		sink := newMockSink()
		r := NewRecorder(Config{FlushInterval: 10 * time.Second, BatchSize: 1000}, sink, nil, logger.Discard())

		r.Record("before", entry(true))
		r.Stop()
		r.Record("after", entry(true))

		counts := sink.getCounts()
		assert.Equal(t, 1, counts["before"])
		assert.Equal(t, 0, counts["after"])
	})
}

func TestRecorder_Concurrency(t *testing.T) {
	sink := newMockSink()
	r := NewRecorder(Config{FlushInterval: 20 * time.Millisecond, BatchSize: 50}, sink, nil, logger.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Record("ip:1.1.1.1", entry(true))
			}
		}()
	}
	wg.Wait()
	r.Stop()

	assert.Equal(t, 1000, sink.getCounts()["ip:1.1.1.1"])
}

func TestRecorder_StatsWithoutReader(t *testing.T) {
	r := NewRecorder(Config{}, newMockSink(), nil, logger.Discard())
	defer r.Stop()

	_, err := r.Stats(context.Background(), "apikey:k1", 7)
	assert.ErrorIs(t, err, ratelimit.ErrUsageUnavailable)
}
