package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter implements Counter in process. It is only correct for a
// single instance and is used when no shared store is configured.
type MemoryCounter struct {
	entries sync.Map // map[string]*window
	now     func() time.Time

	// For cleanup
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// window holds the request timestamps for a single key.
type window struct {
	mu         sync.Mutex
	length     time.Duration
	timestamps []time.Time
	dead       bool // removed by the janitor; callers must fetch a fresh window
}

// NewMemoryCounter creates an in-memory counter whose janitor runs every
// sweep, dropping windows with no live requests.
func NewMemoryCounter(sweep time.Duration) *MemoryCounter {
	if sweep <= 0 {
		sweep = time.Minute
	}
	m := &MemoryCounter{
		now:  time.Now,
		done: make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupLoop(sweep)

	return m
}

// WithClock overrides the time source. Used by tests.
func (m *MemoryCounter) WithClock(now func() time.Time) *MemoryCounter {
	m.now = now
	return m
}

// CheckAndRecord prunes, counts and conditionally records under the key's lock.
func (m *MemoryCounter) CheckAndRecord(ctx context.Context, key string, limit int, length time.Duration) (CounterResult, error) {
	if err := ctx.Err(); err != nil {
		return CounterResult{}, err
	}

	now := m.now()
	w := m.lockWindow(key, length)
	defer w.mu.Unlock()

	w.length = length
	w.prune(now)

	allowed := len(w.timestamps) < limit
	if allowed {
		w.timestamps = append(w.timestamps, now)
	}

	resetAt := now.Add(length)
	if len(w.timestamps) > 0 {
		resetAt = w.timestamps[0].Add(length)
	}

	return CounterResult{
		Count:   len(w.timestamps),
		Allowed: allowed,
		ResetAt: resetAt,
	}, nil
}

// lockWindow returns the live window for key with its lock held.
func (m *MemoryCounter) lockWindow(key string, length time.Duration) *window {
	for {
		val, _ := m.entries.LoadOrStore(key, &window{length: length})
		w := val.(*window)
		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}

// Count returns the number of requests inside the window.
func (m *MemoryCounter) Count(ctx context.Context, key string, length time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	val, ok := m.entries.Load(key)
	if !ok {
		return 0, nil
	}
	w := val.(*window)

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := m.now().Add(-length)
	n := 0
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n, nil
}

// Reset drops the window for key. The window is marked dead first so a
// caller already holding it retries on a fresh one.
func (m *MemoryCounter) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	val, ok := m.entries.Load(key)
	if !ok {
		return nil
	}
	w := val.(*window)
	w.mu.Lock()
	w.dead = true
	m.entries.CompareAndDelete(key, w)
	w.mu.Unlock()
	return nil
}

// Close stops the janitor.
func (m *MemoryCounter) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
	return nil
}

// prune drops timestamps at or before now-length. Caller holds w.mu.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.length)
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}

func (m *MemoryCounter) cleanupLoop(sweep time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// cleanup removes windows with no live timestamps.
func (m *MemoryCounter) cleanup() {
	now := m.now()

	m.entries.Range(func(key, value interface{}) bool {
		w := value.(*window)
		w.mu.Lock()
		w.prune(now)
		if len(w.timestamps) == 0 {
			w.dead = true
			m.entries.Delete(key)
		}
		w.mu.Unlock()
		return true
	})
}
