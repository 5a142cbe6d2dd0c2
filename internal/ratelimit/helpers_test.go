package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestRedis starts a miniredis server and a client that does not retry.
func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// stubCounter returns canned results per key.
type stubCounter struct {
	mu      sync.Mutex
	results map[string]CounterResult
	errs    map[string]error
	delays  map[string]time.Duration
	calls   map[string]int
}

func newStubCounter() *stubCounter {
	return &stubCounter{
		results: make(map[string]CounterResult),
		errs:    make(map[string]error),
		delays:  make(map[string]time.Duration),
		calls:   make(map[string]int),
	}
}

func (s *stubCounter) CheckAndRecord(ctx context.Context, key string, limit int, window time.Duration) (CounterResult, error) {
	s.mu.Lock()
	delay := s.delays[key]
	s.calls[key]++
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return CounterResult{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[key]; err != nil {
		return CounterResult{}, err
	}
	if res, ok := s.results[key]; ok {
		return res, nil
	}
	return CounterResult{Count: 1, Allowed: true, ResetAt: time.Now().Add(window)}, nil
}

func (s *stubCounter) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[key]; err != nil {
		return 0, err
	}
	return s.results[key].Count, nil
}

func (s *stubCounter) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.results, key)
	return nil
}

// fakeSampler returns a fixed sample or error.
type fakeSampler struct {
	sample HealthSample
	err    error
}

func (f fakeSampler) Sample(ctx context.Context) (HealthSample, error) {
	return f.sample, f.err
}

// recordingUsage captures usage entries in memory.
type recordingUsage struct {
	mu      sync.Mutex
	entries map[string][]UsageEntry
	stats   []DailyUsage
}

func newRecordingUsage() *recordingUsage {
	return &recordingUsage{entries: make(map[string][]UsageEntry)}
}

func (r *recordingUsage) Record(identifier string, entry UsageEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[identifier] = append(r.entries[identifier], entry)
}

func (r *recordingUsage) Stats(ctx context.Context, identifier string, days int) ([]DailyUsage, error) {
	return r.stats, nil
}

func (r *recordingUsage) For(identifier string) []UsageEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]UsageEntry(nil), r.entries[identifier]...)
}
