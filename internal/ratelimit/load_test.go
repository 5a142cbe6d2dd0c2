package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchgate/searchgate/pkg/logger"
)

func TestParseMemoryRatio(t *testing.T) {
	info := "# Memory\r\nused_memory:750\r\nused_memory_human:750B\r\nmaxmemory:1000\r\nmaxmemory_policy:noeviction\r\n"
	assert.InDelta(t, 0.75, parseMemoryRatio(info), 1e-9)

	assert.Zero(t, parseMemoryRatio("# Memory\r\nused_memory:750\r\nmaxmemory:0\r\n"))
	assert.Zero(t, parseMemoryRatio(""))
}

func TestLoadAdjuster_Adjust(t *testing.T) {
	cfg := LoadAdjusterConfig{
		LatencyThreshold: 100 * time.Millisecond,
		MemoryThreshold:  0.9,
		Factor:           0.5,
	}
	base := DefaultTable()
	ctx := context.Background()

	searchLimit := func(table *Table) int {
		rule, _ := table.Lookup(TierAnonymous, CategorySearch)
		return rule.RequestLimit
	}

	t.Run("healthy store keeps base limits", func(t *testing.T) {
		a := NewLoadAdjuster(fakeSampler{sample: HealthSample{Latency: time.Millisecond, MemoryRatio: 0.2}}, cfg, logger.Discard())
		assert.Same(t, base, a.Adjust(ctx, base))
	})

	t.Run("high latency halves limits", func(t *testing.T) {
		a := NewLoadAdjuster(fakeSampler{sample: HealthSample{Latency: 250 * time.Millisecond}}, cfg, logger.Discard())
		adjusted := a.Adjust(ctx, base)
		assert.Equal(t, 50, searchLimit(adjusted))
		assert.Equal(t, 100, searchLimit(base))
	})

	t.Run("memory pressure halves limits", func(t *testing.T) {
		a := NewLoadAdjuster(fakeSampler{sample: HealthSample{Latency: time.Millisecond, MemoryRatio: 0.95}}, cfg, logger.Discard())
		assert.Equal(t, 50, searchLimit(a.Adjust(ctx, base)))
	})

	t.Run("sampling failure keeps base limits", func(t *testing.T) {
		a := NewLoadAdjuster(fakeSampler{err: errors.New("timeout")}, cfg, logger.Discard())
		assert.Same(t, base, a.Adjust(ctx, base))
	})

	t.Run("invalid factor falls back to half", func(t *testing.T) {
		a := NewLoadAdjuster(fakeSampler{sample: HealthSample{Latency: time.Second}}, LoadAdjusterConfig{
			LatencyThreshold: time.Millisecond,
			Factor:           3,
		}, logger.Discard())
		assert.Equal(t, 50, searchLimit(a.Adjust(ctx, base)))
	})
}

func TestRedisHealthSampler(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisHealthSampler(client)

	sample, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sample.Latency, time.Duration(0))

	mr.Close()
	_, err = s.Sample(context.Background())
	assert.Error(t, err)
}
