package ratelimit

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/searchgate/searchgate/internal/metrics"
	"github.com/searchgate/searchgate/pkg/logger"
)

// HealthSample is one observation of store health.
type HealthSample struct {
	Latency     time.Duration
	MemoryRatio float64 // used / max; zero when the store has no memory cap
}

// HealthSampler observes the shared store.
type HealthSampler interface {
	Sample(ctx context.Context) (HealthSample, error)
}

// RedisHealthSampler measures PING round trip and INFO memory in one pipeline.
type RedisHealthSampler struct {
	client redis.UniversalClient
}

// NewRedisHealthSampler creates a sampler for client.
func NewRedisHealthSampler(client redis.UniversalClient) *RedisHealthSampler {
	return &RedisHealthSampler{client: client}
}

// Sample pings the store and reads its memory utilisation.
func (s *RedisHealthSampler) Sample(ctx context.Context) (HealthSample, error) {
	start := time.Now()

	pipe := s.client.Pipeline()
	ping := pipe.Ping(ctx)
	info := pipe.Info(ctx, "memory")
	_, _ = pipe.Exec(ctx)

	latency := time.Since(start)
	metrics.RecordStoreOp("health_sample", latency)

	if err := ping.Err(); err != nil {
		return HealthSample{}, fmt.Errorf("store ping failed: %w", err)
	}

	sample := HealthSample{Latency: latency}
	if raw, err := info.Result(); err == nil {
		sample.MemoryRatio = parseMemoryRatio(raw)
	}
	return sample, nil
}

// parseMemoryRatio extracts used_memory / maxmemory from an INFO memory
// section. Returns zero when maxmemory is unset.
func parseMemoryRatio(info string) float64 {
	var used, capacity float64

	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		name, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !ok {
			continue
		}
		switch name {
		case "used_memory":
			used, _ = strconv.ParseFloat(value, 64)
		case "maxmemory":
			capacity, _ = strconv.ParseFloat(value, 64)
		}
	}

	if capacity <= 0 {
		return 0
	}
	return used / capacity
}

// LoadAdjusterConfig holds the thresholds that trigger back-pressure.
type LoadAdjusterConfig struct {
	LatencyThreshold time.Duration
	MemoryThreshold  float64
	Factor           float64
}

// LoadAdjuster scales limits down while the store looks stressed. It keeps
// no state between calls: every decision takes a fresh sample.
type LoadAdjuster struct {
	sampler HealthSampler
	cfg     LoadAdjusterConfig
	log     *logger.Logger
}

// NewLoadAdjuster creates a LoadAdjuster.
func NewLoadAdjuster(sampler HealthSampler, cfg LoadAdjusterConfig, log *logger.Logger) *LoadAdjuster {
	if cfg.Factor <= 0 || cfg.Factor > 1 {
		cfg.Factor = 0.5
	}
	return &LoadAdjuster{sampler: sampler, cfg: cfg, log: log.Named("load")}
}

// Adjust returns base, or a scaled copy when latency or memory exceed their
// thresholds. Sampling failures return base unchanged.
func (a *LoadAdjuster) Adjust(ctx context.Context, base *Table) *Table {
	sample, err := a.sampler.Sample(ctx)
	if err != nil {
		a.log.Debug("health sample failed, using base limits", "error", err)
		return base
	}

	if !a.stressed(sample) {
		return base
	}

	metrics.RecordLoadAdjusted()
	a.log.Debug("store under stress, scaling limits",
		"latency", sample.Latency, "memory_ratio", sample.MemoryRatio, "factor", a.cfg.Factor)
	return base.Scale(a.cfg.Factor)
}

func (a *LoadAdjuster) stressed(s HealthSample) bool {
	if a.cfg.LatencyThreshold > 0 && s.Latency > a.cfg.LatencyThreshold {
		return true
	}
	return a.cfg.MemoryThreshold > 0 && s.MemoryRatio > a.cfg.MemoryThreshold
}
