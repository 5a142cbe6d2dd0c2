package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/searchgate/searchgate/internal/metrics"
	"github.com/searchgate/searchgate/internal/ratelimit"
	"github.com/searchgate/searchgate/pkg/logger"
)

// MaxStatsDays bounds how far back Stats looks.
const MaxStatsDays = 30

const dateLayout = "2006-01-02"

// RedisStore keeps one list of JSON entries per identifier per UTC day.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	log       *logger.Logger
	now       func() time.Time
}

// NewRedisStore creates a RedisStore. Lists expire after retention.
func NewRedisStore(client redis.UniversalClient, retention time.Duration, log *logger.Logger) *RedisStore {
	if retention <= 0 {
		retention = MaxStatsDays * 24 * time.Hour
	}
	return &RedisStore{
		client:    client,
		prefix:    "usage:",
		retention: retention,
		log:       log.Named("usage_store"),
		now:       time.Now,
	}
}

// Key returns the list key for identifier on day.
func (s *RedisStore) Key(identifier string, day time.Time) string {
	return s.prefix + identifier + ":" + day.UTC().Format(dateLayout)
}

// Append writes a batch in one pipeline, refreshing each list's TTL.
func (s *RedisStore) Append(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	start := time.Now()
	defer func() { metrics.RecordStoreOp("usage_append", time.Since(start)) }()

	grouped := make(map[string][]interface{})
	for _, ev := range events {
		data, err := json.Marshal(ev.Entry)
		if err != nil {
			return fmt.Errorf("failed to encode usage entry: %w", err)
		}
		ts := ev.Entry.Timestamp
		if ts.IsZero() {
			ts = s.now()
		}
		key := s.Key(ev.Identifier, ts)
		grouped[key] = append(grouped[key], data)
	}

	pipe := s.client.Pipeline()
	for key, values := range grouped {
		pipe.RPush(ctx, key, values...)
		pipe.Expire(ctx, key, s.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append usage entries: %w", err)
	}
	return nil
}

// Stats aggregates the last days days for identifier, newest first. days is
// clamped to [1, MaxStatsDays]. Days with no entries are reported as zero.
func (s *RedisStore) Stats(ctx context.Context, identifier string, days int) ([]ratelimit.DailyUsage, error) {
	if days < 1 {
		days = 1
	}
	if days > MaxStatsDays {
		days = MaxStatsDays
	}

	start := time.Now()
	defer func() { metrics.RecordStoreOp("usage_stats", time.Since(start)) }()

	today := s.now().UTC()
	dates := make([]string, days)
	cmds := make([]*redis.StringSliceCmd, days)

	pipe := s.client.Pipeline()
	for i := 0; i < days; i++ {
		day := today.AddDate(0, 0, -i)
		dates[i] = day.Format(dateLayout)
		cmds[i] = pipe.LRange(ctx, s.Key(identifier, day), 0, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read usage for %s: %w", identifier, err)
	}

	out := make([]ratelimit.DailyUsage, days)
	for i, cmd := range cmds {
		out[i] = s.aggregate(dates[i], cmd.Val())
	}
	return out, nil
}

func (s *RedisStore) aggregate(date string, raw []string) ratelimit.DailyUsage {
	day := ratelimit.DailyUsage{Date: date, ByOperation: make(map[string]int)}

	for _, item := range raw {
		var entry ratelimit.UsageEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			s.log.Debug("skipping malformed usage entry", "date", date)
			continue
		}
		day.Total++
		if entry.Allowed {
			day.Allowed++
		} else {
			day.Denied++
		}
		if entry.OperationType != "" {
			day.ByOperation[entry.OperationType]++
		}
	}
	return day
}
