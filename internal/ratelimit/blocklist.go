package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/searchgate/searchgate/internal/metrics"
	"github.com/searchgate/searchgate/pkg/logger"
)

// ErrInvalidBlockType is returned for block types other than user, ip or session.
var ErrInvalidBlockType = errors.New("invalid block type")

// BlockType is the identifier kind a block applies to.
type BlockType string

const (
	BlockUser    BlockType = "user"
	BlockIP      BlockType = "ip"
	BlockSession BlockType = "session"
)

// ParseBlockType validates a block type string.
func ParseBlockType(s string) (BlockType, error) {
	switch t := BlockType(s); t {
	case BlockUser, BlockIP, BlockSession:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBlockType, s)
	}
}

// BlockRecord describes an active temporary ban.
type BlockRecord struct {
	Identifier      string    `json:"identifier"`
	Type            BlockType `json:"type"`
	Reason          string    `json:"reason"`
	BlockedAt       time.Time `json:"blocked_at"`
	DurationSeconds int       `json:"duration_seconds"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// BlockTarget names one identifier to test against the block list.
type BlockTarget struct {
	Identifier string
	Type       BlockType
}

// BlockList stores short-lived bans in Redis. Each block is a JSON record
// under its own key with a TTL, so expiry needs no sweeper.
type BlockList struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
	log    *logger.Logger
}

// NewBlockList creates a BlockList whose keys start with prefix.
func NewBlockList(client redis.UniversalClient, prefix string, log *logger.Logger) *BlockList {
	return &BlockList{
		client: client,
		prefix: prefix,
		now:    time.Now,
		log:    log.Named("blocklist"),
	}
}

func (b *BlockList) key(typ BlockType, identifier string) string {
	return b.prefix + "block:" + string(typ) + ":" + identifier
}

// Block bans identifier for duration.
func (b *BlockList) Block(ctx context.Context, identifier string, typ BlockType, duration time.Duration, reason string) (*BlockRecord, error) {
	if _, err := ParseBlockType(string(typ)); err != nil {
		return nil, err
	}
	if identifier == "" {
		return nil, errors.New("block identifier is required")
	}
	if duration <= 0 {
		return nil, errors.New("block duration must be positive")
	}

	now := b.now().UTC()
	rec := &BlockRecord{
		Identifier:      identifier,
		Type:            typ,
		Reason:          reason,
		BlockedAt:       now,
		DurationSeconds: int(duration / time.Second),
		ExpiresAt:       now.Add(duration),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode block record: %w", err)
	}

	if err := b.client.Set(ctx, b.key(typ, identifier), data, duration).Err(); err != nil {
		return nil, fmt.Errorf("failed to store block: %w", err)
	}

	b.log.Info("identifier blocked", "type", string(typ), "identifier", identifier,
		"duration", duration, "reason", reason)
	return rec, nil
}

// Unblock removes a block before it expires.
func (b *BlockList) Unblock(ctx context.Context, identifier string, typ BlockType) error {
	if _, err := ParseBlockType(string(typ)); err != nil {
		return err
	}
	if err := b.client.Del(ctx, b.key(typ, identifier)).Err(); err != nil {
		return fmt.Errorf("failed to remove block: %w", err)
	}
	return nil
}

// IsBlocked reports whether identifier is currently blocked.
func (b *BlockList) IsBlocked(ctx context.Context, identifier string, typ BlockType) (bool, error) {
	n, err := b.client.Exists(ctx, b.key(typ, identifier)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check block: %w", err)
	}
	return n > 0, nil
}

// Info returns the active block for identifier, or nil when there is none.
func (b *BlockList) Info(ctx context.Context, identifier string, typ BlockType) (*BlockRecord, error) {
	key := b.key(typ, identifier)
	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read block: %w", err)
	}
	return b.decode(ctx, key, identifier, typ, data), nil
}

// FirstActive checks all targets in one round trip and returns the first
// active block, in target order.
func (b *BlockList) FirstActive(ctx context.Context, targets []BlockTarget) (*BlockRecord, error) {
	if len(targets) == 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() { metrics.RecordStoreOp("block_check", time.Since(start)) }()

	keys := make([]string, len(targets))
	for i, t := range targets {
		keys[i] = b.key(t.Type, t.Identifier)
	}

	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check blocks: %w", err)
	}

	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		t := targets[i]
		return b.decode(ctx, keys[i], t.Identifier, t.Type, []byte(s)), nil
	}
	return nil, nil
}

// decode parses a stored record. An undecodable record still means the key
// exists, so the block stands; the missing details are filled from the TTL.
func (b *BlockList) decode(ctx context.Context, key, identifier string, typ BlockType, data []byte) *BlockRecord {
	var rec BlockRecord
	if err := json.Unmarshal(data, &rec); err == nil {
		return &rec
	}

	b.log.Warn("undecodable block record", "key", key)

	rec = BlockRecord{Identifier: identifier, Type: typ, Reason: "unknown"}
	if ttl, err := b.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		rec.ExpiresAt = b.now().UTC().Add(ttl)
		rec.DurationSeconds = int(ttl / time.Second)
	}
	return &rec
}
