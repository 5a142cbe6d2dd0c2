package identity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchgate/searchgate/internal/cache"
	"github.com/searchgate/searchgate/internal/metrics"
	"github.com/searchgate/searchgate/internal/models"
	"github.com/searchgate/searchgate/pkg/logger"
)

// KeyStore is the persistent API key registry.
type KeyStore interface {
	GetByHash(ctx context.Context, hash string) (*models.APIKey, error)
	TouchLastUsed(ctx context.Context, ids []string, at time.Time) error
}

// APIKeyVerifierConfig configures an APIKeyVerifier.
type APIKeyVerifierConfig struct {
	TouchBuffer   int           // queued last-used updates
	TouchInterval time.Duration // how often last-used updates are written
}

// APIKeyVerifier resolves API keys through the identity cache, falling back
// to the registry. Successful lookups queue a last-used update that is
// written in the background.
type APIKeyVerifier struct {
	cache cache.IdentityCacher
	store KeyStore
	cfg   APIKeyVerifierConfig
	log   *logger.Logger
	now   func() time.Time

	touches chan string

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
	stopped  atomic.Bool
}

// NewAPIKeyVerifier creates a verifier and starts its last-used writer.
// idCache may be nil.
func NewAPIKeyVerifier(idCache cache.IdentityCacher, store KeyStore, cfg APIKeyVerifierConfig, log *logger.Logger) *APIKeyVerifier {
	if cfg.TouchBuffer <= 0 {
		cfg.TouchBuffer = 1000
	}
	if cfg.TouchInterval <= 0 {
		cfg.TouchInterval = 30 * time.Second
	}

	v := &APIKeyVerifier{
		cache:    idCache,
		store:    store,
		cfg:      cfg,
		log:      log.Named("apikeys"),
		now:      time.Now,
		touches:  make(chan string, cfg.TouchBuffer),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	go v.run()
	return v
}

// Verify resolves a plaintext API key.
func (v *APIKeyVerifier) Verify(ctx context.Context, plaintext string) (Identity, error) {
	hash := models.HashAPIKey(plaintext)

	if cached, ok := v.fromCache(ctx, hash); ok {
		if !cached.Active || (cached.ExpiresAt != nil && !v.now().Before(*cached.ExpiresAt)) {
			return Identity{}, ErrInvalidCredential
		}
		v.touch(cached.APIKeyID)
		return Identity{UserID: cached.OwnerID, Tier: cached.Tier, APIKeyID: cached.APIKeyID}, nil
	}

	key, err := v.store.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, models.ErrAPIKeyNotFound) {
			metrics.RecordIdentityLookup("database", "miss")
			return Identity{}, ErrInvalidCredential
		}
		metrics.RecordIdentityLookup("database", "error")
		return Identity{}, err
	}
	metrics.RecordIdentityLookup("database", "hit")

	if v.cache != nil {
		entry := &cache.CachedIdentity{
			APIKeyID:  key.ID,
			OwnerID:   key.OwnerID,
			Tier:      key.Tier,
			Active:    key.Active,
			ExpiresAt: key.ExpiresAt,
		}
		if err := v.cache.Set(ctx, hash, entry); err != nil {
			v.log.Debug("failed to cache api key identity", "error", err)
		}
	}

	if !key.Usable(v.now()) {
		return Identity{}, ErrInvalidCredential
	}

	v.touch(key.ID)
	return Identity{UserID: key.OwnerID, Tier: key.Tier, APIKeyID: key.ID}, nil
}

// fromCache returns a cached identity. Cache errors fall through to the store.
func (v *APIKeyVerifier) fromCache(ctx context.Context, hash string) (*cache.CachedIdentity, bool) {
	if v.cache == nil {
		return nil, false
	}

	cached, err := v.cache.Get(ctx, hash)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			metrics.RecordIdentityLookup("cache", "error")
			v.log.Debug("identity cache read failed", "error", err)
		} else {
			metrics.RecordIdentityLookup("cache", "miss")
		}
		return nil, false
	}

	metrics.RecordIdentityLookup("cache", "hit")
	return cached, true
}

// Invalidate drops a key from the identity cache.
func (v *APIKeyVerifier) Invalidate(ctx context.Context, plaintextOrHash string, isHash bool) error {
	if v.cache == nil {
		return nil
	}
	hash := plaintextOrHash
	if !isHash {
		hash = models.HashAPIKey(plaintextOrHash)
	}
	return v.cache.Delete(ctx, hash)
}

// touch queues a last-used update, dropping it when the queue is full.
func (v *APIKeyVerifier) touch(id string) {
	if id == "" || v.stopped.Load() {
		return
	}
	select {
	case v.touches <- id:
	default:
	}
}

// Stop writes pending last-used updates and stops the writer.
func (v *APIKeyVerifier) Stop() {
	v.stopOnce.Do(func() {
		v.stopped.Store(true)
		close(v.stopChan)
		<-v.doneChan
	})
}

func (v *APIKeyVerifier) run() {
	defer close(v.doneChan)

	ticker := time.NewTicker(v.cfg.TouchInterval)
	defer ticker.Stop()

	pending := make(map[string]struct{})

	for {
		select {
		case id := <-v.touches:
			pending[id] = struct{}{}

		case <-ticker.C:
			v.flush(pending)
			pending = make(map[string]struct{})

		case <-v.stopChan:
		drain:
			for {
				select {
				case id := <-v.touches:
					pending[id] = struct{}{}
				default:
					break drain
				}
			}
			v.flush(pending)
			return
		}
	}
}

func (v *APIKeyVerifier) flush(pending map[string]struct{}) {
	if len(pending) == 0 {
		return
	}

	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := v.store.TouchLastUsed(ctx, ids, v.now().UTC()); err != nil {
		v.log.Warn("failed to record api key usage", "keys", len(ids), "error", err)
	}
}
