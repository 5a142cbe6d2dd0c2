// Package main is the entry point for the searchgate admission-control server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/searchgate/searchgate/internal/cache"
	"github.com/searchgate/searchgate/internal/config"
	"github.com/searchgate/searchgate/internal/database"
	"github.com/searchgate/searchgate/internal/identity"
	"github.com/searchgate/searchgate/internal/ratelimit"
	"github.com/searchgate/searchgate/internal/repository"
	"github.com/searchgate/searchgate/internal/server"
	"github.com/searchgate/searchgate/internal/services"
	"github.com/searchgate/searchgate/internal/usage"
	"github.com/searchgate/searchgate/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(os.Stdout, cfg.App.LogLevel)
	log.Info("starting searchgate", "env", cfg.App.Env)

	var (
		counter    ratelimit.Counter
		engineOpts []ratelimit.Option
		srvOpts    []server.Option
		idCache    cache.IdentityCacher
		apiKeys    identity.TokenVerifier
		tokens     identity.TokenVerifier
		cleanup    []func()
	)
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	var redisCache *cache.RedisCache
	if cfg.RedisEnabled() {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		redisCache, err = cache.NewRedisCache(connectCtx, &cfg.Redis)
		cancel()
		if err != nil {
			log.Warn("redis unavailable, using in-process counters", "error", err)
		}
	}

	if redisCache != nil {
		client := redisCache.Client()
		cleanup = append(cleanup, func() { _ = redisCache.Close() })
		log.Info("connected to redis", "address", cfg.Redis.Address())

		counter = ratelimit.NewRedisCounter(client)
		sampler := ratelimit.NewRedisHealthSampler(client)
		engineOpts = append(engineOpts,
			ratelimit.WithBlockList(ratelimit.NewBlockList(client, cfg.Engine.KeyPrefix, log)),
			ratelimit.WithHealthSampler(sampler),
		)
		if cfg.Engine.LoadAdjust {
			engineOpts = append(engineOpts, ratelimit.WithLoadAdjuster(ratelimit.NewLoadAdjuster(sampler, ratelimit.LoadAdjusterConfig{
				LatencyThreshold: cfg.Engine.LoadLatencyThreshold,
				MemoryThreshold:  cfg.Engine.LoadMemoryThreshold,
				Factor:           cfg.Engine.LoadFactor,
			}, log)))
		}

		if cfg.Usage.Enabled {
			store := usage.NewRedisStore(client, cfg.Usage.Retention, log)
			recorder := usage.NewRecorder(usage.Config{
				FlushInterval: cfg.Usage.FlushInterval,
				BatchSize:     cfg.Usage.BatchSize,
				Buffer:        cfg.Usage.Buffer,
			}, store, store, log)
			cleanup = append(cleanup, recorder.Stop)
			engineOpts = append(engineOpts, ratelimit.WithUsageStore(recorder))
		}

		idCache = cache.NewIdentityCache(redisCache, "identity:", cfg.Identity.CacheTTL)
		srvOpts = append(srvOpts, server.WithReadyCheck("redis", redisCache.Ping))
	} else {
		memory := ratelimit.NewMemoryCounter(time.Minute)
		cleanup = append(cleanup, func() { _ = memory.Close() })
		counter = memory
	}

	if cfg.DatabaseEnabled() {
		pool, err := database.NewPool(ctx, &cfg.Database)
		if err != nil {
			log.Warn("postgres unavailable, api keys disabled", "error", err)
		} else {
			cleanup = append(cleanup, pool.Close)
			log.Info("connected to postgres", "host", cfg.Database.Host, "database", cfg.Database.DBName)

			if cfg.Database.AutoMigrate {
				if err := migrate(ctx, pool, log); err != nil {
					return err
				}
			}

			repo := repository.NewPostgresAPIKeyRepository(pool)
			verifier := identity.NewAPIKeyVerifier(idCache, repo, identity.APIKeyVerifierConfig{}, log)
			cleanup = append(cleanup, verifier.Stop)
			apiKeys = verifier

			srvOpts = append(srvOpts,
				server.WithAPIKeyService(services.NewAPIKeyService(repo, verifier, cfg.Identity.APIKeyPrefix)),
				server.WithReadyCheck("postgres", pool.HealthCheck),
			)
		}
	}

	if len(cfg.Identity.StaticTokens) > 0 {
		if cfg.App.IsProduction() {
			log.Warn("static bearer tokens configured in production")
		}
		tokens = identity.NewStaticTokenVerifier(cfg.Identity.StaticTokens)
	}
	if apiKeys != nil || tokens != nil {
		engineOpts = append(engineOpts, ratelimit.WithEnricher(identity.NewEnricher(apiKeys, tokens, identity.EnricherConfig{
			APIKeyPrefix: cfg.Identity.APIKeyPrefix,
			Timeout:      cfg.Identity.VerifyTimeout,
		}, log)))
	}

	engine, err := ratelimit.NewEngine(counter, ratelimit.NewTable(cfg.Limits), ratelimit.Config{
		KeyPrefix:           cfg.Engine.KeyPrefix,
		StoreTimeout:        cfg.Engine.StoreTimeout,
		DecisionTimeout:     cfg.Engine.DecisionTimeout,
		FallbackRemaining:   cfg.Engine.FallbackRemaining,
		GlobalFailClosedRPS: cfg.Engine.GlobalFailClosedRPS,
	}, log, engineOpts...)
	if err != nil {
		return fmt.Errorf("failed to create rate limit engine: %w", err)
	}

	limitsFile := cfg.Engine.LimitsFile
	srvOpts = append(srvOpts, server.WithLimitsLoader(func() (config.LimitTable, error) {
		return config.LoadLimits(limitsFile)
	}))

	srv := server.New(cfg, log, engine, srvOpts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func migrate(ctx context.Context, pool *database.Pool, log *logger.Logger) error {
	migrator, err := database.NewMigrator(pool)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := migrator.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if applied > 0 {
		log.Info("applied migrations", "count", applied)
	}
	return nil
}
