package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/redis/go-redis/v9"

	"github.com/FilipeAphrody/auth-service/internal/config"
	delivery "github.com/FilipeAphrody/auth-service/internal/delivery/http"
	"github.com/FilipeAphrody/auth-service/internal/domain"
	"github.com/FilipeAphrody/auth-service/internal/events"
	"github.com/FilipeAphrody/auth-service/internal/repository"
)

// infra holds the drivers selected by configuration. The publisher is drained
// by its owner; Close only releases connections.
type infra struct {
	users     domain.UserRepository
	tokens    domain.RefreshTokenRepository
	ledger    domain.SecurityLedger
	cache     domain.EphemeralStore
	revoker   domain.AccessRevoker
	publisher *events.AsyncPublisher
	health    map[string]delivery.Pinger

	closers []func() error
}

func (i *infra) Close() {
	for n := len(i.closers) - 1; n >= 0; n-- {
		if err := i.closers[n](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

func openInfra(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *infra, err error) {
	in := &infra{health: make(map[string]delivery.Pinger)}
	defer func() {
		if err != nil {
			in.Close()
		}
	}()

	if err := in.openStore(ctx, cfg.Database); err != nil {
		return nil, err
	}

	rdb, err := in.openCache(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}

	sink, err := newSink(cfg.Events, rdb, logger)
	if err != nil {
		return nil, err
	}
	in.publisher = events.NewAsyncPublisher(sink, events.AsyncConfig{
		Workers: cfg.Events.Workers,
		Buffer:  cfg.Events.Buffer,
	}, logger)
	return in, nil
}

func (i *infra) openStore(ctx context.Context, cfg config.DatabaseConfig) error {
	switch cfg.Driver {
	case "postgres":
		db, err := repository.OpenPostgres(ctx, cfg.URL)
		if err != nil {
			return err
		}
		i.closers = append(i.closers, db.Close)
		if err := repository.Migrate(ctx, db); err != nil {
			return err
		}
		i.users = repository.NewPostgresUserRepo(db)
		i.tokens = repository.NewPostgresTokenRepo(db)
		i.ledger = repository.NewPostgresLedger(db)
		i.health["database"] = delivery.PingFunc(db.PingContext)
	case "sqlite":
		store, err := repository.OpenSQLite(cfg.URL)
		if err != nil {
			return err
		}
		i.closers = append(i.closers, store.Close)
		i.users, i.tokens, i.ledger = store, store, store
		i.health["database"] = store
	case "memory":
		store := repository.NewMemoryUserRepo()
		i.users, i.tokens, i.ledger = store, store, repository.NewMemoryLedger()
		i.health["database"] = store
	default:
		return fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	return nil
}

// openCache returns the Redis client when one is configured, for reuse by the
// event sink.
func (i *infra) openCache(ctx context.Context, cfg config.CacheConfig) (redis.UniversalClient, error) {
	switch cfg.Driver {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		i.closers = append(i.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		repo := repository.NewRedisTokenRepo(rdb)
		i.cache, i.revoker = repo, repo
		i.health["cache"] = repo
		return rdb, nil
	case "memory":
		repo := repository.NewMemoryTokenRepo(time.Minute)
		i.closers = append(i.closers, func() error { repo.Close(); return nil })
		i.cache, i.revoker = repo, repo
		i.health["cache"] = repo
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}

func newSink(cfg config.EventsConfig, rdb redis.UniversalClient, logger *slog.Logger) (events.Sink, error) {
	switch cfg.Driver {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis events require the redis cache driver")
		}
		return events.NewRedisSink(rdb, cfg.ChannelPrefix), nil
	case "bus":
		sink := events.NewBusSink(evbus.New())
		if err := events.LogNotifier(sink, logger); err != nil {
			return nil, err
		}
		return sink, nil
	case "none":
		return events.NopSink{}, nil
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
	}
}
