package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/auction/catalog"
	"github.com/mcdev12/gavel/go/internal/auction/orchestrator"
	"github.com/mcdev12/gavel/go/internal/auction/snapshot"
	"github.com/mcdev12/gavel/go/internal/config"
)

// Backends holds the external connections. Disabled backends are nil.
type Backends struct {
	Postgres  *pgxpool.Pool
	Redis     *redis.Client
	NATS      *nats.Conn
	JetStream jetstream.JetStream
}

func connectBackends(ctx context.Context, cfg config.Config) (*Backends, error) {
	b := &Backends{}

	if cfg.Postgres.Enabled {
		pool, err := catalog.NewPool(ctx, cfg.Catalog())
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to connect to catalog database: %w", err)
		}
		b.Postgres = pool
		log.Info().
			Str("host", cfg.Postgres.Host).
			Int("port", cfg.Postgres.Port).
			Str("database", cfg.Postgres.Database).
			Msg("connected to catalog database")
	}

	if cfg.Redis.Enabled {
		rdb, err := snapshot.NewClient(ctx, cfg.RedisClient())
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		b.Redis = rdb
		log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")
	}

	if cfg.NATS.Enabled {
		nc, js, err := orchestrator.Connect(cfg.NATS.URL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.NATS = nc
		b.JetStream = js
	}

	return b, nil
}

func (b *Backends) Close() {
	if b.NATS != nil {
		if err := b.NATS.Drain(); err != nil {
			log.Error().Err(err).Msg("failed to drain NATS connection")
		}
	}
	if b.Redis != nil {
		if err := b.Redis.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis client")
		}
	}
	if b.Postgres != nil {
		b.Postgres.Close()
	}
}
