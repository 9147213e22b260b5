// Package config loads auctiond settings from a YAML file, a .env file, and AUCTIOND_* environment
// variables, in that order of precedence (last wins).
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mcdev12/gavel/go/internal/auction/catalog"
	"github.com/mcdev12/gavel/go/internal/auction/gateway"
	"github.com/mcdev12/gavel/go/internal/auction/orchestrator"
	"github.com/mcdev12/gavel/go/internal/auction/room"
	"github.com/mcdev12/gavel/go/internal/auction/settlement"
	"github.com/mcdev12/gavel/go/internal/auction/snapshot"
)

type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"server"`
	Session  SessionConfig  `yaml:"session" envconfig:"session"`
	Auction  AuctionConfig  `yaml:"auction" envconfig:"auction"`
	NATS     NATSConfig     `yaml:"nats" envconfig:"nats"`
	Redis    RedisConfig    `yaml:"redis" envconfig:"redis"`
	Postgres PostgresConfig `yaml:"postgres" envconfig:"postgres"`
	Auth     AuthConfig     `yaml:"auth" envconfig:"auth"`
	Log      LogConfig      `yaml:"log" envconfig:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" envconfig:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"shutdown_timeout"`
}

type SessionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" envconfig:"heartbeat_interval"`
	OutboundBuffer    int           `yaml:"outbound_buffer" envconfig:"outbound_buffer"`
	BidAckTimeout     time.Duration `yaml:"bid_ack_timeout" envconfig:"bid_ack_timeout"`
	MaxMessageSize    int64         `yaml:"max_message_size" envconfig:"max_message_size"`
	WriteTimeout      time.Duration `yaml:"write_timeout" envconfig:"write_timeout"`
	PollWait          time.Duration `yaml:"poll_wait" envconfig:"poll_wait"`
}

type AuctionConfig struct {
	MinIncrement       int64         `yaml:"min_increment" envconfig:"min_increment"`
	AntiSnipeWindow    time.Duration `yaml:"anti_snipe_window" envconfig:"anti_snipe_window"`
	AntiSnipeExtension time.Duration `yaml:"anti_snipe_extension" envconfig:"anti_snipe_extension"`
	AllowSelfRaise     bool          `yaml:"allow_self_raise" envconfig:"allow_self_raise"`
	EvictAfter         time.Duration `yaml:"evict_after" envconfig:"evict_after"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval" envconfig:"reconcile_interval"`
	CommandBuffer      int           `yaml:"command_buffer" envconfig:"command_buffer"`
	SchedulerWorkers   int           `yaml:"scheduler_workers" envconfig:"scheduler_workers"`
}

type NATSConfig struct {
	Enabled                 bool   `yaml:"enabled" envconfig:"enabled"`
	URL                     string `yaml:"url" envconfig:"url"`
	CatalogStream           string `yaml:"catalog_stream" envconfig:"catalog_stream"`
	CatalogSubject          string `yaml:"catalog_subject" envconfig:"catalog_subject"`
	Durable                 string `yaml:"durable" envconfig:"durable"`
	SettlementStream        string `yaml:"settlement_stream" envconfig:"settlement_stream"`
	SettlementSubjectPrefix string `yaml:"settlement_subject_prefix" envconfig:"settlement_subject_prefix"`
}

type RedisConfig struct {
	Enabled       bool          `yaml:"enabled" envconfig:"enabled"`
	Addr          string        `yaml:"addr" envconfig:"addr"`
	Password      string        `yaml:"password" envconfig:"password"`
	DB            int           `yaml:"db" envconfig:"db"`
	PoolSize      int           `yaml:"pool_size" envconfig:"pool_size"`
	FlushInterval time.Duration `yaml:"flush_interval" envconfig:"flush_interval"`
	ClosedTTL     time.Duration `yaml:"closed_ttl" envconfig:"closed_ttl"`
}

type PostgresConfig struct {
	Enabled  bool   `yaml:"enabled" envconfig:"enabled"`
	Host     string `yaml:"host" envconfig:"host"`
	Port     int    `yaml:"port" envconfig:"port"`
	User     string `yaml:"user" envconfig:"user"`
	Password string `yaml:"password" envconfig:"password"`
	Database string `yaml:"database" envconfig:"database"`
	SSLMode  string `yaml:"sslmode" envconfig:"sslmode"`
	MaxConns int    `yaml:"max_conns" envconfig:"max_conns"`
}

type AuthConfig struct {
	JWTSecret      string `yaml:"jwt_secret" envconfig:"jwt_secret"`
	Issuer         string `yaml:"issuer" envconfig:"issuer"`
	AllowAnonymous bool   `yaml:"allow_anonymous" envconfig:"allow_anonymous"`
}

type LogConfig struct {
	Level  string `yaml:"level" envconfig:"level"`
	Pretty bool   `yaml:"pretty" envconfig:"pretty"`
}

// Default returns a configuration that runs a single node against local NATS, Redis and Postgres.
func Default() Config {
	conn := gateway.DefaultConnectionConfig()
	reg := room.DefaultConfig()
	sched := orchestrator.DefaultSchedulerConfig()
	defs := orchestrator.DefaultDefaults()
	consumer := orchestrator.DefaultConsumerConfig()
	js := settlement.DefaultJetStreamConfig()

	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			HeartbeatInterval: conn.HeartbeatInterval,
			OutboundBuffer:    conn.SendBuffer,
			BidAckTimeout:     conn.BidAckTimeout,
			MaxMessageSize:    conn.MaxMessageSize,
			WriteTimeout:      conn.WriteTimeout,
			PollWait:          conn.PollWait,
		},
		Auction: AuctionConfig{
			MinIncrement:       defs.MinIncrement,
			AntiSnipeWindow:    defs.AntiSnipeWindow,
			AntiSnipeExtension: defs.AntiSnipeExtension,
			AllowSelfRaise:     defs.AllowSelfRaise,
			EvictAfter:         reg.EvictAfter,
			ReconcileInterval:  sched.ReconcileInterval,
			CommandBuffer:      reg.CommandBuffer,
			SchedulerWorkers:   sched.NumWorkers,
		},
		NATS: NATSConfig{
			Enabled:                 true,
			URL:                     "nats://localhost:4222",
			CatalogStream:           consumer.Stream,
			CatalogSubject:          consumer.FilterSubject,
			Durable:                 consumer.Durable,
			SettlementStream:        js.StreamName,
			SettlementSubjectPrefix: js.SubjectPrefix,
		},
		Redis: RedisConfig{
			Enabled:       true,
			Addr:          "localhost:6379",
			PoolSize:      10,
			FlushInterval: time.Second,
			ClosedTTL:     24 * time.Hour,
		},
		Postgres: PostgresConfig{
			Enabled:  true,
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			Database: "gavel",
			SSLMode:  "disable",
			MaxConns: 4,
		},
		Auth: AuthConfig{
			AllowAnonymous: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	positive("server.shutdown_timeout", c.Server.ShutdownTimeout > 0)
	positive("session.heartbeat_interval", c.Session.HeartbeatInterval > 0)
	positive("session.outbound_buffer", c.Session.OutboundBuffer > 0)
	positive("session.bid_ack_timeout", c.Session.BidAckTimeout > 0)
	positive("session.max_message_size", c.Session.MaxMessageSize > 0)
	positive("session.write_timeout", c.Session.WriteTimeout > 0)
	positive("session.poll_wait", c.Session.PollWait > 0)
	positive("auction.min_increment", c.Auction.MinIncrement > 0)
	positive("auction.reconcile_interval", c.Auction.ReconcileInterval > 0)
	positive("auction.command_buffer", c.Auction.CommandBuffer > 0)
	positive("auction.scheduler_workers", c.Auction.SchedulerWorkers > 0)
	if c.Auction.AntiSnipeWindow < 0 || c.Auction.AntiSnipeExtension < 0 {
		errs = append(errs, errors.New("auction anti-snipe durations must not be negative"))
	}
	if c.Auction.EvictAfter < 0 {
		errs = append(errs, errors.New("auction.evict_after must not be negative"))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
		}
		positive("redis.flush_interval", c.Redis.FlushInterval > 0)
	}
	if c.Postgres.Enabled && (c.Postgres.Host == "" || c.Postgres.Database == "") {
		errs = append(errs, errors.New("postgres.host and postgres.database are required when postgres is enabled"))
	}
	if c.Auth.JWTSecret == "" && !c.Auth.AllowAnonymous {
		errs = append(errs, errors.New("auth.jwt_secret is required unless anonymous access is allowed"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

func (c Config) Connection() gateway.ConnectionConfig {
	conn := gateway.DefaultConnectionConfig()
	conn.HeartbeatInterval = c.Session.HeartbeatInterval
	conn.SendBuffer = c.Session.OutboundBuffer
	conn.BidAckTimeout = c.Session.BidAckTimeout
	conn.MaxMessageSize = c.Session.MaxMessageSize
	conn.WriteTimeout = c.Session.WriteTimeout
	conn.PollWait = c.Session.PollWait
	return conn
}

func (c Config) Registry() room.Config {
	return room.Config{
		CommandBuffer: c.Auction.CommandBuffer,
		EvictAfter:    c.Auction.EvictAfter,
	}
}

func (c Config) Scheduler() orchestrator.SchedulerConfig {
	sched := orchestrator.DefaultSchedulerConfig()
	sched.NumWorkers = c.Auction.SchedulerWorkers
	sched.ReconcileInterval = c.Auction.ReconcileInterval
	return sched
}

func (c Config) AuctionDefaults() orchestrator.Defaults {
	return orchestrator.Defaults{
		MinIncrement:       c.Auction.MinIncrement,
		AntiSnipeWindow:    c.Auction.AntiSnipeWindow,
		AntiSnipeExtension: c.Auction.AntiSnipeExtension,
		AllowSelfRaise:     c.Auction.AllowSelfRaise,
	}
}

func (c Config) Consumer() orchestrator.ConsumerConfig {
	consumer := orchestrator.DefaultConsumerConfig()
	consumer.Stream = c.NATS.CatalogStream
	consumer.FilterSubject = c.NATS.CatalogSubject
	consumer.Durable = c.NATS.Durable
	return consumer
}

func (c Config) Settlement() settlement.JetStreamConfig {
	js := settlement.DefaultJetStreamConfig()
	js.StreamName = c.NATS.SettlementStream
	js.SubjectPrefix = c.NATS.SettlementSubjectPrefix
	return js
}

func (c Config) RedisClient() snapshot.ClientConfig {
	return snapshot.ClientConfig{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		PoolSize: c.Redis.PoolSize,
	}
}

func (c Config) Catalog() catalog.Config {
	return catalog.Config{
		Host:     c.Postgres.Host,
		Port:     c.Postgres.Port,
		User:     c.Postgres.User,
		Password: c.Postgres.Password,
		Database: c.Postgres.Database,
		SSLMode:  c.Postgres.SSLMode,
		MaxConns: c.Postgres.MaxConns,
	}
}
