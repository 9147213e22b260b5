// Package catalog reads auction definitions from the catalog's Postgres tables and records how
// they closed.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcdev12/gavel/go/internal/models"
)

// Config holds Postgres connection settings.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
}

// DSN returns the Postgres connection URL.
func (c Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, port, c.Database, sslMode,
	)
}

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Repository reads open auctions and keeps the close outbox.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type auctionRow struct {
	ID                    string    `db:"id"`
	Phase                 string    `db:"phase"`
	StartAt               time.Time `db:"start_at"`
	EndAt                 time.Time `db:"end_at"`
	StartingPrice         int64     `db:"starting_price"`
	MinIncrement          int64     `db:"min_increment"`
	AntiSnipeWindowSec    int32     `db:"anti_snipe_window_sec"`
	AntiSnipeExtensionSec int32     `db:"anti_snipe_extension_sec"`
	AllowSelfRaise        bool      `db:"allow_self_raise"`
}

func (r auctionRow) toModel() models.Auction {
	phase := models.Phase(r.Phase)
	if !phase.Valid() {
		phase = models.PhaseScheduled
	}
	return models.Auction{
		ID:            r.ID,
		Phase:         phase,
		StartAt:       r.StartAt.UTC(),
		EndAt:         r.EndAt.UTC(),
		StartingPrice: r.StartingPrice,
		Settings: models.AuctionSettings{
			MinIncrement:       r.MinIncrement,
			AntiSnipeWindow:    time.Duration(r.AntiSnipeWindowSec) * time.Second,
			AntiSnipeExtension: time.Duration(r.AntiSnipeExtensionSec) * time.Second,
			AllowSelfRaise:     r.AllowSelfRaise,
		},
	}
}

// ListOpen returns every SCHEDULED or LIVE auction, earliest start first.
func (r *Repository) ListOpen(ctx context.Context) ([]models.Auction, error) {
	const query = `
		SELECT id, phase, start_at, end_at, starting_price,
		       COALESCE(min_increment, 0)             AS min_increment,
		       COALESCE(anti_snipe_window_sec, 0)     AS anti_snipe_window_sec,
		       COALESCE(anti_snipe_extension_sec, 0)  AS anti_snipe_extension_sec,
		       COALESCE(allow_self_raise, false)      AS allow_self_raise
		FROM auctions
		WHERE phase IN ('SCHEDULED', 'LIVE')
		ORDER BY start_at`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open auctions: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowToStructByName[auctionRow])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan auctions: %w", err)
	}

	auctions := make([]models.Auction, 0, len(found))
	for _, row := range found {
		auctions = append(auctions, row.toModel())
	}
	return auctions, nil
}
