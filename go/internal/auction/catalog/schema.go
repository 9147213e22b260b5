package catalog

import (
	"context"
	"fmt"

	"github.com/mcdev12/gavel/go/internal/models"
)

// Schema creates the auctions table read by ListOpen and the outbox of closes awaiting publication.
const Schema = `
CREATE TABLE IF NOT EXISTS auctions (
	id                       TEXT PRIMARY KEY,
	phase                    TEXT        NOT NULL DEFAULT 'SCHEDULED',
	start_at                 TIMESTAMPTZ NOT NULL,
	end_at                   TIMESTAMPTZ NOT NULL,
	starting_price           BIGINT      NOT NULL,
	min_increment            BIGINT,
	anti_snipe_window_sec    INTEGER,
	anti_snipe_extension_sec INTEGER,
	allow_self_raise         BOOLEAN,
	final_price              BIGINT,
	winner_id                TEXT,
	final_sequence           BIGINT,
	closed_at                TIMESTAMPTZ,
	close_reason             TEXT,
	created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (end_at > start_at),
	CHECK (starting_price > 0)
);
CREATE INDEX IF NOT EXISTS auctions_open_idx ON auctions (start_at) WHERE phase IN ('SCHEDULED', 'LIVE');

CREATE TABLE IF NOT EXISTS auction_outbox (
	id         UUID PRIMARY KEY,
	auction_id TEXT        NOT NULL UNIQUE,
	event_type TEXT        NOT NULL,
	payload    JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	sent_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS auction_outbox_unsent_idx ON auction_outbox (created_at) WHERE sent_at IS NULL;`

func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: create schema: %w", err)
	}
	return nil
}

// Insert adds a scheduled auction. It reports false when the id already exists.
func (r *Repository) Insert(ctx context.Context, a models.Auction) (bool, error) {
	if err := a.Validate(); err != nil {
		return false, err
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO auctions (
		  id, phase, start_at, end_at, starting_price,
		  min_increment, anti_snipe_window_sec, anti_snipe_extension_sec, allow_self_raise
		) VALUES (
		  $1,$2,$3,$4,$5,$6,$7,$8,$9
		)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, string(models.PhaseScheduled), a.StartAt, a.EndAt, a.StartingPrice,
		a.Settings.MinIncrement,
		int32(a.Settings.AntiSnipeWindow.Seconds()),
		int32(a.Settings.AntiSnipeExtension.Seconds()),
		a.Settings.AllowSelfRaise,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert auction %s: %w", a.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}
