package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mcdev12/gavel/go/internal/auction/events"
)

// PendingClose is an outbox row that has not been published yet.
type PendingClose struct {
	ID     uuid.UUID
	Closed events.AuctionClosedPayload
}

type outboxRow struct {
	ID      uuid.UUID `db:"id"`
	Payload []byte    `db:"payload"`
}

// RecordClose writes an auction's final state back to its catalog row and queues the close for
// publication, in one transaction. An auction gets at most one outbox row; a second close for
// the same auction changes nothing and reports false.
func (r *Repository) RecordClose(ctx context.Context, closed events.AuctionClosedPayload) (bool, error) {
	payload, err := json.Marshal(closed)
	if err != nil {
		return false, fmt.Errorf("marshal close %s: %w", closed.AuctionID, err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE auctions
		SET phase = $2, final_price = $3, winner_id = NULLIF($4, ''),
		    final_sequence = $5, closed_at = $6, close_reason = NULLIF($7, '')
		WHERE id = $1 AND phase IN ('SCHEDULED', 'LIVE')`,
		closed.AuctionID, closed.Phase, closed.FinalPrice, closed.WinnerID,
		closed.Sequence, closed.ClosedAt, closed.Reason,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: close auction %s: %w", closed.AuctionID, err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO auction_outbox (id, auction_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (auction_id) DO NOTHING`,
		uuid.New(), closed.AuctionID, string(events.EventAuctionClosed), payload,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert outbox %s: %w", closed.AuctionID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("postgres: commit close %s: %w", closed.AuctionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// FetchUnsentCloses returns up to limit unpublished closes, oldest first.
func (r *Repository) FetchUnsentCloses(ctx context.Context, limit int32) ([]PendingClose, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, payload
		FROM auction_outbox
		WHERE sent_at IS NULL
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch unsent closes: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowToStructByName[outboxRow])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan outbox: %w", err)
	}

	pending := make([]PendingClose, 0, len(found))
	for _, row := range found {
		p, err := row.toPending()
		if err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, nil
}

func (r outboxRow) toPending() (PendingClose, error) {
	var closed events.AuctionClosedPayload
	if err := json.Unmarshal(r.Payload, &closed); err != nil {
		return PendingClose{}, fmt.Errorf("unmarshal outbox %s: %w", r.ID, err)
	}
	return PendingClose{ID: r.ID, Closed: closed}, nil
}

func (r *Repository) MarkCloseSent(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `UPDATE auction_outbox SET sent_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: mark close sent %s: %w", id, err)
	}
	return nil
}
