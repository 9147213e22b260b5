package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/auction/events"
	"github.com/mcdev12/gavel/go/internal/auction/room"
	"github.com/mcdev12/gavel/go/internal/models"
)

// Catalog lists auctions that still need a room.
type Catalog interface {
	ListOpen(ctx context.Context) ([]models.Auction, error)
}

// SnapshotLoader loads persisted room state. A nil Restore with a nil error means nothing was
// persisted for the auction.
type SnapshotLoader interface {
	Load(ctx context.Context, auctionID string) (*room.Restore, error)
}

// Defaults fill in bidding rules the catalog leaves unset.
type Defaults struct {
	MinIncrement       int64
	AntiSnipeWindow    time.Duration
	AntiSnipeExtension time.Duration
	AllowSelfRaise     bool
}

func DefaultDefaults() Defaults {
	return Defaults{
		MinIncrement:       100,
		AntiSnipeWindow:    30 * time.Second,
		AntiSnipeExtension: 30 * time.Second,
	}
}

// Auction builds a scheduled auction from a catalog event. Rules the event omits take the defaults.
func (d Defaults) Auction(p events.AuctionScheduledPayload) models.Auction {
	a := models.Auction{
		ID:            p.AuctionID,
		Phase:         models.PhaseScheduled,
		StartAt:       p.StartAt,
		EndAt:         p.EndAt,
		StartingPrice: p.StartingPrice,
		Settings: models.AuctionSettings{
			MinIncrement: p.MinIncrement,
		},
	}
	if p.AntiSnipeWindowSec != nil {
		a.Settings.AntiSnipeWindow = time.Duration(*p.AntiSnipeWindowSec) * time.Second
	}
	if p.AntiSnipeExtensionSec != nil {
		a.Settings.AntiSnipeExtension = time.Duration(*p.AntiSnipeExtensionSec) * time.Second
	}
	if p.AllowSelfRaise != nil {
		a.Settings.AllowSelfRaise = *p.AllowSelfRaise
	}
	return d.apply(a, p.AntiSnipeWindowSec == nil, p.AntiSnipeExtensionSec == nil, p.AllowSelfRaise == nil)
}

// Orchestrator opens rooms for catalog auctions and hands them to the scheduler.
type Orchestrator struct {
	registry  *room.Registry
	scheduler *Scheduler
	catalog   Catalog
	snapshots SnapshotLoader
	defaults  Defaults
}

// NewOrchestrator wires the orchestrator. catalog and snapshots may be nil.
func NewOrchestrator(registry *room.Registry, scheduler *Scheduler, catalog Catalog, snapshots SnapshotLoader, defaults Defaults) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		scheduler: scheduler,
		catalog:   catalog,
		snapshots: snapshots,
		defaults:  defaults,
	}
}

// Recover opens a room for every open catalog auction, restoring persisted state where there is
// some. Auctions whose end passed while the process was down close on their first tick.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	if o.catalog == nil {
		return 0, nil
	}
	auctions, err := o.catalog.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open auctions: %w", err)
	}

	opened := 0
	for _, a := range auctions {
		a = o.defaults.apply(a, false, false, false)
		created, err := o.open(ctx, a)
		if err != nil {
			log.Error().Err(err).Str("auction_id", a.ID).Msg("failed to recover auction")
			continue
		}
		if created {
			opened++
		}
	}
	log.Info().Int("auctions", len(auctions)).Int("opened", opened).Msg("recovered auction rooms")
	return opened, nil
}

// HandleDomainEvent routes catalog events.
func (o *Orchestrator) HandleDomainEvent(ctx context.Context, eventType events.DomainEventType, payload []byte) error {
	switch eventType {
	case events.EventAuctionScheduled:
		var p events.AuctionScheduledPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal AuctionScheduled payload: %w", err)
		}
		return o.handleAuctionScheduled(ctx, p)

	case events.EventAuctionCancelled:
		var p events.AuctionCancelledPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal AuctionCancelled payload: %w", err)
		}
		return o.handleAuctionCancelled(ctx, p)

	case events.EventAuctionClosed:
		// our own output, nothing to do
		return nil

	default:
		log.Warn().Str("event_type", string(eventType)).Msg("unknown event type - ignoring")
		return nil
	}
}

func (o *Orchestrator) handleAuctionScheduled(ctx context.Context, p events.AuctionScheduledPayload) error {
	a := o.defaults.Auction(p)
	created, err := o.open(ctx, a)
	if err != nil {
		return err
	}
	if !created {
		log.Info().Str("auction_id", a.ID).Msg("auction room already open, schedule event ignored")
	}
	return nil
}

func (o *Orchestrator) handleAuctionCancelled(ctx context.Context, p events.AuctionCancelledPayload) error {
	reason := p.Reason
	if reason == "" {
		reason = "cancelled"
	}
	err := o.scheduler.Cancel(ctx, p.AuctionID, reason)
	if errors.Is(err, room.ErrUnknownAuction) {
		log.Warn().Str("auction_id", p.AuctionID).Msg("cancellation for unknown auction ignored")
		return nil
	}
	return err
}

// open restores and opens a room, then starts tracking its deadlines.
func (o *Orchestrator) open(ctx context.Context, a models.Auction) (bool, error) {
	if a.Phase.Terminal() {
		return false, nil
	}

	var restore *room.Restore
	if o.snapshots != nil {
		rs, err := o.snapshots.Load(ctx, a.ID)
		if err != nil {
			log.Warn().Err(err).Str("auction_id", a.ID).Msg("failed to load room snapshot, starting fresh")
		} else {
			restore = rs
		}
	}

	_, created, err := o.registry.Open(a, restore)
	if err != nil {
		return false, err
	}
	o.scheduler.Track(a.ID)
	return created, nil
}

func (d Defaults) apply(a models.Auction, window, extension, selfRaise bool) models.Auction {
	if a.Settings.MinIncrement <= 0 {
		a.Settings.MinIncrement = d.MinIncrement
	}
	if window {
		a.Settings.AntiSnipeWindow = d.AntiSnipeWindow
	}
	if extension {
		a.Settings.AntiSnipeExtension = d.AntiSnipeExtension
	}
	if selfRaise {
		a.Settings.AllowSelfRaise = d.AllowSelfRaise
	}
	return a
}
