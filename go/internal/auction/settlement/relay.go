package settlement

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/auction/catalog"
	"github.com/mcdev12/gavel/go/internal/auction/events"
	"github.com/mcdev12/gavel/go/internal/auction/room"
)

// Publisher delivers closed auctions downstream.
type Publisher interface {
	Publish(ctx context.Context, closed events.AuctionClosedPayload) error
}

// Outbox durably holds closes until they are published. RecordClose reports false for an
// auction that already has a close recorded.
type Outbox interface {
	RecordClose(ctx context.Context, closed events.AuctionClosedPayload) (bool, error)
	FetchUnsentCloses(ctx context.Context, limit int32) ([]catalog.PendingClose, error)
	MarkCloseSent(ctx context.Context, id uuid.UUID) error
}

type RelayConfig struct {
	BatchSize       int32
	PollInterval    time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	PublishTimeout  time.Duration
	// FlushTimeout bounds the last pass made after shutdown is requested.
	FlushTimeout time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    5 * time.Second,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		PublishTimeout:  5 * time.Second,
		FlushTimeout:    5 * time.Second,
	}
}

type RelayStats struct {
	Recorded   int64 `json:"recorded"`
	Duplicates int64 `json:"duplicates"`
	Published  int64 `json:"published"`
	Retried    int64 `json:"retried"`
}

// Relay is a room observer that hands terminal phases to order/settlement off the room worker.
// Closes are first recorded in the outbox, which also marks the catalog row closed, then
// published from there until the publisher accepts them. Without an outbox, closes are kept in
// memory and published directly. Without a publisher, they are only recorded.
type Relay struct {
	publisher Publisher
	outbox    Outbox
	config    RelayConfig

	mu      sync.Mutex
	pending map[string]events.AuctionClosedPayload
	wake    chan struct{}
	retry   *backoff.ExponentialBackOff

	recorded   atomic.Int64
	duplicates atomic.Int64
	published  atomic.Int64
	retried    atomic.Int64
}

// NewRelay wires a relay. publisher or outbox may be nil, not both.
func NewRelay(publisher Publisher, outbox Outbox, config RelayConfig) *Relay {
	defaults := DefaultRelayConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = defaults.InitialInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = defaults.MaxInterval
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = defaults.FlushTimeout
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = config.InitialInterval
	retry.MaxInterval = config.MaxInterval
	retry.MaxElapsedTime = 0

	return &Relay{
		publisher: publisher,
		outbox:    outbox,
		config:    config,
		pending:   make(map[string]events.AuctionClosedPayload),
		wake:      make(chan struct{}, 1),
		retry:     retry,
	}
}

func (r *Relay) RoomChanged(room.State, *room.BidResult) {}

// RoomClosed queues the close without blocking the room. A room closes once per process, so
// a second close for the same auction only comes from a restored terminal room and keeps the
// first.
func (r *Relay) RoomClosed(st room.State) {
	r.mu.Lock()
	if _, ok := r.pending[st.AuctionID]; !ok {
		r.pending[st.AuctionID] = ClosedPayload(st)
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// ClosedPayload converts a terminal room state into the event sent downstream.
func ClosedPayload(st room.State) events.AuctionClosedPayload {
	p := events.AuctionClosedPayload{
		AuctionID:     st.AuctionID,
		Phase:         string(st.Phase),
		Sequence:      st.Sequence,
		StartingPrice: st.StartingPrice,
		EndAt:         st.EndAt,
		ClosedAt:      st.ClosedAt,
		Reason:        st.CloseReason,
	}
	if st.HasHolder() {
		p.FinalPrice = st.CurrentPrice
		p.WinnerID = st.CurrentHolder
	}
	return p
}

// Run records and publishes closes until ctx is done, starting with whatever the outbox still
// holds from earlier runs. After ctx is done it makes one last pass bounded by FlushTimeout.
func (r *Relay) Run(ctx context.Context) error {
	log.Info().
		Bool("outbox", r.outbox != nil).
		Bool("publisher", r.publisher != nil).
		Dur("poll_interval", r.config.PollInterval).
		Msg("settlement relay started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), r.config.FlushTimeout)
			r.pass(flushCtx)
			cancel()
			if n := r.Pending(); n > 0 {
				log.Error().
					Int("pending", n).
					Bool("outbox", r.outbox != nil).
					Msg("settlement relay stopped with closes that were never recorded or published")
			}
			log.Info().Msg("settlement relay stopped")
			return nil
		case <-r.wake:
		case <-timer.C:
		}
		timer.Reset(r.pass(ctx))
	}
}

// pass makes one attempt at everything outstanding and returns how long to wait before the
// next one. Failures back off; a clean pass waits PollInterval.
func (r *Relay) pass(ctx context.Context) time.Duration {
	ok := r.record(ctx)
	if r.publisher != nil {
		if r.outbox != nil {
			ok = r.publishOutbox(ctx) && ok
		} else {
			ok = r.publishPending(ctx) && ok
		}
	}
	if ok {
		r.retry.Reset()
		return r.config.PollInterval
	}
	r.retried.Add(1)
	return r.retry.NextBackOff()
}

// record moves in-memory closes into the outbox.
func (r *Relay) record(ctx context.Context) bool {
	if r.outbox == nil {
		return true
	}
	ok := true
	for _, closed := range r.snapshotPending() {
		recorded, err := r.outbox.RecordClose(ctx, closed)
		if err != nil {
			ok = false
			log.Warn().
				Err(err).
				Str("auction_id", closed.AuctionID).
				Str("phase", closed.Phase).
				Msg("failed to record auction close, will retry")
			continue
		}
		r.forget(closed.AuctionID)
		if recorded {
			r.recorded.Add(1)
			log.Info().
				Str("auction_id", closed.AuctionID).
				Str("phase", closed.Phase).
				Int64("sequence", closed.Sequence).
				Msg("recorded auction close")
		} else {
			r.duplicates.Add(1)
			log.Info().Str("auction_id", closed.AuctionID).Msg("auction close already recorded")
		}
	}
	return ok
}

func (r *Relay) publishOutbox(ctx context.Context) bool {
	for {
		batch, err := r.outbox.FetchUnsentCloses(ctx, r.config.BatchSize)
		if err != nil {
			log.Warn().Err(err).Msg("failed to fetch unsent auction closes")
			return false
		}
		for _, p := range batch {
			if err := r.publish(ctx, p.Closed); err != nil {
				return false
			}
			if err := r.outbox.MarkCloseSent(ctx, p.ID); err != nil {
				// Republishing keeps the same message id, so the stream drops the copy.
				log.Warn().Err(err).Str("auction_id", p.Closed.AuctionID).Msg("failed to mark auction close sent")
				return false
			}
			r.published.Add(1)
		}
		if int32(len(batch)) < r.config.BatchSize {
			return true
		}
	}
}

func (r *Relay) publishPending(ctx context.Context) bool {
	for _, closed := range r.snapshotPending() {
		if err := r.publish(ctx, closed); err != nil {
			return false
		}
		r.forget(closed.AuctionID)
		r.published.Add(1)
	}
	return true
}

func (r *Relay) publish(ctx context.Context, closed events.AuctionClosedPayload) error {
	pubCtx, cancel := context.WithTimeout(ctx, r.config.PublishTimeout)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, closed); err != nil {
		log.Warn().
			Err(err).
			Str("auction_id", closed.AuctionID).
			Int64("sequence", closed.Sequence).
			Msg("failed to publish auction close, will retry")
		return err
	}
	return nil
}

func (r *Relay) snapshotPending() []events.AuctionClosedPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.AuctionClosedPayload, 0, len(r.pending))
	for _, closed := range r.pending {
		out = append(out, closed)
	}
	return out
}

func (r *Relay) forget(auctionID string) {
	r.mu.Lock()
	delete(r.pending, auctionID)
	r.mu.Unlock()
}

// Pending reports closes held only in memory.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Recorded:   r.recorded.Load(),
		Duplicates: r.duplicates.Load(),
		Published:  r.published.Load(),
		Retried:    r.retried.Load(),
	}
}
