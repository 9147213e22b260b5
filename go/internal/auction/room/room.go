package room

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/auction/broadcast"
	"github.com/mcdev12/gavel/go/internal/auction/events"
	"github.com/mcdev12/gavel/go/internal/models"
)

// Publisher fans events out to room members. Implementations must not block.
type Publisher interface {
	Publish(env events.Envelope, members []broadcast.Member) []broadcast.Member
}

// Observer receives state changes from the room worker. Implementations must not block.
type Observer interface {
	// RoomChanged is called after every sequence or presence event. bid is set for accepted bids.
	RoomChanged(st State, bid *BidResult)
	// RoomClosed is called once when the room reaches a terminal phase, and again when a room is
	// restored already terminal.
	RoomClosed(st State)
}

// Restore carries persisted room state into a new room after a restart.
type Restore struct {
	State State
	Bids  []BidResult
}

// Room is the single owner of one auction's state. Every read and mutation runs on the room's
// worker goroutine, in the order the commands were received.
type Room struct {
	id    string
	clock clockwork.Clock

	cmds     chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the worker goroutine.
	state     State
	arb       arbitrator
	presence  presence
	publisher Publisher
	observers []Observer
	retired   bool
}

func newRoom(a models.Auction, restore *Restore, clock clockwork.Clock, publisher Publisher, observers []Observer, buffer int) *Room {
	r := &Room{
		id:        a.ID,
		clock:     clock,
		cmds:      make(chan func(), buffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		state:     newState(a),
		arb:       newArbitrator(),
		presence:  newPresence(),
		publisher: publisher,
		observers: observers,
	}
	if restore != nil {
		r.restore(*restore)
	}
	return r
}

func (r *Room) restore(rs Restore) {
	prev := rs.State
	r.state.Phase = prev.Phase
	r.state.CurrentPrice = prev.CurrentPrice
	r.state.CurrentHolder = prev.CurrentHolder
	r.state.Sequence = prev.Sequence
	r.state.PresenceSequence = prev.PresenceSequence
	r.state.ClosedAt = prev.ClosedAt
	r.state.CloseReason = prev.CloseReason
	if prev.EndAt.After(r.state.EndAt) {
		r.state.EndAt = prev.EndAt
	}
	if r.state.CurrentPrice < r.state.StartingPrice {
		r.state.CurrentPrice = r.state.StartingPrice
	}
	for _, bid := range rs.Bids {
		if bid.Accepted {
			r.arb.remember(bid)
		}
	}
}

func (r *Room) ID() string {
	return r.id
}

// Done is closed once the worker has exited.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

func (r *Room) run() {
	defer close(r.done)
	if r.state.Terminal() {
		// A restored close may not have reached the observers before the restart.
		for _, o := range r.observers {
			o.RoomClosed(r.state)
		}
	}
	for {
		select {
		case <-r.stop:
			return
		case fn := <-r.cmds:
			fn()
			if r.retired {
				return
			}
		}
	}
}

// Stop terminates the worker. Pending and later commands fail with ErrRoomClosed.
func (r *Room) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Room) enqueue(ctx context.Context, fn func()) error {
	select {
	case <-r.done:
		return ErrRoomClosed
	default:
	}
	select {
	case r.cmds <- fn:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the worker and waits for its result. If ctx expires after the command was
// queued, the command still runs; only the caller stops waiting.
func call[T any](ctx context.Context, r *Room, fn func() T) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if err := r.enqueue(ctx, func() { reply <- fn() }); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-r.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrRoomClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// SubmitBid arbitrates a bid attempt.
func (r *Room) SubmitBid(ctx context.Context, attempt models.BidAttempt) (BidResult, error) {
	return call(ctx, r, func() BidResult { return r.handleBid(attempt) })
}

// Join adds a member to the room and returns the viewer count. The member receives a snapshot
// of the current state before any later event. Joining twice is a no-op.
func (r *Room) Join(ctx context.Context, m broadcast.Member) (int, error) {
	return call(ctx, r, func() int { return r.handleJoin(m) })
}

// Leave removes a session from the room and returns the viewer count.
func (r *Room) Leave(ctx context.Context, sessionID string) (int, error) {
	return call(ctx, r, func() int { return r.handleLeave(sessionID) })
}

// TickResult reports the room after a reconcile pass.
type TickResult struct {
	Transitions  []Transition
	NextDeadline time.Time
	HasDeadline  bool
	Phase        models.Phase
}

// Tick applies every lifecycle transition due at the room clock's current time.
func (r *Room) Tick(ctx context.Context) (TickResult, error) {
	return call(ctx, r, r.handleTick)
}

// Cancel moves the auction to CANCELLED. It reports false if the auction was already terminal.
func (r *Room) Cancel(ctx context.Context, reason string) (bool, error) {
	return call(ctx, r, func() bool { return r.handleCancel(reason) })
}

// Snapshot returns a copy of the current state.
func (r *Room) Snapshot(ctx context.Context) (State, error) {
	return call(ctx, r, func() State { return r.state })
}

// retireIfIdle reports whether the room is terminal, has no viewers, and closed at least
// after ago. An idle room's worker exits right after the check, so commands queued behind it
// fail with ErrRoomClosed.
func (r *Room) retireIfIdle(ctx context.Context, after time.Duration) (bool, error) {
	return call(ctx, r, func() bool {
		st := r.state
		r.retired = st.Terminal() && r.presence.count() == 0 && r.clock.Since(st.ClosedAt) >= after
		return r.retired
	})
}

func (r *Room) handleBid(attempt models.BidAttempt) BidResult {
	now := r.clock.Now()
	r.applyTransitions(r.state.reconcile(now))

	res := r.arb.submit(&r.state, attempt, now)
	switch {
	case !res.Accepted:
		log.Debug().
			Str("auction_id", r.id).
			Str("participant_id", attempt.ParticipantID).
			Int64("amount", attempt.Amount).
			Str("reason", string(res.Reason)).
			Msg("bid rejected")
		return res
	case res.Replayed:
		log.Debug().
			Str("auction_id", r.id).
			Str("participant_id", attempt.ParticipantID).
			Str("client_nonce", attempt.ClientNonce).
			Msg("bid replayed from nonce cache")
		return res
	}

	log.Info().
		Str("auction_id", r.id).
		Str("participant_id", res.Holder).
		Int64("price", res.Price).
		Int64("sequence", res.Sequence).
		Bool("extended", res.Extended).
		Msg("bid accepted")

	r.broadcast(events.BidsTopic(r.id), events.TypeBidAccepted, res.Sequence, now, events.BidAcceptedPayload{
		AuctionID: r.id,
		Sequence:  res.Sequence,
		Price:     res.Price,
		HolderID:  res.Holder,
		EndAt:     res.EndAt,
		Extended:  res.Extended,
	})
	for _, o := range r.observers {
		o.RoomChanged(r.state, &res)
	}
	return res
}

func (r *Room) handleJoin(m broadcast.Member) int {
	if r.presence.has(m.SessionID()) {
		return r.presence.count()
	}
	now := r.clock.Now()

	snap, err := events.New(events.SessionTopic, events.TypeSnapshot, r.id, r.state.Sequence, now, r.state.SnapshotPayload())
	if err != nil {
		log.Error().Err(err).Str("auction_id", r.id).Msg("failed to build snapshot")
		return r.presence.count()
	}
	if overflowed := r.publisher.Publish(snap, []broadcast.Member{m}); len(overflowed) > 0 {
		m.Kick(broadcast.ErrCapacityExceeded)
		return r.presence.count()
	}

	r.presence.join(m)
	r.presenceChanged(events.CauseJoin, now)
	log.Debug().
		Str("auction_id", r.id).
		Str("session_id", m.SessionID()).
		Int("viewer_count", r.presence.count()).
		Msg("session joined room")
	return r.presence.count()
}

func (r *Room) handleLeave(sessionID string) int {
	if r.presence.leave(sessionID) {
		r.presenceChanged(events.CauseLeave, r.clock.Now())
		log.Debug().
			Str("auction_id", r.id).
			Str("session_id", sessionID).
			Int("viewer_count", r.presence.count()).
			Msg("session left room")
	}
	return r.presence.count()
}

func (r *Room) handleTick() TickResult {
	ts := r.state.reconcile(r.clock.Now())
	r.applyTransitions(ts)
	return r.tickResult(ts)
}

func (r *Room) handleCancel(reason string) bool {
	now := r.clock.Now()
	r.applyTransitions(r.state.reconcile(now))
	t, ok := r.state.cancel(now, reason)
	if !ok {
		return false
	}
	r.applyTransitions([]Transition{t})
	return true
}

func (r *Room) tickResult(ts []Transition) TickResult {
	next, ok := r.state.NextDeadline()
	return TickResult{Transitions: ts, NextDeadline: next, HasDeadline: ok, Phase: r.state.Phase}
}

func (r *Room) applyTransitions(ts []Transition) {
	for _, t := range ts {
		log.Info().
			Str("auction_id", r.id).
			Str("from", string(t.From)).
			Str("to", string(t.To)).
			Int64("sequence", t.Sequence).
			Int64("price", r.state.CurrentPrice).
			Str("holder", r.state.CurrentHolder).
			Msg("auction phase changed")

		r.broadcast(events.BidsTopic(r.id), events.TypePhaseChanged, t.Sequence, t.At, events.PhaseChangedPayload{
			AuctionID: r.id,
			Sequence:  t.Sequence,
			Phase:     string(t.To),
			Previous:  string(t.From),
			Price:     r.state.CurrentPrice,
			HolderID:  r.state.CurrentHolder,
			EndAt:     r.state.EndAt,
			Reason:    t.Reason,
		})
		for _, o := range r.observers {
			o.RoomChanged(r.state, nil)
			if t.To.Terminal() {
				o.RoomClosed(r.state)
			}
		}
	}
}

func (r *Room) presenceChanged(cause events.PresenceCause, now time.Time) {
	r.state.ViewerCount = r.presence.count()
	r.state.PresenceSequence++
	for _, o := range r.observers {
		o.RoomChanged(r.state, nil)
	}
	r.broadcast(events.PresenceTopic(r.id), events.TypePresenceChanged, r.state.PresenceSequence, now, events.PresenceChangedPayload{
		AuctionID:   r.id,
		Sequence:    r.state.PresenceSequence,
		ViewerCount: r.state.ViewerCount,
		Cause:       cause,
	})
}

// broadcast publishes to every member. Members whose buffer overflowed are removed from the room
// and disconnected, which is itself a presence event.
func (r *Room) broadcast(topic string, typ events.Type, seq int64, at time.Time, payload any) {
	env, err := events.New(topic, typ, r.id, seq, at, payload)
	if err != nil {
		log.Error().Err(err).Str("auction_id", r.id).Msg("failed to build event")
		return
	}
	overflowed := r.publisher.Publish(env, r.presence.snapshot())
	for _, m := range overflowed {
		if !r.presence.leave(m.SessionID()) {
			continue
		}
		log.Warn().
			Str("auction_id", r.id).
			Str("session_id", m.SessionID()).
			Msg("disconnecting session with full outbound buffer")
		m.Kick(broadcast.ErrCapacityExceeded)
		r.presenceChanged(events.CauseLeave, at)
	}
}
