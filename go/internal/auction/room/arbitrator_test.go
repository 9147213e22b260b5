package room

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/mcdev12/gavel/go/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testAuction() models.Auction {
	return models.Auction{
		ID:            "lot-7",
		StartAt:       t0,
		EndAt:         t0.Add(10 * time.Minute),
		StartingPrice: 1000,
		Settings: models.AuctionSettings{
			MinIncrement:       100,
			AntiSnipeWindow:    30 * time.Second,
			AntiSnipeExtension: 30 * time.Second,
		},
	}
}

func liveState() State {
	s := newState(testAuction())
	s.Phase = models.PhaseLive
	return s
}

func bid(participant string, amount int64, nonce string) models.BidAttempt {
	return models.BidAttempt{AuctionID: "lot-7", ParticipantID: participant, Amount: amount, ClientNonce: nonce}
}

func TestBasicOutbid(t *testing.T) {
	s := liveState()
	a := newArbitrator()
	now := t0.Add(time.Minute)

	res := a.submit(&s, bid("alice", 1100, "a1"), now)
	assert.True(t, res.Accepted)
	check.Equal(t, int64(1100), res.Price)
	check.Equal(t, "alice", res.Holder)
	check.Equal(t, int64(1), res.Sequence)

	res = a.submit(&s, bid("bob", 1150, "b1"), now)
	check.False(t, res.Accepted)
	check.Equal(t, ReasonBidTooLow, res.Reason)

	res = a.submit(&s, bid("bob", 1200, "b2"), now)
	assert.True(t, res.Accepted)
	check.Equal(t, int64(1200), s.CurrentPrice)
	check.Equal(t, "bob", s.CurrentHolder)
	check.Equal(t, int64(2), s.Sequence)
}

func TestFirstBidMustClearStartingPriceByIncrement(t *testing.T) {
	s := liveState()
	a := newArbitrator()

	res := a.submit(&s, bid("alice", 1000, "a1"), t0)
	check.Equal(t, ReasonBidTooLow, res.Reason)
	res = a.submit(&s, bid("alice", 1099, "a2"), t0)
	check.Equal(t, ReasonBidTooLow, res.Reason)
	check.Equal(t, int64(0), s.Sequence)
	check.False(t, s.HasHolder())
}

func TestSelfRaise(t *testing.T) {
	s := liveState()
	a := newArbitrator()

	assert.True(t, a.submit(&s, bid("alice", 1100, "a1"), t0).Accepted)
	res := a.submit(&s, bid("alice", 1500, "a2"), t0)
	check.Equal(t, ReasonSelfRaise, res.Reason)
	check.Equal(t, int64(1100), s.CurrentPrice)

	s.Settings.AllowSelfRaise = true
	res = a.submit(&s, bid("alice", 1500, "a3"), t0)
	check.True(t, res.Accepted)
	check.Equal(t, int64(1500), s.CurrentPrice)
}

func TestNonceReplayReturnsCachedResult(t *testing.T) {
	s := liveState()
	a := newArbitrator()
	now := t0.Add(time.Minute)

	first := a.submit(&s, bid("alice", 2000, "n1"), now)
	assert.True(t, first.Accepted)
	check.False(t, first.Replayed)

	second := a.submit(&s, bid("alice", 2000, "n1"), now.Add(time.Second))
	assert.True(t, second.Accepted)
	check.True(t, second.Replayed)
	check.Equal(t, first.Sequence, second.Sequence)
	check.Equal(t, first.Price, second.Price)
	check.Equal(t, int64(2000), s.CurrentPrice)
	check.Equal(t, int64(1), s.Sequence)

	// Still answered from the cache after the auction closed.
	s.reconcile(s.EndAt)
	check.Equal(t, models.PhaseSettled, s.Phase)
	third := a.submit(&s, bid("alice", 2000, "n1"), s.EndAt.Add(time.Minute))
	check.True(t, third.Accepted)
	check.Equal(t, first.Sequence, third.Sequence)
}

func TestNonceIsScopedToParticipant(t *testing.T) {
	s := liveState()
	a := newArbitrator()

	assert.True(t, a.submit(&s, bid("alice", 1100, "same"), t0).Accepted)
	res := a.submit(&s, bid("bob", 1200, "same"), t0)
	check.True(t, res.Accepted)
	check.False(t, res.Replayed)
	check.Equal(t, "bob", s.CurrentHolder)
}

func TestRejectedNonceIsNotCached(t *testing.T) {
	s := liveState()
	a := newArbitrator()

	res := a.submit(&s, bid("alice", 1050, "n1"), t0)
	check.Equal(t, ReasonBidTooLow, res.Reason)

	res = a.submit(&s, bid("alice", 1100, "n1"), t0)
	check.True(t, res.Accepted)
	check.False(t, res.Replayed)
}

func TestBidsOnlyAcceptedWhileLive(t *testing.T) {
	s := newState(testAuction())
	a := newArbitrator()

	res := a.submit(&s, bid("alice", 1100, "a1"), t0.Add(-time.Minute))
	check.Equal(t, ReasonAuctionNotLive, res.Reason)

	s.Phase = models.PhaseLive
	res = a.submit(&s, bid("alice", 1100, "a2"), s.EndAt)
	check.Equal(t, ReasonAuctionNotLive, res.Reason)

	s.Phase = models.PhaseCancelled
	res = a.submit(&s, bid("alice", 1100, "a3"), t0)
	check.Equal(t, ReasonAuctionNotLive, res.Reason)
	check.Equal(t, int64(0), s.Sequence)
}

func TestMalformedBids(t *testing.T) {
	s := liveState()
	a := newArbitrator()

	check.Equal(t, ReasonMissingNonce, a.submit(&s, bid("alice", 1100, ""), t0).Reason)
	check.Equal(t, ReasonInvalidAmount, a.submit(&s, bid("alice", 0, "a1"), t0).Reason)
	check.Equal(t, ReasonInvalidAmount, a.submit(&s, bid("alice", -500, "a2"), t0).Reason)
}

func TestAntiSnipeExtension(t *testing.T) {
	s := liveState()
	a := newArbitrator()
	originalEnd := s.EndAt

	// Outside the window nothing moves.
	res := a.submit(&s, bid("alice", 1100, "a1"), originalEnd.Add(-time.Minute))
	assert.True(t, res.Accepted)
	check.False(t, res.Extended)
	check.Equal(t, originalEnd, s.EndAt)

	res = a.submit(&s, bid("bob", 1200, "b1"), originalEnd.Add(-5*time.Second))
	assert.True(t, res.Accepted)
	check.True(t, res.Extended)
	check.Equal(t, originalEnd.Add(30*time.Second), s.EndAt)
	check.Equal(t, s.EndAt, res.EndAt)
	check.Equal(t, int64(2), s.Sequence)

	// A replay of the extending bid neither extends again nor moves the sequence.
	replay := a.submit(&s, bid("bob", 1200, "b1"), originalEnd.Add(-time.Second))
	check.True(t, replay.Replayed)
	check.Equal(t, originalEnd.Add(30*time.Second), s.EndAt)
	check.Equal(t, int64(2), s.Sequence)
}

func TestAntiSnipeNeverShrinksEndAt(t *testing.T) {
	s := liveState()
	a := newArbitrator()

	prev := s.EndAt
	now := s.EndAt.Add(-20 * time.Second)
	for i, participant := range []string{"alice", "bob", "alice", "bob"} {
		res := a.submit(&s, bid(participant, s.MinimumBid(), participant+string(rune('0'+i))), now)
		assert.True(t, res.Accepted)
		check.True(t, !s.EndAt.Before(prev))
		prev = s.EndAt
		now = now.Add(10 * time.Second)
	}
}
