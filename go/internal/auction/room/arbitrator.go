package room

import (
	"time"

	"github.com/mcdev12/gavel/go/internal/models"
)

// RejectReason explains why a bid was not accepted.
type RejectReason string

const (
	ReasonAuctionNotLive  RejectReason = "AUCTION_NOT_LIVE"
	ReasonBidTooLow       RejectReason = "BID_TOO_LOW"
	ReasonSelfRaise       RejectReason = "SELF_RAISE"
	ReasonInvalidAmount   RejectReason = "INVALID_AMOUNT"
	ReasonMissingNonce    RejectReason = "MISSING_NONCE"
	ReasonUnknownAuction  RejectReason = "UNKNOWN_AUCTION"
	ReasonUnauthenticated RejectReason = "UNAUTHENTICATED"
)

// BidResult is the outcome of a bid attempt. Rejections are values, not errors.
type BidResult struct {
	AuctionID     string       `json:"auction_id"`
	ParticipantID string       `json:"participant_id"`
	ClientNonce   string       `json:"client_nonce"`
	Accepted      bool         `json:"accepted"`
	Reason        RejectReason `json:"reason,omitempty"`
	Price         int64        `json:"price"`
	Holder        string       `json:"holder,omitempty"`
	Sequence      int64        `json:"sequence"`
	EndAt         time.Time    `json:"end_at"`
	Extended      bool         `json:"extended,omitempty"`
	AcceptedAt    time.Time    `json:"accepted_at,omitzero"`

	// Replayed is set when the result was served from the nonce cache.
	Replayed bool `json:"-"`
}

// Rejected builds a rejection for attempt.
func Rejected(attempt models.BidAttempt, reason RejectReason) BidResult {
	return BidResult{
		AuctionID:     attempt.AuctionID,
		ParticipantID: attempt.ParticipantID,
		ClientNonce:   attempt.ClientNonce,
		Reason:        reason,
	}
}

type nonceKey struct {
	participantID string
	nonce         string
}

// arbitrator validates and applies bids against the room state. Only accepted results are
// remembered; a rejected nonce may be retried.
type arbitrator struct {
	accepted map[nonceKey]BidResult
}

func newArbitrator() arbitrator {
	return arbitrator{accepted: make(map[nonceKey]BidResult)}
}

func (a *arbitrator) remember(res BidResult) {
	a.accepted[nonceKey{res.ParticipantID, res.ClientNonce}] = res
}

func (a *arbitrator) submit(s *State, attempt models.BidAttempt, now time.Time) BidResult {
	if attempt.ClientNonce == "" {
		return Rejected(attempt, ReasonMissingNonce)
	}
	if res, ok := a.accepted[nonceKey{attempt.ParticipantID, attempt.ClientNonce}]; ok {
		res.Replayed = true
		return res
	}
	if s.Phase != models.PhaseLive || !now.Before(s.EndAt) {
		return Rejected(attempt, ReasonAuctionNotLive)
	}
	if attempt.Amount <= 0 {
		return Rejected(attempt, ReasonInvalidAmount)
	}
	if attempt.Amount < s.MinimumBid() {
		return Rejected(attempt, ReasonBidTooLow)
	}
	if !s.Settings.AllowSelfRaise && s.CurrentHolder == attempt.ParticipantID {
		return Rejected(attempt, ReasonSelfRaise)
	}

	s.CurrentPrice = attempt.Amount
	s.CurrentHolder = attempt.ParticipantID
	s.Sequence++

	// Anti-snipe: the extension is part of the same sequence event and only ever pushes endAt out.
	extended := false
	window, extension := s.Settings.AntiSnipeWindow, s.Settings.AntiSnipeExtension
	if window > 0 && extension > 0 && s.EndAt.Sub(now) <= window {
		s.EndAt = s.EndAt.Add(extension)
		extended = true
	}

	res := BidResult{
		AuctionID:     s.AuctionID,
		ParticipantID: attempt.ParticipantID,
		ClientNonce:   attempt.ClientNonce,
		Accepted:      true,
		Price:         s.CurrentPrice,
		Holder:        s.CurrentHolder,
		Sequence:      s.Sequence,
		EndAt:         s.EndAt,
		Extended:      extended,
		AcceptedAt:    now,
	}
	a.remember(res)
	return res
}
