package models

import (
	"errors"
	"time"
)

// Phase defines the lifecycle phase of an auction.
type Phase string

const (
	PhaseScheduled Phase = "SCHEDULED"
	PhaseLive      Phase = "LIVE"
	PhaseSettled   Phase = "SETTLED"
	PhaseFailed    Phase = "FAILED"
	PhaseCancelled Phase = "CANCELLED"
)

// Terminal reports whether no further bids or transitions are possible.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseSettled, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

func (p Phase) Valid() bool {
	switch p {
	case PhaseScheduled, PhaseLive, PhaseSettled, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// AuctionSettings holds the per-auction bidding rules.
type AuctionSettings struct {
	MinIncrement       int64         `json:"min_increment"`
	AntiSnipeWindow    time.Duration `json:"anti_snipe_window"`
	AntiSnipeExtension time.Duration `json:"anti_snipe_extension"`
	AllowSelfRaise     bool          `json:"allow_self_raise,omitempty"`
}

// Auction is the catalog view of an auction a room is created from.
type Auction struct {
	ID            string          `json:"id"`
	Phase         Phase           `json:"phase"`
	StartAt       time.Time       `json:"start_at"`
	EndAt         time.Time       `json:"end_at"`
	StartingPrice int64           `json:"starting_price"`
	Settings      AuctionSettings `json:"settings"`
}

var (
	ErrMissingAuctionID    = errors.New("auction id is required")
	ErrInvalidWindow       = errors.New("auction start must be before end")
	ErrInvalidStartPrice   = errors.New("starting price must be positive")
	ErrInvalidMinIncrement = errors.New("minimum increment must be positive")
)

func (a Auction) Validate() error {
	if a.ID == "" {
		return ErrMissingAuctionID
	}
	if !a.StartAt.Before(a.EndAt) {
		return ErrInvalidWindow
	}
	if a.StartingPrice <= 0 {
		return ErrInvalidStartPrice
	}
	if a.Settings.MinIncrement <= 0 {
		return ErrInvalidMinIncrement
	}
	return nil
}

// SessionState defines the connection state of a participant session.
type SessionState string

const (
	SessionConnecting   SessionState = "CONNECTING"
	SessionConnected    SessionState = "CONNECTED"
	SessionDisconnected SessionState = "DISCONNECTED"
)

// AnonymousParticipant is the participant id given to viewers without credentials.
const AnonymousParticipant = "anonymous"

// BidAttempt is a transient bid submission. It is never stored.
type BidAttempt struct {
	AuctionID     string `json:"auction_id"`
	ParticipantID string `json:"participant_id"`
	Amount        int64  `json:"amount"`
	ClientNonce   string `json:"client_nonce"`
}
