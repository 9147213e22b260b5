package events

import (
	"encoding/json"
	"time"
)

// Payloads delivered to clients.

// SnapshotPayload is the full room state sent to a session when it joins.
type SnapshotPayload struct {
	AuctionID        string    `json:"auctionId"`
	Phase            string    `json:"phase"`
	StartAt          time.Time `json:"startAt"`
	EndAt            time.Time `json:"endAt"`
	StartingPrice    int64     `json:"startingPrice"`
	Price            int64     `json:"price"`
	HolderID         string    `json:"holderId,omitempty"`
	MinIncrement     int64     `json:"minIncrement"`
	Sequence         int64     `json:"sequence"`
	PresenceSequence int64     `json:"presenceSequence"`
	ViewerCount      int       `json:"viewerCount"`
}

// BidAcceptedPayload is broadcast on the bids topic for every accepted bid.
type BidAcceptedPayload struct {
	AuctionID string    `json:"auctionId"`
	Sequence  int64     `json:"sequence"`
	Price     int64     `json:"price"`
	HolderID  string    `json:"holderId"`
	EndAt     time.Time `json:"endAt"`
	Extended  bool      `json:"extended,omitempty"`
}

// PhaseChangedPayload is broadcast on the bids topic for every lifecycle transition.
type PhaseChangedPayload struct {
	AuctionID string    `json:"auctionId"`
	Sequence  int64     `json:"sequence"`
	Phase     string    `json:"phase"`
	Previous  string    `json:"previous"`
	Price     int64     `json:"price"`
	HolderID  string    `json:"holderId,omitempty"`
	EndAt     time.Time `json:"endAt"`
	Reason    string    `json:"reason,omitempty"`
}

type PresenceCause string

const (
	CauseJoin  PresenceCause = "JOIN"
	CauseLeave PresenceCause = "LEAVE"
)

// PresenceChangedPayload is broadcast on the presence topic.
type PresenceChangedPayload struct {
	AuctionID   string        `json:"auctionId"`
	Sequence    int64         `json:"sequence"`
	ViewerCount int           `json:"viewerCount"`
	Cause       PresenceCause `json:"cause"`
}

// BidResultPayload acknowledges an accepted bid to its submitter.
type BidResultPayload struct {
	AuctionID   string    `json:"auctionId"`
	ClientNonce string    `json:"clientNonce"`
	Sequence    int64     `json:"sequence"`
	Price       int64     `json:"price"`
	HolderID    string    `json:"holderId"`
	EndAt       time.Time `json:"endAt"`
	Replayed    bool      `json:"replayed,omitempty"`
}

// BidRejectedPayload reports a rejected bid to its submitter only.
type BidRejectedPayload struct {
	AuctionID   string `json:"auctionId"`
	ClientNonce string `json:"clientNonce"`
	Reason      string `json:"reason"`
}

// BidTimeoutPayload tells the submitter the outcome is unknown and the nonce should be replayed.
type BidTimeoutPayload struct {
	AuctionID   string `json:"auctionId"`
	ClientNonce string `json:"clientNonce"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Payloads exchanged with other services.

// AuctionScheduledPayload is consumed from the catalog when an auction is created or rescheduled.
type AuctionScheduledPayload struct {
	AuctionID             string    `json:"auction_id"`
	StartAt               time.Time `json:"start_at"`
	EndAt                 time.Time `json:"end_at"`
	StartingPrice         int64     `json:"starting_price"`
	MinIncrement          int64     `json:"min_increment,omitempty"`
	AntiSnipeWindowSec    *int      `json:"anti_snipe_window_sec,omitempty"`
	AntiSnipeExtensionSec *int      `json:"anti_snipe_extension_sec,omitempty"`
	AllowSelfRaise        *bool     `json:"allow_self_raise,omitempty"`
}

// AuctionCancelledPayload is consumed from the catalog on administrative cancellation.
type AuctionCancelledPayload struct {
	AuctionID   string    `json:"auction_id"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// AuctionClosedPayload is published to order/settlement when an auction reaches a terminal phase.
type AuctionClosedPayload struct {
	AuctionID     string    `json:"auction_id"`
	Phase         string    `json:"phase"`
	Sequence      int64     `json:"sequence"`
	FinalPrice    int64     `json:"final_price"`
	WinnerID      string    `json:"winner_id,omitempty"`
	StartingPrice int64     `json:"starting_price"`
	EndAt         time.Time `json:"end_at"`
	ClosedAt      time.Time `json:"closed_at"`
	Reason        string    `json:"reason,omitempty"`
}

// DomainEvent is the envelope used on the NATS subjects shared with other services.
type DomainEvent struct {
	EventID   string          `json:"eventId"`
	EventType DomainEventType `json:"eventType"`
	AuctionID string          `json:"auctionId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type DomainEventType string

const (
	EventAuctionScheduled DomainEventType = "AuctionScheduled"
	EventAuctionCancelled DomainEventType = "AuctionCancelled"
	EventAuctionClosed    DomainEventType = "AuctionClosed"
)
