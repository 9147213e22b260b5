package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the frame delivered to clients for every server-side event.
type Envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Type      Type            `json:"type"`
	AuctionID string          `json:"auctionId,omitempty"`
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Type represents the type of a server-side event.
type Type string

const (
	TypeSnapshot        Type = "SNAPSHOT"
	TypeBidAccepted     Type = "BID_ACCEPTED"
	TypePhaseChanged    Type = "PHASE_CHANGED"
	TypePresenceChanged Type = "PRESENCE_CHANGED"
	TypeBidResult       Type = "BID_RESULT"
	TypeBidRejected     Type = "BID_REJECTED"
	TypeBidTimeout      Type = "BID_TIMEOUT"
	TypePong            Type = "PONG"
	TypeError           Type = "ERROR"
)

// SessionTopic carries frames addressed to a single session.
const SessionTopic = "session"

// BidsTopic returns the topic carrying bid and lifecycle events for an auction.
func BidsTopic(auctionID string) string {
	return "room." + auctionID + ".bids"
}

// PresenceTopic returns the topic carrying presence events for an auction.
func PresenceTopic(auctionID string) string {
	return "room." + auctionID + ".presence"
}

// ParseTopic splits a room topic into its auction id and stream name ("bids" or "presence").
func ParseTopic(topic string) (auctionID, stream string, ok bool) {
	rest, found := strings.CutPrefix(topic, "room.")
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, '.')
	if i <= 0 {
		return "", "", false
	}
	auctionID, stream = rest[:i], rest[i+1:]
	if stream != "bids" && stream != "presence" {
		return "", "", false
	}
	return auctionID, stream, true
}

// New builds an envelope around payload.
func New(topic string, typ Type, auctionID string, sequence int64, at time.Time, payload any) (Envelope, error) {
	env := Envelope{
		ID:        uuid.New().String(),
		Topic:     topic,
		Type:      typ,
		AuctionID: auctionID,
		Sequence:  sequence,
		Timestamp: at,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
		}
		env.Data = data
	}
	return env, nil
}

// Decode unmarshals the envelope data into the payload struct matching its type.
func (e Envelope) Decode() (any, error) {
	var payload any
	switch e.Type {
	case TypeSnapshot:
		payload = &SnapshotPayload{}
	case TypeBidAccepted:
		payload = &BidAcceptedPayload{}
	case TypePhaseChanged:
		payload = &PhaseChangedPayload{}
	case TypePresenceChanged:
		payload = &PresenceChangedPayload{}
	case TypeBidResult:
		payload = &BidResultPayload{}
	case TypeBidRejected:
		payload = &BidRejectedPayload{}
	case TypeBidTimeout:
		payload = &BidTimeoutPayload{}
	case TypeError:
		payload = &ErrorPayload{}
	default:
		return nil, nil
	}
	if len(e.Data) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(e.Data, payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", e.Type, err)
	}
	return payload, nil
}
