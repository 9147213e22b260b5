package broadcast

import (
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/auction/events"
)

// ErrCapacityExceeded is the reason given to a member disconnected because its outbound buffer is full.
var ErrCapacityExceeded = errors.New("outbound buffer full")

// Member is a session joined to a room.
type Member interface {
	SessionID() string
	// Wants reports whether the member is subscribed to topic.
	Wants(topic string) bool
	// Deliver queues a frame without blocking. It returns false when the outbound buffer is full.
	Deliver(frame []byte) bool
	// Kick disconnects the member without blocking.
	Kick(err error)
}

// Stats holds dispatcher counters.
type Stats struct {
	Published  uint64 `json:"published"`
	Delivered  uint64 `json:"delivered"`
	Filtered   uint64 `json:"filtered"`
	Overflowed uint64 `json:"overflowed"`
}

// Dispatcher fans a room event out to the room's members. Events are encoded once per publish and
// queued on each member's outbound buffer; a full buffer never stalls the other members.
type Dispatcher struct {
	published  atomic.Uint64
	delivered  atomic.Uint64
	filtered   atomic.Uint64
	overflowed atomic.Uint64
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Publish delivers env to every member that wants its topic and returns the members whose
// buffer overflowed. The caller owns disconnecting them.
func (d *Dispatcher) Publish(env events.Envelope, members []Member) []Member {
	frame, err := json.Marshal(env)
	if err != nil {
		log.Error().
			Err(err).
			Str("auction_id", env.AuctionID).
			Str("type", string(env.Type)).
			Msg("failed to encode event")
		return nil
	}
	d.published.Add(1)

	var overflowed []Member
	for _, m := range members {
		if !m.Wants(env.Topic) {
			d.filtered.Add(1)
			continue
		}
		if m.Deliver(frame) {
			d.delivered.Add(1)
			continue
		}
		d.overflowed.Add(1)
		log.Warn().
			Str("session_id", m.SessionID()).
			Str("auction_id", env.AuctionID).
			Int64("sequence", env.Sequence).
			Msg("session outbound buffer full")
		overflowed = append(overflowed, m)
	}
	return overflowed
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Published:  d.published.Load(),
		Delivered:  d.delivered.Load(),
		Filtered:   d.filtered.Load(),
		Overflowed: d.overflowed.Load(),
	}
}
