package room

import (
	"time"

	"github.com/mcdev12/gavel/go/internal/auction/events"
	"github.com/mcdev12/gavel/go/internal/models"
)

// State is the in-memory record of one auction. It is owned by the room worker; everything outside
// the worker only ever sees copies.
type State struct {
	AuctionID        string                 `json:"auction_id"`
	Phase            models.Phase           `json:"phase"`
	StartAt          time.Time              `json:"start_at"`
	EndAt            time.Time              `json:"end_at"`
	StartingPrice    int64                  `json:"starting_price"`
	CurrentPrice     int64                  `json:"current_price"`
	CurrentHolder    string                 `json:"current_holder,omitempty"`
	Sequence         int64                  `json:"sequence"`
	PresenceSequence int64                  `json:"presence_sequence"`
	ViewerCount      int                    `json:"viewer_count"`
	Settings         models.AuctionSettings `json:"settings"`
	ClosedAt         time.Time              `json:"closed_at,omitzero"`
	CloseReason      string                 `json:"close_reason,omitempty"`
}

func newState(a models.Auction) State {
	phase := a.Phase
	if phase == "" {
		phase = models.PhaseScheduled
	}
	return State{
		AuctionID:     a.ID,
		Phase:         phase,
		StartAt:       a.StartAt,
		EndAt:         a.EndAt,
		StartingPrice: a.StartingPrice,
		CurrentPrice:  a.StartingPrice,
		Settings:      a.Settings,
	}
}

func (s State) HasHolder() bool {
	return s.CurrentHolder != ""
}

func (s State) Terminal() bool {
	return s.Phase.Terminal()
}

// MinimumBid is the smallest amount the next bid may offer.
func (s State) MinimumBid() int64 {
	return s.CurrentPrice + s.Settings.MinIncrement
}

// NextDeadline returns the instant of the next scheduled transition.
func (s State) NextDeadline() (time.Time, bool) {
	switch s.Phase {
	case models.PhaseScheduled:
		return s.StartAt, true
	case models.PhaseLive:
		return s.EndAt, true
	}
	return time.Time{}, false
}

// SnapshotPayload renders the state as the payload sent to new joiners.
func (s State) SnapshotPayload() events.SnapshotPayload {
	return events.SnapshotPayload{
		AuctionID:        s.AuctionID,
		Phase:            string(s.Phase),
		StartAt:          s.StartAt,
		EndAt:            s.EndAt,
		StartingPrice:    s.StartingPrice,
		Price:            s.CurrentPrice,
		HolderID:         s.CurrentHolder,
		MinIncrement:     s.Settings.MinIncrement,
		Sequence:         s.Sequence,
		PresenceSequence: s.PresenceSequence,
		ViewerCount:      s.ViewerCount,
	}
}
