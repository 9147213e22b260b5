package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/auction/room"
)

// Saver persists room state.
type Saver interface {
	Save(ctx context.Context, st room.State, bids []room.BidResult) error
}

type pendingSave struct {
	state room.State
	bids  []room.BidResult
}

// Writer is a room observer that persists state off the room worker. Consecutive changes to
// the same room are coalesced into one write of the newest state plus every accepted bid seen.
type Writer struct {
	saver         Saver
	flushInterval time.Duration

	mu      sync.Mutex
	pending map[string]*pendingSave
	wake    chan struct{}
}

func NewWriter(saver Saver, flushInterval time.Duration) *Writer {
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Writer{
		saver:         saver,
		flushInterval: flushInterval,
		pending:       make(map[string]*pendingSave),
		wake:          make(chan struct{}, 1),
	}
}

func (w *Writer) RoomChanged(st room.State, bid *room.BidResult) {
	w.mu.Lock()
	p, ok := w.pending[st.AuctionID]
	if !ok {
		p = &pendingSave{}
		w.pending[st.AuctionID] = p
	}
	if st.Sequence >= p.state.Sequence {
		p.state = st
	}
	if bid != nil && bid.Accepted {
		p.bids = append(p.bids, *bid)
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// RoomClosed needs no extra work; the terminal transition already arrived as a change.
func (w *Writer) RoomClosed(room.State) {}

// Run writes pending saves until ctx is done, then flushes once more.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flush(flushCtx)
			cancel()
			return nil
		case <-w.wake:
			w.flush(ctx)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]*pendingSave, len(batch))
	w.mu.Unlock()

	for id, p := range batch {
		if err := w.saver.Save(ctx, p.state, p.bids); err != nil {
			log.Error().Err(err).Str("auction_id", id).Int64("sequence", p.state.Sequence).Msg("failed to save room snapshot")
			w.requeue(id, p)
		}
	}
}

// requeue puts a failed save back for the next flush, keeping any newer state.
func (w *Writer) requeue(id string, failed *pendingSave) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cur, ok := w.pending[id]
	if !ok {
		w.pending[id] = failed
		return
	}
	cur.bids = append(failed.bids, cur.bids...)
	if failed.state.Sequence > cur.state.Sequence {
		cur.state = failed.state
	}
}

// Pending reports how many rooms have unsaved changes.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
