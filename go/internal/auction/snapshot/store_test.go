package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/redis/go-redis/v9"

	"github.com/mcdev12/gavel/go/internal/auction/broadcast"
	"github.com/mcdev12/gavel/go/internal/auction/room"
	"github.com/mcdev12/gavel/go/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, time.Hour), mr
}

func lot() models.Auction {
	return models.Auction{
		ID:            "lot-7",
		Phase:         models.PhaseScheduled,
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

func TestLoadMissing(t *testing.T) {
	store, _ := newStore(t)
	rs, err := store.Load(context.Background(), "nope")
	assert.NoError(t, err)
	check.True(t, rs == nil)
}

func TestNewClientPings(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := NewClient(context.Background(), ClientConfig{Addr: mr.Addr()})
	assert.NoError(t, err)
	check.NoError(t, rdb.Close())

	mr.Close()
	_, err = NewClient(context.Background(), ClientConfig{Addr: mr.Addr()})
	check.Error(t, err)
}

// A room persisted through the writer comes back with its price, holder, and nonce cache.
func TestSnapshotSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	writer := NewWriter(store, time.Hour)
	clock := clockwork.NewFakeClockAt(t0.Add(time.Minute))

	reg := room.NewRegistry(clock, broadcast.NewDispatcher(), room.DefaultConfig(), writer)
	r, _, err := reg.Open(lot(), nil)
	assert.NoError(t, err)

	first, err := r.SubmitBid(ctx, models.BidAttempt{AuctionID: "lot-7", ParticipantID: "alice", Amount: 1100, ClientNonce: "a1"})
	assert.NoError(t, err)
	assert.True(t, first.Accepted)
	second, err := r.SubmitBid(ctx, models.BidAttempt{AuctionID: "lot-7", ParticipantID: "bob", Amount: 1300, ClientNonce: "b1"})
	assert.NoError(t, err)
	assert.True(t, second.Accepted)
	reg.Close()

	writer.flush(ctx)
	check.Equal(t, 0, writer.Pending())

	rs, err := store.Load(ctx, "lot-7")
	assert.NoError(t, err)
	assert.NotNil(t, rs)
	check.Equal(t, int64(1300), rs.State.CurrentPrice)
	check.Equal(t, "bob", rs.State.CurrentHolder)
	check.Equal(t, models.PhaseLive, rs.State.Phase)
	check.Equal(t, 2, len(rs.Bids))

	restarted := room.NewRegistry(clock, broadcast.NewDispatcher(), room.DefaultConfig())
	t.Cleanup(restarted.Close)
	r2, _, err := restarted.Open(lot(), rs)
	assert.NoError(t, err)

	replay, err := r2.SubmitBid(ctx, models.BidAttempt{AuctionID: "lot-7", ParticipantID: "alice", Amount: 1100, ClientNonce: "a1"})
	assert.NoError(t, err)
	check.True(t, replay.Accepted)
	check.True(t, replay.Replayed)
	check.Equal(t, int64(first.Sequence), replay.Sequence)

	next, err := r2.SubmitBid(ctx, models.BidAttempt{AuctionID: "lot-7", ParticipantID: "alice", Amount: 1400, ClientNonce: "a2"})
	assert.NoError(t, err)
	check.True(t, next.Accepted)
	check.Equal(t, second.Sequence+1, next.Sequence)
}

func TestSaveExpiresClosedAuctions(t *testing.T) {
	ctx := context.Background()
	store, mr := newStore(t)

	st := room.State{AuctionID: "lot-7", Phase: models.PhaseLive, Sequence: 3}
	assert.NoError(t, store.Save(ctx, st, []room.BidResult{{AuctionID: "lot-7", ParticipantID: "alice", ClientNonce: "a1", Accepted: true}}))
	check.Equal(t, time.Duration(0), mr.TTL("auction:room:lot-7"))

	st.Phase = models.PhaseSettled
	st.Sequence = 4
	assert.NoError(t, store.Save(ctx, st, nil))
	check.Equal(t, time.Hour, mr.TTL("auction:room:lot-7"))
	check.Equal(t, time.Hour, mr.TTL("auction:nonce:lot-7"))

	assert.NoError(t, store.Delete(ctx, "lot-7"))
	check.False(t, mr.Exists("auction:room:lot-7"))
	check.False(t, mr.Exists("auction:nonce:lot-7"))
}

type failingSaver struct {
	mu    sync.Mutex
	fail  bool
	saved []room.State
	bids  int
}

func (s *failingSaver) Save(ctx context.Context, st room.State, bids []room.BidResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("redis down")
	}
	s.saved = append(s.saved, st)
	s.bids += len(bids)
	return nil
}

func TestWriterCoalescesAndRetries(t *testing.T) {
	ctx := context.Background()
	saver := &failingSaver{fail: true}
	w := NewWriter(saver, time.Hour)

	bid := func(seq int64) *room.BidResult {
		return &room.BidResult{AuctionID: "lot-7", ParticipantID: "alice", ClientNonce: "n", Accepted: true, Sequence: seq}
	}
	w.RoomChanged(room.State{AuctionID: "lot-7", Sequence: 1}, bid(1))
	w.RoomChanged(room.State{AuctionID: "lot-7", Sequence: 2}, bid(2))
	w.RoomChanged(room.State{AuctionID: "lot-7", Sequence: 2}, &room.BidResult{Accepted: false})
	check.Equal(t, 1, w.Pending())

	w.flush(ctx)
	check.Equal(t, 1, w.Pending())

	w.RoomChanged(room.State{AuctionID: "lot-7", Sequence: 3}, nil)
	saver.fail = false
	w.flush(ctx)
	check.Equal(t, 0, w.Pending())

	assert.Equal(t, 1, len(saver.saved))
	check.Equal(t, int64(3), saver.saved[0].Sequence)
	check.Equal(t, 2, saver.bids)
}

func TestWriterKeepsPresenceBumps(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	w := NewWriter(store, time.Hour)

	w.RoomChanged(room.State{AuctionID: "lot-7", Phase: models.PhaseLive, Sequence: 2, PresenceSequence: 3}, nil)
	w.RoomChanged(room.State{AuctionID: "lot-7", Phase: models.PhaseLive, Sequence: 2, PresenceSequence: 4, ViewerCount: 2}, nil)
	w.flush(ctx)

	rs, err := store.Load(ctx, "lot-7")
	assert.NoError(t, err)
	assert.NotNil(t, rs)
	check.Equal(t, int64(2), rs.State.Sequence)
	check.Equal(t, int64(4), rs.State.PresenceSequence)
}
