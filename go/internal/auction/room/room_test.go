package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/mcdev12/gavel/go/internal/auction/broadcast"
	"github.com/mcdev12/gavel/go/internal/auction/events"
	"github.com/mcdev12/gavel/go/internal/models"
)

type fakeMember struct {
	id       string
	capacity int

	mu     sync.Mutex
	frames []events.Envelope
	kicked error
}

func newFakeMember(id string) *fakeMember {
	return &fakeMember{id: id}
}

func (m *fakeMember) SessionID() string       { return m.id }
func (m *fakeMember) Wants(topic string) bool { return true }

func (m *fakeMember) Deliver(frame []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capacity > 0 && len(m.frames) >= m.capacity {
		return false
	}
	var env events.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return false
	}
	m.frames = append(m.frames, env)
	return true
}

func (m *fakeMember) Kick(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kicked = err
}

func (m *fakeMember) kickErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kicked
}

func (m *fakeMember) received(typ events.Type) []events.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.Envelope
	for _, env := range m.frames {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

type recordingObserver struct {
	mu      sync.Mutex
	changes []State
	bids    []BidResult
	closed  []State
}

func (o *recordingObserver) RoomChanged(st State, bid *BidResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, st)
	if bid != nil {
		o.bids = append(o.bids, *bid)
	}
}

func (o *recordingObserver) RoomClosed(st State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, st)
}

func startRoom(t *testing.T, clock clockwork.Clock, restore *Restore, observers ...Observer) *Room {
	t.Helper()
	r := newRoom(testAuction(), restore, clock, broadcast.NewDispatcher(), observers, 16)
	go r.run()
	t.Cleanup(r.Stop)
	return r
}

func decode[T any](t *testing.T, env events.Envelope) T {
	t.Helper()
	var payload T
	assert.NoError(t, json.Unmarshal(env.Data, &payload))
	return payload
}

func TestJoinSendsSnapshotThenPresence(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0.Add(time.Minute))
	r := startRoom(t, clock, nil)

	alice := newFakeMember("s-alice")
	count, err := r.Join(ctx, alice)
	assert.NoError(t, err)
	check.Equal(t, 1, count)

	alice.mu.Lock()
	assert.Equal(t, 2, len(alice.frames))
	first, second := alice.frames[0], alice.frames[1]
	alice.mu.Unlock()

	check.Equal(t, events.TypeSnapshot, first.Type)
	check.Equal(t, events.SessionTopic, first.Topic)
	snap := decode[events.SnapshotPayload](t, first)
	check.Equal(t, int64(1000), snap.Price)
	check.Equal(t, int64(0), snap.PresenceSequence)

	check.Equal(t, events.TypePresenceChanged, second.Type)
	check.Equal(t, events.PresenceTopic("lot-7"), second.Topic)
	p := decode[events.PresenceChangedPayload](t, second)
	check.Equal(t, 1, p.ViewerCount)
	check.Equal(t, events.CauseJoin, p.Cause)
	check.Equal(t, int64(1), p.Sequence)

	// Joining again is a no-op.
	count, err = r.Join(ctx, alice)
	assert.NoError(t, err)
	check.Equal(t, 1, count)
	check.Equal(t, 1, len(alice.received(events.TypePresenceChanged)))
}

func TestPresenceCountTracksMembers(t *testing.T) {
	ctx := context.Background()
	r := startRoom(t, clockwork.NewFakeClockAt(t0), nil)

	members := []*fakeMember{newFakeMember("s1"), newFakeMember("s2"), newFakeMember("s3")}
	for _, m := range members {
		_, err := r.Join(ctx, m)
		assert.NoError(t, err)
	}
	count, err := r.Leave(ctx, "s2")
	assert.NoError(t, err)
	check.Equal(t, 2, count)

	count, err = r.Leave(ctx, "s2")
	assert.NoError(t, err)
	check.Equal(t, 2, count)

	st, err := r.Snapshot(ctx)
	assert.NoError(t, err)
	check.Equal(t, 2, st.ViewerCount)
	check.Equal(t, int64(4), st.PresenceSequence)

	seen := members[0].received(events.TypePresenceChanged)
	assert.Equal(t, 4, len(seen))
	for i, env := range seen {
		check.Equal(t, int64(i+1), env.Sequence)
	}
	last := decode[events.PresenceChangedPayload](t, seen[3])
	check.Equal(t, events.CauseLeave, last.Cause)
	check.Equal(t, 2, last.ViewerCount)
}

func TestConcurrentBidsAreTotallyOrdered(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0.Add(time.Minute))
	r := startRoom(t, clock, nil)
	_, err := r.Tick(ctx)
	assert.NoError(t, err)

	viewer := newFakeMember("viewer")
	_, err = r.Join(ctx, viewer)
	assert.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan BidResult, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.SubmitBid(ctx, models.BidAttempt{
				AuctionID:     "lot-7",
				ParticipantID: fmt.Sprintf("bidder-%d", i),
				Amount:        int64(1100 + 100*i),
				ClientNonce:   fmt.Sprintf("n-%d", i),
			})
			if err == nil {
				results <- res
			}
		}(i)
	}
	wg.Wait()
	close(results)

	var accepted []BidResult
	for res := range results {
		if res.Accepted {
			accepted = append(accepted, res)
		} else {
			check.Equal(t, ReasonBidTooLow, res.Reason)
		}
	}
	assert.True(t, len(accepted) > 0)

	bids := viewer.received(events.TypeBidAccepted)
	assert.Equal(t, len(accepted), len(bids))
	var prevPrice int64 = 1000
	for i, env := range bids {
		// Sequence 1 is the LIVE transition.
		check.Equal(t, int64(i+2), env.Sequence)
		p := decode[events.BidAcceptedPayload](t, env)
		check.True(t, p.Price >= prevPrice+100)
		prevPrice = p.Price
	}

	st, err := r.Snapshot(ctx)
	assert.NoError(t, err)
	check.Equal(t, prevPrice, st.CurrentPrice)
	check.Equal(t, int64(len(accepted)+1), st.Sequence)
}

func TestReconnectReplayChangesPriceOnce(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0.Add(time.Minute))
	obs := &recordingObserver{}
	r := startRoom(t, clock, nil, obs)

	viewer := newFakeMember("viewer")
	_, err := r.Join(ctx, viewer)
	assert.NoError(t, err)

	attempt := models.BidAttempt{AuctionID: "lot-7", ParticipantID: "alice", Amount: 2000, ClientNonce: "n1"}
	first, err := r.SubmitBid(ctx, attempt)
	assert.NoError(t, err)
	assert.True(t, first.Accepted)

	second, err := r.SubmitBid(ctx, attempt)
	assert.NoError(t, err)
	check.True(t, second.Accepted)
	check.True(t, second.Replayed)
	check.Equal(t, first.Sequence, second.Sequence)

	check.Equal(t, 1, len(viewer.received(events.TypeBidAccepted)))
	obs.mu.Lock()
	check.Equal(t, 1, len(obs.bids))
	obs.mu.Unlock()
}

func TestBidAfterMissedEndTimerIsRejectedAndClosesRoom(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	obs := &recordingObserver{}
	r := startRoom(t, clock, nil, obs)

	viewer := newFakeMember("viewer")
	_, err := r.Join(ctx, viewer)
	assert.NoError(t, err)

	res, err := r.SubmitBid(ctx, models.BidAttempt{ParticipantID: "alice", Amount: 1100, ClientNonce: "a1"})
	assert.NoError(t, err)
	assert.True(t, res.Accepted)

	clock.Advance(11 * time.Minute)
	res, err = r.SubmitBid(ctx, models.BidAttempt{ParticipantID: "bob", Amount: 1200, ClientNonce: "b1"})
	assert.NoError(t, err)
	check.Equal(t, ReasonAuctionNotLive, res.Reason)

	phases := viewer.received(events.TypePhaseChanged)
	assert.Equal(t, 2, len(phases))
	closed := decode[events.PhaseChangedPayload](t, phases[1])
	check.Equal(t, string(models.PhaseSettled), closed.Phase)
	check.Equal(t, int64(1100), closed.Price)
	check.Equal(t, "alice", closed.HolderID)
	check.Equal(t, int64(3), closed.Sequence)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, len(obs.closed))
	check.Equal(t, models.PhaseSettled, obs.closed[0].Phase)
}

func TestTickDrivesLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0.Add(-time.Minute))
	r := startRoom(t, clock, nil)

	res, err := r.Tick(ctx)
	assert.NoError(t, err)
	check.Equal(t, 0, len(res.Transitions))
	check.True(t, res.HasDeadline)
	check.Equal(t, t0, res.NextDeadline)

	clock.Advance(time.Minute)
	res, err = r.Tick(ctx)
	assert.NoError(t, err)
	check.Equal(t, models.PhaseLive, res.Phase)
	check.Equal(t, t0.Add(10*time.Minute), res.NextDeadline)

	clock.Advance(10 * time.Minute)
	res, err = r.Tick(ctx)
	assert.NoError(t, err)
	check.Equal(t, models.PhaseFailed, res.Phase)
	check.False(t, res.HasDeadline)

	st, err := r.Snapshot(ctx)
	assert.NoError(t, err)
	check.Equal(t, "", st.CurrentHolder)
	check.Equal(t, int64(1000), st.CurrentPrice)
}

func TestAntiSnipeMovesNextDeadline(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0.Add(10*time.Minute - 5*time.Second))
	r := startRoom(t, clock, nil)

	res, err := r.SubmitBid(ctx, models.BidAttempt{ParticipantID: "alice", Amount: 1100, ClientNonce: "a1"})
	assert.NoError(t, err)
	assert.True(t, res.Accepted)
	check.True(t, res.Extended)

	tick, err := r.Tick(ctx)
	assert.NoError(t, err)
	check.Equal(t, models.PhaseLive, tick.Phase)
	check.Equal(t, t0.Add(10*time.Minute+30*time.Second), tick.NextDeadline)
}

func TestCancelBroadcastsTerminalEvent(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0.Add(-time.Hour))
	obs := &recordingObserver{}
	r := startRoom(t, clock, nil, obs)

	viewer := newFakeMember("viewer")
	_, err := r.Join(ctx, viewer)
	assert.NoError(t, err)

	ok, err := r.Cancel(ctx, "seller withdrew")
	assert.NoError(t, err)
	check.True(t, ok)

	ok, err = r.Cancel(ctx, "again")
	assert.NoError(t, err)
	check.False(t, ok)

	phases := viewer.received(events.TypePhaseChanged)
	assert.Equal(t, 1, len(phases))
	p := decode[events.PhaseChangedPayload](t, phases[0])
	check.Equal(t, string(models.PhaseCancelled), p.Phase)
	check.Equal(t, "seller withdrew", p.Reason)

	obs.mu.Lock()
	check.Equal(t, 1, len(obs.closed))
	obs.mu.Unlock()
}

func TestSlowMemberIsDisconnected(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0.Add(time.Minute))
	r := startRoom(t, clock, nil)

	fast := newFakeMember("fast")
	_, err := r.Join(ctx, fast)
	assert.NoError(t, err)

	slow := newFakeMember("slow")
	slow.capacity = 2
	_, err = r.Join(ctx, slow)
	assert.NoError(t, err)
	check.Nil(t, slow.kickErr())

	res, err := r.SubmitBid(ctx, models.BidAttempt{ParticipantID: "alice", Amount: 1100, ClientNonce: "a1"})
	assert.NoError(t, err)
	assert.True(t, res.Accepted)

	check.True(t, errors.Is(slow.kickErr(), broadcast.ErrCapacityExceeded))
	check.Equal(t, 1, len(fast.received(events.TypeBidAccepted)))

	presence := fast.received(events.TypePresenceChanged)
	assert.Equal(t, 3, len(presence))
	left := decode[events.PresenceChangedPayload](t, presence[2])
	check.Equal(t, events.CauseLeave, left.Cause)
	check.Equal(t, 1, left.ViewerCount)

	st, err := r.Snapshot(ctx)
	assert.NoError(t, err)
	check.Equal(t, 1, st.ViewerCount)
}

func TestRestoreKeepsNoncesAndExtendedEnd(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0.Add(time.Minute))

	extendedEnd := t0.Add(10*time.Minute + 30*time.Second)
	restore := &Restore{
		State: State{
			Phase:            models.PhaseLive,
			EndAt:            extendedEnd,
			CurrentPrice:     2000,
			CurrentHolder:    "alice",
			Sequence:         4,
			PresenceSequence: 9,
		},
		Bids: []BidResult{{
			AuctionID: "lot-7", ParticipantID: "alice", ClientNonce: "n1",
			Accepted: true, Price: 2000, Holder: "alice", Sequence: 4, EndAt: extendedEnd,
		}},
	}
	r := startRoom(t, clock, restore)

	res, err := r.SubmitBid(ctx, models.BidAttempt{ParticipantID: "alice", Amount: 2000, ClientNonce: "n1"})
	assert.NoError(t, err)
	check.True(t, res.Replayed)
	check.Equal(t, int64(4), res.Sequence)

	st, err := r.Snapshot(ctx)
	assert.NoError(t, err)
	check.Equal(t, extendedEnd, st.EndAt)
	check.Equal(t, int64(4), st.Sequence)
	check.Equal(t, 0, st.ViewerCount)

	res, err = r.SubmitBid(ctx, models.BidAttempt{ParticipantID: "bob", Amount: 2100, ClientNonce: "b1"})
	assert.NoError(t, err)
	check.True(t, res.Accepted)
	check.Equal(t, int64(5), res.Sequence)
}

func TestStoppedRoomRejectsCommands(t *testing.T) {
	r := startRoom(t, clockwork.NewFakeClockAt(t0), nil)
	r.Stop()
	<-r.Done()

	_, err := r.Snapshot(context.Background())
	check.True(t, errors.Is(err, ErrRoomClosed))
}

func TestPresenceSequenceResumesAfterRestore(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0.Add(time.Minute))
	obs := &recordingObserver{}
	r := startRoom(t, clock, &Restore{State: State{
		AuctionID:        "lot-7",
		Phase:            models.PhaseLive,
		CurrentPrice:     1000,
		Sequence:         1,
		PresenceSequence: 4,
	}}, obs)

	viewer := newFakeMember("viewer")
	_, err := r.Join(ctx, viewer)
	assert.NoError(t, err)

	seen := viewer.received(events.TypePresenceChanged)
	assert.Equal(t, 1, len(seen))
	check.Equal(t, int64(5), decode[events.PresenceChangedPayload](t, seen[0]).Sequence)

	// Observers see the bump so it gets persisted.
	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, len(obs.changes))
	check.Equal(t, int64(5), obs.changes[0].PresenceSequence)
	check.Equal(t, 1, obs.changes[0].ViewerCount)
	check.Equal(t, int64(1), obs.changes[0].Sequence)
}

func TestRestoredTerminalRoomReportsCloseAgain(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0.Add(time.Hour))
	obs := &recordingObserver{}
	r := startRoom(t, clock, &Restore{State: State{
		Phase:         models.PhaseSettled,
		CurrentPrice:  1500,
		CurrentHolder: "bob",
		Sequence:      3,
		ClosedAt:      t0.Add(10 * time.Minute),
		CloseReason:   "ended",
	}}, obs)

	// Snapshot runs after the worker started, so the close has been reported.
	st, err := r.Snapshot(ctx)
	assert.NoError(t, err)
	check.Equal(t, int64(3), st.Sequence)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, len(obs.closed))
	check.Equal(t, models.PhaseSettled, obs.closed[0].Phase)
	check.Equal(t, "bob", obs.closed[0].CurrentHolder)
	check.Equal(t, 0, len(obs.changes))
}
