package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/peterldowns/testy/assert"

	"github.com/mcdev12/gavel/go/internal/auction/broadcast"
	"github.com/mcdev12/gavel/go/internal/auction/events"
	"github.com/mcdev12/gavel/go/internal/auction/room"
	"github.com/mcdev12/gavel/go/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testSecret = "test-secret"

func testAuction(id string) models.Auction {
	return models.Auction{
		ID:            id,
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

type fixture struct {
	clock    *clockwork.FakeClock
	registry *room.Registry
	cm       *ConnectionManager
	auth     *JWTAuthenticator
}

func newFixture(t *testing.T, auctionIDs ...string) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0.Add(time.Minute))
	registry := room.NewRegistry(clock, broadcast.NewDispatcher(), room.DefaultConfig())
	t.Cleanup(registry.Close)
	for _, id := range auctionIDs {
		_, _, err := registry.Open(testAuction(id), nil)
		assert.NoError(t, err)
	}
	cfg := DefaultConnectionConfig()
	cfg.PollWait = 200 * time.Millisecond
	cm := NewConnectionManager(registry, clock, cfg)
	t.Cleanup(func() { cm.CloseAll(ErrShuttingDown) })
	return &fixture{
		clock:    clock,
		registry: registry,
		cm:       cm,
		auth:     NewJWTAuthenticator(testSecret, "", true),
	}
}

func decodeFrame(t *testing.T, frame []byte) events.Envelope {
	t.Helper()
	var env events.Envelope
	assert.NoError(t, json.Unmarshal(frame, &env))
	return env
}

func nextFrame(t *testing.T, s *Session) events.Envelope {
	t.Helper()
	select {
	case frame := <-s.Outbound():
		return decodeFrame(t, frame)
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s: no frame received", s.ID)
		return events.Envelope{}
	}
}

func payloadOf[T any](t *testing.T, env events.Envelope) T {
	t.Helper()
	var payload T
	assert.NoError(t, json.Unmarshal(env.Data, &payload))
	return payload
}

func noFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case frame := <-s.Outbound():
		t.Fatalf("unexpected frame: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
