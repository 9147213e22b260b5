package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/auction/events"
	"github.com/mcdev12/gavel/go/internal/models"
)

// Transport names.
const (
	TransportWebSocket = "websocket"
	TransportLongPoll  = "longpoll"
)

// Session is one participant connection. A reconnect always creates a new session.
type Session struct {
	ID            string
	ParticipantID string
	ReadOnly      bool
	Transport     string
	ConnectedAt   time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// unix nanoseconds of the last inbound frame
	lastHeartbeat atomic.Int64

	mu       sync.Mutex
	state    models.SessionState
	rooms    map[string]struct{}
	muted    map[string]bool
	closeErr error
}

func newSession(id string, identity Identity, transport string, buffer int, now time.Time) *Session {
	s := &Session{
		ID:            id,
		ParticipantID: identity.ParticipantID,
		ReadOnly:      identity.ReadOnly,
		Transport:     transport,
		ConnectedAt:   now,
		send:          make(chan []byte, buffer),
		done:          make(chan struct{}),
		state:         models.SessionConnecting,
		rooms:         make(map[string]struct{}),
		muted:         make(map[string]bool),
	}
	s.Touch(now)
	return s
}

func (s *Session) SessionID() string {
	return s.ID
}

// Wants reports whether a frame on topic should reach this session. Room topics are delivered
// for joined rooms unless the client unsubscribed from them.
func (s *Session) Wants(topic string) bool {
	if topic == events.SessionTopic {
		return true
	}
	auctionID, _, ok := events.ParseTopic(topic)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, joined := s.rooms[auctionID]; !joined {
		return false
	}
	return !s.muted[topic]
}

// Deliver queues a frame without blocking.
func (s *Session) Deliver(frame []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) Kick(err error) {
	s.Close(err)
}

// Close marks the session disconnected. It is safe to call more than once; the first error wins.
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeErr = err
		s.state = models.SessionDisconnected
		s.mu.Unlock()
		close(s.done)
	})
}

// Done is closed when the session is disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Outbound is the session's bounded outbound queue.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state models.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.SessionDisconnected {
		s.state = state
	}
}

func (s *Session) Touch(now time.Time) {
	s.lastHeartbeat.Store(now.UnixNano())
}

func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

// Rooms returns the auction ids the session is joined to.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) Joined(auctionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[auctionID]
	return ok
}

func (s *Session) addRoom(auctionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[auctionID] = struct{}{}
}

func (s *Session) removeRoom(auctionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, auctionID)
	delete(s.muted, events.BidsTopic(auctionID))
	delete(s.muted, events.PresenceTopic(auctionID))
}

func (s *Session) setMuted(topic string, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if muted {
		s.muted[topic] = true
	} else {
		delete(s.muted, topic)
	}
}

// sendEvent queues a unicast frame. A full buffer disconnects the session.
func (s *Session) sendEvent(typ events.Type, auctionID string, now time.Time, payload any) {
	env, err := events.New(events.SessionTopic, typ, auctionID, 0, now, payload)
	if err != nil {
		log.Error().Err(err).Str("session_id", s.ID).Msg("failed to build session frame")
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("session_id", s.ID).Msg("failed to encode session frame")
		return
	}
	if !s.Deliver(frame) {
		log.Warn().
			Str("session_id", s.ID).
			Str("type", string(typ)).
			Msg("session send buffer full, closing session")
		s.Close(ErrCapacityExceeded)
	}
}
