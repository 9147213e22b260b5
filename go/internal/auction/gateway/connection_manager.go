package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/auction/events"
	"github.com/mcdev12/gavel/go/internal/auction/room"
	"github.com/mcdev12/gavel/go/internal/models"
)

// ConnectionConfig holds configuration for participant sessions.
type ConnectionConfig struct {
	HeartbeatInterval time.Duration
	SendBuffer        int
	BidAckTimeout     time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	ReadBufferSize    int
	WriteBufferSize   int
	PollWait          time.Duration
	PollBatch         int
	CheckOrigin       func(r *http.Request) bool
}

// DefaultConnectionConfig returns default session configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		HeartbeatInterval: 10 * time.Second,
		SendBuffer:        256,
		BidAckTimeout:     3 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    4096,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		PollWait:          25 * time.Second,
		PollBatch:         64,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// ConnectionStats summarizes active sessions.
type ConnectionStats struct {
	TotalSessions int            `json:"total_sessions"`
	Anonymous     int            `json:"anonymous"`
	ByTransport   map[string]int `json:"by_transport"`
	ActiveRooms   int            `json:"active_rooms"`
	RoomSessions  map[string]int `json:"room_sessions"`
}

// ConnectionManager owns every participant session: the handshake hand-off, room membership,
// command handling and heartbeat eviction.
type ConnectionManager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	registry *room.Registry
	clock    clockwork.Clock
	upgrader websocket.Upgrader
	config   ConnectionConfig
}

func NewConnectionManager(registry *room.Registry, clock clockwork.Clock, config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		sessions: make(map[string]*Session),
		registry: registry,
		clock:    clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// Open registers a new session for an authenticated identity.
func (cm *ConnectionManager) Open(identity Identity, transport string) *Session {
	s := newSession(uuid.New().String(), identity, transport, cm.config.SendBuffer, cm.clock.Now())

	cm.mu.Lock()
	cm.sessions[s.ID] = s
	total := len(cm.sessions)
	cm.mu.Unlock()

	s.setState(models.SessionConnected)
	go cm.reap(s)

	log.Info().
		Str("session_id", s.ID).
		Str("participant_id", s.ParticipantID).
		Str("transport", transport).
		Bool("read_only", s.ReadOnly).
		Int("total_sessions", total).
		Msg("session connected")
	return s
}

func (cm *ConnectionManager) Get(sessionID string) (*Session, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	s, ok := cm.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// reap waits for the session to close and then removes it from every room it joined.
func (cm *ConnectionManager) reap(s *Session) {
	<-s.Done()

	for _, auctionID := range s.Rooms() {
		r, err := cm.registry.Get(auctionID)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), cm.config.BidAckTimeout)
		if _, err := r.Leave(ctx, s.ID); err != nil && !errors.Is(err, room.ErrRoomClosed) {
			log.Error().Err(err).Str("session_id", s.ID).Str("auction_id", auctionID).Msg("failed to leave room")
		}
		cancel()
		s.removeRoom(auctionID)
	}

	cm.mu.Lock()
	delete(cm.sessions, s.ID)
	cm.mu.Unlock()

	log.Info().
		Str("session_id", s.ID).
		Str("participant_id", s.ParticipantID).
		AnErr("reason", s.Err()).
		Msg("session disconnected")
}

// Handle processes one client command. Any inbound command counts as a heartbeat.
func (cm *ConnectionManager) Handle(ctx context.Context, s *Session, cmd Command) {
	select {
	case <-s.Done():
		return
	default:
	}
	now := cm.clock.Now()
	s.Touch(now)

	switch cmd.Type {
	case CommandPing:
		s.sendEvent(events.TypePong, "", now, nil)
	case CommandJoin:
		cm.join(ctx, s, cmd.AuctionID)
	case CommandLeave:
		cm.leave(ctx, s, cmd.AuctionID)
	case CommandBid:
		cm.bid(ctx, s, cmd)
	case CommandSubscribe, CommandUnsubscribe:
		for _, topic := range cmd.Topics {
			if _, _, ok := events.ParseTopic(topic); !ok {
				cm.sendError(s, "INVALID_TOPIC", "unknown topic "+topic)
				continue
			}
			s.setMuted(topic, cmd.Type == CommandUnsubscribe)
		}
	}
}

// HandleRaw parses and processes a raw client frame.
func (cm *ConnectionManager) HandleRaw(ctx context.Context, s *Session, data []byte) {
	cmd, err := ParseCommand(data)
	if err != nil {
		s.Touch(cm.clock.Now())
		cm.sendError(s, "INVALID_COMMAND", err.Error())
		return
	}
	cm.Handle(ctx, s, cmd)
}

func (cm *ConnectionManager) join(ctx context.Context, s *Session, auctionID string) {
	r, err := cm.registry.Get(auctionID)
	if err != nil {
		cm.sendError(s, string(room.ReasonUnknownAuction), "unknown auction "+auctionID)
		return
	}
	s.addRoom(auctionID)
	if _, err := r.Join(ctx, s); err != nil {
		s.removeRoom(auctionID)
		if errors.Is(err, room.ErrRoomClosed) {
			cm.sendError(s, string(room.ReasonUnknownAuction), "unknown auction "+auctionID)
			return
		}
		log.Error().Err(err).Str("session_id", s.ID).Str("auction_id", auctionID).Msg("failed to join room")
		cm.sendError(s, "JOIN_FAILED", err.Error())
		return
	}
	// The session may have closed while joining, after reap took its room list.
	select {
	case <-s.Done():
		if _, err := r.Leave(context.Background(), s.ID); err != nil && !errors.Is(err, room.ErrRoomClosed) {
			log.Error().Err(err).Str("session_id", s.ID).Str("auction_id", auctionID).Msg("failed to leave room")
		}
	default:
	}
}

func (cm *ConnectionManager) leave(ctx context.Context, s *Session, auctionID string) {
	if !s.Joined(auctionID) {
		return
	}
	if r, err := cm.registry.Get(auctionID); err == nil {
		if _, err := r.Leave(ctx, s.ID); err != nil && !errors.Is(err, room.ErrRoomClosed) {
			log.Error().Err(err).Str("session_id", s.ID).Str("auction_id", auctionID).Msg("failed to leave room")
		}
	}
	s.removeRoom(auctionID)
}

func (cm *ConnectionManager) bid(ctx context.Context, s *Session, cmd Command) {
	attempt := models.BidAttempt{
		AuctionID:     cmd.AuctionID,
		ParticipantID: s.ParticipantID,
		Amount:        cmd.Amount,
		ClientNonce:   cmd.ClientNonce,
	}
	if s.ReadOnly {
		cm.sendRejected(s, room.Rejected(attempt, room.ReasonUnauthenticated))
		return
	}
	r, err := cm.registry.Get(cmd.AuctionID)
	if err != nil {
		cm.sendRejected(s, room.Rejected(attempt, room.ReasonUnknownAuction))
		return
	}

	ackCtx, cancel := context.WithTimeout(ctx, cm.config.BidAckTimeout)
	defer cancel()
	res, err := r.SubmitBid(ackCtx, attempt)
	switch {
	case errors.Is(err, room.ErrRoomClosed):
		cm.sendRejected(s, room.Rejected(attempt, room.ReasonUnknownAuction))
	case err != nil:
		log.Warn().
			Err(err).
			Str("session_id", s.ID).
			Str("auction_id", cmd.AuctionID).
			Str("client_nonce", cmd.ClientNonce).
			Msg("bid not acknowledged in time")
		s.sendEvent(events.TypeBidTimeout, cmd.AuctionID, cm.clock.Now(), events.BidTimeoutPayload{
			AuctionID:   cmd.AuctionID,
			ClientNonce: cmd.ClientNonce,
		})
	case !res.Accepted:
		cm.sendRejected(s, res)
	default:
		s.sendEvent(events.TypeBidResult, cmd.AuctionID, cm.clock.Now(), events.BidResultPayload{
			AuctionID:   res.AuctionID,
			ClientNonce: res.ClientNonce,
			Sequence:    res.Sequence,
			Price:       res.Price,
			HolderID:    res.Holder,
			EndAt:       res.EndAt,
			Replayed:    res.Replayed,
		})
	}
}

func (cm *ConnectionManager) sendRejected(s *Session, res room.BidResult) {
	s.sendEvent(events.TypeBidRejected, res.AuctionID, cm.clock.Now(), events.BidRejectedPayload{
		AuctionID:   res.AuctionID,
		ClientNonce: res.ClientNonce,
		Reason:      string(res.Reason),
	})
}

func (cm *ConnectionManager) sendError(s *Session, code, message string) {
	s.sendEvent(events.TypeError, "", cm.clock.Now(), events.ErrorPayload{Code: code, Message: message})
}

// Run evicts sessions that stopped sending heartbeats until ctx is done, then closes every
// remaining session.
func (cm *ConnectionManager) Run(ctx context.Context) {
	log.Info().Dur("heartbeat_interval", cm.config.HeartbeatInterval).Msg("connection manager started")

	ticker := cm.clock.NewTicker(cm.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.CloseAll(ErrShuttingDown)
			return
		case now := <-ticker.Chan():
			cm.sweep(now)
		}
	}
}

// sweepInterval keeps a silent session from outliving two heartbeat intervals by more than a
// quarter interval.
func (cm *ConnectionManager) sweepInterval() time.Duration {
	if d := cm.config.HeartbeatInterval / 4; d > 0 {
		return d
	}
	return time.Millisecond
}

// sweep closes every session with no inbound frame within two heartbeat intervals.
func (cm *ConnectionManager) sweep(now time.Time) int {
	cutoff := now.Add(-2 * cm.config.HeartbeatInterval)

	cm.mu.RLock()
	var stale []*Session
	for _, s := range cm.sessions {
		if s.LastHeartbeat().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	cm.mu.RUnlock()

	for _, s := range stale {
		log.Warn().
			Str("session_id", s.ID).
			Str("participant_id", s.ParticipantID).
			Time("last_heartbeat", s.LastHeartbeat()).
			Msg("evicting session after missed heartbeats")
		s.Close(ErrHeartbeatTimeout)
	}
	return len(stale)
}

func (cm *ConnectionManager) CloseAll(reason error) {
	cm.mu.RLock()
	sessions := make([]*Session, 0, len(cm.sessions))
	for _, s := range cm.sessions {
		sessions = append(sessions, s)
	}
	cm.mu.RUnlock()

	for _, s := range sessions {
		s.Close(reason)
	}
}

// Stats returns statistics about active sessions.
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		TotalSessions: len(cm.sessions),
		ByTransport:   make(map[string]int),
		RoomSessions:  make(map[string]int),
	}
	for _, s := range cm.sessions {
		stats.ByTransport[s.Transport]++
		if s.ReadOnly && s.ParticipantID == models.AnonymousParticipant {
			stats.Anonymous++
		}
		for _, id := range s.Rooms() {
			stats.RoomSessions[id]++
		}
	}
	stats.ActiveRooms = len(stats.RoomSessions)
	return stats
}
