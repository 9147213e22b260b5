package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Close reasons sent to WebSocket clients.
const (
	CloseReasonCapacityExceeded = "capacity_exceeded"
	CloseReasonHeartbeatTimeout = "heartbeat_timeout"
	CloseReasonShutdown         = "shutdown"
)

// WebSocketHandler handles WebSocket upgrade requests for auction sessions.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	auth              Authenticator
}

func NewWebSocketHandler(cm *ConnectionManager, auth Authenticator) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		auth:              auth,
	}
}

// HandleAuctionConnection authenticates, upgrades, and serves one session. An optional
// auction_id query parameter joins that room right away.
func (h *WebSocketHandler) HandleAuctionConnection(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authenticate(r)
	if err != nil {
		log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("rejected WebSocket handshake")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	cm := h.connectionManager
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	s := cm.Open(identity, TransportWebSocket)
	c := &wsConn{conn: conn, session: s, manager: cm}
	go c.writePump()
	go c.readPump()

	if auctionID := r.URL.Query().Get("auction_id"); auctionID != "" {
		cm.Handle(context.Background(), s, Command{Type: CommandJoin, AuctionID: auctionID})
	}
}

// HandleConnectionStats returns statistics about active sessions.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.connectionManager.Stats())
}

func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/auction", h.HandleAuctionConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}

type wsConn struct {
	conn    *websocket.Conn
	session *Session
	manager *ConnectionManager
}

// writePump drains the session's outbound queue and pings the client. It is the only writer.
func (c *wsConn) writePump() {
	cfg := c.manager.config
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.session.Done():
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, closeMessage(c.session.Err()))
			return

		case message := <-c.session.Outbound():
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("session_id", c.session.ID).Msg("failed to write message to WebSocket")
				c.session.Close(ErrTransportClosed)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("session_id", c.session.ID).Msg("failed to send ping")
				c.session.Close(ErrTransportClosed)
				return
			}
		}
	}
}

// readPump feeds client frames to the connection manager. Pongs count as heartbeats.
func (c *wsConn) readPump() {
	defer c.session.Close(ErrTransportClosed)

	cfg := c.manager.config
	readTimeout := 2*cfg.HeartbeatInterval + cfg.WriteTimeout
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.session.Touch(c.manager.clock.Now())
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.session.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("session_id", c.session.ID).Msg("unexpected WebSocket close error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.manager.HandleRaw(ctx, c.session, message)
	}
}

func closeMessage(reason error) []byte {
	switch {
	case errors.Is(reason, ErrCapacityExceeded):
		return websocket.FormatCloseMessage(websocket.ClosePolicyViolation, CloseReasonCapacityExceeded)
	case errors.Is(reason, ErrHeartbeatTimeout):
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, CloseReasonHeartbeatTimeout)
	case errors.Is(reason, ErrShuttingDown):
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, CloseReasonShutdown)
	}
	return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
