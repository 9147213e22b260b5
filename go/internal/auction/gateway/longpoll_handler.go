package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// LongPollHandler serves the same session protocol over plain HTTP requests for clients that
// cannot open a WebSocket. Frames are queued on the session exactly as for WebSocket sessions;
// each receive request counts as a heartbeat.
type LongPollHandler struct {
	connectionManager *ConnectionManager
	auth              Authenticator
}

func NewLongPollHandler(cm *ConnectionManager, auth Authenticator) *LongPollHandler {
	return &LongPollHandler{
		connectionManager: cm,
		auth:              auth,
	}
}

type pollConnectResponse struct {
	SessionID         string `json:"sessionId"`
	ParticipantID     string `json:"participantId"`
	ReadOnly          bool   `json:"readOnly"`
	HeartbeatInterval int64  `json:"heartbeatIntervalMs"`
}

type pollRecvResponse struct {
	Frames []json.RawMessage `json:"frames"`
	Closed bool              `json:"closed,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

// HandleConnect handles POST /poll/connect.
func (h *LongPollHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s := h.connectionManager.Open(identity, TransportLongPoll)
	writeJSON(w, http.StatusOK, pollConnectResponse{
		SessionID:         s.ID,
		ParticipantID:     s.ParticipantID,
		ReadOnly:          s.ReadOnly,
		HeartbeatInterval: h.connectionManager.config.HeartbeatInterval.Milliseconds(),
	})
}

// HandleSend handles POST /poll/send?session_id=... with one command frame as the body.
func (h *LongPollHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, h.connectionManager.config.MaxMessageSize+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > h.connectionManager.config.MaxMessageSize {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}
	h.connectionManager.HandleRaw(r.Context(), s, body)
	w.WriteHeader(http.StatusAccepted)
}

// HandleRecv handles GET /poll/recv?session_id=.... It waits up to the poll window for the
// first frame and then drains whatever else is already queued.
func (h *LongPollHandler) HandleRecv(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	cfg := h.connectionManager.config
	s.Touch(h.connectionManager.clock.Now())

	resp := pollRecvResponse{Frames: []json.RawMessage{}}
	timer := time.NewTimer(cfg.PollWait)
	defer timer.Stop()

	select {
	case frame := <-s.Outbound():
		resp.Frames = append(resp.Frames, frame)
	case <-s.Done():
		resp.Closed = true
		resp.Reason = closeReason(s.Err())
	case <-timer.C:
	case <-r.Context().Done():
		return
	}

drain:
	for len(resp.Frames) > 0 && len(resp.Frames) < cfg.PollBatch {
		select {
		case frame := <-s.Outbound():
			resp.Frames = append(resp.Frames, frame)
		default:
			break drain
		}
	}

	// Waiting counted as liveness.
	s.Touch(h.connectionManager.clock.Now())
	writeJSON(w, http.StatusOK, resp)
}

// HandleClose handles POST /poll/close?session_id=....
func (h *LongPollHandler) HandleClose(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Close(ErrTransportClosed)
	w.WriteHeader(http.StatusNoContent)
}

func (h *LongPollHandler) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return nil, false
	}
	s, err := h.connectionManager.Get(id)
	if err != nil {
		http.Error(w, "session not found", http.StatusGone)
		return nil, false
	}
	if s.Transport != TransportLongPoll {
		http.Error(w, "session is not a long-poll session", http.StatusConflict)
		return nil, false
	}
	return s, true
}

func (h *LongPollHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /poll/connect", h.HandleConnect)
	mux.HandleFunc("POST /poll/send", h.HandleSend)
	mux.HandleFunc("GET /poll/recv", h.HandleRecv)
	mux.HandleFunc("POST /poll/close", h.HandleClose)
	log.Debug().Msg("long-poll routes registered")
}

func closeReason(err error) string {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return CloseReasonCapacityExceeded
	case errors.Is(err, ErrHeartbeatTimeout):
		return CloseReasonHeartbeatTimeout
	case errors.Is(err, ErrShuttingDown):
		return CloseReasonShutdown
	case err != nil:
		return err.Error()
	}
	return ""
}
