package gateway

import (
	"context"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/auction/broadcast"
	"github.com/mcdev12/gavel/go/internal/auction/room"
)

// Service bundles the session transports and their HTTP routes.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	pollHandler       *LongPollHandler
	stateHandler      *StateHandler
	dispatcher        *broadcast.Dispatcher
}

func NewService(registry *room.Registry, dispatcher *broadcast.Dispatcher, auth Authenticator, clock clockwork.Clock, config ConnectionConfig) *Service {
	cm := NewConnectionManager(registry, clock, config)
	return &Service{
		connectionManager: cm,
		wsHandler:         NewWebSocketHandler(cm, auth),
		pollHandler:       NewLongPollHandler(cm, auth),
		stateHandler:      NewStateHandler(registry),
		dispatcher:        dispatcher,
	}
}

// Run runs the heartbeat sweeper until ctx is done and then disconnects every session.
func (s *Service) Run(ctx context.Context) error {
	log.Info().Msg("starting auction gateway")
	s.connectionManager.Run(ctx)
	log.Info().Msg("auction gateway stopped")
	return nil
}

func (s *Service) ConnectionManager() *ConnectionManager {
	return s.connectionManager
}

// Stats combines session and dispatcher statistics.
type Stats struct {
	Connections ConnectionStats `json:"connections"`
	Broadcast   broadcast.Stats `json:"broadcast"`
}

func (s *Service) Stats() Stats {
	return Stats{
		Connections: s.connectionManager.Stats(),
		Broadcast:   s.dispatcher.Stats(),
	}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.pollHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterRoutes(mux)
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Stats())
	})
	log.Info().Msg("auction gateway routes registered")
}
