package gateway

import (
	"errors"
	"net/http"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/auction/events"
	"github.com/mcdev12/gavel/go/internal/auction/room"
)

// StateHandler serves room snapshots over plain HTTP.
type StateHandler struct {
	registry *room.Registry
}

func NewStateHandler(registry *room.Registry) *StateHandler {
	return &StateHandler{registry: registry}
}

// HandleGetAuction handles GET /auctions/{id}.
func (h *StateHandler) HandleGetAuction(w http.ResponseWriter, r *http.Request) {
	auctionID := r.PathValue("id")
	rm, err := h.registry.Get(auctionID)
	if err != nil {
		http.Error(w, "auction not found", http.StatusNotFound)
		return
	}
	st, err := rm.Snapshot(r.Context())
	if err != nil {
		if errors.Is(err, room.ErrRoomClosed) {
			http.Error(w, "auction not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("auction_id", auctionID).Msg("failed to get auction state")
		http.Error(w, "failed to get auction state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st.SnapshotPayload())
}

// HandleListAuctions handles GET /auctions.
func (h *StateHandler) HandleListAuctions(w http.ResponseWriter, r *http.Request) {
	ids := h.registry.IDs()
	sort.Strings(ids)

	out := make([]events.SnapshotPayload, 0, len(ids))
	for _, id := range ids {
		rm, err := h.registry.Get(id)
		if err != nil {
			continue
		}
		st, err := rm.Snapshot(r.Context())
		if err != nil {
			continue
		}
		out = append(out, st.SnapshotPayload())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *StateHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /auctions", h.HandleListAuctions)
	mux.HandleFunc("GET /auctions/{id}", h.HandleGetAuction)
}
