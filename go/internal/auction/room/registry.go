package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/models"
)

// Config holds room registry settings.
type Config struct {
	CommandBuffer int
	EvictAfter    time.Duration
}

func DefaultConfig() Config {
	return Config{
		CommandBuffer: 256,
		EvictAfter:    5 * time.Minute,
	}
}

// Registry is the set of active rooms keyed by auction id.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	clock     clockwork.Clock
	publisher Publisher
	observers []Observer
	config    Config
}

func NewRegistry(clock clockwork.Clock, publisher Publisher, config Config, observers ...Observer) *Registry {
	if config.CommandBuffer <= 0 {
		config.CommandBuffer = DefaultConfig().CommandBuffer
	}
	return &Registry{
		rooms:     make(map[string]*Room),
		clock:     clock,
		publisher: publisher,
		observers: observers,
		config:    config,
	}
}

// Open starts a room for the auction. If a room already exists it is returned unchanged and
// created is false.
func (reg *Registry) Open(a models.Auction, restore *Restore) (r *Room, created bool, err error) {
	if err := a.Validate(); err != nil {
		return nil, false, fmt.Errorf("open auction %q: %w", a.ID, err)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if existing, ok := reg.rooms[a.ID]; ok {
		return existing, false, nil
	}
	r = newRoom(a, restore, reg.clock, reg.publisher, reg.observers, reg.config.CommandBuffer)
	reg.rooms[a.ID] = r
	go r.run()

	log.Info().
		Str("auction_id", a.ID).
		Time("start_at", a.StartAt).
		Time("end_at", a.EndAt).
		Int64("starting_price", a.StartingPrice).
		Bool("restored", restore != nil).
		Msg("opened auction room")
	return r, true, nil
}

func (reg *Registry) Get(auctionID string) (*Room, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[auctionID]
	if !ok {
		return nil, ErrUnknownAuction
	}
	return r, nil
}

func (reg *Registry) IDs() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	ids := make([]string, 0, len(reg.rooms))
	for id := range reg.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// EvictIdle stops and removes rooms that have been terminal for at least EvictAfter and have
// no viewers left. It returns the evicted auction ids.
func (reg *Registry) EvictIdle(ctx context.Context) []string {
	var evicted []string
	for _, id := range reg.IDs() {
		r, err := reg.Get(id)
		if err != nil {
			continue
		}
		idle, err := r.retireIfIdle(ctx, reg.config.EvictAfter)
		if err != nil || !idle {
			continue
		}
		reg.remove(r)
		evicted = append(evicted, id)
		log.Info().Str("auction_id", id).Msg("evicted idle auction room")
	}
	return evicted
}

func (reg *Registry) remove(r *Room) {
	reg.mu.Lock()
	if cur, ok := reg.rooms[r.id]; ok && cur == r {
		delete(reg.rooms, r.id)
	}
	reg.mu.Unlock()
	r.Stop()
}

// Close stops every room.
func (reg *Registry) Close() {
	reg.mu.Lock()
	rooms := reg.rooms
	reg.rooms = make(map[string]*Room)
	reg.mu.Unlock()

	for _, r := range rooms {
		r.Stop()
	}
	for _, r := range rooms {
		<-r.done
	}
}
