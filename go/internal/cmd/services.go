package main

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/gavel/go/internal/auction/broadcast"
	"github.com/mcdev12/gavel/go/internal/auction/catalog"
	"github.com/mcdev12/gavel/go/internal/auction/gateway"
	"github.com/mcdev12/gavel/go/internal/auction/orchestrator"
	"github.com/mcdev12/gavel/go/internal/auction/room"
	"github.com/mcdev12/gavel/go/internal/auction/settlement"
	"github.com/mcdev12/gavel/go/internal/auction/snapshot"
	"github.com/mcdev12/gavel/go/internal/config"
)

type Services struct {
	Registry     *room.Registry
	Gateway      *gateway.Service
	Scheduler    *orchestrator.Scheduler
	Orchestrator *orchestrator.Orchestrator

	// Nil when the backing store is disabled.
	Consumer *orchestrator.CatalogConsumer
	Writer   *snapshot.Writer
	Relay    *settlement.Relay
}

func setupServices(ctx context.Context, cfg config.Config, b *Backends) (*Services, error) {
	// Wire up dependency injection chain
	// Backends → observers → room registry → scheduler/orchestrator → gateway
	svcs := &Services{}
	clock := clockwork.NewRealClock()
	dispatcher := broadcast.NewDispatcher()

	var observers []room.Observer
	var snapshots orchestrator.SnapshotLoader
	if b.Redis != nil {
		store := snapshot.NewRedisStore(b.Redis, cfg.Redis.ClosedTTL)
		svcs.Writer = snapshot.NewWriter(store, cfg.Redis.FlushInterval)
		observers = append(observers, svcs.Writer)
		snapshots = store
	}

	// Closes go to the Postgres outbox when there is one, and to JetStream when there is one.
	var cat orchestrator.Catalog
	var outbox settlement.Outbox
	if b.Postgres != nil {
		repo := catalog.NewRepository(b.Postgres)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("failed to set up catalog schema: %w", err)
		}
		cat = repo
		outbox = repo
	}
	var publisher settlement.Publisher
	if b.JetStream != nil {
		js, err := settlement.NewJetStreamPublisher(ctx, b.JetStream, cfg.Settlement())
		if err != nil {
			return nil, fmt.Errorf("failed to set up settlement stream: %w", err)
		}
		publisher = js
	}
	if outbox != nil || publisher != nil {
		svcs.Relay = settlement.NewRelay(publisher, outbox, settlement.DefaultRelayConfig())
		observers = append(observers, svcs.Relay)
	}

	svcs.Registry = room.NewRegistry(clock, dispatcher, cfg.Registry(), observers...)
	svcs.Scheduler = orchestrator.NewScheduler(svcs.Registry, clock, cfg.Scheduler())

	svcs.Orchestrator = orchestrator.NewOrchestrator(svcs.Registry, svcs.Scheduler, cat, snapshots, cfg.AuctionDefaults())
	if b.JetStream != nil {
		svcs.Consumer = orchestrator.NewCatalogConsumer(b.JetStream, svcs.Orchestrator, cfg.Consumer())
	}

	auth := gateway.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AllowAnonymous)
	conn := cfg.Connection()
	conn.CheckOrigin = checkOrigin(cfg.Server.AllowedOrigins)
	svcs.Gateway = gateway.NewService(svcs.Registry, dispatcher, auth, clock, conn)

	return svcs, nil
}

// checkOrigin admits WebSocket handshakes from the allowed origins. "*" admits every origin.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
