package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/gavel/go/internal/config"
)

func setupServer(cfg config.ServerConfig, services *Services) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	services.Gateway.RegisterRoutes(mux)
	setupHealthCheck(mux)

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func setupHealthCheck(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

// run serves until ctx is done. Rooms are closed before the snapshot writer and settlement relay
// stop, so their last changes are still flushed.
func run(ctx context.Context, cfg config.Config) error {
	backends, err := connectBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer backends.Close()

	services, err := setupServices(ctx, cfg, backends)
	if err != nil {
		return err
	}
	server := setupServer(cfg.Server, services)

	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()
	var sinks errgroup.Group
	if services.Writer != nil {
		sinks.Go(func() error { return services.Writer.Run(sinkCtx) })
	}
	if services.Relay != nil {
		sinks.Go(func() error { return services.Relay.Run(sinkCtx) })
	}

	opened, err := services.Orchestrator.Recover(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to recover open auctions")
	} else {
		log.Info().Int("auctions", opened).Msg("recovered open auctions")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return services.Scheduler.Run(gctx) })
	g.Go(func() error { return services.Gateway.Run(gctx) })
	if services.Consumer != nil {
		g.Go(func() error { return services.Consumer.Run(gctx) })
	}
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		return nil
	})

	err = g.Wait()
	services.Registry.Close()
	stopSinks()
	if sinkErr := sinks.Wait(); sinkErr != nil && err == nil {
		err = sinkErr
	}
	return err
}
