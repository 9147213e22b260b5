package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/auction/client"
	"github.com/mcdev12/gavel/go/internal/auction/events"
)

// bidder joins one auction, prints every frame and places a single bid.
func main() {
	url := flag.String("url", "ws://localhost:8080/ws/auction", "gateway WebSocket URL")
	token := flag.String("token", os.Getenv("AUCTION_TOKEN"), "bearer token (empty for a read-only viewer)")
	auctionID := flag.String("auction", "", "auction to join")
	amount := flag.Int64("bid", 0, "amount to bid once joined (0 to only watch)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *auctionID == "" {
		log.Fatal().Msg("-auction is required")
	}

	cfg := client.DefaultConfig(*url)
	cfg.Token = *token
	c := client.New(cfg)
	if err := c.Join(*auctionID); err != nil {
		log.Fatal().Err(err).Msg("failed to join")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	bid := *amount
	for {
		select {
		case err := <-errCh:
			if err != nil {
				log.Fatal().Err(err).Msg("client stopped")
			}
			return
		case env := <-c.Events():
			data, _ := json.Marshal(env)
			fmt.Println(string(data))
			if env.Type == events.TypeSnapshot && bid > 0 {
				nonce, err := c.Bid(*auctionID, bid)
				if err != nil {
					log.Error().Err(err).Msg("failed to send bid")
				} else {
					log.Info().Str("client_nonce", nonce).Int64("amount", bid).Msg("bid sent")
				}
				bid = 0
			}
		}
	}
}
