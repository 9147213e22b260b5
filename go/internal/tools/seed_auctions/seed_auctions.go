package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mcdev12/gavel/go/internal/auction/catalog"
	"github.com/mcdev12/gavel/go/internal/auction/events"
	"github.com/mcdev12/gavel/go/internal/auction/orchestrator"
	"github.com/mcdev12/gavel/go/internal/config"
)

const scheduledSubject = "catalog.auctions.scheduled"

func main() {
	path := flag.String("file", "auctions.json", "JSON array of scheduled auctions")
	publish := flag.Bool("publish", false, "also publish AuctionScheduled events to the catalog stream")
	flag.Parse()

	ctx := context.Background()

	// 1) Load the JSON file
	data, err := os.ReadFile(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read JSON: %v\n", err)
		os.Exit(1)
	}
	var scheduled []events.AuctionScheduledPayload
	if err := json.Unmarshal(data, &scheduled); err != nil {
		fmt.Fprintf(os.Stderr, "unmarshal JSON: %v\n", err)
		os.Exit(1)
	}

	// 2) Connect using the auctiond config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	pool, err := catalog.NewPool(ctx, cfg.Catalog())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()
	repo := catalog.NewRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	var js jetstream.JetStream
	if *publish {
		nc, stream, err := orchestrator.Connect(cfg.NATS.URL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		defer nc.Drain()
		if err := ensureCatalogStream(ctx, stream, cfg.Consumer()); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		js = stream
	}

	// 3) Insert, publish and count
	var (
		total     = len(scheduled)
		inserted  int
		skipped   int
		published int
		errs      int
	)

	defaults := cfg.AuctionDefaults()
	for _, p := range scheduled {
		ok, err := repo.Insert(ctx, defaults.Auction(p))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error inserting auction %s: %v\n", p.AuctionID, err)
			errs++
			continue
		}
		if !ok {
			skipped++
			continue
		}
		inserted++

		if js != nil {
			if err := publishScheduled(ctx, js, p); err != nil {
				fmt.Fprintf(os.Stderr, "error publishing auction %s: %v\n", p.AuctionID, err)
				errs++
				continue
			}
			published++
		}
	}

	// 4) Print summary
	fmt.Printf(
		"Auctions seed complete: %d total, %d inserted, %d skipped, %d published, %d errors\n",
		total, inserted, skipped, published, errs,
	)
}

func ensureCatalogStream(ctx context.Context, js jetstream.JetStream, cc orchestrator.ConsumerConfig) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cc.Stream,
		Subjects: []string{cc.FilterSubject},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", cc.Stream, err)
	}
	return nil
}

func publishScheduled(ctx context.Context, js jetstream.JetStream, p events.AuctionScheduledPayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	data, err := json.Marshal(events.DomainEvent{
		EventID:   uuid.New().String(),
		EventType: events.EventAuctionScheduled,
		AuctionID: p.AuctionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	msg := nats.NewMsg(scheduledSubject)
	msg.Data = data
	_, err = js.PublishMsg(ctx, msg, jetstream.WithMsgID("scheduled:"+p.AuctionID))
	return err
}
