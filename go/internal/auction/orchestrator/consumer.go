package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/auction/events"
)

const (
	natsMaxReconnects = -1
	natsReconnectWait = 2 * time.Second
)

// ConsumerConfig configures the durable catalog consumer.
type ConsumerConfig struct {
	Stream        string
	Durable       string
	FilterSubject string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
	BufferSize    int
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Stream:        "CATALOG",
		Durable:       "auction-orchestrator",
		FilterSubject: "catalog.auctions.>",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		BufferSize:    100,
	}
}

// Connect opens a NATS connection with JetStream.
func Connect(natsURL string) (*nats.Conn, jetstream.JetStream, error) {
	opts := []nats.Option{
		nats.Name("auctiond"),
		nats.MaxReconnects(natsMaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return nc, js, nil
}

// EventHandler handles one decoded catalog event.
type EventHandler interface {
	HandleDomainEvent(ctx context.Context, eventType events.DomainEventType, payload []byte) error
}

// CatalogConsumer feeds catalog events from JetStream to the orchestrator.
type CatalogConsumer struct {
	js       jetstream.JetStream
	handler  EventHandler
	config   ConsumerConfig
	consumer jetstream.Consumer
}

func NewCatalogConsumer(js jetstream.JetStream, handler EventHandler, config ConsumerConfig) *CatalogConsumer {
	return &CatalogConsumer{
		js:      js,
		handler: handler,
		config:  config,
	}
}

// ensureConsumer binds to the durable consumer on the catalog stream, creating it on first run.
// The stream itself belongs to the catalog service.
func (c *CatalogConsumer) ensureConsumer(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, c.config.Stream)
	if err != nil {
		return fmt.Errorf("catalog stream %s: %w", c.config.Stream, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       c.config.Durable,
		Description:   "auctiond catalog consumer",
		FilterSubject: c.config.FilterSubject,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    c.config.MaxDeliver,
		AckWait:       c.config.AckWait,
		MaxAckPending: c.config.MaxAckPending,
	})
	if err != nil {
		return fmt.Errorf("bind consumer %s: %w", c.config.Durable, err)
	}
	info := consumer.CachedInfo()
	log.Info().
		Str("durable", c.config.Durable).
		Uint64("pending", info.NumPending).
		Msg("catalog consumer bound")
	c.consumer = consumer
	return nil
}

// Run consumes until ctx is done.
func (c *CatalogConsumer) Run(ctx context.Context) error {
	if err := c.ensureConsumer(ctx); err != nil {
		return err
	}

	messageCh := make(chan jetstream.Msg, c.config.BufferSize)
	consumeCtx, err := c.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	log.Info().Str("subject", c.config.FilterSubject).Msg("catalog consumer started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("catalog consumer shutting down")
			return nil
		case msg := <-messageCh:
			if err := c.processMessage(ctx, msg.Data()); err != nil {
				log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process message")
				if nakErr := msg.Nak(); nakErr != nil {
					log.Error().Err(nakErr).Msg("failed to NAK message")
				}
				continue
			}
			if ackErr := msg.Ack(); ackErr != nil {
				log.Error().Err(ackErr).Msg("failed to ACK message")
			}
		}
	}
}

func (c *CatalogConsumer) processMessage(ctx context.Context, data []byte) error {
	var event events.DomainEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("unmarshal event envelope: %w", err)
	}

	log.Debug().
		Str("event_id", event.EventID).
		Str("auction_id", event.AuctionID).
		Str("event_type", string(event.EventType)).
		Msg("processing catalog event")

	if err := c.handler.HandleDomainEvent(ctx, event.EventType, event.Payload); err != nil {
		return fmt.Errorf("handle domain event: %w", err)
	}
	return nil
}
