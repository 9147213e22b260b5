package settlement

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

// JetStreamConfig describes the stream closed auctions are published to.
type JetStreamConfig struct {
	StreamName      string
	SubjectPrefix   string
	MaxAge          time.Duration
	MaxMsgs         int64
	Replicas        int
	// DuplicateWindow bounds how long a republished close is recognised by its message id.
	DuplicateWindow time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		StreamName:      "AUCTION_EVENTS",
		SubjectPrefix:   "auction.events",
		MaxAge:          7 * 24 * time.Hour,
		MaxMsgs:         -1,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
	}
}

// JetStreamPublisher publishes closed auctions for order and settlement services.
type JetStreamPublisher struct {
	js     jetstream.JetStream
	config JetStreamConfig
}

func NewJetStreamPublisher(ctx context.Context, js jetstream.JetStream, cfg JetStreamConfig) (*JetStreamPublisher, error) {
	p := &JetStreamPublisher{js: js, config: cfg}
	if err := p.ensureStream(ctx); err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return p, nil
}

// ensureStream creates the settlement stream or brings an existing one in line with the config.
func (p *JetStreamPublisher) ensureStream(ctx context.Context) error {
	stream, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        p.config.StreamName,
		Description: "Closed auctions for order and settlement",
		Subjects:    []string{p.config.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      p.config.MaxAge,
		MaxMsgs:     p.config.MaxMsgs,
		Storage:     jetstream.FileStorage,
		Replicas:    p.config.Replicas,
		Duplicates:  p.config.DuplicateWindow,
	})
	if err != nil {
		return err
	}
	info := stream.CachedInfo()
	log.Info().
		Str("stream", info.Config.Name).
		Uint64("messages", info.State.Msgs).
		Dur("duplicate_window", info.Config.Duplicates).
		Msg("settlement stream ready")
	return nil
}

// Publish sends one AuctionClosed event. An auction closes once, so the message id is derived
// from the auction alone and any republished close is dropped by the stream's duplicate window.
func (p *JetStreamPublisher) Publish(ctx context.Context, closed events.AuctionClosedPayload) error {
	msg, msgID, err := closedMessage(p.config.SubjectPrefix, closed)
	if err != nil {
		return err
	}

	ack, err := p.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(msgID),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Info().
		Str("subject", msg.Subject).
		Str("auction_id", closed.AuctionID).
		Str("phase", closed.Phase).
		Uint64("stream_sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published auction close")
	return nil
}

// closedMessage builds the NATS message for a closed auction.
func closedMessage(prefix string, closed events.AuctionClosedPayload) (*nats.Msg, string, error) {
	msgID := closed.AuctionID + ":closed"

	payload, err := json.Marshal(closed)
	if err != nil {
		return nil, "", fmt.Errorf("marshal payload: %w", err)
	}
	data, err := json.Marshal(events.DomainEvent{
		EventID:   msgID,
		EventType: events.EventAuctionClosed,
		AuctionID: closed.AuctionID,
		Timestamp: closed.ClosedAt.UTC(),
		Payload:   payload,
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal event: %w", err)
	}

	return &nats.Msg{
		Subject: fmt.Sprintf("%s.%s", prefix, closed.Phase),
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{string(events.EventAuctionClosed)},
			"Auction-ID": []string{closed.AuctionID},
			"Event-ID":   []string{msgID},
		},
	}, msgID, nil
}
