// Package snapshot persists room state to Redis so a restarted process can resume auctions
// with their price, holder, sequence, and accepted nonces intact.
package snapshot

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mcdev12/gavel/go/internal/auction/room"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// NewClient creates a Redis client and pings it.
func NewClient(ctx context.Context, cfg ClientConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// RedisStore keeps one JSON state document and one hash of accepted bids per auction.
//
// Key schema:
//
//	auction:room:{auctionID}   - room.State as JSON
//	auction:nonce:{auctionID}  - hash of "{participantID}|{nonce}" -> room.BidResult as JSON
//
// Both keys get ClosedTTL once the auction is terminal.
type RedisStore struct {
	rdb       *redis.Client
	closedTTL time.Duration
}

func NewRedisStore(rdb *redis.Client, closedTTL time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, closedTTL: closedTTL}
}

func roomKey(auctionID string) string  { return "auction:room:" + auctionID }
func nonceKey(auctionID string) string { return "auction:nonce:" + auctionID }

func nonceField(participantID, nonce string) string { return participantID + "|" + nonce }

// Save writes the latest state and any newly accepted bids in one transaction.
func (s *RedisStore) Save(ctx context.Context, st room.State, bids []room.BidResult) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redis: marshal state: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, roomKey(st.AuctionID), data, 0)
	for _, bid := range bids {
		b, err := json.Marshal(bid)
		if err != nil {
			return fmt.Errorf("redis: marshal bid: %w", err)
		}
		pipe.HSet(ctx, nonceKey(st.AuctionID), nonceField(bid.ParticipantID, bid.ClientNonce), b)
	}
	if st.Terminal() && s.closedTTL > 0 {
		pipe.Expire(ctx, roomKey(st.AuctionID), s.closedTTL)
		pipe.Expire(ctx, nonceKey(st.AuctionID), s.closedTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save %s: %w", st.AuctionID, err)
	}
	return nil
}

// Load returns the persisted state for an auction, or nil if there is none.
func (s *RedisStore) Load(ctx context.Context, auctionID string) (*room.Restore, error) {
	data, err := s.rdb.Get(ctx, roomKey(auctionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", auctionID, err)
	}

	var rs room.Restore
	if err := json.Unmarshal(data, &rs.State); err != nil {
		return nil, fmt.Errorf("redis: unmarshal state %s: %w", auctionID, err)
	}

	fields, err := s.rdb.HGetAll(ctx, nonceKey(auctionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: hgetall %s: %w", auctionID, err)
	}
	for field, raw := range fields {
		var bid room.BidResult
		if err := json.Unmarshal([]byte(raw), &bid); err != nil {
			return nil, fmt.Errorf("redis: unmarshal bid %s: %w", field, err)
		}
		rs.Bids = append(rs.Bids, bid)
	}
	return &rs, nil
}

func (s *RedisStore) Delete(ctx context.Context, auctionID string) error {
	if err := s.rdb.Del(ctx, roomKey(auctionID), nonceKey(auctionID)).Err(); err != nil {
		return fmt.Errorf("redis: delete %s: %w", auctionID, err)
	}
	return nil
}
