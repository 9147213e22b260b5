// Package client is a reconnecting WebSocket client for the auction gateway. It keeps its joined
// rooms and unacknowledged bids across reconnects: rooms are rejoined (each join yields a fresh
// SNAPSHOT) and pending bids are resent with their original nonce.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mcdev12/gavel/go/internal/auction/events"
	"github.com/mcdev12/gavel/go/internal/auction/gateway"
	"github.com/mcdev12/gavel/go/internal/models"
)

var (
	ErrUnauthorized = errors.New("client: gateway rejected credentials")
	ErrClosed       = errors.New("client: closed")
	ErrNotConnected = errors.New("client: not connected")
)

type Config struct {
	URL               string
	Token             string
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration

	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	RandomizationFactor float64

	// MaxAttemptsPerMinute caps reconnect attempts regardless of backoff.
	MaxAttemptsPerMinute int
	EventBuffer          int
}

func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		HeartbeatInterval:    10 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         10 * time.Second,
		InitialBackoff:       500 * time.Millisecond,
		MaxBackoff:           30 * time.Second,
		RandomizationFactor:  0.5,
		MaxAttemptsPerMinute: 20,
		EventBuffer:          256,
	}
}

// newBackoff returns an exponential backoff with jitter that never gives up.
func newBackoff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.RandomizationFactor = cfg.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.MaxAttemptsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MaxAttemptsPerMinute)), 1)
}

// Client connects to one gateway and reconnects until closed.
type Client struct {
	config  Config
	dialer  websocket.Dialer
	backoff *backoff.ExponentialBackOff
	limiter *rate.Limiter
	events  chan events.Envelope

	mu      sync.Mutex
	conn    *websocket.Conn
	state   models.SessionState
	rooms   map[string]struct{}
	pending map[string]gateway.Command // by client nonce
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *Client {
	defaults := DefaultConfig(cfg.URL)
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaults.EventBuffer
	}
	return &Client{
		config:  cfg,
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		backoff: newBackoff(cfg),
		limiter: newLimiter(cfg),
		events:  make(chan events.Envelope, cfg.EventBuffer),
		state:   models.SessionDisconnected,
		rooms:   make(map[string]struct{}),
		pending: make(map[string]gateway.Command),
		done:    make(chan struct{}),
	}
}

// Events delivers every frame received from the gateway.
func (c *Client) Events() <-chan events.Envelope {
	return c.events
}

func (c *Client) State() models.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the nonces of bids without a final answer.
func (c *Client) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	nonces := make([]string, 0, len(c.pending))
	for n := range c.pending {
		nonces = append(nonces, n)
	}
	return nonces
}

// Join subscribes to a room now or on the next connect.
func (c *Client) Join(auctionID string) error {
	c.mu.Lock()
	c.rooms[auctionID] = struct{}{}
	c.mu.Unlock()
	return c.sendIfConnected(gateway.Command{Type: gateway.CommandJoin, AuctionID: auctionID})
}

func (c *Client) Leave(auctionID string) error {
	c.mu.Lock()
	delete(c.rooms, auctionID)
	c.mu.Unlock()
	return c.sendIfConnected(gateway.Command{Type: gateway.CommandLeave, AuctionID: auctionID})
}

// Bid submits a bid and returns its nonce. The bid is kept until the gateway answers with
// BID_RESULT or BID_REJECTED, and resent with the same nonce after a reconnect or BID_TIMEOUT.
func (c *Client) Bid(auctionID string, amount int64) (string, error) {
	select {
	case <-c.done:
		return "", ErrClosed
	default:
	}
	cmd := gateway.Command{
		Type:        gateway.CommandBid,
		AuctionID:   auctionID,
		Amount:      amount,
		ClientNonce: uuid.New().String(),
	}
	c.mu.Lock()
	c.pending[cmd.ClientNonce] = cmd
	c.mu.Unlock()
	return cmd.ClientNonce, c.sendIfConnected(cmd)
}

// Run connects and keeps reconnecting until ctx is done or Close is called. It only returns an
// error when the gateway rejects the credentials.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
		c.setState(models.SessionConnecting)

		conn, err := c.dial(ctx)
		if errors.Is(err, ErrUnauthorized) {
			c.setState(models.SessionDisconnected)
			return err
		}
		if err == nil {
			attempt = 1
			c.backoff.Reset()
			err = c.serve(ctx, conn)
		}
		c.setState(models.SessionDisconnected)
		if ctx.Err() != nil {
			return nil
		}

		wait := c.backoff.NextBackOff()
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("auction connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial %s: %w", c.config.URL, err)
	}
	return conn, nil
}

// serve runs one connection: it restores rooms and pending bids, then reads until the
// connection fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.state = models.SessionConnected
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	bids := make([]gateway.Command, 0, len(c.pending))
	for _, cmd := range c.pending {
		bids = append(bids, cmd)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	log.Info().Str("url", c.config.URL).Int("rooms", len(rooms)).Int("pending_bids", len(bids)).Msg("connected to auction gateway")

	for _, id := range rooms {
		if err := c.write(conn, gateway.Command{Type: gateway.CommandJoin, AuctionID: id}); err != nil {
			return err
		}
	}
	for _, cmd := range bids {
		if err := c.write(conn, cmd); err != nil {
			return err
		}
	}

	readTimeout := 2*c.config.HeartbeatInterval + c.config.WriteTimeout
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.config.WriteTimeout))
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeat(connCtx, conn)
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Msg("dropping malformed gateway frame")
			continue
		}
		c.handle(conn, env)

		select {
		case c.events <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(conn, gateway.Command{Type: gateway.CommandPing}); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// handle settles or replays pending bids.
func (c *Client) handle(conn *websocket.Conn, env events.Envelope) {
	var ref struct {
		ClientNonce string `json:"clientNonce"`
	}
	switch env.Type {
	case events.TypeBidResult, events.TypeBidRejected:
		if json.Unmarshal(env.Data, &ref) == nil && ref.ClientNonce != "" {
			c.mu.Lock()
			delete(c.pending, ref.ClientNonce)
			c.mu.Unlock()
		}
	case events.TypeBidTimeout:
		if json.Unmarshal(env.Data, &ref) != nil {
			return
		}
		c.mu.Lock()
		cmd, ok := c.pending[ref.ClientNonce]
		c.mu.Unlock()
		if ok {
			log.Debug().Str("client_nonce", cmd.ClientNonce).Msg("bid outcome unknown, replaying nonce")
			if err := c.write(conn, cmd); err != nil {
				conn.Close()
			}
		}
	}
}

func (c *Client) sendIfConnected(cmd gateway.Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := c.write(conn, cmd); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (c *Client) write(conn *websocket.Conn, cmd gateway.Command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return conn.WriteJSON(cmd)
}

func (c *Client) setState(state models.SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// Close stops Run and drops the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
		}
	})
	return nil
}
