// Package messaging provides a NATS client wrapper used to publish pairing
// lifecycle events (matches, closed rooms, likes) for downstream consumers
// such as analytics. It handles connection lifecycle and subject-based
// subscriptions.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/config"
)

// NATS subjects used by the pairing service.
const (
	SubjectMatchFound  = "pairing.match.found"
	SubjectRoomClosed  = "pairing.room.closed"
	SubjectPeerLiked   = "pairing.peer.liked"
	SubjectPeerBlocked = "pairing.peer.blocked"
	SubjectAll         = "pairing.>"
)

// MatchFoundEvent is published when two participants are paired.
type MatchFoundEvent struct {
	RoomID  string    `json:"room_id"`
	A       string    `json:"a"`
	B       string    `json:"b"`
	PoolKey string    `json:"pool_key"`
	Score   float64   `json:"score"`
	WaitMs  int64     `json:"wait_ms"`
	At      time.Time `json:"at"`
}

// RoomClosedEvent is published when a room is released.
type RoomClosedEvent struct {
	RoomID     string    `json:"room_id"`
	ClosedBy   string    `json:"closed_by"`
	Reason     string    `json:"reason"` // "leave", "next", "disconnect", "block"
	DurationMs int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
}

// PeerLikedEvent is published when a participant likes another.
type PeerLikedEvent struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Mutual bool      `json:"mutual"`
	At     time.Time `json:"at"`
}

// PeerBlockedEvent is published when a participant blocks another.
type PeerBlockedEvent struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  zerolog.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(cfg config.NATSConfig, logger zerolog.Logger) (*NATSClient, error) {
	lg := logger.With().Str("component", "nats").Logger()
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				lg.Warn().Err(err).Msg("disconnected")
			} else {
				lg.Warn().Msg("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			lg.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			lg.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	lg.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		log:  lg,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishJSON marshals v and publishes it to subject.
func (c *NATSClient) PublishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats: marshal %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// SubscribeEvents delivers every pairing event with its subject.
func (c *NATSClient) SubscribeEvents(handler func(subject string, data []byte)) error {
	return c.Subscribe(SubjectAll, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
}

// Unsubscribe removes the subscription for subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("drain subscription")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain")
	}

	c.log.Info().Msg("client closed")
}
