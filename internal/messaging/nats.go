// Package messaging provides a NATS client wrapper for cross-instance
// gateway events. A user's sessions may live on several gateway processes;
// eviction notices and fanned-out deliveries travel between instances on
// per-user subjects.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used between gateway instances.
const (
	SubjectKick    = "kick"    // + .<user_id> — single-device eviction notices
	SubjectDeliver = "deliver" // + .<user_id> — fanned-out envelopes and signals
)

// KickNotice tells other instances to evict specific connections of a user.
type KickNotice struct {
	ConnIDs   []string `json:"connIds"`
	Reason    string   `json:"reason"`
	Message   string   `json:"message"`
	Timestamp int64    `json:"timestamp"`
}

// Delivery wraps an already-encoded server message for cross-instance
// delivery. Origin names the publishing instance so it can skip its own
// echo.
type Delivery struct {
	Origin string          `json:"origin"`
	UserID string          `json:"userId"`
	Data   json.RawMessage `json:"data"`
}

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn   *nats.Conn
	origin string // this instance's name, stamped on deliveries
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name, also used as delivery origin
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "gateway",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn:   nc,
		origin: config.Name,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Origin returns the instance name stamped on outgoing deliveries.
func (c *Client) Origin() string {
	return c.origin
}

// PublishKick broadcasts an eviction notice for the user's listed
// connections. Every instance subscribed for that user evicts its own
// local connections from the list.
func (c *Client) PublishKick(userID string, notice KickNotice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("nats marshal kick: %w", err)
	}
	return c.conn.Publish(SubjectKick+"."+userID, data)
}

// SubscribeKick registers a handler for eviction notices addressed to the
// user. The subscription is tracked for later cleanup on disconnect.
func (c *Client) SubscribeKick(userID string, handler func(notice KickNotice)) error {
	subject := SubjectKick + "." + userID
	return c.subscribe("kick:"+userID, subject, func(msg *nats.Msg) {
		var notice KickNotice
		if err := json.Unmarshal(msg.Data, &notice); err != nil {
			log.Printf("[nats] bad kick notice for %s: %v", userID, err)
			return
		}
		handler(notice)
	})
}

// UnsubscribeKick drops the user's kick subscription.
func (c *Client) UnsubscribeKick(userID string) error {
	return c.unsubscribe("kick:" + userID)
}

// PublishDeliver sends an encoded server message toward every instance that
// holds live connections for the user.
func (c *Client) PublishDeliver(userID string, data []byte) error {
	d := Delivery{Origin: c.origin, UserID: userID, Data: data}
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("nats marshal delivery: %w", err)
	}
	return c.conn.Publish(SubjectDeliver+"."+userID, payload)
}

// SubscribeDeliver registers a handler for deliveries addressed to the
// user. Deliveries originating from this instance are filtered out, since
// the local fan-out already wrote to local connections.
func (c *Client) SubscribeDeliver(userID string, handler func(data []byte)) error {
	subject := SubjectDeliver + "." + userID
	return c.subscribe("deliver:"+userID, subject, func(msg *nats.Msg) {
		var d Delivery
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			log.Printf("[nats] bad delivery for %s: %v", userID, err)
			return
		}
		if d.Origin == c.origin {
			return // local fan-out already handled it
		}
		handler(d.Data)
	})
}

// UnsubscribeDeliver drops the user's delivery subscription.
func (c *Client) UnsubscribeDeliver(userID string) error {
	return c.unsubscribe("deliver:" + userID)
}

// subscribe registers a handler under a tracking key, replacing any prior
// subscription with the same key.
func (c *Client) subscribe(key, subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// unsubscribe removes and unsubscribes the subscription under key.
func (c *Client) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
