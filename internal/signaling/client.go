package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgestitch/gateway/internal/core"
)

// reconnectBackoff bounds the delay between reconnect attempts, doubling
// from an initial 1s up to this ceiling.
const reconnectBackoff = 30 * time.Second

// Client keeps a persistent websocket connection to the control plane
// open, reconnecting with backoff on failure, and exposes inbound
// messages on a channel while outbound sends happen through Send.
type Client struct {
	url      string
	token    string
	dialer   *websocket.Dialer
	inbound  chan Inbound
	shutdown chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a Client targeting url (e.g. "wss://host/gateway/ws").
// token is sent as a bearer Authorization header on connect.
func NewClient(url, token string) *Client {
	return &Client{
		url:      url,
		token:    token,
		dialer:   websocket.DefaultDialer,
		inbound:  make(chan Inbound, 256),
		shutdown: make(chan struct{}),
	}
}

// Inbound returns the channel of messages received from the control
// plane, to be drained by the event loop's poll.
func (c *Client) Inbound() <-chan Inbound { return c.inbound }

// Run dials the channel and keeps it open until ctx is cancelled,
// reconnecting with exponential backoff on any read/dial failure.
func (c *Client) Run(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			core.Log.Warnf("Signal", "dial %s failed: %v, retrying in %s", c.url, err, backoff)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = time.Second
		c.setConn(conn)
		core.Log.Infof("Signal", "connected to %s", c.url)
		c.readLoop(ctx, conn)
		c.setConn(nil)

		if !sleepOrDone(ctx, time.Second) {
			return
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectBackoff {
		return reconnectBackoff
	}
	return d
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("[Signal] dial: %w", err)
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			core.Log.Warnf("Signal", "channel read: %v", err)
			return
		}
		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			core.Log.Warnf("Signal", "malformed inbound message: %v", err)
			continue
		}
		select {
		case c.inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// Send writes one outbound message to the current connection. Returns
// an error if the channel is not currently connected.
func (c *Client) Send(msg Outbound) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("[Signal] send %s: channel not connected", msg.Kind)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("[Signal] marshal %s: %w", msg.Kind, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("[Signal] send %s: %w", msg.Kind, err)
	}
	return nil
}

// Close closes the active connection, if any. It does not stop Run,
// which redials until its context is cancelled.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
}
