package notify

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// maxClientMessage bounds frames read from clients; they only send small
// subscription requests.
const maxClientMessage = 4096

// Client is one connected WebSocket.
//
// Client is safe for concurrent use.
type Client struct {
	// Immutable fields
	ID             string
	OrganizationID string
	UserID         string
	ConnectedAt    time.Time

	conn *websocket.Conn

	// Topic filter - protected by mu. Nil means every topic.
	mu     sync.RWMutex
	topics map[string]struct{}

	sendCh      chan []byte
	sendTimeout time.Duration
	dropped     atomic.Int64

	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

func newClient(id, orgID, userID string, conn *websocket.Conn, bufferSize int, sendTimeout time.Duration) *Client {
	return &Client{
		ID:             id,
		OrganizationID: orgID,
		UserID:         userID,
		ConnectedAt:    time.Now(),
		conn:           conn,
		sendCh:         make(chan []byte, bufferSize),
		sendTimeout:    sendTimeout,
		done:           make(chan struct{}),
	}
}

// Wants reports whether the client subscribed to the topic.
func (c *Client) Wants(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.topics == nil {
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

// Subscribe replaces the topic filter. Unknown topics are ignored; an
// empty list restores every topic. Returns the effective topics.
func (c *Client) Subscribe(topics []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var set map[string]struct{}
	for _, t := range topics {
		if !isTopic(t) {
			continue
		}
		if set == nil {
			set = make(map[string]struct{})
		}
		set[t] = struct{}{}
	}
	c.topics = set

	if set == nil {
		return append([]string(nil), Topics...)
	}
	out := make([]string, 0, len(set))
	for _, t := range Topics {
		if _, ok := set[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// TrySend queues a frame without waiting. It returns false if the client
// is closed or its buffer is full; a full buffer counts as a drop.
func (c *Client) TrySend(data []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.sendCh <- data:
		return true
	case <-c.done:
		return false
	default:
		c.dropped.Add(1)
		return false
	}
}

// Send queues a frame. It returns false if the client is closed or the
// buffer stayed full for the send timeout; the frame is then dropped. Only
// replies to the client's own requests use it.
func (c *Client) Send(data []byte) bool {
	if c.closed.Load() {
		return false
	}

	// Try non-blocking send first
	select {
	case c.sendCh <- data:
		return true
	case <-c.done:
		return false
	default:
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()

	select {
	case c.sendCh <- data:
		return true
	case <-c.done:
		return false
	case <-timer.C:
		c.dropped.Add(1)
		return false
	}
}

// Dropped returns how many frames were dropped for this client.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// IsClosed returns true once the client is closed.
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// Close closes the connection with the given status. Idempotent.
func (c *Client) Close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		if c.conn != nil {
			c.conn.Close(status, reason)
		}
	})
}

// writeLoop drains the send buffer and pings the peer.
func (c *Client) writeLoop(ctx context.Context, pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return

		case data := <-c.sendCh:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Debug("write failed, closing client", "client_id", c.ID, "error", err)
				c.Close(websocket.StatusInternalError, "write failed")
				return
			}

		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				log.Debug("ping failed, closing client", "client_id", c.ID, "error", err)
				c.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		}
	}
}

type clientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// readLoop handles client requests until the connection fails. Reading
// also processes the pongs Ping waits for.
func (c *Client) readLoop(ctx context.Context, reply func(Event)) error {
	c.conn.SetReadLimit(maxClientMessage)

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("ignoring malformed client message", "client_id", c.ID, "error", err)
			continue
		}

		switch msg.Action {
		case "subscribe":
			topics := c.Subscribe(msg.Topics)
			reply(Event{Type: EventSubscribed, OrganizationID: c.OrganizationID, Data: map[string]any{"topics": topics}})
		case "unsubscribe":
			topics := c.Subscribe(nil)
			reply(Event{Type: EventSubscribed, OrganizationID: c.OrganizationID, Data: map[string]any{"topics": topics}})
		default:
			log.Debug("unknown client action", "client_id", c.ID, "action", msg.Action)
		}
	}
}
