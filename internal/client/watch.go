package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Event is one change notification. Data stays raw so that callers decode
// only what they use.
type Event struct {
	Type           string          `json:"type"`
	OrganizationID string          `json:"organizationId"`
	EntityID       string          `json:"entityId,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Data           json.RawMessage `json:"data,omitempty"`
}

type subscribeMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Watch streams the organization's events to fn until ctx is cancelled or
// the server closes the connection. An empty topics list receives all
// events. Watch returns nil when ctx ends.
func (c *Client) Watch(ctx context.Context, topics []string, fn func(Event)) error {
	if !c.IsReady() {
		if c.getState() == StateClosed {
			return ErrClientClosed
		}
		return ErrNotReady
	}

	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	u.RawQuery = url.Values{"token": {c.Token()}}.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	conn, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{HTTPClient: c.ws})
	cancel()
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.CloseNow()

	if len(topics) > 0 {
		if err := wsjson.Write(ctx, conn, subscribeMessage{Action: "subscribe", Topics: topics}); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	for {
		var ev Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		fn(ev)
	}
}
