// Package notify pushes change events to browser clients over WebSocket.
//
// Every client belongs to one organization and only receives that
// organization's events. Clients may narrow the stream to topics (the part
// of the event type before the dot) by sending
//
//	{"action": "subscribe", "topics": ["agent", "task"]}
//
// Delivery is best effort: each client has a bounded send buffer and events
// that cannot be queued within the send timeout are dropped and counted.
package notify

import (
	"strings"
	"time"
)

// Event types.
const (
	EventAgentCreated        = "agent.created"
	EventAgentUpdated        = "agent.updated"
	EventAgentDeleted        = "agent.deleted"
	EventAgentSessionStarted = "agent.session_started"
	EventAgentSessionEnded   = "agent.session_ended"
	EventTaskCreated         = "task.created"
	EventTaskUpdated         = "task.updated"
	EventTaskDeleted         = "task.deleted"
	EventTaskLog             = "task.log"
	EventCodexCreated        = "codex.created"
	EventCodexUpdated        = "codex.updated"
	EventCodexForked         = "codex.forked"
	EventCodexDeleted        = "codex.deleted"
	EventMetricIngested      = "metric.ingested"

	// Control messages sent by the hub itself.
	EventConnected  = "connected"
	EventSubscribed = "subscribed"
)

// Topics clients can subscribe to.
var Topics = []string{"agent", "task", "codex", "metric"}

// Event is the envelope sent to clients as a JSON text frame.
type Event struct {
	Type           string    `json:"type"`
	OrganizationID string    `json:"organizationId"`
	EntityID       string    `json:"entityId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Data           any       `json:"data,omitempty"`
}

// Topic returns the event family, e.g. "agent" for "agent.created".
func (e Event) Topic() string {
	topic, _, _ := strings.Cut(e.Type, ".")
	return topic
}

// Publisher accepts events for delivery. Implemented by *Hub.
type Publisher interface {
	Publish(e Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// isTopic reports whether t is a known topic.
func isTopic(t string) bool {
	for _, known := range Topics {
		if t == known {
			return true
		}
	}
	return false
}
