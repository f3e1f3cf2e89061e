package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/xtxerr/enginedash/config"
	"github.com/xtxerr/enginedash/internal/logging"
)

var log = logging.Component("notify")

// Config configures the hub.
type Config struct {
	SendBufferSize int

	// SendTimeout bounds how long a reply to a client request waits on a
	// full buffer. Published events never wait.
	SendTimeout time.Duration

	PingInterval   time.Duration
	WriteTimeout   time.Duration

	// OriginPatterns are host patterns accepted for cross-origin upgrades.
	// Same-origin requests are always accepted.
	OriginPatterns []string
}

// DefaultConfig returns the default hub configuration.
func DefaultConfig() Config {
	return Config{
		SendBufferSize: config.DefaultWSSendBufferSize,
		SendTimeout:    config.DefaultWSSendTimeout,
		PingInterval:   config.DefaultWSPingInterval,
		WriteTimeout:   config.DefaultWSWriteTimeout,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
}

// Stats are hub counters.
type Stats struct {
	Clients   int
	Published int64
	Delivered int64
	Dropped   int64
}

// Hub tracks connected clients per organization and fans events out to
// them.
type Hub struct {
	cfg Config

	mu    sync.RWMutex
	byOrg map[string]map[*Client]struct{}

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64

	closed atomic.Bool
	now    func() time.Time
}

// NewHub creates a hub.
func NewHub(cfg Config) *Hub {
	cfg.applyDefaults()
	return &Hub{
		cfg:   cfg,
		byOrg: make(map[string]map[*Client]struct{}),
		now:   time.Now,
	}
}

// Publish delivers e to every client of its organization subscribed to its
// topic. The timestamp is set when zero. Publish never blocks on a client:
// a client whose buffer is full misses the event and it is counted as
// dropped.
func (h *Hub) Publish(e Event) {
	if h.closed.Load() || e.OrganizationID == "" {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = h.now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		log.Warn("failed to encode event", "type", e.Type, "error", err)
		return
	}
	h.published.Add(1)

	topic := e.Topic()
	for _, c := range h.clientsOf(e.OrganizationID) {
		if !c.Wants(topic) {
			continue
		}
		if c.TrySend(data) {
			h.delivered.Add(1)
		} else if !c.IsClosed() {
			h.dropped.Add(1)
			log.Debug("event dropped", "client_id", c.ID, "type", e.Type)
		}
	}
}

// clientsOf snapshots the clients of an organization so sends happen
// without holding the lock.
func (h *Hub) clientsOf(orgID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.byOrg[orgID]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed.Load() {
		return false
	}
	set, ok := h.byOrg[c.OrganizationID]
	if !ok {
		set = make(map[*Client]struct{})
		h.byOrg[c.OrganizationID] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.byOrg[c.OrganizationID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.byOrg, c.OrganizationID)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, set := range h.byOrg {
		n += len(set)
	}
	return n
}

// Stats returns hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Clients:   h.ClientCount(),
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// Serve upgrades the request and runs the client until it disconnects.
// The caller has already authenticated the request.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, orgID, userID string) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		return err
	}

	c := newClient(uuid.NewString(), orgID, userID, conn, h.cfg.SendBufferSize, h.cfg.SendTimeout)
	if !h.register(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return nil
	}
	defer h.unregister(c)

	log.Debug("client connected", "client_id", c.ID, "org_id", orgID, "user_id", userID)

	ctx := r.Context()
	go c.writeLoop(ctx, h.cfg.PingInterval, h.cfg.WriteTimeout)

	reply := func(e Event) {
		e.Timestamp = h.now().UTC()
		data, err := json.Marshal(e)
		if err == nil {
			c.Send(data)
		}
	}
	reply(Event{Type: EventConnected, OrganizationID: orgID, EntityID: c.ID, Data: map[string]any{"topics": Topics}})

	err = c.readLoop(ctx, reply)
	c.Close(websocket.StatusNormalClosure, "")

	log.Debug("client disconnected", "client_id", c.ID, "dropped", c.Dropped(), "status", websocket.CloseStatus(err))
	return nil
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}

	h.mu.RLock()
	var all []*Client
	for _, set := range h.byOrg {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range all {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.Close(websocket.StatusGoingAway, "server shutting down")
		}(c)
	}
	wg.Wait()

	log.Info("hub closed", "clients", len(all))
}
