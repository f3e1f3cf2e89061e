package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func newTestServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.Serve(w, r, r.URL.Query().Get("org"), "user-1")
	}))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, org string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?org=" + org
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })

	if e := readEvent(t, conn, 5*time.Second); e == nil || e.Type != EventConnected {
		t.Fatalf("expected connected event, got %+v", e)
	}
	return conn
}

// readEvent returns the next event or nil on timeout.
func readEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) *Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil
	}
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return &e
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, h.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventTopic(t *testing.T) {
	tests := map[string]string{
		EventAgentCreated: "agent",
		EventTaskLog:      "task",
		EventConnected:    "connected",
	}
	for typ, want := range tests {
		if got := (Event{Type: typ}).Topic(); got != want {
			t.Errorf("Topic(%q) = %q, want %q", typ, got, want)
		}
	}
}

func TestHub_OrganizationScoping(t *testing.T) {
	h := NewHub(DefaultConfig())
	srv := newTestServer(t, h)

	a := dial(t, srv, "org-a")
	b := dial(t, srv, "org-b")
	waitClients(t, h, 2)

	h.Publish(Event{Type: EventAgentCreated, OrganizationID: "org-a", EntityID: "agent-1"})

	e := readEvent(t, a, 5*time.Second)
	if e == nil || e.Type != EventAgentCreated || e.EntityID != "agent-1" {
		t.Fatalf("org-a got %+v", e)
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	if e := readEvent(t, b, 100*time.Millisecond); e != nil {
		t.Errorf("org-b received foreign event %+v", e)
	}
}

func TestHub_Subscribe(t *testing.T) {
	h := NewHub(DefaultConfig())
	srv := newTestServer(t, h)

	conn := dial(t, srv, "org-a")
	waitClients(t, h, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := `{"action":"subscribe","topics":["task","bogus"]}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(req)); err != nil {
		t.Fatal(err)
	}

	ack := readEvent(t, conn, 5*time.Second)
	if ack == nil || ack.Type != EventSubscribed {
		t.Fatalf("expected subscribed ack, got %+v", ack)
	}
	topics, _ := ack.Data.(map[string]any)["topics"].([]any)
	if len(topics) != 1 || topics[0] != "task" {
		t.Errorf("topics = %v", topics)
	}

	h.Publish(Event{Type: EventAgentUpdated, OrganizationID: "org-a"})
	h.Publish(Event{Type: EventTaskCreated, OrganizationID: "org-a", EntityID: "t1"})

	e := readEvent(t, conn, 5*time.Second)
	if e == nil || e.Type != EventTaskCreated {
		t.Fatalf("expected only the task event, got %+v", e)
	}
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	h := NewHub(DefaultConfig())
	srv := newTestServer(t, h)

	conn := dial(t, srv, "org-a")
	waitClients(t, h, 1)

	// The close handshake needs a concurrent reader on the client side.
	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _, err := conn.Read(ctx)
		errc <- err
	}()

	h.Close()

	err := <-errc
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Errorf("close status = %v (err %v)", got, err)
	}
	waitClients(t, h, 0)

	// Publishing after close is a no-op.
	h.Publish(Event{Type: EventAgentCreated, OrganizationID: "org-a"})
	if h.Stats().Published != 0 {
		t.Error("publish after close was counted")
	}
}

func TestClient_SendDropsWhenFull(t *testing.T) {
	c := newClient("c1", "org", "u", nil, 1, 10*time.Millisecond)

	if !c.Send([]byte("one")) {
		t.Fatal("first send should fit the buffer")
	}
	if c.Send([]byte("two")) {
		t.Fatal("second send should time out")
	}
	if c.Dropped() != 1 {
		t.Errorf("dropped = %d", c.Dropped())
	}

	c.Close(websocket.StatusNormalClosure, "")
	c.Close(websocket.StatusNormalClosure, "")
	if c.Send([]byte("three")) {
		t.Error("send after close succeeded")
	}
	if c.Dropped() != 1 {
		t.Error("sends to closed clients are not drops")
	}
}

func TestHub_PublishCountsDrops(t *testing.T) {
	h := NewHub(Config{SendBufferSize: 1, SendTimeout: 5 * time.Millisecond})
	c := newClient("c1", "org", "u", nil, 1, 5*time.Millisecond)
	if !h.register(c) {
		t.Fatal("register failed")
	}

	h.Publish(Event{Type: EventTaskLog, OrganizationID: "org"})
	h.Publish(Event{Type: EventTaskLog, OrganizationID: "org"})
	h.Publish(Event{Type: EventTaskLog, OrganizationID: "other"})

	st := h.Stats()
	if st.Published != 3 || st.Delivered != 1 || st.Dropped != 1 || st.Clients != 1 {
		t.Errorf("stats = %+v", st)
	}

	h.unregister(c)
	if h.ClientCount() != 0 {
		t.Error("unregister left client")
	}
}

func TestHub_PublishDoesNotWaitForStalledClients(t *testing.T) {
	const stalled = 20
	h := NewHub(Config{SendBufferSize: 1, SendTimeout: 100 * time.Millisecond})

	clients := make([]*Client, stalled)
	for i := range clients {
		clients[i] = newClient(fmt.Sprintf("c%d", i), "org", "u", nil, 1, 100*time.Millisecond)
		if !h.register(clients[i]) {
			t.Fatal("register failed")
		}
	}

	// Fill every buffer; nothing drains them.
	h.Publish(Event{Type: EventTaskLog, OrganizationID: "org"})

	start := time.Now()
	h.Publish(Event{Type: EventTaskLog, OrganizationID: "org"})
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("publish took %s with %d stalled clients", elapsed, stalled)
	}

	st := h.Stats()
	if st.Delivered != stalled || st.Dropped != stalled {
		t.Errorf("stats = %+v", st)
	}
	for _, c := range clients {
		if c.Dropped() != 1 {
			t.Errorf("client %s dropped %d", c.ID, c.Dropped())
		}
	}
}

func TestClient_TrySend(t *testing.T) {
	c := newClient("c1", "org", "u", nil, 1, time.Hour)

	if !c.TrySend([]byte("one")) {
		t.Fatal("first send should fit the buffer")
	}
	start := time.Now()
	if c.TrySend([]byte("two")) {
		t.Fatal("second send should be dropped")
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("TrySend waited on a full buffer")
	}
	if c.Dropped() != 1 {
		t.Errorf("dropped = %d", c.Dropped())
	}

	c.Close(websocket.StatusNormalClosure, "")
	if c.TrySend([]byte("three")) || c.Dropped() != 1 {
		t.Error("closed client accepted a frame or counted a drop")
	}
}

func TestClient_SubscribeReset(t *testing.T) {
	c := newClient("c1", "org", "u", nil, 1, time.Millisecond)
	if !c.Wants("agent") {
		t.Error("default should accept every topic")
	}
	c.Subscribe([]string{"codex"})
	if c.Wants("agent") || !c.Wants("codex") {
		t.Error("filter not applied")
	}
	if got := c.Subscribe(nil); len(got) != len(Topics) || !c.Wants("agent") {
		t.Errorf("reset returned %v", got)
	}
}
