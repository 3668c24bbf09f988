package convai

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/metrics"
	"github.com/harunnryd/duplex/pkg/protocol"
	"github.com/harunnryd/duplex/pkg/transports"
)

type agentServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	live    atomic.Int32
	maxLive atomic.Int32

	mu      sync.Mutex
	conns   []*websocket.Conn
	first   []map[string]any
	queries []string
	keys    []string
	got     chan map[string]any
}

func newAgentServer(t *testing.T) *agentServer {
	s := &agentServer{got: make(chan map[string]any, 64)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *agentServer) url() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") }

func (s *agentServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	n := s.live.Add(1)
	for {
		m := s.maxLive.Load()
		if n <= m || s.maxLive.CompareAndSwap(m, n) {
			break
		}
	}
	defer s.live.Add(-1)
	defer conn.Close()

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.queries = append(s.queries, r.URL.RawQuery)
	s.keys = append(s.keys, r.Header.Get("xi-api-key"))
	s.mu.Unlock()

	first := true
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if first {
			s.mu.Lock()
			s.first = append(s.first, msg)
			s.mu.Unlock()
			first = false
			continue
		}
		s.got <- msg
	}
}

// dropLatest closes the newest connection from the server side.
func (s *agentServer) dropLatest() {
	s.mu.Lock()
	c := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	_ = c.Close()
}

func (s *agentServer) pushLatest(t *testing.T, v any) {
	t.Helper()
	s.mu.Lock()
	c := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// waitInitiations blocks until the server has read n initiation messages.
func (s *agentServer) waitInitiations(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		got := len(s.first)
		s.mu.Unlock()
		if got >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d initiations, got %d", n, got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func nextEvent(t *testing.T, c *Client) transports.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Recv():
		if !ok {
			t.Fatalf("events closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for transport event")
	}
	return transports.Event{}
}

func testConfig(url string) Config {
	return Config{
		URL:            url,
		AgentID:        "agent-1",
		APIKey:         "secret",
		ReconnectDelay: 20 * time.Millisecond,
		ConnectTimeout: 500 * time.Millisecond,
	}
}

func TestConnectSendsInitiationAndHeader(t *testing.T) {
	srv := newAgentServer(t)
	c := New(testConfig(srv.url()))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	if ev := nextEvent(t, c); ev.Kind != transports.EventConnected {
		t.Fatalf("expected connected, got %s", ev.Kind)
	}
	if err := c.Send(protocol.NewPong(3)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case msg := <-srv.got:
		if msg["type"] != "pong" {
			t.Fatalf("unexpected message %v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("pong not received")
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.first[0]["type"] != "conversation_initiation_client_data" {
		t.Fatalf("first message was not the initiation: %v", srv.first[0])
	}
	if srv.keys[0] != "secret" {
		t.Fatalf("api key header missing")
	}
	if !strings.Contains(srv.queries[0], "agent_id=agent-1") || !strings.Contains(srv.queries[0], "output_format=pcm_24000") {
		t.Fatalf("unexpected query %q", srv.queries[0])
	}
}

func TestInboundMessagesAreDelivered(t *testing.T) {
	srv := newAgentServer(t)
	c := New(testConfig(srv.url()))
	c.Start(context.Background())
	defer c.Stop()
	nextEvent(t, c)

	srv.pushLatest(t, map[string]any{"type": "ping", "ping_event": map[string]any{"event_id": 1}})
	ev := nextEvent(t, c)
	if ev.Kind != transports.EventMessage {
		t.Fatalf("expected message, got %s", ev.Kind)
	}
	in, err := protocol.Decode(ev.Data)
	if err != nil || in.Kind != protocol.KindPing {
		t.Fatalf("unexpected inbound %v %v", in, err)
	}
}

func TestReconnectsAfterDropAndResendsInitiation(t *testing.T) {
	srv := newAgentServer(t)
	obs := metrics.NewMemoryObserver()
	cfg := testConfig(srv.url())
	cfg.Observer = obs
	c := New(cfg)
	c.Start(context.Background())
	defer c.Stop()
	nextEvent(t, c)
	srv.waitInitiations(t, 1)

	srv.dropLatest()
	ev := nextEvent(t, c)
	if ev.Kind != transports.EventClosed || ev.Err == nil {
		t.Fatalf("expected closed with error, got %s", ev.Kind)
	}
	if err := c.Send(protocol.NewPong(1)); !errors.Is(err, transports.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while down, got %v", err)
	}
	if ev := nextEvent(t, c); ev.Kind != transports.EventReconnected {
		t.Fatalf("expected reconnected, got %s", ev.Kind)
	}

	srv.waitInitiations(t, 2)
	srv.mu.Lock()
	inits := len(srv.first)
	srv.mu.Unlock()
	if inits != 2 {
		t.Fatalf("expected initiation on each connect, got %d", inits)
	}
	if srv.maxLive.Load() > 1 {
		t.Fatalf("two connections were live at once")
	}
	if obs.Count(metrics.EventTransportReconnect) != 1 {
		t.Fatalf("expected one reconnect metric")
	}
}

func TestCloseNoticeWaitsForSlowConsumer(t *testing.T) {
	srv := newAgentServer(t)
	cfg := testConfig(srv.url())
	cfg.WriteTimeout = 10 * time.Millisecond
	c := New(cfg)
	c.Start(context.Background())
	defer c.Stop()
	nextEvent(t, c)

	backlog := cap(c.events) + 1
	for i := 0; i < backlog; i++ {
		srv.pushLatest(t, map[string]any{"type": "ping", "ping_event": map[string]any{"event_id": i}})
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(c.events) < cap(c.events) {
		if time.Now().After(deadline) {
			t.Fatalf("event buffer never filled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	srv.dropLatest()
	nextEvent(t, c)
	// well past the write timeout with the buffer full again
	time.Sleep(100 * time.Millisecond)

	for i := 0; ; i++ {
		ev := nextEvent(t, c)
		if ev.Kind == transports.EventMessage {
			continue
		}
		if ev.Kind != transports.EventClosed {
			t.Fatalf("expected closed before %s after %d messages", ev.Kind, i)
		}
		break
	}
	if ev := nextEvent(t, c); ev.Kind != transports.EventReconnected {
		t.Fatalf("expected reconnected, got %s", ev.Kind)
	}
}

func TestEachAttemptIsTimedOutAndRetried(t *testing.T) {
	// accepts TCP but never answers the handshake
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	var accepted atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			defer conn.Close()
		}
	}()

	cfg := testConfig("ws://" + ln.Addr().String())
	cfg.ConnectTimeout = 30 * time.Millisecond
	cfg.ReconnectDelay = 10 * time.Millisecond
	c := New(cfg)
	c.Start(context.Background())
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for accepted.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if accepted.Load() < 3 {
		t.Fatalf("expected repeated attempts, got %d", accepted.Load())
	}
	if c.Connected() {
		t.Fatalf("should not report a connection")
	}
}

func TestStopClosesEvents(t *testing.T) {
	srv := newAgentServer(t)
	c := New(testConfig(srv.url()))
	c.Start(context.Background())
	nextEvent(t, c)
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	for ev := range c.Recv() {
		if ev.Kind != transports.EventClosed {
			t.Fatalf("unexpected event after stop: %s", ev.Kind)
		}
	}
	if c.Connected() {
		t.Fatalf("still connected after stop")
	}
}

func TestStartRequiresAgentID(t *testing.T) {
	c := New(Config{})
	if err := c.Start(context.Background()); !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
}
