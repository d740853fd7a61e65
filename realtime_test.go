package dmsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Server
// ============================================================================

// wsServer is an in-process realtime endpoint. Every frame carrying a
// requestId is answered with the payload returned by ack; a nil payload
// leaves the request unanswered.
type wsServer struct {
	srv    *httptest.Server
	frames chan RealtimeEnvelope

	mu     sync.Mutex
	header http.Header
	query  url.Values
	conn   *websocket.Conn
	ack    func(env RealtimeEnvelope) any
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		frames: make(chan RealtimeEnvelope, 64),
		ack:    func(RealtimeEnvelope) any { return map[string]any{"ok": true} },
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ws" {
		http.NotFound(w, r)
		return
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.header = r.Header.Clone()
	s.query = r.URL.Query()
	s.conn = c
	s.mu.Unlock()

	ctx := r.Context()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var env RealtimeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		s.frames <- env

		s.mu.Lock()
		ack := s.ack
		s.mu.Unlock()
		if env.RequestID == "" {
			continue
		}
		payload := ack(env)
		if payload == nil {
			continue
		}
		raw, _ := json.Marshal(payload)
		out, _ := json.Marshal(RealtimeEnvelope{Type: ackType, Payload: raw, RequestID: env.RequestID})
		c.Write(ctx, websocket.MessageText, out)
	}
}

func (s *wsServer) setAck(fn func(env RealtimeEnvelope) any) {
	s.mu.Lock()
	s.ack = fn
	s.mu.Unlock()
}

func (s *wsServer) push(t *testing.T, event string, payload any) {
	t.Helper()
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		t.Fatal("no client connected")
	}
	raw, _ := json.Marshal(payload)
	out, _ := json.Marshal(RealtimeEnvelope{Type: event, Payload: raw})
	if err := c.Write(context.Background(), websocket.MessageText, out); err != nil {
		t.Fatal(err)
	}
}

func (s *wsServer) next(t *testing.T) RealtimeEnvelope {
	t.Helper()
	select {
	case env := <-s.frames:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return RealtimeEnvelope{}
}

func connectedClient(t *testing.T, s *wsServer, cfg *RealtimeConfig) *RealtimeClient {
	t.Helper()
	if cfg == nil {
		cfg = &RealtimeConfig{}
	}
	cfg.Token = "tok"
	cfg.HeartbeatInterval = -1
	rt := NewRealtimeClient(s.srv.URL, cfg)
	if err := rt.Connect(context.Background(), "u-1"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rt.Disconnect() })
	if env := s.next(t); env.Type != EventAuthenticate {
		t.Fatalf("first frame = %s, want authenticate", env.Type)
	}
	return rt
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

// ============================================================================
// Connection
// ============================================================================

func TestRealtimeURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://api.example.com", "wss://api.example.com/ws?token=tok&userId=u+1"},
		{"http://localhost:3000/", "ws://localhost:3000/ws?token=tok&userId=u+1"},
		{"https://example.com/prefix", "wss://example.com/prefix/ws?token=tok&userId=u+1"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			rt := NewRealtimeClient(tt.base, &RealtimeConfig{Token: "tok"})
			got, err := rt.URL("u 1")
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("URL = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRealtimeConnectAuthenticates(t *testing.T) {
	s := newWSServer(t)
	rt := NewRealtimeClient(s.srv.URL, &RealtimeConfig{Token: "tok", HeartbeatInterval: -1})
	defer rt.Disconnect()

	connected := make(chan struct{}, 1)
	rt.Subscribe(EventConnect, func(json.RawMessage) { connected <- struct{}{} })

	if err := rt.Connect(context.Background(), "u-1"); err != nil {
		t.Fatal(err)
	}
	if !rt.IsConnected() || rt.State() != StateConnected {
		t.Fatalf("state = %s", rt.State())
	}

	auth := s.next(t)
	if auth.Type != EventAuthenticate || string(auth.Payload) != `{"userId":"u-1"}` {
		t.Errorf("first frame = %s %s", auth.Type, auth.Payload)
	}
	s.mu.Lock()
	header, query := s.header, s.query
	s.mu.Unlock()
	if got := header.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
	if query.Get("token") != "tok" || query.Get("userId") != "u-1" {
		t.Errorf("query = %v", query)
	}
	waitFor(t, connected)

	// A second Connect on a live channel is a no-op.
	if err := rt.Connect(context.Background(), "u-1"); err != nil {
		t.Fatal(err)
	}
}

func TestRealtimeConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	rt := NewRealtimeClient(srv.URL, &RealtimeConfig{HeartbeatInterval: -1})
	failed := make(chan json.RawMessage, 1)
	rt.Subscribe(EventConnectError, func(p json.RawMessage) { failed <- p })

	if err := rt.Connect(context.Background(), "u-1"); err == nil {
		t.Fatal("expected dial error")
	}
	if rt.IsConnected() || rt.State() != StateDisconnected {
		t.Errorf("state = %s", rt.State())
	}
	if p := waitFor(t, failed); len(p) == 0 {
		t.Error("empty connect_error payload")
	}
}

func TestRealtimeDisconnect(t *testing.T) {
	s := newWSServer(t)
	rt := connectedClient(t, s, nil)

	disconnected := make(chan struct{}, 2)
	rt.Subscribe(EventDisconnect, func(json.RawMessage) { disconnected <- struct{}{} })

	if err := rt.Disconnect(); err != nil {
		t.Logf("close: %v", err)
	}
	if err := rt.Disconnect(); err != nil {
		t.Errorf("second Disconnect = %v", err)
	}
	waitFor(t, disconnected)
	select {
	case <-disconnected:
		t.Error("disconnect dispatched twice")
	case <-time.After(50 * time.Millisecond):
	}

	if err := rt.Emit(context.Background(), EventTyping, typingPayload{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit after disconnect = %v", err)
	}
}

func TestRealtimeConnectionLost(t *testing.T) {
	s := newWSServer(t)
	rt := connectedClient(t, s, nil)

	lost := make(chan struct{}, 1)
	rt.Subscribe(EventDisconnect, func(json.RawMessage) { lost <- struct{}{} })

	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	c.Close(websocket.StatusGoingAway, "server restart")

	waitFor(t, lost)
	if rt.IsConnected() {
		t.Error("still connected after the server went away")
	}
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    300 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})
	var delays []time.Duration
	for {
		d, attempt, ok := r.next()
		if !ok {
			if attempt != 3 {
				t.Errorf("stopped at attempt %d, want 3", attempt)
			}
			break
		}
		delays = append(delays, d)
	}
	if len(delays) != 3 {
		t.Fatalf("delays = %v", delays)
	}
	if delays[0] < 100*time.Millisecond || delays[0] > 150*time.Millisecond {
		t.Errorf("first delay = %v", delays[0])
	}
	if delays[2] != 300*time.Millisecond {
		t.Errorf("capped delay = %v", delays[2])
	}
}

func TestReconnectorConcurrentUse(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    time.Millisecond,
		MaxReconnectAttempts: -1,
	})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.markConnected()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, _, ok := r.next(); !ok {
				t.Error("unlimited reconnector gave up")
				return
			}
		}
	}()
	wg.Wait()
}

// ============================================================================
// Requests and acks
// ============================================================================

func TestRealtimeRequestAck(t *testing.T) {
	s := newWSServer(t)
	s.setAck(func(env RealtimeEnvelope) any {
		var p sendPayload
		json.Unmarshal(env.Payload, &p)
		if p.MessageText == "reject" {
			return map[string]any{"ok": false, "error": "blocked"}
		}
		return map[string]any{"ok": true, "message": map[string]any{"id": "srv-1"}}
	})
	rt := connectedClient(t, s, nil)

	raw, err := rt.Request(context.Background(), EventSend, sendPayload{PeerUserID: "p1", MessageText: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	var ack sendAck
	if err := json.Unmarshal(raw, &ack); err != nil || ack.Message["id"] != "srv-1" {
		t.Errorf("ack = %s", raw)
	}
	if env := s.next(t); env.Type != EventSend || env.RequestID == "" {
		t.Errorf("frame = %+v", env)
	}

	_, err = rt.Request(context.Background(), EventSend, sendPayload{PeerUserID: "p1", MessageText: "reject"})
	var ackErr *AckError
	if !errors.As(err, &ackErr) || ackErr.Message != "blocked" || ackErr.Event != EventSend {
		t.Errorf("err = %v", err)
	}
}

func TestRealtimeAckTimeout(t *testing.T) {
	s := newWSServer(t)
	s.setAck(func(RealtimeEnvelope) any { return nil })
	rt := connectedClient(t, s, &RealtimeConfig{AckTimeout: 50 * time.Millisecond})

	if _, err := rt.Request(context.Background(), EventJoin, joinPayload{}); !errors.Is(err, ErrAckTimeout) {
		t.Errorf("err = %v, want ErrAckTimeout", err)
	}
}

func TestRealtimePendingFailsOnDisconnect(t *testing.T) {
	s := newWSServer(t)
	s.setAck(func(RealtimeEnvelope) any { return nil })
	rt := connectedClient(t, s, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := rt.Request(context.Background(), EventLoadMore, loadMorePayload{})
		errc <- err
	}()
	s.next(t)
	rt.Disconnect()

	if err := waitFor(t, errc); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestRealtimeRequestWhileDisconnected(t *testing.T) {
	rt := NewRealtimeClient("http://127.0.0.1:1", nil)
	if _, err := rt.Request(context.Background(), EventJoin, joinPayload{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v", err)
	}
}

// ============================================================================
// Dispatch
// ============================================================================

func TestRealtimeSubscribeReplacesHandler(t *testing.T) {
	s := newWSServer(t)
	rt := connectedClient(t, s, nil)

	first := make(chan string, 4)
	second := make(chan string, 4)
	unsubFirst := rt.Subscribe(EventNewMessage, func(json.RawMessage) { first <- "first" })
	rt.Subscribe(EventNewMessage, func(json.RawMessage) { second <- "second" })
	// The stale unsubscribe must not remove the newer handler.
	unsubFirst()

	s.push(t, EventNewMessage, map[string]any{"id": "m1"})
	waitFor(t, second)
	select {
	case <-first:
		t.Error("replaced handler still called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRealtimeDispatchOrder(t *testing.T) {
	s := newWSServer(t)
	rt := connectedClient(t, s, nil)

	got := make(chan string, 8)
	rt.Subscribe(EventOnline, func(p json.RawMessage) {
		var push OnlinePush
		json.Unmarshal(p, &push)
		got <- push.UserID
	})
	for _, id := range []string{"a", "b", "c"} {
		s.push(t, EventOnline, map[string]any{"userId": id, "isOnline": true})
	}
	for _, want := range []string{"a", "b", "c"} {
		if id := waitFor(t, got); id != want {
			t.Errorf("dispatched %s, want %s", id, want)
		}
	}
}

func TestRealtimeHandlerPanicContained(t *testing.T) {
	s := newWSServer(t)
	rt := connectedClient(t, s, nil)

	after := make(chan struct{}, 1)
	rt.Subscribe(EventTyping, func(json.RawMessage) { panic("boom") })
	rt.Subscribe(EventRead, func(json.RawMessage) { after <- struct{}{} })

	s.push(t, EventTyping, map[string]any{})
	s.push(t, EventRead, map[string]any{})
	waitFor(t, after)
}

func TestRealtimeHandlerCanRequest(t *testing.T) {
	s := newWSServer(t)
	rt := connectedClient(t, s, nil)

	done := make(chan error, 1)
	rt.Subscribe(EventNewMessage, func(json.RawMessage) {
		_, err := rt.Request(context.Background(), EventRead, messageRefPayload{MessageID: "m1"})
		done <- err
	})
	s.push(t, EventNewMessage, map[string]any{"id": "m1"})
	if err := waitFor(t, done); err != nil {
		t.Errorf("request from handler = %v", err)
	}
}
