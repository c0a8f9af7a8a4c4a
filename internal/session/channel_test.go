package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/audara/audarad/internal/codec"
	"github.com/audara/audarad/internal/protocol"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type serverConn struct {
	conn     *websocket.Conn
	received chan string
}

// send writes an encrypted payload to the client
func (sc *serverConn) sendEncrypted(t *testing.T, v interface{}) {
	t.Helper()
	data, _ := json.Marshal(v)
	env, err := codec.Encrypt(string(data), testKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := sc.conn.WriteMessage(websocket.TextMessage, []byte(env)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func (sc *serverConn) sendRaw(t *testing.T, s string) {
	t.Helper()
	if err := sc.conn.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

type testServer struct {
	*httptest.Server
	sendKey atomic.Bool
	conns   chan *serverConn
	count   int32
}

func newTestServer(t *testing.T, sendKey bool) *testServer {
	t.Helper()
	ts := &testServer{conns: make(chan *serverConn, 8)}
	ts.sendKey.Store(sendKey)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt32(&ts.count, 1)
		sc := &serverConn{conn: conn, received: make(chan string, 256)}
		if ts.sendKey.Load() {
			kx, _ := json.Marshal(protocol.KeyExchange{
				Type: protocol.KeyExchangeType,
				Key:  base64.StdEncoding.EncodeToString(testKey),
			})
			conn.WriteMessage(websocket.TextMessage, kx)
		}
		ts.conns <- sc
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(sc.received)
				return
			}
			sc.received <- string(data)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-ts.conns:
		return sc
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func decryptFrame(t *testing.T, frame string) map[string]interface{} {
	t.Helper()
	plain, err := codec.Decrypt(frame, testKey)
	if err != nil {
		t.Fatalf("server could not decrypt %q: %v", frame, err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(plain), &m); err != nil {
		t.Fatalf("decrypted frame is not JSON: %v", err)
	}
	return m
}

// nextNonHeartbeat returns the next decrypted frame that is not a heartbeat
func nextNonHeartbeat(t *testing.T, sc *serverConn) map[string]interface{} {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case frame, ok := <-sc.received:
			if !ok {
				t.Fatal("connection closed")
			}
			m := decryptFrame(t, frame)
			if m["action"] != "heartbeat" {
				return m
			}
		case <-timeout:
			t.Fatal("timed out waiting for frame")
		}
	}
}

func quietOptions() Options {
	return Options{HeartbeatInterval: time.Hour, ReconnectDelay: time.Hour}
}

func TestKeyExchangeAndEncryptedSend(t *testing.T) {
	ts := newTestServer(t, true)
	ch := NewChannel(quietOptions())
	defer ch.Close()

	var states []State
	var mu sync.Mutex
	ch.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := ch.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	sc := ts.accept(t)
	waitFor(t, "session key", ch.HasSessionKey)

	if ch.State() != StateConnected {
		t.Errorf("expected connected, got %v", ch.State())
	}

	if err := ch.SendEncryptedMessage(map[string]string{"action": "login", "username": "alice"}); err != nil {
		t.Fatalf("SendEncryptedMessage failed: %v", err)
	}
	m := nextNonHeartbeat(t, sc)
	if m["action"] != "login" || m["username"] != "alice" {
		t.Errorf("server got %v", m)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateAwaitingKey, StateConnected}
	if len(states) < len(want) {
		t.Fatalf("states = %v, want prefix %v", states, want)
	}
	for i, s := range want {
		if states[i] != s {
			t.Errorf("state %d = %v, want %v", i, states[i], s)
		}
	}
}

func TestSendWithoutKey(t *testing.T) {
	ch := NewChannel(quietOptions())
	if err := ch.SendEncryptedMessage(map[string]string{"action": "x"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := ch.SendMessage("hello"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	ts := newTestServer(t, false)
	if err := ch.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer ch.Close()
	sc := ts.accept(t)

	if ch.State() != StateAwaitingKey {
		t.Errorf("expected awaiting-key, got %v", ch.State())
	}
	if err := ch.SendEncryptedMessage(map[string]string{"action": "x"}); !errors.Is(err, ErrNoSessionKey) {
		t.Errorf("expected ErrNoSessionKey, got %v", err)
	}

	// Plaintext is allowed while awaiting the key
	if err := ch.SendMessage(`{"hello":1}`); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	select {
	case frame := <-sc.received:
		if frame != `{"hello":1}` {
			t.Errorf("expected plaintext frame, got %q", frame)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("plaintext frame not received")
	}
}

func TestListenerDispatchOrder(t *testing.T) {
	ts := newTestServer(t, true)
	ch := NewChannel(quietOptions())
	defer ch.Close()

	var mu sync.Mutex
	var calls []string
	record := func(name string) func(protocol.Message) {
		return func(protocol.Message) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		}
	}
	ch.AddMessageListener(protocol.ActionGetPlaylists, record("first"))
	ch.AddMessageListener(protocol.ActionGetPlaylists, record("second"))
	removed := ch.AddMessageListener(protocol.ActionGetPlaylists, record("removed"))
	ch.RemoveMessageListener(protocol.ActionGetPlaylists, removed)

	done := make(chan struct{})
	ch.AddMessageListener(protocol.ActionDefault, func(protocol.Message) { close(done) })

	if err := ch.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatal(err)
	}
	sc := ts.accept(t)
	waitFor(t, "session key", ch.HasSessionKey)

	sc.sendEncrypted(t, map[string]interface{}{"action": "get_playlists", "playlists": []string{}})
	// Marker without action, sent last so all earlier frames are processed
	sc.sendEncrypted(t, map[string]interface{}{"marker": true})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("default listener not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Errorf("calls = %v, want [first second]", calls)
	}
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	ts := newTestServer(t, true)
	ch := NewChannel(quietOptions())
	defer ch.Close()

	got := make(chan protocol.Message, 4)
	ch.AddMessageListener(protocol.ActionUnknown, func(m protocol.Message) { got <- m })
	ch.AddMessageListener(protocol.ActionLogin, func(m protocol.Message) { got <- m })

	if err := ch.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatal(err)
	}
	sc := ts.accept(t)
	waitFor(t, "session key", ch.HasSessionKey)

	sc.sendRaw(t, "not json")
	sc.sendRaw(t, `{"iv":"AAAAAAAAAAAAAAAAAAAAAA==","data":"Zm9v"}`)
	other, _ := codec.Encrypt(`{"action":"login"}`, []byte("ffffffffffffffffffffffffffffffff"))
	sc.sendRaw(t, other)
	sc.sendEncrypted(t, map[string]interface{}{"action": "server_news", "text": "hi"})

	select {
	case m := <-got:
		if m.Action != protocol.ActionUnknown || m.Name != "server_news" {
			t.Errorf("unexpected message %v %q", m.Action, m.Name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("valid message after malformed ones was not dispatched")
	}
	if !ch.IsConnected() {
		t.Error("malformed messages must not tear down the connection")
	}
	select {
	case m := <-got:
		t.Errorf("unexpected extra dispatch %q", m.Name)
	default:
	}
}

func TestPlaintextDispatch(t *testing.T) {
	ts := newTestServer(t, false)
	ch := NewChannel(quietOptions())
	defer ch.Close()

	got := make(chan protocol.Message, 1)
	ch.AddMessageListener(protocol.ActionLogin, func(m protocol.Message) { got <- m })

	if err := ch.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatal(err)
	}
	sc := ts.accept(t)
	sc.sendRaw(t, `{"action":"login","success":true}`)

	select {
	case m := <-got:
		if m.Err() != nil {
			t.Errorf("unexpected error payload: %v", m.Err())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("plaintext message not dispatched")
	}
}

func TestHeartbeat(t *testing.T) {
	ts := newTestServer(t, true)
	ch := NewChannel(Options{HeartbeatInterval: 50 * time.Millisecond, ReconnectDelay: time.Hour})

	if err := ch.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatal(err)
	}
	sc := ts.accept(t)
	waitFor(t, "session key", ch.HasSessionKey)

	time.Sleep(500 * time.Millisecond)
	ch.Disconnect()

	if ch.HasSessionKey() {
		t.Error("key should be cleared after disconnect")
	}

	beats := 0
	timeout := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case frame, ok := <-sc.received:
			if !ok {
				done = true
				break
			}
			if m := decryptFrame(t, frame); m["action"] == "heartbeat" {
				beats++
			}
		case <-timeout:
			t.Fatal("server connection was not closed")
		}
	}

	// One timer at 50ms over ~500ms; a duplicate timer would roughly double this
	if beats < 2 || beats > 13 {
		t.Errorf("got %d heartbeats, want about 10", beats)
	}

	time.Sleep(200 * time.Millisecond)
	if n := atomic.LoadInt32(&ts.count); n != 1 {
		t.Errorf("explicit disconnect must not reconnect, got %d connections", n)
	}
}

func TestReconnectAfterUnexpectedClose(t *testing.T) {
	ts := newTestServer(t, true)
	delay := 200 * time.Millisecond
	ch := NewChannel(Options{HeartbeatInterval: time.Hour, ReconnectDelay: delay})
	defer ch.Close()

	if err := ch.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatal(err)
	}
	sc := ts.accept(t)
	waitFor(t, "session key", ch.HasSessionKey)

	closedAt := time.Now()
	sc.conn.Close()

	waitFor(t, "key cleared", func() bool { return !ch.HasSessionKey() })
	if ch.State() != StateDisconnected {
		t.Errorf("expected disconnected after close, got %v", ch.State())
	}

	ts.accept(t)
	if elapsed := time.Since(closedAt); elapsed < delay {
		t.Errorf("reconnected after %v, want at least %v", elapsed, delay)
	}
	waitFor(t, "new session key", ch.HasSessionKey)
	if ch.URL() != ts.wsURL() {
		t.Errorf("reconnected to %q, want %q", ch.URL(), ts.wsURL())
	}
	if n := atomic.LoadInt32(&ts.count); n != 2 {
		t.Errorf("expected exactly 2 connections, got %d", n)
	}
}

func TestUnexpectedCloseStopsHeartbeat(t *testing.T) {
	ts := newTestServer(t, true)
	ch := NewChannel(Options{HeartbeatInterval: 50 * time.Millisecond, ReconnectDelay: 300 * time.Millisecond})
	defer ch.Close()

	if err := ch.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatal(err)
	}
	first := ts.accept(t)
	waitFor(t, "session key", ch.HasSessionKey)
	if m := decryptFrame(t, <-first.received); m["action"] != "heartbeat" {
		t.Fatalf("expected a heartbeat, got %v", m)
	}

	// the reconnected socket gets no key, so any frame on it is a stray heartbeat
	ts.sendKey.Store(false)
	first.conn.Close()

	waitFor(t, "key cleared", func() bool { return !ch.HasSessionKey() })
	ch.mu.Lock()
	running := ch.heartbeatStop != nil
	ch.mu.Unlock()
	if running {
		t.Error("heartbeat still running after the connection closed")
	}

	second := ts.accept(t)
	waitFor(t, "awaiting key", func() bool { return ch.State() == StateAwaitingKey })
	select {
	case frame, ok := <-second.received:
		if ok {
			t.Errorf("unexpected frame before a new key: %q", frame)
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	ts := newTestServer(t, true)
	ch := NewChannel(Options{HeartbeatInterval: time.Hour, ReconnectDelay: 100 * time.Millisecond})

	if err := ch.Connect(context.Background(), ts.wsURL()); err != nil {
		t.Fatal(err)
	}
	sc := ts.accept(t)
	waitFor(t, "session key", ch.HasSessionKey)

	sc.conn.Close()
	waitFor(t, "disconnected", func() bool { return ch.State() == StateDisconnected })
	ch.Disconnect()

	time.Sleep(300 * time.Millisecond)
	if n := atomic.LoadInt32(&ts.count); n != 1 {
		t.Errorf("expected no reconnect after Disconnect, got %d connections", n)
	}
}

func TestProbe(t *testing.T) {
	ts := newTestServer(t, false)
	if err := Probe(context.Background(), ts.wsURL(), time.Second); err != nil {
		t.Errorf("Probe of live server failed: %v", err)
	}

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()
	if err := Probe(context.Background(), deadURL, 500*time.Millisecond); err == nil {
		t.Error("Probe of closed server should fail")
	}
}

func TestHostOf(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ws://192.168.1.10:8080", "192.168.1.10:8080"},
		{"wss://music.example.com/socket", "music.example.com"},
		{"music.local:9000", "music.local:9000"},
	}
	for _, tt := range tests {
		if got := HostOf(tt.in); got != tt.want {
			t.Errorf("HostOf(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
