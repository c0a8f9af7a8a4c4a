// Package session owns the encrypted WebSocket connection to the backend:
// connection lifecycle, session-key exchange, heartbeat, reconnect and
// action-keyed dispatch of decrypted server messages.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/audara/audarad/internal/codec"
	"github.com/audara/audarad/internal/protocol"
)

var log = logging.Logger("session")

var (
	ErrNotConnected = errors.New("not connected")
	ErrNoSessionKey = errors.New("no session key")
	ErrSuperseded   = errors.New("connection superseded")
)

// State is the connection state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingKey
	StateConnected
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingKey:
		return "awaiting-key"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "connecting":
		*s = StateConnecting
	case "awaiting-key":
		*s = StateAwaitingKey
	case "connected":
		*s = StateConnected
	default:
		*s = StateDisconnected
	}
	return nil
}

// Options configures a Channel. Zero values fall back to DefaultOptions.
type Options struct {
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
}

// DefaultOptions returns the standard timings
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: time.Second,
		ReconnectDelay:    3 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Channel is a single encrypted session with the backend.
type Channel struct {
	opts   Options
	dialer *websocket.Dialer

	mu             sync.Mutex
	conn           *websocket.Conn
	gen            uint64 // bumped on every connect/disconnect; stale callbacks compare against it
	url            string
	state          State
	key            []byte
	heartbeatStop  chan struct{}
	reconnectTimer *time.Timer

	writeMu sync.Mutex

	registry *registry

	observersMu sync.RWMutex
	observers   map[uint64]func(State)
	nextObs     uint64
}

// NewChannel creates a disconnected channel
func NewChannel(opts Options) *Channel {
	def := DefaultOptions()
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = def.ReconnectDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	return &Channel{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		registry:  newRegistry(),
		observers: make(map[uint64]func(State)),
	}
}

// Connect opens a new socket to rawURL, closing any open one first.
// Dial failures are logged and returned, and a single reconnect is scheduled.
func (c *Channel) Connect(ctx context.Context, rawURL string) error {
	return c.connect(ctx, rawURL, nil)
}

func (c *Channel) connect(ctx context.Context, rawURL string, expectGen *uint64) error {
	c.mu.Lock()
	if expectGen != nil && *expectGen != c.gen {
		// A connect or disconnect happened since the reconnect was scheduled
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.resetLocked()
	c.gen++
	gen := c.gen
	c.url = rawURL
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	log.Infof("connecting to %s", rawURL)
	conn, _, err := c.dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		log.Warnf("connect to %s failed: %v", rawURL, err)
		c.handleClose(gen, err)
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		conn.Close()
		return ErrSuperseded
	}
	c.conn = conn
	c.state = StateAwaitingKey
	c.mu.Unlock()
	c.notifyState(StateAwaitingKey)

	go c.readLoop(conn, gen)
	return nil
}

// Disconnect closes the socket and clears the session. No reconnect follows.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	wasOpen := c.state != StateDisconnected || c.reconnectTimer != nil
	c.resetLocked()
	c.gen++
	c.state = StateDisconnected
	c.mu.Unlock()

	if wasOpen {
		log.Info("disconnected")
		c.notifyState(StateDisconnected)
	}
}

// resetLocked tears down the connection, key, heartbeat and pending reconnect.
// Caller must hold c.mu.
func (c *Channel) resetLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.key = nil
	c.stopHeartbeatLocked()
}

// handleClose processes an unexpected close of connection gen: clear the
// session and schedule exactly one reconnect to the same URL.
func (c *Channel) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	c.state = StateDisconnected
	target := c.url
	delay := c.opts.ReconnectDelay
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.gen == gen {
			c.reconnectTimer = nil
		}
		c.mu.Unlock()
		log.Infof("reconnecting to %s", target)
		if err := c.connect(context.Background(), target, &gen); err != nil && !errors.Is(err, ErrSuperseded) {
			log.Warnf("reconnect failed: %v", err)
		}
	})
	c.mu.Unlock()

	log.Warnf("connection closed (%v), reconnecting in %v", cause, delay)
	c.notifyState(StateDisconnected)
}

func (c *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.handleFrame(gen, data)
	}
}

// handleFrame routes one incoming text frame: key exchange, encrypted
// envelope, or plaintext dispatch, in that order.
func (c *Channel) handleFrame(gen uint64, data []byte) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		log.Warnf("dropping non-JSON frame: %v", err)
		return
	}

	var kx protocol.KeyExchange
	if t, ok := obj["type"]; ok && json.Unmarshal(t, &kx.Type) == nil && kx.Type == protocol.KeyExchangeType {
		if err := json.Unmarshal(data, &kx); err != nil {
			log.Warnf("malformed key exchange: %v", err)
			return
		}
		c.setKey(gen, kx.Key)
		return
	}

	payload := data
	if codec.IsEnvelope(obj) {
		c.mu.Lock()
		key := c.key
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}
		if key == nil {
			log.Warn("dropping encrypted message received before session key")
			return
		}
		plain, err := codec.Decrypt(string(data), key)
		if err != nil {
			log.Warnf("dropping message: %v", err)
			return
		}
		payload = []byte(plain)
	}

	msg, err := protocol.ParseMessage(payload)
	if err != nil {
		log.Warnf("dropping message: %v", err)
		return
	}
	c.registry.dispatch(msg)
}

func (c *Channel) setKey(gen uint64, b64 string) {
	key, err := codec.DecodeKey(b64)
	if err != nil {
		log.Warnf("rejecting session key: %v", err)
		return
	}

	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	if c.key != nil {
		c.mu.Unlock()
		log.Warn("ignoring repeated session key")
		return
	}
	c.key = key
	c.state = StateConnected
	c.startHeartbeatLocked()
	c.mu.Unlock()

	log.Info("session key received")
	c.notifyState(StateConnected)
}

// startHeartbeatLocked replaces any running heartbeat. Caller must hold c.mu.
func (c *Channel) startHeartbeatLocked() {
	c.stopHeartbeatLocked()
	stop := make(chan struct{})
	c.heartbeatStop = stop
	interval := c.opts.HeartbeatInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.heartbeat(stop)
			}
		}
	}()
}

func (c *Channel) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

func (c *Channel) heartbeat(stop chan struct{}) {
	c.mu.Lock()
	active := c.heartbeatStop == stop
	conn, key := c.conn, c.key
	c.mu.Unlock()
	if !active || conn == nil || key == nil {
		return
	}
	data, _ := json.Marshal(protocol.NewHeartbeat())
	if err := c.writeEncrypted(conn, key, string(data)); err != nil {
		log.Debugf("heartbeat failed: %v", err)
	}
}

// SendMessage sends text, encrypted when a session key is present and as
// plaintext while awaiting the key.
func (c *Channel) SendMessage(text string) error {
	c.mu.Lock()
	conn, key := c.conn, c.key
	c.mu.Unlock()

	if conn == nil {
		log.Warn("send skipped: not connected")
		return ErrNotConnected
	}
	if key != nil {
		return c.writeEncrypted(conn, key, text)
	}
	return c.write(conn, []byte(text))
}

// SendEncryptedMessage serializes v to JSON and sends it encrypted.
// It requires an open connection with a session key.
func (c *Channel) SendEncryptedMessage(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	conn, key := c.conn, c.key
	c.mu.Unlock()

	if conn == nil {
		log.Warn("encrypted send skipped: not connected")
		return ErrNotConnected
	}
	if key == nil {
		log.Warn("encrypted send skipped: no session key")
		return ErrNoSessionKey
	}
	return c.writeEncrypted(conn, key, string(data))
}

func (c *Channel) writeEncrypted(conn *websocket.Conn, key []byte, text string) error {
	env, err := codec.Encrypt(text, key)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	return c.write(conn, []byte(env))
}

func (c *Channel) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warnf("write failed: %v", err)
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// AddMessageListener registers fn for action. Listeners for one action run
// synchronously on the read goroutine in registration order.
func (c *Channel) AddMessageListener(action protocol.Action, fn func(protocol.Message)) ListenerID {
	return c.registry.add(action, fn)
}

// RemoveMessageListener unregisters a listener. Unknown ids are ignored.
func (c *Channel) RemoveMessageListener(action protocol.Action, id ListenerID) {
	c.registry.remove(action, id)
}

// OnStateChange registers an observer for state transitions and returns a
// function that removes it.
func (c *Channel) OnStateChange(fn func(State)) func() {
	c.observersMu.Lock()
	c.nextObs++
	id := c.nextObs
	c.observers[id] = fn
	c.observersMu.Unlock()
	return func() {
		c.observersMu.Lock()
		delete(c.observers, id)
		c.observersMu.Unlock()
	}
}

func (c *Channel) notifyState(s State) {
	c.observersMu.RLock()
	fns := make([]func(State), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.observersMu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

// State returns the current connection state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the socket is open
func (c *Channel) IsConnected() bool {
	s := c.State()
	return s == StateAwaitingKey || s == StateConnected
}

// HasSessionKey reports whether encrypted sends are possible
func (c *Channel) HasSessionKey() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key != nil
}

// URL returns the last URL passed to Connect
func (c *Channel) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// Host returns host[:port] of the current URL, used to build stream URLs.
func (c *Channel) Host() string {
	return HostOf(c.URL())
}

// HostOf strips the ws:// or wss:// scheme and any path from a server URL.
func HostOf(serverURL string) string {
	if u, err := url.Parse(serverURL); err == nil && u.Host != "" {
		return u.Host
	}
	h := strings.TrimPrefix(strings.TrimPrefix(serverURL, "ws://"), "wss://")
	if i := strings.IndexByte(h, '/'); i >= 0 {
		h = h[:i]
	}
	return h
}

// Close disconnects and releases the channel
func (c *Channel) Close() error {
	c.Disconnect()
	return nil
}

// Probe checks that a server accepts WebSocket connections within timeout.
func Probe(ctx context.Context, rawURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return fmt.Errorf("probe %s: %w", rawURL, err)
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}
