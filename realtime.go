package dmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token string
	// AutoReconnect is off by default: callers reconnect before the next
	// send or join via Engine.EnsureConnected.
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// HeartbeatInterval is the WebSocket ping period; negative disables it.
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
	ReadLimit         int64
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler receives the raw payload of one event.
type EventHandler func(payload json.RawMessage)

type registration struct {
	id uint64
	h  EventHandler
}

// dispatcher holds at most one handler per event name. Subscribing again
// replaces the previous handler, so repeated subscription never produces
// duplicate delivery.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]registration
	nextID   uint64
	log      *zap.Logger
}

func newDispatcher(log *zap.Logger) *dispatcher {
	return &dispatcher{handlers: make(map[string]registration), log: log}
}

func (d *dispatcher) subscribe(event string, h EventHandler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[event] = registration{id: id, h: h}
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		// A later Subscribe owns the slot now; leave it alone.
		if r, ok := d.handlers[event]; ok && r.id == id {
			delete(d.handlers, event)
		}
		d.mu.Unlock()
	}
}

func (d *dispatcher) dispatch(event string, payload json.RawMessage) {
	d.mu.RLock()
	r, ok := d.handlers[event]
	d.mu.RUnlock()
	if !ok {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			d.log.Error("event handler panicked", zap.String("event", event), zap.Any("panic", p))
		}
	}()
	r.h(payload)
}

// eventQueue is an unbounded FIFO between the read loop and the dispatch
// loop. The read loop must never block, since it also resolves acks that a
// handler may be waiting on.
type eventQueue struct {
	mu     sync.Mutex
	items  []RealtimeEnvelope
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(env RealtimeEnvelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop(ctx context.Context) (RealtimeEnvelope, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return env, true
		}
		q.mu.Unlock()
		select {
		case <-q.signal:
		case <-ctx.Done():
			return RealtimeEnvelope{}, false
		}
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector is shared by Connect and reconnectLoop, which run on
// different goroutines.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// next reports the delay before the next attempt and its number, or false
// once the attempts are exhausted. A connection that stayed up for a minute
// resets the backoff.
func (r *reconnector) next() (time.Duration, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	if r.maxAttempts >= 0 && r.attempt >= r.maxAttempts {
		return 0, r.attempt, false
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt, true
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the single realtime channel of one user.
type RealtimeClient struct {
	baseURL    string
	config     *RealtimeConfig
	log        *zap.Logger
	dispatcher *dispatcher

	mu               sync.Mutex
	conn             *websocket.Conn
	connected        bool
	state            RealtimeState
	userID           string
	intentionalClose bool
	cancelFn         context.CancelFunc
	recon            *reconnector

	pendingMu sync.Mutex
	pending   map[string]chan RealtimeEnvelope
}

// NewRealtimeClient creates a client for baseURL (http or https). Call
// Connect to open the channel.
func NewRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	log := cfg.Logger.Named("realtime")
	return &RealtimeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		log:        log,
		dispatcher: newDispatcher(log),
		state:      StateDisconnected,
		recon:      newReconnector(&cfg),
		pending:    make(map[string]chan RealtimeEnvelope),
	}
}

// Subscribe sets the handler for event, replacing any previous one, and
// returns a function that removes it.
func (rt *RealtimeClient) Subscribe(event string, h EventHandler) (unsubscribe func()) {
	return rt.dispatcher.subscribe(event, h)
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// IsConnected reports whether the connected flag is set and a transport
// handle exists.
func (rt *RealtimeClient) IsConnected() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.connected && rt.conn != nil
}

// URL returns the WebSocket endpoint for userID.
func (rt *RealtimeClient) URL(userID string) (string, error) {
	u, err := url.Parse(rt.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	if rt.config.Token != "" {
		q.Set("token", rt.config.Token)
	}
	q.Set("userId", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the channel and authenticates as userID. The bearer token
// travels both in the Authorization header and in the query string, for
// proxies that strip one of them. Callers check IsConnected first.
func (rt *RealtimeClient) Connect(ctx context.Context, userID string) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.userID = userID
	rt.mu.Unlock()

	wsURL, err := rt.URL(userID)
	if err != nil {
		rt.connectFailed(err)
		return err
	}

	header := http.Header{}
	if rt.config.Token != "" {
		header.Set("Authorization", "Bearer "+rt.config.Token)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: rt.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		err = fmt.Errorf("websocket dial: %w", err)
		rt.connectFailed(err)
		return err
	}
	conn.SetReadLimit(rt.config.ReadLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	queue := newEventQueue()

	rt.mu.Lock()
	rt.conn = conn
	rt.connected = true
	rt.state = StateConnected
	rt.cancelFn = cancel
	rt.mu.Unlock()
	rt.recon.markConnected()
	metricConnected.Set(1)

	go rt.readLoop(connCtx, conn, queue)
	go rt.dispatchLoop(connCtx, queue)
	if rt.config.HeartbeatInterval > 0 {
		go rt.heartbeatLoop(connCtx, conn)
	}

	if err := rt.Emit(ctx, EventAuthenticate, map[string]string{"userId": userID}); err != nil {
		rt.Disconnect()
		err = fmt.Errorf("authenticate: %w", err)
		rt.connectFailed(err)
		return err
	}

	rt.log.Info("realtime connected", zap.String("user_id", userID))
	queue.push(RealtimeEnvelope{Type: EventConnect})
	return nil
}

func (rt *RealtimeClient) connectFailed(err error) {
	rt.mu.Lock()
	rt.state = StateDisconnected
	rt.connected = false
	rt.mu.Unlock()
	rt.log.Warn("realtime connect failed", zap.Error(err))
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	go rt.dispatcher.dispatch(EventConnectError, payload)
}

// Disconnect tears the channel down. Safe to call when already disconnected.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	conn := rt.conn
	cancel := rt.cancelFn
	wasConnected := rt.connected
	rt.conn = nil
	rt.cancelFn = nil
	rt.connected = false
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.failPending()
	metricConnected.Set(0)

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	if wasConnected {
		payload, _ := json.Marshal(map[string]string{"reason": "client disconnect"})
		go rt.dispatcher.dispatch(EventDisconnect, payload)
	}
	return err
}

// Emit sends a fire-and-forget event.
func (rt *RealtimeClient) Emit(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return rt.write(ctx, RealtimeEnvelope{Type: event, Payload: data})
}

// Request sends event and waits for its acknowledgement. An ok:false ack
// is returned as *AckError; the raw ack payload is returned otherwise.
func (rt *RealtimeClient) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}

	reqID := uuid.NewString()
	ch := make(chan RealtimeEnvelope, 1)
	rt.pendingMu.Lock()
	rt.pending[reqID] = ch
	rt.pendingMu.Unlock()

	start := time.Now()
	if err := rt.write(ctx, RealtimeEnvelope{Type: event, Payload: data, RequestID: reqID}); err != nil {
		rt.dropPending(reqID)
		return nil, err
	}

	timer := time.NewTimer(rt.config.AckTimeout)
	defer timer.Stop()

	select {
	case env, ok := <-ch:
		if !ok {
			metricAckLatency.WithLabelValues(event, "disconnected").Observe(time.Since(start).Seconds())
			return nil, fmt.Errorf("%s: %w", event, ErrNotConnected)
		}
		var st ackStatus
		if err := json.Unmarshal(env.Payload, &st); err != nil {
			metricAckLatency.WithLabelValues(event, "malformed").Observe(time.Since(start).Seconds())
			return nil, fmt.Errorf("decode %s ack: %w", event, err)
		}
		if !st.OK {
			metricAckLatency.WithLabelValues(event, "rejected").Observe(time.Since(start).Seconds())
			return nil, &AckError{Event: event, Message: st.Error}
		}
		metricAckLatency.WithLabelValues(event, "ok").Observe(time.Since(start).Seconds())
		return env.Payload, nil
	case <-timer.C:
		rt.dropPending(reqID)
		metricAckLatency.WithLabelValues(event, "timeout").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("%s: %w", event, ErrAckTimeout)
	case <-ctx.Done():
		rt.dropPending(reqID)
		return nil, ctx.Err()
	}
}

func (rt *RealtimeClient) write(ctx context.Context, env RealtimeEnvelope) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

func (rt *RealtimeClient) dropPending(reqID string) {
	rt.pendingMu.Lock()
	delete(rt.pending, reqID)
	rt.pendingMu.Unlock()
}

func (rt *RealtimeClient) failPending() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pending {
		close(ch)
		delete(rt.pending, k)
	}
	rt.pendingMu.Unlock()
}

func (rt *RealtimeClient) resolveAck(env RealtimeEnvelope) {
	rt.pendingMu.Lock()
	ch, ok := rt.pending[env.RequestID]
	if ok {
		delete(rt.pending, env.RequestID)
	}
	rt.pendingMu.Unlock()
	if ok {
		ch <- env
		return
	}
	rt.log.Debug("ack for unknown request", zap.String("request_id", env.RequestID))
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn, queue *eventQueue) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.connectionLost(conn, err)
			return
		}

		var env RealtimeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			rt.log.Warn("malformed frame", zap.Error(err))
			continue
		}
		if env.Type == ackType {
			rt.resolveAck(env)
			continue
		}
		queue.push(env)
	}
}

func (rt *RealtimeClient) dispatchLoop(ctx context.Context, queue *eventQueue) {
	for {
		env, ok := queue.pop(ctx)
		if !ok {
			return
		}
		rt.dispatcher.dispatch(env.Type, env.Payload)
	}
}

func (rt *RealtimeClient) connectionLost(conn *websocket.Conn, cause error) {
	rt.mu.Lock()
	if rt.intentionalClose || rt.conn != conn {
		rt.mu.Unlock()
		return
	}
	cancel := rt.cancelFn
	rt.conn = nil
	rt.cancelFn = nil
	rt.connected = false
	rt.state = StateDisconnected
	userID := rt.userID
	rt.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	rt.failPending()
	metricConnected.Set(0)
	rt.log.Warn("realtime connection lost", zap.Error(cause))

	payload, _ := json.Marshal(map[string]string{"reason": cause.Error()})
	go rt.dispatcher.dispatch(EventDisconnect, payload)

	if rt.config.AutoReconnect {
		go rt.reconnectLoop(userID)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				rt.log.Warn("heartbeat failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rt *RealtimeClient) reconnectLoop(userID string) {
	for {
		delay, attempt, ok := rt.recon.next()
		if !ok {
			return
		}
		rt.mu.Lock()
		if rt.intentionalClose {
			rt.mu.Unlock()
			return
		}
		rt.state = StateReconnecting
		rt.mu.Unlock()

		rt.log.Info("realtime reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		time.Sleep(delay)

		rt.mu.Lock()
		stop := rt.intentionalClose
		rt.state = StateDisconnected
		rt.mu.Unlock()
		if stop {
			return
		}
		if err := rt.Connect(context.Background(), userID); err == nil {
			return
		}
	}
}
