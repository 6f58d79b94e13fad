package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"

	"github.com/fluxlink/fluxlink/internal/core/cache"
	"github.com/fluxlink/fluxlink/internal/core/observability/log"
)

// ConnectionService owns the single WebSocket connection: the connection
// state machine, reconnection with exponential backoff, the heartbeat,
// connection metrics and per-feature listener fan-out.
//
// Lifecycle: Connect must be called with a token; Disconnect is terminal
// for the session and clears all listeners, so a later Connect needs a
// fresh Subscribe pass from the application layer.
type ConnectionService struct {
	config ConnectionConfig
	logger log.Log
	cache  *cache.Cache
	codec  JSONCodec
	dialer *websocket.Dialer

	listeners *listenerRegistry

	mu                sync.Mutex
	state             ConnectionState
	conn              *websocket.Conn
	token             string
	activeConfig      ConnectionConfig
	manual            bool
	reconnectAttempts int
	connectedAt       time.Time
	lastMessageAt     time.Time
	avgLatency        time.Duration
	heartbeatStop     chan struct{}
	reconnectTimer    *time.Timer

	// transportOpen tracks transport-level readiness separately from the
	// FSM state; the two can diverge briefly around close events.
	transportOpen atomic.Bool

	writeMu sync.Mutex

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	parseErrors      atomic.Uint64
}

// NewConnectionService creates a connection service in the disconnected
// state. Nothing is dialed until Connect.
func NewConnectionService(cfg ConnectionConfig, store *cache.Store, logger log.Log) *ConnectionService {
	return &ConnectionService{
		config:       cfg,
		activeConfig: cfg,
		logger:       logger.With(log.String("component", "connection_service")),
		cache:        store.Namespace("messages"),
		dialer:       websocket.DefaultDialer,
		listeners:    newListenerRegistry(),
		state:        StateDisconnected,
	}
}

// Connect opens the connection using url?token=..., racing establishment
// against the configured connect timeout. An empty token is rejected.
// Calling Connect while already connecting or connected is a no-op.
// Overrides apply to this session only.
func (c *ConnectionService) Connect(ctx context.Context, token string, opts ...ConnectOption) error {
	if token == "" {
		return NewError(ErrorCodeMissingToken, "cannot connect without a token", ErrMissingToken)
	}

	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}

	cfg := c.config
	for _, opt := range opts {
		opt(&cfg)
	}
	c.activeConfig = cfg
	c.token = token
	c.manual = false
	c.state = StateConnecting
	c.mu.Unlock()

	return c.dial(ctx, cfg, token, 0)
}

// dial performs the actual connection attempt. reconnectAttempt is zero for
// caller-initiated connects and the attempt number for automatic retries.
func (c *ConnectionService) dial(ctx context.Context, cfg ConnectionConfig, token string, reconnectAttempt int) error {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	url := cfg.URL + "?token=" + token
	conn, _, err := c.dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateError
		c.mu.Unlock()

		code := ErrorCodeDialFailed
		cause := err
		if dialCtx.Err() != nil {
			code = ErrorCodeConnectionTimeout
			cause = pkgerrors.Wrap(ErrConnectionTimeout, err.Error())
		}
		nerr := NewError(code, "failed to connect to "+cfg.URL, cause)

		c.logger.Error("Connection failed", log.String("url", cfg.URL), log.Error(err))
		c.notifyError(nerr)

		if reconnectAttempt > 0 {
			// Failed automatic retry counts against the budget like a
			// dropped connection would.
			c.scheduleReconnect()
		}
		return nerr
	}

	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.reconnectAttempts = 0
	c.connectedAt = time.Now()
	hbStop := make(chan struct{})
	c.heartbeatStop = hbStop
	c.mu.Unlock()
	c.transportOpen.Store(true)

	go c.readLoop(conn)
	if cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(hbStop, cfg.HeartbeatInterval)
	}

	c.logger.Info("Connected", log.String("url", cfg.URL), log.Int("reconnect_attempt", reconnectAttempt))
	if reconnectAttempt > 0 {
		c.notifyReconnect(reconnectAttempt)
	}
	c.notifyConnect()

	return nil
}

// Disconnect closes the connection with a normal-closure code, stops all
// timers and clears all feature listeners. Terminal for the session.
func (c *ConnectionService) Disconnect() {
	c.mu.Lock()
	c.manual = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.transportOpen.Store(false)

	if conn != nil {
		c.writeMu.Lock()
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	c.notifyDisconnect("client disconnect")
	c.listeners.clear()

	c.logger.Info("Disconnected")
}

// SendMessage stamps id, timestamp and sentAt metadata onto the message,
// writes it to the wire and caches a copy for replay. Fire-and-forget; no
// acknowledgement is awaited.
func (c *ConnectionService) SendMessage(msg *Message) error {
	if !c.IsConnected() {
		return NewError(ErrorCodeNotConnected, "cannot send while "+c.State().String(), ErrNotConnected)
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = GenerateMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.SetMeta(MetaSentAt, time.Now().Format(time.RFC3339Nano))

	data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	writeTimeout := c.activeConfig.WriteTimeout
	cacheTTL := c.activeConfig.OutboundCacheTTL
	c.mu.Unlock()
	if conn == nil {
		return NewError(ErrorCodeNotConnected, "cannot send while disconnected", ErrNotConnected)
	}

	c.writeMu.Lock()
	if writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return NewError(ErrorCodeConnectionLost, "failed to write message", pkgerrors.Wrap(err, "websocket write"))
	}

	c.messagesSent.Add(1)
	c.mu.Lock()
	c.lastMessageAt = time.Now()
	c.mu.Unlock()

	c.cache.Set("outbound:"+msg.ID, msg, cacheTTL)

	return nil
}

// Subscribe registers a listener bundle for a feature. Multiple listeners
// per feature are allowed; they are notified in subscription order. The
// returned unsubscribe function is idempotent. Use WildcardFeature to
// receive messages for every feature.
func (c *ConnectionService) Subscribe(feature string, listener FeatureListener) func() {
	id := c.listeners.add(feature, listener)
	return func() {
		c.listeners.remove(feature, id)
	}
}

// Unsubscribe removes all listeners for a feature in one call. This is
// deliberately coarser than Subscribe, which appends.
func (c *ConnectionService) Unsubscribe(feature string) {
	c.listeners.removeFeature(feature)
}

// IsConnected reports whether the FSM is connected and the transport still
// reports itself open; the two can race apart around close events.
func (c *ConnectionService) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.conn != nil && c.transportOpen.Load()
}

// State returns the current connection state.
func (c *ConnectionService) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionMetrics returns a snapshot of the connection counters.
func (c *ConnectionService) ConnectionMetrics() ConnectionMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := ConnectionMetrics{
		State:             c.state,
		MessagesSent:      c.messagesSent.Load(),
		MessagesReceived:  c.messagesReceived.Load(),
		ParseErrors:       c.parseErrors.Load(),
		ReconnectAttempts: c.reconnectAttempts,
		AverageLatency:    c.avgLatency,
		ConnectedAt:       c.connectedAt,
		LastMessageAt:     c.lastMessageAt,
	}
	if c.state == StateConnected && !c.connectedAt.IsZero() {
		m.ConnectionUptime = time.Since(c.connectedAt)
	}
	return m
}

// readLoop drains the connection until it fails, then hands the close
// error to the reconnect machinery.
func (c *ConnectionService) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.handleInbound(data)
	}
}

// handleInbound parses, measures and fans out one wire message. Parse
// failures are logged and swallowed; they never reach listeners.
func (c *ConnectionService) handleInbound(data []byte) {
	msg, err := c.codec.Decode(data)
	if err != nil {
		c.parseErrors.Add(1)
		c.logger.Warn("Discarding malformed inbound message", log.Error(err))
		return
	}

	c.messagesReceived.Add(1)

	now := time.Now()
	c.mu.Lock()
	c.lastMessageAt = now
	if sentAt, ok := parseSentAt(msg); ok {
		c.avgLatency = ema(c.avgLatency, now.Sub(sentAt))
	}
	ttl := c.activeConfig.InboundCacheTTL
	c.mu.Unlock()

	c.cache.Set("inbound:"+msg.ID, msg, ttl)

	c.notifyMessage(msg)
}

// handleClose runs once per connection when its read loop fails.
func (c *ConnectionService) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A stale read loop from a connection that was already replaced.
		c.mu.Unlock()
		return
	}
	c.transportOpen.Store(false)
	c.conn = nil
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}

	if c.manual {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.logger.Info("Connection closed normally")
		c.notifyDisconnect("normal closure")
		return
	}
	c.mu.Unlock()

	c.logger.Warn("Connection lost", log.Error(err))
	c.notifyError(NewError(ErrorCodeConnectionLost, "connection lost", err))
	c.notifyDisconnect("connection lost")
	c.scheduleReconnect()
}

// scheduleReconnect books the next automatic reconnect attempt, or moves
// the FSM to its terminal error state once the budget is spent. The
// attempt counter increments before scheduling, so the Nth attempt is
// delayed by baseDelay * 2^(N-1).
func (c *ConnectionService) scheduleReconnect() {
	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return
	}
	cfg := c.activeConfig

	if c.reconnectAttempts >= cfg.MaxReconnectAttempts {
		c.state = StateError
		c.mu.Unlock()
		c.logger.Error("Reconnect attempts exhausted",
			log.Int("attempts", cfg.MaxReconnectAttempts))
		c.notifyError(NewError(ErrorCodeReconnectExhausted, "reconnect attempts exhausted", ErrReconnectExhausted))
		return
	}

	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	delay := backoffDelay(cfg.ReconnectDelay, attempt)
	c.state = StateReconnecting
	token := c.token
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.reconnect(cfg, token, attempt)
	})
	c.mu.Unlock()

	c.logger.Info("Reconnect scheduled",
		log.Int("attempt", attempt),
		log.Duration("delay", delay))
}

func (c *ConnectionService) reconnect(cfg ConnectionConfig, token string, attempt int) {
	c.mu.Lock()
	if c.manual || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	_ = c.dial(context.Background(), cfg, token, attempt)
}

// backoffDelay returns baseDelay * 2^(attempt-1).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(1<<(attempt-1))
}

func (c *ConnectionService) heartbeatLoop(stop chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hb := NewMessage(FeatureSystem, TypeHeartbeat, map[string]any{})
			if err := c.SendMessage(hb); err != nil {
				c.logger.Warn("Heartbeat failed", log.Error(err))
			}
		case <-stop:
			return
		}
	}
}

// parseSentAt extracts the sentAt metadata stamp. String values are
// RFC 3339; numeric values are Unix milliseconds (numbers arrive from JSON
// as float64).
func parseSentAt(msg *Message) (time.Time, bool) {
	raw, ok := msg.Meta(MetaSentAt)
	if !ok {
		return time.Time{}, false
	}
	switch v := raw.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case float64:
		return time.UnixMilli(int64(v)), true
	default:
		return time.Time{}, false
	}
}

// Listener notification. Callback errors and panics are contained per
// listener; one bad listener never blocks delivery to the rest.

func (c *ConnectionService) notifyMessage(msg *Message) {
	for _, l := range c.listeners.snapshot(msg.Feature) {
		if l.OnMessage != nil {
			c.safeCall(func() { l.OnMessage(msg) })
		}
	}
	if msg.Feature == WildcardFeature {
		return
	}
	for _, l := range c.listeners.snapshot(WildcardFeature) {
		if l.OnMessage != nil {
			c.safeCall(func() { l.OnMessage(msg) })
		}
	}
}

func (c *ConnectionService) notifyConnect() {
	for _, l := range c.listeners.snapshotAll() {
		if l.OnConnect != nil {
			c.safeCall(l.OnConnect)
		}
	}
}

func (c *ConnectionService) notifyDisconnect(reason string) {
	for _, l := range c.listeners.snapshotAll() {
		if l.OnDisconnect != nil {
			c.safeCall(func() { l.OnDisconnect(reason) })
		}
	}
}

func (c *ConnectionService) notifyError(err error) {
	for _, l := range c.listeners.snapshotAll() {
		if l.OnError != nil {
			c.safeCall(func() { l.OnError(err) })
		}
	}
}

func (c *ConnectionService) notifyReconnect(attempt int) {
	for _, l := range c.listeners.snapshotAll() {
		if l.OnReconnect != nil {
			c.safeCall(func() { l.OnReconnect(attempt) })
		}
	}
}

func (c *ConnectionService) safeCall(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("Listener panicked", log.Any("panic", p))
		}
	}()
	fn()
}
