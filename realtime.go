package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/LuminPulse-AI/chatsync/clock"
)

// ============================================================================
// Wire Events
// ============================================================================

const (
	EventAuthenticate   = "authenticate"
	EventAuthenticated  = "authenticated"
	EventJoinRoom       = "joinRoom"
	EventLeaveRoom      = "leaveRoom"
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventMessageStatus  = "messageStatus"
	EventTyping         = "typing"
	EventUserTyping     = "userTyping"
	EventMarkAsRead     = "markAsRead"
	EventPing           = "ping"
	EventAck            = "ack"
	EventError          = "error"
)

// AuthenticatePayload identifies the principal on a fresh connection.
type AuthenticatePayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// AuthenticatedPayload confirms authentication.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// RoomPayload is sent with joinRoom and leaveRoom.
type RoomPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// SendMessagePayload is the sendMessage request body.
type SendMessagePayload struct {
	TempID     string      `json:"tempId"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Text       string      `json:"text"`
	CreatedAt  time.Time   `json:"createdAt"`
	RoomID     string      `json:"roomId"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// AckPayload answers a request. MessageID is set by sendMessage acks.
type AckPayload struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ReceiveMessagePayload is a pushed message.
type ReceiveMessagePayload struct {
	Message Message `json:"message"`
}

// MessageStatusPayload is a pushed delivery status update.
type MessageStatusPayload struct {
	MessageID string `json:"messageId"`
	Status    Status `json:"status"`
}

// TypingPayload is the outbound typing event.
type TypingPayload struct {
	UserID     string `json:"userId"`
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

// UserTypingPayload is the inbound typing event.
type UserTypingPayload struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// MarkAsReadPayload is the read receipt sent by the reader.
type MarkAsReadPayload struct {
	MessageIDs []string `json:"messageIds"`
	Reader     string   `json:"reader"`
	Sender     string   `json:"sender"`
}

// ErrorPayload is sent when the server rejects a command.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Envelope is the wire format of every frame in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Command is a client-to-server frame before encoding.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the connection manager.
type RealtimeConfig struct {
	UserID               string
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	DialTimeout          time.Duration
	OutboundQueueSize    int
	HTTPClient           *http.Client
	Logger               *zap.Logger
	Metrics              *Metrics
	Clock                clock.Clock
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
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.OutboundQueueSize == 0 {
		c.OutboundQueueSize = 64
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
}

// RealtimeState is the connectivity of the event channel.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ConnectionState is a snapshot broadcast on every transition. Attempt is
// the current backoff attempt while reconnecting. Exhausted is set on the
// disconnected state that follows the last allowed attempt.
type ConnectionState struct {
	State     RealtimeState `json:"state"`
	Attempt   int           `json:"attempt,omitempty"`
	LastError string        `json:"lastError,omitempty"`
	Exhausted bool          `json:"exhausted,omitempty"`
}

// Connected reports whether sends are possible.
func (s ConnectionState) Connected() bool { return s.State == StateConnected }

// EventHandler receives the raw payload of a pushed event.
type EventHandler func(payload json.RawMessage)

// AckFunc receives a request's acknowledgment, or the transport error
// that prevented one.
type AckFunc func(ack AckPayload, err error)

// Channel is the event channel contract the engine depends on.
// ConnectionManager implements it over WebSocket.
type Channel interface {
	Connect(ctx context.Context) error
	State() ConnectionState
	OnStateChange(fn func(ConnectionState))
	On(event string, h EventHandler)
	Emit(ctx context.Context, event string, payload any) error
	Request(ctx context.Context, event string, payload any, ack AckFunc) (cancel func(), err error)
	Join(ctx context.Context, roomID string) error
	Leave(ctx context.Context) error
}

var _ Channel = (*ConnectionManager)(nil)

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	log      *zap.Logger
}

func newEventDispatcher(log *zap.Logger) *eventDispatcher {
	return &eventDispatcher{
		handlers: make(map[string][]EventHandler),
		log:      log,
	}
}

func (d *eventDispatcher) on(event string, h EventHandler) {
	d.mu.Lock()
	d.handlers[event] = append(d.handlers[event], h)
	d.mu.Unlock()
}

// dispatch runs handlers on the read goroutine so events are observed in
// arrival order.
func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	handlers := append([]EventHandler(nil), d.handlers[env.Type]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("realtime_handler_panic", zap.String("event", env.Type), zap.Any("panic", r))
				}
			}()
			h(env.Payload)
		}()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// ConnectionManager
// ============================================================================

type session struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	// local is set when this side closed the socket (heartbeat failure),
	// so the resulting read error is not mistaken for a server close.
	local atomic.Bool
}

// ConnectionManager owns the single WebSocket to the relay: it
// authenticates, keeps the active room joined across reconnects, retries
// with bounded exponential backoff and correlates request acks.
//
// State listeners are called synchronously and in transition order. They
// must not call Connect, Disconnect or Close.
type ConnectionManager struct {
	baseURL    string
	config     RealtimeConfig
	log        *zap.Logger
	metrics    *Metrics
	clock      clock.Clock
	dispatcher *eventDispatcher

	lifetime context.Context
	shutdown context.CancelFunc

	dialMu   sync.Mutex
	notifyMu sync.Mutex

	mu           sync.Mutex
	state        ConnectionState
	sess         *session
	room         string
	intentional  bool
	reconnecting bool
	closed       bool
	outbound     [][]byte
	recon        *reconnector
	listeners    []func(ConnectionState)

	pendingMu sync.Mutex
	pending   map[string]AckFunc
	seq       atomic.Uint64
}

// NewConnectionManager creates a manager for the relay at baseURL
// (http, https, ws or wss). Nothing is dialed until Connect.
func NewConnectionManager(baseURL string, config RealtimeConfig) *ConnectionManager {
	config.defaults()
	lifetime, shutdown := context.WithCancel(context.Background())
	return &ConnectionManager{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     config,
		log:        config.Logger,
		metrics:    config.Metrics,
		clock:      config.Clock,
		dispatcher: newEventDispatcher(config.Logger),
		lifetime:   lifetime,
		shutdown:   shutdown,
		state:      ConnectionState{State: StateDisconnected},
		recon:      newReconnector(&config),
		pending:    make(map[string]AckFunc),
	}
}

// On registers a handler for a pushed event type.
func (cm *ConnectionManager) On(event string, h EventHandler) {
	cm.dispatcher.on(event, h)
}

// OnStateChange registers a connectivity listener.
func (cm *ConnectionManager) OnStateChange(fn func(ConnectionState)) {
	cm.mu.Lock()
	cm.listeners = append(cm.listeners, fn)
	cm.mu.Unlock()
}

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

func (cm *ConnectionManager) setState(st ConnectionState) {
	cm.notifyMu.Lock()
	defer cm.notifyMu.Unlock()

	cm.mu.Lock()
	cm.state = st
	listeners := append([]func(ConnectionState){}, cm.listeners...)
	cm.mu.Unlock()

	if st.Connected() {
		cm.metrics.Connected.Set(1)
	} else {
		cm.metrics.Connected.Set(0)
	}
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					cm.log.Error("realtime_listener_panic", zap.Any("panic", r))
				}
			}()
			fn(st)
		}()
	}
}

func (cm *ConnectionManager) wsURL() string {
	u := strings.Replace(cm.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// Connect dials the relay. It is a no-op while connected or connecting.
// A failed dial starts the backoff loop when AutoReconnect is set; Connect
// is also the manual way back after the attempts are exhausted.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrClosed
	}
	if cm.state.State == StateConnected || cm.state.State == StateConnecting {
		cm.mu.Unlock()
		return nil
	}
	cm.intentional = false
	looping := cm.reconnecting
	cm.mu.Unlock()

	if looping {
		return cm.connectOnce(ctx)
	}

	cm.dialMu.Lock()
	if cm.State().Connected() {
		cm.dialMu.Unlock()
		return nil
	}
	cm.setState(ConnectionState{State: StateConnecting})
	err := cm.dial(ctx)
	if err != nil {
		cm.setState(ConnectionState{State: StateDisconnected, LastError: err.Error()})
	}
	cm.dialMu.Unlock()

	if err != nil {
		cm.log.Warn("realtime_connect_failed", zap.String("url", cm.wsURL()), zap.Error(err))
		if cm.config.AutoReconnect {
			cm.mu.Lock()
			cm.recon.reset()
			cm.mu.Unlock()
			cm.startReconnect(false, err.Error())
		}
		return err
	}
	return nil
}

// connectOnce is Connect while the backoff loop runs: a single dial that
// leaves the loop's attempt counter and state sequence alone.
func (cm *ConnectionManager) connectOnce(ctx context.Context) error {
	cm.dialMu.Lock()
	defer cm.dialMu.Unlock()
	if cm.State().Connected() {
		return nil
	}
	if err := cm.dial(ctx); err != nil {
		cm.log.Debug("realtime_manual_connect_failed", zap.Error(err))
		return err
	}
	return nil
}

// dial opens a socket, announces the connected state, re-authenticates,
// re-joins the active room and flushes queued emits, in that order.
// Callers hold dialMu.
func (cm *ConnectionManager) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, cm.config.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, cm.wsURL(), &websocket.DialOptions{
		HTTPClient: cm.config.HTTPClient,
	})
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(1 << 20)

	sessCtx, sessCancel := context.WithCancel(cm.lifetime)
	s := &session{conn: conn, cancel: sessCancel}

	cm.mu.Lock()
	if cm.closed || cm.intentional {
		cm.mu.Unlock()
		sessCancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrClosed
	}
	cm.sess = s
	room := cm.room
	cm.recon.reset()
	cm.mu.Unlock()

	cm.setState(ConnectionState{State: StateConnected})
	cm.log.Info("realtime_connected", zap.String("user", cm.config.UserID), zap.String("room", room))

	if err := cm.write(sessCtx, s, Command{
		Type:    EventAuthenticate,
		Payload: AuthenticatePayload{UserID: cm.config.UserID, Token: cm.config.Token},
	}); err != nil {
		cm.log.Warn("realtime_authenticate_failed", zap.Error(err))
	}
	if room != "" {
		if err := cm.write(sessCtx, s, Command{
			Type:    EventJoinRoom,
			Payload: RoomPayload{RoomID: room, UserID: cm.config.UserID},
		}); err != nil {
			cm.log.Warn("realtime_rejoin_failed", zap.String("room", room), zap.Error(err))
		}
	}
	cm.flushOutbound(sessCtx, s)

	go cm.readLoop(sessCtx, s)
	go cm.heartbeatLoop(sessCtx, s)
	return nil
}

// Disconnect closes the socket and stops reconnecting until the next
// Connect.
func (cm *ConnectionManager) Disconnect() error {
	cm.mu.Lock()
	cm.intentional = true
	s := cm.sess
	cm.sess = nil
	cm.outbound = nil
	cm.mu.Unlock()

	cm.failPending(&TransportError{Op: "disconnect", Err: ErrNotConnected})

	var err error
	if s != nil {
		err = s.conn.Close(websocket.StatusNormalClosure, "client disconnect")
		s.cancel()
	}
	cm.setState(ConnectionState{State: StateDisconnected, LastError: "client disconnect"})
	return err
}

// Close disconnects and releases the manager for good.
func (cm *ConnectionManager) Close() error {
	err := cm.Disconnect()
	cm.mu.Lock()
	cm.closed = true
	cm.listeners = nil
	cm.mu.Unlock()
	cm.shutdown()
	return err
}

// Join makes roomID the active room. The room is re-joined on every
// reconnect; while disconnected the join is only recorded.
func (cm *ConnectionManager) Join(ctx context.Context, roomID string) error {
	cm.mu.Lock()
	prev := cm.room
	cm.room = roomID
	cm.mu.Unlock()

	if prev != "" && prev != roomID {
		if err := cm.emitIfConnected(ctx, EventLeaveRoom, RoomPayload{RoomID: prev, UserID: cm.config.UserID}); err != nil {
			return err
		}
	}
	return cm.emitIfConnected(ctx, EventJoinRoom, RoomPayload{RoomID: roomID, UserID: cm.config.UserID})
}

// Leave leaves the active room, if any.
func (cm *ConnectionManager) Leave(ctx context.Context) error {
	cm.mu.Lock()
	room := cm.room
	cm.room = ""
	cm.mu.Unlock()
	if room == "" {
		return nil
	}
	return cm.emitIfConnected(ctx, EventLeaveRoom, RoomPayload{RoomID: room, UserID: cm.config.UserID})
}

// Room returns the active room.
func (cm *ConnectionManager) Room() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.room
}

func (cm *ConnectionManager) emitIfConnected(ctx context.Context, event string, payload any) error {
	s := cm.liveSession()
	if s == nil {
		return nil
	}
	return cm.write(ctx, s, Command{Type: event, Payload: payload})
}

func (cm *ConnectionManager) liveSession() *session {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.sess == nil || !cm.state.Connected() {
		return nil
	}
	return cm.sess
}

// Emit sends a fire-and-forget event. While disconnected the event is
// queued and sent after the next successful connect; when the queue is
// full the oldest event is dropped.
func (cm *ConnectionManager) Emit(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(Command{Type: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrClosed
	}
	if cm.sess == nil || !cm.state.Connected() {
		if len(cm.outbound) >= cm.config.OutboundQueueSize {
			cm.outbound = cm.outbound[1:]
			cm.log.Warn("realtime_outbound_dropped", zap.String("event", event))
		}
		cm.outbound = append(cm.outbound, data)
		cm.mu.Unlock()
		return nil
	}
	s := cm.sess
	cm.mu.Unlock()
	return cm.writeRaw(ctx, s, data)
}

// Request sends an event that expects an ack. ack is called exactly once
// unless the returned cancel func runs first. Requests fail immediately
// with ErrNotConnected while disconnected.
func (cm *ConnectionManager) Request(ctx context.Context, event string, payload any, ack AckFunc) (func(), error) {
	s := cm.liveSession()
	if s == nil {
		return nil, ErrNotConnected
	}

	id := fmt.Sprintf("req-%d", cm.seq.Add(1))
	cm.pendingMu.Lock()
	cm.pending[id] = ack
	cm.pendingMu.Unlock()

	cancel := func() {
		cm.pendingMu.Lock()
		delete(cm.pending, id)
		cm.pendingMu.Unlock()
	}
	if err := cm.write(ctx, s, Command{Type: event, Payload: payload, RequestID: id}); err != nil {
		cancel()
		return nil, err
	}
	return cancel, nil
}

// Ping round-trips an application-level ping.
func (cm *ConnectionManager) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	cancel, err := cm.Request(ctx, EventPing, nil, func(_ AckPayload, err error) {
		done <- err
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-cm.clock.After(cm.config.HeartbeatTimeout):
		cancel()
		return &TransportError{Op: "ping", Err: errors.New("timeout")}
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

func (cm *ConnectionManager) write(ctx context.Context, s *session, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", cmd.Type, err)
	}
	return cm.writeRaw(ctx, s, data)
}

func (cm *ConnectionManager) writeRaw(ctx context.Context, s *session, data []byte) error {
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (cm *ConnectionManager) flushOutbound(ctx context.Context, s *session) {
	cm.mu.Lock()
	queued := cm.outbound
	cm.outbound = nil
	cm.mu.Unlock()
	for _, data := range queued {
		if err := cm.writeRaw(ctx, s, data); err != nil {
			cm.log.Warn("realtime_flush_failed", zap.Error(err))
			return
		}
	}
}

func (cm *ConnectionManager) resolveAck(id string, raw json.RawMessage) {
	cm.pendingMu.Lock()
	ack, ok := cm.pending[id]
	delete(cm.pending, id)
	cm.pendingMu.Unlock()
	if !ok {
		return
	}
	var p AckPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			ack(AckPayload{}, fmt.Errorf("decode ack: %w", err))
			return
		}
	}
	ack(p, nil)
}

func (cm *ConnectionManager) failPending(err error) {
	cm.pendingMu.Lock()
	pending := cm.pending
	cm.pending = make(map[string]AckFunc)
	cm.pendingMu.Unlock()
	for _, ack := range pending {
		ack(AckPayload{}, err)
	}
}

func (cm *ConnectionManager) readLoop(ctx context.Context, s *session) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			cm.handleDrop(s, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			cm.log.Debug("realtime_bad_envelope", zap.Error(err))
			continue
		}
		if env.Type == EventAck {
			cm.resolveAck(env.RequestID, env.Payload)
			continue
		}
		cm.dispatcher.dispatch(env)
	}
}

func (cm *ConnectionManager) handleDrop(s *session, err error) {
	cm.mu.Lock()
	if cm.sess != s {
		cm.mu.Unlock()
		return
	}
	cm.sess = nil
	intentional := cm.intentional || cm.closed
	cm.mu.Unlock()

	s.cancel()
	cm.failPending(&TransportError{Op: "read", Err: err})
	if intentional {
		return
	}

	serverClose := !s.local.Load() && websocket.CloseStatus(err) != -1
	cm.log.Warn("realtime_disconnected", zap.Bool("server_close", serverClose), zap.Error(err))
	cm.setState(ConnectionState{State: StateDisconnected, LastError: err.Error()})

	if cm.config.AutoReconnect {
		cm.startReconnect(serverClose, err.Error())
	}
}

func (cm *ConnectionManager) heartbeatLoop(ctx context.Context, s *session) {
	ticker := cm.clock.NewTicker(cm.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cm.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				cm.log.Warn("realtime_heartbeat_failed", zap.Error(err))
				s.local.Store(true)
				s.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (cm *ConnectionManager) startReconnect(immediate bool, reason string) {
	cm.mu.Lock()
	if cm.reconnecting || cm.closed || cm.intentional {
		cm.mu.Unlock()
		return
	}
	cm.reconnecting = true
	cm.mu.Unlock()
	go cm.reconnectLoop(immediate, reason)
}

// reconnectLoop retries with backoff until connected, cancelled or out of
// attempts. After a server-side close one immediate attempt is made first;
// it does not count against MaxReconnectAttempts.
func (cm *ConnectionManager) reconnectLoop(immediate bool, lastErr string) {
	defer func() {
		cm.mu.Lock()
		cm.reconnecting = false
		cm.mu.Unlock()
	}()

	if immediate {
		cm.log.Info("realtime_server_close_reconnect")
		done, err := cm.tryReconnect(cm.lifetime)
		if done {
			return
		}
		lastErr = err.Error()
	}

	for {
		cm.mu.Lock()
		if !cm.recon.shouldReconnect() {
			cm.mu.Unlock()
			break
		}
		delay := cm.recon.nextDelay()
		attempt := cm.recon.attempt
		cm.mu.Unlock()

		cm.metrics.ReconnectAttempts.Inc()
		cm.log.Info("realtime_reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		cm.setState(ConnectionState{State: StateReconnecting, Attempt: attempt, LastError: lastErr})

		select {
		case <-cm.clock.After(delay):
		case <-cm.lifetime.Done():
			return
		}

		done, err := cm.tryReconnect(cm.lifetime)
		if done {
			return
		}
		lastErr = err.Error()
	}

	cm.dialMu.Lock()
	defer cm.dialMu.Unlock()
	cm.mu.Lock()
	stop := cm.closed || cm.intentional || cm.state.Connected()
	attempts := cm.recon.attempt
	cm.reconnecting = false
	cm.mu.Unlock()
	if stop {
		return
	}
	cm.log.Warn("realtime_reconnect_exhausted", zap.Int("attempts", attempts), zap.String("last_error", lastErr))
	cm.setState(ConnectionState{State: StateDisconnected, Attempt: attempts, LastError: lastErr, Exhausted: true})
}

// tryReconnect reports done=true when the loop should stop: connected,
// already connected elsewhere, or no longer wanted.
func (cm *ConnectionManager) tryReconnect(ctx context.Context) (bool, error) {
	cm.dialMu.Lock()
	defer cm.dialMu.Unlock()

	cm.mu.Lock()
	stop := cm.closed || cm.intentional || cm.state.Connected()
	cm.mu.Unlock()
	if stop {
		return true, nil
	}
	if err := cm.dial(ctx); err != nil {
		cm.log.Debug("realtime_reconnect_failed", zap.Error(err))
		return false, err
	}
	return true, nil
}
