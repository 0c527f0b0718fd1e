// Package relay is a development relay for chatsync clients. It speaks the
// same event contract as the production backend: WebSocket events on /ws,
// history over REST, acks, delivery and read statuses, typing relay.
// Everything is kept in memory.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/LuminPulse-AI/chatsync"
)

const writeTimeout = 5 * time.Second

// Config configures a relay Server.
type Config struct {
	// Secret enables token auth. Empty accepts any user id.
	Secret string
	// AllowAnyOrigin disables the WebSocket origin check.
	AllowAnyOrigin bool
	Store          *Store
	Logger         *zap.Logger
	Registry       *prometheus.Registry
}

type client struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	userID string
	room   string
}

func (c *client) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Server is the relay. It is an http.Handler.
type Server struct {
	secret      string
	anyOrigin   bool
	store       *Store
	log         *zap.Logger
	registry    *prometheus.Registry
	router      *mux.Router
	connections prometheus.Gauge
	stored      prometheus.Counter
	events      *prometheus.CounterVec

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// New creates a relay.
func New(cfg Config) *Server {
	if cfg.Store == nil {
		cfg.Store = NewStore(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	s := &Server{
		secret:    cfg.Secret,
		anyOrigin: cfg.AllowAnyOrigin,
		store:     cfg.Store,
		log:       cfg.Logger,
		registry:  cfg.Registry,
		clients:   make(map[*client]struct{}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),
		stored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_stored_total",
			Help:      "Messages accepted and stored.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "events_total",
			Help:      "Inbound client events by type.",
		}, []string{"type"}),
	}
	s.registry.MustRegister(s.connections, s.stored, s.events)

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{user}/messages/{peer}", s.requireUser(s.handleHistory)).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{user}/recent", s.requireUser(s.handleRecent)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Store returns the relay's message store.
func (s *Server) Store() *Store { return s.store }

// Online reports whether userID has an authenticated connection.
func (s *Server) Online(userID string) bool {
	return len(s.clientsOf(userID)) > 0
}

// DisconnectUser closes every connection of userID from the server side
// and returns how many were closed.
func (s *Server) DisconnectUser(userID string) int {
	clients := s.clientsOf(userID)
	for _, c := range clients {
		go c.conn.Close(websocket.StatusGoingAway, "disconnected by server")
	}
	if len(clients) > 0 {
		s.log.Info("relay_user_disconnected", zap.String("user", userID), zap.Int("connections", len(clients)))
	}
	return len(clients)
}

func (s *Server) clientsOf(userIDs ...string) []*client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*client
	for c := range s.clients {
		u := c.user()
		if u == "" {
			continue
		}
		for _, id := range userIDs {
			if u == id {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// ============================================================================
// WebSocket
// ============================================================================

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: s.anyOrigin})
	if err != nil {
		s.log.Warn("relay_accept_failed", zap.Error(err))
		return
	}
	c := &client{conn: conn}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.connections.Inc()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		s.connections.Dec()
		conn.Close(websocket.StatusNormalClosure, "")
		s.log.Info("relay_client_disconnected", zap.String("user", c.user()))
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env chatsync.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Debug("relay_bad_frame", zap.Error(err))
			s.send(ctx, c, chatsync.EventError, chatsync.ErrorPayload{Message: "invalid frame"})
			continue
		}
		s.events.WithLabelValues(env.Type).Inc()
		if !s.handle(ctx, c, env) {
			return
		}
	}
}

// handle processes one client event. It returns false when the connection
// must be dropped.
func (s *Server) handle(ctx context.Context, c *client, env chatsync.Envelope) bool {
	if env.Type == chatsync.EventAuthenticate {
		return s.authenticate(ctx, c, env)
	}
	user := c.user()
	if user == "" {
		s.fail(ctx, c, env, "not authenticated")
		return true
	}

	switch env.Type {
	case chatsync.EventPing:
		s.ack(ctx, c, env.RequestID, chatsync.AckPayload{Success: true})

	case chatsync.EventJoinRoom:
		var p chatsync.RoomPayload
		if decode(env, &p) != nil || !inRoom(user, p.RoomID) {
			s.fail(ctx, c, env, "invalid room")
			return true
		}
		c.mu.Lock()
		c.room = p.RoomID
		c.mu.Unlock()

	case chatsync.EventLeaveRoom:
		var p chatsync.RoomPayload
		_ = decode(env, &p)
		c.mu.Lock()
		if c.room == p.RoomID {
			c.room = ""
		}
		c.mu.Unlock()

	case chatsync.EventSendMessage:
		s.sendMessage(ctx, c, user, env)

	case chatsync.EventTyping:
		var p chatsync.TypingPayload
		if decode(env, &p) != nil || p.ReceiverID == "" {
			return true
		}
		s.broadcast(ctx, chatsync.EventUserTyping, chatsync.UserTypingPayload{UserID: user, IsTyping: p.IsTyping}, p.ReceiverID)

	case chatsync.EventMarkAsRead:
		var p chatsync.MarkAsReadPayload
		if decode(env, &p) != nil {
			s.fail(ctx, c, env, "invalid markAsRead")
			return true
		}
		for _, id := range p.MessageIDs {
			m, ok := s.store.Get(id)
			if !ok || m.ReceiverID != user {
				continue
			}
			if m, ok = s.store.SetStatus(id, chatsync.StatusRead); ok {
				s.broadcast(ctx, chatsync.EventMessageStatus, chatsync.MessageStatusPayload{MessageID: id, Status: m.Status}, m.SenderID)
			}
		}

	default:
		s.fail(ctx, c, env, "unknown event "+env.Type)
	}
	return true
}

func (s *Server) authenticate(ctx context.Context, c *client, env chatsync.Envelope) bool {
	var p chatsync.AuthenticatePayload
	if err := decode(env, &p); err != nil || p.UserID == "" {
		s.fail(ctx, c, env, "invalid authenticate")
		return true
	}
	if s.secret != "" {
		user, ok := VerifyToken(s.secret, p.Token)
		if !ok || user != p.UserID {
			s.log.Warn("relay_auth_failed", zap.String("user", p.UserID))
			s.send(ctx, c, chatsync.EventError, chatsync.ErrorPayload{Message: "authentication failed"})
			c.conn.Close(websocket.StatusPolicyViolation, "authentication failed")
			return false
		}
	}
	c.mu.Lock()
	c.userID = p.UserID
	c.mu.Unlock()
	s.log.Info("relay_client_authenticated", zap.String("user", p.UserID))
	s.send(ctx, c, chatsync.EventAuthenticated, chatsync.AuthenticatedPayload{UserID: p.UserID})

	for _, m := range s.store.Undelivered(p.UserID) {
		if m, ok := s.store.SetStatus(m.MessageID, chatsync.StatusDelivered); ok {
			s.broadcast(ctx, chatsync.EventMessageStatus, chatsync.MessageStatusPayload{MessageID: m.MessageID, Status: m.Status}, m.SenderID)
		}
	}
	return true
}

func (s *Server) sendMessage(ctx context.Context, c *client, user string, env chatsync.Envelope) {
	var p chatsync.SendMessagePayload
	if err := decode(env, &p); err != nil {
		s.fail(ctx, c, env, "invalid sendMessage")
		return
	}
	switch {
	case p.SenderID != user:
		s.fail(ctx, c, env, "sender mismatch")
		return
	case p.ReceiverID == "":
		s.fail(ctx, c, env, "missing receiver")
		return
	case strings.TrimSpace(p.Text) == "" && p.Attachment == nil:
		s.fail(ctx, c, env, "empty message")
		return
	}

	m, created := s.store.Add(chatsync.Message{
		TempID:     p.TempID,
		SenderID:   user,
		ReceiverID: p.ReceiverID,
		Text:       p.Text,
		Attachment: p.Attachment,
		CreatedAt:  p.CreatedAt,
	})
	s.ack(ctx, c, env.RequestID, chatsync.AckPayload{Success: true, MessageID: m.MessageID})
	if !created {
		return
	}
	s.stored.Inc()
	s.log.Debug("relay_message_stored", zap.String("id", m.MessageID), zap.String("from", user), zap.String("to", p.ReceiverID))

	s.broadcast(ctx, chatsync.EventReceiveMessage, chatsync.ReceiveMessagePayload{Message: m}, user, p.ReceiverID)
	if s.Online(p.ReceiverID) {
		if m, ok := s.store.SetStatus(m.MessageID, chatsync.StatusDelivered); ok {
			s.broadcast(ctx, chatsync.EventMessageStatus, chatsync.MessageStatusPayload{MessageID: m.MessageID, Status: m.Status}, user)
		}
	}
}

func inRoom(user, room string) bool {
	a, b, ok := strings.Cut(room, "_")
	return ok && (a == user || b == user)
}

func decode(env chatsync.Envelope, v any) error {
	if len(env.Payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(env.Payload, v)
}

func (s *Server) broadcast(ctx context.Context, event string, payload any, users ...string) {
	for _, c := range s.clientsOf(users...) {
		s.send(ctx, c, event, payload)
	}
}

func (s *Server) ack(ctx context.Context, c *client, requestID string, p chatsync.AckPayload) {
	if requestID == "" {
		return
	}
	s.write(ctx, c, chatsync.Command{Type: chatsync.EventAck, Payload: p, RequestID: requestID})
}

// fail answers a request with a negative ack, or an error event when no
// ack was requested.
func (s *Server) fail(ctx context.Context, c *client, env chatsync.Envelope, reason string) {
	if env.RequestID != "" {
		s.ack(ctx, c, env.RequestID, chatsync.AckPayload{Success: false, Error: reason})
		return
	}
	s.send(ctx, c, chatsync.EventError, chatsync.ErrorPayload{Message: reason})
}

func (s *Server) send(ctx context.Context, c *client, event string, payload any) {
	s.write(ctx, c, chatsync.Command{Type: event, Payload: payload})
}

func (s *Server) write(ctx context.Context, c *client, cmd chatsync.Command) {
	data, err := json.Marshal(cmd)
	if err != nil {
		s.log.Error("relay_marshal_failed", zap.String("type", cmd.Type), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.log.Debug("relay_write_failed", zap.String("user", c.user()), zap.Error(err))
	}
}

// ============================================================================
// REST
// ============================================================================

func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.secret == "" {
			next(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		user, ok := VerifyToken(s.secret, token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		if user != mux.Vars(r)["user"] {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "token does not match user")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	msgs := s.store.Conversation(vars["user"], vars["peer"])
	if msgs == nil {
		msgs = []chatsync.Message{}
	}
	writeOK(w, msgs)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.store.Recent(mux.Vars(r)["user"]))
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func writeOK(w http.ResponseWriter, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, chatsync.APIResult{OK: true, Data: raw})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, chatsync.APIResult{Error: &chatsync.APIError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
