// Package chatsync is a client-side real-time direct-message sync engine.
//
// It keeps a locally consistent view of one-to-one conversations while
// talking to a relay over an unreliable event channel: optimistic sends
// reconciled against server acks, deduplicated ordered timelines, delivery
// and read tracking, typing indicators and a continuity cache that
// survives restarts.
//
// Example:
//
//	cm := chatsync.NewConnectionManager("https://relay.example", chatsync.RealtimeConfig{
//		UserID:        "alice",
//		Token:         token,
//		AutoReconnect: true,
//	})
//	hist := chatsync.NewHistoryClient("https://relay.example", chatsync.WithToken(token))
//	eng := chatsync.NewEngine(cm, hist, kvstore.NewMemory(), chatsync.StaticIdentity{ID: "alice"})
//	eng.OnTimeline(func(ev chatsync.TimelineEvent) { render(ev.Messages) })
//	_ = eng.Start(ctx)
//	_ = eng.Select(ctx, "bob")
//	tempID, err := eng.Send("hello", nil)
package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/LuminPulse-AI/chatsync/clock"
	"github.com/LuminPulse-AI/chatsync/kvstore"
)

// ============================================================================
// Events
// ============================================================================

// TimelineEvent carries the full, ordered timeline of a conversation after
// it changed.
type TimelineEvent struct {
	CounterpartID string
	Messages      []Message
}

// TypingEvent reports the inbound typing indicator of a counterpart.
type TypingEvent struct {
	CounterpartID string
	IsTyping      bool
}

// PreviewEvent reports a new last message for a conversation.
type PreviewEvent struct {
	CounterpartID string
	Message       Message
}

type NoticeKind string

const (
	NoticeReconnecting NoticeKind = "reconnecting"
	NoticeSendFailed   NoticeKind = "send_failed"
	NoticeFetchFailed  NoticeKind = "fetch_failed"
	NoticeServerError  NoticeKind = "server_error"
)

// Notice is a user-facing, non-fatal condition.
type Notice struct {
	Kind          NoticeKind
	CounterpartID string
	TempID        string
	Err           error
}

func (n Notice) String() string {
	if n.Err == nil {
		return string(n.Kind)
	}
	return fmt.Sprintf("%s: %v", n.Kind, n.Err)
}

// ============================================================================
// Engine
// ============================================================================

type EngineOption func(*Engine)

func WithConfig(cfg Config) EngineOption {
	return func(e *Engine) { e.cfg = cfg }
}

func WithLogger(log *zap.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// Engine ties the components together. All conversation state lives on a
// single goroutine; public methods hand work to it and wait for the
// result. Listeners run on that goroutine too, so they must not call
// back into the Engine's blocking methods. Every event carries the data a
// listener needs.
type Engine struct {
	channel  Channel
	history  HistoryFetcher
	store    kvstore.Store
	identity IdentityResolver

	cfg     Config
	log     *zap.Logger
	clock   clock.Clock
	metrics *Metrics

	loop   *loop
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the loop.
	started     bool
	closed      bool
	me          Principal
	cache       *ContinuityCache
	timelines   map[string]*Timeline
	tracker     *Tracker
	typing      *TypingSignal
	previews    map[string]Message
	active      string
	generation  uint64
	visible     bool
	conn        ConnectionState
	pending     map[string]*pendingSend
	reconnectRL *rate.Limiter

	lmu          sync.Mutex
	timelineFns  []func(TimelineEvent)
	typingFns    []func(TypingEvent)
	connFns      []func(ConnectionState)
	unreadFns    []func(map[string]int)
	previewFns   []func(PreviewEvent)
	noticeFns    []func(Notice)
}

// NewEngine creates an engine. history may be nil, in which case
// conversations start from the live stream and the cache only.
func NewEngine(channel Channel, history HistoryFetcher, store kvstore.Store, identity IdentityResolver, opts ...EngineOption) *Engine {
	e := &Engine{
		channel:  channel,
		history:  history,
		store:    store,
		identity: identity,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg.defaults()
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.clock == nil {
		e.clock = clock.Real()
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.loop = newLoop()
	e.timelines = make(map[string]*Timeline)
	e.previews = make(map[string]Message)
	e.pending = make(map[string]*pendingSend)
	e.visible = true
	e.conn = ConnectionState{State: StateDisconnected}
	e.reconnectRL = rate.NewLimiter(rate.Every(e.cfg.ReconnectTriggerInterval), 1)
	return e
}

// Start resolves the principal, restores the cached projection, connects
// and reopens the last selected conversation. Connection failures are not
// returned; the connection manager keeps retrying and reports through
// OnConnection.
func (e *Engine) Start(ctx context.Context) error {
	me, err := e.identity.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}

	var (
		startErr error
		last     string
	)
	if !e.loop.call(func() {
		if e.started || e.closed {
			startErr = errors.New("chatsync: engine already started")
			return
		}
		e.started = true
		e.me = me
		e.cache = NewContinuityCache(e.store, e.cfg.CacheNamespace, me.ID, e.log, e.metrics)
		e.tracker = NewTracker(e.cache.Statuses(), e.cache.UnreadCounts(), e.cfg.MaxTrackedStatuses)
		e.previews = e.cache.Previews()
		e.typing = NewTypingSignal(e.cfg.Typing, e.clock.Now, e.schedule, e.emitTyping, e.onRemoteTyping)
		e.conn = e.channel.State()
		last = e.cache.LastSelected()
	}) {
		return ErrClosed
	}
	if startErr != nil {
		return startErr
	}

	e.subscribe()
	e.log.Info("engine_started", zap.String("principal", me.ID), zap.String("last_selected", last))

	if err := e.channel.Connect(ctx); err != nil {
		e.log.Warn("engine_connect_failed", zap.Error(err))
	}
	if e.history != nil {
		go e.seedPreviews(me.ID)
	}
	if last != "" {
		if err := e.Select(ctx, last); err != nil {
			e.log.Warn("engine_reselect_failed", zap.String("counterpart", last), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) subscribe() {
	e.channel.On(EventReceiveMessage, func(raw json.RawMessage) {
		var p ReceiveMessagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			e.log.Debug("receive_message_malformed", zap.Error(err))
			return
		}
		e.loop.post(func() { e.handleReceive(p.Message) })
	})
	e.channel.On(EventMessageStatus, func(raw json.RawMessage) {
		var p MessageStatusPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			e.log.Debug("message_status_malformed", zap.Error(err))
			return
		}
		e.loop.post(func() { e.handleStatus(p) })
	})
	e.channel.On(EventUserTyping, func(raw json.RawMessage) {
		var p UserTypingPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			e.log.Debug("user_typing_malformed", zap.Error(err))
			return
		}
		e.loop.post(func() { e.handleTyping(p) })
	})
	e.channel.On(EventError, func(raw json.RawMessage) {
		var p ErrorPayload
		_ = json.Unmarshal(raw, &p)
		e.loop.post(func() {
			e.log.Warn("server_error", zap.String("message", p.Message))
			e.notice(Notice{Kind: NoticeServerError, Err: errors.New(p.Message)})
		})
	})
	e.channel.OnStateChange(func(st ConnectionState) {
		e.loop.post(func() { e.handleState(st) })
	})
}

// Close fails any in-flight sends, stops local typing and shuts the loop
// down. The channel is not disconnected; its owner closes it.
func (e *Engine) Close() error {
	e.loop.call(func() {
		if e.closed {
			return
		}
		e.closed = true
		if e.typing != nil {
			e.typing.StopLocal()
		}
		for tempID := range e.pending {
			e.resolve(tempID, AckPayload{}, ErrClosed)
		}
		if e.active != "" {
			if err := e.channel.Leave(e.ctx); err != nil {
				e.log.Debug("leave_room_failed", zap.String("counterpart", e.active), zap.Error(err))
			}
		}
	})
	e.cancel()
	e.loop.stop()
	return nil
}

// ============================================================================
// Conversation selection
// ============================================================================

// Select makes counterpartID the active conversation. Selecting the
// active conversation again is a no-op.
func (e *Engine) Select(ctx context.Context, counterpartID string) error {
	if counterpartID == "" {
		return ErrNoConversation
	}
	var (
		err     error
		changed bool
		gen     uint64
		me      string
	)
	if !e.loop.call(func() {
		if !e.started {
			err = errors.New("chatsync: engine not started")
			return
		}
		if counterpartID == e.active {
			return
		}
		changed = true
		if e.active != "" {
			e.typing.StopLocal()
			e.typing.ClearRemote()
		}
		prev := e.active
		e.active = counterpartID
		e.generation++
		gen = e.generation
		me = e.me.ID

		e.timeline(counterpartID)
		if e.tracker.ClearUnread(counterpartID) {
			e.persistUnread()
			e.notifyUnread()
		}
		if err := e.cache.SetLastSelected(counterpartID); err != nil {
			e.log.Warn("last_selected_write_failed", zap.Error(err))
		}
		e.log.Debug("conversation_selected", zap.String("from", prev), zap.String("to", counterpartID), zap.Uint64("generation", gen))
		e.notifyTimeline(counterpartID)
		e.emitReadReceipts()
	}) {
		return ErrClosed
	}
	if err != nil || !changed {
		return err
	}

	if err := e.channel.Join(ctx, RoomID(me, counterpartID)); err != nil {
		e.log.Warn("join_room_failed", zap.String("counterpart", counterpartID), zap.Error(err))
	}
	if e.history != nil {
		go e.fetchHistory(gen, me, counterpartID)
	}
	return nil
}

func (e *Engine) fetchHistory(gen uint64, me, counterpartID string) {
	start := time.Now()
	msgs, err := e.history.FetchHistory(e.ctx, me, counterpartID)
	e.metrics.FetchDuration.Observe(time.Since(start).Seconds())

	e.loop.post(func() {
		if gen != e.generation {
			e.metrics.StaleFetches.Inc()
			e.log.Debug("history_stale_discarded", zap.String("counterpart", counterpartID), zap.Uint64("generation", gen))
			return
		}
		if err != nil {
			e.metrics.FetchFailures.Inc()
			failure := &FetchFailure{CounterpartID: counterpartID, Err: err}
			e.log.Warn("history_fetch_failed", zap.Error(failure))
			e.notice(Notice{Kind: NoticeFetchFailed, CounterpartID: counterpartID, Err: failure})
			return
		}
		e.applyHistory(counterpartID, msgs)
	})
}

func (e *Engine) applyHistory(counterpartID string, msgs []Message) {
	tl := e.timeline(counterpartID)
	res := e.ingest(tl, msgs)
	e.log.Debug("history_merged",
		zap.String("counterpart", counterpartID),
		zap.Int("added", res.Added),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("reconciled", len(res.Reconciled)),
	)

	for _, m := range msgs {
		if m.SenderID == counterpartID && m.MessageID != "" && m.Status != StatusRead {
			e.tracker.AddPendingRead(counterpartID, m.MessageID)
		}
	}
	if last, ok := tl.Last(); ok {
		e.setPreview(counterpartID, last)
	}
	e.persistStatuses()
	e.notifyTimeline(counterpartID)
	e.emitReadReceipts()
}

func (e *Engine) seedPreviews(me string) {
	recent, err := e.history.FetchRecent(e.ctx, me)
	e.loop.post(func() {
		if err != nil {
			e.metrics.FetchFailures.Inc()
			e.log.Warn("recent_fetch_failed", zap.Error(&FetchFailure{Err: err}))
			return
		}
		for cp, m := range recent {
			e.setPreview(cp, m)
		}
	})
}

// ============================================================================
// Typing and visibility
// ============================================================================

// NotifyTyping registers a keystroke in the active conversation.
func (e *Engine) NotifyTyping() {
	e.loop.post(func() {
		if e.active != "" && e.typing != nil {
			e.typing.Keystroke()
		}
	})
}

// SetVisible tells the engine whether the active conversation is on
// screen. Read receipts are only sent while it is.
func (e *Engine) SetVisible(visible bool) {
	e.loop.post(func() {
		e.visible = visible
		if visible {
			e.emitReadReceipts()
		}
	})
}

func (e *Engine) emitTyping(isTyping bool) {
	if e.active == "" || !e.conn.Connected() {
		return
	}
	err := e.channel.Emit(e.ctx, EventTyping, TypingPayload{
		UserID:     e.me.ID,
		ReceiverID: e.active,
		IsTyping:   isTyping,
	})
	if err != nil {
		e.log.Debug("typing_emit_failed", zap.Error(err))
	}
}

func (e *Engine) onRemoteTyping(counterpartID string, isTyping bool) {
	ev := TypingEvent{CounterpartID: counterpartID, IsTyping: isTyping}
	e.lmu.Lock()
	fns := append([]func(TypingEvent){}, e.typingFns...)
	e.lmu.Unlock()
	for _, fn := range fns {
		e.safe("typing", func() { fn(ev) })
	}
}

// ============================================================================
// Inbound events
// ============================================================================

func (e *Engine) handleReceive(m Message) {
	if !e.started {
		return
	}
	me := e.me.ID
	if m.SenderID != me && m.ReceiverID != me {
		e.log.Debug("receive_message_foreign", zap.String("message_id", m.MessageID))
		return
	}
	cp := m.Counterpart(me)
	tl := e.timeline(cp)
	res := e.ingest(tl, []Message{m})
	if !res.Changed() {
		return
	}

	if rec, ok := tl.Find(m.MessageID); ok {
		e.setPreview(cp, rec)
	}
	if m.SenderID == cp && res.Added > 0 {
		e.typing.SetRemote(cp, false)
		e.tracker.AddPendingRead(cp, m.MessageID)
		if cp != e.active {
			e.tracker.IncrementUnread(cp)
			e.persistUnread()
			e.notifyUnread()
		}
	}
	e.persistStatuses()
	e.notifyTimeline(cp)
	if cp == e.active {
		e.emitReadReceipts()
	}
}

// ingest merges msgs and settles whatever the merge reconciled: awaited
// sends resolve as acknowledged, records already given up on are revived.
func (e *Engine) ingest(tl *Timeline, msgs []Message) MergeResult {
	res := tl.Merge(msgs)
	if res.Duplicates > 0 {
		e.metrics.DuplicatesDropped.Add(float64(res.Duplicates - len(res.Reconciled)))
	}
	for _, r := range res.Reconciled {
		if _, ok := e.pending[r.TempID]; ok {
			e.resolve(r.TempID, AckPayload{Success: true, MessageID: r.MessageID}, nil)
			continue
		}
		e.tracker.Rekey(r.TempID, r.MessageID)
		if e.tracker.Revive(r.MessageID) {
			tl.SetStatus(r.MessageID, StatusSent)
			e.log.Info("send_revived", zap.String("temp_id", r.TempID), zap.String("message_id", r.MessageID))
		}
	}
	for _, m := range msgs {
		if m.MessageID == "" {
			continue
		}
		if m.Status == StatusSent || m.Status == StatusDelivered || m.Status == StatusRead {
			e.tracker.Advance(m.MessageID, m.Status)
		}
		if s, ok := e.tracker.Status(m.MessageID); ok {
			tl.SetStatus(m.MessageID, s)
		}
	}
	return res
}

func (e *Engine) handleStatus(p MessageStatusPayload) {
	if !e.started {
		return
	}
	if _, tracked := e.tracker.Status(p.MessageID); !tracked {
		// Evicted from the status map: resume from the displayed status.
		for _, tl := range e.timelines {
			if rec, ok := tl.Find(p.MessageID); ok && statusRank(rec.Status) > statusRank(StatusSending) {
				e.tracker.Advance(p.MessageID, rec.Status)
				break
			}
		}
	}
	s, changed := e.tracker.Advance(p.MessageID, p.Status)
	if !changed {
		return
	}
	for _, tl := range e.timelines {
		if !tl.SetStatus(p.MessageID, s) {
			continue
		}
		rec, _ := tl.Find(p.MessageID)
		cp := rec.Counterpart(e.me.ID)
		e.refreshPreview(cp, tl, p.MessageID, p.MessageID)
		e.notifyTimeline(cp)
		break
	}
	e.persistStatuses()
}

func (e *Engine) handleTyping(p UserTypingPayload) {
	if !e.started || p.UserID == "" || p.UserID != e.active {
		return
	}
	e.typing.SetRemote(p.UserID, p.IsTyping)
}

func (e *Engine) handleState(st ConnectionState) {
	prev := e.conn
	e.conn = st
	e.lmu.Lock()
	fns := append([]func(ConnectionState){}, e.connFns...)
	e.lmu.Unlock()
	for _, fn := range fns {
		e.safe("connection", func() { fn(st) })
	}
	if st.Connected() && !prev.Connected() {
		e.emitReadReceipts()
	}
}

// emitReadReceipts sends markAsRead for the active conversation's
// unreceipted inbound messages and marks them read locally.
func (e *Engine) emitReadReceipts() {
	if !e.visible || e.active == "" || !e.conn.Connected() {
		return
	}
	ids := e.tracker.TakePendingReads(e.active)
	if len(ids) == 0 {
		return
	}
	err := e.channel.Emit(e.ctx, EventMarkAsRead, MarkAsReadPayload{
		MessageIDs: ids,
		Reader:     e.me.ID,
		Sender:     e.active,
	})
	if err != nil {
		e.log.Warn("mark_as_read_failed", zap.Int("count", len(ids)), zap.Error(err))
		e.tracker.RequeuePendingReads(e.active, ids)
		return
	}
	tl := e.timeline(e.active)
	for _, id := range ids {
		if s, changed := e.tracker.Advance(id, StatusRead); changed {
			tl.SetStatus(id, s)
		}
	}
	e.persistStatuses()
}

// ============================================================================
// Reads
// ============================================================================

// Messages returns the timeline of a conversation.
func (e *Engine) Messages(counterpartID string) []Message {
	var out []Message
	e.loop.call(func() {
		if tl, ok := e.timelines[e.roomOf(counterpartID)]; ok {
			out = tl.Messages()
		}
	})
	return out
}

// Active returns the selected counterpart, or "".
func (e *Engine) Active() string {
	var out string
	e.loop.call(func() { out = e.active })
	return out
}

func (e *Engine) UnreadCounts() map[string]int {
	out := map[string]int{}
	e.loop.call(func() {
		if e.tracker != nil {
			out = e.tracker.UnreadCounts()
		}
	})
	return out
}

func (e *Engine) Previews() map[string]Message {
	out := map[string]Message{}
	e.loop.call(func() {
		for cp, m := range e.previews {
			out[cp] = m
		}
	})
	return out
}

// Status returns the tracked status of a message id or temp id.
func (e *Engine) Status(messageID string) (Status, bool) {
	var (
		s  Status
		ok bool
	)
	e.loop.call(func() {
		if e.tracker != nil {
			s, ok = e.tracker.Status(messageID)
		}
	})
	return s, ok
}

func (e *Engine) RemoteTyping(counterpartID string) bool {
	var out bool
	e.loop.call(func() {
		if e.typing != nil {
			out = e.typing.RemoteTyping(counterpartID)
		}
	})
	return out
}

func (e *Engine) Connection() ConnectionState {
	var out ConnectionState
	e.loop.call(func() { out = e.conn })
	return out
}

// ============================================================================
// Subscriptions
// ============================================================================

func (e *Engine) OnTimeline(fn func(TimelineEvent)) {
	e.lmu.Lock()
	e.timelineFns = append(e.timelineFns, fn)
	e.lmu.Unlock()
}

func (e *Engine) OnTyping(fn func(TypingEvent)) {
	e.lmu.Lock()
	e.typingFns = append(e.typingFns, fn)
	e.lmu.Unlock()
}

func (e *Engine) OnConnection(fn func(ConnectionState)) {
	e.lmu.Lock()
	e.connFns = append(e.connFns, fn)
	e.lmu.Unlock()
}

func (e *Engine) OnUnread(fn func(map[string]int)) {
	e.lmu.Lock()
	e.unreadFns = append(e.unreadFns, fn)
	e.lmu.Unlock()
}

func (e *Engine) OnPreview(fn func(PreviewEvent)) {
	e.lmu.Lock()
	e.previewFns = append(e.previewFns, fn)
	e.lmu.Unlock()
}

func (e *Engine) OnNotice(fn func(Notice)) {
	e.lmu.Lock()
	e.noticeFns = append(e.noticeFns, fn)
	e.lmu.Unlock()
}

func (e *Engine) notifyTimeline(counterpartID string) {
	tl, ok := e.timelines[e.roomOf(counterpartID)]
	if !ok {
		return
	}
	ev := TimelineEvent{CounterpartID: counterpartID, Messages: tl.Messages()}
	e.lmu.Lock()
	fns := append([]func(TimelineEvent){}, e.timelineFns...)
	e.lmu.Unlock()
	for _, fn := range fns {
		e.safe("timeline", func() { fn(ev) })
	}
}

func (e *Engine) notifyUnread() {
	counts := e.tracker.UnreadCounts()
	e.lmu.Lock()
	fns := append([]func(map[string]int){}, e.unreadFns...)
	e.lmu.Unlock()
	for _, fn := range fns {
		e.safe("unread", func() { fn(counts) })
	}
}

func (e *Engine) notice(n Notice) {
	e.lmu.Lock()
	fns := append([]func(Notice){}, e.noticeFns...)
	e.lmu.Unlock()
	for _, fn := range fns {
		e.safe("notice", func() { fn(n) })
	}
}

func (e *Engine) safe(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("listener_panic", zap.String("listener", kind), zap.Any("panic", r))
		}
	}()
	fn()
}

// ============================================================================
// Helpers
// ============================================================================

func (e *Engine) roomOf(counterpartID string) string {
	return RoomID(e.me.ID, counterpartID)
}

func (e *Engine) timeline(counterpartID string) *Timeline {
	room := e.roomOf(counterpartID)
	tl, ok := e.timelines[room]
	if !ok {
		tl = NewTimeline(room)
		e.timelines[room] = tl
	}
	return tl
}

// schedule runs fn on the loop after d.
func (e *Engine) schedule(d time.Duration, fn func()) *clock.Timer {
	return e.clock.AfterFunc(d, func() { e.loop.post(fn) })
}

// setPreview records m as the conversation's last message unless a newer
// one is already known.
func (e *Engine) setPreview(counterpartID string, m Message) {
	cur, ok := e.previews[counterpartID]
	if ok && cur.MessageID != m.MessageID && m.CreatedAt.Before(cur.CreatedAt) {
		return
	}
	if ok && cur == m {
		return
	}
	e.previews[counterpartID] = m
	e.persistPreviews()

	ev := PreviewEvent{CounterpartID: counterpartID, Message: m}
	e.lmu.Lock()
	fns := append([]func(PreviewEvent){}, e.previewFns...)
	e.lmu.Unlock()
	for _, fn := range fns {
		e.safe("preview", func() { fn(ev) })
	}
}

// refreshPreview re-copies a record into the preview after its id or
// status changed. oldID is the id the preview may still hold.
func (e *Engine) refreshPreview(counterpartID string, tl *Timeline, oldID, newID string) {
	cur, ok := e.previews[counterpartID]
	if !ok || cur.MessageID != oldID {
		return
	}
	if rec, found := tl.Find(newID); found {
		e.setPreview(counterpartID, rec)
	}
}

func (e *Engine) persistUnread() {
	_ = e.cache.SetUnreadCounts(e.tracker.UnreadCounts())
}

func (e *Engine) persistStatuses() {
	_ = e.cache.SetStatuses(e.tracker.Statuses())
}

func (e *Engine) persistPreviews() {
	_ = e.cache.SetPreviews(e.previews)
}
