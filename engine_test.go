package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/chatsync/clock"
	"github.com/LuminPulse-AI/chatsync/kvstore"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeEmit struct {
	event   string
	payload any
}

type fakeRequest struct {
	event     string
	payload   any
	ack       AckFunc
	cancelled bool
}

type fakeChannel struct {
	mu         sync.Mutex
	state      ConnectionState
	handlers   map[string][]EventHandler
	stateFns   []func(ConnectionState)
	connects   int
	emits      []fakeEmit
	requests   []*fakeRequest
	joins      []string
	leaves     int
	requestErr error
	failEmits  int
}

func newFakeChannel(connected bool) *fakeChannel {
	st := ConnectionState{State: StateDisconnected}
	if connected {
		st.State = StateConnected
	}
	return &fakeChannel{state: st, handlers: make(map[string][]EventHandler)}
}

func (f *fakeChannel) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) State() ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) OnStateChange(fn func(ConnectionState)) {
	f.mu.Lock()
	f.stateFns = append(f.stateFns, fn)
	f.mu.Unlock()
}

func (f *fakeChannel) On(event string, h EventHandler) {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], h)
	f.mu.Unlock()
}

func (f *fakeChannel) Emit(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	if f.failEmits > 0 {
		f.failEmits--
		f.mu.Unlock()
		return &TransportError{Op: "write", Err: errors.New("broken pipe")}
	}
	f.emits = append(f.emits, fakeEmit{event: event, payload: payload})
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Request(_ context.Context, event string, payload any, ack AckFunc) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	req := &fakeRequest{event: event, payload: payload, ack: ack}
	f.requests = append(f.requests, req)
	return func() {
		f.mu.Lock()
		req.cancelled = true
		f.mu.Unlock()
	}, nil
}

func (f *fakeChannel) Join(_ context.Context, roomID string) error {
	f.mu.Lock()
	f.joins = append(f.joins, roomID)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Leave(context.Context) error {
	f.mu.Lock()
	f.leaves++
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) setState(st ConnectionState) {
	f.mu.Lock()
	f.state = st
	fns := append([]func(ConnectionState){}, f.stateFns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (f *fakeChannel) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	hs := append([]EventHandler{}, f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func (f *fakeChannel) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeChannel) sendRequests() []*fakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeRequest
	for _, r := range f.requests {
		if r.event == EventSendMessage {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeChannel) emitted(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (f *fakeChannel) joined() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.joins...)
}

type fakeHistory struct {
	mu      sync.Mutex
	history map[string][]Message
	recent  map[string]Message
	gates   map[string]chan struct{}
	err     error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		history: make(map[string][]Message),
		recent:  make(map[string]Message),
		gates:   make(map[string]chan struct{}),
	}
}

func (h *fakeHistory) FetchHistory(ctx context.Context, _, counterpartID string) ([]Message, error) {
	h.mu.Lock()
	gate := h.gates[counterpartID]
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	return append([]Message{}, h.history[counterpartID]...), nil
}

func (h *fakeHistory) FetchRecent(context.Context, string) (map[string]Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]Message, len(h.recent))
	for k, v := range h.recent {
		out[k] = v
	}
	return out, nil
}

func (h *fakeHistory) hold(counterpartID string) chan struct{} {
	gate := make(chan struct{})
	h.mu.Lock()
	h.gates[counterpartID] = gate
	h.mu.Unlock()
	return gate
}

// ============================================================================
// Harness
// ============================================================================

type engineHarness struct {
	t     *testing.T
	eng   *Engine
	ch    *fakeChannel
	hist  *fakeHistory
	clk   *clock.FakeClock
	store *kvstore.Memory

	mu      sync.Mutex
	notices []Notice
}

func newEngineHarness(t *testing.T, connected bool) *engineHarness {
	return startHarness(t, newFakeChannel(connected), newFakeHistory(), kvstore.NewMemory())
}

func startHarness(t *testing.T, ch *fakeChannel, hist *fakeHistory, store *kvstore.Memory, opts ...EngineOption) *engineHarness {
	t.Helper()
	h := &engineHarness{t: t, ch: ch, hist: hist, clk: clock.Fake(t0), store: store}
	h.eng = NewEngine(ch, hist, store, StaticIdentity{ID: "alice"}, append([]EngineOption{WithClock(h.clk)}, opts...)...)
	h.eng.OnNotice(func(n Notice) {
		h.mu.Lock()
		h.notices = append(h.notices, n)
		h.mu.Unlock()
	})
	t.Cleanup(func() { h.eng.Close() })
	require.NoError(t, h.eng.Start(context.Background()))
	return h
}

// sync waits for everything already posted to the engine loop.
func (h *engineHarness) sync() { h.eng.Active() }

func (h *engineHarness) noticeKinds() []NoticeKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []NoticeKind
	for _, n := range h.notices {
		out = append(out, n.Kind)
	}
	return out
}

func (h *engineHarness) selectAndSettle(cp string) {
	h.t.Helper()
	require.NoError(h.t, h.eng.Select(context.Background(), cp))
	h.hist.mu.Lock()
	want := len(h.hist.history[cp])
	h.hist.mu.Unlock()
	require.Eventually(h.t, func() bool { return len(h.eng.Messages(cp)) >= want }, time.Second, 5*time.Millisecond)
	h.sync()
}

func (h *engineHarness) receive(m Message) {
	h.ch.push(h.t, EventReceiveMessage, ReceiveMessagePayload{Message: m})
	h.sync()
}

// ============================================================================
// Send pipeline
// ============================================================================

func TestSendWhileDisconnected(t *testing.T) {
	h := newEngineHarness(t, false)
	h.selectAndSettle("bob")
	startConnects := h.ch.connectCount()

	_, err := h.eng.Send("hello", nil)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, h.eng.Messages("bob"))
	require.Eventually(t, func() bool { return h.ch.connectCount() == startConnects+1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.noticeKinds(), NoticeReconnecting)

	// Repeated attempts inside the trigger interval do not hammer Connect.
	_, err = h.eng.Send("hello again", nil)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Never(t, func() bool { return h.ch.connectCount() > startConnects+1 }, 50*time.Millisecond, 5*time.Millisecond)

	h.clk.Advance(3 * time.Second)
	_, err = h.eng.Send("and again", nil)
	require.ErrorIs(t, err, ErrNotConnected)
	require.Eventually(t, func() bool { return h.ch.connectCount() == startConnects+2 }, time.Second, 5*time.Millisecond)
}

func TestSendAcknowledged(t *testing.T) {
	h := newEngineHarness(t, true)
	h.selectAndSettle("bob")

	tempID, err := h.eng.Send("hello", nil)
	require.NoError(t, err)
	assert.Regexp(t, `^temp-\d+-`, tempID)

	msgs := h.eng.Messages("bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusSending, msgs[0].Status)
	assert.Equal(t, tempID, msgs[0].TempID)

	reqs := h.ch.sendRequests()
	require.Len(t, reqs, 1)
	payload := reqs[0].payload.(SendMessagePayload)
	assert.Equal(t, tempID, payload.TempID)
	assert.Equal(t, "bob", payload.ReceiverID)
	assert.Equal(t, RoomID("alice", "bob"), payload.RoomID)

	reqs[0].ack(AckPayload{Success: true, MessageID: "m1"}, nil)
	h.sync()

	msgs = h.eng.Messages("bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].MessageID)
	assert.Equal(t, StatusSent, msgs[0].Status)
	assert.False(t, msgs[0].Unresolved())
	s, _ := h.eng.Status("m1")
	assert.Equal(t, StatusSent, s)
	_, ok := h.eng.Status(tempID)
	assert.False(t, ok)
	assert.Equal(t, "m1", h.eng.Previews()["bob"].MessageID)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.eng.metrics.Sends.WithLabelValues(OutcomeSent)))
}

func TestSendTimeoutAndRetry(t *testing.T) {
	h := newEngineHarness(t, true)
	h.selectAndSettle("bob")

	tempID, err := h.eng.Send("hello", nil)
	require.NoError(t, err)

	h.clk.Advance(9 * time.Second)
	h.sync()
	assert.Equal(t, StatusSending, h.eng.Messages("bob")[0].Status)

	h.clk.Advance(time.Second)
	h.sync()
	msgs := h.eng.Messages("bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusFailed, msgs[0].Status)
	assert.Contains(t, h.noticeKinds(), NoticeSendFailed)
	assert.True(t, h.ch.sendRequests()[0].cancelled)

	// A late ack for the timed-out attempt changes nothing.
	h.ch.sendRequests()[0].ack(AckPayload{Success: true, MessageID: "late"}, nil)
	h.sync()
	assert.Equal(t, StatusFailed, h.eng.Messages("bob")[0].Status)

	newID, err := h.eng.Retry(tempID)
	require.NoError(t, err)
	assert.NotEqual(t, tempID, newID)
	require.Len(t, h.ch.sendRequests(), 2)
	assert.Equal(t, newID, h.ch.sendRequests()[1].payload.(SendMessagePayload).TempID)

	msgs = h.eng.Messages("bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, newID, msgs[0].TempID)
	assert.Equal(t, StatusSending, msgs[0].Status)

	_, err = h.eng.Retry(tempID)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestSendRejectedByServer(t *testing.T) {
	h := newEngineHarness(t, true)
	h.selectAndSettle("bob")

	tempID, err := h.eng.Send("hello", nil)
	require.NoError(t, err)
	h.ch.sendRequests()[0].ack(AckPayload{Success: false, Error: "too long"}, nil)
	h.sync()

	assert.Equal(t, StatusFailed, h.eng.Messages("bob")[0].Status)
	h.mu.Lock()
	last := h.notices[len(h.notices)-1]
	h.mu.Unlock()
	var failure *SendFailure
	require.True(t, errors.As(last.Err, &failure))
	assert.Equal(t, tempID, failure.TempID)
	assert.Equal(t, "rejected", failure.Reason)
}

func TestSendRequestErrorFailsImmediately(t *testing.T) {
	h := newEngineHarness(t, true)
	h.selectAndSettle("bob")
	h.ch.mu.Lock()
	h.ch.requestErr = &TransportError{Op: "write", Err: errors.New("broken pipe")}
	h.ch.mu.Unlock()

	tempID, err := h.eng.Send("hello", nil)
	require.NoError(t, err)
	s, _ := h.eng.Status(tempID)
	assert.Equal(t, StatusFailed, s)
}

func TestSendValidation(t *testing.T) {
	h := newEngineHarness(t, true)

	_, err := h.eng.Send("hi", nil)
	assert.ErrorIs(t, err, ErrNoConversation)

	h.selectAndSettle("bob")
	_, err = h.eng.Send("   \n\t", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, h.eng.Messages("bob"))

	_, err = h.eng.Send(" ", &Attachment{URL: "https://cdn.example/cat.png", Kind: "image"})
	assert.ErrorIs(t, err, ErrEmptyMessage, "an attachment needs a caption")
	assert.Empty(t, h.eng.Messages("bob"))
	assert.Empty(t, h.ch.sendRequests())

	_, err = h.eng.Send("cat", &Attachment{URL: "https://cdn.example/cat.png", Kind: "image"})
	assert.NoError(t, err)
}

func TestEchoBeforeAck(t *testing.T) {
	h := newEngineHarness(t, true)
	h.selectAndSettle("bob")

	tempID, err := h.eng.Send("hello", nil)
	require.NoError(t, err)
	req := h.ch.sendRequests()[0]

	echo := Message{MessageID: "m1", TempID: tempID, SenderID: "alice", ReceiverID: "bob", Text: "hello", CreatedAt: t0}
	h.receive(echo)

	msgs := h.eng.Messages("bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].MessageID)
	assert.Equal(t, StatusSent, msgs[0].Status)
	assert.True(t, req.cancelled)

	req.ack(AckPayload{Success: true, MessageID: "m1"}, nil)
	h.receive(echo)
	assert.Len(t, h.eng.Messages("bob"), 1)
	assert.Empty(t, h.eng.UnreadCounts(), "own messages never count as unread")
}

func TestLateEchoRevivesFailedSend(t *testing.T) {
	h := newEngineHarness(t, true)
	h.selectAndSettle("bob")

	tempID, err := h.eng.Send("hello", nil)
	require.NoError(t, err)
	h.clk.Advance(10 * time.Second)
	h.sync()
	require.Equal(t, StatusFailed, h.eng.Messages("bob")[0].Status)

	h.receive(Message{MessageID: "m1", TempID: tempID, SenderID: "alice", ReceiverID: "bob", Text: "hello", CreatedAt: t0})

	msgs := h.eng.Messages("bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].MessageID)
	assert.Equal(t, StatusSent, msgs[0].Status)
	_, err = h.eng.Retry(tempID)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestInFlightSendSurvivesSwitch(t *testing.T) {
	h := newEngineHarness(t, true)
	h.selectAndSettle("bob")

	_, err := h.eng.Send("hello", nil)
	require.NoError(t, err)
	h.selectAndSettle("carol")

	h.ch.sendRequests()[0].ack(AckPayload{Success: true, MessageID: "m1"}, nil)
	h.sync()

	msgs := h.eng.Messages("bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusSent, msgs[0].Status)
	assert.Empty(t, h.eng.Messages("carol"))
}

// ============================================================================
// Inbound
// ============================================================================

func TestUnreadAndReadReceipts(t *testing.T) {
	h := newEngineHarness(t, true)
	h.selectAndSettle("carol")

	for _, id := range []string{"b1", "b2", "b3"} {
		h.receive(msg(id, "bob", "alice", 1))
	}
	assert.Equal(t, map[string]int{"bob": 3}, h.eng.UnreadCounts())
	assert.Empty(t, h.ch.emitted(EventMarkAsRead))

	h.selectAndSettle("bob")
	assert.Empty(t, h.eng.UnreadCounts())

	receipts := h.ch.emitted(EventMarkAsRead)
	require.Len(t, receipts, 1)
	assert.Equal(t, MarkAsReadPayload{MessageIDs: []string{"b1", "b2", "b3"}, Reader: "alice", Sender: "bob"}, receipts[0])

	// Messages arriving in the open conversation are receipted right away.
	h.receive(msg("b4", "bob", "alice", 2))
	assert.Empty(t, h.eng.UnreadCounts())
	receipts = h.ch.emitted(EventMarkAsRead)
	require.Len(t, receipts, 2)
	assert.Equal(t, []string{"b4"}, receipts[1].(MarkAsReadPayload).MessageIDs)
	s, _ := h.eng.Status("b4")
	assert.Equal(t, StatusRead, s)
}

func TestDuplicatePushCountsOnce(t *testing.T) {
	h := newEngineHarness(t, true)
	h.selectAndSettle("carol")

	m := msg("b1", "bob", "alice", 1)
	h.receive(m)
	h.receive(m)
	assert.Equal(t, 1, h.eng.UnreadCounts()["bob"])
	assert.Len(t, h.eng.Messages("bob"), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.eng.metrics.DuplicatesDropped))
}

func TestReceiptsWaitForVisibility(t *testing.T) {
	h := newEngineHarness(t, true)
	h.selectAndSettle("bob")
	h.eng.SetVisible(false)

	h.receive(msg("b1", "bob", "alice", 1))
	assert.Empty(t, h.ch.emitted(EventMarkAsRead))

	h.eng.SetVisible(true)
	h.sync()
	require.Len(t, h.ch.emitted(EventMarkAsRead), 1)
}

func TestReceiptsWaitForConnection(t *testing.T) {
	h := newEngineHarness(t, false)
	h.selectAndSettle("bob")

	h.receive(msg("b1", "bob", "alice", 1))
	assert.Empty(t, h.ch.emitted(EventMarkAsRead))

	h.ch.setState(ConnectionState{State: StateConnected})
	h.sync()
	require.Len(t, h.ch.emitted(EventMarkAsRead), 1)
	assert.True(t, h.eng.Connection().Connected())
}

func TestFailedReceiptIsResent(t *testing.T) {
	h := newEngineHarness(t, true)
	h.selectAndSettle("bob")

	h.ch.mu.Lock()
	h.ch.failEmits = 1
	h.ch.mu.Unlock()
	h.receive(msg("b1", "bob", "alice", 1))
	assert.Empty(t, h.ch.emitted(EventMarkAsRead))
	s, _ := h.eng.Status("b1")
	assert.NotEqual(t, StatusRead, s, "not read until the receipt is sent")

	h.ch.setState(ConnectionState{State: StateDisconnected})
	h.ch.setState(ConnectionState{State: StateConnected})
	h.sync()

	receipts := h.ch.emitted(EventMarkAsRead)
	require.Len(t, receipts, 1)
	assert.Equal(t, []string{"b1"}, receipts[0].(MarkAsReadPayload).MessageIDs)
	s, _ = h.eng.Status("b1")
	assert.Equal(t, StatusRead, s)
}

func TestStatusNeverRegresses(t *testing.T) {
	h := newEngineHarness(t, true)
	h.selectAndSettle("bob")
	_, err := h.eng.Send("hello", nil)
	require.NoError(t, err)
	h.ch.sendRequests()[0].ack(AckPayload{Success: true, MessageID: "m1"}, nil)

	h.ch.push(t, EventMessageStatus, MessageStatusPayload{MessageID: "m1", Status: StatusRead})
	h.ch.push(t, EventMessageStatus, MessageStatusPayload{MessageID: "m1", Status: StatusDelivered})
	h.sync()

	assert.Equal(t, StatusRead, h.eng.Messages("bob")[0].Status)
	assert.Equal(t, StatusRead, h.eng.Previews()["bob"].Status)
}

func TestStatusNeverRegressesAfterEviction(t *testing.T) {
	h := startHarness(t, newFakeChannel(true), newFakeHistory(), kvstore.NewMemory(), WithConfig(Config{MaxTrackedStatuses: 1}))
	h.selectAndSettle("bob")

	_, err := h.eng.Send("one", nil)
	require.NoError(t, err)
	h.ch.sendRequests()[0].ack(AckPayload{Success: true, MessageID: "m1"}, nil)
	h.ch.push(t, EventMessageStatus, MessageStatusPayload{MessageID: "m1", Status: StatusRead})
	h.sync()

	_, err = h.eng.Send("two", nil)
	require.NoError(t, err)
	h.ch.sendRequests()[1].ack(AckPayload{Success: true, MessageID: "m2"}, nil)
	h.sync()
	_, tracked := h.eng.Status("m1")
	require.False(t, tracked, "m1 evicted from the status map")

	h.ch.push(t, EventMessageStatus, MessageStatusPayload{MessageID: "m1", Status: StatusDelivered})
	h.sync()

	msgs := h.eng.Messages("bob")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].MessageID)
	assert.Equal(t, StatusRead, msgs[0].Status)
	s, _ := h.eng.Status("m1")
	assert.Equal(t, StatusRead, s)
}

func TestStatusBeforeAck(t *testing.T) {
	h := newEngineHarness(t, true)
	h.selectAndSettle("bob")
	_, err := h.eng.Send("hello", nil)
	require.NoError(t, err)

	h.ch.push(t, EventMessageStatus, MessageStatusPayload{MessageID: "m1", Status: StatusDelivered})
	h.ch.sendRequests()[0].ack(AckPayload{Success: true, MessageID: "m1"}, nil)
	h.sync()

	assert.Equal(t, StatusDelivered, h.eng.Messages("bob")[0].Status)
}

func TestRemoteTyping(t *testing.T) {
	h := newEngineHarness(t, true)
	h.selectAndSettle("bob")
	var events []TypingEvent
	h.eng.OnTyping(func(ev TypingEvent) { events = append(events, ev) })

	h.ch.push(t, EventUserTyping, UserTypingPayload{UserID: "carol", IsTyping: true})
	h.ch.push(t, EventUserTyping, UserTypingPayload{UserID: "bob", IsTyping: true})
	h.sync()
	assert.False(t, h.eng.RemoteTyping("carol"))
	assert.True(t, h.eng.RemoteTyping("bob"))

	h.clk.Advance(2 * time.Second)
	h.sync()
	assert.False(t, h.eng.RemoteTyping("bob"))
	assert.Equal(t, []TypingEvent{{"bob", true}, {"bob", false}}, events)
}

func TestLocalTyping(t *testing.T) {
	h := newEngineHarness(t, true)
	h.selectAndSettle("bob")

	h.eng.NotifyTyping()
	h.eng.NotifyTyping()
	h.sync()
	require.Len(t, h.ch.emitted(EventTyping), 1)

	// Sending ends the typing state right away.
	_, err := h.eng.Send("hi", nil)
	require.NoError(t, err)
	typing := h.ch.emitted(EventTyping)
	require.Len(t, typing, 2)
	assert.Equal(t, TypingPayload{UserID: "alice", ReceiverID: "bob", IsTyping: false}, typing[1])

	// Switching conversations stops typing toward the old one.
	h.eng.NotifyTyping()
	h.selectAndSettle("carol")
	typing = h.ch.emitted(EventTyping)
	require.Len(t, typing, 4)
	assert.Equal(t, TypingPayload{UserID: "alice", ReceiverID: "bob", IsTyping: false}, typing[3])
}

// ============================================================================
// Selection and history
// ============================================================================

func TestSelectMergesHistory(t *testing.T) {
	h := newEngineHarness(t, true)
	h.hist.history["bob"] = []Message{msg("h1", "bob", "alice", 1), msg("h2", "alice", "bob", 2)}
	h.receive(msg("h3", "bob", "alice", 3))

	h.selectAndSettle("bob")
	require.Eventually(t, func() bool { return len(h.eng.Messages("bob")) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"h1", "h2", "h3"}, ids(h.eng.Messages("bob")))
	assert.Equal(t, []string{RoomID("alice", "bob")}, h.ch.joined())
	assert.Equal(t, "h3", h.eng.Previews()["bob"].MessageID)
	assert.Equal(t, "bob", h.eng.Active())

	require.NoError(t, h.eng.Select(context.Background(), "bob"))
	assert.Len(t, h.ch.joined(), 1, "reselecting is a no-op")
}

func TestStaleHistoryDiscarded(t *testing.T) {
	h := newEngineHarness(t, true)
	h.hist.history["bob"] = []Message{msg("h1", "bob", "alice", 1)}
	gate := h.hist.hold("bob")

	require.NoError(t, h.eng.Select(context.Background(), "bob"))
	h.selectAndSettle("carol")
	close(gate)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.eng.metrics.StaleFetches) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.eng.Messages("bob"))
}

func TestHistoryFailureLeavesTimeline(t *testing.T) {
	h := newEngineHarness(t, true)
	h.receive(msg("b1", "bob", "alice", 1))
	h.hist.err = &APIError{Code: "HTTP_500", Message: "boom"}

	require.NoError(t, h.eng.Select(context.Background(), "bob"))
	require.Eventually(t, func() bool {
		for _, k := range h.noticeKinds() {
			if k == NoticeFetchFailed {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, h.eng.Messages("bob"), 1)
}

func TestRestartRestoresProjection(t *testing.T) {
	store := kvstore.NewMemory()
	first := startHarness(t, newFakeChannel(true), newFakeHistory(), store)
	first.selectAndSettle("carol")
	first.receive(msg("b1", "bob", "alice", 1))
	first.receive(msg("b2", "bob", "alice", 2))
	require.NoError(t, first.eng.Close())

	ch := newFakeChannel(true)
	second := startHarness(t, ch, newFakeHistory(), store)
	second.sync()
	assert.Equal(t, map[string]int{"bob": 2}, second.eng.UnreadCounts())
	assert.Equal(t, "b2", second.eng.Previews()["bob"].MessageID)
	assert.Equal(t, "carol", second.eng.Active())
	assert.Equal(t, []string{RoomID("alice", "carol")}, ch.joined())
}

func TestRecentSeedsPreviews(t *testing.T) {
	hist := newFakeHistory()
	hist.recent["dave"] = msg("d1", "dave", "alice", 5)
	h := startHarness(t, newFakeChannel(true), hist, kvstore.NewMemory())

	require.Eventually(t, func() bool {
		_, ok := h.eng.Previews()["dave"]
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestCloseFailsPendingSends(t *testing.T) {
	h := newEngineHarness(t, true)
	h.selectAndSettle("bob")
	tempID, err := h.eng.Send("bye", nil)
	require.NoError(t, err)

	require.NoError(t, h.eng.Close())
	statuses := NewContinuityCache(h.store, "", "alice", nil, nil).Statuses()
	assert.Equal(t, StatusFailed, statuses[tempID])
	h.ch.mu.Lock()
	assert.Equal(t, 1, h.ch.leaves, "room left on close")
	h.ch.mu.Unlock()

	_, err = h.eng.Send("after close", nil)
	assert.ErrorIs(t, err, ErrClosed)
}
