package chatsync_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/internal/relay"
	"github.com/LuminPulse-AI/chatsync/kvstore"
)

type stateLog struct {
	mu     sync.Mutex
	states []chatsync.ConnectionState
}

func (l *stateLog) record(st chatsync.ConnectionState) {
	l.mu.Lock()
	l.states = append(l.states, st)
	l.mu.Unlock()
}

func (l *stateLog) last() chatsync.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return chatsync.ConnectionState{}
	}
	return l.states[len(l.states)-1]
}

func (l *stateLog) snapshot() []chatsync.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]chatsync.ConnectionState(nil), l.states...)
}

func (l *stateLog) count(s chatsync.RealtimeState) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, st := range l.states {
		if st.State == s {
			n++
		}
	}
	return n
}

func startRelay(t *testing.T, cfg relay.Config) (*relay.Server, *httptest.Server) {
	t.Helper()
	srv := relay.New(cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func newManager(t *testing.T, url, user string, mutate ...func(*chatsync.RealtimeConfig)) (*chatsync.ConnectionManager, *stateLog) {
	t.Helper()
	cfg := chatsync.RealtimeConfig{
		UserID:             user,
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  40 * time.Millisecond,
		DialTimeout:        time.Second,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	cm := chatsync.NewConnectionManager(url, cfg)
	log := &stateLog{}
	cm.OnStateChange(log.record)
	t.Cleanup(func() { cm.Close() })
	return cm, log
}

func connected(cm *chatsync.ConnectionManager) func() bool {
	return func() bool { return cm.State().Connected() }
}

func TestConnectAndRequest(t *testing.T) {
	srv, ts := startRelay(t, relay.Config{})
	cm, log := newManager(t, ts.URL, "alice")

	require.NoError(t, cm.Connect(context.Background()))
	assert.Equal(t, chatsync.StateConnected, cm.State().State)
	assert.Equal(t, 1, log.count(chatsync.StateConnecting))
	require.Eventually(t, func() bool { return srv.Online("alice") }, time.Second, 5*time.Millisecond)
	require.NoError(t, cm.Ping(context.Background()))

	acks := make(chan chatsync.AckPayload, 1)
	_, err := cm.Request(context.Background(), chatsync.EventSendMessage, chatsync.SendMessagePayload{
		TempID: "temp-1", SenderID: "alice", ReceiverID: "bob", Text: "hi", RoomID: chatsync.RoomID("alice", "bob"),
	}, func(ack chatsync.AckPayload, err error) {
		assert.NoError(t, err)
		acks <- ack
	})
	require.NoError(t, err)

	select {
	case ack := <-acks:
		assert.True(t, ack.Success)
		assert.NotEmpty(t, ack.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("no ack")
	}

	require.NoError(t, cm.Connect(context.Background()), "connect while connected is a no-op")
	assert.Equal(t, 1, log.count(chatsync.StateConnecting))
}

func TestRequestWhileDisconnected(t *testing.T) {
	_, ts := startRelay(t, relay.Config{})
	cm, _ := newManager(t, ts.URL, "alice")

	_, err := cm.Request(context.Background(), chatsync.EventPing, nil, func(chatsync.AckPayload, error) {})
	assert.ErrorIs(t, err, chatsync.ErrNotConnected)
}

func TestQueuedEmitsFlushAfterConnect(t *testing.T) {
	_, ts := startRelay(t, relay.Config{})

	bob, _ := newManager(t, ts.URL, "bob")
	typing := make(chan chatsync.UserTypingPayload, 1)
	bob.On(chatsync.EventUserTyping, func(raw json.RawMessage) {
		var p chatsync.UserTypingPayload
		if json.Unmarshal(raw, &p) == nil {
			typing <- p
		}
	})
	require.NoError(t, bob.Connect(context.Background()))

	alice, _ := newManager(t, ts.URL, "alice")
	require.NoError(t, alice.Emit(context.Background(), chatsync.EventTyping, chatsync.TypingPayload{UserID: "alice", ReceiverID: "bob", IsTyping: true}))
	require.NoError(t, alice.Connect(context.Background()))

	select {
	case p := <-typing:
		assert.Equal(t, chatsync.UserTypingPayload{UserID: "alice", IsTyping: true}, p)
	case <-time.After(2 * time.Second):
		t.Fatal("queued typing event was not delivered")
	}
}

func TestServerCloseReconnectsAndRejoins(t *testing.T) {
	srv, ts := startRelay(t, relay.Config{})
	cm, log := newManager(t, ts.URL, "alice")

	require.NoError(t, cm.Connect(context.Background()))
	require.NoError(t, cm.Join(context.Background(), chatsync.RoomID("alice", "bob")))
	require.Eventually(t, func() bool { return srv.Online("alice") }, time.Second, 5*time.Millisecond)

	require.Equal(t, 1, srv.DisconnectUser("alice"))
	require.Eventually(t, func() bool { return log.count(chatsync.StateConnected) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return srv.Online("alice") }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, log.count(chatsync.StateReconnecting), "server close reconnects without backoff")
	assert.Equal(t, chatsync.RoomID("alice", "bob"), cm.Room())
}

func TestBackoffExhaustion(t *testing.T) {
	_, ts := startRelay(t, relay.Config{})
	url := ts.URL
	ts.Close()

	cm, log := newManager(t, url, "alice", func(c *chatsync.RealtimeConfig) { c.MaxReconnectAttempts = 3 })
	assert.Error(t, cm.Connect(context.Background()))

	require.Eventually(t, func() bool { return log.last().Exhausted }, 3*time.Second, 5*time.Millisecond)
	final := log.last()
	assert.Equal(t, chatsync.StateDisconnected, final.State)
	assert.Equal(t, 3, final.Attempt)
	assert.NotEmpty(t, final.LastError)
	assert.Equal(t, 3, log.count(chatsync.StateReconnecting))
}

func TestManualConnectDuringBackoffKeepsCeiling(t *testing.T) {
	_, ts := startRelay(t, relay.Config{})
	url := ts.URL
	ts.Close()

	cm, log := newManager(t, url, "alice", func(c *chatsync.RealtimeConfig) { c.MaxReconnectAttempts = 3 })
	assert.Error(t, cm.Connect(context.Background()))

	exhausted := func() bool {
		for _, st := range log.snapshot() {
			if st.Exhausted {
				return true
			}
		}
		return false
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for !exhausted() {
			_ = cm.Connect(context.Background())
			time.Sleep(5 * time.Millisecond)
		}
	}()
	require.Eventually(t, exhausted, 3*time.Second, 5*time.Millisecond)
	<-done

	var prefix []chatsync.ConnectionState
	for _, st := range log.snapshot() {
		if st.Exhausted {
			assert.Equal(t, 3, st.Attempt)
			break
		}
		prefix = append(prefix, st)
	}
	var attempts []int
	connecting := 0
	for _, st := range prefix {
		switch st.State {
		case chatsync.StateReconnecting:
			attempts = append(attempts, st.Attempt)
		case chatsync.StateConnecting:
			connecting++
		}
	}
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, 1, connecting)
}

func TestIntentionalDisconnectDoesNotReconnect(t *testing.T) {
	_, ts := startRelay(t, relay.Config{})
	cm, log := newManager(t, ts.URL, "alice")

	require.NoError(t, cm.Connect(context.Background()))
	require.NoError(t, cm.Disconnect())
	assert.Never(t, connected(cm), 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 0, log.count(chatsync.StateReconnecting))
}

func TestAuthenticatedRelay(t *testing.T) {
	_, ts := startRelay(t, relay.Config{Secret: "s3cret"})
	cm, _ := newManager(t, ts.URL, "alice", func(c *chatsync.RealtimeConfig) {
		c.Token = relay.SignToken("s3cret", "alice")
	})
	require.NoError(t, cm.Connect(context.Background()))
	require.NoError(t, cm.Ping(context.Background()))

	hist := chatsync.NewHistoryClient(ts.URL, chatsync.WithToken(relay.SignToken("s3cret", "alice")))
	_, err := hist.FetchRecent(context.Background(), "alice")
	require.NoError(t, err)
	_, err = hist.FetchRecent(context.Background(), "bob")
	var apiErr *chatsync.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "FORBIDDEN", apiErr.Code)
}

// TestEnginesConverse runs two engines against one relay.
func TestEnginesConverse(t *testing.T) {
	_, ts := startRelay(t, relay.Config{})

	newEngine := func(user string) *chatsync.Engine {
		cm, _ := newManager(t, ts.URL, user)
		eng := chatsync.NewEngine(cm, chatsync.NewHistoryClient(ts.URL), kvstore.NewMemory(), chatsync.StaticIdentity{ID: user})
		t.Cleanup(func() { eng.Close() })
		require.NoError(t, eng.Start(context.Background()))
		require.Eventually(t, func() bool { return eng.Connection().Connected() }, 2*time.Second, 5*time.Millisecond)
		return eng
	}
	alice := newEngine("alice")
	bob := newEngine("bob")

	require.NoError(t, alice.Select(context.Background(), "bob"))
	tempID, err := alice.Send("hello bob", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := alice.Messages("bob")
		return len(msgs) == 1 && !msgs[0].Unresolved()
	}, 2*time.Second, 5*time.Millisecond)
	_, pending := alice.Status(tempID)
	assert.False(t, pending)

	require.Eventually(t, func() bool { return bob.UnreadCounts()["alice"] == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, bob.Select(context.Background(), "alice"))
	assert.Empty(t, bob.UnreadCounts())

	id := alice.Messages("bob")[0].MessageID
	require.Eventually(t, func() bool {
		s, _ := alice.Status(id)
		return s == chatsync.StatusRead
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, bob.Messages("alice"), 1)
}
