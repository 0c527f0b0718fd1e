package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LuminPulse-AI/chatsync"
)

func rank(s chatsync.Status) int {
	switch s {
	case chatsync.StatusSent:
		return 1
	case chatsync.StatusDelivered:
		return 2
	case chatsync.StatusRead:
		return 3
	}
	return 0
}

// Store is the relay's in-memory message log.
type Store struct {
	mu       sync.RWMutex
	messages []chatsync.Message
	byID     map[string]int
	byTemp   map[string]string
	now      func() time.Time
}

func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		byID:   make(map[string]int),
		byTemp: make(map[string]string),
		now:    now,
	}
}

// Add stores m under a fresh message id and returns the stored copy. A
// resend of the same (sender, tempId) returns the original with
// created=false.
func (s *Store) Add(m chatsync.Message) (stored chatsync.Message, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.TempID != "" {
		if id, ok := s.byTemp[m.SenderID+"\x00"+m.TempID]; ok {
			return s.messages[s.byID[id]], false
		}
	}
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	if m.Status == "" {
		m.Status = chatsync.StatusSent
	}
	s.byID[m.MessageID] = len(s.messages)
	if m.TempID != "" {
		s.byTemp[m.SenderID+"\x00"+m.TempID] = m.MessageID
	}
	s.messages = append(s.messages, m)
	return m, true
}

// Get returns a stored message.
func (s *Store) Get(id string) (chatsync.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return chatsync.Message{}, false
	}
	return s.messages[i], true
}

// SetStatus moves a message forward to st. It reports false when the
// message is unknown or already at or past st.
func (s *Store) SetStatus(id string, st chatsync.Status) (chatsync.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[id]
	if !ok || rank(st) <= rank(s.messages[i].Status) {
		return chatsync.Message{}, false
	}
	s.messages[i].Status = st
	return s.messages[i], true
}

// Conversation returns the messages between a and b ordered by time.
func (s *Store) Conversation(a, b string) []chatsync.Message {
	room := chatsync.RoomID(a, b)
	s.mu.RLock()
	var out []chatsync.Message
	for _, m := range s.messages {
		if m.Room() == room {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Recent returns the newest message of each of user's conversations.
func (s *Store) Recent(user string) map[string]chatsync.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]chatsync.Message)
	for _, m := range s.messages {
		if m.SenderID != user && m.ReceiverID != user {
			continue
		}
		cp := m.Counterpart(user)
		if cur, ok := out[cp]; !ok || !m.CreatedAt.Before(cur.CreatedAt) {
			out[cp] = m
		}
	}
	return out
}

// Undelivered returns the messages to user still at status sent.
func (s *Store) Undelivered(user string) []chatsync.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []chatsync.Message
	for _, m := range s.messages {
		if m.ReceiverID == user && m.Status == chatsync.StatusSent {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
