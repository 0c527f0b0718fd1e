package chatsync

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the history backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic backend response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Messages
// ============================================================================

// Status is the delivery state of a single message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// Attachment is a file already uploaded elsewhere and referenced by URL.
type Attachment struct {
	URL      string `json:"url"`
	Kind     string `json:"kind,omitempty"` // "image" or "file"
	Filename string `json:"filename,omitempty"`
}

// Message is one direct message. MessageID is authoritative once the
// backend assigned it; until then it holds the TempID placeholder.
type Message struct {
	MessageID  string      `json:"messageId"`
	TempID     string      `json:"tempId,omitempty"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	Status     Status      `json:"status,omitempty"`
}

// Unresolved reports whether the message is still waiting for its
// authoritative id.
func (m Message) Unresolved() bool { return m.TempID != "" }

// Counterpart returns the other participant as seen by principalID.
func (m Message) Counterpart(principalID string) string {
	if m.SenderID == principalID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Room returns the conversation room of the message.
func (m Message) Room() string { return RoomID(m.SenderID, m.ReceiverID) }

// ============================================================================
// Conversations
// ============================================================================

// RoomID is the conversation key for two participants: their ids sorted
// and joined with "_", so both sides derive the same room.
func RoomID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// Principal is the authenticated local user.
type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}
