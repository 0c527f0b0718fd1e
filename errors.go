package chatsync

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyMessage    = errors.New("chatsync: message is empty")
	ErrNoConversation  = errors.New("chatsync: no conversation selected")
	ErrNotConnected    = errors.New("chatsync: not connected")
	ErrNotRetryable    = errors.New("chatsync: message is not in a failed state")
	ErrDuplicateTempID = errors.New("chatsync: temp id already in timeline")
	ErrClosed          = errors.New("chatsync: closed")
	ErrAckTimeout      = errors.New("chatsync: acknowledgment timed out")
)

// TransportError is a dial, read, write or heartbeat failure on the event
// channel. The connection manager recovers from it by reconnecting.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SendFailure means a message could not be confirmed: the server rejected
// it, the ack timed out or the connection dropped first.
type SendFailure struct {
	TempID string
	Reason string
	Err    error
}

func (e *SendFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("send %s failed: %s: %v", e.TempID, e.Reason, e.Err)
	}
	return fmt.Sprintf("send %s failed: %s", e.TempID, e.Reason)
}

func (e *SendFailure) Unwrap() error { return e.Err }

// FetchFailure wraps a history or recent-conversations request failure.
type FetchFailure struct {
	CounterpartID string
	Err           error
}

func (e *FetchFailure) Error() string {
	if e.CounterpartID == "" {
		return fmt.Sprintf("fetch recent conversations: %v", e.Err)
	}
	return fmt.Sprintf("fetch history with %s: %v", e.CounterpartID, e.Err)
}

func (e *FetchFailure) Unwrap() error { return e.Err }

// MalformedLocalState is a cache entry that could not be decoded. It is
// discarded and the entry reads as empty.
type MalformedLocalState struct {
	Key string
	Err error
}

func (e *MalformedLocalState) Error() string {
	return fmt.Sprintf("malformed local state %q: %v", e.Key, e.Err)
}

func (e *MalformedLocalState) Unwrap() error { return e.Err }
