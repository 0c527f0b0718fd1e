package chatsync

import (
	"errors"
	"sort"
)

var errMissingTempID = errors.New("chatsync: optimistic message has no temp id")

// Reconciled reports a placeholder that adopted its authoritative id.
type Reconciled struct {
	TempID    string
	MessageID string
}

// MergeResult summarizes a Merge call.
type MergeResult struct {
	Added      int
	Duplicates int
	Invalid    int
	Reconciled []Reconciled
}

// Changed reports whether the merge modified the timeline.
func (r MergeResult) Changed() bool {
	return r.Added > 0 || len(r.Reconciled) > 0
}

// Timeline is the ordered, deduplicated message set of one conversation.
// Records are kept sorted by CreatedAt; ties keep insertion order.
//
// A Timeline is not safe for concurrent use. The Engine owns every
// Timeline and only touches it from its loop goroutine.
type Timeline struct {
	room     string
	messages []Message
}

// NewTimeline creates an empty timeline for room.
func NewTimeline(room string) *Timeline {
	return &Timeline{room: room}
}

// Room returns the conversation key.
func (t *Timeline) Room() string { return t.room }

// Len returns the number of records.
func (t *Timeline) Len() int { return len(t.messages) }

// Messages returns a copy of the records in display order.
func (t *Timeline) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Last returns the newest record.
func (t *Timeline) Last() (Message, bool) {
	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}

// Find looks a record up by message id (or by placeholder id for
// unresolved records).
func (t *Timeline) Find(messageID string) (Message, bool) {
	if i := t.indexOf(messageID); i >= 0 {
		return t.messages[i], true
	}
	return Message{}, false
}

// FindTemp looks an unresolved record up by temp id.
func (t *Timeline) FindTemp(tempID string) (Message, bool) {
	if i := t.indexOfTemp(tempID); i >= 0 {
		return t.messages[i], true
	}
	return Message{}, false
}

// Merge folds incoming messages into the timeline. A message whose id is
// already present is dropped. A message carrying the temp id of an
// unresolved local record is the server's copy of that record: the local
// record keeps its position and adopts the server id. Messages with
// neither id are counted as invalid and dropped.
func (t *Timeline) Merge(incoming []Message) MergeResult {
	var res MergeResult
	if len(incoming) == 0 {
		return res
	}

	byID := make(map[string]int, len(t.messages)+len(incoming))
	byTemp := make(map[string]int)
	for i, m := range t.messages {
		byID[m.MessageID] = i
		if m.Unresolved() {
			byTemp[m.TempID] = i
		}
	}

	for _, in := range incoming {
		if in.MessageID == "" && in.TempID == "" {
			res.Invalid++
			continue
		}
		if in.MessageID != "" {
			if _, ok := byID[in.MessageID]; ok {
				res.Duplicates++
				continue
			}
		}
		if in.TempID != "" {
			if i, ok := byTemp[in.TempID]; ok {
				if in.MessageID != "" && in.MessageID != in.TempID {
					delete(byID, t.messages[i].MessageID)
					t.messages[i].MessageID = in.MessageID
					t.messages[i].TempID = ""
					byID[in.MessageID] = i
					delete(byTemp, in.TempID)
					res.Reconciled = append(res.Reconciled, Reconciled{TempID: in.TempID, MessageID: in.MessageID})
				}
				res.Duplicates++
				continue
			}
		}

		m := in
		if m.MessageID == "" {
			m.MessageID = m.TempID
		}
		if m.MessageID != m.TempID {
			// Server copies are resolved even when they echo the temp id.
			m.TempID = ""
		}
		byID[m.MessageID] = len(t.messages)
		if m.Unresolved() {
			byTemp[m.TempID] = len(t.messages)
		}
		t.messages = append(t.messages, m)
		res.Added++
	}

	if res.Added > 0 {
		t.sortFrom(len(t.messages) - res.Added)
	}
	return res
}

// InsertOptimistic appends a locally created message that has not been
// acknowledged yet. The record gets status sending and uses its temp id
// as a placeholder message id.
func (t *Timeline) InsertOptimistic(m Message) error {
	if m.TempID == "" {
		return errMissingTempID
	}
	if t.indexOfTemp(m.TempID) >= 0 || t.indexOf(m.TempID) >= 0 {
		return ErrDuplicateTempID
	}
	m.MessageID = m.TempID
	m.Status = StatusSending
	t.messages = append(t.messages, m)
	t.sortFrom(len(t.messages) - 1)
	return nil
}

// Reconcile gives the unresolved record for tempID its authoritative id.
// It returns false, changing nothing, when no unresolved record has that
// temp id, which makes repeated calls harmless. If messageID is already
// present (the server copy arrived without the temp id) the placeholder
// is dropped instead.
func (t *Timeline) Reconcile(tempID, messageID string) bool {
	i := t.indexOfTemp(tempID)
	if i < 0 || messageID == "" {
		return false
	}
	if j := t.indexOf(messageID); j >= 0 && j != i {
		if t.messages[j].Status == "" || statusRank(t.messages[i].Status) > statusRank(t.messages[j].Status) {
			t.messages[j].Status = t.messages[i].Status
		}
		t.removeAt(i)
		return true
	}
	t.messages[i].MessageID = messageID
	t.messages[i].TempID = ""
	return true
}

// MarkFailed flags the in-flight record for tempID as failed.
func (t *Timeline) MarkFailed(tempID string) bool {
	i := t.indexOfTemp(tempID)
	if i < 0 || t.messages[i].Status != StatusSending {
		return false
	}
	t.messages[i].Status = StatusFailed
	return true
}

// Remove drops the unresolved record for tempID and returns it.
func (t *Timeline) Remove(tempID string) (Message, bool) {
	i := t.indexOfTemp(tempID)
	if i < 0 {
		return Message{}, false
	}
	m := t.messages[i]
	t.removeAt(i)
	return m, true
}

// SetStatus overwrites the status of a record. Callers decide whether the
// transition is allowed; see Tracker.
func (t *Timeline) SetStatus(messageID string, s Status) bool {
	i := t.indexOf(messageID)
	if i < 0 || t.messages[i].Status == s {
		return false
	}
	t.messages[i].Status = s
	return true
}

func (t *Timeline) indexOf(messageID string) int {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].MessageID == messageID {
			return i
		}
	}
	return -1
}

func (t *Timeline) indexOfTemp(tempID string) int {
	if tempID == "" {
		return -1
	}
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].TempID == tempID {
			return i
		}
	}
	return -1
}

func (t *Timeline) removeAt(i int) {
	copy(t.messages[i:], t.messages[i+1:])
	t.messages[len(t.messages)-1] = Message{}
	t.messages = t.messages[:len(t.messages)-1]
}

// sortFrom restores order after records were appended at index from.
// Appends that are already in order skip the sort.
func (t *Timeline) sortFrom(from int) {
	ordered := true
	for i := max(from, 1); i < len(t.messages); i++ {
		if t.messages[i].CreatedAt.Before(t.messages[i-1].CreatedAt) {
			ordered = false
			break
		}
	}
	if ordered {
		return
	}
	sort.SliceStable(t.messages, func(i, j int) bool {
		return t.messages[i].CreatedAt.Before(t.messages[j].CreatedAt)
	})
}
