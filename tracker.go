package chatsync

// DefaultMaxTrackedStatuses bounds the status map kept by a Tracker.
const DefaultMaxTrackedStatuses = 2000

func statusRank(s Status) int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// Tracker holds per-message delivery status, per-counterpart unread
// counters, and the inbound message ids that still owe a read receipt.
//
// Status transitions follow sending -> {sent, failed} and
// sent -> delivered -> read. A status never moves backward, and failed is
// only reachable from sending. Like Timeline, a Tracker is owned by the
// Engine loop and is not safe for concurrent use.
type Tracker struct {
	statuses map[string]Status
	order    []string
	max      int

	unread       map[string]int
	pendingReads map[string][]string
	seenReads    map[string]struct{}
}

// NewTracker creates a tracker seeded with cached statuses and unread
// counts. Either map may be nil. maxStatuses <= 0 selects the default.
func NewTracker(statuses map[string]Status, unread map[string]int, maxStatuses int) *Tracker {
	if maxStatuses <= 0 {
		maxStatuses = DefaultMaxTrackedStatuses
	}
	t := &Tracker{
		statuses:     make(map[string]Status, len(statuses)),
		max:          maxStatuses,
		unread:       make(map[string]int, len(unread)),
		pendingReads: make(map[string][]string),
		seenReads:    make(map[string]struct{}),
	}
	for id, s := range statuses {
		if s.Valid() {
			t.put(id, s)
		}
	}
	for cp, n := range unread {
		if n > 0 {
			t.unread[cp] = n
		}
	}
	return t
}

// Status returns the tracked status of a message.
func (t *Tracker) Status(id string) (Status, bool) {
	s, ok := t.statuses[id]
	return s, ok
}

// Advance moves id to s if the transition is allowed and returns the
// resulting status plus whether it changed. Unknown ids accept any valid
// status.
func (t *Tracker) Advance(id string, s Status) (Status, bool) {
	if !s.Valid() || id == "" {
		cur := t.statuses[id]
		return cur, false
	}
	cur, ok := t.statuses[id]
	if !ok {
		t.put(id, s)
		return s, true
	}
	switch {
	case cur == s:
		return cur, false
	case s == StatusFailed:
		if cur != StatusSending {
			return cur, false
		}
	case cur == StatusFailed:
		return cur, false
	case statusRank(s) <= statusRank(cur):
		return cur, false
	}
	t.statuses[id] = s
	return s, true
}

// Revive moves a failed message to sent. It is used when the server's own
// copy of a message shows up after the local send was given up on.
func (t *Tracker) Revive(id string) bool {
	if t.statuses[id] != StatusFailed {
		return false
	}
	t.statuses[id] = StatusSent
	return true
}

// Rekey moves the status of a placeholder id to the authoritative id,
// keeping whichever status is further along.
func (t *Tracker) Rekey(tempID, messageID string) Status {
	s, ok := t.statuses[tempID]
	if ok {
		t.Forget(tempID)
	}
	cur, has := t.statuses[messageID]
	switch {
	case !has && ok:
		t.put(messageID, s)
		return s
	case has && ok && statusRank(s) > statusRank(cur):
		t.statuses[messageID] = s
		return s
	}
	return cur
}

// Forget drops a message from the status map.
func (t *Tracker) Forget(id string) {
	if _, ok := t.statuses[id]; !ok {
		return
	}
	delete(t.statuses, id)
	for i, o := range t.order {
		if o == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Statuses returns a copy of the status map.
func (t *Tracker) Statuses() map[string]Status {
	out := make(map[string]Status, len(t.statuses))
	for id, s := range t.statuses {
		out[id] = s
	}
	return out
}

func (t *Tracker) put(id string, s Status) {
	t.statuses[id] = s
	t.order = append(t.order, id)
	for len(t.order) > t.max {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.statuses, oldest)
	}
}

// ── Unread counters ──────────────────────────────────────

// IncrementUnread bumps the unread counter of counterpartID.
func (t *Tracker) IncrementUnread(counterpartID string) int {
	t.unread[counterpartID]++
	return t.unread[counterpartID]
}

// ClearUnread zeroes the counter and reports whether it was non-zero.
func (t *Tracker) ClearUnread(counterpartID string) bool {
	if t.unread[counterpartID] == 0 {
		return false
	}
	delete(t.unread, counterpartID)
	return true
}

// Unread returns the unread count for counterpartID.
func (t *Tracker) Unread(counterpartID string) int { return t.unread[counterpartID] }

// UnreadCounts returns a copy of all non-zero counters.
func (t *Tracker) UnreadCounts() map[string]int {
	out := make(map[string]int, len(t.unread))
	for cp, n := range t.unread {
		out[cp] = n
	}
	return out
}

// ── Read receipts ────────────────────────────────────────

// AddPendingRead records an inbound message from counterpartID that has
// not been receipted yet. Ids already queued or receipted are ignored.
func (t *Tracker) AddPendingRead(counterpartID, messageID string) bool {
	if messageID == "" {
		return false
	}
	if _, ok := t.seenReads[messageID]; ok {
		return false
	}
	t.seenReads[messageID] = struct{}{}
	t.pendingReads[counterpartID] = append(t.pendingReads[counterpartID], messageID)
	return true
}

// TakePendingReads returns and clears the ids awaiting a read receipt
// for counterpartID.
func (t *Tracker) TakePendingReads(counterpartID string) []string {
	ids := t.pendingReads[counterpartID]
	delete(t.pendingReads, counterpartID)
	return ids
}

// RequeuePendingReads puts ids taken by TakePendingReads back in front of
// the queue after the receipt could not be sent.
func (t *Tracker) RequeuePendingReads(counterpartID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	t.pendingReads[counterpartID] = append(append([]string(nil), ids...), t.pendingReads[counterpartID]...)
}

// PendingReads returns the number of ids awaiting a receipt.
func (t *Tracker) PendingReads(counterpartID string) int {
	return len(t.pendingReads[counterpartID])
}
